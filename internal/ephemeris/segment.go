package ephemeris

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/danhey/photometry/internal/domain"
)

// Segment files are little-endian float64 records of (t, x, y, z, ra, dec, roll).
const (
	recordFields = 7
	RecordSize   = recordFields * 8
)

// State is the spacecraft position (km) and boresight pointing (degrees) at Time.
type State struct {
	Time     float64    `json:"time"`
	Position [3]float64 `json:"position"`
	RA       float64    `json:"ra"`
	Dec      float64    `json:"dec"`
	Roll     float64    `json:"roll"`
}

type segment struct {
	spec SegmentSpec

	once    sync.Once
	records []State
	err     error
}

func (s *segment) load() ([]State, error) {
	s.once.Do(func() {
		s.records, s.err = readSegment(s.spec)
	})
	return s.records, s.err
}

func readSegment(spec SegmentSpec) ([]State, error) {
	raw, err := os.ReadFile(spec.Path)
	if err != nil {
		return nil, domain.KernelCorrupt(err, "segment %s unreadable", spec.Name)
	}
	sum := sha256.Sum256(raw)
	if got := hex.EncodeToString(sum[:]); got != spec.SHA256 {
		return nil, domain.KernelCorrupt(nil, "segment %s sha256 %s does not match manifest %s", spec.Name, got, spec.SHA256)
	}
	return DecodeSegment(spec, raw)
}

// DecodeSegment parses and checks the records of one segment payload.
func DecodeSegment(spec SegmentSpec, raw []byte) ([]State, error) {
	if len(raw) == 0 || len(raw)%RecordSize != 0 {
		return nil, domain.KernelCorrupt(nil, "segment %s size %d is not a multiple of %d", spec.Name, len(raw), RecordSize)
	}
	n := len(raw) / RecordSize
	values := make([]float64, n*recordFields)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, values); err != nil {
		return nil, domain.KernelCorrupt(err, "segment %s decode", spec.Name)
	}

	records := make([]State, n)
	for i := range records {
		v := values[i*recordFields : (i+1)*recordFields]
		for _, f := range v {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, domain.KernelCorrupt(nil, "segment %s record %d is not finite", spec.Name, i)
			}
		}
		records[i] = State{
			Time:     v[0],
			Position: [3]float64{v[1], v[2], v[3]},
			RA:       v[4],
			Dec:      v[5],
			Roll:     v[6],
		}
		if i > 0 && records[i].Time <= records[i-1].Time {
			return nil, domain.KernelCorrupt(nil, "segment %s times not increasing at record %d", spec.Name, i)
		}
	}
	if records[0].Time > spec.Start || records[n-1].Time < spec.End {
		return nil, domain.KernelCorrupt(nil, "segment %s records [%v,%v] do not cover declared span [%v,%v]",
			spec.Name, records[0].Time, records[n-1].Time, spec.Start, spec.End)
	}
	return records, nil
}

// EncodeSegment is the inverse of DecodeSegment.
func EncodeSegment(records []State) []byte {
	buf := make([]byte, 0, len(records)*RecordSize)
	for _, r := range records {
		for _, f := range []float64{r.Time, r.Position[0], r.Position[1], r.Position[2], r.RA, r.Dec, r.Roll} {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(f))
		}
	}
	return buf
}

// interpolate linearly between the records bracketing t. Angles take the short way round.
func interpolate(records []State, t float64) State {
	n := len(records)
	if n == 1 || t <= records[0].Time {
		s := records[0]
		s.Time = t
		return s
	}
	if t >= records[n-1].Time {
		s := records[n-1]
		s.Time = t
		return s
	}
	lo, hi := 0, n-1
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if records[mid].Time <= t {
			lo = mid
		} else {
			hi = mid
		}
	}
	a, b := records[lo], records[hi]
	w := (t - a.Time) / (b.Time - a.Time)
	lerp := func(x, y float64) float64 { return x + w*(y-x) }
	return State{
		Time: t,
		Position: [3]float64{
			lerp(a.Position[0], b.Position[0]),
			lerp(a.Position[1], b.Position[1]),
			lerp(a.Position[2], b.Position[2]),
		},
		RA:   wrap360(a.RA + w*angleDelta(a.RA, b.RA)),
		Dec:  lerp(a.Dec, b.Dec),
		Roll: wrap360(a.Roll + w*angleDelta(a.Roll, b.Roll)),
	}
}

// angleDelta returns b-a folded into (-180, 180].
func angleDelta(a, b float64) float64 {
	d := math.Mod(b-a, 360)
	if d > 180 {
		d -= 360
	} else if d <= -180 {
		d += 360
	}
	return d
}

func wrap360(v float64) float64 {
	v = math.Mod(v, 360)
	if v < 0 {
		v += 360
	}
	return v
}

// AngleDelta is exported for callers computing pointing drift.
func AngleDelta(a, b float64) float64 {
	return angleDelta(a, b)
}

func (s State) String() string {
	return fmt.Sprintf("t=%.5f ra=%.6f dec=%.6f roll=%.6f", s.Time, s.RA, s.Dec, s.Roll)
}
