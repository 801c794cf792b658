package stamp

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/danhey/photometry/internal/domain"
)

// Per-pixel flag bits, stored one byte per pixel per cadence.
const (
	// PixelBad excludes the pixel from flux sums.
	PixelBad uint8 = 1 << iota
	// PixelNotForBackground excludes the pixel from background estimates.
	PixelNotForBackground
	// PixelManualExclude marks pixels excluded by hand. Treated as bad.
	PixelManualExclude
)

// Stamp is the pixel cutout of one target over a time range. It is read-only once loaded.
type Stamp struct {
	TargetID             string
	Range                domain.TimeRange
	Rows                 int
	Cols                 int
	Times                []float64
	Present              []bool
	Quality              []uint32
	Pixels               []float64
	Flags                []uint8
	ReadNoise            float64
	BackgroundSubtracted bool
	TargetRow            float64
	TargetCol            float64
}

func (s *Stamp) Cadences() int {
	return len(s.Times)
}

func (s *Stamp) FrameSize() int {
	return s.Rows * s.Cols
}

// Frame returns the pixel values of cadence k in row-major order.
func (s *Stamp) Frame(k int) []float64 {
	n := s.FrameSize()
	return s.Pixels[k*n : (k+1)*n]
}

// Flag returns the flag byte of pixel i (row-major) at cadence k.
func (s *Stamp) Flag(k, i int) uint8 {
	if s.Flags == nil {
		return 0
	}
	return s.Flags[k*s.FrameSize()+i]
}

// Usable reports whether pixel i of cadence k may contribute flux.
func (s *Stamp) Usable(k, i int) bool {
	if s.Flag(k, i)&(PixelBad|PixelManualExclude) != 0 {
		return false
	}
	v := s.Pixels[k*s.FrameSize()+i]
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// HasData reports whether cadence k carries pixel data.
func (s *Stamp) HasData(k int) bool {
	if s.Present != nil && !s.Present[k] {
		return false
	}
	for i := 0; i < s.FrameSize(); i++ {
		if s.Usable(k, i) {
			return true
		}
	}
	return false
}

// ReferenceImage is the per-pixel mean over cadences with data. Pixels never usable are NaN.
func (s *Stamp) ReferenceImage() []float64 {
	n := s.FrameSize()
	sum := make([]float64, n)
	count := make([]int, n)
	for k := 0; k < s.Cadences(); k++ {
		if s.Present != nil && !s.Present[k] {
			continue
		}
		frame := s.Frame(k)
		for i, v := range frame {
			if !s.Usable(k, i) {
				continue
			}
			sum[i] += v
			count[i]++
		}
	}
	for i := range sum {
		if count[i] == 0 {
			sum[i] = math.NaN()
			continue
		}
		sum[i] /= float64(count[i])
	}
	return sum
}

// Fingerprint identifies the stamp content for mask caching.
func (s *Stamp) Fingerprint() string {
	h := sha256.New()
	var buf [8]byte
	putInt := func(v int) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	putFloat := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	h.Write([]byte(s.TargetID))
	putInt(s.Rows)
	putInt(s.Cols)
	for _, t := range s.Times {
		putFloat(t)
	}
	for _, v := range s.Pixels {
		putFloat(v)
	}
	h.Write(s.Flags)
	for _, p := range s.Present {
		if p {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
