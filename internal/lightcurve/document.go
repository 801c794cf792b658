// Package lightcurve persists extracted flux series as deterministic JSON documents.
package lightcurve

import (
	"fmt"
	"math"
	"strconv"

	"github.com/danhey/photometry/internal/aperture"
	"github.com/danhey/photometry/internal/domain"
)

const DocumentSchemaV1 = "photometry.lightcurve.v1"

// Value is a float encoded as null when it is NaN or infinite.
type Value float64

func (v Value) MarshalJSON() ([]byte, error) {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

func (v *Value) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*v = Value(math.NaN())
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	*v = Value(f)
	return nil
}

type Document struct {
	Schema     string           `json:"schema"`
	JobID      string           `json:"job_id"`
	TargetID   string           `json:"target_id"`
	Range      domain.TimeRange `json:"time_range"`
	Catalog    Catalog          `json:"catalog"`
	Processing Processing       `json:"processing"`
	Aperture   Aperture         `json:"aperture"`
	Columns    Columns          `json:"columns"`
}

type Catalog struct {
	RA           float64 `json:"ra"`
	Dec          float64 `json:"dec"`
	Magnitude    float64 `json:"tmag"`
	ExpectedFlux Value   `json:"expected_flux"`
}

// Processing records the versioned inputs that determine the document's content.
type Processing struct {
	PolicyVersion    string `json:"policy_version"`
	ApertureMethod   string `json:"aperture_method"`
	KernelSetVersion string `json:"kernel_set_version"`
	StampFingerprint string `json:"stamp_fingerprint"`
	Sector           int    `json:"sector,omitempty"`
}

type Aperture struct {
	Rows   int      `json:"rows"`
	Cols   int      `json:"cols"`
	Pixels [][2]int `json:"pixels"`
}

type Columns struct {
	Time       []Value  `json:"time"`
	FluxRaw    []Value  `json:"flux_raw"`
	FluxRawErr []Value  `json:"flux_raw_err"`
	Flux       []Value  `json:"flux_corr"`
	FluxErr    []Value  `json:"flux_corr_err"`
	Quality    []uint32 `json:"quality"`
}

func (c Columns) Len() int {
	return len(c.Time)
}

// NewDocument assembles the output of one job. raw and corrected must cover the same cadences.
func NewDocument(jobID string, target domain.Target, raw, corrected domain.Series, mask aperture.Mask, proc Processing) (Document, error) {
	if raw.Len() != corrected.Len() {
		return Document{}, fmt.Errorf("raw series has %d points, corrected %d", raw.Len(), corrected.Len())
	}
	n := raw.Len()
	cols := Columns{
		Time:       make([]Value, n),
		FluxRaw:    make([]Value, n),
		FluxRawErr: make([]Value, n),
		Flux:       make([]Value, n),
		FluxErr:    make([]Value, n),
		Quality:    make([]uint32, n),
	}
	for k := 0; k < n; k++ {
		r, c := raw.Points[k], corrected.Points[k]
		if r.Time != c.Time {
			return Document{}, fmt.Errorf("cadence %d time mismatch: raw %v corrected %v", k, r.Time, c.Time)
		}
		cols.Time[k] = Value(r.Time)
		cols.FluxRaw[k] = Value(r.Flux)
		cols.FluxRawErr[k] = Value(r.FluxErr)
		cols.Flux[k] = Value(c.Flux)
		cols.FluxErr[k] = Value(c.FluxErr)
		cols.Quality[k] = uint32(c.Quality)
	}
	return Document{
		Schema:   DocumentSchemaV1,
		JobID:    jobID,
		TargetID: target.ID,
		Range:    raw.Range,
		Catalog: Catalog{
			RA:           target.RA,
			Dec:          target.Dec,
			Magnitude:    target.Magnitude,
			ExpectedFlux: Value(target.ExpectedFlux()),
		},
		Processing: proc,
		Aperture:   Aperture{Rows: mask.Rows, Cols: mask.Cols, Pixels: mask.Coords()},
		Columns:    cols,
	}, nil
}

// Series rebuilds the raw or corrected series stored in the document.
func (d Document) Series(variant domain.SeriesVariant) domain.Series {
	s := domain.Series{TargetID: d.TargetID, Range: d.Range, Variant: variant, Points: make([]domain.Point, d.Columns.Len())}
	for k := range s.Points {
		p := domain.Point{Time: float64(d.Columns.Time[k]), Quality: domain.Quality(d.Columns.Quality[k])}
		if variant == domain.SeriesRaw {
			p.Flux, p.FluxErr = float64(d.Columns.FluxRaw[k]), float64(d.Columns.FluxRawErr[k])
			p.Quality &^= domain.QualityOutlier
		} else {
			p.Flux, p.FluxErr = float64(d.Columns.Flux[k]), float64(d.Columns.FluxErr[k])
		}
		s.Points[k] = p
	}
	return s
}

func (d Document) Validate() error {
	if d.Schema != DocumentSchemaV1 {
		return fmt.Errorf("document.schema must be %q", DocumentSchemaV1)
	}
	if d.JobID == "" || d.TargetID == "" {
		return fmt.Errorf("document job_id and target_id are required")
	}
	n := d.Columns.Len()
	for name, l := range map[string]int{
		"flux_raw":      len(d.Columns.FluxRaw),
		"flux_raw_err":  len(d.Columns.FluxRawErr),
		"flux_corr":     len(d.Columns.Flux),
		"flux_corr_err": len(d.Columns.FluxErr),
		"quality":       len(d.Columns.Quality),
	} {
		if l != n {
			return fmt.Errorf("document column %s has %d rows, time has %d", name, l, n)
		}
	}
	return nil
}
