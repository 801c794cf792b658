package domain

import (
	"math"
	"strings"
)

// Quality is a bit set of per-cadence flags.
type Quality uint32

const (
	// QualityGap marks a cadence without pixel data. Its flux is NaN.
	QualityGap Quality = 1 << iota
	QualitySaturated
	// QualitySpacecraft marks a cadence the spacecraft flagged in its quality word.
	QualitySpacecraft
	// QualityOutlier marks a cadence rejected by the robust trend fit.
	QualityOutlier
)

var qualityNames = []struct {
	flag Quality
	name string
}{
	{QualityGap, "gap"},
	{QualitySaturated, "saturated"},
	{QualitySpacecraft, "spacecraft"},
	{QualityOutlier, "outlier"},
}

func (q Quality) Has(flag Quality) bool {
	return q&flag != 0
}

// ExcludedFromFit reports whether the cadence must be left out of trend fitting.
func (q Quality) ExcludedFromFit() bool {
	return q.Has(QualityGap) || q.Has(QualitySaturated) || q.Has(QualitySpacecraft)
}

func (q Quality) Names() []string {
	out := make([]string, 0, len(qualityNames))
	for _, n := range qualityNames {
		if q.Has(n.flag) {
			out = append(out, n.name)
		}
	}
	return out
}

func (q Quality) String() string {
	if q == 0 {
		return "ok"
	}
	return strings.Join(q.Names(), "|")
}

// SeriesVariant distinguishes raw and corrected flux series.
type SeriesVariant string

const (
	SeriesRaw       SeriesVariant = "raw"
	SeriesCorrected SeriesVariant = "corrected"
)

type Point struct {
	Time    float64
	Flux    float64
	FluxErr float64
	Quality Quality
}

// Series holds one point per cadence of the requested time range, in time order.
type Series struct {
	TargetID string
	Range    TimeRange
	Variant  SeriesVariant
	Points   []Point
}

func (s Series) Len() int {
	return len(s.Points)
}

// Clone returns a deep copy with the given variant.
func (s Series) Clone(variant SeriesVariant) Series {
	points := make([]Point, len(s.Points))
	copy(points, s.Points)
	return Series{TargetID: s.TargetID, Range: s.Range, Variant: variant, Points: points}
}

// Usable reports whether a point may take part in a fit.
func (p Point) Usable() bool {
	return !p.Quality.ExcludedFromFit() && !math.IsNaN(p.Flux) && !math.IsInf(p.Flux, 0)
}
