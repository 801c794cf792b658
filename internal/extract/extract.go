// Package extract turns a pixel stamp and an aperture mask into a raw flux series.
package extract

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/danhey/photometry/internal/aperture"
	"github.com/danhey/photometry/internal/domain"
	"github.com/danhey/photometry/internal/stamp"
)

// DefaultSaturationLevel is the pixel value at which a cadence is flagged saturated.
const DefaultSaturationLevel = 150000.0

type Extractor struct {
	SaturationLevel float64
}

func New(saturationLevel float64) Extractor {
	if saturationLevel <= 0 || math.IsNaN(saturationLevel) {
		saturationLevel = DefaultSaturationLevel
	}
	return Extractor{SaturationLevel: saturationLevel}
}

// Extract sums the masked pixels of every cadence of s. The series has one point per cadence.
func (e Extractor) Extract(s *stamp.Stamp, mask aperture.Mask) (domain.Series, error) {
	if s == nil {
		return domain.Series{}, domain.MissingData("no stamp")
	}
	if mask.Rows != s.Rows || mask.Cols != s.Cols || len(mask.Pixels) != s.FrameSize() {
		return domain.Series{}, fmt.Errorf("mask %dx%d does not match stamp %dx%d", mask.Rows, mask.Cols, s.Rows, s.Cols)
	}
	inMask := mask.Indices()
	if len(inMask) == 0 {
		return domain.Series{}, domain.InsufficientSignal("target %s: empty aperture", s.TargetID)
	}
	saturation := e.SaturationLevel
	if saturation <= 0 {
		saturation = DefaultSaturationLevel
	}

	rn2 := s.ReadNoise * s.ReadNoise
	series := domain.Series{
		TargetID: s.TargetID,
		Range:    s.Range,
		Variant:  domain.SeriesRaw,
		Points:   make([]domain.Point, s.Cadences()),
	}
	values := make([]float64, 0, len(inMask))
	variances := make([]float64, 0, len(inMask))
	for k := range series.Points {
		p := domain.Point{Time: s.Times[k], Flux: math.NaN(), FluxErr: math.NaN()}
		if s.Quality != nil && s.Quality[k] != 0 {
			p.Quality |= domain.QualitySpacecraft
		}
		if !s.HasData(k) {
			p.Quality |= domain.QualityGap
			series.Points[k] = p
			continue
		}

		background := 0.0
		if !s.BackgroundSubtracted {
			background = backgroundLevel(s, k, mask)
		}
		frame := s.Frame(k)
		values, variances = values[:0], variances[:0]
		for _, i := range inMask {
			v := frame[i]
			if v >= saturation {
				p.Quality |= domain.QualitySaturated
			}
			if !s.Usable(k, i) {
				continue
			}
			values = append(values, v-background)
			variances = append(variances, math.Max(v, 0)+rn2)
		}
		if len(values) == 0 {
			p.Quality |= domain.QualityGap
			series.Points[k] = p
			continue
		}
		p.Flux = floats.Sum(values)
		p.FluxErr = math.Sqrt(floats.Sum(variances))
		series.Points[k] = p
	}
	return series, nil
}

// backgroundLevel is the median of usable pixels outside the mask at cadence k.
func backgroundLevel(s *stamp.Stamp, k int, mask aperture.Mask) float64 {
	frame := s.Frame(k)
	sky := make([]float64, 0, len(frame))
	for i, v := range frame {
		if mask.Pixels[i] || !s.Usable(k, i) || s.Flag(k, i)&stamp.PixelNotForBackground != 0 {
			continue
		}
		sky = append(sky, v)
	}
	if len(sky) == 0 {
		return 0
	}
	sort.Float64s(sky)
	n := len(sky)
	if n%2 == 1 {
		return sky[n/2]
	}
	return (sky[n/2-1] + sky[n/2]) / 2
}
