// Package detrend removes pointing drift and slow background trends from raw flux series.
package detrend

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/danhey/photometry/internal/domain"
	"github.com/danhey/photometry/internal/ephemeris"
)

// StateSource resolves pointing state. *ephemeris.Provider satisfies it.
type StateSource interface {
	StateAt(t float64) (ephemeris.State, error)
}

type Params struct {
	// PlateScale is the detector plate scale in arcseconds per pixel.
	PlateScale        float64 `yaml:"plate_scale"`
	MinUsableFraction float64 `yaml:"min_usable_fraction"`
	MaxIterations     int     `yaml:"max_iterations"`
	// TukeyC is the biweight tuning constant in units of the robust scale.
	TukeyC    float64 `yaml:"tukey_c"`
	Tolerance float64 `yaml:"tolerance"`
}

func DefaultParams() Params {
	return Params{
		PlateScale:        21,
		MinUsableFraction: 0.5,
		MaxIterations:     20,
		TukeyC:            4.685,
		Tolerance:         1e-8,
	}
}

func (p Params) Validate() error {
	if !(p.PlateScale > 0) {
		return errors.New("detrend.plate_scale must be > 0")
	}
	if math.IsNaN(p.MinUsableFraction) || p.MinUsableFraction < 0 || p.MinUsableFraction > 1 {
		return errors.New("detrend.min_usable_fraction must be within [0,1]")
	}
	if p.MaxIterations < 1 {
		return errors.New("detrend.max_iterations must be >= 1")
	}
	if !(p.TukeyC > 0) {
		return errors.New("detrend.tukey_c must be > 0")
	}
	if math.IsNaN(p.Tolerance) || p.Tolerance < 0 {
		return errors.New("detrend.tolerance must be >= 0")
	}
	return nil
}

type Corrector struct {
	params Params
	logger *slog.Logger
}

func NewCorrector(params Params, logger *slog.Logger) (*Corrector, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Corrector{params: params, logger: logger}, nil
}

const (
	madToSigma = 1.4826
	// minScale is the robust scale, in normalized flux, below which the fit counts as exact.
	minScale = 1e-12
)

// Correct fits and removes the systematics trend of raw. Excluded cadences pass through unchanged.
func (c *Corrector) Correct(raw domain.Series, target domain.Target, eph StateSource) (domain.Series, error) {
	if c == nil {
		return domain.Series{}, errors.New("corrector not initialized")
	}
	if eph == nil {
		return domain.Series{}, errors.New("ephemeris source is required")
	}
	out := raw.Clone(domain.SeriesCorrected)

	usable := make([]int, 0, raw.Len())
	for k, p := range raw.Points {
		if p.Usable() {
			usable = append(usable, k)
		}
	}
	total := raw.Len()
	if total == 0 {
		return domain.Series{}, domain.DetrendFailure("target %s: empty series", raw.TargetID)
	}
	if frac := float64(len(usable)) / float64(total); frac < c.params.MinUsableFraction {
		return domain.Series{}, domain.DetrendFailure("target %s: %d of %d cadences usable (%.2f < %.2f)",
			raw.TargetID, len(usable), total, frac, c.params.MinUsableFraction)
	}
	if len(usable) == 0 {
		return domain.Series{}, domain.DetrendFailure("target %s: no usable cadences", raw.TargetID)
	}

	dx, dy, err := c.drift(raw, usable, target, eph)
	if err != nil {
		return domain.Series{}, err
	}

	n := len(usable)
	flux := make([]float64, n)
	times := make([]float64, n)
	for j, k := range usable {
		flux[j] = raw.Points[k].Flux
		times[j] = raw.Points[k].Time
	}
	medianFlux := median(flux)
	if medianFlux == 0 || math.IsNaN(medianFlux) || math.IsInf(medianFlux, 0) {
		return domain.Series{}, domain.DetrendFailure("target %s: median flux %v cannot normalize", raw.TargetID, medianFlux)
	}

	columns := designColumns(times, dx, dy)
	p := len(columns)
	if n <= p {
		return domain.Series{}, domain.DetrendFailure("target %s: %d usable cadences for %d parameters", raw.TargetID, n, p)
	}
	x := mat.NewDense(n, p, nil)
	for col, values := range columns {
		x.SetCol(col, values)
	}
	y := make([]float64, n)
	for j, f := range flux {
		y[j] = f / medianFlux
	}

	trend, weights, iterations, err := c.fit(x, y)
	if err != nil {
		return domain.Series{}, domain.DetrendFailure("target %s: %v", raw.TargetID, err)
	}

	medianTrend := median(trend)
	outliers := 0
	for j, k := range usable {
		out.Points[k].Flux = raw.Points[k].Flux - medianFlux*(trend[j]-medianTrend)
		if weights[j] == 0 {
			out.Points[k].Quality |= domain.QualityOutlier
			outliers++
		}
	}
	c.logger.Debug("series detrended",
		"target_id", raw.TargetID,
		"usable", n,
		"cadences", total,
		"parameters", p,
		"iterations", iterations,
		"outliers", outliers,
	)
	return out, nil
}

// drift returns the target's pixel displacement at each usable cadence relative to the middle usable cadence.
func (c *Corrector) drift(raw domain.Series, usable []int, target domain.Target, eph StateSource) ([]float64, []float64, error) {
	xs := make([]float64, len(usable))
	ys := make([]float64, len(usable))
	for j, k := range usable {
		state, err := eph.StateAt(raw.Points[k].Time)
		if err != nil {
			return nil, nil, err
		}
		xs[j], ys[j] = focalPlane(target, state)
	}
	ref := len(usable) / 2
	x0, y0 := xs[ref], ys[ref]
	scale := 3600 / c.params.PlateScale
	for j := range xs {
		xs[j] = (xs[j] - x0) * scale
		ys[j] = (ys[j] - y0) * scale
	}
	return xs, ys, nil
}

// focalPlane projects the target's offset from boresight onto the detector axes, in degrees.
func focalPlane(target domain.Target, s ephemeris.State) (float64, float64) {
	dec0 := s.Dec * math.Pi / 180
	xi := ephemeris.AngleDelta(s.RA, target.RA) * math.Cos(dec0)
	eta := target.Dec - s.Dec
	roll := s.Roll * math.Pi / 180
	sin, cos := math.Sincos(roll)
	return xi*cos + eta*sin, -xi*sin + eta*cos
}

// designColumns builds intercept, normalized time and its square, dx and dy.
// Columns that are constant or linearly dependent on earlier ones are dropped.
func designColumns(times, dx, dy []float64) [][]float64 {
	n := len(times)
	lo, hi := times[0], times[n-1]
	mid, half := (lo+hi)/2, (hi-lo)/2
	tn := make([]float64, n)
	tn2 := make([]float64, n)
	for i, t := range times {
		if half > 0 {
			tn[i] = (t - mid) / half
		}
		tn2[i] = tn[i] * tn[i]
	}
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	columns := [][]float64{ones}
	basis := [][]float64{unit(ones)}
	for _, col := range [][]float64{tn, tn2, dx, dy} {
		if stat.Variance(col, nil) <= 1e-12 {
			continue
		}
		rest := append([]float64(nil), col...)
		for _, b := range basis {
			floats.AddScaled(rest, -floats.Dot(rest, b), b)
		}
		if floats.Norm(rest, 2) <= 1e-8*floats.Norm(col, 2) {
			continue
		}
		columns = append(columns, col)
		basis = append(basis, unit(rest))
	}
	return columns
}

func unit(v []float64) []float64 {
	out := append([]float64(nil), v...)
	floats.Scale(1/floats.Norm(out, 2), out)
	return out
}

// fit runs iteratively reweighted least squares with Tukey biweights.
func (c *Corrector) fit(x *mat.Dense, y []float64) ([]float64, []float64, int, error) {
	n, p := x.Dims()
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1
	}
	var beta, prev []float64
	trend := make([]float64, n)
	residuals := make([]float64, n)
	iterations := 0
	for iterations < c.params.MaxIterations {
		iterations++
		next, err := weightedSolve(x, y, weights)
		if err != nil {
			if beta == nil {
				return nil, nil, iterations, err
			}
			break
		}
		prev, beta = beta, next
		for i := 0; i < n; i++ {
			trend[i] = mat.Dot(x.RowView(i), mat.NewVecDense(p, beta))
			residuals[i] = y[i] - trend[i]
		}
		scale := madToSigma * mad(residuals)
		if scale < minScale || math.IsNaN(scale) {
			break
		}
		for i, r := range residuals {
			u := r / (c.params.TukeyC * scale)
			if math.Abs(u) >= 1 {
				weights[i] = 0
				continue
			}
			w := 1 - u*u
			weights[i] = w * w
		}
		if prev != nil && converged(prev, beta, c.params.Tolerance) {
			break
		}
	}
	return trend, weights, iterations, nil
}

func weightedSolve(x *mat.Dense, y, weights []float64) ([]float64, error) {
	n, p := x.Dims()
	xw := mat.NewDense(n, p, nil)
	yw := mat.NewDense(n, 1, nil)
	active := 0
	for i := 0; i < n; i++ {
		sw := math.Sqrt(weights[i])
		if sw > 0 {
			active++
		}
		for j := 0; j < p; j++ {
			xw.Set(i, j, sw*x.At(i, j))
		}
		yw.Set(i, 0, sw*y[i])
	}
	if active < p {
		return nil, fmt.Errorf("%d weighted cadences for %d parameters", active, p)
	}
	var qr mat.QR
	qr.Factorize(xw)
	var sol mat.Dense
	if err := qr.SolveTo(&sol, false, yw); err != nil {
		return nil, fmt.Errorf("least squares: %w", err)
	}
	beta := make([]float64, p)
	for j := range beta {
		beta[j] = sol.At(j, 0)
	}
	return beta, nil
}

func converged(prev, next []float64, tol float64) bool {
	for i := range prev {
		if math.Abs(prev[i]-next[i]) > tol {
			return false
		}
	}
	return true
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// mad is the median absolute deviation from the median.
func mad(values []float64) float64 {
	m := median(values)
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - m)
	}
	return median(dev)
}
