// Package aperture chooses the pixels of a stamp that contribute to the target's flux.
package aperture

import (
	"fmt"
	"math"
	"sort"

	"github.com/danhey/photometry/internal/domain"
	"github.com/danhey/photometry/internal/stamp"
)

// Mask is a row-major boolean image co-registered with a stamp.
type Mask struct {
	Rows   int    `json:"rows"`
	Cols   int    `json:"cols"`
	Pixels []bool `json:"-"`
}

func NewMask(rows, cols int) Mask {
	return Mask{Rows: rows, Cols: cols, Pixels: make([]bool, rows*cols)}
}

func (m Mask) Contains(row, col int) bool {
	if row < 0 || col < 0 || row >= m.Rows || col >= m.Cols {
		return false
	}
	return m.Pixels[row*m.Cols+col]
}

func (m Mask) Count() int {
	n := 0
	for _, in := range m.Pixels {
		if in {
			n++
		}
	}
	return n
}

// Indices lists selected pixels in row-major order.
func (m Mask) Indices() []int {
	out := make([]int, 0, m.Count())
	for i, in := range m.Pixels {
		if in {
			out = append(out, i)
		}
	}
	return out
}

// Coords lists selected pixels as [row, col] pairs in row-major order.
func (m Mask) Coords() [][2]int {
	idx := m.Indices()
	out := make([][2]int, len(idx))
	for i, v := range idx {
		out[i] = [2]int{v / m.Cols, v % m.Cols}
	}
	return out
}

func (m Mask) clone() Mask {
	out := m
	out.Pixels = append([]bool(nil), m.Pixels...)
	return out
}

// image holds the per-pixel quantities both methods work from.
type image struct {
	rows, cols int
	signal     []float64
	variance   []float64
	cx, cy     float64
}

func newImage(s *stamp.Stamp) *image {
	ref := s.ReferenceImage()
	background := 0.0
	if !s.BackgroundSubtracted {
		background = nanMedian(ref)
	}
	img := &image{
		rows:     s.Rows,
		cols:     s.Cols,
		signal:   make([]float64, len(ref)),
		variance: make([]float64, len(ref)),
	}
	rn2 := s.ReadNoise * s.ReadNoise
	var sw, sx, sy float64
	for i, v := range ref {
		if math.IsNaN(v) {
			img.signal[i] = math.NaN()
			continue
		}
		img.signal[i] = v - background
		img.variance[i] = math.Max(math.Max(v, 0)+rn2, 1)
		if img.signal[i] > 0 {
			sw += img.signal[i]
			sx += img.signal[i] * float64(i%s.Cols)
			sy += img.signal[i] * float64(i/s.Cols)
		}
	}
	if sw > 0 {
		img.cx, img.cy = sx/sw, sy/sw
	}
	return img
}

func (img *image) usable(i int) bool {
	return !math.IsNaN(img.signal[i])
}

// brightest returns the pixel with the largest signal, lowest row then column on ties.
func (img *image) brightest() int {
	best := -1
	for i, v := range img.signal {
		if math.IsNaN(v) {
			continue
		}
		if best < 0 || v > img.signal[best] {
			best = i
		}
	}
	return best
}

func (img *image) centroidDistance(i int) float64 {
	dx := float64(i%img.cols) - img.cx
	dy := float64(i/img.cols) - img.cy
	return dx*dx + dy*dy
}

// better reports whether candidate a beats b at equal gain.
func (img *image) better(a, b int) bool {
	da, db := img.centroidDistance(a), img.centroidDistance(b)
	if da != db {
		return da < db
	}
	return a < b
}

// frontier returns usable 4-neighbours of the mask not yet in it, in row-major order.
func (img *image) frontier(m Mask) []int {
	seen := make(map[int]struct{})
	out := make([]int, 0)
	for _, i := range m.Indices() {
		row, col := i/img.cols, i%img.cols
		for _, d := range [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
			r, c := row+d[0], col+d[1]
			if r < 0 || c < 0 || r >= img.rows || c >= img.cols {
				continue
			}
			j := r*img.cols + c
			if m.Pixels[j] || !img.usable(j) {
				continue
			}
			if _, ok := seen[j]; ok {
				continue
			}
			seen[j] = struct{}{}
			out = append(out, j)
		}
	}
	sort.Ints(out)
	return out
}

// pick returns the candidate with the highest score, breaking ties with better.
func (img *image) pick(candidates []int, score func(int) float64) (int, float64) {
	best, bestScore := -1, math.Inf(-1)
	for _, c := range candidates {
		s := score(c)
		if best < 0 || s > bestScore || (s == bestScore && img.better(c, best)) {
			best, bestScore = c, s
		}
	}
	return best, bestScore
}

// Select computes the aperture mask of s under policy.
func Select(s *stamp.Stamp, policy Policy) (Mask, error) {
	if s == nil || s.FrameSize() == 0 {
		return Mask{}, domain.MissingData("empty stamp")
	}
	policy = policy.Normalized()
	if err := policy.Validate(); err != nil {
		return Mask{}, err
	}
	img := newImage(s)
	seed := img.brightest()
	if seed < 0 {
		return Mask{}, domain.InsufficientSignal("target %s: no finite pixels", s.TargetID)
	}
	if img.signal[seed] < policy.Threshold {
		return Mask{}, domain.InsufficientSignal("target %s: brightest pixel %.3f below threshold %.3f", s.TargetID, img.signal[seed], policy.Threshold)
	}

	mask := NewMask(s.Rows, s.Cols)
	mask.Pixels[seed] = true
	switch policy.Method {
	case MethodFixedThreshold:
		img.growThreshold(mask, policy.Threshold)
	case MethodOptimalSNR:
		img.growSNR(mask, policy.Epsilon, policy.MinPixels)
	default:
		return Mask{}, fmt.Errorf("aperture.method unsupported: %q", policy.Method)
	}
	img.fill(mask, policy.MinPixels)
	return mask, nil
}

func (img *image) growThreshold(m Mask, threshold float64) {
	queue := m.Indices()
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		row, col := i/img.cols, i%img.cols
		for _, d := range [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
			r, c := row+d[0], col+d[1]
			if r < 0 || c < 0 || r >= img.rows || c >= img.cols {
				continue
			}
			j := r*img.cols + c
			if m.Pixels[j] || !img.usable(j) || img.signal[j] < threshold {
				continue
			}
			m.Pixels[j] = true
			queue = append(queue, j)
		}
	}
}

func (img *image) snr(signal, variance float64) float64 {
	return signal / math.Sqrt(variance)
}

func (img *image) growSNR(m Mask, epsilon float64, minPixels int) {
	var signal, variance float64
	for _, i := range m.Indices() {
		signal += img.signal[i]
		variance += img.variance[i]
	}
	best := img.snr(signal, variance)
	count := m.Count()
	for {
		candidates := img.frontier(m)
		if len(candidates) == 0 {
			return
		}
		next, gain := img.pick(candidates, func(c int) float64 {
			return img.snr(signal+img.signal[c], variance+img.variance[c])
		})
		if count >= minPixels && gain < best-epsilon {
			return
		}
		if count < minPixels && gain < best-epsilon {
			next, _ = img.pick(candidates, func(c int) float64 { return img.signal[c] })
			gain = img.snr(signal+img.signal[next], variance+img.variance[next])
		}
		m.Pixels[next] = true
		count++
		signal += img.signal[next]
		variance += img.variance[next]
		if gain > best {
			best = gain
		}
	}
}

// fill forces the brightest neighbours in until the mask holds minPixels.
func (img *image) fill(m Mask, minPixels int) {
	for m.Count() < minPixels {
		candidates := img.frontier(m)
		if len(candidates) == 0 {
			return
		}
		next, _ := img.pick(candidates, func(c int) float64 { return img.signal[c] })
		m.Pixels[next] = true
	}
}

func nanMedian(values []float64) float64 {
	finite := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return 0
	}
	sort.Float64s(finite)
	n := len(finite)
	if n%2 == 1 {
		return finite[n/2]
	}
	return (finite[n/2-1] + finite[n/2]) / 2
}
