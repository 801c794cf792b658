package domain

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Target is a catalog star. Values are immutable once read from the catalog.
type Target struct {
	ID        string  `json:"id"`
	RA        float64 `json:"ra"`
	Dec       float64 `json:"dec"`
	Magnitude float64 `json:"tmag"`
}

func (t Target) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("target id is required")
	}
	if math.IsNaN(t.RA) || t.RA < 0 || t.RA >= 360 {
		return fmt.Errorf("target %s: ra out of range: %v", t.ID, t.RA)
	}
	if math.IsNaN(t.Dec) || t.Dec < -90 || t.Dec > 90 {
		return fmt.Errorf("target %s: dec out of range: %v", t.ID, t.Dec)
	}
	return nil
}

// zeroPointMagnitude is the magnitude giving a flux of one electron per second.
const zeroPointMagnitude = 20.54

// ExpectedFlux converts the catalog magnitude to an expected flux.
func (t Target) ExpectedFlux() float64 {
	return math.Pow(10, -0.4*(t.Magnitude-zeroPointMagnitude))
}

// TimeRange is a closed interval of spacecraft time in days.
type TimeRange struct {
	Start float64 `json:"start" yaml:"start"`
	End   float64 `json:"end" yaml:"end"`
}

func (r TimeRange) Validate() error {
	if math.IsNaN(r.Start) || math.IsNaN(r.End) {
		return errors.New("time range bounds must be numbers")
	}
	if r.End < r.Start {
		return fmt.Errorf("time range end %v before start %v", r.End, r.Start)
	}
	return nil
}

func (r TimeRange) Contains(t float64) bool {
	return t >= r.Start && t <= r.End
}

func (r TimeRange) String() string {
	return formatTime(r.Start) + "_" + formatTime(r.End)
}

func formatTime(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// SafeName maps an identifier to a string usable as a single path element.
func SafeName(id string) string {
	id = strings.TrimSpace(id)
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := b.String()
	if out == "" || strings.Trim(out, ".") == "" {
		return "_" + out
	}
	return out
}
