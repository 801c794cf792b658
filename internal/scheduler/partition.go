package scheduler

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/danhey/photometry/internal/domain"
)

// Partition builds one pending record per (target, range) pair. Duplicate targets collapse.
func Partition(targets []domain.Target, ranges []domain.TimeRange, maxAttempts int, now time.Time) ([]domain.JobRecord, error) {
	if len(ranges) == 0 {
		return nil, errors.New("at least one time range is required")
	}
	seen := make(map[string]struct{}, len(targets)*len(ranges))
	out := make([]domain.JobRecord, 0, len(targets)*len(ranges))
	for _, target := range targets {
		for _, r := range ranges {
			rec, err := domain.NewJobRecord(target.ID, r, maxAttempts, now)
			if err != nil {
				return nil, fmt.Errorf("partition %s: %w", target.ID, err)
			}
			if _, dup := seen[rec.JobID]; dup {
				continue
			}
			seen[rec.JobID] = struct{}{}
			out = append(out, rec)
		}
	}
	return out, nil
}

// SplitRange cuts r into n contiguous ranges of equal length.
func SplitRange(r domain.TimeRange, n int) ([]domain.TimeRange, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, fmt.Errorf("range count must be >= 1, got %d", n)
	}
	step := (r.End - r.Start) / float64(n)
	out := make([]domain.TimeRange, n)
	for i := range out {
		start := r.Start + float64(i)*step
		end := r.Start + float64(i+1)*step
		if i == n-1 {
			end = r.End
		}
		out[i] = domain.TimeRange{Start: roundTime(start), End: roundTime(end)}
	}
	return out, nil
}

// roundTime keeps boundaries on the 1e-4 day grid job ids are printed with.
func roundTime(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
