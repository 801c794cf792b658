package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/danhey/photometry/internal/domain"
	"github.com/danhey/photometry/internal/ledger"
)

// StatusMissing marks a requested job with no ledger record.
const StatusMissing = "missing"

type ReportEntry struct {
	JobID    string           `json:"job_id"`
	TargetID string           `json:"target_id"`
	Range    domain.TimeRange `json:"time_range"`
	Status   string           `json:"status"`
	Attempts int              `json:"attempts"`
	Kind     domain.ErrorKind `json:"failure_kind,omitempty"`
	Message  string           `json:"failure_message,omitempty"`
	Output   string           `json:"output,omitempty"`
}

type Report struct {
	Entries []ReportEntry  `json:"entries"`
	Counts  map[string]int `json:"counts"`
}

// Complete reports whether every requested job reached a terminal state.
func (r Report) Complete() bool {
	for _, e := range r.Entries {
		if !domain.JobStatus(e.Status).Terminal() {
			return false
		}
	}
	return true
}

// BuildReport looks up every requested job. Jobs absent from the ledger are listed as missing.
func BuildReport(ctx context.Context, l ledger.Ledger, requested []domain.JobRecord) (Report, error) {
	if l == nil {
		return Report{}, errors.New("ledger is required")
	}
	report := Report{Entries: make([]ReportEntry, 0, len(requested)), Counts: map[string]int{}}
	for _, want := range requested {
		entry := ReportEntry{JobID: want.JobID, TargetID: want.TargetID, Range: want.Range}
		rec, err := l.Get(ctx, want.JobID)
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			entry.Status = StatusMissing
		case err != nil:
			return Report{}, fmt.Errorf("report %s: %w", want.JobID, err)
		default:
			entry.Status = string(rec.Status)
			entry.Attempts = rec.Attempt
			entry.Output = rec.OutputPath
			if rec.Status != domain.JobDone {
				if last, ok := rec.LastFailure(); ok {
					entry.Kind = last.Kind
					entry.Message = last.Message
				}
			}
		}
		report.Counts[entry.Status]++
		report.Entries = append(report.Entries, entry)
	}
	sort.SliceStable(report.Entries, func(i, j int) bool {
		return report.Entries[i].JobID < report.Entries[j].JobID
	})
	return report, nil
}
