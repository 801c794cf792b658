// Package ledger defines the shared job ledger workers coordinate through.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/danhey/photometry/internal/domain"
	"github.com/danhey/photometry/internal/platform/atomicfile"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrLeaseLost means the caller no longer owns the record: it was reclaimed or already finished.
	ErrLeaseLost = errors.New("lease lost")

	ErrInvalidTransition = errors.New("invalid status transition")
)

// Ledger stores one JobRecord per job. Implementations make Claim atomic across processes.
type Ledger interface {
	// Seed inserts records whose job ids are not present yet and reports how many were created.
	Seed(ctx context.Context, records []domain.JobRecord) (int, error)
	// Claim moves a claimable pending record to running under workerID and issues a new lease.
	// Losers get an error matching domain.ErrClaimConflict.
	Claim(ctx context.Context, jobID, workerID string) (domain.JobRecord, error)
	Heartbeat(ctx context.Context, jobID, lease string) error
	// Complete records the output and moves the record to done.
	Complete(ctx context.Context, jobID, lease string, out domain.Output) (domain.JobRecord, error)
	// Fail records a failed attempt and moves the record to pending or, with attempts exhausted, failed.
	Fail(ctx context.Context, jobID, lease string, failure domain.Failure) (domain.JobRecord, error)
	// Sweep reclaims running records whose heartbeat is older than timeout.
	Sweep(ctx context.Context, timeout time.Duration) ([]domain.JobRecord, error)
	Get(ctx context.Context, jobID string) (domain.JobRecord, error)
	List(ctx context.Context, filter Filter) ([]domain.JobRecord, error)
	Close() error
}

type Filter struct {
	Statuses []domain.JobStatus
	TargetID string
	// AfterJobID keeps only job ids sorting after it, for paging by job id.
	AfterJobID string
	Limit      int
}

func (f Filter) Match(r domain.JobRecord) bool {
	if f.TargetID != "" && r.TargetID != f.TargetID {
		return false
	}
	if f.AfterJobID != "" && r.JobID <= f.AfterJobID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// Apply filters, orders by job id and truncates records.
func (f Filter) Apply(records []domain.JobRecord) []domain.JobRecord {
	out := make([]domain.JobRecord, 0, len(records))
	for _, r := range records {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Reclaim applies the stale-heartbeat transition to a running record in place.
// The crashed attempt counts toward max attempts.
func Reclaim(r *domain.JobRecord, now time.Time) {
	r.Failures = append(r.Failures, domain.Failure{
		Attempt: r.Attempt,
		Kind:    domain.KindAbandoned,
		Message: "heartbeat expired",
		Worker:  r.Owner,
		At:      now,
	})
	r.Status = r.StatusAfterFailure()
	r.Owner = ""
	r.Lease = ""
	r.HeartbeatAt = nil
	r.UpdatedAt = now
}

// RecordFailure applies a failed attempt to a running record in place.
func RecordFailure(r *domain.JobRecord, failure domain.Failure, now time.Time) {
	failure.Attempt = r.Attempt
	if failure.Worker == "" {
		failure.Worker = r.Owner
	}
	if failure.At.IsZero() {
		failure.At = now
	}
	r.Failures = append(r.Failures, failure)
	r.Status = r.StatusAfterFailure()
	r.Owner = ""
	r.Lease = ""
	r.HeartbeatAt = nil
	r.UpdatedAt = now
}

// CheckLease reports ErrLeaseLost unless r is running under lease.
func CheckLease(r domain.JobRecord, lease string) error {
	if r.Status != domain.JobRunning || lease == "" || r.Lease != lease {
		return ErrLeaseLost
	}
	return nil
}

// CheckTransition rejects a status change outside the job state machine.
func CheckTransition(from, to domain.JobStatus) error {
	if from == to || domain.CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// CommitOutput moves a staged output to its final path. Backends call it from Complete after the
// lease check, while the record is still locked, so a reclaimed owner never replaces its
// successor's file.
func CommitOutput(out domain.Output) error {
	if out.Staged == "" {
		return nil
	}
	if err := atomicfile.Promote(out.Staged, out.Path); err != nil {
		return fmt.Errorf("commit output %s: %w", out.Path, err)
	}
	return nil
}

// DiscardOutput removes a staged output that will never be committed.
func DiscardOutput(out domain.Output) error {
	if out.Staged == "" {
		return nil
	}
	if err := os.Remove(out.Staged); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
