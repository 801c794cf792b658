package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus is the ledger state of a job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// NormalizeJobStatus maps free-form status values to canonical job states.
func NormalizeJobStatus(value string) JobStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(JobPending), "queued":
		return JobPending
	case string(JobRunning):
		return JobRunning
	case string(JobDone), "succeeded":
		return JobDone
	case string(JobFailed):
		return JobFailed
	default:
		return ""
	}
}

// CanTransition enforces pending -> running -> {done|failed} and the failed -> pending retry edge.
// Running -> pending is the stale-heartbeat reclaim.
func CanTransition(current, next JobStatus) bool {
	switch current {
	case JobPending:
		return next == JobRunning
	case JobRunning:
		return next == JobDone || next == JobFailed || next == JobPending
	case JobFailed:
		return next == JobPending
	default:
		return false
	}
}

func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed
}

// Failure is one failed attempt recorded on a job.
type Failure struct {
	Attempt int       `json:"attempt"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
	Worker  string    `json:"worker,omitempty"`
	At      time.Time `json:"at"`
}

// Output identifies a persisted light curve by path, digest and size.
type Output struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
	// Staged is where the bytes wait until the lease holder completes the job and they move to Path.
	Staged string `json:"-"`
}

// JobRecord is the authoritative unit of distributed work.
type JobRecord struct {
	JobID        string     `json:"job_id"`
	TargetID     string     `json:"target_id"`
	Range        TimeRange  `json:"time_range"`
	Status       JobStatus  `json:"status"`
	Owner        string     `json:"owner,omitempty"`
	Lease        string     `json:"lease,omitempty"`
	Attempt      int        `json:"attempt_count"`
	MaxAttempts  int        `json:"max_attempts"`
	HeartbeatAt  *time.Time `json:"heartbeat_at,omitempty"`
	OutputPath   string     `json:"output_path,omitempty"`
	OutputSHA256 string     `json:"output_sha256,omitempty"`
	OutputBytes  int64      `json:"output_bytes,omitempty"`
	Failures     []Failure  `json:"failures"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewJobRecord creates the pending record for one target and time range.
func NewJobRecord(targetID string, r TimeRange, maxAttempts int, now time.Time) (JobRecord, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return JobRecord{}, errors.New("target id is required")
	}
	if err := r.Validate(); err != nil {
		return JobRecord{}, err
	}
	if maxAttempts < 1 {
		return JobRecord{}, fmt.Errorf("max attempts must be >= 1, got %d", maxAttempts)
	}
	now = now.UTC()
	return JobRecord{
		JobID:       JobID(targetID, r),
		TargetID:    targetID,
		Range:       r,
		Status:      JobPending,
		MaxAttempts: maxAttempts,
		Failures:    []Failure{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// JobID derives the stable identifier of a (target, time range) unit.
func JobID(targetID string, r TimeRange) string {
	return SafeName(targetID) + "_" + r.String()
}

func (r JobRecord) Validate() error {
	if strings.TrimSpace(r.JobID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(r.TargetID) == "" {
		return errors.New("target id is required")
	}
	if NormalizeJobStatus(string(r.Status)) != r.Status {
		return fmt.Errorf("unknown job status %q", r.Status)
	}
	if r.MaxAttempts < 1 {
		return errors.New("max attempts must be >= 1")
	}
	if r.Attempt < 0 || r.Attempt > r.MaxAttempts {
		return fmt.Errorf("attempt count %d outside [0,%d]", r.Attempt, r.MaxAttempts)
	}
	if r.Status == JobRunning && strings.TrimSpace(r.Owner) == "" {
		return errors.New("running job requires an owner")
	}
	return r.Range.Validate()
}

// Claimable reports whether a pending record still has attempts left.
func (r JobRecord) Claimable() bool {
	return r.Status == JobPending && r.Attempt < r.MaxAttempts
}

// StatusAfterFailure is the state a failed attempt moves the job to.
func (r JobRecord) StatusAfterFailure() JobStatus {
	if r.Attempt >= r.MaxAttempts {
		return JobFailed
	}
	return JobPending
}

// Stale reports whether a running record's heartbeat expired.
func (r JobRecord) Stale(now time.Time, timeout time.Duration) bool {
	if r.Status != JobRunning {
		return false
	}
	if r.HeartbeatAt == nil {
		return true
	}
	return now.Sub(*r.HeartbeatAt) > timeout
}

// Output returns the output recorded at completion.
func (r JobRecord) Output() Output {
	return Output{Path: r.OutputPath, SHA256: r.OutputSHA256, Bytes: r.OutputBytes}
}

// LastFailure returns the most recent failure, if any.
func (r JobRecord) LastFailure() (Failure, bool) {
	if len(r.Failures) == 0 {
		return Failure{}, false
	}
	return r.Failures[len(r.Failures)-1], true
}
