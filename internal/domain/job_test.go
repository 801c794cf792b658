package domain

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobPending, JobRunning, true},
		{JobPending, JobDone, false},
		{JobRunning, JobDone, true},
		{JobRunning, JobFailed, true},
		{JobRunning, JobPending, true},
		{JobFailed, JobPending, true},
		{JobDone, JobPending, false},
		{JobDone, JobRunning, false},
		{"", JobRunning, false},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%q,%q)=%v want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestNewJobRecord(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rec, err := NewJobRecord("TIC 123", TimeRange{Start: 1325.5, End: 1338.25}, 3, now)
	if err != nil {
		t.Fatalf("NewJobRecord() err=%v", err)
	}
	if rec.JobID != "TIC-123_1325.5000_1338.2500" {
		t.Fatalf("unexpected job id %q", rec.JobID)
	}
	if rec.Status != JobPending || rec.Attempt != 0 || rec.MaxAttempts != 3 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if err := rec.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	if _, err := NewJobRecord("", TimeRange{}, 3, now); err == nil {
		t.Fatalf("expected error for empty target")
	}
	if _, err := NewJobRecord("a", TimeRange{Start: 2, End: 1}, 3, now); err == nil {
		t.Fatalf("expected error for inverted range")
	}
	if _, err := NewJobRecord("a", TimeRange{Start: 1, End: 2}, 0, now); err == nil {
		t.Fatalf("expected error for zero attempts")
	}
}

func TestStatusAfterFailure(t *testing.T) {
	rec := JobRecord{Status: JobRunning, Attempt: 1, MaxAttempts: 2}
	if got := rec.StatusAfterFailure(); got != JobPending {
		t.Fatalf("StatusAfterFailure()=%q want pending", got)
	}
	rec.Attempt = 2
	if got := rec.StatusAfterFailure(); got != JobFailed {
		t.Fatalf("StatusAfterFailure()=%q want failed", got)
	}
}

func TestStale(t *testing.T) {
	now := time.Unix(1700000000, 0)
	beat := now.Add(-2 * time.Minute)
	rec := JobRecord{Status: JobRunning, HeartbeatAt: &beat}
	if !rec.Stale(now, time.Minute) {
		t.Fatalf("expected stale record")
	}
	if rec.Stale(now, 5*time.Minute) {
		t.Fatalf("expected fresh record")
	}
	rec.Status = JobDone
	if rec.Stale(now, time.Minute) {
		t.Fatalf("done record must never be stale")
	}
}
