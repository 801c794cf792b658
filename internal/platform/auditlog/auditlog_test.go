package auditlog

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"
)

func TestComputeIntegritySHA256_Deterministic(t *testing.T) {
	event := Event{
		OccurredAt: time.Unix(1700000000, 0).UTC(),
		Actor:      "worker-1",
		Action:     ActionClaimed,
		JobID:      "TIC-1_1.0000_2.0000",
		Attempt:    1,
	}
	payload := []byte(`{"lease":"abc"}`)

	a, err := ComputeIntegritySHA256(event, payload)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(event, payload)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a != b {
		t.Fatalf("integrity hash not deterministic")
	}

	event.Attempt = 2
	c, err := ComputeIntegritySHA256(event, payload)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a == c {
		t.Fatalf("integrity hash ignores attempt")
	}
}

type recordingExecer struct {
	query string
	args  []any
}

func (r *recordingExecer) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	r.query = query
	r.args = args
	return nil, nil
}

func TestInsertBindsAndHashes(t *testing.T) {
	rec := &recordingExecer{}
	bind := func(q string) string { return strings.ReplaceAll(q, "?", "$") }
	event := Event{
		OccurredAt: time.Unix(1700000000, 0).UTC(),
		Actor:      "worker-1",
		Action:     ActionFailed,
		JobID:      "j1",
		Attempt:    3,
		Payload:    map[string]string{"kind": "kernel_gap"},
	}
	if err := Insert(context.Background(), rec, bind, event); err != nil {
		t.Fatalf("Insert() err=%v", err)
	}
	if !strings.Contains(rec.query, "INSERT INTO job_events") || strings.Contains(rec.query, "?") {
		t.Fatalf("unexpected query %q", rec.query)
	}
	if len(rec.args) != 7 {
		t.Fatalf("Insert() passed %d args", len(rec.args))
	}
	stored := StoredEvent{Event: event, PayloadJSON: []byte(rec.args[5].(string)), IntegritySHA256: rec.args[6].(string)}
	if err := stored.Verify(); err != nil {
		t.Fatalf("Verify() err=%v", err)
	}
	stored.Event.Actor = "mallory"
	if err := stored.Verify(); err == nil {
		t.Fatalf("Verify() expected mismatch after tampering")
	}
}

func TestEventValidate(t *testing.T) {
	if err := (Event{OccurredAt: time.Now(), Actor: "w", Action: ActionSeeded}).Validate(); err == nil {
		t.Fatalf("Validate() expected error without job id")
	}
}
