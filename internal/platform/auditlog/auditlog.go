// Package auditlog appends integrity-hashed job events to the ledger database.
package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	ActionSeeded    = "job.seeded"
	ActionClaimed   = "job.claimed"
	ActionCompleted = "job.completed"
	ActionFailed    = "job.failed"
	ActionReclaimed = "job.reclaimed"
)

type Event struct {
	OccurredAt time.Time
	Actor      string
	Action     string
	JobID      string
	Attempt    int
	Payload    any
}

type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Binder rewrites `?` placeholders for the target database.
type Binder func(query string) string

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("Actor is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("Action is required")
	}
	if strings.TrimSpace(e.JobID) == "" {
		return errors.New("JobID is required")
	}
	if e.Attempt < 0 {
		return errors.New("Attempt must be >= 0")
	}
	return nil
}

const insertEvent = `INSERT INTO job_events (
	occurred_at,
	actor,
	action,
	job_id,
	attempt,
	payload,
	integrity_sha256
) VALUES (?,?,?,?,?,?,?)`

func Insert(ctx context.Context, q Execer, bind Binder, event Event) error {
	if q == nil {
		return errors.New("execer is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return err
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	integrity, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		return err
	}

	query := insertEvent
	if bind != nil {
		query = bind(query)
	}
	_, err = q.ExecContext(
		ctx,
		query,
		event.OccurredAt.UTC().UnixNano(),
		strings.TrimSpace(event.Actor),
		strings.TrimSpace(event.Action),
		strings.TrimSpace(event.JobID),
		event.Attempt,
		string(payloadJSON),
		integrity,
	)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

func ComputeIntegritySHA256(event Event, payloadJSON []byte) (string, error) {
	type integrityInput struct {
		OccurredAt time.Time       `json:"occurred_at"`
		Actor      string          `json:"actor"`
		Action     string          `json:"action"`
		JobID      string          `json:"job_id"`
		Attempt    int             `json:"attempt"`
		Payload    json.RawMessage `json:"payload"`
	}

	in := integrityInput{
		OccurredAt: event.OccurredAt.UTC(),
		Actor:      strings.TrimSpace(event.Actor),
		Action:     strings.TrimSpace(event.Action),
		JobID:      strings.TrimSpace(event.JobID),
		Attempt:    event.Attempt,
		Payload:    payloadJSON,
	}

	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// StoredEvent is a row read back from job_events.
type StoredEvent struct {
	ID              int64
	Event           Event
	PayloadJSON     []byte
	IntegritySHA256 string
}

// Verify recomputes the row's integrity digest.
func (s StoredEvent) Verify() error {
	want, err := ComputeIntegritySHA256(s.Event, s.PayloadJSON)
	if err != nil {
		return err
	}
	if want != s.IntegritySHA256 {
		return fmt.Errorf("job event %d integrity mismatch", s.ID)
	}
	return nil
}
