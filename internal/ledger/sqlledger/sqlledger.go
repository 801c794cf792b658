// Package sqlledger keeps the job ledger in a SQL database: a SQLite file on the shared
// filesystem or PostgreSQL. Every transition also appends a row to job_events.
package sqlledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danhey/photometry/internal/domain"
	"github.com/danhey/photometry/internal/ledger"
	"github.com/danhey/photometry/internal/platform/auditlog"
	"github.com/danhey/photometry/internal/platform/postgres"
)

const (
	actorSeed  = "seed"
	actorSweep = "sweep"

	maxTxRetries = 3

	selectColumns = `job_id, target_id, range_start, range_end, status, owner, lease, attempt_count,
	max_attempts, heartbeat_at, output_path, output_sha256, output_bytes, failures, created_at, updated_at`
)

type Ledger struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// Open wraps db and creates the ledger tables if they are missing.
func Open(ctx context.Context, db *sql.DB, dialect Dialect, opts ...Option) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported ledger dialect %q", dialect)
	}
	l := &Ledger{db: db, dialect: dialect, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	for _, stmt := range dialect.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("migrate ledger: %w", err)
		}
	}
	return l, nil
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// withTx runs fn in a transaction, retrying PostgreSQL serialization and deadlock aborts.
func (l *Ledger) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err = l.runTx(ctx, fn)
		if err == nil || !postgres.IsSerializationFailure(err) {
			return err
		}
		l.logger.Warn("ledger transaction retried", "attempt", attempt+1, "error", err)
	}
	return err
}

func (l *Ledger) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (l *Ledger) event(ctx context.Context, tx *sql.Tx, actor, action string, rec domain.JobRecord, payload any, now time.Time) error {
	return auditlog.Insert(ctx, tx, l.dialect.Bind, auditlog.Event{
		OccurredAt: now,
		Actor:      actor,
		Action:     action,
		JobID:      rec.JobID,
		Attempt:    rec.Attempt,
		Payload:    payload,
	})
}

func (l *Ledger) Seed(ctx context.Context, records []domain.JobRecord) (int, error) {
	if l == nil || l.db == nil {
		return 0, errors.New("ledger not initialized")
	}
	query := l.dialect.Bind(`INSERT INTO jobs (` + selectColumns + `)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (job_id) DO NOTHING`)

	created := 0
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		created = 0
		for _, rec := range records {
			if err := rec.Validate(); err != nil {
				return fmt.Errorf("seed %s: %w", rec.JobID, err)
			}
			args, err := recordArgs(rec)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("seed %s: %w", rec.JobID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("seed %s: %w", rec.JobID, err)
			}
			if n == 0 {
				continue
			}
			created++
			payload := map[string]any{"target_id": rec.TargetID, "max_attempts": rec.MaxAttempts}
			if err := l.event(ctx, tx, actorSeed, auditlog.ActionSeeded, rec, payload, l.now().UTC()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

func (l *Ledger) Claim(ctx context.Context, jobID, workerID string) (domain.JobRecord, error) {
	if l == nil || l.db == nil {
		return domain.JobRecord{}, errors.New("ledger not initialized")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return domain.JobRecord{}, errors.New("worker id is required")
	}
	claim := l.dialect.Bind(`UPDATE jobs
SET status = ?, owner = ?, lease = ?, attempt_count = attempt_count + 1, heartbeat_at = ?, updated_at = ?
WHERE job_id = ? AND status = ? AND attempt_count < max_attempts`)

	var rec domain.JobRecord
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		now := l.now().UTC()
		lease := uuid.NewString()
		res, err := tx.ExecContext(ctx, claim,
			string(domain.JobRunning), workerID, lease, now.UnixNano(), now.UnixNano(),
			jobID, string(domain.JobPending))
		if err != nil {
			return fmt.Errorf("claim %s: %w", jobID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim %s: %w", jobID, err)
		}
		if n == 0 {
			if _, err := l.get(ctx, tx, jobID, false); err != nil {
				return err
			}
			return domain.ClaimConflict(jobID)
		}
		rec, err = l.get(ctx, tx, jobID, false)
		if err != nil {
			return err
		}
		return l.event(ctx, tx, workerID, auditlog.ActionClaimed, rec, map[string]any{"lease": lease}, now)
	})
	if err != nil {
		return domain.JobRecord{}, err
	}
	return rec, nil
}

// update applies fn to the record owned by lease and writes it back in one transaction. A non-nil
// commit runs last inside the transaction, once the fenced write and its event succeeded.
func (l *Ledger) update(ctx context.Context, jobID, lease, action string, fn func(*domain.JobRecord, time.Time) any, commit func() error) (domain.JobRecord, error) {
	if l == nil || l.db == nil {
		return domain.JobRecord{}, errors.New("ledger not initialized")
	}
	var (
		rec       domain.JobRecord
		committed bool
	)
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, err = l.get(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		if err := ledger.CheckLease(rec, lease); err != nil {
			return fmt.Errorf("%s: %w", jobID, err)
		}
		actor := rec.Owner
		now := l.now().UTC()
		from := rec.Status
		payload := fn(&rec, now)
		if err := ledger.CheckTransition(from, rec.Status); err != nil {
			return fmt.Errorf("%s: %w", jobID, err)
		}
		if err := l.write(ctx, tx, rec, lease); err != nil {
			return err
		}
		if action != "" {
			if err := l.event(ctx, tx, actor, action, rec, payload, now); err != nil {
				return err
			}
		}
		if commit != nil && !committed {
			if err := commit(); err != nil {
				return err
			}
			committed = true
		}
		return nil
	})
	if err != nil {
		return domain.JobRecord{}, err
	}
	return rec, nil
}

func (l *Ledger) Heartbeat(ctx context.Context, jobID, lease string) error {
	_, err := l.update(ctx, jobID, lease, "", func(r *domain.JobRecord, now time.Time) any {
		r.HeartbeatAt = &now
		r.UpdatedAt = now
		return nil
	}, nil)
	return err
}

func (l *Ledger) Complete(ctx context.Context, jobID, lease string, out domain.Output) (domain.JobRecord, error) {
	return l.update(ctx, jobID, lease, auditlog.ActionCompleted, func(r *domain.JobRecord, now time.Time) any {
		r.Status = domain.JobDone
		r.OutputPath = out.Path
		r.OutputSHA256 = out.SHA256
		r.OutputBytes = out.Bytes
		r.Lease = ""
		r.HeartbeatAt = nil
		r.UpdatedAt = now
		return out
	}, func() error { return ledger.CommitOutput(out) })
}

func (l *Ledger) Fail(ctx context.Context, jobID, lease string, failure domain.Failure) (domain.JobRecord, error) {
	return l.update(ctx, jobID, lease, auditlog.ActionFailed, func(r *domain.JobRecord, now time.Time) any {
		ledger.RecordFailure(r, failure, now)
		last, _ := r.LastFailure()
		return map[string]any{"kind": last.Kind, "message": last.Message, "status": r.Status}
	}, nil)
}

func (l *Ledger) Sweep(ctx context.Context, timeout time.Duration) ([]domain.JobRecord, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("ledger not initialized")
	}
	cutoff := l.now().UTC().Add(-timeout)
	rows, err := l.db.QueryContext(ctx, l.dialect.Bind(`SELECT job_id FROM jobs
WHERE status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)
ORDER BY job_id`), string(domain.JobRunning), cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("sweep: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("sweep: %w", err)
	}
	_ = rows.Close()

	reclaimed := make([]domain.JobRecord, 0, len(ids))
	for _, id := range ids {
		var (
			rec domain.JobRecord
			ok  bool
		)
		err := l.withTx(ctx, func(tx *sql.Tx) error {
			var err error
			rec, err = l.get(ctx, tx, id, true)
			if err != nil {
				return err
			}
			now := l.now().UTC()
			if ok = rec.Stale(now, timeout); !ok {
				return nil
			}
			lease := rec.Lease
			crashed := rec.Owner
			ledger.Reclaim(&rec, now)
			if err := l.write(ctx, tx, rec, lease); err != nil {
				return err
			}
			payload := map[string]any{"worker": crashed, "status": rec.Status}
			return l.event(ctx, tx, actorSweep, auditlog.ActionReclaimed, rec, payload, now)
		})
		if err != nil {
			return reclaimed, err
		}
		if ok {
			l.logger.Info("stale job reclaimed", "job_id", rec.JobID, "attempt", rec.Attempt, "status", rec.Status)
			reclaimed = append(reclaimed, rec)
		}
	}
	return reclaimed, nil
}

func (l *Ledger) Get(ctx context.Context, jobID string) (domain.JobRecord, error) {
	if l == nil || l.db == nil {
		return domain.JobRecord{}, errors.New("ledger not initialized")
	}
	return l.get(ctx, l.db, jobID, false)
}

func (l *Ledger) List(ctx context.Context, filter ledger.Filter) ([]domain.JobRecord, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("ledger not initialized")
	}
	query, args := l.listQuery(filter)
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	out := make([]domain.JobRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	return out, nil
}

func (l *Ledger) listQuery(filter ledger.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	if filter.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, filter.TargetID)
	}
	if filter.AfterJobID != "" {
		where = append(where, "job_id > ?")
		args = append(args, filter.AfterJobID)
	}
	query := "SELECT " + selectColumns + " FROM jobs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY job_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return l.dialect.Bind(query), args
}

// Events returns the job's event log in insertion order.
func (l *Ledger) Events(ctx context.Context, jobID string) ([]auditlog.StoredEvent, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("ledger not initialized")
	}
	rows, err := l.db.QueryContext(ctx, l.dialect.Bind(`SELECT event_id, occurred_at, actor, action, job_id, attempt, payload, integrity_sha256
FROM job_events WHERE job_id = ? ORDER BY event_id`), jobID)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	var out []auditlog.StoredEvent
	for rows.Next() {
		var (
			ev       auditlog.StoredEvent
			occurred int64
			payload  string
		)
		if err := rows.Scan(&ev.ID, &occurred, &ev.Event.Actor, &ev.Event.Action, &ev.Event.JobID, &ev.Event.Attempt, &payload, &ev.IntegritySHA256); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		ev.Event.OccurredAt = time.Unix(0, occurred).UTC()
		ev.PayloadJSON = []byte(payload)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	return out, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (l *Ledger) get(ctx context.Context, q queryer, jobID string, forUpdate bool) (domain.JobRecord, error) {
	query := "SELECT " + selectColumns + " FROM jobs WHERE job_id = ?"
	if forUpdate {
		query += l.dialect.lockSuffix()
	}
	rec, err := scanRecord(q.QueryRowContext(ctx, l.dialect.Bind(query), jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JobRecord{}, fmt.Errorf("%w: %s", ledger.ErrNotFound, jobID)
	}
	return rec, err
}

// write replaces the mutable columns of a record still holding expectLease.
func (l *Ledger) write(ctx context.Context, tx *sql.Tx, rec domain.JobRecord, expectLease string) error {
	failures, err := json.Marshal(rec.Failures)
	if err != nil {
		return fmt.Errorf("encode failures: %w", err)
	}
	res, err := tx.ExecContext(ctx, l.dialect.Bind(`UPDATE jobs
SET status = ?, owner = ?, lease = ?, attempt_count = ?, heartbeat_at = ?, output_path = ?,
	output_sha256 = ?, output_bytes = ?, failures = ?, updated_at = ?
WHERE job_id = ? AND lease = ?`),
		string(rec.Status), rec.Owner, rec.Lease, rec.Attempt, nullTime(rec.HeartbeatAt), rec.OutputPath,
		rec.OutputSHA256, rec.OutputBytes, string(failures), rec.UpdatedAt.UnixNano(),
		rec.JobID, expectLease)
	if err != nil {
		return fmt.Errorf("update %s: %w", rec.JobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", rec.JobID, err)
	}
	if n != 1 {
		return fmt.Errorf("%s: %w", rec.JobID, ledger.ErrLeaseLost)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (domain.JobRecord, error) {
	var (
		rec       domain.JobRecord
		status    string
		heartbeat sql.NullInt64
		failures  string
		created   int64
		updated   int64
	)
	err := s.Scan(&rec.JobID, &rec.TargetID, &rec.Range.Start, &rec.Range.End, &status, &rec.Owner, &rec.Lease,
		&rec.Attempt, &rec.MaxAttempts, &heartbeat, &rec.OutputPath, &rec.OutputSHA256, &rec.OutputBytes,
		&failures, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.JobRecord{}, err
		}
		return domain.JobRecord{}, fmt.Errorf("scan job: %w", err)
	}
	rec.Status = domain.JobStatus(status)
	if heartbeat.Valid {
		t := time.Unix(0, heartbeat.Int64).UTC()
		rec.HeartbeatAt = &t
	}
	if err := json.Unmarshal([]byte(failures), &rec.Failures); err != nil {
		return domain.JobRecord{}, fmt.Errorf("decode failures of %s: %w", rec.JobID, err)
	}
	if rec.Failures == nil {
		rec.Failures = []domain.Failure{}
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return rec, nil
}

func recordArgs(rec domain.JobRecord) ([]any, error) {
	failures := rec.Failures
	if failures == nil {
		failures = []domain.Failure{}
	}
	raw, err := json.Marshal(failures)
	if err != nil {
		return nil, fmt.Errorf("encode failures: %w", err)
	}
	return []any{
		rec.JobID, rec.TargetID, rec.Range.Start, rec.Range.End, string(rec.Status), rec.Owner, rec.Lease,
		rec.Attempt, rec.MaxAttempts, nullTime(rec.HeartbeatAt), rec.OutputPath, rec.OutputSHA256,
		rec.OutputBytes, string(raw), rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	}, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
