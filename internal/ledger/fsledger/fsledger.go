// Package fsledger keeps the job ledger as one JSON file per job on a shared filesystem.
//
// Each record is mutated under an exclusive lock file created with O_EXCL and replaced by an
// atomic rename, so readers always see a complete record.
package fsledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danhey/photometry/internal/domain"
	"github.com/danhey/photometry/internal/ledger"
	"github.com/danhey/photometry/internal/platform/atomicfile"
)

const (
	jobsDir   = "jobs"
	locksDir  = "locks"
	recordExt = ".json"
)

var errLocked = errors.New("record locked")

type Ledger struct {
	root      string
	logger    *slog.Logger
	now       func() time.Time
	lockStale time.Duration
	lockWait  time.Duration
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

// WithLockTimeouts sets the age after which a lock file is considered abandoned and how long
// owners wait for a busy lock before giving up.
func WithLockTimeouts(stale, wait time.Duration) Option {
	return func(l *Ledger) {
		if stale > 0 {
			l.lockStale = stale
		}
		if wait > 0 {
			l.lockWait = wait
		}
	}
}

func Open(root string, opts ...Option) (*Ledger, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("ledger root is required")
	}
	l := &Ledger{
		root:      root,
		logger:    slog.Default(),
		now:       time.Now,
		lockStale: time.Minute,
		lockWait:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	for _, dir := range []string{jobsDir, locksDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	return l, nil
}

func (l *Ledger) Close() error {
	return nil
}

func (l *Ledger) recordPath(jobID string) string {
	return filepath.Join(l.root, jobsDir, domain.SafeName(jobID)+recordExt)
}

func (l *Ledger) lockPath(jobID string) string {
	return filepath.Join(l.root, locksDir, domain.SafeName(jobID)+".lock")
}

func (l *Ledger) Seed(ctx context.Context, records []domain.JobRecord) (int, error) {
	if l == nil {
		return 0, errors.New("ledger not initialized")
	}
	created := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		if err := rec.Validate(); err != nil {
			return created, fmt.Errorf("seed %s: %w", rec.JobID, err)
		}
		ok, err := l.createIfAbsent(rec)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// createIfAbsent hard-links a fully written temp file into place; the link fails if the record exists.
func (l *Ledger) createIfAbsent(rec domain.JobRecord) (bool, error) {
	raw, err := atomicfile.MarshalStable(rec)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", rec.JobID, err)
	}
	dir := filepath.Join(l.root, jobsDir)
	tmp, err := os.CreateTemp(dir, ".seed.*")
	if err != nil {
		return false, fmt.Errorf("seed %s: %w", rec.JobID, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("seed %s: %w", rec.JobID, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("seed %s: %w", rec.JobID, err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("seed %s: %w", rec.JobID, err)
	}
	if err := os.Link(tmpName, l.recordPath(rec.JobID)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("seed %s: %w", rec.JobID, err)
	}
	return true, atomicfile.SyncDir(dir)
}

func (l *Ledger) Get(ctx context.Context, jobID string) (domain.JobRecord, error) {
	if l == nil {
		return domain.JobRecord{}, errors.New("ledger not initialized")
	}
	if err := ctx.Err(); err != nil {
		return domain.JobRecord{}, err
	}
	return l.read(jobID)
}

func (l *Ledger) read(jobID string) (domain.JobRecord, error) {
	var rec domain.JobRecord
	if err := atomicfile.ReadJSONStrict(l.recordPath(jobID), &rec); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.JobRecord{}, fmt.Errorf("%w: %s", ledger.ErrNotFound, jobID)
		}
		return domain.JobRecord{}, fmt.Errorf("read record %s: %w", jobID, err)
	}
	return rec, nil
}

func (l *Ledger) write(rec domain.JobRecord) error {
	raw, err := atomicfile.MarshalStable(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", rec.JobID, err)
	}
	if err := atomicfile.WriteFile(l.recordPath(rec.JobID), raw, 0o644); err != nil {
		return fmt.Errorf("write record %s: %w", rec.JobID, err)
	}
	return nil
}

func (l *Ledger) List(ctx context.Context, filter ledger.Filter) ([]domain.JobRecord, error) {
	if l == nil {
		return nil, errors.New("ledger not initialized")
	}
	entries, err := os.ReadDir(filepath.Join(l.root, jobsDir))
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	records := make([]domain.JobRecord, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := l.read(strings.TrimSuffix(name, recordExt))
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	return filter.Apply(records), nil
}

// lock takes the record's lock file. The file carries a pid and a random token; the lock is
// held only while the file still carries ours. A lock older than lockStale is broken.
func (l *Ledger) lock(jobID string) (func(), error) {
	path := l.lockPath(jobID)
	for attempt := 0; attempt < 2; attempt++ {
		token := fmt.Sprintf("%d %s\n", os.Getpid(), uuid.NewString())
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(token)
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("lock %s: %w", jobID, werr)
			}
			if !holds(path, token) {
				return nil, errLocked
			}
			return func() {
				if holds(path, token) {
					_ = os.Remove(path)
				}
			}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("lock %s: %w", jobID, err)
		}
		if !l.breakStale(jobID, path) {
			return nil, errLocked
		}
	}
	return nil, errLocked
}

func holds(path, token string) bool {
	b, err := os.ReadFile(path)
	return err == nil && string(b) == token
}

// breakStale moves an abandoned lock aside and reports whether the caller may retry. Breakers
// serialise on a guard file and re-read the lock under it, so a lock taken after another
// breaker finished is left alone. A lock moved aside that turns out not to be the one judged
// stale is linked back.
func (l *Ledger) breakStale(jobID, path string) bool {
	if !l.stale(path) {
		return false
	}
	guard := path + ".break"
	g, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if l.stale(guard) {
			_ = os.Remove(guard)
		}
		return false
	}
	_ = g.Close()
	defer func() { _ = os.Remove(guard) }()

	held, err := os.ReadFile(path)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	info, err := os.Stat(path)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	if time.Since(info.ModTime()) <= l.lockStale {
		return false
	}
	broken := path + ".stale." + uuid.NewString()
	if err := os.Rename(path, broken); err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	defer func() { _ = os.Remove(broken) }()
	if moved, err := os.ReadFile(broken); err != nil || string(moved) != string(held) {
		_ = os.Link(broken, path)
		return false
	}
	l.logger.Warn("stale ledger lock broken", "job_id", jobID, "age", time.Since(info.ModTime()).String())
	return true
}

func (l *Ledger) stale(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	return time.Since(info.ModTime()) > l.lockStale
}

// lockWaiting retries a busy lock until lockWait elapses.
func (l *Ledger) lockWaiting(ctx context.Context, jobID string) (func(), error) {
	deadline := time.Now().Add(l.lockWait)
	backoff := 2 * time.Millisecond
	for {
		unlock, err := l.lock(jobID)
		if !errors.Is(err, errLocked) {
			return unlock, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: timed out after %s", jobID, l.lockWait)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 100*time.Millisecond {
			backoff *= 2
		}
	}
}

func (l *Ledger) Claim(ctx context.Context, jobID, workerID string) (domain.JobRecord, error) {
	if l == nil {
		return domain.JobRecord{}, errors.New("ledger not initialized")
	}
	if strings.TrimSpace(workerID) == "" {
		return domain.JobRecord{}, errors.New("worker id is required")
	}
	if err := ctx.Err(); err != nil {
		return domain.JobRecord{}, err
	}
	unlock, err := l.lock(jobID)
	if errors.Is(err, errLocked) {
		return domain.JobRecord{}, domain.ClaimConflict(jobID)
	}
	if err != nil {
		return domain.JobRecord{}, err
	}
	defer unlock()

	rec, err := l.read(jobID)
	if err != nil {
		return domain.JobRecord{}, err
	}
	if !rec.Claimable() {
		return domain.JobRecord{}, domain.ClaimConflict(jobID)
	}
	now := l.now().UTC()
	rec.Status = domain.JobRunning
	rec.Owner = workerID
	rec.Lease = uuid.NewString()
	rec.Attempt++
	rec.HeartbeatAt = &now
	rec.UpdatedAt = now
	if err := l.write(rec); err != nil {
		return domain.JobRecord{}, err
	}
	return rec, nil
}

// update runs fn on the locked record of an owner identified by lease.
func (l *Ledger) update(ctx context.Context, jobID, lease string, fn func(*domain.JobRecord, time.Time) error) (domain.JobRecord, error) {
	if l == nil {
		return domain.JobRecord{}, errors.New("ledger not initialized")
	}
	unlock, err := l.lockWaiting(ctx, jobID)
	if err != nil {
		return domain.JobRecord{}, err
	}
	defer unlock()

	rec, err := l.read(jobID)
	if err != nil {
		return domain.JobRecord{}, err
	}
	if err := ledger.CheckLease(rec, lease); err != nil {
		return domain.JobRecord{}, fmt.Errorf("%s: %w", jobID, err)
	}
	from := rec.Status
	if err := fn(&rec, l.now().UTC()); err != nil {
		return domain.JobRecord{}, err
	}
	if err := ledger.CheckTransition(from, rec.Status); err != nil {
		return domain.JobRecord{}, fmt.Errorf("%s: %w", jobID, err)
	}
	if err := l.write(rec); err != nil {
		return domain.JobRecord{}, err
	}
	return rec, nil
}

func (l *Ledger) Heartbeat(ctx context.Context, jobID, lease string) error {
	_, err := l.update(ctx, jobID, lease, func(r *domain.JobRecord, now time.Time) error {
		r.HeartbeatAt = &now
		r.UpdatedAt = now
		return nil
	})
	return err
}

func (l *Ledger) Complete(ctx context.Context, jobID, lease string, out domain.Output) (domain.JobRecord, error) {
	return l.update(ctx, jobID, lease, func(r *domain.JobRecord, now time.Time) error {
		if err := ledger.CommitOutput(out); err != nil {
			return err
		}
		r.Status = domain.JobDone
		r.OutputPath = out.Path
		r.OutputSHA256 = out.SHA256
		r.OutputBytes = out.Bytes
		r.Lease = ""
		r.HeartbeatAt = nil
		r.UpdatedAt = now
		return nil
	})
}

func (l *Ledger) Fail(ctx context.Context, jobID, lease string, failure domain.Failure) (domain.JobRecord, error) {
	return l.update(ctx, jobID, lease, func(r *domain.JobRecord, now time.Time) error {
		ledger.RecordFailure(r, failure, now)
		return nil
	})
}

func (l *Ledger) Sweep(ctx context.Context, timeout time.Duration) ([]domain.JobRecord, error) {
	if l == nil {
		return nil, errors.New("ledger not initialized")
	}
	running, err := l.List(ctx, ledger.Filter{Statuses: []domain.JobStatus{domain.JobRunning}})
	if err != nil {
		return nil, err
	}
	reclaimed := make([]domain.JobRecord, 0)
	for _, candidate := range running {
		if !candidate.Stale(l.now(), timeout) {
			continue
		}
		rec, ok, err := l.reclaim(ctx, candidate.JobID, timeout)
		if err != nil {
			return reclaimed, err
		}
		if ok {
			reclaimed = append(reclaimed, rec)
		}
	}
	return reclaimed, nil
}

func (l *Ledger) reclaim(ctx context.Context, jobID string, timeout time.Duration) (domain.JobRecord, bool, error) {
	unlock, err := l.lockWaiting(ctx, jobID)
	if err != nil {
		return domain.JobRecord{}, false, err
	}
	defer unlock()

	rec, err := l.read(jobID)
	if err != nil {
		return domain.JobRecord{}, false, err
	}
	now := l.now().UTC()
	if !rec.Stale(now, timeout) {
		return domain.JobRecord{}, false, nil
	}
	ledger.Reclaim(&rec, now)
	if err := l.write(rec); err != nil {
		return domain.JobRecord{}, false, err
	}
	l.logger.Info("stale job reclaimed", "job_id", jobID, "status", rec.Status, "attempt", rec.Attempt)
	return rec, true, nil
}
