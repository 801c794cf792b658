package fsledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danhey/photometry/internal/domain"
	"github.com/danhey/photometry/internal/ledger"
	"github.com/danhey/photometry/internal/ledger/ledgertest"
)

func open(t *testing.T, now func() time.Time) *Ledger {
	t.Helper()
	l, err := Open(t.TempDir(),
		WithClock(now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithLockTimeouts(time.Minute, 2*time.Second),
	)
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	return l
}

func TestLedger(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T, now func() time.Time) ledger.Ledger {
		return open(t, now)
	})
}

func TestClaimConflictsWhileLocked(t *testing.T) {
	clock := ledgertest.NewClock()
	l := open(t, clock.Now)
	ctx := context.Background()
	records := ledgertest.Records(t, 1, 2, clock.Now())
	if _, err := l.Seed(ctx, records); err != nil {
		t.Fatalf("Seed() err=%v", err)
	}
	unlock, err := l.lock(records[0].JobID)
	if err != nil {
		t.Fatalf("lock() err=%v", err)
	}
	if _, err := l.Claim(ctx, records[0].JobID, "w"); !errors.Is(err, domain.ErrClaimConflict) {
		t.Fatalf("Claim() err=%v, want conflict", err)
	}
	unlock()
	if _, err := l.Claim(ctx, records[0].JobID, "w"); err != nil {
		t.Fatalf("Claim() after unlock err=%v", err)
	}
}

func TestStaleLockIsBroken(t *testing.T) {
	clock := ledgertest.NewClock()
	l := open(t, clock.Now)
	ctx := context.Background()
	records := ledgertest.Records(t, 1, 2, clock.Now())
	if _, err := l.Seed(ctx, records); err != nil {
		t.Fatalf("Seed() err=%v", err)
	}
	path := l.lockPath(records[0].JobID)
	if err := os.WriteFile(path, []byte("4242\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() err=%v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes() err=%v", err)
	}
	if _, err := l.Claim(ctx, records[0].JobID, "w"); err != nil {
		t.Fatalf("Claim() over abandoned lock err=%v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("lock file left behind: %v", err)
	}
}

func TestStaleLockBreakIsExclusive(t *testing.T) {
	clock := ledgertest.NewClock()
	l := open(t, clock.Now)
	path := l.lockPath("job-1")
	old := time.Now().Add(-time.Hour)
	if err := os.WriteFile(path, []byte("4242 abandoned\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() err=%v", err)
	}
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes() err=%v", err)
	}

	// Another breaker holds the guard: the stale lock must survive until it is done.
	if err := os.WriteFile(path+".break", nil, 0o644); err != nil {
		t.Fatalf("WriteFile() err=%v", err)
	}
	if _, err := l.lock("job-1"); !errors.Is(err, errLocked) {
		t.Fatalf("lock() with break in progress err=%v, want errLocked", err)
	}
	if raw, err := os.ReadFile(path); err != nil || string(raw) != "4242 abandoned\n" {
		t.Fatalf("stale lock disturbed: %q err=%v", raw, err)
	}

	// That breaker finished and a new owner took the lock: it is fresh and must be kept.
	if err := os.Remove(path + ".break"); err != nil {
		t.Fatalf("Remove() err=%v", err)
	}
	if err := os.WriteFile(path, []byte("4343 fresh\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() err=%v", err)
	}
	if _, err := l.lock("job-1"); !errors.Is(err, errLocked) {
		t.Fatalf("lock() over fresh lock err=%v, want errLocked", err)
	}
	if raw, err := os.ReadFile(path); err != nil || string(raw) != "4343 fresh\n" {
		t.Fatalf("fresh lock disturbed: %q err=%v", raw, err)
	}
	if _, err := os.Stat(path + ".break"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("break guard left behind: %v", err)
	}
}

func TestUnlockKeepsForeignLock(t *testing.T) {
	clock := ledgertest.NewClock()
	l := open(t, clock.Now)
	path := l.lockPath("job-1")
	unlock, err := l.lock("job-1")
	if err != nil {
		t.Fatalf("lock() err=%v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil || len(raw) == 0 {
		t.Fatalf("lock token missing: %q err=%v", raw, err)
	}
	// Our lock was broken and someone else now holds the path.
	if err := os.WriteFile(path, []byte("4343 other\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() err=%v", err)
	}
	unlock()
	if got, err := os.ReadFile(path); err != nil || string(got) != "4343 other\n" {
		t.Fatalf("unlock() removed a lock it does not hold: %q err=%v", got, err)
	}
}

func TestRecordsAreReadableJSON(t *testing.T) {
	clock := ledgertest.NewClock()
	root := t.TempDir()
	l, err := Open(root, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	records := ledgertest.Records(t, 1, 2, clock.Now())
	if _, err := l.Seed(context.Background(), records); err != nil {
		t.Fatalf("Seed() err=%v", err)
	}
	raw, err := os.ReadFile(filepath.Join(root, "jobs", records[0].JobID+".json"))
	if err != nil {
		t.Fatalf("ReadFile() err=%v", err)
	}
	if len(raw) == 0 || raw[len(raw)-1] != '\n' {
		t.Fatalf("record not newline terminated")
	}
	entries, err := os.ReadDir(filepath.Join(root, "jobs"))
	if err != nil {
		t.Fatalf("ReadDir() err=%v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("seed left %d entries, want 1", len(entries))
	}
}
