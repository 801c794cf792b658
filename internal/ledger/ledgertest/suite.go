// Package ledgertest runs the behaviour every ledger backend must share.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danhey/photometry/internal/domain"
	"github.com/danhey/photometry/internal/ledger"
)

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory opens an empty ledger reading time from now.
type Factory func(t *testing.T, now func() time.Time) ledger.Ledger

// Records builds n pending records for distinct targets over one range.
func Records(t *testing.T, n, maxAttempts int, now time.Time) []domain.JobRecord {
	t.Helper()
	out := make([]domain.JobRecord, n)
	for i := range out {
		rec, err := domain.NewJobRecord(fmt.Sprintf("TIC %d", 1000+i), domain.TimeRange{Start: 1325.5, End: 1338.25}, maxAttempts, now)
		if err != nil {
			t.Fatalf("NewJobRecord() err=%v", err)
		}
		out[i] = rec
	}
	return out
}

// Run exercises a ledger backend.
func Run(t *testing.T, open Factory) {
	t.Run("seed is idempotent", func(t *testing.T) { testSeed(t, open) })
	t.Run("one claimer wins", func(t *testing.T) { testClaimRace(t, open) })
	t.Run("lease fences reclaimed owner", func(t *testing.T) { testLeaseFencing(t, open) })
	t.Run("attempts exhaust to failed", func(t *testing.T) { testMaxAttempts(t, open) })
	t.Run("sweep counts crashed attempt", func(t *testing.T) { testSweepExhausted(t, open) })
	t.Run("heartbeat keeps job alive", func(t *testing.T) { testHeartbeat(t, open) })
	t.Run("list and get", func(t *testing.T) { testListGet(t, open) })
	t.Run("complete commits staged output", func(t *testing.T) { testStagedOutput(t, open) })
}

func testSeed(t *testing.T, open Factory) {
	clock := NewClock()
	l := open(t, clock.Now)
	ctx := context.Background()
	records := Records(t, 3, 2, clock.Now())

	created, err := l.Seed(ctx, records)
	if err != nil {
		t.Fatalf("Seed() err=%v", err)
	}
	if created != 3 {
		t.Fatalf("Seed() created=%d, want 3", created)
	}
	if _, err := l.Claim(ctx, records[0].JobID, "w1"); err != nil {
		t.Fatalf("Claim() err=%v", err)
	}
	created, err = l.Seed(ctx, records)
	if err != nil {
		t.Fatalf("Seed() err=%v", err)
	}
	if created != 0 {
		t.Fatalf("Seed() created=%d on reseed, want 0", created)
	}
	got, err := l.Get(ctx, records[0].JobID)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if got.Status != domain.JobRunning {
		t.Fatalf("reseed reset running record to %s", got.Status)
	}
}

func testClaimRace(t *testing.T, open Factory) {
	clock := NewClock()
	l := open(t, clock.Now)
	ctx := context.Background()
	records := Records(t, 1, 3, clock.Now())
	if _, err := l.Seed(ctx, records); err != nil {
		t.Fatalf("Seed() err=%v", err)
	}

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
		others    []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := l.Claim(ctx, records[0].JobID, fmt.Sprintf("worker-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrClaimConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	if len(others) > 0 {
		t.Fatalf("unexpected claim errors: %v", others)
	}
	if wins != 1 || conflicts != workers-1 {
		t.Fatalf("wins=%d conflicts=%d, want 1 and %d", wins, conflicts, workers-1)
	}
	got, err := l.Get(ctx, records[0].JobID)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if got.Attempt != 1 || got.Status != domain.JobRunning {
		t.Fatalf("record after race: status=%s attempt=%d", got.Status, got.Attempt)
	}
}

func testLeaseFencing(t *testing.T, open Factory) {
	clock := NewClock()
	l := open(t, clock.Now)
	ctx := context.Background()
	records := Records(t, 1, 3, clock.Now())
	if _, err := l.Seed(ctx, records); err != nil {
		t.Fatalf("Seed() err=%v", err)
	}
	id := records[0].JobID

	first, err := l.Claim(ctx, id, "crashed")
	if err != nil {
		t.Fatalf("Claim() err=%v", err)
	}
	clock.Advance(10 * time.Minute)
	reclaimed, err := l.Sweep(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Sweep() err=%v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].Status != domain.JobPending {
		t.Fatalf("Sweep() reclaimed=%+v", reclaimed)
	}

	second, err := l.Claim(ctx, id, "rescuer")
	if err != nil {
		t.Fatalf("Claim() after sweep err=%v", err)
	}
	if second.Lease == first.Lease || second.Attempt != 2 {
		t.Fatalf("second claim lease=%q attempt=%d", second.Lease, second.Attempt)
	}

	stale := domain.Output{Path: "/out/stale", SHA256: "aa", Bytes: 1}
	if _, err := l.Complete(ctx, id, first.Lease, stale); !errors.Is(err, ledger.ErrLeaseLost) {
		t.Fatalf("Complete() with stale lease err=%v, want lease lost", err)
	}
	if err := l.Heartbeat(ctx, id, first.Lease); !errors.Is(err, ledger.ErrLeaseLost) {
		t.Fatalf("Heartbeat() with stale lease err=%v, want lease lost", err)
	}

	out := domain.Output{Path: "/out/good", SHA256: "bb", Bytes: 42}
	done, err := l.Complete(ctx, id, second.Lease, out)
	if err != nil {
		t.Fatalf("Complete() err=%v", err)
	}
	if done.Status != domain.JobDone || done.Output() != out || done.Owner != "rescuer" {
		t.Fatalf("Complete() record=%+v", done)
	}
	if len(done.Failures) != 1 || done.Failures[0].Kind != domain.KindAbandoned || done.Failures[0].Worker != "crashed" {
		t.Fatalf("failures=%+v", done.Failures)
	}
	if _, err := l.Fail(ctx, id, second.Lease, domain.Failure{Kind: domain.KindInternal}); !errors.Is(err, ledger.ErrLeaseLost) {
		t.Fatalf("Fail() after done err=%v, want lease lost", err)
	}
}

func testMaxAttempts(t *testing.T, open Factory) {
	clock := NewClock()
	l := open(t, clock.Now)
	ctx := context.Background()
	records := Records(t, 1, 2, clock.Now())
	if _, err := l.Seed(ctx, records); err != nil {
		t.Fatalf("Seed() err=%v", err)
	}
	id := records[0].JobID

	wantStatus := []domain.JobStatus{domain.JobPending, domain.JobFailed}
	for attempt := 1; attempt <= 2; attempt++ {
		rec, err := l.Claim(ctx, id, "w")
		if err != nil {
			t.Fatalf("Claim() attempt %d err=%v", attempt, err)
		}
		clock.Advance(time.Second)
		failed, err := l.Fail(ctx, id, rec.Lease, domain.Failure{Kind: domain.KindDetrendFailure, Message: "too few cadences"})
		if err != nil {
			t.Fatalf("Fail() err=%v", err)
		}
		if failed.Status != wantStatus[attempt-1] || failed.Attempt != attempt {
			t.Fatalf("after attempt %d: status=%s attempt=%d", attempt, failed.Status, failed.Attempt)
		}
		last, ok := failed.LastFailure()
		if !ok || last.Attempt != attempt || last.Kind != domain.KindDetrendFailure || last.Worker != "w" {
			t.Fatalf("last failure=%+v", last)
		}
	}
	if _, err := l.Claim(ctx, id, "w"); !errors.Is(err, domain.ErrClaimConflict) {
		t.Fatalf("Claim() of exhausted job err=%v, want conflict", err)
	}
	pending, err := l.List(ctx, ledger.Filter{Statuses: []domain.JobStatus{domain.JobPending}})
	if err != nil {
		t.Fatalf("List() err=%v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("exhausted job still pending")
	}
}

func testSweepExhausted(t *testing.T, open Factory) {
	clock := NewClock()
	l := open(t, clock.Now)
	ctx := context.Background()
	records := Records(t, 1, 1, clock.Now())
	if _, err := l.Seed(ctx, records); err != nil {
		t.Fatalf("Seed() err=%v", err)
	}
	if _, err := l.Claim(ctx, records[0].JobID, "w"); err != nil {
		t.Fatalf("Claim() err=%v", err)
	}
	clock.Advance(time.Hour)
	reclaimed, err := l.Sweep(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Sweep() err=%v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].Status != domain.JobFailed {
		t.Fatalf("Sweep() reclaimed=%+v", reclaimed)
	}
	again, err := l.Sweep(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Sweep() err=%v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second Sweep() reclaimed %d", len(again))
	}
}

func testHeartbeat(t *testing.T, open Factory) {
	clock := NewClock()
	l := open(t, clock.Now)
	ctx := context.Background()
	records := Records(t, 1, 3, clock.Now())
	if _, err := l.Seed(ctx, records); err != nil {
		t.Fatalf("Seed() err=%v", err)
	}
	rec, err := l.Claim(ctx, records[0].JobID, "w")
	if err != nil {
		t.Fatalf("Claim() err=%v", err)
	}
	for i := 0; i < 3; i++ {
		clock.Advance(40 * time.Second)
		if err := l.Heartbeat(ctx, rec.JobID, rec.Lease); err != nil {
			t.Fatalf("Heartbeat() err=%v", err)
		}
	}
	reclaimed, err := l.Sweep(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Sweep() err=%v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("Sweep() reclaimed a heartbeating job")
	}
}

func testListGet(t *testing.T, open Factory) {
	clock := NewClock()
	l := open(t, clock.Now)
	ctx := context.Background()
	records := Records(t, 4, 2, clock.Now())
	if _, err := l.Seed(ctx, records); err != nil {
		t.Fatalf("Seed() err=%v", err)
	}
	if _, err := l.Claim(ctx, records[2].JobID, "w"); err != nil {
		t.Fatalf("Claim() err=%v", err)
	}

	all, err := l.List(ctx, ledger.Filter{})
	if err != nil {
		t.Fatalf("List() err=%v", err)
	}
	if len(all) != 4 {
		t.Fatalf("List() returned %d records", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].JobID >= all[i].JobID {
			t.Fatalf("List() not ordered by job id")
		}
	}
	running, err := l.List(ctx, ledger.Filter{Statuses: []domain.JobStatus{domain.JobRunning}})
	if err != nil {
		t.Fatalf("List() err=%v", err)
	}
	if len(running) != 1 || running[0].JobID != records[2].JobID || running[0].Owner != "w" {
		t.Fatalf("List(running)=%+v", running)
	}
	limited, err := l.List(ctx, ledger.Filter{Statuses: []domain.JobStatus{domain.JobPending}, Limit: 2})
	if err != nil {
		t.Fatalf("List() err=%v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("List(limit 2) returned %d", len(limited))
	}
	rest, err := l.List(ctx, ledger.Filter{Statuses: []domain.JobStatus{domain.JobPending}, AfterJobID: limited[1].JobID})
	if err != nil {
		t.Fatalf("List() err=%v", err)
	}
	if len(rest) != 1 || rest[0].JobID <= limited[1].JobID {
		t.Fatalf("List(after %s)=%+v", limited[1].JobID, rest)
	}
	byTarget, err := l.List(ctx, ledger.Filter{TargetID: records[1].TargetID})
	if err != nil {
		t.Fatalf("List() err=%v", err)
	}
	if len(byTarget) != 1 || byTarget[0].JobID != records[1].JobID {
		t.Fatalf("List(target)=%+v", byTarget)
	}

	got, err := l.Get(ctx, records[1].JobID)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if got.TargetID != records[1].TargetID || got.Range != records[1].Range || got.MaxAttempts != 2 {
		t.Fatalf("Get()=%+v", got)
	}
	if _, err := l.Get(ctx, "nope"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("Get() missing err=%v, want not found", err)
	}
}

func stageFile(t *testing.T, dir, name, content string) domain.Output {
	t.Helper()
	staged := filepath.Join(dir, name)
	if err := os.WriteFile(staged, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() err=%v", err)
	}
	return domain.Output{Path: filepath.Join(dir, "job.lc.json"), SHA256: name, Bytes: int64(len(content)), Staged: staged}
}

func testStagedOutput(t *testing.T, open Factory) {
	clock := NewClock()
	l := open(t, clock.Now)
	ctx := context.Background()
	dir := t.TempDir()
	records := Records(t, 1, 3, clock.Now())
	if _, err := l.Seed(ctx, records); err != nil {
		t.Fatalf("Seed() err=%v", err)
	}
	id := records[0].JobID

	stalled, err := l.Claim(ctx, id, "stalled")
	if err != nil {
		t.Fatalf("Claim() err=%v", err)
	}
	clock.Advance(10 * time.Minute)
	if _, err := l.Sweep(ctx, time.Minute); err != nil {
		t.Fatalf("Sweep() err=%v", err)
	}
	owner, err := l.Claim(ctx, id, "owner")
	if err != nil {
		t.Fatalf("Claim() after sweep err=%v", err)
	}

	out := stageFile(t, dir, "owner.staged", "owner bytes")
	if _, err := l.Complete(ctx, id, owner.Lease, out); err != nil {
		t.Fatalf("Complete() err=%v", err)
	}
	if _, err := os.Stat(out.Staged); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("staged file still present after commit: err=%v", err)
	}

	late := stageFile(t, dir, "stalled.staged", "stale bytes")
	if _, err := l.Complete(ctx, id, stalled.Lease, late); !errors.Is(err, ledger.ErrLeaseLost) {
		t.Fatalf("Complete() stalled err=%v, want lease lost", err)
	}
	got, err := os.ReadFile(out.Path)
	if err != nil {
		t.Fatalf("ReadFile() err=%v", err)
	}
	if string(got) != "owner bytes" {
		t.Fatalf("committed output replaced: %q", got)
	}
	if _, err := os.Stat(late.Staged); err != nil {
		t.Fatalf("rejected staged file touched: err=%v", err)
	}
	rec, err := l.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if rec.OutputPath != out.Path || rec.OutputSHA256 != out.SHA256 {
		t.Fatalf("record output=%+v", rec.Output())
	}
}
