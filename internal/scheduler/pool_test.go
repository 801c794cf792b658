package scheduler

import (
	"context"
	"testing"

	"github.com/danhey/photometry/internal/domain"
	"github.com/danhey/photometry/internal/ledger"
)

func TestPoolRunsEachJobOnce(t *testing.T) {
	l := openLedger(t, nil)
	records := seed(t, l, 20, 2)
	runner := newCountingRunner(nil)
	pool, err := NewPool(4, l, runner, testOptions(), discard())
	if err != nil {
		t.Fatalf("NewPool() err=%v", err)
	}
	if err := pool.Run(context.Background()); err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	for _, rec := range records {
		if n := runner.count(rec.JobID); n != 1 {
			t.Fatalf("job %s ran %d times", rec.JobID, n)
		}
	}
	done, err := l.List(context.Background(), ledger.Filter{Statuses: []domain.JobStatus{domain.JobDone}})
	if err != nil {
		t.Fatalf("List() err=%v", err)
	}
	if len(done) != len(records) {
		t.Fatalf("done=%d, want %d", len(done), len(records))
	}
	ids := map[string]bool{}
	for _, w := range pool.Workers() {
		if ids[w.ID()] {
			t.Fatalf("duplicate worker id %s", w.ID())
		}
		ids[w.ID()] = true
	}
}

func TestNewPoolRejectsEmpty(t *testing.T) {
	if _, err := NewPool(0, openLedger(t, nil), newCountingRunner(nil), testOptions(), discard()); err == nil {
		t.Fatalf("NewPool() expected error")
	}
}
