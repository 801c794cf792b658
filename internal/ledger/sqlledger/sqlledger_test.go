package sqlledger

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danhey/photometry/internal/domain"
	"github.com/danhey/photometry/internal/ledger"
	"github.com/danhey/photometry/internal/ledger/ledgertest"
	"github.com/danhey/photometry/internal/platform/auditlog"
	"github.com/danhey/photometry/internal/platform/sqlite"
)

func openSQLite(t *testing.T, now func() time.Time) *Ledger {
	t.Helper()
	db, err := sqlite.Open(context.Background(), sqlite.Config{
		Path:        filepath.Join(t.TempDir(), "ledger.db"),
		BusyTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("sqlite.Open() err=%v", err)
	}
	l, err := Open(context.Background(), db, DialectSQLite,
		WithClock(now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		_ = db.Close()
		t.Fatalf("Open() err=%v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestSQLiteLedger(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T, now func() time.Time) ledger.Ledger {
		return openSQLite(t, now)
	})
}

func TestOpenIsRepeatable(t *testing.T) {
	clock := ledgertest.NewClock()
	l := openSQLite(t, clock.Now)
	if _, err := Open(context.Background(), l.db, DialectSQLite); err != nil {
		t.Fatalf("second Open() err=%v", err)
	}
}

func TestEventsRecordTransitions(t *testing.T) {
	clock := ledgertest.NewClock()
	l := openSQLite(t, clock.Now)
	ctx := context.Background()
	records := ledgertest.Records(t, 1, 2, clock.Now())
	id := records[0].JobID
	if _, err := l.Seed(ctx, records); err != nil {
		t.Fatalf("Seed() err=%v", err)
	}
	rec, err := l.Claim(ctx, id, "w1")
	if err != nil {
		t.Fatalf("Claim() err=%v", err)
	}
	clock.Advance(time.Second)
	if _, err := l.Fail(ctx, id, rec.Lease, domain.Failure{Kind: domain.KindInsufficientSignal, Message: "faint"}); err != nil {
		t.Fatalf("Fail() err=%v", err)
	}
	rec, err = l.Claim(ctx, id, "w2")
	if err != nil {
		t.Fatalf("Claim() err=%v", err)
	}
	if _, err := l.Complete(ctx, id, rec.Lease, domain.Output{Path: "/out/x.lc.json", SHA256: "ab", Bytes: 9}); err != nil {
		t.Fatalf("Complete() err=%v", err)
	}

	events, err := l.Events(ctx, id)
	if err != nil {
		t.Fatalf("Events() err=%v", err)
	}
	want := []struct {
		action, actor string
		attempt       int
	}{
		{auditlog.ActionSeeded, actorSeed, 0},
		{auditlog.ActionClaimed, "w1", 1},
		{auditlog.ActionFailed, "w1", 1},
		{auditlog.ActionClaimed, "w2", 2},
		{auditlog.ActionCompleted, "w2", 2},
	}
	if len(events) != len(want) {
		t.Fatalf("Events() returned %d events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.Event.Action != want[i].action || ev.Event.Actor != want[i].actor || ev.Event.Attempt != want[i].attempt {
			t.Fatalf("event %d = %s/%s/%d, want %+v", i, ev.Event.Action, ev.Event.Actor, ev.Event.Attempt, want[i])
		}
		if err := ev.Verify(); err != nil {
			t.Fatalf("Verify() event %d err=%v", i, err)
		}
	}
	if !strings.Contains(string(events[2].PayloadJSON), string(domain.KindInsufficientSignal)) {
		t.Fatalf("failure payload=%s", events[2].PayloadJSON)
	}
}

func TestSweepRecordsReclaimEvent(t *testing.T) {
	clock := ledgertest.NewClock()
	l := openSQLite(t, clock.Now)
	ctx := context.Background()
	records := ledgertest.Records(t, 1, 3, clock.Now())
	if _, err := l.Seed(ctx, records); err != nil {
		t.Fatalf("Seed() err=%v", err)
	}
	if _, err := l.Claim(ctx, records[0].JobID, "crashed"); err != nil {
		t.Fatalf("Claim() err=%v", err)
	}
	clock.Advance(5 * time.Minute)
	if _, err := l.Sweep(ctx, time.Minute); err != nil {
		t.Fatalf("Sweep() err=%v", err)
	}
	events, err := l.Events(ctx, records[0].JobID)
	if err != nil {
		t.Fatalf("Events() err=%v", err)
	}
	last := events[len(events)-1]
	if last.Event.Action != auditlog.ActionReclaimed || last.Event.Actor != actorSweep {
		t.Fatalf("last event=%+v", last.Event)
	}
	if !strings.Contains(string(last.PayloadJSON), "crashed") {
		t.Fatalf("reclaim payload=%s", last.PayloadJSON)
	}
}

func TestPostgresQueries(t *testing.T) {
	l := &Ledger{dialect: DialectPostgres}
	query, args := l.listQuery(ledger.Filter{
		Statuses: []domain.JobStatus{domain.JobPending, domain.JobRunning},
		TargetID:   "TIC 1",
		AfterJobID: "job-0007",
		Limit:      5,
	})
	if !strings.Contains(query, "status IN ($1,$2)") || !strings.Contains(query, "target_id = $3") || !strings.Contains(query, "job_id > $4") || !strings.Contains(query, "LIMIT $5") {
		t.Fatalf("unexpected query %q", query)
	}
	if strings.Contains(query, "?") {
		t.Fatalf("unbound placeholder in %q", query)
	}
	if len(args) != 5 {
		t.Fatalf("listQuery() args=%v", args)
	}

	schema := strings.Join(DialectPostgres.schema(), "\n")
	if !strings.Contains(schema, "BIGSERIAL PRIMARY KEY") {
		t.Fatalf("postgres schema missing BIGSERIAL event id")
	}
	if DialectPostgres.lockSuffix() != " FOR UPDATE" || DialectSQLite.lockSuffix() != "" {
		t.Fatalf("unexpected lock suffixes")
	}
}

func TestBind(t *testing.T) {
	cases := []struct {
		dialect Dialect
		in      string
		want    string
	}{
		{DialectSQLite, "a = ? AND b = ?", "a = ? AND b = ?"},
		{DialectPostgres, "a = ? AND b = ?", "a = $1 AND b = $2"},
		{DialectPostgres, "no params", "no params"},
	}
	for _, tc := range cases {
		if got := tc.dialect.Bind(tc.in); got != tc.want {
			t.Fatalf("%s Bind(%q)=%q, want %q", tc.dialect, tc.in, got, tc.want)
		}
	}
}

func TestParseDialect(t *testing.T) {
	if d, err := ParseDialect(" PostgreSQL "); err != nil || d != DialectPostgres {
		t.Fatalf("ParseDialect() d=%q err=%v", d, err)
	}
	if _, err := ParseDialect("mysql"); err == nil {
		t.Fatalf("ParseDialect() expected error")
	}
}
