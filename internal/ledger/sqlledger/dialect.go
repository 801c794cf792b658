package sqlledger

import (
	"fmt"
	"strconv"
	"strings"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func ParseDialect(value string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported ledger dialect %q", value)
	}
}

// Bind rewrites `?` placeholders into the dialect's positional form.
func (d Dialect) Bind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// lockSuffix is appended to row reads made before a lease-fenced update.
func (d Dialect) lockSuffix() string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (d Dialect) schema() []string {
	eventID := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == DialectPostgres {
		eventID = "BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	target_id TEXT NOT NULL,
	range_start DOUBLE PRECISION NOT NULL,
	range_end DOUBLE PRECISION NOT NULL,
	status TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT '',
	lease TEXT NOT NULL DEFAULT '',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	heartbeat_at BIGINT,
	output_path TEXT NOT NULL DEFAULT '',
	output_sha256 TEXT NOT NULL DEFAULT '',
	output_bytes BIGINT NOT NULL DEFAULT 0,
	failures TEXT NOT NULL DEFAULT '[]',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status, heartbeat_at)`,
		`CREATE TABLE IF NOT EXISTS job_events (
	event_id ` + eventID + `,
	occurred_at BIGINT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	job_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	payload TEXT NOT NULL,
	integrity_sha256 TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS job_events_job_idx ON job_events (job_id, event_id)`,
	}
}
