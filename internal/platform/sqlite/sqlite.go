package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danhey/photometry/internal/platform/env"
	_ "modernc.org/sqlite"
)

type Config struct {
	Path        string
	BusyTimeout time.Duration
	ReadOnly    bool
}

// ConfigFromEnv reads PHOTOMETRY_SQLITE_*; path is used when PHOTOMETRY_SQLITE_PATH is unset.
func ConfigFromEnv(path string) (Config, error) {
	busyTimeout, err := env.Duration("PHOTOMETRY_SQLITE_BUSY_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Path:        env.String("PHOTOMETRY_SQLITE_PATH", path),
		BusyTimeout: busyTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return errors.New("PHOTOMETRY_SQLITE_PATH is required")
	}
	if c.BusyTimeout < 0 {
		return errors.New("PHOTOMETRY_SQLITE_BUSY_TIMEOUT must be >= 0")
	}
	return nil
}

// DSN builds a modernc.org/sqlite connection string with the pragmas applied per connection.
func (c Config) DSN() string {
	var b strings.Builder
	b.WriteString("file:")
	b.WriteString(c.Path)
	b.WriteString("?_pragma=busy_timeout(")
	b.WriteString(fmt.Sprint(c.BusyTimeout.Milliseconds()))
	b.WriteString(")")
	if c.ReadOnly {
		b.WriteString("&mode=ro")
	} else {
		b.WriteString("&_pragma=journal_mode(DELETE)&_txlock=immediate")
	}
	return b.String()
}

// Open connects with a single connection so writers serialize inside the process.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}
