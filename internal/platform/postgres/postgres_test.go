package postgres

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestConfigValidate(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("PHOTOMETRY_DATABASE_URL", "postgres://ledger@db:5432/ledger")
	t.Setenv("PHOTOMETRY_DATABASE_MAX_OPEN_CONNS", "4")
	t.Setenv("PHOTOMETRY_DATABASE_MAX_IDLE_CONNS", "2")
	t.Setenv("PHOTOMETRY_DATABASE_PING_TIMEOUT", "750ms")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.URL != "postgres://ledger@db:5432/ledger" || cfg.MaxOpenConns != 4 || cfg.PingTimeout != 750*time.Millisecond {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestConfigValidateRejectsIdleAboveOpen(t *testing.T) {
	cfg := Config{URL: "postgres://x", PingTimeout: time.Second, MaxOpenConns: 2, MaxIdleConns: 3}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() expected error")
	}
}

func TestConnConfigSetsApplicationName(t *testing.T) {
	cfg := Config{URL: "postgres://u:p@db:5432/ledger?sslmode=disable", ApplicationName: "photometry-worker"}
	connCfg, err := cfg.ConnConfig()
	if err != nil {
		t.Fatalf("ConnConfig() err=%v", err)
	}
	if connCfg.Host != "db" || connCfg.Database != "ledger" {
		t.Fatalf("unexpected conn config host=%q db=%q", connCfg.Host, connCfg.Database)
	}
	if connCfg.RuntimeParams["application_name"] != "photometry-worker" {
		t.Fatalf("application_name=%q", connCfg.RuntimeParams["application_name"])
	}
}

func TestErrorClassification(t *testing.T) {
	if !IsSerializationFailure(fmt.Errorf("claim: %w", &pgconn.PgError{Code: "40001"})) {
		t.Fatalf("IsSerializationFailure() false for 40001")
	}
	if IsSerializationFailure(&pgconn.PgError{Code: "23505"}) {
		t.Fatalf("IsSerializationFailure() true for unique violation")
	}
	if IsSerializationFailure(errors.New("boom")) {
		t.Fatalf("IsSerializationFailure() true for plain error")
	}
	if !IsSerializationFailure(&pgconn.PgError{Code: "40P01"}) {
		t.Fatalf("IsSerializationFailure() false for 40P01")
	}
}
