// Package config loads the run file shared by every photometry subcommand.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danhey/photometry/internal/aperture"
	"github.com/danhey/photometry/internal/detrend"
	"github.com/danhey/photometry/internal/domain"
	"github.com/danhey/photometry/internal/extract"
	"github.com/danhey/photometry/internal/platform/env"
	"github.com/danhey/photometry/internal/scheduler"
)

const (
	LedgerFS       = "fs"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

type Config struct {
	Catalog string `yaml:"catalog"`
	Stamps  string `yaml:"stamps"`
	Kernels string `yaml:"kernels"`
	Output  string `yaml:"output"`

	Sector int `yaml:"sector"`
	// Targets restricts the run to these catalog ids; empty means the whole catalog.
	Targets      []string           `yaml:"targets"`
	MaxMagnitude float64            `yaml:"max_magnitude"`
	Ranges       []domain.TimeRange `yaml:"ranges"`
	// Split cuts every range into this many jobs.
	Split       int `yaml:"split"`
	MaxAttempts int `yaml:"max_attempts"`

	Ledger          Ledger          `yaml:"ledger"`
	Aperture        aperture.Policy `yaml:"aperture"`
	ApertureFile    string          `yaml:"aperture_file"`
	Detrend         detrend.Params  `yaml:"detrend"`
	SaturationLevel float64         `yaml:"saturation_level"`
	Scheduler       Scheduler       `yaml:"scheduler"`
	Log             Log             `yaml:"log"`
}

type Ledger struct {
	Backend string `yaml:"backend"`
	// Path is the ledger directory (fs) or database file (sqlite).
	Path string `yaml:"path"`
	// URL overrides PHOTOMETRY_DATABASE_URL for the postgres backend.
	URL string `yaml:"url"`
}

type Scheduler struct {
	Workers           int           `yaml:"workers"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleTimeout      time.Duration `yaml:"stale_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ClaimBatch        int           `yaml:"claim_batch"`
	MaxJobs           int           `yaml:"max_jobs"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	opts := scheduler.DefaultOptions()
	return Config{
		Split:           1,
		MaxAttempts:     3,
		Ledger:          Ledger{Backend: LedgerFS},
		Aperture:        aperture.DefaultPolicy(),
		Detrend:         detrend.DefaultParams(),
		SaturationLevel: extract.DefaultSaturationLevel,
		Scheduler: Scheduler{
			Workers:           1,
			HeartbeatInterval: opts.HeartbeatInterval,
			StaleTimeout:      opts.StaleTimeout,
			PollInterval:      opts.PollInterval,
			ClaimBatch:        opts.ClaimBatch,
		},
		Log: Log{Level: "info", Format: "json"},
	}
}

// Load reads the run file at path, applies PHOTOMETRY_* overrides and validates the result.
// Relative paths resolve against the run file's directory.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return Config{}, err
	}
	cfg.resolve(filepath.Dir(path))
	if cfg.ApertureFile != "" {
		policyRaw, err := os.ReadFile(cfg.ApertureFile)
		if err != nil {
			return Config{}, fmt.Errorf("read aperture policy: %w", err)
		}
		if cfg.Aperture, err = aperture.ParsePolicy(policyRaw); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes a run file over the defaults. Unknown keys are rejected.
func Parse(raw []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Aperture = cfg.Aperture.Normalized()
	cfg.Ledger.Backend = strings.ToLower(strings.TrimSpace(cfg.Ledger.Backend))
	return cfg, nil
}

func (c *Config) resolve(dir string) {
	for _, p := range []*string{&c.Catalog, &c.Stamps, &c.Kernels, &c.Output, &c.ApertureFile, &c.Ledger.Path} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

// ApplyEnv overrides fields from PHOTOMETRY_* variables.
func (c *Config) ApplyEnv() error {
	c.Catalog = env.String("PHOTOMETRY_CATALOG", c.Catalog)
	c.Stamps = env.String("PHOTOMETRY_STAMPS", c.Stamps)
	c.Kernels = env.String("PHOTOMETRY_KERNELS", c.Kernels)
	c.Output = env.String("PHOTOMETRY_OUTPUT", c.Output)
	c.Ledger.Backend = strings.ToLower(env.String("PHOTOMETRY_LEDGER_BACKEND", c.Ledger.Backend))
	c.Ledger.Path = env.String("PHOTOMETRY_LEDGER_PATH", c.Ledger.Path)
	c.Ledger.URL = env.String("PHOTOMETRY_LEDGER_URL", c.Ledger.URL)
	c.Log.Level = env.String("PHOTOMETRY_LOG_LEVEL", c.Log.Level)
	c.Log.Format = env.String("PHOTOMETRY_LOG_FORMAT", c.Log.Format)

	var err error
	if c.Sector, err = env.Int("PHOTOMETRY_SECTOR", c.Sector); err != nil {
		return err
	}
	if c.MaxAttempts, err = env.Int("PHOTOMETRY_MAX_ATTEMPTS", c.MaxAttempts); err != nil {
		return err
	}
	if c.Scheduler.Workers, err = env.Int("PHOTOMETRY_WORKERS", c.Scheduler.Workers); err != nil {
		return err
	}
	if c.Scheduler.MaxJobs, err = env.Int("PHOTOMETRY_MAX_JOBS", c.Scheduler.MaxJobs); err != nil {
		return err
	}
	if c.Scheduler.HeartbeatInterval, err = env.Duration("PHOTOMETRY_HEARTBEAT_INTERVAL", c.Scheduler.HeartbeatInterval); err != nil {
		return err
	}
	if c.Scheduler.StaleTimeout, err = env.Duration("PHOTOMETRY_STALE_TIMEOUT", c.Scheduler.StaleTimeout); err != nil {
		return err
	}
	if c.Scheduler.PollInterval, err = env.Duration("PHOTOMETRY_POLL_INTERVAL", c.Scheduler.PollInterval); err != nil {
		return err
	}
	if c.SaturationLevel, err = env.Float("PHOTOMETRY_SATURATION_LEVEL", c.SaturationLevel); err != nil {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Catalog) == "" {
		return errors.New("catalog is required")
	}
	if strings.TrimSpace(c.Stamps) == "" {
		return errors.New("stamps is required")
	}
	if strings.TrimSpace(c.Kernels) == "" {
		return errors.New("kernels is required")
	}
	if strings.TrimSpace(c.Output) == "" {
		return errors.New("output is required")
	}
	if len(c.Ranges) == 0 {
		return errors.New("at least one time range is required")
	}
	for i, r := range c.Ranges {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("ranges[%d]: %w", i, err)
		}
	}
	if c.Split < 1 {
		return errors.New("split must be >= 1")
	}
	if c.MaxAttempts < 1 {
		return errors.New("max_attempts must be >= 1")
	}
	if !(c.SaturationLevel > 0) {
		return errors.New("saturation_level must be positive")
	}
	if err := c.Ledger.Validate(); err != nil {
		return err
	}
	if err := c.Aperture.Validate(); err != nil {
		return err
	}
	if err := c.Detrend.Validate(); err != nil {
		return err
	}
	if c.Scheduler.Workers < 1 {
		return errors.New("scheduler.workers must be >= 1")
	}
	if err := c.Scheduler.Options().Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}

func (l Ledger) Validate() error {
	switch l.Backend {
	case LedgerFS, LedgerSQLite:
		if strings.TrimSpace(l.Path) == "" {
			return fmt.Errorf("ledger.path is required for the %s backend", l.Backend)
		}
	case LedgerPostgres:
	default:
		return fmt.Errorf("ledger.backend unsupported: %q", l.Backend)
	}
	return nil
}

func (s Scheduler) Options() scheduler.Options {
	return scheduler.Options{
		HeartbeatInterval: s.HeartbeatInterval,
		StaleTimeout:      s.StaleTimeout,
		PollInterval:      s.PollInterval,
		ClaimBatch:        s.ClaimBatch,
		MaxJobs:           s.MaxJobs,
	}
}

// JobRanges expands the configured ranges by Split.
func (c Config) JobRanges() ([]domain.TimeRange, error) {
	out := make([]domain.TimeRange, 0, len(c.Ranges)*c.Split)
	for _, r := range c.Ranges {
		parts, err := scheduler.SplitRange(r, c.Split)
		if err != nil {
			return nil, err
		}
		out = append(out, parts...)
	}
	return out, nil
}

func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(l.Level))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
