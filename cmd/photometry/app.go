package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/danhey/photometry/internal/aperture"
	"github.com/danhey/photometry/internal/catalog"
	"github.com/danhey/photometry/internal/config"
	"github.com/danhey/photometry/internal/detrend"
	"github.com/danhey/photometry/internal/domain"
	"github.com/danhey/photometry/internal/ephemeris"
	"github.com/danhey/photometry/internal/extract"
	"github.com/danhey/photometry/internal/ledger"
	"github.com/danhey/photometry/internal/ledger/fsledger"
	"github.com/danhey/photometry/internal/ledger/sqlledger"
	"github.com/danhey/photometry/internal/lightcurve"
	"github.com/danhey/photometry/internal/pipeline"
	"github.com/danhey/photometry/internal/platform/objectstore"
	"github.com/danhey/photometry/internal/platform/postgres"
	"github.com/danhey/photometry/internal/platform/sqlite"
	"github.com/danhey/photometry/internal/scheduler"
	"github.com/danhey/photometry/internal/stamp"
)

// app holds the resources a command opened so they close in reverse order.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	stdout  io.Writer
	closers []func() error
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) openLedger(ctx context.Context) (ledger.Ledger, error) {
	cfg := a.cfg.Ledger
	var (
		l   ledger.Ledger
		err error
	)
	switch cfg.Backend {
	case config.LedgerFS:
		l, err = fsledger.Open(cfg.Path, fsledger.WithLogger(a.logger))
	case config.LedgerSQLite:
		dbCfg, cfgErr := sqlite.ConfigFromEnv(cfg.Path)
		if cfgErr != nil {
			return nil, fmt.Errorf("%w: %w", errUsage, cfgErr)
		}
		db, openErr := sqlite.Open(ctx, dbCfg)
		if openErr != nil {
			return nil, fmt.Errorf("open sqlite ledger: %w", openErr)
		}
		l, err = sqlledger.Open(ctx, db, sqlledger.DialectSQLite, sqlledger.WithLogger(a.logger))
	case config.LedgerPostgres:
		dbCfg, cfgErr := postgres.ConfigFromEnv()
		if cfgErr != nil {
			return nil, fmt.Errorf("%w: %w", errUsage, cfgErr)
		}
		if cfg.URL != "" {
			dbCfg.URL = cfg.URL
		}
		db, openErr := postgres.Open(ctx, dbCfg)
		if openErr != nil {
			return nil, fmt.Errorf("open postgres ledger: %w", openErr)
		}
		l, err = sqlledger.Open(ctx, db, sqlledger.DialectPostgres, sqlledger.WithLogger(a.logger))
	default:
		return nil, fmt.Errorf("%w: ledger backend %q", errUsage, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	a.onClose(l.Close)
	return l, nil
}

func (a *app) openCatalog(ctx context.Context) (*catalog.Catalog, error) {
	c, err := catalog.Open(ctx, a.cfg.Catalog, a.logger)
	if err != nil {
		return nil, err
	}
	a.onClose(c.Close)
	return c, nil
}

func (a *app) openEphemeris() (*ephemeris.Provider, error) {
	p, err := ephemeris.Open(a.cfg.Kernels, ephemeris.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	a.onClose(p.Close)
	return p, nil
}

// requestedJobs expands the configured targets and ranges into the job set of this run.
func (a *app) requestedJobs(ctx context.Context, cat *catalog.Catalog) ([]domain.JobRecord, error) {
	targets, err := cat.Targets(ctx, catalog.Filter{IDs: a.cfg.Targets, MaxMagnitude: a.cfg.MaxMagnitude})
	if err != nil {
		return nil, err
	}
	found := make(map[string]bool, len(targets))
	for _, t := range targets {
		found[t.ID] = true
	}
	// Requested ids the catalog lacks still get jobs; they fail with missing data instead of vanishing.
	for _, id := range a.cfg.Targets {
		if !found[id] {
			targets = append(targets, domain.Target{ID: id})
		}
	}
	ranges, err := a.cfg.JobRanges()
	if err != nil {
		return nil, err
	}
	return scheduler.Partition(targets, ranges, a.cfg.MaxAttempts, time.Now())
}

func (a *app) sector(ctx context.Context, cat *catalog.Catalog) int {
	if a.cfg.Sector != 0 {
		return a.cfg.Sector
	}
	settings, ok, err := cat.Settings(ctx)
	if err != nil {
		a.logger.Warn("catalog settings unreadable", "error", err)
		return 0
	}
	if !ok {
		return 0
	}
	return settings.Sector
}

func (a *app) buildPipeline(ctx context.Context, cat *catalog.Catalog, eph *ephemeris.Provider) (*pipeline.Pipeline, error) {
	stamps, err := stamp.NewLoader(a.cfg.Stamps, a.logger)
	if err != nil {
		return nil, err
	}
	store, err := lightcurve.NewStore(a.cfg.Output, a.logger)
	if err != nil {
		return nil, err
	}
	corrector, err := detrend.NewCorrector(a.cfg.Detrend, a.logger)
	if err != nil {
		return nil, err
	}
	publisher, err := a.publisher(ctx, store.Root())
	if err != nil {
		return nil, err
	}
	return pipeline.New(pipeline.Deps{
		Targets:   cat,
		Stamps:    stamps,
		Masks:     aperture.NewCache(0),
		Extractor: extract.New(a.cfg.SaturationLevel),
		Corrector: corrector,
		Ephemeris: eph,
		Store:     store,
		Publisher: publisher,
		Policy:    a.cfg.Aperture,
		Sector:    a.sector(ctx, cat),
		Logger:    a.logger,
	})
}

// publisher returns nil when no object store endpoint is configured.
func (a *app) publisher(ctx context.Context, root string) (*lightcurve.Publisher, error) {
	cfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}
	if !cfg.Enabled() {
		return nil, nil
	}
	store, err := objectstore.NewMinioStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	if err := store.EnsureBucket(ctx, cfg.Bucket, cfg.Region); err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	a.logger.Info("mirroring light curves", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return lightcurve.NewPublisher(store, cfg, root, a.logger)
}
