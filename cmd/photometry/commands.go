package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/danhey/photometry/internal/domain"
	"github.com/danhey/photometry/internal/ledger"
	"github.com/danhey/photometry/internal/ledger/sqlledger"
	"github.com/danhey/photometry/internal/lightcurve"
	"github.com/danhey/photometry/internal/scheduler"
)

func noArgs(name string, args []string) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected arguments %v", errUsage, fs.Args())
	}
	return nil
}

func runPartition(ctx context.Context, a *app, args []string) error {
	if err := noArgs("partition", args); err != nil {
		return err
	}
	cat, err := a.openCatalog(ctx)
	if err != nil {
		return err
	}
	records, err := a.requestedJobs(ctx, cat)
	if err != nil {
		return err
	}
	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	created, err := l.Seed(ctx, records)
	if err != nil {
		return fmt.Errorf("seed ledger: %w", err)
	}
	a.logger.Info("ledger seeded", "jobs", len(records), "created", created, "existing", len(records)-created)
	return nil
}

func runWork(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("work", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	workers := fs.Int("workers", a.cfg.Scheduler.Workers, "workers in this process")
	maxJobs := fs.Int("max-jobs", a.cfg.Scheduler.MaxJobs, "stop each worker after this many jobs (0: no limit)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	cat, err := a.openCatalog(ctx)
	if err != nil {
		return err
	}
	eph, err := a.openEphemeris()
	if err != nil {
		return err
	}
	p, err := a.buildPipeline(ctx, cat, eph)
	if err != nil {
		return err
	}

	opts := a.cfg.Scheduler.Options()
	opts.MaxJobs = *maxJobs
	pool, err := scheduler.NewPool(*workers, l, p, opts, a.logger)
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	a.logger.Info("work started",
		"workers", *workers,
		"policy_version", p.PolicyVersion(),
		"kernel_set_version", eph.Version(),
	)
	return pool.Run(ctx)
}

func runSweep(ctx context.Context, a *app, args []string) error {
	if err := noArgs("sweep", args); err != nil {
		return err
	}
	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	reclaimed, err := l.Sweep(ctx, a.cfg.Scheduler.StaleTimeout)
	if err != nil {
		return err
	}
	for _, rec := range reclaimed {
		a.logger.Info("job reclaimed", "job_id", rec.JobID, "attempt", rec.Attempt, "status", rec.Status)
	}
	a.logger.Info("sweep finished", "reclaimed", len(reclaimed), "stale_timeout", a.cfg.Scheduler.StaleTimeout.String())
	return nil
}

func runReport(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	requireComplete := fs.Bool("require-complete", false, "fail unless every job reached done or failed")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	cat, err := a.openCatalog(ctx)
	if err != nil {
		return err
	}
	requested, err := a.requestedJobs(ctx, cat)
	if err != nil {
		return err
	}
	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	report, err := scheduler.BuildReport(ctx, l, requested)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if *requireComplete && !report.Complete() {
		return fmt.Errorf("run incomplete: %v", report.Counts)
	}
	return nil
}

var errVerifyFailed = errors.New("verification failed")

func runVerify(ctx context.Context, a *app, args []string) error {
	if err := noArgs("verify", args); err != nil {
		return err
	}
	eph, err := a.openEphemeris()
	if err != nil {
		return err
	}
	problems := 0
	if err := eph.Verify(); err != nil {
		a.logger.Error("kernel set corrupt", "version", eph.Version(), "error", err)
		problems++
	}

	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	done, err := l.List(ctx, ledger.Filter{Statuses: []domain.JobStatus{domain.JobDone}})
	if err != nil {
		return err
	}
	for _, rec := range done {
		if err := lightcurve.Verify(rec.Output()); err != nil {
			a.logger.Error("output mismatch", "job_id", rec.JobID, "error", err)
			problems++
		}
	}

	events := 0
	if sl, ok := l.(*sqlledger.Ledger); ok {
		all, err := l.List(ctx, ledger.Filter{})
		if err != nil {
			return err
		}
		for _, rec := range all {
			stored, err := sl.Events(ctx, rec.JobID)
			if err != nil {
				return err
			}
			for _, ev := range stored {
				events++
				if err := ev.Verify(); err != nil {
					a.logger.Error("job event tampered", "job_id", rec.JobID, "error", err)
					problems++
				}
			}
		}
	}

	a.logger.Info("verify finished", "outputs", len(done), "events", events, "problems", problems)
	if problems > 0 {
		return fmt.Errorf("%w: %d problems", errVerifyFailed, problems)
	}
	return nil
}
