// Package scheduler drives workers over the shared ledger: claim, heartbeat, run, complete.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danhey/photometry/internal/domain"
	"github.com/danhey/photometry/internal/ledger"
	"github.com/danhey/photometry/internal/pipeline"
)

// Runner processes one claimed job.
type Runner interface {
	Run(ctx context.Context, rec domain.JobRecord) (domain.Output, error)
}

type RunnerFunc func(ctx context.Context, rec domain.JobRecord) (domain.Output, error)

func (f RunnerFunc) Run(ctx context.Context, rec domain.JobRecord) (domain.Output, error) {
	return f(ctx, rec)
}

type Options struct {
	// HeartbeatInterval must stay well below StaleTimeout.
	HeartbeatInterval time.Duration
	StaleTimeout      time.Duration
	// PollInterval is the wait between scans while other workers still hold running jobs.
	PollInterval time.Duration
	// ClaimBatch bounds how many pending records are listed per scan.
	ClaimBatch int
	// MaxJobs stops the worker after that many jobs; zero means no limit.
	MaxJobs int
}

func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 30 * time.Second,
		StaleTimeout:      5 * time.Minute,
		PollInterval:      10 * time.Second,
		ClaimBatch:        32,
	}
}

func (o Options) Validate() error {
	if o.HeartbeatInterval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	if o.StaleTimeout <= o.HeartbeatInterval {
		return fmt.Errorf("stale timeout %s must exceed heartbeat interval %s", o.StaleTimeout, o.HeartbeatInterval)
	}
	if o.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if o.ClaimBatch < 1 {
		return errors.New("claim batch must be >= 1")
	}
	if o.MaxJobs < 0 {
		return errors.New("max jobs must be >= 0")
	}
	return nil
}

type Worker struct {
	id     string
	ledger ledger.Ledger
	runner Runner
	opts   Options
	logger *slog.Logger
}

// NewWorker builds a worker with a fresh identity.
func NewWorker(l ledger.Ledger, runner Runner, opts Options, logger *slog.Logger) (*Worker, error) {
	if l == nil {
		return nil, errors.New("ledger is required")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := "worker-" + uuid.NewString()
	return &Worker{
		id:     id,
		ledger: l,
		runner: runner,
		opts:   opts,
		logger: logger.With("worker_id", id),
	}, nil
}

func (w *Worker) ID() string {
	if w == nil {
		return ""
	}
	return w.id
}

// Run claims and processes jobs until no pending or running work remains, MaxJobs is reached or
// ctx ends. A returned error is an infrastructure failure; per-job failures go to the ledger.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker not initialized")
	}
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if w.opts.MaxJobs > 0 && processed >= w.opts.MaxJobs {
			w.logger.Info("worker reached job limit", "jobs", processed)
			return nil
		}
		rec, ok, err := w.claimNext(ctx)
		if err != nil {
			return err
		}
		if ok {
			if err := w.process(ctx, rec); err != nil {
				return err
			}
			processed++
			continue
		}

		reclaimed, err := w.ledger.Sweep(ctx, w.opts.StaleTimeout)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		if len(reclaimed) > 0 {
			continue
		}
		running, err := w.ledger.List(ctx, ledger.Filter{Statuses: []domain.JobStatus{domain.JobRunning}, Limit: 1})
		if err != nil {
			return fmt.Errorf("list running: %w", err)
		}
		if len(running) == 0 {
			w.logger.Info("no work left", "jobs", processed)
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.opts.PollInterval):
		}
	}
}

// claimNext walks pending records page by page until one claim succeeds or none are left.
func (w *Worker) claimNext(ctx context.Context) (domain.JobRecord, bool, error) {
	filter := ledger.Filter{Statuses: []domain.JobStatus{domain.JobPending}, Limit: w.opts.ClaimBatch}
	for {
		pending, err := w.ledger.List(ctx, filter)
		if err != nil {
			return domain.JobRecord{}, false, fmt.Errorf("list pending: %w", err)
		}
		for _, candidate := range pending {
			if !candidate.Claimable() {
				continue
			}
			rec, err := w.ledger.Claim(ctx, candidate.JobID, w.id)
			if errors.Is(err, domain.ErrClaimConflict) {
				w.logger.Debug("claim lost", "job_id", candidate.JobID)
				continue
			}
			if err != nil {
				return domain.JobRecord{}, false, fmt.Errorf("claim %s: %w", candidate.JobID, err)
			}
			return rec, true, nil
		}
		if len(pending) < filter.Limit || ctx.Err() != nil {
			return domain.JobRecord{}, false, nil
		}
		filter.AfterJobID = pending[len(pending)-1].JobID
	}
}

func (w *Worker) process(ctx context.Context, rec domain.JobRecord) error {
	logger := w.logger.With("job_id", rec.JobID, "attempt", rec.Attempt)
	logger.Info("job claimed", "target_id", rec.TargetID)

	stop := w.heartbeat(ctx, rec, logger)
	out, runErr := w.runner.Run(ctx, rec)
	stop()

	if runErr != nil {
		if errors.Is(runErr, pipeline.ErrInfrastructure) {
			logger.Error("infrastructure failure, stopping worker", "error", runErr)
			return runErr
		}
		if ctx.Err() != nil {
			// Shutdown mid-job: the record stays running and is reclaimed once its heartbeat expires.
			return nil
		}
		kind := domain.KindOf(runErr)
		updated, err := w.ledger.Fail(ctx, rec.JobID, rec.Lease, domain.Failure{
			Kind:    kind,
			Message: runErr.Error(),
			Worker:  w.id,
		})
		if errors.Is(err, ledger.ErrLeaseLost) {
			logger.Warn("lease lost before failure was recorded", "kind", kind)
			return nil
		}
		if err != nil {
			return fmt.Errorf("record failure of %s: %w", rec.JobID, err)
		}
		logger.Warn("job failed", "kind", kind, "status", updated.Status, "error", runErr)
		return nil
	}

	if _, err := w.ledger.Complete(ctx, rec.JobID, rec.Lease, out); err != nil {
		if derr := ledger.DiscardOutput(out); derr != nil {
			logger.Warn("staged output not removed", "path", out.Staged, "error", derr)
		}
		if errors.Is(err, ledger.ErrLeaseLost) {
			logger.Warn("lease lost before completion", "output", out.Path)
			return nil
		}
		return fmt.Errorf("complete %s: %w", rec.JobID, err)
	}
	logger.Info("job done", "output", out.Path, "sha256", out.SHA256)
	return nil
}

// heartbeat refreshes the record until the returned stop function is called.
func (w *Worker) heartbeat(ctx context.Context, rec domain.JobRecord, logger *slog.Logger) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				err := w.ledger.Heartbeat(hbCtx, rec.JobID, rec.Lease)
				switch {
				case err == nil:
				case errors.Is(err, ledger.ErrLeaseLost):
					logger.Warn("heartbeat rejected, job was reclaimed")
					return
				case hbCtx.Err() != nil:
					return
				default:
					logger.Warn("heartbeat failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}
