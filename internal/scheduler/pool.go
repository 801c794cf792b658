package scheduler

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/danhey/photometry/internal/ledger"
)

// Pool runs independent workers in one process. They share the runner's read-only resources.
type Pool struct {
	workers []*Worker
	logger  *slog.Logger
}

func NewPool(size int, l ledger.Ledger, runner Runner, opts Options, logger *slog.Logger) (*Pool, error) {
	if size < 1 {
		return nil, errors.New("pool size must be >= 1")
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{logger: logger}
	for i := 0; i < size; i++ {
		w, err := NewWorker(l, runner, opts, logger)
		if err != nil {
			return nil, err
		}
		p.workers = append(p.workers, w)
	}
	return p, nil
}

func (p *Pool) Workers() []*Worker {
	if p == nil {
		return nil
	}
	return p.workers
}

// Run blocks until every worker returns. The first infrastructure failure cancels the others.
func (p *Pool) Run(ctx context.Context) error {
	if p == nil || len(p.workers) == 0 {
		return errors.New("pool not initialized")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	p.logger.Info("worker pool started", "workers", len(p.workers))
	err := g.Wait()
	if err != nil {
		p.logger.Error("worker pool stopped", "error", err)
		return err
	}
	p.logger.Info("worker pool finished", "workers", len(p.workers))
	return nil
}
