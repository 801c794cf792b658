// Package pipeline runs one extraction job: load, mask, extract, correct and persist.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danhey/photometry/internal/aperture"
	"github.com/danhey/photometry/internal/detrend"
	"github.com/danhey/photometry/internal/domain"
	"github.com/danhey/photometry/internal/extract"
	"github.com/danhey/photometry/internal/ledger"
	"github.com/danhey/photometry/internal/lightcurve"
	"github.com/danhey/photometry/internal/stamp"
)

// ErrInfrastructure marks failures outside the job's own inputs: the catalog database, the output
// directory or the object store. Workers stop on them instead of charging the job an attempt.
var ErrInfrastructure = errors.New("infrastructure failure")

// Ephemeris is the read-only kernel set shared by every job in the process.
type Ephemeris interface {
	detrend.StateSource
	Version() string
}

type Targets interface {
	Target(ctx context.Context, id string) (domain.Target, error)
}

type Deps struct {
	Targets   Targets
	Stamps    *stamp.Loader
	Masks     *aperture.Cache
	Extractor extract.Extractor
	Corrector *detrend.Corrector
	Ephemeris Ephemeris
	Store     *lightcurve.Store
	// Publisher is optional.
	Publisher *lightcurve.Publisher
	Policy    aperture.Policy
	Sector    int
	Logger    *slog.Logger
}

type Pipeline struct {
	deps          Deps
	policyVersion string
	logger        *slog.Logger
}

func New(deps Deps) (*Pipeline, error) {
	if deps.Targets == nil {
		return nil, errors.New("target source is required")
	}
	if deps.Stamps == nil {
		return nil, errors.New("stamp loader is required")
	}
	if deps.Corrector == nil {
		return nil, errors.New("corrector is required")
	}
	if deps.Ephemeris == nil {
		return nil, errors.New("ephemeris is required")
	}
	if deps.Store == nil {
		return nil, errors.New("lightcurve store is required")
	}
	deps.Policy = deps.Policy.Normalized()
	if err := deps.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("aperture policy: %w", err)
	}
	if deps.Masks == nil {
		deps.Masks = aperture.NewCache(0)
	}
	if deps.Extractor.SaturationLevel <= 0 {
		deps.Extractor = extract.New(extract.DefaultSaturationLevel)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{deps: deps, policyVersion: deps.Policy.PolicyVersion(), logger: logger}, nil
}

// PolicyVersion is the aperture policy version stamped on every output.
func (p *Pipeline) PolicyVersion() string {
	if p == nil {
		return ""
	}
	return p.policyVersion
}

// Run processes the claimed record and returns the persisted output. The phases run strictly in
// order; the output path depends only on the job so reruns overwrite the same file. A record
// holding a lease gets its output staged for the ledger to commit; without one the document is
// written straight to its final path.
func (p *Pipeline) Run(ctx context.Context, rec domain.JobRecord) (domain.Output, error) {
	if p == nil {
		return domain.Output{}, errors.New("pipeline not initialized")
	}
	started := time.Now()
	logger := p.logger.With("job_id", rec.JobID, "attempt", rec.Attempt)

	target, err := p.deps.Targets.Target(ctx, rec.TargetID)
	if err != nil {
		if domain.KindOf(err) == domain.KindInternal {
			return domain.Output{}, fmt.Errorf("%w: catalog: %w", ErrInfrastructure, err)
		}
		return domain.Output{}, err
	}

	st, err := p.deps.Stamps.Load(ctx, target, rec.Range)
	if err != nil {
		return domain.Output{}, fmt.Errorf("load stamp: %w", err)
	}

	mask, err := p.deps.Masks.Select(st, p.deps.Policy)
	if err != nil {
		return domain.Output{}, fmt.Errorf("select aperture: %w", err)
	}

	raw, err := p.deps.Extractor.Extract(st, mask)
	if err != nil {
		return domain.Output{}, fmt.Errorf("extract: %w", err)
	}

	corrected, err := p.deps.Corrector.Correct(raw, target, p.deps.Ephemeris)
	if err != nil {
		return domain.Output{}, fmt.Errorf("correct: %w", err)
	}

	doc, err := lightcurve.NewDocument(rec.JobID, target, raw, corrected, mask, lightcurve.Processing{
		PolicyVersion:    p.policyVersion,
		ApertureMethod:   p.deps.Policy.Method,
		KernelSetVersion: p.deps.Ephemeris.Version(),
		StampFingerprint: st.Fingerprint(),
		Sector:           p.deps.Sector,
	})
	if err != nil {
		return domain.Output{}, fmt.Errorf("assemble document: %w", err)
	}

	var out domain.Output
	if rec.Lease != "" {
		out, err = p.deps.Store.Stage(ctx, doc, rec.Lease)
	} else {
		out, err = p.deps.Store.Write(ctx, doc)
	}
	if err != nil {
		return domain.Output{}, fmt.Errorf("%w: %w", ErrInfrastructure, err)
	}
	if p.deps.Publisher != nil {
		key, err := p.deps.Publisher.Publish(ctx, out)
		if err != nil {
			_ = ledger.DiscardOutput(out)
			return domain.Output{}, fmt.Errorf("%w: %w", ErrInfrastructure, err)
		}
		logger.Debug("light curve mirrored", "key", key)
	}

	logger.Info("job processed",
		"target_id", target.ID,
		"cadences", raw.Len(),
		"aperture_pixels", mask.Count(),
		"output", out.Path,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return out, nil
}
