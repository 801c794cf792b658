package ephemeris

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/danhey/photometry/internal/domain"
)

var ErrClosed = errors.New("ephemeris provider closed")

const defaultCacheSize = 1 << 16

// Provider resolves spacecraft state from one kernel set. It is safe for concurrent use.
// Open it once per process and Close it at shutdown.
type Provider struct {
	dir      string
	version  string
	segments []*segment
	logger   *slog.Logger

	mu        sync.RWMutex
	closed    bool
	cache     map[uint64]State
	cacheSize int
}

type Option func(*Provider)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithCacheSize(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.cacheSize = n
		}
	}
}

// Open reads the manifest of the kernel set in dir. Segment payloads load lazily on first use.
func Open(dir string, opts ...Option) (*Provider, error) {
	if dir == "" {
		return nil, errors.New("kernel directory is required")
	}
	manifestPath := filepath.Join(dir, ManifestName)
	src, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read kernel manifest: %w", err)
	}
	manifest, err := ParseManifest(src, manifestPath, dir)
	if err != nil {
		return nil, err
	}
	return NewProvider(dir, manifest, opts...), nil
}

// NewProvider builds a provider from an already parsed manifest.
func NewProvider(dir string, manifest Manifest, opts ...Option) *Provider {
	p := &Provider{
		dir:       dir,
		version:   manifest.Version,
		logger:    slog.Default(),
		cache:     make(map[uint64]State),
		cacheSize: defaultCacheSize,
	}
	for _, seg := range manifest.Segments {
		p.segments = append(p.segments, &segment{spec: seg})
	}
	for _, o := range opts {
		o(p)
	}
	p.logger.Info("kernel set opened", "dir", dir, "version", p.version, "segments", len(p.segments))
	return p
}

// Version is the kernel-set version recorded in light-curve metadata.
func (p *Provider) Version() string {
	if p == nil {
		return ""
	}
	return p.version
}

// Coverage returns the declared time span of the kernel set.
func (p *Provider) Coverage() domain.TimeRange {
	if p == nil || len(p.segments) == 0 {
		return domain.TimeRange{}
	}
	return domain.TimeRange{
		Start: p.segments[0].spec.Start,
		End:   p.segments[len(p.segments)-1].spec.End,
	}
}

// StateAt returns the interpolated state at t.
func (p *Provider) StateAt(t float64) (State, error) {
	if p == nil {
		return State{}, errors.New("ephemeris provider not initialized")
	}
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return State{}, domain.KernelGap("time %v is not finite", t)
	}
	key := math.Float64bits(t)

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return State{}, ErrClosed
	}
	if s, ok := p.cache[key]; ok {
		p.mu.RUnlock()
		return s, nil
	}
	p.mu.RUnlock()

	seg := p.segmentFor(t)
	if seg == nil {
		return State{}, domain.KernelGap("no segment of kernel set %s covers t=%v", p.version, t)
	}
	records, err := seg.load()
	if err != nil {
		return State{}, err
	}
	s := interpolate(records, t)

	p.mu.Lock()
	if !p.closed {
		if len(p.cache) >= p.cacheSize {
			p.cache = make(map[uint64]State, p.cacheSize)
		}
		p.cache[key] = s
	}
	p.mu.Unlock()
	return s, nil
}

// Verify loads every segment and checks its integrity.
func (p *Provider) Verify() error {
	if p == nil {
		return errors.New("ephemeris provider not initialized")
	}
	var errs []error
	for _, seg := range p.segments {
		if _, err := seg.load(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close drops cached state. Further queries fail with ErrClosed.
func (p *Provider) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.cache = nil
	p.logger.Info("kernel set closed", "version", p.version)
	return nil
}

func (p *Provider) segmentFor(t float64) *segment {
	i := sort.Search(len(p.segments), func(i int) bool {
		return p.segments[i].spec.End >= t
	})
	if i == len(p.segments) {
		return nil
	}
	seg := p.segments[i]
	if t < seg.spec.Start {
		return nil
	}
	return seg
}
