package lightcurve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/danhey/photometry/internal/platform/objectstore"
)

// Publisher mirrors written documents to object storage.
type Publisher struct {
	store  objectstore.Store
	cfg    objectstore.Config
	root   string
	logger *slog.Logger
}

func NewPublisher(store objectstore.Store, cfg objectstore.Config, root string, logger *slog.Logger) (*Publisher, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{store: store, cfg: cfg, root: root, logger: logger}, nil
}

// Publish uploads out under the same relative key it has on disk, tagged with its sha256, and
// checks the stored size and digest.
func (p *Publisher) Publish(ctx context.Context, out Output) (string, error) {
	if p == nil || p.store == nil {
		return "", errors.New("publisher not initialized")
	}
	rel, err := filepath.Rel(p.root, out.Path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("output %s is outside %s", out.Path, p.root)
	}
	key := p.cfg.Key(filepath.ToSlash(rel))

	src := out.Path
	if out.Staged != "" {
		src = out.Staged
	}
	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open output: %w", err)
	}
	defer f.Close()
	opts := objectstore.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"sha256": out.SHA256},
	}
	if err := p.store.Put(ctx, p.cfg.Bucket, key, f, out.Bytes, opts); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	info, err := p.store.Stat(ctx, p.cfg.Bucket, key)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", key, err)
	}
	if info.Size != out.Bytes {
		return "", fmt.Errorf("%w: object %s has %d bytes, wrote %d", ErrOutputMismatch, key, info.Size, out.Bytes)
	}
	if sum, ok := info.Metadata("sha256"); ok && sum != out.SHA256 {
		return "", fmt.Errorf("%w: object %s sha256 %s, wrote %s", ErrOutputMismatch, key, sum, out.SHA256)
	}
	p.logger.Info("light curve mirrored", "bucket", p.cfg.Bucket, "key", key, "bytes", out.Bytes)
	return key, nil
}
