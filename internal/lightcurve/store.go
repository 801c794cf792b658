package lightcurve

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/danhey/photometry/internal/domain"
	"github.com/danhey/photometry/internal/platform/atomicfile"
)

const Extension = ".lc.json"

var (
	ErrOutputMissing  = errors.New("output missing")
	ErrOutputMismatch = errors.New("output does not match ledger")
)

type Output = domain.Output

// Store writes documents under <root>/<target>/<job_id>.lc.json.
type Store struct {
	root   string
	logger *slog.Logger
}

func NewStore(root string, logger *slog.Logger) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("output root is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: root, logger: logger}, nil
}

func (s *Store) Root() string {
	return s.root
}

// Key is the output location relative to the root, slash separated.
func Key(targetID string, r domain.TimeRange) string {
	return domain.SafeName(targetID) + "/" + domain.JobID(targetID, r) + Extension
}

func (s *Store) Path(targetID string, r domain.TimeRange) string {
	return filepath.Join(s.root, filepath.FromSlash(Key(targetID, r)))
}

// Write encodes doc and atomically replaces any previous file at its deterministic path.
func (s *Store) Write(ctx context.Context, doc Document) (Output, error) {
	return s.write(ctx, doc, "")
}

// Stage writes doc next to its deterministic path under a name unique to token. The returned
// output carries the staged location; the ledger moves it into place when the job completes.
func (s *Store) Stage(ctx context.Context, doc Document, token string) (Output, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Output{}, errors.New("staging token is required")
	}
	return s.write(ctx, doc, token)
}

// StagedPath is where Stage puts the document for (targetID, r) under token.
func (s *Store) StagedPath(targetID string, r domain.TimeRange, token string) string {
	path := s.Path(targetID, r)
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+domain.SafeName(token)+".staged")
}

func (s *Store) write(ctx context.Context, doc Document, token string) (Output, error) {
	if s == nil {
		return Output{}, errors.New("lightcurve store not initialized")
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	if err := doc.Validate(); err != nil {
		return Output{}, err
	}
	raw, err := atomicfile.MarshalStable(doc)
	if err != nil {
		return Output{}, fmt.Errorf("encode light curve: %w", err)
	}
	sum := sha256.Sum256(raw)
	out := Output{Path: s.Path(doc.TargetID, doc.Range), SHA256: hex.EncodeToString(sum[:]), Bytes: int64(len(raw))}
	dest := out.Path
	if token != "" {
		out.Staged = s.StagedPath(doc.TargetID, doc.Range, token)
		dest = out.Staged
	}
	if err := atomicfile.WriteFile(dest, raw, 0o644); err != nil {
		return Output{}, fmt.Errorf("write light curve %s: %w", dest, err)
	}
	s.logger.Debug("light curve written", "job_id", doc.JobID, "path", dest, "bytes", out.Bytes)
	return out, nil
}

// Verify checks that the file at out.Path has the recorded digest and length.
func Verify(out Output) error {
	f, err := os.Open(out.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrOutputMissing, out.Path)
		}
		return fmt.Errorf("open output: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return fmt.Errorf("read output: %w", err)
	}
	if n != out.Bytes {
		return fmt.Errorf("%w: %s has %d bytes, ledger records %d", ErrOutputMismatch, out.Path, n, out.Bytes)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != out.SHA256 {
		return fmt.Errorf("%w: %s sha256 %s, ledger records %s", ErrOutputMismatch, out.Path, got, out.SHA256)
	}
	return nil
}

// Read decodes and validates a stored document.
func Read(path string) (Document, error) {
	var doc Document
	if err := atomicfile.ReadJSONStrict(path, &doc); err != nil {
		return Document{}, fmt.Errorf("read light curve %s: %w", path, err)
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}
