package stamp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danhey/photometry/internal/domain"
)

// Loader reads stamps from <root>/<target_id>/.
type Loader struct {
	root   string
	logger *slog.Logger
}

func NewLoader(root string, logger *slog.Logger) (*Loader, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("stamp root is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{root: root, logger: logger}, nil
}

// Dir returns the stamp directory of a target.
func (l *Loader) Dir(targetID string) string {
	return filepath.Join(l.root, domain.SafeName(targetID))
}

// Load reads the cadences of target that fall inside r.
func (l *Loader) Load(ctx context.Context, target domain.Target, r domain.TimeRange) (*Stamp, error) {
	if l == nil {
		return nil, errors.New("stamp loader not initialized")
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := l.Dir(target.ID)

	raw, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.MissingData("no stamp for target %s", target.ID)
		}
		return nil, fmt.Errorf("read stamp meta: %w", err)
	}
	meta, err := ParseMeta(raw)
	if err != nil {
		return nil, domain.CorruptStamp(err, "target %s", target.ID)
	}
	if meta.TargetID != target.ID {
		return nil, domain.CorruptStamp(nil, "stamp in %s belongs to %s, not %s", dir, meta.TargetID, target.ID)
	}

	first := sort.SearchFloat64s(meta.Times, r.Start)
	last := first
	for last < len(meta.Times) && meta.Times[last] <= r.End {
		last++
	}
	if first == last {
		return nil, domain.MissingData("target %s has no cadences in %s", target.ID, r)
	}

	frame := meta.frameSize()
	pixels, err := readPixels(filepath.Join(dir, filepath.Base(meta.pixelFile())), meta, first, last)
	if err != nil {
		return nil, err
	}
	flags, err := readFlags(filepath.Join(dir, filepath.Base(meta.flagsFile())), meta, first, last)
	if err != nil {
		return nil, err
	}

	s := &Stamp{
		TargetID:             target.ID,
		Range:                r,
		Rows:                 meta.Rows,
		Cols:                 meta.Cols,
		Times:                append([]float64(nil), meta.Times[first:last]...),
		Pixels:               pixels,
		Flags:                flags,
		ReadNoise:            meta.ReadNoise,
		BackgroundSubtracted: meta.BackgroundSubtracted,
		TargetRow:            float64(meta.Rows-1) / 2,
		TargetCol:            float64(meta.Cols-1) / 2,
	}
	if meta.HasData != nil {
		s.Present = append([]bool(nil), meta.HasData[first:last]...)
	}
	if meta.Quality != nil {
		s.Quality = append([]uint32(nil), meta.Quality[first:last]...)
	}
	if meta.TargetRow != nil && meta.TargetCol != nil {
		s.TargetRow, s.TargetCol = *meta.TargetRow, *meta.TargetCol
	}
	l.logger.Debug("stamp loaded", "target_id", target.ID, "cadences", last-first, "rows", meta.Rows, "cols", meta.Cols, "frame", frame)
	return s, nil
}

func readPixels(path string, meta Meta, first, last int) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.MissingData("pixel payload %s missing", path)
		}
		return nil, fmt.Errorf("open pixel payload: %w", err)
	}
	defer f.Close()

	frame := meta.frameSize()
	if err := checkSize(f, int64(meta.CadenceCount)*int64(frame)*4, path); err != nil {
		return nil, err
	}
	buf := make([]byte, (last-first)*frame*4)
	if _, err := f.ReadAt(buf, int64(first)*int64(frame)*4); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read pixel payload: %w", err)
	}
	out := make([]float64, (last-first)*frame)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:])))
	}
	if meta.HasData != nil {
		for k := first; k < last; k++ {
			if meta.HasData[k] {
				continue
			}
			cad := out[(k-first)*frame : (k-first+1)*frame]
			for i := range cad {
				cad[i] = math.NaN()
			}
		}
	}
	return out, nil
}

func readFlags(path string, meta Meta, first, last int) ([]uint8, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open pixel flags: %w", err)
	}
	defer f.Close()

	frame := meta.frameSize()
	if err := checkSize(f, int64(meta.CadenceCount)*int64(frame), path); err != nil {
		return nil, err
	}
	buf := make([]byte, (last-first)*frame)
	if _, err := f.ReadAt(buf, int64(first)*int64(frame)); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read pixel flags: %w", err)
	}
	return buf, nil
}

func checkSize(f *os.File, want int64, path string) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() != want {
		return domain.CorruptStamp(nil, "%s holds %d bytes, expected %d", filepath.Base(path), info.Size(), want)
	}
	return nil
}
