package stamp

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/danhey/photometry/internal/domain"
)

// Write stores a stamp in the on-disk layout read by Loader. flags may be nil.
func Write(root string, meta Meta, pixels []float32, flags []uint8) error {
	if meta.Schema == "" {
		meta.Schema = MetaSchemaV1
	}
	if meta.CadenceCount == 0 {
		meta.CadenceCount = len(meta.Times)
	}
	if err := meta.Validate(); err != nil {
		return err
	}
	frame := meta.frameSize()
	if len(pixels) != meta.CadenceCount*frame {
		return fmt.Errorf("pixels hold %d values, expected %d", len(pixels), meta.CadenceCount*frame)
	}
	if flags != nil && len(flags) != meta.CadenceCount*frame {
		return fmt.Errorf("flags hold %d values, expected %d", len(flags), meta.CadenceCount*frame)
	}

	dir := filepath.Join(root, domain.SafeName(meta.TargetID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create stamp dir: %w", err)
	}
	buf := make([]byte, len(pixels)*4)
	for i, v := range pixels {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	if err := os.WriteFile(filepath.Join(dir, meta.pixelFile()), buf, 0o644); err != nil {
		return fmt.Errorf("write pixels: %w", err)
	}
	if flags != nil {
		if err := os.WriteFile(filepath.Join(dir, meta.flagsFile()), flags, 0o644); err != nil {
			return fmt.Errorf("write flags: %w", err)
		}
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, MetaFile), append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}
