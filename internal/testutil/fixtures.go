// Package testutil builds synthetic kernel sets and pixel stamps for tests.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danhey/photometry/internal/domain"
	"github.com/danhey/photometry/internal/ephemeris"
	"github.com/danhey/photometry/internal/platform/sqlite"
	"github.com/danhey/photometry/internal/stamp"
)

// Pointing returns boresight RA, Dec and roll at time t.
type Pointing func(t float64) (ra, dec, roll float64)

// SteadyPointing is a fixed boresight at RA 100, Dec -30, roll 10.
func SteadyPointing(float64) (float64, float64, float64) {
	return 100, -30, 10
}

// KernelSet writes a one-segment kernel set sampling pointing every step days over r.
func KernelSet(t *testing.T, dir string, r domain.TimeRange, step float64, pointing Pointing) {
	t.Helper()
	if pointing == nil {
		pointing = SteadyPointing
	}
	n := int(math.Ceil((r.End-r.Start)/step)) + 1
	records := make([]ephemeris.State, n)
	for i := range records {
		tt := math.Min(r.Start+float64(i)*step, r.End)
		ra, dec, roll := pointing(tt)
		records[i] = ephemeris.State{Time: tt, Position: [3]float64{tt, 0, 0}, RA: ra, Dec: dec, Roll: roll}
	}
	if n > 1 && records[n-1].Time == records[n-2].Time {
		records = records[:n-1]
	}
	payload := ephemeris.EncodeSegment(records)
	sum := sha256.Sum256(payload)
	if err := os.WriteFile(filepath.Join(dir, "seg0.bin"), payload, 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}
	manifest := fmt.Sprintf("version = \"synthetic-1\"\n\nsegment \"seg0\" {\n  file   = \"${kernel_dir}/seg0.bin\"\n  start  = %v\n  end    = %v\n  sha256 = %q\n}\n",
		records[0].Time, records[len(records)-1].Time, hex.EncodeToString(sum[:]))
	if err := os.WriteFile(filepath.Join(dir, ephemeris.ManifestName), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

// StampSpec describes a synthetic stamp: a flat background plus point sources.
type StampSpec struct {
	TargetID   string
	Rows, Cols int
	Times      []float64
	Background float64
	Sources    map[[2]int]float64
	ReadNoise  float64
	// Frame, when set, overrides pixel values cadence by cadence.
	Frame func(k, row, col int, v float64) float64
	HasData []bool
	Quality []uint32
	Flags   []uint8
}

// Times returns n cadences starting at start spaced by step days.
func Times(start, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

// Stamp writes spec under root in the loader's layout.
func Stamp(t *testing.T, root string, spec StampSpec) {
	t.Helper()
	frame := spec.Rows * spec.Cols
	pixels := make([]float32, len(spec.Times)*frame)
	for k := range spec.Times {
		for row := 0; row < spec.Rows; row++ {
			for col := 0; col < spec.Cols; col++ {
				v := spec.Background + spec.Sources[[2]int{row, col}]
				if spec.Frame != nil {
					v = spec.Frame(k, row, col, v)
				}
				pixels[k*frame+row*spec.Cols+col] = float32(v)
			}
		}
	}
	meta := stamp.Meta{
		TargetID:  spec.TargetID,
		Rows:      spec.Rows,
		Cols:      spec.Cols,
		Times:     spec.Times,
		HasData:   spec.HasData,
		Quality:   spec.Quality,
		ReadNoise: spec.ReadNoise,
	}
	if err := stamp.Write(root, meta, pixels, spec.Flags); err != nil {
		t.Fatalf("write stamp: %v", err)
	}
}

// SingleSource is the canonical 10x10 stamp: a 1000 source in one pixel over a background of 10.
func SingleSource(targetID string, times []float64) StampSpec {
	return StampSpec{
		TargetID:   targetID,
		Rows:       10,
		Cols:       10,
		Times:      times,
		Background: 10,
		Sources:    map[[2]int]float64{{4, 5}: 1000},
	}
}

// Catalog writes a target catalog at path. Target ids must be integers. A positive sector adds
// the settings table.
func Catalog(t *testing.T, path string, targets []domain.Target, sector int) {
	t.Helper()
	db, err := sqlite.Open(context.Background(), sqlite.Config{Path: path, BusyTimeout: time.Second})
	if err != nil {
		t.Fatalf("sqlite.Open() err=%v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE targets (starid INTEGER PRIMARY KEY, ra REAL NOT NULL, decl REAL NOT NULL, tmag REAL NOT NULL)`); err != nil {
		t.Fatalf("create targets: %v", err)
	}
	for _, target := range targets {
		if _, err := db.Exec(`INSERT INTO targets VALUES (?, ?, ?, ?)`, target.ID, target.RA, target.Dec, target.Magnitude); err != nil {
			t.Fatalf("insert target %s: %v", target.ID, err)
		}
	}
	if sector > 0 {
		if _, err := db.Exec(`CREATE TABLE settings (sector INTEGER, reference_time REAL, camera_centre_ra REAL, camera_centre_dec REAL)`); err != nil {
			t.Fatalf("create settings: %v", err)
		}
		if _, err := db.Exec(`INSERT INTO settings VALUES (?, 1696.39, 272.5, 64.1)`, sector); err != nil {
			t.Fatalf("insert settings: %v", err)
		}
	}
}
