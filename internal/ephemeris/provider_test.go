package ephemeris

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/danhey/photometry/internal/domain"
)

func writeKernelSet(t *testing.T, dir string, segments map[string][]State, tamper string) {
	t.Helper()
	var manifest strings.Builder
	manifest.WriteString("version = \"test-1\"\n")
	for name, records := range segments {
		payload := EncodeSegment(records)
		sum := sha256.Sum256(payload)
		if name == tamper {
			payload[len(payload)-1] ^= 0xff
		}
		file := name + ".bin"
		if err := os.WriteFile(filepath.Join(dir, file), payload, 0o644); err != nil {
			t.Fatalf("write segment: %v", err)
		}
		fmt.Fprintf(&manifest, "segment %q {\n  file = \"${kernel_dir}/%s\"\n  start = %v\n  end = %v\n  sha256 = %q\n}\n",
			name, file, records[0].Time, records[len(records)-1].Time, hex.EncodeToString(sum[:]))
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestName), []byte(manifest.String()), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func linearRecords(start, end float64, n int) []State {
	out := make([]State, n)
	for i := range out {
		tt := start + (end-start)*float64(i)/float64(n-1)
		out[i] = State{
			Time:     tt,
			Position: [3]float64{tt, 2 * tt, 0},
			RA:       100 + 0.01*(tt-start),
			Dec:      -30,
			Roll:     359.99 + 0.02*(tt-start),
		}
	}
	return out
}

func TestStateAtInterpolates(t *testing.T) {
	dir := t.TempDir()
	writeKernelSet(t, dir, map[string][]State{"a": linearRecords(0, 10, 11)}, "")
	p, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	defer p.Close()

	if p.Version() != "test-1" {
		t.Fatalf("Version()=%q", p.Version())
	}
	s, err := p.StateAt(2.5)
	if err != nil {
		t.Fatalf("StateAt() err=%v", err)
	}
	if math.Abs(s.Position[0]-2.5) > 1e-12 || math.Abs(s.Position[1]-5) > 1e-12 {
		t.Fatalf("unexpected position %v", s.Position)
	}
	if math.Abs(s.RA-100.025) > 1e-9 {
		t.Fatalf("unexpected ra %v", s.RA)
	}
	// roll crosses 360 between records and must not swing through 180.
	if s.Roll > 0.1 && s.Roll < 359.9 {
		t.Fatalf("roll interpolated the long way: %v", s.Roll)
	}
}

func TestStateAtGap(t *testing.T) {
	dir := t.TempDir()
	writeKernelSet(t, dir, map[string][]State{
		"a": linearRecords(0, 10, 11),
		"b": linearRecords(20, 30, 11),
	}, "")
	p, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	defer p.Close()

	for _, tt := range []float64{-1, 15, 31, math.NaN()} {
		_, err := p.StateAt(tt)
		if !errors.Is(err, domain.ErrKernelGap) {
			t.Fatalf("StateAt(%v) err=%v, want kernel gap", tt, err)
		}
	}
	if _, err := p.StateAt(25); err != nil {
		t.Fatalf("StateAt(25) err=%v", err)
	}
	if cov := p.Coverage(); cov.Start != 0 || cov.End != 30 {
		t.Fatalf("Coverage()=%+v", cov)
	}
}

func TestStateAtCorruptSegment(t *testing.T) {
	dir := t.TempDir()
	writeKernelSet(t, dir, map[string][]State{
		"good": linearRecords(0, 10, 11),
		"bad":  linearRecords(20, 30, 11),
	}, "bad")
	p, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	defer p.Close()

	if _, err := p.StateAt(5); err != nil {
		t.Fatalf("StateAt(5) err=%v", err)
	}
	if _, err := p.StateAt(25); !errors.Is(err, domain.ErrKernelCorrupt) {
		t.Fatalf("StateAt(25) err=%v, want kernel corrupt", err)
	}
	if err := p.Verify(); !errors.Is(err, domain.ErrKernelCorrupt) {
		t.Fatalf("Verify() err=%v, want kernel corrupt", err)
	}
}

func TestDecodeSegmentRejectsBadPayloads(t *testing.T) {
	spec := SegmentSpec{Name: "x", Start: 0, End: 2}
	if _, err := DecodeSegment(spec, make([]byte, RecordSize+3)); !errors.Is(err, domain.ErrKernelCorrupt) {
		t.Fatalf("expected size error, got %v", err)
	}
	backwards := EncodeSegment([]State{{Time: 2}, {Time: 1}})
	if _, err := DecodeSegment(spec, backwards); !errors.Is(err, domain.ErrKernelCorrupt) {
		t.Fatalf("expected ordering error, got %v", err)
	}
	short := EncodeSegment([]State{{Time: 0}, {Time: 1}})
	if _, err := DecodeSegment(spec, short); !errors.Is(err, domain.ErrKernelCorrupt) {
		t.Fatalf("expected coverage error, got %v", err)
	}
}

func TestParseManifestRejectsOverlap(t *testing.T) {
	sha := strings.Repeat("a", 64)
	src := fmt.Sprintf(`
version = "v"
segment "one" {
  file = "one.bin"
  start = 0
  end = 10
  sha256 = %q
}
segment "two" {
  file = "two.bin"
  start = 5
  end = 12
  sha256 = %q
}
`, sha, sha)
	if _, err := ParseManifest([]byte(src), "kernelset.hcl", "/k"); err == nil {
		t.Fatalf("expected overlap error")
	}
}

func TestParseManifestResolvesPaths(t *testing.T) {
	sha := strings.Repeat("b", 64)
	src := fmt.Sprintf(`
version = "v2"
segment "late" {
  file = "late.bin"
  start = 10
  end = 20
  sha256 = %q
}
segment "early" {
  file = "${kernel_dir}/early.bin"
  start = 0
  end = 10
  sha256 = %q
}
`, sha, sha)
	m, err := ParseManifest([]byte(src), "kernelset.hcl", "/k")
	if err != nil {
		t.Fatalf("ParseManifest() err=%v", err)
	}
	if m.Segments[0].Name != "early" || m.Segments[0].Path != "/k/early.bin" {
		t.Fatalf("unexpected first segment %+v", m.Segments[0])
	}
	if m.Segments[1].Path != filepath.Join("/k", "late.bin") {
		t.Fatalf("unexpected second path %q", m.Segments[1].Path)
	}
}

func TestProviderConcurrentReads(t *testing.T) {
	dir := t.TempDir()
	writeKernelSet(t, dir, map[string][]State{"a": linearRecords(0, 10, 101)}, "")
	p, err := Open(dir, WithCacheSize(8))
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	defer p.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				tt := float64((i+w)%100) / 10
				s, err := p.StateAt(tt)
				if err != nil {
					errs <- err
					return
				}
				if math.Abs(s.Position[0]-tt) > 1e-9 {
					errs <- fmt.Errorf("t=%v position %v", tt, s.Position[0])
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent StateAt err=%v", err)
	}
}

func TestClosedProvider(t *testing.T) {
	dir := t.TempDir()
	writeKernelSet(t, dir, map[string][]State{"a": linearRecords(0, 10, 11)}, "")
	p, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	if _, err := p.StateAt(1); !errors.Is(err, ErrClosed) {
		t.Fatalf("StateAt() after close err=%v", err)
	}
}
