package lightcurve

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danhey/photometry/internal/aperture"
	"github.com/danhey/photometry/internal/domain"
	"github.com/danhey/photometry/internal/platform/objectstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleDocument(t *testing.T) Document {
	t.Helper()
	target := domain.Target{ID: "TIC 5", RA: 120, Dec: -45, Magnitude: 9.5}
	r := domain.TimeRange{Start: 1325.5, End: 1326}
	raw := domain.Series{TargetID: target.ID, Range: r, Variant: domain.SeriesRaw}
	for k := 0; k < 4; k++ {
		raw.Points = append(raw.Points, domain.Point{Time: 1325.5 + float64(k)*0.1, Flux: 1000 + float64(k), FluxErr: 31.7})
	}
	raw.Points[2].Flux = math.NaN()
	raw.Points[2].FluxErr = math.NaN()
	raw.Points[2].Quality = domain.QualityGap
	corrected := raw.Clone(domain.SeriesCorrected)
	corrected.Points[3].Quality |= domain.QualityOutlier

	mask := aperture.NewMask(3, 3)
	mask.Pixels[4] = true
	doc, err := NewDocument(domain.JobID(target.ID, r), target, raw, corrected, mask, Processing{
		PolicyVersion:    "v1",
		ApertureMethod:   aperture.MethodFixedThreshold,
		KernelSetVersion: "k1",
	})
	if err != nil {
		t.Fatalf("NewDocument() err=%v", err)
	}
	return doc
}

func TestWriteIsDeterministic(t *testing.T) {
	store, err := NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewStore() err=%v", err)
	}
	first, err := store.Write(context.Background(), sampleDocument(t))
	if err != nil {
		t.Fatalf("Write() err=%v", err)
	}
	firstBytes, _ := os.ReadFile(first.Path)
	second, err := store.Write(context.Background(), sampleDocument(t))
	if err != nil {
		t.Fatalf("Write() err=%v", err)
	}
	secondBytes, _ := os.ReadFile(second.Path)
	if first != second || !bytes.Equal(firstBytes, secondBytes) {
		t.Fatalf("rewrite changed output: %+v vs %+v", first, second)
	}
	want := filepath.Join(store.Root(), "TIC-5", "TIC-5_1325.5000_1326.0000.lc.json")
	if first.Path != want {
		t.Fatalf("Path=%q, want %q", first.Path, want)
	}
	if !bytes.Contains(firstBytes, []byte("null")) {
		t.Fatalf("gap flux not encoded as null")
	}

}

func TestStageLeavesFinalPathAlone(t *testing.T) {
	store, _ := NewStore(t.TempDir(), testLogger())
	written, err := store.Write(context.Background(), sampleDocument(t))
	if err != nil {
		t.Fatalf("Write() err=%v", err)
	}
	if err := os.WriteFile(written.Path, []byte("previous"), 0o644); err != nil {
		t.Fatalf("WriteFile() err=%v", err)
	}

	staged, err := store.Stage(context.Background(), sampleDocument(t), "lease-1")
	if err != nil {
		t.Fatalf("Stage() err=%v", err)
	}
	if staged.Path != written.Path || staged.SHA256 != written.SHA256 || staged.Bytes != written.Bytes {
		t.Fatalf("Stage()=%+v, want same identity as %+v", staged, written)
	}
	if staged.Staged != store.StagedPath("TIC 5", domain.TimeRange{Start: 1325.5, End: 1326}, "lease-1") {
		t.Fatalf("Staged=%q", staged.Staged)
	}
	if got, _ := os.ReadFile(staged.Path); string(got) != "previous" {
		t.Fatalf("Stage() touched the final path")
	}
	stagedBytes, err := os.ReadFile(staged.Staged)
	if err != nil || int64(len(stagedBytes)) != staged.Bytes {
		t.Fatalf("staged file len=%d err=%v", len(stagedBytes), err)
	}
	if _, err := store.Stage(context.Background(), sampleDocument(t), " "); err == nil {
		t.Fatalf("Stage() expected error without token")
	}
}

func TestVerify(t *testing.T) {
	store, _ := NewStore(t.TempDir(), testLogger())
	out, err := store.Write(context.Background(), sampleDocument(t))
	if err != nil {
		t.Fatalf("Write() err=%v", err)
	}
	if err := Verify(out); err != nil {
		t.Fatalf("Verify() err=%v", err)
	}

	short := out
	short.Bytes--
	if err := Verify(short); !errors.Is(err, ErrOutputMismatch) {
		t.Fatalf("Verify() err=%v, want mismatch", err)
	}

	raw, _ := os.ReadFile(out.Path)
	raw[len(raw)-2] = ' '
	if err := os.WriteFile(out.Path, raw, 0o644); err != nil {
		t.Fatalf("WriteFile() err=%v", err)
	}
	if err := Verify(out); !errors.Is(err, ErrOutputMismatch) {
		t.Fatalf("Verify() err=%v, want mismatch", err)
	}

	if err := os.Remove(out.Path); err != nil {
		t.Fatalf("Remove() err=%v", err)
	}
	if err := Verify(out); !errors.Is(err, ErrOutputMissing) {
		t.Fatalf("Verify() err=%v, want missing", err)
	}
}

func TestReadRestoresSeries(t *testing.T) {
	store, _ := NewStore(t.TempDir(), testLogger())
	out, err := store.Write(context.Background(), sampleDocument(t))
	if err != nil {
		t.Fatalf("Write() err=%v", err)
	}
	doc, err := Read(out.Path)
	if err != nil {
		t.Fatalf("Read() err=%v", err)
	}
	corrected := doc.Series(domain.SeriesCorrected)
	if corrected.Len() != 4 {
		t.Fatalf("Len()=%d, want 4", corrected.Len())
	}
	if !math.IsNaN(corrected.Points[2].Flux) || corrected.Points[2].Quality != domain.QualityGap {
		t.Fatalf("gap cadence lost: %+v", corrected.Points[2])
	}
	if !corrected.Points[3].Quality.Has(domain.QualityOutlier) {
		t.Fatalf("outlier flag lost")
	}
	if doc.Series(domain.SeriesRaw).Points[3].Quality.Has(domain.QualityOutlier) {
		t.Fatalf("raw series carries outlier flag")
	}
	if doc.Aperture.Pixels[0] != [2]int{1, 1} {
		t.Fatalf("aperture=%v", doc.Aperture.Pixels)
	}
}

func TestNewDocumentRejectsMisalignedSeries(t *testing.T) {
	raw := domain.Series{Points: []domain.Point{{Time: 1}, {Time: 2}}}
	corrected := domain.Series{Points: []domain.Point{{Time: 1}}}
	if _, err := NewDocument("j", domain.Target{ID: "t"}, raw, corrected, aperture.NewMask(1, 1), Processing{}); err == nil {
		t.Fatalf("NewDocument() expected error")
	}
}

type memoryStore struct {
	objects  map[string][]byte
	metadata map[string]map[string]string
	short    bool
	badSum   bool
}

func (m *memoryStore) Put(_ context.Context, bucket, key string, body io.Reader, _ int64, opts objectstore.PutOptions) error {
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if m.short {
		b = b[:len(b)-1]
	}
	meta := map[string]string{}
	for k, v := range opts.Metadata {
		meta["X-Amz-Meta-"+strings.ToUpper(k[:1])+k[1:]] = v
	}
	if m.badSum {
		meta["X-Amz-Meta-Sha256"] = "0000"
	}
	m.objects[bucket+"/"+key] = b
	m.metadata[bucket+"/"+key] = meta
	return nil
}

func (m *memoryStore) Stat(_ context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	b, ok := m.objects[bucket+"/"+key]
	if !ok {
		return objectstore.ObjectInfo{}, errors.New("not found")
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(b)), UserMetadata: m.metadata[bucket+"/"+key]}, nil
}

func TestPublisher(t *testing.T) {
	store, _ := NewStore(t.TempDir(), testLogger())
	out, err := store.Write(context.Background(), sampleDocument(t))
	if err != nil {
		t.Fatalf("Write() err=%v", err)
	}
	mem := &memoryStore{objects: map[string][]byte{}, metadata: map[string]map[string]string{}}
	pub, err := NewPublisher(mem, objectstore.Config{Bucket: "lc", Prefix: "s14"}, store.Root(), testLogger())
	if err != nil {
		t.Fatalf("NewPublisher() err=%v", err)
	}
	key, err := pub.Publish(context.Background(), out)
	if err != nil {
		t.Fatalf("Publish() err=%v", err)
	}
	if key != "s14/TIC-5/TIC-5_1325.5000_1326.0000.lc.json" {
		t.Fatalf("key=%q", key)
	}
	if int64(len(mem.objects["lc/"+key])) != out.Bytes {
		t.Fatalf("mirrored %d bytes, want %d", len(mem.objects["lc/"+key]), out.Bytes)
	}

	if meta := mem.metadata["lc/"+key]; meta["X-Amz-Meta-Sha256"] != out.SHA256 {
		t.Fatalf("mirrored metadata %v, want sha256 %s", meta, out.SHA256)
	}

	mem.badSum = true
	if _, err := pub.Publish(context.Background(), out); !errors.Is(err, ErrOutputMismatch) {
		t.Fatalf("Publish() err=%v, want digest mismatch", err)
	}
	mem.badSum = false

	mem.short = true
	if _, err := pub.Publish(context.Background(), out); !errors.Is(err, ErrOutputMismatch) {
		t.Fatalf("Publish() err=%v, want mismatch", err)
	}

	mem.short = false
	if err := os.Remove(out.Path); err != nil {
		t.Fatalf("Remove() err=%v", err)
	}
	staged, err := store.Stage(context.Background(), sampleDocument(t), "lease-9")
	if err != nil {
		t.Fatalf("Stage() err=%v", err)
	}
	if stagedKey, err := pub.Publish(context.Background(), staged); err != nil || stagedKey != key {
		t.Fatalf("Publish() staged key=%q err=%v, want %q", stagedKey, err, key)
	}

	outside := out
	outside.Path = filepath.Join(t.TempDir(), "x.lc.json")
	if _, err := pub.Publish(context.Background(), outside); err == nil || !strings.Contains(err.Error(), "outside") {
		t.Fatalf("Publish() err=%v, want outside root", err)
	}
}
