package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danhey/photometry/internal/domain"
	"github.com/danhey/photometry/internal/scheduler"
	"github.com/danhey/photometry/internal/testutil"
)

// runDir lays out a complete run: catalog, stamps, kernel set and run file.
func runDir(t *testing.T, backend string) string {
	t.Helper()
	dir := t.TempDir()
	times := testutil.Times(1400, 0.02, 10)
	testutil.Catalog(t, filepath.Join(dir, "catalog.sqlite"), []domain.Target{
		{ID: "42", RA: 100.2, Dec: -30.1, Magnitude: 10},
		{ID: "43", RA: 100.3, Dec: -30.2, Magnitude: 16},
	}, 14)
	testutil.Stamp(t, filepath.Join(dir, "stamps"), testutil.SingleSource("42", times))
	faint := testutil.SingleSource("43", times)
	faint.Sources = map[[2]int]float64{{4, 5}: 20}
	testutil.Stamp(t, filepath.Join(dir, "stamps"), faint)

	kernels := filepath.Join(dir, "kernels")
	if err := os.MkdirAll(kernels, 0o755); err != nil {
		t.Fatalf("MkdirAll() err=%v", err)
	}
	testutil.KernelSet(t, kernels, domain.TimeRange{Start: 1399, End: 1401}, 0.01, nil)

	ledgerPath := "ledger"
	if backend == "sqlite" {
		ledgerPath = "ledger.db"
	}
	cfg := fmt.Sprintf(`catalog: catalog.sqlite
stamps: stamps
kernels: kernels
output: out
targets: ["42", "43", "99"]
ranges:
  - start: 1400
    end: 1400.3
max_attempts: 2
ledger:
  backend: %s
  path: %s
scheduler:
  workers: 2
  poll_interval: 10ms
log:
  level: warn
`, backend, ledgerPath)
	if err := os.WriteFile(filepath.Join(dir, "run.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatalf("WriteFile() err=%v", err)
	}
	return dir
}

func invoke(t *testing.T, dir string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{args[0], "-config", filepath.Join(dir, "run.yaml")}, args[1:]...)
	code := run(full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunLifecycle(t *testing.T) {
	for _, backend := range []string{"fs", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			dir := runDir(t, backend)
			t.Setenv("PHOTOMETRY_MINIO_ENDPOINT", "")

			if code, _, stderr := invoke(t, dir, "partition"); code != 0 {
				t.Fatalf("partition exit=%d stderr=%s", code, stderr)
			}
			if code, _, stderr := invoke(t, dir, "report", "-require-complete"); code != 1 {
				t.Fatalf("report before work exit=%d stderr=%s", code, stderr)
			}
			if code, _, stderr := invoke(t, dir, "work"); code != 0 {
				t.Fatalf("work exit=%d stderr=%s", code, stderr)
			}

			code, stdout, stderr := invoke(t, dir, "report", "-require-complete")
			if code != 0 {
				t.Fatalf("report exit=%d stderr=%s", code, stderr)
			}
			var report scheduler.Report
			if err := json.Unmarshal([]byte(stdout), &report); err != nil {
				t.Fatalf("decode report: %v\n%s", err, stdout)
			}
			status := map[string]scheduler.ReportEntry{}
			for _, e := range report.Entries {
				status[e.TargetID] = e
			}
			if e := status["42"]; e.Status != string(domain.JobDone) || e.Output == "" {
				t.Fatalf("target 42=%+v", e)
			}
			if e := status["43"]; e.Status != string(domain.JobFailed) || e.Kind != domain.KindInsufficientSignal || e.Attempts != 2 {
				t.Fatalf("target 43=%+v", e)
			}
			if e := status["99"]; e.Status != string(domain.JobFailed) || e.Kind != domain.KindMissingData {
				t.Fatalf("target 99=%+v", e)
			}

			if code, _, stderr := invoke(t, dir, "verify"); code != 0 {
				t.Fatalf("verify exit=%d stderr=%s", code, stderr)
			}
			if err := os.WriteFile(status["42"].Output, []byte("{}"), 0o644); err != nil {
				t.Fatalf("WriteFile() err=%v", err)
			}
			if code, _, stderr := invoke(t, dir, "verify"); code != 1 || !strings.Contains(stderr, "output mismatch") {
				t.Fatalf("verify after tamper exit=%d stderr=%s", code, stderr)
			}

			if code, _, stderr := invoke(t, dir, "sweep"); code != 0 {
				t.Fatalf("sweep exit=%d stderr=%s", code, stderr)
			}
		})
	}
}

func TestRunUsageErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(nil, &stdout, &stderr); code != 2 || !strings.Contains(stderr.String(), "usage") {
		t.Fatalf("run() exit=%d stderr=%s", code, stderr.String())
	}
	if code := run([]string{"extract"}, &stdout, &stderr); code != 2 {
		t.Fatalf("run(extract) exit=%d", code)
	}
	if code := run([]string{"sweep", "-config", filepath.Join(t.TempDir(), "missing.yaml")}, &stdout, &stderr); code != 2 {
		t.Fatalf("run(sweep) with missing config exit=%d", code)
	}
	dir := runDir(t, "fs")
	if code, _, _ := invoke(t, dir, "sweep", "extra"); code != 2 {
		t.Fatalf("sweep with extra args exit=%d", code)
	}
}
