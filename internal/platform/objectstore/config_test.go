package objectstore

import (
	"context"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:  "localhost:9000",
		AccessKey: "a",
		SecretKey: "b",
		Region:    "us-east-1",
		Bucket:    "lightcurves",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}

	invalid = valid
	invalid.Bucket = " "
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for empty bucket")
	}
}

func TestConfigFromEnvDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("PHOTOMETRY_MINIO_ENDPOINT", "")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Enabled() {
		t.Fatalf("Enabled()=true without endpoint")
	}
}

func TestConfigFromEnvRequiresCredentials(t *testing.T) {
	t.Setenv("PHOTOMETRY_MINIO_ENDPOINT", "minio:9000")
	t.Setenv("PHOTOMETRY_MINIO_ACCESS_KEY", "")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("ConfigFromEnv() expected error without access key")
	}
}

func TestKey(t *testing.T) {
	cases := []struct {
		prefix string
		want   string
	}{
		{"", "TIC-1/a.lc.json"},
		{"sector-14", "sector-14/TIC-1/a.lc.json"},
		{"sector-14/", "sector-14/TIC-1/a.lc.json"},
	}
	for _, tc := range cases {
		got := Config{Prefix: tc.prefix}.Key("TIC-1/a.lc.json")
		if got != tc.want {
			t.Fatalf("Key() prefix=%q got %q, want %q", tc.prefix, got, tc.want)
		}
	}
}

func TestObjectInfoMetadata(t *testing.T) {
	info := ObjectInfo{UserMetadata: map[string]string{"X-Amz-Meta-Sha256": "abc", "Job-Id": "j1"}}
	if v, ok := info.Metadata("sha256"); !ok || v != "abc" {
		t.Fatalf("Metadata(sha256)=%q,%v", v, ok)
	}
	if v, ok := info.Metadata("job-id"); !ok || v != "j1" {
		t.Fatalf("Metadata(job-id)=%q,%v", v, ok)
	}
	if _, ok := info.Metadata("missing"); ok {
		t.Fatalf("Metadata(missing) found")
	}
}

func TestNewMinioStore(t *testing.T) {
	if _, err := NewMinioStore(Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatalf("NewMinioStore() expected error without credentials")
	}
	store, err := NewMinioStore(Config{
		Endpoint:  "localhost:9000",
		AccessKey: "a",
		SecretKey: "b",
		Region:    "us-east-1",
		Bucket:    "lightcurves",
	})
	if err != nil {
		t.Fatalf("NewMinioStore() err=%v", err)
	}
	if store.client == nil {
		t.Fatalf("NewMinioStore() client not set")
	}

	var empty *MinioStore
	if _, err := empty.Stat(context.Background(), "b", "k"); err == nil {
		t.Fatalf("Stat() on nil store expected error")
	}
}
