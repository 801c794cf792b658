package objectstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danhey/photometry/internal/platform/env"
)

// Config locates the bucket light curves are mirrored to. An empty endpoint disables mirroring.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	Prefix    string
	// Timeout bounds dialing and the TLS handshake.
	Timeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("PHOTOMETRY_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	timeout, err := env.Duration("PHOTOMETRY_MINIO_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("PHOTOMETRY_MINIO_ENDPOINT", ""),
		AccessKey: env.String("PHOTOMETRY_MINIO_ACCESS_KEY", ""),
		SecretKey: env.String("PHOTOMETRY_MINIO_SECRET_KEY", ""),
		Region:    env.String("PHOTOMETRY_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("PHOTOMETRY_MINIO_BUCKET", "lightcurves"),
		Prefix:    env.String("PHOTOMETRY_MINIO_PREFIX", ""),
		Timeout:   timeout,
	}
	if !cfg.Enabled() {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if c.Timeout < 0 {
		return errors.New("timeout must be >= 0")
	}
	if strings.HasPrefix(c.Prefix, "/") {
		return fmt.Errorf("prefix must be relative: %q", c.Prefix)
	}
	return nil
}

// Key joins the configured prefix and name into an object key.
func (c Config) Key(name string) string {
	prefix := strings.Trim(strings.TrimSpace(c.Prefix), "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
