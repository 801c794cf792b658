package aperture

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	MethodFixedThreshold = "fixed-threshold"
	MethodOptimalSNR     = "optimal-snr"
)

// Policy configures mask selection. Masks are cached per Version().
type Policy struct {
	Version   string  `json:"version,omitempty" yaml:"version,omitempty"`
	Method    string  `json:"method" yaml:"method"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
	MinPixels int     `json:"min_pixels" yaml:"min_pixels"`
	Epsilon   float64 `json:"epsilon" yaml:"epsilon"`
}

func DefaultPolicy() Policy {
	return Policy{
		Method:    MethodFixedThreshold,
		Threshold: 100,
		MinPixels: 1,
		Epsilon:   0,
	}
}

// ParsePolicy decodes a YAML policy over the defaults. Unknown keys are rejected so a misspelt
// field cannot silently fall back to its default.
func ParsePolicy(input []byte) (Policy, error) {
	policy := DefaultPolicy()
	dec := yaml.NewDecoder(bytes.NewReader(input))
	dec.KnownFields(true)
	if err := dec.Decode(&policy); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("decode aperture policy: %w", err)
	}
	policy = policy.Normalized()
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

func (p Policy) Normalized() Policy {
	p.Version = strings.TrimSpace(p.Version)
	p.Method = strings.ToLower(strings.TrimSpace(p.Method))
	if p.MinPixels == 0 {
		p.MinPixels = 1
	}
	return p
}

func (p Policy) Validate() error {
	p = p.Normalized()
	switch p.Method {
	case MethodFixedThreshold, MethodOptimalSNR:
	default:
		return fmt.Errorf("aperture.method unsupported: %q", p.Method)
	}
	if math.IsNaN(p.Threshold) || math.IsInf(p.Threshold, 0) {
		return fmt.Errorf("aperture.threshold must be finite")
	}
	if p.MinPixels < 1 {
		return fmt.Errorf("aperture.min_pixels must be >= 1")
	}
	if math.IsNaN(p.Epsilon) || p.Epsilon < 0 {
		return fmt.Errorf("aperture.epsilon must be >= 0")
	}
	return nil
}

// PolicyVersion returns the explicit version, or a digest of the selection fields.
func (p Policy) PolicyVersion() string {
	p = p.Normalized()
	if p.Version != "" {
		return p.Version
	}
	canonical, err := json.Marshal(struct {
		Method    string  `json:"method"`
		Threshold float64 `json:"threshold"`
		MinPixels int     `json:"min_pixels"`
		Epsilon   float64 `json:"epsilon"`
	}{p.Method, p.Threshold, p.MinPixels, p.Epsilon})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:8])
}
