package ephemeris

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// ManifestName is the kernel-set manifest expected at the root of a kernel directory.
const ManifestName = "kernelset.hcl"

// Manifest describes one version of a kernel set.
//
//	version = "2024.1"
//	segment "orbit-01" {
//	  file   = "${kernel_dir}/orbit01.bin"
//	  start  = 1325.0
//	  end    = 1338.5
//	  sha256 = "..."
//	}
type Manifest struct {
	Version  string
	Segments []SegmentSpec
}

// SegmentSpec is one segment block of the manifest.
type SegmentSpec struct {
	Name   string
	Path   string
	Start  float64
	End    float64
	SHA256 string
}

type manifestRoot struct {
	Version  string         `hcl:"version"`
	Segments []segmentBlock `hcl:"segment,block"`
	Remain   hcl.Body       `hcl:",remain"`
}

type segmentBlock struct {
	Name   string  `hcl:"name,label"`
	File   string  `hcl:"file"`
	Start  float64 `hcl:"start"`
	End    float64 `hcl:"end"`
	SHA256 string  `hcl:"sha256"`
}

// ParseManifest parses manifest source. Relative segment paths resolve against dir.
func ParseManifest(src []byte, filename, dir string) (Manifest, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return Manifest{}, fmt.Errorf("parse %s: %w", filename, diags)
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"kernel_dir": cty.StringVal(dir),
		},
	}
	var root manifestRoot
	if diags := gohcl.DecodeBody(file.Body, evalCtx, &root); diags.HasErrors() {
		return Manifest{}, fmt.Errorf("decode %s: %w", filename, diags)
	}

	m := Manifest{Version: strings.TrimSpace(root.Version)}
	for _, block := range root.Segments {
		path := strings.TrimSpace(block.File)
		if path != "" && !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		m.Segments = append(m.Segments, SegmentSpec{
			Name:   strings.TrimSpace(block.Name),
			Path:   path,
			Start:  block.Start,
			End:    block.End,
			SHA256: strings.ToLower(strings.TrimSpace(block.SHA256)),
		})
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", filename, err)
	}
	sort.SliceStable(m.Segments, func(i, j int) bool {
		return m.Segments[i].Start < m.Segments[j].Start
	})
	for i := 1; i < len(m.Segments); i++ {
		prev, cur := m.Segments[i-1], m.Segments[i]
		if cur.Start < prev.End {
			return Manifest{}, fmt.Errorf("%s: segment %q overlaps %q", filename, cur.Name, prev.Name)
		}
	}
	return m, nil
}

func (m Manifest) Validate() error {
	if m.Version == "" {
		return errors.New("version is required")
	}
	if len(m.Segments) == 0 {
		return errors.New("at least one segment is required")
	}
	seen := make(map[string]struct{}, len(m.Segments))
	for i, seg := range m.Segments {
		if seg.Name == "" {
			return fmt.Errorf("segment[%d] name is required", i)
		}
		if _, ok := seen[seg.Name]; ok {
			return fmt.Errorf("segment %q declared twice", seg.Name)
		}
		seen[seg.Name] = struct{}{}
		if seg.Path == "" {
			return fmt.Errorf("segment %q file is required", seg.Name)
		}
		if seg.End < seg.Start {
			return fmt.Errorf("segment %q ends before it starts", seg.Name)
		}
		if len(seg.SHA256) != 64 {
			return fmt.Errorf("segment %q sha256 must be 64 hex characters", seg.Name)
		}
	}
	return nil
}
