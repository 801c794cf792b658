package stamp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	MetaSchemaV1 = "photometry.stamp.v1"
	MetaFile     = "meta.json"
	PixelFile    = "pixels.f32"
	FlagsFile    = "flags.u8"
)

// Meta is the sidecar describing a stamp's pixel payload.
type Meta struct {
	Schema               string    `json:"schema"`
	TargetID             string    `json:"target_id"`
	Rows                 int       `json:"rows"`
	Cols                 int       `json:"cols"`
	CadenceCount         int       `json:"cadence_count"`
	Times                []float64 `json:"times"`
	HasData              []bool    `json:"has_data,omitempty"`
	Quality              []uint32  `json:"quality,omitempty"`
	ReadNoise            float64   `json:"read_noise"`
	BackgroundSubtracted bool      `json:"background_subtracted"`
	TargetRow            *float64  `json:"target_row,omitempty"`
	TargetCol            *float64  `json:"target_col,omitempty"`
	PixelFile            string    `json:"pixel_file,omitempty"`
	FlagsFile            string    `json:"flags_file,omitempty"`
}

const metaSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["schema", "target_id", "rows", "cols", "cadence_count", "times"],
  "properties": {
    "schema": {"const": "photometry.stamp.v1"},
    "target_id": {"type": "string", "minLength": 1},
    "rows": {"type": "integer", "minimum": 1, "maximum": 4096},
    "cols": {"type": "integer", "minimum": 1, "maximum": 4096},
    "cadence_count": {"type": "integer", "minimum": 1},
    "times": {"type": "array", "minItems": 1, "items": {"type": "number"}},
    "has_data": {"type": "array", "items": {"type": "boolean"}},
    "quality": {"type": "array", "items": {"type": "integer", "minimum": 0}},
    "read_noise": {"type": "number", "minimum": 0},
    "background_subtracted": {"type": "boolean"},
    "target_row": {"type": "number"},
    "target_col": {"type": "number"},
    "pixel_file": {"type": "string"},
    "flags_file": {"type": "string"}
  },
  "additionalProperties": false
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func stampSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("stamp.schema.json", strings.NewReader(metaSchema)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("stamp.schema.json")
	})
	return compiledSchema, schemaErr
}

// ParseMeta validates raw sidecar JSON against the stamp schema and decodes it.
func ParseMeta(raw []byte) (Meta, error) {
	schema, err := stampSchema()
	if err != nil {
		return Meta{}, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Meta{}, fmt.Errorf("decode meta: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return Meta{}, fmt.Errorf("meta does not match schema: %w", err)
	}
	var meta Meta
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&meta); err != nil {
		return Meta{}, fmt.Errorf("decode meta: %w", err)
	}
	if err := meta.Validate(); err != nil {
		return Meta{}, err
	}
	return meta, nil
}

// Validate checks the cross-field constraints a schema cannot express.
func (m Meta) Validate() error {
	if m.Schema != MetaSchemaV1 {
		return fmt.Errorf("meta.schema must be %q", MetaSchemaV1)
	}
	if strings.TrimSpace(m.TargetID) == "" {
		return errors.New("meta.target_id is required")
	}
	if m.Rows < 1 || m.Cols < 1 {
		return fmt.Errorf("meta shape %dx%d is empty", m.Rows, m.Cols)
	}
	if len(m.Times) != m.CadenceCount {
		return fmt.Errorf("meta lists %d times for %d cadences", len(m.Times), m.CadenceCount)
	}
	if m.HasData != nil && len(m.HasData) != m.CadenceCount {
		return fmt.Errorf("meta lists %d has_data entries for %d cadences", len(m.HasData), m.CadenceCount)
	}
	if m.Quality != nil && len(m.Quality) != m.CadenceCount {
		return fmt.Errorf("meta lists %d quality entries for %d cadences", len(m.Quality), m.CadenceCount)
	}
	for i := 1; i < len(m.Times); i++ {
		if !(m.Times[i] > m.Times[i-1]) {
			return fmt.Errorf("meta times not strictly increasing at cadence %d", i)
		}
	}
	return nil
}

func (m Meta) pixelFile() string {
	if f := strings.TrimSpace(m.PixelFile); f != "" {
		return f
	}
	return PixelFile
}

func (m Meta) flagsFile() string {
	if f := strings.TrimSpace(m.FlagsFile); f != "" {
		return f
	}
	return FlagsFile
}

func (m Meta) frameSize() int {
	return m.Rows * m.Cols
}
