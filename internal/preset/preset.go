// Package preset reads and writes terrain presets: the user-facing parameter
// set as a JSON document checked against an embedded JSON Schema.
package preset

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"terragen.ai/internal/sim/noise"
	"terragen.ai/internal/sim/terrain"
)

//go:embed preset.schema.json
var schemaJSON []byte

const schemaURL = "preset.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("preset schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Validate checks a raw preset document against the schema. Divisibility of
// chunk sizes depends on the terrain size and is checked when the preset is applied.
func Validate(b []byte) error {
	s, err := compiled()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("preset: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("preset: %w", err)
	}
	return nil
}

// Decode validates b and converts it to a terrain preset.
func Decode(b []byte) (terrain.Preset, error) {
	var p terrain.Preset
	if err := Validate(b); err != nil {
		return p, err
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("preset: %w", err)
	}
	return p, nil
}

func Encode(p terrain.Preset) ([]byte, error) {
	if p.NoiseLayers == nil {
		p.NoiseLayers = []noise.LayerParams{}
	}
	if p.BaselineLayers == nil {
		p.BaselineLayers = []noise.LayerParams{}
	}
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func Load(path string) (terrain.Preset, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return terrain.Preset{}, err
	}
	p, err := Decode(b)
	if err != nil {
		return p, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return p, nil
}

// Save writes p to path atomically (temp file + rename).
func Save(path string, p terrain.Preset) error {
	b, err := Encode(p)
	if err != nil {
		return err
	}
	if err := Validate(b); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".preset-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
