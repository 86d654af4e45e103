package preset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"terragen.ai/internal/sim/noise"
	"terragen.ai/internal/sim/terrain"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets", "ridge.json")
	want := terrain.Preset{
		Seed:           1234,
		FlattenFactor:  1.5,
		NoiseLayers:    []noise.LayerParams{{ChunkSize: 720, Weight: 30}, {ChunkSize: 45, Weight: 20}},
		BaselineLayers: []noise.LayerParams{{ChunkSize: 180, Weight: 2}},
		Shader:         "height",
		Mode:           "3d",
	}
	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Seed != want.Seed || got.FlattenFactor != want.FlattenFactor || got.Shader != want.Shader || got.Mode != want.Mode {
		t.Fatalf("got %+v want %+v", got, want)
	}
	if len(got.NoiseLayers) != 2 || got.NoiseLayers[1] != want.NoiseLayers[1] || len(got.BaselineLayers) != 1 {
		t.Fatalf("layers mismatch: %+v", got)
	}
}

func TestSave_EmptyStacksStayValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	if err := Save(path, terrain.Preset{Seed: 1, FlattenFactor: 2}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), `"noise_layers": []`) {
		t.Fatalf("expected empty noise_layers array, got %s", b)
	}
}

func TestValidate_RejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"missing seed":     `{"flatten_factor":2,"noise_layers":[],"baseline_layers":[]}`,
		"zero flatten":     `{"seed":1,"flatten_factor":0,"noise_layers":[],"baseline_layers":[]}`,
		"zero chunk":       `{"seed":1,"flatten_factor":2,"noise_layers":[{"chunk_size":0,"weight":1}],"baseline_layers":[]}`,
		"fractional chunk": `{"seed":1,"flatten_factor":2,"noise_layers":[{"chunk_size":2.5,"weight":1}],"baseline_layers":[]}`,
		"unknown mode":     `{"seed":1,"flatten_factor":2,"noise_layers":[],"baseline_layers":[],"mode":"4d"}`,
		"extra field":      `{"seed":1,"flatten_factor":2,"noise_layers":[],"baseline_layers":[],"octaves":8}`,
		"not json":         `{"seed":`,
	}
	for name, doc := range cases {
		if err := Validate([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestDecode_AcceptsMinimalDocument(t *testing.T) {
	p, err := Decode([]byte(`{"seed":-5,"flatten_factor":0.5,"noise_layers":[{"chunk_size":8,"weight":1}],"baseline_layers":[]}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Seed != -5 || len(p.NoiseLayers) != 1 || p.NoiseLayers[0].ChunkSize != 8 {
		t.Fatalf("unexpected preset: %+v", p)
	}
}

func TestAppliedPresetMatchesTerrain(t *testing.T) {
	tr, err := terrain.New(terrain.Config{
		SizeX:         16,
		SizeY:         16,
		GradientCount: 32,
		Preset: terrain.Preset{
			Seed:          1,
			FlattenFactor: 2,
			NoiseLayers:   []noise.LayerParams{{ChunkSize: 8, Weight: 1}},
		},
	})
	if err != nil {
		t.Fatalf("terrain.New: %v", err)
	}
	p, err := Decode([]byte(`{"seed":9,"flatten_factor":1,"noise_layers":[{"chunk_size":4,"weight":2}],"baseline_layers":[{"chunk_size":16,"weight":1}],"mode":"2d"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := tr.ApplyPreset(p); err != nil {
		t.Fatalf("ApplyPreset: %v", err)
	}
	path := filepath.Join(t.TempDir(), "out.json")
	if err := Save(path, tr.Preset()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if back.Seed != 9 || back.Mode != "2d" || len(back.BaselineLayers) != 1 {
		t.Fatalf("unexpected round trip: %+v", back)
	}
}
