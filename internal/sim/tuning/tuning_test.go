package tuning

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"terragen.ai/internal/sim/noise"
)

func TestDefaults_Valid(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoad_ConfigsTuningYAML(t *testing.T) {
	tune, err := Load("../../../configs/tuning.yaml")
	if err != nil {
		t.Fatalf("load tuning.yaml: %v", err)
	}
	if tune.SizeX != 1440 || tune.SizeY != 1440 {
		t.Fatalf("size=%dx%d", tune.SizeX, tune.SizeY)
	}
	if len(tune.NoiseLayers) != 8 || len(tune.BaselineLayers) != 4 {
		t.Fatalf("layers noise=%d baseline=%d", len(tune.NoiseLayers), len(tune.BaselineLayers))
	}
	if tune.Fuse.CapacityTicks == 0 {
		t.Fatalf("fuse capacity should be set")
	}
}

func TestLoad_OverridesAndRejectsIndivisible(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte(`
size_x: 100
size_y: 50
seed: 7
flatten_factor: 1.5
fuse:
  capacity_ticks: 4
  independent_countdowns: true
noise_layers:
  - {chunk_size: 50, weight: 3}
  - {chunk_size: 10, weight: 1}
baseline_layers:
  - {chunk_size: 25, weight: 1}
`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tune, err := Load(good)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tune.Seed != 7 || tune.FlattenFactor != 1.5 || !tune.Fuse.IndependentCountdowns {
		t.Fatalf("overrides not applied: %+v", tune)
	}
	if tune.GradientCount != noise.DefaultGradientCount || tune.TickRateHz != 60 {
		t.Fatalf("defaults lost: gradients=%d tick=%d", tune.GradientCount, tune.TickRateHz)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("size_x: 100\nsize_y: 100\nnoise_layers:\n  - {chunk_size: 7, weight: 1}\nbaseline_layers: []\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(bad); !errors.Is(err, noise.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
