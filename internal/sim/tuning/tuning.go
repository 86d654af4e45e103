package tuning

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"terragen.ai/internal/sim/noise"
)

type Tuning struct {
	SizeX         int     `yaml:"size_x" json:"size_x"`
	SizeY         int     `yaml:"size_y" json:"size_y"`
	Seed          int64   `yaml:"seed" json:"seed"`
	FlattenFactor float64 `yaml:"flatten_factor" json:"flatten_factor"`
	GradientCount int     `yaml:"gradient_count" json:"gradient_count"`

	TickRateHz int  `yaml:"tick_rate_hz" json:"tick_rate_hz"`
	Fuse       Fuse `yaml:"fuse" json:"fuse"`

	SnapshotEveryRecomputes int `yaml:"snapshot_every_recomputes" json:"snapshot_every_recomputes"`

	NoiseLayers    []noise.LayerParams `yaml:"noise_layers" json:"noise_layers"`
	BaselineLayers []noise.LayerParams `yaml:"baseline_layers" json:"baseline_layers"`
}

type Fuse struct {
	CapacityTicks         uint `yaml:"capacity_ticks" json:"capacity_ticks"`
	IndependentCountdowns bool `yaml:"independent_countdowns" json:"independent_countdowns"`
}

// Defaults mirrors the stock 1440×1440 terrain: eight detail octaves over a
// four-octave baseline floor.
func Defaults() Tuning {
	return Tuning{
		SizeX:         1440,
		SizeY:         1440,
		Seed:          42,
		FlattenFactor: 2.0,
		GradientCount: noise.DefaultGradientCount,
		TickRateHz:    60,
		Fuse: Fuse{
			CapacityTicks: 30,
		},
		SnapshotEveryRecomputes: 0,
		NoiseLayers: []noise.LayerParams{
			{ChunkSize: 720, Weight: 30},
			{ChunkSize: 360, Weight: 250},
			{ChunkSize: 180, Weight: 50},
			{ChunkSize: 90, Weight: 50},
			{ChunkSize: 45, Weight: 20},
			{ChunkSize: 12, Weight: 5},
			{ChunkSize: 8, Weight: 2},
			{ChunkSize: 3, Weight: 1},
		},
		BaselineLayers: []noise.LayerParams{
			{ChunkSize: 180, Weight: 2},
			{ChunkSize: 120, Weight: 2},
			{ChunkSize: 60, Weight: 2},
			{ChunkSize: 30, Weight: 1},
		},
	}
}

// Load reads a tuning file on top of Defaults. An empty path returns the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// Normalize fills zero values that have a safe default.
func (t *Tuning) Normalize() {
	if t.GradientCount <= 0 {
		t.GradientCount = noise.DefaultGradientCount
	}
	if t.TickRateHz <= 0 {
		t.TickRateHz = 60
	}
	if t.SnapshotEveryRecomputes < 0 {
		t.SnapshotEveryRecomputes = 0
	}
}

func (t Tuning) Validate() error {
	if t.SizeX <= 0 || t.SizeY <= 0 {
		return fmt.Errorf("size %dx%d must be positive", t.SizeX, t.SizeY)
	}
	if !(t.FlattenFactor > 0) {
		return fmt.Errorf("flatten_factor %v must be > 0", t.FlattenFactor)
	}
	check := func(name string, layers []noise.LayerParams) error {
		for i, l := range layers {
			if err := noise.CheckChunkSize(t.SizeX, t.SizeY, l.ChunkSize); err != nil {
				return fmt.Errorf("%s[%d]: %w", name, i, err)
			}
		}
		return nil
	}
	if err := check("noise_layers", t.NoiseLayers); err != nil {
		return err
	}
	return check("baseline_layers", t.BaselineLayers)
}
