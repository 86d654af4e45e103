// Package terrain combines a detail noise stack with a baseline floor stack and
// drives incremental recomputes from a debounced edit stream.
package terrain

import (
	"errors"
	"fmt"
	"time"

	"terragen.ai/internal/sim/compositor"
	"terragen.ai/internal/sim/fuse"
	"terragen.ai/internal/sim/noise"
	"terragen.ai/internal/sim/tuning"
)

// State of the edit/recompute cycle.
type State uint8

const (
	Idle State = iota
	EditsPending
	Recomputing
)

func (s State) String() string {
	switch s {
	case EditsPending:
		return "EDITS_PENDING"
	case Recomputing:
		return "RECOMPUTING"
	default:
		return "IDLE"
	}
}

// Preset is the persisted, user-facing parameter set. Shader and Mode are
// carried for front ends and do not affect the heightfield.
type Preset struct {
	Seed           int64               `json:"seed"`
	FlattenFactor  float64             `json:"flatten_factor"`
	NoiseLayers    []noise.LayerParams `json:"noise_layers"`
	BaselineLayers []noise.LayerParams `json:"baseline_layers"`
	Shader         string              `json:"shader,omitempty"`
	Mode           string              `json:"mode,omitempty"`
}

type Config struct {
	SizeX, SizeY  int
	GradientCount int
	Fuse          fuse.Options
	Preset        Preset
}

func ConfigFromTuning(t tuning.Tuning) Config {
	return Config{
		SizeX:         t.SizeX,
		SizeY:         t.SizeY,
		GradientCount: t.GradientCount,
		Fuse: fuse.Options{
			Capacity:              t.Fuse.CapacityTicks,
			IndependentCountdowns: t.Fuse.IndependentCountdowns,
		},
		Preset: Preset{
			Seed:           t.Seed,
			FlattenFactor:  t.FlattenFactor,
			NoiseLayers:    append([]noise.LayerParams(nil), t.NoiseLayers...),
			BaselineLayers: append([]noise.LayerParams(nil), t.BaselineLayers...),
		},
	}
}

// Update values of a LayerChange for structural edits; per-parameter
// recomputes use the fuse.UpdateState names.
const (
	UpdateAdd    = "ADD"
	UpdateRemove = "REMOVE"
)

// LayerChange records one layer recompute applied by Step or a structural edit.
type LayerChange struct {
	Stack  string  `json:"stack"`
	Index  int     `json:"index"`
	Update string  `json:"update"`
	Chunk  int     `json:"chunk_size"`
	Weight float64 `json:"weight"`
}

// StepReport describes what one control-loop tick did.
type StepReport struct {
	Tick       uint64
	Seed       bool
	Flatten    bool
	Layers     []LayerChange
	Recomputed bool
	Duration   time.Duration
}

// Terrain orchestrates the noise and baseline compositors. It is single-threaded:
// every method must be called from the goroutine that owns it.
type Terrain struct {
	sizeX, sizeY  int
	gradientCount int

	// settings holds the requested values; the compositors catch up when the fuse fires.
	settings Preset

	noise    *compositor.Compositor
	baseline *compositor.Compositor
	fuse     *fuse.Fuse

	state      State
	tick       uint64
	recomputes uint64
}

func New(cfg Config) (*Terrain, error) {
	t := &Terrain{
		sizeX:         cfg.SizeX,
		sizeY:         cfg.SizeY,
		gradientCount: cfg.GradientCount,
	}
	if err := t.checkPreset(cfg.Preset); err != nil {
		return nil, err
	}
	t.settings = clonePreset(cfg.Preset)
	if err := t.rebuild(); err != nil {
		return nil, err
	}
	t.fuse = fuse.New(cfg.Fuse, len(t.settings.NoiseLayers), len(t.settings.BaselineLayers))
	return t, nil
}

func clonePreset(s Preset) Preset {
	s.NoiseLayers = append([]noise.LayerParams(nil), s.NoiseLayers...)
	s.BaselineLayers = append([]noise.LayerParams(nil), s.BaselineLayers...)
	return s
}

func (t *Terrain) checkPreset(s Preset) error {
	if t.sizeX <= 0 || t.sizeY <= 0 {
		return fmt.Errorf("terrain size %dx%d: %w", t.sizeX, t.sizeY, noise.ErrInvalidArgument)
	}
	if !(s.FlattenFactor > 0) {
		return fmt.Errorf("flatten factor %v must be > 0: %w", s.FlattenFactor, noise.ErrInvalidArgument)
	}
	for i, l := range s.NoiseLayers {
		if err := noise.CheckChunkSize(t.sizeX, t.sizeY, l.ChunkSize); err != nil {
			return fmt.Errorf("noise layer %d: %w", i, err)
		}
	}
	for i, l := range s.BaselineLayers {
		if err := noise.CheckChunkSize(t.sizeX, t.sizeY, l.ChunkSize); err != nil {
			return fmt.Errorf("baseline layer %d: %w", i, err)
		}
	}
	return nil
}

// rebuild draws fresh gradient tables for both stacks from one stream seeded
// with the requested seed (noise first, then baseline) and refills every layer.
func (t *Terrain) rebuild() error {
	s := noise.NewStream(t.settings.Seed)
	n, err := compositor.New(t.sizeX, t.sizeY, t.gradientCount, s, t.settings.NoiseLayers)
	if err != nil {
		return fmt.Errorf("noise stack: %w", err)
	}
	b, err := compositor.New(t.sizeX, t.sizeY, t.gradientCount, s, t.settings.BaselineLayers)
	if err != nil {
		return fmt.Errorf("baseline stack: %w", err)
	}
	t.noise, t.baseline = n, b
	t.compose()
	return nil
}

// compose merges the stacks into the noise compositor's output buffer:
// elementwise max with the baseline, then division by the noise weight sum
// times the flatten factor. An empty noise stack is left unnormalized.
func (t *Terrain) compose() {
	t.noise.ResetResult()
	t.baseline.ResetResult()
	t.noise.FilterMatrix(t.baseline)
	if t.noise.WeightSum() != 0 {
		_ = t.noise.NormalizeMatrixSUM(t.settings.FlattenFactor)
	}
}

func (t *Terrain) stack(kind fuse.LayerKind) (*compositor.Compositor, *[]noise.LayerParams) {
	if kind == fuse.BaselineLayer {
		return t.baseline, &t.settings.BaselineLayers
	}
	return t.noise, &t.settings.NoiseLayers
}

func (t *Terrain) checkIndex(kind fuse.LayerKind, index int) error {
	_, params := t.stack(kind)
	if index < 0 || index >= len(*params) {
		return fmt.Errorf("%s layer %d of %d: %w", kind, index, len(*params), noise.ErrIndexOutOfRange)
	}
	return nil
}

func (t *Terrain) markPending() {
	if t.state == Idle {
		t.state = EditsPending
	}
}

// SetSeed requests a full rebuild from a new seed.
func (t *Terrain) SetSeed(seed int64) {
	t.settings.Seed = seed
	t.fuse.PlanSeedUpdate()
	t.markPending()
}

// SetFlattenFactor requests a renormalization with factor f (> 0).
func (t *Terrain) SetFlattenFactor(f float64) error {
	if !(f > 0) {
		return fmt.Errorf("flatten factor %v must be > 0: %w", f, noise.ErrInvalidArgument)
	}
	t.settings.FlattenFactor = f
	t.fuse.PlanFlattenFactorUpdate()
	t.markPending()
	return nil
}

// SetLayerWeight requests a new weight for one layer.
func (t *Terrain) SetLayerWeight(kind fuse.LayerKind, index int, weight float64) error {
	if err := t.checkIndex(kind, index); err != nil {
		return err
	}
	_, params := t.stack(kind)
	(*params)[index].Weight = weight
	t.markPending()
	return t.fuse.PlanLayerUpdate(index, kind, fuse.Weight)
}

// SetLayerChunkSize requests a new chunk size for one layer. Divisibility is
// checked now so the deferred recompute cannot fail.
func (t *Terrain) SetLayerChunkSize(kind fuse.LayerKind, index int, chunkSize int) error {
	if err := t.checkIndex(kind, index); err != nil {
		return err
	}
	if err := noise.CheckChunkSize(t.sizeX, t.sizeY, chunkSize); err != nil {
		return err
	}
	_, params := t.stack(kind)
	(*params)[index].ChunkSize = chunkSize
	t.markPending()
	return t.fuse.PlanLayerUpdate(index, kind, fuse.ChunkSize)
}

// AddLayer pushes a layer onto a stack immediately. It counts as a recompute.
func (t *Terrain) AddLayer(kind fuse.LayerKind, chunkSize int, weight float64) error {
	comp, params := t.stack(kind)
	if err := comp.AddLayer(chunkSize, weight); err != nil {
		return err
	}
	*params = append(*params, noise.LayerParams{ChunkSize: chunkSize, Weight: weight})
	t.fuse.AddLayer(kind)
	t.compose()
	t.recomputes++
	return nil
}

// RemoveLayer drops a layer from a stack immediately. It counts as a recompute.
func (t *Terrain) RemoveLayer(kind fuse.LayerKind, index int) error {
	if err := t.checkIndex(kind, index); err != nil {
		return err
	}
	comp, params := t.stack(kind)
	if err := comp.RemoveLayer(index); err != nil {
		return err
	}
	*params = append((*params)[:index], (*params)[index+1:]...)
	t.fuse.RemoveLayer(kind, index)
	t.compose()
	t.recomputes++
	return nil
}

// Step runs one control-loop tick: advance the fuse, then apply whatever fired.
func (t *Terrain) Step() (StepReport, error) {
	t.tick++
	t.fuse.Tick()
	rep := StepReport{
		Tick:    t.tick,
		Seed:    t.fuse.IsSeedUpdateNow(),
		Flatten: t.fuse.IsFlattenFactorUpdateNow(),
	}
	layers := t.fuse.IsLayerUpdateNow()
	if !rep.Seed && !rep.Flatten && !layers {
		t.settle()
		return rep, nil
	}

	t.state = Recomputing
	start := time.Now()
	var errs []error
	if rep.Seed {
		// A rebuild reads every layer parameter, so pending layer edits are covered.
		t.fuse.CancelLayerUpdate()
		if err := t.rebuild(); err != nil {
			errs = append(errs, err)
		}
	} else {
		if layers {
			for _, kind := range []fuse.LayerKind{fuse.NoiseLayer, fuse.BaselineLayer} {
				changes, err := t.applyLayerStates(kind, t.fuse.TakeLayerStates(kind))
				rep.Layers = append(rep.Layers, changes...)
				if err != nil {
					errs = append(errs, err)
				}
			}
		}
		// Every flagged slot was removed before the fuse fired.
		if !rep.Flatten && len(rep.Layers) == 0 && len(errs) == 0 {
			t.settle()
			return rep, nil
		}
		t.compose()
	}
	rep.Recomputed = true
	rep.Duration = time.Since(start)
	t.recomputes++
	t.settle()
	return rep, errors.Join(errs...)
}

func (t *Terrain) settle() {
	if t.fuse.Pending() {
		t.state = EditsPending
	} else {
		t.state = Idle
	}
}

// applyLayerStates runs the incremental recompute for every flagged layer, in index order.
func (t *Terrain) applyLayerStates(kind fuse.LayerKind, states []fuse.UpdateState) ([]LayerChange, error) {
	comp, params := t.stack(kind)
	var changes []LayerChange
	var errs []error
	for i, st := range states {
		if st == fuse.None || i >= len(*params) {
			continue
		}
		p := (*params)[i]
		var err error
		switch {
		case st.HasChunkSize() && st.HasWeight():
			err = comp.RecomputeLayer(i, p.ChunkSize, p.Weight)
		case st.HasChunkSize():
			err = comp.RecomputeLayerChunkSize(i, p.ChunkSize)
		case st.HasWeight():
			err = comp.RecomputeLayerWeight(i, p.Weight)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s layer %d: %w", kind, i, err))
			continue
		}
		changes = append(changes, LayerChange{Stack: kind.String(), Index: i, Update: st.String(), Chunk: p.ChunkSize, Weight: p.Weight})
	}
	return changes, errors.Join(errs...)
}

// Preset returns the requested parameters, including edits the fuse has not applied yet.
func (t *Terrain) Preset() Preset { return clonePreset(t.settings) }

// ApplyPreset validates s, replaces every parameter and rebuilds both stacks
// immediately. Pending edits are discarded. On error nothing changes.
func (t *Terrain) ApplyPreset(s Preset) error {
	if err := t.checkPreset(s); err != nil {
		return err
	}
	prev := t.settings
	t.settings = clonePreset(s)
	if err := t.rebuild(); err != nil {
		t.settings = prev
		return err
	}
	t.fuse.Reset(len(t.settings.NoiseLayers), len(t.settings.BaselineLayers))
	t.state = Idle
	t.recomputes++
	return nil
}

func (t *Terrain) Size() (int, int)       { return t.sizeX, t.sizeY }
func (t *Terrain) Seed() int64            { return t.settings.Seed }
func (t *Terrain) FlattenFactor() float64 { return t.settings.FlattenFactor }
func (t *Terrain) State() State           { return t.state }
func (t *Terrain) Tick() uint64           { return t.tick }
func (t *Terrain) Recomputes() uint64     { return t.recomputes }
func (t *Terrain) GradientCount() int     { return t.gradientCount }
func (t *Terrain) Fuse() *fuse.Fuse       { return t.fuse }

// Params returns the requested (chunk size, weight) pairs of one stack.
func (t *Terrain) Params(kind fuse.LayerKind) []noise.LayerParams {
	_, params := t.stack(kind)
	return append([]noise.LayerParams(nil), (*params)...)
}

// AppliedParams returns the pairs the stack is currently computed with.
func (t *Terrain) AppliedParams(kind fuse.LayerKind) []noise.LayerParams {
	comp, _ := t.stack(kind)
	return comp.Params()
}

// WeightSum returns the running weight total of one stack.
func (t *Terrain) WeightSum(kind fuse.LayerKind) float64 {
	comp, _ := t.stack(kind)
	return comp.WeightSum()
}

// Result returns a copy of the merged, normalized heightfield.
func (t *Terrain) Result() *noise.Grid { return t.noise.Result() }

// ResultRef returns the merged heightfield without copying. Callers must not modify it.
func (t *Terrain) ResultRef() *noise.Grid { return t.noise.ResultRef() }
