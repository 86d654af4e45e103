// Package fuse debounces bursts of parameter edits into single recompute signals.
package fuse

import (
	"fmt"
	"strings"
)

// UpdateState records which parameters of one layer have pending edits.
// NONE is the bottom of the lattice; two different non-NONE requests merge to BOTH.
type UpdateState uint8

const (
	None UpdateState = iota
	Weight
	ChunkSize
	Both
)

func (s UpdateState) String() string {
	switch s {
	case None:
		return "NONE"
	case Weight:
		return "WEIGHT"
	case ChunkSize:
		return "CHUNK_SIZE"
	case Both:
		return "BOTH"
	default:
		return fmt.Sprintf("UpdateState(%d)", uint8(s))
	}
}

// Merge joins two requests for the same layer.
func (s UpdateState) Merge(o UpdateState) UpdateState {
	switch {
	case s == None:
		return o
	case o == None || o == s:
		return s
	default:
		return Both
	}
}

// HasWeight and HasChunkSize report which parameters a merged state touches.
func (s UpdateState) HasWeight() bool    { return s == Weight || s == Both }
func (s UpdateState) HasChunkSize() bool { return s == ChunkSize || s == Both }

// LayerKind selects one of the two layer stacks.
type LayerKind uint8

const (
	NoiseLayer LayerKind = iota
	BaselineLayer
)

func (k LayerKind) String() string {
	if k == BaselineLayer {
		return "baseline"
	}
	return "noise"
}

// ParseLayerKind maps "noise" or "baseline" (any case) to its LayerKind.
func ParseLayerKind(s string) (LayerKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "noise":
		return NoiseLayer, true
	case "baseline":
		return BaselineLayer, true
	}
	return NoiseLayer, false
}

type trigger int

const (
	trigSeed trigger = iota
	trigFlatten
	trigLayer
	numTriggers
)

// Options tunes a Fuse.
type Options struct {
	// Capacity is the number of quiet ticks before pending edits fire.
	Capacity uint
	// IndependentCountdowns gives seed, flatten and layer edits separate timers.
	// When false (the default) one shared timer is reset by any plan call, so a
	// flatten edit also postpones a pending layer edit.
	IndependentCountdowns bool
}

// Fuse batches edit requests. It is driven by exactly one Tick per control-loop
// iteration and is not safe for concurrent use.
type Fuse struct {
	opts Options

	pending [numTriggers]bool
	left    [numTriggers]uint

	noise    []UpdateState
	baseline []UpdateState
}

func New(opts Options, numNoiseLayers, numBaselineLayers int) *Fuse {
	return &Fuse{
		opts:     opts,
		noise:    make([]UpdateState, numNoiseLayers),
		baseline: make([]UpdateState, numBaselineLayers),
	}
}

func (f *Fuse) Capacity() uint { return f.opts.Capacity }

func (f *Fuse) arm(t trigger) {
	f.pending[t] = true
	if f.opts.IndependentCountdowns {
		f.left[t] = f.opts.Capacity
		return
	}
	for i := range f.left {
		f.left[i] = f.opts.Capacity
	}
}

func (f *Fuse) PlanSeedUpdate()          { f.arm(trigSeed) }
func (f *Fuse) PlanFlattenFactorUpdate() { f.arm(trigFlatten) }

// PlanLayerUpdate merges state into the pending state of layer index of the given kind.
func (f *Fuse) PlanLayerUpdate(index int, kind LayerKind, state UpdateState) error {
	states := f.states(kind)
	if index < 0 || index >= len(*states) {
		return fmt.Errorf("fuse: %s layer %d of %d out of range", kind, index, len(*states))
	}
	(*states)[index] = (*states)[index].Merge(state)
	f.arm(trigLayer)
	return nil
}

// Tick advances the countdown of every pending trigger by one. Countdowns stop at zero.
func (f *Fuse) Tick() {
	if f.opts.IndependentCountdowns {
		for t := range f.left {
			if f.pending[t] && f.left[t] > 0 {
				f.left[t]--
			}
		}
		return
	}
	if f.Pending() && f.left[0] > 0 {
		for t := range f.left {
			f.left[t]--
		}
	}
}

func (f *Fuse) fire(t trigger) bool {
	if f.pending[t] && f.left[t] == 0 {
		f.pending[t] = false
		return true
	}
	return false
}

// IsSeedUpdateNow reports true once when the countdown has expired with a seed edit pending.
func (f *Fuse) IsSeedUpdateNow() bool          { return f.fire(trigSeed) }
func (f *Fuse) IsFlattenFactorUpdateNow() bool { return f.fire(trigFlatten) }

// IsLayerUpdateNow reports true once when layer edits are due. The per-layer
// states stay set until TakeLayerStates collects them.
func (f *Fuse) IsLayerUpdateNow() bool { return f.fire(trigLayer) }

// Pending reports whether any trigger is waiting.
func (f *Fuse) Pending() bool {
	for _, p := range f.pending {
		if p {
			return true
		}
	}
	return false
}

// Remaining returns the smallest countdown among pending triggers, or 0 when idle.
func (f *Fuse) Remaining() uint {
	var best uint
	found := false
	for t, p := range f.pending {
		if p && (!found || f.left[t] < best) {
			best = f.left[t]
			found = true
		}
	}
	return best
}

// LayerState returns the pending state of one layer.
func (f *Fuse) LayerState(kind LayerKind, index int) UpdateState {
	states := *f.states(kind)
	if index < 0 || index >= len(states) {
		return None
	}
	return states[index]
}

// TakeLayerStates returns the pending states of kind and resets them to NONE.
func (f *Fuse) TakeLayerStates(kind LayerKind) []UpdateState {
	states := f.states(kind)
	out := make([]UpdateState, len(*states))
	copy(out, *states)
	for i := range *states {
		(*states)[i] = None
	}
	return out
}

// CancelLayerUpdate disarms the layer trigger and clears every per-layer state.
// Used when a full rebuild has already applied the pending layer edits.
func (f *Fuse) CancelLayerUpdate() {
	f.pending[trigLayer] = false
	f.TakeLayerStates(NoiseLayer)
	f.TakeLayerStates(BaselineLayer)
}

// AddLayer appends a NONE slot for a layer pushed onto the stack.
func (f *Fuse) AddLayer(kind LayerKind) {
	states := f.states(kind)
	*states = append(*states, None)
}

// RemoveLayer drops the slot of a removed layer, shifting later slots down.
func (f *Fuse) RemoveLayer(kind LayerKind, index int) {
	states := f.states(kind)
	if index < 0 || index >= len(*states) {
		return
	}
	*states = append((*states)[:index], (*states)[index+1:]...)
}

// Reset drops every pending edit and resizes the layer slots.
func (f *Fuse) Reset(numNoiseLayers, numBaselineLayers int) {
	f.pending = [numTriggers]bool{}
	f.left = [numTriggers]uint{}
	f.noise = make([]UpdateState, numNoiseLayers)
	f.baseline = make([]UpdateState, numBaselineLayers)
}

func (f *Fuse) states(kind LayerKind) *[]UpdateState {
	if kind == BaselineLayer {
		return &f.baseline
	}
	return &f.noise
}
