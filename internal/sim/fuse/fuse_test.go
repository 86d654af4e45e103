package fuse

import "testing"

func TestFuse_SeedFiresOnceAfterCapacityTicks(t *testing.T) {
	const c = 5
	f := New(Options{Capacity: c}, 0, 0)
	f.PlanSeedUpdate()
	for i := 0; i < c-1; i++ {
		f.Tick()
		if f.IsSeedUpdateNow() {
			t.Fatalf("fired early after %d ticks", i+1)
		}
	}
	f.Tick()
	if !f.IsSeedUpdateNow() {
		t.Fatalf("expected seed update after %d ticks", c)
	}
	for i := 0; i < 3; i++ {
		if f.IsSeedUpdateNow() {
			t.Fatalf("seed update fired twice")
		}
		f.Tick()
	}
	if f.Pending() {
		t.Fatalf("fuse still pending after consumption")
	}
}

func TestFuse_ReplanRestartsCountdown(t *testing.T) {
	f := New(Options{Capacity: 3}, 0, 0)
	f.PlanFlattenFactorUpdate()
	f.Tick()
	f.Tick()
	f.PlanFlattenFactorUpdate()
	f.Tick()
	f.Tick()
	if f.IsFlattenFactorUpdateNow() {
		t.Fatalf("replan should have restarted the countdown")
	}
	f.Tick()
	if !f.IsFlattenFactorUpdateNow() {
		t.Fatalf("expected flatten update")
	}
}

func TestFuse_TickIdleIsNoop(t *testing.T) {
	f := New(Options{Capacity: 2}, 1, 1)
	for i := 0; i < 10; i++ {
		f.Tick()
	}
	if f.IsSeedUpdateNow() || f.IsFlattenFactorUpdateNow() || f.IsLayerUpdateNow() {
		t.Fatalf("idle fuse fired")
	}
	if f.Remaining() != 0 {
		t.Fatalf("Remaining=%d on idle fuse", f.Remaining())
	}
}

func TestUpdateState_Lattice(t *testing.T) {
	cases := []struct {
		a, b, want UpdateState
	}{
		{None, None, None},
		{None, Weight, Weight},
		{Weight, None, Weight},
		{Weight, Weight, Weight},
		{Weight, ChunkSize, Both},
		{ChunkSize, Weight, Both},
		{Both, Weight, Both},
		{ChunkSize, Both, Both},
	}
	for _, c := range cases {
		if got := c.a.Merge(c.b); got != c.want {
			t.Fatalf("%v.Merge(%v)=%v want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestUpdateState_Touches(t *testing.T) {
	cases := []struct {
		s                 UpdateState
		weight, chunkSize bool
	}{
		{None, false, false},
		{Weight, true, false},
		{ChunkSize, false, true},
		{Both, true, true},
	}
	for _, c := range cases {
		if c.s.HasWeight() != c.weight || c.s.HasChunkSize() != c.chunkSize {
			t.Fatalf("%v: HasWeight=%v HasChunkSize=%v", c.s, c.s.HasWeight(), c.s.HasChunkSize())
		}
	}
}

func TestFuse_LayerStatesMergeAndDrain(t *testing.T) {
	f := New(Options{Capacity: 1}, 3, 2)
	if err := f.PlanLayerUpdate(1, NoiseLayer, Weight); err != nil {
		t.Fatalf("plan: %v", err)
	}
	if err := f.PlanLayerUpdate(1, NoiseLayer, ChunkSize); err != nil {
		t.Fatalf("plan: %v", err)
	}
	if err := f.PlanLayerUpdate(0, BaselineLayer, ChunkSize); err != nil {
		t.Fatalf("plan: %v", err)
	}
	if got := f.LayerState(NoiseLayer, 1); got != Both {
		t.Fatalf("noise[1]=%v want BOTH", got)
	}
	if err := f.PlanLayerUpdate(3, NoiseLayer, Weight); err == nil {
		t.Fatalf("expected out-of-range error")
	}

	f.Tick()
	if !f.IsLayerUpdateNow() {
		t.Fatalf("expected layer update")
	}
	noise := f.TakeLayerStates(NoiseLayer)
	base := f.TakeLayerStates(BaselineLayer)
	if noise[0] != None || noise[1] != Both || noise[2] != None {
		t.Fatalf("noise states=%v", noise)
	}
	if base[0] != ChunkSize || base[1] != None {
		t.Fatalf("baseline states=%v", base)
	}
	if f.LayerState(NoiseLayer, 1) != None {
		t.Fatalf("TakeLayerStates did not reset")
	}
}

func TestFuse_SharedCountdownCouplesTriggers(t *testing.T) {
	f := New(Options{Capacity: 3}, 1, 0)
	_ = f.PlanLayerUpdate(0, NoiseLayer, Weight)
	f.Tick()
	f.Tick()
	f.PlanFlattenFactorUpdate()
	f.Tick()
	if f.IsLayerUpdateNow() {
		t.Fatalf("shared countdown: flatten edit must postpone the layer edit")
	}
	f.Tick()
	f.Tick()
	if !f.IsLayerUpdateNow() || !f.IsFlattenFactorUpdateNow() {
		t.Fatalf("both triggers should fire together")
	}
}

func TestFuse_IndependentCountdowns(t *testing.T) {
	f := New(Options{Capacity: 3, IndependentCountdowns: true}, 1, 0)
	_ = f.PlanLayerUpdate(0, NoiseLayer, Weight)
	f.Tick()
	f.Tick()
	f.PlanFlattenFactorUpdate()
	f.Tick()
	if !f.IsLayerUpdateNow() {
		t.Fatalf("layer edit should keep its own timer")
	}
	if f.IsFlattenFactorUpdateNow() {
		t.Fatalf("flatten fired early")
	}
	f.Tick()
	f.Tick()
	if !f.IsFlattenFactorUpdateNow() {
		t.Fatalf("expected flatten update")
	}
}

func TestFuse_CancelLayerUpdate(t *testing.T) {
	f := New(Options{Capacity: 3, IndependentCountdowns: true}, 2, 1)
	f.PlanSeedUpdate()
	f.Tick()
	_ = f.PlanLayerUpdate(1, NoiseLayer, Weight)
	_ = f.PlanLayerUpdate(0, BaselineLayer, ChunkSize)
	f.Tick()
	f.Tick()
	if !f.IsSeedUpdateNow() {
		t.Fatalf("expected seed update")
	}
	f.CancelLayerUpdate()
	if f.LayerState(NoiseLayer, 1) != None || f.LayerState(BaselineLayer, 0) != None {
		t.Fatalf("layer states survived cancel")
	}
	if f.Pending() {
		t.Fatalf("fuse still pending after cancel")
	}
	for i := 0; i < 5; i++ {
		f.Tick()
		if f.IsLayerUpdateNow() {
			t.Fatalf("cancelled layer trigger fired at tick %d", i)
		}
	}
}

func TestFuse_LayerSlotsFollowStack(t *testing.T) {
	f := New(Options{Capacity: 1}, 2, 0)
	_ = f.PlanLayerUpdate(1, NoiseLayer, Weight)
	f.AddLayer(NoiseLayer)
	f.RemoveLayer(NoiseLayer, 0)
	if got := f.LayerState(NoiseLayer, 0); got != Weight {
		t.Fatalf("slot did not shift: %v", got)
	}
	if got := f.LayerState(NoiseLayer, 1); got != None {
		t.Fatalf("new slot=%v want NONE", got)
	}
}

func TestParseLayerKind(t *testing.T) {
	for in, want := range map[string]LayerKind{"noise": NoiseLayer, " Baseline ": BaselineLayer} {
		got, ok := ParseLayerKind(in)
		if !ok || got != want {
			t.Fatalf("ParseLayerKind(%q)=%v,%v want %v", in, got, ok, want)
		}
		if back, _ := ParseLayerKind(got.String()); back != got {
			t.Fatalf("String round trip failed for %v", got)
		}
	}
	if _, ok := ParseLayerKind("ridge"); ok {
		t.Fatalf("expected unknown stack to fail")
	}
}
