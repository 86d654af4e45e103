package compositor

import (
	"errors"
	"math"
	"testing"

	"terragen.ai/internal/sim/noise"
)

func newTestCompositor(t *testing.T, seed int64, params []noise.LayerParams) *Compositor {
	t.Helper()
	c, err := New(24, 12, 0, noise.NewStream(seed), params)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// checkInvariant recomputes Σ weight·grid from the layers and compares it to the accumulator.
func checkInvariant(t *testing.T, c *Compositor) {
	t.Helper()
	want := noise.NewGrid(c.sizeX, c.sizeY)
	sum := 0.0
	for _, l := range c.layers {
		l.Accumulate(want, l.Weight())
		sum += l.Weight()
	}
	got := c.acc.Cells()
	for i, w := range want.Cells() {
		if !closeRel(got[i], w, 1e-9) {
			t.Fatalf("accumulator cell %d=%v want %v", i, got[i], w)
		}
	}
	if !closeRel(c.WeightSum(), sum, 1e-9) {
		t.Fatalf("weightSum=%v want %v", c.WeightSum(), sum)
	}
}

func closeRel(a, b, tol float64) bool {
	d := math.Abs(a - b)
	return d <= tol || d <= tol*math.Max(math.Abs(a), math.Abs(b))
}

func fromMatrix(t *testing.T, m [][]float64) *Compositor {
	t.Helper()
	g, err := noise.GridFromMatrix(m)
	if err != nil {
		t.Fatalf("GridFromMatrix: %v", err)
	}
	return &Compositor{sizeX: g.W, sizeY: g.H, acc: g.Clone(), result: g}
}

func TestCompositor_InvariantAcrossEdits(t *testing.T) {
	c := newTestCompositor(t, 42, []noise.LayerParams{{ChunkSize: 12, Weight: 5}, {ChunkSize: 6, Weight: 2}})
	checkInvariant(t, c)

	steps := []struct {
		name string
		do   func() error
	}{
		{"add", func() error { return c.AddLayer(3, 1.5) }},
		{"reweight", func() error { return c.RecomputeLayerWeight(0, 9) }},
		{"rechunk", func() error { return c.RecomputeLayerChunkSize(1, 4) }},
		{"both", func() error { return c.RecomputeLayer(2, 2, 0.25) }},
		{"remove middle", func() error { return c.RemoveLayer(1) }},
		{"add negative", func() error { return c.AddLayer(12, -3) }},
		{"remove last", func() error { return c.RemoveLastLayer() }},
	}
	for _, s := range steps {
		if err := s.do(); err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		checkInvariant(t, c)
	}
	want := []noise.LayerParams{{ChunkSize: 12, Weight: 9}, {ChunkSize: 2, Weight: 0.25}}
	got := c.Params()
	if len(got) != len(want) {
		t.Fatalf("params=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("params[%d]=%v want %v", i, got[i], want[i])
		}
	}
}

func TestCompositor_RemoveReaddRoundTrip(t *testing.T) {
	c := newTestCompositor(t, 5, []noise.LayerParams{{ChunkSize: 12, Weight: 4}, {ChunkSize: 4, Weight: 1}})
	before := c.Accumulator()
	if err := c.RemoveLastLayer(); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := c.AddLayer(4, 1); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	for i, v := range c.Accumulator().Cells() {
		if !closeRel(v, before.Cells()[i], 1e-9) {
			t.Fatalf("cell %d=%v want %v", i, v, before.Cells()[i])
		}
	}
}

func TestCompositor_FailuresLeaveStateUntouched(t *testing.T) {
	c := newTestCompositor(t, 8, []noise.LayerParams{{ChunkSize: 6, Weight: 2}})
	before := c.Accumulator()
	sum := c.WeightSum()

	if err := c.AddLayer(5, 1); !errors.Is(err, noise.ErrInvalidArgument) {
		t.Fatalf("add 5: expected ErrInvalidArgument, got %v", err)
	}
	if err := c.RecomputeLayerChunkSize(0, 7); !errors.Is(err, noise.ErrInvalidArgument) {
		t.Fatalf("rechunk 7: expected ErrInvalidArgument, got %v", err)
	}
	if err := c.RecomputeLayer(0, 7, 3); !errors.Is(err, noise.ErrInvalidArgument) {
		t.Fatalf("both 7: expected ErrInvalidArgument, got %v", err)
	}
	if err := c.RemoveLayer(1); !errors.Is(err, noise.ErrIndexOutOfRange) {
		t.Fatalf("remove 1: expected ErrIndexOutOfRange, got %v", err)
	}
	if err := c.RecomputeLayerWeight(-1, 3); !errors.Is(err, noise.ErrIndexOutOfRange) {
		t.Fatalf("reweight -1: expected ErrIndexOutOfRange, got %v", err)
	}
	if err := c.SetLayers([]noise.LayerParams{{ChunkSize: 6, Weight: 1}, {ChunkSize: 9, Weight: 1}}); !errors.Is(err, noise.ErrInvalidArgument) {
		t.Fatalf("SetLayers: expected ErrInvalidArgument, got %v", err)
	}

	if c.Len() != 1 || c.WeightSum() != sum {
		t.Fatalf("state changed: len=%d weightSum=%v", c.Len(), c.WeightSum())
	}
	for i, v := range c.Accumulator().Cells() {
		if v != before.Cells()[i] {
			t.Fatalf("accumulator cell %d changed", i)
		}
	}
}

func TestCompositor_EmptyStackRemove(t *testing.T) {
	c := newTestCompositor(t, 1, nil)
	if err := c.RemoveLastLayer(); !errors.Is(err, noise.ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestCompositor_DeterministicAcrossInstances(t *testing.T) {
	params := []noise.LayerParams{{ChunkSize: 12, Weight: 3}, {ChunkSize: 3, Weight: 1}}
	a := newTestCompositor(t, 77, params)
	b := newTestCompositor(t, 77, params)
	for i, v := range a.Accumulator().Cells() {
		if b.Accumulator().Cells()[i] != v {
			t.Fatalf("cell %d differs", i)
		}
	}
}

func TestCompositor_ReseedMatchesFreshBuild(t *testing.T) {
	params := []noise.LayerParams{{ChunkSize: 6, Weight: 3}, {ChunkSize: 4, Weight: 1}}
	c := newTestCompositor(t, 1, params)
	if err := c.Reseed(noise.NewStream(2)); err != nil {
		t.Fatalf("Reseed: %v", err)
	}
	fresh := newTestCompositor(t, 2, params)
	for i, v := range fresh.Accumulator().Cells() {
		if !closeRel(c.Accumulator().Cells()[i], v, 1e-12) {
			t.Fatalf("cell %d=%v want %v", i, c.Accumulator().Cells()[i], v)
		}
	}
	checkInvariant(t, c)
}

func TestFilterMatrix_ElementwiseMax(t *testing.T) {
	self := fromMatrix(t, [][]float64{{1, -1}, {0, 2}})
	other := fromMatrix(t, [][]float64{{0, 3}, {-5, 2}})
	self.FilterMatrix(other)
	want := [][]float64{{1, 3}, {0, 2}}
	got := self.Result().Matrix()
	for x := range want {
		for y := range want[x] {
			if got[x][y] != want[x][y] {
				t.Fatalf("result=%v want %v", got, want)
			}
		}
	}
	if acc := self.Accumulator().Matrix(); acc[0][1] != -1 {
		t.Fatalf("FilterMatrix must not touch the accumulator: %v", acc)
	}
}

func TestNormalizeMatrixSUM(t *testing.T) {
	c := fromMatrix(t, [][]float64{{4, -8}, {2, 0}})
	c.weightSum = 2
	if err := c.NormalizeMatrixSUM(2); err != nil {
		t.Fatalf("NormalizeMatrixSUM: %v", err)
	}
	want := [][]float64{{1, -2}, {0.5, 0}}
	got := c.Result().Matrix()
	for x := range want {
		for y := range want[x] {
			if got[x][y] != want[x][y] {
				t.Fatalf("result=%v want %v", got, want)
			}
		}
	}
	if err := c.NormalizeMatrixSUM(0); !errors.Is(err, noise.ErrInvalidArgument) {
		t.Fatalf("factor 0: expected ErrInvalidArgument, got %v", err)
	}
	c.weightSum = 0
	if err := c.NormalizeMatrixSUM(1); !errors.Is(err, noise.ErrInvalidArgument) {
		t.Fatalf("zero weight sum: expected ErrInvalidArgument, got %v", err)
	}
}

func TestNormalizeMatrixRanges(t *testing.T) {
	c := fromMatrix(t, [][]float64{{-2, 0}, {2, 1}})
	c.NormalizeMatrixPM1()
	lo, hi := c.MinMax()
	if lo != -1 || hi != 1 {
		t.Fatalf("PM1 range [%v,%v]", lo, hi)
	}

	c.ResetResult()
	c.NormalizeMatrix0255()
	m := c.Result().Matrix()
	if m[0][0] != 0 || m[1][0] != 255 || m[0][1] != 127 {
		t.Fatalf("0255 result=%v", m)
	}

	c.ResetResult()
	c.NormalizeMatrixReLU(100)
	m = c.Result().Matrix()
	if m[0][0] != 100 || m[1][0] != 255 {
		t.Fatalf("ReLU result=%v", m)
	}

	flat := fromMatrix(t, [][]float64{{3, 3}, {3, 3}})
	flat.NormalizeMatrixPM1()
	if lo, hi := flat.MinMax(); lo != 0 || hi != 0 {
		t.Fatalf("flat PM1 range [%v,%v]", lo, hi)
	}
}
