package noise

import (
	"errors"
	"testing"
)

func mustTable(t *testing.T, seed int64) *GradientTable {
	t.Helper()
	tab, err := GenerateGradients(DefaultGradientCount, NewStream(seed))
	if err != nil {
		t.Fatalf("GenerateGradients: %v", err)
	}
	return tab
}

func TestNewLayer_Divisibility(t *testing.T) {
	if _, err := NewLayer(100, 100, 7, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("100/7: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := NewLayer(100, 100, 10, 1); err != nil {
		t.Fatalf("100/10: %v", err)
	}
	if _, err := NewLayer(100, 90, 20, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("90/20: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := NewLayer(100, 100, 0, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("chunk 0: expected ErrInvalidArgument, got %v", err)
	}
}

func TestLayerFill_Deterministic(t *testing.T) {
	a, _ := NewLayer(40, 20, 10, 1)
	b, _ := NewLayer(40, 20, 10, 1)
	a.Fill(mustTable(t, 7))
	b.Fill(mustTable(t, 7))
	ca, cb := a.Grid().Cells(), b.Grid().Cells()
	for i := range ca {
		if ca[i] != cb[i] {
			t.Fatalf("cell %d differs: %v vs %v", i, ca[i], cb[i])
		}
	}
}

func TestLayerFill_MatchesSample(t *testing.T) {
	tab := mustTable(t, 11)
	l, _ := NewLayer(12, 8, 4, 2)
	l.Fill(tab)
	for x := 0; x < 12; x++ {
		for y := 0; y < 8; y++ {
			want := Sample(x, y, 4, x/4, y/4, tab)
			if got := l.Grid().At(x, y); got != want {
				t.Fatalf("(%d,%d)=%v want %v", x, y, got, want)
			}
		}
	}
}

func TestLayerSetWeight_LeavesGrid(t *testing.T) {
	l, _ := NewLayer(8, 8, 4, 1)
	l.Fill(mustTable(t, 1))
	before := l.Grid().Clone()
	l.SetWeight(5)
	if l.Weight() != 5 {
		t.Fatalf("weight=%v want 5", l.Weight())
	}
	for i, v := range before.Cells() {
		if l.Grid().Cells()[i] != v {
			t.Fatalf("SetWeight touched cell %d", i)
		}
	}
}

func TestLayerSetChunkSize_FailureLeavesLayer(t *testing.T) {
	tab := mustTable(t, 2)
	l, _ := NewLayer(12, 12, 4, 1)
	l.Fill(tab)
	before := l.Grid().Clone()
	if err := l.SetChunkSize(tab, 5); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if l.ChunkSize() != 4 {
		t.Fatalf("chunk size changed to %d", l.ChunkSize())
	}
	for i, v := range before.Cells() {
		if l.Grid().Cells()[i] != v {
			t.Fatalf("failed SetChunkSize touched cell %d", i)
		}
	}
	if err := l.SetChunkSize(tab, 6); err != nil {
		t.Fatalf("SetChunkSize(6): %v", err)
	}
	if got, want := l.Grid().At(7, 1), Sample(7, 1, 6, 1, 0, tab); got != want {
		t.Fatalf("refill mismatch: %v want %v", got, want)
	}
}

func TestLayerAccumulate_AddThenRemove(t *testing.T) {
	l, _ := NewLayer(8, 4, 4, 3)
	l.Fill(mustTable(t, 9))
	acc := NewGrid(8, 4)
	l.Accumulate(acc, l.Weight())
	for i, v := range l.Grid().Cells() {
		if acc.Cells()[i] != 3*v {
			t.Fatalf("cell %d=%v want %v", i, acc.Cells()[i], 3*v)
		}
	}
	l.Accumulate(acc, -l.Weight())
	for i, v := range acc.Cells() {
		if v > 1e-12 || v < -1e-12 {
			t.Fatalf("cell %d not cleared: %v", i, v)
		}
	}
}

func TestLayerAccumulate_DimensionMismatchPanics(t *testing.T) {
	l, _ := NewLayer(8, 8, 4, 1)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on size mismatch")
		}
	}()
	l.Accumulate(NewGrid(4, 8), 1)
}
