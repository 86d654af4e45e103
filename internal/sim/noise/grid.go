package noise

import "fmt"

// Grid stores a W×H field of float64 values in row-major order.
type Grid struct {
	W, H int
	data []float64
}

// NewGrid allocates a zeroed grid.
func NewGrid(w, h int) *Grid {
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	return &Grid{W: w, H: h, data: make([]float64, w*h)}
}

// GridFromMatrix builds a grid from an [x][y] matrix. All columns must have equal length.
func GridFromMatrix(m [][]float64) (*Grid, error) {
	if len(m) == 0 {
		return NewGrid(0, 0), nil
	}
	g := NewGrid(len(m), len(m[0]))
	for x, col := range m {
		if len(col) != g.H {
			return nil, fmt.Errorf("column %d has %d cells, want %d: %w", x, len(col), g.H, ErrInvalidArgument)
		}
		for y, v := range col {
			g.Set(x, y, v)
		}
	}
	return g, nil
}

// Index returns the linear slice index for coordinates (x, y).
func (g *Grid) Index(x, y int) int { return y*g.W + x }

func (g *Grid) At(x, y int) float64 { return g.data[g.Index(x, y)] }

func (g *Grid) Set(x, y int, v float64) { g.data[g.Index(x, y)] = v }

// Cells exposes the backing slice so callers can read/write values directly.
func (g *Grid) Cells() []float64 { return g.data }

func (g *Grid) SameSize(o *Grid) bool { return g.W == o.W && g.H == o.H }

func (g *Grid) Clone() *Grid {
	c := &Grid{W: g.W, H: g.H, data: make([]float64, len(g.data))}
	copy(c.data, g.data)
	return c
}

// CopyFrom overwrites g with the values of o. Sizes must match.
func (g *Grid) CopyFrom(o *Grid) {
	if !g.SameSize(o) {
		panic(fmt.Sprintf("noise: grid size mismatch %dx%d vs %dx%d", g.W, g.H, o.W, o.H))
	}
	copy(g.data, o.data)
}

// Clear fills the grid with zeros.
func (g *Grid) Clear() {
	for i := range g.data {
		g.data[i] = 0
	}
}

// Matrix returns a copy indexed [x][y], the layout exporters consume.
func (g *Grid) Matrix() [][]float64 {
	m := make([][]float64, g.W)
	for x := range m {
		m[x] = make([]float64, g.H)
		for y := range m[x] {
			m[x][y] = g.At(x, y)
		}
	}
	return m
}

// MinMax returns the smallest and largest cell values. An empty grid yields (0, 0).
func (g *Grid) MinMax() (float64, float64) {
	if len(g.data) == 0 {
		return 0, 0
	}
	lo, hi := g.data[0], g.data[0]
	for _, v := range g.data[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
