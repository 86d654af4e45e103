package noise

import (
	"fmt"

	"github.com/dgravesa/go-parallel/parallel"
)

// LayerParams is the (chunk size, weight) pair describing one octave.
type LayerParams struct {
	ChunkSize int     `json:"chunk_size" yaml:"chunk_size"`
	Weight    float64 `json:"weight" yaml:"weight"`
}

// Layer is one octave of noise: a precomputed sizeX×sizeY grid plus the
// weight it contributes with. The grid dimensions never change.
//
// A Layer never keeps a gradient table; tables are borrowed for the duration
// of Fill / SetChunkSize.
type Layer struct {
	sizeX, sizeY int
	chunkSize    int
	weight       float64
	grid         *Grid
}

// CheckChunkSize reports ErrInvalidArgument when chunkSize does not divide both dimensions.
func CheckChunkSize(sizeX, sizeY, chunkSize int) error {
	if chunkSize <= 0 {
		return fmt.Errorf("chunk size %d must be positive: %w", chunkSize, ErrInvalidArgument)
	}
	if sizeX%chunkSize != 0 || sizeY%chunkSize != 0 {
		return fmt.Errorf("terrain %dx%d is not divisible by chunk size %d: %w", sizeX, sizeY, chunkSize, ErrInvalidArgument)
	}
	return nil
}

// NewLayer allocates a zeroed layer. The grid is not filled.
func NewLayer(sizeX, sizeY, chunkSize int, weight float64) (*Layer, error) {
	if sizeX <= 0 || sizeY <= 0 {
		return nil, fmt.Errorf("terrain size %dx%d: %w", sizeX, sizeY, ErrInvalidArgument)
	}
	if err := CheckChunkSize(sizeX, sizeY, chunkSize); err != nil {
		return nil, err
	}
	return &Layer{
		sizeX:     sizeX,
		sizeY:     sizeY,
		chunkSize: chunkSize,
		weight:    weight,
		grid:      NewGrid(sizeX, sizeY),
	}, nil
}

func (l *Layer) ChunkSize() int  { return l.chunkSize }
func (l *Layer) Weight() float64 { return l.weight }
func (l *Layer) Grid() *Grid     { return l.grid }

func (l *Layer) Params() LayerParams {
	return LayerParams{ChunkSize: l.chunkSize, Weight: l.weight}
}

// Fill overwrites every cell with noise computed from t.
// Chunk columns are independent and are computed concurrently.
func (l *Layer) Fill(t *GradientTable) {
	chunksX := l.sizeX / l.chunkSize
	chunksY := l.sizeY / l.chunkSize
	parallel.For(chunksX, func(chunkX, _ int) {
		for chunkY := 0; chunkY < chunksY; chunkY++ {
			l.fillChunk(t, chunkX, chunkY)
		}
	})
}

func (l *Layer) fillChunk(t *GradientTable, chunkX, chunkY int) {
	corners := CornersOf(t, chunkX, chunkY)
	offX := chunkX * l.chunkSize
	offY := chunkY * l.chunkSize
	for x := offX; x < offX+l.chunkSize; x++ {
		dx := Offset(x, l.chunkSize)
		for y := offY; y < offY+l.chunkSize; y++ {
			l.grid.Set(x, y, corners.Interpolate(dx, Offset(y, l.chunkSize)))
		}
	}
}

// SetWeight changes the multiplier only. The grid and any accumulator are untouched.
func (l *Layer) SetWeight(w float64) { l.weight = w }

// SetChunkSize validates the new size, then refills the grid from t.
// On error the layer is unchanged.
func (l *Layer) SetChunkSize(t *GradientTable, chunkSize int) error {
	if err := CheckChunkSize(l.sizeX, l.sizeY, chunkSize); err != nil {
		return err
	}
	l.chunkSize = chunkSize
	l.Fill(t)
	return nil
}

// Accumulate adds factor*grid into target cell by cell. Pass +weight to add
// the layer's contribution and -weight to remove it.
// A target of a different size is a programming error and panics.
func (l *Layer) Accumulate(target *Grid, factor float64) {
	if !target.SameSize(l.grid) {
		panic(fmt.Sprintf("noise: accumulate into %dx%d grid from %dx%d layer", target.W, target.H, l.grid.W, l.grid.H))
	}
	dst := target.Cells()
	for i, v := range l.grid.Cells() {
		dst[i] += factor * v
	}
}
