// Package compositor owns a stack of noise layers and their running weighted sum.
package compositor

import (
	"fmt"
	"math"

	"terragen.ai/internal/sim/noise"
)

// Compositor is an ordered stack of layers sharing one gradient table.
//
// The accumulator always equals Σ weight·grid over the layers. It is kept up
// to date incrementally: each edit subtracts the old contribution of the
// touched layer and adds the new one.
//
// Post-processing (FilterMatrix, Normalize*, MatrixReLU) works on a separate
// output buffer that every layer edit resets from the accumulator.
//
// A Compositor is not safe for concurrent use.
type Compositor struct {
	sizeX, sizeY int

	gradients *noise.GradientTable
	gradCount int

	layers    []*noise.Layer
	weightSum float64

	acc    *noise.Grid
	result *noise.Grid
}

// New builds a compositor, draws its gradient table from s and fills one layer
// per entry of params. All params are validated before anything is computed.
func New(sizeX, sizeY, gradientCount int, s *noise.Stream, params []noise.LayerParams) (*Compositor, error) {
	if sizeX <= 0 || sizeY <= 0 {
		return nil, fmt.Errorf("terrain size %dx%d: %w", sizeX, sizeY, noise.ErrInvalidArgument)
	}
	if err := checkParams(sizeX, sizeY, params); err != nil {
		return nil, err
	}
	if gradientCount <= 0 {
		gradientCount = noise.DefaultGradientCount
	}
	tab, err := noise.GenerateGradients(gradientCount, s)
	if err != nil {
		return nil, err
	}
	c := &Compositor{
		sizeX:     sizeX,
		sizeY:     sizeY,
		gradients: tab,
		gradCount: gradientCount,
		acc:       noise.NewGrid(sizeX, sizeY),
		result:    noise.NewGrid(sizeX, sizeY),
	}
	for _, p := range params {
		if err := c.AddLayer(p.ChunkSize, p.Weight); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func checkParams(sizeX, sizeY int, params []noise.LayerParams) error {
	for i, p := range params {
		if err := noise.CheckChunkSize(sizeX, sizeY, p.ChunkSize); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return nil
}

func (c *Compositor) Size() (int, int)   { return c.sizeX, c.sizeY }
func (c *Compositor) Len() int           { return len(c.layers) }
func (c *Compositor) WeightSum() float64 { return c.weightSum }

// Gradients returns the table the layers are filled from.
func (c *Compositor) Gradients() *noise.GradientTable { return c.gradients }

// Params returns the ordered (chunk size, weight) pairs of the stack.
func (c *Compositor) Params() []noise.LayerParams {
	out := make([]noise.LayerParams, len(c.layers))
	for i, l := range c.layers {
		out[i] = l.Params()
	}
	return out
}

func (c *Compositor) layer(index int) (*noise.Layer, error) {
	if index < 0 || index >= len(c.layers) {
		return nil, fmt.Errorf("layer %d of %d: %w", index, len(c.layers), noise.ErrIndexOutOfRange)
	}
	return c.layers[index], nil
}

// AddLayer builds and fills a new layer, then adds it on top of the stack.
func (c *Compositor) AddLayer(chunkSize int, weight float64) error {
	l, err := noise.NewLayer(c.sizeX, c.sizeY, chunkSize, weight)
	if err != nil {
		return err
	}
	l.Fill(c.gradients)
	l.Accumulate(c.acc, weight)
	c.weightSum += weight
	c.layers = append(c.layers, l)
	c.ResetResult()
	return nil
}

// RemoveLayer subtracts the layer's current contribution and drops it.
func (c *Compositor) RemoveLayer(index int) error {
	l, err := c.layer(index)
	if err != nil {
		return err
	}
	l.Accumulate(c.acc, -l.Weight())
	c.weightSum -= l.Weight()
	c.layers = append(c.layers[:index], c.layers[index+1:]...)
	c.ResetResult()
	return nil
}

// RemoveLastLayer removes the most recently added layer.
func (c *Compositor) RemoveLastLayer() error {
	return c.RemoveLayer(len(c.layers) - 1)
}

// RecomputeLayerWeight swaps the layer's multiplier. The grid is reused.
func (c *Compositor) RecomputeLayerWeight(index int, weight float64) error {
	l, err := c.layer(index)
	if err != nil {
		return err
	}
	old := l.Weight()
	l.Accumulate(c.acc, -old)
	l.SetWeight(weight)
	l.Accumulate(c.acc, weight)
	c.weightSum += weight - old
	c.ResetResult()
	return nil
}

// RecomputeLayerChunkSize refills the layer at a new chunk size.
func (c *Compositor) RecomputeLayerChunkSize(index int, chunkSize int) error {
	l, err := c.layer(index)
	if err != nil {
		return err
	}
	if err := noise.CheckChunkSize(c.sizeX, c.sizeY, chunkSize); err != nil {
		return err
	}
	w := l.Weight()
	l.Accumulate(c.acc, -w)
	if err := l.SetChunkSize(c.gradients, chunkSize); err != nil {
		l.Accumulate(c.acc, w)
		return err
	}
	l.Accumulate(c.acc, w)
	c.ResetResult()
	return nil
}

// RecomputeLayer applies a chunk size change followed by a weight change.
// Both are validated before either is applied.
func (c *Compositor) RecomputeLayer(index int, chunkSize int, weight float64) error {
	if _, err := c.layer(index); err != nil {
		return err
	}
	if err := noise.CheckChunkSize(c.sizeX, c.sizeY, chunkSize); err != nil {
		return err
	}
	if err := c.RecomputeLayerChunkSize(index, chunkSize); err != nil {
		return err
	}
	return c.RecomputeLayerWeight(index, weight)
}

// SetLayers replaces the whole stack.
func (c *Compositor) SetLayers(params []noise.LayerParams) error {
	if err := checkParams(c.sizeX, c.sizeY, params); err != nil {
		return err
	}
	c.layers = c.layers[:0]
	c.weightSum = 0
	c.acc.Clear()
	for _, p := range params {
		if err := c.AddLayer(p.ChunkSize, p.Weight); err != nil {
			return err
		}
	}
	c.ResetResult()
	return nil
}

// Reseed replaces the gradient table with one drawn from s and refills every
// layer. The accumulator is rebuilt by adding each refilled layer to zero.
func (c *Compositor) Reseed(s *noise.Stream) error {
	tab, err := noise.GenerateGradients(c.gradCount, s)
	if err != nil {
		return err
	}
	c.gradients = tab
	c.acc.Clear()
	c.weightSum = 0
	for _, l := range c.layers {
		l.Fill(c.gradients)
		l.Accumulate(c.acc, l.Weight())
		c.weightSum += l.Weight()
	}
	c.ResetResult()
	return nil
}

// Accumulator returns a copy of the running weighted sum.
func (c *Compositor) Accumulator() *noise.Grid { return c.acc.Clone() }

// Result returns a copy of the output buffer.
func (c *Compositor) Result() *noise.Grid { return c.result.Clone() }

// ResultRef returns the output buffer itself. Callers must not modify it.
func (c *Compositor) ResultRef() *noise.Grid { return c.result }

// ResetResult discards post-processing and copies the accumulator into the output buffer.
func (c *Compositor) ResetResult() { c.result.CopyFrom(c.acc) }

// FilterMatrix raises every output cell to at least the matching cell of other's output.
func (c *Compositor) FilterMatrix(other *Compositor) {
	if !c.result.SameSize(other.result) {
		panic(fmt.Sprintf("compositor: filter %dx%d with %dx%d", c.sizeX, c.sizeY, other.sizeX, other.sizeY))
	}
	dst := c.result.Cells()
	for i, v := range other.result.Cells() {
		if v > dst[i] {
			dst[i] = v
		}
	}
}

// NormalizeMatrixSUM divides every output cell by weightSum*flatteningFactor.
// A factor above 1 compresses relief.
func (c *Compositor) NormalizeMatrixSUM(flatteningFactor float64) error {
	if !(flatteningFactor > 0) {
		return fmt.Errorf("flattening factor %v must be > 0: %w", flatteningFactor, noise.ErrInvalidArgument)
	}
	div := c.weightSum * flatteningFactor
	if div == 0 {
		return fmt.Errorf("weight sum is zero: %w", noise.ErrInvalidArgument)
	}
	cells := c.result.Cells()
	for i := range cells {
		cells[i] /= div
	}
	return nil
}

// MinMax scans the output buffer.
func (c *Compositor) MinMax() (float64, float64) { return c.result.MinMax() }

// NormalizeMatrix0255 rescales the output to integral values in [0, 255].
// A flat field maps to 0.
func (c *Compositor) NormalizeMatrix0255() {
	lo, hi := c.result.MinMax()
	c.rescale(func(v float64) float64 {
		if hi == lo {
			return 0
		}
		return math.Trunc(255 * (v - lo) / (hi - lo))
	})
}

// NormalizeMatrixPM1 rescales the output to [-1, 1]. A flat field maps to 0.
func (c *Compositor) NormalizeMatrixPM1() {
	lo, hi := c.result.MinMax()
	c.rescale(func(v float64) float64 {
		if hi == lo {
			return 0
		}
		return 2*(v-lo)/(hi-lo) - 1
	})
}

// MatrixReLU clamps every output cell to at least threshold.
func (c *Compositor) MatrixReLU(threshold float64) {
	c.rescale(func(v float64) float64 { return math.Max(v, threshold) })
}

// NormalizeMatrixReLU rescales to [0, 255] and then clamps to threshold.
func (c *Compositor) NormalizeMatrixReLU(threshold float64) {
	c.NormalizeMatrix0255()
	c.MatrixReLU(threshold)
}

func (c *Compositor) rescale(f func(float64) float64) {
	cells := c.result.Cells()
	for i, v := range cells {
		cells[i] = f(v)
	}
}
