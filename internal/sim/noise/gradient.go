package noise

import (
	"fmt"
	"math"
)

// DefaultGradientCount is the table size used when the configuration does not set one.
const DefaultGradientCount = 128

// Vec2 is a 2D vector.
type Vec2 struct {
	X, Y float64
}

func Dot(a, b Vec2) float64 { return a.X*b.X + a.Y*b.Y }

// GradientTable stores unit direction vectors addressed by a hash of lattice
// coordinates. A table is immutable once generated.
type GradientTable struct {
	grads []Vec2
}

// GenerateGradients draws n unit vectors from s, one angle per vector.
func GenerateGradients(n int, s *Stream) (*GradientTable, error) {
	if n <= 0 {
		return nil, fmt.Errorf("gradient count %d: %w", n, ErrInvalidArgument)
	}
	t := &GradientTable{grads: make([]Vec2, n)}
	for i := range t.grads {
		theta := s.Next() * 2 * math.Pi
		t.grads[i] = Vec2{X: math.Cos(theta), Y: math.Sin(theta)}
	}
	return t, nil
}

func (t *GradientTable) Len() int { return len(t.grads) }

// At returns the gradient stored at index i.
func (t *GradientTable) At(i int) Vec2 { return t.grads[i] }

// Lookup maps chunk lattice coordinates to a table index. Distant chunks may
// collide; that is a property of the noise.
func (t *GradientTable) Lookup(chunkX, chunkY int) int {
	return Hash(chunkX, chunkY, len(t.grads))
}

// Gradient returns the gradient assigned to the lattice corner (chunkX, chunkY).
func (t *GradientTable) Gradient(chunkX, chunkY int) Vec2 {
	return t.grads[t.Lookup(chunkX, chunkY)]
}

// Hash is (42043*i + 15299*j) mod n, kept non-negative.
func Hash(i, j, n int) int {
	h := (42043*i + 15299*j) % n
	if h < 0 {
		h += n
	}
	return h
}
