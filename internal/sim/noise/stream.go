package noise

import "math/rand/v2"

// Stream is a deterministic source of uniform samples in [0, 1).
// Two streams built from the same seed yield identical sequences.
type Stream struct {
	seed int64
	r    *rand.Rand
}

func NewStream(seed int64) *Stream {
	return &Stream{seed: seed, r: rand.New(rand.NewPCG(uint64(seed), 0))}
}

func (s *Stream) Seed() int64 { return s.seed }

func (s *Stream) Next() float64 { return s.r.Float64() }
