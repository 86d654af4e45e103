package encoding

import (
	"math"
	"testing"
)

func TestHeights_RoundTrip(t *testing.T) {
	in := make([]float64, 0, 256)
	for i := 0; i < 256; i++ {
		in = append(in, math.Sin(float64(i)/20))
	}
	lo, hi := -1.0, 1.0

	enc := EncodeHeights(in, lo, hi)
	out, err := DecodeHeights(enc, len(in), lo, hi)
	if err != nil {
		t.Fatalf("DecodeHeights: %v", err)
	}
	step := (hi - lo) / (QuantLevels - 1)
	for i := range in {
		if math.Abs(out[i]-in[i]) > step {
			t.Fatalf("cell %d: got %v want %v (step %v)", i, out[i], in[i], step)
		}
	}
	// Smooth input should need well under 3 bytes per cell before base64.
	if len(enc) > len(in)*3*4/3+4 {
		t.Fatalf("encoding too large: %d bytes for %d cells", len(enc), len(in))
	}
}

func TestHeights_FlatField(t *testing.T) {
	in := []float64{0.5, 0.5, 0.5, 0.5}
	out, err := DecodeHeights(EncodeHeights(in, 0.5, 0.5), len(in), 0.5, 0.5)
	if err != nil {
		t.Fatalf("DecodeHeights: %v", err)
	}
	for i, v := range out {
		if v != 0.5 {
			t.Fatalf("cell %d = %v want 0.5", i, v)
		}
	}
}

func TestHeights_Errors(t *testing.T) {
	if _, err := DecodeHeights("!!", 1, 0, 1); err == nil {
		t.Fatalf("expected base64 error")
	}
	enc := EncodeHeights([]float64{0, 1}, 0, 1)
	if _, err := DecodeHeights(enc, 3, 0, 1); err == nil {
		t.Fatalf("expected count mismatch")
	}
}

func TestQuantize_Clamps(t *testing.T) {
	if got := Quantize(-5, 0, 1); got != 0 {
		t.Fatalf("below range: %d", got)
	}
	if got := Quantize(5, 0, 1); got != QuantLevels-1 {
		t.Fatalf("above range: %d", got)
	}
}
