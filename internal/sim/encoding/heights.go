package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// QuantLevels is the number of distinct heights a quantized field can carry.
const QuantLevels = 1 << 16

// Quantize maps v from [lo, hi] onto 0..QuantLevels-1. A flat range maps to 0.
func Quantize(v, lo, hi float64) uint16 {
	if !(hi > lo) {
		return 0
	}
	q := math.Round((v - lo) / (hi - lo) * (QuantLevels - 1))
	if q < 0 {
		return 0
	}
	if q > QuantLevels-1 {
		return QuantLevels - 1
	}
	return uint16(q)
}

func Dequantize(q uint16, lo, hi float64) float64 {
	if !(hi > lo) {
		return lo
	}
	return lo + float64(q)/(QuantLevels-1)*(hi-lo)
}

// EncodeHeights quantizes vals over [lo, hi] and encodes them into
// base64(varint zigzag deltas). Neighbouring cells of a smooth field differ
// little, so most deltas fit in one or two bytes.
func EncodeHeights(vals []float64, lo, hi float64) string {
	var buf bytes.Buffer
	buf.Grow(len(vals) * 2)
	var tmp [binary.MaxVarintLen64]byte

	prev := int64(0)
	for _, v := range vals {
		q := int64(Quantize(v, lo, hi))
		n := binary.PutVarint(tmp[:], q-prev)
		buf.Write(tmp[:n])
		prev = q
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// DecodeHeights reverses EncodeHeights. count is the expected number of cells.
func DecodeHeights(b64 string, count int, lo, hi float64) ([]float64, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, count)
	prev := int64(0)
	for i := 0; i < len(raw); {
		d, n := binary.Varint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		q := prev + d
		if q < 0 || q >= QuantLevels {
			return nil, fmt.Errorf("quantized height out of range: %d", q)
		}
		out = append(out, Dequantize(uint16(q), lo, hi))
		prev = q
	}
	if len(out) != count {
		return nil, fmt.Errorf("decoded %d heights, want %d", len(out), count)
	}
	return out, nil
}
