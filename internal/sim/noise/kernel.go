package noise

// Fade is the quintic smoothstep t^3(6t^2 - 15t + 10). Its first derivative is
// zero at 0 and 1, which keeps samples continuous across chunk borders.
func Fade(t float64) float64 {
	return t * t * t * (t*(t*6-15) + 10)
}

func Lerp(a, b, t float64) float64 {
	return a + t*(b-a)
}

// Offset returns the in-chunk position of coordinate v, in (0, 1].
func Offset(v, chunkSize int) float64 {
	return float64(v%chunkSize+1) / float64(chunkSize)
}

// Corners holds the gradients of the four lattice corners around one chunk.
type Corners struct {
	BL, BR, TL, TR Vec2
}

// CornersOf resolves the corner gradients of chunk (chunkX, chunkY).
func CornersOf(t *GradientTable, chunkX, chunkY int) Corners {
	return Corners{
		BL: t.Gradient(chunkX, chunkY),
		BR: t.Gradient(chunkX+1, chunkY),
		TL: t.Gradient(chunkX, chunkY+1),
		TR: t.Gradient(chunkX+1, chunkY+1),
	}
}

// Interpolate evaluates one sample at in-chunk offset (dx, dy) from the corner gradients.
func (c Corners) Interpolate(dx, dy float64) float64 {
	dotBL := Dot(c.BL, Vec2{X: dx, Y: dy})
	dotBR := Dot(c.BR, Vec2{X: dx - 1, Y: dy})
	dotTL := Dot(c.TL, Vec2{X: dx, Y: dy - 1})
	dotTR := Dot(c.TR, Vec2{X: dx - 1, Y: dy - 1})

	u := Fade(dx)
	v := Fade(dy)
	return Lerp(Lerp(dotBL, dotBR, u), Lerp(dotTL, dotTR, u), v)
}

// Sample computes the noise value of pixel (x, y) inside chunk (chunkX, chunkY).
// The output is not bounded; callers normalize downstream.
func Sample(x, y, chunkSize, chunkX, chunkY int, t *GradientTable) float64 {
	return CornersOf(t, chunkX, chunkY).Interpolate(Offset(x, chunkSize), Offset(y, chunkSize))
}
