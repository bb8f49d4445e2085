//go:build (amd64 || arm64) && !noasm

package simd

import "math"

// softmaxUnrolled keeps four independent max and sum lanes so the loops
// vectorize on targets with 128-bit registers.
func softmaxUnrolled(x []float32) {
	n := len(x)
	m0, m1, m2, m3 := x[0], x[0], x[0], x[0]
	i := 0
	for ; i+4 <= n; i += 4 {
		m0 = max(m0, x[i])
		m1 = max(m1, x[i+1])
		m2 = max(m2, x[i+2])
		m3 = max(m3, x[i+3])
	}
	for ; i < n; i++ {
		m0 = max(m0, x[i])
	}
	mx := max(m0, m1, m2, m3)

	var s0, s1, s2, s3 float64
	i = 0
	for ; i+4 <= n; i += 4 {
		e0 := math.Exp(float64(x[i] - mx))
		e1 := math.Exp(float64(x[i+1] - mx))
		e2 := math.Exp(float64(x[i+2] - mx))
		e3 := math.Exp(float64(x[i+3] - mx))
		x[i], x[i+1], x[i+2], x[i+3] = float32(e0), float32(e1), float32(e2), float32(e3)
		s0 += e0
		s1 += e1
		s2 += e2
		s3 += e3
	}
	for ; i < n; i++ {
		e := math.Exp(float64(x[i] - mx))
		x[i] = float32(e)
		s0 += e
	}

	inv := 1 / (s0 + s1 + s2 + s3)
	for i := range x {
		x[i] = float32(float64(x[i]) * inv)
	}
}

func reluUnrolled(dst, src []float32) {
	n := len(src)
	i := 0
	for ; i+4 <= n; i += 4 {
		dst[i] = max(src[i], 0)
		dst[i+1] = max(src[i+1], 0)
		dst[i+2] = max(src[i+2], 0)
		dst[i+3] = max(src[i+3], 0)
	}
	for ; i < n; i++ {
		dst[i] = max(src[i], 0)
	}
}
