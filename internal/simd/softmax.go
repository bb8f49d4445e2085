// Package simd holds the elementwise activation routines used by kernels.
// Each routine dispatches through a function variable that architecture
// files replace at init.
package simd

import "math"

var (
	softmaxImpl func(x []float32)
	reluImpl    func(dst, src []float32)
)

func init() {
	softmaxImpl = softmaxScalar
	reluImpl = reluScalar
}

// Softmax normalizes x in place. Exponentials are summed in float64.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	softmaxImpl(x)
}

// Relu writes max(src, 0) into dst; src must be at least as long as dst.
func Relu(dst, src []float32) {
	reluImpl(dst, src[:len(dst)])
}

func softmaxScalar(x []float32) {
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}

	sum := 0.0
	for i := range x {
		e := math.Exp(float64(x[i] - max))
		x[i] = float32(e)
		sum += e
	}

	inv := 1 / sum
	for i := range x {
		x[i] = float32(float64(x[i]) * inv)
	}
}

func reluScalar(dst, src []float32) {
	for i, v := range src {
		if v < 0 {
			v = 0
		}
		dst[i] = v
	}
}
