// Package reference holds straightforward float64-accumulating versions of
// the dense kernels. They exist to check the optimized paths.
package reference

import "math/rand"

// Gemm computes C = op(A) * op(B) (+ bias per row) (relu) with
// C M x N row-major. Without transposes A is M x K and B is K x N;
// transA reads A as K x M and transB reads B as N x K.
func Gemm(transA, transB bool, m, n, k int, a, b, bias []float32, relu bool) []float32 {
	c := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float64
			for l := 0; l < k; l++ {
				var av, bv float32
				if transA {
					av = a[l*m+i]
				} else {
					av = a[i*k+l]
				}
				if transB {
					bv = b[j*k+l]
				} else {
					bv = b[l*n+j]
				}
				sum += float64(av) * float64(bv)
			}
			if bias != nil {
				sum += float64(bias[i])
			}
			if relu && sum < 0 {
				sum = 0
			}
			c[i*n+j] = float32(sum)
		}
	}
	return c
}

// ConvShape is the geometry of an NCHW convolution.
type ConvShape struct {
	N, C, H, W int
	// OC output channels; KH x KW filter.
	OC, KH, KW int
	Groups     int
	Strides    [2]int
	Paddings   [2]int
	Dilations  [2]int
}

func (s ConvShape) outExtent(in, k, pad, stride, dil int) int {
	return (in+2*pad-(dil*(k-1)+1))/stride + 1
}

// OutDims returns N, OC, OH, OW.
func (s ConvShape) OutDims() (int, int, int, int) {
	oh := s.outExtent(s.H, s.KH, s.Paddings[0], s.Strides[0], s.Dilations[0])
	ow := s.outExtent(s.W, s.KW, s.Paddings[1], s.Strides[1], s.Dilations[1])
	return s.N, s.OC, oh, ow
}

// Conv2D is a direct grouped convolution. The filter is OC x C/groups x KH x KW.
func Conv2D(s ConvShape, input, filter, bias []float32, relu bool) []float32 {
	n, oc, oh, ow := s.OutDims()
	out := make([]float32, n*oc*oh*ow)
	icg := s.C / s.Groups
	ocg := s.OC / s.Groups
	for b := 0; b < n; b++ {
		for g := 0; g < s.Groups; g++ {
			for o := 0; o < ocg; o++ {
				co := g*ocg + o
				for y := 0; y < oh; y++ {
					for x := 0; x < ow; x++ {
						var sum float64
						for ci := 0; ci < icg; ci++ {
							cin := g*icg + ci
							for ky := 0; ky < s.KH; ky++ {
								iy := y*s.Strides[0] - s.Paddings[0] + ky*s.Dilations[0]
								if iy < 0 || iy >= s.H {
									continue
								}
								for kx := 0; kx < s.KW; kx++ {
									ix := x*s.Strides[1] - s.Paddings[1] + kx*s.Dilations[1]
									if ix < 0 || ix >= s.W {
										continue
									}
									iv := input[((b*s.C+cin)*s.H+iy)*s.W+ix]
									fv := filter[((co*icg+ci)*s.KH+ky)*s.KW+kx]
									sum += float64(iv) * float64(fv)
								}
							}
						}
						if bias != nil {
							sum += float64(bias[co])
						}
						if relu && sum < 0 {
							sum = 0
						}
						out[((b*oc+co)*oh+y)*ow+x] = float32(sum)
					}
				}
			}
		}
	}
	return out
}

// FillInt8 fills dst uniformly from [lo, hi].
func FillInt8(rng *rand.Rand, dst []int8, lo, hi int) {
	for i := range dst {
		dst[i] = int8(lo + rng.Intn(hi-lo+1))
	}
}

// FillFloat32 fills dst uniformly from [lo, hi).
func FillFloat32(rng *rand.Rand, dst []float32, lo, hi float32) {
	for i := range dst {
		dst[i] = lo + rng.Float32()*(hi-lo)
	}
}

// ToFloat32 dequantizes with a single scale.
func ToFloat32(src []int8, scale float32) []float32 {
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(v) * scale
	}
	return out
}
