// Package quant holds the scale arithmetic between float32 and symmetric int8.
//
// A scale s maps a fixed-point value q to the real value q*s. int8 values are
// saturated to [-127, 127] so that negation never overflows.
package quant

import "math"

const (
	Int8Max = 127
	Int8Min = -127
)

// Round rounds half away from zero.
func Round(x float32) int32 {
	if x >= 0 {
		return int32(math.Floor(float64(x) + 0.5))
	}
	return int32(math.Ceil(float64(x) - 0.5))
}

// SaturateInt8 rounds x and clamps it to the symmetric int8 range.
func SaturateInt8(x float32) int8 {
	if x != x {
		return 0
	}
	if x >= Int8Max {
		return Int8Max
	}
	if x <= Int8Min {
		return Int8Min
	}
	v := Round(x)
	if v > Int8Max {
		v = Int8Max
	} else if v < Int8Min {
		v = Int8Min
	}
	return int8(v)
}

// Int8ToFp32 dequantizes in to out. Elements are addressed as
// [outer][axis][inner] and scale holds one value per axis index.
func Int8ToFp32(in []int8, out []float32, scale []float32, axisSize, outerSize, innerSize int) {
	for o := 0; o < outerSize; o++ {
		for c := 0; c < axisSize; c++ {
			s := scale[c]
			base := (o*axisSize + c) * innerSize
			src := in[base : base+innerSize]
			dst := out[base : base+innerSize]
			for i, v := range src {
				dst[i] = float32(v) * s
			}
		}
	}
}

// Fp32ToInt8 quantizes in to out with the same addressing as Int8ToFp32.
func Fp32ToInt8(in []float32, out []int8, scale []float32, axisSize, outerSize, innerSize int) {
	for o := 0; o < outerSize; o++ {
		for c := 0; c < axisSize; c++ {
			inv := 1 / scale[c]
			base := (o*axisSize + c) * innerSize
			src := in[base : base+innerSize]
			dst := out[base : base+innerSize]
			for i, v := range src {
				dst[i] = SaturateInt8(v * inv)
			}
		}
	}
}

// MergeScales returns scaleA[row]*scaleB for every row, the combined factor
// that maps an int32 GEMM accumulator back to real magnitude.
func MergeScales(scaleA []float32, scaleB float32) []float32 {
	out := make([]float32, len(scaleA))
	for i, s := range scaleA {
		out[i] = s * scaleB
	}
	return out
}

// Broadcast expands a per-tensor scale to n channels; a per-channel scale of
// length n is copied unchanged.
func Broadcast(scale []float32, n int) ([]float32, bool) {
	switch len(scale) {
	case n:
		return append([]float32(nil), scale...), true
	case 1:
		out := make([]float32, n)
		for i := range out {
			out[i] = scale[0]
		}
		return out, true
	default:
		return nil, false
	}
}

// MaxAbs returns the largest absolute value in data.
func MaxAbs(data []float32) float32 {
	var m float32
	for _, v := range data {
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}

// ScaleForMaxAbs is the symmetric scale that maps maxAbs to 127. A zero
// range yields scale 1 so that dequantization stays defined.
func ScaleForMaxAbs(maxAbs float32) float32 {
	if maxAbs == 0 {
		return 1
	}
	return maxAbs / Int8Max
}

// QuantizePerTensor calibrates one scale for the whole buffer.
func QuantizePerTensor(data []float32) ([]int8, float32) {
	s := ScaleForMaxAbs(MaxAbs(data))
	q := make([]int8, len(data))
	Fp32ToInt8(data, q, []float32{s}, 1, 1, len(data))
	return q, s
}

// QuantizePerChannel calibrates one scale per leading-axis channel, as used
// for convolution and fully connected weights.
func QuantizePerChannel(data []float32, channels int) ([]int8, []float32) {
	inner := len(data) / channels
	scales := make([]float32, channels)
	for c := 0; c < channels; c++ {
		scales[c] = ScaleForMaxAbs(MaxAbs(data[c*inner : (c+1)*inner]))
	}
	q := make([]int8, len(data))
	Fp32ToInt8(data, q, scales, channels, 1, inner)
	return q, scales
}
