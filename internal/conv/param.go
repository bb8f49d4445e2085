// Package conv implements 2-D NCHW convolution on top of the packed GEMM:
// a general im2col path, a 1x1 pointwise path and a direct 3x3 depthwise
// path. All three share the same parameter block and numeric policy.
package conv

import (
	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/quant"
	"github.com/23skdu/longbow-lite/internal/tensor"
)

// Mode is the precision combination of input and output.
type Mode int

const (
	ModeInt8ToInt8 Mode = iota
	ModeInt8ToFloat
	ModeFloat
)

func (m Mode) String() string {
	switch m {
	case ModeInt8ToInt8:
		return "int8_int8"
	case ModeInt8ToFloat:
		return "int8_fp32"
	default:
		return "fp32"
	}
}

// Param is the convolution parameter block. Pairs are (height, width).
// Filter is OC x C/Groups x KH x KW. In int8 modes the filter is int8 with
// WeightScale holding one value per output channel (or one for all), and
// InputScale the per-tensor input scale. OutputScale applies to int8 output.
type Param struct {
	Input  *tensor.Tensor
	Filter *tensor.Tensor
	Bias   *tensor.Tensor
	Output *tensor.Tensor

	Strides   [2]int
	Paddings  [2]int
	Dilations [2]int
	Groups    int
	FuseRelu  bool

	InputScale  float32
	OutputScale float32
	WeightScale []float32
}

// OutputExtent is floor((in + 2*pad - (dil*(k-1)+1)) / stride) + 1. A
// stride or dilation below 1 yields 0.
func OutputExtent(in, k, pad, stride, dil int) int {
	if stride < 1 || dil < 1 {
		return 0
	}
	num := in + 2*pad - (dil*(k-1) + 1)
	if num < 0 {
		// floor division for a negative numerator
		return -((-num + stride - 1) / stride) + 1
	}
	return num/stride + 1
}

// OutputDims returns N x OC x OH x OW or a ShapeError when an extent is
// below 1.
func (p *Param) OutputDims() (tensor.Dims, error) {
	in, f := p.Input.Dims(), p.Filter.Dims()
	if len(in) != 4 || len(f) != 4 {
		return nil, errdefs.Shape("conv2d", "rank", "input %v and filter %v must be 4-D", in, f)
	}
	for i := 0; i < 2; i++ {
		if p.Strides[i] < 1 || p.Dilations[i] < 1 {
			return nil, errdefs.Shape("conv2d", "stride", "strides %v and dilations %v must be positive", p.Strides, p.Dilations)
		}
	}
	oh := OutputExtent(in[2], f[2], p.Paddings[0], p.Strides[0], p.Dilations[0])
	if oh < 1 {
		return nil, errdefs.Shape("conv2d", "height", "output extent %d from input %d, kernel %d, pad %d, stride %d, dilation %d",
			oh, in[2], f[2], p.Paddings[0], p.Strides[0], p.Dilations[0])
	}
	ow := OutputExtent(in[3], f[3], p.Paddings[1], p.Strides[1], p.Dilations[1])
	if ow < 1 {
		return nil, errdefs.Shape("conv2d", "width", "output extent %d from input %d, kernel %d, pad %d, stride %d, dilation %d",
			ow, in[3], f[3], p.Paddings[1], p.Strides[1], p.Dilations[1])
	}
	return tensor.Dims{in[0], f[0], oh, ow}, nil
}

// Mode derives the precision mode from the input and output dtypes.
func (p *Param) Mode() (Mode, error) {
	in, out := p.Input.DType(), p.Output.DType()
	switch {
	case in == tensor.Int8 && out == tensor.Int8:
		return ModeInt8ToInt8, nil
	case in == tensor.Int8 && out == tensor.Float32:
		return ModeInt8ToFloat, nil
	case in == tensor.Float32 && out == tensor.Float32:
		return ModeFloat, nil
	}
	return 0, errdefs.Config("conv2d", "unsupported precision %s -> %s", in, out)
}

// Validate checks every structural constraint before any computation.
func (p *Param) Validate() error {
	if p.Input == nil || p.Filter == nil || p.Output == nil {
		return errdefs.Config("conv2d", "input, filter and output are required")
	}
	if p.Groups < 1 {
		return errdefs.Config("conv2d", "groups must be positive, got %d", p.Groups)
	}
	for i := 0; i < 2; i++ {
		if p.Strides[i] < 1 || p.Dilations[i] < 1 || p.Paddings[i] < 0 {
			return errdefs.Config("conv2d", "invalid strides %v, paddings %v or dilations %v",
				p.Strides, p.Paddings, p.Dilations)
		}
	}
	in, f := p.Input.Dims(), p.Filter.Dims()
	if len(in) != 4 || len(f) != 4 {
		return errdefs.Shape("conv2d", "rank", "input %v and filter %v must be 4-D", in, f)
	}
	if f[1]*p.Groups != in[1] {
		return errdefs.Config("conv2d", "filter channels %d x groups %d != input channels %d", f[1], p.Groups, in[1])
	}
	if f[0]%p.Groups != 0 {
		return errdefs.Config("conv2d", "output channels %d not divisible by groups %d", f[0], p.Groups)
	}
	mode, err := p.Mode()
	if err != nil {
		return err
	}
	if mode == ModeFloat {
		if p.Filter.DType() != tensor.Float32 {
			return errdefs.Config("conv2d", "float convolution needs a float32 filter, got %s", p.Filter.DType())
		}
	} else {
		if p.Filter.DType() != tensor.Int8 {
			return errdefs.Config("conv2d", "int8 convolution needs an int8 filter, got %s", p.Filter.DType())
		}
		if !(p.InputScale > 0) {
			return errdefs.Config("conv2d", "input scale must be positive, got %v", p.InputScale)
		}
		if _, ok := quant.Broadcast(p.WeightScale, f[0]); !ok {
			return errdefs.Config("conv2d", "weight scale has %d values for %d output channels", len(p.WeightScale), f[0])
		}
		if mode == ModeInt8ToInt8 && !(p.OutputScale > 0) {
			return errdefs.Config("conv2d", "output scale must be positive, got %v", p.OutputScale)
		}
	}
	if p.Bias != nil {
		if p.Bias.DType() != tensor.Float32 || p.Bias.Numel() != f[0] {
			return errdefs.Config("conv2d", "bias must be %d float32 values, got %v %s", f[0], p.Bias.Dims(), p.Bias.DType())
		}
	}
	_, err = p.OutputDims()
	return err
}

// IsDepthwise reports groups == input channels == output channels.
func (p *Param) IsDepthwise() bool {
	in, f := p.Input.Dims(), p.Filter.Dims()
	return len(in) == 4 && len(f) == 4 && p.Groups == in[1] && f[0] == in[1] && f[1] == 1
}

// IsPointwise reports a 1x1 filter with unit stride and no padding.
func (p *Param) IsPointwise() bool {
	f := p.Filter.Dims()
	return len(f) == 4 && f[2] == 1 && f[3] == 1 &&
		p.Strides == [2]int{1, 1} && p.Paddings == [2]int{0, 0}
}

// IsDepthwise3x3 is the shape handled by DepthwiseConv3x3.
func (p *Param) IsDepthwise3x3() bool {
	f := p.Filter.Dims()
	return p.IsDepthwise() && f[2] == 3 && f[3] == 3 &&
		p.Dilations == [2]int{1, 1} && p.Strides[0] == p.Strides[1] &&
		(p.Strides[0] == 1 || p.Strides[0] == 2) &&
		p.Paddings[0] == p.Paddings[1] && p.Paddings[0] <= 1
}
