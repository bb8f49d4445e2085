package conv

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-lite/internal/cpu"
	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/metrics"
	"github.com/23skdu/longbow-lite/internal/quant"
	"github.com/23skdu/longbow-lite/internal/tensor"
)

// State tracks a kernel through Created -> ParamSet -> Prepared -> Launched.
type State int

const (
	StateCreated State = iota
	StateParamSet
	StatePrepared
	StateLaunched
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateParamSet:
		return "param_set"
	case StatePrepared:
		return "prepared"
	case StateLaunched:
		return "launched"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrState is returned when an operation is called out of order.
var ErrState = errors.New("conv kernel called out of order")

// Kernel is one convolution implementation.
type Kernel interface {
	Name() string
	// SetParam validates p and moves the kernel to ParamSet, dropping any
	// prepared state.
	SetParam(p *Param) error
	// Prepare packs the filter and derives the per-channel scales once.
	Prepare(ctx *cpu.Context) error
	// Launch computes the output from the prepared state.
	Launch(ctx *cpu.Context) error
	State() State
}

// base carries what every implementation derives during Prepare.
type base struct {
	name    string
	state   State
	param   *Param
	mode    Mode
	inDims  tensor.Dims
	outDims tensor.Dims

	// scales[oc] maps the int32 accumulator to real magnitude; nil in
	// float mode. invOut is 1/OutputScale for int8 output.
	scales []float32
	bias   []float32
	invOut float32
}

func (b *base) Name() string  { return b.name }
func (b *base) State() State { return b.state }

func (b *base) setParam(p *Param) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}
	mode, _ := p.Mode()
	out, _ := p.OutputDims()
	*b = base{
		name:    b.name,
		state:   StateParamSet,
		param:   p,
		mode:    mode,
		inDims:  p.Input.Dims().Clone(),
		outDims: out,
	}
	return nil
}

// prepareScales derives per-channel scales and bias. It must run from
// ParamSet.
func (b *base) prepareScales() error {
	if b.state != StateParamSet {
		return fmt.Errorf("%s: prepare in state %s: %w", b.name, b.state, ErrState)
	}
	p := b.param
	oc := p.Filter.Dims()[0]
	if b.mode != ModeFloat {
		ws, _ := quant.Broadcast(p.WeightScale, oc)
		b.scales = quant.MergeScales(ws, p.InputScale)
	}
	if b.mode == ModeInt8ToInt8 {
		b.invOut = 1 / p.OutputScale
	}
	if p.Bias != nil {
		b.bias = append([]float32(nil), p.Bias.Float32s()...)
	}
	metrics.RecordKernelPrepare(b.name)
	return nil
}

// beginLaunch checks the state and that the input still has the prepared
// shape, then sizes the output.
func (b *base) beginLaunch() error {
	if b.state != StatePrepared && b.state != StateLaunched {
		return fmt.Errorf("%s: launch in state %s: %w", b.name, b.state, ErrState)
	}
	p := b.param
	if !p.Input.Dims().Equal(b.inDims) {
		return errdefs.Shape(b.name, "input", "prepared for %v, launched with %v", b.inDims, p.Input.Dims())
	}
	want := tensor.Float32
	if b.mode == ModeInt8ToInt8 {
		want = tensor.Int8
	}
	if p.Output.DType() != want {
		p.Output.SetDType(want)
	}
	if !p.Output.Dims().Equal(b.outDims) || p.Output.Released() {
		p.Output.Resize(b.outDims...)
	}
	return nil
}

func (b *base) channelBias(oc int) float32 {
	if b.bias == nil {
		return 0
	}
	return b.bias[oc]
}

// storeInt32 applies scale, bias, relu and the output conversion to one
// channel's accumulators.
func (b *base) storeInt32(oc int, acc []int32, outF []float32, outI []int8) {
	s, bias := b.scales[oc], b.channelBias(oc)
	relu := b.param.FuseRelu
	if outI != nil {
		for i, v := range acc {
			f := float32(v)*s + bias
			if relu && f < 0 {
				f = 0
			}
			outI[i] = quant.SaturateInt8(f * b.invOut)
		}
		return
	}
	for i, v := range acc {
		f := float32(v)*s + bias
		if relu && f < 0 {
			f = 0
		}
		outF[i] = f
	}
}

func (b *base) storeFloat32(oc int, acc, out []float32) {
	bias := b.channelBias(oc)
	relu := b.param.FuseRelu
	for i, v := range acc {
		f := v + bias
		if relu && f < 0 {
			f = 0
		}
		out[i] = f
	}
}

// gemmScales returns the GEMM row scales and bias for output channels
// [oc0, oc1).
func (b *base) gemmScales(oc0, oc1 int) ([]float32, []float32) {
	var s, bias []float32
	if b.scales != nil {
		s = b.scales[oc0:oc1]
	}
	if b.bias != nil {
		bias = b.bias[oc0:oc1]
	}
	return s, bias
}

// New returns the implementation suited to p: depthwise 3x3, pointwise,
// or the general im2col path.
func New(p *Param) Kernel {
	switch {
	case p.Input == nil || p.Filter == nil:
		return NewGemmLikeConv()
	case p.IsDepthwise3x3():
		return NewDepthwiseConv3x3()
	case p.IsPointwise():
		return NewPointwiseConv()
	default:
		return NewGemmLikeConv()
	}
}
