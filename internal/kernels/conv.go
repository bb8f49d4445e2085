package kernels

import (
	"fmt"

	"github.com/23skdu/longbow-lite/internal/conv"
	"github.com/23skdu/longbow-lite/internal/cpu"
	"github.com/23skdu/longbow-lite/internal/graph"
	"github.com/23skdu/longbow-lite/internal/kernel"
	"github.com/23skdu/longbow-lite/internal/place"
	"github.com/23skdu/longbow-lite/internal/tensor"
)

// convImpl is one shape specialization offered for an op type.
type convImpl struct {
	alias    string
	cost     int
	supports func(*graph.Graph, *graph.Op) bool
	new      func() conv.Kernel
}

var (
	convImpls = []convImpl{
		{"1x1", 0, isPointwise, func() conv.Kernel { return conv.NewPointwiseConv() }},
		{"gemm", 1, nil, func() conv.Kernel { return conv.NewGemmLikeConv() }},
	}
	depthwiseImpls = []convImpl{
		{"3x3", 0, isDepthwise3x3, func() conv.Kernel { return conv.NewDepthwiseConv3x3() }},
		{"gemm", 1, nil, func() conv.Kernel { return conv.NewGemmLikeConv() }},
	}
)

// registerConv declares conv2d and depthwise_conv2d on target t. Int8
// kernels come in two flavours: int8 output when the op carries an
// output_scale, float32 output otherwise.
func registerConv(r *registrar, t place.Target, prec place.Precision) {
	p := place.New(t, prec)
	fp := place.New(t, place.PrecisionFloat)
	for _, typ := range []struct {
		op    string
		impls []convImpl
	}{
		{"conv2d", convImpls},
		{"depthwise_conv2d", depthwiseImpls},
	} {
		for _, impl := range typ.impls {
			newImpl := impl.new
			ctor := func() kernel.Kernel { return &convKernel{newImpl: newImpl} }
			if prec == place.PrecisionFloat {
				r.add(kernel.Decl{
					Key:      kernel.Key{Op: typ.op, Place: p, Alias: impl.alias},
					Cost:     impl.cost,
					Supports: all(slotIs("Filter", tensor.Float32), orTrue(impl.supports)),
					New:      ctor,
				})
				continue
			}
			r.add(kernel.Decl{
				Key:      kernel.Key{Op: typ.op, Place: p, Alias: impl.alias + "_fp32_out"},
				Cost:     impl.cost,
				Inputs:   map[string]place.Place{"Bias": fp},
				Outputs:  map[string]place.Place{"Output": fp},
				Supports: all(slotIs("Filter", tensor.Int8), hasAttr("output_scale", false), orTrue(impl.supports)),
				New:      ctor,
			})
			r.add(kernel.Decl{
				Key:      kernel.Key{Op: typ.op, Place: p, Alias: impl.alias + "_int8_out"},
				Cost:     impl.cost,
				Inputs:   map[string]place.Place{"Bias": fp},
				Supports: all(slotIs("Filter", tensor.Int8), hasAttr("output_scale", true), orTrue(impl.supports)),
				New:      ctor,
			})
		}
	}
}

func orTrue(pred func(*graph.Graph, *graph.Op) bool) func(*graph.Graph, *graph.Op) bool {
	if pred == nil {
		return func(*graph.Graph, *graph.Op) bool { return true }
	}
	return pred
}

// convAttrs reads the convolution attributes of op into a Param without
// tensors.
func convAttrs(op *graph.Op) conv.Param {
	return conv.Param{
		Strides:     op.Attrs.Pair("strides", [2]int{1, 1}),
		Paddings:    op.Attrs.Pair("paddings", [2]int{0, 0}),
		Dilations:   op.Attrs.Pair("dilations", [2]int{1, 1}),
		Groups:      op.Attrs.Int("groups", 1),
		FuseRelu:    op.Attrs.Bool("fuse_relu"),
		InputScale:  op.Attrs.Float("input_scale", 0),
		OutputScale: op.Attrs.Float("output_scale", 0),
		WeightScale: op.Attrs.Floats("weight_scale"),
	}
}

// shapeOnly builds a Param whose tensors carry dims but no data, enough
// for the shape predicates.
func shapeOnly(g *graph.Graph, op *graph.Op) (conv.Param, bool) {
	p := convAttrs(op)
	in, ok1 := op.Input("Input")
	f, ok2 := op.Input("Filter")
	if !ok1 || !ok2 {
		return p, false
	}
	p.Input = tensor.New(tensor.Unknown, g.Var(in).Dims...)
	p.Filter = tensor.New(tensor.Unknown, g.Var(f).Dims...)
	return p, true
}

func isPointwise(g *graph.Graph, op *graph.Op) bool {
	p, ok := shapeOnly(g, op)
	return ok && p.IsPointwise()
}

func isDepthwise3x3(g *graph.Graph, op *graph.Op) bool {
	p, ok := shapeOnly(g, op)
	return ok && len(p.Input.Dims()) == 4 && len(p.Filter.Dims()) == 4 && p.IsDepthwise3x3()
}

// convKernel adapts a conv.Kernel to the graph: it binds the op's tensors
// and attributes into the Param the implementation owns.
type convKernel struct {
	newImpl func() conv.Kernel
	impl    conv.Kernel
	param   conv.Param
}

func (k *convKernel) SetParam(_ *graph.Graph, op *graph.Op, scope kernel.Scope) error {
	p := convAttrs(op)
	var err error
	if p.Input, err = inputTensor(op, scope, "Input"); err != nil {
		return err
	}
	if p.Filter, err = inputTensor(op, scope, "Filter"); err != nil {
		return err
	}
	if p.Output, err = outputTensor(op, scope, "Output"); err != nil {
		return err
	}
	p.Bias = optionalInput(op, scope, "Bias")
	if p.WeightScale == nil {
		p.WeightScale = p.Filter.Scale()
	}
	k.param = p
	if k.impl == nil {
		k.impl = k.newImpl()
	}
	if err := k.impl.SetParam(&k.param); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (k *convKernel) Prepare(ctx *cpu.Context) error {
	if k.impl == nil {
		return fmt.Errorf("conv: prepare before set param: %w", conv.ErrState)
	}
	return k.impl.Prepare(ctx)
}

func (k *convKernel) Launch(ctx *cpu.Context) error {
	if k.impl == nil {
		return fmt.Errorf("conv: launch before set param: %w", conv.ErrState)
	}
	return k.impl.Launch(ctx)
}
