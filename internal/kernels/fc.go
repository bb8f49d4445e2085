package kernels

import (
	"fmt"

	"github.com/23skdu/longbow-lite/internal/cpu"
	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/gemm"
	"github.com/23skdu/longbow-lite/internal/graph"
	"github.com/23skdu/longbow-lite/internal/kernel"
	"github.com/23skdu/longbow-lite/internal/metrics"
	"github.com/23skdu/longbow-lite/internal/place"
	"github.com/23skdu/longbow-lite/internal/quant"
	"github.com/23skdu/longbow-lite/internal/tensor"
)

func registerFC(r *registrar, t place.Target, prec place.Precision) {
	p := place.New(t, prec)
	if prec == place.PrecisionFloat {
		r.add(kernel.Decl{
			Key:      kernel.Key{Op: "fc", Place: p},
			Supports: slotIs("W", tensor.Float32),
			New:      func() kernel.Kernel { return &fcKernel{} },
		})
		return
	}
	fp := place.New(t, place.PrecisionFloat)
	r.add(kernel.Decl{
		Key:      kernel.Key{Op: "fc", Place: p, Alias: "fp32_out"},
		Inputs:   map[string]place.Place{"Bias": fp},
		Outputs:  map[string]place.Place{"Out": fp},
		Supports: slotIs("W", tensor.Int8),
		New:      func() kernel.Kernel { return &fcKernel{} },
	})
}

// fcKernel computes Out[M x N] = X[M x K] * W[K x N] + Bias. X is flattened
// after its first axis. The GEMM runs transposed, Out^T = W^T * X^T, so the
// weights are the packed left operand and the bias is per row.
type fcKernel struct {
	name    string
	x, out  *tensor.Tensor
	w       *tensor.Tensor
	bias    []float32
	relu    bool
	isInt8  bool
	inScale float32
	scales  []float32

	m, n, k  int
	hblock   int
	inDims   tensor.Dims
	packedI8 []int8
	packedF  []float32
}

func (f *fcKernel) SetParam(_ *graph.Graph, op *graph.Op, scope kernel.Scope) error {
	f.name = op.String()
	var err error
	if f.x, err = inputTensor(op, scope, "Input"); err != nil {
		return err
	}
	if f.w, err = inputTensor(op, scope, "W"); err != nil {
		return err
	}
	if f.out, err = outputTensor(op, scope, "Out"); err != nil {
		return err
	}
	wd, xd := f.w.Dims(), f.x.Dims()
	if len(wd) != 2 || len(xd) < 2 {
		return errdefs.Shape(f.name, "rank", "fc needs a 2-D weight and an input of rank >= 2, got %v and %v", wd, xd)
	}
	f.m, f.k, f.n = xd[0], xd.Count(1, len(xd)), wd[1]
	if wd[0] != f.k {
		return errdefs.Config(f.name, "weight rows %d != flattened input width %d", wd[0], f.k)
	}
	f.bias = nil
	if b := optionalInput(op, scope, "Bias"); b != nil {
		if b.Numel() != f.n || b.DType() != tensor.Float32 {
			return errdefs.Config(f.name, "bias must be %d float32 values, got %v %s", f.n, b.Dims(), b.DType())
		}
		f.bias = b.Float32s()
	}
	f.relu = op.Attrs.Str("activation_type", "") == "relu"
	f.isInt8 = f.w.DType() == tensor.Int8
	f.scales = nil
	if f.isInt8 {
		f.inScale = op.Attrs.Float("input_scale", 0)
		if !(f.inScale > 0) {
			return errdefs.Config(f.name, "input scale must be positive, got %v", f.inScale)
		}
		ws := op.Attrs.Floats("weight_scale")
		if ws == nil {
			ws = f.w.Scale()
		}
		wsc, ok := quant.Broadcast(ws, f.n)
		if !ok {
			return errdefs.Config(f.name, "weight scale has %d values for %d outputs", len(ws), f.n)
		}
		f.scales = quant.MergeScales(wsc, f.inScale)
	}
	f.inDims = xd.Clone()
	f.packedI8, f.packedF = nil, nil
	return nil
}

// Prepare packs W^T: W is K x N row-major, so it is the transposed source
// of the N x K left operand.
func (f *fcKernel) Prepare(ctx *cpu.Context) error {
	f.hblock = ctx.Hblock()
	size := gemm.PackedSize(f.n, f.k, f.hblock)
	var err error
	if f.isInt8 {
		f.packedI8 = make([]int8, size)
		err = gemm.PrepackA(f.packedI8, f.w.Int8s(), f.n, 0, f.n, 0, f.k, true, ctx)
	} else {
		f.packedF = make([]float32, size)
		err = gemm.PrepackA(f.packedF, f.w.Float32s(), f.n, 0, f.n, 0, f.k, true, ctx)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", f.name, err)
	}
	metrics.RecordKernelPrepare("fc")
	return nil
}

func (f *fcKernel) Launch(ctx *cpu.Context) error {
	if f.packedI8 == nil && f.packedF == nil {
		return fmt.Errorf("%s: launch before prepare", f.name)
	}
	if h := ctx.Hblock(); h != f.hblock {
		return errdefs.Shape(f.name, "hblock", "weights packed with hblock %d, context uses %d", f.hblock, h)
	}
	if !f.x.Dims().Equal(f.inDims) {
		return errdefs.Shape(f.name, "input", "prepared for %v, launched with %v", f.inDims, f.x.Dims())
	}
	if f.out.DType() != tensor.Float32 {
		f.out.SetDType(tensor.Float32)
	}
	if want := (tensor.Dims{f.m, f.n}); !f.out.Dims().Equal(want) || f.out.Released() {
		f.out.Resize(want...)
	}

	dst := f.out.Float32s()
	if f.m > 1 {
		dst = ctx.Workspace().Float32(f.m * f.n)
	}
	p := gemm.Params{
		M:       f.n,
		N:       f.m,
		K:       f.k,
		TransB:  true,
		HasBias: f.bias != nil,
		HasRelu: f.relu,
		Bias:    f.bias,
		Scale:   f.scales,
	}
	var err error
	if f.isInt8 {
		err = gemm.GemmPrepackInt8(f.packedI8, f.x.Int8s(), dst, p, ctx)
	} else {
		err = gemm.SgemmPrepack(f.packedF, f.x.Float32s(), dst, p, ctx)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", f.name, err)
	}
	if f.m > 1 {
		out := f.out.Float32s()
		for r := 0; r < f.n; r++ {
			for c := 0; c < f.m; c++ {
				out[c*f.n+r] = dst[r*f.m+c]
			}
		}
	}
	return nil
}
