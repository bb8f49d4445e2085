package kernels

import (
	"github.com/23skdu/longbow-lite/internal/cpu"
	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/graph"
	"github.com/23skdu/longbow-lite/internal/kernel"
	"github.com/23skdu/longbow-lite/internal/place"
	"github.com/23skdu/longbow-lite/internal/simd"
	"github.com/23skdu/longbow-lite/internal/tensor"
)

func registerActivations(r *registrar, t place.Target) {
	p := place.New(t, place.PrecisionFloat)
	r.add(kernel.Decl{
		Key: kernel.Key{Op: "relu", Place: p},
		New: func() kernel.Kernel { return &reluKernel{} },
	})
	r.add(kernel.Decl{
		Key: kernel.Key{Op: "softmax", Place: p},
		New: func() kernel.Kernel { return &softmaxKernel{} },
	})
}

// unary binds X and Out and sizes Out like X at launch.
type unary struct {
	name string
	x    *tensor.Tensor
	out  *tensor.Tensor
}

func (u *unary) bind(op *graph.Op, scope kernel.Scope) error {
	u.name = op.String()
	var err error
	if u.x, err = inputTensor(op, scope, "X"); err != nil {
		return err
	}
	u.out, err = outputTensor(op, scope, "Out")
	return err
}

func (u *unary) sizeOutput() {
	if u.out.DType() != tensor.Float32 {
		u.out.SetDType(tensor.Float32)
	}
	if !u.out.Dims().Equal(u.x.Dims()) || u.out.Released() {
		u.out.Resize(u.x.Dims()...)
	}
}

func (u *unary) Prepare(*cpu.Context) error { return nil }

type reluKernel struct{ unary }

func (k *reluKernel) SetParam(_ *graph.Graph, op *graph.Op, scope kernel.Scope) error {
	return k.bind(op, scope)
}

func (k *reluKernel) Launch(ctx *cpu.Context) error {
	k.sizeOutput()
	src, dst := k.x.Float32s(), k.out.Float32s()
	ctx.ParallelFor(len(src), func(_, start, end int) {
		simd.Relu(dst[start:end], src[start:end])
	})
	return nil
}

// softmaxKernel normalizes along one axis, the last by default.
type softmaxKernel struct {
	unary
	axis int
}

func (k *softmaxKernel) SetParam(_ *graph.Graph, op *graph.Op, scope kernel.Scope) error {
	if err := k.bind(op, scope); err != nil {
		return err
	}
	rank := len(k.x.Dims())
	k.axis = op.Attrs.Int("axis", -1)
	if k.axis < 0 {
		k.axis += rank
	}
	if k.axis < 0 || k.axis >= rank {
		return errdefs.Config(k.name, "axis %d out of range for rank %d", op.Attrs.Int("axis", -1), rank)
	}
	return nil
}

func (k *softmaxKernel) Launch(ctx *cpu.Context) error {
	k.sizeOutput()
	d := k.x.Dims()
	outer, axis, inner := d.Count(0, k.axis), d[k.axis], d.Count(k.axis+1, len(d))
	src, dst := k.x.Float32s(), k.out.Float32s()
	ctx.ParallelFor(outer*inner, func(tid, start, end int) {
		var line []float32
		if inner > 1 {
			line = ctx.ThreadWorkspace(tid).Float32(axis)
		}
		for i := start; i < end; i++ {
			o, in := i/inner, i%inner
			base := o*axis*inner + in
			if inner == 1 {
				row := dst[base : base+axis]
				copy(row, src[base:base+axis])
				simd.Softmax(row)
				continue
			}
			for a := 0; a < axis; a++ {
				line[a] = src[base+a*inner]
			}
			simd.Softmax(line)
			for a := 0; a < axis; a++ {
				dst[base+a*inner] = line[a]
			}
		}
	})
	return nil
}
