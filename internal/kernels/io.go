package kernels

import (
	"fmt"

	"github.com/23skdu/longbow-lite/internal/cpu"
	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/graph"
	"github.com/23skdu/longbow-lite/internal/kernel"
	"github.com/23skdu/longbow-lite/internal/metrics"
	"github.com/23skdu/longbow-lite/internal/place"
	"github.com/23skdu/longbow-lite/internal/quant"
	"github.com/23skdu/longbow-lite/internal/tensor"
)

func registerIO(r *registrar) {
	host := anyOn(place.TargetHost)
	r.add(kernel.Decl{
		Key: kernel.Key{Op: "feed", Place: host},
		New: func() kernel.Kernel { return &feedKernel{} },
	})
	r.add(kernel.Decl{
		Key: kernel.Key{Op: "fetch", Place: host},
		New: func() kernel.Kernel { return &copyKernel{in: "X", out: "Out"} },
	})
}

// registerTransitions declares io_copy between host and t and the calib
// conversions on t. Both are matched against the "from" and "to" attrs the
// cast passes attach to the op.
func registerTransitions(r *registrar, t place.Target) {
	host, dev := anyOn(place.TargetHost), anyOn(t)
	for _, dir := range []struct {
		alias    string
		from, to place.Place
	}{
		{"host_to_" + t.String(), host, dev},
		{t.String() + "_to_host", dev, host},
	} {
		r.add(kernel.Decl{
			Key:      kernel.Key{Op: "io_copy", Place: dev, Alias: dir.alias},
			Inputs:   map[string]place.Place{"Input": dir.from},
			Outputs:  map[string]place.Place{"Out": dir.to},
			Supports: transition(dir.from, dir.to),
			New:      func() kernel.Kernel { return &copyKernel{in: "Input", out: "Out"} },
		})
	}

	f := place.Place{Target: t, Precision: place.PrecisionFloat, Layout: place.LayoutAny}
	q := place.Place{Target: t, Precision: place.PrecisionInt8, Layout: place.LayoutAny}
	r.add(kernel.Decl{
		Key:      kernel.Key{Op: "calib", Place: dev, Alias: "fp32_to_int8"},
		Inputs:   map[string]place.Place{"Input": f},
		Outputs:  map[string]place.Place{"Out": q},
		Supports: transition(f, q),
		New:      func() kernel.Kernel { return &calibKernel{toInt8: true} },
	})
	r.add(kernel.Decl{
		Key:      kernel.Key{Op: "calib", Place: dev, Alias: "int8_to_fp32"},
		Inputs:   map[string]place.Place{"Input": q},
		Outputs:  map[string]place.Place{"Out": f},
		Supports: transition(q, f),
		New:      func() kernel.Kernel { return &calibKernel{} },
	})
}

func transition(in, out place.Place) func(*graph.Graph, *graph.Op) bool {
	return func(_ *graph.Graph, op *graph.Op) bool {
		from, err := place.Parse(op.Attrs.Str("from", ""))
		if err != nil {
			return false
		}
		to, err := place.Parse(op.Attrs.Str("to", ""))
		if err != nil {
			return false
		}
		return from.Target == in.Target && to.Target == out.Target &&
			place.Compatible(from, in) && place.Compatible(to, out)
	}
}

// feedKernel marks a graph input. The caller writes the input tensor
// directly, so launching does nothing.
type feedKernel struct{}

func (k *feedKernel) SetParam(_ *graph.Graph, op *graph.Op, scope kernel.Scope) error {
	_, err := outputTensor(op, scope, "Out")
	return err
}

func (k *feedKernel) Prepare(*cpu.Context) error { return nil }
func (k *feedKernel) Launch(*cpu.Context) error  { return nil }

// copyKernel serves fetch and io_copy: all targets share host memory, so a
// transfer is a deep copy.
type copyKernel struct {
	in, out string
	src     *tensor.Tensor
	dst     *tensor.Tensor
}

func (k *copyKernel) SetParam(_ *graph.Graph, op *graph.Op, scope kernel.Scope) error {
	var err error
	if k.src, err = inputTensor(op, scope, k.in); err != nil {
		return err
	}
	k.dst, err = outputTensor(op, scope, k.out)
	return err
}

func (k *copyKernel) Prepare(*cpu.Context) error { return nil }

func (k *copyKernel) Launch(*cpu.Context) error {
	k.dst.CopyDataFrom(k.src)
	return nil
}

// calibKernel converts between float32 and int8 with a per-tensor scale.
type calibKernel struct {
	toInt8 bool
	scale  float32
	src    *tensor.Tensor
	dst    *tensor.Tensor
}

func (k *calibKernel) SetParam(_ *graph.Graph, op *graph.Op, scope kernel.Scope) error {
	k.scale = op.Attrs.Float("scale", 0)
	if !(k.scale > 0) {
		return errdefs.Config(op.String(), "calib scale must be positive, got %v", k.scale)
	}
	var err error
	if k.src, err = inputTensor(op, scope, "Input"); err != nil {
		return err
	}
	k.dst, err = outputTensor(op, scope, "Out")
	return err
}

func (k *calibKernel) Prepare(*cpu.Context) error {
	metrics.RecordKernelPrepare("calib")
	return nil
}

func (k *calibKernel) Launch(ctx *cpu.Context) error {
	want, have := tensor.Float32, tensor.Int8
	if k.toInt8 {
		want, have = tensor.Int8, tensor.Float32
	}
	if k.src.DType() != have {
		return fmt.Errorf("calib: input is %s, want %s", k.src.DType(), have)
	}
	if k.dst.DType() != want {
		k.dst.SetDType(want)
	}
	if !k.dst.Dims().Equal(k.src.Dims()) || k.dst.Released() {
		k.dst.Resize(k.src.Dims()...)
	}
	scale := []float32{k.scale}
	ctx.ParallelFor(k.src.Numel(), func(_, start, end int) {
		if k.toInt8 {
			quant.Fp32ToInt8(k.src.Float32s()[start:end], k.dst.Int8s()[start:end], scale, 1, 1, end-start)
		} else {
			quant.Int8ToFp32(k.src.Int8s()[start:end], k.dst.Float32s()[start:end], scale, 1, 1, end-start)
		}
	})
	k.dst.SetScale(k.scale)
	return nil
}
