package kernels

import (
	"math"

	"github.com/23skdu/longbow-lite/internal/conv"
	"github.com/23skdu/longbow-lite/internal/cpu"
	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/graph"
	"github.com/23skdu/longbow-lite/internal/kernel"
	"github.com/23skdu/longbow-lite/internal/metrics"
	"github.com/23skdu/longbow-lite/internal/place"
	"github.com/23skdu/longbow-lite/internal/tensor"
)

func registerPool(r *registrar, t place.Target) {
	r.add(kernel.Decl{
		Key: kernel.Key{Op: "pool2d", Place: place.New(t, place.PrecisionFloat)},
		New: func() kernel.Kernel { return &poolKernel{} },
	})
}

// poolKernel is max or average pooling over NCHW float32 planes. Average
// pooling is exclusive by default: padded cells are not counted.
type poolKernel struct {
	name      string
	in, out   *tensor.Tensor
	max       bool
	exclusive bool
	ksize     [2]int
	strides   [2]int
	paddings  [2]int
	inDims    tensor.Dims
	outDims   tensor.Dims
}

func (k *poolKernel) SetParam(_ *graph.Graph, op *graph.Op, scope kernel.Scope) error {
	k.name = op.String()
	var err error
	if k.in, err = inputTensor(op, scope, "X"); err != nil {
		return err
	}
	if k.out, err = outputTensor(op, scope, "Out"); err != nil {
		return err
	}
	d := k.in.Dims()
	if len(d) != 4 {
		return errdefs.Shape(k.name, "rank", "pool2d needs a 4-D input, got %v", d)
	}
	switch typ := op.Attrs.Str("pooling_type", "max"); typ {
	case "max":
		k.max = true
	case "avg":
		k.max = false
	default:
		return errdefs.Config(k.name, "unknown pooling_type %q", typ)
	}
	k.exclusive = !op.Attrs.Has("exclusive") || op.Attrs.Bool("exclusive")
	k.ksize = op.Attrs.Pair("ksize", [2]int{2, 2})
	k.strides = op.Attrs.Pair("strides", [2]int{1, 1})
	k.paddings = op.Attrs.Pair("paddings", [2]int{0, 0})
	if op.Attrs.Bool("global_pooling") {
		k.ksize = [2]int{d[2], d[3]}
		k.strides = [2]int{1, 1}
		k.paddings = [2]int{0, 0}
	}
	for i := 0; i < 2; i++ {
		if k.ksize[i] < 1 || k.strides[i] < 1 || k.paddings[i] < 0 {
			return errdefs.Config(k.name, "invalid ksize %v, strides %v or paddings %v", k.ksize, k.strides, k.paddings)
		}
	}
	oh := conv.OutputExtent(d[2], k.ksize[0], k.paddings[0], k.strides[0], 1)
	ow := conv.OutputExtent(d[3], k.ksize[1], k.paddings[1], k.strides[1], 1)
	if oh < 1 || ow < 1 {
		return errdefs.Shape(k.name, "spatial", "output extent %dx%d from input %v", oh, ow, d)
	}
	k.inDims = d.Clone()
	k.outDims = tensor.Dims{d[0], d[1], oh, ow}
	return nil
}

func (k *poolKernel) Prepare(*cpu.Context) error {
	metrics.RecordKernelPrepare("pool2d")
	return nil
}

func (k *poolKernel) Launch(ctx *cpu.Context) error {
	if !k.in.Dims().Equal(k.inDims) {
		return errdefs.Shape(k.name, "input", "prepared for %v, launched with %v", k.inDims, k.in.Dims())
	}
	if k.out.DType() != tensor.Float32 {
		k.out.SetDType(tensor.Float32)
	}
	if !k.out.Dims().Equal(k.outDims) || k.out.Released() {
		k.out.Resize(k.outDims...)
	}
	h, w := k.inDims[2], k.inDims[3]
	oh, ow := k.outDims[2], k.outDims[3]
	src, dst := k.in.Float32s(), k.out.Float32s()
	ctx.ParallelFor(k.inDims[0]*k.inDims[1], func(_, start, end int) {
		for plane := start; plane < end; plane++ {
			k.pool(dst[plane*oh*ow:(plane+1)*oh*ow], src[plane*h*w:(plane+1)*h*w], h, w, oh, ow)
		}
	})
	return nil
}

func (k *poolKernel) pool(dst, src []float32, h, w, oh, ow int) {
	for oy := 0; oy < oh; oy++ {
		y0 := oy*k.strides[0] - k.paddings[0]
		y1 := min(y0+k.ksize[0], h)
		for ox := 0; ox < ow; ox++ {
			x0 := ox*k.strides[1] - k.paddings[1]
			x1 := min(x0+k.ksize[1], w)
			area := k.ksize[0] * k.ksize[1]
			if k.exclusive {
				area = (y1 - max(y0, 0)) * (x1 - max(x0, 0))
			}
			acc := float32(0)
			if k.max {
				acc = float32(math.Inf(-1))
			}
			for y := max(y0, 0); y < y1; y++ {
				for x := max(x0, 0); x < x1; x++ {
					v := src[y*w+x]
					if k.max {
						acc = max(acc, v)
					} else {
						acc += v
					}
				}
			}
			if !k.max && area > 0 {
				acc /= float32(area)
			}
			dst[oy*ow+ox] = acc
		}
	}
}
