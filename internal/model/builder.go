// Package model assembles operator graphs: a Loader interface for whatever
// produces a graph, a Builder for constructing one in code, the
// MobileNetV1 classification topology and post-training int8 quantization.
package model

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-lite/internal/conv"
	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/graph"
	"github.com/23skdu/longbow-lite/internal/tensor"
)

// Loader produces the graph a predictor is built from.
type Loader interface {
	Load(ctx context.Context) (*graph.Graph, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context) (*graph.Graph, error)

func (f LoaderFunc) Load(ctx context.Context) (*graph.Graph, error) { return f(ctx) }

// Static returns a Loader that hands out clones of g.
func Static(g *graph.Graph) Loader {
	return LoaderFunc(func(context.Context) (*graph.Graph, error) { return g.Clone(), nil })
}

// ConvSpec describes one convolution layer. Depthwise layers keep the
// channel count and use one group per channel.
type ConvSpec struct {
	OutChannels int
	Kernel      int
	Stride      int
	Pad         int
	Depthwise   bool
	Bias        bool
	Relu        bool
}

// PoolSpec describes a pooling layer. Global pooling ignores the window.
type PoolSpec struct {
	Type   string
	Kernel int
	Stride int
	Pad    int
	Global bool
}

// Builder appends layers to a graph. Weights are drawn from a seeded
// generator with fan-in scaled uniform initialization. The first error
// sticks and is returned by Build.
type Builder struct {
	g       *graph.Graph
	rng     *rand.Rand
	feeds   int
	fetches int
	err     error
}

func NewBuilder(name string, seed int64) *Builder {
	return &Builder{g: graph.New(name), rng: rand.New(rand.NewSource(seed))}
}

func (b *Builder) fail(err error) graph.VarID {
	if b.err == nil {
		b.err = err
	}
	return 0
}

func (b *Builder) dims(v graph.VarID) tensor.Dims {
	return b.g.Var(v).Dims
}

func (b *Builder) activation(name string, dims ...int) graph.VarID {
	return b.g.AddVar(graph.Var{Name: name, DType: tensor.Float32, Dims: dims})
}

// Input declares a float32 graph input fed at the next column.
func (b *Builder) Input(name string, dims ...int) graph.VarID {
	v := b.activation(name, dims...)
	b.g.AddOp(graph.Op{
		Type:    "feed",
		Outputs: []graph.Arg{{Slot: "Out", Var: v}},
		Attrs:   graph.Attrs{"col": b.feeds},
	})
	b.feeds++
	return v
}

// Weight adds a persistable var holding t.
func (b *Builder) Weight(name string, t *tensor.Tensor) graph.VarID {
	t.SetName(name)
	return b.g.AddVar(graph.Var{
		Name:        name,
		DType:       t.DType(),
		Dims:        t.Dims().Clone(),
		Persistable: true,
		Data:        t,
	})
}

func (b *Builder) uniform(n, fanIn int) []float32 {
	limit := math.Sqrt(6 / float64(fanIn))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32((b.rng.Float64()*2 - 1) * limit)
	}
	return out
}

func (b *Builder) bias(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(b.rng.Float64()*0.2 - 0.1)
	}
	return out
}

// Conv2D appends a convolution reading x.
func (b *Builder) Conv2D(x graph.VarID, name string, s ConvSpec) graph.VarID {
	if b.err != nil {
		return 0
	}
	in := b.dims(x)
	if len(in) != 4 {
		return b.fail(errdefs.Shape(name, "rank", "conv input must be 4-D, got %v", in))
	}
	c := in[1]
	typ, groups, oc := "conv2d", 1, s.OutChannels
	if s.Depthwise {
		typ, groups, oc = "depthwise_conv2d", c, c
	}
	if s.Stride == 0 {
		s.Stride = 1
	}
	oh := conv.OutputExtent(in[2], s.Kernel, s.Pad, s.Stride, 1)
	ow := conv.OutputExtent(in[3], s.Kernel, s.Pad, s.Stride, 1)
	if oh < 1 || ow < 1 {
		return b.fail(errdefs.Shape(name, "spatial", "output extent %dx%d from input %v", oh, ow, in))
	}

	fanIn := c / groups * s.Kernel * s.Kernel
	filter := tensor.FromFloat32(b.uniform(oc*fanIn, fanIn), oc, c/groups, s.Kernel, s.Kernel)
	inputs := []graph.Arg{
		{Slot: "Input", Var: x},
		{Slot: "Filter", Var: b.Weight(name+".w", filter)},
	}
	if s.Bias {
		inputs = append(inputs, graph.Arg{Slot: "Bias", Var: b.Weight(name+".b", tensor.FromFloat32(b.bias(oc), oc))})
	}
	out := b.activation(name+".out", in[0], oc, oh, ow)
	b.g.AddOp(graph.Op{
		Type:    typ,
		Inputs:  inputs,
		Outputs: []graph.Arg{{Slot: "Output", Var: out}},
		Attrs: graph.Attrs{
			"strides":   []int{s.Stride, s.Stride},
			"paddings":  []int{s.Pad, s.Pad},
			"dilations": []int{1, 1},
			"groups":    groups,
			"fuse_relu": s.Relu,
		},
	})
	return out
}

// Pool2D appends max or average pooling.
func (b *Builder) Pool2D(x graph.VarID, name string, s PoolSpec) graph.VarID {
	if b.err != nil {
		return 0
	}
	in := b.dims(x)
	if len(in) != 4 {
		return b.fail(errdefs.Shape(name, "rank", "pool input must be 4-D, got %v", in))
	}
	if s.Stride == 0 {
		s.Stride = 1
	}
	oh, ow := 1, 1
	if !s.Global {
		oh = conv.OutputExtent(in[2], s.Kernel, s.Pad, s.Stride, 1)
		ow = conv.OutputExtent(in[3], s.Kernel, s.Pad, s.Stride, 1)
		if oh < 1 || ow < 1 {
			return b.fail(errdefs.Shape(name, "spatial", "output extent %dx%d from input %v", oh, ow, in))
		}
	}
	out := b.activation(name+".out", in[0], in[1], oh, ow)
	b.g.AddOp(graph.Op{
		Type:    "pool2d",
		Inputs:  []graph.Arg{{Slot: "X", Var: x}},
		Outputs: []graph.Arg{{Slot: "Out", Var: out}},
		Attrs: graph.Attrs{
			"pooling_type":   s.Type,
			"ksize":          []int{s.Kernel, s.Kernel},
			"strides":        []int{s.Stride, s.Stride},
			"paddings":       []int{s.Pad, s.Pad},
			"global_pooling": s.Global,
		},
	})
	return out
}

// FC appends a fully connected layer; x is flattened after its first axis.
func (b *Builder) FC(x graph.VarID, name string, outputs int, relu bool) graph.VarID {
	if b.err != nil {
		return 0
	}
	in := b.dims(x)
	if len(in) < 2 {
		return b.fail(errdefs.Shape(name, "rank", "fc input must have rank >= 2, got %v", in))
	}
	k := in.Count(1, len(in))
	w := b.Weight(name+".w", tensor.FromFloat32(b.uniform(k*outputs, k), k, outputs))
	bias := b.Weight(name+".b", tensor.FromFloat32(b.bias(outputs), outputs))
	out := b.activation(name+".out", in[0], outputs)
	attrs := graph.Attrs{}
	if relu {
		attrs["activation_type"] = "relu"
	}
	b.g.AddOp(graph.Op{
		Type:    "fc",
		Inputs:  []graph.Arg{{Slot: "Input", Var: x}, {Slot: "W", Var: w}, {Slot: "Bias", Var: bias}},
		Outputs: []graph.Arg{{Slot: "Out", Var: out}},
		Attrs:   attrs,
	})
	return out
}

func (b *Builder) unary(typ string, x graph.VarID, name string, attrs graph.Attrs) graph.VarID {
	if b.err != nil {
		return 0
	}
	out := b.activation(name+".out", b.dims(x)...)
	b.g.AddOp(graph.Op{
		Type:    typ,
		Inputs:  []graph.Arg{{Slot: "X", Var: x}},
		Outputs: []graph.Arg{{Slot: "Out", Var: out}},
		Attrs:   attrs,
	})
	return out
}

func (b *Builder) Relu(x graph.VarID, name string) graph.VarID {
	return b.unary("relu", x, name, nil)
}

// Softmax normalizes along the last axis.
func (b *Builder) Softmax(x graph.VarID, name string) graph.VarID {
	return b.unary("softmax", x, name, graph.Attrs{"axis": -1})
}

// Output marks x as the next fetched output.
func (b *Builder) Output(x graph.VarID) {
	if b.err != nil {
		return
	}
	out := b.activation(fmt.Sprintf("fetch.%d", b.fetches), b.dims(x)...)
	b.g.AddOp(graph.Op{
		Type:    "fetch",
		Inputs:  []graph.Arg{{Slot: "X", Var: x}},
		Outputs: []graph.Arg{{Slot: "Out", Var: out}},
		Attrs:   graph.Attrs{"col": b.fetches},
	})
	b.fetches++
}

// Build validates and returns the graph.
func (b *Builder) Build() (*graph.Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.g.Validate(); err != nil {
		return nil, err
	}
	return b.g, nil
}
