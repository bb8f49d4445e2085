package optimizer

import (
	"context"
	"testing"

	"github.com/23skdu/longbow-lite/internal/device"
	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/graph"
	"github.com/23skdu/longbow-lite/internal/kernels"
	"github.com/23skdu/longbow-lite/internal/place"
	"github.com/23skdu/longbow-lite/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func armEnv(t *testing.T) Env {
	t.Helper()
	reg, err := kernels.NewRegistry()
	require.NoError(t, err)
	return Env{Registry: reg, Places: device.Info{Target: place.TargetARM}.ValidPlaces()}
}

type builder struct {
	g *graph.Graph
}

func newBuilder() *builder { return &builder{g: graph.New("test")} }

func (b *builder) v(name string, dt tensor.DType, dims ...int) graph.VarID {
	return b.g.AddVar(graph.Var{Name: name, DType: dt, Dims: dims})
}

func (b *builder) weight(name string, t *tensor.Tensor) graph.VarID {
	return b.g.AddVar(graph.Var{Name: name, DType: t.DType(), Dims: t.Dims().Clone(), Persistable: true, Data: t})
}

func (b *builder) op(typ string, in, out []graph.Arg, attrs graph.Attrs) graph.OpID {
	return b.g.AddOp(graph.Op{Type: typ, Inputs: in, Outputs: out, Attrs: attrs})
}

func args(kv ...interface{}) []graph.Arg {
	var out []graph.Arg
	for i := 0; i < len(kv); i += 2 {
		out = append(out, graph.Arg{Slot: kv[i].(string), Var: kv[i+1].(graph.VarID)})
	}
	return out
}

// convGraph is feed -> conv2d 3x3 -> relu -> fetch. With int8 set the
// filter is int8 and the conv carries input and weight scales.
func convGraph(int8Conv bool, outScale float32) *graph.Graph {
	b := newBuilder()
	image := b.v("image", tensor.Float32, 1, 4, 8, 8)
	var filter graph.VarID
	attrs := graph.Attrs{"paddings": []int{1, 1}, "groups": 1}
	if int8Conv {
		filter = b.weight("filter", tensor.New(tensor.Int8, 8, 4, 3, 3))
		attrs["input_scale"] = float32(0.02)
		attrs["weight_scale"] = []float32{0.01}
	} else {
		filter = b.weight("filter", tensor.New(tensor.Float32, 8, 4, 3, 3))
	}
	convDT := tensor.Float32
	if outScale > 0 {
		attrs["output_scale"] = outScale
		convDT = tensor.Int8
	}
	convOut := b.v("conv_out", convDT, 1, 8, 8, 8)
	reluOut := b.v("relu_out", tensor.Float32, 1, 8, 8, 8)
	out := b.v("out", tensor.Float32, 1, 8, 8, 8)

	b.op("feed", nil, args("Out", image), graph.Attrs{"col": 0})
	b.op("conv2d", args("Input", image, "Filter", filter), args("Output", convOut), attrs)
	b.op("relu", args("X", convOut), args("Out", reluOut), nil)
	b.op("fetch", args("X", reluOut), args("Out", out), graph.Attrs{"col": 0})
	return b.g
}

func opsOf(g *graph.Graph, typ string) []*graph.Op {
	var out []*graph.Op
	for _, id := range g.OpsOfType(typ) {
		out = append(out, g.Op(id))
	}
	return out
}

func TestDefaultPipelineFloat(t *testing.T) {
	env := armEnv(t)
	in := convGraph(false, 0)
	g, err := Default().Run(context.Background(), in, env)
	require.NoError(t, err)

	assert.Len(t, in.Ops, 4, "input graph untouched")
	assert.Empty(t, in.Ops[1].Kernel)

	assert.Equal(t, "conv2d/arm/float/NCHW/gemm", g.Op(1).Kernel)
	assert.Equal(t, "relu/arm/float/NCHW", g.Op(2).Kernel)
	copies := opsOf(g, "io_copy")
	require.Len(t, copies, 2)
	assert.Equal(t, "io_copy/arm/any/any/host_to_arm", copies[0].Kernel)
	assert.Equal(t, "io_copy/arm/any/any/arm_to_host", copies[1].Kernel)
	assert.Empty(t, opsOf(g, "calib"))

	v, ok := g.VarByName("image/io_copy_arm")
	require.True(t, ok)
	assert.Equal(t, place.New(place.TargetARM, place.PrecisionFloat), g.Var(v).Place)
	conv := g.Op(1)
	in0, _ := conv.Input("Input")
	assert.Equal(t, v, in0)

	_, ok = g.VarByName("relu_out/io_copy_host")
	assert.True(t, ok)

	for i := range g.Ops {
		assert.NotEmpty(t, g.Ops[i].Kernel, g.Ops[i].String())
	}
	assert.Equal(t, "host", g.Op(0).Context)
	assert.Equal(t, "arm", g.Op(1).Context)
	assert.Equal(t, "host", g.Op(3).Context)

	filter, _ := g.VarByName("filter")
	assert.Equal(t, place.New(place.TargetARM, place.PrecisionFloat), g.Var(filter).Place)
}

func TestPipelineDeterministic(t *testing.T) {
	env := armEnv(t)
	in := convGraph(true, 0)
	first, err := Default().Run(context.Background(), in, env)
	require.NoError(t, err)
	second, err := Default().Run(context.Background(), in, env)
	require.NoError(t, err)
	assert.Equal(t, Summary(first), Summary(second))
	assert.Equal(t, first.Ops, second.Ops)
	assert.Equal(t, first.Vars, second.Vars)
}

func TestInt8InputGetsCalib(t *testing.T) {
	env := armEnv(t)
	g, err := Default().Run(context.Background(), convGraph(true, 0), env)
	require.NoError(t, err)

	assert.Equal(t, "conv2d/arm/int8/NCHW/gemm_fp32_out", g.Op(1).Kernel)
	calibs := opsOf(g, "calib")
	require.Len(t, calibs, 1)
	assert.Equal(t, "calib/arm/any/any/fp32_to_int8", calibs[0].Kernel)
	assert.Equal(t, float32(0.02), calibs[0].Attrs.Float("scale", 0))

	v, ok := g.VarByName("image/io_copy_arm/calib_int8")
	require.True(t, ok)
	assert.Equal(t, tensor.Int8, g.Var(v).DType)
	in0, _ := g.Op(1).Input("Input")
	assert.Equal(t, v, in0)

	conv, _ := g.VarByName("conv_out")
	assert.Equal(t, place.New(place.TargetARM, place.PrecisionFloat), g.Var(conv).Place)
}

func TestInt8OutputDequantizedForFloatConsumer(t *testing.T) {
	env := armEnv(t)
	g, err := Default().Run(context.Background(), convGraph(true, 0.5), env)
	require.NoError(t, err)

	assert.Equal(t, "conv2d/arm/int8/NCHW/gemm_int8_out", g.Op(1).Kernel)
	calibs := opsOf(g, "calib")
	require.Len(t, calibs, 2)
	assert.Equal(t, "calib/arm/any/any/int8_to_fp32", calibs[1].Kernel)
	assert.Equal(t, float32(0.5), calibs[1].Attrs.Float("scale", 0))
	_, ok := g.VarByName("conv_out/calib_float")
	assert.True(t, ok)
}

func TestMissingScaleIsConfigError(t *testing.T) {
	env := armEnv(t)
	in := convGraph(true, 0)
	delete(in.Ops[1].Attrs, "input_scale")
	_, err := Default().Run(context.Background(), in, env)
	require.Error(t, err)
	assert.True(t, errdefs.IsConfig(err))
	assert.Contains(t, err.Error(), TypeTargetCast)
}

func TestNoKernelIsConfigError(t *testing.T) {
	env := armEnv(t)
	b := newBuilder()
	x := b.v("x", tensor.Float32, 1, 4)
	y := b.v("y", tensor.Float32, 1, 4)
	b.op("lrn", args("X", x), args("Out", y), nil)
	_, err := Default().Run(context.Background(), b.g, env)
	require.Error(t, err)
	assert.True(t, errdefs.IsConfig(err))
	assert.Contains(t, err.Error(), "lrn#0")
}

func TestConversionIsShared(t *testing.T) {
	env := armEnv(t)
	b := newBuilder()
	image := b.v("image", tensor.Float32, 1, 8)
	a := b.v("a", tensor.Float32, 1, 8)
	c := b.v("c", tensor.Float32, 1, 8)
	b.op("feed", nil, args("Out", image), nil)
	b.op("relu", args("X", image), args("Out", a), nil)
	b.op("softmax", args("X", image), args("Out", c), nil)

	g, err := Default().Run(context.Background(), b.g, env)
	require.NoError(t, err)
	copies := opsOf(g, "io_copy")
	require.Len(t, copies, 1)
	x1, _ := g.Op(1).Input("X")
	x2, _ := g.Op(2).Input("X")
	assert.Equal(t, x1, x2)
}

func TestCalibNotSharedAcrossScales(t *testing.T) {
	env := armEnv(t)
	b := newBuilder()
	image := b.v("image", tensor.Float32, 1, 4, 8, 8)
	f1 := b.weight("f1", tensor.New(tensor.Int8, 8, 4, 3, 3))
	f2 := b.weight("f2", tensor.New(tensor.Int8, 8, 4, 3, 3))
	o1 := b.v("o1", tensor.Float32, 1, 8, 8, 8)
	o2 := b.v("o2", tensor.Float32, 1, 8, 8, 8)
	r1 := b.v("r1", tensor.Float32, 1, 8, 8, 8)
	r2 := b.v("r2", tensor.Float32, 1, 8, 8, 8)
	b.op("feed", nil, args("Out", image), graph.Attrs{"col": 0})
	for _, c := range []struct {
		filter, out graph.VarID
		scale       float32
	}{{f1, o1, 0.02}, {f2, o2, 0.5}} {
		b.op("conv2d", args("Input", image, "Filter", c.filter), args("Output", c.out), graph.Attrs{
			"paddings":     []int{1, 1},
			"groups":       1,
			"input_scale":  c.scale,
			"weight_scale": []float32{0.01},
		})
	}
	b.op("fetch", args("X", o1), args("Out", r1), graph.Attrs{"col": 0})
	b.op("fetch", args("X", o2), args("Out", r2), graph.Attrs{"col": 1})

	g, err := Default().Run(context.Background(), b.g, env)
	require.NoError(t, err)

	require.Len(t, opsOf(g, "io_copy"), 1)
	require.Len(t, opsOf(g, "calib"), 2)
	in1, _ := g.Op(1).Input("Input")
	in2, _ := g.Op(2).Input("Input")
	require.NotEqual(t, in1, in2)
	assert.Equal(t, float32(0.02), g.Op(g.Producer(in1)).Attrs.Float("scale", 0))
	assert.Equal(t, float32(0.5), g.Op(g.Producer(in2)).Attrs.Float("scale", 0))
	assert.Equal(t, "image/io_copy_arm/calib_int8", g.Var(in1).Name)
	assert.Equal(t, "image/io_copy_arm/calib_int8_1", g.Var(in2).Name)
}

func TestVerifyRejectsMissingCast(t *testing.T) {
	env := armEnv(t)
	p, err := NewPipeline(StaticKernelPick, VariablePlaceInference, RuntimeContextAssign)
	require.NoError(t, err)
	_, err = p.Run(context.Background(), convGraph(false, 0), env)
	require.Error(t, err)
	assert.True(t, errdefs.IsShape(err))
}

func TestHostOnlyNeedsNoCopies(t *testing.T) {
	reg, err := kernels.NewRegistry()
	require.NoError(t, err)
	env := Env{Registry: reg, Places: device.Info{Target: place.TargetHost}.ValidPlaces()}
	g, err := Default().Run(context.Background(), convGraph(false, 0), env)
	require.NoError(t, err)
	assert.Empty(t, opsOf(g, "io_copy"))
	assert.Equal(t, "conv2d/host/float/NCHW/gemm", g.Op(1).Kernel)
	for i := range g.Ops {
		assert.Equal(t, "host", g.Ops[i].Context)
	}
}

func TestPipelineNames(t *testing.T) {
	p, err := NewPipeline()
	require.NoError(t, err)
	assert.Equal(t, DefaultPasses, p.Names())

	_, err = NewPipeline(StaticKernelPick, "fuse_everything_pass")
	assert.Error(t, err)

	assert.Contains(t, Names(), ArgumentTypeDisplay)
	assert.Contains(t, Names(), TypePrecisionCast)

	p, err = NewPipeline(append(append([]string{}, DefaultPasses...), ArgumentTypeDisplay)...)
	require.NoError(t, err)
	_, err = p.Run(context.Background(), convGraph(false, 0), armEnv(t))
	assert.NoError(t, err)
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Default().Run(ctx, convGraph(false, 0), armEnv(t))
	assert.ErrorIs(t, err, context.Canceled)
}
