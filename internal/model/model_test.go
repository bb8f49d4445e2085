package model

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/graph"
	"github.com/23skdu/longbow-lite/internal/snapshot"
	"github.com/23skdu/longbow-lite/internal/tensor"
)

func smallNet() MobileNetV1 {
	return MobileNetV1{Width: 0.25, Resolution: 64, Classes: 10, Batch: 1, Seed: 7}
}

func TestMobileNetTopology(t *testing.T) {
	g, err := DefaultMobileNetV1().Build()
	require.NoError(t, err)

	count := map[string]int{}
	for _, op := range g.Ops {
		count[op.Type]++
	}
	assert.Equal(t, 1, count["feed"])
	assert.Equal(t, 14, count["conv2d"])
	assert.Equal(t, 13, count["depthwise_conv2d"])
	assert.Equal(t, 1, count["pool2d"])
	assert.Equal(t, 1, count["fc"])
	assert.Equal(t, 1, count["softmax"])
	assert.Equal(t, 1, count["fetch"])

	id, ok := g.VarByName("conv1.out")
	require.True(t, ok)
	assert.Equal(t, tensor.Dims{1, 8, 112, 112}, g.Var(id).Dims)

	id, ok = g.VarByName("conv14_pw.out")
	require.True(t, ok)
	assert.Equal(t, tensor.Dims{1, 256, 7, 7}, g.Var(id).Dims)

	id, ok = g.VarByName("fetch.0")
	require.True(t, ok)
	assert.Equal(t, tensor.Dims{1, 1000}, g.Var(id).Dims)

	dw := g.Op(g.OpsOfType("depthwise_conv2d")[0])
	assert.Equal(t, 8, dw.Attrs.Int("groups", 0))
}

func TestMobileNetSeeded(t *testing.T) {
	a, err := smallNet().Build()
	require.NoError(t, err)
	b, err := smallNet().Build()
	require.NoError(t, err)
	other := smallNet()
	other.Seed = 8
	c, err := other.Build()
	require.NoError(t, err)

	wa, wb, wc := Weights(a), Weights(b), Weights(c)
	require.Len(t, wb, len(wa))
	for i := range wa {
		assert.Equal(t, wa[i].Name, wb[i].Name)
		assert.Equal(t, wa[i].Tensor.Float32s(), wb[i].Tensor.Float32s())
	}
	assert.NotEqual(t, wa[0].Tensor.Float32s(), wc[0].Tensor.Float32s())
}

func TestMobileNetRejectsBadConfig(t *testing.T) {
	for _, m := range []MobileNetV1{
		{Width: 0, Resolution: 224, Classes: 10, Batch: 1},
		{Width: 1, Resolution: 16, Classes: 10, Batch: 1},
		{Width: 1, Resolution: 224, Classes: 0, Batch: 1},
	} {
		_, err := m.Build()
		assert.Error(t, err, "%+v", m)
	}
}

func TestBuilderShapeErrors(t *testing.T) {
	b := NewBuilder("bad", 1)
	x := b.Input("x", 1, 3, 4, 4)
	b.Conv2D(x, "c", ConvSpec{OutChannels: 4, Kernel: 7})
	_, err := b.Build()
	require.Error(t, err)
	assert.True(t, errdefs.IsShape(err))

	b = NewBuilder("flat", 1)
	x = b.Input("x", 8)
	b.FC(x, "fc", 2, false)
	_, err = b.Build()
	assert.True(t, errdefs.IsShape(err))
}

func TestStaticLoaderClones(t *testing.T) {
	g, err := smallNet().Build()
	require.NoError(t, err)
	l := Static(g)
	a, err := l.Load(context.Background())
	require.NoError(t, err)
	a.Ops[0].Kernel = "changed"
	b, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, b.Ops[0].Kernel)
	assert.Empty(t, g.Ops[0].Kernel)
}

func TestQuantize(t *testing.T) {
	g, err := smallNet().Build()
	require.NoError(t, err)
	scales := map[string]float32{}
	for _, v := range g.Vars {
		if !v.Persistable {
			scales[v.Name] = 0.05
		}
	}

	q, err := Quantize(g, scales, true)
	require.NoError(t, err)

	for _, op := range q.Ops {
		switch op.Type {
		case "conv2d", "depthwise_conv2d":
			f, _ := op.Input("Filter")
			w := q.Var(f)
			assert.Equal(t, tensor.Int8, w.DType)
			assert.Equal(t, tensor.Int8, w.Data.DType())
			assert.Len(t, op.Attrs.Floats("weight_scale"), w.Dims[0])
			assert.Equal(t, float32(0.05), op.Attrs.Float("input_scale", 0))
			assert.True(t, op.Attrs.Has("output_scale"))
			out, _ := op.Output("Output")
			assert.Equal(t, tensor.Int8, q.Var(out).DType)
		case "fc":
			wv, _ := op.Input("W")
			w := q.Var(wv)
			assert.Equal(t, tensor.Int8, w.DType)
			assert.Len(t, op.Attrs.Floats("weight_scale"), 10)
			assert.False(t, op.Attrs.Has("output_scale"))
		}
	}

	// the source graph keeps float weights
	for _, e := range Weights(g) {
		assert.Equal(t, tensor.Float32, e.Tensor.DType(), e.Name)
	}
}

func TestQuantizeMissingScale(t *testing.T) {
	g, err := smallNet().Build()
	require.NoError(t, err)
	_, err = Quantize(g, map[string]float32{"image": 0.01}, false)
	require.Error(t, err)
	assert.True(t, errdefs.IsConfig(err))
}

func TestQuantizeColumns(t *testing.T) {
	// 2 x 3, column maxima 2, 4, 0
	w := []float32{0.5, -4, 0, -2, 1, 0}
	q, s := quantizeColumns(w, 2, 3)
	assert.InDelta(t, 2.0/127, s[0], 1e-9)
	assert.InDelta(t, 4.0/127, s[1], 1e-9)
	assert.Equal(t, float32(1), s[2])
	assert.Equal(t, []int8{32, -127, 0, -127, 32, 0}, q.Int8s())
}

func TestSnapshotLoader(t *testing.T) {
	src, err := smallNet().Build()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "weights.arrow")
	require.NoError(t, snapshot.WriteFile(path, Weights(src)))

	base := smallNet()
	base.Seed = 99
	g, err := SnapshotLoader{Base: base, Path: path}.Load(context.Background())
	require.NoError(t, err)

	want := snapshot.Index(Weights(src))
	for _, e := range Weights(g) {
		assert.Equal(t, want[e.Name].Float32s(), e.Tensor.Float32s(), e.Name)
	}
}

func TestSnapshotLoaderMismatch(t *testing.T) {
	src, err := smallNet().Build()
	require.NoError(t, err)
	entries := Weights(src)
	dir := t.TempDir()

	partial := filepath.Join(dir, "partial.arrow")
	require.NoError(t, snapshot.WriteFile(partial, entries[:3]))
	_, err = SnapshotLoader{Base: smallNet(), Path: partial}.Load(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsConfig(err))

	reshaped := make([]snapshot.Entry, len(entries))
	copy(reshaped, entries)
	w := entries[0].Tensor
	reshaped[0] = snapshot.Entry{Name: entries[0].Name, Tensor: tensor.FromFloat32(w.Float32s(), w.Numel())}
	bad := filepath.Join(dir, "reshaped.arrow")
	require.NoError(t, snapshot.WriteFile(bad, reshaped))
	_, err = SnapshotLoader{Base: smallNet(), Path: bad}.Load(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsConfig(err))
}

func TestLoaderFuncHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := smallNet().Load(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	called := false
	l := LoaderFunc(func(context.Context) (*graph.Graph, error) {
		called = true
		return graph.New("empty"), nil
	})
	_, err = l.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, called)
}
