package model

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-lite/internal/graph"
)

// MobileNetV1 configures the depthwise-separable classification network:
// a strided 3x3 stem, thirteen depthwise 3x3 + pointwise 1x1 blocks,
// global average pooling, a fully connected classifier and softmax.
// Batch norm is folded into the convolution bias.
type MobileNetV1 struct {
	Width      float64
	Resolution int
	Classes    int
	Batch      int
	Seed       int64
}

// DefaultMobileNetV1 is width 0.25 at 224x224 with 1000 classes.
func DefaultMobileNetV1() MobileNetV1 {
	return MobileNetV1{Width: 0.25, Resolution: 224, Classes: 1000, Batch: 1, Seed: 1}
}

var mobileNetBlocks = []struct {
	out, stride int
}{
	{64, 1}, {128, 2}, {128, 1}, {256, 2}, {256, 1}, {512, 2},
	{512, 1}, {512, 1}, {512, 1}, {512, 1}, {512, 1},
	{1024, 2}, {1024, 1},
}

func (m MobileNetV1) channels(c int) int {
	return max(int(float64(c)*m.Width), 1)
}

// Build assembles the graph with seeded weights.
func (m MobileNetV1) Build() (*graph.Graph, error) {
	if m.Width <= 0 || m.Resolution < 32 || m.Classes < 1 || m.Batch < 1 {
		return nil, fmt.Errorf("invalid MobileNetV1 config %+v", m)
	}
	b := NewBuilder(fmt.Sprintf("mobilenet_v1_%g_%d", m.Width, m.Resolution), m.Seed)
	x := b.Input("image", m.Batch, 3, m.Resolution, m.Resolution)
	x = b.Conv2D(x, "conv1", ConvSpec{OutChannels: m.channels(32), Kernel: 3, Stride: 2, Pad: 1, Bias: true, Relu: true})
	for i, blk := range mobileNetBlocks {
		x = b.Conv2D(x, fmt.Sprintf("conv%d_dw", i+2), ConvSpec{Kernel: 3, Stride: blk.stride, Pad: 1, Depthwise: true, Bias: true, Relu: true})
		x = b.Conv2D(x, fmt.Sprintf("conv%d_pw", i+2), ConvSpec{OutChannels: m.channels(blk.out), Kernel: 1, Bias: true, Relu: true})
	}
	x = b.Pool2D(x, "pool", PoolSpec{Type: "avg", Global: true})
	x = b.FC(x, "fc", m.Classes, false)
	x = b.Softmax(x, "prob")
	b.Output(x)
	return b.Build()
}

// Load implements Loader.
func (m MobileNetV1) Load(ctx context.Context) (*graph.Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.Build()
}
