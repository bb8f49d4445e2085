package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-lite/internal/graph"
	"github.com/23skdu/longbow-lite/internal/reference"
)

// interpret evaluates a float32 model graph op by op with the reference
// kernels and returns every var by name.
func interpret(t *testing.T, g *graph.Graph, feeds [][]float32) map[string][]float32 {
	t.Helper()
	order, err := g.TopoOrder()
	require.NoError(t, err)

	vals := make([][]float32, len(g.Vars))
	for i, v := range g.Vars {
		if v.Persistable {
			vals[i] = v.Data.Float32s()
		}
	}
	in := func(op *graph.Op, slot string) []float32 {
		id, ok := op.Input(slot)
		if !ok {
			return nil
		}
		return vals[id]
	}
	dims := func(op *graph.Op, slot string) []int {
		id, _ := op.Input(slot)
		return g.Var(id).Dims
	}

	for _, id := range order {
		op := g.Op(id)
		var out []float32
		switch op.Type {
		case "feed":
			out = feeds[op.Attrs.Int("col", 0)]
		case "fetch":
			out = append([]float32(nil), in(op, "X")...)
		case "conv2d", "depthwise_conv2d":
			x, f := dims(op, "Input"), dims(op, "Filter")
			s := reference.ConvShape{
				N: x[0], C: x[1], H: x[2], W: x[3],
				OC: f[0], KH: f[2], KW: f[3],
				Groups:    op.Attrs.Int("groups", 1),
				Strides:   op.Attrs.Pair("strides", [2]int{1, 1}),
				Paddings:  op.Attrs.Pair("paddings", [2]int{0, 0}),
				Dilations: op.Attrs.Pair("dilations", [2]int{1, 1}),
			}
			out = reference.Conv2D(s, in(op, "Input"), in(op, "Filter"), in(op, "Bias"), op.Attrs.Bool("fuse_relu"))
		case "pool2d":
			require.True(t, op.Attrs.Bool("global_pooling"), "reference handles global pooling only")
			x := dims(op, "X")
			src, plane := in(op, "X"), x[2]*x[3]
			out = make([]float32, x[0]*x[1])
			for p := range out {
				var sum float64
				for _, v := range src[p*plane : (p+1)*plane] {
					sum += float64(v)
				}
				out[p] = float32(sum / float64(plane))
			}
		case "fc":
			x, w := dims(op, "Input"), dims(op, "W")
			m, k, n := x[0], w[0], w[1]
			out = reference.Gemm(false, false, m, n, k, in(op, "Input"), in(op, "W"), nil, false)
			bias := in(op, "Bias")
			relu := op.Attrs.Str("activation_type", "") == "relu"
			for i := range out {
				if bias != nil {
					out[i] += bias[i%n]
				}
				if relu && out[i] < 0 {
					out[i] = 0
				}
			}
		case "relu":
			out = append([]float32(nil), in(op, "X")...)
			for i, v := range out {
				out[i] = max(v, 0)
			}
		case "softmax":
			x := dims(op, "X")
			src, n := in(op, "X"), x[len(x)-1]
			out = make([]float32, len(src))
			for r := 0; r < len(src); r += n {
				row, mx := src[r:r+n], float64(src[r])
				for _, v := range row {
					mx = math.Max(mx, float64(v))
				}
				var sum float64
				for _, v := range row {
					sum += math.Exp(float64(v) - mx)
				}
				for i, v := range row {
					out[r+i] = float32(math.Exp(float64(v)-mx) / sum)
				}
			}
		default:
			t.Fatalf("reference has no %s", op.Type)
		}
		for _, a := range op.Outputs {
			vals[a.Var] = out
		}
	}

	byName := make(map[string][]float32, len(vals))
	for i, v := range g.Vars {
		byName[v.Name] = vals[i]
	}
	return byName
}
