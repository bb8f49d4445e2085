package model

import (
	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/graph"
	"github.com/23skdu/longbow-lite/internal/quant"
	"github.com/23skdu/longbow-lite/internal/tensor"
)

// Quantize returns a copy of g whose convolutions and fully connected
// layers run in int8. Weights get symmetric per-output-channel scales;
// input scales come from actScales, keyed by activation var name. With
// int8Out, convolutions also emit int8 using their output activation
// scale. The original graph and its weight tensors are left untouched.
func Quantize(g *graph.Graph, actScales map[string]float32, int8Out bool) (*graph.Graph, error) {
	out := g.Clone()
	for i := range out.Ops {
		op := &out.Ops[i]
		var wslot string
		switch op.Type {
		case "conv2d", "depthwise_conv2d":
			wslot = "Filter"
		case "fc":
			wslot = "W"
		default:
			continue
		}
		in, _ := op.Input("Input")
		inScale, err := activationScale(out, op, in, actScales)
		if err != nil {
			return nil, err
		}
		wv, ok := op.Input(wslot)
		if !ok {
			return nil, errdefs.Config(op.String(), "missing %s", wslot)
		}
		w := out.Var(wv)
		if !w.Persistable || w.Data == nil || w.DType != tensor.Float32 {
			return nil, errdefs.Config(op.String(), "%s %s is not a float32 weight", wslot, w.Name)
		}

		var q *tensor.Tensor
		var scales []float32
		if wslot == "Filter" {
			oc := w.Dims[0]
			data, s := quant.QuantizePerChannel(w.Data.Float32s(), oc)
			q, scales = tensor.FromInt8(data, w.Dims...), s
		} else {
			q, scales = quantizeColumns(w.Data.Float32s(), w.Dims[0], w.Dims[1])
		}
		q.SetName(w.Name)
		q.SetScale(scales...)
		w.Data, w.DType = q, tensor.Int8

		op.Attrs["input_scale"] = inScale
		op.Attrs["weight_scale"] = scales
		if int8Out && wslot == "Filter" {
			ov, _ := op.Output("Output")
			s, err := activationScale(out, op, ov, actScales)
			if err != nil {
				return nil, err
			}
			op.Attrs["output_scale"] = s
			out.Var(ov).DType = tensor.Int8
		}
	}
	return out, nil
}

func activationScale(g *graph.Graph, op *graph.Op, v graph.VarID, scales map[string]float32) (float32, error) {
	name := g.Var(v).Name
	s, ok := scales[name]
	if !ok || !(s > 0) {
		return 0, errdefs.Config(op.String(), "no calibrated scale for %s", name)
	}
	return s, nil
}

// quantizeColumns quantizes a k x n row-major matrix with one scale per
// column.
func quantizeColumns(w []float32, k, n int) (*tensor.Tensor, []float32) {
	scales := make([]float32, n)
	for c := 0; c < n; c++ {
		var m float32
		for r := 0; r < k; r++ {
			v := w[r*n+c]
			if v < 0 {
				v = -v
			}
			m = max(m, v)
		}
		scales[c] = quant.ScaleForMaxAbs(m)
	}
	q := make([]int8, len(w))
	quant.Fp32ToInt8(w, q, scales, n, k, 1)
	return tensor.FromInt8(q, k, n), scales
}
