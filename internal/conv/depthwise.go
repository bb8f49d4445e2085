package conv

import (
	"github.com/23skdu/longbow-lite/internal/cpu"
	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/metrics"
)

// DepthwiseConv3x3 computes one 3x3 filter per channel directly, stride 1
// or 2, padding 0 or 1. Channels are split over the worker pool.
type DepthwiseConv3x3 struct {
	base
	wI32 []int32
	wF32 []float32
}

func NewDepthwiseConv3x3() *DepthwiseConv3x3 {
	return &DepthwiseConv3x3{base: base{name: "conv2d_dw3x3"}}
}

func (k *DepthwiseConv3x3) SetParam(p *Param) error {
	if p.Input != nil && p.Filter != nil && !p.IsDepthwise3x3() {
		return errdefs.Config(k.name, "needs a depthwise 3x3 filter with stride 1 or 2 and padding 0 or 1, got filter %v groups %d strides %v paddings %v dilations %v",
			p.Filter.Dims(), p.Groups, p.Strides, p.Paddings, p.Dilations)
	}
	if err := k.setParam(p); err != nil {
		return err
	}
	k.wI32, k.wF32 = nil, nil
	return nil
}

// Prepare widens the int8 filter to int32 once so the inner loop does no
// conversion.
func (k *DepthwiseConv3x3) Prepare(_ *cpu.Context) error {
	if err := k.prepareScales(); err != nil {
		return err
	}
	p := k.param
	if k.mode == ModeFloat {
		k.wF32 = append([]float32(nil), p.Filter.Float32s()...)
		metrics.RecordPacked("depthwise_filter", 4*len(k.wF32))
	} else {
		src := p.Filter.Int8s()
		k.wI32 = make([]int32, len(src))
		for i, v := range src {
			k.wI32[i] = int32(v)
		}
		metrics.RecordPacked("depthwise_filter", 4*len(k.wI32))
	}
	k.state = StatePrepared
	return nil
}

func (k *DepthwiseConv3x3) Launch(ctx *cpu.Context) error {
	if err := k.beginLaunch(); err != nil {
		return err
	}
	p := k.param
	n, c, h, w := k.inDims[0], k.inDims[1], k.inDims[2], k.inDims[3]
	oh, ow := k.outDims[2], k.outDims[3]
	stride, pad := p.Strides[0], p.Paddings[0]
	plane, spatial := h*w, oh*ow

	switch k.mode {
	case ModeFloat:
		in, out := p.Input.Float32s(), p.Output.Float32s()
		ctx.ParallelFor(n*c, func(tid, start, end int) {
			acc := ctx.ThreadWorkspace(tid).Float32(spatial)
			for nc := start; nc < end; nc++ {
				ch := nc % c
				depthwiseFloat32(acc, in[nc*plane:(nc+1)*plane], k.wF32[ch*9:ch*9+9], h, w, oh, ow, stride, pad)
				k.storeFloat32(ch, acc, out[nc*spatial:(nc+1)*spatial])
			}
		})
	default:
		in := p.Input.Int8s()
		var outF []float32
		var outI []int8
		if k.mode == ModeInt8ToInt8 {
			outI = p.Output.Int8s()
		} else {
			outF = p.Output.Float32s()
		}
		ctx.ParallelFor(n*c, func(tid, start, end int) {
			acc := ctx.ThreadWorkspace(tid).Int32(spatial)
			for nc := start; nc < end; nc++ {
				ch := nc % c
				depthwiseInt8(acc, in[nc*plane:(nc+1)*plane], k.wI32[ch*9:ch*9+9], h, w, oh, ow, stride, pad)
				lo, hi := nc*spatial, (nc+1)*spatial
				if outI != nil {
					k.storeInt32(ch, acc, nil, outI[lo:hi])
				} else {
					k.storeInt32(ch, acc, outF[lo:hi], nil)
				}
			}
		})
	}
	k.state = StateLaunched
	return nil
}

func depthwiseInt8(acc []int32, in []int8, wt []int32, h, w, oh, ow, stride, pad int) {
	for y := 0; y < oh; y++ {
		for x := 0; x < ow; x++ {
			var sum int32
			for ky := 0; ky < 3; ky++ {
				iy := y*stride - pad + ky
				if iy < 0 || iy >= h {
					continue
				}
				row := in[iy*w : (iy+1)*w]
				for kx := 0; kx < 3; kx++ {
					ix := x*stride - pad + kx
					if ix < 0 || ix >= w {
						continue
					}
					sum += int32(row[ix]) * wt[ky*3+kx]
				}
			}
			acc[y*ow+x] = sum
		}
	}
}

func depthwiseFloat32(acc, in, wt []float32, h, w, oh, ow, stride, pad int) {
	for y := 0; y < oh; y++ {
		for x := 0; x < ow; x++ {
			var sum float32
			for ky := 0; ky < 3; ky++ {
				iy := y*stride - pad + ky
				if iy < 0 || iy >= h {
					continue
				}
				row := in[iy*w : (iy+1)*w]
				for kx := 0; kx < 3; kx++ {
					ix := x*stride - pad + kx
					if ix < 0 || ix >= w {
						continue
					}
					sum += row[ix] * wt[ky*3+kx]
				}
			}
			acc[y*ow+x] = sum
		}
	}
}
