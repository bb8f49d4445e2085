package conv

import (
	"fmt"

	"github.com/23skdu/longbow-lite/internal/cpu"
	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/gemm"
)

// GemmLikeConv lowers each (batch, group) to one packed GEMM:
// filter[OC/G x K] * im2col(input)[K x OH*OW] with K = C/G*KH*KW.
type GemmLikeConv struct {
	base
	pointwise bool
	hblock    int
	kdim      int
	ocg       int
	packedI8  [][]int8
	packedF32 [][]float32
}

func NewGemmLikeConv() *GemmLikeConv {
	return &GemmLikeConv{base: base{name: "conv2d_gemm"}}
}

func (k *GemmLikeConv) SetParam(p *Param) error {
	if err := k.setParam(p); err != nil {
		return err
	}
	k.packedI8, k.packedF32 = nil, nil
	return nil
}

func (k *GemmLikeConv) Prepare(ctx *cpu.Context) error {
	if err := k.prepareScales(); err != nil {
		return err
	}
	p := k.param
	f := p.Filter.Dims()
	k.ocg = f[0] / p.Groups
	k.kdim = f[1] * f[2] * f[3]
	k.hblock = ctx.Hblock()

	size := gemm.PackedSize(k.ocg, k.kdim, k.hblock)
	for g := 0; g < p.Groups; g++ {
		m0, m1 := g*k.ocg, (g+1)*k.ocg
		var err error
		if k.mode == ModeFloat {
			dst := make([]float32, size)
			err = gemm.PrepackA(dst, p.Filter.Float32s(), k.kdim, m0, m1, 0, k.kdim, false, ctx)
			k.packedF32 = append(k.packedF32, dst)
		} else {
			dst := make([]int8, size)
			err = gemm.PrepackA(dst, p.Filter.Int8s(), k.kdim, m0, m1, 0, k.kdim, false, ctx)
			k.packedI8 = append(k.packedI8, dst)
		}
		if err != nil {
			return fmt.Errorf("%s: pack filter group %d: %w", k.name, g, err)
		}
	}
	k.state = StatePrepared
	return nil
}

func (k *GemmLikeConv) Launch(ctx *cpu.Context) error {
	if err := k.beginLaunch(); err != nil {
		return err
	}
	if h := ctx.Hblock(); h != k.hblock {
		return errdefs.Shape(k.name, "hblock", "filter packed with hblock %d, context uses %d", k.hblock, h)
	}
	p := k.param
	in, f := k.inDims, p.Filter.Dims()
	n, c, h, w := in[0], in[1], in[2], in[3]
	oc, oh, ow := k.outDims[1], k.outDims[2], k.outDims[3]
	icg := c / p.Groups
	spatial := oh * ow
	win := window{
		c:        icg,
		h:        h,
		w:        w,
		kh:       f[2],
		kw:       f[3],
		oh:       oh,
		ow:       ow,
		stride:   p.Strides,
		pad:      p.Paddings,
		dilation: p.Dilations,
	}

	for b := 0; b < n; b++ {
		for g := 0; g < p.Groups; g++ {
			inLo, inHi := (b*c+g*icg)*h*w, (b*c+(g+1)*icg)*h*w
			outLo, outHi := (b*oc+g*k.ocg)*spatial, (b*oc+(g+1)*k.ocg)*spatial
			scale, bias := k.gemmScales(g*k.ocg, (g+1)*k.ocg)
			gp := gemm.Params{
				M:        k.ocg,
				N:        spatial,
				K:        k.kdim,
				HasBias:  bias != nil,
				HasRelu:  p.FuseRelu,
				Bias:     bias,
				Scale:    scale,
				OutScale: p.OutputScale,
			}

			var err error
			switch k.mode {
			case ModeFloat:
				src := p.Input.Float32s()[inLo:inHi]
				col := src
				if !k.pointwise {
					col = ctx.Workspace().Float32(k.kdim * spatial)
					im2col(col, src, win, ctx)
				}
				err = gemm.SgemmPrepack(k.packedF32[g], col, p.Output.Float32s()[outLo:outHi], gp, ctx)
			default:
				src := p.Input.Int8s()[inLo:inHi]
				col := src
				if !k.pointwise {
					col = ctx.Workspace().Int8(k.kdim * spatial)
					im2col(col, src, win, ctx)
				}
				if k.mode == ModeInt8ToInt8 {
					err = gemm.GemmPrepackInt8Int8(k.packedI8[g], col, p.Output.Int8s()[outLo:outHi], gp, ctx)
				} else {
					err = gemm.GemmPrepackInt8(k.packedI8[g], col, p.Output.Float32s()[outLo:outHi], gp, ctx)
				}
			}
			if err != nil {
				return fmt.Errorf("%s: batch %d group %d: %w", k.name, b, g, err)
			}
		}
	}
	k.state = StateLaunched
	return nil
}

// PointwiseConv handles 1x1 filters with unit stride and no padding: the
// input plane is already the GEMM right-hand side, so im2col is skipped.
type PointwiseConv struct {
	GemmLikeConv
}

func NewPointwiseConv() *PointwiseConv {
	k := &PointwiseConv{}
	k.name = "conv2d_1x1"
	k.pointwise = true
	return k
}

func (k *PointwiseConv) SetParam(p *Param) error {
	if p.Filter != nil && !p.IsPointwise() {
		return errdefs.Config(k.name, "needs a 1x1 filter with stride 1 and no padding, got filter %v strides %v paddings %v",
			p.Filter.Dims(), p.Strides, p.Paddings)
	}
	return k.GemmLikeConv.SetParam(p)
}
