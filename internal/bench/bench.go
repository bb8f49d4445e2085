// Package bench times the GEMM and convolution kernels on synthetic
// operands and reports throughput. Each run can also check its first
// result against the reference kernels.
package bench

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/23skdu/longbow-lite/internal/conv"
	"github.com/23skdu/longbow-lite/internal/cpu"
	"github.com/23skdu/longbow-lite/internal/device"
	"github.com/23skdu/longbow-lite/internal/gemm"
	"github.com/23skdu/longbow-lite/internal/logger"
	"github.com/23skdu/longbow-lite/internal/metrics"
	"github.com/23skdu/longbow-lite/internal/quant"
	"github.com/23skdu/longbow-lite/internal/reference"
	"github.com/23skdu/longbow-lite/internal/tensor"
	"github.com/23skdu/longbow-lite/internal/validate"
)

// Run holds the timing and threading settings shared by every benchmark.
type Run struct {
	Warmup  int
	Repeats int
	Threads int
	Mode    cpu.PowerMode
	Hblock  int // 0 keeps the device value

	// Check, when set, compares the first result with the reference.
	Check *validate.Tolerance
	Seed  int64
}

func DefaultRun() Run {
	return Run{Warmup: 1, Repeats: 10, Threads: 1, Mode: cpu.PowerNoBind, Seed: 1}
}

type GemmConfig struct {
	M, N, K        int
	TransA, TransB bool
	Bias, Relu     bool
	Int8           bool
	Run
}

func (c GemmConfig) Name() string {
	prec := "fp32"
	if c.Int8 {
		prec = "int8"
	}
	return fmt.Sprintf("gemm_%s_m%d_n%d_k%d_ta%v_tb%v", prec, c.M, c.N, c.K, c.TransA, c.TransB)
}

type ConvConfig struct {
	N, C, H, W int
	OC         int
	Kernel     int
	Groups     int
	Stride     int
	Pad        int
	Dilation   int
	Bias, Relu bool
	Int8       bool
	Int8Out    bool
	Run
}

func (c ConvConfig) Name() string {
	prec := "fp32"
	switch {
	case c.Int8 && c.Int8Out:
		prec = "int8_int8"
	case c.Int8:
		prec = "int8_fp32"
	}
	return fmt.Sprintf("conv_%s_n%d_c%d_h%d_w%d_oc%d_k%d_g%d_s%d_p%d", prec,
		c.N, c.C, c.H, c.W, c.OC, c.Kernel, c.Groups, c.Stride, c.Pad)
}

func (c ConvConfig) shape() reference.ConvShape {
	return reference.ConvShape{
		N: c.N, C: c.C, H: c.H, W: c.W,
		OC: c.OC, KH: c.Kernel, KW: c.Kernel,
		Groups:    c.Groups,
		Strides:   [2]int{c.Stride, c.Stride},
		Paddings:  [2]int{c.Pad, c.Pad},
		Dilations: [2]int{c.Dilation, c.Dilation},
	}
}

// Report is the outcome of one benchmark. Ops counts a multiply-add as
// two operations.
type Report struct {
	Name    string
	Ops     float64
	Repeats int
	Min     time.Duration
	Avg     time.Duration
}

// GOPS is the throughput of the average run.
func (r Report) GOPS() float64 {
	if r.Avg <= 0 {
		return 0
	}
	return r.Ops / r.Avg.Seconds() / 1e9
}

// PeakGOPS is the throughput of the fastest run.
func (r Report) PeakGOPS() float64 {
	if r.Min <= 0 {
		return 0
	}
	return r.Ops / r.Min.Seconds() / 1e9
}

func (r Report) String() string {
	return fmt.Sprintf("%s: avg %v min %v over %d runs, %.3f GOPS (peak %.3f)",
		r.Name, r.Avg, r.Min, r.Repeats, r.GOPS(), r.PeakGOPS())
}

// Time runs fn warmup times untimed, then repeats times timed.
func Time(ctx context.Context, name string, ops float64, warmup, repeats int, fn func() error) (Report, error) {
	if repeats < 1 {
		return Report{}, fmt.Errorf("bench %s: repeats must be positive, got %d", name, repeats)
	}
	for i := 0; i < warmup; i++ {
		if err := fn(); err != nil {
			return Report{}, fmt.Errorf("bench %s warmup: %w", name, err)
		}
	}
	r := Report{Name: name, Ops: ops, Repeats: repeats}
	var total time.Duration
	for i := 0; i < repeats; i++ {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		start := time.Now()
		if err := fn(); err != nil {
			return Report{}, fmt.Errorf("bench %s: %w", name, err)
		}
		d := time.Since(start)
		total += d
		if i == 0 || d < r.Min {
			r.Min = d
		}
	}
	r.Avg = total / time.Duration(repeats)
	metrics.RecordBench(name, r.GOPS())
	logger.Log.Info("Benchmark finished",
		"name", name, "avg", r.Avg, "min", r.Min, "repeats", repeats, "gops", r.GOPS())
	return r, nil
}

func newContext(name string, run Run, info device.Info) (*cpu.Context, error) {
	c := cpu.NewContext(name, info)
	if err := c.SetRunMode(run.Mode, max(run.Threads, 1)); err != nil {
		c.Close()
		return nil, err
	}
	if run.Hblock != 0 {
		if err := c.SetHblock(run.Hblock); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// Gemm benchmarks C = A * B with A prepacked once. Int8 operands use the
// 1/127 calibration of the accuracy grids and produce float32.
func Gemm(ctx context.Context, cfg GemmConfig, info device.Info) (Report, error) {
	m, n, k := cfg.M, cfg.N, cfg.K
	if m <= 0 || n <= 0 || k <= 0 {
		return Report{}, fmt.Errorf("bench %s: non-positive extent", cfg.Name())
	}
	c, err := newContext(cfg.Name(), cfg.Run, info)
	if err != nil {
		return Report{}, err
	}
	defer c.Close()

	rng := rand.New(rand.NewSource(cfg.Seed))
	lda := k
	if cfg.TransA {
		lda = m
	}
	bias := make([]float32, m)
	reference.FillFloat32(rng, bias, -1, 1)
	p := gemm.Params{M: m, N: n, K: k, TransB: cfg.TransB, HasBias: cfg.Bias, HasRelu: cfg.Relu, Bias: bias}
	out := make([]float32, m*n)
	size := gemm.PackedSize(m, k, c.Hblock())

	var af, bf []float32
	var launch func() error
	if cfg.Int8 {
		a, b := make([]int8, m*k), make([]int8, k*n)
		reference.FillInt8(rng, a, -127, 127)
		reference.FillInt8(rng, b, -127, 127)
		scaleA := make([]float32, m)
		for i := range scaleA {
			scaleA[i] = 1.0 / 127
		}
		p.Scale = quant.MergeScales(scaleA, 1.0/127)
		packed := make([]int8, size)
		if err := gemm.PrepackA(packed, a, lda, 0, m, 0, k, cfg.TransA, c); err != nil {
			return Report{}, err
		}
		af, bf = reference.ToFloat32(a, 1.0/127), reference.ToFloat32(b, 1.0/127)
		launch = func() error { return gemm.GemmPrepackInt8(packed, b, out, p, c) }
	} else {
		a, b := make([]float32, m*k), make([]float32, k*n)
		reference.FillFloat32(rng, a, -1, 1)
		reference.FillFloat32(rng, b, -1, 1)
		packed := make([]float32, size)
		if err := gemm.PrepackA(packed, a, lda, 0, m, 0, k, cfg.TransA, c); err != nil {
			return Report{}, err
		}
		af, bf = a, b
		launch = func() error { return gemm.SgemmPrepack(packed, b, out, p, c) }
	}

	if cfg.Check != nil {
		if err := c.Launch(cfg.Name(), launch); err != nil {
			return Report{}, err
		}
		var refBias []float32
		if cfg.Bias {
			refBias = bias
		}
		want := reference.Gemm(cfg.TransA, cfg.TransB, m, n, k, af, bf, refBias, cfg.Relu)
		if err := cfg.Check.CheckFloat(cfg.Name(), want, out); err != nil {
			return Report{}, err
		}
	}
	return Time(ctx, cfg.Name(), 2*float64(m)*float64(n)*float64(k), cfg.Warmup, cfg.Repeats, func() error {
		return c.Launch(cfg.Name(), launch)
	})
}

// Conv benchmarks one convolution through the implementation conv.New
// selects for its shape.
func Conv(ctx context.Context, cfg ConvConfig, info device.Info) (Report, error) {
	if cfg.Groups == 0 {
		cfg.Groups = 1
	}
	if cfg.Stride == 0 {
		cfg.Stride = 1
	}
	if cfg.Dilation == 0 {
		cfg.Dilation = 1
	}
	if cfg.Int8Out && !cfg.Int8 {
		return Report{}, fmt.Errorf("bench %s: int8 output needs int8 operands", cfg.Name())
	}
	c, err := newContext(cfg.Name(), cfg.Run, info)
	if err != nil {
		return Report{}, err
	}
	defer c.Close()

	rng := rand.New(rand.NewSource(cfg.Seed))
	icg := cfg.C / max(cfg.Groups, 1)
	dt := tensor.Float32
	if cfg.Int8 {
		dt = tensor.Int8
	}
	in := tensor.New(dt, cfg.N, cfg.C, cfg.H, cfg.W)
	filter := tensor.New(dt, cfg.OC, icg, cfg.Kernel, cfg.Kernel)
	var inF, filterF []float32
	if cfg.Int8 {
		reference.FillInt8(rng, in.Int8s(), -127, 127)
		reference.FillInt8(rng, filter.Int8s(), -127, 127)
		inF, filterF = reference.ToFloat32(in.Int8s(), 1.0/127), reference.ToFloat32(filter.Int8s(), 1.0/127)
	} else {
		reference.FillFloat32(rng, in.Float32s(), -1, 1)
		reference.FillFloat32(rng, filter.Float32s(), -1, 1)
		inF, filterF = in.Float32s(), filter.Float32s()
	}
	var bias *tensor.Tensor
	var refBias []float32
	if cfg.Bias {
		bias = tensor.New(tensor.Float32, cfg.OC)
		reference.FillFloat32(rng, bias.Float32s(), -1, 1)
		refBias = bias.Float32s()
	}

	p := &conv.Param{
		Input:     in,
		Filter:    filter,
		Bias:      bias,
		Output:    tensor.New(tensor.Float32),
		Strides:   [2]int{cfg.Stride, cfg.Stride},
		Paddings:  [2]int{cfg.Pad, cfg.Pad},
		Dilations: [2]int{cfg.Dilation, cfg.Dilation},
		Groups:    cfg.Groups,
		FuseRelu:  cfg.Relu,
	}
	outScale := float32(icg*cfg.Kernel*cfg.Kernel) / 127
	if cfg.Int8 {
		p.InputScale = 1.0 / 127
		p.WeightScale = make([]float32, cfg.OC)
		for i := range p.WeightScale {
			p.WeightScale[i] = 1.0 / 127
		}
		if cfg.Int8Out {
			p.OutputScale = outScale
			p.Output = tensor.New(tensor.Int8)
		}
	}

	k := conv.New(p)
	if err := k.SetParam(p); err != nil {
		return Report{}, err
	}
	if err := k.Prepare(c); err != nil {
		return Report{}, err
	}
	launch := func() error { return c.Launch(k.Name(), func() error { return k.Launch(c) }) }

	if cfg.Check != nil {
		if err := launch(); err != nil {
			return Report{}, err
		}
		want := reference.Conv2D(cfg.shape(), inF, filterF, refBias, cfg.Relu)
		if cfg.Int8Out {
			wantI8 := make([]int8, len(want))
			quant.Fp32ToInt8(want, wantI8, []float32{outScale}, 1, 1, len(want))
			err = cfg.Check.CheckInt8(cfg.Name(), wantI8, p.Output.Int8s())
		} else {
			err = cfg.Check.CheckFloat(cfg.Name(), want, p.Output.Float32s())
		}
		if err != nil {
			return Report{}, err
		}
	}

	n, oc, oh, ow := cfg.shape().OutDims()
	ops := 2 * float64(n*oc*oh*ow) * float64(icg*cfg.Kernel*cfg.Kernel)
	return Time(ctx, cfg.Name(), ops, cfg.Warmup, cfg.Repeats, launch)
}
