package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/23skdu/longbow-lite/internal/bench"
	"github.com/23skdu/longbow-lite/internal/config"
	"github.com/23skdu/longbow-lite/internal/device"
	"github.com/23skdu/longbow-lite/internal/engine"
	"github.com/23skdu/longbow-lite/internal/logger"
	"github.com/23skdu/longbow-lite/internal/model"
	"github.com/23skdu/longbow-lite/internal/monitoring"
	"github.com/23skdu/longbow-lite/internal/reference"
	"github.com/23skdu/longbow-lite/internal/snapshot"
	"github.com/23skdu/longbow-lite/internal/tensor"
)

type options struct {
	cfg  config.Config
	mode string

	net      model.MobileNetV1
	int8     bool
	int8Out  bool
	calib    int
	weights  string
	topK     int
	showPlan bool

	gemm bench.GemmConfig
	conv bench.ConvConfig
}

func parseFlags(args []string) (options, error) {
	o := options{cfg: config.Default(), net: model.DefaultMobileNetV1()}
	fs := flag.NewFlagSet("lite", flag.ContinueOnError)

	fs.StringVar(&o.mode, "mode", "classify", "What to run: classify, gemm or conv")
	fs.IntVar(&o.cfg.Threads, "threads", o.cfg.Threads, "Worker threads per execution context")
	fs.StringVar(&o.cfg.PowerMode, "power", o.cfg.PowerMode, "Power mode: high, low, full, no_bind, rand_high, rand_low")
	fs.IntVar(&o.cfg.Hblock, "hblock", 0, "Packed row block (4 or 8); 0 detects")
	passes := fs.String("passes", "", "Comma separated optimizer passes; empty runs the default pipeline")
	places := fs.String("places", "", "Comma separated valid places, e.g. arm/int8,arm/float,host/any/any")
	fs.BoolVar(&o.cfg.FloatOnly, "float", false, "Drop int8 places")
	fs.IntVar(&o.cfg.Warmup, "warmup", o.cfg.Warmup, "Untimed runs before measuring")
	fs.IntVar(&o.cfg.Repeats, "repeats", o.cfg.Repeats, "Timed runs")
	fs.StringVar(&o.cfg.LogLevel, "log-level", o.cfg.LogLevel, "Log level")
	fs.StringVar(&o.cfg.LogFormat, "log-format", o.cfg.LogFormat, "Log format: console or json")
	fs.StringVar(&o.cfg.MetricsAddr, "metrics", "", "Address for the health, status and Prometheus endpoints, e.g. :9090")
	fs.StringVar(&o.cfg.Snapshot, "dump", "", "Write inputs and outputs to this Arrow snapshot")

	fs.Float64Var(&o.net.Width, "width", o.net.Width, "MobileNetV1 width multiplier")
	fs.IntVar(&o.net.Resolution, "resolution", o.net.Resolution, "Input height and width")
	fs.IntVar(&o.net.Classes, "classes", o.net.Classes, "Classifier outputs")
	fs.IntVar(&o.net.Batch, "batch", o.net.Batch, "Batch size")
	fs.Int64Var(&o.net.Seed, "seed", o.net.Seed, "Weight and input seed")
	fs.BoolVar(&o.int8, "int8", false, "Calibrate and quantize the network to int8")
	fs.BoolVar(&o.int8Out, "int8-out", true, "With -int8, let convolutions emit int8")
	fs.IntVar(&o.calib, "calib-batches", 4, "Random batches used to calibrate activations")
	fs.StringVar(&o.weights, "weights", "", "Load weights from an Arrow snapshot")
	fs.IntVar(&o.topK, "top", 5, "Classes to print")
	fs.BoolVar(&o.showPlan, "plan", false, "Print the optimized plan")

	fs.IntVar(&o.gemm.M, "m", 256, "GEMM rows")
	fs.IntVar(&o.gemm.N, "n", 256, "GEMM columns")
	fs.IntVar(&o.gemm.K, "k", 256, "GEMM depth")
	fs.BoolVar(&o.gemm.TransA, "trans-a", false, "GEMM transposed A")
	fs.BoolVar(&o.gemm.TransB, "trans-b", false, "GEMM transposed B")

	fs.IntVar(&o.conv.N, "conv-n", 1, "Conv batch")
	fs.IntVar(&o.conv.C, "conv-c", 32, "Conv input channels")
	fs.IntVar(&o.conv.H, "conv-h", 112, "Conv input height")
	fs.IntVar(&o.conv.W, "conv-w", 112, "Conv input width")
	fs.IntVar(&o.conv.OC, "conv-oc", 32, "Conv output channels")
	fs.IntVar(&o.conv.Kernel, "conv-k", 3, "Conv kernel extent")
	fs.IntVar(&o.conv.Groups, "conv-groups", 1, "Conv groups")
	fs.IntVar(&o.conv.Stride, "conv-stride", 1, "Conv stride")
	fs.IntVar(&o.conv.Pad, "conv-pad", 1, "Conv padding")
	fs.IntVar(&o.conv.Dilation, "conv-dilation", 1, "Conv dilation")
	check := fs.Bool("check", false, "Check benchmark results against the reference kernels")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	o.cfg.Passes = splitList(*passes)
	o.cfg.Places = splitList(*places)
	if err := o.cfg.Validate(); err != nil {
		return o, err
	}

	run := bench.Run{
		Warmup:  o.cfg.Warmup,
		Repeats: o.cfg.Repeats,
		Threads: o.cfg.Threads,
		Mode:    o.cfg.Mode(),
		Hblock:  o.cfg.Hblock,
		Seed:    o.net.Seed,
	}
	if *check {
		tol := o.cfg.Tolerance
		run.Check = &tol
	}
	o.gemm.Run, o.conv.Run = run, run
	o.gemm.Int8, o.conv.Int8 = o.int8, o.int8
	o.conv.Int8Out = o.int8 && o.int8Out
	o.conv.Bias, o.conv.Relu = true, true

	if o.topK < 0 {
		return o, fmt.Errorf("invalid top: %d (must be non-negative)", o.topK)
	}
	switch o.mode {
	case "classify", "gemm", "conv":
	default:
		return o, fmt.Errorf("unknown mode %q", o.mode)
	}
	return o, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code: 2 for bad flags, 1 for a failed run.
func run(args []string) int {
	o, err := parseFlags(args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "lite: %v\n", err)
		return 2
	}
	logger.Setup(o.cfg.LogLevel, o.cfg.GetLogFormat())

	var monitor *monitoring.HealthMonitor
	if o.cfg.MetricsAddr != "" {
		monitor = monitoring.NewHealthMonitor()
		go func() {
			if err := monitor.Start(o.cfg.MetricsAddr); err != nil {
				logger.Log.Error("Health monitor error", "error", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = monitor.Stop(sctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	info := device.Detect()
	logger.Log.Info("Device detected",
		"arch", info.Arch, "target", info.Target.String(), "cores", info.Cores,
		"big", len(info.BigCores), "little", len(info.LittleCores), "dotprod", info.DotProd)

	switch o.mode {
	case "gemm":
		err = printReport(bench.Gemm(ctx, o.gemm, info))
	case "conv":
		err = printReport(bench.Conv(ctx, o.conv, info))
	default:
		err = classify(ctx, o, monitor)
	}
	if err != nil {
		logger.Log.Error("Run failed", "mode", o.mode, "error", err)
		return 1
	}
	return 0
}

func printReport(r bench.Report, err error) error {
	if err != nil {
		return err
	}
	fmt.Println(r)
	return nil
}

func fillRandom(seed int64) engine.Sampler {
	return func(batch int, inputs []*tensor.Tensor) error {
		rng := rand.New(rand.NewSource(seed + int64(batch)))
		for _, in := range inputs {
			reference.FillFloat32(rng, in.Float32s(), 0, 1)
		}
		return nil
	}
}

func classify(ctx context.Context, o options, monitor *monitoring.HealthMonitor) error {
	var loader model.Loader = o.net
	if o.weights != "" {
		loader = model.SnapshotLoader{Base: o.net, Path: o.weights}
	}
	if o.int8 {
		scales, err := engine.Calibrate(ctx, loader, o.cfg, o.calib, fillRandom(o.net.Seed+1000))
		if err != nil {
			return err
		}
		g, err := loader.Load(ctx)
		if err != nil {
			return err
		}
		q, err := model.Quantize(g, scales, o.int8Out)
		if err != nil {
			return err
		}
		loader = model.Static(q)
	}

	p, err := engine.Build(ctx, loader, o.cfg)
	if err != nil {
		return err
	}
	defer p.Close()
	if monitor != nil {
		monitor.SetPlan(monitoring.PlanInfo{
			Graph:    p.Plan().Graph.Name,
			Ops:      len(p.Plan().Order),
			Contexts: p.Plan().NumContexts(),
			Threads:  o.cfg.Threads,
		})
	}
	if o.showPlan {
		fmt.Print(p.Plan().Summary())
	}

	in, err := p.GetInput(0)
	if err != nil {
		return err
	}
	if err := fillRandom(o.net.Seed)(0, []*tensor.Tensor{in}); err != nil {
		return err
	}
	report, err := bench.Time(ctx, "classify_"+p.Plan().Graph.Name, 0, o.cfg.Warmup, o.cfg.Repeats, func() error {
		start := time.Now()
		err := p.Run(ctx)
		if monitor != nil {
			monitor.RecordRun(time.Since(start), err)
		}
		return err
	})
	if err != nil {
		return err
	}
	out, err := p.GetOutput(0)
	if err != nil {
		return err
	}
	logger.Log.Info("Classification finished",
		"graph", p.Plan().Graph.Name, "avg", report.Avg, "min", report.Min, "repeats", report.Repeats)
	printTop(out, o.topK)

	if o.cfg.Snapshot != "" {
		start := time.Now()
		entries := []snapshot.Entry{{Name: "input", Tensor: in}, {Name: "output", Tensor: out}}
		if err := snapshot.WriteFile(o.cfg.Snapshot, entries); err != nil {
			return err
		}
		logger.Log.Info("Snapshot written", "path", o.cfg.Snapshot, "tensors", len(entries), "duration", time.Since(start))
	}
	return nil
}

func printTop(out *tensor.Tensor, k int) {
	dims := out.Dims()
	classes := dims[len(dims)-1]
	probs := out.Float32s()
	for b := 0; b < len(probs)/classes; b++ {
		row := probs[b*classes : (b+1)*classes]
		idx := make([]int, classes)
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(i, j int) bool { return row[idx[i]] > row[idx[j]] })
		for _, c := range idx[:min(k, classes)] {
			fmt.Printf("batch %d class %4d  %.6f\n", b, c, row[c])
		}
	}
}
