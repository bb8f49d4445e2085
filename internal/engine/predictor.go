// Package engine builds and runs execution plans. A Predictor loads a
// graph, runs the optimizer pipeline over it, binds every op to a prepared
// kernel and then executes the ops in topological order on demand.
package engine

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-lite/internal/config"
	"github.com/23skdu/longbow-lite/internal/cpu"
	"github.com/23skdu/longbow-lite/internal/device"
	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/kernel"
	"github.com/23skdu/longbow-lite/internal/kernels"
	"github.com/23skdu/longbow-lite/internal/logger"
	"github.com/23skdu/longbow-lite/internal/metrics"
	"github.com/23skdu/longbow-lite/internal/model"
	"github.com/23skdu/longbow-lite/internal/optimizer"
	"github.com/23skdu/longbow-lite/internal/tensor"
)

type options struct {
	registry *kernel.Registry
	device   *device.Info
}

type Option func(*options)

// WithRegistry replaces the built-in kernel table.
func WithRegistry(r *kernel.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithDevice overrides the detected device.
func WithDevice(info device.Info) Option {
	return func(o *options) { o.device = &info }
}

// Predictor owns one plan. Run must not be called concurrently.
type Predictor struct {
	cfg  config.Config
	plan *Plan
}

// Build loads the graph, optimizes it for the configured places and
// prepares every kernel.
func Build(ctx context.Context, loader model.Loader, cfg config.Config, opts ...Option) (p *Predictor, err error) {
	defer func() { metrics.RecordPlanBuild(err) }()
	start := time.Now()

	if err := cfg.Validate(); err != nil {
		return nil, errdefs.Config("predictor", "%v", err)
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	info := device.Detect()
	if o.device != nil {
		info = *o.device
	}
	if o.registry == nil {
		if o.registry, err = kernels.NewRegistry(); err != nil {
			return nil, err
		}
	}
	places, err := cfg.ValidPlaces(info)
	if err != nil {
		return nil, errdefs.Config("predictor", "%v", err)
	}
	pipeline, err := optimizer.NewPipeline(cfg.Passes...)
	if err != nil {
		return nil, errdefs.Config("predictor", "%v", err)
	}

	src, err := loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}
	g, err := pipeline.Run(ctx, src, optimizer.Env{Registry: o.registry, Places: places})
	if err != nil {
		return nil, fmt.Errorf("optimize %s: %w", src.Name, err)
	}

	plan, err := newPlan(g)
	if err != nil {
		return nil, err
	}
	if err := bind(ctx, plan, o.registry, info, cfg); err != nil {
		plan.close()
		return nil, err
	}

	logger.Log.Info("Plan built",
		"graph", g.Name,
		"ops", len(g.Ops),
		"places", len(places),
		"contexts", len(plan.contexts),
		"threads", cfg.Threads,
		"mode", cfg.Mode().String(),
		"duration", time.Since(start))
	return &Predictor{cfg: cfg, plan: plan}, nil
}

// bind creates the kernels and contexts of plan, sets their parameters in
// order and prepares them concurrently.
func bind(ctx context.Context, plan *Plan, reg *kernel.Registry, info device.Info, cfg config.Config) error {
	g := plan.Graph
	for _, id := range plan.Order {
		op := g.Op(id)
		decl, ok := reg.Get(op.Kernel)
		if !ok {
			return errdefs.Config(op.String(), "kernel %q is not registered", op.Kernel)
		}
		k := decl.New()
		if err := k.SetParam(g, op, plan); err != nil {
			return fmt.Errorf("set param %s: %w", op, err)
		}
		plan.kernels[id] = k

		if _, ok := plan.contexts[op.Context]; !ok {
			c := cpu.NewContext(op.Context, info)
			if err := c.SetRunMode(cfg.Mode(), cfg.Threads); err != nil {
				return err
			}
			if cfg.Hblock != 0 {
				if err := c.SetHblock(cfg.Hblock); err != nil {
					return err
				}
			}
			plan.contexts[op.Context] = c
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for _, id := range plan.Order {
		op := g.Op(id)
		k, c := plan.kernels[id], plan.contexts[op.Context]
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := k.Prepare(c); err != nil {
				return fmt.Errorf("prepare %s: %w", op, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// GetInput returns the tensor fed at column col. Callers fill it in place;
// its dims are fixed by the plan.
func (p *Predictor) GetInput(col int) (*tensor.Tensor, error) {
	if col < 0 || col >= len(p.plan.feeds) {
		return nil, fmt.Errorf("input column %d out of range [0, %d)", col, len(p.plan.feeds))
	}
	return p.plan.tensors[p.plan.feeds[col]], nil
}

// GetOutput returns the tensor fetched at column col. It is overwritten by
// the next Run.
func (p *Predictor) GetOutput(col int) (*tensor.Tensor, error) {
	if col < 0 || col >= len(p.plan.fetches) {
		return nil, fmt.Errorf("output column %d out of range [0, %d)", col, len(p.plan.fetches))
	}
	return p.plan.tensors[p.plan.fetches[col]], nil
}

func (p *Predictor) NumInputs() int  { return len(p.plan.feeds) }
func (p *Predictor) NumOutputs() int { return len(p.plan.fetches) }

// Plan exposes the bound plan for inspection.
func (p *Predictor) Plan() *Plan { return p.plan }

// Run executes every op once. Inputs whose dims no longer match the plan
// are rejected before any kernel runs.
func (p *Predictor) Run(ctx context.Context) error {
	plan := p.plan
	g := plan.Graph
	for col, v := range plan.feeds {
		t := plan.tensors[v]
		if want := g.Var(v).Dims; !t.Dims().Equal(want) {
			return errdefs.Shape(fmt.Sprintf("feed[%d]", col), "input", "plan expects %v, got %v", want, t.Dims())
		}
	}

	start := time.Now()
	for _, id := range plan.Order {
		if err := ctx.Err(); err != nil {
			return err
		}
		op := g.Op(id)
		k, c := plan.kernels[id], plan.contexts[op.Context]
		if err := c.Launch(op.Kernel, func() error { return k.Launch(c) }); err != nil {
			return fmt.Errorf("run %s: %w", op, err)
		}
	}
	elapsed := time.Since(start)
	metrics.RecordPlanRun(elapsed)
	logger.Log.Debug("Plan run", "graph", g.Name, "ops", len(plan.Order), "duration", elapsed)
	return nil
}

// Close stops the worker pools of every context.
func (p *Predictor) Close() {
	p.plan.close()
}
