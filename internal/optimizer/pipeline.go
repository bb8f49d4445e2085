// Package optimizer turns a model graph into an executable one: every op
// gets a kernel for one of the valid places, conversion ops are inserted
// where producer and consumer disagree, and every op is assigned an
// execution context.
package optimizer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/23skdu/longbow-lite/internal/graph"
	"github.com/23skdu/longbow-lite/internal/kernel"
	"github.com/23skdu/longbow-lite/internal/logger"
	"github.com/23skdu/longbow-lite/internal/metrics"
	"github.com/23skdu/longbow-lite/internal/place"
)

// Env is what every pass may read: the kernel table and the valid places
// in preference order.
type Env struct {
	Registry *kernel.Registry
	Places   []place.Place
}

// Pass is a named graph transformation. Apply must leave g untouched and
// return the transformed graph.
type Pass interface {
	Name() string
	Apply(g *graph.Graph, env *Env) (*graph.Graph, error)
}

type passFunc struct {
	name string
	fn   func(*graph.Graph, *Env) (*graph.Graph, error)
}

func (p passFunc) Name() string { return p.name }

func (p passFunc) Apply(g *graph.Graph, env *Env) (*graph.Graph, error) {
	return p.fn(g, env)
}

const (
	StaticKernelPick       = "static_kernel_pick_pass"
	VariablePlaceInference = "variable_place_inference_pass"
	TypeTargetCast         = "type_target_cast_pass"
	TypePrecisionCast      = "type_precision_cast_pass"
	IOCopyKernelPick       = "io_copy_kernel_pick_pass"
	RuntimeContextAssign   = "runtime_context_assign_pass"
	ArgumentTypeDisplay    = "argument_type_display_pass"
)

var passes = map[string]Pass{
	StaticKernelPick:       passFunc{StaticKernelPick, staticKernelPick},
	VariablePlaceInference: passFunc{VariablePlaceInference, inferPlaces},
	TypeTargetCast:         passFunc{TypeTargetCast, castTargetAndPrecision},
	TypePrecisionCast:      passFunc{TypePrecisionCast, castPrecision},
	IOCopyKernelPick:       passFunc{IOCopyKernelPick, conversionKernelPick},
	RuntimeContextAssign:   passFunc{RuntimeContextAssign, assignContexts},
	ArgumentTypeDisplay:    passFunc{ArgumentTypeDisplay, displayArguments},
}

// DefaultPasses is the order used when none is configured.
var DefaultPasses = []string{
	StaticKernelPick,
	VariablePlaceInference,
	TypeTargetCast,
	VariablePlaceInference,
	IOCopyKernelPick,
	VariablePlaceInference,
	RuntimeContextAssign,
}

// Lookup returns the pass registered under name.
func Lookup(name string) (Pass, error) {
	p, ok := passes[name]
	if !ok {
		return nil, fmt.Errorf("unknown pass %q", name)
	}
	return p, nil
}

// Names lists the registered passes, sorted.
func Names() []string {
	out := make([]string, 0, len(passes))
	for name := range passes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Pipeline is an ordered list of passes. It is immutable once built.
type Pipeline struct {
	passes []Pass
}

// NewPipeline resolves names in order. An empty list means DefaultPasses.
func NewPipeline(names ...string) (Pipeline, error) {
	if len(names) == 0 {
		names = DefaultPasses
	}
	p := Pipeline{passes: make([]Pass, 0, len(names))}
	for _, name := range names {
		pass, err := Lookup(name)
		if err != nil {
			return Pipeline{}, err
		}
		p.passes = append(p.passes, pass)
	}
	return p, nil
}

// Default is the pipeline of DefaultPasses.
func Default() Pipeline {
	p, err := NewPipeline(DefaultPasses...)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pipeline) Names() []string {
	out := make([]string, len(p.passes))
	for i, pass := range p.passes {
		out[i] = pass.Name()
	}
	return out
}

// Run applies every pass in order and verifies the result. The input graph
// is never modified.
func (p Pipeline) Run(ctx context.Context, g *graph.Graph, env Env) (*graph.Graph, error) {
	if env.Registry == nil || len(env.Places) == 0 {
		return nil, fmt.Errorf("optimizer: registry and at least one valid place are required")
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	cur := g
	for i, pass := range p.passes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		next, err := pass.Apply(cur, &env)
		elapsed := time.Since(start)
		metrics.RecordPass(pass.Name(), elapsed)
		if err != nil {
			return nil, fmt.Errorf("pass %d (%s): %w", i, pass.Name(), err)
		}
		logger.Log.Debug("Pass applied",
			"pass", pass.Name(), "index", i, "ops", len(next.Ops), "vars", len(next.Vars), "duration", elapsed)
		cur = next
	}
	if err := Verify(cur, &env); err != nil {
		return nil, err
	}
	return cur, nil
}
