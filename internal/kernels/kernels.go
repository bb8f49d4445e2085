// Package kernels holds the operator implementations and the table that
// registers them per target.
package kernels

import (
	"fmt"

	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/graph"
	"github.com/23skdu/longbow-lite/internal/kernel"
	"github.com/23skdu/longbow-lite/internal/logger"
	"github.com/23skdu/longbow-lite/internal/place"
	"github.com/23skdu/longbow-lite/internal/tensor"
)

func anyOn(t place.Target) place.Place {
	return place.Place{Target: t, Precision: place.PrecisionAny, Layout: place.LayoutAny}
}

// computeTargets are the targets with int8 kernels and io_copy from host.
var computeTargets = []place.Target{place.TargetARM, place.TargetX86}

type registrar struct {
	reg *kernel.Registry
	err error
}

func (r *registrar) add(d kernel.Decl) {
	if r.err == nil {
		r.err = r.reg.Register(d)
	}
}

// Register fills reg with every kernel of this package.
func Register(reg *kernel.Registry) error {
	r := &registrar{reg: reg}
	registerIO(r)
	for _, t := range computeTargets {
		registerTransitions(r, t)
		registerConv(r, t, place.PrecisionInt8)
		registerFC(r, t, place.PrecisionInt8)
	}
	for _, t := range []place.Target{place.TargetARM, place.TargetX86, place.TargetHost} {
		registerConv(r, t, place.PrecisionFloat)
		registerFC(r, t, place.PrecisionFloat)
		registerPool(r, t)
		registerActivations(r, t)
	}
	if r.err != nil {
		return fmt.Errorf("register kernels: %w", r.err)
	}
	logger.Log.Debug("Kernels registered", "ops", reg.Ops())
	return nil
}

// NewRegistry returns a registry holding every kernel of this package.
func NewRegistry() (*kernel.Registry, error) {
	reg := kernel.NewRegistry()
	if err := Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func inputTensor(op *graph.Op, scope kernel.Scope, slot string) (*tensor.Tensor, error) {
	v, ok := op.Input(slot)
	if !ok {
		return nil, errdefs.Config(op.String(), "missing input %s", slot)
	}
	return scope.Tensor(v), nil
}

func optionalInput(op *graph.Op, scope kernel.Scope, slot string) *tensor.Tensor {
	v, ok := op.Input(slot)
	if !ok {
		return nil
	}
	return scope.Tensor(v)
}

func outputTensor(op *graph.Op, scope kernel.Scope, slot string) (*tensor.Tensor, error) {
	v, ok := op.Output(slot)
	if !ok {
		return nil, errdefs.Config(op.String(), "missing output %s", slot)
	}
	return scope.Tensor(v), nil
}

func varDType(g *graph.Graph, op *graph.Op, slot string) tensor.DType {
	v, ok := op.Input(slot)
	if !ok {
		return tensor.Unknown
	}
	return g.Var(v).DType
}

func all(preds ...func(*graph.Graph, *graph.Op) bool) func(*graph.Graph, *graph.Op) bool {
	return func(g *graph.Graph, op *graph.Op) bool {
		for _, p := range preds {
			if !p(g, op) {
				return false
			}
		}
		return true
	}
}

func slotIs(slot string, dt tensor.DType) func(*graph.Graph, *graph.Op) bool {
	return func(g *graph.Graph, op *graph.Op) bool {
		return varDType(g, op, slot) == dt
	}
}

func hasAttr(key string, want bool) func(*graph.Graph, *graph.Op) bool {
	return func(_ *graph.Graph, op *graph.Op) bool {
		return op.Attrs.Has(key) == want
	}
}
