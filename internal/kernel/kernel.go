// Package kernel defines the kernel contract and the registry the optimizer
// picks implementations from.
package kernel

import (
	"fmt"

	"github.com/23skdu/longbow-lite/internal/cpu"
	"github.com/23skdu/longbow-lite/internal/graph"
	"github.com/23skdu/longbow-lite/internal/place"
	"github.com/23skdu/longbow-lite/internal/tensor"
)

// Key identifies one registered implementation of an operator.
type Key struct {
	Op    string
	Place place.Place
	Alias string
}

func (k Key) String() string {
	if k.Alias == "" {
		return fmt.Sprintf("%s/%s", k.Op, k.Place)
	}
	return fmt.Sprintf("%s/%s/%s", k.Op, k.Place, k.Alias)
}

// Scope resolves graph vars to the tensors a plan allocated for them.
type Scope interface {
	Tensor(v graph.VarID) *tensor.Tensor
}

// Kernel runs one op. SetParam binds the op's tensors; Prepare runs once
// before the first Launch and may be called concurrently with other
// kernels' Prepare on the same context.
type Kernel interface {
	SetParam(g *graph.Graph, op *graph.Op, scope Scope) error
	Prepare(ctx *cpu.Context) error
	Launch(ctx *cpu.Context) error
}

// Decl is a registry entry. Slots missing from Inputs or Outputs are
// declared at Key.Place.
type Decl struct {
	Key      Key
	Cost     int
	Inputs   map[string]place.Place
	Outputs  map[string]place.Place
	Supports func(g *graph.Graph, op *graph.Op) bool
	New      func() Kernel

	order int
}

func (d *Decl) InputPlace(slot string) place.Place {
	if p, ok := d.Inputs[slot]; ok {
		return p
	}
	return d.Key.Place
}

func (d *Decl) OutputPlace(slot string) place.Place {
	if p, ok := d.Outputs[slot]; ok {
		return p
	}
	return d.Key.Place
}

func (d *Decl) supports(g *graph.Graph, op *graph.Op) bool {
	return d.Supports == nil || d.Supports(g, op)
}
