package optimizer

import (
	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/graph"
	"github.com/23skdu/longbow-lite/internal/place"
)

// Verify checks that g is executable: acyclic, every op has a registered
// kernel, and every edge place agrees with the kernel's declaration.
func Verify(g *graph.Graph, env *Env) error {
	if _, err := g.TopoOrder(); err != nil {
		return err
	}
	for i := range g.Ops {
		op := &g.Ops[i]
		d, err := declOf(op, env)
		if err != nil {
			return err
		}
		if d == nil {
			return errdefs.Config(op.String(), "no kernel picked")
		}
		for _, a := range op.Inputs {
			have := g.Var(a.Var).Place
			want := place.Resolve(d.InputPlace(a.Slot), have)
			if !have.Valid() || !place.Compatible(have, want) {
				return errdefs.Shape(op.String(), a.Slot, "var %s is at %s but %s expects %s",
					g.Var(a.Var).Name, have, op.Kernel, d.InputPlace(a.Slot))
			}
		}
		for _, a := range op.Outputs {
			have := g.Var(a.Var).Place
			if !have.Valid() || !place.Compatible(have, d.OutputPlace(a.Slot)) {
				return errdefs.Shape(op.String(), a.Slot, "var %s is at %s but %s produces %s",
					g.Var(a.Var).Name, have, op.Kernel, d.OutputPlace(a.Slot))
			}
		}
	}
	return nil
}
