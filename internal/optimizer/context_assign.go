package optimizer

import (
	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/graph"
)

// assignContexts names the execution context of every op after the target
// of its kernel. Ops on one target share a context.
func assignContexts(in *graph.Graph, env *Env) (*graph.Graph, error) {
	g := in.Clone()
	for i := range g.Ops {
		op := &g.Ops[i]
		d, err := declOf(op, env)
		if err != nil {
			return nil, err
		}
		if d == nil {
			return nil, errdefs.Config(op.String(), "no kernel picked before context assignment")
		}
		op.Context = d.Key.Place.Target.String()
	}
	return g, nil
}
