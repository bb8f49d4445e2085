package engine

import (
	"github.com/23skdu/longbow-lite/internal/cpu"
	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/graph"
	"github.com/23skdu/longbow-lite/internal/kernel"
	"github.com/23skdu/longbow-lite/internal/optimizer"
	"github.com/23skdu/longbow-lite/internal/tensor"
)

// Plan is an optimized graph bound to tensors and kernels. Ops run in
// Order; kernels and tensors are indexed by op and var id.
type Plan struct {
	Graph *graph.Graph
	Order []graph.OpID

	kernels  []kernel.Kernel
	tensors  []*tensor.Tensor
	contexts map[string]*cpu.Context
	feeds    []graph.VarID
	fetches  []graph.VarID
}

// newPlan allocates one tensor per var. Weights share the tensor of the
// graph; everything else starts zeroed at its declared dims.
func newPlan(g *graph.Graph) (*Plan, error) {
	order, err := g.TopoOrder()
	if err != nil {
		return nil, err
	}
	p := &Plan{
		Graph:    g,
		Order:    order,
		kernels:  make([]kernel.Kernel, len(g.Ops)),
		tensors:  make([]*tensor.Tensor, len(g.Vars)),
		contexts: make(map[string]*cpu.Context),
	}
	for i := range g.Vars {
		v := &g.Vars[i]
		if v.Persistable {
			if v.Data == nil {
				return nil, errdefs.Config(v.Name, "persistable var has no data")
			}
			p.tensors[i] = v.Data
			continue
		}
		t := tensor.New(v.DType, v.Dims...)
		t.SetName(v.Name)
		p.tensors[i] = t
	}

	if p.feeds, err = columns(g, "feed"); err != nil {
		return nil, err
	}
	if p.fetches, err = columns(g, "fetch"); err != nil {
		return nil, err
	}
	return p, nil
}

// columns orders the vars written by feed ops, or the ones written by
// fetch ops, by their "col" attribute. Columns must be dense from 0.
func columns(g *graph.Graph, typ string) ([]graph.VarID, error) {
	ids := g.OpsOfType(typ)
	out := make([]graph.VarID, len(ids))
	seen := make([]bool, len(ids))
	for _, id := range ids {
		op := g.Op(id)
		col := op.Attrs.Int("col", -1)
		if col < 0 || col >= len(ids) || seen[col] {
			return nil, errdefs.Config(op.String(), "%s column %d out of range or repeated", typ, col)
		}
		v, ok := op.Output("Out")
		if !ok {
			return nil, errdefs.Config(op.String(), "missing Out")
		}
		out[col], seen[col] = v, true
	}
	return out, nil
}

// Tensor implements kernel.Scope.
func (p *Plan) Tensor(v graph.VarID) *tensor.Tensor {
	if int(v) < 0 || int(v) >= len(p.tensors) {
		return nil
	}
	return p.tensors[v]
}

// Summary lists the ops in execution order with kernels, contexts and
// argument places.
func (p *Plan) Summary() string {
	return optimizer.Summary(p.Graph)
}

func (p *Plan) NumContexts() int { return len(p.contexts) }

func (p *Plan) close() {
	for _, c := range p.contexts {
		c.Close()
	}
}
