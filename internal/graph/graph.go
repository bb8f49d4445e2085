// Package graph is the operator graph the optimizer rewrites.
//
// Nodes live in two arenas addressed by integer ids. Passes never mutate a
// graph they were given: they Clone it, edit the copy and return it.
// Nodes added by a pass are appended, so ids of existing nodes are stable.
package graph

import (
	"fmt"
	"sort"

	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/place"
	"github.com/23skdu/longbow-lite/internal/tensor"
)

type OpID int
type VarID int

const NoOp OpID = -1

// Var is a value flowing along edges. Persistable vars hold weights and
// carry their data; the tensor is shared between clones and never written.
type Var struct {
	ID          VarID
	Name        string
	Dims        tensor.Dims
	DType       tensor.DType
	Place       place.Place
	Persistable bool
	Data        *tensor.Tensor
}

// Arg binds a named operator slot to a var.
type Arg struct {
	Slot string
	Var  VarID
}

// Op is an operator instance. Kernel and Context are empty until the
// optimizer picks a kernel and assigns an execution context.
type Op struct {
	ID      OpID
	Type    string
	Inputs  []Arg
	Outputs []Arg
	Attrs   Attrs
	Kernel  string
	Context string
}

// Input returns the var bound to slot.
func (o *Op) Input(slot string) (VarID, bool) {
	for _, a := range o.Inputs {
		if a.Slot == slot {
			return a.Var, true
		}
	}
	return 0, false
}

func (o *Op) Output(slot string) (VarID, bool) {
	for _, a := range o.Outputs {
		if a.Slot == slot {
			return a.Var, true
		}
	}
	return 0, false
}

func (o *Op) String() string {
	return fmt.Sprintf("%s#%d", o.Type, o.ID)
}

type Graph struct {
	Name string
	Ops  []Op
	Vars []Var
}

func New(name string) *Graph {
	return &Graph{Name: name}
}

// Clone returns a copy that can be edited without affecting g.
func (g *Graph) Clone() *Graph {
	out := &Graph{
		Name: g.Name,
		Ops:  make([]Op, len(g.Ops)),
		Vars: make([]Var, len(g.Vars)),
	}
	for i, op := range g.Ops {
		op.Inputs = append([]Arg(nil), op.Inputs...)
		op.Outputs = append([]Arg(nil), op.Outputs...)
		op.Attrs = op.Attrs.Clone()
		out.Ops[i] = op
	}
	for i, v := range g.Vars {
		v.Dims = v.Dims.Clone()
		out.Vars[i] = v
	}
	return out
}

func (g *Graph) AddVar(v Var) VarID {
	v.ID = VarID(len(g.Vars))
	g.Vars = append(g.Vars, v)
	return v.ID
}

func (g *Graph) AddOp(op Op) OpID {
	op.ID = OpID(len(g.Ops))
	if op.Attrs == nil {
		op.Attrs = Attrs{}
	}
	g.Ops = append(g.Ops, op)
	return op.ID
}

func (g *Graph) Var(id VarID) *Var { return &g.Vars[id] }
func (g *Graph) Op(id OpID) *Op    { return &g.Ops[id] }

// VarByName is a linear lookup for tests and tooling.
func (g *Graph) VarByName(name string) (VarID, bool) {
	for i := range g.Vars {
		if g.Vars[i].Name == name {
			return VarID(i), true
		}
	}
	return 0, false
}

// Producer returns the op writing v, or NoOp.
func (g *Graph) Producer(v VarID) OpID {
	for i := range g.Ops {
		for _, a := range g.Ops[i].Outputs {
			if a.Var == v {
				return OpID(i)
			}
		}
	}
	return NoOp
}

// Consumers returns the ops reading v in id order.
func (g *Graph) Consumers(v VarID) []OpID {
	var out []OpID
	for i := range g.Ops {
		for _, a := range g.Ops[i].Inputs {
			if a.Var == v {
				out = append(out, OpID(i))
				break
			}
		}
	}
	return out
}

// OpsOfType returns ids of ops with the given type, in id order.
func (g *Graph) OpsOfType(typ string) []OpID {
	var out []OpID
	for i := range g.Ops {
		if g.Ops[i].Type == typ {
			out = append(out, OpID(i))
		}
	}
	return out
}

// Validate checks references, single producers and acyclicity.
func (g *Graph) Validate() error {
	producer := make([]OpID, len(g.Vars))
	for i := range producer {
		producer[i] = NoOp
	}
	for i := range g.Ops {
		op := &g.Ops[i]
		if op.ID != OpID(i) {
			return errdefs.Config(op.String(), "id %d stored at index %d", op.ID, i)
		}
		for _, a := range op.Inputs {
			if int(a.Var) < 0 || int(a.Var) >= len(g.Vars) {
				return errdefs.Config(op.String(), "input %s references unknown var %d", a.Slot, a.Var)
			}
		}
		for _, a := range op.Outputs {
			if int(a.Var) < 0 || int(a.Var) >= len(g.Vars) {
				return errdefs.Config(op.String(), "output %s references unknown var %d", a.Slot, a.Var)
			}
			if producer[a.Var] != NoOp {
				return errdefs.Config(op.String(), "var %s already produced by %s", g.Vars[a.Var].Name, g.Ops[producer[a.Var]].String())
			}
			if g.Vars[a.Var].Persistable {
				return errdefs.Config(op.String(), "writes persistable var %s", g.Vars[a.Var].Name)
			}
			producer[a.Var] = OpID(i)
		}
	}
	_, err := g.TopoOrder()
	return err
}

// TopoOrder is Kahn's algorithm, always taking the ready op with the lowest
// id, so the order is a pure function of the graph.
func (g *Graph) TopoOrder() ([]OpID, error) {
	n := len(g.Ops)
	producer := make(map[VarID]OpID)
	for i := range g.Ops {
		for _, a := range g.Ops[i].Outputs {
			producer[a.Var] = OpID(i)
		}
	}
	indeg := make([]int, n)
	succ := make([][]OpID, n)
	for i := range g.Ops {
		seen := map[OpID]bool{}
		for _, a := range g.Ops[i].Inputs {
			p, ok := producer[a.Var]
			if !ok || seen[p] {
				continue
			}
			seen[p] = true
			indeg[i]++
			succ[p] = append(succ[p], OpID(i))
		}
	}

	var ready []OpID
	for i := 0; i < n; i++ {
		if indeg[i] == 0 {
			ready = append(ready, OpID(i))
		}
	}
	order := make([]OpID, 0, n)
	for len(ready) > 0 {
		sort.Slice(ready, func(a, b int) bool { return ready[a] < ready[b] })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, s := range succ[id] {
			indeg[s]--
			if indeg[s] == 0 {
				ready = append(ready, s)
			}
		}
	}
	if len(order) != n {
		return nil, errdefs.Config(g.Name, "graph has a cycle (%d of %d ops ordered)", len(order), n)
	}
	return order, nil
}

// InsertAfter places a new op of type typ on the edge var -> consumer.slot:
// the op reads v, writes a new var named name, and the consumer slot is
// rewired to that var. It returns the new op and var.
func (g *Graph) InsertAfter(v VarID, consumer OpID, slot, typ, name string, attrs Attrs) (OpID, VarID) {
	src := g.Vars[v]
	nv := g.AddVar(Var{
		Name:  name,
		Dims:  src.Dims.Clone(),
		DType: src.DType,
		Place: src.Place,
	})
	op := g.AddOp(Op{
		Type:    typ,
		Inputs:  []Arg{{Slot: "Input", Var: v}},
		Outputs: []Arg{{Slot: "Out", Var: nv}},
		Attrs:   attrs,
	})
	g.Rewire(consumer, slot, nv)
	return op, nv
}

// Rewire points consumer.slot at v.
func (g *Graph) Rewire(consumer OpID, slot string, v VarID) {
	c := &g.Ops[consumer]
	for i := range c.Inputs {
		if c.Inputs[i].Slot == slot {
			c.Inputs[i].Var = v
		}
	}
}
