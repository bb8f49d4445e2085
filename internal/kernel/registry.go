package kernel

import (
	"fmt"
	"sort"
	"sync"

	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/graph"
	"github.com/23skdu/longbow-lite/internal/place"
)

// Registry is the table of kernel declarations, filled once at startup.
type Registry struct {
	mu    sync.RWMutex
	byOp  map[string][]*Decl
	byKey map[string]*Decl
	next  int
}

func NewRegistry() *Registry {
	return &Registry{
		byOp:  make(map[string][]*Decl),
		byKey: make(map[string]*Decl),
	}
}

// Register adds d. Keys must be unique.
func (r *Registry) Register(d Decl) error {
	if d.Key.Op == "" || d.New == nil {
		return fmt.Errorf("kernel %s: op type and constructor are required", d.Key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := d.Key.String()
	if _, ok := r.byKey[name]; ok {
		return fmt.Errorf("kernel %s already registered", name)
	}
	d.order = r.next
	r.next++
	decl := &d
	r.byKey[name] = decl
	r.byOp[d.Key.Op] = append(r.byOp[d.Key.Op], decl)
	return nil
}

// MustRegister is Register that panics, for static tables.
func (r *Registry) MustRegister(d Decl) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Get returns the declaration registered under a Key string.
func (r *Registry) Get(name string) (*Decl, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byKey[name]
	return d, ok
}

// Ops returns the registered op types, sorted.
func (r *Registry) Ops() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byOp))
	for op := range r.byOp {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// rank is the index of the first valid place d's place is compatible with.
func rank(d *Decl, valid []place.Place) int {
	for i, p := range valid {
		if place.Compatible(p, d.Key.Place) {
			return i
		}
	}
	return -1
}

// Lookup returns the declarations able to run op on one of the valid places,
// best first: lowest cost, then the rank of the declared place in valid,
// then registration order. No candidate is a ConfigError naming the op.
func (r *Registry) Lookup(g *graph.Graph, op *graph.Op, valid []place.Place) ([]*Decl, error) {
	r.mu.RLock()
	decls := r.byOp[op.Type]
	r.mu.RUnlock()

	type ranked struct {
		d    *Decl
		rank int
	}
	var cands []ranked
	for _, d := range decls {
		rk := rank(d, valid)
		if rk < 0 || !d.supports(g, op) {
			continue
		}
		cands = append(cands, ranked{d, rk})
	}
	if len(cands) == 0 {
		if len(decls) == 0 {
			return nil, errdefs.Config(op.String(), "no kernel registered for op type %q", op.Type)
		}
		return nil, errdefs.Config(op.String(), "none of %d %q kernels supports this op on places %v", len(decls), op.Type, valid)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.d.Cost != b.d.Cost {
			return a.d.Cost < b.d.Cost
		}
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		return a.d.order < b.d.order
	})
	out := make([]*Decl, len(cands))
	for i, c := range cands {
		out[i] = c.d
	}
	return out, nil
}
