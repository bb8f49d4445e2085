package model

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/graph"
	"github.com/23skdu/longbow-lite/internal/logger"
	"github.com/23skdu/longbow-lite/internal/snapshot"
)

// Weights lists the persistable vars of g as snapshot entries.
func Weights(g *graph.Graph) []snapshot.Entry {
	var out []snapshot.Entry
	for i := range g.Vars {
		v := &g.Vars[i]
		if v.Persistable && v.Data != nil {
			out = append(out, snapshot.Entry{Name: v.Name, Tensor: v.Data})
		}
	}
	return out
}

// SnapshotLoader loads the topology from Base and replaces its weights
// with the same-named tensors of the Arrow snapshot at Path. Every weight
// must be present with matching dims and dtype.
type SnapshotLoader struct {
	Base Loader
	Path string
}

func (l SnapshotLoader) Load(ctx context.Context) (*graph.Graph, error) {
	g, err := l.Base.Load(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := snapshot.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("load weights: %w", err)
	}
	byName := snapshot.Index(entries)
	g = g.Clone()
	replaced := 0
	for i := range g.Vars {
		v := &g.Vars[i]
		if !v.Persistable {
			continue
		}
		t, ok := byName[v.Name]
		if !ok {
			return nil, errdefs.Config(v.Name, "weight missing from snapshot %s", l.Path)
		}
		if !t.Dims().Equal(v.Dims) || t.DType() != v.DType {
			return nil, errdefs.Config(v.Name, "snapshot holds %v %s, graph expects %v %s", t.Dims(), t.DType(), v.Dims, v.DType)
		}
		v.Data = t
		replaced++
	}
	logger.Log.Info("Weights loaded", "path", l.Path, "tensors", len(entries), "replaced", replaced)
	return g, nil
}
