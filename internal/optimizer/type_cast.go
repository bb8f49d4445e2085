package optimizer

import (
	"fmt"

	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/graph"
	"github.com/23skdu/longbow-lite/internal/logger"
	"github.com/23skdu/longbow-lite/internal/metrics"
	"github.com/23skdu/longbow-lite/internal/place"
)

func castTargetAndPrecision(in *graph.Graph, env *Env) (*graph.Graph, error) {
	return insertCasts(in, env, true)
}

func castPrecision(in *graph.Graph, env *Env) (*graph.Graph, error) {
	return insertCasts(in, env, false)
}

type castKey struct {
	v  graph.VarID
	to string
}

// caster inserts conversion ops on mismatched edges. A var converted to the
// same place (and, for calib, with the same scale) twice reuses the first
// conversion.
type caster struct {
	g    *graph.Graph
	done map[castKey]graph.VarID
}

// insertCasts walks the ops that existed before the pass, in id order, and
// for every input whose var place disagrees with the kernel's declaration
// inserts io_copy (target, only when targets is set) and then calib
// (precision). The new ops carry "from" and "to" until their kernels are
// picked.
func insertCasts(in *graph.Graph, env *Env, targets bool) (*graph.Graph, error) {
	c := &caster{g: in.Clone(), done: make(map[castKey]graph.VarID)}
	n := len(c.g.Ops)
	for id := 0; id < n; id++ {
		op := c.g.Op(graph.OpID(id))
		if isConversion(op) {
			continue
		}
		d, err := declOf(op, env)
		if err != nil {
			return nil, err
		}
		if d == nil {
			return nil, errdefs.Config(op.String(), "no kernel picked before cast insertion")
		}
		for ai := range op.Inputs {
			arg := c.g.Op(graph.OpID(id)).Inputs[ai]
			cur := arg.Var
			have := c.g.Var(cur).Place
			if !have.Valid() {
				return nil, errdefs.Config(op.String(), "input %s has no inferred place", arg.Slot)
			}
			want := place.Resolve(d.InputPlace(arg.Slot), have)

			if targets && !place.TargetCompatible(have, want) {
				to := place.Place{Target: want.Target, Precision: have.Precision, Layout: have.Layout}
				cur = c.insert(cur, graph.OpID(id), arg.Slot, "io_copy", have, to, nil)
				have = to
			}
			if !place.PrecisionCompatible(have, want) {
				to := place.Place{Target: have.Target, Precision: want.Precision, Layout: have.Layout}
				scale, err := calibScale(c.g, graph.OpID(id), arg.Var, have, to)
				if err != nil {
					return nil, err
				}
				cur = c.insert(cur, graph.OpID(id), arg.Slot, "calib", have, to, graph.Attrs{"scale": scale})
			}
		}
	}
	return c.g, nil
}

func (c *caster) insert(v graph.VarID, consumer graph.OpID, slot, typ string, from, to place.Place, extra graph.Attrs) graph.VarID {
	key := castKey{v: v, to: typ + "@" + to.String()}
	if scale, ok := extra["scale"]; ok {
		key.to = fmt.Sprintf("%s@%g", key.to, scale)
	}
	if nv, ok := c.done[key]; ok {
		c.g.Rewire(consumer, slot, nv)
		return nv
	}
	suffix := to.Target.String()
	if typ == "calib" {
		suffix = to.Precision.String()
	}
	base := fmt.Sprintf("%s/%s_%s", c.g.Var(v).Name, typ, suffix)
	name := base
	for i := 1; ; i++ {
		if _, taken := c.g.VarByName(name); !taken {
			break
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
	attrs := graph.Attrs{"from": from.String(), "to": to.String()}
	for k, val := range extra {
		attrs[k] = val
	}
	op, nv := c.g.InsertAfter(v, consumer, slot, typ, name, attrs)
	setPlace(c.g.Var(nv), to)
	c.done[key] = nv
	metrics.RecordCastInserted(typ)
	logger.Log.Debug("Conversion inserted",
		"op", c.g.Op(op).String(), "var", name, "from", from.String(), "to", to.String(), "consumer", c.g.Op(consumer).String())
	return nv
}

// calibScale picks the scale for a precision change on the edge into
// consumer: quantizing uses the consumer's input_scale, dequantizing the
// producer's output_scale.
func calibScale(g *graph.Graph, consumer graph.OpID, v graph.VarID, from, to place.Place) (float32, error) {
	op := g.Op(consumer)
	switch {
	case from.Precision == place.PrecisionFloat && to.Precision == place.PrecisionInt8:
		s := op.Attrs.Float("input_scale", 0)
		if !(s > 0) {
			return 0, errdefs.Config(op.String(), "quantizing input %s needs a positive input_scale", g.Var(v).Name)
		}
		return s, nil
	case from.Precision == place.PrecisionInt8 && to.Precision == place.PrecisionFloat:
		p := g.Producer(v)
		if p == graph.NoOp {
			if sc := g.Var(v).Data; sc != nil && len(sc.Scale()) == 1 && sc.Scale()[0] > 0 {
				return sc.Scale()[0], nil
			}
			return 0, errdefs.Config(op.String(), "dequantizing %s needs a producer with output_scale", g.Var(v).Name)
		}
		s := g.Op(p).Attrs.Float("output_scale", 0)
		if !(s > 0) {
			return 0, errdefs.Config(g.Op(p).String(), "dequantizing output %s needs a positive output_scale", g.Var(v).Name)
		}
		return s, nil
	}
	return 0, errdefs.Config(op.String(), "no calibration from %s to %s", from.Precision, to.Precision)
}
