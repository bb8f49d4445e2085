package optimizer

import (
	"github.com/23skdu/longbow-lite/internal/graph"
	"github.com/23skdu/longbow-lite/internal/place"
	"github.com/23skdu/longbow-lite/internal/tensor"
)

func precisionOf(dt tensor.DType) place.Precision {
	switch dt {
	case tensor.Int8:
		return place.PrecisionInt8
	case tensor.Int32:
		return place.PrecisionInt32
	default:
		return place.PrecisionFloat
	}
}

// concrete replaces the remaining wildcards of p: the target from
// fallback, the precision from the var's element type, the layout NCHW.
func concrete(p place.Place, dt tensor.DType, fallback place.Target) place.Place {
	if p.Target == place.TargetAny || p.Target == place.TargetUnknown {
		p.Target = fallback
	}
	if p.Target == place.TargetAny || p.Target == place.TargetUnknown {
		p.Target = place.TargetHost
	}
	if p.Precision == place.PrecisionAny || p.Precision == place.PrecisionUnknown {
		p.Precision = precisionOf(dt)
	}
	if p.Layout == place.LayoutAny || p.Layout == place.LayoutUnknown {
		p.Layout = place.LayoutNCHW
	}
	return p
}

func setPlace(v *graph.Var, p place.Place) {
	v.Place = p
	if dt := tensor.FromPrecision(p.Precision); dt != tensor.Unknown {
		v.DType = dt
	}
}

// inferPlaces assigns every var a concrete place. Produced vars take the
// producer kernel's declared output, with wildcards filled from the
// producer's first input. Vars without a producer (weights and raw inputs)
// take the declared input of their first consumer with a kernel.
func inferPlaces(in *graph.Graph, env *Env) (*graph.Graph, error) {
	g := in.Clone()
	order, err := g.TopoOrder()
	if err != nil {
		return nil, err
	}

	for vi := range g.Vars {
		v := &g.Vars[vi]
		if g.Producer(v.ID) != graph.NoOp {
			continue
		}
		for _, cid := range g.Consumers(v.ID) {
			op := g.Op(cid)
			d, err := declOf(op, env)
			if err != nil {
				return nil, err
			}
			if d == nil {
				continue
			}
			for _, a := range op.Inputs {
				if a.Var == v.ID {
					setPlace(v, concrete(d.InputPlace(a.Slot), v.DType, d.Key.Place.Target))
					break
				}
			}
			break
		}
	}

	for _, id := range order {
		op := g.Op(id)
		d, err := declOf(op, env)
		if err != nil {
			return nil, err
		}
		var upstream place.Place
		if len(op.Inputs) > 0 {
			upstream = g.Var(op.Inputs[0].Var).Place
		}
		for _, a := range op.Outputs {
			var declared place.Place
			switch {
			case d != nil:
				declared = d.OutputPlace(a.Slot)
			case op.Attrs.Has("to"):
				to, err := place.Parse(op.Attrs.Str("to", ""))
				if err != nil {
					return nil, err
				}
				declared = to
			default:
				continue
			}
			v := g.Var(a.Var)
			fallback := declared.Target
			if d != nil {
				fallback = d.Key.Place.Target
			}
			setPlace(v, concrete(place.Resolve(declared, upstream), v.DType, fallback))
		}
	}
	return g, nil
}
