package optimizer

import (
	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/graph"
	"github.com/23skdu/longbow-lite/internal/kernel"
	"github.com/23skdu/longbow-lite/internal/logger"
)

// isConversion reports ops inserted by the cast passes. Their kernels are
// picked by io_copy_kernel_pick_pass once the transition is known.
func isConversion(op *graph.Op) bool {
	return op.Type == "io_copy" || op.Type == "calib"
}

func pick(g *graph.Graph, op *graph.Op, env *Env) error {
	cands, err := env.Registry.Lookup(g, op, env.Places)
	if err != nil {
		return err
	}
	op.Kernel = cands[0].Key.String()
	logger.Log.Debug("Kernel picked", "op", op.String(), "kernel", op.Kernel, "candidates", len(cands))
	return nil
}

func staticKernelPick(in *graph.Graph, env *Env) (*graph.Graph, error) {
	g := in.Clone()
	for i := range g.Ops {
		op := &g.Ops[i]
		if isConversion(op) {
			continue
		}
		if err := pick(g, op, env); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func conversionKernelPick(in *graph.Graph, env *Env) (*graph.Graph, error) {
	g := in.Clone()
	for i := range g.Ops {
		op := &g.Ops[i]
		if !isConversion(op) {
			continue
		}
		if err := pick(g, op, env); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// declOf returns the declaration of op's picked kernel, or nil when none
// is picked yet.
func declOf(op *graph.Op, env *Env) (*kernel.Decl, error) {
	if op.Kernel == "" {
		return nil, nil
	}
	d, ok := env.Registry.Get(op.Kernel)
	if !ok {
		return nil, errdefs.Config(op.String(), "picked kernel %s is not registered", op.Kernel)
	}
	return d, nil
}
