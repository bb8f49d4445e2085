package engine

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-lite/internal/config"
	"github.com/23skdu/longbow-lite/internal/logger"
	"github.com/23skdu/longbow-lite/internal/model"
	"github.com/23skdu/longbow-lite/internal/quant"
	"github.com/23skdu/longbow-lite/internal/tensor"
)

// Sampler fills the inputs of a calibration batch.
type Sampler func(batch int, inputs []*tensor.Tensor) error

// Calibrate runs the float32 version of the graph over batches inputs and
// returns a symmetric int8 scale per activation, keyed by var name. Each
// scale covers the largest magnitude seen in any batch.
func Calibrate(ctx context.Context, loader model.Loader, cfg config.Config, batches int, fill Sampler, opts ...Option) (map[string]float32, error) {
	if batches < 1 {
		return nil, fmt.Errorf("calibrate: need at least one batch, got %d", batches)
	}
	cfg.FloatOnly = true
	p, err := Build(ctx, loader, cfg, opts...)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	inputs := make([]*tensor.Tensor, p.NumInputs())
	for i := range inputs {
		inputs[i], _ = p.GetInput(i)
	}
	g := p.plan.Graph
	maxAbs := make(map[string]float32)
	for b := 0; b < batches; b++ {
		if err := fill(b, inputs); err != nil {
			return nil, fmt.Errorf("calibrate batch %d: %w", b, err)
		}
		if err := p.Run(ctx); err != nil {
			return nil, fmt.Errorf("calibrate batch %d: %w", b, err)
		}
		for i := range g.Vars {
			v := &g.Vars[i]
			t := p.plan.tensors[i]
			if v.Persistable || t.DType() != tensor.Float32 || t.Released() {
				continue
			}
			maxAbs[v.Name] = max(maxAbs[v.Name], quant.MaxAbs(t.Float32s()))
		}
	}

	scales := make(map[string]float32, len(maxAbs))
	for name, m := range maxAbs {
		scales[name] = quant.ScaleForMaxAbs(m)
	}
	logger.Log.Info("Activations calibrated", "graph", g.Name, "batches", batches, "activations", len(scales))
	return scales, nil
}
