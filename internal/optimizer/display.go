package optimizer

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-lite/internal/graph"
	"github.com/23skdu/longbow-lite/internal/logger"
	"github.com/rs/zerolog"
)

// displayArguments logs every op with the places of its arguments. It
// does not change the graph.
func displayArguments(g *graph.Graph, _ *Env) (*graph.Graph, error) {
	if !logger.Log.Enabled(zerolog.DebugLevel) {
		return g, nil
	}
	for i := range g.Ops {
		op := &g.Ops[i]
		logger.Log.Debug("Argument types",
			"op", op.String(), "kernel", op.Kernel,
			"inputs", describeArgs(g, op.Inputs), "outputs", describeArgs(g, op.Outputs))
	}
	return g, nil
}

func describeArgs(g *graph.Graph, args []graph.Arg) string {
	parts := make([]string, len(args))
	for i, a := range args {
		v := g.Var(a.Var)
		parts[i] = fmt.Sprintf("%s=%s@%s", a.Slot, v.Name, v.Place)
	}
	return strings.Join(parts, " ")
}

// Summary renders the graph one op per line in id order: type, kernel,
// context and argument places. Equal graphs give equal summaries.
func Summary(g *graph.Graph) string {
	var b strings.Builder
	for i := range g.Ops {
		op := &g.Ops[i]
		fmt.Fprintf(&b, "%s kernel=%s ctx=%s in[%s] out[%s]\n",
			op.String(), op.Kernel, op.Context, describeArgs(g, op.Inputs), describeArgs(g, op.Outputs))
	}
	return b.String()
}
