package graph

import (
	"testing"

	"github.com/23skdu/longbow-lite/internal/errdefs"
	"github.com/23skdu/longbow-lite/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chain builds x -> relu -> y -> relu -> z plus a side branch x -> softmax -> w.
func chain() *Graph {
	g := New("chain")
	x := g.AddVar(Var{Name: "x", Dims: tensor.Dims{1, 4}, DType: tensor.Float32})
	y := g.AddVar(Var{Name: "y", Dims: tensor.Dims{1, 4}, DType: tensor.Float32})
	z := g.AddVar(Var{Name: "z", Dims: tensor.Dims{1, 4}, DType: tensor.Float32})
	w := g.AddVar(Var{Name: "w", Dims: tensor.Dims{1, 4}, DType: tensor.Float32})
	g.AddOp(Op{Type: "relu", Inputs: []Arg{{"X", y}}, Outputs: []Arg{{"Out", z}}})
	g.AddOp(Op{Type: "relu", Inputs: []Arg{{"X", x}}, Outputs: []Arg{{"Out", y}}})
	g.AddOp(Op{Type: "softmax", Inputs: []Arg{{"X", x}}, Outputs: []Arg{{"Out", w}}})
	return g
}

func TestTopoOrderLowestIDFirst(t *testing.T) {
	g := chain()
	order, err := g.TopoOrder()
	require.NoError(t, err)
	// op 0 depends on op 1; op 1 and op 2 are ready at the start.
	assert.Equal(t, []OpID{1, 0, 2}, order)
	require.NoError(t, g.Validate())
}

func TestCycleDetected(t *testing.T) {
	g := New("cycle")
	a := g.AddVar(Var{Name: "a"})
	b := g.AddVar(Var{Name: "b"})
	g.AddOp(Op{Type: "relu", Inputs: []Arg{{"X", a}}, Outputs: []Arg{{"Out", b}}})
	g.AddOp(Op{Type: "relu", Inputs: []Arg{{"X", b}}, Outputs: []Arg{{"Out", a}}})
	_, err := g.TopoOrder()
	assert.True(t, errdefs.IsConfig(err))
}

func TestValidateRejectsBadGraphs(t *testing.T) {
	g := chain()
	g.Ops[0].Inputs[0].Var = 42
	assert.True(t, errdefs.IsConfig(g.Validate()))

	g = chain()
	g.Ops[2].Outputs[0].Var = g.Ops[1].Outputs[0].Var
	assert.True(t, errdefs.IsConfig(g.Validate()), "two producers")

	g = chain()
	g.Vars[3].Persistable = true
	assert.True(t, errdefs.IsConfig(g.Validate()), "writes a weight")
}

func TestCloneIsIndependent(t *testing.T) {
	g := chain()
	g.Ops[0].Attrs["axis"] = []int{1, 2}
	c := g.Clone()

	c.Ops[0].Kernel = "picked"
	c.Ops[0].Inputs[0].Var = 0
	c.Ops[0].Attrs["axis"].([]int)[0] = 9
	c.Vars[0].Dims[1] = 8
	c.AddVar(Var{Name: "extra"})

	assert.Empty(t, g.Ops[0].Kernel)
	assert.Equal(t, VarID(1), g.Ops[0].Inputs[0].Var)
	assert.Equal(t, []int{1, 2}, g.Ops[0].Attrs["axis"])
	assert.Equal(t, 4, g.Vars[0].Dims[1])
	assert.Len(t, g.Vars, 4)
}

func TestInsertAfter(t *testing.T) {
	g := chain()
	x, _ := g.VarByName("x")
	op, nv := g.InsertAfter(x, 1, "X", "io_copy", "x/io_copy", Attrs{"to": "arm/float/NCHW"})

	assert.Equal(t, OpID(3), op)
	assert.Equal(t, VarID(4), nv)
	in, ok := g.Op(1).Input("X")
	require.True(t, ok)
	assert.Equal(t, nv, in)
	assert.Equal(t, op, g.Producer(nv))
	assert.Equal(t, []OpID{2, 3}, g.Consumers(x))
	assert.Equal(t, tensor.Dims{1, 4}, g.Var(nv).Dims)

	order, err := g.TopoOrder()
	require.NoError(t, err)
	assert.Equal(t, []OpID{2, 3, 1, 0}, order)
}

func TestAttrs(t *testing.T) {
	a := Attrs{"k": 3, "s": float32(0.5), "d": 0.25, "b": true, "n": "avg", "p": []int{2, 3}, "f": []float32{1}}
	assert.Equal(t, 3, a.Int("k", 0))
	assert.Equal(t, 7, a.Int("missing", 7))
	assert.Equal(t, float32(0.5), a.Float("s", 0))
	assert.Equal(t, float32(0.25), a.Float("d", 0))
	assert.True(t, a.Bool("b"))
	assert.Equal(t, "avg", a.Str("n", ""))
	assert.Equal(t, [2]int{2, 3}, a.Pair("p", [2]int{1, 1}))
	assert.Equal(t, [2]int{1, 1}, a.Pair("k", [2]int{1, 1}))
	assert.Equal(t, []float32{1}, a.Floats("f"))
	assert.Equal(t, []string{"b", "d", "f", "k", "n", "p", "s"}, a.Keys())
}
