package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-lite/internal/cpu"
	"github.com/23skdu/longbow-lite/internal/optimizer"
)

func TestParseFlagsDefaults(t *testing.T) {
	o, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "classify", o.mode)
	assert.Equal(t, 224, o.net.Resolution)
	assert.Equal(t, 1000, o.net.Classes)
	assert.Empty(t, o.cfg.Passes)
	assert.Nil(t, o.gemm.Check)
}

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{
		"-mode", "conv",
		"-threads", "4",
		"-power", "full",
		"-passes", optimizer.StaticKernelPick + ", " + optimizer.VariablePlaceInference,
		"-places", "arm/int8,arm/float,host/any/any",
		"-int8",
		"-check",
		"-conv-groups", "32",
	})
	require.NoError(t, err)
	assert.Equal(t, "conv", o.mode)
	assert.Equal(t, []string{optimizer.StaticKernelPick, optimizer.VariablePlaceInference}, o.cfg.Passes)
	assert.Len(t, o.cfg.Places, 3)
	assert.Equal(t, 4, o.conv.Threads)
	assert.Equal(t, cpu.PowerFull, o.conv.Mode)
	assert.True(t, o.conv.Int8)
	assert.True(t, o.conv.Int8Out)
	assert.Equal(t, 32, o.conv.Groups)
	require.NotNil(t, o.conv.Check)
	assert.Equal(t, 5e-5, o.conv.Check.Abs)
}

func TestParseFlagsErrors(t *testing.T) {
	for _, args := range [][]string{
		{"-mode", "train"},
		{"-threads", "0"},
		{"-passes", "no_such_pass"},
		{"-places", "tpu/float"},
		{"-log-format", "yaml"},
		{"-top", "-1"},
	} {
		_, err := parseFlags(args)
		assert.Error(t, err, "%v", args)
	}
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b ,"))
}

func TestRunExitCodes(t *testing.T) {
	assert.Equal(t, 0, run([]string{"-h"}))
	assert.Equal(t, 2, run([]string{"-top", "-1"}))
	assert.Equal(t, 0, run([]string{"-mode", "gemm", "-m", "8", "-n", "8", "-k", "8", "-warmup", "0", "-repeats", "1", "-log-level", "error"}))
	// 3 groups do not divide 32 input channels
	assert.Equal(t, 1, run([]string{"-mode", "conv", "-conv-groups", "3", "-conv-h", "8", "-conv-w", "8", "-repeats", "1", "-log-level", "error"}))
}
