package validate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	r := Compare([]float32{1, 2, 4}, []float32{1, 2.5, 4.5})
	assert.Equal(t, 1, r.Index)
	assert.InDelta(t, 0.5, r.MaxDiff, 1e-9)
	assert.InDelta(t, 0.25, r.MaxRatio, 1e-6)

	assert.Equal(t, []float32{0, 0.5, 0.5}, Diff([]float32{1, 2, 4}, []float32{1, 2.5, 4.5}))
}

func TestCheckFloat(t *testing.T) {
	tol := DefaultTolerance()

	// Large relative error on a tiny value passes the absolute bound.
	require.NoError(t, tol.CheckFloat("tiny", []float32{1e-7}, []float32{3e-5}))
	// Large absolute error on a big value passes the relative bound.
	require.NoError(t, tol.CheckFloat("big", []float32{1e4}, []float32{1e4 + 0.5}))

	err := tol.CheckFloat("bad", []float32{1, 2}, []float32{1, 2.1})
	require.Error(t, err)
	var dev *Deviation
	require.True(t, errors.As(err, &dev))
	assert.Equal(t, 1, dev.Result.Index)

	assert.Error(t, tol.CheckFloat("len", []float32{1}, []float32{1, 2}))
}

func TestCheckInt8(t *testing.T) {
	tol := DefaultTolerance()
	truth := make([]int8, 2000)
	got := make([]int8, 2000)

	require.NoError(t, tol.CheckInt8("equal", truth, got))

	// 1% of 2000 is 20 off-by-one elements.
	for i := 0; i < 20; i++ {
		got[i] = 1
	}
	require.NoError(t, tol.CheckInt8("at limit", truth, got))
	got[20] = -1
	assert.Error(t, tol.CheckInt8("over limit", truth, got))

	small := []int8{0, 0, 0}
	require.NoError(t, tol.CheckInt8("min count", small, []int8{1, -1, 1}))
	assert.Error(t, tol.CheckInt8("two steps", small, []int8{0, 2, 0}))

	assert.Equal(t, 10, tol.AllowedMismatches(100))
	assert.Equal(t, 50, tol.AllowedMismatches(5000))
}

func TestCheckSampled(t *testing.T) {
	got := []float32{0.1, 0.2, 0.3}
	require.NoError(t, CheckSampled("s", got, []int{0, 2}, []float32{0.1, 0.3}, 1e-6))
	assert.Error(t, CheckSampled("s", got, []int{1}, []float32{0.25}, 1e-6))
	assert.Error(t, CheckSampled("s", got, []int{5}, []float32{0}, 1e-6))
}
