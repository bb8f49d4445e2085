package cpu

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/23skdu/longbow-lite/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInfo() device.Info {
	return device.Info{Arch: "test", Cores: 8, BigCores: []int{4, 5, 6, 7}, LittleCores: []int{0, 1, 2, 3}}
}

func TestParallelForCoversRange(t *testing.T) {
	for _, threads := range []int{1, 2, 3, 4} {
		ctx := NewContext("test", device.Info{Cores: 4})
		require.NoError(t, ctx.SetRunMode(PowerNoBind, threads))

		for _, n := range []int{0, 1, 2, 5, 17, 64} {
			hits := make([]int32, n)
			var mu sync.Mutex
			tids := map[int]bool{}
			ctx.ParallelFor(n, func(tid, start, end int) {
				mu.Lock()
				tids[tid] = true
				mu.Unlock()
				for i := start; i < end; i++ {
					atomic.AddInt32(&hits[i], 1)
				}
			})
			for i, h := range hits {
				assert.Equal(t, int32(1), h, "threads=%d n=%d index %d", threads, n, i)
			}
			for tid := range tids {
				assert.Less(t, tid, threads)
			}
		}
		ctx.Close()
	}
}

func TestParallelForAfterClose(t *testing.T) {
	ctx := NewContext("test", device.Info{Cores: 2})
	require.NoError(t, ctx.SetRunMode(PowerNoBind, 2))
	ctx.Close()

	calls := 0
	ctx.ParallelFor(10, func(tid, start, end int) {
		calls++
		assert.Equal(t, 0, start)
		assert.Equal(t, 10, end)
	})
	assert.Equal(t, 1, calls)
}

func TestSelectCores(t *testing.T) {
	info := testInfo()
	fixed := func(int) int { return 1 }

	tests := []struct {
		name    string
		mode    PowerMode
		threads int
		cores   []int
		n       int
	}{
		{"high", PowerHigh, 2, []int{4, 5}, 2},
		{"high clamps", PowerHigh, 6, []int{4, 5, 6, 7}, 4},
		{"low", PowerLow, 3, []int{0, 1, 2}, 3},
		{"full", PowerFull, 6, []int{4, 5, 6, 7, 0, 1}, 6},
		{"no bind", PowerNoBind, 16, nil, 16},
		{"rand high", PowerRandHigh, 2, []int{5, 6}, 2},
		{"rand low", PowerRandLow, 2, []int{1, 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cores, n := selectCores(tt.mode, tt.threads, info.BigCores, info.LittleCores, fixed)
			assert.Equal(t, tt.cores, cores)
			assert.Equal(t, tt.n, n)
		})
	}

	// No little cluster: low falls back to big cores.
	cores, n := selectCores(PowerLow, 2, []int{0, 1, 2, 3}, nil, fixed)
	assert.Equal(t, []int{0, 1}, cores)
	assert.Equal(t, 2, n)
}

func TestParsePowerMode(t *testing.T) {
	for _, m := range []PowerMode{PowerHigh, PowerLow, PowerFull, PowerNoBind, PowerRandHigh, PowerRandLow} {
		got, err := ParsePowerMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParsePowerMode("turbo")
	assert.Error(t, err)
}

func TestSetRunModeValidation(t *testing.T) {
	ctx := NewContext("test", testInfo())
	defer ctx.Close()

	assert.Error(t, ctx.SetRunMode(PowerHigh, 0))
	assert.Error(t, ctx.SetRunMode(PowerMode(42), 1))

	require.NoError(t, ctx.SetRunMode(PowerHigh, 8))
	assert.Equal(t, 4, ctx.Threads())
	assert.Equal(t, []int{4, 5, 6, 7}, ctx.Cores())
	assert.Equal(t, PowerHigh, ctx.Mode())
}

func TestLaunchGuardsMutation(t *testing.T) {
	ctx := NewContext("test", testInfo())
	defer ctx.Close()

	err := ctx.Launch("outer", func() error {
		assert.True(t, ctx.Busy())
		assert.ErrorIs(t, ctx.SetRunMode(PowerHigh, 2), ErrBusy)
		assert.ErrorIs(t, ctx.SetHblock(8), ErrBusy)
		assert.ErrorIs(t, ctx.Launch("inner", func() error { return nil }), ErrBusy)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ctx.Busy())
	assert.NoError(t, ctx.SetHblock(8))
	assert.Equal(t, 8, ctx.Hblock())
	assert.Error(t, ctx.SetHblock(6))
}

func TestHblockFromDevice(t *testing.T) {
	assert.Equal(t, 4, NewContext("a", device.Info{}).Hblock())
	assert.Equal(t, 8, NewContext("b", device.Info{DotProd: true}).Hblock())
}

func TestWorkspaceGrows(t *testing.T) {
	ctx := NewContext("test", device.Info{Cores: 2})
	require.NoError(t, ctx.SetRunMode(PowerNoBind, 2))
	defer ctx.Close()

	ws := ctx.Workspace()
	a := ws.Int8(16)
	assert.Len(t, a, 16)
	b := ws.Int8(8)
	assert.Len(t, b, 8)
	assert.Equal(t, &a[0], &b[0], "smaller request reuses the buffer")

	ws.Float32(10)
	ctx.ThreadWorkspace(1).Int32(4)
	assert.Equal(t, 16+40+16, ctx.WorkspaceBytes())
}
