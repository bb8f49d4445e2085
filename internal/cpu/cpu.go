// Package cpu provides the execution context shared by kernels on one
// target: a fixed worker pool bound according to a power mode, the packed
// row block width, and reusable workspace memory.
package cpu

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/23skdu/longbow-lite/internal/device"
	"github.com/23skdu/longbow-lite/internal/logger"
	"github.com/23skdu/longbow-lite/internal/metrics"
)

// ErrBusy is returned when the context is reconfigured while a kernel launch
// is running on it.
var ErrBusy = errors.New("execution context is busy")

type Context struct {
	mu      sync.Mutex
	name    string
	info    device.Info
	mode    PowerMode
	threads int
	cores   []int
	hblock  int
	pool    *pool
	busy    atomic.Bool

	shared    Workspace
	perThread []Workspace
}

// NewContext creates a context with one thread in PowerHigh mode.
func NewContext(name string, info device.Info) *Context {
	c := &Context{
		name:   name,
		info:   info,
		hblock: info.Hblock(),
	}
	if err := c.SetRunMode(PowerHigh, 1); err != nil {
		panic(err)
	}
	return c
}

func (c *Context) Name() string { return c.name }

func (c *Context) Threads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threads
}

func (c *Context) Mode() PowerMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Cores is the list of core ids the workers are bound to, or nil when unbound.
func (c *Context) Cores() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.cores...)
}

// Hblock is the A-panel row interleave used by packing and GEMM.
func (c *Context) Hblock() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hblock
}

// SetHblock overrides the detected row block. Only 4 and 8 are supported.
func (c *Context) SetHblock(h int) error {
	if h != 4 && h != 8 {
		return fmt.Errorf("unsupported hblock %d", h)
	}
	if c.busy.Load() {
		return ErrBusy
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hblock = h
	return nil
}

// SetRunMode rebuilds the worker pool for the requested mode and thread
// count. The effective thread count may be lower when the selected cluster
// has fewer cores.
func (c *Context) SetRunMode(mode PowerMode, threads int) error {
	if mode < PowerHigh || mode > PowerRandLow {
		return fmt.Errorf("invalid power mode %d", int(mode))
	}
	if threads < 1 {
		return fmt.Errorf("invalid thread count %d (must be positive)", threads)
	}
	if c.busy.Load() {
		return ErrBusy
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cores, n := selectCores(mode, threads, c.info.BigCores, c.info.LittleCores, rand.Intn)
	if c.pool != nil {
		c.pool.close()
	}
	c.mode = mode
	c.threads = n
	c.cores = cores
	c.pool = newPool(n, cores)
	if len(c.perThread) < n {
		c.perThread = append(c.perThread, make([]Workspace, n-len(c.perThread))...)
	}
	logger.Log.Debug("Execution context configured",
		"context", c.name, "mode", mode.String(), "threads", n, "cores", cores)
	return nil
}

// ParallelFor splits [0, n) into at most Threads() contiguous chunks and
// runs fn on each; tid identifies the chunk and indexes per-thread
// workspace. It returns after every chunk has finished.
func (c *Context) ParallelFor(n int, fn func(tid, start, end int)) {
	c.mu.Lock()
	p := c.pool
	c.mu.Unlock()
	p.parallelFor(n, fn)
}

// Workspace is the scratch area shared by the whole launch.
func (c *Context) Workspace() *Workspace { return &c.shared }

// ThreadWorkspace is the scratch area private to chunk tid of ParallelFor.
func (c *Context) ThreadWorkspace(tid int) *Workspace { return &c.perThread[tid] }

// WorkspaceBytes sums shared and per-thread scratch capacity.
func (c *Context) WorkspaceBytes() int {
	total := c.shared.Bytes()
	for i := range c.perThread {
		total += c.perThread[i].Bytes()
	}
	return total
}

// Launch marks the context busy for the duration of fn and records the
// kernel launch time. Launches on one context must not overlap.
func (c *Context) Launch(kernel string, fn func() error) error {
	if !c.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("launch %s: %w", kernel, ErrBusy)
	}
	defer c.busy.Store(false)

	start := time.Now()
	err := fn()
	metrics.RecordKernelLaunch(kernel, time.Since(start))
	metrics.RecordWorkspace(c.name, c.WorkspaceBytes())
	return err
}

// Busy reports whether a launch is in flight.
func (c *Context) Busy() bool { return c.busy.Load() }

// Close stops the worker pool. ParallelFor keeps working sequentially.
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != nil {
		c.pool.close()
	}
}
