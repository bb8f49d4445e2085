package cpu

import (
	"sync"
	"sync/atomic"
)

// pool is a fixed set of persistent workers. Work is split into static
// contiguous chunks; there is no stealing.
type pool struct {
	workers    int
	callerCore int
	workC   chan work
	once    sync.Once
	closed  atomic.Bool
}

type work struct {
	fn      func()
	barrier *sync.WaitGroup
}

// newPool starts workers-1 goroutines pinned to cores[1:]. Chunk 0 always
// runs on the caller, which is pinned to cores[0] for the duration of each
// parallelFor.
func newPool(workers int, cores []int) *pool {
	if workers < 1 {
		workers = 1
	}
	p := &pool{
		workers:    workers,
		callerCore: -1,
		workC:      make(chan work, workers*2),
	}
	if len(cores) > 0 {
		p.callerCore = cores[0]
	}
	for i := 1; i < workers; i++ {
		core := -1
		if i < len(cores) {
			core = cores[i]
		}
		go p.worker(core)
	}
	return p
}

func (p *pool) worker(core int) {
	if core >= 0 {
		release := bindThread(core)
		defer release()
	}
	for item := range p.workC {
		item.fn()
		item.barrier.Done()
	}
}

func (p *pool) close() {
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.workC)
	})
}

// parallelFor calls fn(tid, start, end) for ceil(n/chunk) contiguous chunks
// of [0, n) and waits for all of them.
func (p *pool) parallelFor(n int, fn func(tid, start, end int)) {
	if n <= 0 {
		return
	}
	if p.callerCore >= 0 && !p.closed.Load() {
		release := bindThread(p.callerCore)
		defer release()
	}
	workers := min(p.workers, n)
	if workers == 1 || p.closed.Load() {
		fn(0, 0, n)
		return
	}
	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for tid := 1; tid < workers; tid++ {
		start := tid * chunk
		if start >= n {
			break
		}
		end := min(start+chunk, n)
		wg.Add(1)
		p.workC <- work{
			fn:      func() { fn(tid, start, end) },
			barrier: &wg,
		}
	}
	fn(0, 0, min(chunk, n))
	wg.Wait()
}
