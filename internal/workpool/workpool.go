// Package workpool is the shared data-parallel helper for the hot
// per-slice and per-voxel loops. Work items are fanned out to a bounded
// set of goroutines over a channel and joined with a WaitGroup; phase
// barriers in the pipeline are simply the return of Run.
package workpool

import (
	"runtime"
	"sync"
)

// Pool bounds the number of goroutines used by parallel loops.
type Pool struct {
	workers int
}

// New returns a pool using the given number of workers; zero or negative
// means all available cores.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{workers: workers}
}

// Workers returns the configured worker count.
func (p *Pool) Workers() int { return p.workers }

// Run executes fn(i) for every i in [0,n), distributing indices over the
// pool and returning once all complete.
func (p *Pool) Run(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	workers := p.workers
	if workers > n {
		workers = n
	}
	if workers == 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	work := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				fn(i)
			}
		}()
	}
	for i := 0; i < n; i++ {
		work <- i
	}
	close(work)
	wg.Wait()
}

// RunChunked splits [0,n) into contiguous chunks, one per worker, and
// executes fn(lo,hi) for each. Chunking keeps per-worker partial results
// deterministic for later ordered reduction.
func (p *Pool) RunChunked(n int, fn func(worker, lo, hi int)) int {
	if n <= 0 {
		return 0
	}
	workers := p.workers
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			fn(w, lo, hi)
		}(w, lo, hi)
	}
	wg.Wait()
	return workers
}

// KahanSum accumulates floating point values with compensated summation so
// that chunked parallel reductions stay numerically stable regardless of
// how the work was split.
type KahanSum struct {
	sum float64
	c   float64
}

// Add folds one value into the sum.
func (k *KahanSum) Add(v float64) {
	y := v - k.c
	t := k.sum + y
	k.c = (t - k.sum) - y
	k.sum = t
}

// Value returns the compensated total.
func (k *KahanSum) Value() float64 { return k.sum }
