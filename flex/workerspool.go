// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flex

import (
	"runtime"
	"sync"

	"k8s.io/klog/v2"
)

// workersPool limits the parallelism used by the kernels. The batch loops
// of the operators are split into chunks and each chunk runs on a worker.
type workersPool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
}

var pool = newWorkersPool()

func newWorkersPool() *workersPool {
	w := &workersPool{maxParallelism: runtime.NumCPU()}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// SetMaxParallelism sets the soft limit of parallel workers used by all the
// kernels in this package. If set to 0 the kernels run serially. The default
// is runtime.NumCPU().
//
// It should only be changed while no kernel is running; changing it during
// execution leads to undefined worker counts (but still correct results).
func SetMaxParallelism(maxParallelism int) {
	pool.maxParallelism = maxParallelism
}

// waitToStart blocks until there is a worker slot available, then runs task
// on a new goroutine.
func (w *workersPool) waitToStart(task func()) {
	w.mu.Lock()
	for w.numRunning >= w.maxParallelism {
		w.cond.Wait()
	}
	w.numRunning++
	w.mu.Unlock()
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.mu.Unlock()
			w.cond.Signal()
		}()
		task()
	}()
}

// minItemsPerTask is the smallest chunk of independent work items worth
// sending to a worker: below this the goroutine bookkeeping costs more than
// the arithmetic.
const minItemsPerTask = 64

// parallelFor runs fn over the chunks of [0, numItems). itemCost is a rough
// per-item work estimate (in "inner loop operations") used to decide whether
// running in parallel is worth it. fn must not touch state shared with other
// chunks.
//
// It only returns after all chunks are finished: kernels are
// bulk-synchronous.
func (w *workersPool) parallelFor(numItems, itemCost int, fn func(start, end int)) {
	itemsPerTask := max(1, minItemsPerTask/max(1, itemCost))
	numTasks := numItems / itemsPerTask
	if w.maxParallelism <= 1 || numTasks < 2 {
		if klog.V(2).Enabled() {
			klog.Infof("flex: running %d items serially (cost=%d, maxParallelism=%d)",
				numItems, itemCost, w.maxParallelism)
		}
		fn(0, numItems)
		return
	}
	// Aim at a few chunks per worker, so uneven chunks don't serialize the
	// tail of the call.
	numTasks = min(numTasks, 4*w.maxParallelism)
	itemsPerTask = (numItems + numTasks - 1) / numTasks
	if klog.V(2).Enabled() {
		klog.Infof("flex: running %d items on %d workers (%d items/task)",
			numItems, numTasks, itemsPerTask)
	}
	var wg sync.WaitGroup
	for start := 0; start < numItems; start += itemsPerTask {
		end := min(start+itemsPerTask, numItems)
		wg.Add(1)
		w.waitToStart(func() {
			defer wg.Done()
			fn(start, end)
		})
	}
	wg.Wait()
}
