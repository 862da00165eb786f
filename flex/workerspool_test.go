// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flex

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParallelFor: every item is visited exactly once, whatever the
// parallelism and chunking. Chunks are disjoint, so the visit counters need
// no synchronization.
func TestParallelFor(t *testing.T) {
	for _, test := range []struct {
		numItems, itemCost, maxParallelism int
	}{
		{0, 1, 4},
		{1, 1, 4},
		{100, 1, 4}, // Cheap items: falls back to the serial path.
		{100, 64, 4},
		{1000, 64, 1}, // maxParallelism 1 is serial.
		{1000, 64, 0}, // So is 0.
		{1000, 7, 16},
		{12345, 1000, 8},
	} {
		t.Run(fmt.Sprintf("items=%d_cost=%d_parallelism=%d", test.numItems, test.itemCost, test.maxParallelism),
			func(t *testing.T) {
				w := newWorkersPool()
				w.maxParallelism = test.maxParallelism
				visits := make([]int32, test.numItems)
				w.parallelFor(test.numItems, test.itemCost, func(start, end int) {
					assert.LessOrEqual(t, start, end)
					assert.LessOrEqual(t, end, test.numItems)
					for item := start; item < end; item++ {
						visits[item]++
					}
				})
				for item, count := range visits {
					require.Equalf(t, int32(1), count, "item %d visited %d times", item, count)
				}
			})
	}
}

func TestParallelForChunkCount(t *testing.T) {
	w := newWorkersPool()
	w.maxParallelism = 4
	numChunks := 0
	counts := make(chan int, 1024)
	w.parallelFor(10000, 64, func(start, end int) {
		counts <- end - start
	})
	close(counts)
	total := 0
	for c := range counts {
		numChunks++
		total += c
	}
	assert.Equal(t, 10000, total)
	// Chunking is capped at a few chunks per worker.
	assert.LessOrEqual(t, numChunks, 4*w.maxParallelism)
	assert.Greater(t, numChunks, 1)
}
