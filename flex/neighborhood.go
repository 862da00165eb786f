// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flex

import (
	"github.com/gomlx/flexconv/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Neighborhood is a validated view over a `[B, K, N]` Int32 tensor: for each
// batch b and element n, the K indices (into the N axis) of the elements
// that participate as its neighbors.
//
// Repeated indices and self-loops are legal and contribute additively; it's
// the caller's responsibility to build the index lists. Indices must be in
// `[0, N)`: out-of-range indices fail validation, they are never clamped.
type Neighborhood struct {
	B, K, N int

	// flat is the validated index data, laid out as [B, K, N].
	flat []int32
}

// NewNeighborhood validates the `[B, K, N]` Int32 tensor against the number
// of elements and returns the view the kernels iterate with.
//
// Validation happens before any kernel computes: rank and dtype, K >= 1, and
// every index in `[0, numElements)`. A `K == 0` neighborhood is rejected for
// every operator -- for pooling the maximum is undefined, and for the
// convolutions it silently makes the operator the zero function.
func NewNeighborhood(t *tensors.Tensor, numElements int) (*Neighborhood, error) {
	if t == nil {
		return nil, errors.Errorf("flex: neighborhoods tensor is nil")
	}
	shape := t.Shape()
	if shape.DType != dtypes.Int32 {
		return nil, errors.Errorf("flex: neighborhoods must be Int32, got %s", shape)
	}
	if shape.Rank() != 3 {
		return nil, errors.Errorf("flex: neighborhoods must have rank 3 ([batch, slot, element]), got %s", shape)
	}
	nb := &Neighborhood{
		B:    shape.Dimensions[0],
		K:    shape.Dimensions[1],
		N:    shape.Dimensions[2],
		flat: flat[int32](t),
	}
	if nb.K < 1 {
		return nil, errors.Errorf("flex: neighborhoods have an empty slot axis (K=0) in shape %s", shape)
	}
	if nb.N != numElements {
		return nil, errors.Errorf("flex: neighborhoods shape %s disagrees with the %d elements of the features",
			shape, numElements)
	}
	for b := range nb.B {
		for k := range nb.K {
			row := nb.flat[(b*nb.K+k)*nb.N : (b*nb.K+k+1)*nb.N]
			for n, idx := range row {
				if idx < 0 || int(idx) >= numElements {
					return nil, errors.Errorf(
						"flex: neighborhoods[b=%d, k=%d, n=%d] = %d is out of the valid element range [0, %d)",
						b, k, n, idx, numElements)
				}
			}
		}
	}
	return nb, nil
}

// At returns the neighbor index at batch b, slot k, element n.
func (nb *Neighborhood) At(b, k, n int) int {
	return int(nb.flat[(b*nb.K+k)*nb.N+n])
}

// slotRef identifies one (element, slot) pair of a neighborhood that
// references a given source element.
type slotRef struct {
	n, k int32
}

// inverted is the neighborhood with the roles of "gather source" and
// "scatter destination" swapped: for each (b, j) it lists the (n, k) slots
// with Neighborhood[b, k, n] == j.
//
// The scatter-shaped passes (transpose forward, backward w.r.t. features)
// iterate it so they can parallelize over destinations without atomics, and
// so accumulation order stays deterministic for a fixed neighbor ordering:
// per destination, slots are listed in increasing (n, k).
type inverted struct {
	B, K, N int

	// offsets has B*N+1 entries; the slots referencing (b, j) are
	// entries[offsets[b*N+j]:offsets[b*N+j+1]].
	offsets []int32
	entries []slotRef
}

// invert builds the inverted view with a counting sort over destinations.
func (nb *Neighborhood) invert() *inverted {
	inv := &inverted{
		B:       nb.B,
		K:       nb.K,
		N:       nb.N,
		offsets: make([]int32, nb.B*nb.N+1),
		entries: make([]slotRef, nb.B*nb.K*nb.N),
	}
	counts := inv.offsets[1:] // counts[b*N+j] accumulates into offsets[b*N+j+1].
	for b := range nb.B {
		batch := nb.flat[b*nb.K*nb.N : (b+1)*nb.K*nb.N]
		for _, j := range batch {
			counts[b*nb.N+int(j)]++
		}
	}
	for ii := 1; ii < len(inv.offsets); ii++ {
		inv.offsets[ii] += inv.offsets[ii-1]
	}
	cursors := make([]int32, nb.B*nb.N)
	copy(cursors, inv.offsets[:nb.B*nb.N])
	for b := range nb.B {
		for n := range nb.N {
			for k := range nb.K {
				j := int(nb.flat[(b*nb.K+k)*nb.N+n])
				pos := b*nb.N + j
				inv.entries[cursors[pos]] = slotRef{n: int32(n), k: int32(k)}
				cursors[pos]++
			}
		}
	}
	return inv
}

// slotsFor returns the (n, k) slots referencing element j of batch b.
func (inv *inverted) slotsFor(b, j int) []slotRef {
	pos := b*inv.N + j
	return inv.entries[inv.offsets[pos]:inv.offsets[pos+1]]
}
