// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"github.com/gomlx/exceptions"
)

// HasShape is an interface for objects that have an associated Shape. It is
// implemented by Shape itself and by tensors.Tensor. It's used by the assert
// functions below.
type HasShape interface {
	Shape() Shape
}

// AssertRank panics if the rank of the shaped object doesn't match. It's
// used both as a runtime check and as code documentation.
func AssertRank(shaped HasShape, rank int) {
	shape := shaped.Shape()
	if shape.Rank() != rank {
		exceptions.Panicf("shape (%s) has rank %d, wanted rank %d", shape, shape.Rank(), rank)
	}
}

// AssertDims panics if the rank or any of the dimensions of the shaped
// object don't match. A dimension set to -1 is not checked, it can take any
// value.
func AssertDims(shaped HasShape, dimensions ...int) {
	shape := shaped.Shape()
	if shape.Rank() != len(dimensions) {
		exceptions.Panicf("shape (%s) has rank %d, wanted dimensions %s",
			shape, shape.Rank(), dimensionsToString(dimensions))
	}
	for axis, wantDim := range dimensions {
		if wantDim != -1 && shape.Dimensions[axis] != wantDim {
			exceptions.Panicf("shape (%s) doesn't match wanted dimensions %s",
				shape, dimensionsToString(dimensions))
		}
	}
}
