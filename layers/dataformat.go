// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/flexconv/types/tensors"
)

// DataFormat selects the tensor layout a layer accepts and produces. The
// kernels themselves only ever see the canonical 3-axis layout: the layer
// strips and re-inserts the extra axis at its boundary.
type DataFormat int

const (
	// Simple is the canonical layout: rank-3 tensors shaped
	// `[batch, channel, element]`.
	Simple DataFormat = iota

	// Expanded is the rank-4 layout `[batch, channel, 1, element]`, with a
	// singleton axis 2, matching the "channels first" convention of image
	// pipelines.
	Expanded
)

// String implements fmt.Stringer.
func (df DataFormat) String() string {
	switch df {
	case Simple:
		return "simple"
	case Expanded:
		return "expanded"
	}
	return "invalid"
}

// normalize returns the tensor in the canonical rank-3 layout, stripping the
// singleton axis 2 of the expanded layout. It panics if the tensor doesn't
// have the rank the data format requires.
func (df DataFormat) normalize(name string, t *tensors.Tensor) *tensors.Tensor {
	shape := t.Shape()
	switch df {
	case Simple:
		if shape.Rank() != 3 {
			exceptions.Panicf("layers: %s must have rank 3 ([batch, channel, element]) in %q data format, got %s",
				name, df, shape)
		}
		return t
	case Expanded:
		if shape.Rank() != 4 || shape.Dimensions[2] != 1 {
			exceptions.Panicf("layers: %s must be shaped [batch, channel, 1, element] in %q data format, got %s",
				name, df, shape)
		}
		return t.Reshape(shape.Dimensions[0], shape.Dimensions[1], shape.Dimensions[3])
	}
	exceptions.Panicf("layers: invalid data format %d", df)
	return nil
}

// restore re-inserts the singleton axis on a canonical rank-3 result, the
// inverse of normalize.
func (df DataFormat) restore(t *tensors.Tensor) *tensors.Tensor {
	if df == Simple {
		return t
	}
	shape := t.Shape()
	return t.Reshape(shape.Dimensions[0], shape.Dimensions[1], 1, shape.Dimensions[2])
}
