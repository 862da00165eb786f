// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/flexconv/flex"
	"github.com/gomlx/flexconv/types/tensors"
)

// FlexPoolConfig configures a flex pooling layer: a max-pooling over
// elements in arbitrary neighborhoods.
//
// In contrast to traditional pooling there is no sub-sampling option: the
// output keeps the element count of the input.
type FlexPoolConfig struct {
	dataFormat DataFormat
}

// FlexPooling configures a flex pooling layer. It has no learned
// parameters, so there is no Build phase: configure and Apply.
func FlexPooling() *FlexPoolConfig {
	return &FlexPoolConfig{dataFormat: Simple}
}

// DataFormat sets the tensor layout the layer accepts: Simple (`[B, D, N]`,
// the default) or Expanded (`[B, D, 1, N]`).
func (c *FlexPoolConfig) DataFormat(dataFormat DataFormat) *FlexPoolConfig {
	c.dataFormat = dataFormat
	return c
}

// Apply runs max-pooling over the neighborhoods and returns the pooled
// features, shaped like the input. The argmax produced by the kernel is
// dropped; use flex.Pooling directly if the backward pass is needed.
func (c *FlexPoolConfig) Apply(features, neighborhoods *tensors.Tensor) *tensors.Tensor {
	if features == nil || neighborhoods == nil {
		exceptions.Panicf("layers.FlexPooling: must be applied to the (features, neighborhoods) pair of tensors, " +
			"got a nil one")
	}
	features = c.dataFormat.normalize("features", features)
	neighborhoods = c.dataFormat.normalize("neighborhoods", neighborhoods)
	output, _, err := flex.Pooling(features, neighborhoods)
	if err != nil {
		exceptions.Panicf("layers.FlexPooling: %+v", err)
	}
	return c.dataFormat.restore(output)
}
