// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layers holds the layer-level wrappers around the flex kernels:
// FlexConvolution, FlexConvolutionTranspose and FlexPooling.
//
// The layers follow a two-phase design. A builder (e.g. FlexConvolution)
// collects the configuration; Build then allocates and initializes the
// immutable parameter bundle; Apply runs the kernel on runtime tensors.
// Keeping parameter creation and invocation separate means there is no
// hidden mutable construction state: a built layer can be applied
// concurrently to different inputs.
//
// A small convention on naming: layers are nouns ("FlexConvolution"), the
// underlying computations in package flex are verbs-ish operator names
// ("Convolution").
//
// Errors: misconfigured builders and invalid runtime tensors panic (with
// github.com/gomlx/exceptions); the kernels underneath return errors, which
// the layers surface as panics with the full input description.
package layers

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/flexconv/types/shapes"
	"github.com/gomlx/flexconv/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// addFeatureBias returns the canonical `[B, Dout, N]` output with the
// per-output-channel bias (shaped `[Dout, 1]`) added.
func addFeatureBias(output, featureBias *tensors.Tensor) *tensors.Tensor {
	shapes.AssertRank(output, 3)
	shapes.AssertDims(featureBias, output.Shape().Dim(1), 1)
	switch output.DType() {
	case dtypes.Float16:
		result := addFeatureBias(
			tensors.ConvertDType(output, dtypes.Float32),
			tensors.ConvertDType(featureBias, dtypes.Float32))
		return tensors.ConvertDType(result, dtypes.Float16)
	case dtypes.Float32:
		return addFeatureBiasImpl[float32](output, featureBias)
	case dtypes.Float64:
		return addFeatureBiasImpl[float64](output, featureBias)
	}
	exceptions.Panicf("layers: unsupported dtype %s for feature bias", output.DType())
	return nil
}

func addFeatureBiasImpl[T float32 | float64](output, featureBias *tensors.Tensor) *tensors.Tensor {
	result := output.Clone()
	var bias []T
	tensors.ConstFlatData(featureBias, func(flat []T) { bias = flat })
	tensors.MutableFlatData(result, func(flat []T) {
		forEachChannel(result, func(index, channel int) {
			flat[index] += bias[channel]
		})
	})
	return result
}

// forEachChannel calls fn with every flat index of a `[B, C, N]` tensor and
// the channel it belongs to.
func forEachChannel(t *tensors.Tensor, fn func(index, channel int)) {
	shape := t.Shape()
	numChannels, numElements := shape.Dimensions[1], shape.Dimensions[2]
	for index := range shape.Size() {
		fn(index, (index/numElements)%numChannels)
	}
}
