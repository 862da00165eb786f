// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package flex implements the flex-convolution family of operators for point
// clouds and graphs: a convolution whose weights are synthesized per
// neighbor from the neighbor's position, its transpose (adjoint), and a
// neighborhood max-pooling.
//
// All operators work on the canonical 3-axis layout `[batch, channel,
// element]` (see types/tensors) and address neighbors through an explicit
// `[batch, slot, element]` Int32 index tensor (see Neighborhood). They are
// pure bulk-synchronous host kernels: a call either returns a fully
// materialized result or fails validation before any output is produced.
//
// Besides the forward operators (Convolution, ConvolutionTranspose,
// Pooling), each has a reverse-mode companion (ConvolutionGrad,
// ConvolutionTransposeGrad, PoolingGrad) so a caller-supplied autodiff
// engine can route gradients through them.
package flex

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/flexconv/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// OpType enumerates the neighborhood operators implemented by this package.
// It is a closed set: the three operators share the neighborhood indexing
// structure but nothing else, and switches over OpType are exhaustive.
type OpType int

const (
	// OpConvolution gathers neighbor features, applies a per-neighbor
	// position-synthesized weight matrix and sums over the neighborhood.
	OpConvolution OpType = iota

	// OpConvolutionTranspose is the adjoint of OpConvolution: it scatters
	// each element's contribution into every element that lists it as a
	// neighbor.
	OpConvolutionTranspose

	// OpPooling takes the per-channel maximum over the neighborhood.
	OpPooling
)

// String implements fmt.Stringer.
func (op OpType) String() string {
	switch op {
	case OpConvolution:
		return "Convolution"
	case OpConvolutionTranspose:
		return "ConvolutionTranspose"
	case OpPooling:
		return "Pooling"
	}
	return "InvalidOpType"
}

// HasWeights returns whether the operator takes the learned weight-synthesis
// parameters (weightBasis, weightBias).
func (op OpType) HasWeights() bool {
	switch op {
	case OpConvolution, OpConvolutionTranspose:
		return true
	case OpPooling:
		return false
	}
	exceptions.Panicf("flex: invalid OpType %d", op)
	return false
}

// PODFloatConstraints are the Go float types the kernels compute with.
// Float16 is storage-only: it is converted through float32 at the operator
// boundary.
type PODFloatConstraints interface {
	float32 | float64
}

// flat returns the tensor's backing flat slice, typed.
//
// The kernels only use it after validating the dtype, so the access cannot
// panic inside a worker.
func flat[T dtypes.Supported](t *tensors.Tensor) []T {
	var data []T
	tensors.ConstFlatData(t, func(f []T) { data = f })
	return data
}

// mutableFlat is like flat, for output tensors the kernel fills in.
func mutableFlat[T dtypes.Supported](t *tensors.Tensor) []T {
	var data []T
	tensors.MutableFlatData(t, func(f []T) { data = f })
	return data
}

// checkComputeDType verifies the dtype is one the kernels accept, and
// returns whether the float16 conversion path is needed.
func checkComputeDType(opName string, dtype dtypes.DType) (isFloat16 bool, err error) {
	switch dtype {
	case dtypes.Float32, dtypes.Float64:
		return false, nil
	case dtypes.Float16:
		return true, nil
	}
	return false, errors.Errorf("%s: dtype %s is not supported, only Float16, Float32 and Float64 are", opName, dtype)
}
