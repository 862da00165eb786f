// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flex

import (
	"github.com/gomlx/flexconv/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ConvolutionTranspose computes the adjoint of Convolution: instead of each
// element gathering from its listed neighbors, each element j accumulates
// the contributions of every (b, k, n) slot that lists it,
//
//	output[b, :, j] = Σ_{(n,k): neighborhoods[b,k,n] == j} W(positions[b, :, j]) · features[b, :, n]
//
// With the same weightBasis `[1, Dp, Din, Dout]` as Convolution, the
// transpose contracts the Dout axis and emits Din channels: features must be
// `[B, Dout, N]` and the output is `[B, Din, N]`. This makes the operator
// the exact adjoint, i.e. for any F, G:
//
//	<Convolution(F, p, nb, θ, β), G> == <F, ConvolutionTranspose(G, p, nb, θ, β)>
//
// The scatter is implemented by inverting the neighborhood once per call and
// accumulating per destination, so the pass parallelizes without atomics and
// accumulation order is deterministic for a fixed neighbor ordering.
func ConvolutionTranspose(features, positions, neighborhoods, weightBasis, weightBias *tensors.Tensor) (
	*tensors.Tensor, error) {
	nb, dims, err := checkConvInputs(OpConvolutionTranspose, features, positions, neighborhoods, weightBasis, weightBias)
	if err != nil {
		return nil, err
	}
	dtype := features.DType()
	switch dtype {
	case dtypes.Float16:
		output, err := ConvolutionTranspose(
			tensors.ConvertDType(features, dtypes.Float32),
			tensors.ConvertDType(positions, dtypes.Float32),
			neighborhoods,
			tensors.ConvertDType(weightBasis, dtypes.Float32),
			tensors.ConvertDType(weightBias, dtypes.Float32))
		if err != nil {
			return nil, err
		}
		return tensors.ConvertDType(output, dtypes.Float16), nil
	case dtypes.Float32:
		return convolutionTransposeImpl[float32](features, positions, nb, weightBasis, weightBias, dims), nil
	case dtypes.Float64:
		return convolutionTransposeImpl[float64](features, positions, nb, weightBasis, weightBias, dims), nil
	}
	return nil, errors.Errorf("flex.ConvolutionTranspose: unsupported dtype %s", dtype)
}

func convolutionTransposeImpl[T PODFloatConstraints](features, positions *tensors.Tensor, nb *Neighborhood,
	weightBasis, weightBias *tensors.Tensor, dims convDims) *tensors.Tensor {
	featSums := scatterSlotSums(flat[T](features), nb.invert(), dims.dout)
	out := adjointCore(featSums, flat[T](positions), flat[T](weightBasis), flat[T](weightBias), dims)
	return tensors.FromFlatDataAndDimensions(out, dims.b, dims.din, dims.n)
}

// ConvolutionTransposeGrad computes the reverse pass of
// ConvolutionTranspose: given the gradient of the loss w.r.t. its `[B, Din,
// N]` output, it returns the gradients w.r.t. its `[B, Dout, N]` features,
// the positions, weightBasis and weightBias.
//
// By the adjoint relation the features gradient is a plain gather: it is
// Convolution's forward pass applied to the incoming gradient.
func ConvolutionTransposeGrad(features, positions, neighborhoods, weightBasis, weightBias, outputGrad *tensors.Tensor) (
	*ConvolutionGrads, error) {
	nb, dims, err := checkConvInputs(OpConvolutionTranspose, features, positions, neighborhoods, weightBasis, weightBias)
	if err != nil {
		return nil, err
	}
	dtype := features.DType()
	if err = checkOutputGrad(OpConvolutionTranspose, outputGrad, dtype, dims.b, dims.din, dims.n); err != nil {
		return nil, err
	}
	switch dtype {
	case dtypes.Float16:
		grads, err := ConvolutionTransposeGrad(
			tensors.ConvertDType(features, dtypes.Float32),
			tensors.ConvertDType(positions, dtypes.Float32),
			neighborhoods,
			tensors.ConvertDType(weightBasis, dtypes.Float32),
			tensors.ConvertDType(weightBias, dtypes.Float32),
			tensors.ConvertDType(outputGrad, dtypes.Float32))
		if err != nil {
			return nil, err
		}
		return grads.convertDType(dtypes.Float16), nil
	case dtypes.Float32:
		return convolutionTransposeGradImpl[float32](features, positions, nb, weightBasis, weightBias, outputGrad, dims), nil
	case dtypes.Float64:
		return convolutionTransposeGradImpl[float64](features, positions, nb, weightBasis, weightBias, outputGrad, dims), nil
	}
	return nil, errors.Errorf("flex.ConvolutionTransposeGrad: unsupported dtype %s", dtype)
}

func convolutionTransposeGradImpl[T PODFloatConstraints](features, positions *tensors.Tensor, nb *Neighborhood,
	weightBasis, weightBias *tensors.Tensor, outputGrad *tensors.Tensor, dims convDims) *ConvolutionGrads {
	feat := flat[T](features)
	pos := flat[T](positions)
	basis := flat[T](weightBasis)
	bias := flat[T](weightBias)
	grad := flat[T](outputGrad)

	// featSums[b, o, j] accumulates the forward features over every slot
	// that references j, the same quantity the forward pass contracts.
	featSums := scatterSlotSums(feat, nb.invert(), dims.dout)

	gradFeatures := gatherCore(grad, pos, basis, bias, nb, dims)
	gradPositions := positionGrads(grad, featSums, basis, dims)
	gradBasis, gradBias := parameterGrads(grad, featSums, pos, dims)

	return &ConvolutionGrads{
		Features:    tensors.FromFlatDataAndDimensions(gradFeatures, dims.b, dims.dout, dims.n),
		Positions:   tensors.FromFlatDataAndDimensions(gradPositions, dims.b, dims.dp, dims.n),
		WeightBasis: tensors.FromFlatDataAndDimensions(gradBasis, 1, dims.dp, dims.din, dims.dout),
		WeightBias:  tensors.FromFlatDataAndDimensions(gradBias, dims.din, dims.dout),
	}
}
