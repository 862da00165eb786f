// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flex

import (
	"github.com/gomlx/flexconv/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ConvolutionGrads holds the gradients produced by the reverse pass of the
// convolution operators, one per differentiable input.
type ConvolutionGrads struct {
	// Features is shaped like the forward features input.
	Features *tensors.Tensor

	// Positions is `[B, Dp, N]`.
	Positions *tensors.Tensor

	// WeightBasis is `[1, Dp, Din, Dout]` and WeightBias `[Din, Dout]`,
	// accumulated over the whole batch.
	WeightBasis *tensors.Tensor
	WeightBias  *tensors.Tensor
}

// checkOutputGrad validates the incoming gradient of the reverse pass: it
// must match the forward output shape `[B, channels, N]`.
func checkOutputGrad(op OpType, outputGrad *tensors.Tensor, dtype dtypes.DType, b, channels, n int) error {
	if outputGrad == nil {
		return errors.Errorf("flex.%sGrad: outputGrad is nil", op)
	}
	if err := outputGrad.Shape().Check(dtype, b, channels, n); err != nil {
		return errors.WithMessagef(err, "flex.%sGrad: outputGrad must match the forward output [B, %d, N]=[%d, %d, %d]",
			op, channels, b, channels, n)
	}
	return nil
}

// ConvolutionGrad computes the reverse pass of Convolution: given the
// gradient of the loss w.r.t. the forward output (`[B, Dout, N]`), it
// returns the gradients w.r.t. features, positions, weightBasis and
// weightBias.
//
// An element referenced by multiple (element, slot) pairs receives the sum
// of all its per-slot contributions -- including repeated slots within one
// neighbor list.
func ConvolutionGrad(features, positions, neighborhoods, weightBasis, weightBias, outputGrad *tensors.Tensor) (
	*ConvolutionGrads, error) {
	nb, dims, err := checkConvInputs(OpConvolution, features, positions, neighborhoods, weightBasis, weightBias)
	if err != nil {
		return nil, err
	}
	dtype := features.DType()
	if err = checkOutputGrad(OpConvolution, outputGrad, dtype, dims.b, dims.dout, dims.n); err != nil {
		return nil, err
	}
	switch dtype {
	case dtypes.Float16:
		grads, err := ConvolutionGrad(
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
		return convolutionGradImpl[float32](features, positions, nb, weightBasis, weightBias, outputGrad, dims), nil
	case dtypes.Float64:
		return convolutionGradImpl[float64](features, positions, nb, weightBasis, weightBias, outputGrad, dims), nil
	}
	return nil, errors.Errorf("flex.ConvolutionGrad: unsupported dtype %s", dtype)
}

func convolutionGradImpl[T PODFloatConstraints](features, positions *tensors.Tensor, nb *Neighborhood,
	weightBasis, weightBias *tensors.Tensor, outputGrad *tensors.Tensor, dims convDims) *ConvolutionGrads {
	feat := flat[T](features)
	pos := flat[T](positions)
	basis := flat[T](weightBasis)
	bias := flat[T](weightBias)
	grad := flat[T](outputGrad)

	// gradSums[b, o, j] accumulates the incoming gradient over every slot
	// that references j; all three gradients below contract against it.
	inv := nb.invert()
	gradSums := scatterSlotSums(grad, inv, dims.dout)

	gradFeatures := adjointCore(gradSums, pos, basis, bias, dims)
	gradPositions := positionGrads(feat, gradSums, basis, dims)
	gradBasis, gradBias := parameterGrads(feat, gradSums, pos, dims)

	return &ConvolutionGrads{
		Features:    tensors.FromFlatDataAndDimensions(gradFeatures, dims.b, dims.din, dims.n),
		Positions:   tensors.FromFlatDataAndDimensions(gradPositions, dims.b, dims.dp, dims.n),
		WeightBasis: tensors.FromFlatDataAndDimensions(gradBasis, 1, dims.dp, dims.din, dims.dout),
		WeightBias:  tensors.FromFlatDataAndDimensions(gradBias, dims.din, dims.dout),
	}
}

// convertDType converts all the gradients to the given dtype. Used by the
// Float16 path, which computes through float32.
func (g *ConvolutionGrads) convertDType(dtype dtypes.DType) *ConvolutionGrads {
	return &ConvolutionGrads{
		Features:    tensors.ConvertDType(g.Features, dtype),
		Positions:   tensors.ConvertDType(g.Positions, dtype),
		WeightBasis: tensors.ConvertDType(g.WeightBasis, dtype),
		WeightBias:  tensors.ConvertDType(g.WeightBias, dtype),
	}
}
