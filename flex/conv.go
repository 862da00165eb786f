// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flex

import (
	"github.com/gomlx/flexconv/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// convDims are the validated dimensions shared by the convolution kernels.
// din and dout always refer to the weightBasis axes `[1, Dp, Din, Dout]`:
// the transpose operator consumes dout channels and produces din channels.
type convDims struct {
	b, n, k, dp, din, dout int
}

// checkConvInputs validates the full input contract of the convolution
// operators before any computation happens. Any failure is fatal to the
// call: there is no partial execution path.
func checkConvInputs(op OpType, features, positions, neighborhoods, weightBasis, weightBias *tensors.Tensor) (
	nb *Neighborhood, dims convDims, err error) {
	for name, t := range map[string]*tensors.Tensor{
		"features": features, "positions": positions, "neighborhoods": neighborhoods,
		"weightBasis": weightBasis, "weightBias": weightBias,
	} {
		if t == nil {
			err = errors.Errorf("flex.%s: requires the full tuple of (features, positions, neighborhoods, "+
				"weightBasis, weightBias) tensors, but %s is nil", op, name)
			return
		}
	}

	dtype := features.DType()
	if _, err = checkComputeDType("flex."+op.String(), dtype); err != nil {
		return
	}
	if features.Rank() != 3 {
		err = errors.Errorf("flex.%s: features must have rank 3 ([batch, channel, element]), got %s",
			op, features.Shape())
		return
	}
	dims.b = features.Shape().Dimensions[0]
	dims.n = features.Shape().Dimensions[2]
	featureChannels := features.Shape().Dimensions[1]

	if err = weightBasis.Shape().Check(dtype, 1, -1, -1, -1); err != nil {
		err = errors.WithMessagef(err, "flex.%s: weightBasis must be shaped [1, Dp, Din, Dout] with dtype %s",
			op, dtype)
		return
	}
	dims.dp = weightBasis.Shape().Dimensions[1]
	dims.din = weightBasis.Shape().Dimensions[2]
	dims.dout = weightBasis.Shape().Dimensions[3]
	if err = weightBias.Shape().Check(dtype, dims.din, dims.dout); err != nil {
		err = errors.WithMessagef(err, "flex.%s: weightBias must be shaped [Din, Dout]=[%d, %d] with dtype %s",
			op, dims.din, dims.dout, dtype)
		return
	}
	if err = positions.Shape().Check(dtype, dims.b, dims.dp, dims.n); err != nil {
		err = errors.WithMessagef(err, "flex.%s: positions must be shaped [B, Dp, N]=[%d, %d, %d] with dtype %s",
			op, dims.b, dims.dp, dims.n, dtype)
		return
	}

	// The transpose operator is the exact adjoint: it contracts the Dout
	// axis of the weights and emits Din channels.
	wantChannels := dims.din
	if op == OpConvolutionTranspose {
		wantChannels = dims.dout
	}
	if featureChannels != wantChannels {
		err = errors.Errorf("flex.%s: features have %d channels, but the weightBasis %s requires %d",
			op, featureChannels, weightBasis.Shape(), wantChannels)
		return
	}

	nb, err = NewNeighborhood(neighborhoods, dims.n)
	if err != nil {
		return
	}
	if nb.B != dims.b {
		err = errors.Errorf("flex.%s: neighborhoods have batch size %d, features have %d", op, nb.B, dims.b)
		return
	}
	dims.k = nb.K
	return
}

// Convolution computes the flex convolution: for each batch b and element n,
//
//	output[b, :, n] = Σ_k features[b, :, j]ᵗ · W(positions[b, :, j]),
//	j = neighborhoods[b, k, n]
//
// where W is the position-synthesized `[Din, Dout]` weight matrix (see
// weights.go). The accumulation over the K slots is done in slot order, so
// results are reproducible for a fixed neighbor ordering.
//
//   - features: `[B, Din, N]`, Float16, Float32 or Float64.
//   - positions: `[B, Dp, N]`, same dtype.
//   - neighborhoods: `[B, K, N]`, Int32, indices in `[0, N)`.
//   - weightBasis: `[1, Dp, Din, Dout]`, same dtype.
//   - weightBias: `[Din, Dout]`, same dtype.
//
// It returns the `[B, Dout, N]` output. The learned parameters are read-only
// for the duration of the call and can be shared across concurrent calls.
func Convolution(features, positions, neighborhoods, weightBasis, weightBias *tensors.Tensor) (*tensors.Tensor, error) {
	nb, dims, err := checkConvInputs(OpConvolution, features, positions, neighborhoods, weightBasis, weightBias)
	if err != nil {
		return nil, err
	}
	dtype := features.DType()
	switch dtype {
	case dtypes.Float16:
		output, err := Convolution(
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
		return convolutionImpl[float32](features, positions, nb, weightBasis, weightBias, dims), nil
	case dtypes.Float64:
		return convolutionImpl[float64](features, positions, nb, weightBasis, weightBias, dims), nil
	}
	return nil, errors.Errorf("flex.Convolution: unsupported dtype %s", dtype)
}

func convolutionImpl[T PODFloatConstraints](features, positions *tensors.Tensor, nb *Neighborhood,
	weightBasis, weightBias *tensors.Tensor, dims convDims) *tensors.Tensor {
	out := gatherCore(flat[T](features), flat[T](positions), flat[T](weightBasis), flat[T](weightBias), nb, dims)
	return tensors.FromFlatDataAndDimensions(out, dims.b, dims.dout, dims.n)
}
