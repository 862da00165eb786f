// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flex

import (
	"github.com/gomlx/flexconv/types/shapes"
	"github.com/gomlx/flexconv/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Pooling computes, for each batch b, element n and channel c, the maximum
// feature value among the element's neighbors:
//
//	output[b, c, n] = max_k features[b, c, neighborhoods[b, k, n]]
//	argmax[b, c, n] = the slot k achieving the maximum (ties: lowest k)
//
// There is no learned parameter and, in contrast to grid pooling, no
// sub-sampling: the output keeps the same `[B, D, N]` shape as the input;
// it is a pure within-neighborhood reduction.
//
// The argmax tensor records which slot produced each maximum so PoolingGrad
// can route gradients to the right element.
func Pooling(features, neighborhoods *tensors.Tensor) (output, argmax *tensors.Tensor, err error) {
	nb, err := checkPoolingInputs(features, neighborhoods)
	if err != nil {
		return nil, nil, err
	}
	dtype := features.DType()
	switch dtype {
	case dtypes.Float16:
		output, argmax, err = Pooling(tensors.ConvertDType(features, dtypes.Float32), neighborhoods)
		if err != nil {
			return nil, nil, err
		}
		return tensors.ConvertDType(output, dtypes.Float16), argmax, nil
	case dtypes.Float32:
		output, argmax = poolingImpl[float32](features, nb)
		return output, argmax, nil
	case dtypes.Float64:
		output, argmax = poolingImpl[float64](features, nb)
		return output, argmax, nil
	}
	return nil, nil, errors.Errorf("flex.Pooling: unsupported dtype %s", dtype)
}

func checkPoolingInputs(features, neighborhoods *tensors.Tensor) (*Neighborhood, error) {
	if features == nil || neighborhoods == nil {
		return nil, errors.Errorf("flex.Pooling: requires the tuple of (features, neighborhoods) tensors, got a nil one")
	}
	if _, err := checkComputeDType("flex.Pooling", features.DType()); err != nil {
		return nil, err
	}
	if features.Rank() != 3 {
		return nil, errors.Errorf("flex.Pooling: features must have rank 3 ([batch, channel, element]), got %s",
			features.Shape())
	}
	nb, err := NewNeighborhood(neighborhoods, features.Shape().Dimensions[2])
	if err != nil {
		return nil, err
	}
	if nb.B != features.Shape().Dimensions[0] {
		return nil, errors.Errorf("flex.Pooling: neighborhoods have batch size %d, features have %d",
			nb.B, features.Shape().Dimensions[0])
	}
	return nb, nil
}

func poolingImpl[T PODFloatConstraints](features *tensors.Tensor, nb *Neighborhood) (output, argmax *tensors.Tensor) {
	channels := features.Shape().Dimensions[1]
	feat := flat[T](features)
	output = tensors.FromShape(shapes.Make(features.DType(), nb.B, channels, nb.N))
	argmax = tensors.FromShape(shapes.Make(dtypes.Int32, nb.B, channels, nb.N))
	out := mutableFlat[T](output)
	arg := mutableFlat[int32](argmax)

	itemCost := nb.K * channels
	pool.parallelFor(nb.B*nb.N, itemCost, func(start, end int) {
		for item := start; item < end; item++ {
			b, n := item/nb.N, item%nb.N
			for c := range channels {
				best := feat[(b*channels+c)*nb.N+nb.At(b, 0, n)]
				bestK := int32(0)
				for k := 1; k < nb.K; k++ {
					v := feat[(b*channels+c)*nb.N+nb.At(b, k, n)]
					if v > best {
						best, bestK = v, int32(k)
					}
				}
				out[(b*channels+c)*nb.N+n] = best
				arg[(b*channels+c)*nb.N+n] = bestK
			}
		}
	})
	return
}

// PoolingGrad computes the reverse pass of Pooling: the incoming gradient of
// each (b, c, n) output is routed in full to the element selected by
// argmax[b, c, n]; every other neighbor slot receives zero. Elements
// selected by multiple outputs accumulate the sum of all routed gradients.
//
// argmax must be the tensor returned by the matching forward Pooling call.
func PoolingGrad(features, neighborhoods, argmax, outputGrad *tensors.Tensor) (*tensors.Tensor, error) {
	nb, err := checkPoolingInputs(features, neighborhoods)
	if err != nil {
		return nil, err
	}
	dtype := features.DType()
	channels := features.Shape().Dimensions[1]
	if argmax == nil {
		return nil, errors.Errorf("flex.PoolingGrad: argmax is nil, it must come from the forward Pooling call")
	}
	if err := argmax.Shape().Check(dtypes.Int32, nb.B, channels, nb.N); err != nil {
		return nil, errors.WithMessagef(err, "flex.PoolingGrad: argmax must be Int32 shaped like the features")
	}
	if err := checkOutputGrad(OpPooling, outputGrad, dtype, nb.B, channels, nb.N); err != nil {
		return nil, err
	}
	for slot, k := range flat[int32](argmax) {
		if k < 0 || int(k) >= nb.K {
			return nil, errors.Errorf("flex.PoolingGrad: argmax entry %d is %d, out of the slot range [0, %d)",
				slot, k, nb.K)
		}
	}
	switch dtype {
	case dtypes.Float16:
		grad, err := PoolingGrad(tensors.ConvertDType(features, dtypes.Float32), neighborhoods, argmax,
			tensors.ConvertDType(outputGrad, dtypes.Float32))
		if err != nil {
			return nil, err
		}
		return tensors.ConvertDType(grad, dtypes.Float16), nil
	case dtypes.Float32:
		return poolingGradImpl[float32](nb, channels, argmax, outputGrad), nil
	case dtypes.Float64:
		return poolingGradImpl[float64](nb, channels, argmax, outputGrad), nil
	}
	return nil, errors.Errorf("flex.PoolingGrad: unsupported dtype %s", dtype)
}

func poolingGradImpl[T PODFloatConstraints](nb *Neighborhood, channels int,
	argmax, outputGrad *tensors.Tensor) *tensors.Tensor {
	arg := flat[int32](argmax)
	grad := flat[T](outputGrad)
	gradFeatures := make([]T, nb.B*channels*nb.N)

	// Same gather reformulation as the convolution scatters: parallelize
	// over destination elements, picking only the slots whose argmax
	// selected them.
	inv := nb.invert()
	itemCost := nb.K * channels
	pool.parallelFor(nb.B*nb.N, itemCost, func(start, end int) {
		for item := start; item < end; item++ {
			b, j := item/nb.N, item%nb.N
			for _, slot := range inv.slotsFor(b, j) {
				n, k := int(slot.n), slot.k
				for c := range channels {
					if arg[(b*channels+c)*nb.N+n] == k {
						gradFeatures[(b*channels+c)*nb.N+j] += grad[(b*channels+c)*nb.N+n]
					}
				}
			}
		}
	})
	return tensors.FromFlatDataAndDimensions(gradFeatures, nb.B, channels, nb.N)
}
