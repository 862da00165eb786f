// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/flexconv/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

// This file implements conversion among the float dtypes. Float16 (the
// github.com/x448/float16 implementation) is a storage-only dtype for the
// flexconv kernels: they convert it to Float32, compute, and convert back.

// ConvertDType returns a copy of the tensor converted to the given float
// dtype (Float16, Float32 or Float64). Converting to the tensor's own dtype
// returns a clone.
func ConvertDType(t *Tensor, dtype dtypes.DType) *Tensor {
	if t.shape.DType == dtype {
		return t.Clone()
	}
	result := FromShape(shapes.Make(dtype, t.shape.Dimensions...))
	switch t.shape.DType {
	case dtypes.Float16:
		convertFromFloat16(t.flat.([]float16.Float16), result)
	case dtypes.Float32:
		convertFromFloat64(toFloat64(t.flat.([]float32)), result)
	case dtypes.Float64:
		convertFromFloat64(t.flat.([]float64), result)
	default:
		exceptions.Panicf("tensors.ConvertDType: cannot convert from dtype %s to %s", t.shape.DType, dtype)
	}
	return result
}

func toFloat64(from []float32) []float64 {
	to := make([]float64, len(from))
	for ii, v := range from {
		to[ii] = float64(v)
	}
	return to
}

func convertFromFloat16(from []float16.Float16, result *Tensor) {
	switch result.shape.DType {
	case dtypes.Float32:
		to := result.flat.([]float32)
		for ii, v := range from {
			to[ii] = v.Float32()
		}
	case dtypes.Float64:
		to := result.flat.([]float64)
		for ii, v := range from {
			to[ii] = float64(v.Float32())
		}
	default:
		exceptions.Panicf("tensors.ConvertDType: cannot convert from Float16 to dtype %s", result.shape.DType)
	}
}

func convertFromFloat64(from []float64, result *Tensor) {
	switch result.shape.DType {
	case dtypes.Float16:
		to := result.flat.([]float16.Float16)
		for ii, v := range from {
			to[ii] = float16.Fromfloat32(float32(v))
		}
	case dtypes.Float32:
		to := result.flat.([]float32)
		for ii, v := range from {
			to[ii] = float32(v)
		}
	case dtypes.Float64:
		to := result.flat.([]float64)
		copy(to, from)
	default:
		exceptions.Panicf("tensors.ConvertDType: cannot convert to dtype %s", result.shape.DType)
	}
}
