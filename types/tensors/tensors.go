// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a host (CPU) Tensor, the representation of a
// multi-dimensional array used as input and output of the flexconv kernels.
//
// A Tensor is defined by its shape (a data type and its axes' dimensions)
// and its content, stored as a flat (1D) slice of the corresponding Go type,
// in row-major order.
//
// There are a few ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): a tensor with the given shape and zero
//     values.
//   - FromFlatDataAndDimensions[T](data []T, dimensions ...int): a tensor
//     with the given dimensions, with the flattened values set to data.
//     Example: FromFlatDataAndDimensions([]int32{1, 2, 3, 4}, 2, 2) is the
//     tensor [[1 2] [3 4]].
//   - FromScalarAndDimensions[T](value T, dimensions ...int): a tensor with
//     the given dimensions filled with the scalar value.
//
// Access to the data is done with ConstFlatData and MutableFlatData, which
// take an access function so ownership of the underlying slice stays clear.
//
// Unlike a full ML framework there is no on-device (accelerator) backing
// here: the flexconv kernels are host kernels, and the Tensor is just their
// host storage.
package tensors

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/flexconv/types/shapes"
	"github.com/gomlx/flexconv/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
)

// Tensor represents a multi-dimensional array (from scalar with 0 dimensions
// to arbitrarily large dimensions) of one of the supported DTypes, stored as
// a flat slice in row-major order.
//
// Tensors are not safe for concurrent mutation. Concurrent reads (including
// by parallel kernels) are fine.
type Tensor struct {
	shape shapes.Shape

	// flat is always a slice of the Go type corresponding to shape.DType.
	flat any
}

// FromShape returns a Tensor with the given shape, with the data initialized
// with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape: invalid shape %s", shape)
	}
	flat := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size()).Interface()
	return &Tensor{shape: shape, flat: flat}
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, with
// the flattened values set to data. The DType is inferred from T.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: data has %d elements, but shape %s requires %d",
			len(data), shape, shape.Size())
	}
	flat := make([]T, len(data))
	copy(flat, data)
	return &Tensor{shape: shape, flat: flat}
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled
// with the given scalar value. The DType is inferred from T.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	flat := xslices.SliceWithValue(shape.Size(), value)
	return &Tensor{shape: shape, flat: flat}
}

// Shape of the tensor, including its DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape. A shortcut to
// `Tensor.Shape().DType`.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the rank of the tensor's shape. A shortcut to
// `Tensor.Shape().Rank()`.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements in the tensor. A shortcut to
// `Tensor.Shape().Size()`.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// ConstFlatData calls accessFn with the flattened data as a slice of the Go
// type corresponding to the DType. Even scalar values have a flattened data
// representation of one element.
//
// This provides accessFn with the actual Tensor data (not a copy). It is
// owned by the Tensor and must not be changed -- see Tensor.MutableFlatData
// for the mutable version.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	accessFn(flatData[T](t))
}

// MutableFlatData calls accessFn with the flattened data as a slice of the
// Go type corresponding to the DType. The contents of the slice may be
// changed until accessFn returns.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	accessFn(flatData[T](t))
}

// flatData returns the typed backing slice, checking T against the DType.
func flatData[T dtypes.Supported](t *Tensor) []T {
	if t == nil || t.flat == nil {
		exceptions.Panicf("tensors: access to nil or uninitialized Tensor")
	}
	dtype := dtypes.FromGenericsType[T]()
	if t.shape.DType != dtype {
		var v T
		exceptions.Panicf("tensors: tensor has dtype %s, cannot access it with Go type %T", t.shape.DType, v)
	}
	return t.flat.([]T)
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	t2 := FromShape(t.shape.Clone())
	reflect.Copy(reflect.ValueOf(t2.flat), reflect.ValueOf(t.flat))
	return t2
}

// Reshape returns a tensor with the same backing data and the new
// dimensions. The total size must not change.
//
// The returned tensor shares the flat data with t: it's a view, not a copy.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	newShape := shapes.Make(t.shape.DType, dimensions...)
	if newShape.Size() != t.shape.Size() {
		exceptions.Panicf("Tensor.Reshape: cannot reshape %s to %s, total sizes differ", t.shape, newShape)
	}
	return &Tensor{shape: newShape, flat: t.flat}
}

// Equal checks whether t and t2 have the same shape and data.
func (t *Tensor) Equal(t2 *Tensor) bool {
	if t == t2 {
		return true
	}
	if t == nil || t2 == nil {
		return false
	}
	if !t.shape.Equal(t2.shape) {
		return false
	}
	return reflect.DeepEqual(t.flat, t2.flat)
}

// String returns a printable version of the tensor: shape plus flat values,
// truncated if it is large.
func (t *Tensor) String() string {
	if t == nil {
		return "(nil tensor)"
	}
	const maxElements = 32
	flatV := reflect.ValueOf(t.flat)
	numElements := min(flatV.Len(), maxElements)
	parts := make([]string, 0, numElements+1)
	for ii := range numElements {
		parts = append(parts, fmt.Sprintf("%v", flatV.Index(ii).Interface()))
	}
	if flatV.Len() > maxElements {
		parts = append(parts, "...")
	}
	return fmt.Sprintf("%s: [%s]", t.shape, strings.Join(parts, " "))
}
