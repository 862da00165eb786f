// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package activations implements the element-wise activation functions
// applied by the flexconv layers after the convolution output (and the
// optional feature bias).
//
// There is also FromName to convert an activation name (string) to its type.
package activations

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/flexconv/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Type is an enum for the supported activation functions.
type Type int

const (
	// TypeNone is a no-op: the layer keeps a linear activation.
	TypeNone Type = iota

	// TypeRelu returns Max(x, 0).
	TypeRelu

	// TypeSigmoid returns 1/(1+exp(-x)).
	TypeSigmoid

	// TypeTanh returns the hyperbolic tangent of x.
	TypeTanh
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeRelu:
		return "relu"
	case TypeSigmoid:
		return "sigmoid"
	case TypeTanh:
		return "tanh"
	}
	return "invalid"
}

// FromName converts the name of an activation to its type. An empty string
// is converted to TypeNone. It panics with a helpful message if the name is
// invalid.
func FromName(name string) Type {
	switch name {
	case "", "none":
		return TypeNone
	case "relu":
		return TypeRelu
	case "sigmoid":
		return TypeSigmoid
	case "tanh":
		return TypeTanh
	}
	exceptions.Panicf("activations.FromName: unknown activation %q, valid values are none, relu, sigmoid and tanh", name)
	return TypeNone
}

// Apply the given activation type to x, returning a new tensor. TypeNone
// returns x unchanged (not a copy).
func Apply(activation Type, x *tensors.Tensor) *tensors.Tensor {
	if activation == TypeNone {
		return x
	}
	switch x.DType() {
	case dtypes.Float16:
		y := Apply(activation, tensors.ConvertDType(x, dtypes.Float32))
		return tensors.ConvertDType(y, dtypes.Float16)
	case dtypes.Float32:
		return applyImpl[float32](activation, x)
	case dtypes.Float64:
		return applyImpl[float64](activation, x)
	}
	exceptions.Panicf("activations.Apply: unsupported dtype %s", x.DType())
	return nil
}

func applyImpl[T float32 | float64](activation Type, x *tensors.Tensor) *tensors.Tensor {
	y := x.Clone()
	tensors.MutableFlatData(y, func(flat []T) {
		switch activation {
		case TypeRelu:
			for ii, v := range flat {
				if v < 0 {
					flat[ii] = 0
				}
			}
		case TypeSigmoid:
			for ii, v := range flat {
				flat[ii] = T(1 / (1 + math.Exp(-float64(v))))
			}
		case TypeTanh:
			for ii, v := range flat {
				flat[ii] = T(math.Tanh(float64(v)))
			}
		default:
			exceptions.Panicf("activations.Apply: invalid activation type %d", activation)
		}
	})
	return y
}
