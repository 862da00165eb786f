// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializers holds the initializer functions used to set the
// initial values of the flexconv layer parameters.
//
// There is no implicit process-wide default initializer: the layer builders
// take explicit Initializer values, and only the bias initializers have a
// (zero) default, matching the usual flex-convolution setup.
package initializers

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/flexconv/types/tensors"
	"github.com/gomlx/flexconv/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

// Initializer fills a newly allocated parameter tensor with its initial
// values.
type Initializer func(t *tensors.Tensor)

// NoSeed is the seed value that means "pick a random seed" (from the
// nanosecond clock).
const NoSeed = int64(0)

// Zeros returns an initializer that sets all values to zero. Tensors are
// already allocated zeroed, so this is a no-op, but having it explicit keeps
// the configuration readable.
func Zeros() Initializer {
	return func(t *tensors.Tensor) {}
}

// RandomNormal returns an initializer that sets values to random numbers
// from a normal distribution with the given standard deviation.
//
// If seed is NoSeed a random seed is generated instead, and initialization
// is no longer deterministic.
func RandomNormal(stddev float64, seed int64) Initializer {
	return func(t *tensors.Tensor) {
		rng := newRng(seed)
		fill(t, func() float64 { return rng.NormFloat64() * stddev })
	}
}

// RandomUniform returns an initializer that sets values to random numbers
// uniformly sampled from [minValue, maxValue).
func RandomUniform(minValue, maxValue float64, seed int64) Initializer {
	return func(t *tensors.Tensor) {
		rng := newRng(seed)
		fill(t, func() float64 { return minValue + rng.Float64()*(maxValue-minValue) })
	}
}

// XavierUniform returns the "Xavier" (aka. Glorot) uniform initializer: it
// samples from [-limit, limit] with limit = sqrt(6 / (fanIn + fanOut)).
// The last axis of the parameter is taken as its fan-out and the product of
// the remaining axes as its fan-in.
func XavierUniform(seed int64) Initializer {
	return func(t *tensors.Tensor) {
		shape := t.Shape()
		if shape.Rank() < 2 {
			exceptions.Panicf("initializers.XavierUniform requires rank >= 2, got shape %s", shape)
		}
		fanOut := xslices.Last(shape.Dimensions)
		fanIn := shape.Size() / fanOut
		limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
		rng := newRng(seed)
		fill(t, func() float64 { return (2*rng.Float64() - 1) * limit })
	}
}

func newRng(seed int64) *rand.Rand {
	if seed == NoSeed {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9E3779B97F4A7C15))
}

// fill sets every element of the tensor with values from gen, converting to
// the tensor's float dtype.
func fill(t *tensors.Tensor, gen func() float64) {
	switch t.DType() {
	case dtypes.Float16:
		tensors.MutableFlatData(t, func(flat []float16.Float16) {
			for ii := range flat {
				flat[ii] = float16.Fromfloat32(float32(gen()))
			}
		})
	case dtypes.Float32:
		tensors.MutableFlatData(t, func(flat []float32) {
			for ii := range flat {
				flat[ii] = float32(gen())
			}
		})
	case dtypes.Float64:
		tensors.MutableFlatData(t, func(flat []float64) {
			for ii := range flat {
				flat[ii] = gen()
			}
		})
	default:
		exceptions.Panicf("initializers: unsupported dtype %s", t.DType())
	}
}
