// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provides the small slice helpers used across flexconv that
// the standard slices package doesn't cover.
package xslices

import (
	"golang.org/x/exp/constraints"
)

// At takes the element at the given index, where index can be negative, in
// which case it counts from the end of the slice.
func At[T any](slice []T, index int) T {
	if index < 0 {
		index = len(slice) + index
	}
	return slice[index]
}

// Last returns the last element of a slice.
func Last[T any](slice []T) T {
	return At(slice, -1)
}

// Copy creates a new (shallow) copy of the slice. A shortcut to a call to
// `make` followed by `copy`.
func Copy[T any](slice []T) []T {
	if len(slice) == 0 {
		return nil
	}
	slice2 := make([]T, len(slice))
	copy(slice2, slice)
	return slice2
}

// Iota returns a slice of the given count, filled with start, start+1, ....
func Iota[T interface {
	constraints.Integer | constraints.Float
}](start T, count int) []T {
	slice := make([]T, count)
	value := start
	for ii := range slice {
		slice[ii] = value
		value += T(1)
	}
	return slice
}

// SliceWithValue creates a slice of the given count, filled with the given
// value.
func SliceWithValue[T any](count int, value T) []T {
	slice := make([]T, count)
	for ii := range slice {
		slice[ii] = value
	}
	return slice
}

// FillSlice sets every element of the slice to value.
func FillSlice[T any](slice []T, value T) {
	for ii := range slice {
		slice[ii] = value
	}
}

// Max returns the largest element of the slice. It panics on an empty slice.
func Max[T constraints.Ordered](slice []T) T {
	best := slice[0]
	for _, v := range slice[1:] {
		if v > best {
			best = v
		}
	}
	return best
}
