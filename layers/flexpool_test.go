// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"testing"

	"github.com/gomlx/flexconv/types/tensors"
	"github.com/stretchr/testify/require"
)

func TestFlexPooling(t *testing.T) {
	features := tensors.FromFlatDataAndDimensions([]float32{1, 5, 3}, 1, 1, 3)
	neighborhoods := tensors.FromFlatDataAndDimensions([]int32{
		0, 1, 2,
		1, 2, 0,
	}, 1, 2, 3)

	output := FlexPooling().Apply(features, neighborhoods)
	want := tensors.FromFlatDataAndDimensions([]float32{5, 5, 3}, 1, 1, 3)
	require.True(t, want.Equal(output), "Apply()=%s, want %s", output, want)
}

func TestFlexPoolingExpanded(t *testing.T) {
	features := tensors.FromFlatDataAndDimensions([]float32{1, 5, 3}, 1, 1, 1, 3)
	neighborhoods := tensors.FromFlatDataAndDimensions([]int32{1, 2, 0}, 1, 1, 1, 3)

	output := FlexPooling().DataFormat(Expanded).Apply(features, neighborhoods)
	require.Equal(t, []int{1, 1, 1, 3}, output.Shape().Dimensions)
	want := tensors.FromFlatDataAndDimensions([]float32{5, 3, 1}, 1, 1, 1, 3)
	require.True(t, want.Equal(output), "Apply()=%s, want %s", output, want)
}

func TestFlexPoolingMisuse(t *testing.T) {
	features := tensors.FromFlatDataAndDimensions([]float32{1, 5, 3}, 1, 1, 3)
	neighborhoods := tensors.FromFlatDataAndDimensions([]int32{1, 2, 0}, 1, 1, 3)
	require.Panics(t, func() { FlexPooling().Apply(nil, neighborhoods) })
	require.Panics(t, func() { FlexPooling().Apply(features.Reshape(3), neighborhoods) })
	require.Panics(t, func() { FlexPooling().DataFormat(Expanded).Apply(features, neighborhoods) })
}
