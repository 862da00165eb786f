// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flex

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/flexconv/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvolutionTransposeGolden(t *testing.T) {
	g := newGoldenCase()
	// The transpose consumes Dout=1 channels. Element 0 is referenced by
	// slots (n=0, k=0) and (n=2, k=1) but its weight W(0) is zero; element 1
	// collects g0+g1=3 through W(1)=(1, 2); element 2 collects g1+g2=5
	// through W(2)=(2, 4).
	incoming := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 1, 1, 3)
	want := tensors.FromFlatDataAndDimensions([]float32{
		0, 3, 10,
		0, 6, 20,
	}, 1, 2, 3)

	got, err := ConvolutionTranspose(incoming, g.positions, g.neighborhoods, g.weightBasis, g.weightBias)
	require.NoError(t, err)
	require.True(t, want.Equal(got), "ConvolutionTranspose()=%s, want %s", got, want)
}

// TestConvolutionTransposeAdjoint: for any F and G,
// <Convolution(F), G> == <F, ConvolutionTranspose(G)>.
func TestConvolutionTransposeAdjoint(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 0))
	for _, dims := range []struct{ b, din, dout, dp, n, k int }{
		{1, 1, 1, 1, 3, 2},
		{2, 3, 2, 2, 7, 3},
		{3, 4, 5, 3, 11, 4},
	} {
		c := randomCase(rng, dims.b, dims.din, dims.dout, dims.dp, dims.n, dims.k)
		g := randomTensor(rng, dims.b, dims.dout, dims.n)

		convF, err := Convolution(c.features, c.positions, c.neighborhoods, c.weightBasis, c.weightBias)
		require.NoError(t, err)
		convTG, err := ConvolutionTranspose(g, c.positions, c.neighborhoods, c.weightBasis, c.weightBias)
		require.NoError(t, err)

		lhs := dot(convF, g)
		rhs := dot(c.features, convTG)
		assert.InDeltaf(t, lhs, rhs, 1e-9*math.Max(1, math.Abs(lhs)),
			"adjoint identity broken for dims %+v", dims)
	}
}

func TestConvolutionTransposeChannels(t *testing.T) {
	g := newGoldenCase()
	// Forward-shaped features carry Din=2 channels, which the transpose
	// rejects: it wants Dout=1.
	_, err := ConvolutionTranspose(g.features, g.positions, g.neighborhoods, g.weightBasis, g.weightBias)
	require.ErrorContains(t, err, "channels")
}

// TestConvolutionTransposeGradFiniteDifferences checks the reverse pass of
// the transpose against central differences of the scalar loss
// <ConvolutionTranspose(X), G>.
func TestConvolutionTransposeGradFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 0))
	c := randomCase(rng, 2, 3, 2, 2, 5, 3)
	x := randomTensor(rng, c.b, c.dout, c.n) // Transpose input carries Dout channels.
	g := randomTensor(rng, c.b, c.din, c.n)

	loss := func() float64 {
		out, err := ConvolutionTranspose(x, c.positions, c.neighborhoods, c.weightBasis, c.weightBias)
		require.NoError(t, err)
		return dot(out, g)
	}

	grads, err := ConvolutionTransposeGrad(x, c.positions, c.neighborhoods, c.weightBasis, c.weightBias, g)
	require.NoError(t, err)
	require.Equal(t, x.Shape(), grads.Features.Shape())
	require.Equal(t, c.positions.Shape(), grads.Positions.Shape())
	require.Equal(t, c.weightBasis.Shape(), grads.WeightBasis.Shape())
	require.Equal(t, c.weightBias.Shape(), grads.WeightBias.Shape())

	checkGradient(t, "features", grads.Features, x, loss)
	checkGradient(t, "positions", grads.Positions, c.positions, loss)
	checkGradient(t, "weightBasis", grads.WeightBasis, c.weightBasis, loss)
	checkGradient(t, "weightBias", grads.WeightBias, c.weightBias, loss)
}
