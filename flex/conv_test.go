// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flex

import (
	"math"
	"math/rand/v2"
	"runtime"
	"testing"

	"github.com/gomlx/flexconv/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// goldenCase is a tiny hand-checkable scenario: B=1, Din=2, Dout=1, Dp=1,
// N=3, K=2, with positions 0, 1, 2, zero weight bias and the weight basis
// column (1, 2), so the synthesized weight of element j is just (j, 2j).
type goldenCase struct {
	features, positions, neighborhoods, weightBasis, weightBias *tensors.Tensor
}

func newGoldenCase() goldenCase {
	return goldenCase{
		features:  tensors.FromFlatDataAndDimensions([]float32{1, 3, 5, 2, 4, 6}, 1, 2, 3),
		positions: tensors.FromFlatDataAndDimensions([]float32{0, 1, 2}, 1, 1, 3),
		neighborhoods: tensors.FromFlatDataAndDimensions([]int32{
			0, 1, 2,
			1, 2, 0,
		}, 1, 2, 3),
		weightBasis: tensors.FromFlatDataAndDimensions([]float32{1, 2}, 1, 1, 2, 1),
		weightBias:  tensors.FromFlatDataAndDimensions([]float32{0, 0}, 2, 1),
	}
}

func TestConvolutionGolden(t *testing.T) {
	g := newGoldenCase()
	// Element 0: neighbors {0, 1}: W(0)=(0,0) contributes 0, W(1)=(1,2)
	// against features (3, 4) contributes 11. Element 1: neighbors {1, 2}:
	// 11 + W(2)=(2,4) against (5, 6) = 45. Element 2: neighbors {2, 0}: 34.
	want := tensors.FromFlatDataAndDimensions([]float32{11, 45, 34}, 1, 1, 3)

	got, err := Convolution(g.features, g.positions, g.neighborhoods, g.weightBasis, g.weightBias)
	require.NoError(t, err)
	require.True(t, want.Equal(got), "Convolution()=%s, want %s", got, want)

	// Serial execution takes a different code path but must agree exactly.
	SetMaxParallelism(0)
	defer SetMaxParallelism(runtime.NumCPU())
	got, err = Convolution(g.features, g.positions, g.neighborhoods, g.weightBasis, g.weightBias)
	require.NoError(t, err)
	require.True(t, want.Equal(got), "serial Convolution()=%s, want %s", got, want)
}

func TestConvolutionWeightBias(t *testing.T) {
	g := newGoldenCase()
	// A weight bias of (1, 0) adds features[0, j] per neighbor j on top of
	// the golden output: element 0 gains f[0,0]+f[0,1]=4, element 1 gains
	// 3+5=8, element 2 gains 5+1=6.
	g.weightBias = tensors.FromFlatDataAndDimensions([]float32{1, 0}, 2, 1)
	want := tensors.FromFlatDataAndDimensions([]float32{15, 53, 40}, 1, 1, 3)
	got, err := Convolution(g.features, g.positions, g.neighborhoods, g.weightBasis, g.weightBias)
	require.NoError(t, err)
	require.True(t, want.Equal(got), "Convolution()=%s, want %s", got, want)
}

// TestConvolutionAccumulation: repeated slots in a neighbor list contribute
// additively, including self-loops.
func TestConvolutionAccumulation(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 0))
	c := randomCase(rng, 1, 2, 3, 2, 4, 1)

	single, err := Convolution(c.features, c.positions, c.neighborhoods, c.weightBasis, c.weightBias)
	require.NoError(t, err)

	// Duplicate the single slot: every contribution must double.
	var doubled []int32
	tensors.ConstFlatData(c.neighborhoods, func(flat []int32) {
		doubled = append(append(doubled, flat...), flat...)
	})
	nb2 := tensors.FromFlatDataAndDimensions(doubled, 1, 2, 4)
	got, err := Convolution(c.features, c.positions, nb2, c.weightBasis, c.weightBias)
	require.NoError(t, err)

	tensors.ConstFlatData(single, func(want []float64) {
		tensors.ConstFlatData(got, func(gotFlat []float64) {
			for ii := range want {
				assert.InDelta(t, 2*want[ii], gotFlat[ii], 1e-12)
			}
		})
	})
}

// TestConvolutionLinearity: the output is linear in the features for fixed
// positions and parameters.
func TestConvolutionLinearity(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 0))
	c := randomCase(rng, 2, 3, 2, 2, 6, 3)
	f2 := randomTensor(rng, 2, 3, 6)
	const alpha = 0.37

	out1, err := Convolution(c.features, c.positions, c.neighborhoods, c.weightBasis, c.weightBias)
	require.NoError(t, err)
	out2, err := Convolution(f2, c.positions, c.neighborhoods, c.weightBasis, c.weightBias)
	require.NoError(t, err)

	combined := c.features.Clone()
	tensors.MutableFlatData(combined, func(flat []float64) {
		tensors.ConstFlatData(f2, func(other []float64) {
			for ii := range flat {
				flat[ii] = alpha*flat[ii] + other[ii]
			}
		})
	})
	outCombined, err := Convolution(combined, c.positions, c.neighborhoods, c.weightBasis, c.weightBias)
	require.NoError(t, err)

	tensors.ConstFlatData(outCombined, func(got []float64) {
		tensors.ConstFlatData(out1, func(a []float64) {
			tensors.ConstFlatData(out2, func(b []float64) {
				for ii := range got {
					assert.InDelta(t, alpha*a[ii]+b[ii], got[ii], 1e-10)
				}
			})
		})
	})
}

func TestConvolutionFloat16(t *testing.T) {
	g := newGoldenCase()
	got, err := Convolution(
		tensors.ConvertDType(g.features, dtypes.Float16),
		tensors.ConvertDType(g.positions, dtypes.Float16),
		g.neighborhoods,
		tensors.ConvertDType(g.weightBasis, dtypes.Float16),
		tensors.ConvertDType(g.weightBias, dtypes.Float16))
	require.NoError(t, err)
	require.Equal(t, dtypes.Float16, got.DType())

	back := tensors.ConvertDType(got, dtypes.Float32)
	tensors.ConstFlatData(back, func(flat []float32) {
		require.InDeltaSlice(t, []float32{11, 45, 34}, flat, 1e-1)
	})
}

func TestConvolutionErrors(t *testing.T) {
	g := newGoldenCase()

	_, err := Convolution(nil, g.positions, g.neighborhoods, g.weightBasis, g.weightBias)
	require.ErrorContains(t, err, "is nil")

	_, err = Convolution(g.features.Reshape(2, 3), g.positions, g.neighborhoods, g.weightBasis, g.weightBias)
	require.ErrorContains(t, err, "rank 3")

	intFeatures := tensors.FromFlatDataAndDimensions([]int32{1, 3, 5, 2, 4, 6}, 1, 2, 3)
	_, err = Convolution(intFeatures, g.positions, g.neighborhoods, g.weightBasis, g.weightBias)
	require.ErrorContains(t, err, "Int32")

	badBasis := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 1, 1, 2)
	_, err = Convolution(g.features, g.positions, g.neighborhoods, badBasis, g.weightBias)
	require.ErrorContains(t, err, "weightBasis")

	badBias := tensors.FromFlatDataAndDimensions([]float32{0, 0, 0}, 3, 1)
	_, err = Convolution(g.features, g.positions, g.neighborhoods, g.weightBasis, badBias)
	require.ErrorContains(t, err, "weightBias")

	badPositions := tensors.FromFlatDataAndDimensions([]float32{0, 1}, 1, 1, 2)
	_, err = Convolution(g.features, badPositions, g.neighborhoods, g.weightBasis, g.weightBias)
	require.ErrorContains(t, err, "positions")

	// Din of the basis disagrees with the feature channels.
	badChannels := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 1, 1, 3, 1)
	wideBias := tensors.FromFlatDataAndDimensions([]float32{0, 0, 0}, 3, 1)
	_, err = Convolution(g.features, g.positions, g.neighborhoods, badChannels, wideBias)
	require.ErrorContains(t, err, "channels")

	badIndex := tensors.FromFlatDataAndDimensions([]int32{0, 1, 2, 1, 2, 3}, 1, 2, 3)
	_, err = Convolution(g.features, g.positions, badIndex, g.weightBasis, g.weightBias)
	require.ErrorContains(t, err, "out of the valid element range")

	mixed := tensors.ConvertDType(g.positions, dtypes.Float64)
	_, err = Convolution(g.features, mixed, g.neighborhoods, g.weightBasis, g.weightBias)
	require.Error(t, err)
}

// convCase bundles a randomly generated float64 input tuple.
type convCase struct {
	b, din, dout, dp, n, k                                      int
	features, positions, neighborhoods, weightBasis, weightBias *tensors.Tensor
}

func randomTensor(rng *rand.Rand, dimensions ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	data := make([]float64, size)
	for ii := range data {
		data[ii] = rng.NormFloat64()
	}
	return tensors.FromFlatDataAndDimensions(data, dimensions...)
}

func randomCase(rng *rand.Rand, b, din, dout, dp, n, k int) convCase {
	indices := make([]int32, b*k*n)
	for ii := range indices {
		indices[ii] = int32(rng.IntN(n))
	}
	return convCase{
		b: b, din: din, dout: dout, dp: dp, n: n, k: k,
		features:      randomTensor(rng, b, din, n),
		positions:     randomTensor(rng, b, dp, n),
		neighborhoods: tensors.FromFlatDataAndDimensions(indices, b, k, n),
		weightBasis:   randomTensor(rng, 1, dp, din, dout),
		weightBias:    randomTensor(rng, din, dout),
	}
}

// dot computes the flat inner product of two equally shaped float64 tensors.
func dot(a, b *tensors.Tensor) (sum float64) {
	tensors.ConstFlatData(a, func(aFlat []float64) {
		tensors.ConstFlatData(b, func(bFlat []float64) {
			for ii := range aFlat {
				sum += aFlat[ii] * bFlat[ii]
			}
		})
	})
	return
}

// checkGradient compares the analytic gradient w.r.t. input against central
// finite differences of loss, element by element. It temporarily perturbs
// input in place.
func checkGradient(t *testing.T, name string, analytic, input *tensors.Tensor, loss func() float64) {
	const eps = 1e-6
	tensors.ConstFlatData(analytic, func(grad []float64) {
		tensors.MutableFlatData(input, func(flat []float64) {
			for ii := range flat {
				saved := flat[ii]
				flat[ii] = saved + eps
				plus := loss()
				flat[ii] = saved - eps
				minus := loss()
				flat[ii] = saved
				numeric := (plus - minus) / (2 * eps)
				assert.InDeltaf(t, numeric, grad[ii], 1e-5*math.Max(1, math.Abs(numeric)),
					"%s[%d]: analytic %g vs numeric %g", name, ii, grad[ii], numeric)
			}
		})
	})
}
