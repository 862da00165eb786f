// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flex

// This file implements the dynamic weight synthesis that makes the
// convolution "flexible": the kernel weight is not tied to a fixed grid
// offset, it is computed on the fly from each neighbor's actual position:
//
//	W(p) = weightBias + Σ_d p[d]·weightBasis[d, :, :]
//
// weightBasis is `[1, Dp, Din, Dout]` (broadcast over batch) and weightBias
// is `[Din, Dout]`. W(p) is a dense `[Din, Dout]` matrix.

// synthesizeWeights fills w (of length din*dout, row-major [Din, Dout]) with
// W(p) for the element j of batch b.
//
// positions is the full `[B, Dp, N]` flat data; the position vector of the
// element is positions[(b*dp+d)*n + j] for d in [0, dp).
func synthesizeWeights[T PODFloatConstraints](w, positions, weightBasis, weightBias []T, b, j, dp, din, dout, n int) {
	copy(w, weightBias[:din*dout])
	for d := range dp {
		p := positions[(b*dp+d)*n+j]
		if p == 0 {
			continue
		}
		basis := weightBasis[d*din*dout : (d+1)*din*dout]
		for ii, v := range basis {
			w[ii] += p * v
		}
	}
}
