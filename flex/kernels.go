// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flex

// This file holds the numeric cores shared by the forward and gradient
// passes. They work on the flat `[B, C, N]` slices directly; all shape and
// index validation already happened at the operator boundary.
//
// The forward/backward symmetry does most of the work: the convolution
// forward is a gather (gatherCore), its backward w.r.t. features is the
// adjoint (adjointCore) -- and the transpose operator uses the same two
// cores with the roles swapped. The scatter side never writes to shared
// destinations: scatterSlotSums first inverts the neighbor-to-destination
// mapping and then parallelizes over destinations, so no atomics are needed
// and accumulation order is deterministic for a fixed neighbor ordering.

// gatherCore computes, for each (b, n),
//
//	out[b, o, n] = Σ_k Σ_i feat[b, i, j]·W(p_j)[i, o],  j = nb[b, k, n]
//
// with feat `[B, Din, N]` and the result `[B, Dout, N]`.
func gatherCore[T PODFloatConstraints](feat, pos, basis, bias []T, nb *Neighborhood, dims convDims) []T {
	out := make([]T, dims.b*dims.dout*dims.n)
	itemCost := dims.k * dims.din * dims.dout * (dims.dp + 1)
	pool.parallelFor(dims.b*dims.n, itemCost, func(start, end int) {
		w := make([]T, dims.din*dims.dout)
		for item := start; item < end; item++ {
			b, n := item/dims.n, item%dims.n
			for k := range dims.k {
				j := nb.At(b, k, n)
				synthesizeWeights(w, pos, basis, bias, b, j, dims.dp, dims.din, dims.dout, dims.n)
				for i := range dims.din {
					f := feat[(b*dims.din+i)*dims.n+j]
					if f == 0 {
						continue
					}
					wRow := w[i*dims.dout : (i+1)*dims.dout]
					for o, wio := range wRow {
						out[(b*dims.dout+o)*dims.n+n] += f * wio
					}
				}
			}
		}
	})
	return out
}

// adjointCore computes, for each (b, j),
//
//	out[b, i, j] = Σ_o W(p_j)[i, o]·srcSums[b, o, j]
//
// where srcSums `[B, Dout, N]` is already accumulated per destination (see
// scatterSlotSums). The result is `[B, Din, N]`.
func adjointCore[T PODFloatConstraints](srcSums, pos, basis, bias []T, dims convDims) []T {
	out := make([]T, dims.b*dims.din*dims.n)
	itemCost := dims.din * dims.dout * (dims.dp + 1)
	pool.parallelFor(dims.b*dims.n, itemCost, func(start, end int) {
		w := make([]T, dims.din*dims.dout)
		for item := start; item < end; item++ {
			b, j := item/dims.n, item%dims.n
			synthesizeWeights(w, pos, basis, bias, b, j, dims.dp, dims.din, dims.dout, dims.n)
			for i := range dims.din {
				var acc T
				wRow := w[i*dims.dout : (i+1)*dims.dout]
				for o, wio := range wRow {
					acc += wio * srcSums[(b*dims.dout+o)*dims.n+j]
				}
				out[(b*dims.din+i)*dims.n+j] = acc
			}
		}
	})
	return out
}

// scatterSlotSums computes, for each (b, c, j),
//
//	sums[b, c, j] = Σ_{(n,k): nb[b,k,n] == j} src[b, c, n]
//
// the per-destination accumulation every scatter-shaped pass starts from.
// Elements referenced by multiple slots receive all contributions, summed in
// increasing (n, k) order.
func scatterSlotSums[T PODFloatConstraints](src []T, inv *inverted, channels int) []T {
	sums := make([]T, inv.B*channels*inv.N)
	itemCost := inv.K * channels
	pool.parallelFor(inv.B*inv.N, itemCost, func(start, end int) {
		for item := start; item < end; item++ {
			b, j := item/inv.N, item%inv.N
			for _, slot := range inv.slotsFor(b, j) {
				n := int(slot.n)
				for c := range channels {
					sums[(b*channels+c)*inv.N+j] += src[(b*channels+c)*inv.N+n]
				}
			}
		}
	})
	return sums
}

// positionGrads computes the gradient w.r.t. positions,
//
//	gradPos[b, d, j] = Σ_i Σ_o basis[d, i, o]·a[b, i, j]·c[b, o, j]
//
// with a `[B, Din, N]` (features for the convolution, incoming gradient for
// the transpose) and c `[B, Dout, N]` (the per-destination gradient sums for
// the convolution, the per-destination feature sums for the transpose).
func positionGrads[T PODFloatConstraints](a, c, basis []T, dims convDims) []T {
	gradPos := make([]T, dims.b*dims.dp*dims.n)
	itemCost := dims.dp * dims.din * dims.dout
	pool.parallelFor(dims.b*dims.n, itemCost, func(start, end int) {
		for item := start; item < end; item++ {
			b, j := item/dims.n, item%dims.n
			for d := range dims.dp {
				var acc T
				for i := range dims.din {
					ai := a[(b*dims.din+i)*dims.n+j]
					if ai == 0 {
						continue
					}
					basisRow := basis[(d*dims.din+i)*dims.dout : (d*dims.din+i+1)*dims.dout]
					for o, v := range basisRow {
						acc += v * ai * c[(b*dims.dout+o)*dims.n+j]
					}
				}
				gradPos[(b*dims.dp+d)*dims.n+j] = acc
			}
		}
	})
	return gradPos
}

// parameterGrads computes the gradients w.r.t. the weight basis and weight
// bias,
//
//	gradBasis[d, i, o] = Σ_b Σ_j pos[b, d, j]·a[b, i, j]·c[b, o, j]
//	gradBias[i, o]     = Σ_b Σ_j a[b, i, j]·c[b, o, j]
//
// accumulated serially: the parameter tensors are tiny (Dp·Din·Dout)
// compared to the feature tensors, so there is nothing to win sharding them.
func parameterGrads[T PODFloatConstraints](a, c, pos []T, dims convDims) (gradBasis, gradBias []T) {
	gradBasis = make([]T, dims.dp*dims.din*dims.dout)
	gradBias = make([]T, dims.din*dims.dout)
	for b := range dims.b {
		for j := range dims.n {
			for i := range dims.din {
				ai := a[(b*dims.din+i)*dims.n+j]
				if ai == 0 {
					continue
				}
				for o := range dims.dout {
					prod := ai * c[(b*dims.dout+o)*dims.n+j]
					if prod == 0 {
						continue
					}
					gradBias[i*dims.dout+o] += prod
					for d := range dims.dp {
						gradBasis[(d*dims.din+i)*dims.dout+o] += pos[(b*dims.dp+d)*dims.n+j] * prod
					}
				}
			}
		}
	}
	return
}
