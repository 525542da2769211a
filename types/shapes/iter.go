// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import "iter"

// Iter iterates over all possible indices of the given static shape, in row-major order.
// To avoid allocating the slice of indices, the yielded indices is owned by the Iter() method:
// don't change it inside the loop.
//
// Shapes with dynamic dimensions yield nothing.
func (s Shape) Iter() iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		if !s.Ok() || !s.IsStatic() {
			return
		}
		rank := s.Rank()
		indices := make([]int, rank)
		if rank == 0 {
			_ = yield(indices)
			return
		}
		for {
			if !yield(indices) {
				return
			}
			axis := rank - 1
			for ; axis >= 0; axis-- {
				indices[axis]++
				if indices[axis] < s.Dimensions[axis] {
					break
				}
				indices[axis] = 0
			}
			if axis < 0 {
				return
			}
		}
	}
}

// IterOn is like Iter, but it also yields the flat (row-major) position of the indices.
func (s Shape) IterOn() iter.Seq2[int, []int] {
	return func(yield func(int, []int) bool) {
		flat := 0
		for indices := range s.Iter() {
			if !yield(flat, indices) {
				return
			}
			flat++
		}
	}
}
