// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package csa

import "fmt"

// Microkernel is the shape of the innermost tile: NumFilters output channels by NumWindows
// output windows, accumulated in registers.
type Microkernel struct {
	NumFilters, NumWindows int

	// NumOutputs = NumFilters * NumWindows.
	NumOutputs int
}

// String implements fmt.Stringer.
func (mk Microkernel) String() string {
	return fmt.Sprintf("%dx%d", mk.NumFilters, mk.NumWindows)
}

// NewMicrokernel returns the microkernel with the given number of filters and windows.
func NewMicrokernel(numFilters, numWindows int) Microkernel {
	return Microkernel{NumFilters: numFilters, NumWindows: numWindows, NumOutputs: numFilters * numWindows}
}

// ComputeMicrokernel grows the number of filters and windows of the microkernel in a balanced
// way, doubling the smaller one (windows first on ties), while the accumulator tile fits in
// arch.VectorRegisters*p.V elements and the filter plus input rows fit in a quarter of it.
//
// The factors are clamped to p.OC and p.NW().
func ComputeMicrokernel(p Problem, arch Arch) Microkernel {
	budget := arch.VectorRegisters * p.V
	fits := func(nf, nw int) bool {
		return nf*nw <= budget && nf+nw <= budget/4
	}
	nf, nw := 1, 1
	for {
		growF, growW := min(2*nf, p.OC), min(2*nw, p.NW())
		canF := growF > nf && fits(growF, nw)
		canW := growW > nw && fits(nf, growW)
		switch {
		case canW && (nw <= nf || !canF):
			nw = growW
		case canF:
			nf = growF
		default:
			return NewMicrokernel(nf, nw)
		}
	}
}
