// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package csa implements the cache-aware schedule analysis for 2D convolutions: given the
// shape of a convolution and a model of the memory hierarchy, it picks the microkernel shape,
// the data-reuse strategy (Input-Stationary or Weight-Stationary) and the tiling multipliers.
//
// The analysis is a pure function of its inputs: it never touches the IR, and can be called
// concurrently.
package csa

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidProblem is returned for problems with non-positive fields.
var ErrInvalidProblem = errors.New("invalid convolution problem")

// DefaultVectorWidth is the number of elements per vector register used when Problem.V is not set.
const DefaultVectorWidth = 4

// DefaultElementSize in bytes, used when Problem.ElementSize is not set.
const DefaultElementSize = 4

// Problem describes one 2D NCHW/FCHW convolution instance, with unit dilations.
type Problem struct {
	// N is the batch size.
	N int

	// IC and OC are the number of input and output channels.
	IC, OC int

	// FH and FW are the filter's spatial dimensions.
	FH, FW int

	// OH and OW are the output's spatial dimensions.
	OH, OW int

	// SH and SW are the strides.
	SH, SW int

	// V is the vector width, in elements.
	V int

	// ElementSize in bytes of the accumulator.
	ElementSize int
}

// NW is the number of output windows, the flattened output spatial dimension.
func (p Problem) NW() int { return p.OH * p.OW }

// WithDefaults returns a copy of the problem with the optional fields (V, ElementSize and the
// strides) filled with their defaults if not set.
func (p Problem) WithDefaults() Problem {
	if p.V == 0 {
		p.V = DefaultVectorWidth
	}
	if p.ElementSize == 0 {
		p.ElementSize = DefaultElementSize
	}
	if p.SH == 0 {
		p.SH = 1
	}
	if p.SW == 0 {
		p.SW = 1
	}
	return p
}

// Validate checks that all fields are positive.
func (p Problem) Validate() error {
	fields := []struct {
		name  string
		value int
	}{
		{"N", p.N}, {"IC", p.IC}, {"OC", p.OC}, {"FH", p.FH}, {"FW", p.FW}, {"OH", p.OH}, {"OW", p.OW},
		{"SH", p.SH}, {"SW", p.SW}, {"V", p.V}, {"ElementSize", p.ElementSize},
	}
	for _, f := range fields {
		if f.value <= 0 {
			return errors.Wrapf(ErrInvalidProblem, "%s=%d must be positive in %s", f.name, f.value, p)
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (p Problem) String() string {
	return fmt.Sprintf("conv{n=%d, ic=%d, oc=%d, fh=%d, fw=%d, oh=%d, ow=%d, strides=(%d, %d), v=%d, bytes=%d}",
		p.N, p.IC, p.OC, p.FH, p.FW, p.OH, p.OW, p.SH, p.SW, p.V, p.ElementSize)
}
