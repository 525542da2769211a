// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tiling tiles ops that implement TilingInterface into nests of scf.for loops over
// slices of their operands.
package tiling

import (
	"github.com/gomlx/sconv/ir"
)

// TilingInterface is implemented by the ops that can be tiled: it exposes the iteration
// domain of the op and creates the computation of one tile of it.
type TilingInterface interface {
	// Op being tiled.
	Op() *ir.Op

	// LoopIteratorTypes of the loops of the iteration domain.
	LoopIteratorTypes() []ir.IteratorType

	// IterationDomain returns the size of each loop of the iteration domain, creating the
	// ops needed to compute the dynamic ones at the builder's insertion point.
	IterationDomain(b *ir.Builder) []ir.OpFoldResult

	// Destinations are the tensors the results are written into.
	Destinations() []*ir.Value

	// TiledImplementation creates the computation of the tile given by offsets and sizes (one
	// per loop), writing into slices of dests. It returns the tiled op, and for each result the
	// offsets and sizes of the tile it computed in the corresponding destination.
	TiledImplementation(b *ir.Builder, offsets, sizes []ir.OpFoldResult, dests []*ir.Value) (
		tiled *ir.Op, resultOffsets, resultSizes [][]ir.OpFoldResult)
}

// Lookup returns the TilingInterface implementation of op, if it has one.
func Lookup(op *ir.Op) (TilingInterface, bool) {
	if g, ok := ir.AsGeneric(op); ok {
		return genericTiling{g}, true
	}
	return nil, false
}
