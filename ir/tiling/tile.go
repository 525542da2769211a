// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import (
	"slices"

	"github.com/gomlx/sconv/ir"
	"github.com/gomlx/sconv/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrNotTileable is returned when the op doesn't implement TilingInterface.
	ErrNotTileable = errors.New("only TilingInterface ops are supported")

	// ErrInvalidOptions is returned for tile sizes or interchanges inconsistent with the op.
	ErrInvalidOptions = errors.New("invalid tiling options")
)

// Options configure TileUsingLoops.
type Options struct {
	// TileSizes per loop of the iteration domain. Zero means the loop is not tiled. Missing
	// trailing entries are taken as zero.
	TileSizes []int64

	// Interchange is the order of the generated loops, outermost first, as a permutation of
	// the loops of the iteration domain. Empty means the identity. Untiled loops are skipped.
	Interchange []int
}

// Result of TileUsingLoops.
type Result struct {
	// TiledOps are the ops computing one tile, in the innermost loop body.
	TiledOps []*ir.Op

	// Loops generated, outermost first.
	Loops []ir.ForOp

	// LoopDims is the dimension of the iteration domain tiled by each loop.
	LoopDims []int

	// Replacements for the results of the original op: the results of the outermost loop.
	Replacements []*ir.Value
}

// TileUsingLoops tiles op with one scf.for per non-zero tile size, in the order of
// Options.Interchange, and replaces op by the loop nest.
//
// Each loop carries the destination tensors. The innermost body computes the offsets and
// sizes of the tile (with affine.min for the boundary tiles), creates the tiled op on slices
// of the operands and inserts its results back into the carried destinations.
//
// Options are validated before any change to the IR.
func TileUsingLoops(rw ir.Rewriter, op *ir.Op, opts Options) (*Result, error) {
	ti, ok := Lookup(op)
	if !ok {
		return nil, errors.Wrapf(ErrNotTileable, "cannot tile %s", op.Kind())
	}
	numLoops := len(ti.LoopIteratorTypes())
	tileSizes := make([]int64, numLoops)
	if len(opts.TileSizes) > numLoops {
		return nil, errors.Wrapf(ErrInvalidOptions, "%d tile sizes for %d loops", len(opts.TileSizes), numLoops)
	}
	copy(tileSizes, opts.TileSizes)
	for d, size := range tileSizes {
		if size < 0 {
			return nil, errors.Wrapf(ErrInvalidOptions, "negative tile size %d for loop d%d", size, d)
		}
	}
	interchange := opts.Interchange
	if len(interchange) == 0 {
		interchange = xslices.Iota(0, numLoops)
	}
	if err := xslices.CheckPermutation(interchange, numLoops); err != nil {
		return nil, errors.Wrapf(ErrInvalidOptions, "interchange: %v", err)
	}

	b := ir.NewBuilder(rw).SetInsertionPoint(ir.BeforeOp(op))
	domain := ti.IterationDomain(b)

	// Loop bounds and steps are created before the loops.
	var loopDims []int
	for _, d := range interchange {
		if tileSizes[d] == 0 {
			continue
		}
		if domain[d].IsStatic() && domain[d].Static() < tileSizes[d] {
			tileSizes[d] = domain[d].Static()
		}
		loopDims = append(loopDims, d)
	}
	if len(loopDims) == 0 {
		klog.V(1).Infof("tiling: no loops to create for %s", op.Kind())
		return &Result{TiledOps: []*ir.Op{op}, Replacements: op.Results()}, nil
	}
	zero := b.ConstantIndex(0)
	upperBounds := make([]*ir.Value, len(loopDims))
	steps := make([]*ir.Value, len(loopDims))
	for level, d := range loopDims {
		upperBounds[level] = b.Materialize(domain[d])
		steps[level] = b.ConstantIndex(tileSizes[d])
	}

	result := &Result{Loops: make([]ir.ForOp, len(loopDims)), LoopDims: slices.Clone(loopDims)}
	ivs := make([]*ir.Value, numLoops)
	var build func(level int, dests []*ir.Value) []*ir.Value
	build = func(level int, dests []*ir.Value) []*ir.Value {
		if level < len(loopDims) {
			d := loopDims[level]
			loop := b.For(zero, upperBounds[level], steps[level], dests,
				func(b *ir.Builder, iv *ir.Value, iterArgs []*ir.Value) []*ir.Value {
					ivs[d] = iv
					return build(level+1, iterArgs)
				})
			result.Loops[level], _ = ir.AsFor(loop)
			return loop.Results()
		}

		// Innermost body.
		offsets := make([]ir.OpFoldResult, numLoops)
		sizes := make([]ir.OpFoldResult, numLoops)
		for d := range numLoops {
			if ivs[d] == nil {
				offsets[d], sizes[d] = ir.StaticIndex(0), domain[d]
				continue
			}
			offsets[d] = ir.DynamicIndex(ivs[d])
			sizes[d] = boundarySize(b, ivs[d], domain[d], tileSizes[d])
		}
		tiled, resultOffsets, resultSizes := ti.TiledImplementation(b, offsets, sizes, dests)
		result.TiledOps = append(result.TiledOps, tiled)
		yields := make([]*ir.Value, len(dests))
		for ii, dest := range dests {
			yields[ii] = b.InsertSlice(tiled.Result(ii), dest, resultOffsets[ii], resultSizes[ii])
		}
		return yields
	}
	result.Replacements = build(0, ti.Destinations())
	klog.V(1).Infof("tiling: tiled %s with sizes %v, loops over dims %v", op.Kind(), tileSizes, loopDims)
	rw.ReplaceOp(op, result.Replacements)
	return result, nil
}

// boundarySize returns the size of the tile starting at iv: the tile size if it always
// divides the upper bound, otherwise min(tile, ub - iv).
func boundarySize(b *ir.Builder, iv *ir.Value, ub ir.OpFoldResult, tile int64) ir.OpFoldResult {
	if ub.IsStatic() && ub.Static()%tile == 0 {
		return ir.StaticIndex(tile)
	}
	if ub.IsStatic() {
		m := ir.NewAffineMap(0, 1, ir.Const(tile), ir.Sub(ir.Const(ub.Static()), ir.Sym(0)))
		return ir.DynamicIndex(b.AffineMin(m, iv))
	}
	m := ir.NewAffineMap(0, 2, ir.Const(tile), ir.Sub(ir.Sym(1), ir.Sym(0)))
	return ir.DynamicIndex(b.AffineMin(m, iv, ub.Value()))
}
