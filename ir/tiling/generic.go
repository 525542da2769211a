// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sconv/ir"
	"github.com/gomlx/sconv/types/shapes"
)

// genericTiling implements TilingInterface for linalg.generic.
type genericTiling struct {
	g ir.GenericOp
}

var _ TilingInterface = genericTiling{}

func (t genericTiling) Op() *ir.Op { return t.g.Op }

func (t genericTiling) LoopIteratorTypes() []ir.IteratorType { return t.g.IteratorTypes() }

func (t genericTiling) Destinations() []*ir.Value { return t.g.Outputs() }

// IterationDomain takes the size of each loop from an operand axis indexed by exactly that
// loop dimension, preferring static ones.
func (t genericTiling) IterationDomain(b *ir.Builder) []ir.OpFoldResult {
	numLoops := t.g.NumLoops()
	type source struct {
		operand *ir.Value
		axis    int
	}
	sources := make([]*source, numLoops)
	dps := t.g.DpsOperands()
	for k, m := range t.g.IndexingMaps() {
		for j := range m.Results {
			d, ok := m.PureDim(j)
			if !ok {
				continue
			}
			isStatic := dps[k].Shape().Dimensions[j] != shapes.DynamicDim
			if sources[d] == nil || (isStatic && sources[d].operand.Shape().IsDynamicDim(sources[d].axis)) {
				sources[d] = &source{operand: dps[k], axis: j}
			}
		}
	}
	domain := make([]ir.OpFoldResult, numLoops)
	for d, src := range sources {
		if src == nil {
			exceptions.Panicf("linalg.generic: loop d%d is not the plain index of any operand axis", d)
		}
		domain[d] = b.DimSize(src.operand, src.axis)
	}
	return domain
}

// TiledImplementation slices every operand to the region touched by the tile, and creates a
// generic on the slices whose indexing maps are re-based on the tile offsets.
//
// For each result expression e of an operand's indexing map:
//   - a plain dimension d takes the tile offset and size of d;
//   - an expression non-decreasing in the dims covers [e(offsets), e(offsets+sizes-1)], and
//     the tiled map is e(d+offsets) - e(offsets);
//   - any other expression (e.g. with mod) keeps the full axis, and the tiled map is e(d+offsets).
//
// The tile offsets become new symbols of the tiled generic, appended to the existing ones.
func (t genericTiling) TiledImplementation(b *ir.Builder, offsets, sizes []ir.OpFoldResult, dests []*ir.Value) (
	tiled *ir.Op, resultOffsets, resultSizes [][]ir.OpFoldResult) {
	g := t.g
	numLoops := g.NumLoops()
	oldSymbols := g.SymbolOperands()
	numOld := len(oldSymbols)

	// Symbols used to compute the slices: old symbols, then the offsets and sizes of each loop.
	sliceSymbols := make([]ir.OpFoldResult, 0, numOld+2*numLoops)
	for _, s := range oldSymbols {
		sliceSymbols = append(sliceSymbols, ir.DynamicIndex(s))
	}
	sliceSymbols = append(sliceSymbols, offsets...)
	sliceSymbols = append(sliceSymbols, sizes...)
	offsetSym := func(d int) ir.AffineExpr { return ir.Sym(numOld + d) }
	sizeSym := func(d int) ir.AffineExpr { return ir.Sym(numOld + numLoops + d) }

	// Symbols of the tiled generic: old symbols, then the dynamic offsets. Static offsets are
	// folded into the maps.
	tiledSymbols := slices.Clone(oldSymbols)
	offsetExprs := make([]ir.AffineExpr, numLoops)
	for d, off := range offsets {
		if off.IsStatic() {
			offsetExprs[d] = ir.Const(off.Static())
		} else {
			offsetExprs[d] = ir.Sym(len(tiledSymbols))
			tiledSymbols = append(tiledSymbols, off.Value())
		}
	}
	shifted := make([]ir.AffineExpr, numLoops)
	for d := range shifted {
		shifted[d] = ir.Add(ir.Dim(d), offsetExprs[d])
	}

	dps := slices.Concat(g.Inputs(), dests)
	maps := g.IndexingMaps()
	tiledOperands := make([]*ir.Value, len(dps))
	tiledMaps := make([]ir.AffineMap, len(dps))
	numInputs := len(g.Inputs())
	for k, operand := range dps {
		m := maps[k]
		rank := m.NumResults()
		opOffsets := make([]ir.OpFoldResult, rank)
		opSizes := make([]ir.OpFoldResult, rank)
		tiledResults := make([]ir.AffineExpr, rank)
		for j, e := range m.Results {
			if d, ok := m.PureDim(j); ok {
				opOffsets[j], opSizes[j] = offsets[d], sizes[d]
				tiledResults[j] = ir.Dim(d)
				continue
			}
			atShifted := ir.ReplaceAffine(e, shifted, nil)
			if ir.IsNonDecreasingInDims(e) {
				atOffsets := make([]ir.AffineExpr, numLoops)
				atLast := make([]ir.AffineExpr, numLoops)
				for d := range numLoops {
					atOffsets[d] = offsetSym(d)
					atLast[d] = ir.Add(offsetSym(d), ir.Sub(sizeSym(d), ir.Const(1)))
				}
				first := ir.ReplaceAffine(e, atOffsets, nil)
				last := ir.ReplaceAffine(e, atLast, nil)
				opOffsets[j] = b.ComposedApply(first, sliceSymbols)
				opSizes[j] = b.ComposedApply(ir.Add(ir.Sub(last, first), ir.Const(1)), sliceSymbols)
				tiledResults[j] = ir.SimplifyAffine(ir.Sub(atShifted, ir.ReplaceAffine(e, offsetExprs, nil)))
			} else {
				opOffsets[j] = ir.StaticIndex(0)
				opSizes[j] = b.DimSize(operand, j)
				tiledResults[j] = ir.SimplifyAffine(atShifted)
			}
		}
		tiledOperands[k] = b.ExtractSlice(operand, opOffsets, opSizes)
		tiledMaps[k] = ir.NewAffineMap(numLoops, len(tiledSymbols), tiledResults...)
		if k >= numInputs {
			resultOffsets = append(resultOffsets, opOffsets)
			resultSizes = append(resultSizes, opSizes)
		}
	}
	tiledMaps, tiledSymbols = compactSymbols(tiledMaps, tiledSymbols)

	oldBody := g.Body()
	rw := b.Rewriter()
	tiled = b.Generic(tiledOperands[:numInputs], tiledOperands[numInputs:], tiledSymbols, tiledMaps, g.IteratorTypes(),
		func(b *ir.Builder, args []*ir.Value) []*ir.Value {
			mapping := ir.NewMapping()
			mapping.MapAll(oldBody.Args(), args)
			ops := oldBody.Ops()
			for _, op := range ops[:len(ops)-1] {
				rw.Clone(op, mapping)
			}
			yields := oldBody.Terminator().Operands()
			for ii, y := range yields {
				yields[ii] = mapping.Lookup(y)
			}
			return yields
		})
	return
}

// compactSymbols removes the symbols not used by any of the maps, renumbering the others.
func compactSymbols(maps []ir.AffineMap, symbols []*ir.Value) ([]ir.AffineMap, []*ir.Value) {
	used := make([]bool, len(symbols))
	for _, m := range maps {
		for ii, u := range m.UsedSymbols() {
			used[ii] = used[ii] || u
		}
	}
	renumber := make([]ir.AffineExpr, len(symbols))
	var kept []*ir.Value
	for ii, u := range used {
		if u {
			renumber[ii] = ir.Sym(len(kept))
			kept = append(kept, symbols[ii])
		}
	}
	out := make([]ir.AffineMap, len(maps))
	for ii, m := range maps {
		results := make([]ir.AffineExpr, len(m.Results))
		for j, r := range m.Results {
			results[j] = ir.ReplaceAffine(r, nil, renumber)
		}
		out[ii] = ir.NewAffineMap(m.NumDims, len(kept), results...)
	}
	return out, kept
}
