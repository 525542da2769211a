// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sconv/types/shapes"
)

// Builder creates well-typed ops through a Rewriter, at the rewriter's insertion point.
type Builder struct {
	rw Rewriter
}

// NewBuilder returns a Builder that creates ops with rw.
func NewBuilder(rw Rewriter) *Builder {
	return &Builder{rw: rw}
}

// Rewriter used by the builder.
func (b *Builder) Rewriter() Rewriter { return b.rw }

// SetInsertionPoint of the underlying rewriter.
func (b *Builder) SetInsertionPoint(ip InsertionPoint) *Builder {
	b.rw.SetInsertionPoint(ip)
	return b
}

// withInsertionPoint runs fn with the given insertion point, restoring the previous one afterwards.
func (b *Builder) withInsertionPoint(ip InsertionPoint, fn func()) {
	saved := b.rw.InsertionPoint()
	b.rw.SetInsertionPoint(ip)
	defer b.rw.SetInsertionPoint(saved)
	fn()
}

// ConstantIndex creates an index constant.
func (b *Builder) ConstantIndex(c int64) *Value {
	return b.rw.Create(KindConstant, nil, []Type{IndexType()}, ConstantAttr{Int: c}, nil).Result(0)
}

// ConstantScalar creates a scalar constant of the given dtype.
func (b *Builder) ConstantScalar(dtype dtypes.DType, value float64) *Value {
	attr := ConstantAttr{Float: value}
	if shapes.IsIntegerKind(dtype) {
		attr = ConstantAttr{Int: int64(value)}
	}
	return b.rw.Create(KindConstant, nil, []Type{ScalarType(dtype)}, attr, nil).Result(0)
}

// Materialize returns a Value for the index, creating a constant if it is static.
func (b *Builder) Materialize(r OpFoldResult) *Value {
	if r.IsStatic() {
		return b.ConstantIndex(r.Static())
	}
	return r.Value()
}

func (b *Builder) binary(kind OpKind, lhs, rhs *Value) *Value {
	if !lhs.typ.Equal(rhs.typ) {
		exceptions.Panicf("ir: %s with different operand types %s and %s", kind, lhs.typ, rhs.typ)
	}
	return b.rw.Create(kind, []*Value{lhs, rhs}, []Type{lhs.typ}, nil, nil).Result(0)
}

// Add creates an arith.addi or arith.addf depending on the element type.
func (b *Builder) Add(lhs, rhs *Value) *Value {
	if shapes.IsFloatKind(lhs.typ.DType()) {
		return b.binary(KindAddF, lhs, rhs)
	}
	return b.binary(KindAddI, lhs, rhs)
}

// Mul creates an arith.muli or arith.mulf depending on the element type.
func (b *Builder) Mul(lhs, rhs *Value) *Value {
	if shapes.IsFloatKind(lhs.typ.DType()) {
		return b.binary(KindMulF, lhs, rhs)
	}
	return b.binary(KindMulI, lhs, rhs)
}

// Widen converts a scalar to the given dtype with a signed extension: arith.extsi between
// integers, arith.sitofp from integer to float and arith.extf between floats.
// It is a no-op if the dtype is already the same.
func (b *Builder) Widen(x *Value, dtype dtypes.DType) *Value {
	from := x.typ.DType()
	if from == dtype {
		return x
	}
	kind, ok := widenKind(from, dtype)
	if !ok {
		exceptions.Panicf("ir.Widen: cannot widen %s to %s", from, dtype)
	}
	return b.rw.Create(kind, []*Value{x}, []Type{ScalarType(dtype)}, nil, nil).Result(0)
}

// CanWiden returns whether Builder.Widen can convert from one dtype to the other.
func CanWiden(from, to dtypes.DType) bool {
	if from == to {
		return true
	}
	_, ok := widenKind(from, to)
	return ok
}

func widenKind(from, to dtypes.DType) (OpKind, bool) {
	switch {
	case shapes.IsIntegerKind(from) && shapes.IsIntegerKind(to) && shapes.Bits(from) < shapes.Bits(to):
		return KindExtSI, true
	case shapes.IsIntegerKind(from) && shapes.IsFloatKind(to):
		return KindSIToFP, true
	case shapes.IsFloatKind(from) && shapes.IsFloatKind(to) && shapes.Bits(from) < shapes.Bits(to):
		return KindExtF, true
	}
	return "", false
}

// AffineApply creates an affine.apply of a single-result map. Operands are bound to the
// map's dims followed by its symbols.
func (b *Builder) AffineApply(m AffineMap, operands ...*Value) *Value {
	if m.NumResults() != 1 {
		exceptions.Panicf("ir.AffineApply: map %s must have exactly one result", m)
	}
	b.checkAffineOperands(m, operands)
	return b.rw.Create(KindAffineApply, operands, []Type{IndexType()}, AffineAttr{Map: m}, nil).Result(0)
}

// AffineMin creates an affine.min: the minimum of all the results of the map.
func (b *Builder) AffineMin(m AffineMap, operands ...*Value) *Value {
	if m.NumResults() == 0 {
		exceptions.Panicf("ir.AffineMin: map %s has no results", m)
	}
	b.checkAffineOperands(m, operands)
	return b.rw.Create(KindAffineMin, operands, []Type{IndexType()}, AffineAttr{Map: m}, nil).Result(0)
}

func (b *Builder) checkAffineOperands(m AffineMap, operands []*Value) {
	if len(operands) != m.NumDims+m.NumSymbols {
		exceptions.Panicf("ir: affine map %s takes %d operands, got %d", m, m.NumDims+m.NumSymbols, len(operands))
	}
	for ii, v := range operands {
		if !v.typ.IsIndex() {
			exceptions.Panicf("ir: affine operand #%d must be an index, got %s", ii, v.typ)
		}
	}
}

// ComposedApply evaluates expr, whose symbols are bound to operands, folding it to a
// constant when possible, returning an operand directly if expr is just one symbol, and
// otherwise creating an affine.apply with only the symbols actually used.
func (b *Builder) ComposedApply(expr AffineExpr, operands []OpFoldResult) OpFoldResult {
	// Substitute static operands by their constant.
	repl := make([]AffineExpr, len(operands))
	for ii, r := range operands {
		if r.IsStatic() {
			repl[ii] = Const(r.Static())
		}
	}
	expr = SimplifyAffine(ReplaceAffine(expr, nil, repl))
	if c, ok := AsConstant(expr); ok {
		return StaticIndex(c)
	}
	if s, ok := expr.(SymbolExpr); ok {
		return operands[s.Position]
	}

	// Compact the used symbols.
	m := NewAffineMap(0, len(operands), expr)
	used := m.UsedSymbols()
	renumber := make([]AffineExpr, len(operands))
	var values []*Value
	for ii, isUsed := range used {
		if isUsed {
			renumber[ii] = Sym(len(values))
			values = append(values, operands[ii].Value())
		}
	}
	m = NewAffineMap(0, len(values), ReplaceAffine(expr, nil, renumber))
	return DynamicIndex(b.AffineApply(m, values...))
}

// TensorDim creates a tensor.dim op.
func (b *Builder) TensorDim(t *Value, axis int) *Value {
	if !t.typ.IsTensor() || axis < 0 || axis >= t.typ.Shape.Rank() {
		exceptions.Panicf("ir.TensorDim: invalid axis %d for %s", axis, t.typ)
	}
	return b.rw.Create(KindDim, []*Value{t}, []Type{IndexType()}, DimAttr{Axis: axis}, nil).Result(0)
}

// DimSize returns the dimension of t at axis: static if known, otherwise a tensor.dim is created.
func (b *Builder) DimSize(t *Value, axis int) OpFoldResult {
	dim := t.typ.Shape.Dim(axis)
	if dim != shapes.DynamicDim {
		return StaticIndex(int64(dim))
	}
	return DynamicIndex(b.TensorDim(t, axis))
}

// CollapseShape creates a tensor.collapse_shape merging groups of consecutive axes.
func (b *Builder) CollapseShape(src *Value, reassociation [][]int) *Value {
	srcShape := src.typ.Shape
	checkReassociation(reassociation, srcShape.Rank())
	dims := make([]int, len(reassociation))
	for ii, group := range reassociation {
		dims[ii] = 1
		for _, axis := range group {
			if srcShape.Dimensions[axis] == shapes.DynamicDim {
				dims[ii] = shapes.DynamicDim
				break
			}
			dims[ii] *= srcShape.Dimensions[axis]
		}
	}
	t := TensorType(shapes.Make(srcShape.DType, dims...))
	return b.rw.Create(KindCollapse, []*Value{src}, []Type{t}, ReshapeAttr{Reassociation: cloneReassociation(reassociation)}, nil).Result(0)
}

// ExpandShape creates a tensor.expand_shape splitting the axes of src into the groups given
// by reassociation, to the given result shape.
func (b *Builder) ExpandShape(src *Value, reassociation [][]int, result shapes.Shape) *Value {
	checkReassociation(reassociation, result.Rank())
	if len(reassociation) != src.typ.Shape.Rank() {
		exceptions.Panicf("ir.ExpandShape: reassociation %v doesn't match source %s", reassociation, src.typ)
	}
	for ii, group := range reassociation {
		size := 1
		for _, axis := range group {
			size *= result.Dimensions[axis]
		}
		if srcDim := src.typ.Shape.Dimensions[ii]; srcDim != shapes.DynamicDim && srcDim != size {
			exceptions.Panicf("ir.ExpandShape: cannot expand axis %d of %s to %v", ii, src.typ, result)
		}
	}
	return b.rw.Create(KindExpand, []*Value{src}, []Type{TensorType(result)}, ReshapeAttr{Reassociation: cloneReassociation(reassociation)}, nil).Result(0)
}

func checkReassociation(reassociation [][]int, rank int) {
	next := 0
	for _, group := range reassociation {
		for _, axis := range group {
			if axis != next {
				exceptions.Panicf("ir: invalid reassociation %v for rank %d", reassociation, rank)
			}
			next++
		}
	}
	if next != rank {
		exceptions.Panicf("ir: reassociation %v doesn't cover rank %d", reassociation, rank)
	}
}

func cloneReassociation(reassociation [][]int) [][]int {
	out := make([][]int, len(reassociation))
	for ii, group := range reassociation {
		out[ii] = slices.Clone(group)
	}
	return out
}

// sliceOperands splits offsets and sizes into the static attributes and the dynamic operands.
func sliceOperands(offsets, sizes []OpFoldResult) (SliceAttr, []*Value) {
	attr := SliceAttr{StaticOffsets: make([]int64, len(offsets)), StaticSizes: make([]int64, len(sizes))}
	var dynamic []*Value
	for ii, r := range offsets {
		if r.IsStatic() {
			attr.StaticOffsets[ii] = r.Static()
		} else {
			attr.StaticOffsets[ii] = DynamicSize
			dynamic = append(dynamic, r.Value())
		}
	}
	for ii, r := range sizes {
		if r.IsStatic() {
			attr.StaticSizes[ii] = r.Static()
		} else {
			attr.StaticSizes[ii] = DynamicSize
			dynamic = append(dynamic, r.Value())
		}
	}
	return attr, dynamic
}

func checkSliceBounds(kind OpKind, shape shapes.Shape, offsets, sizes []OpFoldResult) {
	if len(offsets) != shape.Rank() || len(sizes) != shape.Rank() {
		exceptions.Panicf("ir: %s of %s with %d offsets and %d sizes", kind, shape, len(offsets), len(sizes))
	}
	for axis := range offsets {
		dim := shape.Dimensions[axis]
		off, size := offsets[axis], sizes[axis]
		if size.IsStatic() && size.Static() <= 0 {
			exceptions.Panicf("ir: %s of %s with non-positive size %d at axis %d", kind, shape, size.Static(), axis)
		}
		if off.IsStatic() && size.IsStatic() && dim != shapes.DynamicDim && off.Static()+size.Static() > int64(dim) {
			exceptions.Panicf("ir: %s of %s out-of-bounds at axis %d: offset %d, size %d", kind, shape, axis, off.Static(), size.Static())
		}
	}
}

// ExtractSlice creates a tensor.extract_slice of src, with unit strides.
func (b *Builder) ExtractSlice(src *Value, offsets, sizes []OpFoldResult) *Value {
	checkSliceBounds(KindExtractSlice, src.typ.Shape, offsets, sizes)
	attr, dynamic := sliceOperands(offsets, sizes)
	dims := make([]int, len(sizes))
	for ii, size := range sizes {
		if size.IsStatic() {
			dims[ii] = int(size.Static())
		} else {
			dims[ii] = shapes.DynamicDim
		}
	}
	t := TensorType(shapes.Make(src.typ.DType(), dims...))
	operands := append([]*Value{src}, dynamic...)
	return b.rw.Create(KindExtractSlice, operands, []Type{t}, attr, nil).Result(0)
}

// InsertSlice creates a tensor.insert_slice of src into dest: it returns dest with the
// slice given by offsets and sizes replaced by src.
func (b *Builder) InsertSlice(src, dest *Value, offsets, sizes []OpFoldResult) *Value {
	checkSliceBounds(KindInsertSlice, dest.typ.Shape, offsets, sizes)
	if src.typ.Shape.Rank() != dest.typ.Shape.Rank() || src.typ.DType() != dest.typ.DType() {
		exceptions.Panicf("ir.InsertSlice: source %s incompatible with destination %s", src.typ, dest.typ)
	}
	attr, dynamic := sliceOperands(offsets, sizes)
	operands := append([]*Value{src, dest}, dynamic...)
	return b.rw.Create(KindInsertSlice, operands, []Type{dest.typ}, attr, nil).Result(0)
}

// Conv2D creates a linalg.conv_2d_nchw_fchw accumulating into output.
func (b *Builder) Conv2D(input, filter, output *Value, strides, dilations [2]int) *Value {
	for _, v := range []*Value{input, filter, output} {
		if !v.typ.IsTensor() || v.typ.Shape.Rank() != 4 {
			exceptions.Panicf("ir.Conv2D: operands must be rank-4 tensors, got %s", v.typ)
		}
	}
	attr := ConvAttr{Strides: strides, Dilations: dilations}
	return b.rw.Create(KindConv2D, []*Value{input, filter, output}, []Type{output.typ}, attr, nil).Result(0)
}

// GenericBodyFn builds the body of a linalg.generic: it receives the scalar elements of the
// inputs and outputs, and returns the values to yield, one per output.
type GenericBodyFn func(b *Builder, args []*Value) []*Value

// Generic creates a linalg.generic. symbols are the index values bound to the symbols of the
// indexing maps.
func (b *Builder) Generic(inputs, outputs, symbols []*Value, indexingMaps []AffineMap,
	iteratorTypes []IteratorType, bodyFn GenericBodyFn) *Op {
	numLoops := len(iteratorTypes)
	if len(indexingMaps) != len(inputs)+len(outputs) {
		exceptions.Panicf("ir.Generic: %d indexing maps for %d operands", len(indexingMaps), len(inputs)+len(outputs))
	}
	operandsAndOutputs := slices.Concat(inputs, outputs)
	for ii, m := range indexingMaps {
		if m.NumDims != numLoops || m.NumSymbols != len(symbols) {
			exceptions.Panicf("ir.Generic: map #%d %s must have %d dims and %d symbols", ii, m, numLoops, len(symbols))
		}
		if rank := operandsAndOutputs[ii].typ.Shape.Rank(); m.NumResults() != rank {
			exceptions.Panicf("ir.Generic: map #%d %s doesn't match operand rank %d", ii, m, rank)
		}
	}
	argTypes := make([]Type, len(operandsAndOutputs))
	for ii, v := range operandsAndOutputs {
		argTypes[ii] = ScalarType(v.typ.DType())
	}
	resultTypes := make([]Type, len(outputs))
	for ii, v := range outputs {
		resultTypes[ii] = v.typ
	}
	body := NewBlock(argTypes...)
	attr := GenericAttr{
		IndexingMaps:  slices.Clone(indexingMaps),
		IteratorTypes: slices.Clone(iteratorTypes),
		NumInputs:     len(inputs),
		NumSymbols:    len(symbols),
	}
	op := b.rw.Create(KindGeneric, slices.Concat(inputs, outputs, symbols), resultTypes, attr, body)
	b.withInsertionPoint(AtEnd(body), func() {
		yields := bodyFn(b, body.Args())
		if len(yields) != len(outputs) {
			exceptions.Panicf("ir.Generic: body yields %d values for %d outputs", len(yields), len(outputs))
		}
		b.rw.Create(KindLinalgYield, yields, nil, nil, nil)
	})
	return op
}

// ForBodyFn builds the body of an scf.for: it receives the induction variable and the
// loop-carried values, and returns the values to yield for the next iteration.
type ForBodyFn func(b *Builder, iv *Value, iterArgs []*Value) []*Value

// For creates an scf.for loop from lb to ub (exclusive) with the given step, carrying the
// values inits.
func (b *Builder) For(lb, ub, step *Value, inits []*Value, bodyFn ForBodyFn) *Op {
	for _, v := range []*Value{lb, ub, step} {
		if !v.typ.IsIndex() {
			exceptions.Panicf("ir.For: bounds and step must be index values, got %s", v.typ)
		}
	}
	argTypes := []Type{IndexType()}
	resultTypes := make([]Type, len(inits))
	for ii, v := range inits {
		argTypes = append(argTypes, v.typ)
		resultTypes[ii] = v.typ
	}
	body := NewBlock(argTypes...)
	op := b.rw.Create(KindFor, slices.Concat([]*Value{lb, ub, step}, inits), resultTypes, nil, body)
	b.withInsertionPoint(AtEnd(body), func() {
		yields := bodyFn(b, body.args[0], body.Args()[1:])
		b.Yield(yields...)
	})
	return op
}

// Yield creates an scf.yield.
func (b *Builder) Yield(values ...*Value) *Op {
	return b.rw.Create(KindYield, values, nil, nil, nil)
}

// Return creates the func.return.
func (b *Builder) Return(values ...*Value) *Op {
	return b.rw.Create(KindReturn, values, nil, nil, nil)
}
