// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

// ForOp is a typed view of an scf.for op.
type ForOp struct{ *Op }

// AsFor returns a ForOp view if op is an scf.for.
func AsFor(op *Op) (ForOp, bool) {
	if op == nil || op.kind != KindFor {
		return ForOp{}, false
	}
	return ForOp{op}, true
}

// LowerBound of the loop.
func (f ForOp) LowerBound() *Value { return f.operands[0] }

// UpperBound (exclusive) of the loop.
func (f ForOp) UpperBound() *Value { return f.operands[1] }

// Step of the loop.
func (f ForOp) Step() *Value { return f.operands[2] }

// Inits are the initial values of the loop-carried values.
func (f ForOp) Inits() []*Value { return f.Operands()[3:] }

// NumIterArgs returns the number of loop-carried values.
func (f ForOp) NumIterArgs() int { return len(f.operands) - 3 }

// InductionVar is the first block argument of the body.
func (f ForOp) InductionVar() *Value { return f.body.args[0] }

// RegionIterArgs are the loop-carried values as seen in the body.
func (f ForOp) RegionIterArgs() []*Value { return f.body.Args()[1:] }

// YieldOp is the terminator of the body.
func (f ForOp) YieldOp() *Op { return f.body.Terminator() }

// GenericOp is a typed view of a linalg.generic op.
type GenericOp struct{ *Op }

// AsGeneric returns a GenericOp view if op is a linalg.generic.
func AsGeneric(op *Op) (GenericOp, bool) {
	if op == nil || op.kind != KindGeneric {
		return GenericOp{}, false
	}
	return GenericOp{op}, true
}

// Attr returns the structure of the generic.
func (g GenericOp) Attr() GenericAttr { return g.data.(GenericAttr) }

// Inputs of the generic.
func (g GenericOp) Inputs() []*Value { return g.Operands()[:g.Attr().NumInputs] }

// Outputs (initial values of the results) of the generic.
func (g GenericOp) Outputs() []*Value {
	return g.Operands()[g.Attr().NumInputs : g.Attr().NumInputs+len(g.results)]
}

// DpsOperands returns inputs followed by outputs, in the order of the indexing maps.
func (g GenericOp) DpsOperands() []*Value {
	return g.Operands()[:g.Attr().NumInputs+len(g.results)]
}

// SymbolOperands are the index values bound to the symbols of the indexing maps.
func (g GenericOp) SymbolOperands() []*Value {
	return g.Operands()[g.Attr().NumInputs+len(g.results):]
}

// IndexingMaps of the inputs followed by the outputs.
func (g GenericOp) IndexingMaps() []AffineMap { return g.Attr().IndexingMaps }

// IteratorTypes of the loop dimensions.
func (g GenericOp) IteratorTypes() []IteratorType { return g.Attr().IteratorTypes }

// NumLoops of the generic.
func (g GenericOp) NumLoops() int { return g.Attr().NumLoops() }

// SliceOp is a typed view of tensor.extract_slice and tensor.insert_slice.
type SliceOp struct{ *Op }

// AsSlice returns a SliceOp view if op is an extract or insert slice.
func AsSlice(op *Op) (SliceOp, bool) {
	if op == nil || (op.kind != KindExtractSlice && op.kind != KindInsertSlice) {
		return SliceOp{}, false
	}
	return SliceOp{op}, true
}

// IsInsert returns whether it is a tensor.insert_slice.
func (s SliceOp) IsInsert() bool { return s.kind == KindInsertSlice }

// Source tensor: the one sliced for extract_slice, or the one inserted for insert_slice.
func (s SliceOp) Source() *Value { return s.operands[0] }

// Dest is the tensor inserted into, or nil for extract_slice.
func (s SliceOp) Dest() *Value {
	if !s.IsInsert() {
		return nil
	}
	return s.operands[1]
}

// Attr returns the static offsets and sizes.
func (s SliceOp) Attr() SliceAttr { return s.data.(SliceAttr) }

func (s SliceOp) firstDynamic() int {
	if s.IsInsert() {
		return 2
	}
	return 1
}

// OffsetsAndSizes of the slice, static or dynamic.
func (s SliceOp) OffsetsAndSizes() (offsets, sizes []OpFoldResult) {
	attr := s.Attr()
	next := s.firstDynamic()
	resolve := func(static []int64) []OpFoldResult {
		out := make([]OpFoldResult, len(static))
		for ii, c := range static {
			if c == DynamicSize {
				out[ii] = OpFoldResult{value: s.operands[next]}
				next++
			} else {
				out[ii] = StaticIndex(c)
			}
		}
		return out
	}
	offsets = resolve(attr.StaticOffsets)
	sizes = resolve(attr.StaticSizes)
	return
}

// ConvOp is a typed view of linalg.conv_2d_nchw_fchw.
type ConvOp struct{ *Op }

// AsConv returns a ConvOp view if op is a linalg.conv_2d_nchw_fchw.
func AsConv(op *Op) (ConvOp, bool) {
	if op == nil || op.kind != KindConv2D {
		return ConvOp{}, false
	}
	return ConvOp{op}, true
}

// Input image, NCHW.
func (c ConvOp) Input() *Value { return c.operands[0] }

// Filter, FCHW.
func (c ConvOp) Filter() *Value { return c.operands[1] }

// Output initial value (accumulated into), NFHW.
func (c ConvOp) Output() *Value { return c.operands[2] }

// Attr returns strides and dilations.
func (c ConvOp) Attr() ConvAttr { return c.data.(ConvAttr) }
