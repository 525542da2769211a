// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
)

// OpKind identifies the operation, using the MLIR dialect.op naming.
type OpKind string

//goland:noinspection GoUnusedConst
const (
	KindConstant     OpKind = "arith.constant"
	KindAddI         OpKind = "arith.addi"
	KindAddF         OpKind = "arith.addf"
	KindMulI         OpKind = "arith.muli"
	KindMulF         OpKind = "arith.mulf"
	KindExtSI        OpKind = "arith.extsi"
	KindExtF         OpKind = "arith.extf"
	KindSIToFP       OpKind = "arith.sitofp"
	KindAffineApply  OpKind = "affine.apply"
	KindAffineMin    OpKind = "affine.min"
	KindDim          OpKind = "tensor.dim"
	KindCollapse     OpKind = "tensor.collapse_shape"
	KindExpand       OpKind = "tensor.expand_shape"
	KindExtractSlice OpKind = "tensor.extract_slice"
	KindInsertSlice  OpKind = "tensor.insert_slice"
	KindConv2D       OpKind = "linalg.conv_2d_nchw_fchw"
	KindGeneric      OpKind = "linalg.generic"
	KindLinalgYield  OpKind = "linalg.yield"
	KindFor          OpKind = "scf.for"
	KindYield        OpKind = "scf.yield"
	KindReturn       OpKind = "func.return"
)

// IsTerminator returns whether ops of this kind end a block.
func (k OpKind) IsTerminator() bool {
	return k == KindLinalgYield || k == KindYield || k == KindReturn
}

// Op is an operation in the IR: it takes operands, defines results and, for some kinds
// (scf.for and linalg.generic), holds a body Block.
//
// The kind-specific parameters (attributes) are stored in data, and are immutable: they are
// shared by cloned ops.
type Op struct {
	kind     OpKind
	operands []*Value
	results  []*Value
	body     *Block
	data     any

	parent *Block
	erased bool
}

// newOp creates a detached op and registers the uses of its operands.
func newOp(kind OpKind, operands []*Value, resultTypes []Type, data any, body *Block) *Op {
	op := &Op{kind: kind, data: data, body: body}
	op.operands = make([]*Value, len(operands))
	for ii, operand := range operands {
		if operand == nil {
			exceptions.Panicf("ir: nil operand #%d for %s", ii, kind)
		}
		op.operands[ii] = operand
		operand.addUse(op, ii)
	}
	op.results = make([]*Value, len(resultTypes))
	for ii, t := range resultTypes {
		op.results[ii] = &Value{typ: t, owner: op, index: ii}
	}
	if body != nil {
		if body.parentOp != nil {
			exceptions.Panicf("ir: body block for %s already owned by a %s", kind, body.parentOp.kind)
		}
		body.parentOp = op
	}
	return op
}

// Kind of the op.
func (op *Op) Kind() OpKind { return op.kind }

// Data returns the kind-specific attributes of the op.
func (op *Op) Data() any { return op.data }

// NumOperands of the op.
func (op *Op) NumOperands() int { return len(op.operands) }

// Operand returns the ii-th operand.
func (op *Op) Operand(ii int) *Value { return op.operands[ii] }

// Operands returns a copy of the operands of the op.
func (op *Op) Operands() []*Value { return slices.Clone(op.operands) }

// NumResults of the op.
func (op *Op) NumResults() int { return len(op.results) }

// Result returns the ii-th result.
func (op *Op) Result(ii int) *Value { return op.results[ii] }

// Results returns a copy of the results of the op.
func (op *Op) Results() []*Value { return slices.Clone(op.results) }

// Body returns the body block of the op, or nil if it doesn't have one.
func (op *Op) Body() *Block { return op.body }

// ParentBlock returns the block holding the op, or nil if it is detached.
func (op *Op) ParentBlock() *Block { return op.parent }

// ParentOp returns the op owning the block that holds op, or nil at the top level of a function.
func (op *Op) ParentOp() *Op {
	if op.parent == nil {
		return nil
	}
	return op.parent.parentOp
}

// IsErased returns whether the op has been erased.
func (op *Op) IsErased() bool { return op.erased }

// IsAncestorOf returns whether other is nested (at any depth) inside op.
func (op *Op) IsAncestorOf(other *Op) bool {
	for p := other.ParentOp(); p != nil; p = p.ParentOp() {
		if p == op {
			return true
		}
	}
	return false
}

// SetOperand replaces the ii-th operand, updating the use-lists.
func (op *Op) SetOperand(ii int, v *Value) {
	if v == nil {
		exceptions.Panicf("ir: SetOperand(%d, nil) on %s", ii, op.kind)
	}
	op.operands[ii].removeUse(op, ii)
	op.operands[ii] = v
	v.addUse(op, ii)
}

// dropUses removes the op (and its nested ops) from the use-lists of its operands.
func (op *Op) dropUses() {
	for ii, operand := range op.operands {
		operand.removeUse(op, ii)
	}
	if op.body != nil {
		for _, inner := range op.body.ops {
			inner.dropUses()
		}
	}
}

// Walk visits op and all ops nested in it, in pre-order. If fn returns false, the
// ops nested in the visited op are skipped.
func (op *Op) Walk(fn func(op *Op) bool) {
	if !fn(op) || op.body == nil {
		return
	}
	for _, inner := range slices.Clone(op.body.ops) {
		inner.Walk(fn)
	}
}

// String returns a short description of the op, for debugging. Use Print for the full IR.
func (op *Op) String() string {
	return fmt.Sprintf("%s(%d operands -> %d results)", op.kind, len(op.operands), len(op.results))
}

// ConstantAttr holds the value of an arith.constant. Index and integer constants use Int,
// floating point constants use Float.
type ConstantAttr struct {
	Int   int64
	Float float64
}

// AffineAttr holds the map of affine.apply (one result) and affine.min. The operands of the
// op are bound to the map's dims followed by its symbols.
type AffineAttr struct {
	Map AffineMap
}

// DimAttr holds the axis of a tensor.dim.
type DimAttr struct {
	Axis int
}

// ReshapeAttr holds the reassociation of tensor.collapse_shape and tensor.expand_shape:
// for each axis of the collapsed tensor, the list of axes of the expanded one.
type ReshapeAttr struct {
	Reassociation [][]int
}

// DynamicSize marks an entry of a SliceAttr given by an operand.
const DynamicSize = int64(-1) << 62

// SliceAttr holds the static offsets and sizes of tensor.extract_slice and tensor.insert_slice.
// Entries equal to DynamicSize are given by the op's operands, in order: first the dynamic
// offsets and then the dynamic sizes. Strides are always 1.
type SliceAttr struct {
	StaticOffsets []int64
	StaticSizes   []int64
}

// ConvAttr holds the parameters of linalg.conv_2d_nchw_fchw.
type ConvAttr struct {
	Strides   [2]int
	Dilations [2]int
}

// IteratorType of a loop dimension of a linalg.generic.
type IteratorType int

const (
	Parallel IteratorType = iota
	Reduction
)

// String implements fmt.Stringer.
func (it IteratorType) String() string {
	if it == Reduction {
		return "reduction"
	}
	return "parallel"
}

// GenericAttr holds the structure of a linalg.generic.
//
// The op's operands are NumInputs inputs, followed by the outputs (one per result),
// followed by NumSymbols index values bound to the symbols of the indexing maps.
// There is one indexing map per input and output.
type GenericAttr struct {
	IndexingMaps  []AffineMap
	IteratorTypes []IteratorType
	NumInputs     int
	NumSymbols    int
}

// NumLoops returns the number of loop dimensions of the generic.
func (attr GenericAttr) NumLoops() int { return len(attr.IteratorTypes) }
