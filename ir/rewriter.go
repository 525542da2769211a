// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// Rewriter is the set of primitives used to create and transform the IR. Passes should only
// mutate the IR through a Rewriter, so listeners (e.g. the transform framework tracking its
// handles) are notified.
type Rewriter interface {
	// InsertionPoint returns the current insertion point.
	InsertionPoint() InsertionPoint

	// SetInsertionPoint where new ops are inserted by Create and Clone.
	SetInsertionPoint(ip InsertionPoint)

	// Create a new op at the insertion point. If body is not nil, it becomes the op's body.
	Create(kind OpKind, operands []*Value, resultTypes []Type, data any, body *Block) *Op

	// Clone op (and its body) at the insertion point. Operands are remapped through mapping,
	// and the mapping is extended with the results (and nested values) of the clone.
	Clone(op *Op, mapping *Mapping) *Op

	// ReplaceAllUsesWith replaces every use of from by to.
	ReplaceAllUsesWith(from, to *Value)

	// ReplaceOp replaces all uses of op's results with values, and erases op.
	ReplaceOp(op *Op, values []*Value)

	// Erase op (and its body). Its results must have no uses left.
	Erase(op *Op)
}

// Listener is notified of the destructive changes made by a PatternRewriter.
type Listener interface {
	NotifyOpReplaced(op *Op, values []*Value)
	NotifyOpErased(op *Op)
}

// PatternRewriter is the default implementation of Rewriter.
type PatternRewriter struct {
	ip        InsertionPoint
	listeners []Listener
}

// NewRewriter returns a PatternRewriter with no insertion point set.
func NewRewriter() *PatternRewriter {
	return &PatternRewriter{}
}

// AddListener registers a listener to the changes done by the rewriter.
func (rw *PatternRewriter) AddListener(l Listener) *PatternRewriter {
	rw.listeners = append(rw.listeners, l)
	return rw
}

// InsertionPoint implements Rewriter.
func (rw *PatternRewriter) InsertionPoint() InsertionPoint { return rw.ip }

// SetInsertionPoint implements Rewriter.
func (rw *PatternRewriter) SetInsertionPoint(ip InsertionPoint) { rw.ip = ip }

// Create implements Rewriter.
func (rw *PatternRewriter) Create(kind OpKind, operands []*Value, resultTypes []Type, data any, body *Block) *Op {
	op := newOp(kind, operands, resultTypes, data, body)
	rw.ip.insert(op)
	return op
}

// Clone implements Rewriter.
func (rw *PatternRewriter) Clone(op *Op, mapping *Mapping) *Op {
	clone := cloneOp(op, mapping)
	rw.ip.insert(clone)
	return clone
}

// ReplaceAllUsesWith implements Rewriter.
func (rw *PatternRewriter) ReplaceAllUsesWith(from, to *Value) {
	if from == to {
		return
	}
	if !from.typ.Equal(to.typ) && !(from.typ.IsTensor() && to.typ.IsTensor() && from.typ.Shape.Compatible(to.typ.Shape)) {
		exceptions.Panicf("ir: cannot replace value of type %s with value of type %s", from.typ, to.typ)
	}
	for _, use := range from.Uses() {
		use.Op.SetOperand(use.Index, to)
	}
}

// ReplaceOp implements Rewriter.
func (rw *PatternRewriter) ReplaceOp(op *Op, values []*Value) {
	if len(values) != len(op.results) {
		exceptions.Panicf("ir: replacing %s with %d results by %d values", op.kind, len(op.results), len(values))
	}
	for _, l := range rw.listeners {
		l.NotifyOpReplaced(op, values)
	}
	for ii, result := range op.results {
		rw.ReplaceAllUsesWith(result, values[ii])
	}
	rw.Erase(op)
}

// Erase implements Rewriter.
func (rw *PatternRewriter) Erase(op *Op) {
	if op.erased {
		exceptions.Panicf("ir: %s erased twice", op.kind)
	}
	for _, result := range op.results {
		for _, use := range result.uses {
			if !op.IsAncestorOf(use.Op) {
				exceptions.Panicf("ir: erasing %s whose result #%d is still used by %s", op.kind, result.index, use.Op.kind)
			}
		}
	}
	if rw.ip.Before == op {
		rw.ip = AfterOp(op)
	}
	klog.V(3).Infof("ir: erasing %s", op.kind)
	op.Walk(func(inner *Op) bool {
		for _, l := range rw.listeners {
			l.NotifyOpErased(inner)
		}
		return true
	})
	op.dropUses()
	if op.parent != nil {
		op.parent.remove(op)
	}
	op.Walk(func(inner *Op) bool {
		inner.erased = true
		return true
	})
}

// Mapping from values (and ops) of the original IR to their clones.
type Mapping struct {
	values map[*Value]*Value
	ops    map[*Op]*Op
}

// NewMapping returns an empty mapping.
func NewMapping() *Mapping {
	return &Mapping{values: make(map[*Value]*Value), ops: make(map[*Op]*Op)}
}

// Map from to to.
func (m *Mapping) Map(from, to *Value) {
	m.values[from] = to
}

// MapAll maps from[ii] to to[ii].
func (m *Mapping) MapAll(from, to []*Value) {
	if len(from) != len(to) {
		exceptions.Panicf("ir: Mapping.MapAll with %d and %d values", len(from), len(to))
	}
	for ii := range from {
		m.values[from[ii]] = to[ii]
	}
}

// Lookup returns the value mapped to v, or v itself if it is not mapped.
func (m *Mapping) Lookup(v *Value) *Value {
	if to, found := m.values[v]; found {
		return to
	}
	return v
}

// Contains returns whether v is mapped.
func (m *Mapping) Contains(v *Value) bool {
	_, found := m.values[v]
	return found
}

// LookupOp returns the clone of op, or nil if it was not cloned with this mapping.
func (m *Mapping) LookupOp(op *Op) *Op {
	return m.ops[op]
}

// cloneOp creates a detached clone of op, recursively cloning its body.
func cloneOp(op *Op, mapping *Mapping) *Op {
	operands := make([]*Value, len(op.operands))
	for ii, operand := range op.operands {
		operands[ii] = mapping.Lookup(operand)
	}
	resultTypes := make([]Type, len(op.results))
	for ii, result := range op.results {
		resultTypes[ii] = result.typ
	}
	var body *Block
	if op.body != nil {
		argTypes := make([]Type, len(op.body.args))
		for ii, arg := range op.body.args {
			argTypes[ii] = arg.typ
		}
		body = NewBlock(argTypes...)
		mapping.MapAll(op.body.args, body.args)
		for _, inner := range op.body.ops {
			body.insert(len(body.ops), cloneOp(inner, mapping))
		}
	}
	clone := newOp(op.kind, operands, resultTypes, op.data, body)
	mapping.MapAll(op.results, clone.results)
	mapping.ops[op] = clone
	return clone
}
