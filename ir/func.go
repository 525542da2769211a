// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"github.com/gomlx/exceptions"
)

// Func is a function: a named body block whose arguments are the function parameters, and
// whose func.return terminator gives the function results.
type Func struct {
	Name string
	body *Block
}

// NewFunc creates an empty function with parameters of the given types.
// Use a Builder to populate it, and finish with Builder.Return.
func NewFunc(name string, argTypes ...Type) *Func {
	fn := &Func{Name: name, body: NewBlock(argTypes...)}
	fn.body.fn = fn
	return fn
}

// Body of the function.
func (fn *Func) Body() *Block { return fn.body }

// Args are the function parameters.
func (fn *Func) Args() []*Value { return fn.body.Args() }

// Return op of the function, or nil if not yet created.
func (fn *Func) Return() *Op {
	term := fn.body.Terminator()
	if term == nil || term.kind != KindReturn {
		return nil
	}
	return term
}

// ResultTypes of the function, taken from the func.return.
func (fn *Func) ResultTypes() []Type {
	ret := fn.Return()
	if ret == nil {
		return nil
	}
	types := make([]Type, len(ret.operands))
	for ii, v := range ret.operands {
		types[ii] = v.typ
	}
	return types
}

// Walk visits all ops of the function in pre-order. See Op.Walk.
func (fn *Func) Walk(visit func(op *Op) bool) {
	for _, op := range fn.body.Ops() {
		op.Walk(visit)
	}
}

// OpsOfKind returns all ops of the given kind, in pre-order.
func (fn *Func) OpsOfKind(kind OpKind) []*Op {
	var ops []*Op
	fn.Walk(func(op *Op) bool {
		if op.kind == kind {
			ops = append(ops, op)
		}
		return true
	})
	return ops
}

// Clone returns a deep copy of the function, and the mapping from the values and ops of fn
// to the ones of the copy.
func (fn *Func) Clone() (*Func, *Mapping) {
	types := make([]Type, len(fn.body.args))
	for ii, arg := range fn.body.args {
		types[ii] = arg.typ
	}
	clone := NewFunc(fn.Name, types...)
	mapping := NewMapping()
	for ii, arg := range fn.body.args {
		mapping.Map(arg, clone.body.args[ii])
	}
	for _, op := range fn.body.ops {
		clone.body.insert(len(clone.body.ops), cloneOp(op, mapping))
	}
	return clone, mapping
}

// RestoreFrom moves the body of the snapshot into fn, replacing its current contents.
// The snapshot must not be used afterwards.
func (fn *Func) RestoreFrom(snapshot *Func) {
	if snapshot == fn {
		exceptions.Panicf("ir: Func.RestoreFrom(itself)")
	}
	fn.body.fn = nil
	fn.body = snapshot.body
	fn.body.fn = fn
	snapshot.body = nil
}
