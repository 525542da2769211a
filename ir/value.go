// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"slices"

	"github.com/gomlx/sconv/types/shapes"
)

// Value is an SSA value: either the result of an Op or an argument of a Block.
//
// Values keep track of their uses, so they can be replaced in all their users.
type Value struct {
	typ Type

	// Exactly one of owner or block is set.
	owner *Op
	block *Block
	index int

	uses []Use
}

// Use is one operand of an Op using a Value.
type Use struct {
	Op    *Op
	Index int
}

// Type of the value.
func (v *Value) Type() Type { return v.typ }

// Shape of the value. It implements shapes.HasShape.
func (v *Value) Shape() shapes.Shape { return v.typ.Shape }

// DefiningOp returns the op that defines the value, or nil if it is a block argument.
func (v *Value) DefiningOp() *Op { return v.owner }

// ParentBlock returns the block that holds the value's definition.
func (v *Value) ParentBlock() *Block {
	if v.owner != nil {
		return v.owner.parent
	}
	return v.block
}

// IsBlockArg returns whether the value is an argument of a block.
func (v *Value) IsBlockArg() bool { return v.block != nil }

// Index is the position of the value in its defining op results, or in its block arguments.
func (v *Value) Index() int { return v.index }

// Uses returns a copy of the current uses of the value.
func (v *Value) Uses() []Use { return slices.Clone(v.uses) }

// HasUses returns whether the value is used by any op.
func (v *Value) HasUses() bool { return len(v.uses) > 0 }

// Users returns the ops using the value, without repetitions, in order of use.
func (v *Value) Users() []*Op {
	var users []*Op
	for _, use := range v.uses {
		if !slices.Contains(users, use.Op) {
			users = append(users, use.Op)
		}
	}
	return users
}

func (v *Value) addUse(op *Op, index int) {
	v.uses = append(v.uses, Use{Op: op, Index: index})
}

func (v *Value) removeUse(op *Op, index int) {
	for ii, use := range v.uses {
		if use.Op == op && use.Index == index {
			v.uses = slices.Delete(v.uses, ii, ii+1)
			return
		}
	}
}

// String returns a short description of the value, for debugging.
func (v *Value) String() string {
	if v == nil {
		return "<nil value>"
	}
	if v.owner != nil {
		return fmt.Sprintf("%s#%d : %s", v.owner.kind, v.index, v.typ)
	}
	return fmt.Sprintf("arg#%d : %s", v.index, v.typ)
}

// OpFoldResult is an index that is either known statically (a constant) or dynamic (a Value of index type).
type OpFoldResult struct {
	value  *Value
	static int64
}

// StaticIndex returns an OpFoldResult with a constant value.
func StaticIndex(c int64) OpFoldResult { return OpFoldResult{static: c} }

// DynamicIndex returns an OpFoldResult holding a Value. If the value is defined by an
// arith.constant, it is folded to its static value.
func DynamicIndex(v *Value) OpFoldResult {
	if c, ok := ConstantIndexValue(v); ok {
		return StaticIndex(c)
	}
	return OpFoldResult{value: v}
}

// IsStatic returns whether the index is known at compile time.
func (r OpFoldResult) IsStatic() bool { return r.value == nil }

// Static value. Only valid if IsStatic.
func (r OpFoldResult) Static() int64 { return r.static }

// Value returns the dynamic value, or nil if static.
func (r OpFoldResult) Value() *Value { return r.value }

// String implements fmt.Stringer.
func (r OpFoldResult) String() string {
	if r.IsStatic() {
		return fmt.Sprintf("%d", r.static)
	}
	return "?"
}

// ConstantIndexValue returns the value of v if it is defined by an arith.constant of index type.
func ConstantIndexValue(v *Value) (int64, bool) {
	if v == nil || !v.typ.IsIndex() || v.owner == nil || v.owner.kind != KindConstant {
		return 0, false
	}
	return v.owner.data.(ConstantAttr).Int, true
}
