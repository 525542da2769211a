// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"slices"

	"github.com/gomlx/exceptions"
)

// Block is an ordered list of ops, with arguments. Blocks are the bodies of functions,
// scf.for loops and linalg.generic ops.
type Block struct {
	args     []*Value
	ops      []*Op
	parentOp *Op
	fn       *Func
}

// NewBlock creates a detached block with arguments of the given types.
func NewBlock(argTypes ...Type) *Block {
	b := &Block{}
	b.args = make([]*Value, len(argTypes))
	for ii, t := range argTypes {
		b.args[ii] = &Value{typ: t, block: b, index: ii}
	}
	return b
}

// Args returns a copy of the block arguments.
func (b *Block) Args() []*Value { return slices.Clone(b.args) }

// Arg returns the ii-th argument.
func (b *Block) Arg(ii int) *Value { return b.args[ii] }

// NumArgs returns the number of arguments.
func (b *Block) NumArgs() int { return len(b.args) }

// Ops returns a copy of the list of ops in the block.
func (b *Block) Ops() []*Op { return slices.Clone(b.ops) }

// Len returns the number of ops in the block.
func (b *Block) Len() int { return len(b.ops) }

// ParentOp returns the op owning the block, or nil for a function body.
func (b *Block) ParentOp() *Op { return b.parentOp }

// Func returns the function the block belongs to, or nil if detached.
func (b *Block) Func() *Func {
	for blk := b; blk != nil; {
		if blk.fn != nil {
			return blk.fn
		}
		if blk.parentOp == nil {
			return nil
		}
		blk = blk.parentOp.parent
	}
	return nil
}

// Terminator returns the last op of the block if it is a terminator, nil otherwise.
func (b *Block) Terminator() *Op {
	if len(b.ops) == 0 {
		return nil
	}
	last := b.ops[len(b.ops)-1]
	if !last.kind.IsTerminator() {
		return nil
	}
	return last
}

// indexOf returns the position of op in the block, or -1.
func (b *Block) indexOf(op *Op) int {
	return slices.Index(b.ops, op)
}

// insert op before the position given. pos == len(b.ops) appends.
func (b *Block) insert(pos int, op *Op) {
	if op.parent != nil {
		exceptions.Panicf("ir: inserting %s that is already in a block", op.kind)
	}
	b.ops = slices.Insert(b.ops, pos, op)
	op.parent = b
}

func (b *Block) remove(op *Op) {
	pos := b.indexOf(op)
	if pos < 0 {
		exceptions.Panicf("ir: %s not found in its parent block", op.kind)
	}
	b.ops = slices.Delete(b.ops, pos, pos+1)
	op.parent = nil
}

// InsertionPoint is a position in a block: before the op Before or, if Before is nil, at the end.
type InsertionPoint struct {
	Block  *Block
	Before *Op
}

// BeforeOp returns the insertion point just before op.
func BeforeOp(op *Op) InsertionPoint {
	return InsertionPoint{Block: op.parent, Before: op}
}

// AfterOp returns the insertion point just after op.
func AfterOp(op *Op) InsertionPoint {
	b := op.parent
	pos := b.indexOf(op)
	if pos+1 < len(b.ops) {
		return InsertionPoint{Block: b, Before: b.ops[pos+1]}
	}
	return InsertionPoint{Block: b}
}

// AtEnd returns the insertion point at the end of the block.
func AtEnd(b *Block) InsertionPoint {
	return InsertionPoint{Block: b}
}

// BeforeTerminator returns the insertion point before the block's terminator, or at the end if it has none.
func BeforeTerminator(b *Block) InsertionPoint {
	return InsertionPoint{Block: b, Before: b.Terminator()}
}

func (ip InsertionPoint) insert(op *Op) {
	if ip.Block == nil {
		exceptions.Panicf("ir: insertion point not set while creating %s", op.kind)
	}
	pos := len(ip.Block.ops)
	if ip.Before != nil {
		pos = ip.Block.indexOf(ip.Before)
		if pos < 0 {
			exceptions.Panicf("ir: insertion point op %s is not in the insertion block", ip.Before.kind)
		}
	}
	ip.Block.insert(pos, op)
}
