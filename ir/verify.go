// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"github.com/gomlx/sconv/pkg/support/sets"
	"github.com/pkg/errors"
)

// Verify checks the structural invariants of the function: every operand is defined before
// its use in an enclosing scope (and not erased), the use-lists are consistent, blocks end
// with the terminator of their parent kind, and loops and generics have consistent arities
// and types.
func Verify(fn *Func) error {
	if fn.body == nil {
		return errors.Errorf("func @%s has no body", fn.Name)
	}
	v := &verifier{visible: sets.Make[*Value]()}
	if err := v.block(fn.body, KindReturn); err != nil {
		return errors.WithMessagef(err, "func @%s", fn.Name)
	}
	return nil
}

type verifier struct {
	visible sets.Set[*Value]
}

func (v *verifier) block(b *Block, terminator OpKind) error {
	v.visible.Insert(b.args...)
	defer v.visible.Remove(b.args...)
	var defined []*Value
	defer func() { v.visible.Remove(defined...) }()

	for ii, op := range b.ops {
		if op.erased {
			return errors.Errorf("erased op %s still in block at position %d", op.kind, ii)
		}
		if op.parent != b {
			return errors.Errorf("op %s at position %d has the wrong parent block", op.kind, ii)
		}
		isLast := ii == len(b.ops)-1
		if op.kind.IsTerminator() != isLast {
			if isLast {
				return errors.Errorf("block must end with %s, got %s", terminator, op.kind)
			}
			return errors.Errorf("terminator %s in the middle of a block (position %d)", op.kind, ii)
		}
		if isLast && op.kind != terminator {
			return errors.Errorf("block must end with %s, got %s", terminator, op.kind)
		}
		if err := v.op(op); err != nil {
			return err
		}
		v.visible.Insert(op.results...)
		defined = append(defined, op.results...)
	}
	if len(b.ops) == 0 {
		return errors.Errorf("empty block, expected a %s terminator", terminator)
	}
	return nil
}

func (v *verifier) op(op *Op) error {
	for ii, operand := range op.operands {
		if operand == nil {
			return errors.Errorf("%s: nil operand #%d", op.kind, ii)
		}
		if def := operand.owner; def != nil && def.erased {
			return errors.Errorf("%s: operand #%d defined by erased op %s", op.kind, ii, def.kind)
		}
		if !v.visible.Has(operand) {
			return errors.Errorf("%s: operand #%d (%s) does not dominate its use", op.kind, ii, operand)
		}
		found := false
		for _, use := range operand.uses {
			if use.Op == op && use.Index == ii {
				found = true
				break
			}
		}
		if !found {
			return errors.Errorf("%s: operand #%d missing from its use-list", op.kind, ii)
		}
	}
	for _, result := range op.results {
		for _, use := range result.uses {
			if use.Op.erased {
				return errors.Errorf("%s: result #%d used by erased op %s", op.kind, result.index, use.Op.kind)
			}
			if use.Index >= len(use.Op.operands) || use.Op.operands[use.Index] != result {
				return errors.Errorf("%s: result #%d has a stale use in %s", op.kind, result.index, use.Op.kind)
			}
		}
	}

	switch op.kind {
	case KindFor:
		return v.forOp(ForOp{op})
	case KindGeneric:
		return v.genericOp(GenericOp{op})
	}
	if op.body != nil {
		return errors.Errorf("%s must not have a body", op.kind)
	}
	return nil
}

func (v *verifier) forOp(f ForOp) error {
	for _, bound := range []*Value{f.LowerBound(), f.UpperBound(), f.Step()} {
		if !bound.typ.IsIndex() {
			return errors.Errorf("scf.for: bounds and step must be index values, got %s", bound.typ)
		}
	}
	if f.body == nil || f.body.NumArgs() != 1+f.NumIterArgs() {
		return errors.Errorf("scf.for: body must have 1+%d arguments", f.NumIterArgs())
	}
	if !f.InductionVar().typ.IsIndex() {
		return errors.Errorf("scf.for: induction variable must be an index, got %s", f.InductionVar().typ)
	}
	inits := f.Inits()
	if len(f.results) != len(inits) {
		return errors.Errorf("scf.for: %d results for %d iter args", len(f.results), len(inits))
	}
	for ii, arg := range f.RegionIterArgs() {
		if !arg.typ.Equal(inits[ii].typ) || !f.results[ii].typ.Equal(inits[ii].typ) {
			return errors.Errorf("scf.for: iter arg #%d type mismatch (init %s, arg %s, result %s)",
				ii, inits[ii].typ, arg.typ, f.results[ii].typ)
		}
	}
	if err := v.block(f.body, KindYield); err != nil {
		return errors.WithMessage(err, "scf.for body")
	}
	yield := f.YieldOp()
	if len(yield.operands) != len(inits) {
		return errors.Errorf("scf.for: yields %d values for %d iter args", len(yield.operands), len(inits))
	}
	for ii, y := range yield.operands {
		if !y.typ.Equal(inits[ii].typ) {
			return errors.Errorf("scf.for: yielded #%d has type %s, expected %s", ii, y.typ, inits[ii].typ)
		}
	}
	return nil
}

func (v *verifier) genericOp(g GenericOp) error {
	attr := g.Attr()
	dps := g.DpsOperands()
	if len(attr.IndexingMaps) != len(dps) {
		return errors.Errorf("linalg.generic: %d indexing maps for %d operands", len(attr.IndexingMaps), len(dps))
	}
	if len(g.SymbolOperands()) != attr.NumSymbols {
		return errors.Errorf("linalg.generic: %d symbol operands for %d symbols", len(g.SymbolOperands()), attr.NumSymbols)
	}
	for ii, m := range attr.IndexingMaps {
		if m.NumDims != attr.NumLoops() || m.NumSymbols != attr.NumSymbols || m.NumResults() != dps[ii].typ.Shape.Rank() {
			return errors.Errorf("linalg.generic: indexing map #%d %s inconsistent with operand %s", ii, m, dps[ii].typ)
		}
	}
	for ii, out := range g.Outputs() {
		if !g.results[ii].typ.Equal(out.typ) {
			return errors.Errorf("linalg.generic: result #%d type %s differs from output %s", ii, g.results[ii].typ, out.typ)
		}
	}
	if g.body == nil || g.body.NumArgs() != len(dps) {
		return errors.Errorf("linalg.generic: body must have %d arguments", len(dps))
	}
	if err := v.block(g.body, KindLinalgYield); err != nil {
		return errors.WithMessage(err, "linalg.generic body")
	}
	if n := len(g.body.Terminator().operands); n != len(g.results) {
		return errors.Errorf("linalg.generic: yields %d values for %d outputs", n, len(g.results))
	}
	return nil
}
