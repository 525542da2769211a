// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sconv

import (
	"slices"

	"github.com/gomlx/sconv/ir"
	"github.com/gomlx/sconv/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// swapPlan is the validated structure of the two loops to swap.
type swapPlan struct {
	outer, inner ir.ForOp

	// sunk are the ops of the outer body (before the inner loop) that depend on the outer
	// induction variable: they move into the new inner loop. hoisted are the other ones,
	// cloned into the new outer loop.
	sunk, hoisted []*ir.Op

	// accumulation is the tensor.insert_slice writing the computed tile into the carried value.
	accumulation *ir.Op
}

// SwapLoops swaps the nesting of h.Loops[1] (outer) and h.Loops[0] (inner), which must be
// perfectly nested loops threading the same loop-carried tensors, with exactly one
// accumulation (a tensor.insert_slice into a carried value) in the inner body.
//
// The new outer loop takes the bounds and step of the old inner one, and vice versa. Uses of
// the old loops' results are redirected to the new outer loop, and the old loops are erased.
// On success h is updated: h.Loops[0] is the new inner loop, h.Loops[1] the new outer one and
// h.Microkernel its clone in the new inner body.
//
// The structure is fully checked before any change, and failures wrap ErrStructural.
func SwapLoops(rw ir.Rewriter, h *Handles) error {
	if len(h.Loops) < 2 || h.Microkernel == nil {
		return errors.Wrapf(ErrStructural, "swap needs two loops and a microkernel, got %d loops", len(h.Loops))
	}
	plan, err := planSwap(h.Loops[1], h.Loops[0])
	if err != nil {
		return err
	}
	if !plan.inner.IsAncestorOf(h.Microkernel) {
		return errors.Wrapf(ErrStructural, "microkernel %s is not in the body of the inner loop", h.Microkernel.Kind())
	}
	outer, inner := plan.outer, plan.inner
	klog.V(1).Infof("sconv: swapping loops (%d ops sunk, %d hoisted)", len(plan.sunk), len(plan.hoisted))

	mapping := ir.NewMapping()
	b := ir.NewBuilder(rw).SetInsertionPoint(ir.BeforeOp(outer.Op))
	var newInner *ir.Op
	newOuter := b.For(inner.LowerBound(), inner.UpperBound(), inner.Step(), outer.Inits(),
		func(b *ir.Builder, iv *ir.Value, iterArgs []*ir.Value) []*ir.Value {
			mapping.Map(inner.InductionVar(), iv)
			for _, op := range plan.hoisted {
				b.Rewriter().Clone(op, mapping)
			}
			newInner = b.For(outer.LowerBound(), outer.UpperBound(), outer.Step(), iterArgs,
				func(b *ir.Builder, iv *ir.Value, iterArgs []*ir.Value) []*ir.Value {
					mapping.Map(outer.InductionVar(), iv)
					mapping.MapAll(inner.RegionIterArgs(), iterArgs)
					for _, op := range plan.sunk {
						b.Rewriter().Clone(op, mapping)
					}
					for _, op := range inner.Body().Ops() {
						if !op.Kind().IsTerminator() {
							b.Rewriter().Clone(op, mapping)
						}
					}
					yields := inner.YieldOp().Operands()
					for ii, v := range yields {
						yields[ii] = mapping.Lookup(v)
					}
					return yields
				})
			return newInner.Results()
		})
	klog.V(2).Infof("sconv: accumulation %s cloned as %s", plan.accumulation, mapping.LookupOp(plan.accumulation))

	rw.ReplaceOp(outer.Op, newOuter.Results())
	h.Microkernel = mapping.LookupOp(h.Microkernel)
	h.Loops[0], _ = ir.AsFor(newInner)
	h.Loops[1], _ = ir.AsFor(newOuter)
	if len(h.LoopDims) >= 2 {
		h.LoopDims[0], h.LoopDims[1] = h.LoopDims[1], h.LoopDims[0]
	}
	return nil
}

// planSwap checks the structure of the loops, without changing them.
func planSwap(outer, inner ir.ForOp) (*swapPlan, error) {
	for _, loop := range []ir.ForOp{outer, inner} {
		if loop.Op == nil || loop.IsErased() || loop.Kind() != ir.KindFor {
			return nil, errors.Wrap(ErrStructural, "loops to swap must be live scf.for ops")
		}
		if loop.NumIterArgs() == 0 {
			return nil, errors.Wrap(ErrStructural, "loops to swap must have loop-carried values")
		}
	}
	if inner.ParentOp() != outer.Op {
		return nil, errors.Wrap(ErrStructural, "inner loop is not directly nested in the outer loop")
	}
	if inner.NumIterArgs() != outer.NumIterArgs() {
		return nil, errors.Wrapf(ErrStructural, "outer loop carries %d values, inner loop %d",
			outer.NumIterArgs(), inner.NumIterArgs())
	}

	// Outer body: [ops..., inner, yield(inner results)].
	ops := outer.Body().Ops()
	if len(ops) < 2 || ops[len(ops)-2] != inner.Op {
		return nil, errors.Wrap(ErrStructural, "inner loop must be the last op before the outer loop terminator")
	}
	if !slices.Equal(outer.YieldOp().Operands(), inner.Results()) {
		return nil, errors.Wrap(ErrStructural, "outer loop must yield the results of the inner loop")
	}
	if !slices.Equal(inner.Inits(), outer.RegionIterArgs()) {
		return nil, errors.Wrap(ErrStructural, "inner loop must be initialized with the outer loop-carried values")
	}
	for _, arg := range outer.RegionIterArgs() {
		for _, use := range arg.Uses() {
			if use.Op != inner.Op {
				return nil, errors.Wrapf(ErrStructural, "outer loop-carried value used by %s", use.Op.Kind())
			}
		}
	}
	for _, v := range []*ir.Value{inner.LowerBound(), inner.UpperBound(), inner.Step()} {
		if definedIn(outer.Op, v) {
			return nil, errors.Wrap(ErrStructural, "inner loop bounds must be defined outside the outer loop")
		}
	}

	plan := &swapPlan{outer: outer, inner: inner}
	dependent := sets.MakeWith(outer.InductionVar())
	for _, op := range ops[:len(ops)-2] {
		usesIV := false
		op.Walk(func(nested *ir.Op) bool {
			for _, operand := range nested.Operands() {
				usesIV = usesIV || dependent.Has(operand)
			}
			return true
		})
		if usesIV {
			plan.sunk = append(plan.sunk, op)
			for _, result := range op.Results() {
				dependent.Insert(result)
			}
		} else {
			plan.hoisted = append(plan.hoisted, op)
		}
	}

	// Exactly one accumulation into a carried value.
	iterArgs := inner.RegionIterArgs()
	var accumulations []*ir.Op
	accArg := -1
	for _, op := range inner.Body().Ops() {
		slice, ok := ir.AsSlice(op)
		if !ok || !slice.IsInsert() {
			continue
		}
		for ii, arg := range iterArgs {
			if slice.Dest() == arg {
				accumulations = append(accumulations, op)
				accArg = ii
			}
		}
	}
	if len(accumulations) != 1 {
		return nil, errors.Wrapf(ErrStructural, "expected exactly one accumulation op in the inner loop, found %d",
			len(accumulations))
	}
	plan.accumulation = accumulations[0]
	yields := inner.YieldOp().Operands()
	if yields[accArg] != plan.accumulation.Result(0) {
		return nil, errors.Wrapf(ErrStructural, "inner loop doesn't yield its accumulation as carried value #%d", accArg)
	}
	for ii, v := range yields {
		if !v.Type().IsTensor() {
			return nil, errors.Wrapf(ErrStructural, "inner loop yields a %s as carried value #%d, expected a tensor",
				v.Type(), ii)
		}
	}
	return plan, nil
}

// definedIn returns whether v is defined inside loop: by an op nested in it, or as an
// argument of a block nested in it.
func definedIn(loop *ir.Op, v *ir.Value) bool {
	owner := v.DefiningOp()
	if v.IsBlockArg() {
		owner = v.ParentBlock().ParentOp()
	}
	if owner == nil {
		return false
	}
	return owner == loop || loop.IsAncestorOf(owner)
}
