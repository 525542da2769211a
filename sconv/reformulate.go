// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sconv

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/sconv/ir"
	"github.com/gomlx/sconv/sconv/csa"
	"github.com/gomlx/sconv/types/shapes"
	"k8s.io/klog/v2"
)

// windowReassociation collapses the output spatial axes into one window axis.
var windowReassociation = [][]int{{0}, {1}, {2, 3}}

// ReductionMaps returns the indexing maps of the convolution as a reduction over
// (d0, ..., d5) = (batch, output channel, window, input channel, filter row, filter column):
//
//	input:  (d0, d3, (d2 floordiv OW) * SH + d4, (d2 mod OW) * SW + d5)
//	filter: (d1, d3, d4, d5)
//	output: (d0, d1, d2)
func ReductionMaps(p csa.Problem) []ir.AffineMap {
	ow := int64(p.OW)
	return []ir.AffineMap{
		ir.NewAffineMap(6, 0,
			ir.Dim(0), ir.Dim(3),
			ir.Add(ir.Mul(ir.FloorDiv(ir.Dim(2), ow), ir.Const(int64(p.SH))), ir.Dim(4)),
			ir.Add(ir.Mul(ir.Mod(ir.Dim(2), ow), ir.Const(int64(p.SW))), ir.Dim(5))),
		ir.NewAffineMap(6, 0, ir.Dim(1), ir.Dim(3), ir.Dim(4), ir.Dim(5)),
		ir.NewAffineMap(6, 0, ir.Dim(0), ir.Dim(1), ir.Dim(2)),
	}
}

// ReductionIterators are the iterator types of the reduction: 3 parallel and 3 reduction loops.
var ReductionIterators = []ir.IteratorType{ir.Parallel, ir.Parallel, ir.Parallel, ir.Reduction, ir.Reduction, ir.Reduction}

// Reformulate replaces the convolution by a linalg.generic reduction on the output with
// flattened windows, between a tensor.collapse_shape and a tensor.expand_shape of the output.
//
// The multiply-accumulate widens both operands (signed) to the output element type.
// It returns the generic op.
func Reformulate(rw ir.Rewriter, p csa.Problem, ops Operands) *ir.Op {
	outputShape := ops.Output.Shape()
	if want := shapes.Make(outputShape.DType, p.N, p.OC, p.OH, p.OW); !outputShape.Equal(want) {
		exceptions.Panicf("sconv.Reformulate: output %s doesn't match the problem %s", ops.Output.Type(), p)
	}
	accDType := outputShape.DType
	b := ir.NewBuilder(rw).SetInsertionPoint(ir.BeforeOp(ops.Conv.Op))
	collapsed := b.CollapseShape(ops.Output, windowReassociation)
	klog.V(1).Infof("sconv: collapsed output to %s", collapsed.Type())

	generic := b.Generic([]*ir.Value{ops.Input, ops.Filter}, []*ir.Value{collapsed}, nil,
		ReductionMaps(p), ReductionIterators,
		func(b *ir.Builder, args []*ir.Value) []*ir.Value {
			mul := b.Mul(b.Widen(args[0], accDType), b.Widen(args[1], accDType))
			return []*ir.Value{b.Add(mul, args[2])}
		})
	klog.V(1).Infof("sconv: reduction maps %v", generic.Data().(ir.GenericAttr).IndexingMaps)

	expanded := b.ExpandShape(generic.Result(0), windowReassociation, outputShape)
	rw.ReplaceOp(ops.Conv.Op, []*ir.Value{expanded})
	klog.V(1).Infof("sconv: replaced %s by the reduction", ir.KindConv2D)
	return generic
}
