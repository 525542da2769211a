// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package interp evaluates ir functions on concrete tensors. It is the numerical reference
// used to check that rewrites preserve the semantics of the programs they transform.
//
// Tensors have value semantics: ops never modify their operands. Every stored scalar is
// rounded to its dtype, so results match what compiled code would compute up to the order of
// the floating point accumulations.
package interp

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/sconv/ir"
	"github.com/gomlx/sconv/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Run evaluates fn with the given arguments and returns its results. Invariant violations
// found during the evaluation (out-of-bounds slices, mismatched shapes, invalid IR) are
// returned as errors.
func Run(fn *ir.Func, args ...*Tensor) (results []*Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		results = run(fn, args)
	})
	if err != nil {
		err = errors.WithMessagef(err, "interp.Run(@%s)", fn.Name)
	}
	return
}

// env maps IR values to their runtime values: *Tensor, Scalar or int64 (index).
type env map[*ir.Value]any

func run(fn *ir.Func, args []*Tensor) []*Tensor {
	params := fn.Args()
	if len(args) != len(params) {
		exceptions.Panicf("@%s takes %d arguments, got %d", fn.Name, len(params), len(args))
	}
	e := make(env)
	for ii, param := range params {
		if !param.Type().IsTensor() || !param.Type().Shape.Compatible(args[ii].shape) {
			exceptions.Panicf("argument #%d has shape %s, expected %s", ii, args[ii].shape, param.Type())
		}
		e[param] = args[ii]
	}
	returned := e.block(fn.Body())
	results := make([]*Tensor, len(returned))
	for ii, r := range returned {
		results[ii] = r.(*Tensor)
	}
	klog.V(2).Infof("interp: @%s returned %d results", fn.Name, len(results))
	return results
}

// block executes the ops of b, and returns the runtime values of its terminator operands.
func (e env) block(b *ir.Block) []any {
	for _, op := range b.Ops() {
		if op.Kind().IsTerminator() {
			out := make([]any, op.NumOperands())
			for ii, v := range op.Operands() {
				out[ii] = e.get(v)
			}
			return out
		}
		e.op(op)
	}
	exceptions.Panicf("block without terminator")
	return nil
}

func (e env) get(v *ir.Value) any {
	rv, found := e[v]
	if !found {
		exceptions.Panicf("value %s used before being defined", v)
	}
	return rv
}

func (e env) tensor(v *ir.Value) *Tensor { return e.get(v).(*Tensor) }
func (e env) index(v *ir.Value) int64    { return e.get(v).(int64) }
func (e env) scalar(v *ir.Value) Scalar  { return e.get(v).(Scalar) }

func (e env) indices(values []*ir.Value) []int64 {
	out := make([]int64, len(values))
	for ii, v := range values {
		out[ii] = e.index(v)
	}
	return out
}

func (e env) op(op *ir.Op) {
	result := func() *ir.Value { return op.Result(0) }
	switch op.Kind() {
	case ir.KindConstant:
		attr := op.Data().(ir.ConstantAttr)
		t := result().Type()
		if t.IsIndex() {
			e[result()] = attr.Int
		} else if shapes.IsFloatKind(t.DType()) {
			e[result()] = MakeScalar(t.DType(), attr.Float)
		} else {
			e[result()] = Scalar{DType: t.DType(), I: WrapInt(t.DType(), attr.Int)}
		}

	case ir.KindAddI, ir.KindMulI, ir.KindAddF, ir.KindMulF:
		e[result()] = arith(op.Kind(), e.scalar(op.Operand(0)), e.scalar(op.Operand(1)))

	case ir.KindExtSI, ir.KindExtF, ir.KindSIToFP:
		x := e.scalar(op.Operand(0))
		dtype := result().Type().DType()
		switch op.Kind() {
		case ir.KindExtSI:
			e[result()] = Scalar{DType: dtype, I: WrapInt(dtype, SignExtend(x.DType, x.I))}
		case ir.KindSIToFP:
			e[result()] = MakeScalar(dtype, float64(SignExtend(x.DType, x.I)))
		default:
			e[result()] = MakeScalar(dtype, x.Float())
		}

	case ir.KindAffineApply, ir.KindAffineMin:
		m := op.Data().(ir.AffineAttr).Map
		operands := e.indices(op.Operands())
		values := m.Eval(operands[:m.NumDims], operands[m.NumDims:])
		v := values[0]
		for _, x := range values[1:] {
			v = min(v, x)
		}
		e[result()] = v

	case ir.KindDim:
		t := e.tensor(op.Operand(0))
		e[result()] = int64(t.shape.Dim(op.Data().(ir.DimAttr).Axis))

	case ir.KindCollapse:
		t := e.tensor(op.Operand(0))
		reassociation := op.Data().(ir.ReshapeAttr).Reassociation
		dims := make([]int, len(reassociation))
		for ii, group := range reassociation {
			dims[ii] = 1
			for _, axis := range group {
				dims[ii] *= t.shape.Dimensions[axis]
			}
		}
		e[result()] = t.Reshape(shapes.Make(t.DType(), dims...))

	case ir.KindExpand:
		t := e.tensor(op.Operand(0))
		want := result().Type().Shape
		if err := want.CheckStatic(); err != nil {
			exceptions.Panicf("tensor.expand_shape to a dynamic shape is not supported: %v", err)
		}
		e[result()] = t.Reshape(want)

	case ir.KindExtractSlice:
		s, _ := ir.AsSlice(op)
		src := e.tensor(s.Source())
		offsets, sizes := e.offsetsAndSizes(s)
		e[result()] = extractSlice(src, offsets, sizes)

	case ir.KindInsertSlice:
		s, _ := ir.AsSlice(op)
		src, dest := e.tensor(s.Source()), e.tensor(s.Dest())
		offsets, sizes := e.offsetsAndSizes(s)
		e[result()] = insertSlice(src, dest, offsets, sizes)

	case ir.KindConv2D:
		c, _ := ir.AsConv(op)
		attr := c.Attr()
		e[result()] = Conv2D(e.tensor(c.Input()), e.tensor(c.Filter()), e.tensor(c.Output()), attr.Strides, attr.Dilations)

	case ir.KindGeneric:
		g, _ := ir.AsGeneric(op)
		outs := e.generic(g)
		for ii, out := range outs {
			e[op.Result(ii)] = out
		}

	case ir.KindFor:
		f, _ := ir.AsFor(op)
		results := e.forLoop(f)
		for ii, r := range results {
			e[op.Result(ii)] = r
		}

	default:
		exceptions.Panicf("op %s not supported by the interpreter", op.Kind())
	}
}

func arith(kind ir.OpKind, x, y Scalar) Scalar {
	if x.DType != y.DType {
		exceptions.Panicf("%s with different dtypes %s and %s", kind, x.DType, y.DType)
	}
	switch kind {
	case ir.KindAddI:
		return Scalar{DType: x.DType, I: WrapInt(x.DType, x.I+y.I)}
	case ir.KindMulI:
		return Scalar{DType: x.DType, I: WrapInt(x.DType, x.I*y.I)}
	case ir.KindAddF:
		return MakeScalar(x.DType, x.F+y.F)
	default:
		return MakeScalar(x.DType, x.F*y.F)
	}
}

func (e env) offsetsAndSizes(s ir.SliceOp) (offsets, sizes []int) {
	off, sz := s.OffsetsAndSizes()
	resolve := func(r ir.OpFoldResult) int {
		if r.IsStatic() {
			return int(r.Static())
		}
		return int(e.index(r.Value()))
	}
	offsets = make([]int, len(off))
	sizes = make([]int, len(sz))
	for ii := range off {
		offsets[ii] = resolve(off[ii])
		sizes[ii] = resolve(sz[ii])
	}
	return
}

func checkSlice(shape shapes.Shape, offsets, sizes []int) {
	for axis, dim := range shape.Dimensions {
		if offsets[axis] < 0 || sizes[axis] <= 0 || offsets[axis]+sizes[axis] > dim {
			exceptions.Panicf("slice offsets %v and sizes %v out-of-bounds for shape %s", offsets, sizes, shape)
		}
	}
}

func extractSlice(src *Tensor, offsets, sizes []int) *Tensor {
	checkSlice(src.shape, offsets, sizes)
	out := Zeros(shapes.Make(src.DType(), sizes...))
	srcIndices := make([]int, len(offsets))
	for flat, indices := range out.shape.IterOn() {
		for axis, idx := range indices {
			srcIndices[axis] = offsets[axis] + idx
		}
		out.SetFlat(flat, src.Flat(src.FlatIndex(srcIndices)))
	}
	return out
}

func insertSlice(src, dest *Tensor, offsets, sizes []int) *Tensor {
	checkSlice(dest.shape, offsets, sizes)
	if err := src.shape.CheckDims(sizes...); err != nil {
		exceptions.Panicf("tensor.insert_slice: %v", err)
	}
	out := dest.Clone()
	destIndices := make([]int, len(offsets))
	for flat, indices := range src.shape.IterOn() {
		for axis, idx := range indices {
			destIndices[axis] = offsets[axis] + idx
		}
		out.SetFlat(out.FlatIndex(destIndices), src.Flat(flat))
	}
	return out
}

func (e env) forLoop(f ir.ForOp) []any {
	lb, ub, step := e.index(f.LowerBound()), e.index(f.UpperBound()), e.index(f.Step())
	if step <= 0 {
		exceptions.Panicf("scf.for with non-positive step %d", step)
	}
	carried := make([]any, f.NumIterArgs())
	for ii, init := range f.Inits() {
		carried[ii] = e.get(init)
	}
	iterArgs := f.RegionIterArgs()
	for iv := lb; iv < ub; iv += step {
		e[f.InductionVar()] = iv
		for ii, arg := range iterArgs {
			e[arg] = carried[ii]
		}
		carried = e.block(f.Body())
	}
	return carried
}
