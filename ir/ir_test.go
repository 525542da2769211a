// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"strings"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	erased   []OpKind
	replaced []OpKind
}

func (l *recordingListener) NotifyOpReplaced(op *Op, _ []*Value) { l.replaced = append(l.replaced, op.Kind()) }
func (l *recordingListener) NotifyOpErased(op *Op)               { l.erased = append(l.erased, op.Kind()) }

// buildAccumulateLoop builds: for i in [0, 8) step 2: acc = insert_slice(extract_slice(x, i, 2), acc, i, 2).
func buildAccumulateLoop(t *testing.T) (*Func, *PatternRewriter, *Op) {
	fn := NewFunc("copy", TensorOf(dtypes.Float32, 8), TensorOf(dtypes.Float32, 8))
	rw := NewRewriter()
	b := NewBuilder(rw).SetInsertionPoint(AtEnd(fn.Body()))
	x, init := fn.Args()[0], fn.Args()[1]
	loop := b.For(b.ConstantIndex(0), b.ConstantIndex(8), b.ConstantIndex(2), []*Value{init},
		func(b *Builder, iv *Value, iterArgs []*Value) []*Value {
			offsets := []OpFoldResult{DynamicIndex(iv)}
			sizes := []OpFoldResult{StaticIndex(2)}
			slice := b.ExtractSlice(x, offsets, sizes)
			return []*Value{b.InsertSlice(slice, iterArgs[0], offsets, sizes)}
		})
	b.Return(loop.Result(0))
	require.NoError(t, Verify(fn))
	return fn, rw, loop
}

func TestBuildAndPrint(t *testing.T) {
	fn, _, loop := buildAccumulateLoop(t)
	f, ok := AsFor(loop)
	require.True(t, ok)
	assert.Equal(t, 1, f.NumIterArgs())
	ub, ok := ConstantIndexValue(f.UpperBound())
	require.True(t, ok)
	assert.Equal(t, int64(8), ub)
	assert.Equal(t, []Type{TensorOf(dtypes.Float32, 8)}, fn.ResultTypes())

	text := Print(fn)
	assert.Contains(t, text, "func.func @copy(%arg0: tensor<8xf32>, %arg1: tensor<8xf32>) -> (tensor<8xf32>)")
	assert.Contains(t, text, "scf.for %arg2 = ")
	assert.Contains(t, text, "iter_args(%arg3 = %arg1) -> (tensor<8xf32>)")
	assert.Contains(t, text, "tensor.extract_slice %arg0[%arg2] [2] [1] : tensor<8xf32> to tensor<2xf32>")
	assert.Contains(t, text, "scf.yield")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(text), "}"))

	slices := fn.OpsOfKind(KindExtractSlice)
	require.Len(t, slices, 1)
	s, _ := AsSlice(slices[0])
	offsets, sizes := s.OffsetsAndSizes()
	assert.False(t, offsets[0].IsStatic())
	assert.Equal(t, f.InductionVar(), offsets[0].Value())
	assert.Equal(t, int64(2), sizes[0].Static())
}

func TestCloneAndErase(t *testing.T) {
	fn, rw, loop := buildAccumulateLoop(t)
	listener := &recordingListener{}
	rw.AddListener(listener)

	// Clone the loop right after itself, and replace the original by the clone.
	rw.SetInsertionPoint(AfterOp(loop))
	mapping := NewMapping()
	clone := rw.Clone(loop, mapping)
	assert.Equal(t, clone.Result(0), mapping.Lookup(loop.Result(0)))
	assert.NotNil(t, mapping.LookupOp(loop.Body().Ops()[0]))
	rw.ReplaceOp(loop, clone.Results())
	require.NoError(t, Verify(fn))

	assert.True(t, loop.IsErased())
	assert.Equal(t, []OpKind{KindFor}, listener.replaced)
	assert.Contains(t, listener.erased, KindFor)
	assert.Contains(t, listener.erased, KindInsertSlice)
	assert.Equal(t, clone.Result(0), fn.Return().Operand(0))
	assert.Len(t, fn.OpsOfKind(KindFor), 1)

	// Erasing an op whose results are still used is an invariant violation.
	assert.Panics(t, func() { rw.Erase(clone) })
}

func TestFuncCloneAndRestore(t *testing.T) {
	fn, rw, loop := buildAccumulateLoop(t)
	before := Print(fn)
	snapshot, mapping := fn.Clone()
	assert.Equal(t, before, Print(snapshot))
	assert.NotNil(t, mapping.LookupOp(loop))

	// Mutate fn: the return now yields the init directly and the loop is erased.
	rw.ReplaceOp(loop, []*Value{fn.Args()[1]})
	require.NoError(t, Verify(fn))
	assert.NotEqual(t, before, Print(fn))

	fn.RestoreFrom(snapshot)
	require.NoError(t, Verify(fn))
	assert.Equal(t, before, Print(fn))
	assert.Equal(t, fn, fn.Body().Func())
}

func TestVerifyFailures(t *testing.T) {
	t.Run("dominance", func(t *testing.T) {
		fn := NewFunc("bad", TensorOf(dtypes.Float32, 4))
		rw := NewRewriter()
		b := NewBuilder(rw).SetInsertionPoint(AtEnd(fn.Body()))
		c := b.ConstantIndex(1)
		b.Return()
		// Move the use before the definition.
		rw.SetInsertionPoint(BeforeOp(c.DefiningOp()))
		b.AffineApply(NewAffineMap(0, 1, Add(Sym(0), Const(1))), c)
		err := Verify(fn)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not dominate")
	})
	t.Run("missing terminator", func(t *testing.T) {
		fn := NewFunc("bad")
		NewBuilder(NewRewriter()).SetInsertionPoint(AtEnd(fn.Body())).ConstantIndex(0)
		require.Error(t, Verify(fn))
	})
	t.Run("loop yield type", func(t *testing.T) {
		fn := NewFunc("bad", TensorOf(dtypes.Float32, 4))
		b := NewBuilder(NewRewriter()).SetInsertionPoint(AtEnd(fn.Body()))
		loop := b.For(b.ConstantIndex(0), b.ConstantIndex(4), b.ConstantIndex(1), fn.Args(),
			func(b *Builder, iv *Value, iterArgs []*Value) []*Value {
				return []*Value{iv}
			})
		b.Return(loop.Result(0))
		err := Verify(fn)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "yielded #0")
	})
}

func TestGenericBuilder(t *testing.T) {
	fn := NewFunc("scale", TensorOf(dtypes.Int8, 3), TensorOf(dtypes.Int32, 3))
	b := NewBuilder(NewRewriter()).SetInsertionPoint(AtEnd(fn.Body()))
	args := fn.Args()
	m := IdentityMap(1)
	g := b.Generic(args[:1], args[1:], nil, []AffineMap{m, m}, []IteratorType{Parallel},
		func(b *Builder, args []*Value) []*Value {
			return []*Value{b.Add(args[1], b.Widen(args[0], dtypes.Int32))}
		})
	b.Return(g.Result(0))
	require.NoError(t, Verify(fn))

	view, ok := AsGeneric(g)
	require.True(t, ok)
	assert.Equal(t, 1, view.NumLoops())
	assert.Len(t, view.Inputs(), 1)
	assert.Len(t, view.Outputs(), 1)
	assert.Empty(t, view.SymbolOperands())
	kinds := make([]OpKind, 0)
	for _, op := range g.Body().Ops() {
		kinds = append(kinds, op.Kind())
	}
	assert.Equal(t, []OpKind{KindExtSI, KindAddI, KindLinalgYield}, kinds)
	assert.Contains(t, Print(fn), `iterator_types = ["parallel"]`)

	assert.Panics(t, func() { b.Widen(args[1], dtypes.Int8) })
}

func TestComposedApply(t *testing.T) {
	fn := NewFunc("apply")
	b := NewBuilder(NewRewriter()).SetInsertionPoint(AtEnd(fn.Body()))
	iv := b.ConstantIndex(3)
	dyn := b.AffineApply(NewAffineMap(0, 1, Mul(Sym(0), Const(2))), iv)

	// Static operands fold.
	r := b.ComposedApply(Add(Sym(0), Sym(1)), []OpFoldResult{StaticIndex(2), StaticIndex(5)})
	require.True(t, r.IsStatic())
	assert.Equal(t, int64(7), r.Static())

	// A single symbol is forwarded.
	r = b.ComposedApply(Sub(Add(Sym(1), Sym(0)), Sym(0)), []OpFoldResult{StaticIndex(2), DynamicIndex(dyn)})
	assert.Equal(t, dyn, r.Value())

	// Otherwise an affine.apply with only the used symbols is created.
	r = b.ComposedApply(Add(Sym(2), Const(1)), []OpFoldResult{DynamicIndex(iv), StaticIndex(4), DynamicIndex(dyn)})
	require.False(t, r.IsStatic())
	apply := r.Value().DefiningOp()
	assert.Equal(t, KindAffineApply, apply.Kind())
	assert.Equal(t, []*Value{dyn}, apply.Operands())
	assert.Equal(t, "()[s0] -> (s0 + 1)", apply.Data().(AffineAttr).Map.String())
}

func TestCanWiden(t *testing.T) {
	type testCase struct {
		from, to dtypes.DType
		want     bool
	}
	for _, tc := range []testCase{
		{dtypes.Int8, dtypes.Int32, true},
		{dtypes.Int32, dtypes.Int32, true},
		{dtypes.Int32, dtypes.Int8, false},
		{dtypes.Int16, dtypes.Float32, true},
		{dtypes.Float16, dtypes.Float32, true},
		{dtypes.Float32, dtypes.Float32, true},
		{dtypes.Float64, dtypes.Float32, false},
		{dtypes.Float16, dtypes.BFloat16, false},
		{dtypes.BFloat16, dtypes.Float16, false},
		{dtypes.Float32, dtypes.Int32, false},
	} {
		assert.Equal(t, tc.want, CanWiden(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	fn := NewFunc("half", TensorOf(dtypes.Float16, 2))
	b := NewBuilder(NewRewriter()).SetInsertionPoint(AtEnd(fn.Body()))
	m := IdentityMap(1)
	assert.Panics(t, func() {
		b.Generic(nil, fn.Args(), nil, []AffineMap{m}, []IteratorType{Parallel},
			func(b *Builder, args []*Value) []*Value {
				return []*Value{b.Widen(args[0], dtypes.BFloat16)}
			})
	})
}
