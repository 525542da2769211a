// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sconv/ir"
	"github.com/gomlx/sconv/ir/interp"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// windowSums builds Y[w] += X[(w floordiv OW)*S + kh, (w mod OW)*S + kw] * F[kh, kw], with the
// loops (w, kh, kw): a single-channel convolution on flattened windows.
func windowSums(oh, ow, fh, fw, stride int) (*ir.Func, *ir.Op) {
	h, w := (oh-1)*stride+fh, (ow-1)*stride+fw
	fn := ir.NewFunc("window_sums",
		ir.TensorOf(dtypes.Int32, h, w), ir.TensorOf(dtypes.Int32, fh, fw), ir.TensorOf(dtypes.Int32, oh*ow))
	b := ir.NewBuilder(ir.NewRewriter()).SetInsertionPoint(ir.AtEnd(fn.Body()))
	args := fn.Args()
	s := int64(stride)
	maps := []ir.AffineMap{
		ir.NewAffineMap(3, 0,
			ir.Add(ir.Mul(ir.FloorDiv(ir.Dim(0), int64(ow)), ir.Const(s)), ir.Dim(1)),
			ir.Add(ir.Mul(ir.Mod(ir.Dim(0), int64(ow)), ir.Const(s)), ir.Dim(2))),
		ir.NewAffineMap(3, 0, ir.Dim(1), ir.Dim(2)),
		ir.NewAffineMap(3, 0, ir.Dim(0)),
	}
	g := b.Generic(args[:2], args[2:], nil, maps, []ir.IteratorType{ir.Parallel, ir.Reduction, ir.Reduction},
		func(b *ir.Builder, args []*ir.Value) []*ir.Value {
			return []*ir.Value{b.Add(args[2], b.Mul(args[0], args[1]))}
		})
	b.Return(g.Result(0))
	return fn, g
}

func runWindowSums(t *testing.T, fn *ir.Func) *interp.Tensor {
	params := fn.Args()
	x := interp.FromFunc(params[0].Shape(), func(flat int) float64 { return float64(flat%11 - 5) })
	f := interp.FromFunc(params[1].Shape(), func(flat int) float64 { return float64(flat%3 + 1) })
	y := interp.FromFunc(params[2].Shape(), func(flat int) float64 { return float64(flat) })
	return must.M1(interp.Run(fn, x, f, y))[0]
}

func TestTileUsingLoops(t *testing.T) {
	type testCase struct {
		name                    string
		oh, ow, fh, fw, stride  int
		outer, inner            []int64
		wantOuterLoops, wantMin int
	}
	for _, tc := range []testCase{
		{name: "dividing", oh: 4, ow: 4, fh: 3, fw: 3, stride: 1, outer: []int64{8}, inner: []int64{4}, wantOuterLoops: 1},
		{name: "remainder", oh: 5, ow: 3, fh: 2, fw: 3, stride: 2, outer: []int64{4}, inner: []int64{3}, wantOuterLoops: 1, wantMin: 2},
		{name: "reduction", oh: 3, ow: 3, fh: 3, fw: 2, stride: 1, outer: []int64{5, 2}, inner: []int64{2}, wantOuterLoops: 2, wantMin: 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fn, g := windowSums(tc.oh, tc.ow, tc.fh, tc.fw, tc.stride)
			want := runWindowSums(t, fn)

			rw := ir.NewRewriter()
			outer, err := TileUsingLoops(rw, g, Options{TileSizes: tc.outer})
			require.NoError(t, err)
			require.NoError(t, ir.Verify(fn), ir.Print(fn))
			assert.Len(t, outer.Loops, tc.wantOuterLoops)
			assert.True(t, g.IsErased())
			assert.Equal(t, outer.Loops[0].Result(0), fn.Return().Operand(0))
			assert.True(t, want.Equal(runWindowSums(t, fn)), "after outer tiling:\n%s", ir.Print(fn))

			inner, err := TileUsingLoops(rw, outer.TiledOps[0], Options{TileSizes: tc.inner})
			require.NoError(t, err)
			require.NoError(t, ir.Verify(fn), ir.Print(fn))
			require.Len(t, inner.Loops, 1)
			assert.Equal(t, []int{0}, inner.LoopDims)
			assert.True(t, outer.Loops[len(outer.Loops)-1].IsAncestorOf(inner.Loops[0].Op))
			assert.Len(t, fn.OpsOfKind(ir.KindAffineMin), tc.wantMin)
			assert.True(t, want.Equal(runWindowSums(t, fn)), "after inner tiling:\n%s", ir.Print(fn))
		})
	}
}

func TestTileInterchange(t *testing.T) {
	fn, g := windowSums(4, 4, 3, 3, 1)
	want := runWindowSums(t, fn)
	res, err := TileUsingLoops(ir.NewRewriter(), g, Options{TileSizes: []int64{4, 0, 1}, Interchange: []int{2, 1, 0}})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0}, res.LoopDims)
	require.Len(t, res.Loops, 2)
	assert.True(t, res.Loops[0].IsAncestorOf(res.Loops[1].Op))
	step, ok := ir.ConstantIndexValue(res.Loops[0].Step())
	require.True(t, ok)
	assert.Equal(t, int64(1), step)
	require.NoError(t, ir.Verify(fn))
	assert.True(t, want.Equal(runWindowSums(t, fn)))

	// The tiled generic's maps are re-based on the window offset.
	tiled, _ := ir.AsGeneric(res.TiledOps[0])
	assert.Len(t, tiled.SymbolOperands(), 2)
	assert.Equal(t, "(d0, d1, d2)[s0, s1] -> (d1 + (d0 + s0) floordiv 4 - s0 floordiv 4, d2 + s1 + (d0 + s0) mod 4)",
		tiled.IndexingMaps()[0].String())
	assert.Equal(t, "(d0, d1, d2)[s0, s1] -> (d0)", tiled.IndexingMaps()[2].String())
}

func TestTileClampsToDomain(t *testing.T) {
	fn, g := windowSums(2, 2, 2, 2, 1)
	res, err := TileUsingLoops(ir.NewRewriter(), g, Options{TileSizes: []int64{16}})
	require.NoError(t, err)
	step, _ := ir.ConstantIndexValue(res.Loops[0].Step())
	assert.Equal(t, int64(4), step)
	assert.Empty(t, fn.OpsOfKind(ir.KindAffineMin))
}

func TestTileErrors(t *testing.T) {
	fn := ir.NewFunc("conv", ir.TensorOf(dtypes.Float32, 1, 1, 3, 3), ir.TensorOf(dtypes.Float32, 1, 1, 2, 2),
		ir.TensorOf(dtypes.Float32, 1, 1, 2, 2))
	b := ir.NewBuilder(ir.NewRewriter()).SetInsertionPoint(ir.AtEnd(fn.Body()))
	args := fn.Args()
	conv := b.Conv2D(args[0], args[1], args[2], [2]int{1, 1}, [2]int{1, 1})
	b.Return(conv)
	_, err := TileUsingLoops(ir.NewRewriter(), conv.DefiningOp(), Options{TileSizes: []int64{1}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotTileable))
	assert.Contains(t, err.Error(), "only TilingInterface ops are supported")

	fn, g := windowSums(2, 2, 2, 2, 1)
	before := ir.Print(fn)
	for _, opts := range []Options{
		{TileSizes: []int64{1, 1, 1, 1}},
		{TileSizes: []int64{-1}},
		{TileSizes: []int64{1}, Interchange: []int{0, 0, 1}},
	} {
		_, err = TileUsingLoops(ir.NewRewriter(), g, opts)
		require.ErrorIs(t, err, ErrInvalidOptions)
	}
	assert.Equal(t, before, ir.Print(fn))
}
