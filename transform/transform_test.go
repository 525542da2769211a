// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transform

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sconv/ir"
	"github.com/gomlx/sconv/ir/interp"
	"github.com/gomlx/sconv/ir/tiling"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// accumulate builds y[i] += x[i] on tensors of size n.
func accumulate(n int) *ir.Func {
	fn := ir.NewFunc("accumulate", ir.TensorOf(dtypes.Int32, n), ir.TensorOf(dtypes.Int32, n))
	b := ir.NewBuilder(ir.NewRewriter()).SetInsertionPoint(ir.AtEnd(fn.Body()))
	args := fn.Args()
	identity := ir.IdentityMap(1)
	g := b.Generic(args[:1], args[1:], nil, []ir.AffineMap{identity, identity}, []ir.IteratorType{ir.Parallel},
		func(b *ir.Builder, args []*ir.Value) []*ir.Value {
			return []*ir.Value{b.Add(args[0], args[1])}
		})
	b.Return(g.Result(0))
	return fn
}

func runAccumulate(fn *ir.Func) *interp.Tensor {
	n := fn.Args()[0].Shape().Dim(0)
	x := interp.FromFunc(fn.Args()[0].Shape(), func(flat int) float64 { return float64(flat * 3) })
	y := interp.FromFunc(fn.Args()[1].Shape(), func(flat int) float64 { return float64(n - flat) })
	return must.M1(interp.Run(fn, x, y))[0]
}

// tileTransform tiles its targets, and returns the tiled op and the loop.
type tileTransform struct {
	size int64
	fail bool
}

func (t tileTransform) Name() string    { return "tile" }
func (t tileTransform) NumResults() int { return 2 }

func (t tileTransform) Apply(rw ir.Rewriter, target *ir.Op) ([]*ir.Op, error) {
	if _, ok := tiling.Lookup(target); !ok {
		return nil, Silenceable(errors.Wrapf(tiling.ErrNotTileable, "target %s", target.Kind()))
	}
	res, err := tiling.TileUsingLoops(rw, target, tiling.Options{TileSizes: []int64{t.size}})
	if err != nil {
		return nil, err
	}
	if t.fail {
		return nil, errors.New("failing after changing the payload")
	}
	return []*ir.Op{res.TiledOps[0], res.Loops[0].Op}, nil
}

func TestInterpreterApply(t *testing.T) {
	fn := accumulate(10)
	want := runAccumulate(fn)
	it := NewInterpreter(fn)
	h := it.Match(ir.KindGeneric)
	g := must.M1(it.State().Ops(h))[0]
	other := it.State().Track("other", g)

	results, err := it.Apply(h, tileTransform{size: 4})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.NoError(t, ir.Verify(fn), ir.Print(fn))
	assert.True(t, want.Equal(runAccumulate(fn)))

	tiled := must.M1(it.State().Ops(results[0]))
	loops := must.M1(it.State().Ops(results[1]))
	require.Len(t, tiled, 1)
	require.Len(t, loops, 1)
	assert.Equal(t, ir.KindGeneric, tiled[0].Kind())
	assert.Equal(t, ir.KindFor, loops[0].Kind())
	assert.True(t, loops[0].IsAncestorOf(tiled[0]))
	assert.Equal(t, "tile#1", it.State().Name(results[1]))

	// The target handle is consumed, and the other handle follows the replacement of the target.
	_, err = it.State().Ops(h)
	assert.True(t, errors.Is(err, ErrInvalidHandle))
	assert.Equal(t, loops, must.M1(it.State().Ops(other)))
}

func TestInterpreterSkipsSilenceable(t *testing.T) {
	fn := accumulate(6)
	it := NewInterpreter(fn)
	g := fn.OpsOfKind(ir.KindGeneric)[0]
	h := it.State().Track("mixed", fn.Return(), g)

	results, err := it.Apply(h, tileTransform{size: 4})
	require.NoError(t, err)
	require.Len(t, it.Diagnostics(), 1)
	assert.True(t, IsSilenceable(it.Diagnostics()[0]))
	assert.True(t, errors.Is(it.Diagnostics()[0], tiling.ErrNotTileable))
	assert.Len(t, must.M1(it.State().Ops(results[0])), 1)
	assert.Len(t, fn.OpsOfKind(ir.KindFor), 1)
}

func TestInterpreterRestoresOnFailure(t *testing.T) {
	fn := accumulate(6)
	before := ir.Print(fn)
	want := runAccumulate(fn)
	it := NewInterpreter(fn)
	h := it.Match(ir.KindGeneric)

	_, err := it.Apply(h, tileTransform{size: 4, fail: true})
	require.Error(t, err)
	assert.False(t, IsSilenceable(err))
	assert.Contains(t, err.Error(), "payload restored")

	assert.Equal(t, before, ir.Print(fn))
	require.NoError(t, ir.Verify(fn))
	assert.True(t, want.Equal(runAccumulate(fn)))

	// The handle points to the restored op, and can be used again.
	ops := must.M1(it.State().Ops(h))
	require.Len(t, ops, 1)
	assert.Equal(t, fn.OpsOfKind(ir.KindGeneric)[0], ops[0])
	_, err = it.Apply(h, tileTransform{size: 4})
	require.NoError(t, err)
	assert.Len(t, fn.OpsOfKind(ir.KindFor), 1)
}

func TestStateErasedOps(t *testing.T) {
	fn := accumulate(4)
	s := NewState()
	rw := ir.NewRewriter().AddListener(s)
	g := fn.OpsOfKind(ir.KindGeneric)[0]
	h := s.Track("generic", g)
	rw.ReplaceAllUsesWith(g.Result(0), fn.Args()[1])
	rw.Erase(g)
	assert.Empty(t, must.M1(s.Ops(h)))

	_, err := s.Ops(Handle{})
	assert.True(t, errors.Is(err, ErrInvalidHandle))
	require.NoError(t, s.Consume(h))
	assert.Error(t, s.Consume(h))
}
