// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sconv

import (
	"fmt"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sconv/ir"
	"github.com/gomlx/sconv/ir/interp"
	"github.com/gomlx/sconv/sconv/csa"
	"github.com/gomlx/sconv/transform"
	"github.com/gomlx/sconv/types/shapes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// convShape describes a test convolution.
type convShape struct {
	dtype, accDType        dtypes.DType
	n, ic, oc, oh, ow      int
	fh, fw                 int
	strides, dilations     [2]int
	dynamicFilter, dynamic bool
}

func (c convShape) String() string {
	return fmt.Sprintf("%s->%s n=%d ic=%d oc=%d out=%dx%d filter=%dx%d strides=%v",
		c.dtype, c.accDType, c.n, c.ic, c.oc, c.oh, c.ow, c.fh, c.fw, c.strides)
}

func newConvShape(dtype, accDType dtypes.DType, ic, oc, oh, ow, fh, fw, stride int) convShape {
	return convShape{
		dtype: dtype, accDType: accDType,
		n: 1, ic: ic, oc: oc, oh: oh, ow: ow, fh: fh, fw: fw,
		strides: [2]int{stride, stride}, dilations: [2]int{1, 1},
	}
}

func batched(c convShape, n int) convShape {
	c.n = n
	return c
}

func (c convShape) inputShape() shapes.Shape {
	h := (c.oh-1)*c.strides[0] + (c.fh-1)*c.dilations[0] + 1
	w := (c.ow-1)*c.strides[1] + (c.fw-1)*c.dilations[1] + 1
	if c.dynamic {
		return shapes.Make(c.dtype, c.n, c.ic, shapes.DynamicDim, w)
	}
	return shapes.Make(c.dtype, c.n, c.ic, h, w)
}

func (c convShape) filterShape() shapes.Shape {
	if c.dynamicFilter {
		return shapes.Make(c.dtype, c.oc, c.ic, shapes.DynamicDim, c.fw)
	}
	return shapes.Make(c.dtype, c.oc, c.ic, c.fh, c.fw)
}

func (c convShape) outputShape() shapes.Shape {
	return shapes.Make(c.accDType, c.n, c.oc, c.oh, c.ow)
}

// build returns a function returning the convolution, and the convolution op.
func (c convShape) build() (*ir.Func, *ir.Op) {
	fn := ir.NewFunc("conv", ir.TensorType(c.inputShape()), ir.TensorType(c.filterShape()), ir.TensorType(c.outputShape()))
	b := ir.NewBuilder(ir.NewRewriter()).SetInsertionPoint(ir.AtEnd(fn.Body()))
	args := fn.Args()
	result := b.Conv2D(args[0], args[1], args[2], c.strides, c.dilations)
	b.Return(result)
	return fn, result.DefiningOp()
}

// data returns the arguments of the function and the expected result. Values are small
// integers, so float accumulations are exact in any order.
func (c convShape) data() (args []*interp.Tensor, want *interp.Tensor) {
	input := interp.FromFunc(c.inputShape(), func(flat int) float64 { return float64(flat%7 - 3) })
	filter := interp.FromFunc(c.filterShape(), func(flat int) float64 { return float64(flat%5 - 2) })
	output := interp.FromFunc(c.outputShape(), func(flat int) float64 { return float64(flat % 3) })
	return []*interp.Tensor{input, filter, output}, interp.Conv2D(input, filter, output, c.strides, c.dilations)
}

func checkNumerics(t *testing.T, c convShape, fn *ir.Func) {
	t.Helper()
	require.NoError(t, ir.Verify(fn), ir.Print(fn))
	args, want := c.data()
	got := must.M1(interp.Run(fn, args...))[0]
	require.True(t, want.Equal(got), "results differ by up to %g for %s", want.MaxAbsDiff(got), c)
}

func TestExtractProblem(t *testing.T) {
	c := newConvShape(dtypes.Int8, dtypes.Int32, 3, 8, 8, 7, 3, 2, 2)
	c.strides = [2]int{2, 1}
	_, conv := c.build()
	p, ops, err := ExtractProblem(conv, 4)
	require.NoError(t, err)
	assert.Equal(t, csa.Problem{N: 1, IC: 3, OC: 8, FH: 3, FW: 2, OH: 8, OW: 7, SH: 2, SW: 1, V: 4, ElementSize: 4}, p)
	assert.Equal(t, [2]int{2, 1}, ops.Strides)
	assert.Equal(t, conv.Operand(0), ops.Input)
	assert.Equal(t, conv.Operand(1), ops.Filter)
	assert.Equal(t, conv.Operand(2), ops.Output)
}

func TestValidationBeforeMutation(t *testing.T) {
	base := newConvShape(dtypes.Float32, dtypes.Float32, 3, 8, 4, 4, 3, 3, 1)
	dilated := base
	dilated.dilations = [2]int{1, 2}
	dynamicFilter := base
	dynamicFilter.dynamicFilter = true
	dynamicInput := base
	dynamicInput.dynamic = true
	narrowing := newConvShape(dtypes.Float64, dtypes.Float32, 3, 8, 4, 4, 3, 3, 1)
	unsigned := newConvShape(dtypes.Uint8, dtypes.Int32, 3, 8, 4, 4, 3, 3, 1)

	type testCase struct {
		name   string
		c      convShape
		reason string
	}
	for _, tc := range []testCase{
		{"dilations", dilated, "expected all ones for dilations"},
		{"dynamic filter", dynamicFilter, "expected a static shape for the filter"},
		{"dynamic input", dynamicInput, "expected a static shape for the input"},
		{"narrowing", narrowing, "cannot accumulate"},
		{"unsigned", unsigned, "expected signed element types"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fn, conv := tc.c.build()
			before := ir.Print(fn)
			_, err := Apply(ir.NewRewriter(), conv, DefaultConfig())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
			assert.Contains(t, err.Error(), tc.reason)
			assert.Equal(t, before, ir.Print(fn))
			assert.False(t, conv.IsErased())
		})
	}

	t.Run("not a convolution", func(t *testing.T) {
		fn, conv := base.build()
		rw := ir.NewRewriter()
		p, ops, err := ExtractProblem(conv, 4)
		require.NoError(t, err)
		generic := Reformulate(rw, p, ops)
		before := ir.Print(fn)
		_, err = Apply(rw, generic, DefaultConfig())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidation))
		assert.Contains(t, err.Error(), "expected a Conv2DNchwFchwOp")
		assert.Equal(t, before, ir.Print(fn))
	})
}

func TestReformulate(t *testing.T) {
	for _, c := range []convShape{
		newConvShape(dtypes.Int8, dtypes.Int32, 3, 8, 8, 8, 3, 3, 1),
		newConvShape(dtypes.Int32, dtypes.Int32, 3, 8, 8, 8, 3, 3, 1),
		newConvShape(dtypes.Float32, dtypes.Float32, 3, 8, 8, 8, 3, 3, 1),
		newConvShape(dtypes.Float16, dtypes.Float32, 2, 4, 3, 5, 2, 3, 2),
		newConvShape(dtypes.Int16, dtypes.Float64, 2, 5, 4, 3, 3, 1, 3),
	} {
		t.Run(c.String(), func(t *testing.T) {
			fn, conv := c.build()
			p, ops, err := ExtractProblem(conv, 4)
			require.NoError(t, err)
			generic := Reformulate(ir.NewRewriter(), p, ops)
			assert.True(t, conv.IsErased())
			assert.Empty(t, fn.OpsOfKind(ir.KindConv2D))
			require.Len(t, fn.OpsOfKind(ir.KindCollapse), 1)
			require.Len(t, fn.OpsOfKind(ir.KindExpand), 1)
			assert.Equal(t, ir.KindExpand, fn.Return().Operand(0).DefiningOp().Kind())

			g, ok := ir.AsGeneric(generic)
			require.True(t, ok)
			assert.Equal(t, ReductionIterators, g.IteratorTypes())
			for ii, m := range ReductionMaps(p) {
				assert.True(t, m.Equal(g.IndexingMaps()[ii]), "map #%d: %s", ii, g.IndexingMaps()[ii])
			}
			assert.Equal(t, "tensor<1x"+fmt.Sprint(c.oc)+"x"+fmt.Sprint(c.oh*c.ow)+"x"+shapes.ElementTypeName(c.accDType)+">",
				g.Outputs()[0].Type().String())
			checkNumerics(t, c, fn)
		})
	}
}

func TestApply(t *testing.T) {
	type testCase struct {
		name     string
		c        convShape
		cfg      Config
		strategy csa.Strategy
	}
	small := microkernelConfig(4, 8)
	for _, tc := range []testCase{
		{
			name:     "default analysis",
			c:        newConvShape(dtypes.Float32, dtypes.Float32, 3, 8, 8, 8, 3, 3, 1),
			cfg:      DefaultConfig(),
			strategy: 0,
		},
		{
			name:     "weight stationary remainders",
			c:        newConvShape(dtypes.Int8, dtypes.Int32, 5, 10, 5, 7, 3, 2, 2),
			cfg:      small.WithOverride(csa.Decision{Strategy: csa.WeightStationary, K2: 2, K3: 1, TileC: 2}),
			strategy: csa.WeightStationary,
		},
		{
			name:     "input stationary remainders",
			c:        newConvShape(dtypes.Int8, dtypes.Int32, 5, 10, 5, 7, 3, 2, 2),
			cfg:      small.WithOverride(csa.Decision{Strategy: csa.InputStationary, K2: 2, K3: 2, TileC: 3}),
			strategy: csa.InputStationary,
		},
		{
			name:     "batch of images",
			c:        batched(newConvShape(dtypes.Int8, dtypes.Int32, 3, 6, 4, 5, 3, 3, 1), 3),
			cfg:      small.WithOverride(csa.Decision{Strategy: csa.InputStationary, K2: 1, K3: 2, TileC: 2}),
			strategy: csa.InputStationary,
		},
		{
			name:     "batch of images weight stationary",
			c:        batched(newConvShape(dtypes.Float32, dtypes.Float32, 2, 5, 3, 6, 2, 2, 2), 2),
			cfg:      small.WithOverride(csa.Decision{Strategy: csa.WeightStationary, K2: 1, K3: 1, TileC: 1}),
			strategy: csa.WeightStationary,
		},
		{
			name:     "input stationary float",
			c:        newConvShape(dtypes.Float32, dtypes.Float32, 4, 12, 6, 6, 3, 3, 1),
			cfg:      small.WithOverride(csa.Decision{Strategy: csa.InputStationary, K2: 1, K3: 3, TileC: 4}),
			strategy: csa.InputStationary,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fn, conv := tc.c.build()
			h, err := Apply(ir.NewRewriter(), conv, tc.cfg)
			require.NoError(t, err)
			if tc.strategy != 0 {
				assert.Equal(t, tc.strategy, h.Schedule.Decision.Strategy)
			}
			require.Len(t, h.Loops, 4)
			require.Len(t, h.OuterLoops, 2)
			require.NotNil(t, h.Microkernel)
			assert.Equal(t, ir.KindGeneric, h.Microkernel.Kind())
			assert.True(t, h.Loops[0].IsAncestorOf(h.Microkernel))
			for ii := 1; ii < len(h.Loops); ii++ {
				assert.True(t, h.Loops[ii].IsAncestorOf(h.Loops[ii-1].Op), "loop #%d doesn't contain loop #%d", ii, ii-1)
			}
			assert.True(t, h.OuterLoops[0].IsAncestorOf(h.OuterLoops[1].Op))
			assert.True(t, h.OuterLoops[1].IsAncestorOf(h.Loops[3].Op))
			assert.Equal(t, int64(tc.c.n), must.M1(constant(h.OuterLoops[0].UpperBound())))
			assert.Equal(t, int64(1), must.M1(constant(h.OuterLoops[0].Step())))
			if h.Schedule.Decision.Strategy == csa.InputStationary {
				assert.Equal(t, []int{dimWindows, dimFilters, dimFilters, dimWindows}, h.LoopDims)
			} else {
				assert.Equal(t, []int{dimWindows, dimFilters, dimWindows, dimFilters}, h.LoopDims)
			}
			checkNumerics(t, tc.c, fn)
		})
	}
}

// microkernelConfig returns the default configuration with a fixed microkernel.
func microkernelConfig(numFilters, numWindows int) Config {
	return DefaultConfig().WithMicrokernel(csa.NewMicrokernel(numFilters, numWindows))
}

func TestEndToEndInputStationary(t *testing.T) {
	c := newConvShape(dtypes.Float32, dtypes.Float32, 4, 64, 16, 16, 3, 3, 1)
	forced := csa.Decision{Strategy: csa.InputStationary, K2: 8, K3: 2, TileC: 16}
	cfg := DefaultConfig().WithOverride(forced)

	// Without the swap.
	fn, conv := c.build()
	h, err := Apply(ir.NewRewriter(), conv, cfg.WithSkipSwap(true))
	require.NoError(t, err)
	assert.Equal(t, csa.NewMicrokernel(8, 16), h.Schedule.Microkernel)
	assert.Equal(t, 4, h.Schedule.Decision.TileC)
	require.Len(t, h.Loops, 4)
	assert.Equal(t, []int{dimFilters, dimWindows, dimFilters, dimWindows}, h.LoopDims)
	checkNumerics(t, c, fn)

	// Step by step, with the swap.
	fn, conv = c.build()
	rw := ir.NewRewriter()
	s, ops, err := Plan(conv, cfg)
	require.NoError(t, err)
	reduction := Reformulate(rw, s.Problem, ops)
	h, err = BuildTiledLoops(rw, reduction, s.Microkernel, s.Decision)
	require.NoError(t, err)
	require.Len(t, h.Loops, 4)
	oldInner, oldOuter, oldKernel := h.Loops[0], h.Loops[1], h.Microkernel
	macroInner := h.Loops[2]

	require.NoError(t, SwapLoops(rw, &h))
	require.Len(t, h.Loops, 4)
	assert.True(t, oldInner.IsErased())
	assert.True(t, oldOuter.IsErased())
	assert.True(t, oldKernel.IsErased())
	assert.False(t, h.Microkernel.IsErased())
	assert.Equal(t, macroInner, h.Loops[2])
	assert.Equal(t, h.Loops[1].Op, h.Loops[0].ParentOp())
	assert.Equal(t, macroInner.Op, h.Loops[1].ParentOp())
	assert.Equal(t, []int{dimWindows, dimFilters, dimFilters, dimWindows}, h.LoopDims)

	// The new outer loop iterates over the filters (64 channels in steps of 8), and its
	// results are the only ones used by the macro tile.
	assert.Equal(t, int64(8), must.M1(constant(h.Loops[1].Step())))
	assert.Equal(t, int64(16), must.M1(constant(h.Loops[0].Step())))
	assert.True(t, h.Loops[1].Result(0).HasUses())
	for _, use := range h.Loops[1].Result(0).Uses() {
		assert.Equal(t, macroInner.Op, use.Op.ParentOp())
	}
	checkNumerics(t, c, fn)
}

func constant(v *ir.Value) (int64, error) {
	c, ok := ir.ConstantIndexValue(v)
	if !ok {
		return 0, errors.Errorf("%s is not a constant", v)
	}
	return c, nil
}

func TestTransform(t *testing.T) {
	good := newConvShape(dtypes.Int8, dtypes.Int32, 3, 8, 4, 6, 3, 3, 1)
	dilated := newConvShape(dtypes.Int8, dtypes.Int32, 3, 8, 4, 6, 3, 3, 1)
	dilated.dilations = [2]int{2, 2}

	fn := ir.NewFunc("two_convs",
		ir.TensorType(good.inputShape()), ir.TensorType(good.filterShape()), ir.TensorType(good.outputShape()),
		ir.TensorType(dilated.inputShape()), ir.TensorType(dilated.outputShape()))
	b := ir.NewBuilder(ir.NewRewriter()).SetInsertionPoint(ir.AtEnd(fn.Body()))
	args := fn.Args()
	r0 := b.Conv2D(args[0], args[1], args[2], good.strides, good.dilations)
	r1 := b.Conv2D(args[3], args[1], args[4], dilated.strides, dilated.dilations)
	b.Return(r0, r1)

	goodArgs, want0 := good.data()
	dilatedArgs, _ := dilated.data()
	dilatedArgs[1] = goodArgs[1]
	want1 := interp.Conv2D(dilatedArgs[0], dilatedArgs[1], dilatedArgs[2], dilated.strides, dilated.dilations)
	runArgs := []*interp.Tensor{goodArgs[0], goodArgs[1], goodArgs[2], dilatedArgs[0], dilatedArgs[2]}

	it := transform.NewInterpreter(fn)
	convs := it.Match(ir.KindConv2D)
	results, err := it.Apply(convs, NewTransform(microkernelConfig(4, 8)))
	require.NoError(t, err)
	require.Len(t, results, 5)
	require.Len(t, it.Diagnostics(), 1)
	assert.True(t, errors.Is(it.Diagnostics()[0], ErrValidation))
	assert.Contains(t, it.Diagnostics()[0].Error(), "expected all ones for dilations")

	kernels := must.M1(it.State().Ops(results[0]))
	require.Len(t, kernels, 1)
	assert.Equal(t, ir.KindGeneric, kernels[0].Kind())
	for _, h := range results[1:] {
		loops := must.M1(it.State().Ops(h))
		require.Len(t, loops, 1)
		assert.Equal(t, ir.KindFor, loops[0].Kind())
	}
	assert.Len(t, fn.OpsOfKind(ir.KindConv2D), 1)

	require.NoError(t, ir.Verify(fn), ir.Print(fn))
	got := must.M1(interp.Run(fn, runArgs...))
	assert.True(t, want0.Equal(got[0]))
	assert.True(t, want1.Equal(got[1]))
}

// nestVariant selects how buildNest breaks the structure expected by SwapLoops.
type nestVariant int

const (
	validNest nestVariant = iota
	noAccumulation
	twoAccumulations
	indexCarried
)

// buildNest builds acc[i:i+2, j:j+4] += x[i:i+2, j:j+4] with two loops over i (outer) and
// j (inner), on 4x8 int32 tensors. The row offset is computed in the outer body.
func buildNest(variant nestVariant) (*ir.Func, Handles) {
	fn := ir.NewFunc("nest", ir.TensorOf(dtypes.Int32, 4, 8), ir.TensorOf(dtypes.Int32, 4, 8))
	b := ir.NewBuilder(ir.NewRewriter()).SetInsertionPoint(ir.AtEnd(fn.Body()))
	x, acc := fn.Args()[0], fn.Args()[1]
	zero, four, eight, two := b.ConstantIndex(0), b.ConstantIndex(4), b.ConstantIndex(8), b.ConstantIndex(2)
	inits := []*ir.Value{acc}
	if variant == indexCarried {
		inits = append(inits, zero)
	}
	sizes := []ir.OpFoldResult{ir.StaticIndex(2), ir.StaticIndex(4)}
	identity := ir.IdentityMap(2)

	var kernel *ir.Op
	var inner *ir.Op
	outer := b.For(zero, four, two, inits, func(b *ir.Builder, i *ir.Value, outerArgs []*ir.Value) []*ir.Value {
		row := b.AffineApply(ir.NewAffineMap(1, 0, ir.Add(ir.Dim(0), ir.Const(0))), i)
		_ = b.ConstantIndex(1)
		inner = b.For(zero, eight, four, outerArgs, func(b *ir.Builder, j *ir.Value, innerArgs []*ir.Value) []*ir.Value {
			offsets := []ir.OpFoldResult{ir.DynamicIndex(row), ir.DynamicIndex(j)}
			src := b.ExtractSlice(x, offsets, sizes)
			dest := b.ExtractSlice(innerArgs[0], offsets, sizes)
			kernel = b.Generic([]*ir.Value{src}, []*ir.Value{dest}, nil, []ir.AffineMap{identity, identity},
				[]ir.IteratorType{ir.Parallel, ir.Parallel},
				func(b *ir.Builder, args []*ir.Value) []*ir.Value {
					return []*ir.Value{b.Add(args[0], args[1])}
				})
			yields := []*ir.Value{innerArgs[0]}
			switch variant {
			case validNest, indexCarried:
				yields[0] = b.InsertSlice(kernel.Result(0), innerArgs[0], offsets, sizes)
			case twoAccumulations:
				_ = b.InsertSlice(kernel.Result(0), innerArgs[0], offsets, sizes)
				yields[0] = b.InsertSlice(kernel.Result(0), innerArgs[0], offsets, sizes)
			}
			if variant == indexCarried {
				yields = append(yields, innerArgs[1])
			}
			return yields
		})
		return inner.Results()
	})
	b.Return(outer.Result(0))

	innerLoop, _ := ir.AsFor(inner)
	outerLoop, _ := ir.AsFor(outer)
	return fn, Handles{
		Microkernel: kernel,
		Loops:       []ir.ForOp{innerLoop, outerLoop},
		LoopDims:    []int{dimWindows, dimFilters},
	}
}

func runNest(fn *ir.Func) *interp.Tensor {
	shape := fn.Args()[0].Shape()
	x := interp.FromFunc(shape, func(flat int) float64 { return float64(flat) })
	acc := interp.FromFunc(shape, func(flat int) float64 { return float64(100 - 2*flat) })
	return must.M1(interp.Run(fn, x, acc))[0]
}

func TestSwapLoops(t *testing.T) {
	fn, h := buildNest(validNest)
	require.NoError(t, ir.Verify(fn), ir.Print(fn))
	want := runNest(fn)
	oldInner, oldOuter := h.Loops[0], h.Loops[1]

	require.NoError(t, SwapLoops(ir.NewRewriter(), &h))
	require.NoError(t, ir.Verify(fn), ir.Print(fn))
	assert.True(t, oldInner.IsErased())
	assert.True(t, oldOuter.IsErased())
	assert.Equal(t, []int{dimFilters, dimWindows}, h.LoopDims)
	assert.Equal(t, h.Loops[1].Op, h.Loops[0].ParentOp())
	assert.True(t, h.Loops[0].IsAncestorOf(h.Microkernel))
	assert.Equal(t, int64(4), must.M1(constant(h.Loops[1].Step())))
	assert.Equal(t, int64(2), must.M1(constant(h.Loops[0].Step())))
	assert.Equal(t, h.Loops[1].Result(0), fn.Return().Operand(0))

	// The row offset depends on the old outer induction variable, so it moves into the new
	// inner loop. The unused constant stays in the new outer loop.
	assert.Len(t, h.Loops[0].Body().Ops(), 6)
	assert.Equal(t, ir.KindAffineApply, h.Loops[0].Body().Ops()[0].Kind())
	assert.Equal(t, ir.KindConstant, h.Loops[1].Body().Ops()[0].Kind())
	assert.True(t, want.Equal(runNest(fn)))
}

func TestSwapLoopsFailures(t *testing.T) {
	type testCase struct {
		name    string
		variant nestVariant
		reverse bool
		reason  string
	}
	for _, tc := range []testCase{
		{"no accumulation", noAccumulation, false, "found 0"},
		{"two accumulations", twoAccumulations, false, "found 2"},
		{"index carried", indexCarried, false, "expected a tensor"},
		{"not nested", validNest, true, "not directly nested"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fn, h := buildNest(tc.variant)
			if tc.reverse {
				h.Loops[0], h.Loops[1] = h.Loops[1], h.Loops[0]
			}
			before := ir.Print(fn)
			err := SwapLoops(ir.NewRewriter(), &h)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrStructural))
			assert.Contains(t, err.Error(), tc.reason)
			assert.Equal(t, before, ir.Print(fn))
		})
	}
}
