// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"slices"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	s := Make(dtypes.Float32, 1, 4, 18, 18)
	assert.Equal(t, 4, s.Rank())
	assert.Equal(t, 18, s.Dim(-1))
	assert.Equal(t, 1*4*18*18, s.Size())
	assert.Equal(t, uintptr(4*1*4*18*18), s.Memory())
	assert.True(t, s.IsStatic())
	assert.Equal(t, []int{4 * 18 * 18, 18 * 18, 18, 1}, s.Strides())
	assert.Equal(t, "tensor<1x4x18x18xf32>", s.TypeString())
	assert.Panics(t, func() { _ = s.Dim(4) })
	assert.Panics(t, func() { Make(dtypes.Int8, 0) })

	d := Make(dtypes.BFloat16, 8, DynamicDim)
	assert.False(t, d.IsStatic())
	assert.True(t, d.IsDynamicDim(1))
	assert.Equal(t, "tensor<8x?xbf16>", d.TypeString())
	assert.Panics(t, func() { _ = d.Size() })
	assert.True(t, Make(dtypes.BFloat16, 8, 3).Compatible(d))
	assert.False(t, Make(dtypes.BFloat16, 7, 3).Compatible(d))
	assert.False(t, d.Equal(Make(dtypes.BFloat16, 8, 3)))

	assert.Equal(t, "i32", Scalar(dtypes.Int32).TypeString())
	assert.True(t, Scalar(dtypes.Int32).IsScalar())
	assert.False(t, Invalid().Ok())
}

func TestChecks(t *testing.T) {
	s := Make(dtypes.Int32, 2, 3)
	require.NoError(t, s.CheckDims(2, 3))
	require.NoError(t, s.CheckDims(UncheckedAxis, 3))
	require.Error(t, s.CheckDims(2, 4))
	require.Error(t, s.CheckDims(2))
	require.Error(t, s.Check(dtypes.Float32, 2, 3))
	require.NoError(t, s.CheckStatic())
	require.Error(t, Make(dtypes.Int32, DynamicDim).CheckStatic())
	assert.Panics(t, func() { s.AssertRank(3) })
}

func TestParseDType(t *testing.T) {
	for _, tc := range []struct {
		name string
		want dtypes.DType
	}{
		{"f32", dtypes.Float32},
		{"float32", dtypes.Float32},
		{"bf16", dtypes.BFloat16},
		{"i8", dtypes.Int8},
		{"Int64", dtypes.Int64},
	} {
		got, err := ParseDType(tc.name)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}
	_, err := ParseDType("q4")
	require.Error(t, err)
}

func TestIter(t *testing.T) {
	s := Make(dtypes.Float32, 2, 1, 3)
	var got [][]int
	for indices := range s.Iter() {
		got = append(got, slices.Clone(indices))
	}
	want := [][]int{{0, 0, 0}, {0, 0, 1}, {0, 0, 2}, {1, 0, 0}, {1, 0, 1}, {1, 0, 2}}
	assert.Equal(t, want, got)

	count := 0
	for flat := range s.IterOn() {
		assert.Equal(t, count, flat)
		count++
	}
	assert.Equal(t, s.Size(), count)

	count = 0
	for range Scalar(dtypes.Float32).Iter() {
		count++
	}
	assert.Equal(t, 1, count)
}
