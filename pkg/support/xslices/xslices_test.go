// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"flag"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermutations(t *testing.T) {
	perm := []int{0, 3, 2, 1}
	require.NoError(t, CheckPermutation(perm, 4))
	require.Error(t, CheckPermutation([]int{0, 0, 1}, 3))
	require.Error(t, CheckPermutation([]int{0, 1}, 3))
	require.Error(t, CheckPermutation([]int{0, 5, 1}, 3))

	names := []string{"n", "f", "w", "c"}
	assert.Equal(t, []string{"n", "c", "w", "f"}, Permute(names, perm))
	assert.Equal(t, []int{0, 3, 2, 1}, InversePermutation(perm))
	assert.Equal(t, []int{2, 0, 1}, InversePermutation([]int{1, 2, 0}))
}

func TestIotaMapMax(t *testing.T) {
	assert.Equal(t, []int{3, 4, 5}, Iota(3, 3))
	assert.Equal(t, []string{"3", "4"}, Map(Iota(3, 2), strconv.Itoa))
	assert.Equal(t, 7, Max([]int{1, 7, 3}))
	assert.Equal(t, []string{"a", "b"}, SortedKeys(map[string]int{"b": 1, "a": 2}))
}

func TestFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	dims := Flag(fs, "dims", []int{1, 2}, "dimensions", strconv.Atoi)
	require.NoError(t, fs.Parse([]string{"-dims=4, 5,6"}))
	assert.Equal(t, []int{4, 5, 6}, *dims)
	require.Error(t, fs.Parse([]string{"-dims=4,x"}))
}
