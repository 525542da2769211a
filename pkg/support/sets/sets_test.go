// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := Make[int](10)
	assert.Len(t, s, 0)
	s.Insert(3, 7)
	assert.Len(t, s, 2)
	assert.True(t, s.Has(3))
	assert.False(t, s.Has(5))
	assert.True(t, s.HasAny(5, 7))
	assert.False(t, s.HasAny(5, 6))
	s.Remove(3, 11)
	assert.False(t, s.Has(3))

	s2 := MakeWith("a", "b", "a")
	assert.Len(t, s2, 2)
}
