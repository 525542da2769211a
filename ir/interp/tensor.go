// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interp

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/sconv/types/shapes"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Tensor is a concrete, dense, row-major tensor. Values are stored as float64 for float
// dtypes and as int64 for integer dtypes, always rounded (or wrapped) to the dtype.
type Tensor struct {
	shape  shapes.Shape
	floats []float64
	ints   []int64
}

// Zeros creates a tensor of the given static shape filled with zeros.
func Zeros(shape shapes.Shape) *Tensor {
	if err := shape.CheckStatic(); err != nil {
		exceptions.Panicf("interp.Zeros: %v", err)
	}
	t := &Tensor{shape: shape.Clone()}
	if shapes.IsFloatKind(shape.DType) {
		t.floats = make([]float64, shape.Size())
	} else {
		t.ints = make([]int64, shape.Size())
	}
	return t
}

// FromFlat creates a tensor with the given flat (row-major) values, converted to dtype.
func FromFlat[T constraints.Integer | constraints.Float](dtype dtypes.DType, dims []int, flat []T) *Tensor {
	t := Zeros(shapes.Make(dtype, dims...))
	if len(flat) != t.Size() {
		exceptions.Panicf("interp.FromFlat: %d values for shape %s", len(flat), t.shape)
	}
	for ii, v := range flat {
		t.SetFlat(ii, float64(v))
	}
	return t
}

// FromFunc creates a tensor whose elements are fn(flatIndex), converted to dtype.
func FromFunc(shape shapes.Shape, fn func(flat int) float64) *Tensor {
	t := Zeros(shape)
	for ii := range t.Size() {
		t.SetFlat(ii, fn(ii))
	}
	return t
}

// Shape of the tensor. It implements shapes.HasShape.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Size is the number of elements.
func (t *Tensor) Size() int { return t.shape.Size() }

// IsFloat returns whether values are stored as floats.
func (t *Tensor) IsFloat() bool { return t.floats != nil }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), floats: slices.Clone(t.floats), ints: slices.Clone(t.ints)}
}

// Reshape returns a tensor sharing the data with a different shape of the same size.
func (t *Tensor) Reshape(shape shapes.Shape) *Tensor {
	if shape.Size() != t.Size() || shape.DType != t.shape.DType {
		exceptions.Panicf("interp: cannot reshape %s to %s", t.shape, shape)
	}
	return &Tensor{shape: shape.Clone(), floats: t.floats, ints: t.ints}
}

// FlatIndex converts indices to the flat position, panicking if out-of-bounds.
func (t *Tensor) FlatIndex(indices []int) int {
	if len(indices) != t.shape.Rank() {
		exceptions.Panicf("interp: %d indices for tensor of shape %s", len(indices), t.shape)
	}
	flat := 0
	for axis, idx := range indices {
		dim := t.shape.Dimensions[axis]
		if idx < 0 || idx >= dim {
			exceptions.Panicf("interp: index %v out-of-bounds for shape %s", indices, t.shape)
		}
		flat = flat*dim + idx
	}
	return flat
}

// Flat returns the element at the flat position, as float64.
func (t *Tensor) Flat(ii int) float64 {
	if t.floats != nil {
		return t.floats[ii]
	}
	return float64(t.ints[ii])
}

// SetFlat sets the element at the flat position, rounding it to the dtype.
func (t *Tensor) SetFlat(ii int, v float64) {
	if t.floats != nil {
		t.floats[ii] = RoundFloat(t.shape.DType, v)
	} else {
		t.ints[ii] = WrapInt(t.shape.DType, int64(v))
	}
}

// Scalar returns the element at the indices.
func (t *Tensor) Scalar(indices []int) Scalar {
	ii := t.FlatIndex(indices)
	if t.floats != nil {
		return Scalar{DType: t.shape.DType, F: t.floats[ii]}
	}
	return Scalar{DType: t.shape.DType, I: t.ints[ii]}
}

// SetScalar sets the element at the indices.
func (t *Tensor) SetScalar(indices []int, s Scalar) {
	ii := t.FlatIndex(indices)
	if t.floats != nil {
		t.floats[ii] = RoundFloat(t.shape.DType, s.Float())
	} else {
		t.ints[ii] = WrapInt(t.shape.DType, s.Int())
	}
}

// At returns the element at the indices as float64.
func (t *Tensor) At(indices ...int) float64 {
	return t.Flat(t.FlatIndex(indices))
}

// Float64s returns a copy of the values as float64.
func (t *Tensor) Float64s() []float64 {
	out := make([]float64, t.Size())
	for ii := range out {
		out[ii] = t.Flat(ii)
	}
	return out
}

// Equal returns whether both tensors have the same shape and exactly the same values.
func (t *Tensor) Equal(t2 *Tensor) bool {
	return t.shape.Equal(t2.shape) && slices.Equal(t.floats, t2.floats) && slices.Equal(t.ints, t2.ints)
}

// MaxAbsDiff returns the largest absolute difference between elements of tensors of the
// same shape, or +Inf if the shapes differ.
func (t *Tensor) MaxAbsDiff(t2 *Tensor) float64 {
	if !t.shape.Equal(t2.shape) {
		return math.Inf(1)
	}
	var maxDiff float64
	for ii := range t.Size() {
		maxDiff = max(maxDiff, math.Abs(t.Flat(ii)-t2.Flat(ii)))
	}
	return maxDiff
}

// String implements fmt.Stringer, printing the shape and up to the first 16 values.
func (t *Tensor) String() string {
	n := min(t.Size(), 16)
	parts := make([]string, n)
	for ii := range n {
		parts[ii] = fmt.Sprintf("%g", t.Flat(ii))
	}
	suffix := ""
	if n < t.Size() {
		suffix = ", ..."
	}
	return fmt.Sprintf("%s{%s%s}", t.shape, strings.Join(parts, ", "), suffix)
}

// Scalar is an element value, used by the bodies of linalg.generic.
type Scalar struct {
	DType dtypes.DType
	F     float64
	I     int64
}

// Float returns the value as a float64.
func (s Scalar) Float() float64 {
	if shapes.IsFloatKind(s.DType) {
		return s.F
	}
	return float64(s.I)
}

// Int returns the value as an int64.
func (s Scalar) Int() int64 {
	if shapes.IsFloatKind(s.DType) {
		return int64(s.F)
	}
	return s.I
}

// MakeScalar creates a scalar of the dtype from a float64, rounding or wrapping it.
func MakeScalar(dtype dtypes.DType, v float64) Scalar {
	if shapes.IsFloatKind(dtype) {
		return Scalar{DType: dtype, F: RoundFloat(dtype, v)}
	}
	return Scalar{DType: dtype, I: WrapInt(dtype, int64(v))}
}

// RoundFloat rounds v to the precision of the float dtype.
func RoundFloat(dtype dtypes.DType, v float64) float64 {
	switch dtype {
	case dtypes.Float32:
		return float64(float32(v))
	case dtypes.Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case dtypes.BFloat16:
		return float64(bfloat16.FromFloat32(float32(v)).Float32())
	}
	return v
}

// SignExtend reads the bits of the integer v of the given dtype as a signed integer of the
// same width: unsigned values with the top bit set become negative.
func SignExtend(dtype dtypes.DType, v int64) int64 {
	switch dtype {
	case dtypes.Uint8:
		return int64(int8(v))
	case dtypes.Uint16:
		return int64(int16(v))
	case dtypes.Uint32:
		return int64(int32(v))
	}
	return v
}

// WrapInt wraps v to the range of the integer dtype.
func WrapInt(dtype dtypes.DType, v int64) int64 {
	switch dtype {
	case dtypes.Int8:
		return int64(int8(v))
	case dtypes.Int16:
		return int64(int16(v))
	case dtypes.Int32:
		return int64(int32(v))
	case dtypes.Uint8:
		return int64(uint8(v))
	case dtypes.Uint16:
		return int64(uint16(v))
	case dtypes.Uint32:
		return int64(uint32(v))
	case dtypes.Bool:
		if v != 0 {
			return 1
		}
		return 0
	}
	return v
}
