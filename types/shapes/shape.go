// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and associated tools for the tensors manipulated by the
// rewrite: the payload IR types (see package ir) and the concrete tensors of the
// interpreter (see package ir/interp).
//
// A Shape is a DType plus a list of dimensions. Differently from a concrete tensor, the shape
// of a value in the IR can have unknown ("dynamic") dimensions, marked with DynamicDim. They
// show up for the boundary (remainder) tiles generated by tiling, whose size is only known
// at run time.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a Tensor.
//   - Axis: is the index of a dimension on a multidimensional Tensor.
//   - Dimension: the size of a multi-dimensions Tensor in one of its axes.
//   - DType: the data type of the unit element in a tensor. Enumeration defined in github.com/gomlx/gopjrt/dtypes
//   - Static: a shape with all dimensions known at compile time.
//
// Example: a convolution input with 1 image, 4 channels and 18x18 pixels of float32 is
// created with `shapes.Make(dtypes.Float32, 1, 4, 18, 18)` and printed as `tensor<1x4x18x18xf32>`
// by TypeString.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// DynamicDim marks an axis whose dimension is only known at run time.
const DynamicDim = -1

// Shape represents the shape of either a Tensor or the expected shape
// of a value in the IR.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
// Dimensions must be positive, or DynamicDim.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim <= 0 && dim != DynamicDim {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Scalar returns a scalar Shape for the given dtype.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// IsStatic returns whether all dimensions are known.
func (s Shape) IsStatic() bool {
	return !slices.Contains(s.Dimensions, DynamicDim)
}

// IsDynamicDim returns whether the given axis has a dimension only known at run time.
func (s Shape) IsDynamicDim(axis int) bool {
	return s.Dim(axis) == DynamicDim
}

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, len(s.Dimensions))
	for ii, dim := range s.Dimensions {
		if dim == DynamicDim {
			parts[ii] = "?"
		} else {
			parts[ii] = fmt.Sprintf("%d", dim)
		}
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}

// TypeString returns the MLIR-like representation of the shape, e.g. `tensor<4x?xf32>`.
// Scalars are represented by their element type only.
func (s Shape) TypeString() string {
	if s.Rank() == 0 {
		return ElementTypeName(s.DType)
	}
	var sb strings.Builder
	sb.WriteString("tensor<")
	for _, dim := range s.Dimensions {
		if dim == DynamicDim {
			sb.WriteString("?x")
		} else {
			_, _ = fmt.Fprintf(&sb, "%dx", dim)
		}
	}
	sb.WriteString(ElementTypeName(s.DType))
	sb.WriteString(">")
	return sb.String()
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
// It panics if the shape is not static.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		if d == DynamicDim {
			exceptions.Panicf("Shape.Size() of non-static shape %s", s)
		}
		size *= d
	}
	return
}

// Memory returns the memory used to store an array of the given shape, the same as the size in bytes.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
// Dynamic dimensions are only equal to dynamic dimensions.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Compatible returns whether a value of shape s2 can be used where s is expected: same dtype
// and rank, and the dimensions are equal whenever both are known.
func (s Shape) Compatible(s2 Shape) bool {
	if s.DType != s2.DType || s.Rank() != s2.Rank() {
		return false
	}
	for axis, dim := range s.Dimensions {
		dim2 := s2.Dimensions[axis]
		if dim != DynamicDim && dim2 != DynamicDim && dim != dim2 {
			return false
		}
	}
	return true
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}

// WithDType returns a copy of the shape with the dtype replaced.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// Strides returns the strides of each axis for a row-major layout.
// It panics if the shape is not static.
func (s Shape) Strides() (strides []int) {
	rank := s.Rank()
	strides = make([]int, rank)
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		if s.Dimensions[axis] == DynamicDim {
			exceptions.Panicf("Shape.Strides() of non-static shape %s", s)
		}
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	return
}
