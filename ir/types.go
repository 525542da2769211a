// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sconv/types/shapes"
)

// TypeKind enumerates the kinds of values in the IR.
type TypeKind int

const (
	// InvalidKind is the zero value of a Type.
	InvalidKind TypeKind = iota

	// TensorKind values are (immutable) ranked tensors, with possibly dynamic dimensions.
	TensorKind

	// ScalarKind values are single elements of some dtype, used in the bodies of linalg.generic.
	ScalarKind

	// IndexKind values are integers used for loop bounds, offsets and sizes.
	IndexKind
)

// Type of Value.
type Type struct {
	Kind  TypeKind
	Shape shapes.Shape // Set for TensorKind, and for ScalarKind (with rank 0).
}

// TensorType returns the type of tensors with the given shape.
func TensorType(shape shapes.Shape) Type {
	if !shape.Ok() {
		exceptions.Panicf("ir.TensorType(%s): invalid shape", shape)
	}
	return Type{Kind: TensorKind, Shape: shape.Clone()}
}

// TensorOf is a shortcut to TensorType(shapes.Make(dtype, dims...)).
func TensorOf(dtype dtypes.DType, dims ...int) Type {
	return TensorType(shapes.Make(dtype, dims...))
}

// ScalarType returns the type of scalars of the given dtype.
func ScalarType(dtype dtypes.DType) Type {
	return Type{Kind: ScalarKind, Shape: shapes.Scalar(dtype)}
}

// IndexType returns the type of index values.
func IndexType() Type {
	return Type{Kind: IndexKind}
}

// IsTensor returns whether t is a tensor type.
func (t Type) IsTensor() bool { return t.Kind == TensorKind }

// IsIndex returns whether t is the index type.
func (t Type) IsIndex() bool { return t.Kind == IndexKind }

// IsScalar returns whether t is a scalar type.
func (t Type) IsScalar() bool { return t.Kind == ScalarKind }

// DType of the tensor or scalar type. Index types return dtypes.InvalidDType.
func (t Type) DType() dtypes.DType {
	if t.Kind == IndexKind || t.Kind == InvalidKind {
		return dtypes.InvalidDType
	}
	return t.Shape.DType
}

// Equal returns whether both types are the same.
func (t Type) Equal(t2 Type) bool {
	if t.Kind != t2.Kind {
		return false
	}
	if t.Kind == IndexKind {
		return true
	}
	return t.Shape.Equal(t2.Shape)
}

// String returns the MLIR-like representation of the type.
func (t Type) String() string {
	switch t.Kind {
	case IndexKind:
		return "index"
	case TensorKind:
		return t.Shape.TypeString()
	case ScalarKind:
		return shapes.ElementTypeName(t.Shape.DType)
	default:
		return "<invalid>"
	}
}
