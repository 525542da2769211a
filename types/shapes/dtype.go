// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

var elementTypeNames = map[dtypes.DType]string{
	dtypes.Bool:     "i1",
	dtypes.Int8:     "i8",
	dtypes.Int16:    "i16",
	dtypes.Int32:    "i32",
	dtypes.Int64:    "i64",
	dtypes.Uint8:    "ui8",
	dtypes.Uint16:   "ui16",
	dtypes.Uint32:   "ui32",
	dtypes.Uint64:   "ui64",
	dtypes.Float16:  "f16",
	dtypes.BFloat16: "bf16",
	dtypes.Float32:  "f32",
	dtypes.Float64:  "f64",
}

// ElementTypeName returns the MLIR-like short name of the dtype: "f32", "i8", "bf16", etc.
func ElementTypeName(dtype dtypes.DType) string {
	if name, found := elementTypeNames[dtype]; found {
		return name
	}
	return strings.ToLower(dtype.String())
}

// ParseDType accepts either the short element type names ("f32", "i8") or the lower-case
// dtype names ("float32", "int8").
func ParseDType(name string) (dtypes.DType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for dtype, short := range elementTypeNames {
		if name == short || name == strings.ToLower(dtype.String()) {
			return dtype, nil
		}
	}
	return dtypes.InvalidDType, errors.Errorf("unknown dtype %q", name)
}

// IsIntegerKind returns whether the dtype is handled by integer arithmetic (signed or unsigned).
func IsIntegerKind(dtype dtypes.DType) bool {
	return dtype.IsInt() || dtype.IsUnsigned()
}

// IsFloatKind returns whether the dtype is handled by floating-point arithmetic, including the
// half-precision types.
func IsFloatKind(dtype dtypes.DType) bool {
	return dtype.IsFloat() || dtype == dtypes.Float16 || dtype == dtypes.BFloat16
}

// Bits returns the number of bits of the dtype's element.
func Bits(dtype dtypes.DType) int {
	return 8 * dtype.Size()
}
