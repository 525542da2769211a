// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sconv

import (
	"github.com/gomlx/sconv/ir"
	"github.com/gomlx/sconv/sconv/csa"
	"github.com/gomlx/sconv/types/shapes"
	"github.com/pkg/errors"
)

var (
	// ErrValidation is returned when the target op is not a convolution supported by the rewrite.
	// It is returned before any change to the IR, so the caller can skip the op.
	ErrValidation = errors.New("sconv: unsupported convolution")

	// ErrStructural is returned when the IR generated during the rewrite doesn't have the
	// structure expected by one of its steps.
	ErrStructural = errors.New("sconv: unexpected structure")
)

// Operands of a validated convolution.
type Operands struct {
	Conv                  ir.ConvOp
	Input, Filter, Output *ir.Value
	Strides               [2]int
}

// ExtractProblem validates that op is a linalg.conv_2d_nchw_fchw with static shapes and unit
// dilations, and signed element types (the multiply-accumulate sign-extends its operands),
// and returns its problem description (with the given vector width) and operands.
//
// Failures wrap ErrValidation.
func ExtractProblem(op *ir.Op, vectorWidth int) (csa.Problem, Operands, error) {
	conv, ok := ir.AsConv(op)
	if !ok {
		return csa.Problem{}, Operands{}, errors.Wrapf(ErrValidation, "expected a Conv2DNchwFchwOp, got %s", op.Kind())
	}
	ops := Operands{
		Conv:    conv,
		Input:   conv.Input(),
		Filter:  conv.Filter(),
		Output:  conv.Output(),
		Strides: conv.Attr().Strides,
	}
	inputShape, filterShape, outputShape := ops.Input.Shape(), ops.Filter.Shape(), ops.Output.Shape()
	switch {
	case !filterShape.IsStatic():
		return csa.Problem{}, ops, errors.Wrapf(ErrValidation, "expected a static shape for the filter, got %s", ops.Filter.Type())
	case !inputShape.IsStatic():
		return csa.Problem{}, ops, errors.Wrapf(ErrValidation, "expected a static shape for the input, got %s", ops.Input.Type())
	case !outputShape.IsStatic():
		return csa.Problem{}, ops, errors.Wrapf(ErrValidation, "expected a static shape for the output, got %s", ops.Output.Type())
	case conv.Attr().Dilations != [2]int{1, 1}:
		return csa.Problem{}, ops, errors.Wrapf(ErrValidation, "expected all ones for dilations, got %v", conv.Attr().Dilations)
	}

	p := csa.Problem{
		N:           outputShape.Dim(0),
		IC:          inputShape.Dim(1),
		FH:          filterShape.Dim(2),
		FW:          filterShape.Dim(3),
		OC:          outputShape.Dim(1),
		OH:          outputShape.Dim(2),
		OW:          outputShape.Dim(3),
		SH:          ops.Strides[0],
		SW:          ops.Strides[1],
		V:           vectorWidth,
		ElementSize: int(outputShape.DType.Size()),
	}
	if p.SH <= 0 || p.SW <= 0 {
		return p, ops, errors.Wrapf(ErrValidation, "expected positive strides, got %v", ops.Strides)
	}
	if err := checkConvShapes(p, inputShape, filterShape, outputShape); err != nil {
		return p, ops, err
	}
	for _, v := range []*ir.Value{ops.Input, ops.Filter, ops.Output} {
		if v.Type().DType().IsUnsigned() {
			return p, ops, errors.Wrapf(ErrValidation, "expected signed element types, got %s", v.Type())
		}
	}
	for _, v := range []*ir.Value{ops.Input, ops.Filter} {
		if !ir.CanWiden(v.Type().DType(), outputShape.DType) {
			return p, ops, errors.Wrapf(ErrValidation, "cannot accumulate %s into %s", v.Type(), ops.Output.Type())
		}
	}
	return p, ops, nil
}

// checkConvShapes checks that the shapes are consistent with an unpadded NCHW/FCHW convolution.
func checkConvShapes(p csa.Problem, input, filter, output shapes.Shape) error {
	consistent := input.Dim(0) == p.N &&
		filter.Dim(0) == p.OC && filter.Dim(1) == p.IC &&
		input.Dim(2) >= p.FH && input.Dim(3) >= p.FW &&
		(input.Dim(2)-p.FH)/p.SH+1 == p.OH && (input.Dim(3)-p.FW)/p.SW+1 == p.OW
	if !consistent {
		return errors.Wrapf(ErrValidation, "inconsistent convolution shapes: input %s, filter %s and output %s",
			input.TypeString(), filter.TypeString(), output.TypeString())
	}
	return nil
}
