// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interp

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/sconv/types/shapes"
)

// Conv2D computes the direct convolution of an NCHW input with an FCHW filter, accumulating
// into a copy of the NFHW output. Input and filter elements are widened to the output dtype
// before the multiply-accumulate, and every intermediate is rounded to the output dtype.
//
// It is the numerical reference of linalg.conv_2d_nchw_fchw.
func Conv2D(input, filter, output *Tensor, strides, dilations [2]int) *Tensor {
	in, f, out := input.shape, filter.shape, output.shape
	if in.Rank() != 4 || f.Rank() != 4 || out.Rank() != 4 {
		exceptions.Panicf("conv2d: operands must have rank 4, got %s, %s and %s", in, f, out)
	}
	n, ic, oh, ow := out.Dimensions[0], in.Dimensions[1], out.Dimensions[2], out.Dimensions[3]
	oc, fh, fw := f.Dimensions[0], f.Dimensions[2], f.Dimensions[3]
	if in.Dimensions[0] != n || f.Dimensions[1] != ic || out.Dimensions[1] != oc {
		exceptions.Panicf("conv2d: incompatible shapes input=%s, filter=%s, output=%s", in, f, out)
	}
	if needH, needW := (oh-1)*strides[0]+(fh-1)*dilations[0]+1, (ow-1)*strides[1]+(fw-1)*dilations[1]+1; needH > in.Dimensions[2] || needW > in.Dimensions[3] {
		exceptions.Panicf("conv2d: input %s too small for output %s (needs %dx%d)", in, out, needH, needW)
	}
	dtype := out.DType
	isFloat := shapes.IsFloatKind(dtype)
	result := output.Clone()
	for b := range n {
		for o := range oc {
			for y := range oh {
				for x := range ow {
					outIdx := []int{b, o, y, x}
					acc := result.Scalar(outIdx)
					for c := range ic {
						for ky := range fh {
							for kx := range fw {
								iv := input.Scalar([]int{b, c, y*strides[0] + ky*dilations[0], x*strides[1] + kx*dilations[1]})
								fv := filter.Scalar([]int{o, c, ky, kx})
								if isFloat {
									prod := MakeScalar(dtype, RoundFloat(dtype, iv.Float())*RoundFloat(dtype, fv.Float()))
									acc = MakeScalar(dtype, acc.F+prod.F)
								} else {
									prod := WrapInt(dtype, iv.Int()*fv.Int())
									acc = Scalar{DType: dtype, I: WrapInt(dtype, acc.I+prod)}
								}
							}
						}
					}
					result.SetScalar(outIdx, acc)
				}
			}
		}
	}
	return result
}
