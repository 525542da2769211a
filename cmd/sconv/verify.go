// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sconv/ir"
	"github.com/gomlx/sconv/ir/interp"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// verify runs the reference and the rewritten functions on the same arguments, and checks
// they match the direct convolution.
func verify(c convDesc, reference, rewritten *ir.Func) error {
	input := interp.FromFunc(c.input, func(flat int) float64 { return float64(flat%7 - 3) })
	filter := interp.FromFunc(c.filter, func(flat int) float64 { return float64(flat%5 - 2) })
	output := interp.FromFunc(c.output, func(flat int) float64 { return float64(flat % 3) })

	var want *interp.Tensor
	err := exceptions.TryCatch[error](func() {
		want = interp.Conv2D(input, filter, output, c.strides, [2]int{1, 1})
	})
	if err != nil {
		return errors.WithMessage(err, "direct convolution")
	}
	for ii, fn := range []*ir.Func{reference, rewritten} {
		name := [2]string{"reference", "rewritten"}[ii]
		start := time.Now()
		results, err := interp.Run(fn, input, filter, output)
		if err != nil {
			return errors.WithMessagef(err, "running the %s function", name)
		}
		klog.V(1).Infof("verify: %s function interpreted in %s", name, time.Since(start))
		if got := results[0]; !want.Equal(got) {
			return errors.Errorf("%s function differs from the direct convolution by up to %g", name, want.MaxAbsDiff(got))
		}
	}
	fmt.Printf("verified: %s matches the direct convolution\n", c)
	return nil
}
