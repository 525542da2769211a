// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// sconv rewrites a 2D convolution into the cache-aware tiled loop nest, and reports the
// schedule chosen by the analysis.
//
// Examples:
//
//	sconv -input=1,64,58,58 -filter=64,64,3,3 -report
//	sconv -input=1,4,18,18 -filter=64,4,3,3 -force=is:8:2:16 -print_ir -verify
//	sconv -sweep -sweep_csv=/tmp/sweep.csv -sweep_plot=/tmp/sweep.png
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sconv/ir"
	"github.com/gomlx/sconv/pkg/support/xslices"
	"github.com/gomlx/sconv/sconv"
	"github.com/gomlx/sconv/sconv/csa"
	"github.com/gomlx/sconv/transform"
	"github.com/gomlx/sconv/types/shapes"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagInput   = xslices.Flag(nil, "input", []int{1, 64, 58, 58}, "Input shape, in NCHW order.", strconv.Atoi)
	flagFilter  = xslices.Flag(nil, "filter", []int{64, 64, 3, 3}, "Filter shape, in FCHW order.", strconv.Atoi)
	flagStrides = xslices.Flag(nil, "strides", []int{1, 1}, "Strides of the convolution (height, width).", strconv.Atoi)
	flagDType   = flag.String("dtype", "f32", "Element type of the input and the filter.")
	flagAcc     = flag.String("acc_dtype", "", "Element type of the output (accumulator). Defaults to -dtype.")

	flagVectorWidth = flag.Int("vector_width", csa.DefaultVectorWidth, "Number of elements per vector register.")
	flagHeuristic   = flag.String("heuristic", "half", "Search heuristic for the tile parameters: \"half\" or \"binary\".")
	flagForce       = flag.String("force", "", "Forces a schedule instead of the analysis, "+
		"in the format <strategy>:<k2>:<k3>:<tileC>, e.g. \"is:8:2:16\".")
	flagSkipSwap = flag.Bool("skip_swap", false, "Don't swap the innermost loops for the input-stationary strategy.")

	flagPrintIR = flag.Bool("print_ir", false, "Prints the function after the rewrite.")
	flagVerify  = flag.Bool("verify", false, "Runs the rewritten function and compares it with a direct convolution.")
	flagReport  = flag.Bool("report", true, "Displays the schedule and the modeled costs of both strategies.")
	flagNoColor = flag.Bool("no_color", false, "Disables colors in the reports.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagNoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	cfg, err := configFromFlags()
	if err != nil {
		klog.Exitf("Invalid flags: %+v", err)
	}
	if *flagSweep {
		if err := sweep(cfg); err != nil {
			klog.Exitf("Sweep failed: %+v", err)
		}
		return
	}

	c, err := convFromFlags()
	if err != nil {
		klog.Exitf("Invalid convolution: %+v", err)
	}
	fn, conv := c.build()
	s, _, err := sconv.Plan(conv, cfg)
	if err != nil {
		klog.Exitf("Convolution %s not supported: %+v", c, err)
	}
	if *flagReport {
		candidates, err := candidatesFor(s.Problem, cfg)
		if err != nil {
			klog.Exitf("Analysis failed: %+v", err)
		}
		fmt.Println(reportSchedule(c, s))
		fmt.Println(reportCandidates(s, candidates))
	}

	reference, _ := fn.Clone()
	it := transform.NewInterpreter(fn)
	if _, err := it.Apply(it.Match(ir.KindConv2D), sconv.NewTransform(cfg)); err != nil {
		klog.Exitf("Rewrite failed: %+v", err)
	}
	for _, diag := range it.Diagnostics() {
		klog.Warningf("Skipped: %v", diag)
	}
	if err := ir.Verify(fn); err != nil {
		klog.Exitf("Rewritten function is invalid: %+v\n%s", err, ir.Print(fn))
	}
	if *flagPrintIR {
		fmt.Println(ir.Print(fn))
	}
	if *flagVerify {
		if err := verify(c, reference, fn); err != nil {
			klog.Exitf("Verification failed: %+v", err)
		}
	}
}

// configFromFlags returns the rewrite configuration selected by the flags.
func configFromFlags() (sconv.Config, error) {
	cfg := sconv.DefaultConfig().WithVectorWidth(*flagVectorWidth).WithSkipSwap(*flagSkipSwap)
	h, err := csa.ParseHeuristic(*flagHeuristic)
	if err != nil {
		return cfg, err
	}
	cfg = cfg.WithHeuristic(h)
	if *flagForce != "" {
		d, err := parseForce(*flagForce)
		if err != nil {
			return cfg, err
		}
		cfg = cfg.WithOverride(d)
	}
	return cfg, nil
}

// parseForce parses a forced decision in the format <strategy>:<k2>:<k3>:<tileC>.
func parseForce(value string) (csa.Decision, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 4 {
		return csa.Decision{}, errors.Errorf("-force=%q: expected <strategy>:<k2>:<k3>:<tileC>", value)
	}
	var d csa.Decision
	var err error
	if d.Strategy, err = csa.ParseStrategy(parts[0]); err != nil {
		return d, errors.WithMessagef(err, "-force=%q", value)
	}
	for ii, target := range []*int{&d.K2, &d.K3, &d.TileC} {
		*target, err = strconv.Atoi(parts[ii+1])
		if err != nil || *target <= 0 {
			return d, errors.Errorf("-force=%q: %q is not a positive integer", value, parts[ii+1])
		}
	}
	return d, nil
}

// convDesc describes the convolution to rewrite.
type convDesc struct {
	input, filter, output shapes.Shape
	strides               [2]int
}

func (c convDesc) String() string {
	return fmt.Sprintf("conv(%s, %s) -> %s, strides=%v", c.input, c.filter, c.output, c.strides)
}

// convFromFlags validates the shapes given by the flags, and computes the output shape.
func convFromFlags() (c convDesc, err error) {
	dtype, err := shapes.ParseDType(*flagDType)
	if err != nil {
		return c, err
	}
	accDType := dtype
	if *flagAcc != "" {
		if accDType, err = shapes.ParseDType(*flagAcc); err != nil {
			return c, err
		}
	}
	if len(*flagInput) != 4 || len(*flagFilter) != 4 || len(*flagStrides) != 2 {
		return c, errors.Errorf("-input and -filter must have 4 dimensions, and -strides 2 values: got %v, %v and %v",
			*flagInput, *flagFilter, *flagStrides)
	}
	return newConvDesc(dtype, accDType, *flagInput, *flagFilter, [2]int{(*flagStrides)[0], (*flagStrides)[1]})
}

func newConvDesc(dtype, accDType dtypes.DType, input, filter []int, strides [2]int) (c convDesc, err error) {
	if input[1] != filter[1] {
		return c, errors.Errorf("input has %d channels, but filter expects %d", input[1], filter[1])
	}
	c.strides = strides
	c.input = shapes.Make(dtype, input...)
	c.filter = shapes.Make(dtype, filter...)
	outDims := []int{input[0], filter[0], 0, 0}
	for axis := range 2 {
		if strides[axis] <= 0 {
			return c, errors.Errorf("strides must be positive, got %v", strides)
		}
		span := input[2+axis] - filter[2+axis]
		if span < 0 {
			return c, errors.Errorf("filter %v doesn't fit in input %v", filter, input)
		}
		outDims[2+axis] = span/strides[axis] + 1
	}
	c.output = shapes.Make(accDType, outDims...)
	return c, nil
}

// build returns a function returning the convolution, and the convolution op.
func (c convDesc) build() (*ir.Func, *ir.Op) {
	fn := ir.NewFunc("conv", ir.TensorType(c.input), ir.TensorType(c.filter), ir.TensorType(c.output))
	b := ir.NewBuilder(ir.NewRewriter()).SetInsertionPoint(ir.AtEnd(fn.Body()))
	args := fn.Args()
	result := b.Conv2D(args[0], args[1], args[2], c.strides, [2]int{1, 1})
	b.Return(result)
	return fn, result.DefiningOp()
}

func candidatesFor(p csa.Problem, cfg sconv.Config) ([2]csa.Decision, error) {
	_, candidates, err := cfg.Analyzer().Candidates(p)
	return candidates, err
}

func init() {
	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
}
