// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sconv rewrites a 2D NCHW/FCHW convolution (linalg.conv_2d_nchw_fchw) into a
// cache-blocked loop nest of microkernels.
//
// The rewrite runs in steps:
//
//  1. ExtractProblem validates the convolution and describes its shape as a csa.Problem.
//  2. The csa.Analyzer picks the microkernel shape, the Input-Stationary or Weight-Stationary
//     strategy and the outer tiling multipliers.
//  3. Reformulate replaces the convolution by a 6-loop linalg.generic reduction on the output
//     with flattened windows.
//  4. BuildTiledLoops tiles the reduction in macro tiles (channels blocks, filters and windows)
//     and then in microkernel tiles.
//  5. For Input-Stationary, SwapLoops puts the filters loop of the microkernel tiling outside
//     of the windows loop.
//
// Apply runs all the steps. Validation failures (ErrValidation) happen before any change
// to the IR.
package sconv

import (
	"github.com/gomlx/sconv/ir"
	"github.com/gomlx/sconv/sconv/csa"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of the rewrite. The zero value is valid and uses the defaults.
type Config struct {
	// VectorWidth in elements, used to size the microkernel. Defaults to csa.DefaultVectorWidth.
	VectorWidth int

	// Arch is the memory hierarchy model. Defaults to csa.DefaultArch.
	Arch csa.Arch

	// Heuristic used to search the tile sizes.
	Heuristic csa.Heuristic

	// Microkernel fixes the microkernel shape, instead of deriving it from the vector width.
	Microkernel *csa.Microkernel

	// Override bypasses the cost model with a fixed decision. It is normalized to the problem.
	Override *csa.Decision

	// SkipSwap disables the loop swap of the Input-Stationary strategy.
	SkipSwap bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{VectorWidth: csa.DefaultVectorWidth, Arch: csa.DefaultArch(), Heuristic: csa.HalfHeuristic}
}

// WithVectorWidth returns a copy of the configuration with the given vector width.
func (cfg Config) WithVectorWidth(v int) Config {
	cfg.VectorWidth = v
	return cfg
}

// WithArch returns a copy of the configuration with the given architecture model.
func (cfg Config) WithArch(arch csa.Arch) Config {
	cfg.Arch = arch
	return cfg
}

// WithHeuristic returns a copy of the configuration with the given search heuristic.
func (cfg Config) WithHeuristic(h csa.Heuristic) Config {
	cfg.Heuristic = h
	return cfg
}

// WithMicrokernel returns a copy of the configuration with a fixed microkernel shape.
func (cfg Config) WithMicrokernel(mk csa.Microkernel) Config {
	cfg.Microkernel = &mk
	return cfg
}

// WithOverride returns a copy of the configuration forcing the decision.
func (cfg Config) WithOverride(d csa.Decision) Config {
	cfg.Override = &d
	return cfg
}

// WithSkipSwap returns a copy of the configuration with the loop swap disabled (or enabled).
func (cfg Config) WithSkipSwap(skip bool) Config {
	cfg.SkipSwap = skip
	return cfg
}

// Analyzer returns the csa.Analyzer configured by cfg.
func (cfg Config) Analyzer() *csa.Analyzer {
	arch := cfg.Arch
	if arch == (csa.Arch{}) {
		arch = csa.DefaultArch()
	}
	analyzer := csa.New().WithArch(arch).WithHeuristic(cfg.Heuristic)
	if cfg.Microkernel != nil {
		analyzer.WithMicrokernel(*cfg.Microkernel)
	}
	return analyzer
}

func (cfg Config) vectorWidth() int {
	if cfg.VectorWidth <= 0 {
		return csa.DefaultVectorWidth
	}
	return cfg.VectorWidth
}

// Schedule is the analysis of one convolution.
type Schedule struct {
	Problem     csa.Problem
	Microkernel csa.Microkernel
	Decision    csa.Decision
}

// Plan validates conv and computes its schedule, without changing the IR.
func Plan(conv *ir.Op, cfg Config) (Schedule, Operands, error) {
	p, ops, err := ExtractProblem(conv, cfg.vectorWidth())
	if err != nil {
		return Schedule{}, ops, err
	}
	var s Schedule
	analyzer := cfg.Analyzer()
	if cfg.Override != nil {
		s.Microkernel, s.Decision, err = analyzer.Override(p, *cfg.Override)
	} else {
		s.Microkernel, s.Decision, err = analyzer.Analyze(p)
	}
	if err != nil {
		return s, ops, errors.WithMessage(err, "sconv: schedule analysis")
	}
	s.Problem = p.WithDefaults()
	return s, ops, nil
}

// Apply rewrites conv into the tiled loop nest and returns the handles to the generated ops,
// along with the schedule used.
//
// Validation failures wrap ErrValidation and leave the IR unchanged. Failures of the later
// steps wrap ErrStructural, and may leave the IR partially rewritten: callers that need
// atomicity should snapshot the function (see ir.Func.Clone).
func Apply(rw ir.Rewriter, conv *ir.Op, cfg Config) (Handles, error) {
	s, ops, err := Plan(conv, cfg)
	if err != nil {
		return Handles{}, err
	}
	klog.V(1).Infof("sconv: %s: microkernel %s, %s", s.Problem, s.Microkernel, s.Decision)

	reduction := Reformulate(rw, s.Problem, ops)
	h, err := BuildTiledLoops(rw, reduction, s.Microkernel, s.Decision)
	h.Schedule = s
	if err != nil {
		return h, err
	}
	if s.Decision.Strategy == csa.InputStationary && !cfg.SkipSwap {
		if err = SwapLoops(rw, &h); err != nil {
			return h, err
		}
	}
	return h, nil
}
