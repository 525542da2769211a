// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package csa

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Strategy of data reuse: which operand tile stays resident while the other is streamed.
type Strategy int

const (
	// InputStationary keeps the input window tile resident while iterating over filter tiles.
	InputStationary Strategy = iota + 1

	// WeightStationary keeps the filter tile resident while iterating over window tiles.
	WeightStationary
)

// String implements fmt.Stringer.
func (s Strategy) String() string {
	switch s {
	case InputStationary:
		return "IS"
	case WeightStationary:
		return "WS"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy parses "is", "ws" or the full names "input_stationary" and "weight_stationary".
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "is", "input_stationary":
		return InputStationary, nil
	case "ws", "weight_stationary":
		return WeightStationary, nil
	}
	return 0, errors.Errorf("unknown strategy %q, valid values are \"is\" or \"ws\"", name)
}

// Heuristic used to search for the largest tile parameter that fits a cache level.
type Heuristic int

const (
	// HalfHeuristic halves the parameter, starting from its maximum, until it fits.
	HalfHeuristic Heuristic = iota

	// BinarySearchHeuristic searches for the largest parameter that fits.
	BinarySearchHeuristic
)

// String implements fmt.Stringer.
func (h Heuristic) String() string {
	switch h {
	case HalfHeuristic:
		return "half"
	case BinarySearchHeuristic:
		return "binary"
	default:
		return fmt.Sprintf("Heuristic(%d)", int(h))
	}
}

// ParseHeuristic parses "half" or "binary".
func ParseHeuristic(name string) (Heuristic, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "half":
		return HalfHeuristic, nil
	case "binary", "binary_search":
		return BinarySearchHeuristic, nil
	}
	return 0, errors.Errorf("unknown heuristic %q, valid values are \"half\" or \"binary\"", name)
}

// search returns the largest parameter in [1, initial] (as found by the heuristic) such that
// size(parameter) <= capacity. It returns false if no parameter fits.
func (h Heuristic) search(initial int64, size func(int64) int64, capacity int64) (int64, bool) {
	if initial < 1 {
		return 0, false
	}
	if size(initial) <= capacity {
		return initial, true
	}
	if h == BinarySearchHeuristic {
		var solution int64
		low, high := int64(1), initial
		for low <= high {
			mid := low + (high-low)/2
			if size(mid) <= capacity {
				solution = mid
				low = mid + 1
			} else {
				high = mid - 1
			}
		}
		return solution, solution > 0
	}
	for solution := initial / 2; solution > 0; solution /= 2 {
		if size(solution) <= capacity {
			return solution, true
		}
	}
	return 0, false
}

// Decision is the schedule chosen for a convolution.
type Decision struct {
	Strategy Strategy

	// K2 and K3 multiply the microkernel to form the outer tiles: for InputStationary the
	// filter tile is NumFilters*K2 and the window tile NumWindows*K3, for WeightStationary
	// the filter tile is NumFilters*K3 and the window tile NumWindows*K2.
	K2, K3 int

	// TileC is the number of input channels per block.
	TileC int

	// ExtraK2, ExtraK3 and ExtraTileC are the remainders of the tiles counts (or channels)
	// not divided by K2, K3 and TileC. They are handled by boundary tiles.
	ExtraK2, ExtraK3, ExtraTileC int

	// Accesses modeled per memory level, and their total latency in cycles.
	Accesses Accesses
	Cost     int64

	// Fallback is set if the capacity constraints could not be met, and K2=K3=1, TileC=IC
	// were used instead.
	Fallback bool
}

// String implements fmt.Stringer.
func (d Decision) String() string {
	var fallback string
	if d.Fallback {
		fallback = ", fallback"
	}
	return fmt.Sprintf("%s{k2=%d (+%d), k3=%d (+%d), tileC=%d (+%d), cost=%d%s}",
		d.Strategy, d.K2, d.ExtraK2, d.K3, d.ExtraK3, d.TileC, d.ExtraTileC, d.Cost, fallback)
}

// FilterTile returns the number of output channels of the outer tile.
func (d Decision) FilterTile(mk Microkernel) int {
	if d.Strategy == InputStationary {
		return mk.NumFilters * d.K2
	}
	return mk.NumFilters * d.K3
}

// WindowTile returns the number of windows of the outer tile.
func (d Decision) WindowTile(mk Microkernel) int {
	if d.Strategy == InputStationary {
		return mk.NumWindows * d.K3
	}
	return mk.NumWindows * d.K2
}

// Analyzer computes schedule decisions. It holds only configuration, and is safe for
// concurrent use.
type Analyzer struct {
	arch        Arch
	heuristic   Heuristic
	microkernel *Microkernel
}

// New returns an Analyzer with the DefaultArch and the HalfHeuristic.
func New() *Analyzer {
	return &Analyzer{arch: DefaultArch(), heuristic: HalfHeuristic}
}

// WithArch sets the architecture model.
func (a *Analyzer) WithArch(arch Arch) *Analyzer {
	a.arch = arch
	return a
}

// WithHeuristic sets the heuristic used to search for the tile parameters.
func (a *Analyzer) WithHeuristic(h Heuristic) *Analyzer {
	a.heuristic = h
	return a
}

// WithMicrokernel fixes the microkernel shape, instead of computing it from the problem.
// The factors are still clamped to the problem dimensions.
func (a *Analyzer) WithMicrokernel(mk Microkernel) *Analyzer {
	a.microkernel = &mk
	return a
}

// Arch returns the architecture model used.
func (a *Analyzer) Arch() Arch { return a.arch }

// Microkernel returns the microkernel used for the problem.
func (a *Analyzer) Microkernel(p Problem) Microkernel {
	if a.microkernel == nil {
		return ComputeMicrokernel(p, a.arch)
	}
	return NewMicrokernel(min(a.microkernel.NumFilters, p.OC), min(a.microkernel.NumWindows, p.NW()))
}

func (a *Analyzer) prepare(p Problem) (Problem, error) {
	p = p.WithDefaults()
	if err := p.Validate(); err != nil {
		return p, err
	}
	if err := a.arch.Validate(); err != nil {
		return p, err
	}
	if a.microkernel != nil && (a.microkernel.NumFilters <= 0 || a.microkernel.NumWindows <= 0) {
		return p, errors.Errorf("invalid microkernel %s", *a.microkernel)
	}
	return p, nil
}

// Candidates returns the microkernel and the decisions for both strategies, InputStationary
// first.
func (a *Analyzer) Candidates(p Problem) (Microkernel, [2]Decision, error) {
	var candidates [2]Decision
	p, err := a.prepare(p)
	if err != nil {
		return Microkernel{}, candidates, err
	}
	mk := a.Microkernel(p)
	for ii, s := range []Strategy{InputStationary, WeightStationary} {
		candidates[ii] = a.evaluate(p, mk, s)
	}
	return mk, candidates, nil
}

// Analyze returns the microkernel and the decision with the lowest modeled latency. Ties
// favor WeightStationary.
func (a *Analyzer) Analyze(p Problem) (Microkernel, Decision, error) {
	mk, candidates, err := a.Candidates(p)
	if err != nil {
		return mk, Decision{}, err
	}
	is, ws := candidates[0], candidates[1]
	decision := ws
	if is.Cost < ws.Cost {
		decision = is
	}
	klog.V(1).Infof("csa: %s, microkernel %s: IS cost=%d, WS cost=%d, selected %s", p, mk, is.Cost, ws.Cost, decision)
	return mk, decision, nil
}

// evaluate chooses TileC, K2 and K3 for the strategy and models its cost.
func (a *Analyzer) evaluate(p Problem, mk Microkernel, s Strategy) Decision {
	t := newTiling(p, a.arch, mk)
	tileC, ok := a.heuristic.search(int64(p.IC), t.l1, a.arch.L1)
	var k2, k3 int64
	if ok {
		t.in *= tileC
		t.w *= tileC
		k2Tiles, k3Tiles := t.wTiles, t.inTiles
		if s == WeightStationary {
			k2Tiles, k3Tiles = t.inTiles, t.wTiles
		}
		k2, ok = a.heuristic.search(k2Tiles, func(k2 int64) int64 { return t.l2(s, k2) }, a.arch.L2)
		if ok {
			k3, ok = a.heuristic.search(k3Tiles, func(k3 int64) int64 { return t.l3(s, k2, k3) }, a.arch.L3)
		}
	}
	if !ok {
		klog.V(2).Infof("csa: %s doesn't fit the caches for %s, falling back to no outer blocking", s, p)
		d := a.decide(p, mk, s, 1, 1, p.IC)
		d.Fallback = true
		return d
	}
	return a.decide(p, mk, s, int(k2), int(k3), int(tileC))
}

// decide fills a Decision for the given parameters, with its remainders and modeled cost.
func (a *Analyzer) decide(p Problem, mk Microkernel, s Strategy, k2, k3, tileC int) Decision {
	t := newTiling(p, a.arch, mk)
	t.in *= int64(tileC)
	t.w *= int64(tileC)
	k2Tiles, k3Tiles := t.wTiles, t.inTiles
	if s == WeightStationary {
		k2Tiles, k3Tiles = t.inTiles, t.wTiles
	}
	d := Decision{
		Strategy:   s,
		K2:         k2,
		K3:         k3,
		TileC:      tileC,
		ExtraK2:    int(k2Tiles % int64(k2)),
		ExtraK3:    int(k3Tiles % int64(k3)),
		ExtraTileC: p.IC % tileC,
		Accesses:   t.cost(s, int64(k2), int64(k3), int64(tileC)),
	}
	d.Cost = d.Accesses.Latency(a.arch)
	return d
}

// Override normalizes a forced decision for the problem (K2, K3 >= 1 and TileC clamped to
// [1, IC]), and fills in its remainders and modeled cost. It bypasses the search.
func (a *Analyzer) Override(p Problem, forced Decision) (Microkernel, Decision, error) {
	p, err := a.prepare(p)
	if err != nil {
		return Microkernel{}, Decision{}, err
	}
	if forced.Strategy != InputStationary && forced.Strategy != WeightStationary {
		return Microkernel{}, Decision{}, errors.Errorf("invalid strategy %s in forced decision", forced.Strategy)
	}
	mk := a.Microkernel(p)
	d := a.decide(p, mk, forced.Strategy, max(forced.K2, 1), max(forced.K3, 1), min(max(forced.TileC, 1), p.IC))
	klog.V(1).Infof("csa: %s, microkernel %s: forced %s", p, mk, d)
	return mk, d, nil
}

// Analyze with the default Analyzer.
func Analyze(p Problem) (Microkernel, Decision, error) {
	return New().Analyze(p)
}
