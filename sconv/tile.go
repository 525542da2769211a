// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sconv

import (
	"slices"

	"github.com/gomlx/sconv/ir"
	"github.com/gomlx/sconv/ir/tiling"
	"github.com/gomlx/sconv/sconv/csa"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Loop dimensions of the reduction.
const (
	dimBatch = iota
	dimFilters
	dimWindows
	dimChannels
)

// Handles to the ops generated by the rewrite.
type Handles struct {
	// Microkernel is the innermost tiled linalg.generic.
	Microkernel *ir.Op

	// Loops tiling the output channels and windows, innermost first: the two loops of the
	// microkernel tiling followed by the two corresponding loops of the macro tiling.
	Loops []ir.ForOp

	// LoopDims is the reduction dimension iterated by each of Loops: 1 for output channels
	// and 2 for windows.
	LoopDims []int

	// OuterLoops are the batch and the channel block loops of the macro tiling, outermost first.
	OuterLoops []ir.ForOp

	// Schedule used, set by Apply.
	Schedule Schedule
}

// macroTiling returns the tiling of the reduction in cache-level tiles.
func macroTiling(mk csa.Microkernel, d csa.Decision) tiling.Options {
	opts := tiling.Options{
		TileSizes: []int64{1, int64(d.FilterTile(mk)), int64(d.WindowTile(mk)), int64(d.TileC), 0, 0},
	}
	if d.Strategy == csa.InputStationary {
		opts.Interchange = []int{dimBatch, dimChannels, dimWindows, dimFilters, 4, 5}
	} else {
		opts.Interchange = []int{dimBatch, dimChannels, dimFilters, dimWindows, 4, 5}
	}
	return opts
}

// microTiling returns the tiling of a macro tile in microkernel tiles.
func microTiling(mk csa.Microkernel, d csa.Decision) tiling.Options {
	opts := tiling.Options{
		TileSizes: []int64{0, int64(mk.NumFilters), int64(mk.NumWindows), 0, 0, 0},
	}
	if d.Strategy == csa.InputStationary {
		opts.Interchange = []int{dimBatch, dimWindows, dimFilters, dimChannels, 4, 5}
	}
	return opts
}

// BuildTiledLoops tiles the reduction twice: first in macro tiles of the channels, filters
// and windows given by the decision, then each macro tile in microkernel tiles.
func BuildTiledLoops(rw ir.Rewriter, reduction *ir.Op, mk csa.Microkernel, d csa.Decision) (Handles, error) {
	var h Handles
	macro, err := tiling.TileUsingLoops(rw, reduction, macroTiling(mk, d))
	if err != nil {
		return h, errors.Wrapf(ErrStructural, "macro tiling: %v", err)
	}
	if len(macro.Loops) != 4 || len(macro.TiledOps) != 1 {
		return h, errors.Wrapf(ErrStructural, "macro tiling generated %d loops and %d tiled ops, expected 4 and 1",
			len(macro.Loops), len(macro.TiledOps))
	}
	klog.V(1).Infof("sconv: macro tiling %v, interchange %v", macroTiling(mk, d).TileSizes, macro.LoopDims)

	micro, err := tiling.TileUsingLoops(rw, macro.TiledOps[0], microTiling(mk, d))
	if err != nil {
		return h, errors.Wrapf(ErrStructural, "microkernel tiling: %v", err)
	}
	if len(micro.Loops) != 2 || len(micro.TiledOps) != 1 {
		return h, errors.Wrapf(ErrStructural, "microkernel tiling generated %d loops and %d tiled ops, expected 2 and 1",
			len(micro.Loops), len(micro.TiledOps))
	}
	klog.V(1).Infof("sconv: microkernel tiling %v, interchange %v", microTiling(mk, d).TileSizes, micro.LoopDims)

	h.Microkernel = micro.TiledOps[0]
	h.Loops = []ir.ForOp{micro.Loops[1], micro.Loops[0], macro.Loops[3], macro.Loops[2]}
	h.LoopDims = []int{micro.LoopDims[1], micro.LoopDims[0], macro.LoopDims[3], macro.LoopDims[2]}
	h.OuterLoops = slices.Clone(macro.Loops[:2])
	return h, nil
}
