// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package csa

// Accesses counts the modeled cache-line (or element, for L1) accesses served by each level.
type Accesses struct {
	L1, L2, L3, Mem int64
}

// Latency of the accesses, in cycles.
func (a Accesses) Latency(arch Arch) int64 {
	return a.L1*arch.L1Latency + a.L2*arch.L2Latency + a.L3*arch.L3Latency + a.Mem*arch.MemLatency
}

// tiling holds the sizes in bytes of the tiles of one strategy, and the counts of tiles.
type tiling struct {
	p    Problem
	arch Arch
	mk   Microkernel

	// Bytes of the input, filter and output microkernel tiles. After the channel block is
	// chosen, in and w include the TileC channels.
	in, w, out int64

	// inTiles and wTiles are the number of window and filter tiles per channel block.
	inTiles, wTiles int64
}

func newTiling(p Problem, arch Arch, mk Microkernel) *tiling {
	ds := int64(p.ElementSize)
	window := int64(p.FH * p.FW)
	return &tiling{
		p:       p,
		arch:    arch,
		mk:      mk,
		in:      int64(mk.NumWindows) * window * ds,
		w:       int64(mk.NumFilters) * window * ds,
		out:     int64(mk.NumOutputs) * ds,
		inTiles: ceilDiv(int64(p.NW()), int64(mk.NumWindows)),
		wTiles:  ceilDiv(int64(p.OC), int64(mk.NumFilters)),
	}
}

// l1 returns the bytes of the L1 working set for a channel block of tc channels.
func (t *tiling) l1(tc int64) int64 {
	return t.in*tc + t.w*tc + t.out
}

// l2 returns the bytes of the L2 working set for the k2 multiplier.
func (t *tiling) l2(s Strategy, k2 int64) int64 {
	if s == InputStationary {
		return t.in + k2*t.w + k2*t.out
	}
	return k2*t.in + t.w + k2*t.out
}

// l3 returns the bytes of the L3 working set for the k2 and k3 multipliers.
func (t *tiling) l3(s Strategy, k2, k3 int64) int64 {
	if s == InputStationary {
		return k3*t.in + k2*t.w + k2*k3*t.out
	}
	return k2*t.in + k3*t.w + k2*k3*t.out
}

// cost models the accesses to each level for the given strategy and tiling parameters.
// t.in and t.w must already include the channel block.
func (t *tiling) cost(s Strategy, k2, k3, tileC int64) Accesses {
	p, arch := t.p, t.arch
	line := arch.CacheLine
	ds := int64(p.ElementSize)
	tCH := int64(p.IC) / tileC

	// stationary and streamed operands: their number of tiles and tile bytes.
	stTiles, stSize, swTiles, swSize := t.inTiles, t.in, t.wTiles, t.w
	if s == WeightStationary {
		stTiles, stSize, swTiles, swSize = t.wTiles, t.w, t.inTiles, t.in
	}

	var acc Accesses
	// EQ1: the first access to any tile comes from memory.
	acc.Mem = ceilDiv(tCH*(t.inTiles*t.in+t.wTiles*t.w), line)

	// EQ2: the streamed tiles are refetched from memory when they don't all fit in L2 (k2) and
	// the stationary tiles don't all fit in L3 (k3).
	swFit := min(subSat(swTiles/k2, 1), 1)
	stFit := subSat(stTiles/k3, 1)
	acc.Mem += tCH * ceilDiv(swFit*stFit*swTiles*swSize, line)

	// EQ3: the stationary tiles are reloaded from L3 for every extra block of streamed tiles.
	swFit = subSat(swTiles/k2, 1)
	acc.L3 = tCH * ceilDiv(swFit*stTiles*stSize, line)

	// EQ4: after the first stationary tile, the streamed tiles come from L2.
	acc.L2 = tCH * ceilDiv(subSat(stTiles, 1)*swTiles*swSize, line)

	// EQ5: two L1 reads per multiply-accumulate, except the ones served by the other levels.
	macs := int64(p.OC) * int64(p.NW()) * int64(p.FH*p.FW) * int64(p.IC)
	acc.L1 = subSat(2*macs, acc.L3+acc.L2+acc.Mem)

	// EQ6: the partial outputs are reloaded for every channel block after the first, from the
	// level that can hold the data touched in between.
	if tCH > 1 {
		depth := (int64(p.IC) / tCH) * int64(p.FH*p.FW)
		outputs := int64(p.OC) * int64(p.NW())
		distance := (int64(p.NW())*depth + int64(p.OC)*depth + outputs) * ds
		loads := (tCH - 1) * outputs
		lines := loads * ds / line
		switch {
		case distance < arch.L1:
			acc.L1 += lines
		case distance < arch.L2:
			acc.L2 += lines
		case distance < arch.L3:
			acc.L3 += lines
		default:
			acc.Mem += lines
		}
		acc.L1 += loads - lines
	}
	return acc
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// subSat returns a-b, saturating at 0.
func subSat(a, b int64) int64 {
	return max(a-b, 0)
}
