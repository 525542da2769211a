// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package csa

import "github.com/pkg/errors"

// Arch models the memory hierarchy of the target: usable cache capacities in bytes, access
// latencies in cycles and the cache line size.
type Arch struct {
	L1, L2, L3 int64

	L1Latency, L2Latency, L3Latency, MemLatency int64

	CacheLine int64

	// VectorRegisters available to the microkernel.
	VectorRegisters int
}

// usable percentage of the nominal cache sizes, truncated to whole bytes.
const cacheOccupancyPercent = 90

// DefaultArch returns the default model: 32KiB L1, 1MiB L2 and 4MiB L3 (of which 90% is
// considered usable), latencies of 2, 10, 30 and 300 cycles, 128 bytes cache lines and 32
// vector registers.
func DefaultArch() Arch {
	return Arch{
		L1:              32768 * cacheOccupancyPercent / 100,
		L2:              1048576 * cacheOccupancyPercent / 100,
		L3:              4194304 * cacheOccupancyPercent / 100,
		L1Latency:       2,
		L2Latency:       10,
		L3Latency:       30,
		MemLatency:      300,
		CacheLine:       128,
		VectorRegisters: 32,
	}
}

// Validate checks that all fields are positive.
func (a Arch) Validate() error {
	for _, v := range []int64{a.L1, a.L2, a.L3, a.L1Latency, a.L2Latency, a.L3Latency, a.MemLatency, a.CacheLine,
		int64(a.VectorRegisters)} {
		if v <= 0 {
			return errors.Errorf("invalid architecture %+v: all fields must be positive", a)
		}
	}
	return nil
}
