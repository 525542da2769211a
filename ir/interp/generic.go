// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interp

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sconv/ir"
	"github.com/gomlx/sconv/types/shapes"
)

// loopRanges returns the size of each loop dimension of the generic, taken from the operands
// whose indexing map has that dimension as a result.
func loopRanges(g ir.GenericOp, operands []*Tensor) []int {
	ranges := make([]int, g.NumLoops())
	for d := range ranges {
		ranges[d] = -1
	}
	for k, m := range g.IndexingMaps() {
		for j := range m.Results {
			if d, ok := m.PureDim(j); ok && ranges[d] < 0 {
				ranges[d] = operands[k].shape.Dimensions[j]
			}
		}
	}
	for d, r := range ranges {
		if r < 0 {
			exceptions.Panicf("linalg.generic: cannot infer the range of loop d%d from the operands", d)
		}
	}
	return ranges
}

// generic evaluates the body for every point of the iteration domain, in row-major order
// of the loop dimensions.
func (e env) generic(g ir.GenericOp) []*Tensor {
	dps := g.DpsOperands()
	numInputs := len(g.Inputs())
	operands := make([]*Tensor, len(dps))
	for ii, v := range dps {
		operands[ii] = e.tensor(v)
		if ii >= numInputs {
			operands[ii] = operands[ii].Clone()
		}
	}
	syms := e.indices(g.SymbolOperands())
	maps := g.IndexingMaps()
	ranges := loopRanges(g, operands)
	body := g.Body()
	args := body.Args()

	point := make([]int64, len(ranges))
	indices := make([][]int, len(dps))
	for k := range indices {
		indices[k] = make([]int, maps[k].NumResults())
	}
	domain := shapes.Make(dtypes.Int64, ranges...)
	for p := range domain.Iter() {
		for d, x := range p {
			point[d] = int64(x)
		}
		for k, m := range maps {
			for j, r := range m.Results {
				indices[k][j] = int(ir.EvalAffine(r, point, syms))
			}
			e[args[k]] = operands[k].Scalar(indices[k])
		}
		yields := e.block(body)
		for ii, y := range yields {
			k := numInputs + ii
			operands[k].SetScalar(indices[k], y.(Scalar))
		}
	}
	return operands[numInputs:]
}
