// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"io"
	"strings"

	"github.com/gomlx/sconv/pkg/support/xslices"
)

// Print returns an MLIR-like textual representation of the function.
func Print(fn *Func) string {
	var sb strings.Builder
	_ = Fprint(&sb, fn)
	return sb.String()
}

// Fprint writes the MLIR-like textual representation of the function to w.
func Fprint(w io.Writer, fn *Func) error {
	p := &printer{names: make(map[*Value]string)}
	args := make([]string, len(fn.body.args))
	for ii, arg := range fn.body.args {
		args[ii] = fmt.Sprintf("%s: %s", p.argName(arg), arg.typ)
	}
	p.printf("func.func @%s(%s) -> (%s) {\n", fn.Name, strings.Join(args, ", "),
		strings.Join(xslices.Map(fn.ResultTypes(), Type.String), ", "))
	p.printBlock(fn.body, 1)
	p.printf("}\n")
	_, err := io.WriteString(w, p.sb.String())
	return err
}

type printer struct {
	sb                 strings.Builder
	names              map[*Value]string
	numArgs, numValues int
}

func (p *printer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(&p.sb, format, args...)
}

func (p *printer) argName(v *Value) string {
	name := fmt.Sprintf("%%arg%d", p.numArgs)
	p.numArgs++
	p.names[v] = name
	return name
}

func (p *printer) name(v *Value) string {
	if name, found := p.names[v]; found {
		return name
	}
	if v.owner == nil {
		return "<<unknown arg>>"
	}
	var name string
	if c, ok := ConstantIndexValue(v); ok {
		name = fmt.Sprintf("%%c%d_%d", c, p.numValues)
	} else {
		name = fmt.Sprintf("%%%d", p.numValues)
	}
	p.numValues++
	p.names[v] = name
	return name
}

func (p *printer) valueNames(values []*Value) string {
	return strings.Join(xslices.Map(values, p.name), ", ")
}

func typesOf(values []*Value) string {
	return strings.Join(xslices.Map(values, func(v *Value) string { return v.typ.String() }), ", ")
}

func (p *printer) printBlock(b *Block, depth int) {
	for _, op := range b.ops {
		p.printOp(op, depth)
	}
}

func (p *printer) printOp(op *Op, depth int) {
	indent := strings.Repeat("  ", depth)
	p.sb.WriteString(indent)
	if len(op.results) > 0 {
		p.printf("%s = ", p.valueNames(op.results))
	}
	switch op.kind {
	case KindConstant:
		attr := op.data.(ConstantAttr)
		t := op.results[0].typ
		if t.IsScalar() && !t.Shape.DType.IsInt() && !t.Shape.DType.IsUnsigned() {
			p.printf("%s %g : %s\n", op.kind, attr.Float, t)
		} else {
			p.printf("%s %d : %s\n", op.kind, attr.Int, t)
		}

	case KindAffineApply, KindAffineMin:
		attr := op.data.(AffineAttr)
		p.printf("%s affine_map<%s>(%s)\n", op.kind, attr.Map, p.valueNames(op.operands))

	case KindDim:
		p.printf("%s %s, %d : %s\n", op.kind, p.name(op.operands[0]), op.data.(DimAttr).Axis, op.operands[0].typ)

	case KindCollapse, KindExpand:
		p.printf("%s %s %v : %s into %s\n", op.kind, p.name(op.operands[0]), op.data.(ReshapeAttr).Reassociation,
			op.operands[0].typ, op.results[0].typ)

	case KindExtractSlice, KindInsertSlice:
		s := SliceOp{op}
		offsets, sizes := s.OffsetsAndSizes()
		fold := func(r OpFoldResult) string {
			if r.IsStatic() {
				return fmt.Sprintf("%d", r.Static())
			}
			return p.name(r.Value())
		}
		ones := strings.TrimSuffix(strings.Repeat("1, ", len(offsets)), ", ")
		if s.IsInsert() {
			p.printf("%s %s into %s[%s] [%s] [%s] : %s into %s\n", op.kind, p.name(s.Source()), p.name(s.Dest()),
				strings.Join(xslices.Map(offsets, fold), ", "), strings.Join(xslices.Map(sizes, fold), ", "), ones,
				s.Source().typ, s.Dest().typ)
		} else {
			p.printf("%s %s[%s] [%s] [%s] : %s to %s\n", op.kind, p.name(s.Source()),
				strings.Join(xslices.Map(offsets, fold), ", "), strings.Join(xslices.Map(sizes, fold), ", "), ones,
				s.Source().typ, op.results[0].typ)
		}

	case KindConv2D:
		attr := op.data.(ConvAttr)
		p.printf("%s {dilations = %v, strides = %v} ins(%s : %s) outs(%s : %s) -> %s\n", op.kind,
			attr.Dilations, attr.Strides, p.valueNames(op.operands[:2]), typesOf(op.operands[:2]),
			p.name(op.operands[2]), op.operands[2].typ, op.results[0].typ)

	case KindGeneric:
		g := GenericOp{op}
		maps := xslices.Map(g.IndexingMaps(), func(m AffineMap) string { return "affine_map<" + m.String() + ">" })
		iters := xslices.Map(g.IteratorTypes(), func(it IteratorType) string { return `"` + it.String() + `"` })
		p.printf("%s {indexing_maps = [%s], iterator_types = [%s]} ins(%s : %s) outs(%s : %s)",
			op.kind, strings.Join(maps, ", "), strings.Join(iters, ", "),
			p.valueNames(g.Inputs()), typesOf(g.Inputs()), p.valueNames(g.Outputs()), typesOf(g.Outputs()))
		if syms := g.SymbolOperands(); len(syms) > 0 {
			p.printf(" symbols(%s)", p.valueNames(syms))
		}
		args := xslices.Map(op.body.args, func(a *Value) string { return p.argName(a) + ": " + a.typ.String() })
		p.printf(" {\n%s^bb0(%s):\n", indent, strings.Join(args, ", "))
		p.printBlock(op.body, depth+1)
		p.printf("%s} -> %s\n", indent, typesOf(op.results))

	case KindFor:
		f := ForOp{op}
		p.printf("%s %s = %s to %s step %s", op.kind, p.argName(f.InductionVar()),
			p.name(f.LowerBound()), p.name(f.UpperBound()), p.name(f.Step()))
		if f.NumIterArgs() > 0 {
			inits := f.Inits()
			pairs := make([]string, len(inits))
			for ii, arg := range f.RegionIterArgs() {
				pairs[ii] = fmt.Sprintf("%s = %s", p.argName(arg), p.name(inits[ii]))
			}
			p.printf(" iter_args(%s) -> (%s)", strings.Join(pairs, ", "), typesOf(op.results))
		}
		p.printf(" {\n")
		p.printBlock(op.body, depth+1)
		p.printf("%s}\n", indent)

	default:
		p.printf("%s", op.kind)
		if len(op.operands) > 0 {
			p.printf(" %s : %s", p.valueNames(op.operands), typesOf(op.operands))
		}
		if len(op.results) > 0 && !op.kind.IsTerminator() {
			p.printf(" -> %s", typesOf(op.results))
		}
		p.printf("\n")
	}
}
