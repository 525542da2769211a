// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// AffineExpr is an affine index expression over dimensions (d0, d1, ...), symbols (s0, s1, ...)
// and integer constants, combined with +, *, floordiv and mod.
//
// Implementations are DimExpr, SymbolExpr, ConstExpr and BinaryExpr.
type AffineExpr interface {
	fmt.Stringer
	affineExpr()
}

// DimExpr refers to the loop dimension at Position.
type DimExpr struct{ Position int }

// SymbolExpr refers to the symbol at Position.
type SymbolExpr struct{ Position int }

// ConstExpr is an integer constant.
type ConstExpr struct{ Value int64 }

// AffineBinaryKind enumerates the binary affine operations.
type AffineBinaryKind int

const (
	AffineAdd AffineBinaryKind = iota
	AffineMul
	AffineFloorDiv
	AffineMod
)

// BinaryExpr combines two expressions. For AffineFloorDiv and AffineMod the RHS is always a
// positive ConstExpr.
type BinaryExpr struct {
	Kind     AffineBinaryKind
	LHS, RHS AffineExpr
}

func (DimExpr) affineExpr()    {}
func (SymbolExpr) affineExpr() {}
func (ConstExpr) affineExpr()  {}
func (BinaryExpr) affineExpr() {}

// Dim returns the expression for dimension pos.
func Dim(pos int) AffineExpr { return DimExpr{Position: pos} }

// Sym returns the expression for symbol pos.
func Sym(pos int) AffineExpr { return SymbolExpr{Position: pos} }

// Const returns a constant expression.
func Const(c int64) AffineExpr { return ConstExpr{Value: c} }

// Add returns lhs + rhs.
func Add(lhs, rhs AffineExpr) AffineExpr { return BinaryExpr{Kind: AffineAdd, LHS: lhs, RHS: rhs} }

// Sub returns lhs - rhs.
func Sub(lhs, rhs AffineExpr) AffineExpr { return Add(lhs, Mul(rhs, Const(-1))) }

// Mul returns lhs * rhs.
func Mul(lhs, rhs AffineExpr) AffineExpr { return BinaryExpr{Kind: AffineMul, LHS: lhs, RHS: rhs} }

// FloorDiv returns lhs floordiv divisor, for a positive divisor.
func FloorDiv(lhs AffineExpr, divisor int64) AffineExpr {
	if divisor <= 0 {
		exceptions.Panicf("ir.FloorDiv: divisor must be positive, got %d", divisor)
	}
	return BinaryExpr{Kind: AffineFloorDiv, LHS: lhs, RHS: Const(divisor)}
}

// Mod returns lhs mod divisor, for a positive divisor. The result is always in [0, divisor).
func Mod(lhs AffineExpr, divisor int64) AffineExpr {
	if divisor <= 0 {
		exceptions.Panicf("ir.Mod: divisor must be positive, got %d", divisor)
	}
	return BinaryExpr{Kind: AffineMod, LHS: lhs, RHS: Const(divisor)}
}

func (e DimExpr) String() string    { return fmt.Sprintf("d%d", e.Position) }
func (e SymbolExpr) String() string { return fmt.Sprintf("s%d", e.Position) }
func (e ConstExpr) String() string  { return fmt.Sprintf("%d", e.Value) }

func (e BinaryExpr) String() string {
	switch e.Kind {
	case AffineAdd:
		rhs := e.RHS
		if c, ok := rhs.(ConstExpr); ok && c.Value < 0 {
			return fmt.Sprintf("%s - %d", e.LHS, -c.Value)
		}
		if m, ok := rhs.(BinaryExpr); ok && m.Kind == AffineMul {
			if c, ok := m.RHS.(ConstExpr); ok && c.Value < 0 {
				if c.Value == -1 {
					return fmt.Sprintf("%s - %s", e.LHS, parenthesize(m.LHS, false))
				}
				return fmt.Sprintf("%s - %s * %d", e.LHS, parenthesize(m.LHS, false), -c.Value)
			}
		}
		if b, ok := rhs.(BinaryExpr); ok && b.Kind == AffineAdd {
			return fmt.Sprintf("%s + (%s)", e.LHS, rhs)
		}
		return fmt.Sprintf("%s + %s", e.LHS, rhs)
	case AffineMul:
		return fmt.Sprintf("%s * %s", parenthesize(e.LHS, false), parenthesize(e.RHS, true))
	case AffineFloorDiv:
		return fmt.Sprintf("%s floordiv %s", parenthesize(e.LHS, false), e.RHS)
	case AffineMod:
		return fmt.Sprintf("%s mod %s", parenthesize(e.LHS, false), e.RHS)
	}
	return "<invalid affine expr>"
}

// parenthesize sums always, and any binary expression if strict is set.
func parenthesize(e AffineExpr, strict bool) string {
	if b, ok := e.(BinaryExpr); ok && (strict || b.Kind == AffineAdd) {
		return "(" + b.String() + ")"
	}
	return e.String()
}

// floorDiv with mathematical (round to -inf) semantics.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// floorMod with mathematical semantics: the result has the sign of b.
func floorMod(a, b int64) int64 {
	r := a % b
	if r != 0 && (r < 0) != (b < 0) {
		r += b
	}
	return r
}

// EvalAffine evaluates the expression for the given dimension and symbol values.
func EvalAffine(e AffineExpr, dims, syms []int64) int64 {
	switch e := e.(type) {
	case DimExpr:
		return dims[e.Position]
	case SymbolExpr:
		return syms[e.Position]
	case ConstExpr:
		return e.Value
	case BinaryExpr:
		lhs, rhs := EvalAffine(e.LHS, dims, syms), EvalAffine(e.RHS, dims, syms)
		switch e.Kind {
		case AffineAdd:
			return lhs + rhs
		case AffineMul:
			return lhs * rhs
		case AffineFloorDiv:
			return floorDiv(lhs, rhs)
		case AffineMod:
			return floorMod(lhs, rhs)
		}
	}
	exceptions.Panicf("ir.EvalAffine: invalid expression %v", e)
	return 0
}

// ReplaceAffine substitutes dimensions and symbols by the given expressions. Nil entries (or
// positions beyond the given slices) are kept unchanged.
func ReplaceAffine(e AffineExpr, dims, syms []AffineExpr) AffineExpr {
	switch e := e.(type) {
	case DimExpr:
		if e.Position < len(dims) && dims[e.Position] != nil {
			return dims[e.Position]
		}
	case SymbolExpr:
		if e.Position < len(syms) && syms[e.Position] != nil {
			return syms[e.Position]
		}
	case BinaryExpr:
		return BinaryExpr{Kind: e.Kind, LHS: ReplaceAffine(e.LHS, dims, syms), RHS: ReplaceAffine(e.RHS, dims, syms)}
	}
	return e
}

// WalkAffine calls fn for every sub-expression of e, in pre-order.
func WalkAffine(e AffineExpr, fn func(AffineExpr)) {
	fn(e)
	if b, ok := e.(BinaryExpr); ok {
		WalkAffine(b.LHS, fn)
		WalkAffine(b.RHS, fn)
	}
}

// linearForm is sum(coef * term) + constant, where terms are dims, symbols or opaque
// non-linear sub-expressions (themselves simplified), keyed by their string representation.
type linearForm struct {
	terms    map[string]linearTerm
	constant int64
}

type linearTerm struct {
	expr AffineExpr
	coef int64
}

func newLinearForm() *linearForm {
	return &linearForm{terms: make(map[string]linearTerm)}
}

func (l *linearForm) isConstant() bool { return len(l.terms) == 0 }

func (l *linearForm) addTerm(expr AffineExpr, coef int64) {
	key := expr.String()
	t := l.terms[key]
	t.expr = expr
	t.coef += coef
	if t.coef == 0 {
		delete(l.terms, key)
		return
	}
	l.terms[key] = t
}

func (l *linearForm) addScaled(l2 *linearForm, scale int64) {
	for _, t := range l2.terms {
		l.addTerm(t.expr, t.coef*scale)
	}
	l.constant += l2.constant * scale
}

func toLinear(e AffineExpr) *linearForm {
	l := newLinearForm()
	switch e := e.(type) {
	case DimExpr, SymbolExpr:
		l.addTerm(e, 1)
	case ConstExpr:
		l.constant = e.Value
	case BinaryExpr:
		lhs, rhs := toLinear(e.LHS), toLinear(e.RHS)
		switch e.Kind {
		case AffineAdd:
			l.addScaled(lhs, 1)
			l.addScaled(rhs, 1)
		case AffineMul:
			switch {
			case rhs.isConstant():
				l.addScaled(lhs, rhs.constant)
			case lhs.isConstant():
				l.addScaled(rhs, lhs.constant)
			default:
				l.addTerm(Mul(lhs.expr(), rhs.expr()), 1)
			}
		case AffineFloorDiv, AffineMod:
			divisor := rhs.constant
			// Split lhs = divisor*quotient + rest, with rest's constant in [0, divisor).
			quotient, rest := newLinearForm(), newLinearForm()
			for _, t := range lhs.terms {
				if t.coef%divisor == 0 {
					quotient.addTerm(t.expr, t.coef/divisor)
				} else {
					rest.addTerm(t.expr, t.coef)
				}
			}
			quotient.constant = floorDiv(lhs.constant, divisor)
			rest.constant = floorMod(lhs.constant, divisor)
			if e.Kind == AffineFloorDiv {
				l.addScaled(quotient, 1)
				if !rest.isConstant() && divisor != 1 {
					l.addTerm(FloorDiv(rest.expr(), divisor), 1)
				}
			} else {
				if rest.isConstant() {
					l.constant = rest.constant
				} else if divisor != 1 {
					l.addTerm(Mod(rest.expr(), divisor), 1)
				}
			}
		}
	}
	return l
}

// termOrder sorts dims first, then symbols, then opaque terms.
func termOrder(e AffineExpr) (group int, pos int) {
	switch e := e.(type) {
	case DimExpr:
		return 0, e.Position
	case SymbolExpr:
		return 1, e.Position
	}
	return 2, 0
}

// expr converts the linear form back to an expression in canonical order.
func (l *linearForm) expr() AffineExpr {
	keys := slices.Collect(maps.Keys(l.terms))
	slices.SortFunc(keys, func(a, b string) int {
		ga, pa := termOrder(l.terms[a].expr)
		gb, pb := termOrder(l.terms[b].expr)
		if ga != gb {
			return ga - gb
		}
		if pa != pb {
			return pa - pb
		}
		return strings.Compare(a, b)
	})
	// Positive terms first, so differences print as "a - b".
	slices.SortStableFunc(keys, func(a, b string) int {
		pa, pb := l.terms[a].coef > 0, l.terms[b].coef > 0
		switch {
		case pa == pb:
			return 0
		case pa:
			return -1
		}
		return 1
	})
	var result AffineExpr
	for _, key := range keys {
		t := l.terms[key]
		var term AffineExpr = t.expr
		if t.coef != 1 {
			term = Mul(t.expr, Const(t.coef))
		}
		if result == nil {
			result = term
		} else {
			result = Add(result, term)
		}
	}
	if result == nil {
		return Const(l.constant)
	}
	if l.constant != 0 {
		result = Add(result, Const(l.constant))
	}
	return result
}

// SimplifyAffine returns an equivalent expression in a canonical linear form: terms are
// collected and combined, constants folded and floordiv/mod by divisors of the coefficients
// resolved. Two expressions that differ only by the order of their terms simplify to the same.
func SimplifyAffine(e AffineExpr) AffineExpr {
	return toLinear(e).expr()
}

// AsConstant returns the value of e if it simplifies to a constant.
func AsConstant(e AffineExpr) (int64, bool) {
	l := toLinear(e)
	if !l.isConstant() {
		return 0, false
	}
	return l.constant, true
}

// UsesDims returns whether e references any dimension.
func UsesDims(e AffineExpr) bool {
	found := false
	WalkAffine(e, func(sub AffineExpr) {
		if _, ok := sub.(DimExpr); ok {
			found = true
		}
	})
	return found
}

// IsNonDecreasingInDims returns whether e is known to be non-decreasing in every dimension,
// for any value of the symbols. Sub-expressions that only depend on symbols can have any sign.
//
// For such expressions, the values taken over a box of dims [lo, hi] lie in [e(lo), e(hi)].
func IsNonDecreasingInDims(e AffineExpr) bool {
	for _, t := range toLinear(e).terms {
		if !UsesDims(t.expr) {
			continue
		}
		if t.coef < 0 {
			return false
		}
		switch x := t.expr.(type) {
		case DimExpr:
		case BinaryExpr:
			if x.Kind != AffineFloorDiv || !IsNonDecreasingInDims(x.LHS) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// AffineMap maps NumDims dimensions and NumSymbols symbols to a list of results.
type AffineMap struct {
	NumDims, NumSymbols int
	Results             []AffineExpr
}

// NewAffineMap creates an AffineMap and checks that the results only reference
// valid dims and symbols.
func NewAffineMap(numDims, numSymbols int, results ...AffineExpr) AffineMap {
	m := AffineMap{NumDims: numDims, NumSymbols: numSymbols, Results: slices.Clone(results)}
	for _, r := range results {
		WalkAffine(r, func(e AffineExpr) {
			switch e := e.(type) {
			case DimExpr:
				if e.Position < 0 || e.Position >= numDims {
					exceptions.Panicf("ir.NewAffineMap: %s out of range for %d dims", e, numDims)
				}
			case SymbolExpr:
				if e.Position < 0 || e.Position >= numSymbols {
					exceptions.Panicf("ir.NewAffineMap: %s out of range for %d symbols", e, numSymbols)
				}
			}
		})
	}
	return m
}

// IdentityMap returns (d0, ..., d_{n-1}) -> (d0, ..., d_{n-1}).
func IdentityMap(n int) AffineMap {
	results := make([]AffineExpr, n)
	for ii := range results {
		results[ii] = Dim(ii)
	}
	return NewAffineMap(n, 0, results...)
}

// NumResults of the map.
func (m AffineMap) NumResults() int { return len(m.Results) }

// Eval evaluates all results.
func (m AffineMap) Eval(dims, syms []int64) []int64 {
	if len(dims) != m.NumDims || len(syms) != m.NumSymbols {
		exceptions.Panicf("AffineMap.Eval(%s): got %d dims and %d symbols", m, len(dims), len(syms))
	}
	out := make([]int64, len(m.Results))
	for ii, r := range m.Results {
		out[ii] = EvalAffine(r, dims, syms)
	}
	return out
}

// PureDim returns the dimension position if the ii-th result is exactly a dimension.
func (m AffineMap) PureDim(ii int) (int, bool) {
	d, ok := m.Results[ii].(DimExpr)
	return d.Position, ok
}

// Simplify returns the map with all results simplified.
func (m AffineMap) Simplify() AffineMap {
	out := AffineMap{NumDims: m.NumDims, NumSymbols: m.NumSymbols, Results: make([]AffineExpr, len(m.Results))}
	for ii, r := range m.Results {
		out.Results[ii] = SimplifyAffine(r)
	}
	return out
}

// UsedSymbols returns for each symbol whether any result references it.
func (m AffineMap) UsedSymbols() []bool {
	used := make([]bool, m.NumSymbols)
	for _, r := range m.Results {
		WalkAffine(r, func(e AffineExpr) {
			if s, ok := e.(SymbolExpr); ok {
				used[s.Position] = true
			}
		})
	}
	return used
}

// Equal compares the maps structurally.
func (m AffineMap) Equal(m2 AffineMap) bool {
	return m.String() == m2.String()
}

// String returns the MLIR-like representation, e.g. "(d0, d1)[s0] -> (d0 + s0, d1)".
func (m AffineMap) String() string {
	var sb strings.Builder
	sb.WriteString("(")
	for ii := range m.NumDims {
		if ii > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "d%d", ii)
	}
	sb.WriteString(")")
	if m.NumSymbols > 0 {
		sb.WriteString("[")
		for ii := range m.NumSymbols {
			if ii > 0 {
				sb.WriteString(", ")
			}
			_, _ = fmt.Fprintf(&sb, "s%d", ii)
		}
		sb.WriteString("]")
	}
	sb.WriteString(" -> (")
	for ii, r := range m.Results {
		if ii > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(r.String())
	}
	sb.WriteString(")")
	return sb.String()
}
