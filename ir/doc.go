// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ir is a small SSA intermediate representation of tensor programs, modeled after
// the MLIR dialects used to lower convolutions: arith, affine, tensor, linalg and scf.
//
// A Func holds a Block of Op. Ops take Value operands, define Value results and
// optionally own a body Block (scf.for and linalg.generic). Values track their uses.
//
// All mutations go through a Rewriter (create, clone with a Mapping, replace, erase), and
// Builder provides typed constructors for every op kind. Verify checks the structural
// invariants, and Print renders an MLIR-like text.
//
// Index computations are expressed with AffineExpr and AffineMap.
package ir
