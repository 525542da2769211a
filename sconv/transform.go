// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sconv

import (
	"github.com/gomlx/sconv/ir"
	"github.com/gomlx/sconv/transform"
	"github.com/pkg/errors"
)

// Transform adapts Apply to the transform framework. For each target it returns the
// microkernel followed by the four loops of Handles.Loops.
//
// Validation failures are silenceable: the target is skipped.
type Transform struct {
	Config Config
}

var _ transform.Transformation = (*Transform)(nil)

// NewTransform returns a Transform with the given configuration.
func NewTransform(cfg Config) *Transform {
	return &Transform{Config: cfg}
}

// Name implements transform.Transformation.
func (t *Transform) Name() string { return "sconv" }

// NumResults implements transform.Transformation.
func (t *Transform) NumResults() int { return 5 }

// Apply implements transform.Transformation.
func (t *Transform) Apply(rw ir.Rewriter, target *ir.Op) ([]*ir.Op, error) {
	h, err := Apply(rw, target, t.Config)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			return nil, transform.Silenceable(err)
		}
		return nil, err
	}
	ops := []*ir.Op{h.Microkernel}
	for _, loop := range h.Loops {
		ops = append(ops, loop.Op)
	}
	return ops, nil
}
