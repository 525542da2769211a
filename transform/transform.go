// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transform applies transformations to the ops of a payload function, referring to
// them through handles.
//
// A transformation fails either in a silenceable way (the target is not supported, and it was
// left untouched), in which case the Interpreter skips the target with a warning, or in a
// definite way, in which case the Interpreter restores the function (and the handles) to
// their state before the transformation.
package transform

import (
	"fmt"

	"github.com/gomlx/sconv/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrSilenceable matches (with errors.Is) the errors created by Silenceable.
var ErrSilenceable = errors.New("silenceable failure")

type silenceableError struct {
	err error
}

func (e *silenceableError) Error() string        { return e.err.Error() }
func (e *silenceableError) Unwrap() error        { return e.err }
func (e *silenceableError) Is(target error) bool { return target == ErrSilenceable }

// Silenceable marks err as a silenceable failure: the target was not changed and can be skipped.
func Silenceable(err error) error {
	if err == nil {
		return nil
	}
	return &silenceableError{err: err}
}

// IsSilenceable returns whether err is a silenceable failure.
func IsSilenceable(err error) bool {
	return errors.Is(err, ErrSilenceable)
}

// Transformation rewrites one payload op at a time.
type Transformation interface {
	// Name of the transformation, for diagnostics.
	Name() string

	// NumResults is the number of ops returned by Apply.
	NumResults() int

	// Apply transforms the target op with rw, and returns NumResults ops to track.
	Apply(rw ir.Rewriter, target *ir.Op) ([]*ir.Op, error)
}

// Match returns all ops of fn of the given kind, in pre-order.
func Match(fn *ir.Func, kind ir.OpKind) []*ir.Op {
	return fn.OpsOfKind(kind)
}

// Interpreter applies transformations to a function.
type Interpreter struct {
	fn          *ir.Func
	state       *State
	rw          *ir.PatternRewriter
	diagnostics []error
}

// NewInterpreter creates an Interpreter for fn.
func NewInterpreter(fn *ir.Func) *Interpreter {
	state := NewState()
	return &Interpreter{
		fn:    fn,
		state: state,
		rw:    ir.NewRewriter().AddListener(state),
	}
}

// Func returns the payload function.
func (it *Interpreter) Func() *ir.Func { return it.fn }

// State returns the handles state.
func (it *Interpreter) State() *State { return it.state }

// Rewriter used for the transformations.
func (it *Interpreter) Rewriter() ir.Rewriter { return it.rw }

// Diagnostics returns the silenceable failures of the targets skipped so far.
func (it *Interpreter) Diagnostics() []error { return it.diagnostics }

// Match returns a handle to all the ops of the given kind.
func (it *Interpreter) Match(kind ir.OpKind) Handle {
	return it.state.Track(string(kind), Match(it.fn, kind)...)
}

// Apply t to each op of the handle, which is consumed. It returns t.NumResults() new
// handles: the ii-th one tracks the ii-th op returned for each transformed target.
//
// Targets failing with a silenceable error are skipped (see Diagnostics). On any other error
// the function and the handles are restored to their state before the failing target, and
// the error is returned.
func (it *Interpreter) Apply(h Handle, t Transformation) ([]Handle, error) {
	targets, err := it.state.Ops(h)
	if err != nil {
		return nil, err
	}
	results := make([][]*ir.Op, t.NumResults())
	for _, target := range targets {
		if target.IsErased() {
			continue
		}
		snapshot, mapping := it.fn.Clone()
		saved := it.state.save()
		ops, err := t.Apply(it.rw, target)
		if err == nil && len(ops) != len(results) {
			err = errors.Errorf("returned %d ops, expected %d", len(ops), len(results))
		}
		if err != nil {
			if IsSilenceable(err) {
				klog.Warningf("transform %s: skipping %s: %v", t.Name(), target.Kind(), err)
				it.diagnostics = append(it.diagnostics, err)
				continue
			}
			it.fn.RestoreFrom(snapshot)
			it.state.restore(saved, mapping)
			return nil, errors.WithMessagef(err, "transform %s failed on %s, payload restored", t.Name(), target.Kind())
		}
		for ii, op := range ops {
			results[ii] = append(results[ii], op)
		}
	}
	if err := it.state.Consume(h); err != nil {
		return nil, err
	}
	handles := make([]Handle, len(results))
	for ii, ops := range results {
		handles[ii] = it.state.Track(fmt.Sprintf("%s#%d", t.Name(), ii), ops...)
	}
	return handles, nil
}
