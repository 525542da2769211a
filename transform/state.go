// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transform

import (
	"slices"

	"github.com/gomlx/sconv/ir"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrInvalidHandle is returned when using a handle unknown to the State, or already consumed.
var ErrInvalidHandle = errors.New("invalid handle")

// Handle refers to a list of payload ops tracked by a State.
type Handle uuid.UUID

// String implements fmt.Stringer.
func (h Handle) String() string { return uuid.UUID(h).String() }

type payload struct {
	name     string
	ops      []*ir.Op
	consumed bool
}

// State maps handles to payload ops.
//
// It implements ir.Listener: registered with the rewriter used by the transformations, it
// keeps the handles up-to-date. Replaced ops are substituted by the op defining all the
// replacement values (if there is one such op), and erased ops are dropped.
type State struct {
	handles map[Handle]*payload
}

var _ ir.Listener = (*State)(nil)

// NewState returns an empty State.
func NewState() *State {
	return &State{handles: make(map[Handle]*payload)}
}

// Track creates a new handle to the given ops.
func (s *State) Track(name string, ops ...*ir.Op) Handle {
	h := Handle(uuid.New())
	s.handles[h] = &payload{name: name, ops: slices.Clone(ops)}
	klog.V(2).Infof("transform: handle %s (%s) tracks %d ops", h, name, len(ops))
	return h
}

func (s *State) lookup(h Handle) (*payload, error) {
	p, found := s.handles[h]
	if !found {
		return nil, errors.Wrapf(ErrInvalidHandle, "unknown handle %s", h)
	}
	if p.consumed {
		return nil, errors.Wrapf(ErrInvalidHandle, "handle %s (%s) was consumed", h, p.name)
	}
	return p, nil
}

// Ops returns the payload ops of the handle.
func (s *State) Ops(h Handle) ([]*ir.Op, error) {
	p, err := s.lookup(h)
	if err != nil {
		return nil, err
	}
	return slices.Clone(p.ops), nil
}

// Name returns the name given to the handle when tracked.
func (s *State) Name(h Handle) string {
	if p, found := s.handles[h]; found {
		return p.name
	}
	return ""
}

// Consume invalidates the handle: later uses return ErrInvalidHandle.
func (s *State) Consume(h Handle) error {
	p, err := s.lookup(h)
	if err != nil {
		return err
	}
	p.consumed = true
	p.ops = nil
	return nil
}

// NotifyOpReplaced implements ir.Listener.
func (s *State) NotifyOpReplaced(op *ir.Op, values []*ir.Value) {
	var replacement *ir.Op
	if len(values) > 0 {
		replacement = values[0].DefiningOp()
		if replacement == nil || replacement.NumResults() != len(values) {
			replacement = nil
		} else {
			for ii, v := range values {
				if replacement.Result(ii) != v {
					replacement = nil
					break
				}
			}
		}
	}
	for _, p := range s.handles {
		for ii, tracked := range p.ops {
			if tracked == op && replacement != nil {
				p.ops[ii] = replacement
			}
		}
	}
}

// NotifyOpErased implements ir.Listener.
func (s *State) NotifyOpErased(op *ir.Op) {
	for _, p := range s.handles {
		p.ops = slices.DeleteFunc(p.ops, func(tracked *ir.Op) bool { return tracked == op })
	}
}

// save returns a copy of the state of all handles.
func (s *State) save() map[Handle]payload {
	saved := make(map[Handle]payload, len(s.handles))
	for h, p := range s.handles {
		saved[h] = payload{name: p.name, ops: slices.Clone(p.ops), consumed: p.consumed}
	}
	return saved
}

// restore the handles saved before the payload was cloned with mapping, pointing them to the
// cloned ops. Handles created after the save are dropped.
func (s *State) restore(saved map[Handle]payload, mapping *ir.Mapping) {
	s.handles = make(map[Handle]*payload, len(saved))
	for h, p := range saved {
		restored := &payload{name: p.name, consumed: p.consumed}
		for _, op := range p.ops {
			if clone := mapping.LookupOp(op); clone != nil {
				restored.ops = append(restored.ops, clone)
			}
		}
		s.handles[h] = restored
	}
}
