// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package jesd

import (
	"fmt"
	"sync"
)

// LinkState is the training state of a JESD204B link direction.
type LinkState uint8

const (
	StateReset LinkState = iota
	StatePLLLocked
	StateReady
	StateCGS
	StateILA
	StateData
	StateError
)

func (s LinkState) String() string {
	switch s {
	case StateReset:
		return "reset"
	case StatePLLLocked:
		return "pll_locked"
	case StateReady:
		return "ready"
	case StateCGS:
		return "cgs"
	case StateILA:
		return "ila"
	case StateData:
		return "data"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("LinkState(%d)", uint8(s))
}

// next lists the allowed transitions, besides reset and error.
var next = map[LinkState]LinkState{
	StateReset:     StatePLLLocked,
	StatePLLLocked: StateReady,
	StateReady:     StateCGS,
	StateCGS:       StateILA,
	StateILA:       StateData,
}

// Link tracks the state of one direction of a JESD204B link.
type Link struct {
	name string

	mu    sync.RWMutex
	state LinkState
	cause string
}

func newLink(name string) *Link {
	return &Link{name: name}
}

// Name returns the name of the link direction.
func (l *Link) Name() string { return l.name }

// State returns the current state of the link.
func (l *Link) State() LinkState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Cause returns the reason of the last transition to the error state.
func (l *Link) Cause() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cause
}

func (l *Link) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateReset
	l.cause = ""
}

func (l *Link) fail(cause string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateError
	l.cause = cause
}

// advance moves the link to state to.
// The error state is terminal until the next reset.
func (l *Link) advance(to LinkState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == to {
		return nil
	}
	if n, ok := next[l.state]; !ok || n != to {
		return fmt.Errorf("jesd: invalid %s link transition %v -> %v", l.name, l.state, to)
	}
	l.state = to
	return nil
}
