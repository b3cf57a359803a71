// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package poll holds bounded polling loops driven by an injectable clock.
package poll // import "github.com/go-lpc/dbinit/internal/poll"

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTimeout is returned when a predicate did not hold before the deadline.
var ErrTimeout = errors.New("poll: timeout")

// Clock provides time to polling loops.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type sysClock struct{}

func (sysClock) Now() time.Time        { return time.Now() }
func (sysClock) Sleep(d time.Duration) { time.Sleep(d) }

// System is the wall clock.
var System Clock = sysClock{}

// Until evaluates cond every interval until it returns true, returns an
// error or timeout elapses.
// cond is always evaluated at least once.
func Until(clk Clock, interval, timeout time.Duration, cond func() (bool, error)) error {
	if clk == nil {
		clk = System
	}
	deadline := clk.Now().Add(timeout)
	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !clk.Now().Before(deadline) {
			return fmt.Errorf("%w after %v", ErrTimeout, timeout)
		}
		clk.Sleep(interval)
	}
}

// Fake is a manually advanced clock.
// Sleep advances the clock instantly.
type Fake struct {
	mu  sync.Mutex
	now time.Time
	n   int // number of Sleep calls
}

// NewFake returns a fake clock starting at t0.
func NewFake(t0 time.Time) *Fake {
	return &Fake{now: t0}
}

func (clk *Fake) Now() time.Time {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	return clk.now
}

func (clk *Fake) Sleep(d time.Duration) {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	clk.now = clk.now.Add(d)
	clk.n++
}

// Sleeps returns the number of Sleep calls so far.
func (clk *Fake) Sleeps() int {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	return clk.n
}

// Elapsed returns the time elapsed since t0.
func (clk *Fake) Elapsed(t0 time.Time) time.Duration {
	return clk.Now().Sub(t0)
}

var (
	_ Clock = (*sysClock)(nil)
	_ Clock = (*Fake)(nil)
)
