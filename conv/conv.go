// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package conv drives the data converters of the daughterboard: a
// four-channel ADC with redundant JESD204B SYNC inputs and a DAC37J82 DAC.
package conv // import "github.com/go-lpc/dbinit/conv"

import (
	"fmt"
	"log"
	"os"

	"github.com/go-lpc/dbinit/internal/poll"
)

// ChipError reports a failed register operation on a converter.
type ChipError struct {
	Chip string
	Op   string
	Err  error
}

func (e *ChipError) Error() string {
	return fmt.Sprintf("conv: %s: could not %s: %+v", e.Chip, e.Op, e.Err)
}

func (e *ChipError) Unwrap() error { return e.Err }

type config struct {
	msg   *log.Logger
	clk   poll.Clock
	alarm func() (bool, error)
}

// Option configures the drivers of this package.
type Option func(*config)

// WithLogger sets the logger of the driver.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithClock sets the clock used by polling loops.
func WithClock(clk poll.Clock) Option {
	return func(cfg *config) {
		cfg.clk = clk
	}
}

// WithAlarmPin sets the function reading the DAC ALARM output, usually
// routed to a CPLD.
func WithAlarmPin(f func() (bool, error)) Option {
	return func(cfg *config) {
		cfg.alarm = f
	}
}

func newConfig(prefix string, opts []Option) config {
	cfg := config{
		msg: log.New(os.Stdout, prefix, 0),
		clk: poll.System,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
