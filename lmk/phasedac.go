// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lmk

import (
	"fmt"

	"github.com/go-lpc/dbinit/rap"
)

// Midscale is the mid-range code of the phase DAC.
const Midscale = 0x8000

// PhaseDAC is the 16-bit DAC tuning the VCXO of PLL1.
type PhaseDAC struct {
	port  *rap.Port
	addr  uint32
	step  float64 // phase shift of one code (s)
	code  uint16
	known bool
}

// NewPhaseDAC returns a phase DAC writing its code to the register addr of
// port. step is the phase shift of one code, in seconds.
func NewPhaseDAC(port *rap.Port, addr uint32, step float64) *PhaseDAC {
	return &PhaseDAC{
		port: port,
		addr: addr,
		step: step,
	}
}

// Set writes code to the DAC.
func (dac *PhaseDAC) Set(code uint16) error {
	err := dac.port.Poke16(dac.addr, code)
	if err != nil {
		return fmt.Errorf("lmk: could not set phase DAC to 0x%04x: %w", code, err)
	}
	dac.code = code
	dac.known = true
	return nil
}

// Code returns the last written code, or Midscale when the DAC was never
// written.
func (dac *PhaseDAC) Code() uint16 {
	if !dac.known {
		return Midscale
	}
	return dac.code
}

// Slope returns the phase shift of one DAC code, in seconds.
func (dac *PhaseDAC) Slope() float64 { return dac.step }

// SetSlope overrides the phase shift of one DAC code, e.g. from calibration
// data.
func (dac *PhaseDAC) SetSlope(step float64) {
	if step <= 0 {
		return
	}
	dac.step = step
}
