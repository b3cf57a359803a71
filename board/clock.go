// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-lpc/dbinit"
	"github.com/go-lpc/dbinit/internal/poll"
	"github.com/go-lpc/dbinit/rap"
)

// Registers of the FPGA clock control block.
const (
	regMMCMControl = 0x020
	regMMCMOutputs = 0x028
	regRefClock    = 0x030

	mmcmReset   = 0x1
	mmcmRelease = 0x2
	mmcmLocked  = 0x10

	// radio, sample and measurement clock outputs
	mmcmOutputsOn = 0x011
	refClockSeen  = 0x1
)

const (
	mmcmInterval = 10 * time.Millisecond
	mmcmTimeout  = 500 * time.Millisecond
)

// ClockControl drives the FPGA MMCM downstream of the sample clock.
type ClockControl struct {
	port *rap.Port
	msg  *log.Logger
	clk  poll.Clock
}

func newClockControl(port *rap.Port, msg *log.Logger, clk poll.Clock) *ClockControl {
	return &ClockControl{port: port, msg: msg, clk: clk}
}

// Reset disables the MMCM outputs and holds the MMCM in reset.
func (cc *ClockControl) Reset() error {
	err := cc.port.Do(func(tx *rap.Tx) error {
		tx.Poke32(regMMCMOutputs, 0)
		tx.Poke32(regMMCMControl, mmcmReset)
		return tx.Err()
	})
	if err != nil {
		return fmt.Errorf("board: could not reset MMCM: %w", err)
	}
	return nil
}

// Enable releases the MMCM reset, waits for lock and enables its outputs.
func (cc *ClockControl) Enable() error {
	err := cc.port.Poke32(regMMCMControl, mmcmRelease)
	if err != nil {
		return fmt.Errorf("board: could not release MMCM reset: %w", err)
	}

	err = poll.Until(cc.clk, mmcmInterval, mmcmTimeout, func() (bool, error) {
		v, err := cc.port.Peek32(regMMCMControl)
		if err != nil {
			return false, err
		}
		return v&mmcmLocked != 0, nil
	})
	switch {
	case errors.Is(err, poll.ErrTimeout):
		return fmt.Errorf("board: MMCM did not lock within %v: %w", mmcmTimeout, dbinit.ErrLock)
	case err != nil:
		return fmt.Errorf("board: could not read MMCM status: %w", err)
	}

	err = cc.port.Poke32(regMMCMOutputs, mmcmOutputsOn)
	if err != nil {
		return fmt.Errorf("board: could not enable MMCM outputs: %w", err)
	}
	cc.msg.Printf("MMCM locked")
	return nil
}

// Locked reports whether the MMCM is locked.
func (cc *ClockControl) Locked() (bool, error) {
	v, err := cc.port.Peek32(regMMCMControl)
	if err != nil {
		return false, fmt.Errorf("board: could not read MMCM status: %w", err)
	}
	return v&mmcmLocked != 0, nil
}

// RefClockPresent reports whether the FPGA sees the reference clock.
func (cc *ClockControl) RefClockPresent() (bool, error) {
	v, err := cc.port.Peek32(regRefClock)
	if err != nil {
		return false, fmt.Errorf("board: could not read reference clock status: %w", err)
	}
	return v&refClockSeen != 0, nil
}
