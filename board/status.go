// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"fmt"

	"github.com/go-lpc/dbinit"
	"github.com/go-lpc/dbinit/conv"
	"github.com/go-lpc/dbinit/jesd"
	"github.com/go-lpc/dbinit/tdc"
)

// CompatInfo holds the compatibility numbers reported by the FPGA image and
// declared by the software, for the JESD204B and TDC blocks.
type CompatInfo struct {
	JESD   dbinit.Compat
	TDC    dbinit.Compat
	SWJESD dbinit.Compat
	SWTDC  dbinit.Compat
}

// LinkStatus is a snapshot of the state of both JESD204B links.
type LinkStatus struct {
	Framer   jesd.LinkState
	Deframer jesd.LinkState

	FramerCause   string
	DeframerCause string

	FramerFlags   jesd.FramerStatus
	DeframerFlags jesd.DeframerStatus

	ADC conv.ADCStatus
	DAC conv.DACStatus
}

// Good reports whether both links carry data.
func (st LinkStatus) Good() bool {
	return st.Framer == jesd.StateData && st.Deframer == jesd.StateData &&
		st.ADC.Good && st.DAC.Good
}

// CompatInfo returns the compatibility numbers read during the last
// bringup.
func (brd *Board) CompatInfo() CompatInfo { return brd.compat }

// SyncResult returns the outcome of the last clock synchronization.
func (brd *Board) SyncResult() tdc.SyncResult { return brd.result }

// LinkStatus reads the status of both links.
func (brd *Board) LinkStatus() (LinkStatus, error) {
	var (
		st  LinkStatus
		err error
	)
	st.FramerFlags, err = brd.core.FramerStatus()
	if err != nil {
		return st, err
	}
	st.DeframerFlags, err = brd.core.DeframerStatus(true)
	if err != nil {
		return st, err
	}
	st.ADC, err = brd.adc.FramerStatus()
	if err != nil {
		return st, err
	}
	st.DAC, err = brd.dac.DeframerStatus()
	if err != nil {
		return st, err
	}

	tx, rx := brd.core.Framer(), brd.core.Deframer()
	st.Framer, st.FramerCause = tx.State(), tx.Cause()
	st.Deframer, st.DeframerCause = rx.State(), rx.Cause()
	return st, nil
}

// ResendSysref sends a SYSREF pulse to all the endpoints of the board.
func (brd *Board) ResendSysref() error {
	err := brd.checkReady()
	if err != nil {
		return err
	}
	return brd.core.SendSysref()
}

// SetFinePhase sets the phase DAC code of the sample clock.
func (brd *Board) SetFinePhase(code uint16) error {
	err := brd.pdac.Set(code)
	if err != nil {
		return fmt.Errorf("board: could not set fine phase: %w", err)
	}
	return nil
}

// UpdateRefClock retunes the clock generator for a new reference clock,
// keeping the master clock rate of the last bringup.
func (brd *Board) UpdateRefClock(ref float64) error {
	err := brd.checkReady()
	if err != nil {
		return err
	}
	prof, err := brd.fam.Profile(ref, brd.profile.MasterClock)
	if err != nil {
		return err
	}
	err = brd.lmk.Retune(prof.Plan)
	if err != nil {
		return err
	}
	sync, err := brd.newSynchronizer(prof)
	if err != nil {
		return err
	}
	brd.sync = sync
	brd.profile = prof
	brd.params.RefClock = ref
	brd.msg.Printf("reference clock updated: %v", prof)
	return nil
}

// Teardown mutes the DAC outputs and puts the board in its safe state.
func (brd *Board) Teardown() error {
	brd.ready = false
	err := brd.dac.TxEnable(false)
	if err != nil {
		return err
	}
	return brd.SafeState()
}
