// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-lpc/dbinit"
	"github.com/go-lpc/dbinit/lmk"
)

// Phase is a phase of the bringup sequence.
type Phase int

const (
	PhasePrerequisites Phase = iota + 1
	PhaseClockReset
	PhaseClockGen
	PhaseSync
	PhaseTransceivers
	PhaseConverters
	PhaseLinkTraining
	PhaseVerification
	PhaseTestHarness
)

var phaseNames = [...]string{
	PhasePrerequisites: "prerequisites",
	PhaseClockReset:    "clock-reset",
	PhaseClockGen:      "clock-generation",
	PhaseSync:          "clock-sync",
	PhaseTransceivers:  "transceivers",
	PhaseConverters:    "converters",
	PhaseLinkTraining:  "link-training",
	PhaseVerification:  "verification",
	PhaseTestHarness:   "test-harness",
}

func (ph Phase) String() string {
	if ph > 0 && int(ph) < len(phaseNames) {
		return phaseNames[ph]
	}
	return fmt.Sprintf("Phase(%d)", int(ph))
}

// BringupError is returned by a failed bringup. It names the failing phase
// and wraps the error of the failing operation.
type BringupError struct {
	Slot  int
	Phase Phase
	Err   error
}

func (e *BringupError) Error() string {
	return fmt.Sprintf("board: slot %d: bringup failed in phase %d (%v): %v", e.Slot, int(e.Phase), e.Phase, e.Err)
}

func (e *BringupError) Unwrap() error { return e.Err }

// Initialize runs the bringup of the board with the provided parameters.
//
// The rate profile and the clock and time sources are validated before any
// register access. The FPGA compatibility checks only read registers.
// With FastReinit, and when none of the parameters of the full bringup set
// changed since the last successful bringup, the clock, synchronization,
// transceiver and converter phases are skipped and only the links are
// trained again.
//
// The context is checked between phases: a running phase is never
// interrupted.
func (brd *Board) Initialize(ctx context.Context, p Params) error {
	p = p.normalize()
	prevReady := brd.ready
	brd.ready = false
	brd.swapped = false

	fail := func(ph Phase, err error) error {
		brd.msg.Printf("phase=%v state=fail: %+v", ph, err)
		return &BringupError{Slot: brd.slot, Phase: ph, Err: err}
	}

	prof, err := brd.prerequisites(p)
	if err != nil {
		return fail(PhasePrerequisites, err)
	}

	fast := false
	if p.FastReinit {
		switch changed := p.changed(brd.params); {
		case !prevReady:
			brd.msg.Printf("fast re-init requested without a previous bringup: running full bringup")
		case len(changed) > 0:
			brd.msg.Printf("fast re-init requested but %s changed: running full bringup", strings.Join(changed, ","))
		default:
			fast = true
		}
	}
	brd.logRFIC(p)

	type phase struct {
		ph Phase
		f  func() error
	}
	phases := []phase{
		{PhaseClockReset, brd.resetClocks},
		{PhaseClockGen, func() error { return brd.generateClocks(prof, p.ClockSource) }},
		{PhaseSync, brd.syncClocks},
		{PhaseTransceivers, func() error { return brd.setupTransceivers(prof) }},
		{PhaseConverters, brd.configureConverters},
		{PhaseLinkTraining, brd.train},
		{PhaseVerification, brd.verify},
	}
	if fast {
		brd.msg.Printf("fast re-init: training links only")
		phases = phases[len(phases)-2:]
	}
	if p.RxEyeScan || p.TxPRBS {
		phases = append(phases, phase{PhaseTestHarness, func() error { return brd.runHarnesses(p) }})
	}

	for _, ph := range phases {
		if err := ctx.Err(); err != nil {
			return fail(ph.ph, err)
		}
		brd.msg.Printf("phase=%v", ph.ph)
		err = ph.f()
		if err != nil {
			return fail(ph.ph, err)
		}
	}

	brd.params = p
	brd.profile = prof
	brd.ready = true
	brd.msg.Printf("bringup completed (%v)", prof)
	return nil
}

// prerequisites validates the parameters and checks the compatibility of
// the FPGA image. It only reads registers.
func (brd *Board) prerequisites(p Params) (RateProfile, error) {
	err := p.validate()
	if err != nil {
		return RateProfile{}, err
	}
	prof, err := brd.fam.Profile(p.RefClock, p.MasterClock)
	if err != nil {
		return prof, err
	}
	err = brd.fam.CheckSources(p.ClockSource, p.TimeSource)
	if err != nil {
		return prof, err
	}

	sync, err := brd.newSynchronizer(prof)
	if err != nil {
		return prof, err
	}

	var info CompatInfo
	info.JESD, err = brd.core.CheckCompat()
	if err != nil {
		return prof, err
	}
	info.TDC, err = sync.CheckCompat()
	if err != nil {
		return prof, err
	}
	info.SWJESD = brd.core.SWCompat()
	info.SWTDC = brd.cfg.tdc
	brd.compat = info

	slot, pid, err := brd.core.DBID()
	if err != nil {
		return prof, err
	}
	if slot != brd.slot {
		return prof, fmt.Errorf(
			"board: FPGA reports slot %d for the board in slot %d: %w",
			slot, brd.slot, dbinit.ErrChipState,
		)
	}
	brd.msg.Printf("daughterboard pid=0x%04x, %v", pid, prof)

	ok, err := brd.mmcm.RefClockPresent()
	switch {
	case err != nil:
		return prof, err
	case !ok:
		return prof, fmt.Errorf("board: reference clock not detected by the FPGA: %w", dbinit.ErrLock)
	}

	brd.sync = sync
	return prof, nil
}

func (brd *Board) logRFIC(p Params) {
	brd.msg.Printf(
		"rfic: init_cals=%v tracking_cals=%v timeout=%v rx_lo=%s tx_lo=%s loopback=%v",
		p.InitCals, p.TrackingCals, p.InitCalsTimeout, p.RxLOSource, p.TxLOSource, p.DigitalLoopback,
	)
	if p.TxBandwidth > 0 || p.RxBandwidth > 0 {
		brd.msg.Printf("rfic: tx_bw=%vHz rx_bw=%vHz", p.TxBandwidth, p.RxBandwidth)
	}
}

// SafeState holds the MMCM in reset and resets the JESD204B core.
func (brd *Board) SafeState() error {
	err := brd.mmcm.Reset()
	if err != nil {
		return err
	}
	return brd.core.Reset()
}

// resetClocks disables the sample clock MMCM, resets the JESD204B core and
// the TDC.
func (brd *Board) resetClocks() error {
	err := brd.SafeState()
	if err != nil {
		return err
	}
	return brd.sync.MasterReset()
}

// generateClocks configures the clock generator and enables the MMCM.
func (brd *Board) generateClocks(prof RateProfile, src ClockSource) error {
	err := brd.lmk.Configure(prof.Plan, brd.fam.input(src))
	if err != nil {
		return err
	}
	return brd.mmcm.Enable()
}

// syncClocks aligns the sample clock to the reference PPS.
func (brd *Board) syncClocks() error {
	res, err := brd.sync.Sync(brd.cfg.batches, PhaseDACInit)
	brd.result = res
	if err != nil {
		return err
	}
	return nil
}

// setupTransceivers brings the transceivers up at the lane rate of prof
// and programs the TX PHY.
func (brd *Board) setupTransceivers(prof RateProfile) error {
	err := brd.core.Init(prof.LaneRate, prof.MGTRefClock(), false)
	if err != nil {
		return err
	}
	return brd.xcvr.ConfigureTxPhy(*brd.cfg.phy)
}

// configureConverters resets and programs both converters. Data capture
// is not enabled.
func (brd *Board) configureConverters() error {
	err := brd.adc.Reset()
	if err != nil {
		return err
	}
	err = brd.dac.Reset()
	if err != nil {
		return err
	}
	err = brd.adc.Configure(brd.fam.ADC, brd.adc.SyncLine())
	if err != nil {
		return err
	}
	return brd.dac.Configure(brd.fam.DAC)
}

// sysrefEndpoint is a receiver of the SYSREF pulses.
type sysrefEndpoint struct {
	name   string
	enable func(bool) error
}

func (brd *Board) sysrefEndpoints() []sysrefEndpoint {
	return []sysrefEndpoint{
		{"fpga", brd.core.EnableLMFC},
		{"adc", brd.adc.EnableSysrefCapture},
		{"dac", brd.dac.EnableSysrefCapture},
	}
}

// train trains the TX link then the RX link, and aligns their LMFCs with
// SYSREF pulses.
func (brd *Board) train() error {
	for _, f := range []func() error{
		brd.dac.InitDeframer,
		brd.core.InitFramer,
		brd.adc.InitFramer,
		brd.core.InitDeframer,
	} {
		err := f()
		if err != nil {
			return err
		}
	}

	eps := brd.sysrefEndpoints()
	for _, ep := range eps {
		err := ep.enable(true)
		if err != nil {
			return fmt.Errorf("board: could not enable SYSREF capture of %s: %w", ep.name, err)
		}
	}

	n := brd.adc.SysrefPulses()
	if v := brd.dac.SysrefPulses(); v > n {
		n = v
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			brd.clk.Sleep(lmk.SysrefSpacing)
		}
		err := brd.lmk.PulseSysref()
		if err != nil {
			return err
		}
		brd.core.SysrefDelivered()
	}

	for _, ep := range eps {
		err := ep.enable(false)
		if err != nil {
			return fmt.Errorf("board: could not disable SYSREF capture of %s: %w", ep.name, err)
		}
	}
	brd.clk.Sleep(linkSettle)
	return nil
}

// verify checks the status of both links on the FPGA and on both
// converters. A failing ADC link is retrained once on the other SYNC line.
func (brd *Board) verify() error {
	err := brd.checkADC()
	if err != nil {
		return err
	}

	var fails []string
	fst, err := brd.core.FramerStatus()
	if err != nil {
		return err
	}
	if !fst.Good {
		fails = append(fails, "fpga framer")
	}
	dst, err := brd.core.DeframerStatus(false)
	if err != nil {
		return err
	}
	if !dst.Good {
		fails = append(fails, "fpga deframer")
	}
	ok, err := brd.dac.CheckDeframerStatus()
	if err != nil {
		return err
	}
	if !ok {
		fails = append(fails, "dac deframer")
	}
	if len(fails) > 0 {
		return fmt.Errorf("board: %s link check failed: %w", strings.Join(fails, ", "), dbinit.ErrLink)
	}
	return nil
}

// checkADC checks the ADC framer and retrains the link on the other SYNC
// line when it stays down. The SYNC line is swapped at most once per
// bringup.
func (brd *Board) checkADC() error {
	for {
		for try := 0; try < adcTries; try++ {
			if try > 0 {
				err := brd.train()
				if err != nil {
					return err
				}
			}
			ok, err := brd.adc.CheckFramerStatus()
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			brd.msg.Printf("chip=adc sync=%v try=%d state=fail", brd.adc.SyncLine(), try+1)
		}
		if brd.swapped {
			return fmt.Errorf("board: ADC framer failed on both SYNC lines: %w", dbinit.ErrLink)
		}

		brd.swapped = true
		line := brd.adc.SwapSyncLine()
		brd.msg.Printf("chip=adc retrying with sync=%v", line)
		err := brd.adc.Reset()
		if err != nil {
			return err
		}
		err = brd.adc.Configure(brd.adc.Mode(), line)
		if err != nil {
			return err
		}
		err = brd.train()
		if err != nil {
			return err
		}
	}
}

func (brd *Board) checkReady() error {
	if !brd.ready {
		return fmt.Errorf("board: slot %d: bringup not completed: %w", brd.slot, dbinit.ErrChipState)
	}
	return nil
}
