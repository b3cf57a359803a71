// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/dbinit"
	"github.com/go-lpc/dbinit/internal/fakeboard"
	"github.com/go-lpc/dbinit/internal/fakehw"
	"github.com/go-lpc/dbinit/internal/poll"
	"github.com/go-lpc/dbinit/jesd"
	"github.com/go-lpc/dbinit/lmk"
	"github.com/go-lpc/dbinit/mgt"
	"github.com/go-lpc/dbinit/rap"
	"github.com/go-lpc/dbinit/tdc"
	"golang.org/x/xerrors"
)

func newPorts(fb *fakeboard.Board) Ports {
	return Ports{
		FPGA:     rap.NewPort("fpga", fb.FPGA),
		TDC:      rap.NewPort("tdc", fb.TDC),
		LMK:      rap.NewPort("lmk", fb.LMK),
		PhaseDAC: rap.NewPort("phase-dac", fb.PhaseDAC),
		ADC:      rap.NewPort("adc", fb.ADC),
		DAC:      rap.NewPort("dac", fb.DAC),
	}
}

func newTestBoard(t *testing.T, slot int, fam Family, fb *fakeboard.Board, opts ...Option) *Board {
	t.Helper()
	if fb == nil {
		fb = fakeboard.New(slot, jesd.Compat, tdc.Compat)
	}
	opts = append([]Option{
		WithLogger(log.New(io.Discard, "board: ", 0)),
		WithClock(poll.NewFake(time.Time{})),
	}, opts...)
	brd, err := New(slot, fam, newPorts(fb), opts...)
	if err != nil {
		t.Fatalf("could not create board: %+v", err)
	}
	return brd
}

// setClocks aligns the clock plan of the fake slot with the profile of p.
func setClocks(t *testing.T, fb *fakeboard.Board, fam Family, p Params) RateProfile {
	t.Helper()
	prof, err := fam.Profile(p.RefClock, p.MasterClock)
	if err != nil {
		t.Fatalf("could not find profile: %+v", err)
	}
	fb.SetClocks(prof.RefClock, prof.MasterClock, prof.Plan.VCOFreq())
	return prof
}

func bringupPhase(t *testing.T, err error) Phase {
	t.Helper()
	var e *BringupError
	if !errors.As(err, &e) {
		t.Fatalf("invalid error type %T: %+v", err, err)
	}
	return e.Phase
}

func TestInitialize(t *testing.T) {
	for _, tc := range []struct {
		fam Family
		ref float64
		mcr float64
	}{
		{N310, 10e6, 125e6},
		{N310, 10e6, 122.88e6},
		{N310, 20e6, 153.6e6},
		{N310, 25e6, 125e6},
		{N320, 10e6, 250e6},
		{N320, 10e6, 200e6},
		{N320, 20e6, 245.76e6},
	} {
		t.Run(tc.fam.Name, func(t *testing.T) {
			fb := fakeboard.New(0, jesd.Compat, tdc.Compat)
			brd := newTestBoard(t, 0, tc.fam, fb)

			p := DefaultParams(tc.ref, tc.mcr)
			prof := setClocks(t, fb, tc.fam, p)

			err := brd.Initialize(context.Background(), p)
			if err != nil {
				t.Fatalf("could not initialize board: %+v", err)
			}
			if !brd.Ready() {
				t.Fatalf("board not ready")
			}
			if got, want := brd.Profile(), prof; !reflect.DeepEqual(got, want) {
				t.Fatalf("invalid profile:\ngot= %v\nwant=%v", got, want)
			}
			rate, ok := brd.Transceiver().Rate()
			if !ok || rate.LaneRate != prof.LaneRate {
				t.Fatalf("invalid lane rate: got=%v, want=%v", rate.LaneRate, prof.LaneRate)
			}

			core := brd.core
			for _, l := range []*jesd.Link{core.Framer(), core.Deframer()} {
				if got := l.State(); got != jesd.StateData {
					t.Fatalf("%s: invalid state %v (cause=%q)", l.Name(), got, l.Cause())
				}
			}

			res := brd.SyncResult()
			if math.Abs(res.ResidualError) > tdc.MaxResidual {
				t.Fatalf("invalid residual: %v", res.ResidualError)
			}
			if got, want := fb.Offset(), -4/tc.mcr; math.Abs(got-want) > tdc.MaxResidual {
				t.Fatalf("sample clock not aligned: got=%v, want=%v", got, want)
			}

			st, err := brd.LinkStatus()
			if err != nil {
				t.Fatalf("could not read link status: %+v", err)
			}
			if !st.Good() {
				t.Fatalf("invalid link status: %+v", st)
			}

			info := brd.CompatInfo()
			if info.JESD != jesd.Compat || info.TDC != tdc.Compat || info.SWJESD != jesd.Compat {
				t.Fatalf("invalid compat info: %+v", info)
			}
		})
	}
}

func TestInitializeOrder(t *testing.T) {
	fb := fakeboard.New(1, jesd.Compat, tdc.Compat)
	brd := newTestBoard(t, 1, N310, fb)
	p := DefaultParams(10e6, 125e6)
	setClocks(t, fb, N310, p)

	err := brd.Initialize(context.Background(), p)
	if err != nil {
		t.Fatalf("could not initialize board: %+v", err)
	}

	rec := fb.Rec
	steps := []struct {
		name string
		seq  int
	}{
		{"mmcm-reset", rec.Index(fakeboard.FPGA, fakeboard.RegMMCMControl, 0x1)},
		{"lmk-reset", rec.Index(fakeboard.LMK, fakeboard.RegLMKReset, 0x80)},
		{"mmcm-enable", rec.Index(fakeboard.FPGA, fakeboard.RegMMCMControl, 0x2)},
		{"tdc-reset", rec.Index(fakeboard.TDC, fakeboard.RegTDCControl, 0x2121)},
		{"qpll-release", rec.Index(fakeboard.FPGA, fakeboard.RegQPLLControl, 0x1110)},
		{"adc-reset", rec.Index(fakeboard.ADC, fakeboard.RegADCReset, 0x81)},
		{"framer-start", rec.Index(fakeboard.FPGA, fakeboard.RegTransmitter, 0x1)},
	}
	for i, step := range steps {
		if step.seq < 0 {
			t.Fatalf("step %q not found", step.name)
		}
		if i > 0 && step.seq < steps[i-1].seq {
			t.Fatalf("step %q (#%d) before step %q (#%d)", step.name, step.seq, steps[i-1].name, steps[i-1].seq)
		}
	}
}

func TestInitializeResetBeforeConfig(t *testing.T) {
	fb := fakeboard.New(0, jesd.Compat, tdc.Compat)
	brd := newTestBoard(t, 0, N310, fb)
	p := DefaultParams(10e6, 125e6)
	setClocks(t, fb, N310, p)

	err := brd.Initialize(context.Background(), p)
	if err != nil {
		t.Fatalf("could not initialize board: %+v", err)
	}

	rec := fb.Rec
	first := func(dev string, f func(a fakehw.Access) bool) int {
		for _, a := range rec.Writes(dev) {
			if f(a) {
				return a.Seq
			}
		}
		return -1
	}

	for _, tc := range []struct {
		name  string
		reset int
		mode  int
	}{
		{
			name:  "lmk",
			reset: rec.Index(fakeboard.LMK, fakeboard.RegLMKReset, 0x80),
			mode:  first(fakeboard.LMK, func(a fakehw.Access) bool { return a.Addr >= 0x100 }),
		},
		{
			name:  "adc",
			reset: rec.Index(fakeboard.ADC, fakeboard.RegADCReset, 0x81),
			mode:  rec.Index(fakeboard.ADC, 0x4003, 0x41), // decimation page
		},
		{
			name:  "dac",
			reset: rec.Index(fakeboard.DAC, 0x02, 0x2002),
			mode:  rec.Index(fakeboard.DAC, 0x00, 0x001b),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if tc.reset < 0 || tc.mode < 0 {
				t.Fatalf("missing accesses: reset=#%d mode=#%d", tc.reset, tc.mode)
			}
			if tc.mode < tc.reset {
				t.Fatalf("mode write (#%d) before reset (#%d)", tc.mode, tc.reset)
			}
		})
	}
}

func TestSysrefCaptureWindow(t *testing.T) {
	fb := fakeboard.New(0, jesd.Compat, tdc.Compat)
	brd := newTestBoard(t, 0, N310, fb)
	p := DefaultParams(10e6, 125e6)
	setClocks(t, fb, N310, p)

	err := brd.Initialize(context.Background(), p)
	if err != nil {
		t.Fatalf("could not initialize board: %+v", err)
	}

	const lmfcDisable = 1 << 6
	enabled := make(map[string]bool)
	all := func(want bool) bool {
		for _, ep := range []string{"fpga", "adc", "dac-clk", "dac-link"} {
			if enabled[ep] != want {
				return false
			}
		}
		return true
	}

	pulses := 0
	for _, a := range fb.Rec.Log() {
		if !a.Write {
			continue
		}
		switch {
		case a.Dev == fakeboard.FPGA && a.Addr == fakeboard.RegSysrefCapture:
			enabled["fpga"] = a.Value&lmfcDisable == 0
		case a.Dev == fakeboard.ADC && a.Addr == fakeboard.RegADCSysref:
			enabled["adc"] = a.Value&0x80 != 0
		case a.Dev == fakeboard.DAC && a.Addr == fakeboard.RegDACClkSysref:
			enabled["dac-clk"] = (a.Value>>4)&0x7 != 0
		case a.Dev == fakeboard.DAC && a.Addr == fakeboard.RegDACLinkSysrf:
			enabled["dac-link"] = a.Value&0x7 != 0
		case a.Dev == fakeboard.LMK && a.Addr == fakeboard.RegLMKSysref:
			switch {
			case all(true):
				pulses++
			case all(false):
			default:
				t.Fatalf("%v: SYSREF pulse with a partial capture set: %v", a, enabled)
			}
		}
	}
	if want := 2; pulses < want {
		t.Fatalf("invalid number of captured SYSREF pulses: got=%d, want>=%d", pulses, want)
	}
	if !all(false) {
		t.Fatalf("SYSREF capture left enabled: %v", enabled)
	}
}

func TestRateChange(t *testing.T) {
	fb := fakeboard.New(0, jesd.Compat, tdc.Compat)
	brd := newTestBoard(t, 0, N310, fb)

	p := DefaultParams(10e6, 125e6)
	setClocks(t, fb, N310, p)
	err := brd.Initialize(context.Background(), p)
	if err != nil {
		t.Fatalf("could not initialize board: %+v", err)
	}
	n := brd.Transceiver().DRPAccesses()

	p.MasterClock = 153.6e6
	p.FastReinit = true // ignored: the rate profile changed.
	setClocks(t, fb, N310, p)
	fb.Rec.Clear()
	err = brd.Initialize(context.Background(), p)
	if err != nil {
		t.Fatalf("could not re-initialize board: %+v", err)
	}
	if brd.Transceiver().DRPAccesses() <= n {
		t.Fatalf("DRP not updated for the new rate")
	}
	drp := fb.Rec.Filter(func(a fakehw.Access) bool {
		return a.Write && a.Dev == fakeboard.FPGA && a.Addr >= fakeboard.DRPData
	})
	if len(drp) == 0 {
		t.Fatalf("no DRP write")
	}
	if got, want := brd.Profile().LaneRate, 3072e6; got != want {
		t.Fatalf("invalid lane rate: got=%v, want=%v", got, want)
	}

	// same transceiver class: DRP update skipped.
	p.MasterClock = 125e6
	setClocks(t, fb, N310, p)
	err = brd.Initialize(context.Background(), p)
	if err != nil {
		t.Fatalf("could not re-initialize board: %+v", err)
	}
	p.MasterClock = 122.88e6
	setClocks(t, fb, N310, p)
	n = brd.Transceiver().DRPAccesses()
	err = brd.Initialize(context.Background(), p)
	if err != nil {
		t.Fatalf("could not re-initialize board: %+v", err)
	}
	if got := brd.Transceiver().DRPAccesses(); got != n {
		t.Fatalf("DRP accessed between rates of the same class: %d -> %d", n, got)
	}
}

func TestSyncLineSwap(t *testing.T) {
	fb := fakeboard.New(0, jesd.Compat, tdc.Compat)
	fb.ADCGood = []int{fakeboard.SyncCD}
	brd := newTestBoard(t, 0, N310, fb)
	p := DefaultParams(10e6, 125e6)
	setClocks(t, fb, N310, p)

	err := brd.Initialize(context.Background(), p)
	if err != nil {
		t.Fatalf("could not initialize board: %+v", err)
	}
	if fb.ADC.Get(fakeboard.RegADCSyncSelect)&0x40 == 0 {
		t.Fatalf("ADC SYNC line not swapped")
	}

	fb = fakeboard.New(0, jesd.Compat, tdc.Compat)
	fb.ADCGood = nil
	brd = newTestBoard(t, 0, N310, fb)
	setClocks(t, fb, N310, p)
	err = brd.Initialize(context.Background(), p)
	if !errors.Is(err, dbinit.ErrLink) {
		t.Fatalf("invalid error: %+v", err)
	}
	if got, want := bringupPhase(t, err), PhaseVerification; got != want {
		t.Fatalf("invalid phase: got=%v, want=%v", got, want)
	}
	if brd.Ready() {
		t.Fatalf("board ready after a failed bringup")
	}
}

func TestSyncLineSwapOnce(t *testing.T) {
	fb := fakeboard.New(0, jesd.Compat, tdc.Compat)
	fb.ADCGood = []int{fakeboard.SyncCD}
	// the ADC link breaks on the CD line once the eye scan pattern is on.
	fb.ADC.OnPoke = func(addr, v uint32) {
		if addr == fakeboard.RegADCTestPatt && v == 0x13 {
			fb.ADCGood = nil
		}
	}

	msg := new(bytes.Buffer)
	brd := newTestBoard(t, 0, N310, fb, WithLogger(log.New(msg, "", 0)))
	p := DefaultParams(10e6, 125e6)
	p.RxEyeScan = true
	setClocks(t, fb, N310, p)

	err := brd.Initialize(context.Background(), p)
	if !errors.Is(err, dbinit.ErrLink) {
		t.Fatalf("invalid error: %+v", err)
	}
	if got, want := bringupPhase(t, err), PhaseTestHarness; got != want {
		t.Fatalf("invalid phase: got=%v, want=%v", got, want)
	}
	if got, want := strings.Count(msg.String(), "SYNC line swapped"), 1; got != want {
		t.Fatalf("invalid number of SYNC line swaps: got=%d, want=%d", got, want)
	}
	if fb.ADC.Get(fakeboard.RegADCSyncSelect)&0x40 == 0 {
		t.Fatalf("ADC SYNC line swapped back")
	}

	// a new bringup may swap again.
	fb.ADC.OnPoke = nil
	fb.ADCGood = []int{fakeboard.SyncAB}
	msg.Reset()
	p.RxEyeScan = false
	err = brd.Initialize(context.Background(), p)
	if err != nil {
		t.Fatalf("could not initialize board: %+v", err)
	}
	if got, want := strings.Count(msg.String(), "SYNC line swapped"), 1; got != want {
		t.Fatalf("invalid number of SYNC line swaps: got=%d, want=%d", got, want)
	}
}

func TestPhaseDACAddr(t *testing.T) {
	fb := fakeboard.New(0, jesd.Compat, tdc.Compat)
	brd := newTestBoard(t, 0, N320, fb, WithPhaseDACAddr(0x3))

	err := brd.SetFinePhase(0x1234)
	if err != nil {
		t.Fatalf("could not set fine phase: %+v", err)
	}
	if got, want := fb.PhaseDAC.Get(0x3), uint32(0x1234); got != want {
		t.Fatalf("invalid phase DAC code: got=0x%x, want=0x%x", got, want)
	}
	if w := fb.Rec.Writes(fakeboard.PhaseDAC); len(w) != 1 || w[0].Addr != 0x3 {
		t.Fatalf("invalid phase DAC writes: %v", w)
	}
}

func TestSyncFailure(t *testing.T) {
	fb := fakeboard.New(0, jesd.Compat, tdc.Compat)
	fb.StuckOffset = true
	fb.Skew = 500e-12
	brd := newTestBoard(t, 0, N310, fb)
	p := DefaultParams(10e6, 125e6)
	setClocks(t, fb, N310, p)

	err := brd.Initialize(context.Background(), p)
	if !errors.Is(err, dbinit.ErrSync) {
		t.Fatalf("invalid error: %+v", err)
	}
	var serr *tdc.SyncError
	if !errors.As(err, &serr) {
		t.Fatalf("invalid error type: %+v", err)
	}
	if got, want := bringupPhase(t, err), PhaseSync; got != want {
		t.Fatalf("invalid phase: got=%v, want=%v", got, want)
	}
	if ws := fb.Rec.Writes(fakeboard.ADC); len(ws) != 0 {
		t.Fatalf("ADC configured after a failed synchronization: %v", ws)
	}
	if ws := fb.Rec.Writes(fakeboard.DAC); len(ws) != 0 {
		t.Fatalf("DAC configured after a failed synchronization: %v", ws)
	}
	if got := brd.SyncResult(); got.Iterations == 0 {
		t.Fatalf("no synchronization result: %+v", got)
	}
}

func TestPrerequisites(t *testing.T) {
	for _, tc := range []struct {
		name  string
		slot  int
		setup func(fb *fakeboard.Board, p *Params)
		opts  []Option
		want  error
		phase Phase
		quiet bool // no register access at all
	}{
		{
			name: "old-jesd-image",
			setup: func(fb *fakeboard.Board, p *Params) {
				fb.FPGA.Set(fakeboard.RegJESDRevision, 0x17000000)
				fb.FPGA.Set(fakeboard.RegJESDOldest, 0x17000000)
			},
			opts:  []Option{WithCompat(dbinit.Compat{Current: 0x19061214, Oldest: 0x18000000}, tdc.Compat)},
			want:  dbinit.ErrCompat,
			phase: PhasePrerequisites,
		},
		{
			name: "new-tdc-image",
			setup: func(fb *fakeboard.Board, p *Params) {
				fb.TDC.Set(fakeboard.RegTDCRevision, 0x20010101)
				fb.TDC.Set(fakeboard.RegTDCOldest, 0x20010101)
			},
			want:  dbinit.ErrCompat,
			phase: PhasePrerequisites,
		},
		{
			name: "bad-tdc-signature",
			setup: func(fb *fakeboard.Board, p *Params) {
				fb.TDC.Set(fakeboard.RegTDCSignature, 0xdeadbeef)
			},
			want:  dbinit.ErrCompat,
			phase: PhasePrerequisites,
		},
		{
			name: "wrong-slot",
			slot: 1,
			setup: func(fb *fakeboard.Board, p *Params) {
				fb.FPGA.Set(fakeboard.RegDBID, 0x0150)
			},
			want:  dbinit.ErrChipState,
			phase: PhasePrerequisites,
		},
		{
			name: "no-ref-clock",
			setup: func(fb *fakeboard.Board, p *Params) {
				fb.FPGA.Set(fakeboard.RegRefClock, 0)
			},
			want:  dbinit.ErrLock,
			phase: PhasePrerequisites,
		},
		{
			name: "unsupported-ref",
			setup: func(fb *fakeboard.Board, p *Params) {
				p.RefClock = 11e6
			},
			want:  dbinit.ErrUnsupportedRate,
			phase: PhasePrerequisites,
			quiet: true,
		},
		{
			name: "unsupported-mcr",
			setup: func(fb *fakeboard.Board, p *Params) {
				p.MasterClock = 250e6
			},
			want:  dbinit.ErrUnsupportedRate,
			phase: PhasePrerequisites,
			quiet: true,
		},
		{
			name: "gpsdo-time-internal-clock",
			setup: func(fb *fakeboard.Board, p *Params) {
				p.TimeSource = TimeGPSDO
			},
			want:  dbinit.ErrInvalidSource,
			phase: PhasePrerequisites,
			quiet: true,
		},
		{
			name: "nsync-on-n310",
			setup: func(fb *fakeboard.Board, p *Params) {
				p.ClockSource = ClockNSync
			},
			want:  dbinit.ErrInvalidSource,
			phase: PhasePrerequisites,
			quiet: true,
		},
		{
			name: "mmcm-no-lock",
			setup: func(fb *fakeboard.Board, p *Params) {
				fb.MMCMLocks = false
			},
			want:  dbinit.ErrLock,
			phase: PhaseClockGen,
		},
		{
			name: "lmk-no-lock",
			setup: func(fb *fakeboard.Board, p *Params) {
				fb.LMKLocked = false
			},
			want:  dbinit.ErrLock,
			phase: PhaseClockGen,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fb := fakeboard.New(tc.slot, jesd.Compat, tdc.Compat)
			brd := newTestBoard(t, tc.slot, N310, fb, tc.opts...)
			p := DefaultParams(10e6, 125e6)
			setClocks(t, fb, N310, p)
			tc.setup(fb, &p)

			err := brd.Initialize(context.Background(), p)
			if !errors.Is(err, tc.want) {
				t.Fatalf("invalid error: got=%+v, want=%v", err, tc.want)
			}
			if got := bringupPhase(t, err); got != tc.phase {
				t.Fatalf("invalid phase: got=%v, want=%v", got, tc.phase)
			}
			if tc.phase == PhasePrerequisites {
				for _, dev := range fb.Devices() {
					if ws := fb.Rec.Writes(dev.Name()); len(ws) != 0 {
						t.Fatalf("%s written before the prerequisites were met: %v", dev.Name(), ws)
					}
				}
			}
			if tc.quiet {
				if acc := fb.Rec.Log(); len(acc) != 0 {
					t.Fatalf("registers accessed with invalid parameters: %v", acc)
				}
			}
		})
	}
}

func TestFastReinit(t *testing.T) {
	fb := fakeboard.New(0, jesd.Compat, tdc.Compat)
	brd := newTestBoard(t, 0, N310, fb)
	p := DefaultParams(10e6, 125e6)
	setClocks(t, fb, N310, p)

	p.FastReinit = true // no previous bringup: full bringup.
	err := brd.Initialize(context.Background(), p)
	if err != nil {
		t.Fatalf("could not initialize board: %+v", err)
	}
	if ws := fb.Rec.Writes(fakeboard.TDC); len(ws) == 0 {
		t.Fatalf("fast re-init without a previous bringup skipped the synchronization")
	}

	drp := brd.Transceiver().DRPAccesses()
	fb.Rec.Clear()
	err = brd.Initialize(context.Background(), p)
	if err != nil {
		t.Fatalf("could not re-initialize board: %+v", err)
	}

	for _, w := range fb.Rec.Writes(fakeboard.LMK) {
		if w.Addr != fakeboard.RegLMKSysref {
			t.Fatalf("clock generator reprogrammed by a fast re-init: %v", w)
		}
	}
	if got, want := len(fb.Rec.Writes(fakeboard.LMK)), 2; got != want {
		t.Fatalf("invalid number of SYSREF pulses: got=%d, want=%d", got, want)
	}
	for _, dev := range []string{fakeboard.TDC, fakeboard.PhaseDAC} {
		if ws := fb.Rec.Writes(dev); len(ws) != 0 {
			t.Fatalf("%s written by a fast re-init: %v", dev, ws)
		}
	}
	if got := brd.Transceiver().DRPAccesses(); got != drp {
		t.Fatalf("DRP accessed by a fast re-init")
	}
	if fb.Rec.Index(fakeboard.FPGA, fakeboard.RegTransmitter, 0x1) < 0 {
		t.Fatalf("framer not retrained")
	}
	if got := brd.core.Framer().State(); got != jesd.StateData {
		t.Fatalf("invalid framer state %v", got)
	}

	// a must-not-change parameter forces the full bringup.
	p.InitCals = CalAll
	fb.Rec.Clear()
	err = brd.Initialize(context.Background(), p)
	if err != nil {
		t.Fatalf("could not re-initialize board: %+v", err)
	}
	if fb.Rec.Index(fakeboard.LMK, fakeboard.RegLMKReset, 0x80) < 0 {
		t.Fatalf("clock generator not reprogrammed after a calibration change")
	}
}

func TestIdempotentBringup(t *testing.T) {
	fb := fakeboard.New(0, jesd.Compat, tdc.Compat)
	brd := newTestBoard(t, 0, N310, fb)
	p := DefaultParams(10e6, 125e6)
	setClocks(t, fb, N310, p)

	err := brd.Initialize(context.Background(), p)
	if err != nil {
		t.Fatalf("could not initialize board: %+v", err)
	}
	want := fb.Dump()

	err = brd.Initialize(context.Background(), p)
	if err != nil {
		t.Fatalf("could not re-initialize board: %+v", err)
	}
	got := fb.Dump()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("register image differs between bringups:\ngot= %v\nwant=%v", got, want)
	}
}

func TestInitializeCanceled(t *testing.T) {
	fb := fakeboard.New(0, jesd.Compat, tdc.Compat)
	brd := newTestBoard(t, 0, N310, fb)
	p := DefaultParams(10e6, 125e6)
	setClocks(t, fb, N310, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := brd.Initialize(ctx, p)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("invalid error: %+v", err)
	}
	if got, want := bringupPhase(t, err), PhaseClockReset; got != want {
		t.Fatalf("invalid phase: got=%v, want=%v", got, want)
	}
	for _, dev := range fb.Devices() {
		if ws := fb.Rec.Writes(dev.Name()); len(ws) != 0 {
			t.Fatalf("%s written after cancelation: %v", dev.Name(), ws)
		}
	}
}

func TestHarnesses(t *testing.T) {
	fb := fakeboard.New(0, jesd.Compat, tdc.Compat)
	sweep := PRBSSweep{
		Swings:      []uint8{0x6, 0xf},
		Precursors:  []uint8{0x00},
		Postcursors: []uint8{0x00, 0x0a},
		Polls:       3,
	}
	brd := newTestBoard(
		t, 0, N310, fb,
		WithPRBSSweep(sweep),
		WithEyeScan(jesd.Range{Start: -8, Stop: 9, Step: 8}, jesd.Range{Start: 0, Stop: 1}, 2),
	)
	p := DefaultParams(10e6, 125e6)
	p.RxEyeScan = true
	p.TxPRBS = true
	setClocks(t, fb, N310, p)

	err := brd.Initialize(context.Background(), p)
	if err != nil {
		t.Fatalf("could not initialize board: %+v", err)
	}

	if got, want := len(brd.EyeScanResult()), 3*1*N310.L; got != want {
		t.Fatalf("invalid number of eye points: got=%d, want=%d", got, want)
	}
	prbs := brd.PRBSResult()
	if got, want := len(prbs), 2*1*2*N310.L; got != want {
		t.Fatalf("invalid number of PRBS results: got=%d, want=%d", got, want)
	}
	for _, res := range prbs {
		if !res.Pass() || res.Polls != sweep.Polls {
			t.Fatalf("invalid PRBS result: %v", res)
		}
	}
	if got, want := brd.Transceiver().TxPhy(), N310.Phy; got != want {
		t.Fatalf("TX PHY not restored: got=%+v, want=%+v", got, want)
	}
	if got := fb.ADC.Get(fakeboard.RegADCTestPatt); got != 0 {
		t.Fatalf("ADC test pattern left enabled: 0x%x", got)
	}
	if !brd.Ready() {
		t.Fatalf("board not ready after the harnesses")
	}

	// raised lane alarms are counted, and cleared by the retraining.
	fb.DAC.Set(fakeboard.RegDACLaneAlarm, 0xffff)
	err = brd.TxPRBS()
	if err != nil {
		t.Fatalf("could not run TX PRBS: %+v", err)
	}
	prbs = brd.PRBSResult()
	if res := prbs[0]; res.Lane != 0 || res.Alarms != sweep.Polls {
		t.Fatalf("alarms of lane 0 not reported: %v", res)
	}
	if res := prbs[1]; !res.Pass() {
		t.Fatalf("alarms reported on lane 1: %v", res)
	}
}

func TestTxPRBSAlarmFailure(t *testing.T) {
	fb := fakeboard.New(0, jesd.Compat, tdc.Compat)
	brd := newTestBoard(t, 0, N310, fb)
	p := DefaultParams(10e6, 125e6)
	setClocks(t, fb, N310, p)

	err := brd.Initialize(context.Background(), p)
	if err != nil {
		t.Fatalf("could not initialize board: %+v", err)
	}

	fb.Rec.Clear()
	fb.DAC.Fail(fakeboard.RegDACLaneAlarm, xerrors.New("spi timeout"))
	err = brd.TxPRBS()
	if !errors.Is(err, dbinit.ErrTransport) {
		t.Fatalf("invalid error: %+v", err)
	}

	const regDACTestCtl = 0x1b
	ws := fb.Rec.Filter(func(a fakehw.Access) bool {
		return a.Write && a.Dev == fakeboard.DAC && a.Addr == regDACTestCtl
	})
	if len(ws) < 2 {
		t.Fatalf("DAC test mode not set and cleared: %v", ws)
	}
	if last := ws[len(ws)-1]; last.Value != 0 {
		t.Fatalf("DAC lane left in test mode: %v", last)
	}
	if got := fb.DAC.Get(regDACTestCtl); got != 0 {
		t.Fatalf("DAC lane left in test mode: 0x%x", got)
	}
}

func TestRuntime(t *testing.T) {
	fb := fakeboard.New(0, jesd.Compat, tdc.Compat)
	brd := newTestBoard(t, 0, N310, fb)
	p := DefaultParams(10e6, 125e6)
	setClocks(t, fb, N310, p)

	if err := brd.ResendSysref(); !errors.Is(err, dbinit.ErrChipState) {
		t.Fatalf("SYSREF sent before bringup: %+v", err)
	}
	if err := brd.UpdateRefClock(20e6); !errors.Is(err, dbinit.ErrChipState) {
		t.Fatalf("reference clock updated before bringup: %+v", err)
	}

	err := brd.Initialize(context.Background(), p)
	if err != nil {
		t.Fatalf("could not initialize board: %+v", err)
	}

	fb.Rec.Clear()
	err = brd.ResendSysref()
	if err != nil {
		t.Fatalf("could not send SYSREF: %+v", err)
	}
	if fb.Rec.Index(fakeboard.FPGA, fakeboard.RegLMKSync, 1<<30) < 0 {
		t.Fatalf("SYSREF not requested")
	}

	err = brd.SetFinePhase(lmk.Midscale)
	if err != nil {
		t.Fatalf("could not set fine phase: %+v", err)
	}
	if got := fb.PhaseDAC.Get(0); got != lmk.Midscale {
		t.Fatalf("invalid phase DAC code 0x%x", got)
	}

	if got, want := fb.LMK.Get(fakeboard.RegLMKPLL1NLo), uint32(10); got != want {
		t.Fatalf("invalid PLL1 N: got=%d, want=%d", got, want)
	}
	err = brd.UpdateRefClock(20e6)
	if err != nil {
		t.Fatalf("could not update reference clock: %+v", err)
	}
	if got, want := fb.LMK.Get(fakeboard.RegLMKPLL1NLo), uint32(5); got != want {
		t.Fatalf("invalid PLL1 N: got=%d, want=%d", got, want)
	}
	if got := brd.Profile().RefClock; got != 20e6 {
		t.Fatalf("invalid reference clock %v", got)
	}
	if err := brd.UpdateRefClock(11e6); !errors.Is(err, dbinit.ErrUnsupportedRate) {
		t.Fatalf("invalid error: %+v", err)
	}

	err = brd.Teardown()
	if err != nil {
		t.Fatalf("could not tear down board: %+v", err)
	}
	if brd.Ready() {
		t.Fatalf("board ready after teardown")
	}
	if got := fb.FPGA.Get(fakeboard.RegMMCMControl); got != 0x1 {
		t.Fatalf("MMCM not held in reset: 0x%x", got)
	}
	if got := fb.FPGA.Get(fakeboard.RegMMCMOutputs); got != 0 {
		t.Fatalf("MMCM outputs not disabled: 0x%x", got)
	}
}

func TestInitializeAll(t *testing.T) {
	p := DefaultParams(10e6, 125e6)
	var (
		fbs    []*fakeboard.Board
		boards []*Board
	)
	for slot := 0; slot < 2; slot++ {
		fb := fakeboard.New(slot, jesd.Compat, tdc.Compat)
		setClocks(t, fb, N310, p)
		fbs = append(fbs, fb)
		boards = append(boards, newTestBoard(t, slot, N310, fb))
	}

	err := InitializeAll(context.Background(), boards, p)
	if err != nil {
		t.Fatalf("could not initialize boards: %+v", err)
	}
	for _, brd := range boards {
		if !brd.Ready() {
			t.Fatalf("slot %d not ready", brd.Slot())
		}
	}

	fbs[1].StuckOffset = true
	fbs[1].Skew = 1e-9
	err = InitializeAll(context.Background(), boards, p)
	var e *BringupError
	if !errors.As(err, &e) || e.Slot != 1 || !errors.Is(err, dbinit.ErrSync) {
		t.Fatalf("invalid error: %+v", err)
	}

	err = InitializeAll(context.Background(), []*Board{boards[0], boards[0]}, p)
	if err == nil {
		t.Fatalf("expected an error for a duplicate slot")
	}
}

func TestNew(t *testing.T) {
	fb := fakeboard.New(0, jesd.Compat, tdc.Compat)
	ports := newPorts(fb)

	if _, err := New(2, N310, ports); err == nil {
		t.Fatalf("expected an error for an invalid slot")
	}
	bad := ports
	bad.LMK = nil
	if _, err := New(0, N310, bad); err == nil {
		t.Fatalf("expected an error for a missing port")
	}
	if _, err := New(0, N310, ports, WithSyncBatches()); err == nil {
		t.Fatalf("expected an error without synchronization batch")
	}

	phy := mgt.TxPhy{Swing: 0xa, Postcursor: 0x0a}
	brd, err := New(0, N310, ports, WithTxPhy(phy), WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("could not create board: %+v", err)
	}
	if got := *brd.cfg.phy; got != phy {
		t.Fatalf("invalid TX PHY: got=%+v, want=%+v", got, phy)
	}
	if acc := fb.Rec.Log(); len(acc) != 0 {
		t.Fatalf("hardware accessed by New: %v", acc)
	}
}

func TestPhase(t *testing.T) {
	for _, tc := range []struct {
		ph   Phase
		want string
	}{
		{PhasePrerequisites, "prerequisites"},
		{PhaseSync, "clock-sync"},
		{PhaseTestHarness, "test-harness"},
		{Phase(42), "Phase(42)"},
	} {
		if got := tc.ph.String(); got != tc.want {
			t.Errorf("%d: got=%q, want=%q", int(tc.ph), got, tc.want)
		}
	}

	err := &BringupError{Slot: 1, Phase: PhaseSync, Err: dbinit.ErrSync}
	if got, want := err.Error(), "board: slot 1: bringup failed in phase 4 (clock-sync): dbinit: clock synchronization failed"; got != want {
		t.Fatalf("invalid error message:\ngot= %q\nwant=%q", got, want)
	}
	if !errors.Is(err, dbinit.ErrSync) {
		t.Fatalf("error does not wrap its cause")
	}
}
