// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package board sequences the bringup of a daughterboard slot: clock
// generation, synchronization to the reference PPS, transceiver and
// converter configuration, and JESD204B link training.
package board // import "github.com/go-lpc/dbinit/board"

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-lpc/dbinit"
	"github.com/go-lpc/dbinit/conv"
	"github.com/go-lpc/dbinit/internal/poll"
	"github.com/go-lpc/dbinit/jesd"
	"github.com/go-lpc/dbinit/lmk"
	"github.com/go-lpc/dbinit/mgt"
	"github.com/go-lpc/dbinit/rap"
	"github.com/go-lpc/dbinit/tdc"
)

const (
	// PhaseDACInit is the phase DAC code the synchronization starts from.
	// The DAC is most linear just below midscale.
	PhaseDACInit = 31000

	linkSettle = 100 * time.Millisecond
	adcTries   = 2
)

// Ports holds the register access ports of a slot.
type Ports struct {
	FPGA     *rap.Port // JESD204B core, transceivers and MMCM
	TDC      *rap.Port
	LMK      *rap.Port
	PhaseDAC *rap.Port
	ADC      *rap.Port
	DAC      *rap.Port
}

func (p Ports) validate() error {
	for _, v := range []struct {
		name string
		port *rap.Port
	}{
		{"FPGA", p.FPGA},
		{"TDC", p.TDC},
		{"LMK", p.LMK},
		{"phase DAC", p.PhaseDAC},
		{"ADC", p.ADC},
		{"DAC", p.DAC},
	} {
		if v.port == nil {
			return fmt.Errorf("board: missing %s register port", v.name)
		}
	}
	return nil
}

// PRBSSweep configures the TX PRBS harness: every combination of the
// listed TX PHY settings is checked by the DAC on every lane.
type PRBSSweep struct {
	Swings      []uint8
	Precursors  []uint8
	Postcursors []uint8

	// Polls is the number of ALARM reads per lane and setting.
	Polls int
}

// DefaultPRBSSweep is the TX PRBS sweep used when none is configured.
var DefaultPRBSSweep = PRBSSweep{
	Swings:      []uint8{0x6, 0xa, 0xf},
	Precursors:  []uint8{0x00},
	Postcursors: []uint8{0x00, 0x0a},
	Polls:       10,
}

type config struct {
	msg *log.Logger
	clk poll.Clock

	jesd dbinit.Compat
	tdc  dbinit.Compat

	traceDelay float64
	slope      float64
	dacAddr    uint32
	batches    []int

	phy   *mgt.TxPhy
	sweep PRBSSweep

	eye struct {
		hor, ver jesd.Range
		prescale uint8
	}
}

// Option configures a Board.
type Option func(*config)

// WithLogger sets the logger of the board and of its drivers.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithClock sets the clock used for all waits and timeouts.
func WithClock(clk poll.Clock) Option {
	return func(cfg *config) {
		cfg.clk = clk
	}
}

// WithCompat sets the compatibility declared by the software for the
// JESD204B and TDC FPGA blocks.
func WithCompat(jesd, tdc dbinit.Compat) Option {
	return func(cfg *config) {
		cfg.jesd = jesd
		cfg.tdc = tdc
	}
}

// WithCalibration sets the calibration constants of the board: the trace
// delay of the reference PPS (s) and the phase shift of one phase DAC
// code (s). Zero values keep the defaults.
func WithCalibration(traceDelay, slope float64) Option {
	return func(cfg *config) {
		cfg.traceDelay = traceDelay
		if slope > 0 {
			cfg.slope = slope
		}
	}
}

// WithPhaseDACAddr sets the register address the phase DAC code is
// written to.
func WithPhaseDACAddr(addr uint32) Option {
	return func(cfg *config) {
		cfg.dacAddr = addr
	}
}

// WithSyncBatches sets the sizes of the measurement batches of the clock
// synchronization.
func WithSyncBatches(batches ...int) Option {
	return func(cfg *config) {
		cfg.batches = append([]int(nil), batches...)
	}
}

// WithTxPhy overrides the TX PHY settings of the family.
func WithTxPhy(phy mgt.TxPhy) Option {
	return func(cfg *config) {
		cfg.phy = &phy
	}
}

// WithPRBSSweep sets the settings of the TX PRBS harness.
func WithPRBSSweep(sweep PRBSSweep) Option {
	return func(cfg *config) {
		cfg.sweep = sweep
	}
}

// WithEyeScan sets the offsets and prescale of the RX eye scan harness.
func WithEyeScan(hor, ver jesd.Range, prescale uint8) Option {
	return func(cfg *config) {
		cfg.eye.hor = hor
		cfg.eye.ver = ver
		cfg.eye.prescale = prescale
	}
}

func newConfig(opts []Option) config {
	cfg := config{
		msg:     log.New(os.Stdout, "board: ", 0),
		clk:     poll.System,
		jesd:    jesd.Compat,
		tdc:     tdc.Compat,
		slope:   1.1e-12,
		batches: []int{512, 128},
		sweep:   DefaultPRBSSweep,
	}
	cfg.eye.hor = jesd.Range{Start: -32, Stop: 33, Step: 8}
	cfg.eye.ver = jesd.Range{Start: -120, Stop: 121, Step: 40}
	cfg.eye.prescale = 4
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Board is the bringup sequencer of a daughterboard slot.
// A Board owns the drivers of the chips of its slot.
type Board struct {
	slot  int
	fam   Family
	msg   *log.Logger
	clk   poll.Clock
	cfg   config
	ports Ports

	mmcm *ClockControl
	lmk  *lmk.LMK
	pdac *lmk.PhaseDAC
	xcvr *mgt.Transceiver
	core *jesd.Core
	adc  *conv.ADC
	dac  *conv.DAC
	sync *tdc.Synchronizer

	ready   bool // last bringup completed
	swapped bool // ADC SYNC line swapped during the current bringup
	params  Params
	profile RateProfile
	compat  CompatInfo
	result  tdc.SyncResult
	eye     []jesd.EyePoint
	prbs    []PRBSResult
}

// New returns the bringup sequencer of the board of family fam in slot.
// New does not access the hardware.
func New(slot int, fam Family, ports Ports, opts ...Option) (*Board, error) {
	if slot != 0 && slot != 1 {
		return nil, fmt.Errorf("board: invalid slot %d", slot)
	}
	err := ports.validate()
	if err != nil {
		return nil, err
	}
	cfg := newConfig(opts)
	if len(cfg.batches) == 0 {
		return nil, fmt.Errorf("board: no synchronization batch")
	}

	logger := func(pkg string) *log.Logger {
		return log.New(cfg.msg.Writer(), fmt.Sprintf("slot%d/%s: ", slot, pkg), cfg.msg.Flags())
	}

	xcvr, err := mgt.New(
		ports.FPGA, fam.Rates,
		mgt.WithLogger(logger("mgt")),
		mgt.WithClock(cfg.clk),
		mgt.WithLanes(fam.L),
	)
	if err != nil {
		return nil, fmt.Errorf("board: could not create transceivers: %w", err)
	}

	dac, err := conv.NewDAC(
		ports.DAC, slot,
		conv.WithLogger(logger("dac")),
		conv.WithClock(cfg.clk),
	)
	if err != nil {
		return nil, fmt.Errorf("board: could not create DAC: %w", err)
	}

	phy := fam.Phy
	if cfg.phy != nil {
		phy = *cfg.phy
	}
	cfg.phy = &phy

	brd := &Board{
		slot:  slot,
		fam:   fam,
		msg:   logger("board"),
		clk:   cfg.clk,
		cfg:   cfg,
		ports: ports,
		mmcm:  newClockControl(ports.FPGA, logger("mmcm"), cfg.clk),
		lmk: lmk.New(
			ports.LMK,
			lmk.WithLogger(logger("lmk")),
			lmk.WithClock(cfg.clk),
		),
		pdac: lmk.NewPhaseDAC(ports.PhaseDAC, cfg.dacAddr, cfg.slope),
		xcvr: xcvr,
		core: jesd.New(
			ports.FPGA, xcvr,
			jesd.WithLogger(logger("jesd")),
			jesd.WithClock(cfg.clk),
			jesd.WithCompat(cfg.jesd),
			jesd.WithLMFC(fam.LMFC),
		),
		adc: conv.NewADC(
			ports.ADC,
			conv.WithLogger(logger("adc")),
			conv.WithClock(cfg.clk),
		),
		dac: dac,
	}
	return brd, nil
}

// Slot returns the slot index of the board.
func (brd *Board) Slot() int { return brd.slot }

// Family returns the family of the board.
func (brd *Board) Family() Family { return brd.fam }

// Profile returns the rate profile of the last successful bringup.
func (brd *Board) Profile() RateProfile { return brd.profile }

// Ready reports whether the last bringup completed.
func (brd *Board) Ready() bool { return brd.ready }

// Transceiver returns the transceivers of the board.
func (brd *Board) Transceiver() *mgt.Transceiver { return brd.xcvr }

func (brd *Board) newSynchronizer(prof RateProfile) (*tdc.Synchronizer, error) {
	return tdc.New(
		brd.ports.TDC, prof.RefClock, prof.MasterClock, brd.lmk, brd.pdac,
		tdc.WithLogger(log.New(brd.cfg.msg.Writer(), fmt.Sprintf("slot%d/tdc: ", brd.slot), brd.cfg.msg.Flags())),
		tdc.WithClock(brd.clk),
		tdc.WithCompat(brd.cfg.tdc),
		tdc.WithTraceDelay(brd.cfg.traceDelay),
		tdc.WithFineStep(brd.pdac.Slope()),
	)
}
