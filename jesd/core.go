// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package jesd drives the JESD204B framer (FPGA to DAC) and deframer
// (ADC to FPGA) of the FPGA daughterboard core.
package jesd // import "github.com/go-lpc/dbinit/jesd"

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-lpc/dbinit"
	"github.com/go-lpc/dbinit/internal/poll"
	"github.com/go-lpc/dbinit/mgt"
	"github.com/go-lpc/dbinit/rap"
)

// Registers of the JESD204B core.
const (
	regDBID           = 0x0630
	regReceiver       = 0x2040
	regRxDescrambler  = 0x2050
	regTransmitter    = 0x2060
	regTxScrambler    = 0x2068
	regLMKSync        = 0x206c
	regSysrefCapture  = 0x2078
	regSignature      = 0x2100
	regRevision       = 0x2104
	regOldestCompat   = 0x2108
	signature         = 0x4a455344 // "JESD"
	sysrefStrobe      = 1 << 30
	lmfcDisable       = 1 << 6
	txDisableSync     = 1 << 13
	txStopFramer      = 1 << 1
	txEnableSync      = 1 << 12
	txEnableFramer    = 1 << 0
	txIdle            = 1 << 8
	rxManualSync      = 1 << 1
	scramblerBypass   = 0x01
	scramblerEnable   = 0x10
	txPhySettle       = 1 * time.Millisecond
	defaultLMFCDivide = 20
)

// Compat is the compatibility of this software with the JESD204B core.
var Compat = dbinit.Compat{
	Current: 0x19061214,
	Oldest:  0x17110114,
}

// LMFC configures the local multi-frame clock generator and the SYSREF
// sampler.
type LMFC struct {
	Divider uint32 // FPGA clock cycles per LMFC period
	RxDelay uint8  // SYSREF delay of the deframer, in FPGA clock cycles
	TxDelay uint8  // SYSREF delay of the framer, in FPGA clock cycles
}

func (lmfc LMFC) word(enable bool) uint32 {
	v := (lmfc.Divider-1)<<23 |
		uint32(lmfc.TxDelay&0xf)<<12 |
		uint32(lmfc.RxDelay&0xf)<<8
	if !enable {
		v |= lmfcDisable
	}
	return v
}

type config struct {
	msg      *log.Logger
	clk      poll.Clock
	sw       dbinit.Compat
	lmfc     LMFC
	rxPol    uint32
	txPol    uint32
	scramble bool
}

// Option configures a JESD204B core driver.
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

// WithCompat overrides the compatibility of the software with the core.
func WithCompat(sw dbinit.Compat) Option {
	return func(cfg *config) {
		cfg.sw = sw
	}
}

// WithLMFC sets the LMFC divider and the RX/TX SYSREF delays.
func WithLMFC(lmfc LMFC) Option {
	return func(cfg *config) {
		cfg.lmfc = lmfc
	}
}

// WithPolarity sets the RX and TX lane polarity inversion masks.
func WithPolarity(rx, tx uint32) Option {
	return func(cfg *config) {
		cfg.rxPol = rx
		cfg.txPol = tx
	}
}

// WithScrambler enables the TX scrambler and RX descrambler.
func WithScrambler(enable bool) Option {
	return func(cfg *config) {
		cfg.scramble = enable
	}
}

// Core is the FPGA JESD204B core of a daughterboard slot.
type Core struct {
	port *rap.Port
	xcvr *mgt.Transceiver
	msg  *log.Logger
	clk  poll.Clock

	sw       dbinit.Compat
	lmfc     LMFC
	rxPol    uint32
	txPol    uint32
	scramble bool

	tx *Link // framer
	rx *Link // deframer
}

// New returns a driver for the JESD204B core behind port.
func New(port *rap.Port, xcvr *mgt.Transceiver, opts ...Option) *Core {
	cfg := config{
		msg:  log.New(os.Stdout, "jesd: ", 0),
		clk:  poll.System,
		sw:   Compat,
		lmfc: LMFC{Divider: defaultLMFCDivide},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.lmfc.Divider == 0 {
		cfg.lmfc.Divider = defaultLMFCDivide
	}

	return &Core{
		port:     port,
		xcvr:     xcvr,
		msg:      cfg.msg,
		clk:      cfg.clk,
		sw:       cfg.sw,
		lmfc:     cfg.lmfc,
		rxPol:    cfg.rxPol,
		txPol:    cfg.txPol,
		scramble: cfg.scramble,
		tx:       newLink("framer"),
		rx:       newLink("deframer"),
	}
}

// Transceiver returns the transceivers of the core.
func (c *Core) Transceiver() *mgt.Transceiver { return c.xcvr }

// Framer returns the state of the TX link.
func (c *Core) Framer() *Link { return c.tx }

// Deframer returns the state of the RX link.
func (c *Core) Deframer() *Link { return c.rx }

// SWCompat returns the compatibility of the software with the core.
func (c *Core) SWCompat() dbinit.Compat { return c.sw }

// CheckCompat verifies the signature of the core and that the software and
// the FPGA image are compatible. CheckCompat only reads registers.
func (c *Core) CheckCompat() (dbinit.Compat, error) {
	var (
		sig  uint32
		fpga dbinit.Compat
	)
	err := c.port.Do(func(tx *rap.Tx) error {
		sig = tx.Peek32(regSignature)
		fpga.Current = tx.Peek32(regRevision)
		fpga.Oldest = tx.Peek32(regOldestCompat)
		return tx.Err()
	})
	if err != nil {
		return fpga, fmt.Errorf("jesd: could not read core compat: %w", err)
	}
	if sig != signature {
		return fpga, fmt.Errorf(
			"jesd: core signature mismatch (got=0x%08x, want=0x%08x): %w",
			sig, signature, dbinit.ErrCompat,
		)
	}
	c.msg.Printf("core build code: 0x%08x (oldest=0x%08x)", fpga.Current, fpga.Oldest)
	err = dbinit.CheckCompat("jesd", c.sw, fpga)
	if err != nil {
		return fpga, err
	}
	return fpga, nil
}

// DBID returns the slot index and the product ID of the daughterboard as
// seen by the core.
func (c *Core) DBID() (slot int, pid uint16, err error) {
	v, err := c.port.Peek32(regDBID)
	if err != nil {
		return 0, 0, fmt.Errorf("jesd: could not read DB ID: %w", err)
	}
	return int(v>>16) & 0x1, uint16(v), nil
}

// Reset holds the transceivers and the QPLLs in reset and disables the
// SYSREF sampler.
func (c *Core) Reset() error {
	c.tx.reset()
	c.rx.reset()
	err := c.xcvr.Halt()
	if err != nil {
		return fmt.Errorf("jesd: could not reset core: %w", err)
	}
	return c.EnableLMFC(false)
}

// Init brings the transceivers up at the provided lane rate, sets the lane
// polarities and disables the SYSREF sampler.
// Init must be called once the reference clocks are stable.
func (c *Core) Init(lane, ref float64, force bool) error {
	c.tx.reset()
	c.rx.reset()

	err := c.xcvr.SetRate(lane, ref, force)
	if err != nil {
		return fmt.Errorf("jesd: could not initialize core: %w", err)
	}
	for _, l := range []*Link{c.tx, c.rx} {
		_ = l.advance(StatePLLLocked)
	}

	err = c.xcvr.SetRxPolarity(c.rxPol)
	if err != nil {
		return err
	}
	err = c.xcvr.SetTxPolarity(c.txPol)
	if err != nil {
		return err
	}

	err = c.EnableLMFC(false)
	if err != nil {
		return err
	}
	for _, l := range []*Link{c.tx, c.rx} {
		_ = l.advance(StateReady)
	}
	return nil
}

func (c *Core) rearm(l *Link) error {
	switch l.State() {
	case StateReset, StatePLLLocked:
		return fmt.Errorf("jesd: %s initialized before the core: %w", l.Name(), dbinit.ErrChipState)
	}
	l.mu.Lock()
	l.state = StateReady
	l.cause = ""
	l.mu.Unlock()
	return nil
}

// InitFramer brings the TX link side up, waiting for the DAC SYNC request.
func (c *Core) InitFramer() error {
	err := c.rearm(c.tx)
	if err != nil {
		return err
	}

	err = c.port.Poke32(regTransmitter, txDisableSync|txStopFramer)
	if err != nil {
		return fmt.Errorf("jesd: could not stop framer: %w", err)
	}
	err = c.xcvr.Reset(mgt.TX, false)
	if err != nil {
		c.tx.fail("TX reset")
		return fmt.Errorf("jesd: could not reset framer lanes: %w", err)
	}
	err = c.xcvr.ConfigureTxPhy(c.xcvr.TxPhy())
	if err != nil {
		return err
	}
	c.clk.Sleep(txPhySettle)

	scrambler := uint32(scramblerBypass)
	if c.scramble {
		scrambler = scramblerEnable
	}

	var rb uint32
	err = c.port.Do(func(tx *rap.Tx) error {
		tx.Poke32(regTxScrambler, scrambler)
		rb = tx.Peek32(regTransmitter)
		if tx.Err() == nil && rb&txIdle == 0 {
			return fmt.Errorf("jesd: framer not idle after reset (rb=0x%x): %w", rb, dbinit.ErrChipState)
		}
		tx.Poke32(regTransmitter, txEnableSync)
		tx.Poke32(regTransmitter, txEnableFramer)
		return tx.Err()
	})
	if err != nil {
		c.tx.fail("framer init")
		return fmt.Errorf("jesd: could not start framer: %w", err)
	}
	return c.tx.advance(StateCGS)
}

// InitDeframer brings the RX link side up.
// A manual SYNC request is asserted during the lanes reset.
func (c *Core) InitDeframer() error {
	err := c.rearm(c.rx)
	if err != nil {
		return err
	}

	descrambler := uint32(0)
	if c.scramble {
		descrambler = 1
	}
	err = c.port.Do(func(tx *rap.Tx) error {
		tx.Poke32(regReceiver, rxManualSync)
		tx.Poke32(regRxDescrambler, descrambler)
		return tx.Err()
	})
	if err != nil {
		return fmt.Errorf("jesd: could not assert deframer SYNC: %w", err)
	}

	err = c.xcvr.Reset(mgt.RX, false)
	if err != nil {
		c.rx.fail("RX reset")
		return fmt.Errorf("jesd: could not reset deframer lanes: %w", err)
	}

	err = c.port.Poke32(regReceiver, 0)
	if err != nil {
		return fmt.Errorf("jesd: could not release deframer SYNC: %w", err)
	}
	return c.rx.advance(StateCGS)
}

// EnableLMFC enables or disables the LMFC generator and the SYSREF sampler
// of the core.
func (c *Core) EnableLMFC(enable bool) error {
	word := c.lmfc.word(enable)
	err := c.port.Poke32(regSysrefCapture, word)
	if err != nil {
		return fmt.Errorf("jesd: could not set SYSREF capture (enable=%v): %w", enable, err)
	}
	return nil
}

// SendSysref strobes the FPGA output requesting one SYSREF pulse from the
// clock generator.
func (c *Core) SendSysref() error {
	err := c.port.Poke32(regLMKSync, sysrefStrobe)
	if err != nil {
		return fmt.Errorf("jesd: could not send SYSREF: %w", err)
	}
	c.sysrefSent()
	return nil
}

// sysrefSent moves the links waiting for SYSREF to lane alignment.
func (c *Core) sysrefSent() {
	for _, l := range []*Link{c.tx, c.rx} {
		if l.State() == StateCGS {
			_ = l.advance(StateILA)
		}
	}
}

// SysrefDelivered records a SYSREF pulse emitted without the FPGA strobe,
// e.g. directly by the clock generator.
func (c *Core) SysrefDelivered() { c.sysrefSent() }
