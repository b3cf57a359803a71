// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mgt drives the multi-gigabit transceivers (GTX lanes and their
// QPLL) embedded in the FPGA JESD204B core.
package mgt // import "github.com/go-lpc/dbinit/mgt"

import (
	"errors"
	"fmt"
	"log"
	"math/bits"
	"os"
	"time"

	"github.com/go-lpc/dbinit"
	"github.com/go-lpc/dbinit/internal/poll"
	"github.com/go-lpc/dbinit/rap"
)

// Registers of the JESD204B core controlling the transceivers.
const (
	regQPLLControl  = 0x2000
	regPLLPowerDown = 0x200c
	regTxReset      = 0x2020
	regRxReset      = 0x2024
	regPolarity     = 0x2028
	regTxPhy        = 0x2064
	regDRPControl   = 0x2070
)

const (
	resetAssert   = 0x10
	resetDeassert = 0x20
	resetDoneMask = 0xffff0000
	resetDone     = 0x000f0000

	qpllStickyClear = 1 << 16
	qpllLocked      = 0x2

	txDriverEnable = 0xf0000
)

const (
	resetInterval = 1 * time.Millisecond
	resetTimeout  = 20 * time.Millisecond

	qpllSettle   = 10 * time.Millisecond
	lockInterval = 1 * time.Millisecond
	lockTimeout  = 20 * time.Millisecond
)

// Direction is a transceiver direction.
type Direction uint8

const (
	TX Direction = iota
	RX
)

func (dir Direction) String() string {
	switch dir {
	case TX:
		return "TX"
	case RX:
		return "RX"
	}
	return fmt.Sprintf("Direction(%d)", uint8(dir))
}

func (dir Direction) reg() uint32 {
	if dir == RX {
		return regRxReset
	}
	return regTxReset
}

// State is the state of a lane.
type State struct {
	QPLLLocked  bool
	RxResetDone bool
	TxResetDone bool
	Rate        Rate
}

// TxPhy holds the TX signal integrity settings of all lanes.
type TxPhy struct {
	Swing      uint8 // driver swing [3:0]
	Precursor  uint8 // pre-cursor emphasis [4:0]
	Postcursor uint8 // post-cursor emphasis [4:0]
}

func (phy TxPhy) word() (uint32, error) {
	if phy.Swing > 0xf || phy.Precursor > 0x1f || phy.Postcursor > 0x1f {
		return 0, fmt.Errorf(
			"mgt: invalid TX PHY settings (swing=%d, pre=%d, post=%d)",
			phy.Swing, phy.Precursor, phy.Postcursor,
		)
	}
	return txDriverEnable |
		uint32(phy.Swing) |
		uint32(phy.Precursor)<<4 |
		uint32(phy.Postcursor)<<9, nil
}

type config struct {
	msg   *log.Logger
	clk   poll.Clock
	lanes int
	qplls int
	cplls int
}

// Option configures a transceiver driver.
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

// WithPLLs sets the number of QPLLs and CPLLs in use.
func WithPLLs(qplls, cplls int) Option {
	return func(cfg *config) {
		cfg.qplls = qplls
		cfg.cplls = cplls
	}
}

// WithLanes sets the number of lanes of the link.
func WithLanes(n int) Option {
	return func(cfg *config) {
		cfg.lanes = n
	}
}

// Transceiver drives the lanes and QPLLs of a JESD204B core.
type Transceiver struct {
	port *rap.Port
	tbl  Table
	msg  *log.Logger
	clk  poll.Clock

	lanes int
	qplls int
	cplls int

	rate  *Rate
	state []State
	phy   TxPhy

	drpAccesses int
}

// New returns a transceiver driver for the JESD204B core behind port,
// configured with the rates of tbl.
func New(port *rap.Port, tbl Table, opts ...Option) (*Transceiver, error) {
	cfg := config{
		msg:   log.New(os.Stdout, "mgt: ", 0),
		clk:   poll.System,
		lanes: maxMGTs,
		qplls: 1,
		cplls: 0,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.lanes <= 0 || cfg.lanes > maxMGTs:
		return nil, fmt.Errorf("mgt: invalid number of lanes %d", cfg.lanes)
	case cfg.qplls < 0 || cfg.qplls > maxQPLLs:
		return nil, fmt.Errorf("mgt: invalid number of QPLLs %d", cfg.qplls)
	case cfg.cplls != 0:
		return nil, fmt.Errorf("mgt: CPLLs are not supported (cplls=%d)", cfg.cplls)
	}

	return &Transceiver{
		port:  port,
		tbl:   tbl,
		msg:   cfg.msg,
		clk:   cfg.clk,
		lanes: cfg.lanes,
		qplls: cfg.qplls,
		cplls: cfg.cplls,
		state: make([]State, cfg.lanes),
	}, nil
}

// Lanes returns the number of lanes.
func (x *Transceiver) Lanes() int { return x.lanes }

// Table returns the rate table of the transceiver.
func (x *Transceiver) Table() Table { return x.tbl }

// Rate returns the current rate configuration, if any.
func (x *Transceiver) Rate() (Rate, bool) {
	if x.rate == nil {
		return Rate{}, false
	}
	return *x.rate, true
}

// State returns the state of the provided lane.
func (x *Transceiver) State(lane int) (State, error) {
	if lane < 0 || lane >= x.lanes {
		return State{}, fmt.Errorf("mgt: invalid lane %d", lane)
	}
	return x.state[lane], nil
}

// PowerPLLs powers up the first qplls QPLLs and cplls CPLLs and powers
// down all the others.
func (x *Transceiver) PowerPLLs(qplls, cplls int) error {
	if qplls < 0 || qplls > 4 || cplls < 0 || cplls > 8 {
		return fmt.Errorf("mgt: invalid PLL power configuration (qplls=%d, cplls=%d)", qplls, cplls)
	}
	var on uint32
	for i := 0; i < qplls; i++ {
		on |= 1 << uint(i)
	}
	for i := 16; i < 16+cplls; i++ {
		on |= 1 << uint(i)
	}
	err := x.port.Poke32(regPLLPowerDown, 0xffff000f^on)
	if err != nil {
		return fmt.Errorf("mgt: could not power PLLs: %w", err)
	}
	return nil
}

// Reset asserts the reset of all lanes of direction dir.
// Unless resetOnly is set, Reset then releases the reset and waits for
// the lanes to report reset-done.
func (x *Transceiver) Reset(dir Direction, resetOnly bool) error {
	x.setResetDone(dir, false)

	reg := dir.reg()
	err := x.port.Poke32(reg, resetAssert)
	if err != nil {
		return fmt.Errorf("mgt: could not reset %v lanes: %w", dir, err)
	}
	if resetOnly {
		return nil
	}

	err = x.port.Poke32(reg, resetDeassert)
	if err != nil {
		return fmt.Errorf("mgt: could not release %v lanes reset: %w", dir, err)
	}

	var rb uint32
	err = poll.Until(x.clk, resetInterval, resetTimeout, func() (bool, error) {
		var err error
		rb, err = x.port.Peek32(reg)
		if err != nil {
			return false, err
		}
		return rb&resetDoneMask == resetDone, nil
	})
	switch {
	case errors.Is(err, poll.ErrTimeout):
		return fmt.Errorf(
			"mgt: %v lanes reset did not complete (rb=0x%x): %w",
			dir, rb&resetDoneMask, dbinit.ErrLock,
		)
	case err != nil:
		return fmt.Errorf("mgt: could not read %v reset status: %w", dir, err)
	}

	x.setResetDone(dir, true)
	return nil
}

func (x *Transceiver) setResetDone(dir Direction, done bool) {
	for i := range x.state {
		switch dir {
		case TX:
			x.state[i].TxResetDone = done
		case RX:
			x.state[i].RxResetDone = done
		}
	}
}

func (x *Transceiver) setLocked(locked bool) {
	for i := range x.state {
		x.state[i].QPLLLocked = locked
	}
}

// ResetQPLLs asserts the reset of all QPLLs and releases the ones in use.
func (x *Transceiver) ResetQPLLs(resetOnly bool) error {
	x.setLocked(false)
	val := uint32(0x1111)
	err := x.port.Poke32(regQPLLControl, val)
	if err != nil {
		return fmt.Errorf("mgt: could not reset QPLLs: %w", err)
	}
	if resetOnly || x.qplls == 0 {
		return nil
	}

	var on uint32
	for i := 0; i < x.qplls; i++ {
		on |= 0x1 << uint(4*i)
	}
	err = x.port.Poke32(regQPLLControl, val^on)
	if err != nil {
		return fmt.Errorf("mgt: could not release QPLLs reset: %w", err)
	}
	x.clk.Sleep(qpllSettle)
	return x.WaitPLLLock()
}

// WaitPLLLock waits for the QPLLs in use to report lock, clearing the
// sticky status bits before each check.
func (x *Transceiver) WaitPLLLock() error {
	var (
		mask uint32
		want uint32
		rb   uint32
	)
	for i := 0; i < x.qplls; i++ {
		mask |= 0xf << uint(4*i)
		want |= qpllLocked << uint(4*i)
	}

	err := poll.Until(x.clk, lockInterval, lockTimeout, func() (bool, error) {
		err := x.port.Do(func(tx *rap.Tx) error {
			tx.Poke32(regQPLLControl, qpllStickyClear)
			rb = tx.Peek32(regQPLLControl)
			return tx.Err()
		})
		if err != nil {
			return false, err
		}
		return rb&mask == want, nil
	})
	switch {
	case errors.Is(err, poll.ErrTimeout):
		for i := 0; i < x.qplls; i++ {
			if nib := (rb >> uint(4*i)) & 0xf; nib != qpllLocked {
				x.msg.Printf("qpll=%d flag=lock state=fail status=0x%x", i, nib)
			}
		}
		return fmt.Errorf("mgt: QPLLs did not lock within %v: %w", lockTimeout, dbinit.ErrLock)
	case err != nil:
		return fmt.Errorf("mgt: could not read QPLL status: %w", err)
	}
	x.setLocked(true)
	return nil
}

// Init powers the PLLs in use, holds the lanes in reset and waits for the
// QPLLs to lock.
func (x *Transceiver) Init() error {
	err := x.PowerPLLs(x.qplls, x.cplls)
	if err != nil {
		return err
	}
	for _, dir := range []Direction{TX, RX} {
		err = x.Reset(dir, true)
		if err != nil {
			return err
		}
	}
	return x.ResetQPLLs(false)
}

// Halt holds the lanes and the QPLLs in reset.
func (x *Transceiver) Halt() error {
	for _, dir := range []Direction{TX, RX} {
		err := x.Reset(dir, true)
		if err != nil {
			return err
		}
	}
	return x.ResetQPLLs(true)
}

// SetRate configures the transceivers for the provided lane rate and MGT
// reference clock.
//
// When the current rate shares its attributes with the new one and force
// is false, only the QPLL and lane resets are performed.
// Otherwise, SetRate updates the QPLL attributes, resets the QPLLs and
// waits for lock, updates the attributes of every lane and finally resets
// the lanes.
func (x *Transceiver) SetRate(lane, ref float64, force bool) error {
	rate, err := x.tbl.Lookup(lane, ref)
	if err != nil {
		return err
	}

	skip := !force && x.rate != nil && Compatible(*x.rate, rate)
	if skip {
		x.msg.Printf("rate %v compatible with current %v: skipping DRP", rate, *x.rate)
	}

	if !skip {
		x.msg.Printf("changing QPLL settings for %v", rate)
		err = x.drpQPLL(rate)
		if err != nil {
			return err
		}
	}

	err = x.Init()
	if err != nil {
		return err
	}

	if !skip {
		x.msg.Printf("changing MGT settings for %v", rate)
		for i := 0; i < x.lanes; i++ {
			err = x.drpLane(i, rate)
			if err != nil {
				return err
			}
		}
	}

	for _, dir := range []Direction{TX, RX} {
		err = x.Reset(dir, false)
		if err != nil {
			return err
		}
	}

	x.rate = &rate
	for i := range x.state {
		x.state[i].Rate = rate
	}
	x.msg.Printf("lane rate set to %v", rate)
	return nil
}

func (x *Transceiver) drpQPLL(rate Rate) error {
	for i := 0; i < x.qplls; i++ {
		err := x.drpDo(QPLL(i), func(d *drp) {
			// QPLL_CFG spans 0x32 [15:0] and 0x33 [10:0].
			d.write(0x32, uint16(rate.QPLLCfg&0xffff))
			d.modify(0x33, 0x07ff, uint16(rate.QPLLCfg>>16))
			if rate.QPLLFBDiv != 0 {
				d.modify(0x36, 0x03ff, rate.QPLLFBDiv)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func log2(v uint8) uint16 {
	return uint16(bits.Len8(v) - 1)
}

func (x *Transceiver) drpLane(lane int, rate Rate) error {
	return x.drpDo(Lane(lane), func(d *drp) {
		if rate.PMARsv != 0 {
			d.write(0x99, uint16(rate.PMARsv&0xffff))
			d.write(0x9a, uint16(rate.PMARsv>>16))
		}
		// CLK25 dividers are encoded as value-1.
		d.modify(0x11, 0x07c0, uint16(rate.RxClk25Div-1)<<6)
		d.modify(0x6a, 0x001f, uint16(rate.TxClk25Div-1))
		for i, v := range rate.RxCDRCfg {
			d.write(0xa8+uint16(i), v)
		}
		if rate.RxOutDiv != 0 && rate.TxOutDiv != 0 {
			d.write(0x88, log2(rate.RxOutDiv)&0x7|(log2(rate.TxOutDiv)&0x7)<<4)
		}
	})
}

func (x *Transceiver) laneMask(mask uint32) (uint32, error) {
	if mask>>uint(x.lanes) != 0 {
		return 0, fmt.Errorf("mgt: invalid lane mask 0x%x for %d lanes", mask, x.lanes)
	}
	return mask, nil
}

// SetRxPolarity inverts the polarity of the RX lanes set in mask.
func (x *Transceiver) SetRxPolarity(mask uint32) error {
	mask, err := x.laneMask(mask)
	if err != nil {
		return err
	}
	err = x.port.Do(func(tx *rap.Tx) error {
		tx.Modify(regPolarity, rap.W32, 0x0000000f, mask)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mgt: could not set RX polarity: %w", err)
	}
	return nil
}

// SetTxPolarity inverts the polarity of the TX lanes set in mask.
func (x *Transceiver) SetTxPolarity(mask uint32) error {
	mask, err := x.laneMask(mask)
	if err != nil {
		return err
	}
	err = x.port.Do(func(tx *rap.Tx) error {
		tx.Modify(regPolarity, rap.W32, 0x000f0000, mask<<16)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mgt: could not set TX polarity: %w", err)
	}
	return nil
}

// TxPhy returns the current TX PHY settings.
func (x *Transceiver) TxPhy() TxPhy { return x.phy }

// ConfigureTxPhy programs the TX driver swing and emphasis and enables the
// TX drivers.
func (x *Transceiver) ConfigureTxPhy(phy TxPhy) error {
	word, err := phy.word()
	if err != nil {
		return err
	}
	err = x.port.Poke32(regTxPhy, word)
	if err != nil {
		return fmt.Errorf("mgt: could not configure TX PHY: %w", err)
	}
	x.phy = phy
	return nil
}
