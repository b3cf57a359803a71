// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lmk holds functions to configure an LMK04828 clock generator
// and the auxiliary DAC tuning its reference oscillator.
package lmk // import "github.com/go-lpc/dbinit/lmk"

import (
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/go-lpc/dbinit"
	"github.com/go-lpc/dbinit/internal/poll"
	"github.com/go-lpc/dbinit/rap"
)

// Registers of the LMK04828.
const (
	regReset       = 0x000
	regPowerDown   = 0x002
	regDeviceType  = 0x003
	regProdHi      = 0x004
	regProdLo      = 0x005
	regVendorHi    = 0x00c
	regVendorLo    = 0x00d
	regVCOMux      = 0x138
	regSysrefSrc   = 0x139
	regSysrefDivHi = 0x13a
	regSysrefDivLo = 0x13b
	regSysrefDlyHi = 0x13c
	regSysrefDlyLo = 0x13d
	regSysrefPulse = 0x13e
	regDDlyEnable  = 0x141
	regDDlyStep    = 0x142
	regSyncCfg     = 0x143
	regSyncDis     = 0x144
	regClkinSel    = 0x147
	regPLL2NHi     = 0x166
	regPLL2NMid    = 0x167
	regPLL2NLo     = 0x168
	regPLL1Lock    = 0x182
	regPLL2Lock    = 0x183
)

const (
	deviceType = 0x06
	productID  = 0xd05b
	vendorID   = 0x5104

	lockedBit = 1 << 1 // RB_PLLx_LD
)

// Configuration range of the chip: writes to these registers change the
// produced clocks.
const (
	CfgFirst = 0x100
	CfgLast  = 0x17d
)

// Input selects the reference input of PLL1.
type Input uint8

const (
	CLKin0 Input = iota // motherboard reference mux
	CLKin1              // daughterboard reference input
)

func (in Input) String() string {
	switch in {
	case CLKin0:
		return "CLKin0"
	case CLKin1:
		return "CLKin1"
	}
	return fmt.Sprintf("Input(%d)", uint8(in))
}

const (
	lockInterval = 1 * time.Millisecond
	lockTimeout  = 20 * time.Millisecond

	// SysrefSpacing is the minimum delay between two consecutive
	// SYSREF pulses.
	SysrefSpacing = 17 * time.Microsecond
)

type config struct {
	msg *log.Logger
	clk poll.Clock
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

func newConfig(opts []Option) config {
	cfg := config{
		msg: log.New(os.Stdout, "lmk: ", 0),
		clk: poll.System,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Plan describes the dividers of a clock configuration.
type Plan struct {
	VCXO float64 // frequency of the PLL1 VCXO (Hz)
	Ref  float64 // frequency of the reference input (Hz)

	ClkinR uint32 // reference divider of PLL1
	PLL1N  uint32

	PLL2R         uint32
	PLL2Prescaler uint32
	PLL2N         uint32

	ConvDiv   uint32 // divider of the converter sample clocks
	FPGADiv   uint32 // divider of the FPGA and MGT reference clocks
	SysrefDiv uint32

	FPGASysrefDelay uint32 // VCO cycles of SYSREF delay toward the FPGA
}

// VCOFreq returns the PLL2 VCO frequency of the plan.
func (p Plan) VCOFreq() float64 {
	if p.PLL2R == 0 {
		return 0
	}
	return p.VCXO / float64(p.PLL2R) * float64(p.PLL2Prescaler) * float64(p.PLL2N)
}

// ConvFreq returns the frequency of the converter sample clocks.
func (p Plan) ConvFreq() float64 {
	if p.ConvDiv == 0 {
		return 0
	}
	return p.VCOFreq() / float64(p.ConvDiv)
}

// vcoMux returns the VCO_MUX field selecting the PLL2 VCO.
func (p Plan) vcoMux() (uint32, error) {
	vco := p.VCOFreq()
	switch {
	case vco >= 2370e6 && vco <= 2630e6:
		return 0 << 5, nil
	case vco >= 2920e6 && vco <= 3080e6:
		return 1 << 5, nil
	}
	return 0, fmt.Errorf("lmk: PLL2 VCO frequency %v Hz out of both VCO ranges: %w", vco, dbinit.ErrClockConfig)
}

// Validate checks the plan can be programmed.
func (p Plan) Validate() error {
	for _, v := range []struct {
		name string
		v    uint32
		max  uint32
	}{
		{"CLKin_R", p.ClkinR, 0x3fff},
		{"PLL1_N", p.PLL1N, 0x3fff},
		{"PLL2_R", p.PLL2R, 0xfff},
		{"PLL2_P", p.PLL2Prescaler, 8},
		{"PLL2_N", p.PLL2N, 0x3ffff},
		{"conv divider", p.ConvDiv, 32},
		{"FPGA divider", p.FPGADiv, 32},
		{"SYSREF divider", p.SysrefDiv, 0x1fff},
		{"FPGA SYSREF delay", p.FPGASysrefDelay, 16},
	} {
		if v.v == 0 || v.v > v.max {
			return fmt.Errorf("lmk: invalid %s %d: %w", v.name, v.v, dbinit.ErrClockConfig)
		}
	}
	if p.PLL2Prescaler < 2 {
		return fmt.Errorf("lmk: invalid PLL2_P %d: %w", p.PLL2Prescaler, dbinit.ErrClockConfig)
	}

	pfd1 := p.Ref / float64(p.ClkinR)
	if vcxo := p.VCXO / float64(p.PLL1N); math.Abs(pfd1-vcxo) > 1 {
		return fmt.Errorf(
			"lmk: PLL1 phase detector mismatch (ref=%v Hz, vcxo=%v Hz): %w",
			pfd1, vcxo, dbinit.ErrClockConfig,
		)
	}

	_, err := p.vcoMux()
	return err
}

// divReg returns the DCLKout divider field for a division by d.
func divReg(d uint32) uint32 {
	return d & 0x1f // 32 encodes as 0
}

// ddlyReg returns the digital delay high/low counts for a division by d.
func ddlyReg(d uint32) uint32 {
	cnth := (d + 1) / 2
	if cnth < 2 {
		cnth = 2
	}
	cntl := d - cnth
	if d < cnth || cntl < 1 {
		cntl = 1
	}
	return (cnth&0xf)<<4 | cntl&0xf
}

// pllPreReg returns the PLL2 prescaler field.
func pllPreReg(p uint32) uint32 {
	return (p & 0x7) << 5
}

// LMK is an LMK04828 clock generator.
type LMK struct {
	port *rap.Port
	msg  *log.Logger
	clk  poll.Clock

	plan  Plan
	input Input
	ready bool
}

// New returns a driver for the LMK04828 behind port.
func New(port *rap.Port, opts ...Option) *LMK {
	cfg := newConfig(opts)
	return &LMK{
		port: port,
		msg:  cfg.msg,
		clk:  cfg.clk,
	}
}

// Plan returns the last configured plan.
func (lmk *LMK) Plan() Plan { return lmk.plan }

// VCOFreq returns the PLL2 VCO frequency of the last configuration.
func (lmk *LMK) VCOFreq() float64 { return lmk.plan.VCOFreq() }

// Reset resets the chip and checks its identity.
func (lmk *LMK) Reset() error {
	err := lmk.port.Do(func(tx *rap.Tx) error {
		tx.Poke8(regReset, 0x80)
		tx.Poke8(regReset, 0x00)
		tx.Poke8(regPowerDown, 0x00)
		return tx.Err()
	})
	if err != nil {
		return fmt.Errorf("lmk: could not reset: %w", err)
	}
	lmk.ready = false
	return lmk.verifyChipID()
}

func (lmk *LMK) verifyChipID() error {
	var typ, prod, vend uint32
	err := lmk.port.Do(func(tx *rap.Tx) error {
		typ = uint32(tx.Peek8(regDeviceType))
		prod = uint32(tx.Peek8(regProdHi))<<8 | uint32(tx.Peek8(regProdLo))
		vend = uint32(tx.Peek8(regVendorHi))<<8 | uint32(tx.Peek8(regVendorLo))
		return tx.Err()
	})
	if err != nil {
		return fmt.Errorf("lmk: could not read chip ID: %w", err)
	}
	if typ != deviceType || prod != productID || vend != vendorID {
		return fmt.Errorf(
			"lmk: unexpected chip ID (type=0x%02x, product=0x%04x, vendor=0x%04x): %w",
			typ, prod, vend, dbinit.ErrChipState,
		)
	}
	return nil
}

// Configure resets the chip and programs it to produce the clocks of plan
// from the provided reference input.
// Configure waits for both PLLs to lock.
func (lmk *LMK) Configure(plan Plan, in Input) error {
	err := plan.Validate()
	if err != nil {
		return err
	}
	vco, _ := plan.vcoMux()

	err = lmk.Reset()
	if err != nil {
		return err
	}

	lmk.msg.Printf("configure: vco=%v Hz, conv=%v Hz, input=%v", plan.VCOFreq(), plan.ConvFreq(), in)

	var (
		convDiv  = divReg(plan.ConvDiv)
		convCnt  = ddlyReg(plan.ConvDiv)
		fpgaDiv  = divReg(plan.FPGADiv)
		fpgaCnt  = ddlyReg(plan.FPGADiv)
		sysrefTo = uint32(1<<5) | (plan.FPGASysrefDelay-1)<<1
		clkinSel = uint32(0x0a)
	)
	if in == CLKin1 {
		clkinSel = 0x1a
	}

	regs := [][2]uint32{
		{0x100, fpgaDiv}, // FPGA clock
		{0x101, fpgaCnt},
		{0x102, 0x88},
		{0x103, 0x00},
		{0x104, sysrefTo},
		{0x105, 0x00},
		{0x106, 0x72},
		{0x107, 0x11},
		{0x108, fpgaDiv}, // MGT reference clock
		{0x109, fpgaCnt},
		{0x10a, 0x88},
		{0x10b, 0x00},
		{0x10c, 0x00},
		{0x10d, 0x00},
		{0x10e, 0xf1},
		{0x10f, 0x05},
		{0x110, convDiv}, // DAC clock
		{0x111, convCnt},
		{0x112, 0x22},
		{0x113, 0x00},
		{0x114, 0x20},
		{0x115, 0x00},
		{0x116, 0x72},
		{0x117, 0x75},
		{0x130, convDiv}, // ADC clock
		{0x131, convCnt},
		{0x132, 0x22},
		{0x133, 0x00},
		{0x134, 0x20},
		{0x135, 0x00},
		{0x136, 0x72},
		{0x137, 0x55},
		{regVCOMux, 0x04 | vco},
		{regSysrefSrc, 0x00},
		{regSysrefDivHi, (plan.SysrefDiv >> 8) & 0x1f},
		{regSysrefDivLo, plan.SysrefDiv & 0xff},
		{regSysrefDlyHi, 0x00},
		{regSysrefDlyLo, 0x0a},
		{regSysrefPulse, 0x00},
		{0x13f, 0x00},
		{0x140, 0x00},
		{regDDlyEnable, 0x00},
		{regDDlyStep, 0x00},
		{regSyncCfg, 0xd1},
		{regSyncDis, 0x00},
		{0x145, 0x7f},
		{0x146, 0x00},
		{regClkinSel, clkinSel},
		{0x148, 0x02},
		{0x149, 0x02},
		{0x14a, 0x02},
		{0x14b, 0x02},
		{0x14c, 0x00},
		{0x14d, 0x00},
		{0x14e, 0x00},
		{0x14f, 0x7f},
		{0x150, 0x00},
		{0x151, 0x02},
		{0x152, 0x00},
		{0x153, (plan.ClkinR >> 8) & 0x3f},
		{0x154, plan.ClkinR & 0xff},
		{0x155, (plan.ClkinR >> 8) & 0x3f},
		{0x156, plan.ClkinR & 0xff},
		{0x157, 0x00},
		{0x158, 0x01},
		{0x159, (plan.PLL1N >> 8) & 0x3f},
		{0x15a, plan.PLL1N & 0xff},
		{0x15b, 0xc7},
		{0x15c, 0x27},
		{0x15d, 0x10},
		{0x15e, 0x00},
		{0x15f, 0x0b},
		{0x160, (plan.PLL2R >> 8) & 0x0f},
		{0x161, plan.PLL2R & 0xff},
		{0x162, pllPreReg(plan.PLL2Prescaler)},
		{0x163, 0x00},
		{0x164, 0x00},
		{0x165, 0x0a},
		{0x171, 0xaa}, // after 0x165
		{0x172, 0x02},
		{0x17c, 0x15}, // VCO1 calibration, before 0x168
		{0x17d, 0x33},
		{regPLL2NHi, (plan.PLL2N >> 16) & 0x03},
		{regPLL2NMid, (plan.PLL2N >> 8) & 0xff},
		{regPLL2NLo, plan.PLL2N & 0xff},
		{0x169, 0x59},
		{0x16a, 0x27},
		{0x16b, 0x10},
		{0x16c, 0x00},
		{0x16d, 0x00},
		{0x16e, 0x13},
		{0x173, 0x00},
	}

	err = lmk.port.Do(func(tx *rap.Tx) error {
		tx.Pokes8(regs)
		if err := tx.Err(); err != nil {
			return err
		}
		for _, r := range [][2]uint32{
			{regVCOMux, 0x04 | vco},
			{regSysrefDivHi, (plan.SysrefDiv >> 8) & 0x1f},
			{regSysrefDivLo, plan.SysrefDiv & 0xff},
			{regPLL2NMid, (plan.PLL2N >> 8) & 0xff},
			{regPLL2NLo, plan.PLL2N & 0xff},
		} {
			rb := uint32(tx.Peek8(r[0]))
			if tx.Err() == nil && rb != r[1] {
				return fmt.Errorf(
					"lmk: readback mismatch at 0x%03x (got=0x%02x, want=0x%02x): %w",
					r[0], rb, r[1], dbinit.ErrClockConfig,
				)
			}
		}
		return tx.Err()
	})
	if err != nil {
		return fmt.Errorf("lmk: could not write configuration: %w", err)
	}

	err = lmk.waitLock()
	if err != nil {
		return err
	}

	err = lmk.port.Do(func(tx *rap.Tx) error {
		tx.Poke8(regSyncCfg, 0xf1) // toggle SYNC polarity: SYNC event
		tx.Poke8(regSyncCfg, 0xd1)
		tx.Poke8(regSysrefSrc, 0x02) // SYSREF from pulser
		tx.Poke8(regSyncDis, 0xff)
		tx.Poke8(regSyncCfg, 0x52) // pulser, one shot
		return tx.Err()
	})
	if err != nil {
		return fmt.Errorf("lmk: could not configure SYNC/SYSREF: %w", err)
	}

	lmk.plan = plan
	lmk.input = in
	lmk.ready = true
	lmk.msg.Printf("configure: PLLs locked")
	return nil
}

// Retune reprograms the PLL1 dividers for a new reference input frequency
// and waits for both PLLs to lock. The VCO and output dividers are kept:
// plan may only differ from the configured plan by Ref, ClkinR and PLL1N.
func (lmk *LMK) Retune(plan Plan) error {
	if !lmk.ready {
		return fmt.Errorf("lmk: retune requested before configuration: %w", dbinit.ErrChipState)
	}
	err := plan.Validate()
	if err != nil {
		return err
	}
	cur := lmk.plan
	cur.Ref, cur.ClkinR, cur.PLL1N = plan.Ref, plan.ClkinR, plan.PLL1N
	if cur != plan {
		return fmt.Errorf("lmk: plan change beyond the PLL1 dividers: %w", dbinit.ErrClockConfig)
	}

	err = lmk.port.Do(func(tx *rap.Tx) error {
		tx.Pokes8([][2]uint32{
			{0x153, (plan.ClkinR >> 8) & 0x3f},
			{0x154, plan.ClkinR & 0xff},
			{0x155, (plan.ClkinR >> 8) & 0x3f},
			{0x156, plan.ClkinR & 0xff},
			{0x159, (plan.PLL1N >> 8) & 0x3f},
			{0x15a, plan.PLL1N & 0xff},
		})
		return tx.Err()
	})
	if err != nil {
		return fmt.Errorf("lmk: could not write PLL1 dividers: %w", err)
	}

	err = lmk.waitLock()
	if err != nil {
		return err
	}
	lmk.plan = plan
	lmk.msg.Printf("retune: ref=%v Hz, PLLs locked", plan.Ref)
	return nil
}

// PLLsLocked reports whether both PLLs are locked.
func (lmk *LMK) PLLsLocked() (bool, error) {
	var pll1, pll2 uint8
	err := lmk.port.Do(func(tx *rap.Tx) error {
		pll1 = tx.Peek8(regPLL1Lock)
		pll2 = tx.Peek8(regPLL2Lock)
		return tx.Err()
	})
	if err != nil {
		return false, fmt.Errorf("lmk: could not read PLL lock status: %w", err)
	}
	return pll1&lockedBit != 0 && pll2&lockedBit != 0, nil
}

func (lmk *LMK) waitLock() error {
	err := poll.Until(lmk.clk, lockInterval, lockTimeout, func() (bool, error) {
		err := lmk.port.Do(func(tx *rap.Tx) error {
			tx.Pokes8([][2]uint32{
				{regPLL1Lock, 0x1}, // clear lock-detect stickies
				{regPLL1Lock, 0x0},
				{regPLL2Lock, 0x1},
				{regPLL2Lock, 0x0},
			})
			return tx.Err()
		})
		if err != nil {
			return false, fmt.Errorf("lmk: could not clear lock stickies: %w", err)
		}
		return lmk.PLLsLocked()
	})
	if errors.Is(err, poll.ErrTimeout) {
		return fmt.Errorf("lmk: PLLs did not lock within %v: %w", lockTimeout, dbinit.ErrLock)
	}
	return err
}

// PulseSysref requests one SYSREF pulse from the pulser.
func (lmk *LMK) PulseSysref() error {
	if !lmk.ready {
		return fmt.Errorf("lmk: SYSREF pulse requested before configuration: %w", dbinit.ErrChipState)
	}
	err := lmk.port.Poke8(regSysrefPulse, 0x00)
	if err != nil {
		return fmt.Errorf("lmk: could not pulse SYSREF: %w", err)
	}
	return nil
}

// SyncOutputs asserts the chip-level SYNC, invokes arm while asserted and
// deasserts it.
// arm is used to arm the FPGA SYNC input on the next PPS edge.
func (lmk *LMK) SyncOutputs(arm func() error) error {
	err := lmk.port.Do(func(tx *rap.Tx) error {
		tx.Poke8(regSyncDis, 0x00)   // SYNC all outputs
		tx.Poke8(regSysrefSrc, 0x00) // SYSREF MUX: normal SYNC
		tx.Poke8(regSyncCfg, 0xf1)   // assert
		return tx.Err()
	})
	if err != nil {
		return fmt.Errorf("lmk: could not assert SYNC: %w", err)
	}

	var aerr error
	if arm != nil {
		aerr = arm()
	}
	lmk.clk.Sleep(lockInterval)

	err = lmk.port.Do(func(tx *rap.Tx) error {
		tx.Poke8(regSyncCfg, 0xd1) // deassert
		tx.Poke8(regSysrefSrc, 0x02)
		tx.Poke8(regSyncDis, 0xff)
		tx.Poke8(regSyncCfg, 0x52)
		return tx.Err()
	})
	switch {
	case aerr != nil:
		return fmt.Errorf("lmk: could not arm SYNC: %w", aerr)
	case err != nil:
		return fmt.Errorf("lmk: could not deassert SYNC: %w", err)
	}
	return nil
}

// Shift moves the converter and FPGA clocks by n VCO cycles using the
// dynamic digital delay. Negative values shift backward.
func (lmk *LMK) Shift(n int) error {
	if n == 0 {
		return nil
	}
	if !lmk.ready {
		return fmt.Errorf("lmk: clock shift requested before configuration: %w", dbinit.ErrChipState)
	}

	var (
		conv   = lmk.plan.ConvDiv + 1
		fpga   = lmk.plan.FPGADiv + 1
		sysref = lmk.plan.SysrefDiv + 1
	)
	if n < 0 {
		conv = lmk.plan.ConvDiv - 1
		fpga = lmk.plan.FPGADiv - 1
		sysref = lmk.plan.SysrefDiv - 1
	}

	steps := n
	if steps < 0 {
		steps = -steps
	}

	err := lmk.port.Do(func(tx *rap.Tx) error {
		tx.Pokes8([][2]uint32{
			{regDDlyEnable, 0xfd},
			{regSyncCfg, 0x53},
			{regSysrefSrc, 0x02},
			{0x101, ddlyReg(fpga)},
			{0x102, ddlyReg(fpga)},
			{0x109, ddlyReg(fpga)},
			{0x10a, ddlyReg(fpga)},
			{0x111, ddlyReg(conv)},
			{0x112, ddlyReg(conv)},
			{0x131, ddlyReg(conv)},
			{0x132, ddlyReg(conv)},
			{regSysrefDlyHi, (sysref >> 8) & 0x1f},
			{regSysrefDlyLo, sysref & 0xff},
			{regSyncDis, 0x02},
		})
		for i := 0; i < steps; i++ {
			tx.Poke8(regDDlyStep, 0x1)
		}
		tx.Poke8(regSyncDis, 0xff)
		tx.Poke8(regSyncCfg, 0x52)
		return tx.Err()
	})
	if err != nil {
		return fmt.Errorf("lmk: could not shift clocks by %d cycles: %w", n, err)
	}
	return nil
}
