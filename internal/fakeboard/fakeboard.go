// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakeboard models a whole daughterboard slot on top of fakehw
// devices: the FPGA (JESD204B core, transceivers and MMCM), the TDC core,
// the clock generator, the phase DAC and both converters.
//
// The models only implement the side effects the drivers poll for. Every
// access of every chip is journaled in a single Recorder.
package fakeboard // import "github.com/go-lpc/dbinit/internal/fakeboard"

import (
	"math"

	"github.com/go-lpc/dbinit"
	"github.com/go-lpc/dbinit/internal/fakehw"
)

// Device names in the journal.
const (
	FPGA     = "fpga"
	TDC      = "tdc"
	LMK      = "lmk"
	PhaseDAC = "phase-dac"
	ADC      = "adc"
	DAC      = "dac"
)

// FPGA registers.
const (
	RegMMCMControl = 0x020
	RegMMCMOutputs = 0x028
	RegRefClock    = 0x030
	RegDBID        = 0x630

	RegQPLLControl   = 0x2000
	RegTxReset       = 0x2020
	RegRxReset       = 0x2024
	RegReceiver      = 0x2040
	RegTransmitter   = 0x2060
	RegLMKSync       = 0x206c
	RegDRPControl    = 0x2070
	RegSysrefCapture = 0x2078
	RegJESDSignature = 0x2100
	RegJESDRevision  = 0x2104
	RegJESDOldest    = 0x2108
	DRPData          = 0x2800
)

// TDC registers.
const (
	RegTDCControl     = 0x000
	RegTDCStatus      = 0x008
	RegTDCRPOffset0   = 0x00c
	RegTDCRPOffset1   = 0x010
	RegTDCSPOffset0   = 0x014
	RegTDCSPOffset1   = 0x018
	RegTDCMasterReset = 0x030
	RegTDCSignature   = 0x100
	RegTDCRevision    = 0x104
	RegTDCOldest      = 0x108
	RegTDCScratch     = 0x10c
)

// Clock generator registers.
const (
	RegLMKReset     = 0x000
	RegLMKConvDiv   = 0x110
	RegLMKConvCnt   = 0x111
	RegLMKSysref    = 0x13e
	RegLMKDDlyStep  = 0x142
	RegLMKPLL1Lock  = 0x182
	RegLMKPLL2Lock  = 0x183
	RegLMKPLL2NHi   = 0x166
	RegLMKPLL1NLo   = 0x15a
	RegLMKClkinRLo  = 0x154
	RegLMKDeviceTyp = 0x003
)

// Converter registers.
const (
	RegADCReset      = 0x0000
	RegADCSysref     = 0x0054
	RegADCTestPatt   = 0x0573
	RegADCStatusAB   = 0x6072
	RegADCStatusCD   = 0x7072
	RegADCSyncSelect = 0x7001

	RegDACConfig2   = 0x02
	RegDACClkSysref = 0x24
	RegDACLinkSysrf = 0x5c
	RegDACLaneAlarm = 0x64
	RegDACPLLAlarms = 0x6c
	RegDACChipID    = 0x7f
)

// Sync lines of the ADC.
const (
	SyncAB = 0
	SyncCD = 1
)

// DRPReg returns the FPGA address of the DRP register addr.
func DRPReg(addr uint32) uint32 { return DRPData + addr<<2 }

const (
	jesdSignature = 0x4a455344
	tdcSignature  = 0x73796e63

	framerGood   = 0x6c0
	deframerGood = 0xf000001c
	deframerCGS  = 0xf000000c
	sysrefBit    = 1 << 4

	lmfcDisable  = 1 << 6
	rxManualSync = 1 << 1
	txEnable     = 1 << 0
	txIdle       = 1 << 8

	tdcMeasClk = 166.666666666667e6 * 21.875 / 3 / 6.125
)

// Board is a fake daughterboard slot.
type Board struct {
	Rec *fakehw.Recorder

	FPGA     *fakehw.Device
	TDC      *fakehw.Device
	LMK      *fakehw.Device
	PhaseDAC *fakehw.Device
	ADC      *fakehw.Device
	DAC      *fakehw.Device

	// ADCGood lists the ADC SYNC lines with a working link.
	ADCGood []int
	// DACAlarms is the value of the DAC lane alarms after a clear.
	DACAlarms uint32

	// Clock plan seen by the TDC model.
	Ref, Radio, VCO float64
	// Skew is the distance of the sample clock from its aligned
	// position before any correction.
	Skew float64
	// TraceDelay is the PPS trace delay the synchronizer compensates.
	TraceDelay float64
	// DACStep is the phase shift of one phase DAC code.
	DACStep float64
	// StuckOffset, when set, makes the TDC report Skew regardless of the
	// corrections.
	StuckOffset bool

	// LMKLocked and MMCMLocks model the clock generator PLLs and the
	// FPGA MMCM.
	LMKLocked bool
	MMCMLocks bool

	shifts   int
	sysref   bool // SYSREF seen by the deframer
	started  bool
	qpllLock bool
	rp, sp   int64
}

// New returns a healthy fake slot with the provided FPGA images.
func New(slot int, jesd, tdc dbinit.Compat) *Board {
	rec := fakehw.NewRecorder()
	brd := &Board{
		Rec:      rec,
		FPGA:     rec.Device(FPGA),
		TDC:      rec.Device(TDC),
		LMK:      rec.Device(LMK),
		PhaseDAC: rec.Device(PhaseDAC),
		ADC:      rec.Device(ADC),
		DAC:      rec.Device(DAC),

		ADCGood:   []int{SyncAB, SyncCD},
		Ref:       10e6,
		Radio:     125e6,
		VCO:       2500e6,
		Skew:      3.35e-9,
		DACStep:   1.1e-12,
		LMKLocked: true,
		MMCMLocks: true,
	}

	brd.FPGA.Set(RegJESDSignature, jesdSignature)
	brd.FPGA.Set(RegJESDRevision, jesd.Current)
	brd.FPGA.Set(RegJESDOldest, jesd.Oldest)
	brd.FPGA.Set(RegDBID, uint32(slot&1)<<16|0x0150)
	brd.FPGA.Set(RegRefClock, 0x1)
	brd.FPGA.Set(DRPReg(0x082), 1<<5) // PMA_RSV2: eye-scan enabled
	brd.FPGA.Set(DRPReg(0x151), 0x5)  // ES_CONTROL_STATUS: done

	brd.TDC.Set(RegTDCSignature, tdcSignature)
	brd.TDC.Set(RegTDCRevision, tdc.Current)
	brd.TDC.Set(RegTDCOldest, tdc.Oldest)

	brd.DAC.Set(RegDACChipID, 0xe0|0x0A)

	brd.FPGA.OnPoke = brd.pokeFPGA
	brd.FPGA.OnPeek = brd.peekFPGA
	brd.TDC.OnPoke = brd.pokeTDC
	brd.TDC.OnPeek = brd.peekTDC
	brd.LMK.OnPoke = brd.pokeLMK
	brd.LMK.OnPeek = brd.peekLMK
	brd.ADC.OnPeek = brd.peekADC
	brd.DAC.OnPoke = brd.pokeDAC
	return brd
}

// Devices returns all the devices of the slot.
func (brd *Board) Devices() []*fakehw.Device {
	return []*fakehw.Device{brd.FPGA, brd.TDC, brd.LMK, brd.PhaseDAC, brd.ADC, brd.DAC}
}

// Dump returns the register image of all the devices.
func (brd *Board) Dump() []string {
	var out []string
	for _, dev := range brd.Devices() {
		out = append(out, dev.Dump()...)
	}
	return out
}

// SetClocks sets the clock plan seen by the TDC model.
func (brd *Board) SetClocks(ref, radio, vco float64) {
	brd.Ref = ref
	brd.Radio = radio
	brd.VCO = vco
}

// Shifts returns the net number of VCO cycles the clock generator outputs
// were shifted by since its last reset.
func (brd *Board) Shifts() int { return brd.shifts }

// Offset returns the true offset of the sample clock to the reference PPS.
func (brd *Board) Offset() float64 {
	aligned := -4/brd.Radio + brd.TraceDelay
	if brd.StuckOffset {
		return aligned + brd.Skew
	}
	code := float64(brd.PhaseDAC.Get(0))
	return aligned + brd.Skew +
		float64(brd.shifts)/brd.VCO +
		(code-0x8000)*brd.DACStep
}

func (brd *Board) pokeFPGA(addr, v uint32) {
	switch addr {
	case RegMMCMControl:
		if v&0x2 != 0 && brd.MMCMLocks {
			brd.FPGA.Set(addr, v|0x10)
		}
	case RegTxReset, RegRxReset:
		if v == 0x20 && brd.qpllLock {
			brd.FPGA.Set(addr, 0xf0000|v)
		}
	case RegQPLLControl:
		switch v {
		case 0x1111:
			brd.qpllLock = false
		case 0x1110:
			brd.qpllLock = true
		}
	case RegTransmitter:
		brd.started = v == txEnable
	case RegReceiver:
		if v&rxManualSync != 0 {
			brd.sysref = false
		}
	case RegLMKSync:
		brd.sysrefPulse()
	}
}

func (brd *Board) peekFPGA(addr uint32) (uint32, bool) {
	switch addr {
	case RegQPLLControl:
		if brd.qpllLock {
			return 0x1112, true
		}
		return 0x1111, true
	case RegTransmitter:
		if brd.started {
			return framerGood, true
		}
		return txIdle, true
	case RegReceiver:
		v := uint32(0)
		if brd.adcGood() {
			v = deframerCGS
		}
		if brd.sysref {
			v |= sysrefBit
		}
		return v, true
	}
	return 0, false
}

func (brd *Board) sysrefPulse() {
	if brd.FPGA.Get(RegSysrefCapture)&lmfcDisable == 0 {
		brd.sysref = true
	}
}

func (brd *Board) adcLine() int {
	if brd.ADC.Get(RegADCSyncSelect)&0x40 != 0 {
		return SyncCD
	}
	return SyncAB
}

func (brd *Board) adcGood() bool {
	line := brd.adcLine()
	for _, v := range brd.ADCGood {
		if v == line {
			return true
		}
	}
	return false
}

func (brd *Board) peekADC(addr uint32) (uint32, bool) {
	switch addr {
	case RegADCStatusAB, RegADCStatusCD:
		if brd.adcGood() {
			return 0x7, true
		}
		return 0x1, true
	}
	return 0, false
}

func (brd *Board) pokeDAC(addr, v uint32) {
	if addr >= RegDACLaneAlarm && addr < RegDACLaneAlarm+4 && v == 0 {
		brd.DAC.Set(addr, brd.DACAlarms)
	}
}

func (brd *Board) pokeLMK(addr, v uint32) {
	switch addr {
	case RegLMKReset:
		if v == 0x80 {
			brd.shifts = 0
			for _, reg := range [][2]uint32{
				{0x003, 0x06},
				{0x004, 0xd0}, {0x005, 0x5b},
				{0x00c, 0x51}, {0x00d, 0x04},
			} {
				brd.LMK.Set(reg[0], reg[1])
			}
		}
	case RegLMKDDlyStep:
		if v != 1 {
			return
		}
		div := brd.LMK.Get(RegLMKConvDiv) & 0x1f
		if div == 0 {
			div = 32
		}
		cnt := brd.LMK.Get(RegLMKConvCnt)
		if (cnt>>4)&0xf+cnt&0xf > div {
			brd.shifts++
		} else {
			brd.shifts--
		}
	case RegLMKSysref:
		brd.sysrefPulse()
	}
}

func (brd *Board) peekLMK(addr uint32) (uint32, bool) {
	switch addr {
	case RegLMKPLL1Lock, RegLMKPLL2Lock:
		if brd.LMKLocked {
			return 1 << 1, true
		}
		return 0, true
	}
	return 0, false
}

func (brd *Board) pokeTDC(addr, v uint32) {
	switch addr {
	case RegTDCControl:
		switch v {
		case 0x2121:
			brd.TDC.Set(RegTDCStatus, 0x01)
		case 0x2:
			brd.TDC.Set(RegTDCStatus, 0)
		case 0x10:
			brd.TDC.Set(RegTDCStatus, 0x10)
		}
	case RegTDCMasterReset:
		if v == 0x01 {
			brd.TDC.Set(RegTDCScratch, 0)
		}
	}
}

func (brd *Board) peekTDC(addr uint32) (uint32, bool) {
	switch addr {
	case RegTDCSPOffset1:
		d := brd.Offset() - 1/brd.Ref + 1/brd.Radio
		brd.rp = 1 << 33
		brd.sp = brd.rp + int64(math.Round(d*(1<<27)*tdcMeasClk))
		return uint32(brd.sp>>32)&0xff | 0x100, true
	case RegTDCSPOffset0:
		return uint32(brd.sp), true
	case RegTDCRPOffset1:
		return uint32(brd.rp>>32) & 0xff, true
	case RegTDCRPOffset0:
		return uint32(brd.rp), true
	}
	return 0, false
}
