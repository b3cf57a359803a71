// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package conv

import (
	"fmt"
	"log"
	"strings"

	"github.com/go-lpc/dbinit"
	"github.com/go-lpc/dbinit/rap"
)

// Registers of the ADC.
const (
	regAnalogReset   = 0x0000
	regMasterPage    = 0x0011
	regClkDivider    = 0x0053
	regSysrefCapture = 0x0054
	regAlways39      = 0x0039
	regAlways59      = 0x0059
	regTestPattern   = 0x0573

	regPage1     = 0x4001
	regPage2     = 0x4002
	regPage3     = 0x4003
	regPage4     = 0x4004
	regBroadcast = 0x4005

	bankAB = 0x6000
	bankCD = 0x7000
)

// Offsets within a channel bank, per page.
const (
	// main digital page
	offILReset    = 0x000
	offNyquist    = 0x092
	offDigitalTop = 0x0f7

	// decimation page
	offDDCMode = 0x000
	offDDCCtl  = 0x001
	offNValue  = 0x002

	// JESD analog page
	offPLLMode = 0x016

	// JESD digital page
	offJESDCtl    = 0x000
	offJESDMode   = 0x001
	offJESDLink   = 0x003
	offJESDK      = 0x006
	offJESDStatus = 0x072
)

const (
	pageMainDigital = 0x68
	pageJESDDigital = 0x69
	pageJESDAnalog  = 0x6a
	pageDecimation  = 0x61

	jesdModeCtl = 0x40
	jesdKCtl    = 0x80

	testPRBS = 0x13
)

// ADC JESD status bits.
const (
	adcPLLLocked = 1 << 0
	adcSyncOK    = 1 << 1 // SYNC deasserted by the receiver
	adcLinkUp    = 1 << 2
	adcFIFODelta = 1 << 3 // FIFO pointer delta changed
)

// SyncLine selects the SYNC input of the ADC.
type SyncLine uint8

const (
	SyncAB SyncLine = iota
	SyncCD
)

func (s SyncLine) String() string {
	switch s {
	case SyncAB:
		return "AB"
	case SyncCD:
		return "CD"
	}
	return fmt.Sprintf("SyncLine(%d)", uint8(s))
}

func (s SyncLine) sel() uint8 {
	if s == SyncCD {
		return 0x40
	}
	return 0x20
}

// Mode is the operating mode of the ADC.
type Mode struct {
	DDCMode     uint8 // decimation mode of the DDC
	NValue      uint8
	PLLMode     uint8 // SerDes PLL multiplier, sets the lane rate class
	JESDMode    uint8 // JESD204B mode, sets the lane count
	K           uint8 // frames per multi-frame
	NyquistZone uint8 // Nyquist zone of the interleave correction, 1-3
}

// DefaultMode is the mode of the 4-lane, 40x links.
var DefaultMode = Mode{
	DDCMode:     0xe4,
	NValue:      0x0e,
	PLLMode:     0x02,
	JESDMode:    0x02,
	K:           16,
	NyquistZone: 1,
}

func (m Mode) validate() error {
	if m.K == 0 || m.K > 32 {
		return fmt.Errorf("conv: invalid ADC K=%d", m.K)
	}
	if m.NyquistZone < 1 || m.NyquistZone > 3 {
		return fmt.Errorf("conv: invalid ADC Nyquist zone %d", m.NyquistZone)
	}
	return nil
}

// ADCStatus is the JESD204B framer status of both channel banks.
type ADCStatus struct {
	Raw  [2]uint8 // AB, CD
	Good bool
}

var adcFlags = []struct {
	name string
	bit  uint8
}{
	{"pll", adcPLLLocked},
	{"sync", adcSyncOK},
	{"link", adcLinkUp},
}

// Failures returns the failing flags, as "bank:flag" strings.
func (st ADCStatus) Failures() []string {
	var out []string
	for i, raw := range st.Raw {
		bank := [2]string{"AB", "CD"}[i]
		for _, f := range adcFlags {
			if raw&f.bit == 0 {
				out = append(out, bank+":"+f.name)
			}
		}
	}
	return out
}

// SyncFailed returns whether a bank reports a SYNC failure.
func (st ADCStatus) SyncFailed() bool {
	for _, raw := range st.Raw {
		if raw&adcSyncOK == 0 {
			return true
		}
	}
	return false
}

func (st ADCStatus) String() string {
	return fmt.Sprintf("adc{good=%v raw=[0x%02x 0x%02x] fail=[%s]}", st.Good, st.Raw[0], st.Raw[1], strings.Join(st.Failures(), ","))
}

// ADC is a four-channel ADC with a JESD204B framer.
type ADC struct {
	port *rap.Port
	msg  *log.Logger

	mode       Mode
	sync       SyncLine
	configured bool
	test       *uint8 // saved test pattern register
}

// NewADC returns a driver for the ADC behind port.
func NewADC(port *rap.Port, opts ...Option) *ADC {
	cfg := newConfig("adc: ", opts)
	return &ADC{
		port: port,
		msg:  cfg.msg,
		mode: DefaultMode,
	}
}

func (adc *ADC) err(op string, err error) error {
	return &ChipError{Chip: "adc", Op: op, Err: err}
}

func page(tx *rap.Tx, pages ...uint8) {
	regs := []uint32{regPage4, regPage3, regPage2, regPage1}
	for i, p := range pages {
		tx.Poke8(regs[i], p)
	}
}

// Reset issues the analog reset then the digital resets, clearing the
// interleave correction engines.
func (adc *ADC) Reset() error {
	err := adc.port.Do(func(tx *rap.Tx) error {
		tx.Poke8(regAnalogReset, 0x81)
		page(tx, pageMainDigital, 0, 0, 0)
		tx.Poke8(bankAB+offDigitalTop, 0x01)
		tx.Poke8(bankCD+offDigitalTop, 0x01)
		tx.Poke8(bankAB+offILReset, 0x01)
		tx.Poke8(bankCD+offILReset, 0x01)
		tx.Poke8(bankAB+offILReset, 0x00)
		tx.Poke8(bankCD+offILReset, 0x00)
		tx.Poke8(regMasterPage, 0x80)
		tx.Poke8(regClkDivider, 0x80) // div-2
		tx.Poke8(regAlways39, 0xc0)
		tx.Poke8(regAlways59, 0x20)
		return tx.Err()
	})
	if err != nil {
		return adc.err("reset", err)
	}
	adc.configured = false
	return nil
}

// Configure programs the decimation, JESD mode, K and Nyquist zone of the
// ADC and selects the active SYNC input.
// The framer is not enabled.
func (adc *ADC) Configure(mode Mode, sync SyncLine) error {
	err := mode.validate()
	if err != nil {
		return err
	}
	if sync != SyncAB && sync != SyncCD {
		return fmt.Errorf("conv: invalid ADC SYNC line %v", sync)
	}

	err = adc.port.Do(func(tx *rap.Tx) error {
		tx.Poke8(regPage4, pageDecimation)
		tx.Poke8(regPage3, 0x41)
		for _, bank := range []uint32{bankAB, bankCD} {
			tx.Poke8(bank+offDDCMode, mode.DDCMode)
			tx.Poke8(bank+offDDCCtl, 0x04)
			tx.Poke8(bank+offNValue, mode.NValue)
		}

		tx.Poke8(regPage3, 0x00)
		tx.Poke8(regPage4, pageJESDAnalog)
		tx.Poke8(bankAB+offPLLMode, mode.PLLMode)
		tx.Poke8(bankCD+offPLLMode, mode.PLLMode)

		tx.Poke8(regPage3, 0x00)
		tx.Poke8(regPage4, pageJESDDigital)
		for _, bank := range []uint32{bankAB, bankCD} {
			tx.Poke8(bank+offJESDCtl, jesdModeCtl)
			tx.Poke8(bank+offJESDMode, mode.JESDMode)
		}
		for _, bank := range []uint32{bankAB, bankCD} {
			tx.Poke8(bank+offJESDCtl, jesdKCtl)
			tx.Poke8(bank+offJESDK, mode.K-1)
		}

		tx.Poke8(regBroadcast, 0x01)
		tx.Poke8(bankCD+offJESDMode, mode.JESDMode|sync.sel())
		tx.Poke8(regBroadcast, 0x00)

		page(tx, pageMainDigital, 0)
		nyq := 0x08 | (mode.NyquistZone - 1)
		tx.Poke8(bankAB+offNyquist, nyq)
		tx.Poke8(bankCD+offNyquist, nyq)
		return tx.Err()
	})
	if err != nil {
		return adc.err("configure", err)
	}
	adc.mode = mode
	adc.sync = sync
	adc.configured = true
	adc.msg.Printf("configured (K=%d, nyquist=%d, sync=%v)", mode.K, mode.NyquistZone, sync)
	return nil
}

// Mode returns the last configured mode.
func (adc *ADC) Mode() Mode { return adc.mode }

// SyncLine returns the selected SYNC input.
func (adc *ADC) SyncLine() SyncLine { return adc.sync }

// SwapSyncLine toggles the SYNC input selection. The new selection is
// applied by the next call to Configure.
func (adc *ADC) SwapSyncLine() SyncLine {
	old := adc.sync
	adc.sync = SyncCD
	if old == SyncCD {
		adc.sync = SyncAB
	}
	adc.msg.Printf("SYNC line swapped: %v -> %v", old, adc.sync)
	return adc.sync
}

// InitFramer enables the JESD204B framer of the ADC.
func (adc *ADC) InitFramer() error {
	if !adc.configured {
		return fmt.Errorf("conv: ADC framer enabled before configuration: %w", dbinit.ErrChipState)
	}
	err := adc.port.Do(func(tx *rap.Tx) error {
		page(tx, pageJESDDigital, 0)
		tx.Poke8(bankAB+offJESDLink, 0x01)
		tx.Poke8(bankCD+offJESDLink, 0x01)
		return tx.Err()
	})
	if err != nil {
		return adc.err("init framer", err)
	}
	return nil
}

// EnableSysrefCapture gates the SYSREF sampler of the ADC.
func (adc *ADC) EnableSysrefCapture(enable bool) error {
	v := uint8(0x00)
	if enable {
		v = 0x80
	}
	err := adc.port.Poke8(regSysrefCapture, v)
	if err != nil {
		return adc.err("set SYSREF capture", err)
	}
	return nil
}

// SysrefPulses returns the number of SYSREF pulses the ADC needs: one
// resets its clock dividers, the next one aligns its LMFC.
func (adc *ADC) SysrefPulses() int { return 2 }

// FramerStatus reads the status of the framer of both banks.
func (adc *ADC) FramerStatus() (ADCStatus, error) {
	var st ADCStatus
	err := adc.port.Do(func(tx *rap.Tx) error {
		page(tx, pageJESDDigital, 0)
		st.Raw[0] = tx.Peek8(bankAB + offJESDStatus)
		st.Raw[1] = tx.Peek8(bankCD + offJESDStatus)
		return tx.Err()
	})
	if err != nil {
		return st, adc.err("read framer status", err)
	}
	want := uint8(adcPLLLocked | adcSyncOK | adcLinkUp)
	st.Good = st.Raw[0]&want == want && st.Raw[1]&want == want
	return st, nil
}

// CheckFramerStatus returns the health of the framer and logs every
// failing flag. The FIFO pointer delta flag is reported but does not
// take part in the health check.
func (adc *ADC) CheckFramerStatus() (bool, error) {
	st, err := adc.FramerStatus()
	if err != nil {
		return false, err
	}
	for _, f := range st.Failures() {
		adc.msg.Printf("chip=adc sync=%v flag=%s state=fail", adc.sync, f)
	}
	for i, raw := range st.Raw {
		if raw&adcFIFODelta != 0 {
			adc.msg.Printf("chip=adc bank=%s flag=fifo-delta state=set (ignored)", [2]string{"AB", "CD"}[i])
		}
	}
	return st.Good, nil
}

// EnableTestPattern drives a pseudo-random pattern on the ADC lanes.
// Disabling it restores the previous pattern and resets the chip, which
// must then be configured again.
func (adc *ADC) EnableTestPattern(enable bool) error {
	if enable {
		if adc.test != nil {
			return nil
		}
		var old uint8
		err := adc.port.Do(func(tx *rap.Tx) error {
			old = tx.Peek8(regTestPattern)
			tx.Poke8(regTestPattern, testPRBS)
			return tx.Err()
		})
		if err != nil {
			return adc.err("enable test pattern", err)
		}
		adc.test = &old
		return nil
	}

	if adc.test == nil {
		return nil
	}
	err := adc.port.Do(func(tx *rap.Tx) error {
		tx.Poke8(regTestPattern, *adc.test)
		tx.Poke8(regAnalogReset, 0x81)
		return tx.Err()
	})
	if err != nil {
		return adc.err("disable test pattern", err)
	}
	adc.test = nil
	adc.configured = false
	return nil
}
