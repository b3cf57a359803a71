// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package conv

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-lpc/dbinit"
	"github.com/go-lpc/dbinit/internal/poll"
	"github.com/go-lpc/dbinit/rap"
)

// Registers of the DAC37J82.
const (
	regConfig2      = 0x02 // SIF reset
	regConfig3      = 0x03 // TXENABLE
	regTestCtl      = 0x1b
	regClkSysref    = 0x24
	regSerDesPLL    = 0x3c
	regSerDesRx1    = 0x3d
	regSerDesRx2    = 0x3e
	regLaneIDs1     = 0x46
	regLaneIDs2     = 0x47
	regJESDCtl      = 0x4a
	regJESDK        = 0x4c
	regJESDM        = 0x4d
	regLinkSysref   = 0x5c
	regOctetPath    = 0x5f
	regLaneAlarm0   = 0x64
	regPLLAlarms    = 0x6c
	regChipID       = 0x7f
	dacChipID       = 0b01<<3 | 0b010
	dacPLLUnlocked  = 0x0008
	dacAlarmMask    = 0xff0f
	dacLanes        = 4
	dacLockInterval = 1 * time.Millisecond
	dacLockTimeout  = 6 * time.Millisecond
	dacAlarmSettle  = 1 * time.Millisecond
)

// Lane alarms of the DAC deframer.
var dacAlarms = map[uint]string{
	15: "multiframe-align",
	14: "frame-align",
	13: "link-config",
	12: "elastic-overflow",
	11: "elastic-match",
	10: "code-sync",
	9:  "not-in-table",
	8:  "disparity",
	3:  "fifo-write-error",
	2:  "fifo-write-full",
	1:  "fifo-read-error",
	0:  "fifo-read-empty",
}

// DACMode is the operating mode of the DAC.
type DACMode struct {
	SerDesMult uint8 // SerDes PLL multiply factor, sets the lane rate class
	K          uint8 // frames per multi-frame
	L          uint8 // lanes
	M          uint8 // converters
}

// DefaultDACMode is the mode of the 4-lane, 2-converter link.
var DefaultDACMode = DACMode{SerDesMult: 5, K: 24, L: 4, M: 2}

func (m DACMode) validate() error {
	switch {
	case m.K == 0 || m.K > 32:
		return fmt.Errorf("conv: invalid DAC K=%d", m.K)
	case m.L == 0 || m.L > dacLanes:
		return fmt.Errorf("conv: invalid DAC L=%d", m.L)
	case m.M == 0 || m.M > 4:
		return fmt.Errorf("conv: invalid DAC M=%d", m.M)
	case m.SerDesMult < 4 || m.SerDesMult > 25:
		return fmt.Errorf("conv: invalid DAC SerDes PLL multiplier %d", m.SerDesMult)
	}
	return nil
}

// TestMode is a SerDes test pattern checked by the DAC.
type TestMode uint8

const (
	TestOff    TestMode = 0x0
	TestPRBS7  TestMode = 0x2
	TestPRBS23 TestMode = 0x3
	TestPRBS31 TestMode = 0x4
)

func (m TestMode) String() string {
	switch m {
	case TestOff:
		return "OFF"
	case TestPRBS7:
		return "PRBS-7"
	case TestPRBS23:
		return "PRBS-23"
	case TestPRBS31:
		return "PRBS-31"
	}
	return fmt.Sprintf("TestMode(%d)", uint8(m))
}

// DACStatus holds the lane alarms of the DAC deframer.
type DACStatus struct {
	Lanes [dacLanes]uint16
	Good  bool
}

// Failures returns the raised alarms, as "laneN:alarm" strings.
func (st DACStatus) Failures() []string {
	var out []string
	for i := 15; i >= 0; i-- {
		bit := uint(i)
		name, ok := dacAlarms[bit]
		if !ok {
			continue
		}
		for lane, v := range st.Lanes {
			if v&(1<<bit) != 0 {
				out = append(out, fmt.Sprintf("lane%d:%s", lane, name))
			}
		}
	}
	return out
}

func (st DACStatus) String() string {
	return fmt.Sprintf("dac{good=%v fail=[%s]}", st.Good, strings.Join(st.Failures(), ","))
}

// DAC is a DAC37J82 converter with a JESD204B deframer.
type DAC struct {
	port  *rap.Port
	msg   *log.Logger
	clk   poll.Clock
	alarm func() (bool, error)

	// lane routing of the daughterboard slot
	laneIDs1  uint16
	laneIDs2  uint16
	octetPath uint16

	mode DACMode
	test int // lane under test, or -1
}

// NewDAC returns a driver for the DAC of the daughterboard in slot.
// The JESD lanes 2 and 3 are swapped by the traces of slot 1.
func NewDAC(port *rap.Port, slot int, opts ...Option) (*DAC, error) {
	if slot != 0 && slot != 1 {
		return nil, fmt.Errorf("conv: invalid DAC slot %d", slot)
	}
	cfg := newConfig("dac: ", opts)
	return &DAC{
		port:      port,
		msg:       cfg.msg,
		clk:       cfg.clk,
		alarm:     cfg.alarm,
		laneIDs1:  [2]uint16{0x0044, 0x0046}[slot],
		laneIDs2:  [2]uint16{0x190a, 0x110a}[slot],
		octetPath: [2]uint16{0x0123, 0x0132}[slot],
		mode:      DefaultDACMode,
		test:      -1,
	}, nil
}

func (dac *DAC) err(op string, err error) error {
	return &ChipError{Chip: "dac", Op: op, Err: err}
}

// Reset resets the serial interface registers and checks the identity of
// the chip.
func (dac *DAC) Reset() error {
	var id uint16
	err := dac.port.Do(func(tx *rap.Tx) error {
		tx.Poke16(regConfig2, 0x2002)
		tx.Poke16(regConfig2, 0x2003)
		id = tx.Peek16(regChipID) & 0x1f
		return tx.Err()
	})
	if err != nil {
		return dac.err("reset", err)
	}
	if id != dacChipID {
		return fmt.Errorf("conv: unexpected DAC vendor/version ID 0x%x: %w", id, dbinit.ErrChipState)
	}
	return nil
}

// TxEnable enables or disables the analog output of the DAC.
func (dac *DAC) TxEnable(enable bool) error {
	v := uint32(0)
	if enable {
		v = 1
	}
	err := dac.port.Do(func(tx *rap.Tx) error {
		tx.Modify(regConfig3, rap.W16, 0x1, v)
		return tx.Err()
	})
	if err != nil {
		return dac.err("set TXENABLE", err)
	}
	return nil
}

// Configure programs the SerDes PLL and the deframer of the DAC, then
// waits for the PLL to lock.
func (dac *DAC) Configure(mode DACMode) error {
	err := mode.validate()
	if err != nil {
		return err
	}

	err = dac.port.Do(func(tx *rap.Tx) error {
		tx.Poke16(regConfig2, 0x2002)
		tx.Poke16(regConfig2, 0x2003)
		tx.Poke16(regPLLAlarms, 0x0000)
		tx.Pokes16([][2]uint32{
			{0x00, 0x001b}, // interpolation 1x, ALARM enabled
			{0x01, 0x0003},
			{0x02, 0x0002}, // 2's complement
			{0x03, 0x9300}, // coarse DAC=10, TXENABLE low
			{0x04, 0x0000},
			{0x05, 0x0000},
			{0x06, 0x0000},
			{0x1a, 0x0023}, // DAC PLL, DAC C and D asleep
			{regTestCtl, 0x0000},
			{0x1e, 0x2222}, // QMC sync: SYSREF
			{0x1f, 0x2220}, // NCO sync: SYSREF
			{0x22, 0x1b1b},
			{regClkSysref, 0x0000},
			{0x25, 0x2000}, // JESD clock: DACCLK/2
			{0x31, 0x1000}, // DAC PLL bypassed
			{0x3b, 0x0000},
			{regSerDesPLL, 0x1800 | uint32(mode.SerDesMult)<<3},
			{regSerDesRx1, 0x0088},
			{regSerDesRx2, 0x0128}, // AC coupling, half rate, 20-bit
			{0x3f, 0x0000},
			{regLaneIDs1, uint32(dac.laneIDs1)},
			{regLaneIDs2, uint32(dac.laneIDs2)},
			{0x48, 0x31c3},
			{regJESDCtl, 0x0f3e},
			{0x4b, 0x1700}, // RBD=24, F=1
			{regJESDK, uint32(mode.K-1)<<8 | uint32(mode.L-1)},
			{regJESDM, uint32(mode.M-1) << 8},
			{0x4e, 0x0f4f},
			{0x4f, 0x1cc1},
			{0x51, 0x00ff},
			{0x52, 0x00ff},
			{regLinkSysref, 0x0000},
			{regOctetPath, uint32(dac.octetPath)},
			{0x60, 0x4567},
			{0x61, 0x0001},
			{regLaneAlarm0 + 0, 0x0703},
			{regLaneAlarm0 + 1, 0x0703},
			{regLaneAlarm0 + 2, 0x0703},
			{regLaneAlarm0 + 3, 0x0703},
			{regPLLAlarms, 0x0000},
			{regConfig2, 0x2002},
		})
		return tx.Err()
	})
	if err != nil {
		return dac.err("configure", err)
	}

	err = poll.Until(dac.clk, dacLockInterval, dacLockTimeout, func() (bool, error) {
		err := dac.port.Poke16(regPLLAlarms, 0x0000)
		if err != nil {
			return false, err
		}
		return dac.PLLLocked()
	})
	switch {
	case errors.Is(err, poll.ErrTimeout):
		return fmt.Errorf("conv: DAC PLL did not lock: %w", dbinit.ErrLock)
	case err != nil:
		return dac.err("wait for PLL lock", err)
	}
	dac.mode = mode
	dac.msg.Printf("configured (K=%d, L=%d, M=%d)", mode.K, mode.L, mode.M)
	return nil
}

// PLLLocked returns whether the DAC PLL reports lock.
func (dac *DAC) PLLLocked() (bool, error) {
	v, err := dac.port.Peek16(regPLLAlarms)
	if err != nil {
		return false, err
	}
	return v&dacPLLUnlocked == 0, nil
}

// EnableSysrefCapture gates the SYSREF sampler of the clock dividers and
// of link 0.
func (dac *DAC) EnableSysrefCapture(enable bool) error {
	mode := uint16(0b000)
	if enable {
		mode = 0b001 // next pulse
	}
	err := dac.port.Do(func(tx *rap.Tx) error {
		tx.Poke16(regClkSysref, mode<<4)
		tx.Poke16(regLinkSysref, mode)
		return tx.Err()
	})
	if err != nil {
		return dac.err("set SYSREF capture", err)
	}
	return nil
}

// SysrefPulses returns the number of SYSREF pulses the DAC needs.
func (dac *DAC) SysrefPulses() int { return 1 }

// InitDeframer releases the JESD204B block reset and exits its init state.
func (dac *DAC) InitDeframer() error {
	err := dac.port.Do(func(tx *rap.Tx) error {
		tx.Poke16(regJESDCtl, 0x0f3f)
		tx.Poke16(regJESDCtl, 0x0f21)
		return tx.Err()
	})
	if err != nil {
		return dac.err("init deframer", err)
	}
	return nil
}

// DeframerStatus clears and reads back the lane alarms.
func (dac *DAC) DeframerStatus() (DACStatus, error) {
	var st DACStatus
	err := dac.port.Do(func(tx *rap.Tx) error {
		for i := uint32(0); i < dacLanes; i++ {
			tx.Poke16(regLaneAlarm0+i, 0x0000)
		}
		return tx.Err()
	})
	if err != nil {
		return st, dac.err("clear lane alarms", err)
	}
	dac.clk.Sleep(dacAlarmSettle)

	err = dac.port.Do(func(tx *rap.Tx) error {
		for i := range st.Lanes {
			st.Lanes[i] = tx.Peek16(regLaneAlarm0+uint32(i)) & dacAlarmMask
		}
		return tx.Err()
	})
	if err != nil {
		return st, dac.err("read lane alarms", err)
	}
	st.Good = true
	for _, v := range st.Lanes {
		if v != 0 {
			st.Good = false
		}
	}
	return st, nil
}

// CheckDeframerStatus returns the health of the deframer, logging each
// raised alarm. The analog output is enabled only on a healthy link.
func (dac *DAC) CheckDeframerStatus() (bool, error) {
	st, err := dac.DeframerStatus()
	if err != nil {
		return false, err
	}
	for _, f := range st.Failures() {
		lane, flag, _ := strings.Cut(f, ":")
		dac.msg.Printf("chip=dac %s flag=%s state=fail", strings.Replace(lane, "lane", "lane=", 1), flag)
	}
	err = dac.TxEnable(st.Good)
	if err != nil {
		return false, err
	}
	return st.Good, nil
}

// TestMode enables the PRBS checker of the DAC on lane.
// The result of the check is reported on the ALARM output.
func (dac *DAC) TestMode(mode TestMode, lane int) error {
	switch mode {
	case TestOff, TestPRBS7, TestPRBS23, TestPRBS31:
	default:
		return fmt.Errorf("conv: invalid DAC test mode %v", mode)
	}
	if lane < 0 || lane >= 8 {
		return fmt.Errorf("conv: invalid DAC test lane %d", lane)
	}

	var rx2 uint16
	err := dac.port.Do(func(tx *rap.Tx) error {
		if mode != TestOff {
			tx.Modify(regJESDCtl, rap.W16, 0x001f, 0x001e) // JESD clock off
		} else {
			tx.Poke16(regJESDCtl, 0x0f3e)
		}
		tx.Modify(regSerDesRx1, rap.W16, 0x7000, uint32(mode)<<12)
		if mode != TestOff {
			tx.Modify(regTestCtl, rap.W16, 0x7f00, 0x3<<8|uint32(lane)<<12)
		} else {
			tx.Poke16(regTestCtl, 0x0000)
		}
		rx2 = tx.Peek16(regSerDesRx2)
		return tx.Err()
	})
	if err != nil {
		return dac.err("set test mode", err)
	}
	if (rx2>>11)&0x3 != 0 {
		dac.msg.Printf("chip=dac flag=char-align state=enabled (unexpected)")
	}
	dac.test = -1
	if mode != TestOff {
		dac.test = lane
	}
	dac.msg.Printf("test mode %v on lane %d", mode, lane)
	return nil
}

// Alarm reads the ALARM output of the DAC.
// Without an ALARM pin reader, the alarms of the lane under test are used.
func (dac *DAC) Alarm() (bool, error) {
	if dac.alarm != nil {
		return dac.alarm()
	}
	lane := dac.test
	if lane < 0 {
		lane = 0
	}
	v, err := dac.port.Peek16(regLaneAlarm0 + uint32(lane)%dacLanes)
	if err != nil {
		return false, dac.err("read ALARM", err)
	}
	return v&dacAlarmMask != 0, nil
}
