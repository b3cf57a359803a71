// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package jesd

import (
	"fmt"
	"strings"
)

const (
	framerMask = 0xff0
	framerGood = 0x6c0

	deframerGood = 0xf000001c
)

// FramerStatus is the status of the FPGA framer.
// Status bits are sticky until the next reset.
type FramerStatus struct {
	Raw uint32

	Good    bool
	CGS     bool // code group synchronization completed
	ILA     bool // initial lane alignment completed
	Idle    bool
	DACSync bool // SYNC from the DAC deasserted
	Data    bool
	Error   bool // SYNC re-asserted after alignment
}

func newFramerStatus(rb uint32) FramerStatus {
	return FramerStatus{
		Raw:     rb,
		Good:    rb&framerMask == framerGood,
		CGS:     rb&(1<<6) != 0,
		ILA:     rb&(1<<7) != 0,
		Idle:    rb&(1<<8) != 0,
		DACSync: rb&(1<<9) != 0,
		Data:    rb&(1<<10) != 0,
		Error:   rb&(1<<4) != 0,
	}
}

// Failures returns the names of the failing flags.
func (st FramerStatus) Failures() []string {
	var out []string
	if st.Idle {
		out = append(out, "idle")
	}
	if !st.CGS {
		out = append(out, "cgs")
	}
	if !st.ILA {
		out = append(out, "ila")
	}
	if !st.DACSync {
		out = append(out, "dac-sync")
	}
	if !st.Data {
		out = append(out, "data")
	}
	if st.Error {
		out = append(out, "sync-lost")
	}
	return out
}

func (st FramerStatus) String() string {
	return fmt.Sprintf("framer{good=%v raw=0x%03x fail=[%s]}", st.Good, st.Raw&framerMask, strings.Join(st.Failures(), ","))
}

// DeframerStatus is the status of the FPGA deframer.
// Status bits are sticky until the next reset.
type DeframerStatus struct {
	Raw uint32

	Good          bool
	CGS           bool // code group synchronization completed on all lanes
	Bonding       bool // channel bonding (ILA) completed
	Sysref        bool // SYSREF received
	LaneCGS       [4]bool
	Disparity     bool
	NotInTable    bool
	Misalignment  bool
	UnexpectedK   bool
	ADCRequestCGS bool
	Misc          bool
}

func newDeframerStatus(rb uint32, ignoreSysref bool) DeframerStatus {
	st := DeframerStatus{
		Raw:           rb,
		CGS:           rb&(1<<2) != 0,
		Bonding:       rb&(1<<3) != 0,
		Sysref:        rb&(1<<4) != 0,
		Disparity:     rb&(1<<16) != 0,
		NotInTable:    rb&(1<<17) != 0,
		Misalignment:  rb&(1<<18) != 0,
		UnexpectedK:   rb&(1<<19) != 0,
		ADCRequestCGS: rb&(1<<20) != 0,
		Misc:          rb&(1<<21) != 0,
	}
	for i := range st.LaneCGS {
		st.LaneCGS[i] = rb&(1<<uint(28+i)) != 0
	}
	want := uint32(deframerGood)
	if ignoreSysref {
		rb |= 1 << 4
	}
	st.Good = rb == want
	return st
}

// Failures returns the names of the failing flags.
func (st DeframerStatus) Failures() []string {
	var out []string
	for i, ok := range st.LaneCGS {
		if !ok {
			out = append(out, fmt.Sprintf("lane%d-cgs", i))
		}
	}
	for _, f := range []struct {
		name string
		bad  bool
	}{
		{"cgs", !st.CGS},
		{"bonding", !st.Bonding},
		{"disparity", st.Disparity},
		{"not-in-table", st.NotInTable},
		{"misalignment", st.Misalignment},
		{"unexpected-k", st.UnexpectedK},
		{"adc-cgs-request", st.ADCRequestCGS},
		{"misc", st.Misc},
	} {
		if f.bad {
			out = append(out, f.name)
		}
	}
	return out
}

func (st DeframerStatus) String() string {
	return fmt.Sprintf("deframer{good=%v raw=0x%08x fail=[%s]}", st.Good, st.Raw, strings.Join(st.Failures(), ","))
}

// FramerStatus reads the status of the framer and updates the TX link
// state accordingly.
func (c *Core) FramerStatus() (FramerStatus, error) {
	rb, err := c.port.Peek32(regTransmitter)
	if err != nil {
		return FramerStatus{}, fmt.Errorf("jesd: could not read framer status: %w", err)
	}
	st := newFramerStatus(rb)
	c.update(c.tx, st.Good, st.Failures())
	return st, nil
}

// DeframerStatus reads the status of the deframer and updates the RX link
// state accordingly. ignoreSysref excludes the SYSREF received flag from
// the health check.
func (c *Core) DeframerStatus(ignoreSysref bool) (DeframerStatus, error) {
	rb, err := c.port.Peek32(regReceiver)
	if err != nil {
		return DeframerStatus{}, fmt.Errorf("jesd: could not read deframer status: %w", err)
	}
	st := newDeframerStatus(rb, ignoreSysref)
	fails := st.Failures()
	if !st.Sysref {
		if ignoreSysref {
			c.msg.Printf("link=%s flag=sysref state=fail (ignored)", c.rx.Name())
		} else {
			fails = append(fails, "sysref")
		}
	}
	c.update(c.rx, st.Good, fails)
	return st, nil
}

func (c *Core) update(l *Link, good bool, fails []string) {
	if good {
		if l.State() == StateCGS {
			_ = l.advance(StateILA)
		}
		if l.State() == StateILA {
			_ = l.advance(StateData)
		}
		return
	}
	for _, f := range fails {
		c.msg.Printf("link=%s flag=%s state=fail", l.Name(), f)
	}
	if l.State() != StateReset {
		l.fail(strings.Join(fails, ","))
	}
}
