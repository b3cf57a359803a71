// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mgt

import (
	"fmt"

	"github.com/go-lpc/dbinit"
	"github.com/go-lpc/dbinit/rap"
)

const (
	maxMGTs  = 4
	maxQPLLs = 1

	drpEnable = 1 << 16
	drpBusy   = 1 << 20
	drpData   = 0x2800
)

// Target selects the DRP port of a lane or of a QPLL.
type Target struct {
	QPLL bool
	N    int
}

// Lane returns the DRP target of the n-th lane.
func Lane(n int) Target { return Target{N: n} }

// QPLL returns the DRP target of the n-th QPLL.
func QPLL(n int) Target { return Target{QPLL: true, N: n} }

func (t Target) String() string {
	if t.QPLL {
		return fmt.Sprintf("QPLL#%d", t.N)
	}
	return fmt.Sprintf("MGT#%d", t.N)
}

func (t Target) sel() (uint32, error) {
	switch {
	case t.QPLL && t.N >= 0 && t.N < maxQPLLs:
		return 1 << uint(maxMGTs+t.N), nil
	case !t.QPLL && t.N >= 0 && t.N < maxMGTs:
		return 1 << uint(t.N), nil
	}
	return 0, fmt.Errorf("mgt: invalid DRP target %v", t)
}

// drp is a sequence of DRP accesses to a single target.
type drp struct {
	tx     *rap.Tx
	target Target
	err    error
	n      int // number of accesses
}

func (d *drp) Err() error {
	if d.err != nil {
		return d.err
	}
	return d.tx.Err()
}

func (d *drp) ready() bool {
	if d.Err() != nil {
		return false
	}
	if d.tx.Peek32(regDRPControl)&drpBusy != 0 {
		d.err = fmt.Errorf("mgt: DRP port of %v busy: %w", d.target, dbinit.ErrChipState)
		return false
	}
	return d.tx.Err() == nil
}

func (d *drp) read(addr uint16) uint16 {
	if !d.ready() {
		return 0
	}
	d.n++
	return uint16(d.tx.Peek32(drpData + uint32(addr)<<2))
}

func (d *drp) write(addr, v uint16) {
	if !d.ready() {
		return
	}
	d.n++
	reg := drpData + uint32(addr)<<2
	d.tx.Poke32(reg, uint32(v))
	rb := uint16(d.tx.Peek32(reg))
	if d.tx.Err() == nil && rb != v {
		d.err = fmt.Errorf(
			"mgt: DRP readback mismatch on %v at 0x%03x (got=0x%04x, want=0x%04x): %w",
			d.target, addr, rb, v, dbinit.ErrChipState,
		)
	}
}

// modify replaces the bits of mask at addr with v.
func (d *drp) modify(addr, mask, v uint16) {
	old := d.read(addr)
	d.write(addr, (old&^mask)|(v&mask))
}

// drpDo runs f with the DRP port of target selected, under the port lock.
func (x *Transceiver) drpDo(target Target, f func(d *drp)) error {
	sel, err := target.sel()
	if err != nil {
		return err
	}
	var n int
	err = x.port.Do(func(tx *rap.Tx) error {
		tx.Poke32(regDRPControl, sel|drpEnable)
		d := &drp{tx: tx, target: target}
		f(d)
		n = d.n
		tx.Poke32(regDRPControl, 0)
		return d.Err()
	})
	x.drpAccesses += n
	if err != nil {
		return fmt.Errorf("mgt: could not access DRP of %v: %w", target, err)
	}
	return nil
}

// DRPRead reads the DRP register addr of target.
func (x *Transceiver) DRPRead(target Target, addr uint16) (uint16, error) {
	var v uint16
	err := x.drpDo(target, func(d *drp) {
		v = d.read(addr)
	})
	return v, err
}

// DRPWrite writes v to the DRP register addr of target and verifies the
// readback.
func (x *Transceiver) DRPWrite(target Target, addr, v uint16) error {
	return x.drpDo(target, func(d *drp) {
		d.write(addr, v)
	})
}

// DRPModify replaces the bits of mask in the DRP register addr of target
// with v.
func (x *Transceiver) DRPModify(target Target, addr, mask, v uint16) error {
	return x.drpDo(target, func(d *drp) {
		d.modify(addr, mask, v)
	})
}

// DRPAccesses returns the number of DRP accesses issued so far.
func (x *Transceiver) DRPAccesses() int { return x.drpAccesses }
