// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package jesd

import (
	"fmt"

	"github.com/go-lpc/dbinit/mgt"
	"github.com/go-lpc/dbinit/rap"
)

const (
	regPRBSControl = 0x2030

	prbsErrCount = 0x15c // RX_PRBS_ERR_CNT DRP attribute
	prbsCntReset = 1 << 8
)

// Pattern is a PRBS test pattern of the transceivers.
type Pattern uint8

const (
	PatternOff Pattern = iota
	PRBS7
	PRBS15
	PRBS23
	PRBS31
)

func (p Pattern) String() string {
	switch p {
	case PatternOff:
		return "OFF"
	case PRBS7:
		return "PRBS-7"
	case PRBS15:
		return "PRBS-15"
	case PRBS23:
		return "PRBS-23"
	case PRBS31:
		return "PRBS-31"
	}
	return fmt.Sprintf("Pattern(%d)", uint8(p))
}

func (p Pattern) valid() bool { return p <= PRBS31 }

// SetPatternGen drives the provided test pattern on all TX lanes.
// PatternOff restores the framer data.
func (c *Core) SetPatternGen(p Pattern) error {
	if !p.valid() {
		return fmt.Errorf("jesd: invalid test pattern %v", p)
	}
	err := c.port.Do(func(tx *rap.Tx) error {
		tx.Modify(regPRBSControl, rap.W32, 0x7, uint32(p))
		return nil
	})
	if err != nil {
		return fmt.Errorf("jesd: could not set TX pattern %v: %w", p, err)
	}
	return nil
}

// SetPatternCheck enables the checker of the provided test pattern on all
// RX lanes and clears the error counters.
func (c *Core) SetPatternCheck(p Pattern) error {
	if !p.valid() {
		return fmt.Errorf("jesd: invalid test pattern %v", p)
	}
	err := c.port.Do(func(tx *rap.Tx) error {
		tx.Modify(regPRBSControl, rap.W32, 0x70|prbsCntReset, uint32(p)<<4|prbsCntReset)
		tx.Modify(regPRBSControl, rap.W32, prbsCntReset, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("jesd: could not set RX pattern check %v: %w", p, err)
	}
	return nil
}

// PatternErrors returns the PRBS checker error count of an RX lane.
func (c *Core) PatternErrors(lane int) (uint16, error) {
	n, err := c.xcvr.DRPRead(mgt.Lane(lane), prbsErrCount)
	if err != nil {
		return 0, fmt.Errorf("jesd: could not read PRBS errors of lane %d: %w", lane, err)
	}
	return n, nil
}
