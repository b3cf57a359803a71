// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mgt

import (
	"fmt"
	"math"

	"github.com/go-lpc/dbinit"
)

// Rate holds the QPLL and GTX attributes depending on the lane rate.
// Zero-valued attributes are left untouched by a rate change.
type Rate struct {
	LaneRate float64 // lane rate (bit/s)
	RefClock float64 // MGT reference clock (Hz)

	// Class identifies rates sharing the same attributes.
	// Switching between rates of the same class skips the DRP update.
	Class string

	QPLLCfg    uint32 // QPLL_CFG [26:0]
	QPLLFBDiv  uint16 // QPLL_FBDIV [9:0]
	PMARsv     uint32 // PMA_RSV
	RxClk25Div uint8  // RX_CLK25_DIV
	TxClk25Div uint8  // TX_CLK25_DIV
	RxOutDiv   uint8  // RXOUT_DIV, power of 2
	TxOutDiv   uint8  // TXOUT_DIV, power of 2
	RxCDRCfg   []uint16
}

func (r Rate) String() string {
	return fmt.Sprintf("%v Gbps (ref=%v MHz)", r.LaneRate/1e9, r.RefClock/1e6)
}

// UnsupportedRateError is returned for a lane rate and reference clock
// combination missing from a rate table.
type UnsupportedRateError struct {
	Table    string
	LaneRate float64
	RefClock float64
}

func (e *UnsupportedRateError) Error() string {
	return fmt.Sprintf(
		"mgt: unsupported lane rate %v Gbps with %v MHz reference in table %q",
		e.LaneRate/1e9, e.RefClock/1e6, e.Table,
	)
}

func (e *UnsupportedRateError) Is(target error) bool { return target == dbinit.ErrUnsupportedRate }

// Table is a rate configuration table of a transceiver.
type Table struct {
	Name  string
	Rates []Rate
}

func near(a, b float64) bool {
	return math.Abs(a-b) <= 1e-6*math.Max(math.Abs(a), math.Abs(b))
}

// Lookup returns the configuration for the provided lane rate and
// reference clock.
func (tbl Table) Lookup(lane, ref float64) (Rate, error) {
	for _, r := range tbl.Rates {
		if near(r.LaneRate, lane) && near(r.RefClock, ref) {
			return r, nil
		}
	}
	return Rate{}, &UnsupportedRateError{Table: tbl.Name, LaneRate: lane, RefClock: ref}
}

// Compatible returns whether switching from rate a to rate b can skip the
// DRP update.
func Compatible(a, b Rate) bool {
	return a.Class != "" && a.Class == b.Class
}

var (
	cdr2G5 = []uint16{0x0020, 0x1010, 0x23ff, 0x0000, 0x0003, 0x0000}
	cdr3G  = []uint16{0x0020, 0x1020, 0x23ff, 0x0000, 0x0003, 0x0000}
)

// N310 is the rate table of the 4-lane, 4-converter daughterboards.
// The MGT reference clock runs at the master clock rate.
var N310 = Table{
	Name: "n310",
	Rates: []Rate{
		{
			LaneRate: 2457.6e6, RefClock: 122.88e6, Class: "2G5",
			QPLLCfg: 0x680181, QPLLFBDiv: 0x120, PMARsv: 0x1e7080,
			RxClk25Div: 5, TxClk25Div: 5, RxOutDiv: 4, TxOutDiv: 4,
			RxCDRCfg: cdr2G5,
		},
		{
			LaneRate: 2500e6, RefClock: 125e6, Class: "2G5",
			QPLLCfg: 0x680181, QPLLFBDiv: 0x120, PMARsv: 0x1e7080,
			RxClk25Div: 5, TxClk25Div: 5, RxOutDiv: 4, TxOutDiv: 4,
			RxCDRCfg: cdr2G5,
		},
		{
			LaneRate: 3072e6, RefClock: 153.6e6, Class: "3G",
			QPLLCfg: 0x06801c1, QPLLFBDiv: 0x80, PMARsv: 0x18480,
			RxClk25Div: 7, TxClk25Div: 7, RxOutDiv: 2, TxOutDiv: 2,
			RxCDRCfg: cdr3G,
		},
	},
}

// N320 is the rate table of the 4-lane, 2-converter daughterboards.
// Only QPLL_CFG and the CLK25 dividers differ between its rates.
var N320 = Table{
	Name: "n320",
	Rates: []Rate{
		{
			LaneRate: 4000e6, RefClock: 200e6, Class: "4G",
			QPLLCfg: 0x6801c1, RxClk25Div: 8, TxClk25Div: 8,
		},
		{
			LaneRate: 4915.2e6, RefClock: 245.76e6, Class: "5G",
			QPLLCfg: 0x680181, RxClk25Div: 10, TxClk25Div: 10,
		},
		{
			LaneRate: 5000e6, RefClock: 250e6, Class: "5G",
			QPLLCfg: 0x680181, RxClk25Div: 10, TxClk25Div: 10,
		},
	},
}
