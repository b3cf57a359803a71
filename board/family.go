// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/go-lpc/dbinit"
	"github.com/go-lpc/dbinit/conv"
	"github.com/go-lpc/dbinit/jesd"
	"github.com/go-lpc/dbinit/lmk"
	"github.com/go-lpc/dbinit/mgt"
)

// ClockSource is the source of the reference clock of a board.
type ClockSource uint8

const (
	ClockInternal ClockSource = iota
	ClockExternal
	ClockGPSDO
	ClockNSync
	ClockMIMO
	ClockFabric
)

var clockNames = [...]string{"internal", "external", "gpsdo", "nsync", "mimo", "fabric"}

func (src ClockSource) String() string {
	if int(src) < len(clockNames) {
		return clockNames[src]
	}
	return fmt.Sprintf("ClockSource(%d)", uint8(src))
}

// ParseClockSource returns the clock source named name.
func ParseClockSource(name string) (ClockSource, error) {
	for i, v := range clockNames {
		if strings.EqualFold(v, name) {
			return ClockSource(i), nil
		}
	}
	return 0, fmt.Errorf("board: unknown clock source %q: %w", name, dbinit.ErrInvalidSource)
}

// TimeSource is the source of the PPS of a board.
type TimeSource uint8

const (
	TimeInternal TimeSource = iota
	TimeExternal
	TimeGPSDO
	TimeSFP
)

var timeNames = [...]string{"internal", "external", "gpsdo", "sfp"}

func (src TimeSource) String() string {
	if int(src) < len(timeNames) {
		return timeNames[src]
	}
	return fmt.Sprintf("TimeSource(%d)", uint8(src))
}

// ParseTimeSource returns the time source named name.
func ParseTimeSource(name string) (TimeSource, error) {
	for i, v := range timeNames {
		if strings.EqualFold(v, name) {
			return TimeSource(i), nil
		}
	}
	return 0, fmt.Errorf("board: unknown time source %q: %w", name, dbinit.ErrInvalidSource)
}

// RateProfile is a legal combination of reference clock, master clock and
// JESD204B lane rate, with the clock generator plan producing it.
type RateProfile struct {
	RefClock     float64 // reference clock (Hz)
	MasterClock  float64 // master clock rate (Hz)
	LaneRate     float64 // JESD204B lane rate (bit/s)
	LMFCDivider  uint32
	SysrefPeriod float64 // period of the SYSREF pulser (s)

	Plan lmk.Plan
}

func (p RateProfile) String() string {
	return fmt.Sprintf(
		"ref=%vMHz mcr=%vMHz lane=%vGbps",
		p.RefClock/1e6, p.MasterClock/1e6, p.LaneRate/1e9,
	)
}

// clocking describes how a family derives its clocks from the master clock
// rate.
type clocking struct {
	MasterClock float64
	VCXO        float64

	PLL2Prescaler uint32
	PLL2N         uint32
	ConvDiv       uint32
	FPGADiv       uint32
}

// Family describes a family of daughterboards sharing a JESD204B link
// layout and a clocking scheme.
type Family struct {
	Name string

	// JESD204B link parameters
	L, M, F, S, N int

	// ClockMultiplier is the ratio of the converter rate to the master
	// clock rate.
	ClockMultiplier float64

	RefClocks    []float64 // legal reference clock frequencies (Hz)
	ClockSources []ClockSource
	TimeSources  []TimeSource

	// InternalClockExtTime allows an external PPS with the internal
	// reference clock.
	InternalClockExtTime bool

	Rates mgt.Table
	LMFC  jesd.LMFC
	Phy   mgt.TxPhy

	ADC conv.Mode
	DAC conv.DACMode

	clocks []clocking
}

// N310 is the family of 4-lane, 4-converter daughterboards.
var N310 = Family{
	Name: "n310",
	L:    4, M: 4, F: 2, S: 1, N: 16,
	ClockMultiplier: 1,
	RefClocks:       []float64{10e6, 20e6, 25e6},
	ClockSources:    []ClockSource{ClockInternal, ClockExternal, ClockGPSDO, ClockMIMO},
	TimeSources:     []TimeSource{TimeInternal, TimeExternal, TimeGPSDO, TimeSFP},
	Rates:           mgt.N310,
	LMFC:            jesd.LMFC{Divider: 20, RxDelay: 8, TxDelay: 11},
	Phy:             mgt.TxPhy{Swing: 0xf, Precursor: 0x00, Postcursor: 0x00},
	ADC:             conv.DefaultMode,
	DAC:             conv.DACMode{SerDesMult: 5, K: 16, L: 4, M: 4},
	clocks: []clocking{
		{MasterClock: 122.88e6, VCXO: 122.88e6, PLL2Prescaler: 3, PLL2N: 8, ConvDiv: 24, FPGADiv: 24},
		{MasterClock: 125e6, VCXO: 100e6, PLL2Prescaler: 5, PLL2N: 5, ConvDiv: 20, FPGADiv: 20},
		{MasterClock: 153.6e6, VCXO: 122.88e6, PLL2Prescaler: 5, PLL2N: 5, ConvDiv: 20, FPGADiv: 20},
	},
}

// N320 is the family of 4-lane, 2-converter daughterboards whose
// converters run at twice the master clock rate.
var N320 = Family{
	Name: "n320",
	L:    4, M: 2, F: 1, S: 1, N: 16,
	ClockMultiplier:      2,
	RefClocks:            []float64{10e6, 20e6, 25e6},
	ClockSources:         []ClockSource{ClockInternal, ClockExternal, ClockGPSDO, ClockNSync},
	TimeSources:          []TimeSource{TimeInternal, TimeExternal, TimeGPSDO, TimeSFP},
	InternalClockExtTime: true,
	Rates:                mgt.N320,
	LMFC:                 jesd.LMFC{Divider: 20, RxDelay: 8, TxDelay: 11},
	Phy:                  mgt.TxPhy{Swing: 0xf, Precursor: 0x00, Postcursor: 0x00},
	ADC:                  conv.DefaultMode,
	DAC:                  conv.DefaultDACMode,
	clocks: []clocking{
		{MasterClock: 200e6, VCXO: 100e6, PLL2Prescaler: 3, PLL2N: 8, ConvDiv: 6, FPGADiv: 12},
		{MasterClock: 245.76e6, VCXO: 122.88e6, PLL2Prescaler: 3, PLL2N: 8, ConvDiv: 6, FPGADiv: 12},
		{MasterClock: 250e6, VCXO: 100e6, PLL2Prescaler: 5, PLL2N: 5, ConvDiv: 5, FPGADiv: 10},
	},
}

// Families lists the known board families.
var Families = map[string]Family{
	N310.Name: N310,
	N320.Name: N320,
}

// LookupFamily returns the family named name.
func LookupFamily(name string) (Family, error) {
	fam, ok := Families[strings.ToLower(name)]
	if !ok {
		names := make([]string, 0, len(Families))
		for k := range Families {
			names = append(names, k)
		}
		sort.Strings(names)
		return Family{}, fmt.Errorf("board: unknown family %q (known: %s)", name, strings.Join(names, ", "))
	}
	return fam, nil
}

func near(a, b float64) bool {
	return math.Abs(a-b) <= 1e-6*math.Max(math.Abs(a), math.Abs(b))
}

// LaneRate returns the JESD204B lane rate for the master clock rate mcr.
func (fam Family) LaneRate(mcr float64) float64 {
	conv := mcr * fam.ClockMultiplier
	return conv * float64(fam.M) * float64(fam.N) * 10 / 8 / float64(fam.L*fam.S)
}

// MasterClocks returns the legal master clock rates of the family.
func (fam Family) MasterClocks() []float64 {
	out := make([]float64, len(fam.clocks))
	for i, c := range fam.clocks {
		out[i] = c.MasterClock
	}
	return out
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Profile returns the rate profile for the provided reference clock and
// master clock rate.
// Profile fails with ErrUnsupportedRate when the family has no such
// profile, or when its transceivers can not run at the resulting lane rate.
func (fam Family) Profile(ref, mcr float64) (RateProfile, error) {
	var (
		clk *clocking
		ok  bool
	)
	for i := range fam.clocks {
		if near(fam.clocks[i].MasterClock, mcr) {
			clk = &fam.clocks[i]
			break
		}
	}
	for _, v := range fam.RefClocks {
		if near(v, ref) {
			ok = true
			break
		}
	}
	if clk == nil || !ok {
		return RateProfile{}, fmt.Errorf(
			"board: %s: no rate profile for ref=%v MHz, mcr=%v MHz: %w",
			fam.Name, ref/1e6, mcr/1e6, dbinit.ErrUnsupportedRate,
		)
	}

	lane := fam.LaneRate(clk.MasterClock)
	fpga := clk.VCXO * float64(clk.PLL2Prescaler) * float64(clk.PLL2N) / float64(clk.FPGADiv)
	_, err := fam.Rates.Lookup(lane, fpga)
	if err != nil {
		return RateProfile{}, err
	}

	// PLL1 compares the reference and the VCXO at their common divisor.
	pfd := gcd(uint64(math.Round(ref)), uint64(math.Round(clk.VCXO)))
	plan := lmk.Plan{
		VCXO:            clk.VCXO,
		Ref:             ref,
		ClkinR:          uint32(uint64(math.Round(ref)) / pfd),
		PLL1N:           uint32(uint64(math.Round(clk.VCXO)) / pfd),
		PLL2R:           1,
		PLL2Prescaler:   clk.PLL2Prescaler,
		PLL2N:           clk.PLL2N,
		ConvDiv:         clk.ConvDiv,
		FPGADiv:         clk.FPGADiv,
		SysrefDiv:       clk.ConvDiv * 40,
		FPGASysrefDelay: 1,
	}
	err = plan.Validate()
	if err != nil {
		return RateProfile{}, fmt.Errorf("board: %s: invalid clock plan for mcr=%v MHz: %w", fam.Name, mcr/1e6, err)
	}

	return RateProfile{
		RefClock:     ref,
		MasterClock:  clk.MasterClock,
		LaneRate:     lane,
		LMFCDivider:  fam.LMFC.Divider,
		SysrefPeriod: float64(plan.SysrefDiv) / plan.VCOFreq(),
		Plan:         plan,
	}, nil
}

// MGTRefClock returns the transceiver reference clock of a profile.
func (p RateProfile) MGTRefClock() float64 {
	return p.Plan.VCOFreq() / float64(p.Plan.FPGADiv)
}

// CheckSources verifies the clock and time sources are legal and
// compatible on the family.
func (fam Family) CheckSources(clk ClockSource, tm TimeSource) error {
	okClk := false
	for _, v := range fam.ClockSources {
		okClk = okClk || v == clk
	}
	if !okClk {
		return fmt.Errorf("board: %s: clock source %v not supported: %w", fam.Name, clk, dbinit.ErrInvalidSource)
	}
	okTime := false
	for _, v := range fam.TimeSources {
		okTime = okTime || v == tm
	}
	if !okTime {
		return fmt.Errorf("board: %s: time source %v not supported: %w", fam.Name, tm, dbinit.ErrInvalidSource)
	}

	switch tm {
	case TimeExternal:
		switch {
		case clk == ClockExternal || clk == ClockGPSDO:
		case clk == ClockInternal && fam.InternalClockExtTime:
		default:
			return fmt.Errorf(
				"board: %s: external time requires an external or gpsdo clock (clock=%v): %w",
				fam.Name, clk, dbinit.ErrInvalidSource,
			)
		}
	case TimeGPSDO:
		if clk != ClockGPSDO {
			return fmt.Errorf(
				"board: %s: gpsdo time requires the gpsdo clock (clock=%v): %w",
				fam.Name, clk, dbinit.ErrInvalidSource,
			)
		}
	}
	return nil
}

// input returns the clock generator input fed by the clock source.
func (fam Family) input(src ClockSource) lmk.Input {
	if src == ClockNSync {
		return lmk.CLKin1
	}
	return lmk.CLKin0
}
