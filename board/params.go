// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// InitCals is a set of RFIC initialization calibrations.
type InitCals uint32

const (
	CalTxBBFilter          InitCals = 0x0001
	CalADCTuner            InitCals = 0x0002
	CalTIA3dBCorner        InitCals = 0x0004
	CalDCOffset            InitCals = 0x0008
	CalTxAttenuationDelay  InitCals = 0x0010
	CalRxGainDelay         InitCals = 0x0020
	CalFlash               InitCals = 0x0040
	CalPathDelay           InitCals = 0x0080
	CalTxLOLeakageInternal InitCals = 0x0100
	CalTxLOLeakageExternal InitCals = 0x0200
	CalTxQECInit           InitCals = 0x0400
	CalLoopbackRxLODelay   InitCals = 0x0800
	CalLoopbackRxQECInit   InitCals = 0x1000
	CalRxLODelay           InitCals = 0x2000
	CalRxQECInit           InitCals = 0x4000

	CalOff     InitCals = 0x0000
	CalBasic   InitCals = 0x004f
	CalDefault InitCals = 0x4dff
	CalAll     InitCals = 0x7dff
)

var initCalNames = map[string]InitCals{
	"TX_BB_FILTER":            CalTxBBFilter,
	"ADC_TUNER":               CalADCTuner,
	"TIA_3DB_CORNER":          CalTIA3dBCorner,
	"DC_OFFSET":               CalDCOffset,
	"TX_ATTENUATION_DELAY":    CalTxAttenuationDelay,
	"RX_GAIN_DELAY":           CalRxGainDelay,
	"FLASH_CAL":               CalFlash,
	"PATH_DELAY":              CalPathDelay,
	"TX_LO_LEAKAGE_INTERNAL":  CalTxLOLeakageInternal,
	"TX_LO_LEAKAGE_EXTERNAL":  CalTxLOLeakageExternal,
	"TX_QEC_INIT":             CalTxQECInit,
	"LOOPBACK_RX_LO_DELAY":    CalLoopbackRxLODelay,
	"LOOPBACK_RX_RX_QEC_INIT": CalLoopbackRxQECInit,
	"RX_LO_DELAY":             CalRxLODelay,
	"RX_QEC_INIT":             CalRxQECInit,
	"OFF":                     CalOff,
	"BASIC":                   CalBasic,
	"DEFAULT":                 CalDefault,
	"ALL":                     CalAll,
}

func (c InitCals) String() string { return fmt.Sprintf("0x%04x", uint32(c)) }

// ParseInitCals parses a '|'-separated list of calibration names or
// numeric masks.
func ParseInitCals(s string) (InitCals, error) {
	v, err := parseFlags(s, func(name string) (uint32, bool) {
		c, ok := initCalNames[name]
		return uint32(c), ok
	})
	return InitCals(v), err
}

// TrackingCals is a set of RFIC tracking calibrations.
type TrackingCals uint32

const (
	TrackRx1QEC  TrackingCals = 0x01
	TrackRx2QEC  TrackingCals = 0x02
	TrackORx1QEC TrackingCals = 0x04
	TrackORx2QEC TrackingCals = 0x08
	TrackTx1LOL  TrackingCals = 0x10
	TrackTx2LOL  TrackingCals = 0x20
	TrackTx1QEC  TrackingCals = 0x40
	TrackTx2QEC  TrackingCals = 0x80

	TrackOff     TrackingCals = 0x00
	TrackDefault TrackingCals = 0xc3
	TrackAll     TrackingCals = 0xf3
)

var trackingCalNames = map[string]TrackingCals{
	"TRACK_RX1_QEC":  TrackRx1QEC,
	"TRACK_RX2_QEC":  TrackRx2QEC,
	"TRACK_ORX1_QEC": TrackORx1QEC,
	"TRACK_ORX2_QEC": TrackORx2QEC,
	"TRACK_TX1_LOL":  TrackTx1LOL,
	"TRACK_TX2_LOL":  TrackTx2LOL,
	"TRACK_TX1_QEC":  TrackTx1QEC,
	"TRACK_TX2_QEC":  TrackTx2QEC,
	"OFF":            TrackOff,
	"RX_QEC":         TrackRx1QEC | TrackRx2QEC,
	"TX_QEC":         TrackTx1QEC | TrackTx2QEC,
	"TX_LOL":         TrackTx1LOL | TrackTx2LOL,
	"DEFAULT":        TrackDefault,
	"ALL":            TrackAll,
}

func (c TrackingCals) String() string { return fmt.Sprintf("0x%02x", uint32(c)) }

// ParseTrackingCals parses a '|'-separated list of tracking calibration
// names or numeric masks.
func ParseTrackingCals(s string) (TrackingCals, error) {
	v, err := parseFlags(s, func(name string) (uint32, bool) {
		c, ok := trackingCalNames[name]
		return uint32(c), ok
	})
	return TrackingCals(v), err
}

func parseFlags(s string, lookup func(name string) (uint32, bool)) (uint32, error) {
	var out uint32
	for _, tok := range strings.Split(s, "|") {
		tok = strings.ToUpper(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		if v, ok := lookup(tok); ok {
			out |= v
			continue
		}
		v, err := strconv.ParseUint(tok, 0, 32)
		if err != nil {
			return 0, fmt.Errorf("board: unknown calibration %q", tok)
		}
		out |= uint32(v)
	}
	return out, nil
}

// CalNames returns the sorted names of the known initialization
// calibrations.
func CalNames() []string {
	out := make([]string, 0, len(initCalNames))
	for k := range initCalNames {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DefaultInitCalsTimeout is the default timeout of the RFIC initialization
// calibrations.
const DefaultInitCalsTimeout = 60 * time.Second

// Params are the parameters of a bringup.
type Params struct {
	ClockSource ClockSource
	TimeSource  TimeSource
	RefClock    float64 // reference clock (Hz)
	MasterClock float64 // master clock rate (Hz)

	// FastReinit hints that nothing relevant changed since the last
	// bringup.
	FastReinit bool

	TxBandwidth float64 // analog TX bandwidth (Hz), 0 when unset
	RxBandwidth float64 // analog RX bandwidth (Hz), 0 when unset

	InitCals        InitCals
	TrackingCals    TrackingCals
	InitCalsTimeout time.Duration

	RxLOSource string
	TxLOSource string

	DigitalLoopback bool

	RxEyeScan bool // run the RX eye scan harness
	TxPRBS    bool // run the TX PRBS harness
}

// DefaultParams returns the parameters of a bringup with the internal
// clock and time sources, for the provided reference and master clocks.
func DefaultParams(ref, mcr float64) Params {
	return Params{
		ClockSource:     ClockInternal,
		TimeSource:      TimeInternal,
		RefClock:        ref,
		MasterClock:     mcr,
		InitCals:        CalDefault,
		TrackingCals:    TrackDefault,
		InitCalsTimeout: DefaultInitCalsTimeout,
		RxLOSource:      "internal",
		TxLOSource:      "internal",
	}
}

func (p Params) normalize() Params {
	if p.InitCalsTimeout <= 0 {
		p.InitCalsTimeout = DefaultInitCalsTimeout
	}
	if p.RxLOSource == "" {
		p.RxLOSource = "internal"
	}
	if p.TxLOSource == "" {
		p.TxLOSource = "internal"
	}
	p.RxLOSource = strings.ToLower(p.RxLOSource)
	p.TxLOSource = strings.ToLower(p.TxLOSource)
	return p
}

func (p Params) validate() error {
	switch {
	case p.TxBandwidth < 0:
		return fmt.Errorf("board: invalid TX bandwidth %v", p.TxBandwidth)
	case p.RxBandwidth < 0:
		return fmt.Errorf("board: invalid RX bandwidth %v", p.RxBandwidth)
	}
	for _, lo := range []string{p.RxLOSource, p.TxLOSource} {
		switch lo {
		case "internal", "external":
		default:
			return fmt.Errorf("board: invalid LO source %q", lo)
		}
	}
	return nil
}

// changed returns the names of the parameters any change of which forces
// a full bringup, and that differ between old and p.
// Digital loopback always forces a full bringup.
func (p Params) changed(old Params) []string {
	var out []string
	for _, v := range []struct {
		name string
		diff bool
	}{
		{"init_cals", p.InitCals != old.InitCals},
		{"tracking_cals", p.TrackingCals != old.TrackingCals},
		{"init_cals_timeout", p.InitCalsTimeout != old.InitCalsTimeout},
		{"rx_lo_source", p.RxLOSource != old.RxLOSource},
		{"tx_lo_source", p.TxLOSource != old.TxLOSource},
		{"digital_loopback", p.DigitalLoopback || old.DigitalLoopback},
		{"clock_source", p.ClockSource != old.ClockSource},
		{"time_source", p.TimeSource != old.TimeSource},
		{"rate_profile", p.RefClock != old.RefClock || p.MasterClock != old.MasterClock},
	} {
		if v.diff {
			out = append(out, v.name)
		}
	}
	return out
}
