// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/go-lpc/dbinit"
	"github.com/go-lpc/dbinit/lmk"
)

func TestParseCals(t *testing.T) {
	for _, tc := range []struct {
		s    string
		want InitCals
		err  bool
	}{
		{s: "DEFAULT", want: CalDefault},
		{s: "basic|TX_QEC_INIT", want: CalBasic | CalTxQECInit},
		{s: "0x100 | FLASH_CAL", want: 0x100 | CalFlash},
		{s: "", want: CalOff},
		{s: "BOGUS", err: true},
	} {
		got, err := ParseInitCals(tc.s)
		switch {
		case tc.err:
			if err == nil {
				t.Errorf("%q: expected an error", tc.s)
			}
		case err != nil:
			t.Errorf("%q: could not parse: %+v", tc.s, err)
		case got != tc.want:
			t.Errorf("%q: got=%v, want=%v", tc.s, got, tc.want)
		}
	}

	got, err := ParseTrackingCals("RX_QEC|TX_LOL")
	if err != nil {
		t.Fatalf("could not parse tracking cals: %+v", err)
	}
	if want := TrackRx1QEC | TrackRx2QEC | TrackTx1LOL | TrackTx2LOL; got != want {
		t.Fatalf("invalid tracking cals: got=%v, want=%v", got, want)
	}
	if names := CalNames(); len(names) != len(initCalNames) || names[0] != "ADC_TUNER" {
		t.Fatalf("invalid calibration names: %v", names)
	}
}

func TestParamsChanged(t *testing.T) {
	ref := DefaultParams(10e6, 125e6)
	for _, tc := range []struct {
		name string
		mod  func(p *Params)
		want []string
	}{
		{name: "same", mod: func(p *Params) {}},
		{name: "fast-reinit", mod: func(p *Params) { p.FastReinit = true }},
		{name: "bandwidth", mod: func(p *Params) { p.TxBandwidth = 100e6 }},
		{name: "harness", mod: func(p *Params) { p.RxEyeScan = true }},
		{name: "cals", mod: func(p *Params) { p.InitCals = CalAll }, want: []string{"init_cals"}},
		{name: "tracking", mod: func(p *Params) { p.TrackingCals = TrackOff }, want: []string{"tracking_cals"}},
		{name: "timeout", mod: func(p *Params) { p.InitCalsTimeout = time.Second }, want: []string{"init_cals_timeout"}},
		{
			name: "lo",
			mod:  func(p *Params) { p.RxLOSource = "external"; p.TxLOSource = "external" },
			want: []string{"rx_lo_source", "tx_lo_source"},
		},
		{name: "loopback", mod: func(p *Params) { p.DigitalLoopback = true }, want: []string{"digital_loopback"}},
		{name: "clock", mod: func(p *Params) { p.ClockSource = ClockExternal }, want: []string{"clock_source"}},
		{name: "time", mod: func(p *Params) { p.TimeSource = TimeExternal }, want: []string{"time_source"}},
		{name: "rate", mod: func(p *Params) { p.MasterClock = 153.6e6 }, want: []string{"rate_profile"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := ref
			tc.mod(&p)
			got := p.normalize().changed(ref.normalize())
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got=%q, want=%q", got, tc.want)
			}
		})
	}
}

func TestParamsValidate(t *testing.T) {
	p := Params{RefClock: 10e6, MasterClock: 125e6, RxLOSource: "EXTERNAL"}
	p = p.normalize()
	if p.TxLOSource != "internal" || p.RxLOSource != "external" {
		t.Fatalf("invalid LO sources: rx=%q, tx=%q", p.RxLOSource, p.TxLOSource)
	}
	if p.InitCalsTimeout != DefaultInitCalsTimeout {
		t.Fatalf("invalid timeout %v", p.InitCalsTimeout)
	}
	if err := p.validate(); err != nil {
		t.Fatalf("could not validate: %+v", err)
	}

	for _, mod := range []func(p *Params){
		func(p *Params) { p.TxBandwidth = -1 },
		func(p *Params) { p.RxBandwidth = -1 },
		func(p *Params) { p.RxLOSource = "bogus" },
	} {
		q := p
		mod(&q)
		if err := q.validate(); err == nil {
			t.Errorf("expected an error for %+v", q)
		}
	}
}

func TestProfile(t *testing.T) {
	for _, tc := range []struct {
		fam  Family
		ref  float64
		mcr  float64
		lane float64
		mgt  float64
		vco  float64
	}{
		{N310, 10e6, 122.88e6, 2457.6e6, 122.88e6, 2949.12e6},
		{N310, 10e6, 125e6, 2500e6, 125e6, 2500e6},
		{N310, 25e6, 153.6e6, 3072e6, 153.6e6, 3072e6},
		{N320, 10e6, 200e6, 4000e6, 200e6, 2400e6},
		{N320, 20e6, 245.76e6, 4915.2e6, 245.76e6, 2949.12e6},
		{N320, 10e6, 250e6, 5000e6, 250e6, 2500e6},
	} {
		prof, err := tc.fam.Profile(tc.ref, tc.mcr)
		if err != nil {
			t.Errorf("%s/%v: could not find profile: %+v", tc.fam.Name, tc.mcr, err)
			continue
		}
		if !near(prof.LaneRate, tc.lane) || !near(prof.MGTRefClock(), tc.mgt) || !near(prof.Plan.VCOFreq(), tc.vco) {
			t.Errorf(
				"%s/%v: invalid profile: lane=%v mgt=%v vco=%v",
				tc.fam.Name, tc.mcr, prof.LaneRate, prof.MGTRefClock(), prof.Plan.VCOFreq(),
			)
		}
		if !near(prof.Plan.ConvFreq(), tc.mcr*tc.fam.ClockMultiplier) {
			t.Errorf("%s/%v: invalid converter clock %v", tc.fam.Name, tc.mcr, prof.Plan.ConvFreq())
		}
		if err := prof.Plan.Validate(); err != nil {
			t.Errorf("%s/%v: invalid plan: %+v", tc.fam.Name, tc.mcr, err)
		}
	}

	for _, tc := range []struct {
		fam      Family
		ref, mcr float64
	}{
		{N310, 10e6, 200e6},
		{N310, 100e6, 125e6},
		{N320, 10e6, 125e6},
	} {
		_, err := tc.fam.Profile(tc.ref, tc.mcr)
		if !errors.Is(err, dbinit.ErrUnsupportedRate) {
			t.Errorf("%s/%v/%v: invalid error: %+v", tc.fam.Name, tc.ref, tc.mcr, err)
		}
	}

	if got := N320.input(ClockNSync); got != lmk.CLKin1 {
		t.Fatalf("invalid input for nsync: %v", got)
	}
}

func TestCheckSources(t *testing.T) {
	for _, tc := range []struct {
		fam Family
		clk ClockSource
		tm  TimeSource
		ok  bool
	}{
		{N310, ClockInternal, TimeInternal, true},
		{N310, ClockExternal, TimeExternal, true},
		{N310, ClockGPSDO, TimeExternal, true},
		{N310, ClockGPSDO, TimeGPSDO, true},
		{N310, ClockInternal, TimeExternal, false},
		{N320, ClockInternal, TimeExternal, true},
		{N310, ClockExternal, TimeGPSDO, false},
		{N310, ClockNSync, TimeInternal, false},
		{N320, ClockNSync, TimeInternal, true},
		{N320, ClockMIMO, TimeInternal, false},
		{N310, ClockFabric, TimeInternal, false},
	} {
		err := tc.fam.CheckSources(tc.clk, tc.tm)
		switch {
		case tc.ok && err != nil:
			t.Errorf("%s/%v/%v: unexpected error: %+v", tc.fam.Name, tc.clk, tc.tm, err)
		case !tc.ok && !errors.Is(err, dbinit.ErrInvalidSource):
			t.Errorf("%s/%v/%v: invalid error: %+v", tc.fam.Name, tc.clk, tc.tm, err)
		}
	}

	for _, name := range []string{"internal", "GPSDO", "nsync"} {
		if _, err := ParseClockSource(name); err != nil {
			t.Errorf("could not parse clock source %q: %+v", name, err)
		}
	}
	if _, err := ParseTimeSource("ntp"); !errors.Is(err, dbinit.ErrInvalidSource) {
		t.Fatalf("invalid error: %+v", err)
	}
	if _, err := LookupFamily("N320"); err != nil {
		t.Fatalf("could not find family: %+v", err)
	}
	if _, err := LookupFamily("x410"); err == nil {
		t.Fatalf("expected an error for an unknown family")
	}
}
