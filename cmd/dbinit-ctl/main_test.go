// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/go-lpc/dbinit"
	"github.com/go-lpc/dbinit/board"
	"github.com/go-lpc/dbinit/internal/fakeboard"
	"github.com/go-lpc/dbinit/jesd"
	"github.com/go-lpc/dbinit/rap"
	"github.com/go-lpc/dbinit/tdc"
	"github.com/google/gousb"
	mail "gopkg.in/gomail.v2"
)

const testConfig = `{
  "family": "n320",
  "caldb": {"user": "dbinit", "host": "db.lab:3306", "name": "caldb"},
  "mail": {"server": "smtp.lab", "user": "radio@lab", "password": "s3cr3t", "to": ["ops@lab"]},
  "slots": [
    {
      "slot": 0, "serial": "3158a4e",
      "fpga": "uio:/dev/uio0", "lmk": "spidev:/dev/spidev0.0",
      "phase_dac": "i2c:3:12", "adc": "spidev:/dev/spidev0.1", "dac": "spidev:/dev/spidev0.2"
    },
    {
      "slot": 1, "serial": "3158a4f", "tdc_base": 16384,
      "fpga": "uio:/dev/uio1:65536", "lmk": "ftdi:0403:6014",
      "phase_dac": "i2c:4:12", "phase_dac_addr": 3,
      "adc": "spidev:/dev/spidev1.1", "dac": "spidev:/dev/spidev1.2"
    }
  ]
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	fname := filepath.Join(t.TempDir(), "dbinit.json")
	err := os.WriteFile(fname, []byte(content), 0644)
	if err != nil {
		t.Fatalf("could not write config file: %+v", err)
	}
	return fname
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("could not load config: %+v", err)
	}

	if got, want := cfg.Family, "n320"; got != want {
		t.Fatalf("invalid family: got=%q, want=%q", got, want)
	}
	if got, want := cfg.CalDB.Host, "db.lab:3306"; got != want {
		t.Fatalf("invalid caldb host: got=%q, want=%q", got, want)
	}
	if got, want := cfg.Mail.Port, 587; got != want {
		t.Fatalf("invalid default mail port: got=%d, want=%d", got, want)
	}
	if !cfg.Mail.valid() {
		t.Fatalf("invalid mail config: %+v", cfg.Mail)
	}
	want := []SlotConfig{
		{
			Slot: 0, Serial: "3158a4e", FPGA: "uio:/dev/uio0", TDCBase: defaultTDCBase,
			LMK: "spidev:/dev/spidev0.0", PhaseDAC: "i2c:3:12",
			ADC: "spidev:/dev/spidev0.1", DAC: "spidev:/dev/spidev0.2",
		},
		{
			Slot: 1, Serial: "3158a4f", FPGA: "uio:/dev/uio1:65536", TDCBase: 0x4000,
			LMK: "ftdi:0403:6014", PhaseDAC: "i2c:4:12", PhaseDACAddr: 0x3,
			ADC: "spidev:/dev/spidev1.1", DAC: "spidev:/dev/spidev1.2",
		},
	}
	if !reflect.DeepEqual(cfg.Slots, want) {
		t.Fatalf("invalid slots:\ngot= %+v\nwant=%+v", cfg.Slots, want)
	}

	sel, err := cfg.selectSlots([]int{1})
	if err != nil {
		t.Fatalf("could not select slot: %+v", err)
	}
	if len(sel) != 1 || sel[0].Serial != "3158a4f" {
		t.Fatalf("invalid selection: %+v", sel)
	}
	_, err = cfg.selectSlots([]int{2})
	if err == nil {
		t.Fatalf("expected an error for an unknown slot")
	}

	for _, tc := range []struct {
		name string
		cfg  string
	}{
		{"no-slot", `{"family": "n310"}`},
		{"dup-slot", `{"slots": [{"slot": 0}, {"slot": 0}]}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tc.cfg))
			if err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

type openCall struct {
	kind string
	args string
}

func TestOpenBackend(t *testing.T) {
	var (
		calls = []openCall{}

		oldMMIO  = openMMIO
		oldSPI   = openSPI
		oldMPSSE = openMPSSE
		oldI2C   = openI2C
	)
	defer func() {
		openMMIO = oldMMIO
		openSPI = oldSPI
		openMPSSE = oldMPSSE
		openI2C = oldI2C
	}()

	fb := fakeboard.New(0, jesd.Compat, tdc.Compat)
	openMMIO = func(fname string, size int) (rap.Backend, error) {
		calls = append(calls, openCall{"uio", fmt.Sprintf("%s %d", fname, size)})
		return fb.FPGA, nil
	}
	openSPI = func(fname string, cfg rap.SPIConfig) (rap.Backend, error) {
		calls = append(calls, openCall{"spidev", fmt.Sprintf("%s %d/%d", fname, cfg.AddrBits, cfg.DataBits)})
		return fb.LMK, nil
	}
	openMPSSE = func(vid, pid uint16, cfg rap.SPIConfig) (rap.Backend, error) {
		calls = append(calls, openCall{"ftdi", fmt.Sprintf("%04x:%04x", vid, pid)})
		return fb.LMK, nil
	}
	openI2C = func(bus int, addr uint8) (rap.Backend, error) {
		calls = append(calls, openCall{"i2c", fmt.Sprintf("%d 0x%02x", bus, addr)})
		return fb.PhaseDAC, nil
	}

	for _, spec := range []string{
		"uio:/dev/uio0",
		"uio:/dev/uio1:0x4000",
		"spidev:/dev/spidev0.2",
		"ftdi:0403:6010",
		"i2c:3:0x0c",
	} {
		_, err := openBackend(spec, dacSPI)
		if err != nil {
			t.Fatalf("could not open backend %q: %+v", spec, err)
		}
	}
	want := []openCall{
		{"uio", "/dev/uio0 65536"},
		{"uio", "/dev/uio1 16384"},
		{"spidev", "/dev/spidev0.2 8/16"},
		{"ftdi", "0403:6010"},
		{"i2c", "3 0x0c"},
	}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("invalid backend calls:\ngot= %v\nwant=%v", calls, want)
	}

	for _, spec := range []string{
		"", "uio:", "pcie:/dev/xdma0", "ftdi:0403", "ftdi:xyz:6010",
		"i2c:3", "i2c:x:0x0c", "i2c:3:0x1ff", "uio:/dev/uio0:big",
	} {
		_, err := openBackend(spec, lmkSPI)
		if err == nil {
			t.Errorf("expected an error for %q", spec)
		}
	}

	// FPGA registers must be memory-mapped.
	_, err := openPortsImpl(SlotConfig{Slot: 0, FPGA: "uio:/dev/uio0"})
	if err == nil {
		t.Fatalf("expected an error for non memory-mapped FPGA registers")
	}
}

func TestInitParams(t *testing.T) {
	args := initFlags{
		ref: 20e6, mcr: 245.76e6,
		clock: "external", tm: "external",
		cals: "BASIC|TX_QEC_INIT", tracking: "OFF",
		fast: true, prbs: true,
		calTimeout: board.DefaultInitCalsTimeout,
	}
	p, err := args.params()
	if err != nil {
		t.Fatalf("could not build params: %+v", err)
	}
	want := board.DefaultParams(20e6, 245.76e6)
	want.ClockSource = board.ClockExternal
	want.TimeSource = board.TimeExternal
	want.InitCals = board.CalBasic | board.CalTxQECInit
	want.TrackingCals = board.TrackOff
	want.FastReinit = true
	want.TxPRBS = true
	if !reflect.DeepEqual(p, want) {
		t.Fatalf("invalid params:\ngot= %+v\nwant=%+v", p, want)
	}

	for _, mod := range []func(f *initFlags){
		func(f *initFlags) { f.clock = "atomic" },
		func(f *initFlags) { f.tm = "ntp" },
		func(f *initFlags) { f.cals = "WARP_CORE" },
		func(f *initFlags) { f.tracking = "TRACK_ALL_THE_THINGS" },
	} {
		f := args
		mod(&f)
		_, err := f.params()
		if err == nil {
			t.Errorf("expected an error for %+v", f)
		}
	}
}

func newTestShell(t *testing.T) (*shell, *fakeboard.Board, *bytes.Buffer) {
	t.Helper()
	fb := fakeboard.New(0, jesd.Compat, tdc.Compat)
	ports := board.Ports{
		FPGA:     rap.NewPort("fpga", fb.FPGA),
		TDC:      rap.NewPort("tdc", fb.TDC),
		LMK:      rap.NewPort("lmk", fb.LMK),
		PhaseDAC: rap.NewPort("phase-dac", fb.PhaseDAC),
		ADC:      rap.NewPort("adc", fb.ADC),
		DAC:      rap.NewPort("dac", fb.DAC),
	}
	out := new(bytes.Buffer)
	brd, err := board.New(0, board.N310, ports, board.WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("could not create board: %+v", err)
	}
	return newShell(brd, ports, out), fb, out
}

func TestShell(t *testing.T) {
	sh, fb, out := newTestShell(t)

	fb.FPGA.Set(0x2100, 0x4a455344)
	for _, tc := range []struct {
		line string
		want string
		quit bool
	}{
		{line: ""},
		{line: "# a comment"},
		{line: "peek32 fpga 0x2100", want: "fpga[0x2100] = 0x4a455344\n"},
		{line: "poke16 dac 0x02 0x2080"},
		{line: "peek16 dac 2", want: "dac[0x0002] = 0x2080\n"},
		{line: "poke8 lmk 0x13e 3"},
		{line: "peek8 lmk 0x13e", want: "lmk[0x013e] = 0x03\n"},
		{line: "phase 31000"},
		{line: "ports", want: "adc dac fpga lmk phase-dac tdc\n"},
		{line: "quit", quit: true},
		{line: "exit", quit: true},
	} {
		out.Reset()
		quit, err := sh.exec(tc.line)
		if err != nil {
			t.Fatalf("%q: could not run command: %+v", tc.line, err)
		}
		if quit != tc.quit {
			t.Fatalf("%q: invalid quit state: got=%v, want=%v", tc.line, quit, tc.quit)
		}
		if got := out.String(); got != tc.want {
			t.Fatalf("%q: invalid output:\ngot= %q\nwant=%q", tc.line, got, tc.want)
		}
	}

	if got, want := fb.PhaseDAC.Get(0), uint32(31000); got != want {
		t.Fatalf("invalid phase DAC code: got=%d, want=%d", got, want)
	}

	out.Reset()
	_, err := sh.exec("help")
	if err != nil || !strings.Contains(out.String(), "poke8|poke16|poke32") {
		t.Fatalf("invalid help: %q (err=%v)", out.String(), err)
	}

	for _, line := range []string{
		"peek32 gpu 0x0",
		"peek64 fpga 0x0",
		"poke32 fpga 0x2000",
		"phase",
		"frobnicate",
	} {
		_, err := sh.exec(line)
		if err == nil {
			t.Errorf("%q: expected an error", line)
		}
	}

	_, err = sh.exec("sysref")
	if !errors.Is(err, dbinit.ErrChipState) {
		t.Fatalf("invalid sysref error before bringup: %+v", err)
	}
}

func TestShellComplete(t *testing.T) {
	sh, _, _ := newTestShell(t)
	for _, tc := range []struct {
		line string
		want []string
	}{
		{"pe", []string{"peek8", "peek16", "peek32"}},
		{"st", []string{"status"}},
		{"poke8 ", []string{"poke8 adc", "poke8 dac", "poke8 fpga", "poke8 lmk", "poke8 phase-dac", "poke8 tdc"}},
		{"zz", nil},
	} {
		got := sh.complete(tc.line)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("%q: got=%q, want=%q", tc.line, got, tc.want)
		}
	}
}

func TestPrintStatus(t *testing.T) {
	sh, _, out := newTestShell(t)
	ok, err := printStatus(out, sh.brd)
	if err != nil {
		t.Fatalf("could not print status: %+v", err)
	}
	if ok {
		t.Fatalf("links reported up before bringup")
	}
	for _, want := range []string{"slot 0 (n310):", "framer:", "deframer:", "lane 3:"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("missing %q in status:\n%s", want, out.String())
		}
	}
}

func TestAlert(t *testing.T) {
	defer func(f func(MailConfig, *mail.Message) error) { sendMail = f }(sendMail)

	var (
		sent []*mail.Message
		cfg  = MailConfig{Server: "smtp.lab", Port: 587, User: "radio@lab", To: []string{"ops@lab", "oncall@lab"}}
		p    = board.DefaultParams(10e6, 125e6)
		berr = &board.BringupError{Slot: 1, Phase: board.PhaseSync, Err: dbinit.ErrSync}
	)
	sendMail = func(cfg MailConfig, msg *mail.Message) error {
		sent = append(sent, msg)
		return nil
	}

	alert(MailConfig{}, p, berr)
	if len(sent) != 0 {
		t.Fatalf("alert sent without credentials")
	}

	alert(cfg, p, fmt.Errorf("could not initialize daughterboards: %w", berr))
	if len(sent) != 1 {
		t.Fatalf("invalid number of alerts: %d", len(sent))
	}
	msg := sent[0]
	if got, want := msg.GetHeader("Subject"), []string{"[dbinit-ctl] slot 1: bringup failure (clock-sync)"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid subject: got=%q, want=%q", got, want)
	}
	if got, want := msg.GetHeader("Bcc"), cfg.To; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid recipients: got=%q, want=%q", got, want)
	}

	buf := new(bytes.Buffer)
	_, err := msg.WriteTo(buf)
	if err != nil {
		t.Fatalf("could not write message: %+v", err)
	}
	for _, want := range []string{"slot:  1", "phase: clock-sync", "ref:   10 MHz", "mcr:   125 MHz"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("missing %q in message:\n%s", want, buf.String())
		}
	}
}

func TestAdapters(t *testing.T) {
	for _, tc := range []struct {
		desc gousb.DeviceDesc
		want Adapter
		ok   bool
	}{
		{
			desc: gousb.DeviceDesc{Bus: 1, Address: 4, Vendor: 0x0403, Product: 0x6014},
			want: Adapter{Vendor: 0x0403, Product: 0x6014, Bus: 1, Address: 4, Chip: "FT232H"},
			ok:   true,
		},
		{desc: gousb.DeviceDesc{Vendor: 0x0403, Product: 0x6001}},
		{desc: gousb.DeviceDesc{Vendor: 0x1366, Product: 0x0101}},
	} {
		got, ok := classifyAdapter(&tc.desc)
		if ok != tc.ok || got != tc.want {
			t.Errorf("%v:%v: got=%+v (ok=%v), want=%+v (ok=%v)", tc.desc.Vendor, tc.desc.Product, got, ok, tc.want, tc.ok)
		}
	}

	out := new(bytes.Buffer)
	printAdapters(out, []Adapter{{Vendor: 0x0403, Product: 0x6010, Bus: 2, Address: 7, Chip: "FT2232H"}})
	if got, want := out.String(), "bus=002 addr=007 FT2232H  ftdi:0403:6010\n"; got != want {
		t.Fatalf("invalid output:\ngot= %q\nwant=%q", got, want)
	}

	out.Reset()
	printAdapters(out, nil)
	if got, want := out.String(), "no FTDI adapter found\n"; got != want {
		t.Fatalf("invalid output: got=%q, want=%q", got, want)
	}
}
