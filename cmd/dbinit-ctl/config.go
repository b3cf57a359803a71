// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-lpc/dbinit/board"
	"github.com/go-lpc/dbinit/caldb"
	"github.com/go-lpc/dbinit/rap"
	"github.com/spf13/viper"
)

// Config is the content of the dbinit configuration file.
type Config struct {
	Family string       `mapstructure:"family"`
	Slots  []SlotConfig `mapstructure:"slots"`
	CalDB  caldb.Config `mapstructure:"caldb"`
	Mail   MailConfig   `mapstructure:"mail"`
}

// SlotConfig describes how the chips of a slot are reached.
//
// Chips are described by a backend spec:
//
//	uio:/dev/uio0[:size]     memory-mapped FPGA registers
//	spidev:/dev/spidev0.1    Linux SPI master
//	ftdi:0403:6014           MPSSE SPI master of an FTDI adapter
//	i2c:3:0x0c               7-bit device 0x0c on /dev/i2c-3
type SlotConfig struct {
	Slot     int    `mapstructure:"slot"`
	Serial   string `mapstructure:"serial"`
	FPGA     string `mapstructure:"fpga"`
	TDCBase  uint32 `mapstructure:"tdc_base"`
	LMK      string `mapstructure:"lmk"`
	PhaseDAC string `mapstructure:"phase_dac"`
	ADC      string `mapstructure:"adc"`
	DAC      string `mapstructure:"dac"`

	// PhaseDACAddr is the register of the phase DAC holding its code.
	PhaseDACAddr uint32 `mapstructure:"phase_dac_addr"`
}

// MailConfig describes the SMTP relay used for bringup failure alerts.
type MailConfig struct {
	Server   string   `mapstructure:"server"`
	Port     int      `mapstructure:"port"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
	To       []string `mapstructure:"to"`
}

func (cfg MailConfig) valid() bool {
	return cfg.Server != "" && cfg.Port != 0 && cfg.User != "" && len(cfg.To) > 0
}

const defaultTDCBase = 0x8000

func loadConfig(fname string) (Config, error) {
	v := viper.New()
	v.SetDefault("family", board.N310.Name)
	v.SetDefault("caldb.host", "localhost:3306")
	v.SetDefault("caldb.name", "dbinit")
	v.SetDefault("mail.port", 587)

	switch fname {
	case "":
		v.SetConfigName("dbinit")
		v.AddConfigPath("/etc/dbinit")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "dbinit"))
		}
		v.AddConfigPath(".")
	default:
		v.SetConfigFile(fname)
	}

	var cfg Config
	err := v.ReadInConfig()
	if err != nil {
		return cfg, fmt.Errorf("could not read configuration: %w", err)
	}

	err = v.Unmarshal(&cfg)
	if err != nil {
		return cfg, fmt.Errorf("could not decode configuration: %w", err)
	}

	if len(cfg.Slots) == 0 {
		return cfg, fmt.Errorf("no slot configured in %q", v.ConfigFileUsed())
	}
	seen := make(map[int]bool)
	for i := range cfg.Slots {
		slot := &cfg.Slots[i]
		if seen[slot.Slot] {
			return cfg, fmt.Errorf("slot %d configured twice", slot.Slot)
		}
		seen[slot.Slot] = true
		if slot.TDCBase == 0 {
			slot.TDCBase = defaultTDCBase
		}
	}
	return cfg, nil
}

// selectSlots returns the configuration of the requested slots, or of all
// the slots when none is requested.
func (cfg Config) selectSlots(ids []int) ([]SlotConfig, error) {
	if len(ids) == 0 {
		return cfg.Slots, nil
	}
	out := make([]SlotConfig, 0, len(ids))
	for _, id := range ids {
		found := false
		for _, slot := range cfg.Slots {
			if slot.Slot == id {
				out = append(out, slot)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("slot %d not configured", id)
		}
	}
	return out, nil
}

// SPI framings of the chips.
var (
	lmkSPI = rap.SPIConfig{SpeedHz: 1e6, AddrBits: 16, DataBits: 8, ReadFlag: 1 << 23}
	adcSPI = rap.SPIConfig{SpeedHz: 1e6, AddrBits: 16, DataBits: 8, ReadFlag: 1 << 23}
	dacSPI = rap.SPIConfig{SpeedHz: 1e6, AddrBits: 8, DataBits: 16, ReadFlag: 1 << 23}
	pdaSPI = rap.SPIConfig{SpeedHz: 1e6, Mode: 1, AddrBits: 8, DataBits: 16}
)

const defaultUIOSize = 0x10000

var (
	openMMIO  = func(fname string, size int) (rap.Backend, error) { return rap.OpenMMIO(fname, size) }
	openSPI   = func(fname string, cfg rap.SPIConfig) (rap.Backend, error) { return rap.OpenSPI(fname, cfg) }
	openMPSSE = func(vid, pid uint16, cfg rap.SPIConfig) (rap.Backend, error) { return rap.OpenMPSSE(vid, pid, cfg) }
	openI2C   = func(bus int, addr uint8) (rap.Backend, error) { return rap.OpenI2C(bus, addr, 1) }
)

// openBackend opens the register backend described by spec.
func openBackend(spec string, spi rap.SPIConfig) (rap.Backend, error) {
	kind, arg, ok := strings.Cut(spec, ":")
	if !ok || arg == "" {
		return nil, fmt.Errorf("invalid backend %q", spec)
	}
	switch kind {
	case "uio":
		fname, size := arg, defaultUIOSize
		if i := strings.LastIndex(arg, ":"); i > 0 {
			v, err := strconv.ParseUint(arg[i+1:], 0, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid UIO size in %q: %w", spec, err)
			}
			fname, size = arg[:i], int(v)
		}
		return openMMIO(fname, size)
	case "spidev":
		return openSPI(arg, spi)
	case "ftdi":
		vid, pid, err := parseUSBID(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid backend %q: %w", spec, err)
		}
		return openMPSSE(vid, pid, spi)
	case "i2c":
		bus, addr, ok := strings.Cut(arg, ":")
		if !ok {
			return nil, fmt.Errorf("invalid backend %q: missing I2C address", spec)
		}
		b, err := strconv.Atoi(bus)
		if err != nil {
			return nil, fmt.Errorf("invalid I2C bus in %q: %w", spec, err)
		}
		a, err := strconv.ParseUint(addr, 0, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid I2C address in %q: %w", spec, err)
		}
		return openI2C(b, uint8(a))
	default:
		return nil, fmt.Errorf("unknown backend kind %q", kind)
	}
}

func parseUSBID(s string) (vid, pid uint16, err error) {
	v, p, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid USB id %q", s)
	}
	vv, err := strconv.ParseUint(v, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid USB vendor id %q: %w", v, err)
	}
	pp, err := strconv.ParseUint(p, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid USB product id %q: %w", p, err)
	}
	return uint16(vv), uint16(pp), nil
}

var openPorts = openPortsImpl

func openPortsImpl(slot SlotConfig) (board.Ports, error) {
	var ports board.Ports

	fpga, err := openBackend(slot.FPGA, rap.SPIConfig{})
	if err != nil {
		return ports, fmt.Errorf("slot %d: could not open FPGA registers: %w", slot.Slot, err)
	}
	mmio, ok := fpga.(*rap.MMIO)
	if !ok {
		closePorts(board.Ports{FPGA: rap.NewPort("fpga", fpga)})
		return ports, fmt.Errorf("slot %d: FPGA registers must be memory-mapped", slot.Slot)
	}
	ports.FPGA = rap.NewPort("fpga", mmio)
	ports.TDC = rap.NewPort("tdc", mmio.Sub(slot.TDCBase))

	for _, chip := range []struct {
		name string
		spec string
		spi  rap.SPIConfig
		port **rap.Port
	}{
		{"lmk", slot.LMK, lmkSPI, &ports.LMK},
		{"phase-dac", slot.PhaseDAC, pdaSPI, &ports.PhaseDAC},
		{"adc", slot.ADC, adcSPI, &ports.ADC},
		{"dac", slot.DAC, dacSPI, &ports.DAC},
	} {
		be, err := openBackend(chip.spec, chip.spi)
		if err != nil {
			closePorts(ports)
			return board.Ports{}, fmt.Errorf("slot %d: could not open %s: %w", slot.Slot, chip.name, err)
		}
		*chip.port = rap.NewPort(chip.name, be)
	}
	return ports, nil
}

func closePorts(ports board.Ports) {
	for _, p := range []*rap.Port{ports.FPGA, ports.TDC, ports.LMK, ports.PhaseDAC, ports.ADC, ports.DAC} {
		if p == nil {
			continue
		}
		_ = p.Close()
	}
}
