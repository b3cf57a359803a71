// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rap

import (
	"fmt"
	"io"

	"github.com/ziutek/ftdi"
)

// MPSSE commands.
const (
	mpsseDataOut     = 0x10
	mpsseDataIn      = 0x20
	mpsseDataOutFall = 0x01
	mpsseGPIOSetD    = 0x80
	mpsseLoopOff     = 0x85
	mpsseClkDivisor  = 0x86
	mpsseFlush       = 0x87
	mpsseClk30MHz    = 0x8a // disable the divide-by-5 prescaler
	mpsseClk2Phase   = 0x8d // disable 3-phase clocking
	mpsseClkNormal   = 0x97 // disable adaptive clocking
)

// ADBUS pins used by the SPI master.
const (
	pinSK = 1 << 0
	pinDO = 1 << 1
	pinCS = 1 << 3

	mpsseDir = pinSK | pinDO | pinCS
)

const mpsseBaseClock = 30e6

type ftdiDevice interface {
	Reset() error

	SetBitmode(iomask byte, mode ftdi.Mode) error
	SetLatencyTimer(lt int) error
	PurgeBuffers() error

	io.Writer
	io.Reader
	io.Closer
}

var (
	ftdiOpen = ftdiOpenImpl
)

func ftdiOpenImpl(vid, pid uint16) (ftdiDevice, error) {
	dev, err := ftdi.OpenFirst(int(vid), int(pid), ftdi.ChannelAny)
	return dev, err
}

type mpsse struct {
	ft ftdiDevice
}

// OpenMPSSE opens the first FTDI adapter matching (vid, pid) and uses its
// MPSSE engine as a SPI master for a chip with the provided framing.
// Only SPI mode 0 is supported.
func OpenMPSSE(vid, pid uint16, cfg SPIConfig) (*SPI, error) {
	err := cfg.validate()
	if err != nil {
		return nil, err
	}
	if cfg.Mode != 0 {
		return nil, fmt.Errorf("rap: MPSSE SPI mode %d not supported", cfg.Mode)
	}

	ft, err := ftdiOpen(vid, pid)
	if err != nil {
		return nil, fmt.Errorf("rap: could not open FTDI device (vid=0x%x, pid=0x%x): %w", vid, pid, err)
	}

	dev := &mpsse{ft: ft}
	err = dev.init(cfg.SpeedHz)
	if err != nil {
		ft.Close()
		return nil, fmt.Errorf("rap: could not initialize MPSSE (vid=0x%x, pid=0x%x): %w", vid, pid, err)
	}

	return newSPI(cfg, dev)
}

func mpsseDivisor(hz uint32) (uint16, error) {
	if hz == 0 || hz > mpsseBaseClock {
		return 0, fmt.Errorf("rap: invalid MPSSE clock %d Hz", hz)
	}
	div := uint32(mpsseBaseClock)/hz - 1
	if div > 0xffff {
		return 0, fmt.Errorf("rap: MPSSE clock %d Hz too low", hz)
	}
	return uint16(div), nil
}

func (dev *mpsse) init(hz uint32) error {
	div, err := mpsseDivisor(hz)
	if err != nil {
		return err
	}

	err = dev.ft.Reset()
	if err != nil {
		return fmt.Errorf("could not reset USB: %w", err)
	}

	err = dev.ft.SetBitmode(0, ftdi.ModeReset)
	if err != nil {
		return fmt.Errorf("could not reset bit mode: %w", err)
	}

	err = dev.ft.SetBitmode(0, ftdi.ModeMPSSE)
	if err != nil {
		return fmt.Errorf("could not enable MPSSE: %w", err)
	}

	err = dev.ft.SetLatencyTimer(2)
	if err != nil {
		return fmt.Errorf("could not set latency timer to 2: %w", err)
	}

	err = dev.ft.PurgeBuffers()
	if err != nil {
		return fmt.Errorf("could not purge USB buffers: %w", err)
	}

	cmd := []byte{
		mpsseClk30MHz, mpsseClkNormal, mpsseClk2Phase, mpsseLoopOff,
		mpsseClkDivisor, byte(div), byte(div >> 8),
		mpsseGPIOSetD, pinCS, mpsseDir,
	}
	_, err = dev.ft.Write(cmd)
	if err != nil {
		return fmt.Errorf("could not configure MPSSE engine: %w", err)
	}
	return nil
}

// mpsseFrame returns the MPSSE command stream of a chip-selected transfer of tx.
func mpsseFrame(tx []byte) []byte {
	n := len(tx) - 1
	cmd := make([]byte, 0, len(tx)+10)
	cmd = append(cmd, mpsseGPIOSetD, 0, mpsseDir)
	cmd = append(cmd, mpsseDataOut|mpsseDataIn|mpsseDataOutFall, byte(n), byte(n>>8))
	cmd = append(cmd, tx...)
	cmd = append(cmd, mpsseGPIOSetD, pinCS, mpsseDir)
	cmd = append(cmd, mpsseFlush)
	return cmd
}

func (dev *mpsse) xfer(tx, rx []byte) error {
	if len(tx) == 0 {
		return nil
	}
	cmd := mpsseFrame(tx)
	n, err := dev.ft.Write(cmd)
	switch {
	case err != nil:
		return fmt.Errorf("could not send MPSSE command: %w", err)
	case n != len(cmd):
		return fmt.Errorf("could not send MPSSE command: %w", io.ErrShortWrite)
	}

	_, err = io.ReadFull(dev.ft, rx[:len(tx)])
	if err != nil {
		return fmt.Errorf("could not read MPSSE reply: %w", err)
	}
	return nil
}

func (dev *mpsse) Close() error {
	return dev.ft.Close()
}

var (
	_ spiXfer = (*mpsse)(nil)
)
