// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rap

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SPIConfig describes the framing of a SPI-connected chip.
//
// A frame is AddrBits+DataBits long, sent MSB first: the address occupies
// the upper AddrBits of the frame and the data the lower DataBits.
// ReadFlag and WriteFlag are OR-ed into the whole frame word, so they can
// sit anywhere in the address field.
type SPIConfig struct {
	SpeedHz   uint32
	Mode      uint8 // SPI mode (CPOL|CPHA)
	AddrBits  uint
	DataBits  uint
	ReadFlag  uint64
	WriteFlag uint64
}

func (cfg SPIConfig) validate() error {
	switch {
	case cfg.DataBits == 0 || cfg.DataBits > 32:
		return fmt.Errorf("rap: invalid SPI data width %d", cfg.DataBits)
	case cfg.AddrBits+cfg.DataBits > 64:
		return fmt.Errorf("rap: invalid SPI frame width %d", cfg.AddrBits+cfg.DataBits)
	case (cfg.AddrBits+cfg.DataBits)%8 != 0:
		return fmt.Errorf("rap: SPI frame width %d is not a multiple of 8", cfg.AddrBits+cfg.DataBits)
	case cfg.Mode > 3:
		return fmt.Errorf("rap: invalid SPI mode %d", cfg.Mode)
	}
	return nil
}

func (cfg SPIConfig) frameLen() int {
	return int(cfg.AddrBits+cfg.DataBits) / 8
}

// encode returns the frame for an access to addr.
func (cfg SPIConfig) encode(addr, v uint32, read bool) []byte {
	var (
		n    = cfg.frameLen()
		dmsk = uint64(1)<<cfg.DataBits - 1
		word = uint64(addr)<<cfg.DataBits | uint64(v)&dmsk
	)
	if read {
		word = uint64(addr)<<cfg.DataBits | cfg.ReadFlag
	} else {
		word |= cfg.WriteFlag
	}
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[n-1-i] = byte(word >> (8 * uint(i)))
	}
	return buf
}

// decode extracts the data field of a received frame.
func (cfg SPIConfig) decode(rx []byte) uint32 {
	var word uint64
	for _, b := range rx {
		word = word<<8 | uint64(b)
	}
	return uint32(word & (uint64(1)<<cfg.DataBits - 1))
}

// checkAddr checks addr fits in the address field without touching the
// flag of the access.
func (cfg SPIConfig) checkAddr(addr uint32, read bool) error {
	if uint64(addr) >= uint64(1)<<cfg.AddrBits {
		return fmt.Errorf("rap: SPI address 0x%x out of range (%d bits)", addr, cfg.AddrBits)
	}
	flag := cfg.WriteFlag
	if read {
		flag = cfg.ReadFlag
	}
	if uint64(addr)<<cfg.DataBits&flag != 0 {
		return fmt.Errorf("rap: SPI address 0x%x overlaps the access flag 0x%x", addr, flag)
	}
	return nil
}

func (cfg SPIConfig) checkWidth(w Width) error {
	if w.Bits() > cfg.DataBits {
		return fmt.Errorf("rap: %v access on a %d-bit SPI chip", w, cfg.DataBits)
	}
	return nil
}

// spiXfer performs a full-duplex transfer on a SPI bus.
type spiXfer interface {
	xfer(tx, rx []byte) error
	Close() error
}

// SPI is a register backend for one chip select of a SPI master.
type SPI struct {
	cfg SPIConfig
	bus spiXfer
}

func newSPI(cfg SPIConfig, bus spiXfer) (*SPI, error) {
	err := cfg.validate()
	if err != nil {
		return nil, err
	}
	return &SPI{cfg: cfg, bus: bus}, nil
}

// Config returns the framing of the chip.
func (spi *SPI) Config() SPIConfig { return spi.cfg }

func (spi *SPI) Peek(addr uint32, w Width) (uint32, error) {
	err := spi.cfg.checkWidth(w)
	if err != nil {
		return 0, err
	}
	err = spi.cfg.checkAddr(addr, true)
	if err != nil {
		return 0, err
	}
	tx := spi.cfg.encode(addr, 0, true)
	rx := make([]byte, len(tx))
	err = spi.bus.xfer(tx, rx)
	if err != nil {
		return 0, err
	}
	return spi.cfg.decode(rx), nil
}

func (spi *SPI) Poke(addr uint32, w Width, v uint32) error {
	err := spi.cfg.checkWidth(w)
	if err != nil {
		return err
	}
	err = spi.cfg.checkAddr(addr, false)
	if err != nil {
		return err
	}
	tx := spi.cfg.encode(addr, v, false)
	return spi.bus.xfer(tx, make([]byte, len(tx)))
}

func (spi *SPI) Close() error {
	return spi.bus.Close()
}

// Linux spidev ioctls.
const (
	spiIocWrMode        = 0x40016b01
	spiIocWrBitsPerWord = 0x40016b03
	spiIocWrMaxSpeedHz  = 0x40046b04
	spiIocMessage1      = 0x40206b00
)

// spiIocTransfer is struct spi_ioc_transfer from linux/spi/spidev.h.
type spiIocTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	length      uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	wordDelay   uint8
	pad         uint8
}

type spidev struct {
	f     *os.File
	speed uint32
}

// OpenSPI opens the spidev device fname (e.g. /dev/spidev0.1) for a chip
// with the provided framing.
func OpenSPI(fname string, cfg SPIConfig) (*SPI, error) {
	err := cfg.validate()
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(fname, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("rap: could not open SPI device %q: %w", fname, err)
	}

	dev := &spidev{f: f, speed: cfg.SpeedHz}
	var (
		mode = cfg.Mode
		bits = uint8(8)
	)
	for _, ctl := range []struct {
		name string
		req  uintptr
		arg  unsafe.Pointer
	}{
		{"mode", spiIocWrMode, unsafe.Pointer(&mode)},
		{"bits-per-word", spiIocWrBitsPerWord, unsafe.Pointer(&bits)},
		{"max-speed", spiIocWrMaxSpeedHz, unsafe.Pointer(&dev.speed)},
	} {
		err = dev.ioctl(ctl.req, ctl.arg)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("rap: could not set SPI %s of %q: %w", ctl.name, fname, err)
		}
	}

	return newSPI(cfg, dev)
}

func (dev *spidev) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, dev.f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (dev *spidev) xfer(tx, rx []byte) error {
	if len(tx) == 0 {
		return nil
	}
	msg := spiIocTransfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&tx[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&rx[0]))),
		length:      uint32(len(tx)),
		speedHz:     dev.speed,
		bitsPerWord: 8,
	}
	err := dev.ioctl(spiIocMessage1, unsafe.Pointer(&msg))
	runtime.KeepAlive(tx)
	runtime.KeepAlive(rx)
	return err
}

func (dev *spidev) Close() error {
	return dev.f.Close()
}

var (
	_ Backend = (*SPI)(nil)
	_ spiXfer = (*spidev)(nil)
)
