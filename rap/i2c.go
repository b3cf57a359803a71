// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rap

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"github.com/go-daq/smbus"
	"golang.org/x/sys/unix"
)

type smbusConn interface {
	ReadReg(addr, reg uint8) (uint8, error)
	WriteReg(addr, reg, v uint8) error
	ReadWord(addr, cmd uint8) (uint16, error)
	WriteWord(addr, cmd uint8, v uint16) error
	Close() error
}

var (
	smbusOpen  = smbusOpenImpl
	i2cdevOpen = i2cdevOpenImpl
)

func smbusOpenImpl(bus int, addr uint8) (smbusConn, error) {
	conn, err := smbus.Open(bus, addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// i2cRDWR performs combined write-then-read transactions.
type i2cRDWR interface {
	rdwr(addr uint8, w, r []byte) error
	Close() error
}

// I2C is a register backend for one device on an I2C bus.
//
// Devices with a 1-byte register address are accessed through SMBus
// byte and word transactions. Devices with a 2-byte register address
// are accessed with combined I2C_RDWR transfers, data sent MSB first.
type I2C struct {
	addr    uint8
	regSize int

	sm  smbusConn
	raw i2cRDWR
}

// OpenI2C opens the device at the 7-bit address addr on /dev/i2c-<bus>,
// with a register address of regSize bytes (1 or 2).
func OpenI2C(bus int, addr uint8, regSize int) (*I2C, error) {
	if addr > 0x7f {
		return nil, fmt.Errorf("rap: invalid 7-bit I2C address 0x%x", addr)
	}

	dev := &I2C{addr: addr, regSize: regSize}
	switch regSize {
	case 1:
		conn, err := smbusOpen(bus, addr)
		if err != nil {
			return nil, fmt.Errorf("rap: could not open I2C device 0x%x on bus %d: %w", addr, bus, err)
		}
		dev.sm = conn
	case 2:
		raw, err := i2cdevOpen(bus)
		if err != nil {
			return nil, fmt.Errorf("rap: could not open I2C bus %d: %w", bus, err)
		}
		dev.raw = raw
	default:
		return nil, fmt.Errorf("rap: invalid I2C register address size %d", regSize)
	}
	return dev, nil
}

func (dev *I2C) Peek(addr uint32, w Width) (uint32, error) {
	switch dev.regSize {
	case 1:
		if addr > 0xff {
			return 0, fmt.Errorf("rap: invalid 1-byte I2C register 0x%x", addr)
		}
		switch w {
		case W8:
			v, err := dev.sm.ReadReg(dev.addr, uint8(addr))
			return uint32(v), err
		case W16:
			v, err := dev.sm.ReadWord(dev.addr, uint8(addr))
			return uint32(v), err
		}
		return 0, fmt.Errorf("rap: %v SMBus access not supported", w)
	default:
		if addr > 0xffff {
			return 0, fmt.Errorf("rap: invalid 2-byte I2C register 0x%x", addr)
		}
		buf := make([]byte, w)
		err := dev.raw.rdwr(dev.addr, []byte{byte(addr >> 8), byte(addr)}, buf)
		if err != nil {
			return 0, err
		}
		var v uint32
		for _, b := range buf {
			v = v<<8 | uint32(b)
		}
		return v, nil
	}
}

func (dev *I2C) Poke(addr uint32, w Width, v uint32) error {
	switch dev.regSize {
	case 1:
		if addr > 0xff {
			return fmt.Errorf("rap: invalid 1-byte I2C register 0x%x", addr)
		}
		switch w {
		case W8:
			return dev.sm.WriteReg(dev.addr, uint8(addr), uint8(v))
		case W16:
			return dev.sm.WriteWord(dev.addr, uint8(addr), uint16(v))
		}
		return fmt.Errorf("rap: %v SMBus access not supported", w)
	default:
		if addr > 0xffff {
			return fmt.Errorf("rap: invalid 2-byte I2C register 0x%x", addr)
		}
		buf := []byte{byte(addr >> 8), byte(addr)}
		for i := int(w) - 1; i >= 0; i-- {
			buf = append(buf, byte(v>>(8*uint(i))))
		}
		return dev.raw.rdwr(dev.addr, buf, nil)
	}
}

func (dev *I2C) Close() error {
	if dev.sm != nil {
		return dev.sm.Close()
	}
	if dev.raw != nil {
		return dev.raw.Close()
	}
	return nil
}

// i2c-dev ioctl and message flags.
const (
	i2cRdwr  = 0x0707
	i2cMRead = 0x0001
)

// i2cMsg is struct i2c_msg from linux/i2c.h.
type i2cMsg struct {
	addr  uint16
	flags uint16
	len   uint16
	_     uint16
	buf   uintptr
}

// i2cRdwrData is struct i2c_rdwr_ioctl_data from linux/i2c-dev.h.
type i2cRdwrData struct {
	msgs  uintptr
	nmsgs uint32
}

type i2cdev struct {
	f *os.File
}

func i2cdevOpenImpl(bus int) (i2cRDWR, error) {
	f, err := os.OpenFile(fmt.Sprintf("/dev/i2c-%d", bus), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &i2cdev{f: f}, nil
}

func (dev *i2cdev) rdwr(addr uint8, w, r []byte) error {
	msgs := make([]i2cMsg, 0, 2)
	if len(w) > 0 {
		msgs = append(msgs, i2cMsg{
			addr: uint16(addr),
			len:  uint16(len(w)),
			buf:  uintptr(unsafe.Pointer(&w[0])),
		})
	}
	if len(r) > 0 {
		msgs = append(msgs, i2cMsg{
			addr:  uint16(addr),
			flags: i2cMRead,
			len:   uint16(len(r)),
			buf:   uintptr(unsafe.Pointer(&r[0])),
		})
	}
	if len(msgs) == 0 {
		return nil
	}
	data := i2cRdwrData{
		msgs:  uintptr(unsafe.Pointer(&msgs[0])),
		nmsgs: uint32(len(msgs)),
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, dev.f.Fd(), i2cRdwr, uintptr(unsafe.Pointer(&data)))
	runtime.KeepAlive(w)
	runtime.KeepAlive(r)
	runtime.KeepAlive(msgs)
	if errno != 0 {
		return errno
	}
	return nil
}

func (dev *i2cdev) Close() error {
	return dev.f.Close()
}

var (
	_ Backend = (*I2C)(nil)
	_ i2cRDWR = (*i2cdev)(nil)
)
