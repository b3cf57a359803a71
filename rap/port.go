// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rap provides register access ports to FPGA memory-mapped
// regions and to SPI or I2C connected chips.
//
// A Port serializes all accesses to its backend with a single lock.
// Multi-register sequences that must not be interleaved with other
// clients are run through Port.Do or Port.Batch.
package rap // import "github.com/go-lpc/dbinit/rap"

import (
	"fmt"
	"io"
	"sync"

	"github.com/go-lpc/dbinit"
)

// Width is the width in bytes of a register access.
type Width uint8

const (
	W8  Width = 1
	W16 Width = 2
	W32 Width = 4
)

func (w Width) String() string {
	switch w {
	case W8:
		return "8b"
	case W16:
		return "16b"
	case W32:
		return "32b"
	}
	return fmt.Sprintf("Width(%d)", uint8(w))
}

// Bits returns the number of bits of the access.
func (w Width) Bits() uint { return 8 * uint(w) }

// Mask returns the value mask of the access.
func (w Width) Mask() uint32 {
	if w >= W32 {
		return 0xffffffff
	}
	return 1<<w.Bits() - 1
}

func (w Width) valid() bool {
	return w == W8 || w == W16 || w == W32
}

// Backend is a register fabric.
type Backend interface {
	Peek(addr uint32, w Width) (uint32, error)
	Poke(addr uint32, w Width, v uint32) error
}

// BackendError describes a failed register access.
type BackendError struct {
	Port string // name of the port
	Op   string // "peek" or "poke"
	Addr uint32
	Err  error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("rap: could not %s %s register 0x%x: %v", e.Op, e.Port, e.Addr, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Is(target error) bool { return target == dbinit.ErrTransport }

// Op is a single register access of a batch.
type Op struct {
	Write bool
	Addr  uint32
	Width Width
	Value uint32
}

// Read returns a read operation.
func Read(addr uint32, w Width) Op { return Op{Addr: addr, Width: w} }

// Write returns a write operation.
func Write(addr uint32, w Width, v uint32) Op { return Op{Write: true, Addr: addr, Width: w, Value: v} }

// Port is a register access port over a backend.
type Port struct {
	name string
	mu   sync.Mutex
	be   Backend
}

// NewPort returns a new port named name over the provided backend.
func NewPort(name string, be Backend) *Port {
	return &Port{name: name, be: be}
}

// Name returns the name of the port.
func (p *Port) Name() string { return p.name }

// Close closes the underlying backend, if it is closable.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.be.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (p *Port) peek(addr uint32, w Width) (uint32, error) {
	if !w.valid() {
		return 0, &BackendError{Port: p.name, Op: "peek", Addr: addr, Err: fmt.Errorf("invalid width %v", w)}
	}
	v, err := p.be.Peek(addr, w)
	if err != nil {
		return 0, &BackendError{Port: p.name, Op: "peek", Addr: addr, Err: err}
	}
	return v & w.Mask(), nil
}

func (p *Port) poke(addr uint32, w Width, v uint32) error {
	if !w.valid() {
		return &BackendError{Port: p.name, Op: "poke", Addr: addr, Err: fmt.Errorf("invalid width %v", w)}
	}
	err := p.be.Poke(addr, w, v&w.Mask())
	if err != nil {
		return &BackendError{Port: p.name, Op: "poke", Addr: addr, Err: err}
	}
	return nil
}

// Peek reads the register at addr.
func (p *Port) Peek(addr uint32, w Width) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peek(addr, w)
}

// Poke writes v to the register at addr.
func (p *Port) Poke(addr uint32, w Width, v uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.poke(addr, w, v)
}

func (p *Port) Peek8(addr uint32) (uint8, error) {
	v, err := p.Peek(addr, W8)
	return uint8(v), err
}

func (p *Port) Peek16(addr uint32) (uint16, error) {
	v, err := p.Peek(addr, W16)
	return uint16(v), err
}

func (p *Port) Peek32(addr uint32) (uint32, error) {
	return p.Peek(addr, W32)
}

func (p *Port) Poke8(addr uint32, v uint8) error   { return p.Poke(addr, W8, uint32(v)) }
func (p *Port) Poke16(addr uint32, v uint16) error { return p.Poke(addr, W16, uint32(v)) }
func (p *Port) Poke32(addr uint32, v uint32) error { return p.Poke(addr, W32, v) }

// Batch runs ops in order with no intervening access from other clients.
// Batch returns the values read by the read operations, in order.
// Batch stops at the first failing operation.
func (p *Port) Batch(ops []Op) ([]uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []uint32
	for _, op := range ops {
		if op.Write {
			err := p.poke(op.Addr, op.Width, op.Value)
			if err != nil {
				return out, err
			}
			continue
		}
		v, err := p.peek(op.Addr, op.Width)
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Do runs f while holding the port lock.
// The error recorded by the transaction is returned when f returns nil.
func (p *Port) Do(f func(tx *Tx) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx := &Tx{p: p}
	err := f(tx)
	if err != nil {
		return err
	}
	return tx.err
}

// Tx is a sequence of register accesses run under the port lock.
// Once an access failed, all subsequent accesses are no-ops and reads
// return zero.
type Tx struct {
	p   *Port
	err error
}

// Err returns the first error encountered by the transaction.
func (tx *Tx) Err() error { return tx.err }

func (tx *Tx) Peek(addr uint32, w Width) uint32 {
	if tx.err != nil {
		return 0
	}
	var v uint32
	v, tx.err = tx.p.peek(addr, w)
	return v
}

func (tx *Tx) Poke(addr uint32, w Width, v uint32) {
	if tx.err != nil {
		return
	}
	tx.err = tx.p.poke(addr, w, v)
}

// Modify replaces the bits of mask in the register at addr with v.
func (tx *Tx) Modify(addr uint32, w Width, mask, v uint32) {
	old := tx.Peek(addr, w)
	tx.Poke(addr, w, (old&^mask)|(v&mask))
}

func (tx *Tx) Peek8(addr uint32) uint8   { return uint8(tx.Peek(addr, W8)) }
func (tx *Tx) Peek16(addr uint32) uint16 { return uint16(tx.Peek(addr, W16)) }
func (tx *Tx) Peek32(addr uint32) uint32 { return tx.Peek(addr, W32) }

func (tx *Tx) Poke8(addr uint32, v uint8)   { tx.Poke(addr, W8, uint32(v)) }
func (tx *Tx) Poke16(addr uint32, v uint16) { tx.Poke(addr, W16, uint32(v)) }
func (tx *Tx) Poke32(addr uint32, v uint32) { tx.Poke(addr, W32, v) }

// Pokes8 writes the (address, value) pairs in order.
func (tx *Tx) Pokes8(regs [][2]uint32) {
	for _, r := range regs {
		tx.Poke(r[0], W8, r[1])
	}
}

// Pokes16 writes the (address, value) pairs in order.
func (tx *Tx) Pokes16(regs [][2]uint32) {
	for _, r := range regs {
		tx.Poke(r[0], W16, r[1])
	}
}
