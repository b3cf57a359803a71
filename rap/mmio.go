// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rap

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-lpc/dbinit/internal/mmap"
)

type rwer interface {
	io.ReaderAt
	io.WriterAt
}

// MMIO is a little-endian memory-mapped register backend.
type MMIO struct {
	rw   rwer
	buf  [4]byte
	base uint32 // offset added to every address
}

// NewMMIO returns a memory-mapped backend over rw.
func NewMMIO(rw rwer) *MMIO {
	return &MMIO{rw: rw}
}

// OpenMMIO maps size bytes of the provided UIO device.
func OpenMMIO(fname string, size int) (*MMIO, error) {
	h, err := mmap.Open(fname, 0, size)
	if err != nil {
		return nil, fmt.Errorf("rap: could not open MMIO region: %w", err)
	}
	return NewMMIO(h), nil
}

// Sub returns a backend sharing rw, with addresses relative to base.
func (m *MMIO) Sub(base uint32) *MMIO {
	return &MMIO{rw: m.rw, base: m.base + base}
}

func (m *MMIO) Peek(addr uint32, w Width) (uint32, error) {
	p := m.buf[:w]
	_, err := m.rw.ReadAt(p, int64(m.base+addr))
	if err != nil {
		return 0, err
	}
	switch w {
	case W8:
		return uint32(p[0]), nil
	case W16:
		return uint32(binary.LittleEndian.Uint16(p)), nil
	default:
		return binary.LittleEndian.Uint32(p), nil
	}
}

func (m *MMIO) Poke(addr uint32, w Width, v uint32) error {
	p := m.buf[:w]
	switch w {
	case W8:
		p[0] = uint8(v)
	case W16:
		binary.LittleEndian.PutUint16(p, uint16(v))
	default:
		binary.LittleEndian.PutUint32(p, v)
	}
	_, err := m.rw.WriteAt(p, int64(m.base+addr))
	return err
}

// Close closes the underlying region, if it is closable.
// Sub-regions share the region of their parent.
func (m *MMIO) Close() error {
	if m.base != 0 {
		return nil
	}
	if c, ok := m.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

var (
	_ Backend   = (*MMIO)(nil)
	_ io.Closer = (*MMIO)(nil)
)
