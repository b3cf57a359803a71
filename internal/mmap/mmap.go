// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmap provides memory-mapped windows over FPGA register regions.
package mmap // import "github.com/go-lpc/dbinit/internal/mmap"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

var (
	errClosed = errors.New("mmap: closed")
)

// Handle is a memory-mapped register window.
type Handle struct {
	data []byte
}

// Open maps size bytes of fname, starting at offset.
// fname is typically a /dev/uioN device or /dev/mem.
func Open(fname string, offset int64, size int) (*Handle, error) {
	f, err := os.OpenFile(fname, os.O_RDWR|os.O_SYNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not open %q: %w", fname, err)
	}
	defer f.Close()

	data, err := unix.Mmap(
		int(f.Fd()), offset, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not map %q (off=0x%x, size=0x%x): %w", fname, offset, size, err)
	}

	return HandleFrom(data), nil
}

// HandleFrom returns a handle over an already mapped region.
func HandleFrom(data []byte) *Handle {
	h := &Handle{data: data}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h
}

// Close closes the mmap handle.
func (h *Handle) Close() error {
	if h == nil {
		return os.ErrInvalid
	}

	if h.data == nil {
		return nil
	}
	data := h.data
	h.data = nil
	runtime.SetFinalizer(h, nil)

	return unix.Munmap(data)
}

// Len returns the length of the mapped window.
func (h *Handle) Len() int {
	return len(h.data)
}

func (h *Handle) check(p []byte, off int64, op string) error {
	if h == nil {
		return os.ErrInvalid
	}
	if h.data == nil {
		return errClosed
	}
	if off < 0 || int64(len(h.data)) < off+int64(len(p)) {
		return fmt.Errorf("mmap: invalid %s offset %d (len=%d)", op, off, len(p))
	}
	return nil
}

// ReadAt implements the io.ReaderAt interface.
// Accesses must be fully contained in the window.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	err := h.check(p, off, "ReadAt")
	if err != nil {
		return 0, err
	}
	n := copy(p, h.data[off:])
	return n, nil
}

// WriteAt implements the io.WriterAt interface.
// Accesses must be fully contained in the window.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	err := h.check(p, off, "WriteAt")
	if err != nil {
		return 0, err
	}
	n := copy(h.data[off:], p)
	return n, nil
}

var (
	_ io.ReaderAt = (*Handle)(nil)
	_ io.WriterAt = (*Handle)(nil)
	_ io.Closer   = (*Handle)(nil)
)
