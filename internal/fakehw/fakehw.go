// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakehw holds types to fake register-mapped chips in tests.
//
// A Device is a rap.Backend holding a register image. Reads can be
// scripted per address, failures injected, and hooks installed to model
// hardware side effects. All accesses of all the devices sharing a
// Recorder are logged in a single, totally ordered journal.
package fakehw // import "github.com/go-lpc/dbinit/internal/fakehw"

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-lpc/dbinit/rap"
)

// Access is a journaled register access.
type Access struct {
	Seq   int
	Dev   string
	Write bool
	Addr  uint32
	Width rap.Width
	Value uint32
}

func (a Access) String() string {
	op := "peek"
	if a.Write {
		op = "poke"
	}
	return fmt.Sprintf("#%d %s %s 0x%x=0x%x", a.Seq, a.Dev, op, a.Addr, a.Value)
}

// Recorder journals the accesses of a set of devices.
type Recorder struct {
	mu  sync.Mutex
	seq int
	log []Access
}

// NewRecorder returns a new, empty journal.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (rec *Recorder) add(a Access) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	a.Seq = rec.seq
	rec.seq++
	rec.log = append(rec.log, a)
}

// Device returns a new device journaled under name.
func (rec *Recorder) Device(name string) *Device {
	return &Device{
		rec:   rec,
		name:  name,
		regs:  make(map[uint32]uint32),
		reads: make(map[uint32][]uint32),
		fail:  make(map[uint32]error),
	}
}

// Log returns a copy of the journal.
func (rec *Recorder) Log() []Access {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]Access(nil), rec.log...)
}

// Clear empties the journal.
func (rec *Recorder) Clear() {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.log = rec.log[:0]
}

// Filter returns the journaled accesses matching f.
func (rec *Recorder) Filter(f func(a Access) bool) []Access {
	var out []Access
	for _, a := range rec.Log() {
		if f(a) {
			out = append(out, a)
		}
	}
	return out
}

// Writes returns the writes issued to dev.
func (rec *Recorder) Writes(dev string) []Access {
	return rec.Filter(func(a Access) bool { return a.Write && a.Dev == dev })
}

// Index returns the sequence number of the first write of v to addr on
// dev, or -1.
func (rec *Recorder) Index(dev string, addr, v uint32) int {
	for _, a := range rec.Log() {
		if a.Write && a.Dev == dev && a.Addr == addr && a.Value == v {
			return a.Seq
		}
	}
	return -1
}

// Device is a fake register-mapped chip.
type Device struct {
	rec  *Recorder
	name string

	mu    sync.Mutex
	regs  map[uint32]uint32
	reads map[uint32][]uint32
	fail  map[uint32]error

	// OnPeek, when set, is consulted before the register image.
	OnPeek func(addr uint32) (uint32, bool)
	// OnPoke, when set, is invoked after every successful write.
	OnPoke func(addr, v uint32)
}

// Name returns the journal name of the device.
func (dev *Device) Name() string { return dev.name }

// Set sets a register of the image, without journaling.
func (dev *Device) Set(addr, v uint32) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.regs[addr] = v
}

// Get returns a register of the image, without journaling.
func (dev *Device) Get(addr uint32) uint32 {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.regs[addr]
}

// Script queues values returned by the next reads of addr.
// Once the queue is drained, reads return the register image.
func (dev *Device) Script(addr uint32, vs ...uint32) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.reads[addr] = append(dev.reads[addr], vs...)
}

// Fail makes all accesses to addr fail with err.
// A nil err clears the failure.
func (dev *Device) Fail(addr uint32, err error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if err == nil {
		delete(dev.fail, addr)
		return
	}
	dev.fail[addr] = err
}

// Image returns a copy of the register image.
func (dev *Device) Image() map[uint32]uint32 {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	img := make(map[uint32]uint32, len(dev.regs))
	for k, v := range dev.regs {
		img[k] = v
	}
	return img
}

// Dump returns the register image as sorted "addr=value" lines.
func (dev *Device) Dump() []string {
	img := dev.Image()
	addrs := make([]uint32, 0, len(img))
	for k := range img {
		addrs = append(addrs, k)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = fmt.Sprintf("%s[0x%x]=0x%x", dev.name, a, img[a])
	}
	return out
}

func (dev *Device) Peek(addr uint32, w rap.Width) (uint32, error) {
	dev.mu.Lock()
	err := dev.fail[addr]
	dev.mu.Unlock()
	if err != nil {
		dev.rec.add(Access{Dev: dev.name, Addr: addr, Width: w})
		return 0, err
	}

	v, ok := uint32(0), false
	if dev.OnPeek != nil {
		v, ok = dev.OnPeek(addr)
	}
	if !ok {
		dev.mu.Lock()
		if q := dev.reads[addr]; len(q) > 0 {
			v = q[0]
			dev.reads[addr] = q[1:]
		} else {
			v = dev.regs[addr]
		}
		dev.mu.Unlock()
	}
	v &= w.Mask()
	dev.rec.add(Access{Dev: dev.name, Addr: addr, Width: w, Value: v})
	return v, nil
}

func (dev *Device) Poke(addr uint32, w rap.Width, v uint32) error {
	dev.rec.add(Access{Dev: dev.name, Write: true, Addr: addr, Width: w, Value: v})

	dev.mu.Lock()
	err := dev.fail[addr]
	if err == nil {
		dev.regs[addr] = v
	}
	dev.mu.Unlock()
	if err != nil {
		return err
	}

	if dev.OnPoke != nil {
		dev.OnPoke(addr, v)
	}
	return nil
}

var (
	_ rap.Backend = (*Device)(nil)
)
