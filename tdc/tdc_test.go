// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tdc

import (
	"errors"
	"io"
	"log"
	"math"
	"testing"
	"time"

	"github.com/go-lpc/dbinit"
	"github.com/go-lpc/dbinit/internal/fakehw"
	"github.com/go-lpc/dbinit/internal/poll"
	"github.com/go-lpc/dbinit/rap"
)

type fakeLMK struct {
	vco    float64
	shifts int
	calls  int
	locked bool
}

func (f *fakeLMK) Shift(n int) error {
	f.shifts += n
	f.calls++
	return nil
}

func (f *fakeLMK) PLLsLocked() (bool, error) { return f.locked, nil }
func (f *fakeLMK) VCOFreq() float64          { return f.vco }

type fakeDAC struct {
	code  uint16
	stuck bool
	sets  []uint16
}

func (f *fakeDAC) Set(code uint16) error {
	f.sets = append(f.sets, code)
	if !f.stuck {
		f.code = code
	}
	return nil
}

func (f *fakeDAC) Code() uint16 { return f.code }

// fakeTDC models the TDC core measuring a sample clock whose offset moves
// with the corrections applied to the clock generator and the phase DAC.
type fakeTDC struct {
	dev *fakehw.Device
	lmk *fakeLMK
	dac *fakeDAC

	ref, radio float64
	meas       float64
	initial    float64
	step       float64
	noise      func(i int) float64

	samples int
	sp, rp  int64
}

func newFakeTDC(rec *fakehw.Recorder, ref, radio float64) *fakeTDC {
	f := &fakeTDC{
		dev:     rec.Device("tdc"),
		lmk:     &fakeLMK{vco: 2500e6, locked: true},
		dac:     &fakeDAC{code: 0x1234},
		ref:     ref,
		radio:   radio,
		meas:    166.666666666667e6 * 21.875 / 3 / 6.125,
		initial: 3.2e-9,
		step:    1.1e-12,
	}
	f.dev.Set(regSignature, signature)
	f.dev.Set(regRevision, Compat.Current)
	f.dev.Set(regOldest, Compat.Oldest)

	f.dev.OnPoke = func(addr, v uint32) {
		switch addr {
		case regControl:
			switch v {
			case ctlReset:
				f.dev.Set(regStatus, statusReset)
			case ctlRelease:
				f.dev.Set(regStatus, 0)
			case ctlEnable:
				f.dev.Set(regStatus, statusReady)
			}
		case regMasterReset:
			if v == 0x01 {
				f.dev.Set(regScratch, 0)
			}
		}
	}
	f.dev.OnPeek = func(addr uint32) (uint32, bool) {
		switch addr {
		case regSPOffset1:
			f.sample()
			return uint32(f.sp>>32)&0xff | offsetValid, true
		case regSPOffset0:
			return uint32(f.sp), true
		case regRPOffset1:
			return uint32(f.rp>>32) & 0xff, true
		case regRPOffset0:
			return uint32(f.rp), true
		}
		return 0, false
	}
	return f
}

// offset returns the true offset of the sample clock.
func (f *fakeTDC) offset() float64 {
	return f.initial +
		float64(f.lmk.shifts)/f.lmk.vco +
		(float64(f.dac.code)-0x8000)*f.step
}

func (f *fakeTDC) sample() {
	v := f.offset()
	if f.noise != nil {
		v += f.noise(f.samples)
	}
	f.samples++
	d := v - 1/f.ref + 1/f.radio
	f.rp = 1 << 33
	f.sp = f.rp + int64(math.Round(d*(1<<27)*f.meas))
}

func newTestSync(t *testing.T, f *fakeTDC, opts ...Option) (*Synchronizer, *poll.Fake) {
	t.Helper()
	clk := poll.NewFake(time.Time{})
	opts = append([]Option{
		WithLogger(log.New(io.Discard, "tdc: ", 0)),
		WithClock(clk),
	}, opts...)
	s, err := New(rap.NewPort("tdc", f.dev), f.ref, f.radio, f.lmk, f.dac, opts...)
	if err != nil {
		t.Fatalf("could not create synchronizer: %+v", err)
	}
	_, err = s.CheckCompat()
	if err != nil {
		t.Fatalf("could not check compat: %+v", err)
	}
	return s, clk
}

func TestNew(t *testing.T) {
	rec := fakehw.NewRecorder()
	port := rap.NewPort("tdc", rec.Device("tdc"))
	for _, tc := range []struct {
		name       string
		ref, radio float64
		ok         bool
	}{
		{"n310", 10e6, 125e6, true},
		{"n320", 25e6, 245.76e6, true},
		{"bad-ref", 30e6, 125e6, false},
		{"bad-radio", 10e6, 100e6, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(port, tc.ref, tc.radio, &fakeLMK{}, &fakeDAC{})
			switch {
			case tc.ok && err != nil:
				t.Fatalf("unexpected error: %+v", err)
			case !tc.ok && !errors.Is(err, dbinit.ErrClockConfig):
				t.Fatalf("invalid error: %+v", err)
			}
		})
	}
	if len(rec.Log()) != 0 {
		t.Fatalf("unexpected accesses: %v", rec.Log())
	}
}

func TestCheckCompat(t *testing.T) {
	for _, tc := range []struct {
		name   string
		sig    uint32
		fpga   dbinit.Compat
		rev    int
		errKnd error
	}{
		{"rev2", signature, Compat, 2, nil},
		{"rev1", signature, dbinit.Compat{Current: 0x17120101, Oldest: 0x17060111}, 1, nil},
		{"bad-signature", 0xcafe, Compat, 1, dbinit.ErrCompat},
		{"too-old", signature, dbinit.Compat{Current: 0x17010101, Oldest: 0x17010101}, 1, dbinit.ErrCompat},
		{"too-new", signature, dbinit.Compat{Current: 0x19010101, Oldest: 0x19010101}, 1, dbinit.ErrCompat},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := fakehw.NewRecorder()
			f := newFakeTDC(rec, 10e6, 125e6)
			f.dev.Set(regSignature, tc.sig)
			f.dev.Set(regRevision, tc.fpga.Current)
			f.dev.Set(regOldest, tc.fpga.Oldest)
			s, err := New(rap.NewPort("tdc", f.dev), f.ref, f.radio, f.lmk, f.dac,
				WithLogger(log.New(io.Discard, "", 0)),
			)
			if err != nil {
				t.Fatalf("could not create synchronizer: %+v", err)
			}
			_, err = s.CheckCompat()
			switch {
			case tc.errKnd == nil && err != nil:
				t.Fatalf("unexpected error: %+v", err)
			case tc.errKnd != nil && !errors.Is(err, tc.errKnd):
				t.Fatalf("invalid error: got=%+v, want=%v", err, tc.errKnd)
			}
			if got, want := s.Revision(), tc.rev; got != want {
				t.Fatalf("invalid revision: got=%d, want=%d", got, want)
			}
			if n := len(rec.Writes("tdc")); n != 0 {
				t.Fatalf("compat check issued %d writes", n)
			}
		})
	}
}

func TestMasterReset(t *testing.T) {
	rec := fakehw.NewRecorder()
	f := newFakeTDC(rec, 10e6, 125e6)
	s, clk := newTestSync(t, f)

	err := s.MasterReset()
	if err != nil {
		t.Fatalf("could not reset: %+v", err)
	}
	var got []uint32
	for _, w := range rec.Writes("tdc") {
		if w.Addr == regMasterReset {
			got = append(got, w.Value)
		}
	}
	want := []uint32{0x01, 0x10, 0x00}
	if len(got) != len(want) {
		t.Fatalf("invalid master reset sequence: got=%x, want=%x", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("invalid master reset sequence: got=%x, want=%x", got, want)
		}
	}
	if clk.Sleeps() == 0 {
		t.Fatalf("master reset did not settle")
	}

	f.dev.OnPoke = nil
	err = s.MasterReset()
	if !errors.Is(err, dbinit.ErrChipState) {
		t.Fatalf("invalid error: %+v", err)
	}
}

func TestConfigure(t *testing.T) {
	for _, tc := range []struct {
		name  string
		rev   uint32
		radio float64
		want  map[uint32]uint32
	}{
		{
			name:  "rev2",
			rev:   Compat.Current,
			radio: 125e6,
			want: map[uint32]uint32{
				regRepulse1:  10,
				regRepulse2:  5,
				regRPPeriod:  5<<16 | 10,
				regSPPeriod:  62<<16 | 125,
				regRPTPeriod: 500<<16 | 1000,
				regSPTPeriod: 6250<<16 | 12500,
			},
		},
		{
			name:  "rev2-n320",
			rev:   Compat.Current,
			radio: 245.76e6,
			want: map[uint32]uint32{
				regRPPeriod:  5<<16 | 10,
				regSPPeriod:  100<<16 | 200,
				regSPTPeriod: 12288<<16 | 24576,
			},
		},
		{
			name:  "rev1",
			rev:   0x17120101,
			radio: 125e6,
			want: map[uint32]uint32{
				regRepulse1: 250,
				regRepulse2: 125,
				regRPPeriod: 125<<16 | 250,
				regSPPeriod: 1562<<16 | 3125,
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := fakehw.NewRecorder()
			f := newFakeTDC(rec, 10e6, tc.radio)
			f.dev.Set(regRevision, tc.rev)
			s, _ := newTestSync(t, f)

			err := s.Configure()
			if err != nil {
				t.Fatalf("could not configure: %+v", err)
			}
			for addr, want := range tc.want {
				if got := f.dev.Get(addr); got != want {
					t.Fatalf("invalid register 0x%03x: got=0x%x, want=0x%x", addr, got, want)
				}
			}

			var (
				reset   = rec.Index("tdc", regControl, ctlReset)
				repulse = rec.Index("tdc", regRepulse1, f.dev.Get(regRepulse1))
				spt     = rec.Index("tdc", regSPTPeriod, f.dev.Get(regSPTPeriod))
				release = rec.Index("tdc", regControl, ctlRelease)
				enable  = rec.Index("tdc", regControl, ctlEnable)
			)
			if !(reset < repulse && repulse < spt && spt < release && release < enable) {
				t.Fatalf("invalid configuration order: %v", rec.Writes("tdc"))
			}
		})
	}
}

func TestConfigureFailures(t *testing.T) {
	t.Run("no-reset", func(t *testing.T) {
		rec := fakehw.NewRecorder()
		f := newFakeTDC(rec, 10e6, 125e6)
		s, _ := newTestSync(t, f)
		f.dev.OnPoke = nil
		err := s.Configure()
		if !errors.Is(err, dbinit.ErrChipState) {
			t.Fatalf("invalid error: %+v", err)
		}
	})

	t.Run("no-pps", func(t *testing.T) {
		rec := fakehw.NewRecorder()
		f := newFakeTDC(rec, 10e6, 125e6)
		s, clk := newTestSync(t, f)
		f.dev.OnPoke = func(addr, v uint32) {
			if addr == regControl && v == ctlReset {
				f.dev.Set(regStatus, statusReset)
			}
			if addr == regControl && v == ctlRelease {
				f.dev.Set(regStatus, 0)
			}
		}
		t0 := clk.Now()
		err := s.Configure()
		if !errors.Is(err, dbinit.ErrSync) {
			t.Fatalf("invalid error: %+v", err)
		}
		if got := clk.Elapsed(t0); got < ppsTimeout {
			t.Fatalf("gave up too early: %v", got)
		}
		_, err = s.Measure(1)
		if !errors.Is(err, dbinit.ErrChipState) {
			t.Fatalf("measurement on unconfigured TDC: %+v", err)
		}
	})
}

func TestMeasure(t *testing.T) {
	rec := fakehw.NewRecorder()
	f := newFakeTDC(rec, 10e6, 125e6)
	s, _ := newTestSync(t, f)
	f.dac.code = 0x8000

	err := s.Configure()
	if err != nil {
		t.Fatalf("could not configure: %+v", err)
	}
	got, err := s.Measure(5)
	if err != nil {
		t.Fatalf("could not measure: %+v", err)
	}
	if want := f.initial; math.Abs(got-want) > 1e-15 {
		t.Fatalf("invalid offset: got=%g, want=%g", got, want)
	}

	f.noise = func(i int) float64 {
		if i%2 == 0 {
			return +0.6e-9
		}
		return -0.6e-9
	}
	_, err = s.Measure(4)
	if !errors.Is(err, dbinit.ErrSync) {
		t.Fatalf("invalid error: %+v", err)
	}
}

func TestOracle(t *testing.T) {
	const (
		vco  = 2500e6
		step = 1e-12
	)
	for _, tc := range []struct {
		name            string
		target, current float64
		coarse, fine    int
	}{
		{"zero", 0, 0, 0, 0},
		{"fine", 10.5e-12, 0, 0, 10},
		{"coarse", 1.0005e-9, 0, 2, 200},
		{"negative", 0, 1.0005e-9, -2, -200},
	} {
		t.Run(tc.name, func(t *testing.T) {
			coarse, fine, _ := oracle(tc.target, tc.current, vco, step)
			if coarse != tc.coarse || fine != tc.fine {
				t.Fatalf(
					"invalid correction: got=(%d, %d), want=(%d, %d)",
					coarse, fine, tc.coarse, tc.fine,
				)
			}
		})
	}
}

func TestTarget(t *testing.T) {
	rec := fakehw.NewRecorder()
	f := newFakeTDC(rec, 10e6, 125e6)
	s, _ := newTestSync(t, f, WithTraceDelay(1e-9), WithPipeDelays(2, 0))
	if got, want := s.Target(), -6/125e6+1e-9; math.Abs(got-want) > 1e-15 {
		t.Fatalf("invalid rev2 target: got=%g, want=%g", got, want)
	}

	f.dev.Set(regRevision, 0x17120101)
	s, _ = newTestSync(t, f, WithTraceDelay(1e-9))
	if got, want := s.Target(), 1/10e6+3.5/125e6+1e-9; math.Abs(got-want) > 1e-15 {
		t.Fatalf("invalid rev1 target: got=%g, want=%g", got, want)
	}
}

func TestSync(t *testing.T) {
	for _, tc := range []struct {
		name    string
		batches []int
		iters   int
	}{
		{"single", []int{10}, 1},
		{"multi", []int{10, 10, 10}, 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := fakehw.NewRecorder()
			f := newFakeTDC(rec, 10e6, 125e6)
			s, _ := newTestSync(t, f, WithTraceDelay(0.25e-9))

			res, err := s.Sync(tc.batches, 0x8000)
			if err != nil {
				t.Fatalf("could not synchronize: %+v", err)
			}
			if f.dac.sets[0] != 0x8000 {
				t.Fatalf("phase DAC not reset to midscale: %x", f.dac.sets)
			}
			if got, want := res.Iterations, tc.iters; got != want {
				t.Fatalf("invalid iterations: got=%d, want=%d", got, want)
			}
			if math.Abs(res.ResidualError) > MaxResidual {
				t.Fatalf("residual offset too large: %g", res.ResidualError)
			}
			if got, want := f.offset(), s.Target(); math.Abs(got-want) > 2*f.step {
				t.Fatalf("clock not aligned: got=%g, want=%g", got, want)
			}
			if got, want := res.DACCode, f.dac.code; got != want {
				t.Fatalf("invalid DAC code: got=0x%x, want=0x%x", got, want)
			}
			if got, want := s.Result(), res; got != want {
				t.Fatalf("invalid last result: got=%+v, want=%+v", got, want)
			}
			if rec.Index("tdc", regControl, ctlRearm) < 0 {
				t.Fatalf("TDC not re-armed after correction")
			}
		})
	}
}

func TestSyncFailures(t *testing.T) {
	t.Run("residual", func(t *testing.T) {
		rec := fakehw.NewRecorder()
		f := newFakeTDC(rec, 10e6, 125e6)
		f.initial = 3.35e-9
		f.dac.stuck = true
		f.dac.code = 0x8000
		s, _ := newTestSync(t, f)

		res, err := s.Sync([]int{4}, 0x8000)
		if !errors.Is(err, dbinit.ErrSync) {
			t.Fatalf("invalid error: %+v", err)
		}
		var serr *SyncError
		if !errors.As(err, &serr) {
			t.Fatalf("invalid error type: %T", err)
		}
		if serr.Result != res {
			t.Fatalf("invalid result: got=%+v, want=%+v", serr.Result, res)
		}
	})

	t.Run("lock-lost", func(t *testing.T) {
		rec := fakehw.NewRecorder()
		f := newFakeTDC(rec, 10e6, 125e6)
		f.lmk.locked = false
		s, _ := newTestSync(t, f)

		_, err := s.Sync([]int{4}, 0x8000)
		if !errors.Is(err, dbinit.ErrLock) {
			t.Fatalf("invalid error: %+v", err)
		}
	})

	t.Run("no-batch", func(t *testing.T) {
		rec := fakehw.NewRecorder()
		f := newFakeTDC(rec, 10e6, 125e6)
		s, _ := newTestSync(t, f)
		_, err := s.Sync(nil, 0x8000)
		if err == nil {
			t.Fatalf("expected an error")
		}
	})
}
