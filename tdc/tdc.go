// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tdc aligns the sample clock of a daughterboard with the
// reference PPS, using the time-to-digital converter of the FPGA to
// measure the phase offset and the clock generator to correct it.
package tdc // import "github.com/go-lpc/dbinit/tdc"

import (
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/go-lpc/dbinit"
	"github.com/go-lpc/dbinit/internal/poll"
	"github.com/go-lpc/dbinit/rap"
)

// Registers of the TDC core.
const (
	regControl     = 0x000
	regStatus      = 0x008
	regRPOffset0   = 0x00c
	regRPOffset1   = 0x010
	regSPOffset0   = 0x014
	regSPOffset1   = 0x018
	regRPPeriod    = 0x020
	regSPPeriod    = 0x024
	regRPTPeriod   = 0x028
	regSPTPeriod   = 0x02c
	regMasterReset = 0x030
	regRepulse1    = 0x040
	regRepulse2    = 0x044
	regSignature   = 0x100
	regRevision    = 0x104
	regOldest      = 0x108
	regScratch     = 0x10c

	signature = 0x73796e63 // "sync"
	rev2      = 0x18021614 // first build code of the second TDC revision
)

const (
	ctlReset      = 0x2121
	ctlRelease    = 0x2
	ctlEnable     = 0x10
	ctlRearm      = 0x1000
	ctlOutDelayEn = 1 << 20
	ctlInDelayEn  = 1 << 28

	statusReset = 0x01
	statusReady = 0x10
	offsetValid = 0x100

	ppsOutStaticDelay = 2 + 2 // cycles of the radio clock
)

const (
	ppsInterval    = 100 * time.Millisecond
	ppsTimeout     = 1100 * time.Millisecond
	offsetInterval = 1 * time.Millisecond
	offsetTimeout  = 5 * time.Second
	dacSettle      = 500 * time.Millisecond
	resetSettle    = 1 * time.Millisecond
)

const (
	// MaxSkew is the maximum deviation of a measurement to the mean of its
	// batch.
	MaxSkew = 0.5e-9
	// MaxResidual is the maximum residual offset of a successful
	// synchronization.
	MaxResidual = 100e-12
)

// Compat is the compatibility of this software with the TDC core.
var Compat = dbinit.Compat{
	Current: 0x18032916,
	Oldest:  0x17060111,
}

var (
	refFreqs   = []float64{10e6, 20e6, 25e6, 62.5e6}
	radioFreqs = []float64{104e6, 122.88e6, 125e6, 153.6e6, 156.25e6, 200e6, 245.76e6, 250e6}
	pulseRates = []float64{1e6, 1.25e6, 1.2288e6} // order matters
)

// Shifter shifts the sample clock by whole VCO cycles.
type Shifter interface {
	Shift(n int) error
	PLLsLocked() (bool, error)
	VCOFreq() float64
}

// PhaseDAC fine-tunes the phase of the sample clock.
type PhaseDAC interface {
	Set(code uint16) error
	Code() uint16
}

// SyncResult is the outcome of a clock synchronization.
type SyncResult struct {
	MeasuredOffset float64 // mean measured offset of the last batch (s)
	ResidualError  float64 // distance to the target after the last batch (s)
	DACCode        uint16
	Iterations     int // number of applied corrections
}

// SyncError reports a residual offset above MaxResidual.
type SyncError struct {
	Result SyncResult
}

func (e *SyncError) Error() string {
	return fmt.Sprintf(
		"tdc: residual offset %.1f ps above %.1f ps after %d iterations",
		e.Result.ResidualError*1e12, MaxResidual*1e12, e.Result.Iterations,
	)
}

func (e *SyncError) Is(target error) bool { return target == dbinit.ErrSync }

type config struct {
	msg        *log.Logger
	clk        poll.Clock
	sw         dbinit.Compat
	traceDelay float64
	step       float64
	outDelay   uint8
	inDelay    uint8
}

// Option configures a clock synchronizer.
type Option func(*config)

// WithLogger sets the logger of the synchronizer.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithClock sets the clock used by polling loops and settling delays.
func WithClock(clk poll.Clock) Option {
	return func(cfg *config) {
		cfg.clk = clk
	}
}

// WithCompat overrides the compatibility of the software with the core.
func WithCompat(sw dbinit.Compat) Option {
	return func(cfg *config) {
		cfg.sw = sw
	}
}

// WithTraceDelay adds the routing delay of the slot to the target offset.
func WithTraceDelay(d float64) Option {
	return func(cfg *config) {
		cfg.traceDelay = d
	}
}

// WithFineStep sets the phase shift of one phase DAC code, in seconds.
func WithFineStep(step float64) Option {
	return func(cfg *config) {
		cfg.step = step
	}
}

// WithPipeDelays sets the variable delays of the PPS output and input
// pipelines, in radio clock cycles (0-15).
func WithPipeDelays(out, in uint8) Option {
	return func(cfg *config) {
		cfg.outDelay = out & 0xf
		cfg.inDelay = in & 0xf
	}
}

// Synchronizer runs the clock synchronization of a daughterboard slot.
type Synchronizer struct {
	port *rap.Port
	lmk  Shifter
	dac  PhaseDAC
	msg  *log.Logger
	clk  poll.Clock

	cfg   config
	ref   float64
	radio float64

	rev        int
	measClk    float64
	configured bool
	last       SyncResult
}

// New returns a synchronizer for the TDC core behind port, measuring the
// radio clock against the reference clock.
func New(port *rap.Port, ref, radio float64, lmk Shifter, dac PhaseDAC, opts ...Option) (*Synchronizer, error) {
	cfg := config{
		msg:  log.New(os.Stdout, "tdc: ", 0),
		clk:  poll.System,
		sw:   Compat,
		step: 1.1e-12,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !contains(refFreqs, ref) {
		return nil, fmt.Errorf("tdc: unsupported reference clock %.2f MHz: %w", ref*1e-6, dbinit.ErrClockConfig)
	}
	if !contains(radioFreqs, radio) {
		return nil, fmt.Errorf("tdc: unsupported radio clock %.2f MHz: %w", radio*1e-6, dbinit.ErrClockConfig)
	}
	if cfg.step <= 0 {
		return nil, fmt.Errorf("tdc: invalid fine delay step %g", cfg.step)
	}

	return &Synchronizer{
		port:  port,
		lmk:   lmk,
		dac:   dac,
		msg:   cfg.msg,
		clk:   cfg.clk,
		cfg:   cfg,
		ref:   ref,
		radio: radio,
		rev:   1,
	}, nil
}

func contains(vs []float64, v float64) bool {
	for _, x := range vs {
		if math.Abs(x-v) <= 1e-6*x {
			return true
		}
	}
	return false
}

// Revision returns the revision of the TDC, as found by CheckCompat.
func (s *Synchronizer) Revision() int { return s.rev }

// Result returns the outcome of the last synchronization.
func (s *Synchronizer) Result() SyncResult { return s.last }

// CheckCompat verifies the signature of the core and that the software and
// the FPGA image are compatible.
func (s *Synchronizer) CheckCompat() (dbinit.Compat, error) {
	var (
		sig  uint32
		fpga dbinit.Compat
	)
	err := s.port.Do(func(tx *rap.Tx) error {
		sig = tx.Peek32(regSignature)
		fpga.Current = tx.Peek32(regRevision)
		fpga.Oldest = tx.Peek32(regOldest)
		return tx.Err()
	})
	if err != nil {
		return fpga, fmt.Errorf("tdc: could not read core compat: %w", err)
	}
	if sig != signature {
		return fpga, fmt.Errorf(
			"tdc: core signature mismatch (got=0x%08x, want=0x%08x): %w",
			sig, signature, dbinit.ErrCompat,
		)
	}
	err = dbinit.CheckCompat("tdc", s.cfg.sw, fpga)
	if err != nil {
		return fpga, err
	}
	s.rev = 1
	if fpga.Current >= rev2 {
		s.rev = 2
	}
	s.msg.Printf("core build code: 0x%08x (oldest=0x%08x, rev=%d)", fpga.Current, fpga.Oldest, s.rev)
	return fpga, nil
}

// MasterReset toggles the master reset of the core and checks that its
// registers were cleared.
func (s *Synchronizer) MasterReset() error {
	var before, after uint32
	err := s.port.Do(func(tx *rap.Tx) error {
		tx.Poke32(regScratch, 0xdeadbeef)
		before = tx.Peek32(regScratch)
		tx.Poke32(regMasterReset, 0x01) // self-clearing
		after = tx.Peek32(regScratch)
		return tx.Err()
	})
	if err != nil {
		return fmt.Errorf("tdc: could not reset core: %w", err)
	}
	if before != 0xdeadbeef || after != 0 {
		return fmt.Errorf(
			"tdc: registers not cleared by master reset (scratch=0x%x/0x%x): %w",
			before, after, dbinit.ErrChipState,
		)
	}

	err = s.port.Poke32(regMasterReset, 0x10)
	if err != nil {
		return fmt.Errorf("tdc: could not reset core: %w", err)
	}
	s.clk.Sleep(resetSettle)
	err = s.port.Poke32(regMasterReset, 0x00)
	if err != nil {
		return fmt.Errorf("tdc: could not release core reset: %w", err)
	}
	s.configured = false
	return nil
}

func findRate(clk float64, rates []float64) (float64, error) {
	for _, rate := range rates {
		r := clk / rate
		if math.Abs(r-math.Round(r)) < 1e-9*r {
			return rate, nil
		}
	}
	return 0, fmt.Errorf("tdc: no pulse rate for a %.4f MHz clock: %w", clk*1e-6, dbinit.ErrClockConfig)
}

func pulser(clk float64, rates []float64) (rate float64, word uint32, err error) {
	rate, err = findRate(clk, rates)
	if err != nil {
		return 0, 0, err
	}
	period := uint32(math.Round(clk / rate))
	hi := period / 2
	if period > 0xffff || hi > 0x7fff {
		return 0, 0, fmt.Errorf("tdc: pulser period %d out of range: %w", period, dbinit.ErrClockConfig)
	}
	return rate, hi<<16 | period, nil
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Configure resets the TDC, programs its pulsers from the reference and
// radio clock rates, enables it and waits for the next PPS.
func (s *Synchronizer) Configure() error {
	s.configured = false
	if s.rev < 2 {
		s.measClk = 166.666666666667e6 * 5.5 / 1 / 5.375
	} else {
		s.measClk = 166.666666666667e6 * 21.875 / 3 / 6.125
	}

	var status uint32
	err := s.port.Do(func(tx *rap.Tx) error {
		tx.Poke32(regControl, ctlReset)
		status = tx.Peek32(regStatus) & 0xff
		return tx.Err()
	})
	if err != nil {
		return fmt.Errorf("tdc: could not reset TDC: %w", err)
	}
	if status != statusReset {
		return fmt.Errorf("tdc: TDC did not reset, check the clocks (status=0x%x): %w", status, dbinit.ErrChipState)
	}

	rpRates, spRates := pulseRates, pulseRates
	if s.rev < 2 {
		s.msg.Printf("running TDC in compatibility mode")
		rpRates, spRates = []float64{40e3}, []float64{40e3}
	}
	rpRate, rp, err := pulser(s.ref, rpRates)
	if err != nil {
		return err
	}
	spRate, sp, err := pulser(s.radio, spRates)
	if err != nil {
		return err
	}
	_, rpt, err := pulser(s.ref, []float64{10e3})
	if err != nil {
		return err
	}
	_, spt, err := pulser(s.radio, []float64{10e3})
	if err != nil {
		return err
	}
	rep := float64(gcd(uint64(math.Round(rpRate)), uint64(math.Round(spRate))))
	rep, err = findRate(s.ref, []float64{rep})
	if err != nil {
		return err
	}
	period := uint32(math.Round(s.ref / rep))
	if period > 0xffffff {
		return fmt.Errorf("tdc: restart pulser period %d out of range: %w", period, dbinit.ErrClockConfig)
	}

	err = s.port.Do(func(tx *rap.Tx) error {
		tx.Poke32(regRepulse1, period&0xffffff)
		tx.Poke32(regRepulse2, (period/2)&0x7fffff)
		tx.Poke32(regRPPeriod, rp)
		tx.Poke32(regSPPeriod, sp)
		tx.Poke32(regRPTPeriod, rpt)
		tx.Poke32(regSPTPeriod, spt)
		tx.Poke32(regControl, ctlRelease)
		status = tx.Peek32(regStatus) & 0xff
		return tx.Err()
	})
	if err != nil {
		return fmt.Errorf("tdc: could not program pulsers: %w", err)
	}
	if status != 0 {
		return fmt.Errorf("tdc: TDC reset did not clear, check the clocks (status=0x%x): %w", status, dbinit.ErrChipState)
	}

	err = s.port.Do(func(tx *rap.Tx) error {
		tx.Poke32(regControl, uint32(s.cfg.outDelay)<<16|ctlOutDelayEn)
		tx.Poke32(regControl, uint32(s.cfg.inDelay)<<24|ctlInDelayEn)
		tx.Poke32(regControl, ctlEnable)
		return tx.Err()
	})
	if err != nil {
		return fmt.Errorf("tdc: could not enable TDC: %w", err)
	}

	err = poll.Until(s.clk, ppsInterval, ppsTimeout, func() (bool, error) {
		v, err := s.port.Peek32(regStatus)
		if err != nil {
			return false, err
		}
		status = v
		return v == statusReady, nil
	})
	switch {
	case errors.Is(err, poll.ErrTimeout):
		return fmt.Errorf("tdc: PPS not captured within %v (status=0x%x): %w", ppsTimeout, status, dbinit.ErrSync)
	case err != nil:
		return fmt.Errorf("tdc: could not read TDC status: %w", err)
	}
	s.configured = true
	return nil
}

// offset returns one measurement of the offset from the sample clock
// pulse to the reference pulse, in seconds.
func (s *Synchronizer) offset() (float64, error) {
	var msb uint32
	err := poll.Until(s.clk, offsetInterval, offsetTimeout, func() (bool, error) {
		var err error
		msb, err = s.port.Peek32(regSPOffset1)
		if err != nil {
			return false, err
		}
		return msb&offsetValid != 0, nil
	})
	switch {
	case errors.Is(err, poll.ErrTimeout):
		return 0, fmt.Errorf("tdc: offsets not updated within %v: %w", offsetTimeout, dbinit.ErrSync)
	case err != nil:
		return 0, fmt.Errorf("tdc: could not read offsets: %w", err)
	}

	var spLo, rpHi, rpLo uint32
	err = s.port.Do(func(tx *rap.Tx) error {
		spLo = tx.Peek32(regSPOffset0)
		rpHi = tx.Peek32(regRPOffset1)
		rpLo = tx.Peek32(regRPOffset0)
		return tx.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("tdc: could not read offsets: %w", err)
	}

	sp := int64(msb&0xff)<<32 | int64(spLo)
	rp := int64(rpHi&0xff)<<32 | int64(rpLo)
	d := float64(sp-rp) / (1 << 27) / s.measClk
	return d + 1/s.ref - 1/s.radio, nil
}

// Measure returns the mean of n offset measurements.
func (s *Synchronizer) Measure(n int) (float64, error) {
	if !s.configured {
		return 0, fmt.Errorf("tdc: measurement requested before configuration: %w", dbinit.ErrChipState)
	}
	if n <= 0 {
		return 0, fmt.Errorf("tdc: invalid batch size %d", n)
	}
	vs := make([]float64, n)
	sum := 0.0
	for i := range vs {
		v, err := s.offset()
		if err != nil {
			return 0, err
		}
		vs[i] = v
		sum += v
	}
	mean := sum / float64(n)
	lo, hi := vs[0], vs[0]
	for _, v := range vs {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	s.msg.Printf("batch=%d mean=%.3fns range=%.3fns", n, mean*1e9, (hi-lo)*1e9)
	if mean-lo > MaxSkew || hi-mean > MaxSkew {
		return mean, fmt.Errorf(
			"tdc: measurements out of range (mean=%.3fns, min=%.3fns, max=%.3fns): %w",
			mean*1e9, lo*1e9, hi*1e9, dbinit.ErrSync,
		)
	}
	return mean, nil
}

// Target returns the offset to align the sample clock to.
func (s *Synchronizer) Target() float64 {
	if s.rev < 2 {
		return 1/s.ref + 3.5/s.radio + s.cfg.traceDelay
	}
	delay := float64(int(s.cfg.outDelay) + ppsOutStaticDelay)
	return -delay/s.radio + s.cfg.traceDelay
}

// oracle splits the distance from current to target into whole VCO cycles
// and phase DAC codes.
func oracle(target, current, vco, step float64) (coarse, fine int, dist float64) {
	dist = target - current
	sign := 1
	if dist < 0 {
		sign = -1
	}
	cycle := 1 / vco
	n := math.Floor(math.Abs(dist) / cycle)
	rem := math.Abs(dist) - n*cycle
	coarse = int(n) * sign
	fine = int(math.Floor(rem/step)) * sign
	return coarse, fine, dist
}

// Align computes the correction bringing current to the target offset and
// applies it, unless reportOnly is set.
// Align returns the distance to the target before the correction.
func (s *Synchronizer) Align(current float64, reportOnly bool) (float64, error) {
	if !s.configured {
		return 0, fmt.Errorf("tdc: alignment requested before configuration: %w", dbinit.ErrChipState)
	}
	coarse, fine, dist := oracle(s.Target(), current, s.lmk.VCOFreq(), s.cfg.step)
	s.msg.Printf("distance=%.3fns coarse=%d fine=%d", dist*1e9, coarse, fine)
	if reportOnly {
		return dist, nil
	}

	err := s.lmk.Shift(coarse)
	if err != nil {
		return dist, fmt.Errorf("tdc: could not apply coarse correction: %w", err)
	}

	code := int(s.dac.Code()) + fine
	switch {
	case code < 0:
		code = 0
	case code > 0xffff:
		code = 0xffff
	}
	err = s.dac.Set(uint16(code))
	if err != nil {
		return dist, fmt.Errorf("tdc: could not apply fine correction: %w", err)
	}
	s.clk.Sleep(dacSettle)

	locked, err := s.lmk.PLLsLocked()
	switch {
	case err != nil:
		return dist, err
	case !locked:
		return dist, fmt.Errorf("tdc: clock generator lost lock during synchronization: %w", dbinit.ErrLock)
	}

	err = s.port.Poke32(regControl, ctlRearm)
	if err != nil {
		return dist, fmt.Errorf("tdc: could not re-arm TDC: %w", err)
	}
	return dist, nil
}

// Sync aligns the sample clock to the reference PPS.
//
// Sync configures the TDC and sets the phase DAC to midscale. Each batch
// size of batches is the number of measurements averaged before a
// correction. Once all corrections are applied, the residual offset is
// measured once more with the last batch size. A residual offset above
// MaxResidual is reported as a *SyncError.
func (s *Synchronizer) Sync(batches []int, midscale uint16) (SyncResult, error) {
	var res SyncResult
	if len(batches) == 0 {
		return res, fmt.Errorf("tdc: no measurement batch")
	}

	err := s.Configure()
	if err != nil {
		return res, err
	}
	err = s.dac.Set(midscale)
	if err != nil {
		return res, fmt.Errorf("tdc: could not set phase DAC to midscale: %w", err)
	}

	batches = append(batches[:len(batches):len(batches)], batches[len(batches)-1])
	for i, n := range batches {
		report := i == len(batches)-1
		meas, err := s.Measure(n)
		if err != nil {
			return res, err
		}
		dist, err := s.Align(meas, report)
		if err != nil {
			return res, err
		}
		res.MeasuredOffset = meas
		res.ResidualError = dist
		if !report {
			res.Iterations++
		}
	}
	res.DACCode = s.dac.Code()
	s.last = res
	s.msg.Printf("residual=%.1fps dac=0x%04x iterations=%d", res.ResidualError*1e12, res.DACCode, res.Iterations)

	if math.Abs(res.ResidualError) > MaxResidual {
		return res, &SyncError{Result: res}
	}
	return res, nil
}
