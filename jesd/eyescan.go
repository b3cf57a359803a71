// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package jesd

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-lpc/dbinit"
	"github.com/go-lpc/dbinit/internal/poll"
	"github.com/go-lpc/dbinit/mgt"
)

// DRP attributes of the GTX eye scan.
const (
	esQualifier  = 0x02c // ES_QUALIFIER [79:0] over 0x02c-0x030
	esQualMask   = 0x031 // ES_QUAL_MASK [79:0] over 0x031-0x035
	esSDataMask  = 0x036 // ES_SDATA_MASK [79:0] over 0x036-0x03a
	esPrescale   = 0x03b // ES_PRESCALE [15:11], ES_VERT_OFFSET [8:0]
	esHorzOffset = 0x03c // ES_HORZ_OFFSET [11:0]
	esControl    = 0x03d
	esErrCount   = 0x14f
	esSmplCount  = 0x150
	esStatus     = 0x151
	pmaRsv2      = 0x082

	esStateEnd = 0x2
)

var esSDataMasks = map[int][5]uint16{
	16: {0xffff, 0x00ff, 0xff00, 0xffff, 0xffff},
	20: {0xffff, 0x000f, 0xff00, 0xffff, 0xffff},
	32: {0x00ff, 0x0000, 0xff00, 0xffff, 0xffff},
	40: {0x0000, 0x0000, 0xff00, 0xffff, 0xffff},
}

const (
	eyeInterval = 1 * time.Millisecond
	eyeTimeout  = 10 * time.Second
)

// Range is a range of eye scan offsets, Stop excluded.
type Range struct {
	Start, Stop, Step int
}

func (r Range) values() []int {
	if r.Step <= 0 {
		return []int{r.Start}
	}
	var out []int
	for v := r.Start; v < r.Stop; v += r.Step {
		out = append(out, v)
	}
	return out
}

// EyePoint is the outcome of a statistical eye acquisition at one
// (horizontal, vertical) offset.
type EyePoint struct {
	Lane     int
	Hor      int // phase offset, [-32,32] maps to [-0.5,0.5] UI
	Ver      int // voltage offset, [-127,127]
	Errors   uint16
	Samples  uint16
	Prescale uint8
}

// BER returns the bit error ratio of the acquisition for a receiver with
// the provided internal data width.
func (p EyePoint) BER(width int) float64 {
	n := float64(p.Samples) * math.Pow(2, float64(1+p.Prescale)) * float64(width)
	if n == 0 {
		return math.NaN()
	}
	return float64(p.Errors) / n
}

// EyeScanner acquires statistical eyes of the RX lanes.
type EyeScanner struct {
	core     *Core
	lanes    []int
	prescale uint8
	width    int
}

// EyeScan configures the eye scan circuitry of the provided lanes.
// width is the RX internal data width (16, 20, 32 or 40 bits).
func (c *Core) EyeScan(lanes []int, prescale uint8, width int) (*EyeScanner, error) {
	sdata, ok := esSDataMasks[width]
	if !ok {
		return nil, fmt.Errorf("jesd: invalid RX data width %d", width)
	}
	if prescale > 31 {
		return nil, fmt.Errorf("jesd: invalid eye scan prescale %d", prescale)
	}

	x := c.xcvr
	for _, lane := range lanes {
		gt := mgt.Lane(lane)
		rsv2, err := x.DRPRead(gt, pmaRsv2)
		if err != nil {
			return nil, err
		}
		if rsv2&(1<<5) == 0 {
			return nil, fmt.Errorf("jesd: eye scan circuitry of lane %d powered down: %w", lane, dbinit.ErrChipState)
		}
		for i := uint16(0); i < 5; i++ {
			err = x.DRPWrite(gt, esQualifier+i, 0x0000)
			if err != nil {
				return nil, err
			}
			err = x.DRPWrite(gt, esQualMask+i, 0xffff)
			if err != nil {
				return nil, err
			}
			err = x.DRPWrite(gt, esSDataMask+i, sdata[i])
			if err != nil {
				return nil, err
			}
		}
		err = x.DRPModify(gt, esPrescale, 0xf800, uint16(prescale)<<11)
		if err != nil {
			return nil, err
		}
		c.msg.Printf("eye scan configured on lane %d", lane)
	}

	return &EyeScanner{
		core:     c,
		lanes:    append([]int(nil), lanes...),
		prescale: prescale,
		width:    width,
	}, nil
}

func (es *EyeScanner) control(lane int, run bool) error {
	ctl := uint16(1<<9 | 1<<8 | 1<<2) // error detection, eye scan enable, arm on error
	if run {
		ctl |= 1
	}
	return es.core.xcvr.DRPModify(mgt.Lane(lane), esControl, 0x023f|1<<8, ctl)
}

func (es *EyeScanner) offset(lane, hor, ver int) error {
	if hor < -32 || hor > 32 || ver < -127 || ver > 127 {
		return fmt.Errorf("jesd: invalid eye scan offset (hor=%d, ver=%d)", hor, ver)
	}
	vert := uint16(abs(ver) & 0x7f)
	if ver < 0 {
		vert |= 1 << 7
	}
	gt := mgt.Lane(lane)
	err := es.core.xcvr.DRPModify(gt, esPrescale, 0x01ff, vert)
	if err != nil {
		return err
	}
	return es.core.xcvr.DRPModify(gt, esHorzOffset, 0x0fff, uint16(hor)&0x0fff)
}

func (es *EyeScanner) wait(lane int) error {
	err := poll.Until(es.core.clk, eyeInterval, eyeTimeout, func() (bool, error) {
		st, err := es.core.xcvr.DRPRead(mgt.Lane(lane), esStatus)
		if err != nil {
			return false, err
		}
		return st&0x1 != 0 && (st>>1)&0x7 == esStateEnd, nil
	})
	if errors.Is(err, poll.ErrTimeout) {
		return fmt.Errorf("jesd: eye scan of lane %d did not complete: %w", lane, dbinit.ErrChipState)
	}
	return err
}

// Acquire runs one statistical eye acquisition on lane.
func (es *EyeScanner) Acquire(lane, hor, ver int) (EyePoint, error) {
	pt := EyePoint{Lane: lane, Hor: hor, Ver: ver, Prescale: es.prescale}
	err := es.control(lane, false)
	if err != nil {
		return pt, err
	}
	err = es.offset(lane, hor, ver)
	if err != nil {
		return pt, err
	}
	err = es.control(lane, true)
	if err != nil {
		return pt, err
	}
	err = es.wait(lane)
	if err != nil {
		return pt, err
	}
	err = es.control(lane, false)
	if err != nil {
		return pt, err
	}

	gt := mgt.Lane(lane)
	pt.Errors, err = es.core.xcvr.DRPRead(gt, esErrCount)
	if err != nil {
		return pt, err
	}
	pt.Samples, err = es.core.xcvr.DRPRead(gt, esSmplCount)
	if err != nil {
		return pt, err
	}
	return pt, nil
}

// Sweep acquires the eye of all the configured lanes over the provided
// offset ranges.
func (es *EyeScanner) Sweep(hor, ver Range) ([]EyePoint, error) {
	var out []EyePoint
	for _, h := range hor.values() {
		for _, v := range ver.values() {
			for _, lane := range es.lanes {
				pt, err := es.Acquire(lane, h, v)
				if err != nil {
					return out, fmt.Errorf("jesd: could not acquire eye of lane %d at (%d,%d): %w", lane, h, v, err)
				}
				out = append(out, pt)
			}
		}
	}
	return out, nil
}

// Close disables the eye scan circuitry of the configured lanes.
func (es *EyeScanner) Close() error {
	for _, lane := range es.lanes {
		err := es.core.xcvr.DRPModify(mgt.Lane(lane), esControl, 0x033f, 0)
		if err != nil {
			return fmt.Errorf("jesd: could not disable eye scan of lane %d: %w", lane, err)
		}
	}
	return nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
