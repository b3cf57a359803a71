// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"fmt"
	"time"

	"github.com/go-lpc/dbinit/conv"
	"github.com/go-lpc/dbinit/jesd"
	"github.com/go-lpc/dbinit/mgt"
)

const (
	rxDataWidth = 20
	alarmPoll   = 1 * time.Millisecond
)

// PRBSResult is the outcome of the TX PRBS check of one lane with one TX
// PHY setting.
type PRBSResult struct {
	Phy    mgt.TxPhy
	Lane   int
	Alarms int // number of polls with the ALARM output raised
	Polls  int
}

// Pass reports whether the DAC never raised its ALARM output.
func (res PRBSResult) Pass() bool { return res.Alarms == 0 }

func (res PRBSResult) String() string {
	return fmt.Sprintf(
		"lane=%d swing=0x%x pre=0x%02x post=0x%02x alarms=%d/%d",
		res.Lane, res.Phy.Swing, res.Phy.Precursor, res.Phy.Postcursor, res.Alarms, res.Polls,
	)
}

// EyeScanResult returns the eye points of the last RX eye scan.
func (brd *Board) EyeScanResult() []jesd.EyePoint { return brd.eye }

// PRBSResult returns the results of the last TX PRBS sweep.
func (brd *Board) PRBSResult() []PRBSResult { return brd.prbs }

func (brd *Board) runHarnesses(p Params) error {
	if p.RxEyeScan {
		err := brd.RxEyeScan()
		if err != nil {
			return err
		}
	}
	if p.TxPRBS {
		err := brd.TxPRBS()
		if err != nil {
			return err
		}
	}
	return nil
}

func (brd *Board) lanes() []int {
	out := make([]int, brd.fam.L)
	for i := range out {
		out[i] = i
	}
	return out
}

// RxEyeScan drives the ADC test pattern and acquires the statistical eye
// of every RX lane. The links are trained again afterwards.
func (brd *Board) RxEyeScan() error {
	err := brd.adc.EnableTestPattern(true)
	if err != nil {
		return err
	}

	pts, err := brd.scanEye()
	brd.eye = pts

	// disabling the pattern resets the ADC.
	if e := brd.adc.EnableTestPattern(false); e != nil && err == nil {
		err = e
	}
	if err != nil {
		return err
	}
	err = brd.adc.Configure(brd.adc.Mode(), brd.adc.SyncLine())
	if err != nil {
		return err
	}
	brd.msg.Printf("eye scan: %d points", len(pts))
	return brd.retrain()
}

func (brd *Board) scanEye() ([]jesd.EyePoint, error) {
	es, err := brd.core.EyeScan(brd.lanes(), brd.cfg.eye.prescale, rxDataWidth)
	if err != nil {
		return nil, err
	}
	pts, err := es.Sweep(brd.cfg.eye.hor, brd.cfg.eye.ver)
	if e := es.Close(); e != nil && err == nil {
		err = e
	}
	return pts, err
}

// TxPRBS sweeps the TX PHY settings and checks, on every lane, the PRBS
// sequence received by the DAC. The TX PHY settings and the links are
// restored afterwards.
func (brd *Board) TxPRBS() error {
	sweep := brd.cfg.sweep
	orig := brd.xcvr.TxPhy()

	err := brd.core.SetPatternGen(jesd.PRBS31)
	if err != nil {
		return err
	}

	var res []PRBSResult
	err = func() error {
		for _, swing := range sweep.Swings {
			for _, pre := range sweep.Precursors {
				for _, post := range sweep.Postcursors {
					phy := mgt.TxPhy{Swing: swing, Precursor: pre, Postcursor: post}
					err := brd.xcvr.ConfigureTxPhy(phy)
					if err != nil {
						return err
					}
					for _, lane := range brd.lanes() {
						r, err := brd.checkPRBS(phy, lane, sweep.Polls)
						if err != nil {
							return err
						}
						res = append(res, r)
						brd.msg.Printf("prbs: %v", r)
					}
				}
			}
		}
		return nil
	}()
	brd.prbs = res

	if e := brd.core.SetPatternGen(jesd.PatternOff); e != nil && err == nil {
		err = e
	}
	if e := brd.xcvr.ConfigureTxPhy(orig); e != nil && err == nil {
		err = e
	}
	if err != nil {
		return err
	}
	return brd.retrain()
}

func (brd *Board) checkPRBS(phy mgt.TxPhy, lane, polls int) (res PRBSResult, err error) {
	res = PRBSResult{Phy: phy, Lane: lane, Polls: polls}
	err = brd.dac.TestMode(conv.TestPRBS31, lane)
	if err != nil {
		return res, err
	}
	defer func() {
		e := brd.dac.TestMode(conv.TestOff, lane)
		if e != nil && err == nil {
			err = e
		}
	}()

	for i := 0; i < polls; i++ {
		brd.clk.Sleep(alarmPoll)
		var alarm bool
		alarm, err = brd.dac.Alarm()
		if err != nil {
			return res, err
		}
		if alarm {
			res.Alarms++
		}
	}
	return res, nil
}

func (brd *Board) retrain() error {
	err := brd.train()
	if err != nil {
		return err
	}
	return brd.verify()
}
