// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/go-lpc/dbinit/board"
	"github.com/go-lpc/dbinit/caldb"
	"github.com/sbinet/pmon"
	"github.com/spf13/cobra"
)

type initFlags struct {
	ref, mcr   float64
	clock, tm  string
	cals       string
	tracking   string
	fast       bool
	eyescan    bool
	prbs       bool
	loopback   bool
	alert      bool
	noCalDB    bool
	pmon       string
	pmonFreq   time.Duration
	calTimeout time.Duration
}

var initArgs initFlags

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bring up the daughterboards",
	Long: `init configures the clocks of the daughterboards, synchronizes them to
the reference PPS, and trains the JESD204B links of their converters.

All the selected slots are brought up concurrently. The first failure
stops the other bringups at their next phase.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cfgFile)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return runInit(ctx, cmd.OutOrStdout(), cfg, slots, initArgs)
	},
}

func init() {
	flags := initCmd.Flags()
	flags.Float64Var(&initArgs.ref, "ref", 10e6, "reference clock frequency (Hz)")
	flags.Float64Var(&initArgs.mcr, "mcr", 125e6, "master clock rate (Hz)")
	flags.StringVar(&initArgs.clock, "clock", "internal", "clock source")
	flags.StringVar(&initArgs.tm, "time", "internal", "time source")
	flags.StringVar(&initArgs.cals, "init-cals", "DEFAULT", "RFIC initialization calibrations")
	flags.StringVar(&initArgs.tracking, "tracking-cals", "DEFAULT", "RFIC tracking calibrations")
	flags.DurationVar(&initArgs.calTimeout, "init-cals-timeout", board.DefaultInitCalsTimeout, "timeout of the RFIC initialization calibrations")
	flags.BoolVar(&initArgs.fast, "fast", false, "skip the clock and transceiver configuration when nothing relevant changed")
	flags.BoolVar(&initArgs.eyescan, "eyescan", false, "run the RX eye scan after bringup")
	flags.BoolVar(&initArgs.prbs, "prbs", false, "run the TX PRBS sweep after bringup")
	flags.BoolVar(&initArgs.loopback, "loopback", false, "enable the digital loopback")
	flags.BoolVar(&initArgs.alert, "alert", false, "send a mail alert on bringup failure")
	flags.BoolVar(&initArgs.noCalDB, "no-caldb", false, "do not use the calibration database")
	flags.StringVar(&initArgs.pmon, "pmon", "", "path to a file where to write the resources usage of the bringup")
	flags.DurationVar(&initArgs.pmonFreq, "pmon-freq", 1*time.Second, "pmon frequency")

	rootCmd.AddCommand(initCmd)
}

func (f initFlags) params() (board.Params, error) {
	p := board.DefaultParams(f.ref, f.mcr)

	var err error
	p.ClockSource, err = board.ParseClockSource(f.clock)
	if err != nil {
		return p, err
	}
	p.TimeSource, err = board.ParseTimeSource(f.tm)
	if err != nil {
		return p, err
	}
	p.InitCals, err = board.ParseInitCals(f.cals)
	if err != nil {
		return p, err
	}
	p.TrackingCals, err = board.ParseTrackingCals(f.tracking)
	if err != nil {
		return p, err
	}
	p.InitCalsTimeout = f.calTimeout
	p.FastReinit = f.fast
	p.DigitalLoopback = f.loopback
	p.RxEyeScan = f.eyescan
	p.TxPRBS = f.prbs
	return p, nil
}

func runInit(ctx context.Context, w io.Writer, cfg Config, ids []int, args initFlags) error {
	p, err := args.params()
	if err != nil {
		return err
	}

	if args.pmon != "" {
		stop, err := monitor(args.pmon, args.pmonFreq)
		if err != nil {
			return err
		}
		defer stop()
	}

	var db *caldb.DB
	if !args.noCalDB {
		db, err = caldb.Open(cfg.CalDB)
		if err != nil {
			log.Printf("running without calibration data: %+v", err)
			db = nil
		}
	}
	if db != nil {
		defer db.Close()
	}

	sel, err := cfg.selectSlots(ids)
	if err != nil {
		return err
	}

	boards, closeAll, err := openBoards(ctx, cfg, sel, db)
	if err != nil {
		return err
	}
	defer closeAll()

	start := time.Now()
	err = board.InitializeAll(ctx, boards, p)
	if err != nil {
		if args.alert {
			alert(cfg.Mail, p, err)
		}
		return fmt.Errorf("could not initialize daughterboards: %w", err)
	}

	for i, brd := range boards {
		res := brd.SyncResult()
		fmt.Fprintf(
			w, "slot %d: %v residual=%.1fps dac=%d\n",
			brd.Slot(), brd.Profile(), res.ResidualError*1e12, res.DACCode,
		)
		if db == nil {
			continue
		}
		err = db.SaveSync(ctx, sel[i].Serial, res)
		if err != nil {
			log.Printf("could not record synchronization of slot %d: %+v", brd.Slot(), err)
		}
	}
	fmt.Fprintf(w, "bringup done in %v\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func openBoards(ctx context.Context, cfg Config, sel []SlotConfig, db *caldb.DB) ([]*board.Board, func(), error) {
	fam, err := board.LookupFamily(cfg.Family)
	if err != nil {
		return nil, nil, err
	}

	var (
		boards = make([]*board.Board, 0, len(sel))
		ports  = make([]board.Ports, 0, len(sel))
	)
	closeAll := func() {
		for _, p := range ports {
			closePorts(p)
		}
	}

	for _, slot := range sel {
		opts := []board.Option{
			board.WithLogger(log.New(os.Stdout, "", 0)),
			board.WithPhaseDACAddr(slot.PhaseDACAddr),
		}
		if verbose {
			opts[0] = board.WithLogger(log.New(os.Stdout, "", log.Lmicroseconds))
		}
		if db != nil && slot.Serial != "" {
			cal, err := db.Calibration(ctx, slot.Serial)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("slot %d: could not retrieve calibration: %w", slot.Slot, err)
			}
			opts = append(opts, board.WithCalibration(cal.TraceDelay, cal.DACSlope))
		}

		pp, err := openPorts(slot)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		ports = append(ports, pp)

		brd, err := board.New(slot.Slot, fam, pp, opts...)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		boards = append(boards, brd)
	}
	return boards, closeAll, nil
}

// monitor records the resources usage of the current process in fname.
func monitor(fname string, freq time.Duration) (func(), error) {
	p, err := pmon.Monitor(os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("could not start monitoring: %w", err)
	}
	f, err := os.Create(fname)
	if err != nil {
		return nil, fmt.Errorf("could not create pmon log file: %w", err)
	}
	p.W = f
	p.Freq = freq

	go func() {
		err := p.Run()
		if err != nil {
			log.Printf("could not run monitoring: %+v", err)
		}
	}()

	return func() {
		err := p.Kill()
		if err != nil {
			log.Printf("could not stop monitoring: %+v", err)
		}
		_ = f.Close()
	}, nil
}
