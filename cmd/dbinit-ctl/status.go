// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-lpc/dbinit/board"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Dump the JESD204B link status of the daughterboards",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cfgFile)
		if err != nil {
			return err
		}
		sel, err := cfg.selectSlots(slots)
		if err != nil {
			return err
		}
		boards, closeAll, err := openBoards(cmd.Context(), cfg, sel, nil)
		if err != nil {
			return err
		}
		defer closeAll()

		var bad []string
		for _, brd := range boards {
			ok, err := printStatus(cmd.OutOrStdout(), brd)
			if err != nil {
				return err
			}
			if !ok {
				bad = append(bad, fmt.Sprint(brd.Slot()))
			}
		}
		if len(bad) > 0 {
			return fmt.Errorf("links down on slot(s) %s", strings.Join(bad, ", "))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func printStatus(w io.Writer, brd *board.Board) (bool, error) {
	st, err := brd.LinkStatus()
	if err != nil {
		return false, fmt.Errorf("slot %d: could not read link status: %w", brd.Slot(), err)
	}

	fmt.Fprintf(w, "slot %d (%s):\n", brd.Slot(), brd.Family().Name)
	fmt.Fprintf(w, "  framer:   %v\n", st.FramerFlags)
	fmt.Fprintf(w, "  deframer: %v\n", st.DeframerFlags)
	fmt.Fprintf(w, "  %v\n", st.ADC)
	fmt.Fprintf(w, "  %v\n", st.DAC)
	xcvr := brd.Transceiver()
	for i := 0; i < xcvr.Lanes(); i++ {
		lane, err := xcvr.State(i)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(
			w, "  lane %d: qpll-locked=%v rx-reset-done=%v tx-reset-done=%v rate=%vGbps\n",
			i, lane.QPLLLocked, lane.RxResetDone, lane.TxResetDone, lane.Rate.LaneRate/1e9,
		)
	}
	return st.FramerFlags.Good && st.DeframerFlags.Good && st.ADC.Good && st.DAC.Good, nil
}
