// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command dbinit-ctl brings up and inspects the daughterboards of a radio.
//
// Usage:
//
//	$> dbinit-ctl init --ref 10e6 --mcr 125e6
//	$> dbinit-ctl status --slot 1
//	$> dbinit-ctl shell --slot 0
//	$> dbinit-ctl adapters
//
// The layout of the slots is read from a dbinit.{json,toml,yaml} file
// searched for in /etc/dbinit, $HOME/.config/dbinit and the current
// directory.
package main // import "github.com/go-lpc/dbinit/cmd/dbinit-ctl"

import (
	"fmt"
	"log"
	"os"

	"github.com/go-lpc/dbinit"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	slots   []int
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "dbinit-ctl",
	Short: "Daughterboard bringup and inspection",
	Long: `dbinit-ctl configures the clocks, transceivers and converters of the
daughterboards of a radio and trains their JESD204B links.

Examples:
  dbinit-ctl init --ref 10e6 --mcr 125e6      # bring up all the slots
  dbinit-ctl init --slot 1 --fast --alert     # fast re-init of slot 1
  dbinit-ctl status                           # dump the link status
  dbinit-ctl shell --slot 0                   # register console`,
	SilenceUsage: true,
}

func main() {
	log.SetPrefix("dbinit-ctl: ")
	log.SetFlags(0)

	if v, _ := dbinit.Version(); v != "" {
		rootCmd.Version = v
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().IntSliceVar(&slots, "slot", nil, "slots to operate on (default: all configured slots)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log the accesses of the drivers")
}
