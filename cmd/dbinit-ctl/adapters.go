// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/gousb"
	"github.com/spf13/cobra"
)

const ftdiVendor = 0x0403

// MPSSE-capable FTDI chips.
var ftdiChips = map[gousb.ID]string{
	0x6010: "FT2232H",
	0x6011: "FT4232H",
	0x6014: "FT232H",
}

// Adapter is an FTDI adapter usable as a SPI master.
type Adapter struct {
	Vendor  gousb.ID
	Product gousb.ID
	Bus     int
	Address int
	Chip    string
}

// Spec returns the backend spec of the adapter.
func (a Adapter) Spec() string {
	return fmt.Sprintf("ftdi:%v:%v", a.Vendor, a.Product)
}

func classifyAdapter(desc *gousb.DeviceDesc) (Adapter, bool) {
	if desc.Vendor != ftdiVendor {
		return Adapter{}, false
	}
	chip, ok := ftdiChips[desc.Product]
	if !ok {
		return Adapter{}, false
	}
	return Adapter{
		Vendor:  desc.Vendor,
		Product: desc.Product,
		Bus:     desc.Bus,
		Address: desc.Address,
		Chip:    chip,
	}, true
}

func listAdapters() ([]Adapter, error) {
	var out []Adapter
	usb := gousb.NewContext()
	defer usb.Close()

	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if a, ok := classifyAdapter(desc); ok {
			out = append(out, a)
		}
		return false
	})
	for _, dev := range devs {
		dev.Close()
	}
	if err != nil && !errors.Is(err, gousb.ErrorAccess) {
		return out, fmt.Errorf("could not enumerate USB devices: %w", err)
	}
	return out, nil
}

func printAdapters(w io.Writer, adapters []Adapter) {
	if len(adapters) == 0 {
		fmt.Fprintf(w, "no FTDI adapter found\n")
		return
	}
	for _, a := range adapters {
		fmt.Fprintf(w, "bus=%03d addr=%03d %-8s %s\n", a.Bus, a.Address, a.Chip, a.Spec())
	}
}

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "List the FTDI adapters usable as SPI masters",
	RunE: func(cmd *cobra.Command, args []string) error {
		adapters, err := listAdapters()
		if err != nil {
			return err
		}
		printAdapters(cmd.OutOrStdout(), adapters)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(adaptersCmd)
}
