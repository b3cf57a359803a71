// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dbinit holds code to bring up the clocking and JESD204B links
// of radio daughterboards.
//
// The drivers live in sub-packages:
//   - rap: register access ports (MMIO, SPI, I2C).
//   - lmk: LMK04828 clock generator and fine-phase DAC.
//   - mgt: FPGA multi-gigabit transceivers.
//   - jesd: FPGA JESD204B framer and deframer.
//   - conv: ADC and DAC converters.
//   - tdc: TDC-based sample clock synchronizer.
//   - board: the per-board bringup sequencer.
package dbinit // import "github.com/go-lpc/dbinit"

import (
	"fmt"
	"runtime/debug"
)

// Version returns the version of dbinit and its checksum.
// The returned values are only valid in binaries built with module support.
func Version() (version, sum string) {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	return versionOf(b)
}

func versionOf(b *debug.BuildInfo) (version, sum string) {
	if b == nil {
		return "", ""
	}

	const root = "github.com/go-lpc/dbinit"
	if b.Main.Path == root {
		return b.Main.Version, b.Main.Sum
	}
	for _, m := range b.Deps {
		if m.Path != root {
			continue
		}
		if m.Replace != nil {
			switch {
			case m.Replace.Version != "" && m.Replace.Path != "":
				return fmt.Sprintf("%s %s", m.Replace.Path, m.Replace.Version), m.Replace.Sum
			case m.Replace.Version != "":
				return m.Replace.Version, m.Replace.Sum
			case m.Replace.Path != "":
				return m.Replace.Path, m.Replace.Sum
			default:
				return m.Version + "*", ""
			}
		}
		return m.Version, m.Sum
	}
	return "", ""
}
