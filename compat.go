// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dbinit

import "fmt"

// Compat describes the compatibility of an FPGA block or of the software
// driving it. Versions are packed yymmddhh build codes.
type Compat struct {
	Current uint32 // version of this build
	Oldest  uint32 // oldest version this build can work with
}

// Major returns the upper half of the current version.
func (c Compat) Major() uint16 { return uint16(c.Current >> 16) }

// Minor returns the lower half of the current version.
func (c Compat) Minor() uint16 { return uint16(c.Current) }

func (c Compat) String() string {
	return fmt.Sprintf("0x%08x (oldest=0x%08x)", c.Current, c.Oldest)
}

// CompatError describes an FPGA image the software can not drive.
type CompatError struct {
	Block string // name of the FPGA block
	SW    Compat
	FPGA  Compat
}

func (e *CompatError) Error() string {
	return fmt.Sprintf(
		"dbinit: %s FPGA image %v incompatible with software %v",
		e.Block, e.FPGA, e.SW,
	)
}

func (e *CompatError) Is(target error) bool { return target == ErrCompat }

// CheckCompat checks that the software and the FPGA block can work together:
// the software must not be older than the oldest version the FPGA supports,
// and the FPGA must not be older than the oldest version the software
// supports.
func CheckCompat(block string, sw, fpga Compat) error {
	if sw.Current < fpga.Oldest || fpga.Current < sw.Oldest {
		return &CompatError{Block: block, SW: sw, FPGA: fpga}
	}
	return nil
}
