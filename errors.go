// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dbinit

import "errors"

// Error kinds returned by the bringup drivers.
// Concrete error values wrap one of these and can be tested with errors.Is.
var (
	ErrTransport       = errors.New("dbinit: transport error")
	ErrCompat          = errors.New("dbinit: incompatible FPGA image")
	ErrLock            = errors.New("dbinit: PLL did not lock")
	ErrLink            = errors.New("dbinit: JESD link did not train")
	ErrSync            = errors.New("dbinit: clock synchronization failed")
	ErrUnsupportedRate = errors.New("dbinit: unsupported rate")
	ErrInvalidSource   = errors.New("dbinit: invalid clock/time source")
	ErrChipState       = errors.New("dbinit: unexpected chip state")
	ErrClockConfig     = errors.New("dbinit: invalid clock configuration")
)
