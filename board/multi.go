// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// InitializeAll runs the bringup of all boards concurrently with the same
// parameters. Boards do not share register ports.
// The first failure cancels the context of the other bringups, which stop
// at their next phase boundary.
func InitializeAll(ctx context.Context, boards []*Board, p Params) error {
	seen := make(map[int]bool, len(boards))
	for _, brd := range boards {
		if seen[brd.slot] {
			return fmt.Errorf("board: slot %d initialized twice", brd.slot)
		}
		seen[brd.slot] = true
	}

	grp, ctx := errgroup.WithContext(ctx)
	for i := range boards {
		brd := boards[i]
		grp.Go(func() error {
			return brd.Initialize(ctx, p)
		})
	}
	return grp.Wait()
}
