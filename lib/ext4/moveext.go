// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ext4

import (
	"fmt"
	"os"
)

// MoveExtent exchanges the blocks backing orig's logical blocks
// [logical, logical+length) with the same range of donor.  The kernel
// may move fewer blocks than asked per call; MoveExtent keeps calling
// until the whole range is moved.
func (d Device) MoveExtent(orig, donor *os.File, logical, length uint64) error {
	for moved := uint64(0); moved < length; {
		req := MoveExtentRequest{
			OrigStart:  logical + moved,
			DonorStart: logical + moved,
			Len:        length - moved,
		}
		if err := d.env.Kernel.MoveExtent(orig, donor, &req); err != nil {
			return &IoctlError{
				Op:   fmt.Sprintf("EXT4_IOC_MOVE_EXT(donor=%q, start=%d, len=%d)", donor.Name(), req.OrigStart, req.Len),
				Path: orig.Name(),
				Err:  err,
			}
		}
		if req.MovedLen == 0 {
			return &IoctlError{
				Op:   fmt.Sprintf("EXT4_IOC_MOVE_EXT(donor=%q, start=%d, len=%d)", donor.Name(), req.OrigStart, req.Len),
				Path: orig.Name(),
				Err:  fmt.Errorf("kernel moved 0 blocks"),
			}
		}
		moved += req.MovedLen
	}
	return nil
}
