// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package realloc

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/e4rat-ng/lib/textui"
)

// Stats is what happened to the candidates of one Engine.Run.
type Stats struct {
	Total int `json:"total"`

	// Candidates that were rejected, by reason.
	Unavailable     int `json:"unavailable"`
	WrongFileSystem int `json:"wrong_filesystem"`
	InvalidType     int `json:"invalid_type"`
	NotWritable     int `json:"not_writable"`
	NotExtentBased  int `json:"not_extent_based"`
	Empty           int `json:"empty"`

	// Sparse files are not rejected; they are counted because the
	// modes other than ModePrealloc do not keep their holes.
	Sparse int `json:"sparse"`

	Relocated int `json:"relocated"`

	Devices []DeviceReport `json:"devices"`
}

// DeviceReport is the outcome for the files on one device.
type DeviceReport struct {
	Device     string `json:"device"`
	MountPoint string `json:"mount_point"`
	Mode       Mode   `json:"mode"`
	Files      int    `json:"files"`
	Blocks     uint64 `json:"blocks"`

	// Fragment counts of the batch as a whole: as it was, as the
	// donors are laid out, and the least that is possible.
	FragsBefore   int `json:"frags_before"`
	FragsDonor    int `json:"frags_donor"`
	FragsBestCase int `json:"frags_best_case"`

	Relocated int    `json:"relocated"`
	Err       string `json:"error,omitempty"`
}

func (s *Stats) logNotices(ctx context.Context) {
	notice := func(n int, msg string) {
		if n > 0 {
			dlog.Infof(ctx, "%v file(s) %s", textui.Portion[int]{N: n, D: s.Total}, msg)
		}
	}
	notice(s.Unavailable, "are not available")
	notice(s.WrongFileSystem, "not on a valid ext4 filesystem")
	notice(s.InvalidType, "have invalid file type")
	notice(s.NotWritable, "are presently not writable")
	notice(s.NotExtentBased, "cannot set inode extent flag")
	notice(s.Empty, "have no blocks")
}

// relocateStats is the progress line of the relocation step.
type relocateStats struct {
	Files     textui.Portion[int]
	Blocks    textui.Portion[uint64]
	BlockSize uint64
}

func (s relocateStats) String() string {
	return textui.Sprintf("... relocated %v files (%v blocks, %v)",
		s.Files, s.Blocks, textui.IEC(s.Blocks.N*s.BlockSize, "B"))
}

var _ fmt.Stringer = relocateStats{}
