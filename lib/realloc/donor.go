// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package realloc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/e4rat-ng/lib/ext4"
)

// OrigDonorPair is a file to relocate, and the donor file that holds
// the blocks it will get.
type OrigDonorPair struct {
	OrigPath string `json:"orig"`
	// DonorPath is empty until the donor has been created, and again
	// once it has been consumed or removed.
	DonorPath string `json:"donor,omitempty"`
	// Blocks is the logical size of the original, in blocks.
	Blocks uint64 `json:"blocks"`
	Sparse bool   `json:"sparse,omitempty"`
}

const donorPattern = ".e4rat-donor-*"

// BuildDonors creates a donor file for each pair that has blocks,
// using the given (resolved) mode.  Either every such pair has a
// donor afterward, or BuildDonors returns an error and none does.
func BuildDonors(ctx context.Context, dev ext4.Device, mode Mode, sched Scheduler, pairs []OrigDonorPair) (err error) {
	defer func() {
		if err != nil {
			removeDonors(ctx, pairs)
		}
	}()
	switch mode {
	case ModePrealloc:
		return buildDonorsPrealloc(ctx, dev, pairs)
	case ModeLocalityGroup:
		return buildDonorsLocalityGroup(ctx, dev, sched, pairs)
	case ModeTopLevelDir:
		return buildDonorsTopLevelDir(ctx, dev, pairs)
	default:
		return fmt.Errorf("should not happen: cannot build donors in mode %v", mode)
	}
}

// createDonor creates an empty file in dir, and records it as the
// pair's donor before anything else can fail.
func createDonor(dir string, pair *OrigDonorPair) (*os.File, error) {
	fh, err := os.CreateTemp(dir, donorPattern)
	if err != nil {
		return nil, fmt.Errorf("cannot create donor file: %w", err)
	}
	pair.DonorPath = fh.Name()
	return fh, nil
}

// allocateDonor creates a donor in dir and allocates all of its blocks
// with a single fallocate call.
func allocateDonor(dev ext4.Device, dir string, pair *OrigDonorPair) (err error) {
	fh, err := createDonor(dir, pair)
	if err != nil {
		return err
	}
	defer func() {
		if _err := fh.Close(); err == nil && _err != nil {
			err = _err
		}
	}()
	return dev.Allocate(fh, 0, pair.Blocks)
}

// removeDonors removes every donor that still exists.  A donor that
// is already gone is not an error; other failures are logged.
func removeDonors(ctx context.Context, pairs []OrigDonorPair) {
	for i := range pairs {
		if pairs[i].DonorPath == "" {
			continue
		}
		if err := os.Remove(pairs[i].DonorPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			dlog.Errorf(ctx, "cannot remove donor file: %v", err)
			continue
		}
		pairs[i].DonorPath = ""
	}
}

func totalBlocks(pairs []OrigDonorPair) (total, largest uint64) {
	for _, pair := range pairs {
		total += pair.Blocks
		if pair.Blocks > largest {
			largest = pair.Blocks
		}
	}
	return total, largest
}
