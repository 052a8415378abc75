// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package realloc

import (
	"context"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/e4rat-ng/lib/ext4"
)

// localityGroupCPU is the CPU whose locality group the donors go into.
const localityGroupCPU = 0

// buildDonorsLocalityGroup lets the kernel's multi-block allocator
// place the donors, after tuning it so that the whole batch goes
// into one locality group.
//
// Locality groups are only used for "small" files (fewer than
// mb_stream_req blocks), are sized by mb_group_prealloc, and are
// per-CPU.  A locality group larger than one block group is useless,
// since the allocator does not look across groups even with flex_bg.
func buildDonorsLocalityGroup(ctx context.Context, dev ext4.Device, sched Scheduler, pairs []OrigDonorPair) (err error) {
	geo, err := dev.Geometry()
	if err != nil {
		return err
	}
	mnt, err := dev.MountPoint()
	if err != nil {
		return err
	}

	tunables, err := dev.SaveTunables(ext4.TunableStreamReq, ext4.TunableGroupPrealloc)
	if err != nil {
		return err
	}
	defer func() {
		restoreCtx := dlog.WithField(dcontext.HardContext(ctx), "e4rat.realloc.substep", "restore-tunables")
		if _err := tunables.Restore(restoreCtx); _err != nil {
			if err == nil {
				err = _err
			} else {
				err = derror.MultiError{err, _err}
			}
		}
	}()

	total, largest := totalBlocks(pairs)
	groupPrealloc := total
	if groupPrealloc > geo.FreeBlocksPerGroup() {
		groupPrealloc = geo.FreeBlocksPerGroup()
	}
	tuneCtx := dlog.WithField(ctx, "e4rat.realloc.substep", "tune")
	if err := tunables.Set(tuneCtx, ext4.TunableGroupPrealloc, groupPrealloc); err != nil {
		return err
	}
	// Everything must count as "small", and the allocator must not
	// round requests up to a power of 2.
	if err := tunables.Set(tuneCtx, ext4.TunableStreamReq, largest+1); err != nil {
		return err
	}

	ctx = dlog.WithField(ctx, "e4rat.realloc.substep", "allocate")
	restoreCPU := sched.PinCPU(ctx, localityGroupCPU)
	defer restoreCPU()

	for i := range pairs {
		if pairs[i].Blocks == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := allocateDonor(dev, mnt, &pairs[i]); err != nil {
			return err
		}
	}
	return nil
}
