// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package realloc

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/sys/unix"

	"git.lukeshu.com/e4rat-ng/lib/ext4"
	"git.lukeshu.com/e4rat-ng/lib/ext4/ext4buddy"
)

// ErrNoFreeSpace is returned when no free blocks at all could be
// found.
var ErrNoFreeSpace = errors.New("out of disk space")

// FindFreeSpace looks for `length` contiguous free blocks, preferably
// near `hint`.
//
// Requests that do not fit in one preallocation go to the buddy cache
// first, to find a whole empty flex group (or group); everything else
// asks the kernel, see FindExtent.
//
// If the extent found is shorter than `length`, it is returned
// together with a *ext4.ShortAllocationError.  If nothing is found,
// the error is ErrNoFreeSpace.
func FindFreeSpace(ctx context.Context, dev ext4.Device, hint, length uint64) (ext4.Extent, error) {
	geo, err := dev.Geometry()
	if err != nil {
		return ext4.Extent{}, err
	}

	if length > geo.MaxPreallocLen() {
		ext, ok, err := findEmptyRegion(ctx, dev, geo, length)
		if err != nil {
			return ext4.Extent{}, err
		}
		if ok {
			return checkLength(ext, hint, length)
		}
	}

	ext, err := FindExtent(ctx, dev, hint, length)
	if err != nil {
		return ext4.Extent{}, err
	}
	return checkLength(ext, hint, length)
}

func findEmptyRegion(ctx context.Context, dev ext4.Device, geo ext4.Geometry, length uint64) (ext4.Extent, bool, error) {
	buddy, err := ext4buddy.New(dev)
	if err != nil {
		return ext4.Extent{}, false, err
	}
	if length > geo.BlocksPerGroup {
		flex, err := buddy.FindEmptyFlex()
		if err != nil {
			return ext4.Extent{}, false, err
		}
		if flex >= 0 {
			ext := buddy.FlexExtent(uint64(flex))
			dlog.Debugf(ctx, "found empty flex group %d: %v", flex, ext)
			return ext, true, nil
		}
	}
	group, err := buddy.FindEmptyGroup()
	if err != nil {
		return ext4.Extent{}, false, err
	}
	if group >= 0 {
		ext := buddy.GroupExtent(uint64(group))
		dlog.Debugf(ctx, "found empty block group %d: %v", group, ext)
		return ext, true, nil
	}
	return ext4.Extent{}, false, nil
}

func checkLength(ext ext4.Extent, hint, length uint64) (ext4.Extent, error) {
	switch {
	case ext.Len == 0:
		return ext4.Extent{}, ErrNoFreeSpace
	case ext.Len < length:
		return ext, &ext4.ShortAllocationError{
			Requested: ext4.Extent{Start: hint, Len: length},
			Granted:   ext,
		}
	default:
		return ext, nil
	}
}

// maxPreallocEntries is how many of a throwaway file's
// preallocations FindExtent looks at.
const maxPreallocEntries = 10

// FindExtent asks the kernel where it would put up to one
// preallocation's worth of blocks near `hint`: it reserves them
// (advisory) for a throwaway file, reads back the largest piece of
// the reservation, and discards the reservation again.
//
// The result may be shorter than `length`; it is zero-length only
// together with an error.
func FindExtent(ctx context.Context, dev ext4.Device, hint, length uint64) (_ ext4.Extent, err error) {
	geo, err := dev.Geometry()
	if err != nil {
		return ext4.Extent{}, err
	}
	mnt, err := dev.MountPoint()
	if err != nil {
		return ext4.Extent{}, err
	}

	fh, err := os.CreateTemp(mnt, ".e4rat-probe-*")
	if err != nil {
		return ext4.Extent{}, fmt.Errorf("cannot create temporary file: %w", err)
	}
	defer func() {
		if _err := fh.Close(); err == nil && _err != nil {
			err = _err
		}
	}()
	if err := os.Remove(fh.Name()); err != nil {
		return ext4.Extent{}, err
	}

	if length > geo.MaxPreallocLen() {
		length = geo.MaxPreallocLen()
	}
	if hint >= geo.BlocksCount {
		hint = geo.FirstDataBlock
	}

	var best ext4.Extent
	err = dev.Preallocate(fh, hint, 0, length, ext4.PAAdvisory)
	var short *ext4.ShortAllocationError
	switch {
	case err == nil:
		list, err := dev.PreallocList(fh, maxPreallocEntries)
		if err != nil {
			return ext4.Extent{}, err
		}
		for _, pa := range list {
			if uint64(pa.Len) > best.Len {
				best = ext4.Extent{Start: pa.PStart, Len: uint64(pa.Len)}
			}
		}
	case errors.As(err, &short):
		best = short.Granted
	case errors.Is(err, unix.ENOSPC):
		return ext4.Extent{}, ErrNoFreeSpace
	default:
		return ext4.Extent{}, err
	}

	if err := dev.Preallocate(fh, 0, 0, 0, ext4.PADiscard); err != nil {
		return ext4.Extent{}, err
	}
	if best.Len == 0 {
		return ext4.Extent{}, ErrNoFreeSpace
	}
	dlog.Tracef(ctx, "kernel offers %v near %d", best, hint)
	return best, nil
}
