// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package realloc

import (
	"context"
	"errors"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/e4rat-ng/lib/ext4"
)

// maxFruitlessRetries bounds how often in a row the kernel may answer
// a placement request with a different free range without any
// progress being made.
const maxFruitlessRetries = 16

// logicalRange is a range of a file's logical blocks.
type logicalRange struct {
	Start, Len uint64
}

// donorRanges returns the logical ranges that pair's donor needs:
// the whole file, or for a sparse file just its allocated extents.
func donorRanges(dev ext4.Device, pair OrigDonorPair) ([]logicalRange, error) {
	if !pair.Sparse {
		return []logicalRange{{Start: 0, Len: pair.Blocks}}, nil
	}
	geo, err := dev.Geometry()
	if err != nil {
		return nil, err
	}
	fileMap, err := dev.Env().FiemapPath(pair.OrigPath)
	if err != nil {
		return nil, err
	}
	ret := make([]logicalRange, 0, len(fileMap))
	for _, ext := range fileMap {
		ret = append(ret, logicalRange{
			Start: ext.Logical / geo.BlockSize,
			Len:   (ext.Length + geo.BlockSize - 1) / geo.BlockSize,
		})
	}
	return ret, nil
}

// paAllocator hands out consecutive free blocks, asking
// FindFreeSpace for more whenever the current free range runs out.
type paAllocator struct {
	dev       ext4.Device
	free      ext4.Extent
	remaining uint64
}

func (a *paAllocator) refill(ctx context.Context) error {
	ext, err := FindFreeSpace(ctx, a.dev, a.free.Start, a.remaining)
	var short *ext4.ShortAllocationError
	switch {
	case err == nil:
	case errors.As(err, &short):
		dlog.Debugf(ctx, "out of contiguous space: wanted %d blocks, have %v", a.remaining, ext)
	default:
		return err
	}
	a.free = ext
	return nil
}

// place reserves donor blocks for the logical range r of fh.
func (a *paAllocator) place(ctx context.Context, name string, reserve func(phys, logical, n uint64) error, r logicalRange) error {
	fruitless := 0
	for done := uint64(0); done < r.Len; {
		if a.free.Len == 0 {
			if err := a.refill(ctx); err != nil {
				return err
			}
		}
		n := r.Len - done
		if n > a.free.Len {
			n = a.free.Len
		}
		err := reserve(a.free.Start, r.Start+done, n)
		var short *ext4.ShortAllocationError
		switch {
		case err == nil:
			done += n
			a.remaining -= n
			a.free.Start += n
			a.free.Len -= n
			fruitless = 0
		case errors.As(err, &short):
			done += short.Done
			a.remaining -= short.Done
			a.free = short.Granted
			if short.Done == 0 {
				fruitless++
				if fruitless > maxFruitlessRetries {
					return fmt.Errorf("%s: cannot place blocks: %w", name, err)
				}
			}
		default:
			return err
		}
	}
	return nil
}

// buildDonorsPrealloc reserves exactly the blocks that each donor
// should get, so that the donors of the batch lie back-to-back.
func buildDonorsPrealloc(ctx context.Context, dev ext4.Device, pairs []OrigDonorPair) error {
	mnt, err := dev.MountPoint()
	if err != nil {
		return err
	}

	ranges := make([][]logicalRange, len(pairs))
	alloc := &paAllocator{dev: dev}
	for i, pair := range pairs {
		if pair.Blocks == 0 {
			continue
		}
		if ranges[i], err = donorRanges(dev, pair); err != nil {
			return err
		}
		for _, r := range ranges[i] {
			alloc.remaining += r.Len
		}
	}
	if alloc.remaining == 0 {
		return nil
	}
	if err := alloc.refill(ctx); err != nil {
		return err
	}

	for i := range pairs {
		if pairs[i].Blocks == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := buildDonorPrealloc(ctx, dev, mnt, alloc, &pairs[i], ranges[i]); err != nil {
			return err
		}
	}
	return nil
}

func buildDonorPrealloc(ctx context.Context, dev ext4.Device, dir string, alloc *paAllocator, pair *OrigDonorPair, ranges []logicalRange) (err error) {
	ctx = dlog.WithField(ctx, "e4rat.realloc.file", pair.OrigPath)
	fh, err := createDonor(dir, pair)
	if err != nil {
		return err
	}
	defer func() {
		if _err := fh.Close(); err == nil && _err != nil {
			err = _err
		}
	}()

	reserve := func(phys, logical, n uint64) error {
		return dev.Preallocate(fh, phys, logical, n, ext4.PAMandatory)
	}
	for _, r := range ranges {
		if err := alloc.place(ctx, fh.Name(), reserve, r); err != nil {
			return err
		}
		if pair.Sparse {
			if err := dev.Allocate(fh, r.Start, r.Len); err != nil {
				return err
			}
		}
	}
	if !pair.Sparse {
		return dev.Allocate(fh, 0, pair.Blocks)
	}
	return nil
}
