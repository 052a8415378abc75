// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ext4

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Preallocate asks the kernel to reserve `length` blocks for f at
// physical block `physical`, to be used for the file's logical blocks
// starting at `logical`.  Requests larger than MaxPreallocLen are
// issued as several consecutive calls.
//
// A PADiscard request is issued once, and drops every reservation of
// f.
//
// On ENOSPC the kernel reports the free range it did find at the
// requested location; that is returned as a *ShortAllocationError.
// ENOTTY is returned as ErrPreallocUnsupported.
func (d Device) Preallocate(f *os.File, physical, logical, length uint64, flags PreallocFlags) error {
	if flags&PADiscard != 0 {
		info := PreallocInfo{
			PStart: physical,
			LStart: uint32(logical),
			Len:    uint32(length),
			Flags:  flags,
		}
		return d.controlPA(f, &info)
	}

	geo, err := d.Geometry()
	if err != nil {
		return err
	}
	maxLen := geo.MaxPreallocLen()

	for done := uint64(0); done < length; {
		chunk := length - done
		if chunk > maxLen {
			chunk = maxLen
		}
		info := PreallocInfo{
			PStart: physical + done,
			LStart: uint32(logical + done),
			Len:    uint32(chunk),
			Flags:  flags,
		}
		err := d.controlPA(f, &info)
		switch {
		case err == nil:
			done += chunk
		case isErrno(err, unix.ENOSPC) && info.Len != 0:
			return &ShortAllocationError{
				Requested: Extent{Start: physical + done, Len: chunk},
				Granted:   Extent{Start: info.PStart, Len: uint64(info.Len)},
				Done:      done,
			}
		default:
			return err
		}
	}
	return nil
}

func (d Device) controlPA(f *os.File, info *PreallocInfo) error {
	req := *info
	err := d.env.Kernel.ControlPA(f, info)
	switch {
	case err == nil:
		return nil
	case isErrno(err, unix.ENOTTY):
		return ErrPreallocUnsupported
	default:
		return &IoctlError{
			Op: fmt.Sprintf("EXT4_IOC_CONTROL_PA(pstart=%d, lstart=%d, len=%d, flags=%#x)",
				req.PStart, req.LStart, req.Len, req.Flags),
			Path: f.Name(),
			Err:  err,
		}
	}
}

// PreallocList returns up to maxEntries of f's current reservations.
func (d Device) PreallocList(f *os.File, maxEntries int) ([]PreallocInfo, error) {
	list, err := d.env.Kernel.GetPA(f, maxEntries)
	if err != nil {
		if isErrno(err, unix.ENOTTY, unix.EINVAL) {
			return nil, ErrPreallocUnsupported
		}
		return nil, &IoctlError{Op: "EXT4_IOC_GET_PA", Path: f.Name(), Err: err}
	}
	return list, nil
}

// ProbePrealloc reports whether the kernel supports the
// preallocation ioctls on this filesystem, using f (any file on the
// filesystem) for a harmless EXT4_IOC_GET_PA call.  Only a "no such
// ioctl" answer (ENOTTY, or EINVAL from 32-bit compat) counts as
// unsupported.
func (d Device) ProbePrealloc(f *os.File) bool {
	_, err := d.PreallocList(f, 1)
	return !errors.Is(err, ErrPreallocUnsupported)
}
