// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ext4 provides access to a mounted ext4 filesystem: its
// identity and geometry, the allocator tunables that the kernel
// exposes for it, and the privileged block-placement ioctls
// (EXT4_IOC_CONTROL_PA, EXT4_IOC_GET_PA, EXT4_IOC_MOVE_EXT).
package ext4

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// DevNo identifies a block device by its major/minor pair.
type DevNo struct {
	Major uint32
	Minor uint32
}

func devNoFromRaw(dev uint64) DevNo {
	return DevNo{
		Major: unix.Major(dev),
		Minor: unix.Minor(dev),
	}
}

// String implements fmt.Stringer.
func (d DevNo) String() string {
	return fmt.Sprintf("%d:%d", d.Major, d.Minor)
}

// Less orders devices by (major, minor).
func (d DevNo) Less(o DevNo) bool {
	if d.Major != o.Major {
		return d.Major < o.Major
	}
	return d.Minor < o.Minor
}

// Extent is a contiguous run of physical blocks, in units of the
// filesystem block size.  A zero-length Extent means "nothing".
type Extent struct {
	Start uint64 `json:"start"`
	Len   uint64 `json:"len"`
}

// End returns the first block after the extent.
func (e Extent) End() uint64 { return e.Start + e.Len }

// String implements fmt.Stringer.
func (e Extent) String() string {
	return fmt.Sprintf("%d+%d", e.Start, e.Len)
}

// ErrPreallocUnsupported is returned when the running kernel lacks
// the EXT4_IOC_CONTROL_PA/EXT4_IOC_GET_PA ioctls.
var ErrPreallocUnsupported = errors.New("kernel does not support preferred block allocation (EXT4_IOC_CONTROL_PA)")

// ShortAllocationError is returned when the kernel could only satisfy
// part of a placement request.  Granted is the free range the kernel
// reported at the requested location; Done is how many blocks of the
// request had already been reserved before the short chunk.  It is
// never retried internally; the caller decides what to do with
// Granted.
type ShortAllocationError struct {
	Requested Extent
	Granted   Extent
	Done      uint64
}

func (e *ShortAllocationError) Error() string {
	return fmt.Sprintf("short allocation: requested %v, only %v available", e.Requested, e.Granted)
}

// IoctlError wraps an unexpected errno from a kernel call.
type IoctlError struct {
	Op   string
	Path string
	Err  error
}

func (e *IoctlError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Path, e.Err)
}

func (e *IoctlError) Unwrap() error { return e.Err }
