// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ext4

import (
	"os"
)

// Ioctl request codes, _IOWR('f', N, struct).
const (
	ioctlMoveExt   = 0xC028660F // N=15, struct move_extent (40 bytes)
	ioctlControlPA = 0xC0186610 // N=16, struct ext4_prealloc_info (24 bytes)
	ioctlGetPA     = 0xC0106611 // N=17, struct ext4_prealloc_list (16 bytes + entries)
	ioctlFiemap    = 0xC020660B // FS_IOC_FIEMAP, struct fiemap (32 bytes + extents)
)

// PreallocFlags are the pi_flags bits of EXT4_IOC_CONTROL_PA.
type PreallocFlags uint16

const (
	PAMandatory PreallocFlags = 0x0001
	PAAdvisory  PreallocFlags = 0x0002
	PADiscard   PreallocFlags = 0x0004
)

// Inode flags (FS_IOC_GETFLAGS/FS_IOC_SETFLAGS).
const (
	FlagImmutable uint32 = 0x00000010
	FlagExtents   uint32 = 0x00080000
)

// Fiemap flags.
const (
	FiemapFlagSync   uint32 = 0x00000001
	FiemapExtentLast uint32 = 0x00000001
)

// MoveExtentRequest is struct move_extent.  All offsets and lengths
// are in filesystem blocks.
type MoveExtentRequest struct {
	Reserved   uint32
	DonorFD    uint32
	OrigStart  uint64
	DonorStart uint64
	Len        uint64
	MovedLen   uint64
}

// PreallocInfo is struct ext4_prealloc_info.
type PreallocInfo struct {
	PStart uint64
	LStart uint32
	Len    uint32
	Free   uint32
	Flags  PreallocFlags
	_      uint16
}

// FiemapExtent is one struct fiemap_extent; offsets and lengths are
// in bytes.
type FiemapExtent struct {
	Logical  uint64 `json:"logical"`
	Physical uint64 `json:"physical"`
	Length   uint64 `json:"length"`
	Flags    uint32 `json:"flags"`
}

// Kernel is the set of system calls that this package needs beyond
// plain file I/O.  Errors are returned as bare errno values so that
// callers can classify them.
type Kernel interface {
	ControlPA(f *os.File, info *PreallocInfo) error
	GetPA(f *os.File, maxEntries int) ([]PreallocInfo, error)
	MoveExtent(orig, donor *os.File, req *MoveExtentRequest) error
	Fiemap(f *os.File, start uint64, maxExtents int) ([]FiemapExtent, error)
	Fallocate(f *os.File, off, length int64) error
	GetFlags(f *os.File) (uint32, error)
	SetFlags(f *os.File, flags uint32) error
	Fadvise(f *os.File, off, length int64, advice int) error
}
