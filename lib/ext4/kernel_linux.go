// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ext4

import (
	"errors"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	maxPAEntries     = 64
	maxFiemapExtents = 512
)

type preallocList struct {
	Count   uint32
	Mapped  uint32
	Entries uint32
	_       uint32
	Space   [maxPAEntries]PreallocInfo
}

type rawFiemapExtent struct {
	Logical    uint64
	Physical   uint64
	Length     uint64
	reserved64 [2]uint64
	Flags      uint32
	reserved32 [3]uint32
}

type rawFiemap struct {
	Start         uint64
	Length        uint64
	Flags         uint32
	MappedExtents uint32
	ExtentCount   uint32
	reserved      uint32
	Extents       [maxFiemapExtents]rawFiemapExtent
}

// LinuxKernel implements Kernel with real system calls.
type LinuxKernel struct{}

var _ Kernel = LinuxKernel{}

func ioctl(f *os.File, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// ControlPA implements Kernel.
func (LinuxKernel) ControlPA(f *os.File, info *PreallocInfo) error {
	return ioctl(f, ioctlControlPA, unsafe.Pointer(info))
}

// GetPA implements Kernel.
func (LinuxKernel) GetPA(f *os.File, maxEntries int) ([]PreallocInfo, error) {
	if maxEntries > maxPAEntries {
		maxEntries = maxPAEntries
	}
	var list preallocList
	list.Count = uint32(maxEntries)
	if err := ioctl(f, ioctlGetPA, unsafe.Pointer(&list)); err != nil {
		return nil, err
	}
	n := int(list.Entries)
	if n > maxEntries {
		n = maxEntries
	}
	return append([]PreallocInfo(nil), list.Space[:n]...), nil
}

// MoveExtent implements Kernel.
func (LinuxKernel) MoveExtent(orig, donor *os.File, req *MoveExtentRequest) error {
	req.DonorFD = uint32(donor.Fd())
	return ioctl(orig, ioctlMoveExt, unsafe.Pointer(req))
}

// Fiemap implements Kernel.
func (LinuxKernel) Fiemap(f *os.File, start uint64, maxExtents int) ([]FiemapExtent, error) {
	if maxExtents > maxFiemapExtents {
		maxExtents = maxFiemapExtents
	}
	req := new(rawFiemap)
	req.Start = start
	req.Length = ^uint64(0) - start
	req.Flags = FiemapFlagSync
	req.ExtentCount = uint32(maxExtents)
	if err := ioctl(f, ioctlFiemap, unsafe.Pointer(req)); err != nil {
		return nil, err
	}
	ret := make([]FiemapExtent, 0, req.MappedExtents)
	for _, ext := range req.Extents[:req.MappedExtents] {
		ret = append(ret, FiemapExtent{
			Logical:  ext.Logical,
			Physical: ext.Physical,
			Length:   ext.Length,
			Flags:    ext.Flags,
		})
	}
	return ret, nil
}

// Fallocate implements Kernel.
func (LinuxKernel) Fallocate(f *os.File, off, length int64) error {
	return unix.Fallocate(int(f.Fd()), 0, off, length)
}

// GetFlags implements Kernel.
func (LinuxKernel) GetFlags(f *os.File) (uint32, error) {
	return unix.IoctlGetUint32(int(f.Fd()), unix.FS_IOC_GETFLAGS)
}

// SetFlags implements Kernel.
func (LinuxKernel) SetFlags(f *os.File, flags uint32) error {
	return unix.IoctlSetPointerInt(int(f.Fd()), unix.FS_IOC_SETFLAGS, int(flags))
}

// Fadvise implements Kernel.
func (LinuxKernel) Fadvise(f *os.File, off, length int64, advice int) error {
	return unix.Fadvise(int(f.Fd()), off, length, advice)
}

func isErrno(err error, errnos ...unix.Errno) bool {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return false
	}
	for _, e := range errnos {
		if errno == e {
			return true
		}
	}
	return false
}
