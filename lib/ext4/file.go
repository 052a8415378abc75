// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ext4

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Allocate allocates f's logical blocks [logical, logical+length),
// extending the file if needed.  Blocks that f has preallocations for
// come from those.
func (d Device) Allocate(f *os.File, logical, length uint64) error {
	geo, err := d.Geometry()
	if err != nil {
		return err
	}
	off := int64(logical * geo.BlockSize)
	size := int64(length * geo.BlockSize)
	if err := d.env.Kernel.Fallocate(f, off, size); err != nil {
		return &IoctlError{
			Op:   fmt.Sprintf("fallocate(offset=%d, len=%d)", off, size),
			Path: f.Name(),
			Err:  err,
		}
	}
	return nil
}

// Flags returns f's inode flags.
func (env *Env) Flags(f *os.File) (uint32, error) {
	flags, err := env.Kernel.GetFlags(f)
	if err != nil {
		return 0, &IoctlError{Op: "FS_IOC_GETFLAGS", Path: f.Name(), Err: err}
	}
	return flags, nil
}

// SetFlags sets f's inode flags.
func (env *Env) SetFlags(f *os.File, flags uint32) error {
	if err := env.Kernel.SetFlags(f, flags); err != nil {
		return &IoctlError{Op: fmt.Sprintf("FS_IOC_SETFLAGS(%#x)", flags), Path: f.Name(), Err: err}
	}
	return nil
}

// DropCache advises the kernel that the first `size` bytes of f will
// not be needed soon.
func (env *Env) DropCache(f *os.File, size int64) error {
	if err := env.Kernel.Fadvise(f, 0, size, unix.FADV_DONTNEED); err != nil {
		return &IoctlError{Op: "posix_fadvise(POSIX_FADV_DONTNEED)", Path: f.Name(), Err: err}
	}
	return nil
}
