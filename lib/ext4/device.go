// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ext4

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

type device struct {
	env   *Env
	devNo DevNo

	mountOnce sync.Once
	mount     MountEntry
	mountErr  error

	nameOnce sync.Once
	name     string
	path     string
	nameErr  error

	openMu sync.Mutex
	sb     *Superblock
}

// Device is a handle to one mounted filesystem.  Handles are cheap
// to copy; copies share the same lazily-resolved state.
type Device struct {
	*device
}

func (d Device) Env() *Env      { return d.env }
func (d Device) DevNo() DevNo   { return d.devNo }
func (d Device) String() string { return d.devNo.String() }

func (d Device) resolveMount() {
	d.mountOnce.Do(func() {
		d.mount, d.mountErr = d.env.findMount(d.devNo)
	})
}

// MountPoint returns the directory where the filesystem is mounted.
func (d Device) MountPoint() (string, error) {
	d.resolveMount()
	return d.mount.Dir, d.mountErr
}

// FileSystemType returns the filesystem type as listed in the mount
// table, e.g. "ext4".
func (d Device) FileSystemType() (string, error) {
	d.resolveMount()
	return d.mount.FSType, d.mountErr
}

func (d Device) resolveName() {
	d.nameOnce.Do(func() {
		link, err := os.Readlink(filepath.Join(d.env.SysBlockDir, d.devNo.String()))
		if err == nil {
			d.name = filepath.Base(link)
			d.path = filepath.Join(d.env.DevDir, d.name)
			if _, err := os.Stat(d.path); err == nil {
				return
			}
		}
		if name, ok := d.scanDevDir(); ok {
			d.name = name
			d.path = filepath.Join(d.env.DevDir, name)
			return
		}
		if d.name == "" {
			d.nameErr = fmt.Errorf("cannot determine the name of device %v", d.devNo)
		}
	})
}

// scanDevDir looks for a block device node with our device number.
func (d Device) scanDevDir() (string, bool) {
	entries, err := os.ReadDir(d.env.DevDir)
	if err != nil {
		return "", false
	}
	for _, ent := range entries {
		if ent.Name() == "root" {
			continue
		}
		var st unix.Stat_t
		if err := unix.Lstat(filepath.Join(d.env.DevDir, ent.Name()), &st); err != nil {
			continue
		}
		if st.Mode&unix.S_IFMT != unix.S_IFBLK {
			continue
		}
		if devNoFromRaw(uint64(st.Rdev)) == d.devNo {
			return ent.Name(), true
		}
	}
	return "", false
}

// Name returns the kernel's name for the device, e.g. "sda1".  It is
// the name used under /sys/fs/ext4 and /proc/fs/ext4.
func (d Device) Name() (string, error) {
	d.resolveName()
	return d.name, d.nameErr
}

// Path returns the path of the device node.
func (d Device) Path() (string, error) {
	d.resolveName()
	return d.path, d.nameErr
}

// Open reads the superblock.  It is safe to call repeatedly; after the
// first success it does nothing.  A failure means the device is not a
// usable ext4 filesystem, and is not cached.
func (d Device) Open() error {
	d.openMu.Lock()
	defer d.openMu.Unlock()
	if d.sb != nil {
		return nil
	}
	path, err := d.Path()
	if err != nil {
		return err
	}
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	sb, err := ReadSuperblock(fh)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	d.sb = sb
	return nil
}

// Superblock returns the superblock, opening the device if needed.
func (d Device) Superblock() (*Superblock, error) {
	if err := d.Open(); err != nil {
		return nil, err
	}
	return d.sb, nil
}

// Geometry returns the block-allocation layout, opening the device if
// needed.
func (d Device) Geometry() (Geometry, error) {
	sb, err := d.Superblock()
	if err != nil {
		return Geometry{}, err
	}
	return sb.Geometry(), nil
}

// HasExtentFeature reports whether the filesystem has extent-mapped
// inodes enabled; block relocation is impossible without it.
func (d Device) HasExtentFeature() (bool, error) {
	sb, err := d.Superblock()
	if err != nil {
		return false, err
	}
	return sb.FeatureIncompat.Has(IncompatExtents), nil
}
