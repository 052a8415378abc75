// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ext4

import (
	"fmt"
	"os"
	"sync"

	"git.lukeshu.com/go/typedsync"
	"golang.org/x/sys/unix"

	"git.lukeshu.com/e4rat-ng/lib/containers"
	"git.lukeshu.com/e4rat-ng/lib/textui"
)

var mountStatCacheSize = textui.Tunable(64)

// Env bundles everything that a Device reads from the running
// system.  The zero value is not usable; use DefaultEnv, or fill in
// every field.
//
// An Env also acts as the registry of Devices: every path on the
// same volume resolves to the same shared Device state.
type Env struct {
	Kernel Kernel

	MountsFile  string // "/proc/mounts"
	MtabFile    string // "/etc/mtab"
	SysfsDir    string // "/sys/fs/ext4"
	ProcfsDir   string // "/proc/fs/ext4"
	SysBlockDir string // "/sys/dev/block"
	DevDir      string // "/dev"

	devices typedsync.Map[DevNo, *device]

	cacheOnce sync.Once
	mountDevs *containers.LRUCache[string, DevNo]
}

func DefaultEnv() *Env {
	return &Env{
		Kernel:      LinuxKernel{},
		MountsFile:  "/proc/mounts",
		MtabFile:    "/etc/mtab",
		SysfsDir:    "/sys/fs/ext4",
		ProcfsDir:   "/proc/fs/ext4",
		SysBlockDir: "/sys/dev/block",
		DevDir:      "/dev",
	}
}

// Device returns the shared handle for a device number.
func (env *Env) Device(devNo DevNo) Device {
	dev, ok := env.devices.Load(devNo)
	if !ok {
		dev, _ = env.devices.LoadOrStore(devNo, &device{
			env:   env,
			devNo: devNo,
		})
	}
	return Device{dev}
}

// DeviceOf returns the Device that holds path.  If path is itself a
// block device node, that device is returned instead.
func (env *Env) DeviceOf(path string) (Device, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return Device{}, &os.PathError{Op: "lstat", Path: path, Err: err}
	}
	if st.Mode&unix.S_IFMT == unix.S_IFBLK {
		return env.Device(devNoFromRaw(uint64(st.Rdev))), nil
	}
	return env.Device(devNoFromRaw(uint64(st.Dev))), nil
}

// statDev returns the device that holds dir, caching the answer.
func (env *Env) statDev(dir string) (DevNo, error) {
	env.cacheOnce.Do(func() {
		env.mountDevs = containers.NewLRUCache[string, DevNo](mountStatCacheSize)
	})
	if devNo, ok := env.mountDevs.Get(dir); ok {
		return devNo, nil
	}
	var st unix.Stat_t
	if err := unix.Stat(dir, &st); err != nil {
		return DevNo{}, fmt.Errorf("stat %q: %w", dir, err)
	}
	devNo := devNoFromRaw(uint64(st.Dev))
	env.mountDevs.Add(dir, devNo)
	return devNo, nil
}
