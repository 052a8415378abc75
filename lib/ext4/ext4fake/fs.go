// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ext4fake

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"git.lukeshu.com/e4rat-ng/lib/binstruct"
	"git.lukeshu.com/e4rat-ng/lib/ext4"
)

// DevName is the kernel name that the fake device is given.
const DevName = "fake0"

// DefaultGeometry is a small filesystem: 2 flex groups of 4 block
// groups of 1024 1KiB blocks.
var DefaultGeometry = ext4.Geometry{
	BlockSize:        1024,
	BlocksCount:      8 * 1024,
	FirstDataBlock:   0,
	BlocksPerGroup:   1024,
	LogGroupsPerFlex: 2,
	GroupCount:       8,
	InodeSize:        256,
	InodesPerGroup:   128,
}

// Default allocator tunables, as a stock kernel has them.
const (
	DefaultStreamReq     = 16
	DefaultGroupPrealloc = 512
)

// FS is a fake mounted filesystem rooted in a temporary directory.
type FS struct {
	// Mount is the directory that acts as the mount point; files
	// created under it belong to the fake device.
	Mount string
	// Root holds the fake /proc, /sys and /dev.
	Root   string
	Env    *ext4.Env
	Kernel *Kernel
}

// Superblock returns a superblock describing geo.
func Superblock(geo ext4.Geometry) ext4.Superblock {
	logBlockSize := uint32(0)
	for (uint64(1024) << logBlockSize) < geo.BlockSize {
		logBlockSize++
	}
	sb := ext4.Superblock{
		InodesCount:      uint32(geo.InodesPerGroup * geo.GroupCount),
		BlocksCountLo:    uint32(geo.BlocksCount),
		FirstDataBlock:   uint32(geo.FirstDataBlock),
		LogBlockSize:     logBlockSize,
		LogClusterSize:   logBlockSize,
		BlocksPerGroup:   uint32(geo.BlocksPerGroup),
		ClustersPerGroup: uint32(geo.BlocksPerGroup),
		InodesPerGroup:   uint32(geo.InodesPerGroup),
		Magic:            0xEF53,
		RevLevel:         1,
		InodeSize:        uint16(geo.InodeSize),
		FeatureIncompat:  ext4.IncompatFiletype | ext4.IncompatExtents,
		LogGroupsPerFlex: geo.LogGroupsPerFlex,
	}
	if geo.LogGroupsPerFlex > 0 {
		sb.FeatureIncompat |= ext4.IncompatFlexBG
	}
	copy(sb.VolumeName[:], "e4rat-test")
	return sb
}

func writeFile(t testing.TB, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// New sets up a fake filesystem for the duration of the test.
func New(t testing.TB, geo ext4.Geometry) *FS {
	t.Helper()
	root := t.TempDir()
	fs := &FS{
		Mount:  filepath.Join(root, "mnt"),
		Root:   root,
		Kernel: NewKernel(geo),
	}
	require.NoError(t, os.Mkdir(fs.Mount, 0o755))

	var st unix.Stat_t
	require.NoError(t, unix.Stat(fs.Mount, &st))
	devNo := fmt.Sprintf("%d:%d", unix.Major(uint64(st.Dev)), unix.Minor(uint64(st.Dev)))

	fs.Env = &ext4.Env{
		Kernel:      fs.Kernel,
		MountsFile:  filepath.Join(root, "proc", "mounts"),
		MtabFile:    filepath.Join(root, "etc", "mtab"),
		SysfsDir:    filepath.Join(root, "sys", "fs", "ext4"),
		ProcfsDir:   filepath.Join(root, "proc", "fs", "ext4"),
		SysBlockDir: filepath.Join(root, "sys", "dev", "block"),
		DevDir:      filepath.Join(root, "dev"),
	}

	writeFile(t, fs.Env.MountsFile, "/dev/"+DevName+" "+fs.Mount+" ext4 rw,relatime 0 0\n")

	require.NoError(t, os.MkdirAll(fs.Env.SysBlockDir, 0o755))
	require.NoError(t, os.Symlink(
		filepath.Join("..", "..", "devices", "virtual", "block", DevName),
		filepath.Join(fs.Env.SysBlockDir, devNo)))

	sbBytes, err := binstruct.Marshal(Superblock(geo))
	require.NoError(t, err)
	devImage := make([]byte, ext4.SuperblockOffset+len(sbBytes))
	copy(devImage[ext4.SuperblockOffset:], sbBytes)
	writeFile(t, filepath.Join(fs.Env.DevDir, DevName), string(devImage))

	sysfs := filepath.Join(fs.Env.SysfsDir, DevName)
	writeFile(t, filepath.Join(sysfs, ext4.TunableStreamReq), strconv.Itoa(DefaultStreamReq)+"\n")
	writeFile(t, filepath.Join(sysfs, ext4.TunableGroupPrealloc), strconv.Itoa(DefaultGroupPrealloc)+"\n")

	procfs := filepath.Join(fs.Env.ProcfsDir, DevName)
	require.NoError(t, os.MkdirAll(procfs, 0o755))
	require.NoError(t, fs.Kernel.SetMBGroupsFile(filepath.Join(procfs, "mb_groups")))

	return fs
}

// Device returns the fake device.
func (fs *FS) Device(t testing.TB) ext4.Device {
	t.Helper()
	dev, err := fs.Env.DeviceOf(fs.Mount)
	require.NoError(t, err)
	return dev
}

// Tunable reads an allocator tunable straight from the fake sysfs.
func (fs *FS) Tunable(t testing.TB, name string) uint64 {
	t.Helper()
	dat, err := os.ReadFile(filepath.Join(fs.Env.SysfsDir, DevName, name))
	require.NoError(t, err)
	val, err := strconv.ParseUint(string(dat[:len(dat)-1]), 10, 64)
	require.NoError(t, err)
	return val
}

// CreateFile creates a file under the mount point with the given
// content, backed by the given physical layout.  If no layout is
// given, the file is left unmapped (as an empty file would be).
func (fs *FS) CreateFile(t testing.TB, name string, content []byte, layout ...ext4.Extent) string {
	t.Helper()
	path := filepath.Join(fs.Mount, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
	if len(layout) > 0 {
		fh, err := os.Open(path)
		require.NoError(t, err)
		defer fh.Close()
		require.NoError(t, fs.Kernel.Place(fh, layout...))
	}
	return path
}

// Content returns n bytes of recognizable, non-repeating-per-block
// data.
func Content(seed byte, n int) []byte {
	ret := make([]byte, n)
	for i := range ret {
		ret[i] = seed + byte(i%251)
	}
	return ret
}

// Layout returns the physical layout of a file, in blocks.
func (fs *FS) Layout(t testing.TB, path string) []ext4.Extent {
	t.Helper()
	m, err := fs.Env.FiemapPath(path)
	require.NoError(t, err)
	bs := fs.Kernel.Geometry().BlockSize
	ret := make([]ext4.Extent, 0, len(m))
	for _, ext := range m {
		ret = append(ret, ext4.Extent{Start: ext.Physical / bs, Len: ext.Length / bs})
	}
	return ret
}
