// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ext4_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/e4rat-ng/lib/ext4"
	"git.lukeshu.com/e4rat-ng/lib/ext4/ext4fake"
)

func TestDevice(t *testing.T) {
	t.Parallel()
	fs := ext4fake.New(t, ext4fake.DefaultGeometry)
	file := fs.CreateFile(t, "dir/file", []byte("hello"))

	dev, err := fs.Env.DeviceOf(file)
	require.NoError(t, err)
	devAgain, err := fs.Env.DeviceOf(fs.Mount)
	require.NoError(t, err)
	assert.Equal(t, dev.DevNo(), devAgain.DevNo())
	assert.Equal(t, fs.Env.Device(dev.DevNo()), dev, "every lookup shares the same state")

	mnt, err := dev.MountPoint()
	require.NoError(t, err)
	assert.Equal(t, fs.Mount, mnt)

	fsType, err := dev.FileSystemType()
	require.NoError(t, err)
	assert.Equal(t, "ext4", fsType)

	name, err := dev.Name()
	require.NoError(t, err)
	assert.Equal(t, ext4fake.DevName, name)

	path, err := dev.Path()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(fs.Env.DevDir, ext4fake.DevName), path)

	geo, err := dev.Geometry()
	require.NoError(t, err)
	assert.Equal(t, ext4fake.DefaultGeometry, geo)

	hasExtents, err := dev.HasExtentFeature()
	require.NoError(t, err)
	assert.True(t, hasExtents)
}

func TestDeviceNotMounted(t *testing.T) {
	t.Parallel()
	fs := ext4fake.New(t, ext4fake.DefaultGeometry)
	require.NoError(t, os.WriteFile(fs.Env.MountsFile, []byte("none /nonexistent tmpfs rw 0 0\n"), 0o644))

	dev := fs.Device(t)
	_, err := dev.MountPoint()
	assert.ErrorContains(t, err, "is not mounted")
}

func TestDeviceMtabFallback(t *testing.T) {
	t.Parallel()
	fs := ext4fake.New(t, ext4fake.DefaultGeometry)

	// /proc/mounts says "ext2" for a root mounted with a stale
	// rootfstype=; /etc/mtab knows better.
	require.NoError(t, os.WriteFile(fs.Env.MountsFile, []byte("/dev/root "+fs.Mount+" ext2 rw 0 0\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Dir(fs.Env.MtabFile), 0o755))
	require.NoError(t, os.WriteFile(fs.Env.MtabFile, []byte("/dev/fake0 "+fs.Mount+" ext4 rw 0 0\n"), 0o644))

	fsType, err := fs.Device(t).FileSystemType()
	require.NoError(t, err)
	assert.Equal(t, "ext4", fsType)
}

func TestDeviceBadSuperblock(t *testing.T) {
	t.Parallel()
	fs := ext4fake.New(t, ext4fake.DefaultGeometry)
	require.NoError(t, os.WriteFile(filepath.Join(fs.Env.DevDir, ext4fake.DevName), make([]byte, 4096), 0o644))

	dev := fs.Device(t)
	_, err := dev.Geometry()
	assert.ErrorContains(t, err, "bad superblock magic")
}

func TestTunables(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	fs := ext4fake.New(t, ext4fake.DefaultGeometry)
	dev := fs.Device(t)

	val, err := dev.GetTuningParameter(ext4.TunableStreamReq)
	require.NoError(t, err)
	assert.Equal(t, uint64(ext4fake.DefaultStreamReq), val)

	guard, err := dev.SaveTunables(ext4.TunableStreamReq, ext4.TunableGroupPrealloc)
	require.NoError(t, err)
	saved, ok := guard.Saved(ext4.TunableGroupPrealloc)
	assert.True(t, ok)
	assert.Equal(t, uint64(ext4fake.DefaultGroupPrealloc), saved)

	require.NoError(t, guard.Set(ctx, ext4.TunableStreamReq, 0))
	require.NoError(t, guard.Set(ctx, ext4.TunableGroupPrealloc, 990))
	assert.Equal(t, uint64(0), fs.Tunable(t, ext4.TunableStreamReq))
	assert.Equal(t, uint64(990), fs.Tunable(t, ext4.TunableGroupPrealloc))
	assert.Panics(t, func() { _ = guard.Set(ctx, "mb_order2_req", 1) })

	require.NoError(t, guard.Restore(ctx))
	assert.Equal(t, uint64(ext4fake.DefaultStreamReq), fs.Tunable(t, ext4.TunableStreamReq))
	assert.Equal(t, uint64(ext4fake.DefaultGroupPrealloc), fs.Tunable(t, ext4.TunableGroupPrealloc))

	_, err = dev.SaveTunables("no_such_tunable")
	assert.Error(t, err)
}
