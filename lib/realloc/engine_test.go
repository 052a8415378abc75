// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package realloc_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"git.lukeshu.com/e4rat-ng/lib/ext4"
	"git.lukeshu.com/e4rat-ng/lib/ext4/ext4fake"
	"git.lukeshu.com/e4rat-ng/lib/realloc"
)

func TestRelocate(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Mode         realloc.Mode
		ResolvedMode realloc.Mode
	}
	testcases := map[string]TestCase{
		"auto":           {Mode: realloc.ModeAuto, ResolvedMode: realloc.ModePrealloc},
		"pa":             {Mode: realloc.ModePrealloc, ResolvedMode: realloc.ModePrealloc},
		"locality-group": {Mode: realloc.ModeLocalityGroup, ResolvedMode: realloc.ModeLocalityGroup},
		"tld":            {Mode: realloc.ModeTopLevelDir, ResolvedMode: realloc.ModeTopLevelDir},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			ctx := dlog.NewTestContext(t, false)
			fs := ext4fake.New(t, ext4fake.DefaultGeometry)
			paths := fragmentedFiles(t, fs, 3, 10)
			contents := make([][]byte, len(paths))
			sizes := make([]int64, len(paths))
			for i, path := range paths {
				var err error
				contents[i], err = os.ReadFile(path)
				require.NoError(t, err)
				sizes[i] = int64(len(contents[i]))
			}

			engine, sched := newEngine(fs, tc.Mode)
			stats, err := engine.Run(ctx, paths)
			require.NoError(t, err)

			assert.Equal(t, 3, stats.Total)
			assert.Equal(t, 3, stats.Relocated)
			require.Len(t, stats.Devices, 1)
			report := stats.Devices[0]
			assert.Equal(t, tc.ResolvedMode, report.Mode)
			assert.Equal(t, fs.Mount, report.MountPoint)
			assert.Equal(t, 3, report.Files)
			assert.Equal(t, uint64(60), report.Blocks)
			assert.Equal(t, 6, report.FragsBefore)
			assert.Equal(t, 1, report.FragsDonor)
			assert.Equal(t, 1, report.FragsBestCase)
			assert.Equal(t, 3, report.Relocated)
			assert.Empty(t, report.Err)

			// The files are now back-to-back at the start of the
			// free space, with unchanged size and content.
			for i, path := range paths {
				assert.Equal(t, []ext4.Extent{{Start: 514 + uint64(i)*20, Len: 20}}, fs.Layout(t, path), path)
				content, err := os.ReadFile(path)
				require.NoError(t, err)
				assert.Equal(t, contents[i], content, path)
				fi, err := os.Stat(path)
				require.NoError(t, err)
				assert.Equal(t, sizes[i], fi.Size(), path)
			}

			// The old blocks went away with the donors.
			fs.Kernel.Sync()
			assert.False(t, fs.Kernel.Used(1024))
			assert.False(t, fs.Kernel.Used(2048))
			assert.Empty(t, leftovers(t, fs))
			assert.Equal(t, uint64(ext4fake.DefaultStreamReq), fs.Tunable(t, ext4.TunableStreamReq))
			assert.Equal(t, uint64(ext4fake.DefaultGroupPrealloc), fs.Tunable(t, ext4.TunableGroupPrealloc))

			assert.Equal(t, 1, sched.boosts)
			assert.Equal(t, 0, sched.boosted)
			assert.Equal(t, 0, sched.pinned)
		})
	}
}

// A batch larger than a group goes into an empty flex group.
func TestRelocateIntoEmptyFlex(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	fs := ext4fake.New(t, ext4fake.DefaultGeometry)
	paths := fragmentedFiles(t, fs, 3, 200)

	engine, _ := newEngine(fs, realloc.ModePrealloc)
	stats, err := engine.Run(ctx, paths)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Relocated)

	for i, path := range paths {
		assert.Equal(t, []ext4.Extent{{Start: 4096 + 514 + uint64(i)*400, Len: 400}}, fs.Layout(t, path), path)
	}
	assert.Empty(t, leftovers(t, fs))
	// Only the mode check lists preallocations; the free range came
	// from the buddy cache.
	assert.Equal(t, 1, fs.Kernel.Calls("GetPA"))
}

// A batch that fits in one preallocation skips the buddy cache and
// takes the free range that the kernel offers.
func TestRelocateSmallBatch(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	fs := ext4fake.New(t, ext4fake.DefaultGeometry)
	paths := fragmentedFiles(t, fs, 3, 2)

	engine, _ := newEngine(fs, realloc.ModePrealloc)
	stats, err := engine.Run(ctx, paths)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Relocated)

	for i, path := range paths {
		assert.Equal(t, []ext4.Extent{{Start: 514 + uint64(i)*4, Len: 4}}, fs.Layout(t, path), path)
	}
	assert.Empty(t, leftovers(t, fs))
	// The mode check, and the free-space query.
	assert.Equal(t, 2, fs.Kernel.Calls("GetPA"))
}

func TestRelocateSparse(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	fs := ext4fake.New(t, ext4fake.DefaultGeometry)
	path := fs.CreateFile(t, "sparse", nil)
	fh, err := os.Open(path)
	require.NoError(t, err)
	require.NoError(t, fs.Kernel.PlaceSparse(fh, 10*1024,
		ext4.FiemapExtent{Logical: 0, Physical: 1024, Length: 2},
		ext4.FiemapExtent{Logical: 5, Physical: 3000, Length: 2}))
	require.NoError(t, fh.Close())

	engine, _ := newEngine(fs, realloc.ModePrealloc)
	stats, err := engine.Run(ctx, []string{path})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sparse)
	assert.Equal(t, 1, stats.Relocated)

	// The hole is kept.
	fileMap, err := fs.Env.FiemapPath(path)
	require.NoError(t, err)
	assert.Equal(t, ext4.FileMap{
		{Logical: 0, Physical: 514 * 1024, Length: 2 * 1024},
		{Logical: 5 * 1024, Physical: 516 * 1024, Length: 2 * 1024, Flags: ext4.FiemapExtentLast},
	}, fileMap)
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(10*1024), fi.Size())
	assert.Empty(t, leftovers(t, fs))
}

func TestRelocateDispositions(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	fs := ext4fake.New(t, ext4fake.DefaultGeometry)
	good := fragmentedFiles(t, fs, 2, 10)

	// Not a regular file.
	dir := filepath.Join(fs.Mount, "dir")
	require.NoError(t, os.Mkdir(dir, 0o755))
	link := filepath.Join(fs.Mount, "link")
	require.NoError(t, os.Symlink(good[0], link))
	// No blocks.
	empty := fs.CreateFile(t, "empty", nil)
	// Immutable.
	immutable := createFile(t, fs, "immutable",
		ext4.Extent{Start: 3000, Len: 5},
		ext4.Extent{Start: 3100, Len: 5})
	fh, err := os.Open(immutable)
	require.NoError(t, err)
	require.NoError(t, fs.Kernel.SetFlags(fh, ext4.FlagExtents|ext4.FlagImmutable))
	require.NoError(t, fh.Close())
	// Not there.
	missing := filepath.Join(fs.Mount, "missing")
	// Not on the filesystem.
	elsewhere := "/proc/version"

	engine, _ := newEngine(fs, realloc.ModeLocalityGroup)
	stats, err := engine.Run(ctx, []string{
		good[0], dir, link, empty, immutable, missing, elsewhere, good[1],
	})
	require.NoError(t, err)

	assert.Equal(t, 8, stats.Total)
	assert.Equal(t, 1, stats.Unavailable)
	assert.Equal(t, 1, stats.WrongFileSystem)
	assert.Equal(t, 2, stats.InvalidType)
	assert.Equal(t, 1, stats.NotWritable)
	assert.Equal(t, 0, stats.NotExtentBased)
	assert.Equal(t, 1, stats.Empty)
	assert.Equal(t, 2, stats.Relocated)
	require.Len(t, stats.Devices, 1)
	assert.Equal(t, 2, stats.Devices[0].Files)

	// The immutable file never got a donor.
	assert.Equal(t, []ext4.Extent{{Start: 3000, Len: 5}, {Start: 3100, Len: 5}}, fs.Layout(t, immutable))
}

func TestRelocateModeUnavailable(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	fs := ext4fake.New(t, ext4fake.DefaultGeometry)
	fs.Kernel.NoPrealloc = true
	paths := fragmentedFiles(t, fs, 3, 10)
	before := layouts(t, fs, paths)

	engine, sched := newEngine(fs, realloc.ModePrealloc)
	_, err := engine.Run(ctx, paths)
	require.ErrorIs(t, err, realloc.ErrModeUnavailable)

	assert.Equal(t, 0, fs.Kernel.Calls("Fallocate"))
	assert.Equal(t, 0, sched.boosts)
	assert.Empty(t, leftovers(t, fs))
	assert.Equal(t, before, layouts(t, fs, paths))

	// In auto mode, the same kernel falls back to a locality group.
	engine, _ = newEngine(fs, realloc.ModeAuto)
	stats, err := engine.Run(ctx, paths)
	require.NoError(t, err)
	require.Len(t, stats.Devices, 1)
	assert.Equal(t, realloc.ModeLocalityGroup, stats.Devices[0].Mode)
	assert.Equal(t, 3, stats.Relocated)
}

func TestRelocateNoImprovement(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	fs := ext4fake.New(t, ext4fake.DefaultGeometry)
	// Already contiguous.
	paths := []string{
		createFile(t, fs, "a", ext4.Extent{Start: 1024, Len: 20}),
		createFile(t, fs, "b", ext4.Extent{Start: 1044, Len: 20}),
		createFile(t, fs, "c", ext4.Extent{Start: 1064, Len: 20}),
	}
	before := layouts(t, fs, paths)

	engine, _ := newEngine(fs, realloc.ModeLocalityGroup)
	stats, err := engine.Run(ctx, paths)
	require.ErrorIs(t, err, realloc.ErrNoImprovement)
	require.Len(t, stats.Devices, 1)
	assert.Equal(t, 1, stats.Devices[0].FragsBefore)
	assert.Equal(t, 1, stats.Devices[0].FragsDonor)
	assert.Equal(t, realloc.ErrNoImprovement.Error(), stats.Devices[0].Err)
	assert.Equal(t, 0, stats.Relocated)

	assert.Equal(t, 0, fs.Kernel.Calls("MoveExtent"))
	assert.Empty(t, leftovers(t, fs))
	assert.Equal(t, before, layouts(t, fs, paths))

	// Unless forced.
	engine.Config.Force = true
	stats, err = engine.Run(ctx, paths)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Relocated)
	assert.Empty(t, leftovers(t, fs))
}

func TestRelocateIdempotent(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	fs := ext4fake.New(t, ext4fake.DefaultGeometry)
	paths := fragmentedFiles(t, fs, 4, 10)

	engine, _ := newEngine(fs, realloc.ModePrealloc)
	stats, err := engine.Run(ctx, paths)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Relocated)
	after := layouts(t, fs, paths)
	moves := fs.Kernel.Calls("MoveExtent")

	stats, err = engine.Run(ctx, paths)
	require.ErrorIs(t, err, realloc.ErrNoImprovement)
	assert.Equal(t, 0, stats.Relocated)
	assert.Equal(t, moves, fs.Kernel.Calls("MoveExtent"))
	assert.Equal(t, after, layouts(t, fs, paths))
	assert.Empty(t, leftovers(t, fs))
}

func TestRelocateMoveFailure(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	fs := ext4fake.New(t, ext4fake.DefaultGeometry)
	paths := fragmentedFiles(t, fs, 5, 10)
	before := layouts(t, fs, paths)
	fs.Kernel.MoveExtentHook = func(orig, _ *os.File) error {
		if orig.Name() == paths[1] {
			return unix.EIO
		}
		return nil
	}

	engine, _ := newEngine(fs, realloc.ModePrealloc)
	stats, err := engine.Run(ctx, paths)
	require.ErrorIs(t, err, unix.EIO)
	assert.Equal(t, 1, stats.Relocated)
	require.Len(t, stats.Devices, 1)
	assert.Equal(t, 1, stats.Devices[0].Relocated)
	assert.NotEmpty(t, stats.Devices[0].Err)

	// The first file stays relocated; the rest are untouched and
	// their donors are gone.
	assert.Equal(t, []ext4.Extent{{Start: 514, Len: 20}}, fs.Layout(t, paths[0]))
	assert.Equal(t, before[1:], layouts(t, fs, paths[1:]))
	assert.Empty(t, leftovers(t, fs))
	fs.Kernel.Sync()
	for phys := uint64(514 + 20); phys < 514+100; phys++ {
		assert.False(t, fs.Kernel.Used(phys), phys)
	}
}

func TestRelocateRollback(t *testing.T) {
	t.Parallel()
	for _, mode := range []realloc.Mode{realloc.ModePrealloc, realloc.ModeLocalityGroup, realloc.ModeTopLevelDir} {
		mode := mode
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()
			ctx := dlog.NewTestContext(t, false)
			fs := ext4fake.New(t, ext4fake.DefaultGeometry)
			// 3 files of 1000 blocks, with only room for 1 donor.
			paths := []string{
				createFile(t, fs, "a", ext4.Extent{Start: 1024, Len: 500}, ext4.Extent{Start: 4610, Len: 500}),
				createFile(t, fs, "b", ext4.Extent{Start: 1524, Len: 500}, ext4.Extent{Start: 5110, Len: 500}),
				createFile(t, fs, "c", ext4.Extent{Start: 2024, Len: 500}, ext4.Extent{Start: 5610, Len: 500}),
			}
			createFile(t, fs, "filler", ext4.Extent{Start: 2524, Len: 4096 - 2524}, ext4.Extent{Start: 6110, Len: 1500})
			before := layouts(t, fs, paths)
			fs.Kernel.Sync()
			free := fs.Kernel.FreeBlocks()
			require.Equal(t, uint64(510+582), free)

			engine, sched := newEngine(fs, mode)
			stats, err := engine.Run(ctx, paths)
			require.Error(t, err)
			assert.Equal(t, 0, stats.Relocated)

			assert.Empty(t, leftovers(t, fs))
			fs.Kernel.Sync()
			assert.Equal(t, free, fs.Kernel.FreeBlocks())
			assert.Equal(t, before, layouts(t, fs, paths))
			assert.Equal(t, uint64(ext4fake.DefaultStreamReq), fs.Tunable(t, ext4.TunableStreamReq))
			assert.Equal(t, uint64(ext4fake.DefaultGroupPrealloc), fs.Tunable(t, ext4.TunableGroupPrealloc))
			assert.Equal(t, 0, sched.boosted)
			assert.Equal(t, 0, sched.pinned)
		})
	}
}

func TestRelocateCanceled(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	fs := ext4fake.New(t, ext4fake.DefaultGeometry)
	paths := fragmentedFiles(t, fs, 3, 10)
	before := layouts(t, fs, paths)

	ctx, cancel := context.WithCancel(ctx)
	cancel()
	engine, _ := newEngine(fs, realloc.ModeLocalityGroup)
	stats, err := engine.Run(ctx, paths)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, stats.Relocated)
	assert.Empty(t, leftovers(t, fs))
	assert.Equal(t, before, layouts(t, fs, paths))
}
