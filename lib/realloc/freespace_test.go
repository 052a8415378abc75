// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package realloc_test

import (
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/e4rat-ng/lib/ext4"
	"git.lukeshu.com/e4rat-ng/lib/ext4/ext4fake"
	"git.lukeshu.com/e4rat-ng/lib/realloc"
)

func TestFindFreeSpace(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Used     []ext4.Extent
		Hint     uint64
		Length   uint64
		Exp      ext4.Extent
		ExpShort bool
		// Whether the kernel was asked at all.
		ExpProbe bool
	}
	testcases := map[string]TestCase{
		"empty-flex": {
			Used:   []ext4.Extent{{Start: 1024, Len: 10}},
			Length: 3000,
			Exp:    ext4.Extent{Start: 4610, Len: 3582},
		},
		"empty-flex-first": {
			Length: 3000,
			Exp:    ext4.Extent{Start: 514, Len: 3582},
		},
		"empty-group": {
			Used:   []ext4.Extent{{Start: 600, Len: 1}},
			Length: 1020,
			Exp:    ext4.Extent{Start: 1024, Len: 1024},
		},
		"empty-group-short": {
			Length:   1020,
			Exp:      ext4.Extent{Start: 514, Len: 510},
			ExpShort: true,
		},
		"no-empty-group": {
			Used: []ext4.Extent{
				{Start: 600, Len: 1},
				{Start: 1500, Len: 1},
				{Start: 2500, Len: 1},
				{Start: 3500, Len: 1},
				{Start: 4700, Len: 1},
				{Start: 5500, Len: 1},
				{Start: 6500, Len: 1},
				{Start: 7500, Len: 1},
			},
			Hint:     1000,
			Length:   1020,
			Exp:      ext4.Extent{Start: 1000, Len: 500},
			ExpShort: true,
			ExpProbe: true,
		},
		"small": {
			Length:   100,
			Exp:      ext4.Extent{Start: 514, Len: 100},
			ExpProbe: true,
		},
		"small-at-hint": {
			Hint:     1100,
			Length:   100,
			Exp:      ext4.Extent{Start: 1100, Len: 100},
			ExpProbe: true,
		},
		"small-short": {
			Used:     []ext4.Extent{{Start: 1050, Len: 10}},
			Hint:     1024,
			Length:   100,
			Exp:      ext4.Extent{Start: 1024, Len: 26},
			ExpShort: true,
			ExpProbe: true,
		},
		"hint-past-end": {
			Hint:     1 << 20,
			Length:   10,
			Exp:      ext4.Extent{Start: 514, Len: 10},
			ExpProbe: true,
		},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			ctx := dlog.NewTestContext(t, false)
			fs := ext4fake.New(t, ext4fake.DefaultGeometry)
			if len(tc.Used) > 0 {
				createFile(t, fs, "used", tc.Used...)
			}

			ext, err := realloc.FindFreeSpace(ctx, fs.Device(t), tc.Hint, tc.Length)
			if tc.ExpShort {
				var short *ext4.ShortAllocationError
				require.ErrorAs(t, err, &short)
				assert.Equal(t, tc.Exp, short.Granted)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tc.Exp, ext)
			assert.Equal(t, tc.ExpProbe, fs.Kernel.Calls("ControlPA") > 0)

			// Nothing stays reserved or behind.
			assert.Empty(t, leftovers(t, fs))
			fs.Kernel.Sync()
			for phys := tc.Exp.Start; phys < tc.Exp.End(); phys++ {
				if fs.Kernel.Used(phys) {
					t.Errorf("block %d is in use", phys)
					break
				}
			}
		})
	}
}

func TestFindFreeSpaceFull(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	fs := ext4fake.New(t, ext4fake.DefaultGeometry)
	createFile(t, fs, "everything",
		ext4.Extent{Start: 514, Len: 3582},
		ext4.Extent{Start: 4610, Len: 3582})

	for _, length := range []uint64{1, 100, 3000} {
		_, err := realloc.FindFreeSpace(ctx, fs.Device(t), 0, length)
		assert.ErrorIs(t, err, realloc.ErrNoFreeSpace, length)
	}
	assert.Empty(t, leftovers(t, fs))
}

func TestFindExtentUnsupported(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	fs := ext4fake.New(t, ext4fake.DefaultGeometry)
	fs.Kernel.NoPrealloc = true

	_, err := realloc.FindExtent(ctx, fs.Device(t), 0, 100)
	assert.ErrorIs(t, err, ext4.ErrPreallocUnsupported)
	assert.Empty(t, leftovers(t, fs))
}

// The reservation that FindExtent makes is released again, so that
// asking twice gives the same answer.
func TestFindExtentDiscards(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	fs := ext4fake.New(t, ext4fake.DefaultGeometry)
	dev := fs.Device(t)

	first, err := realloc.FindExtent(ctx, dev, 2000, 50)
	require.NoError(t, err)
	second, err := realloc.FindExtent(ctx, dev, 2000, 50)
	require.NoError(t, err)
	assert.Equal(t, ext4.Extent{Start: 2000, Len: 50}, first)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, fs.Kernel.Calls("GetPA"))
}
