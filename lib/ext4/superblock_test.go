// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ext4_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/e4rat-ng/lib/binstruct"
	"git.lukeshu.com/e4rat-ng/lib/ext4"
	"git.lukeshu.com/e4rat-ng/lib/ext4/ext4fake"
)

func deviceImage(t *testing.T, sb ext4.Superblock) *bytes.Reader {
	t.Helper()
	dat, err := binstruct.Marshal(sb)
	require.NoError(t, err)
	require.Len(t, dat, 1024)
	img := make([]byte, ext4.SuperblockOffset+len(dat))
	copy(img[ext4.SuperblockOffset:], dat)
	return bytes.NewReader(img)
}

func TestReadSuperblock(t *testing.T) {
	t.Parallel()
	sb, err := ext4.ReadSuperblock(deviceImage(t, ext4fake.Superblock(ext4fake.DefaultGeometry)))
	require.NoError(t, err)
	assert.Equal(t, ext4fake.DefaultGeometry, sb.Geometry())
	assert.True(t, sb.FeatureIncompat.Has(ext4.IncompatExtents))
	assert.Equal(t, "0x242(filetype|extents|flex_bg)", sb.FeatureIncompat.String())
}

func TestReadSuperblockErrors(t *testing.T) {
	t.Parallel()
	testcases := map[string]struct {
		Mutate func(*ext4.Superblock)
		ErrRe  string
	}{
		"bad-magic": {
			Mutate: func(sb *ext4.Superblock) { sb.Magic = 0x1234 },
			ErrRe:  `bad superblock magic: 0x1234`,
		},
		"no-groups": {
			Mutate: func(sb *ext4.Superblock) { sb.BlocksPerGroup = 0 },
			ErrRe:  `implausible superblock geometry`,
		},
		"huge-blocks": {
			Mutate: func(sb *ext4.Superblock) { sb.LogBlockSize = 20 },
			ErrRe:  `implausible superblock geometry`,
		},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			sb := ext4fake.Superblock(ext4fake.DefaultGeometry)
			tc.Mutate(&sb)
			_, err := ext4.ReadSuperblock(deviceImage(t, sb))
			assert.Regexp(t, tc.ErrRe, err)
		})
	}
	_, err := ext4.ReadSuperblock(bytes.NewReader(make([]byte, 100)))
	assert.ErrorContains(t, err, "read superblock")
}

func TestSuperblockGeometry(t *testing.T) {
	t.Parallel()
	sb := ext4fake.Superblock(ext4fake.DefaultGeometry)

	// Without flex_bg, the flex size is ignored.
	sb.FeatureIncompat &^= ext4.IncompatFlexBG
	assert.Equal(t, uint8(0), sb.Geometry().LogGroupsPerFlex)

	// Revision 0 has fixed-size inodes.
	sb.RevLevel = 0
	assert.Equal(t, uint64(128), sb.Geometry().InodeSize)

	// The high half of the block count only counts with 64bit.
	sb.BlocksCountHi = 1
	assert.Equal(t, uint64(8*1024), sb.BlocksCount())
	sb.FeatureIncompat |= ext4.IncompatBit64
	assert.Equal(t, uint64(1)<<32+8*1024, sb.BlocksCount())

	// A partial last group still counts.
	sb = ext4fake.Superblock(ext4fake.DefaultGeometry)
	sb.BlocksCountLo = 8*1024 + 1
	assert.Equal(t, uint64(9), sb.GroupCount())
}

func TestGeometry(t *testing.T) {
	t.Parallel()
	geo := ext4fake.DefaultGeometry
	assert.Equal(t, uint64(4), geo.GroupsPerFlex())
	assert.Equal(t, uint64(2), geo.FlexCount())
	assert.Equal(t, uint64(1024-2-32), geo.FreeBlocksPerGroup())
	assert.Equal(t, uint64(4*990), geo.FreeBlocksPerFlex())
	assert.Equal(t, uint64(1014), geo.MaxPreallocLen())
	assert.Equal(t, uint64(1024-514), geo.MaxFreeInGroup(0))
	assert.Equal(t, uint64(1024), geo.MaxFreeInGroup(1))
	assert.Equal(t, uint64(1024-514), geo.MaxFreeInGroup(4))
	assert.Equal(t, uint64(3072), geo.GroupStart(3))

	geo.FirstDataBlock = 1
	assert.Equal(t, uint64(3073), geo.GroupStart(3))
}
