// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ext4

// FlexMetadataBlocks is the number of blocks that the first group of
// each flex group holds for the flex's block bitmaps, inode bitmaps,
// and inode tables.
const FlexMetadataBlocks = 514

// preallocSlack is how far below a whole group EXT4_IOC_CONTROL_PA
// requests must stay.
const preallocSlack = 10

// Geometry is the block-allocation layout of a filesystem.
type Geometry struct {
	BlockSize        uint64 `json:"block_size"`
	BlocksCount      uint64 `json:"blocks_count"`
	FirstDataBlock   uint64 `json:"first_data_block"`
	BlocksPerGroup   uint64 `json:"blocks_per_group"`
	LogGroupsPerFlex uint8  `json:"log_groups_per_flex"`
	GroupCount       uint64 `json:"group_count"`
	InodeSize        uint64 `json:"inode_size"`
	InodesPerGroup   uint64 `json:"inodes_per_group"`
}

func (g Geometry) GroupsPerFlex() uint64 {
	return 1 << g.LogGroupsPerFlex
}

func (g Geometry) FlexCount() uint64 {
	return (g.GroupCount + g.GroupsPerFlex() - 1) >> g.LogGroupsPerFlex
}

// FreeBlocksPerGroup is the number of blocks in a group that are
// usable for data, excluding the two bitmaps and the inode table.
func (g Geometry) FreeBlocksPerGroup() uint64 {
	return g.BlocksPerGroup - 2 - g.InodeSize*g.InodesPerGroup/g.BlockSize
}

// FreeBlocksPerFlex is FreeBlocksPerGroup scaled to a whole flex
// group.
func (g Geometry) FreeBlocksPerFlex() uint64 {
	return g.FreeBlocksPerGroup() << g.LogGroupsPerFlex
}

// MaxPreallocLen is the largest length that a single
// EXT4_IOC_CONTROL_PA call accepts.
func (g Geometry) MaxPreallocLen() uint64 {
	return g.BlocksPerGroup - preallocSlack
}

// MaxFreeInGroup is the largest free-block count that a group can
// legitimately report.
func (g Geometry) MaxFreeInGroup(group uint64) uint64 {
	ret := g.BlocksPerGroup
	if group%g.GroupsPerFlex() == 0 {
		ret -= FlexMetadataBlocks
	}
	return ret
}

// GroupStart returns the first block of a group.
func (g Geometry) GroupStart(group uint64) uint64 {
	return g.FirstDataBlock + group*g.BlocksPerGroup
}
