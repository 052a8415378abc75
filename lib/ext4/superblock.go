// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ext4

import (
	"fmt"
	"io"

	"git.lukeshu.com/e4rat-ng/lib/binstruct"
	"git.lukeshu.com/e4rat-ng/lib/fmtutil"
)

// SuperblockOffset is the byte offset of the primary superblock on
// the device, independent of the block size.
const SuperblockOffset = 1024

const superblockMagic = 0xEF53

type IncompatFeatures uint32

const (
	IncompatCompression IncompatFeatures = 1 << iota
	IncompatFiletype
	IncompatRecover
	IncompatJournalDev
	IncompatMetaBG
	_
	IncompatExtents
	IncompatBit64
	IncompatMMP
	IncompatFlexBG
)

var incompatFeatureNames = []string{
	"compression",
	"filetype",
	"recover",
	"journal_dev",
	"meta_bg",
	"",
	"extents",
	"64bit",
	"mmp",
	"flex_bg",
}

func (f IncompatFeatures) Has(req IncompatFeatures) bool { return f&req == req }

func (f IncompatFeatures) String() string {
	return fmtutil.BitfieldString(f, incompatFeatureNames, fmtutil.HexLower)
}

type Superblock struct {
	InodesCount       uint32 `bin:"off=0x0,  siz=0x4"`
	BlocksCountLo     uint32 `bin:"off=0x4,  siz=0x4"`
	RBlocksCountLo    uint32 `bin:"off=0x8,  siz=0x4"`
	FreeBlocksCountLo uint32 `bin:"off=0xc,  siz=0x4"`
	FreeInodesCount   uint32 `bin:"off=0x10, siz=0x4"`
	FirstDataBlock    uint32 `bin:"off=0x14, siz=0x4"`
	LogBlockSize      uint32 `bin:"off=0x18, siz=0x4"` // block size is 1024<<LogBlockSize
	LogClusterSize    uint32 `bin:"off=0x1c, siz=0x4"`
	BlocksPerGroup    uint32 `bin:"off=0x20, siz=0x4"`
	ClustersPerGroup  uint32 `bin:"off=0x24, siz=0x4"`
	InodesPerGroup    uint32 `bin:"off=0x28, siz=0x4"`
	MTime             uint32 `bin:"off=0x2c, siz=0x4"`
	WTime             uint32 `bin:"off=0x30, siz=0x4"`
	MountCount        uint16 `bin:"off=0x34, siz=0x2"`
	MaxMountCount     uint16 `bin:"off=0x36, siz=0x2"`
	Magic             uint16 `bin:"off=0x38, siz=0x2"` // 0xEF53
	State             uint16 `bin:"off=0x3a, siz=0x2"`
	Errors            uint16 `bin:"off=0x3c, siz=0x2"`
	MinorRevLevel     uint16 `bin:"off=0x3e, siz=0x2"`
	LastCheck         uint32 `bin:"off=0x40, siz=0x4"`
	CheckInterval     uint32 `bin:"off=0x44, siz=0x4"`
	CreatorOS         uint32 `bin:"off=0x48, siz=0x4"`
	RevLevel          uint32 `bin:"off=0x4c, siz=0x4"`
	DefResUID         uint16 `bin:"off=0x50, siz=0x2"`
	DefResGID         uint16 `bin:"off=0x52, siz=0x2"`

	// RevLevel >= 1

	FirstIno        uint32           `bin:"off=0x54, siz=0x4"`
	InodeSize       uint16           `bin:"off=0x58, siz=0x2"`
	BlockGroupNr    uint16           `bin:"off=0x5a, siz=0x2"`
	FeatureCompat   uint32           `bin:"off=0x5c, siz=0x4"`
	FeatureIncompat IncompatFeatures `bin:"off=0x60, siz=0x4"`
	FeatureROCompat uint32           `bin:"off=0x64, siz=0x4"`
	UUID            [16]byte         `bin:"off=0x68, siz=0x10"`
	VolumeName      [16]byte         `bin:"off=0x78, siz=0x10"`
	LastMounted     [64]byte         `bin:"off=0x88, siz=0x40"`
	AlgorithmBitmap uint32           `bin:"off=0xc8, siz=0x4"`

	PreallocBlocks    uint8  `bin:"off=0xcc, siz=0x1"`
	PreallocDirBlocks uint8  `bin:"off=0xcd, siz=0x1"`
	ReservedGDTBlocks uint16 `bin:"off=0xce, siz=0x2"`

	JournalUUID   [16]byte   `bin:"off=0xd0,  siz=0x10"`
	JournalInum   uint32     `bin:"off=0xe0,  siz=0x4"`
	JournalDev    uint32     `bin:"off=0xe4,  siz=0x4"`
	LastOrphan    uint32     `bin:"off=0xe8,  siz=0x4"`
	HashSeed      [4]uint32  `bin:"off=0xec,  siz=0x10"`
	DefHashVer    uint8      `bin:"off=0xfc,  siz=0x1"`
	JnlBackupType uint8      `bin:"off=0xfd,  siz=0x1"`
	DescSize      uint16     `bin:"off=0xfe,  siz=0x2"`
	DefaultMntOpt uint32     `bin:"off=0x100, siz=0x4"`
	FirstMetaBG   uint32     `bin:"off=0x104, siz=0x4"`
	MkfsTime      uint32     `bin:"off=0x108, siz=0x4"`
	JnlBlocks     [17]uint32 `bin:"off=0x10c, siz=0x44"`

	// IncompatBit64

	BlocksCountHi     uint32 `bin:"off=0x150, siz=0x4"`
	RBlocksCountHi    uint32 `bin:"off=0x154, siz=0x4"`
	FreeBlocksCountHi uint32 `bin:"off=0x158, siz=0x4"`
	MinExtraISize     uint16 `bin:"off=0x15c, siz=0x2"`
	WantExtraISize    uint16 `bin:"off=0x15e, siz=0x2"`
	Flags             uint32 `bin:"off=0x160, siz=0x4"`
	RAIDStride        uint16 `bin:"off=0x164, siz=0x2"`
	MMPInterval       uint16 `bin:"off=0x166, siz=0x2"`
	MMPBlock          uint64 `bin:"off=0x168, siz=0x8"`
	RAIDStripeWidth   uint32 `bin:"off=0x170, siz=0x4"`
	LogGroupsPerFlex  uint8  `bin:"off=0x174, siz=0x1"`
	ChecksumType      uint8  `bin:"off=0x175, siz=0x1"`
	ReservedPad       uint16 `bin:"off=0x176, siz=0x2"`
	KBytesWritten     uint64 `bin:"off=0x178, siz=0x8"`

	Reserved      [0x27c]byte `bin:"off=0x180, siz=0x27c"`
	Checksum      uint32      `bin:"off=0x3fc, siz=0x4"`
	binstruct.End `bin:"off=0x400"`
}

// BlockSize returns the filesystem block size in bytes.
func (sb Superblock) BlockSize() uint64 {
	return 1024 << sb.LogBlockSize
}

// BlocksCount returns the total number of blocks in the filesystem.
func (sb Superblock) BlocksCount() uint64 {
	ret := uint64(sb.BlocksCountLo)
	if sb.FeatureIncompat.Has(IncompatBit64) {
		ret |= uint64(sb.BlocksCountHi) << 32
	}
	return ret
}

// GroupCount returns the number of block groups.
func (sb Superblock) GroupCount() uint64 {
	if sb.BlocksPerGroup == 0 {
		return 0
	}
	data := sb.BlocksCount() - uint64(sb.FirstDataBlock)
	return (data + uint64(sb.BlocksPerGroup) - 1) / uint64(sb.BlocksPerGroup)
}

// EffectiveInodeSize returns the on-disk inode size; revision 0
// filesystems have a fixed 128-byte inode.
func (sb Superblock) EffectiveInodeSize() uint64 {
	if sb.RevLevel == 0 {
		return 128
	}
	return uint64(sb.InodeSize)
}

// Geometry extracts the allocation-relevant numbers.
func (sb Superblock) Geometry() Geometry {
	ret := Geometry{
		BlockSize:      sb.BlockSize(),
		BlocksCount:    sb.BlocksCount(),
		FirstDataBlock: uint64(sb.FirstDataBlock),
		BlocksPerGroup: uint64(sb.BlocksPerGroup),
		GroupCount:     sb.GroupCount(),
		InodeSize:      sb.EffectiveInodeSize(),
		InodesPerGroup: uint64(sb.InodesPerGroup),
	}
	if sb.FeatureIncompat.Has(IncompatFlexBG) {
		ret.LogGroupsPerFlex = sb.LogGroupsPerFlex
	}
	return ret
}

// ReadSuperblock reads and validates the primary superblock.
func ReadSuperblock(r io.ReaderAt) (*Superblock, error) {
	buf := make([]byte, binstruct.StaticSize(Superblock{}))
	if _, err := r.ReadAt(buf, SuperblockOffset); err != nil {
		return nil, fmt.Errorf("read superblock: %w", err)
	}
	var sb Superblock
	if _, err := binstruct.Unmarshal(buf, &sb); err != nil {
		return nil, fmt.Errorf("decode superblock: %w", err)
	}
	if sb.Magic != superblockMagic {
		return nil, fmt.Errorf("bad superblock magic: %#04x", sb.Magic)
	}
	if sb.LogBlockSize > 6 || sb.BlocksPerGroup == 0 {
		return nil, fmt.Errorf("implausible superblock geometry: log_block_size=%d blocks_per_group=%d",
			sb.LogBlockSize, sb.BlocksPerGroup)
	}
	return &sb, nil
}
