// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ext4

import (
	"os"
	"sort"
)

var fiemapInitialBatch = 32

// FileMap is the physical layout of a file, as reported by
// FS_IOC_FIEMAP, in logical order.
type FileMap []FiemapExtent

// Fiemap returns the complete extent map of f.
func (env *Env) Fiemap(f *os.File) (FileMap, error) {
	var ret FileMap
	start := uint64(0)
	batch := fiemapInitialBatch
	for {
		exts, err := env.Kernel.Fiemap(f, start, batch)
		if err != nil {
			return nil, &IoctlError{Op: "FS_IOC_FIEMAP", Path: f.Name(), Err: err}
		}
		ret = append(ret, exts...)
		if len(exts) == 0 || exts[len(exts)-1].Flags&FiemapExtentLast != 0 {
			return ret, nil
		}
		last := exts[len(exts)-1]
		start = last.Logical + last.Length
		if batch < maxFiemapExtents {
			batch *= 2
		}
	}
}

// FiemapPath is Fiemap for a file that is not yet open.
func (env *Env) FiemapPath(path string) (FileMap, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return env.Fiemap(fh)
}

// IsSparse reports whether the file has holes between (or before) its
// extents.
func (m FileMap) IsSparse() bool {
	var expected uint64
	for _, ext := range m {
		if ext.Logical != expected {
			return true
		}
		expected += ext.Length
	}
	return false
}

// AllocatedBytes is the sum of the extents' lengths.
func (m FileMap) AllocatedBytes() uint64 {
	var ret uint64
	for _, ext := range m {
		ret += ext.Length
	}
	return ret
}

// LogicalSize is the end of the last extent.  For a sparse file this
// includes the holes, so it is the size a donor file must have.
func (m FileMap) LogicalSize() uint64 {
	for _, ext := range m {
		if ext.Flags&FiemapExtentLast != 0 {
			return ext.Logical + ext.Length
		}
	}
	if len(m) == 0 {
		return 0
	}
	last := m[len(m)-1]
	return last.Logical + last.Length
}

// FragmentCount returns how many physically discontiguous pieces the
// file has.  A hole in a sparse file is not a discontinuity if the
// physical gap matches it.
func (m FileMap) FragmentCount() int {
	if len(m) == 0 {
		return 0
	}
	ret := 1
	for i := 1; i < len(m); i++ {
		prev, cur := m[i-1], m[i]
		if cur.Physical != prev.Physical+(cur.Logical-prev.Logical) {
			ret++
		}
	}
	return ret
}

// CountFragments counts the fragments of a set of files laid out
// back-to-back, taken in order of their first physical block.  A jump
// from one extent to the next is a fragment unless it is no larger
// than the logical hole it corresponds to.
func CountFragments(maps []FileMap) int {
	files := make([]FileMap, 0, len(maps))
	for _, m := range maps {
		if len(m) > 0 {
			files = append(files, m)
		}
	}
	sort.SliceStable(files, func(i, j int) bool {
		return files[i][0].Physical < files[j][0].Physical
	})

	ret := 0
	lastEnd := uint64(0)
	for _, m := range files {
		for i, ext := range m {
			if ext.Physical != lastEnd {
				var gap uint64
				if i == 0 {
					gap = ext.Logical
				} else {
					gap = ext.Logical - (m[i-1].Logical + m[i-1].Length)
				}
				if gap == 0 || ext.Physical-lastEnd > gap {
					ret++
				}
			}
			lastEnd = ext.Physical + ext.Length
		}
	}
	return ret
}
