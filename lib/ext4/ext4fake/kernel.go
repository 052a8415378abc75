// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ext4fake is an in-memory stand-in for the ext4 block
// allocator, for testing code that uses package ext4 without root or
// a real ext4 filesystem.
//
// Files are real files (typically in a test's temporary directory);
// the fake only tracks which physical blocks back which logical
// blocks of each inode.  File contents are never touched, so moving
// extents cannot corrupt them.
package ext4fake

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"git.lukeshu.com/e4rat-ng/lib/ext4"
	"git.lukeshu.com/e4rat-ng/lib/ext4/ext4buddy"
)

type inode struct {
	num    uint64
	fh     *os.File // keeps the inode alive until we notice it is gone
	blocks map[uint64]uint64
	pas    []ext4.PreallocInfo
	flags  uint32
}

// Kernel implements ext4.Kernel on top of a simulated block bitmap.
type Kernel struct {
	// NoPrealloc makes the preallocation ioctls fail with ENOTTY,
	// as on a kernel without them.
	NoPrealloc bool
	// MoveExtentMax caps how many blocks a single MoveExtent call
	// moves; 0 means no cap.
	MoveExtentMax uint64
	// MoveExtentHook, if set, is called before every MoveExtent;
	// a non-nil return is returned from the call.
	MoveExtentHook func(orig, donor *os.File) error

	mu           sync.Mutex
	geo          ext4.Geometry
	used         []bool
	inodes       map[uint64]*inode
	mbGroupsFile string
	calls        map[string]int
}

var _ ext4.Kernel = (*Kernel)(nil)

// NewKernel returns a Kernel for an empty filesystem with the given
// geometry.  The flex-group metadata at the start of each flex group
// is marked in-use.
func NewKernel(geo ext4.Geometry) *Kernel {
	k := &Kernel{
		geo:    geo,
		used:   make([]bool, geo.BlocksCount),
		inodes: make(map[uint64]*inode),
		calls:  make(map[string]int),
	}
	for group := uint64(0); group < geo.GroupCount; group++ {
		start := geo.GroupStart(group)
		meta := geo.BlocksPerGroup - geo.MaxFreeInGroup(group)
		for b := start; b < start+meta && b < geo.BlocksCount; b++ {
			k.used[b] = true
		}
	}
	return k
}

func (k *Kernel) Geometry() ext4.Geometry { return k.geo }

// Calls returns how many times the named Kernel method has been
// called.
func (k *Kernel) Calls(method string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.calls[method]
}

func (k *Kernel) enter(method string) {
	k.mu.Lock()
	k.calls[method]++
	k.gc()
}

func (k *Kernel) leave(changed bool) {
	if changed {
		_ = k.writeMBGroups()
	}
	k.mu.Unlock()
}

func (k *Kernel) lookup(f *os.File) (*inode, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return nil, err
	}
	if ino, ok := k.inodes[uint64(st.Ino)]; ok {
		return ino, nil
	}
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, err
	}
	ino := &inode{
		num:    uint64(st.Ino),
		fh:     os.NewFile(uintptr(fd), f.Name()),
		blocks: make(map[uint64]uint64),
		flags:  ext4.FlagExtents,
	}
	k.inodes[ino.num] = ino
	return ino, nil
}

// gc releases the blocks of inodes that have been unlinked and are
// no longer open anywhere but here.
func (k *Kernel) gc() {
	changed := false
	for num, ino := range k.inodes {
		var st unix.Stat_t
		if err := unix.Fstat(int(ino.fh.Fd()), &st); err != nil || st.Nlink > 0 {
			continue
		}
		if openCount(uint64(st.Dev), uint64(st.Ino)) > 1 {
			continue
		}
		for _, phys := range ino.blocks {
			k.used[phys] = false
		}
		_ = ino.fh.Close()
		delete(k.inodes, num)
		changed = true
	}
	if changed {
		_ = k.writeMBGroups()
	}
}

func openCount(dev, ino uint64) int {
	ents, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return 0
	}
	n := 0
	for _, ent := range ents {
		var st unix.Stat_t
		if err := unix.Stat(filepath.Join("/proc/self/fd", ent.Name()), &st); err != nil {
			continue
		}
		if uint64(st.Dev) == dev && uint64(st.Ino) == ino {
			n++
		}
	}
	return n
}

// Sync forces freeing of deleted files' blocks.
func (k *Kernel) Sync() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.gc()
}

// reserved reports whether any inode has a preallocation covering
// phys.
func (k *Kernel) reserved(phys uint64) bool {
	for _, ino := range k.inodes {
		for _, pa := range ino.pas {
			if phys >= pa.PStart && phys < pa.PStart+uint64(pa.Len) {
				return true
			}
		}
	}
	return false
}

func (k *Kernel) available(phys uint64) bool {
	return phys < uint64(len(k.used)) && !k.used[phys] && !k.reserved(phys)
}

func (k *Kernel) runLen(start, maxLen uint64) uint64 {
	n := uint64(0)
	for n < maxLen && k.available(start+n) {
		n++
	}
	return n
}

// ControlPA implements ext4.Kernel.
func (k *Kernel) ControlPA(f *os.File, info *ext4.PreallocInfo) error {
	k.enter("ControlPA")
	changed := false
	defer func() { k.leave(changed) }()

	if k.NoPrealloc {
		return unix.ENOTTY
	}
	ino, err := k.lookup(f)
	if err != nil {
		return err
	}
	if info.Flags&ext4.PADiscard != 0 {
		ino.pas = nil
		return nil
	}
	if info.Len == 0 || uint64(info.Len) > k.geo.MaxPreallocLen() || info.PStart >= k.geo.BlocksCount {
		return unix.EINVAL
	}
	if n := k.runLen(info.PStart, uint64(info.Len)); n == uint64(info.Len) {
		pa := *info
		pa.Free = pa.Len
		ino.pas = append(ino.pas, pa)
		changed = true
		return nil
	}
	// Report the first free range at or after the requested start.
	for phys := info.PStart; phys < k.geo.BlocksCount; phys++ {
		if k.available(phys) {
			info.PStart = phys
			info.Len = uint32(k.runLen(phys, uint64(info.Len)))
			return unix.ENOSPC
		}
	}
	info.Len = 0
	return unix.ENOSPC
}

// GetPA implements ext4.Kernel.
func (k *Kernel) GetPA(f *os.File, maxEntries int) ([]ext4.PreallocInfo, error) {
	k.enter("GetPA")
	defer k.leave(false)

	if k.NoPrealloc {
		return nil, unix.ENOTTY
	}
	ino, err := k.lookup(f)
	if err != nil {
		return nil, err
	}
	ret := ino.pas
	if len(ret) > maxEntries {
		ret = ret[:maxEntries]
	}
	return append([]ext4.PreallocInfo(nil), ret...), nil
}

// Fallocate implements ext4.Kernel.  Unmapped blocks in the range are
// taken from the inode's preallocations where those cover them, and
// from the first free blocks after the previous logical block
// otherwise.
func (k *Kernel) Fallocate(f *os.File, off, length int64) error {
	k.enter("Fallocate")
	changed := false
	defer func() { k.leave(changed) }()

	if off < 0 || length <= 0 {
		return unix.EINVAL
	}
	ino, err := k.lookup(f)
	if err != nil {
		return err
	}
	bs := k.geo.BlockSize
	first := uint64(off) / bs
	last := (uint64(off+length) + bs - 1) / bs

	var need []uint64
	for logical := first; logical < last; logical++ {
		if _, ok := ino.blocks[logical]; !ok {
			need = append(need, logical)
		}
	}

	// Dry run, so that ENOSPC leaves nothing half-allocated.
	freeCnt := uint64(0)
	for phys := range k.used {
		if k.available(uint64(phys)) {
			freeCnt++
		}
	}
	paCnt := uint64(0)
	for _, logical := range need {
		if _, ok := k.fromPA(ino, logical); ok {
			paCnt++
		}
	}
	if uint64(len(need))-paCnt > freeCnt {
		return unix.ENOSPC
	}

	goal := uint64(0)
	for _, logical := range need {
		if i, ok := k.fromPA(ino, logical); ok {
			pa := &ino.pas[i]
			phys := pa.PStart + (logical - uint64(pa.LStart))
			k.used[phys] = true
			ino.blocks[logical] = phys
			pa.Free--
			goal = phys + 1
			continue
		}
		if logical > 0 {
			if prev, ok := ino.blocks[logical-1]; ok {
				goal = prev + 1
			}
		}
		phys, ok := k.firstAvailable(goal)
		if !ok {
			phys, _ = k.firstAvailable(0)
		}
		k.used[phys] = true
		ino.blocks[logical] = phys
		goal = phys + 1
	}
	changed = len(need) > 0

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return err
	}
	if st.Size < off+length {
		return unix.Ftruncate(int(f.Fd()), off+length)
	}
	return nil
}

func (k *Kernel) fromPA(ino *inode, logical uint64) (int, bool) {
	for i, pa := range ino.pas {
		if logical < uint64(pa.LStart) || logical >= uint64(pa.LStart)+uint64(pa.Len) {
			continue
		}
		phys := pa.PStart + (logical - uint64(pa.LStart))
		if !k.used[phys] {
			return i, true
		}
	}
	return -1, false
}

func (k *Kernel) firstAvailable(goal uint64) (uint64, bool) {
	for phys := goal; phys < uint64(len(k.used)); phys++ {
		if k.available(phys) {
			return phys, true
		}
	}
	return 0, false
}

// MoveExtent implements ext4.Kernel.  Holes in orig are skipped; a
// block that orig has but donor lacks is ENODATA.
func (k *Kernel) MoveExtent(orig, donor *os.File, req *ext4.MoveExtentRequest) error {
	k.mu.Lock()
	hook := k.MoveExtentHook
	k.mu.Unlock()
	if hook != nil {
		if err := hook(orig, donor); err != nil {
			return err
		}
	}

	k.enter("MoveExtent")
	changed := false
	defer func() { k.leave(changed) }()

	if req.Len == 0 {
		return unix.EINVAL
	}
	o, err := k.lookup(orig)
	if err != nil {
		return err
	}
	d, err := k.lookup(donor)
	if err != nil {
		return err
	}
	if o == d {
		return unix.EINVAL
	}
	if o.flags&ext4.FlagImmutable != 0 || d.flags&ext4.FlagImmutable != 0 {
		return unix.EPERM
	}
	n := req.Len
	if k.MoveExtentMax > 0 && n > k.MoveExtentMax {
		n = k.MoveExtentMax
	}
	for i := uint64(0); i < n; i++ {
		lo, ld := req.OrigStart+i, req.DonorStart+i
		po, okO := o.blocks[lo]
		if !okO {
			continue
		}
		pd, okD := d.blocks[ld]
		if !okD {
			req.MovedLen = i
			return unix.ENODATA
		}
		o.blocks[lo], d.blocks[ld] = pd, po
	}
	req.MovedLen = n
	changed = true
	return nil
}

// runs returns ino's mapping as maximal runs, in logical order, in
// blocks.
func (ino *inode) runs() []ext4.FiemapExtent {
	logicals := make([]uint64, 0, len(ino.blocks))
	for logical := range ino.blocks {
		logicals = append(logicals, logical)
	}
	sort.Slice(logicals, func(i, j int) bool { return logicals[i] < logicals[j] })

	var ret []ext4.FiemapExtent
	for _, logical := range logicals {
		phys := ino.blocks[logical]
		if n := len(ret); n > 0 {
			last := &ret[n-1]
			if last.Logical+last.Length == logical && last.Physical+last.Length == phys {
				last.Length++
				continue
			}
		}
		ret = append(ret, ext4.FiemapExtent{Logical: logical, Physical: phys, Length: 1})
	}
	return ret
}

// Fiemap implements ext4.Kernel.
func (k *Kernel) Fiemap(f *os.File, start uint64, maxExtents int) ([]ext4.FiemapExtent, error) {
	k.enter("Fiemap")
	defer k.leave(false)

	ino, err := k.lookup(f)
	if err != nil {
		return nil, err
	}
	bs := k.geo.BlockSize
	runs := ino.runs()
	var ret []ext4.FiemapExtent
	for i, run := range runs {
		if (run.Logical+run.Length)*bs <= start {
			continue
		}
		if len(ret) == maxExtents {
			break
		}
		ext := ext4.FiemapExtent{
			Logical:  run.Logical * bs,
			Physical: run.Physical * bs,
			Length:   run.Length * bs,
		}
		if i == len(runs)-1 {
			ext.Flags |= ext4.FiemapExtentLast
		}
		ret = append(ret, ext)
	}
	return ret, nil
}

// GetFlags implements ext4.Kernel.
func (k *Kernel) GetFlags(f *os.File) (uint32, error) {
	k.enter("GetFlags")
	defer k.leave(false)
	ino, err := k.lookup(f)
	if err != nil {
		return 0, err
	}
	return ino.flags, nil
}

// SetFlags implements ext4.Kernel.
func (k *Kernel) SetFlags(f *os.File, flags uint32) error {
	k.enter("SetFlags")
	defer k.leave(false)
	ino, err := k.lookup(f)
	if err != nil {
		return err
	}
	ino.flags = flags
	return nil
}

// Fadvise implements ext4.Kernel.
func (k *Kernel) Fadvise(f *os.File, off, length int64, advice int) error {
	k.enter("Fadvise")
	defer k.leave(false)
	return nil
}

// Place maps f's logical blocks, starting at 0, onto the given
// physical extents, in order, and sets f's size to match.  It is for
// setting up a file with a known layout.
func (k *Kernel) Place(f *os.File, layout ...ext4.Extent) error {
	k.enter("Place")
	defer k.leave(true)

	ino, err := k.lookup(f)
	if err != nil {
		return err
	}
	logical := uint64(0)
	for _, ext := range layout {
		for phys := ext.Start; phys < ext.End(); phys++ {
			if phys >= uint64(len(k.used)) || k.used[phys] {
				return fmt.Errorf("block %d is not free", phys)
			}
			k.used[phys] = true
			ino.blocks[logical] = phys
			logical++
		}
	}
	size := int64(logical * k.geo.BlockSize)
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return err
	}
	if st.Size < size {
		// f may be read-only.
		return os.Truncate(f.Name(), size)
	}
	return nil
}

// PlaceSparse is like Place, but for explicit (logical, physical)
// runs; the gaps between runs are holes.
func (k *Kernel) PlaceSparse(f *os.File, size int64, runs ...ext4.FiemapExtent) error {
	k.enter("PlaceSparse")
	defer k.leave(true)

	ino, err := k.lookup(f)
	if err != nil {
		return err
	}
	for _, run := range runs {
		for i := uint64(0); i < run.Length; i++ {
			phys := run.Physical + i
			if phys >= uint64(len(k.used)) || k.used[phys] {
				return fmt.Errorf("block %d is not free", phys)
			}
			k.used[phys] = true
			ino.blocks[run.Logical+i] = phys
		}
	}
	return os.Truncate(f.Name(), size)
}

// Used reports whether a physical block is allocated.
func (k *Kernel) Used(phys uint64) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.used[phys]
}

// FreeBlocks returns the number of unallocated blocks.
func (k *Kernel) FreeBlocks() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := uint64(0)
	for _, used := range k.used {
		if !used {
			n++
		}
	}
	return n
}

// SetMBGroupsFile makes the Kernel keep the named file up to date in
// the format of /proc/fs/ext4/<dev>/mb_groups.
func (k *Kernel) SetMBGroupsFile(path string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.mbGroupsFile = path
	return k.writeMBGroups()
}

// Groups summarizes the bitmap per block group.
func (k *Kernel) Groups() []ext4buddy.Group {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.groups()
}

func (k *Kernel) groups() []ext4buddy.Group {
	ret := make([]ext4buddy.Group, k.geo.GroupCount)
	for num := range ret {
		group := &ret[num]
		start := k.geo.GroupStart(uint64(num))
		end := start + k.geo.BlocksPerGroup
		if end > uint64(len(k.used)) {
			end = uint64(len(k.used))
		}
		group.First = end - start
		for phys := start; phys < end; {
			if k.used[phys] {
				phys++
				continue
			}
			runStart := phys
			for phys < end && !k.used[phys] {
				phys++
			}
			if group.Free == 0 {
				group.First = runStart - start
			}
			group.Free += phys - runStart
			group.Frags++
			addBuddies(&group.Orders, runStart-start, phys-start)
		}
	}
	return ret
}

// addBuddies counts the aligned power-of-two chunks that a free run
// [beg, end) decomposes into.
func addBuddies(orders *[ext4buddy.NumOrders]uint64, beg, end uint64) {
	for beg < end {
		order := ext4buddy.NumOrders - 1
		for order > 0 && (beg%(1<<order) != 0 || beg+(1<<order) > end) {
			order--
		}
		orders[order]++
		beg += 1 << order
	}
}

func (k *Kernel) writeMBGroups() error {
	if k.mbGroupsFile == "" {
		return nil
	}
	fh, err := os.Create(k.mbGroupsFile)
	if err != nil {
		return err
	}
	if err := ext4buddy.WriteTable(fh, k.groups()); err != nil {
		_ = fh.Close()
		return err
	}
	return fh.Close()
}
