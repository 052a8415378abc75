// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ext4buddy reads the multi-block allocator's per-group
// free-space summary (/proc/fs/ext4/<dev>/mb_groups) and answers
// "is there a wholly empty group or flex group?".
package ext4buddy

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"git.lukeshu.com/e4rat-ng/lib/ext4"
)

// NumOrders is the number of buddy orders that mb_groups reports
// (runs of 2^0 ... 2^13 blocks).
const NumOrders = 14

// Group is one line of mb_groups.
type Group struct {
	Free  uint64 `json:"free"`
	Frags uint64 `json:"frags"`
	// First is the offset of the first free block, relative to
	// the start of the group.
	First uint64 `json:"first"`
	// Orders[i] is the number of free runs of 2^i blocks.
	Orders [NumOrders]uint64 `json:"orders"`
}

// InconsistentGroupError is returned when a group reports more free
// blocks than the geometry allows; either the table is corrupt or the
// geometry is wrong.
type InconsistentGroupError struct {
	Group   uint64
	Free    uint64
	MaxFree uint64
}

func (e *InconsistentGroupError) Error() string {
	return fmt.Sprintf("block group %d: %d blocks marked free, but at most %d can be",
		e.Group, e.Free, e.MaxFree)
}

// Cache is a snapshot of mb_groups.  It is only updated by Refresh.
type Cache struct {
	geo    ext4.Geometry
	path   string
	Groups []Group
}

// New creates a Cache for dev and loads it.
func New(dev ext4.Device) (*Cache, error) {
	geo, err := dev.Geometry()
	if err != nil {
		return nil, err
	}
	name, err := dev.Name()
	if err != nil {
		return nil, err
	}
	ret := &Cache{
		geo:  geo,
		path: filepath.Join(dev.Env().ProcfsDir, name, "mb_groups"),
	}
	if err := ret.Refresh(); err != nil {
		return nil, err
	}
	return ret, nil
}

// NewFromReader builds a Cache from an already-open table.
func NewFromReader(geo ext4.Geometry, r io.Reader) (*Cache, error) {
	groups, err := Parse(r, geo.GroupCount)
	if err != nil {
		return nil, err
	}
	return &Cache{geo: geo, Groups: groups}, nil
}

// Refresh re-reads the whole table, replacing the previous snapshot.
func (c *Cache) Refresh() error {
	fh, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("cannot open buddy cache: %w", err)
	}
	defer fh.Close()
	groups, err := Parse(fh, c.geo.GroupCount)
	if err != nil {
		return fmt.Errorf("%s: %w", c.path, err)
	}
	c.Groups = groups
	return nil
}

func (c *Cache) Geometry() ext4.Geometry { return c.geo }

// Parse reads the mb_groups format: a header line, then
//
//	#<group> : <free> <frags> <first> [ <s0> <s1> ... <s13> ]
//
// for each of the groupCount groups.
func Parse(r io.Reader, groupCount uint64) ([]Group, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("empty table")
	}
	ret := make([]Group, 0, groupCount)
	for uint64(len(ret)) < groupCount {
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("expected %d groups, only got %d", groupCount, len(ret))
		}
		num, group, err := parseLine(scanner.Text())
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", len(ret)+2, err)
		}
		if num != uint64(len(ret)) {
			return nil, fmt.Errorf("line %d: expected group %d, got group %d", len(ret)+2, len(ret), num)
		}
		ret = append(ret, group)
	}
	return ret, nil
}

func parseLine(line string) (uint64, Group, error) {
	numStr, rest, ok := strings.Cut(strings.TrimSpace(line), ":")
	if !ok || !strings.HasPrefix(numStr, "#") {
		return 0, Group{}, fmt.Errorf("malformed line: %q", line)
	}
	num, err := strconv.ParseUint(strings.TrimSpace(numStr[1:]), 10, 64)
	if err != nil {
		return 0, Group{}, fmt.Errorf("group number: %w", err)
	}
	// free frags first "[" s0..s13 "]"
	fields := strings.Fields(rest)
	if len(fields) != 3+1+NumOrders+1 || fields[3] != "[" || fields[len(fields)-1] != "]" {
		return 0, Group{}, fmt.Errorf("group %d: malformed line: %q", num, line)
	}
	var ret Group
	for i, dst := range []*uint64{&ret.Free, &ret.Frags, &ret.First} {
		if *dst, err = strconv.ParseUint(fields[i], 10, 64); err != nil {
			return 0, Group{}, fmt.Errorf("group %d: %w", num, err)
		}
	}
	for i := 0; i < NumOrders; i++ {
		if ret.Orders[i], err = strconv.ParseUint(fields[4+i], 10, 64); err != nil {
			return 0, Group{}, fmt.Errorf("group %d: 2^%d: %w", num, i, err)
		}
	}
	return num, ret, nil
}

// IsGroupEmpty reports whether a group is completely free.
func (c *Cache) IsGroupEmpty(group uint64) (bool, error) {
	if group >= uint64(len(c.Groups)) {
		return false, fmt.Errorf("block group %d out of range (have %d)", group, len(c.Groups))
	}
	maxFree := c.geo.MaxFreeInGroup(group)
	free := c.Groups[group].Free
	if free > maxFree {
		return false, &InconsistentGroupError{Group: group, Free: free, MaxFree: maxFree}
	}
	return free == maxFree, nil
}

func (c *Cache) flexGroups(flex uint64) (beg, end uint64) {
	beg = flex << c.geo.LogGroupsPerFlex
	end = (flex + 1) << c.geo.LogGroupsPerFlex
	if end > uint64(len(c.Groups)) {
		end = uint64(len(c.Groups))
	}
	return beg, end
}

// FlexFree returns the total free blocks of a flex group.
func (c *Cache) FlexFree(flex uint64) uint64 {
	beg, end := c.flexGroups(flex)
	var ret uint64
	for g := beg; g < end; g++ {
		ret += c.Groups[g].Free
	}
	return ret
}

// IsFlexEmpty reports whether every group of a flex group is
// completely free.
func (c *Cache) IsFlexEmpty(flex uint64) (bool, error) {
	beg, end := c.flexGroups(flex)
	if beg >= end {
		return false, fmt.Errorf("flex group %d out of range", flex)
	}
	var free, maxFree uint64
	for g := beg; g < end; g++ {
		groupMax := c.geo.MaxFreeInGroup(g)
		if c.Groups[g].Free > groupMax {
			return false, &InconsistentGroupError{Group: g, Free: c.Groups[g].Free, MaxFree: groupMax}
		}
		free += c.Groups[g].Free
		maxFree += groupMax
	}
	return free == maxFree, nil
}

// FindEmptyGroup returns the first completely free group, or -1.
func (c *Cache) FindEmptyGroup() (int64, error) {
	for g := range c.Groups {
		empty, err := c.IsGroupEmpty(uint64(g))
		if err != nil {
			return -1, err
		}
		if empty {
			return int64(g), nil
		}
	}
	return -1, nil
}

// FindEmptyFlex returns the first completely free flex group, or -1.
func (c *Cache) FindEmptyFlex() (int64, error) {
	flexCount := (uint64(len(c.Groups)) + c.geo.GroupsPerFlex() - 1) >> c.geo.LogGroupsPerFlex
	for flex := uint64(0); flex < flexCount; flex++ {
		empty, err := c.IsFlexEmpty(flex)
		if err != nil {
			return -1, err
		}
		if empty {
			return int64(flex), nil
		}
	}
	return -1, nil
}

// GroupExtent is the free range of a group: from its first free block
// for as many blocks as are free.
func (c *Cache) GroupExtent(group uint64) ext4.Extent {
	return ext4.Extent{
		Start: c.geo.GroupStart(group) + c.Groups[group].First,
		Len:   c.Groups[group].Free,
	}
}

// FlexExtent is the free range of an empty flex group: from the first
// free block of its first group to the end of the flex.
func (c *Cache) FlexExtent(flex uint64) ext4.Extent {
	beg, _ := c.flexGroups(flex)
	return ext4.Extent{
		Start: c.geo.GroupStart(beg) + c.Groups[beg].First,
		Len:   c.FlexFree(flex),
	}
}

// WriteTable writes groups in the same format that Parse reads.
func WriteTable(w io.Writer, groups []Group) error {
	bw := bufio.NewWriter(w)
	fmt.Fprint(bw, "#group: free  frags first [")
	for i := 0; i < NumOrders; i++ {
		fmt.Fprintf(bw, " %-5s", fmt.Sprintf("2^%d", i))
	}
	fmt.Fprint(bw, " ]\n")
	for num, group := range groups {
		fmt.Fprintf(bw, "#%-5d: %-5d %-5d %-5d [", num, group.Free, group.Frags, group.First)
		for _, n := range group.Orders {
			fmt.Fprintf(bw, " %-5d", n)
		}
		fmt.Fprint(bw, " ]\n")
	}
	return bw.Flush()
}
