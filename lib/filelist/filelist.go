// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package filelist reads the lists of files to relocate, as written
// by a collector.
//
// There are two formats, and a list is either entirely one or the
// other.  A "detailed" list has lines of the form
//
//	<dev> <ino> <path>
//
// where <dev> is the raw st_dev of the file; a "bare" list has one
// absolute path per line.  Which format a list uses is decided by its
// first byte: a bare list starts with "/".
package filelist

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Entry is one file of a list.  Dev and Ino are zero for entries from
// a bare list.
type Entry struct {
	Dev  uint64
	Ino  uint64
	Path string
}

func (e Entry) HasID() bool { return e.Ino != 0 }

// SyntaxError is returned by Parse for a malformed line.  Arg is the
// 1-based number of the offending field.
type SyntaxError struct {
	Line int
	Arg  int
	Err  error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at line %d argument %d: %v", e.Line, e.Arg, e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// Parse reads a whole list.  Blank lines are ignored.
func Parse(r io.Reader) ([]Entry, error) {
	br := bufio.NewReader(r)
	first, err := br.Peek(1)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	detailed := first[0] != '/'

	var ret []Entry
	scanner := bufio.NewScanner(br)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !detailed {
			ret = append(ret, Entry{Path: line})
			continue
		}
		ent, arg, err := parseDetailed(line)
		if err != nil {
			return nil, &SyntaxError{Line: lineNum, Arg: arg, Err: err}
		}
		ret = append(ret, ent)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// nextField splits off the first whitespace-separated field of str.
func nextField(str string) (field, rest string) {
	str = strings.TrimLeft(str, " \t")
	if i := strings.IndexAny(str, " \t"); i >= 0 {
		return str[:i], str[i+1:]
	}
	return str, ""
}

func parseDetailed(line string) (Entry, int, error) {
	var ent Entry
	var err error

	devStr, rest := nextField(line)
	if ent.Dev, err = strconv.ParseUint(devStr, 10, 64); err != nil {
		return Entry{}, 1, fmt.Errorf("device number: %w", err)
	}
	inoStr, rest := nextField(rest)
	if ent.Ino, err = strconv.ParseUint(inoStr, 10, 64); err != nil {
		return Entry{}, 2, fmt.Errorf("inode number: %w", err)
	}
	// The path is the rest of the line, and may contain spaces.
	ent.Path = strings.TrimLeft(rest, " \t")
	if ent.Path == "" {
		return Entry{}, 3, errors.New("missing path")
	}
	return ent, 0, nil
}

type fileID struct {
	Dev, Ino uint64
}

// dedup remembers which files have been seen, both by (dev, ino) and
// by path.
type dedup struct {
	ids   map[fileID]struct{}
	paths map[string]struct{}
}

// add returns whether ent has not been seen before.
func (d *dedup) add(ent Entry) bool {
	if d.paths == nil {
		d.ids = make(map[fileID]struct{})
		d.paths = make(map[string]struct{})
	}
	if _, seen := d.paths[ent.Path]; seen {
		return false
	}
	if ent.HasID() {
		id := fileID{Dev: ent.Dev, Ino: ent.Ino}
		if _, seen := d.ids[id]; seen {
			return false
		}
		d.ids[id] = struct{}{}
	}
	d.paths[ent.Path] = struct{}{}
	return true
}

// Dedup returns the entries in order, without later duplicates.
func Dedup(entries []Entry) []Entry {
	var seen dedup
	ret := make([]Entry, 0, len(entries))
	for _, ent := range entries {
		if seen.add(ent) {
			ret = append(ret, ent)
		}
	}
	return ret
}

// Collect receives entries until ch is closed or ctx is done, and
// returns them in order, without duplicates.
func Collect(ctx context.Context, ch <-chan Entry) []Entry {
	var seen dedup
	var ret []Entry
	for {
		select {
		case <-ctx.Done():
			return ret
		case ent, ok := <-ch:
			if !ok {
				return ret
			}
			if seen.add(ent) {
				ret = append(ret, ent)
			}
		}
	}
}

// Paths returns just the paths of the entries.
func Paths(entries []Entry) []string {
	ret := make([]string, len(entries))
	for i, ent := range entries {
		ret[i] = ent.Path
	}
	return ret
}
