// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/e4rat-ng/lib/ext4"
	"git.lukeshu.com/e4rat-ng/lib/ext4/ext4buddy"
	"git.lukeshu.com/e4rat-ng/lib/ext4/ext4fake"
	"git.lukeshu.com/e4rat-ng/lib/filelist"
)

func TestCreatePidFile(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	filename := filepath.Join(t.TempDir(), "e4rat-realloc.pid")

	remove, err := createPidFile(ctx, filename)
	require.NoError(t, err)
	dat, err := os.ReadFile(filename)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(dat))

	_, err = createPidFile(ctx, filename)
	assert.ErrorContains(t, err, "already running")

	remove()
	_, err = os.Stat(filename)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func writeList(t *testing.T, dir, name, content string) string {
	t.Helper()
	filename := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(filename, []byte(content), 0o644))
	return filename
}

func TestReadLists(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	dir := t.TempDir()
	detailed := writeList(t, dir, "detailed", "2049 10 /a\n2049 11 /b\n")
	bare := writeList(t, dir, "bare", "/b\n/c\n")
	stdin, err := os.Open(writeList(t, dir, "stdin", "/d\n/a\n"))
	require.NoError(t, err)
	defer stdin.Close()

	entries, err := readLists(ctx, stdin, []string{
		detailed,
		filepath.Join(dir, "missing"),
		bare,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b", "/c", "/d"}, filelist.Paths(entries))

	broken := writeList(t, dir, "broken", "2049 x /a\n")
	_, err = readLists(ctx, stdin, []string{broken})
	var syntaxErr *filelist.SyntaxError
	assert.True(t, errors.As(err, &syntaxErr))
	assert.ErrorContains(t, err, broken+": syntax error at line 1 argument 2")
}

func TestPrintOffsets(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	maps := map[string]ext4.FileMap{
		"/a": {
			{Logical: 0, Physical: 100 * 4096, Length: 2 * 4096},
			{Logical: 2 * 4096, Physical: 200 * 4096, Length: 3 * 4096, Flags: ext4.FiemapExtentLast},
		},
		"/b": {
			{Logical: 0, Physical: 203 * 4096, Length: 4096, Flags: ext4.FiemapExtentLast},
		},
	}
	lookup := func(path string) (ext4.FileMap, uint64, error) {
		m, ok := maps[path]
		if !ok {
			return nil, 0, os.ErrNotExist
		}
		return m, 4096, nil
	}

	var out strings.Builder
	require.NoError(t, printOffsets(ctx, &out, []string{"/a", "/missing", "/b"}, lookup))
	assert.Equal(t, ""+
		"  ext  start  end  length  offset  file\n"+
		"    1    100  101       2     100  /a\n"+
		"    2    200  202       3      98  \n"+
		"         203  203       1       0  /b\n"+
		"2 files, 2 fragments\n",
		out.String())
}

func TestPrintBuddyCache(t *testing.T) {
	t.Parallel()
	fs := ext4fake.New(t, ext4fake.DefaultGeometry)
	fh, err := os.Create(filepath.Join(fs.Mount, "used"))
	require.NoError(t, err)
	require.NoError(t, fs.Kernel.Place(fh, ext4.Extent{Start: 600, Len: 1}))
	require.NoError(t, fh.Close())

	buddy, err := ext4buddy.New(fs.Device(t))
	require.NoError(t, err)
	var out strings.Builder
	require.NoError(t, printBuddyCache(&out, buddy))
	assert.Contains(t, out.String(), "\nempty group: 1 at 1024+1024\n")
	assert.Contains(t, out.String(), "\nempty flex group: 1 at 4610+3582\n")
}
