// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package realloc_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"git.lukeshu.com/e4rat-ng/lib/ext4"
	"git.lukeshu.com/e4rat-ng/lib/ext4/ext4fake"
	"git.lukeshu.com/e4rat-ng/lib/realloc"
)

type recordingScheduler struct {
	boosts, pins    int
	boosted, pinned int
	pinnedCPUs      []int
	onPin           func()
}

var _ realloc.Scheduler = (*recordingScheduler)(nil)

func (s *recordingScheduler) BoostPriority(context.Context) func() {
	s.boosts++
	s.boosted++
	return func() { s.boosted-- }
}

func (s *recordingScheduler) PinCPU(_ context.Context, cpu int) func() {
	s.pins++
	s.pinned++
	s.pinnedCPUs = append(s.pinnedCPUs, cpu)
	if s.onPin != nil {
		s.onPin()
	}
	return func() { s.pinned-- }
}

func newEngine(fs *ext4fake.FS, mode realloc.Mode) (*realloc.Engine, *recordingScheduler) {
	sched := new(recordingScheduler)
	return &realloc.Engine{
		Env: fs.Env,
		Config: realloc.Config{
			Mode: mode,
		},
		Scheduler: sched,
	}, sched
}

// createFile creates a file whose content exactly fills the given
// layout.
func createFile(t *testing.T, fs *ext4fake.FS, name string, layout ...ext4.Extent) string {
	t.Helper()
	var blocks uint64
	for _, ext := range layout {
		blocks += ext.Len
	}
	content := ext4fake.Content(byte(len(name)), int(blocks*fs.Kernel.Geometry().BlockSize))
	return fs.CreateFile(t, name, content, layout...)
}

// fragmentedFiles creates n files of 2*half blocks each; the first
// halves are spaced out in group 1 and the second halves in group 2.
func fragmentedFiles(t *testing.T, fs *ext4fake.FS, n int, half uint64) []string {
	t.Helper()
	ret := make([]string, n)
	for i := range ret {
		ret[i] = createFile(t, fs, "file"+string(rune('a'+i)),
			ext4.Extent{Start: 1024 + uint64(i)*(half+10), Len: half},
			ext4.Extent{Start: 2048 + uint64(i)*(half+10), Len: half})
	}
	return ret
}

// leftovers lists the temporary files and directories that the
// relocation left behind in the mount point.
func leftovers(t *testing.T, fs *ext4fake.FS) []string {
	t.Helper()
	ents, err := os.ReadDir(fs.Mount)
	require.NoError(t, err)
	var ret []string
	for _, ent := range ents {
		if strings.HasPrefix(ent.Name(), ".e4rat-") {
			ret = append(ret, filepath.Join(fs.Mount, ent.Name()))
		}
	}
	return ret
}

func layouts(t *testing.T, fs *ext4fake.FS, paths []string) [][]ext4.Extent {
	t.Helper()
	ret := make([][]ext4.Extent, len(paths))
	for i, path := range paths {
		ret[i] = fs.Layout(t, path)
	}
	return ret
}
