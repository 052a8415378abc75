// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/e4rat-ng/lib/ext4"
	"git.lukeshu.com/e4rat-ng/lib/filelist"
	"git.lukeshu.com/e4rat-ng/lib/textui"
)

type offsetsLookup func(path string) (fileMap ext4.FileMap, blockSize uint64, err error)

// printOffsets writes one row per extent.  "offset" is the distance
// from the end of the previous extent (of this file or the one
// before), so a well-laid-out list shows zeros.  Files that cannot be
// looked up are logged and skipped.
func printOffsets(ctx context.Context, w io.Writer, files []string, lookup offsetsLookup) error {
	table := tabwriter.NewWriter(w, 0, 8, 2, ' ', tabwriter.AlignRight)
	if _, err := fmt.Fprintln(table, "ext\tstart\tend\tlength\toffset\t\tfile"); err != nil {
		return err
	}
	var prevEnd int64 = -1
	var maps []ext4.FileMap
	for _, file := range files {
		fileMap, bs, err := lookup(file)
		if err != nil {
			dlog.Errorf(ctx, "%s: %v", file, err)
			continue
		}
		maps = append(maps, fileMap)
		for i, ext := range fileMap {
			start := int64(ext.Physical / bs)
			end := start + int64((ext.Length+bs-1)/bs) - 1
			num := ""
			if len(fileMap) > 1 {
				num = strconv.Itoa(i + 1)
			}
			name := ""
			if i == 0 {
				name = file
			}
			if _, err := fmt.Fprintf(table, "%s\t%d\t%d\t%d\t%d\t\t%s\n",
				num, start, end, end-start+1, start-prevEnd-1, name); err != nil {
				return err
			}
			prevEnd = end
		}
	}
	if err := table.Flush(); err != nil {
		return err
	}
	_, err := textui.Fprintf(w, "%v files, %v fragments\n", len(maps), ext4.CountFragments(maps))
	return err
}

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:   "offsets [FILE...]",
			Short: "Show the physical extents of files",
			Long: "" +
				"Show where the blocks of each FILE are on disk.  If no FILE " +
				"is given, a file list is read the same way as for " +
				"\"realloc\".",
			Args: cliutil.WrapPositionalArgs(cobra.ArbitraryArgs),
		},
		RunE: func(env *ext4.Env, cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			files := args
			if len(files) == 0 {
				entries, err := readLists(ctx, os.Stdin, nil)
				if err != nil {
					return err
				}
				files = filelist.Paths(entries)
			}
			return printOffsets(ctx, os.Stdout, files, func(path string) (ext4.FileMap, uint64, error) {
				dev, err := env.DeviceOf(path)
				if err != nil {
					return nil, 0, err
				}
				geo, err := dev.Geometry()
				if err != nil {
					return nil, 0, err
				}
				fileMap, err := env.FiemapPath(path)
				return fileMap, geo.BlockSize, err
			})
		},
	})
}
