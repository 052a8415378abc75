// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/dlib/dlog"
	"golang.org/x/sys/unix"

	"git.lukeshu.com/e4rat-ng/lib/filelist"
	"git.lukeshu.com/e4rat-ng/lib/textui"
)

// defaultListFile is read if no list is given on the command line or
// on stdin; it is where the collector writes by default.
const defaultListFile = "./e4rat-collect.log"

type progressReader struct {
	ctx            context.Context //nolint:containedctx // For detecting shutdown from methods
	progress       textui.Portion[int64]
	progressWriter *textui.Progress[textui.Portion[int64]]
	reader         io.Reader
}

func newProgressReader(ctx context.Context, fh *os.File) *progressReader {
	ret := &progressReader{
		ctx:            ctx,
		progressWriter: textui.NewProgress[textui.Portion[int64]](ctx, dlog.LogLevelInfo, textui.Tunable(1*time.Second)),
		reader:         fh,
	}
	if fi, err := fh.Stat(); err == nil && fi.Mode().IsRegular() {
		ret.progress.D = fi.Size()
	}
	return ret
}

func (pr *progressReader) Read(p []byte) (int, error) {
	if err := pr.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := pr.reader.Read(p)
	pr.progress.N += int64(n)
	if pr.progress.D > 0 {
		pr.progressWriter.Set(pr.progress)
	}
	return n, err
}

func (pr *progressReader) Done() {
	pr.progressWriter.Done()
}

func readList(ctx context.Context, fh *os.File) ([]filelist.Entry, error) {
	ctx = dlog.WithField(ctx, "e4rat.filelist", fh.Name())
	dlog.Infof(ctx, "parsing file list...")
	pr := newProgressReader(ctx, fh)
	defer pr.Done()
	entries, err := filelist.Parse(pr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fh.Name(), err)
	}
	return entries, nil
}

func readListFile(ctx context.Context, filename string) ([]filelist.Entry, error) {
	fh, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = fh.Close()
	}()
	return readList(ctx, fh)
}

func isTerminal(fh *os.File) bool {
	_, err := unix.IoctlGetTermios(int(fh.Fd()), unix.TCGETS)
	return err == nil
}

// readLists reads the file lists named on the command line (missing
// ones are only warned about), and the one on stdin unless stdin is a
// terminal.  If that gives nothing and no list was named, the
// collector's default output file is read.
func readLists(ctx context.Context, stdin *os.File, args []string) ([]filelist.Entry, error) {
	var entries []filelist.Entry
	for _, arg := range args {
		list, err := readListFile(ctx, arg)
		if errors.Is(err, fs.ErrNotExist) {
			dlog.Warnf(ctx, "file %q does not exist", arg)
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, list...)
	}
	if !isTerminal(stdin) {
		list, err := readList(ctx, stdin)
		if err != nil {
			return nil, err
		}
		entries = append(entries, list...)
	}
	if len(entries) == 0 && len(args) == 0 {
		list, err := readListFile(ctx, defaultListFile)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("no file list given, and %s does not exist", defaultListFile)
		}
		if err != nil {
			return nil, err
		}
		entries = list
	}
	return filelist.Dedup(entries), nil
}

func writeJSONFile(w io.Writer, obj any, cfg lowmemjson.ReEncoderConfig) (err error) {
	buffer := bufio.NewWriter(w)
	defer func() {
		if _err := buffer.Flush(); err == nil && _err != nil {
			err = _err
		}
	}()
	return lowmemjson.NewEncoder(lowmemjson.NewReEncoder(buffer, cfg)).Encode(obj)
}
