// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ext4

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
)

// Allocator tunables under /sys/fs/ext4/<dev>/.
const (
	TunableStreamReq     = "mb_stream_req"
	TunableGroupPrealloc = "mb_group_prealloc"
)

func (d Device) tunablePath(name string) (string, error) {
	devName, err := d.Name()
	if err != nil {
		return "", err
	}
	return filepath.Join(d.env.SysfsDir, devName, name), nil
}

// GetTuningParameter reads a per-filesystem allocator tunable.
func (d Device) GetTuningParameter(name string) (uint64, error) {
	path, err := d.tunablePath(name)
	if err != nil {
		return 0, err
	}
	dat, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	val, err := strconv.ParseUint(strings.TrimSpace(string(dat)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return val, nil
}

// SetTuningParameter writes a per-filesystem allocator tunable.  The
// value is global to the filesystem; whoever changes it must restore
// it (see SaveTunables).
func (d Device) SetTuningParameter(name string, val uint64) error {
	path, err := d.tunablePath(name)
	if err != nil {
		return err
	}
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(fh, "%d\n", val); err != nil {
		_ = fh.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return fh.Close()
}

type savedTunable struct {
	name string
	val  uint64
}

// TunableGuard remembers the values of a set of tunables so that they
// can be restored after being changed.
type TunableGuard struct {
	dev   Device
	saved []savedTunable
}

// SaveTunables reads the current values of the named tunables.
func (d Device) SaveTunables(names ...string) (*TunableGuard, error) {
	ret := &TunableGuard{dev: d}
	for _, name := range names {
		val, err := d.GetTuningParameter(name)
		if err != nil {
			return nil, fmt.Errorf("save tunable %q: %w", name, err)
		}
		ret.saved = append(ret.saved, savedTunable{name: name, val: val})
	}
	return ret, nil
}

// Saved returns the value that Restore will write back for name.
func (g *TunableGuard) Saved(name string) (uint64, bool) {
	for _, s := range g.saved {
		if s.name == name {
			return s.val, true
		}
	}
	return 0, false
}

// Set changes a tunable.  Setting a tunable that was not saved is a
// programming error.
func (g *TunableGuard) Set(ctx context.Context, name string, val uint64) error {
	if _, ok := g.Saved(name); !ok {
		panic(fmt.Errorf("should not happen: tunable %q was not saved before being set", name))
	}
	dlog.Debugf(ctx, "setting %s=%d", name, val)
	return g.dev.SetTuningParameter(name, val)
}

// Restore writes back every saved value, even if some of them fail.
func (g *TunableGuard) Restore(ctx context.Context) error {
	var errs derror.MultiError
	for _, s := range g.saved {
		dlog.Debugf(ctx, "restoring %s=%d", s.name, s.val)
		if err := g.dev.SetTuningParameter(s.name, s.val); err != nil {
			errs = append(errs, fmt.Errorf("restore tunable %q: %w", s.name, err))
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
