// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package realloc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/e4rat-ng/lib/ext4"
)

// buildDonorsTopLevelDir creates the donors in a fresh directory at
// the root of the filesystem.  The Orlov allocator puts a new
// top-level directory in an empty (or the emptiest) block group, and
// files created in it follow it there.  Each donor is then moved to
// the root so that the directory can be removed again.
//
// mb_stream_req is set to 0 meanwhile, so that no donor is diverted
// into a locality group.
func buildDonorsTopLevelDir(ctx context.Context, dev ext4.Device, pairs []OrigDonorPair) (err error) {
	mnt, err := dev.MountPoint()
	if err != nil {
		return err
	}

	tunables, err := dev.SaveTunables(ext4.TunableStreamReq)
	if err != nil {
		return err
	}
	defer func() {
		if _err := tunables.Restore(dcontext.HardContext(ctx)); _err != nil {
			if err == nil {
				err = _err
			} else {
				err = derror.MultiError{err, _err}
			}
		}
	}()

	tld, err := os.MkdirTemp(mnt, ".e4rat-tld-*")
	if err != nil {
		return fmt.Errorf("cannot create top level directory: %w", err)
	}
	defer func() {
		if err != nil {
			// Donors still inside it are being rolled back anyway.
			if _err := os.RemoveAll(tld); _err != nil {
				dlog.Errorf(ctx, "cannot remove top level directory: %v", _err)
			}
		}
	}()

	if err := tunables.Set(ctx, ext4.TunableStreamReq, 0); err != nil {
		return err
	}

	for i := range pairs {
		if pairs[i].Blocks == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := allocateDonor(dev, tld, &pairs[i]); err != nil {
			return err
		}
		if err := moveToRoot(mnt, &pairs[i]); err != nil {
			return err
		}
	}

	if err := os.Remove(tld); err != nil {
		return fmt.Errorf("cannot remove top level directory: %w", err)
	}
	return nil
}

// moveToRoot hard-links the donor into dir, then removes the old name,
// so that the donor always has a name.
func moveToRoot(dir string, pair *OrigDonorPair) error {
	newPath := filepath.Join(dir, filepath.Base(pair.DonorPath))
	if err := os.Link(pair.DonorPath, newPath); err != nil {
		return fmt.Errorf("cannot move donor file: %w", err)
	}
	oldPath := pair.DonorPath
	pair.DonorPath = newPath
	if err := os.Remove(oldPath); err != nil {
		return fmt.Errorf("cannot move donor file: %w", err)
	}
	return nil
}
