// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package realloc relocates related files so that each group of them
// (those on the same device) is laid out contiguously on disk.
//
// For each file a "donor" file is created, whose blocks are placed
// where the file's blocks should be; then EXT4_IOC_MOVE_EXT swaps the
// blocks of the two, and the donor (now holding the old blocks) is
// removed.
package realloc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"

	"git.lukeshu.com/e4rat-ng/lib/ext4"
	"git.lukeshu.com/e4rat-ng/lib/textui"
)

var (
	// ErrNoImprovement is returned when the donors would not be less
	// fragmented than the files already are.
	ErrNoImprovement = errors.New("there is no improvement possible")
	// ErrModeUnavailable is returned when ModePrealloc is asked for
	// explicitly, but the kernel cannot do it.
	ErrModeUnavailable = errors.New("requested mode is not available")
)

// Engine relocates files.  It keeps no state between calls to Run.
type Engine struct {
	Env    *ext4.Env
	Config Config
	// Scheduler defaults to ThreadScheduler.
	Scheduler Scheduler
}

type batch struct {
	dev   ext4.Device
	pairs []OrigDonorPair
}

// Run relocates the candidate files, one device after another, in
// order of device number.
//
// Candidates that cannot be relocated are counted in the returned
// Stats and otherwise skipped.  A failure on one device does not stop
// the following devices, and does not undo the files that were
// already relocated.  The returned error is the error of the failed
// device, or a derror.MultiError if more than one failed.
func (e *Engine) Run(ctx context.Context, candidates []string) (*Stats, error) {
	stats := &Stats{Total: len(candidates)}
	sched := e.Scheduler
	if sched == nil {
		sched = ThreadScheduler{}
	}

	// Sort the candidates by device.
	byDev := make(map[ext4.DevNo]*batch)
	for _, path := range candidates {
		dev, err := e.Env.DeviceOf(path)
		if err != nil {
			dlog.Infof(ctx, "cannot open file: %v", err)
			stats.Unavailable++
			continue
		}
		b, ok := byDev[dev.DevNo()]
		if !ok {
			b = &batch{dev: dev}
			byDev[dev.DevNo()] = b
		}
		b.pairs = append(b.pairs, OrigDonorPair{OrigPath: path})
	}
	batches := make([]*batch, 0, len(byDev))
	for _, b := range byDev {
		batches = append(batches, b)
	}
	slices.SortFunc(batches, func(a, b *batch) bool {
		return a.dev.DevNo().Less(b.dev.DevNo())
	})

	// Check the devices, then the files.
	checkCtx := dlog.WithField(ctx, "e4rat.realloc.step", "check-attributes")
	usable := batches[:0]
	for _, b := range batches {
		devCtx := dlog.WithField(checkCtx, "e4rat.realloc.dev", b.dev)
		if err := checkDevice(b.dev); err != nil {
			dlog.Infof(devCtx, "%v", err)
			stats.WrongFileSystem += len(b.pairs)
			continue
		}
		accepted := b.pairs[:0]
		for _, pair := range b.pairs {
			if e.checkFile(devCtx, b.dev, &pair, stats) {
				accepted = append(accepted, pair)
			}
		}
		if len(accepted) > 0 {
			b.pairs = accepted
			usable = append(usable, b)
		}
	}
	stats.logNotices(ctx)
	if len(usable) == 0 {
		return stats, nil
	}

	mode, err := e.resolveMode(ctx, usable[0].dev, usable[0].pairs[0].OrigPath)
	if err != nil {
		return stats, err
	}
	if mode != ModePrealloc && stats.Sparse > 0 {
		dlog.Infof(ctx, "%v file(s) are sparse files which will retain gaps of unallocated blocks",
			textui.Portion[int]{N: stats.Sparse, D: stats.Total})
	}
	dlog.Infof(ctx, "relocation mode: %s", mode.Description())

	var errs derror.MultiError
	for _, b := range usable {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		report, err := e.relocateBatch(ctx, b.dev, mode, sched, b.pairs)
		if err != nil {
			report.Err = err.Error()
			errs = append(errs, fmt.Errorf("device %v: %w", b.dev, err))
		}
		stats.Relocated += report.Relocated
		stats.Devices = append(stats.Devices, report)
	}
	switch len(errs) {
	case 0:
		return stats, nil
	case 1:
		return stats, errs[0]
	default:
		return stats, errs
	}
}

func checkDevice(dev ext4.Device) error {
	fsType, err := dev.FileSystemType()
	if err != nil {
		return err
	}
	if fsType != "ext4" {
		return fmt.Errorf("%v is not an ext4 filesystem (it is %s)", dev, fsType)
	}
	if err := dev.Open(); err != nil {
		return fmt.Errorf("couldn't find valid filesystem superblock on %v: %w", dev, err)
	}
	hasExtents, err := dev.HasExtentFeature()
	if err != nil {
		return err
	}
	if !hasExtents {
		return fmt.Errorf("ext4 filesystem on %v does not have the extent feature enabled", dev)
	}
	return nil
}

// checkFile decides whether a file can be relocated at all, and fills
// in pair.Blocks and pair.Sparse if so.  A rejection is counted in
// stats.
func (e *Engine) checkFile(ctx context.Context, dev ext4.Device, pair *OrigDonorPair, stats *Stats) bool {
	ctx = dlog.WithField(ctx, "e4rat.realloc.file", pair.OrigPath)

	// EXT4_IOC_MOVE_EXT rejects an original that is not open for
	// writing, so there is no read-only variant to fall back to.
	// O_NOFOLLOW, since symlinks cannot be relocated.
	fh, err := os.OpenFile(pair.OrigPath, os.O_RDWR|unix.O_NOFOLLOW, 0)
	if err != nil {
		switch {
		case errors.Is(err, unix.ELOOP):
			dlog.Infof(ctx, "cannot open file: %s: is a symbolic link", pair.OrigPath)
			stats.InvalidType++
		case errors.Is(err, unix.EISDIR):
			dlog.Infof(ctx, "cannot open file: %v", err)
			stats.InvalidType++
		default:
			dlog.Infof(ctx, "cannot open file: %v", err)
			stats.NotWritable++
		}
		return false
	}
	defer func() {
		_ = fh.Close()
	}()

	fi, err := fh.Stat()
	if err != nil {
		dlog.Infof(ctx, "cannot get file statistics: %v", err)
		stats.InvalidType++
		return false
	}
	if !fi.Mode().IsRegular() {
		dlog.Infof(ctx, "%s is not a regular file", pair.OrigPath)
		stats.InvalidType++
		return false
	}

	flags, err := e.Env.Flags(fh)
	if err != nil {
		dlog.Infof(ctx, "cannot get inode flags: %v", err)
		stats.InvalidType++
		return false
	}
	if flags&ext4.FlagExtents == 0 {
		if err := e.Env.SetFlags(fh, flags|ext4.FlagExtents); err != nil {
			dlog.Infof(ctx, "cannot convert %s to be extent based: %v", pair.OrigPath, err)
			stats.NotExtentBased++
			return false
		}
	}
	if flags&ext4.FlagImmutable != 0 {
		dlog.Infof(ctx, "%s is immutable", pair.OrigPath)
		stats.NotWritable++
		return false
	}

	fileMap, err := e.Env.Fiemap(fh)
	if err != nil {
		dlog.Infof(ctx, "cannot get file extents: %v", err)
		stats.Unavailable++
		return false
	}
	if fileMap.AllocatedBytes() == 0 {
		dlog.Infof(ctx, "%s has no blocks", pair.OrigPath)
		stats.Empty++
		return false
	}
	geo, err := dev.Geometry()
	if err != nil {
		dlog.Infof(ctx, "%v", err)
		stats.WrongFileSystem++
		return false
	}
	pair.Blocks = (fileMap.LogicalSize() + geo.BlockSize - 1) / geo.BlockSize
	pair.Sparse = fileMap.IsSparse()
	if pair.Sparse {
		dlog.Debugf(ctx, "%s is a sparse file", pair.OrigPath)
		stats.Sparse++
	}
	return true
}

// resolveMode turns ModeAuto into a concrete mode, by checking
// whether the kernel supports preallocation for the file at path.
func (e *Engine) resolveMode(ctx context.Context, dev ext4.Device, path string) (Mode, error) {
	switch e.Config.Mode {
	case ModeAuto, ModePrealloc:
	default:
		return e.Config.Mode, nil
	}
	fh, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = fh.Close()
	}()
	switch {
	case dev.ProbePrealloc(fh):
		return ModePrealloc, nil
	case e.Config.Mode == ModePrealloc:
		return 0, fmt.Errorf("%w: %s", ErrModeUnavailable, ext4.ErrPreallocUnsupported.Error())
	default:
		dlog.Debugf(ctx, "%v; falling back to %s", ext4.ErrPreallocUnsupported, ModeLocalityGroup.Description())
		return ModeLocalityGroup, nil
	}
}

func deviceName(dev ext4.Device) string {
	if path, err := dev.Path(); err == nil {
		return path
	}
	return dev.String()
}

// relocateBatch runs the whole pipeline for the files of one device.
// If it fails, every donor that it created has been removed; files
// that were relocated before the failure stay relocated.
func (e *Engine) relocateBatch(ctx context.Context, dev ext4.Device, mode Mode, sched Scheduler, pairs []OrigDonorPair) (report DeviceReport, err error) {
	ctx = dlog.WithField(ctx, "e4rat.realloc.dev", dev)
	ctx = dlog.WithField(ctx, "e4rat.realloc.mode", mode)
	report = DeviceReport{
		Device: deviceName(dev),
		Mode:   mode,
		Files:  len(pairs),
	}
	if report.MountPoint, err = dev.MountPoint(); err != nil {
		return report, err
	}
	geo, err := dev.Geometry()
	if err != nil {
		return report, err
	}
	report.Blocks, _ = totalBlocks(pairs)
	dlog.Infof(ctx, "processing %v file(s), %v, on device %s (mount-point: %s)",
		textui.Humanized(len(pairs)), textui.IEC(report.Blocks*geo.BlockSize, "B"), report.Device, report.MountPoint)

	defer func() {
		if err != nil {
			cleanupCtx := dlog.WithField(dcontext.HardContext(ctx), "e4rat.realloc.step", "cleanup")
			removeDonors(cleanupCtx, pairs)
		}
	}()

	stepCtx := dlog.WithField(ctx, "e4rat.realloc.step", "create-donors")
	restorePriority := sched.BoostPriority(stepCtx)
	err = BuildDonors(stepCtx, dev, mode, sched, pairs)
	restorePriority()
	if err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	stepCtx = dlog.WithField(ctx, "e4rat.realloc.step", "check-improvement")
	report.FragsBefore, report.FragsDonor, err = e.countFragments(pairs)
	if err != nil {
		return report, err
	}
	if perFlex := geo.FreeBlocksPerFlex(); perFlex > 0 {
		report.FragsBestCase = int((report.Blocks + perFlex - 1) / perFlex)
	}
	dlog.Infof(stepCtx, "total fragment count before/afterwards/best-case: %d/%d/%d",
		report.FragsBefore, report.FragsDonor, report.FragsBestCase)
	if report.FragsDonor >= report.FragsBefore && !e.Config.Force {
		return report, ErrNoImprovement
	}

	stepCtx = dlog.WithField(ctx, "e4rat.realloc.step", "relocate")
	progress := relocateStats{
		Files:     textui.Portion[int]{D: len(pairs)},
		Blocks:    textui.Portion[uint64]{D: report.Blocks},
		BlockSize: geo.BlockSize,
	}
	progressWriter := textui.NewProgress[relocateStats](stepCtx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
	defer progressWriter.Done()
	progressWriter.Set(progress)
	for i := range pairs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		fileCtx := dlog.WithField(stepCtx, "e4rat.realloc.file", pairs[i].OrigPath)
		dlog.Debugf(fileCtx, "[ %d/%d ] %v block(s)", i+1, len(pairs), textui.Humanized(pairs[i].Blocks))
		if err := e.relocateFile(fileCtx, dev, geo, &pairs[i]); err != nil {
			return report, err
		}
		report.Relocated++
		progress.Files.N++
		progress.Blocks.N += pairs[i].Blocks
		progressWriter.Set(progress)
	}
	return report, nil
}

// countFragments counts the fragments of the batch as it is now, and
// as it would be with the donors' blocks.
func (e *Engine) countFragments(pairs []OrigDonorPair) (before, donor int, err error) {
	origMaps := make([]ext4.FileMap, 0, len(pairs))
	donorMaps := make([]ext4.FileMap, 0, len(pairs))
	for _, pair := range pairs {
		origMap, err := e.Env.FiemapPath(pair.OrigPath)
		if err != nil {
			return 0, 0, err
		}
		origMaps = append(origMaps, origMap)
		if pair.DonorPath == "" {
			donorMaps = append(donorMaps, origMap)
			continue
		}
		donorMap, err := e.Env.FiemapPath(pair.DonorPath)
		if err != nil {
			return 0, 0, err
		}
		donorMaps = append(donorMaps, donorMap)
	}
	return ext4.CountFragments(origMaps), ext4.CountFragments(donorMaps), nil
}

func (e *Engine) relocateFile(ctx context.Context, dev ext4.Device, geo ext4.Geometry, pair *OrigDonorPair) error {
	orig, err := os.OpenFile(pair.OrigPath, os.O_RDWR|unix.O_NOFOLLOW, 0)
	if err != nil {
		return fmt.Errorf("cannot open original file: %w", err)
	}
	defer func() {
		_ = orig.Close()
	}()
	donor, err := os.OpenFile(pair.DonorPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("cannot open donor file: %w", err)
	}
	defer func() {
		_ = donor.Close()
	}()

	donorMap, err := e.Env.Fiemap(donor)
	if err != nil {
		return err
	}
	if err := dev.MoveExtent(orig, donor, 0, pair.Blocks); err != nil {
		return err
	}
	origMap, err := e.Env.Fiemap(orig)
	if err != nil {
		return err
	}
	if origMap.FragmentCount() != donorMap.FragmentCount() {
		if (origMap.LogicalSize()+geo.BlockSize-1)/geo.BlockSize != pair.Blocks {
			dlog.Warnf(ctx, "%s: file size has changed in the meantime", pair.OrigPath)
		} else {
			dlog.Warnf(ctx, "bug detected in EXT4_IOC_MOVE_EXT: %s: file fragment count does not match (%d != %d)",
				pair.OrigPath, origMap.FragmentCount(), donorMap.FragmentCount())
		}
	}

	if err := e.Env.DropCache(orig, int64(pair.Blocks*geo.BlockSize)); err != nil {
		dlog.Warnf(ctx, "%v", err)
	}
	if err := os.Remove(pair.DonorPath); err != nil {
		dlog.Errorf(ctx, "cannot remove donor file: %v", err)
	}
	pair.DonorPath = ""
	return nil
}
