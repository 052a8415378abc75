// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package realloc

import (
	"context"
	"runtime"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/sys/unix"
)

// Scheduler changes how the calling goroutine's OS thread is
// scheduled.  Each method locks the goroutine to its thread and
// returns a function that undoes the change and unlocks it again; the
// returned function must be called from the same goroutine.
type Scheduler interface {
	BoostPriority(ctx context.Context) (restore func())
	PinCPU(ctx context.Context, cpu int) (restore func())
}

// ThreadScheduler is the Scheduler that actually changes the thread's
// priority and CPU affinity.  Failures (typically for lack of
// privileges) are logged as warnings and otherwise ignored.
type ThreadScheduler struct{}

var _ Scheduler = ThreadScheduler{}

const boostedNice = -20

func (ThreadScheduler) BoostPriority(ctx context.Context) func() {
	runtime.LockOSThread()
	tid := unix.Gettid()

	// The raw syscall returns 20-nice.
	raw, getErr := unix.Getpriority(unix.PRIO_PROCESS, tid)
	if getErr != nil {
		dlog.Warnf(ctx, "cannot get thread priority: %v", getErr)
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, tid, boostedNice); err != nil {
		dlog.Warnf(ctx, "cannot set thread priority to %d: %v", boostedNice, err)
	}

	return func() {
		if getErr == nil {
			if err := unix.Setpriority(unix.PRIO_PROCESS, tid, 20-raw); err != nil {
				dlog.Warnf(ctx, "cannot restore thread priority: %v", err)
			}
		}
		runtime.UnlockOSThread()
	}
}

func (ThreadScheduler) PinCPU(ctx context.Context, cpu int) func() {
	runtime.LockOSThread()

	var old unix.CPUSet
	getErr := unix.SchedGetaffinity(0, &old)
	if getErr != nil {
		dlog.Warnf(ctx, "cannot get CPU affinity: %v", getErr)
	}
	var pinned unix.CPUSet
	pinned.Set(cpu)
	if err := unix.SchedSetaffinity(0, &pinned); err != nil {
		dlog.Warnf(ctx, "cannot set CPU affinity to CPU %d: %v", cpu, err)
	}

	return func() {
		if getErr == nil {
			if err := unix.SchedSetaffinity(0, &old); err != nil {
				dlog.Warnf(ctx, "cannot restore CPU affinity: %v", err)
			}
		}
		runtime.UnlockOSThread()
	}
}
