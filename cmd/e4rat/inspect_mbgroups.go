// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"io"
	"os"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/e4rat-ng/lib/ext4"
	"git.lukeshu.com/e4rat-ng/lib/ext4/ext4buddy"
	"git.lukeshu.com/e4rat-ng/lib/textui"
)

func printBuddyCache(w io.Writer, buddy *ext4buddy.Cache) error {
	if err := ext4buddy.WriteTable(w, buddy.Groups); err != nil {
		return err
	}
	group, err := buddy.FindEmptyGroup()
	if err != nil {
		return err
	}
	if group < 0 {
		_, err = textui.Fprintf(w, "empty group: none\n")
	} else {
		_, err = textui.Fprintf(w, "empty group: %v at %v\n", group, buddy.GroupExtent(uint64(group)))
	}
	if err != nil {
		return err
	}
	flex, err := buddy.FindEmptyFlex()
	if err != nil {
		return err
	}
	if flex < 0 {
		_, err = textui.Fprintf(w, "empty flex group: none\n")
	} else {
		_, err = textui.Fprintf(w, "empty flex group: %v at %v\n", flex, buddy.FlexExtent(uint64(flex)))
	}
	return err
}

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:   "mb-groups PATH",
			Short: "Show the free space of the filesystem that PATH is on",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(env *ext4.Env, _ *cobra.Command, args []string) error {
			dev, err := env.DeviceOf(args[0])
			if err != nil {
				return err
			}
			buddy, err := ext4buddy.New(dev)
			if err != nil {
				return err
			}
			return printBuddyCache(os.Stdout, buddy)
		},
	})
}
