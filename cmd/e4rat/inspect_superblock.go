// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"git.lukeshu.com/e4rat-ng/lib/ext4"
	"git.lukeshu.com/e4rat-ng/lib/jsonutil"
	"git.lukeshu.com/e4rat-ng/lib/textui"
)

type superblockDump struct {
	Device     string                           `json:"device"`
	Geometry   ext4.Geometry                    `json:"geometry"`
	Superblock jsonutil.Binary[ext4.Superblock] `json:"superblock"`
}

func init() {
	var jsonFlag bool
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "superblock PATH",
			Short: "Dump the superblock of the filesystem that PATH is on",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(env *ext4.Env, _ *cobra.Command, args []string) error {
			dev, err := env.DeviceOf(args[0])
			if err != nil {
				return err
			}
			sb, err := dev.Superblock()
			if err != nil {
				return err
			}
			devPath, err := dev.Path()
			if err != nil {
				return err
			}

			if jsonFlag {
				return writeJSONFile(os.Stdout, superblockDump{
					Device:     devPath,
					Geometry:   sb.Geometry(),
					Superblock: jsonutil.Binary[ext4.Superblock]{Val: *sb},
				}, lowmemjson.ReEncoderConfig{
					Indent:                "\t",
					ForceTrailingNewlines: true,
				})
			}

			spew := spew.NewDefaultConfig()
			spew.DisablePointerAddresses = true

			textui.Fprintf(os.Stdout, "device %v (%s)\n", dev, devPath)
			spew.Dump(*sb)
			textui.Fprintf(os.Stdout, "features: %v\n", sb.FeatureIncompat)
			spew.Dump(sb.Geometry())
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "print the geometry and the raw superblock as JSON")
	inspectors = append(inspectors, cmd)
}
