// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"git.lukeshu.com/e4rat-ng/lib/ext4"
	"git.lukeshu.com/e4rat-ng/lib/filelist"
	"git.lukeshu.com/e4rat-ng/lib/realloc"
)

const defaultPidFile = "/var/run/e4rat-realloc.pid"

// createPidFile makes sure that only one relocation runs at a time.
// On a read-only filesystem (early boot) it gives up on locking.
func createPidFile(ctx context.Context, filename string) (remove func(), err error) {
	fh, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	switch {
	case errors.Is(err, unix.EROFS):
		dlog.Warnf(ctx, "cannot create pid file: %v", err)
		return func() {}, nil
	case errors.Is(err, fs.ErrExist):
		return nil, fmt.Errorf("it seems that e4rat realloc is already running; remove pid file %s to unlock", filename)
	case err != nil:
		return nil, err
	}
	remove = func() {
		if err := os.Remove(filename); err != nil {
			dlog.Errorf(ctx, "cannot remove pid file: %v", err)
		}
	}
	if _, err := fmt.Fprintf(fh, "%d\n", os.Getpid()); err != nil {
		_ = fh.Close()
		remove()
		return nil, err
	}
	if err := fh.Close(); err != nil {
		remove()
		return nil, err
	}
	return remove, nil
}

// loadConfig layers the config file (if any) and the flags that were
// actually given over the defaults.
func loadConfig(ctx context.Context, cmd *cobra.Command, configFile string, mode realloc.Mode, force bool) (realloc.Config, error) {
	ctx = dlog.WithField(ctx, "e4rat.config", configFile)
	cfg := realloc.DefaultConfig()
	switch err := realloc.LoadConfigFile(configFile, &cfg); {
	case err == nil:
		dlog.Debugf(ctx, "read config file %s", configFile)
	case errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config"):
	default:
		return realloc.Config{}, err
	}
	if cmd.Flags().Changed("mode") {
		cfg.Mode = mode
	}
	if cmd.Flags().Changed("force") {
		cfg.Force = force
	}
	return cfg, nil
}

func writeReport(filename string, stats *realloc.Stats) (err error) {
	fh, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if _err := fh.Close(); err == nil && _err != nil {
			err = _err
		}
	}()
	return writeJSONFile(fh, stats, lowmemjson.ReEncoderConfig{
		Indent:                "\t",
		ForceTrailingNewlines: true,
	})
}

func init() {
	var (
		configFlag = realloc.DefaultConfigFile
		modeFlag   = realloc.ModeAuto
		forceFlag  bool
		reportFlag string
		pidFlag    = defaultPidFile
	)
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "realloc [flags] [FILE_LIST...]",
			Short: "Relocate the listed files to be contiguous",
			Long: "" +
				"Relocate the files named in the file lists so that each is " +
				"contiguous on disk, and so that files listed together are " +
				"placed together.\n" +
				"\n" +
				"If no FILE_LIST is given, the list is read from stdin, or " +
				"if stdin is a terminal, from " + defaultListFile + ".  A " +
				"file list contains either one absolute path per line, or " +
				"lines of the form \"DEV INODE PATH\".",
			Args: cliutil.WrapPositionalArgs(cobra.ArbitraryArgs),
		},
		RunE: func(env *ext4.Env, cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if os.Geteuid() != 0 {
				return errors.New("root privileges are required")
			}
			cfg, err := loadConfig(ctx, cmd, configFlag, modeFlag, forceFlag)
			if err != nil {
				return err
			}

			removePidFile, err := createPidFile(ctx, pidFlag)
			if err != nil {
				return err
			}
			defer removePidFile()

			entries, err := readLists(ctx, os.Stdin, args)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				dlog.Infof(ctx, "no files to relocate")
				return nil
			}

			engine := &realloc.Engine{
				Env:       env,
				Config:    cfg,
				Scheduler: realloc.ThreadScheduler{},
			}
			stats, err := engine.Run(ctx, filelist.Paths(entries))
			if reportFlag != "" && stats != nil {
				if _err := writeReport(reportFlag, stats); _err != nil {
					dlog.Errorf(ctx, "cannot write report: %v", _err)
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&configFlag, "config", configFlag, "read settings from the JSON file `config.json`")
	if err := cmd.MarkFlagFilename("config"); err != nil {
		panic(err)
	}
	cmd.Flags().Var(&modeFlag, "mode", "how to place the donor files: auto, pa, locality-group, or tld")
	cmd.Flags().BoolVar(&forceFlag, "force", false, "relocate even if the result would not be less fragmented")
	cmd.Flags().StringVar(&reportFlag, "report", "", "write statistics as JSON to `report.json`")
	if err := cmd.MarkFlagFilename("report"); err != nil {
		panic(err)
	}
	cmd.Flags().StringVar(&pidFlag, "pid-file", pidFlag, "lock file that prevents concurrent runs")
	commands = append(commands, cmd)
}
