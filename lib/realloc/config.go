// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package realloc

import (
	"bufio"
	"fmt"
	"os"

	"git.lukeshu.com/go/lowmemjson"
)

// DefaultConfigFile is read by the command-line tool if it exists.
const DefaultConfigFile = "/etc/e4rat-ng.json"

// Config is everything about a relocation run that the user chooses.
type Config struct {
	Mode Mode `json:"mode"`
	// Force relocates even if the donor layout is not less
	// fragmented than the current one.
	Force bool `json:"force"`
}

// DefaultConfig is ModeAuto, without Force.
func DefaultConfig() Config {
	return Config{
		Mode: ModeAuto,
	}
}

// LoadConfigFile decodes a JSON object on top of cfg; fields that the
// file does not mention keep their value.
func LoadConfigFile(filename string, cfg *Config) error {
	fh, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer func() {
		_ = fh.Close()
	}()
	if err := lowmemjson.NewDecoder(bufio.NewReader(fh)).DecodeThenEOF(cfg); err != nil {
		return fmt.Errorf("%s: %w", filename, err)
	}
	return nil
}
