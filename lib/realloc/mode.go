// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package realloc

import (
	"encoding"
	"fmt"

	"github.com/spf13/pflag"
)

// Mode selects how donor files get their physical placement.
type Mode int

const (
	// ModeAuto uses ModePrealloc if the kernel supports it, and
	// ModeLocalityGroup otherwise.
	ModeAuto Mode = iota
	// ModePrealloc places each donor block explicitly with
	// EXT4_IOC_CONTROL_PA.
	ModePrealloc
	// ModeLocalityGroup tunes the multi-block allocator so that all
	// donors of a batch share one per-CPU locality group.
	ModeLocalityGroup
	// ModeTopLevelDir creates the donors inside a fresh top-level
	// directory, which the Orlov allocator puts in an empty group.
	ModeTopLevelDir
)

var modeNames = map[Mode]string{
	ModeAuto:          "auto",
	ModePrealloc:      "pa",
	ModeLocalityGroup: "locality-group",
	ModeTopLevelDir:   "tld",
}

var modeDescriptions = map[Mode]string{
	ModeAuto:          "automatic",
	ModePrealloc:      "pre-allocation",
	ModeLocalityGroup: "locality group",
	ModeTopLevelDir:   "top level directory",
}

var (
	_ fmt.Stringer             = ModeAuto
	_ pflag.Value              = (*Mode)(nil)
	_ encoding.TextMarshaler   = ModeAuto
	_ encoding.TextUnmarshaler = (*Mode)(nil)
)

func ParseMode(str string) (Mode, error) {
	switch str {
	case "locality_group": // spelling used by older config files
		return ModeLocalityGroup, nil
	}
	for mode, name := range modeNames {
		if name == str {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("invalid mode %q (must be one of auto, pa, locality-group, tld)", str)
}

// String implements fmt.Stringer and pflag.Value.
func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Description is the human-readable name of the mode.
func (m Mode) Description() string {
	if desc, ok := modeDescriptions[m]; ok {
		return desc
	}
	return m.String()
}

// Type implements pflag.Value.
func (*Mode) Type() string { return "mode" }

// Set implements pflag.Value.
func (m *Mode) Set(str string) error {
	mode, err := ParseMode(str)
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

func (m Mode) MarshalText() ([]byte, error) {
	if _, ok := modeNames[m]; !ok {
		return nil, fmt.Errorf("invalid mode %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	return m.Set(string(text))
}
