// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fmtutil_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"git.lukeshu.com/e4rat-ng/lib/fmtutil"
)

type FmtState struct {
	MWidth     int
	MPrec      int
	MFlagMinus bool
	MFlagPlus  bool
	MFlagSharp bool
	MFlagSpace bool
	MFlagZero  bool
}

func (st FmtState) Width() (int, bool) {
	if st.MWidth < 1 {
		return 0, false
	}
	return st.MWidth, true
}

func (st FmtState) Precision() (int, bool) {
	if st.MPrec < 1 {
		return 0, false
	}
	return st.MPrec, true
}

func (st FmtState) Flag(b int) bool {
	switch b {
	case '-':
		return st.MFlagMinus
	case '+':
		return st.MFlagPlus
	case '#':
		return st.MFlagSharp
	case ' ':
		return st.MFlagSpace
	case '0':
		return st.MFlagZero
	}
	return false
}

func (st FmtState) Write([]byte) (int, error) {
	panic("not implemented")
}

func (dst *FmtState) Format(src fmt.State, verb rune) {
	if width, ok := src.Width(); ok {
		dst.MWidth = width
	}
	if prec, ok := src.Precision(); ok {
		dst.MPrec = prec
	}
	dst.MFlagMinus = src.Flag('-')
	dst.MFlagPlus = src.Flag('+')
	dst.MFlagSharp = src.Flag('#')
	dst.MFlagSpace = src.Flag(' ')
	dst.MFlagZero = src.Flag('0')
}

// letters only? No 'p', 'T', or 'w'.
const verbs = "abcdefghijklmnoqrstuvxyzABCDEFGHIJKLMNOPQRSUVWXYZ"

func FuzzFmtStateString(f *testing.F) {
	f.Fuzz(func(t *testing.T,
		width, prec uint8,
		flagMinus, flagPlus, flagSharp, flagSpace, flagZero bool,
		verbIdx uint8,
	) {
		if flagMinus {
			flagZero = false
		}
		input := FmtState{
			MWidth:     int(width),
			MPrec:      int(prec),
			MFlagMinus: flagMinus,
			MFlagPlus:  flagPlus,
			MFlagSharp: flagSharp,
			MFlagSpace: flagSpace,
			MFlagZero:  flagZero,
		}
		verb := rune(verbs[int(verbIdx)%len(verbs)])

		t.Logf("(%#v, %c) => %q", input, verb, fmtutil.FmtStateString(input, verb))

		var output FmtState
		assert.Equal(t, "", fmt.Sprintf(fmtutil.FmtStateString(input, verb), &output))
		assert.Equal(t, input, output)
	})
}

func TestFmtStateStringWidth(t *testing.T) {
	t.Parallel()
	input := FmtState{MWidth: 8, MPrec: 2, MFlagMinus: true}
	assert.Equal(t, "%-8.2f", fmtutil.FmtStateString(input, 'f'))
	assert.Equal(t, "%-5.2f", fmtutil.FmtStateStringWidth(input, 'f', 5))
	assert.Equal(t, "%-.2f", fmtutil.FmtStateStringWidth(input, 'f', -1))
}

func TestBitfieldString(t *testing.T) {
	t.Parallel()
	names := []string{"a", "b", "", "d"}
	testcases := map[string]struct {
		Val uint32
		Fmt fmtutil.BitfieldFormat
		Exp string
	}{
		"zero":     {0, fmtutil.HexNone, "none"},
		"zero-hex": {0, fmtutil.HexLower, "0x0(none)"},
		"one":      {1, fmtutil.HexNone, "a"},
		"two":      {0b11, fmtutil.HexNone, "a|b"},
		"unnamed":  {0b10000, fmtutil.HexNone, "(1<<4)"},
		"lower":    {0xa, fmtutil.HexLower, "0xa(b|d)"},
		"upper":    {0x1a, fmtutil.HexUpper, "0x1A(b|d|(1<<4))"},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.Exp, fmtutil.BitfieldString(tc.Val, names, tc.Fmt))
		})
	}
}
