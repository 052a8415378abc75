// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package jsonutil provides utilities for implementing the interfaces
// consumed by the "git.lukeshu.com/go/lowmemjson" package.
package jsonutil

import (
	"io"

	"git.lukeshu.com/go/lowmemjson"

	"git.lukeshu.com/e4rat-ng/lib/binstruct"
	"git.lukeshu.com/e4rat-ng/lib/textui"
)

func EncodeHexString[T ~[]byte | ~string](w io.Writer, str T) error {
	const hextable = "0123456789abcdef"
	var buf [2]byte
	buf[0] = '"'
	if _, err := w.Write(buf[:1]); err != nil {
		return err
	}
	for i := 0; i < len(str); i++ {
		buf[0] = hextable[str[i]>>4]
		buf[1] = hextable[str[i]&0x0f]
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	buf[0] = '"'
	if _, err := w.Write(buf[:1]); err != nil {
		return err
	}
	return nil
}

// EncodeSplitHexString encodes str as an array of hex strings of at
// most lineLen bytes each.
func EncodeSplitHexString[T ~[]byte | ~string](w io.Writer, str T, lineLen int) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	for beg := 0; beg < len(str); beg += lineLen {
		if beg > 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		end := beg + lineLen
		if end > len(str) {
			end = len(str)
		}
		if err := EncodeHexString(w, str[beg:end]); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "]")
	return err
}

// Binary encodes an on-disk structure as the bytes that binstruct
// marshals it to, for dumps that should be byte-exact.
type Binary[T any] struct {
	Val T
}

var _ lowmemjson.Encodable = Binary[int8]{}

func (o Binary[T]) EncodeJSON(w io.Writer) error {
	bs, err := binstruct.Marshal(o.Val)
	if err != nil {
		return err
	}
	return EncodeSplitHexString(w, bs, textui.Tunable(32))
}
