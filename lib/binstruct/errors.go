// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package binstruct

import (
	"fmt"
	"reflect"
)

// InvalidTypeError is panicked (not returned) when asked to handle a
// type that cannot be statically sized; that is a programming error.
type InvalidTypeError struct {
	Type reflect.Type
	Err  error
}

func (e *InvalidTypeError) Error() string {
	return fmt.Sprintf("%v: %v", e.Type, e.Err)
}
func (e *InvalidTypeError) Unwrap() error { return e.Err }

// ShortBufferError is returned when decoding runs out of input.
type ShortBufferError struct {
	Type reflect.Type
	Need int
	Have int
}

func (e *ShortBufferError) Error() string {
	return fmt.Sprintf("%v: need at least %v bytes, only have %v", e.Type, e.Need, e.Have)
}

// UnmarshalError wraps an error from a custom Unmarshaler.
type UnmarshalError struct {
	Type   reflect.Type
	Method string
	Err    error
}

func (e *UnmarshalError) Error() string {
	return fmt.Sprintf("(%v).%v: %v", e.Type, e.Method, e.Err)
}
func (e *UnmarshalError) Unwrap() error { return e.Err }

// MarshalError wraps an error from a custom Marshaler.
type MarshalError struct {
	Type   reflect.Type
	Method string
	Err    error
}

func (e *MarshalError) Error() string {
	return fmt.Sprintf("(%v).%v: %v", e.Type, e.Method, e.Err)
}
func (e *MarshalError) Unwrap() error { return e.Err }
