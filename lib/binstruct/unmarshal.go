// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package binstruct

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
)

type Unmarshaler interface {
	UnmarshalBinary([]byte) (int, error)
}

func errUnsupportedKind(kind reflect.Kind) error {
	return fmt.Errorf("kind=%v is not a supported statically-sized kind", kind)
}

// Unmarshal decodes dat into *dstPtr, returning how many bytes were
// consumed.
func Unmarshal(dat []byte, dstPtr any) (int, error) {
	ptr := reflect.ValueOf(dstPtr)
	if ptr.Kind() != reflect.Ptr {
		panic(&InvalidTypeError{Type: ptr.Type(), Err: errors.New("not a pointer")})
	}
	return unmarshalValue(dat, ptr.Elem())
}

func unmarshalValue(dat []byte, dst reflect.Value) (int, error) {
	if unmar, ok := dst.Addr().Interface().(Unmarshaler); ok {
		n, err := unmar.UnmarshalBinary(dat)
		if err != nil {
			err = &UnmarshalError{Type: dst.Type(), Method: "UnmarshalBinary", Err: err}
		}
		return n, err
	}
	if sz := intSize(dst.Kind()); sz > 0 {
		if len(dat) < sz {
			return 0, &ShortBufferError{Type: dst.Type(), Need: sz, Have: len(dat)}
		}
		var buf [8]byte
		copy(buf[:], dat[:sz])
		v := binary.LittleEndian.Uint64(buf[:])
		switch dst.Kind() {
		case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			shift := 64 - 8*sz
			dst.SetInt(int64(v<<shift) >> shift)
		default:
			dst.SetUint(v)
		}
		return sz, nil
	}
	switch dst.Kind() {
	case reflect.Array:
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			if len(dat) < dst.Len() {
				return 0, &ShortBufferError{Type: dst.Type(), Need: dst.Len(), Have: len(dat)}
			}
			for i := 0; i < dst.Len(); i++ {
				dst.Index(i).SetUint(uint64(dat[i]))
			}
			return dst.Len(), nil
		}
		var n int
		for i := 0; i < dst.Len(); i++ {
			_n, err := unmarshalValue(dat[n:], dst.Index(i))
			n += _n
			if err != nil {
				return n, err
			}
		}
		return n, nil
	case reflect.Struct:
		h, err := getStructHandler(dst.Type())
		if err != nil {
			panic(err)
		}
		return h.unmarshal(dat, dst)
	default:
		panic(&InvalidTypeError{Type: dst.Type(), Err: errUnsupportedKind(dst.Kind())})
	}
}
