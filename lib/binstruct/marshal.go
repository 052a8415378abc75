// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package binstruct

import (
	"encoding"
	"encoding/binary"
	"reflect"
)

type Marshaler = encoding.BinaryMarshaler

// Marshal encodes obj.  Integers are encoded little-endian.
func Marshal(obj any) ([]byte, error) {
	val := reflect.ValueOf(obj)
	sz, err := staticSize(val.Type())
	if err != nil {
		panic(err)
	}
	ret := make([]byte, 0, sz)
	return marshalValue(ret, val)
}

func marshalValue(dst []byte, val reflect.Value) ([]byte, error) {
	if mar, ok := val.Interface().(Marshaler); ok {
		dat, err := mar.MarshalBinary()
		if err != nil {
			return dst, &MarshalError{Type: val.Type(), Method: "MarshalBinary", Err: err}
		}
		return append(dst, dat...), nil
	}
	switch val.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return appendUint(dst, intSize(val.Kind()), val.Uint()), nil
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return appendUint(dst, intSize(val.Kind()), uint64(val.Int())), nil
	case reflect.Array:
		if val.Type().Elem().Kind() == reflect.Uint8 {
			for i := 0; i < val.Len(); i++ {
				dst = append(dst, byte(val.Index(i).Uint()))
			}
			return dst, nil
		}
		for i := 0; i < val.Len(); i++ {
			var err error
			if dst, err = marshalValue(dst, val.Index(i)); err != nil {
				return dst, err
			}
		}
		return dst, nil
	case reflect.Struct:
		h, err := getStructHandler(val.Type())
		if err != nil {
			panic(err)
		}
		return h.marshal(dst, val)
	default:
		panic(&InvalidTypeError{Type: val.Type(), Err: errUnsupportedKind(val.Kind())})
	}
}

func appendUint(dst []byte, size int, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(dst, buf[:size]...)
}
