// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package binstruct

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"git.lukeshu.com/go/typedsync"
)

// End marks the end of a struct; its "off" tag asserts the total
// encoded size.
type End struct{}

var endType = reflect.TypeOf(End{})

type tag struct {
	skip bool

	off int
	siz int
}

func parseStructTag(str string) (tag, error) {
	var ret tag
	for _, part := range strings.Split(str, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "-" {
			return tag{skip: true}, nil
		}
		keyval := strings.SplitN(part, "=", 2)
		if len(keyval) != 2 {
			return tag{}, fmt.Errorf("option is not a key=value pair: %q", part)
		}
		key := keyval[0]
		val := keyval[1]
		switch key {
		case "off":
			vint, err := strconv.ParseInt(val, 0, 0)
			if err != nil {
				return tag{}, err
			}
			ret.off = int(vint)
		case "siz":
			vint, err := strconv.ParseInt(val, 0, 0)
			if err != nil {
				return tag{}, err
			}
			ret.siz = int(vint)
		default:
			return tag{}, fmt.Errorf("unrecognized option %q", key)
		}
	}
	return ret, nil
}

type structHandler struct {
	name   string
	Size   int
	fields []structField
}

type structField struct {
	name string
	tag
}

func (sh *structHandler) unmarshal(dat []byte, dst reflect.Value) (int, error) {
	if len(dat) < sh.Size {
		return 0, &ShortBufferError{Type: dst.Type(), Need: sh.Size, Have: len(dat)}
	}
	var n int
	for i, field := range sh.fields {
		if field.skip {
			continue
		}
		_n, err := unmarshalValue(dat[n:], dst.Field(i))
		n += _n
		if err != nil {
			return n, fmt.Errorf("struct %q field %v %q: %w", sh.name, i, field.name, err)
		}
	}
	return n, nil
}

func (sh *structHandler) marshal(dst []byte, val reflect.Value) ([]byte, error) {
	for i, field := range sh.fields {
		if field.skip {
			continue
		}
		var err error
		if dst, err = marshalValue(dst, val.Field(i)); err != nil {
			return dst, fmt.Errorf("struct %q field %v %q: %w", sh.name, i, field.name, err)
		}
	}
	return dst, nil
}

func genStructHandler(structInfo reflect.Type) (*structHandler, error) {
	ret := &structHandler{
		name: structInfo.String(),
	}
	fieldErr := func(i int, err error) error {
		return fmt.Errorf("struct %q field %v %q: %w", ret.name, i, structInfo.Field(i).Name, err)
	}

	var curOffset, endOffset int
	for i := 0; i < structInfo.NumField(); i++ {
		fieldInfo := structInfo.Field(i)

		if fieldInfo.Anonymous && fieldInfo.Type != endType {
			return nil, fieldErr(i, fmt.Errorf("embedded fields are not supported"))
		}

		fieldTag, err := parseStructTag(fieldInfo.Tag.Get("bin"))
		if err != nil {
			return nil, fieldErr(i, err)
		}
		if fieldTag.skip || fieldInfo.Name == "_" {
			ret.fields = append(ret.fields, structField{
				name: fieldInfo.Name,
				tag:  tag{skip: true},
			})
			continue
		}

		if fieldTag.off != curOffset {
			return nil, fieldErr(i, fmt.Errorf("tag says off=%#x but curOffset=%#x", fieldTag.off, curOffset))
		}
		if fieldInfo.Type == endType {
			endOffset = curOffset
		}

		fieldSize, err := staticSize(fieldInfo.Type)
		if err != nil {
			return nil, fieldErr(i, err)
		}
		if fieldTag.siz != fieldSize {
			return nil, fieldErr(i, fmt.Errorf("tag says siz=%#x but StaticSize(typ)=%#x", fieldTag.siz, fieldSize))
		}
		curOffset += fieldTag.siz

		ret.fields = append(ret.fields, structField{
			name: fieldInfo.Name,
			tag:  fieldTag,
		})
	}
	ret.Size = curOffset

	if ret.Size != endOffset {
		return nil, fmt.Errorf("struct %q: .Size=%v but endOffset=%v", ret.name, ret.Size, endOffset)
	}

	return ret, nil
}

var structCache typedsync.Map[reflect.Type, *structHandler]

func getStructHandler(typ reflect.Type) (*structHandler, error) {
	if h, ok := structCache.Load(typ); ok {
		return h, nil
	}
	h, err := genStructHandler(typ)
	if err != nil {
		return nil, &InvalidTypeError{Type: typ, Err: err}
	}
	h, _ = structCache.LoadOrStore(typ, h)
	return h, nil
}
