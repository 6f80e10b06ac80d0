// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package binary encodes the fixed-layout records the kernel exchanges with
// userspace and the boot loader: IPC message headers, boot tags and file
// information blocks.
//
// All records are little-endian. Records are described by Go structs made
// only of fixed-size integers, arrays and nested structs; blank fields act
// as padding.
package binary

import (
	"encoding/binary"
	"reflect"

	"kiwi.dev/kiwi/pkg/status"
)

// Order is the byte order of every kernel record.
var Order = binary.LittleEndian

// AppendUint64 appends the encoding of num to buf.
func AppendUint64(buf []byte, num uint64) []byte {
	return Order.AppendUint64(buf, num)
}

// AppendZeros appends n zero bytes to buf.
func AppendZeros(buf []byte, n int) []byte {
	return append(buf, make([]byte, n)...)
}

// Align rounds n up to a multiple of align, which must be a power of two.
func Align(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

func appendWord(buf []byte, v uint64, width int) []byte {
	switch width {
	case 1:
		return append(buf, byte(v))
	case 2:
		return Order.AppendUint16(buf, uint16(v))
	case 4:
		return Order.AppendUint32(buf, uint32(v))
	default:
		return Order.AppendUint64(buf, v)
	}
}

func word(buf []byte, width int) uint64 {
	switch width {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(Order.Uint16(buf))
	case 4:
		return uint64(Order.Uint32(buf))
	default:
		return Order.Uint64(buf)
	}
}

func isSigned(k reflect.Kind) bool {
	return k >= reflect.Int8 && k <= reflect.Int64
}

func isUnsigned(k reflect.Kind) bool {
	return k >= reflect.Uint8 && k <= reflect.Uint64
}

func invalid(v reflect.Value) string {
	return "invalid type: " + v.Type().String()
}

// Marshal appends the encoding of data to buf. data may be a pointer but
// cannot contain pointers.
func Marshal(buf []byte, data any) []byte {
	return marshal(buf, reflect.Indirect(reflect.ValueOf(data)))
}

func marshal(buf []byte, v reflect.Value) []byte {
	k := v.Kind()
	switch {
	case isSigned(k):
		return appendWord(buf, uint64(v.Int()), int(v.Type().Size()))
	case isUnsigned(k):
		return appendWord(buf, v.Uint(), int(v.Type().Size()))
	case k == reflect.Array:
		for i := 0; i < v.Len(); i++ {
			buf = marshal(buf, v.Index(i))
		}
		return buf
	case k == reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).Name == "_" {
				buf = AppendZeros(buf, sizeof(v.Field(i)))
			} else {
				buf = marshal(buf, v.Field(i))
			}
		}
		return buf
	}
	panic(invalid(v))
}

// Decode decodes the start of buf into the record data points to and
// returns the remainder of buf. It fails with InvalidArg, leaving data
// untouched, if buf is shorter than the record.
func Decode(buf []byte, data any) ([]byte, error) {
	v := reflect.ValueOf(data)
	if v.Kind() != reflect.Pointer {
		panic(invalid(v))
	}
	v = v.Elem()
	size := sizeof(v)
	if len(buf) < size {
		return buf, status.InvalidArg
	}
	unmarshal(buf[:size], v)
	return buf[size:], nil
}

func unmarshal(buf []byte, v reflect.Value) []byte {
	k := v.Kind()
	switch {
	case isSigned(k):
		width := int(v.Type().Size())
		shift := 64 - 8*width
		v.SetInt(int64(word(buf, width)<<shift) >> shift)
		return buf[width:]
	case isUnsigned(k):
		width := int(v.Type().Size())
		v.SetUint(word(buf, width))
		return buf[width:]
	case k == reflect.Array:
		for i := 0; i < v.Len(); i++ {
			buf = unmarshal(buf, v.Index(i))
		}
		return buf
	case k == reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if f := v.Field(i); f.CanSet() {
				buf = unmarshal(buf, f)
			} else {
				buf = buf[sizeof(f):]
			}
		}
		return buf
	}
	panic(invalid(v))
}

// Size returns the encoded size of v.
func Size(v any) int {
	return sizeof(reflect.Indirect(reflect.ValueOf(v)))
}

func sizeof(v reflect.Value) int {
	k := v.Kind()
	switch {
	case isSigned(k), isUnsigned(k):
		return int(v.Type().Size())
	case k == reflect.Array:
		if v.Len() == 0 {
			return 0
		}
		return v.Len() * sizeof(v.Index(0))
	case k == reflect.Struct:
		size := 0
		for i := 0; i < v.NumField(); i++ {
			size += sizeof(v.Field(i))
		}
		return size
	}
	panic(invalid(v))
}

// CString returns the NUL-terminated string at the start of b, or all of b
// if it holds no NUL.
func CString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// PutCString copies s into b, truncating it so that a terminating NUL
// always fits, and zeroes the rest of b.
func PutCString(b []byte, s string) {
	n := copy(b[:len(b)-1], s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}
