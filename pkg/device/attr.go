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

package device

import (
	"fmt"

	"kiwi.dev/kiwi/pkg/binary"
	"kiwi.dev/kiwi/pkg/status"
)

// AttrType is the type of an attribute value.
type AttrType uint32

// Attribute types.
const (
	AttrInt8 AttrType = iota
	AttrInt16
	AttrInt32
	AttrInt64
	AttrUint8
	AttrUint16
	AttrUint32
	AttrUint64
	AttrString
)

var attrTypeNames = [...]string{
	AttrInt8:   "int8",
	AttrInt16:  "int16",
	AttrInt32:  "int32",
	AttrInt64:  "int64",
	AttrUint8:  "uint8",
	AttrUint16: "uint16",
	AttrUint32: "uint32",
	AttrUint64: "uint64",
	AttrString: "string",
}

// String implements fmt.Stringer.String.
func (t AttrType) String() string {
	if int(t) < len(attrTypeNames) {
		return attrTypeNames[t]
	}
	return fmt.Sprintf("AttrType(%d)", uint32(t))
}

// Size returns the encoded size of an integer type, 0 for strings.
func (t AttrType) Size() int {
	switch t {
	case AttrInt8, AttrUint8:
		return 1
	case AttrInt16, AttrUint16:
		return 2
	case AttrInt32, AttrUint32:
		return 4
	case AttrInt64, AttrUint64:
		return 8
	}
	return 0
}

// Attribute is a named, typed, read-only device property.
type Attribute struct {
	Name string
	Type AttrType

	// Integer values are stored as their two's complement bits.
	Int uint64
	Str string
}

// Int8Attr returns an int8 attribute.
func Int8Attr(name string, v int8) Attribute {
	return Attribute{Name: name, Type: AttrInt8, Int: uint64(v)}
}

// Int16Attr returns an int16 attribute.
func Int16Attr(name string, v int16) Attribute {
	return Attribute{Name: name, Type: AttrInt16, Int: uint64(v)}
}

// Int32Attr returns an int32 attribute.
func Int32Attr(name string, v int32) Attribute {
	return Attribute{Name: name, Type: AttrInt32, Int: uint64(v)}
}

// Int64Attr returns an int64 attribute.
func Int64Attr(name string, v int64) Attribute {
	return Attribute{Name: name, Type: AttrInt64, Int: uint64(v)}
}

// Uint8Attr returns a uint8 attribute.
func Uint8Attr(name string, v uint8) Attribute {
	return Attribute{Name: name, Type: AttrUint8, Int: uint64(v)}
}

// Uint16Attr returns a uint16 attribute.
func Uint16Attr(name string, v uint16) Attribute {
	return Attribute{Name: name, Type: AttrUint16, Int: uint64(v)}
}

// Uint32Attr returns a uint32 attribute.
func Uint32Attr(name string, v uint32) Attribute {
	return Attribute{Name: name, Type: AttrUint32, Int: uint64(v)}
}

// Uint64Attr returns a uint64 attribute.
func Uint64Attr(name string, v uint64) Attribute {
	return Attribute{Name: name, Type: AttrUint64, Int: v}
}

// StringAttr returns a string attribute.
func StringAttr(name, v string) Attribute {
	return Attribute{Name: name, Type: AttrString, Str: v}
}

func (a *Attribute) check() error {
	if a.Name == "" || len(a.Name) >= NameMax || a.Type > AttrString {
		return status.InvalidArg
	}
	if a.Type == AttrString && len(a.Str) >= AttrMax {
		return status.InvalidArg
	}
	return nil
}

// String implements fmt.Stringer.String.
func (a Attribute) String() string {
	switch a.Type {
	case AttrString:
		return fmt.Sprintf("%s: %s %q", a.Name, a.Type, a.Str)
	case AttrInt8:
		return fmt.Sprintf("%s: %s %d", a.Name, a.Type, int8(a.Int))
	case AttrInt16:
		return fmt.Sprintf("%s: %s %d", a.Name, a.Type, int16(a.Int))
	case AttrInt32:
		return fmt.Sprintf("%s: %s %d", a.Name, a.Type, int32(a.Int))
	case AttrInt64:
		return fmt.Sprintf("%s: %s %d", a.Name, a.Type, int64(a.Int))
	default:
		return fmt.Sprintf("%s: %s %d (%#x)", a.Name, a.Type, a.Int, a.Int)
	}
}

// Attr encodes the value of the attribute called name into buf, which
// must be exactly the size of an integer type or large enough to hold a
// string and its terminating NUL. It returns the number of bytes written.
func (d *Device) Attr(name string, typ AttrType, buf []byte) (int, error) {
	if typ > AttrString {
		return 0, status.InvalidArg
	}
	size := typ.Size()
	if size > 0 && len(buf) != size {
		return 0, status.InvalidArg
	}
	for _, a := range d.attrs {
		if a.Name != name {
			continue
		}
		if a.Type != typ {
			return 0, status.IncorrectType
		}
		switch size {
		case 0:
			if len(a.Str)+1 > len(buf) {
				return 0, status.TooSmall
			}
			binary.PutCString(buf[:len(a.Str)+1], a.Str)
			return len(a.Str) + 1, nil
		case 1:
			buf[0] = byte(a.Int)
		case 2:
			binary.Order.PutUint16(buf, uint16(a.Int))
		case 4:
			binary.Order.PutUint32(buf, uint32(a.Int))
		case 8:
			binary.Order.PutUint64(buf, a.Int)
		}
		return size, nil
	}
	return 0, status.NotFound
}
