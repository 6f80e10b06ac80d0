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

package boot

import (
	"kiwi.dev/kiwi/pkg/binary"
	"kiwi.dev/kiwi/pkg/status"
)

// Builder assembles a tag stream. The zero value is ready to use.
type Builder struct {
	buf []byte
}

// NewBuilder returns a Builder holding the given tags.
func NewBuilder(tags ...Tag) (*Builder, error) {
	b := &Builder{}
	for _, t := range tags {
		if err := b.Add(t); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Add appends a tag to the stream. It fails with InvalidArg if a name does
// not fit its field or the tag type is unknown.
func (b *Builder) Add(t Tag) error {
	data, err := encodeTag(t)
	if err != nil {
		return err
	}
	b.appendTag(t.Type(), data)
	return nil
}

func (b *Builder) appendTag(typ TagType, data []byte) {
	size := headerSize + len(data)
	b.buf = binary.Marshal(b.buf, &header{Type: uint32(typ), Size: uint32(size)})
	b.buf = append(b.buf, data...)
	b.buf = binary.AppendZeros(b.buf, binary.Align(size, tagAlign)-size)
}

// Bytes returns the stream with its TagNone terminator.
func (b *Builder) Bytes() []byte {
	out := make([]byte, len(b.buf), len(b.buf)+headerSize)
	copy(out, b.buf)
	return binary.Marshal(out, &header{Type: uint32(TagNone), Size: uint32(headerSize)})
}

func encodeTag(t Tag) ([]byte, error) {
	switch t := t.(type) {
	case Core:
		return binary.Marshal(nil, &coreRecord{
			KernelPhys: uint64(t.KernelPhys),
			KernelSize: t.KernelSize,
			StackBase:  uint64(t.StackBase),
			StackPhys:  uint64(t.StackPhys),
			StackSize:  t.StackSize,
		}), nil

	case Memory:
		if t.Kind > MemoryInternal {
			return nil, status.InvalidArg
		}
		return binary.Marshal(nil, &memoryRecord{Start: uint64(t.Start), Size: t.Size, Type: uint8(t.Kind)}), nil

	case VMem:
		return binary.Marshal(nil, &vmemRecord{Start: uint64(t.Start), Size: t.Size, Mem: uint64(t.Mem)}), nil

	case Module:
		buf := binary.Marshal(nil, &moduleRecord{
			Addr:     uint64(t.Addr),
			Size:     t.Size,
			NameSize: uint32(len(t.Name) + 1),
		})
		buf = append(buf, t.Name...)
		return append(buf, 0), nil

	case Video:
		return binary.Marshal(nil, &videoRecord{
			Width:  t.Width,
			Height: t.Height,
			Pitch:  t.Pitch,
			BPP:    t.BPP,
			Phys:   uint64(t.Phys),
			Size:   t.Size,
		}), nil

	case BootDev:
		if len(t.UUID) >= UUIDMax {
			return nil, status.InvalidArg
		}
		r := bootDevRecord{Method: t.Method}
		binary.PutCString(r.UUID[:], t.UUID)
		return binary.Marshal(nil, &r), nil

	case Option:
		return encodeOption(t)
	}
	return nil, status.InvalidArg
}

func encodeOption(o Option) ([]byte, error) {
	if o.Name == "" || len(o.Name) >= OptionNameMax {
		return nil, status.InvalidArg
	}
	var value []byte
	switch o.Kind {
	case OptionBool:
		if o.Bool {
			value = []byte{1}
		} else {
			value = []byte{0}
		}
	case OptionInteger:
		value = binary.AppendUint64(nil, o.Int)
	case OptionString:
		value = append([]byte(o.Str), 0)
	default:
		return nil, status.InvalidArg
	}
	r := optionRecord{Type: uint32(o.Kind), ValueSize: uint32(len(value))}
	binary.PutCString(r.Name[:], o.Name)
	return append(binary.Marshal(nil, &r), value...), nil
}
