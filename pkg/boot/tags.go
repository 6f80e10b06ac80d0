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

// Package boot encodes and decodes the tag stream the boot loader hands to
// the kernel. The stream is a sequence of tags, each starting with a
// {type, size} header and aligned to 8 bytes, ended by a tag of type
// TagNone. Size covers the header and the tag data but not the padding.
package boot

import (
	"fmt"

	"kiwi.dev/kiwi/pkg/arch"
	"kiwi.dev/kiwi/pkg/binary"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/status"
)

// TagType identifies a tag.
type TagType uint32

// Tag types.
const (
	TagNone    TagType = 0
	TagCore    TagType = 1
	TagOption  TagType = 2
	TagMemory  TagType = 3
	TagVMem    TagType = 4
	TagModule  TagType = 6
	TagVideo   TagType = 7
	TagBootDev TagType = 8
)

// String implements fmt.Stringer.String.
func (t TagType) String() string {
	switch t {
	case TagNone:
		return "none"
	case TagCore:
		return "core"
	case TagOption:
		return "option"
	case TagMemory:
		return "memory"
	case TagVMem:
		return "vmem"
	case TagModule:
		return "module"
	case TagVideo:
		return "video"
	case TagBootDev:
		return "bootdev"
	default:
		return fmt.Sprintf("TagType(%d)", uint32(t))
	}
}

const (
	// tagAlign is the alignment of every tag.
	tagAlign = 8

	// OptionNameMax is the size of the option name field, including the
	// terminating NUL.
	OptionNameMax = 32

	// UUIDMax is the size of the boot device UUID field.
	UUIDMax = 64
)

// Tag is a decoded tag.
type Tag interface {
	Type() TagType
}

// Core describes the kernel image and boot stack. It is always present.
type Core struct {
	KernelPhys arch.PhysAddr
	KernelSize uint64
	StackBase  arch.Addr
	StackPhys  arch.PhysAddr
	StackSize  uint64
}

// Type implements Tag.Type.
func (Core) Type() TagType { return TagCore }

// MemoryType is the state of a physical memory range at boot.
type MemoryType uint8

// Memory range types.
const (
	MemoryFree MemoryType = iota
	MemoryAllocated
	MemoryReclaimable
	MemoryReserved
	MemoryInternal
)

var memoryTypeNames = [...]string{
	MemoryFree:        "free",
	MemoryAllocated:   "allocated",
	MemoryReclaimable: "reclaimable",
	MemoryReserved:    "reserved",
	MemoryInternal:    "internal",
}

// String implements fmt.Stringer.String.
func (t MemoryType) String() string {
	if int(t) < len(memoryTypeNames) {
		return memoryTypeNames[t]
	}
	return fmt.Sprintf("MemoryType(%d)", uint8(t))
}

// Memory describes a physical memory range.
type Memory struct {
	Start arch.PhysAddr
	Size  uint64
	Kind  MemoryType
}

// Type implements Tag.Type.
func (Memory) Type() TagType { return TagMemory }

// End returns the end of the range.
func (m Memory) End() arch.PhysAddr {
	return m.Start + arch.PhysAddr(m.Size)
}

// VMem describes a virtual mapping set up by the boot loader.
type VMem struct {
	Start arch.Addr
	Size  uint64
	Mem   arch.PhysAddr
}

// Type implements Tag.Type.
func (VMem) Type() TagType { return TagVMem }

// Module describes a kernel module loaded by the boot loader.
type Module struct {
	Addr arch.PhysAddr
	Size uint64
	Name string
}

// Type implements Tag.Type.
func (Module) Type() TagType { return TagModule }

// Video describes a linear framebuffer.
type Video struct {
	Width  uint32
	Height uint32
	Pitch  uint32
	BPP    uint8
	Phys   arch.PhysAddr
	Size   uint64
}

// Type implements Tag.Type.
func (Video) Type() TagType { return TagVideo }

// BootDev identifies the boot filesystem.
type BootDev struct {
	Method uint32
	UUID   string
}

// Type implements Tag.Type.
func (BootDev) Type() TagType { return TagBootDev }

// OptionType is the type of an option value.
type OptionType uint32

// Option types.
const (
	OptionBool    OptionType = 0
	OptionString  OptionType = 1
	OptionInteger OptionType = 2
)

// Option is a kernel option set by the user at boot.
type Option struct {
	Name string
	Kind OptionType
	Bool bool
	Int  uint64
	Str  string
}

// Type implements Tag.Type.
func (Option) Type() TagType { return TagOption }

// Value returns the option value as an any.
func (o Option) Value() any {
	switch o.Kind {
	case OptionBool:
		return o.Bool
	case OptionInteger:
		return o.Int
	default:
		return o.Str
	}
}

// Wire records. Variable-length data follows the module and option
// records.
type (
	header struct {
		Type uint32
		Size uint32
	}

	coreRecord struct {
		KernelPhys uint64
		KernelSize uint64
		StackBase  uint64
		StackPhys  uint64
		StackSize  uint64
	}

	memoryRecord struct {
		Start uint64
		Size  uint64
		Type  uint8
		_     [7]uint8
	}

	vmemRecord struct {
		Start uint64
		Size  uint64
		Mem   uint64
	}

	moduleRecord struct {
		Addr     uint64
		Size     uint64
		NameSize uint32
		_        uint32
	}

	videoRecord struct {
		Width  uint32
		Height uint32
		Pitch  uint32
		BPP    uint8
		_      [3]uint8
		Phys   uint64
		Size   uint64
	}

	bootDevRecord struct {
		Method uint32
		_      uint32
		UUID   [UUIDMax]uint8
	}

	optionRecord struct {
		Name      [OptionNameMax]uint8
		Type      uint32
		ValueSize uint32
	}
)

var headerSize = binary.Size(header{})

// Parse decodes a tag stream. Tags of unknown type are skipped. It fails
// with InvalidArg if a tag or its data extends beyond the tag's own size,
// or the stream ends without a TagNone.
func Parse(buf []byte) ([]Tag, error) {
	var tags []Tag
	for {
		var h header
		if _, err := binary.Decode(buf, &h); err != nil {
			return nil, status.InvalidArg
		}
		if TagType(h.Type) == TagNone {
			return tags, nil
		}
		if int(h.Size) < headerSize || uint64(h.Size) > uint64(len(buf)) {
			return nil, status.InvalidArg
		}
		t, err := decodeTag(TagType(h.Type), buf[headerSize:h.Size])
		if err != nil {
			return nil, err
		}
		if t != nil {
			tags = append(tags, t)
		} else {
			log.Debugf("boot: skipping tag of type %v", TagType(h.Type))
		}
		next := binary.Align(int(h.Size), tagAlign)
		if next > len(buf) {
			return nil, status.InvalidArg
		}
		buf = buf[next:]
	}
}

func decodeTag(typ TagType, data []byte) (Tag, error) {
	switch typ {
	case TagCore:
		var r coreRecord
		if _, err := binary.Decode(data, &r); err != nil {
			return nil, err
		}
		return Core{
			KernelPhys: arch.PhysAddr(r.KernelPhys),
			KernelSize: r.KernelSize,
			StackBase:  arch.Addr(r.StackBase),
			StackPhys:  arch.PhysAddr(r.StackPhys),
			StackSize:  r.StackSize,
		}, nil

	case TagMemory:
		var r memoryRecord
		if _, err := binary.Decode(data, &r); err != nil {
			return nil, err
		}
		if MemoryType(r.Type) > MemoryInternal {
			return nil, status.InvalidArg
		}
		return Memory{Start: arch.PhysAddr(r.Start), Size: r.Size, Kind: MemoryType(r.Type)}, nil

	case TagVMem:
		var r vmemRecord
		if _, err := binary.Decode(data, &r); err != nil {
			return nil, err
		}
		return VMem{Start: arch.Addr(r.Start), Size: r.Size, Mem: arch.PhysAddr(r.Mem)}, nil

	case TagModule:
		var r moduleRecord
		rest, err := binary.Decode(data, &r)
		if err != nil {
			return nil, err
		}
		if uint64(r.NameSize) > uint64(len(rest)) {
			return nil, status.InvalidArg
		}
		return Module{Addr: arch.PhysAddr(r.Addr), Size: r.Size, Name: binary.CString(rest[:r.NameSize])}, nil

	case TagVideo:
		var r videoRecord
		if _, err := binary.Decode(data, &r); err != nil {
			return nil, err
		}
		return Video{
			Width:  r.Width,
			Height: r.Height,
			Pitch:  r.Pitch,
			BPP:    r.BPP,
			Phys:   arch.PhysAddr(r.Phys),
			Size:   r.Size,
		}, nil

	case TagBootDev:
		var r bootDevRecord
		if _, err := binary.Decode(data, &r); err != nil {
			return nil, err
		}
		return BootDev{Method: r.Method, UUID: binary.CString(r.UUID[:])}, nil

	case TagOption:
		return decodeOption(data)
	}
	return nil, nil
}

func decodeOption(data []byte) (Tag, error) {
	var r optionRecord
	rest, err := binary.Decode(data, &r)
	if err != nil {
		return nil, err
	}
	if uint64(r.ValueSize) > uint64(len(rest)) {
		return nil, status.InvalidArg
	}
	value := rest[:r.ValueSize]
	o := Option{Name: binary.CString(r.Name[:]), Kind: OptionType(r.Type)}
	switch o.Kind {
	case OptionBool:
		if len(value) != 1 {
			return nil, status.InvalidArg
		}
		o.Bool = value[0] != 0
	case OptionInteger:
		if len(value) != 8 {
			return nil, status.InvalidArg
		}
		o.Int = binary.Order.Uint64(value)
	case OptionString:
		o.Str = binary.CString(value)
	default:
		return nil, status.InvalidArg
	}
	return o, nil
}

// All returns the tags of type T in stream order.
func All[T Tag](tags []Tag) []T {
	var ts []T
	for _, t := range tags {
		if v, ok := t.(T); ok {
			ts = append(ts, v)
		}
	}
	return ts
}

// First returns the first tag of type T.
func First[T Tag](tags []Tag) (T, bool) {
	for _, t := range tags {
		if v, ok := t.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}
