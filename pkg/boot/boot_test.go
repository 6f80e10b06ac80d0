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
	"testing"

	"github.com/google/go-cmp/cmp"
	"kiwi.dev/kiwi/pkg/binary"
	"kiwi.dev/kiwi/pkg/status"
)

func testTags() []Tag {
	return []Tag{
		Core{KernelPhys: 0x100000, KernelSize: 0x40000, StackBase: 0xffffff8000000000, StackPhys: 0x200000, StackSize: 0x2000},
		Memory{Start: 0, Size: 0x9f000, Kind: MemoryFree},
		Memory{Start: 0x100000, Size: 0x40000, Kind: MemoryAllocated},
		Memory{Start: 0x200000, Size: 0x100000, Kind: MemoryReclaimable},
		VMem{Start: 0xffffff8000000000, Size: 0x40000, Mem: 0x100000},
		Module{Addr: 0x300000, Size: 1234, Name: "ext2"},
		Video{Width: 1024, Height: 768, Pitch: 4096, BPP: 32, Phys: 0xe0000000, Size: 0x300000},
		BootDev{Method: 1, UUID: "2f3a7c1e-0d39-4b5e-9f0c-5ac2a6a1b0d4"},
		Option{Name: "splash_disabled", Kind: OptionBool, Bool: true},
		Option{Name: "smp_max_cpus", Kind: OptionInteger, Int: 4},
		Option{Name: "root_device", Kind: OptionString, Str: "disk0"},
	}
}

func build(t *testing.T, tags ...Tag) []byte {
	t.Helper()
	b, err := NewBuilder(tags...)
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}
	return b.Bytes()
}

func TestRoundTrip(t *testing.T) {
	want := testTags()
	buf := build(t, want...)
	if len(buf)%tagAlign != 0 {
		t.Errorf("stream length %d is not aligned", len(buf))
	}
	got, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse mismatch (-want +got):\n%s", diff)
	}
}

func TestEmpty(t *testing.T) {
	got, err := Parse(build(t))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Parse returned %d tags, want 0", len(got))
	}
}

func TestAlignment(t *testing.T) {
	buf := build(t, Module{Addr: 0x1000, Size: 1, Name: "a"})
	var h header
	if _, err := binary.Decode(buf, &h); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	// Header, record and "a\x00".
	if want := uint32(8 + 24 + 2); h.Size != want {
		t.Errorf("module tag size = %d, want %d", h.Size, want)
	}
	next := binary.Align(int(h.Size), tagAlign)
	if _, err := binary.Decode(buf[next:], &h); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if TagType(h.Type) != TagNone {
		t.Errorf("tag after module = %v, want none", TagType(h.Type))
	}
}

func TestUnknownTagSkipped(t *testing.T) {
	var b Builder
	b.appendTag(TagType(99), []byte{1, 2, 3})
	if err := b.Add(Memory{Start: 0x1000, Size: 0x1000}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	got, err := Parse(b.Bytes())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	want := []Tag{Memory{Start: 0x1000, Size: 0x1000}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse mismatch (-want +got):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	full := build(t, testTags()...)
	corrupt := func(mutate func(buf []byte) []byte) []byte {
		buf := append([]byte(nil), full...)
		return mutate(buf)
	}

	for _, tc := range []struct {
		name string
		buf  []byte
	}{
		{
			name: "empty",
			buf:  nil,
		},
		{
			name: "short header",
			buf:  []byte{1, 0, 0, 0},
		},
		{
			name: "missing terminator",
			buf:  full[:len(full)-headerSize],
		},
		{
			name: "truncated",
			buf:  full[:20],
		},
		{
			name: "size smaller than header",
			buf: corrupt(func(buf []byte) []byte {
				binary.Order.PutUint32(buf[4:], 4)
				return buf
			}),
		},
		{
			name: "size beyond stream",
			buf: corrupt(func(buf []byte) []byte {
				binary.Order.PutUint32(buf[4:], uint32(len(buf)+8))
				return buf
			}),
		},
		{
			name: "core record cut short",
			buf: corrupt(func(buf []byte) []byte {
				binary.Order.PutUint32(buf[4:], 16)
				return buf
			}),
		},
		{
			name: "module name past tag end",
			buf: func() []byte {
				buf := build(t, Module{Addr: 0x1000, Size: 1, Name: "abc"})
				// NameSize follows the header, address and size.
				binary.Order.PutUint32(buf[8+16:], 64)
				return buf
			}(),
		},
		{
			name: "bad option value size",
			buf: func() []byte {
				buf := build(t, Option{Name: "x", Kind: OptionInteger, Int: 1})
				// Shrink ValueSize to 4 bytes.
				binary.Order.PutUint32(buf[8+OptionNameMax+4:], 4)
				return buf
			}(),
		},
		{
			name: "bad memory type",
			buf: func() []byte {
				buf := build(t, Memory{Start: 0, Size: 0x1000})
				buf[8+16] = 200
				return buf
			}(),
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.buf); err != status.InvalidArg {
				t.Errorf("Parse got err %v, want %v", err, status.InvalidArg)
			}
		})
	}
}

func TestBuilderErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		tag  Tag
	}{
		{name: "empty option name", tag: Option{Kind: OptionBool}},
		{name: "long option name", tag: Option{Name: "abcdefghijklmnopqrstuvwxyz0123456789", Kind: OptionBool}},
		{name: "bad option type", tag: Option{Name: "x", Kind: 7}},
		{name: "bad memory type", tag: Memory{Kind: 9}},
		{name: "long uuid", tag: BootDev{UUID: string(make([]byte, UUIDMax))}},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			var b Builder
			if err := b.Add(tc.tag); err != status.InvalidArg {
				t.Errorf("Add got err %v, want %v", err, status.InvalidArg)
			}
		})
	}
}

func TestOptions(t *testing.T) {
	tags, err := Parse(build(t, testTags()...))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	opts := NewOptions(tags)
	if got := opts.Bool("splash_disabled", false); !got {
		t.Errorf("Bool(splash_disabled) = false, want true")
	}
	if got := opts.Int("smp_max_cpus", 1); got != 4 {
		t.Errorf("Int(smp_max_cpus) = %d, want 4", got)
	}
	if got := opts.String("root_device", ""); got != "disk0" {
		t.Errorf("String(root_device) = %q, want disk0", got)
	}
	if got := opts.Int("missing", 7); got != 7 {
		t.Errorf("Int(missing) = %d, want default 7", got)
	}
	if got := opts.Int("root_device", 3); got != 3 {
		t.Errorf("Int on a string option = %d, want default 3", got)
	}
}

func TestHelpers(t *testing.T) {
	tags := testTags()
	core, ok := First[Core](tags)
	if !ok || core.KernelPhys != 0x100000 {
		t.Errorf("First[Core] = %+v, %v", core, ok)
	}
	if _, ok := First[Tag](nil); ok {
		t.Errorf("First on empty list succeeded")
	}
	free := MemoryRanges(tags, MemoryFree, MemoryReclaimable)
	want := []Memory{
		{Start: 0, Size: 0x9f000, Kind: MemoryFree},
		{Start: 0x200000, Size: 0x100000, Kind: MemoryReclaimable},
	}
	if diff := cmp.Diff(want, free); diff != "" {
		t.Errorf("MemoryRanges mismatch (-want +got):\n%s", diff)
	}
	if got := len(MemoryRanges(tags)); got != 3 {
		t.Errorf("MemoryRanges() returned %d ranges, want 3", got)
	}
}
