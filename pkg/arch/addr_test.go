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

package arch

import (
	"testing"
)

func TestRoundUp(t *testing.T) {
	for _, tc := range []struct {
		in   Addr
		want Addr
		ok   bool
	}{
		{0, 0, true},
		{1, PageSize, true},
		{PageSize, PageSize, true},
		{PageSize + 1, 2 * PageSize, true},
		{^Addr(0), 0, false},
	} {
		got, ok := tc.in.RoundUp()
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("%v.RoundUp() = (%v, %t), want (%v, %t)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestIsUserRange(t *testing.T) {
	for _, tc := range []struct {
		name   string
		addr   Addr
		length uint64
		want   bool
	}{
		{name: "null page", addr: 0, length: PageSize, want: false},
		{name: "base", addr: UserBase, length: PageSize, want: true},
		{name: "straddles end", addr: UserEnd - PageSize, length: 2 * PageSize, want: false},
		{name: "kernel", addr: KernelBase, length: 1, want: false},
		{name: "wraps", addr: UserBase, length: ^uint64(0), want: false},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.addr.IsUserRange(tc.length); got != tc.want {
				t.Errorf("IsUserRange(%v, %d) = %t, want %t", tc.addr, tc.length, got, tc.want)
			}
		})
	}
}

func TestAccessType(t *testing.T) {
	if got, want := ReadWrite.String(), "rw-"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if !AnyAccess.SupersetOf(ReadWrite) || Read.SupersetOf(Write) {
		t.Errorf("SupersetOf gave wrong answer")
	}
	if got := ReadWrite.Intersect(Execute); got.Any() {
		t.Errorf("Intersect(rw-, --x) = %v, want ---", got)
	}
}

func TestAddrRange(t *testing.T) {
	a := AddrRange{0x1000, 0x3000}
	b := AddrRange{0x2000, 0x5000}
	if !a.Overlaps(b) {
		t.Errorf("%v does not overlap %v", a, b)
	}
	if got, want := a.Intersect(b), (AddrRange{0x2000, 0x3000}); got != want {
		t.Errorf("Intersect() = %v, want %v", got, want)
	}
	if got := a.Intersect(AddrRange{0x8000, 0x9000}).Length(); got != 0 {
		t.Errorf("Length() of a disjoint intersection = %#x, want 0", got)
	}
}

func TestMemoryType(t *testing.T) {
	for _, tc := range []struct {
		mt    MemoryType
		valid bool
		want  string
	}{
		{MemoryTypeWriteBack, true, "WriteBack"},
		{MemoryTypeUncached, true, "Uncached"},
		{NumMemoryTypes, false, "MemoryType(4)"},
	} {
		if got := tc.mt.Valid(); got != tc.valid {
			t.Errorf("%v.Valid() = %t, want %t", tc.mt, got, tc.valid)
		}
		if got := tc.mt.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}
