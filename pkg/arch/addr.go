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

// Package arch describes the simulated machine: page geometry, address
// types and the kernel/user address space split.
package arch

import (
	"fmt"
)

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// PageMask masks the offset within a page.
	PageMask = PageSize - 1

	// PTEsPerTable is the number of entries in one page table page.
	PTEsPerTable = PageSize / 8

	// PageTableLevels is the depth of the page table radix tree.
	PageTableLevels = 4

	// VirtualBits is the number of significant virtual address bits.
	VirtualBits = 48
)

// Address space layout. User addresses occupy the lower canonical half,
// the kernel the upper half.
const (
	// UserBase is the lowest mappable user address. The first pages are
	// never mapped so that null dereferences fault.
	UserBase Addr = 0x10000

	// UserEnd is one past the highest user address.
	UserEnd Addr = 1 << (VirtualBits - 1)

	// KernelBase is the lowest kernel address.
	KernelBase Addr = 0xffff800000000000

	// PhysMapBase is where all of physical memory is mapped in the kernel
	// context.
	PhysMapBase Addr = 0xffff800000000000

	// PhysMapSize is the size of the physical map window.
	PhysMapSize = 1 << 40

	// KernelHeapBase is the base of the kernel heap window.
	KernelHeapBase Addr = 0xffffc00000000000

	// KernelHeapSize is the size of the kernel heap window.
	KernelHeapSize = 1 << 36
)

// Addr represents a virtual address.
type Addr uint64

// PhysAddr represents a physical address.
type PhysAddr uint64

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ PageMask
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & PageMask)
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// IsKernel returns true if v lies in the kernel half of the address space.
func (v Addr) IsKernel() bool {
	return v >= KernelBase
}

// IsUserRange returns true if [v, v+length) lies entirely within the user
// address space.
func (v Addr) IsUserRange(length uint64) bool {
	end, ok := v.AddLength(length)
	return ok && v >= UserBase && end <= UserEnd
}

// IsPageAligned returns true if p is page aligned.
func (p PhysAddr) IsPageAligned() bool {
	return p&PageMask == 0
}

// PageRoundUp rounds n up to a multiple of the page size. ok is false if
// the result overflows.
func PageRoundUp(n uint64) (uint64, bool) {
	r := (n + PageMask) &^ PageMask
	return r, r >= n
}

// AddrRange is a range of virtual addresses [Start, End).
type AddrRange struct {
	Start Addr
	End   Addr
}

// Length returns the length of the range.
func (r AddrRange) Length() uint64 {
	return uint64(r.End - r.Start)
}

// Contains returns true if r contains x.
func (r AddrRange) Contains(x Addr) bool {
	return r.Start <= x && x < r.End
}

// Overlaps returns true if r and r2 overlap.
func (r AddrRange) Overlaps(r2 AddrRange) bool {
	return r.Start < r2.End && r2.Start < r.End
}

// Intersect returns a range consisting of the intersection between r and r2.
// If r and r2 do not overlap, Intersect returns a range with unspecified
// bounds, but for which Length() == 0.
func (r AddrRange) Intersect(r2 AddrRange) AddrRange {
	if r.Start < r2.Start {
		r.Start = r2.Start
	}
	if r.End > r2.End {
		r.End = r2.End
	}
	if r.End < r.Start {
		r.End = r.Start
	}
	return r
}

// String implements fmt.Stringer.String.
func (r AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}
