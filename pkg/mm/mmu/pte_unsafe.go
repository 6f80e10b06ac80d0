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

package mmu

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"kiwi.dev/kiwi/pkg/arch"
	"kiwi.dev/kiwi/pkg/mm/phys"
)

// PTE is a page table entry.
type PTE uint64

// PTE bits.
const (
	ptePresent      PTE = 1 << 0
	pteWrite        PTE = 1 << 1
	pteUser         PTE = 1 << 2
	pteWriteThrough PTE = 1 << 3
	pteCacheDisable PTE = 1 << 4
	pteAccessed     PTE = 1 << 5
	pteDirty        PTE = 1 << 6
	ptePAT          PTE = 1 << 7
	pteGlobal       PTE = 1 << 8
	pteNoExecute    PTE = 1 << 63

	pteAddrMask PTE = 0x000ffffffffff000

	// tableFlags are the flags of a non-leaf entry. Permissions are
	// decided by the leaf.
	tableFlags = ptePresent | pteWrite | pteUser
)

// Valid returns true if the entry is present.
func (p PTE) Valid() bool {
	return p&ptePresent != 0
}

// Address returns the physical address the entry points to.
func (p PTE) Address() arch.PhysAddr {
	return arch.PhysAddr(p & pteAddrMask)
}

// Flags decodes the mapping flags of a leaf entry.
func (p PTE) Flags() Flags {
	if !p.Valid() {
		return 0
	}
	f := Read
	if p&pteWrite != 0 {
		f |= Write
	}
	if p&pteNoExecute == 0 {
		f |= Execute
	}
	if p&pteUser != 0 {
		f |= User
	}
	switch p & (pteWriteThrough | pteCacheDisable | ptePAT) {
	case pteCacheDisable:
		f |= CacheUncached
	case ptePAT:
		f |= CacheWriteCombine
	case pteWriteThrough:
		f |= CacheWriteThrough
	}
	return f
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	if !p.Valid() {
		return "---"
	}
	return fmt.Sprintf("%#x %s", uint64(p.Address()), p.Flags())
}

// makePTE encodes a leaf entry.
func makePTE(addr arch.PhysAddr, flags Flags) PTE {
	p := ptePresent | PTE(addr)&pteAddrMask
	if flags&Write != 0 {
		p |= pteWrite
	}
	if flags&Execute == 0 {
		p |= pteNoExecute
	}
	if flags&User != 0 {
		p |= pteUser
	} else {
		p |= pteGlobal
	}
	switch flags & CacheMask {
	case CacheUncached:
		p |= pteCacheDisable
	case CacheWriteCombine:
		p |= ptePAT
	case CacheWriteThrough:
		p |= pteWriteThrough
	}
	return p
}

// entry returns the entry at physical address addr.
//
// Page tables live in physical memory and are read by simulated CPUs
// without the context lock, so entries are always accessed atomically.
func entry(mem *phys.Memory, addr arch.PhysAddr) *atomic.Uint64 {
	b := mem.Map(addr, 8)
	return (*atomic.Uint64)(unsafe.Pointer(&b[0]))
}

func loadPTE(mem *phys.Memory, addr arch.PhysAddr) PTE {
	return PTE(entry(mem, addr).Load())
}

func storePTE(mem *phys.Memory, addr arch.PhysAddr, p PTE) {
	entry(mem, addr).Store(uint64(p))
}

// pteIndex returns the index into the table at the given level (0 is the
// last level) for virt.
func pteIndex(virt arch.Addr, level int) uint64 {
	return (uint64(virt) >> (arch.PageShift + 9*level)) & (arch.PTEsPerTable - 1)
}

// tableEmpty returns true if the table at addr holds no valid entries.
func tableEmpty(mem *phys.Memory, table arch.PhysAddr) bool {
	for i := uint64(0); i < arch.PTEsPerTable; i++ {
		if loadPTE(mem, table+arch.PhysAddr(8*i)).Valid() {
			return false
		}
	}
	return true
}
