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

// Package vm manages user address spaces. An address space is a set of
// non-overlapping regions, each backed by anonymous memory, a file's page
// cache or a range of physical memory. Pages are mapped into the address
// space's MMU context on demand by Fault. Private regions are copied on
// write: after Fork, anonymous pages are shared read-only until written.
//
// Lock order: address space, MMU context, amap.
package vm

import (
	"context"
	"fmt"

	"github.com/google/btree"
	"kiwi.dev/kiwi/pkg/arch"
	"kiwi.dev/kiwi/pkg/ksync"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/mm/mmu"
	"kiwi.dev/kiwi/pkg/mm/phys"
	"kiwi.dev/kiwi/pkg/status"
)

// MapFlags modify a mapping.
type MapFlags uint32

const (
	// Fixed places the mapping exactly at MapArgs.Addr, replacing anything
	// mapped there.
	Fixed MapFlags = 1 << iota

	// Private mappings are copied on write.
	Private

	// Shared mappings share their pages with every other mapping of the
	// same source.
	Shared

	// Physical maps the physical memory at MapArgs.Offset directly.
	Physical

	validMapFlags = Fixed | Private | Shared | Physical
)

// PageCache is implemented by files that can be mapped.
type PageCache interface {
	// Get returns the frame holding the page at offset, taking a
	// reference to it.
	Get(ctx context.Context, offset uint64) (arch.PhysAddr, error)

	// Release drops a reference taken by Get. dirty is true if the page
	// was written through the mapping.
	Release(ctx context.Context, offset uint64, dirty bool)
}

// MapArgs describe a mapping. Object types that can be mapped fill in the
// source fields when passed a *MapArgs by Map.
type MapArgs struct {
	// Addr is the address of a Fixed mapping, otherwise a hint.
	Addr arch.Addr
	Size uint64

	Access arch.AccessType
	Flags  MapFlags

	// Cache is the page cache of a file mapping, nil for anonymous and
	// physical mappings.
	Cache PageCache

	// Offset is the file offset of a file mapping or the physical address
	// of a Physical mapping.
	Offset uint64

	// Name describes the mapping.
	Name string
}

// Region is a mapping in an address space.
type Region struct {
	Start  arch.Addr
	End    arch.Addr
	Access arch.AccessType
	Flags  MapFlags
	Name   string

	// Anonymous pages. A private file region gets an amap on its first
	// written page. amapOffset is the amap slot of Start.
	amap       *amap
	amapOffset uint64

	cache  PageCache
	offset uint64
}

// Size returns the size of the region.
func (r *Region) Size() uint64 {
	return uint64(r.End - r.Start)
}

// String implements fmt.Stringer.String.
func (r *Region) String() string {
	kind := "private"
	if r.Flags&Shared != 0 {
		kind = "shared"
	}
	return fmt.Sprintf("[%v, %v) %s %s %q", r.Start, r.End, r.Access, kind, r.Name)
}

func (r *Region) anonymous() bool {
	return r.cache == nil && r.Flags&Physical == 0
}

// slot returns the amap slot of addr.
func (r *Region) slot(addr arch.Addr) uint64 {
	return r.amapOffset + uint64(addr-r.Start)>>arch.PageShift
}

// fileOffset returns the source offset of addr.
func (r *Region) fileOffset(addr arch.Addr) uint64 {
	return r.offset + uint64(addr-r.Start)
}

func regionLess(a, b *Region) bool {
	return a.Start < b.Start
}

// Stats describe the memory use of an address space.
type Stats struct {
	Regions int

	// Mapped is the number of pages mapped in the MMU context.
	Mapped int

	// Anonymous is the number of anonymous pages present, including pages
	// shared with other address spaces.
	Anonymous int
}

// AddressSpace is a user address space.
type AddressSpace struct {
	mmu *mmu.MMU
	mem *phys.Memory

	// mu protects regions and serializes changes to ctx.
	mu      ksync.Mutex
	regions *btree.BTreeG[*Region]

	// ctx holds the page tables. Immutable.
	ctx *mmu.Context
}

// New creates an empty address space with a new MMU context.
func New(ctx context.Context, m *mmu.MMU) (*AddressSpace, error) {
	mc, err := m.NewContext(ctx)
	if err != nil {
		return nil, err
	}
	as := &AddressSpace{
		mmu:     m,
		mem:     m.Memory(),
		regions: btree.NewG(8, regionLess),
		ctx:     mc,
	}
	as.mu.Init("vm_aspace_lock", 0)
	return as, nil
}

// Context returns the MMU context of the address space.
func (as *AddressSpace) Context() *mmu.Context {
	return as.ctx
}

// Regions returns a snapshot of the regions in address order.
func (as *AddressSpace) Regions(ctx context.Context) []Region {
	as.mu.Lock(ctx)
	defer as.mu.Unlock(ctx)
	var rs []Region
	as.regions.Ascend(func(r *Region) bool {
		rs = append(rs, *r)
		return true
	})
	return rs
}

// Stats returns memory use statistics.
func (as *AddressSpace) Stats(ctx context.Context) Stats {
	as.mu.Lock(ctx)
	defer as.mu.Unlock(ctx)
	s := Stats{Regions: as.regions.Len(), Mapped: as.ctx.Mapped()}
	seen := make(map[*amap]bool)
	as.regions.Ascend(func(r *Region) bool {
		if r.amap != nil && !seen[r.amap] {
			seen[r.amap] = true
			s.Anonymous += r.amap.resident()
		}
		return true
	})
	return s
}

// find returns the region containing addr.
func (as *AddressSpace) find(addr arch.Addr) *Region {
	var found *Region
	as.regions.DescendLessOrEqual(&Region{Start: addr}, func(r *Region) bool {
		if addr < r.End {
			found = r
		}
		return false
	})
	return found
}

// overlapping returns the regions intersecting [start, end).
func (as *AddressSpace) overlapping(start, end arch.Addr) []*Region {
	var rs []*Region
	if r := as.find(start); r != nil {
		rs = append(rs, r)
	}
	as.regions.AscendRange(&Region{Start: start + 1}, &Region{Start: end}, func(r *Region) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// split splits the region containing addr, if any, so that a region starts
// at addr.
func (as *AddressSpace) split(addr arch.Addr) {
	r := as.find(addr)
	if r == nil || r.Start == addr {
		return
	}
	tail := *r
	tail.Start = addr
	tail.offset = r.fileOffset(addr)
	if r.amap != nil {
		n := r.slot(addr)
		if r.amap.exclusive() {
			tail.amap = r.amap.split(n)
			tail.amapOffset = 0
		} else {
			r.amap.incRef()
			tail.amapOffset = n
		}
	}
	r.End = addr
	as.regions.ReplaceOrInsert(&tail)
}

// findFree returns the base of a free range of size bytes, trying hint
// first.
func (as *AddressSpace) findFree(hint arch.Addr, size uint64) (arch.Addr, bool) {
	if hint != 0 && hint.IsPageAligned() && hint.IsUserRange(size) {
		if end, _ := hint.AddLength(size); len(as.overlapping(hint, end)) == 0 {
			return hint, true
		}
	}
	start := arch.UserBase
	found := false
	as.regions.Ascend(func(r *Region) bool {
		if r.Start > start && uint64(r.Start-start) >= size {
			found = true
			return false
		}
		if r.End > start {
			start = r.End
		}
		return true
	})
	if found || start.IsUserRange(size) {
		return start, true
	}
	return 0, false
}

// Map creates a mapping and returns its address. Pages are mapped when
// first accessed.
func (as *AddressSpace) Map(ctx context.Context, args MapArgs) (arch.Addr, error) {
	size, ok := arch.PageRoundUp(args.Size)
	if args.Size == 0 || !ok {
		return 0, status.InvalidArg
	}
	if args.Flags&^validMapFlags != 0 || !args.Access.Any() {
		return 0, status.InvalidArg
	}
	if (args.Flags&Private != 0) == (args.Flags&Shared != 0) {
		return 0, status.InvalidArg
	}
	if args.Offset%arch.PageSize != 0 || args.Offset+size < args.Offset {
		return 0, status.InvalidArg
	}
	if args.Flags&Physical != 0 {
		if args.Cache != nil || args.Offset+size > as.mem.Size() {
			return 0, status.InvalidArg
		}
	}
	if args.Flags&Fixed != 0 && (!args.Addr.IsPageAligned() || !args.Addr.IsUserRange(size)) {
		return 0, status.InvalidArg
	}

	as.mu.Lock(ctx)
	defer as.mu.Unlock(ctx)

	addr := args.Addr
	if args.Flags&Fixed != 0 {
		as.unmapLocked(ctx, addr, addr+arch.Addr(size))
	} else if addr, ok = as.findFree(args.Addr, size); !ok {
		return 0, status.NoMemory
	}

	r := &Region{
		Start:  addr,
		End:    addr + arch.Addr(size),
		Access: args.Access,
		Flags:  args.Flags &^ Fixed,
		Name:   args.Name,
		cache:  args.Cache,
		offset: args.Offset,
	}
	if r.anonymous() {
		r.amap = newAmap(size >> arch.PageShift)
	}
	as.regions.ReplaceOrInsert(r)
	log.Debugf("vm: mapped %v", r)
	return addr, nil
}

// Unmap removes the mappings in [addr, addr+size).
func (as *AddressSpace) Unmap(ctx context.Context, addr arch.Addr, size uint64) error {
	end, err := checkRange(addr, size)
	if err != nil {
		return err
	}
	as.mu.Lock(ctx)
	defer as.mu.Unlock(ctx)
	as.unmapLocked(ctx, addr, end)
	return nil
}

func checkRange(addr arch.Addr, size uint64) (arch.Addr, error) {
	size, ok := arch.PageRoundUp(size)
	if size == 0 || !ok || !addr.IsPageAligned() || !addr.IsUserRange(size) {
		return 0, status.InvalidArg
	}
	return addr + arch.Addr(size), nil
}

func (as *AddressSpace) unmapLocked(ctx context.Context, start, end arch.Addr) {
	as.split(start)
	as.split(end)
	for _, r := range as.overlapping(start, end) {
		as.regions.Delete(r)
		as.removeRegion(ctx, r)
	}
}

// removeRegion unmaps every page of a region removed from the tree and
// drops its references.
func (as *AddressSpace) removeRegion(ctx context.Context, r *Region) {
	as.ctx.Lock(ctx)
	for addr := r.Start; addr < r.End; addr += arch.PageSize {
		as.unmapPage(ctx, r, addr)
	}
	as.ctx.Unlock(ctx)
	if r.amap != nil {
		r.amap.releaseRange(as.mem, r.amapOffset, r.slot(r.End))
		r.amap.decRef(as.mem)
	}
	log.Debugf("vm: unmapped %v", r)
}

// unmapPage removes the MMU mapping of addr, releasing a page cache
// reference if the mapped page came from the cache. The MMU context must
// be locked.
func (as *AddressSpace) unmapPage(ctx context.Context, r *Region, addr arch.Addr) {
	p, ok := as.ctx.Unmap(ctx, addr, true)
	if !ok || r.cache == nil {
		return
	}
	if r.amap != nil && r.amap.get(r.slot(addr)) == p {
		return
	}
	r.cache.Release(ctx, r.fileOffset(addr), p.TestAndClearDirty())
}

// Protect changes the access of the mappings in [addr, addr+size), which
// must be entirely mapped.
func (as *AddressSpace) Protect(ctx context.Context, addr arch.Addr, size uint64, access arch.AccessType) error {
	end, err := checkRange(addr, size)
	if err != nil {
		return err
	}
	if !access.Any() {
		return status.InvalidArg
	}
	as.mu.Lock(ctx)
	defer as.mu.Unlock(ctx)

	// The range must be covered without holes.
	next := addr
	for _, r := range as.overlapping(addr, end) {
		if r.Start > next {
			return status.InvalidAddr
		}
		next = r.End
	}
	if next < end {
		return status.InvalidAddr
	}

	as.split(addr)
	as.split(end)
	as.ctx.Lock(ctx)
	defer as.ctx.Unlock(ctx)
	for _, r := range as.overlapping(addr, end) {
		r.Access = access
		// Writable private pages are mapped writable again by the next
		// write fault, which checks for sharing.
		mapped := access
		if r.Flags&Private != 0 && access.Write {
			mapped = readOnly(access)
		}
		if err := as.ctx.Remap(ctx, r.Start, r.Size(), mapped); err != nil {
			return err
		}
	}
	return nil
}

// readOnly returns access without write permission. Write implies read.
func readOnly(access arch.AccessType) arch.AccessType {
	access.Write = false
	access.Read = true
	return access
}

// Fork returns a copy of the address space. Private regions are copied on
// write; shared regions share their pages with the copy.
func (as *AddressSpace) Fork(ctx context.Context) (*AddressSpace, error) {
	child, err := New(ctx, as.mmu)
	if err != nil {
		return nil, err
	}
	as.mu.Lock(ctx)
	defer as.mu.Unlock(ctx)
	child.mu.LockNested(ctx, 1)
	defer child.mu.Unlock(ctx)

	as.ctx.Lock(ctx)
	defer as.ctx.Unlock(ctx)
	child.ctx.LockNested(ctx, 1)
	defer child.ctx.Unlock(ctx)

	var ferr error
	as.regions.Ascend(func(r *Region) bool {
		c := *r
		if r.amap != nil {
			if r.Flags&Shared != 0 {
				r.amap.incRef()
			} else {
				c.amap = r.amap.clone(r.amapOffset, r.slot(r.End))
				c.amapOffset = 0
			}
		}
		child.regions.ReplaceOrInsert(&c)
		if c.amap == nil {
			return true
		}

		// Copy the mappings of anonymous pages, read-only in both spaces
		// for private regions.
		for addr := r.Start; addr < r.End; addr += arch.PageSize {
			p := c.amap.get(c.slot(addr))
			if p == nil {
				continue
			}
			access := r.Access
			if r.Flags&Private != 0 {
				access = readOnly(access)
				if _, flags, ok := as.ctx.Query(ctx, addr); ok && flags&mmu.Write != 0 {
					if err := as.ctx.Remap(ctx, addr, arch.PageSize, access); err != nil {
						ferr = err
						return false
					}
				}
			}
			if err := child.ctx.Map(ctx, addr, p.Addr, mmu.FlagsFor(access)); err != nil {
				ferr = err
				return false
			}
		}
		return true
	})
	if ferr != nil {
		child.destroyLocked(ctx)
		return nil, ferr
	}
	return child, nil
}

// Destroy removes every region and releases the MMU context.
func (as *AddressSpace) Destroy(ctx context.Context) {
	as.mu.Lock(ctx)
	defer as.mu.Unlock(ctx)
	as.destroyLocked(ctx)
}

func (as *AddressSpace) destroyLocked(ctx context.Context) {
	var rs []*Region
	as.regions.Ascend(func(r *Region) bool {
		rs = append(rs, r)
		return true
	})
	for i := len(rs) - 1; i >= 0; i-- {
		as.regions.Delete(rs[i])
		as.removeRegion(ctx, rs[i])
	}
	as.ctx.Destroy(ctx)
}
