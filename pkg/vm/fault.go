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

package vm

import (
	"context"

	"kiwi.dev/kiwi/pkg/arch"
	"kiwi.dev/kiwi/pkg/mm/mmu"
	"kiwi.dev/kiwi/pkg/mm/phys"
	"kiwi.dev/kiwi/pkg/status"
)

// Fault resolves a page fault at addr for an access of the given type,
// mapping the page into the MMU context. It returns InvalidAddr if addr is
// not mapped and AccessDenied if the region does not permit the access.
func (as *AddressSpace) Fault(ctx context.Context, addr arch.Addr, access arch.AccessType) error {
	as.mu.Lock(ctx)
	defer as.mu.Unlock(ctx)

	r := as.find(addr)
	if r == nil {
		return status.InvalidAddr
	}
	if !r.Access.SupersetOf(access) {
		return status.AccessDenied
	}
	page := addr.RoundDown()

	as.ctx.Lock(ctx)
	defer as.ctx.Unlock(ctx)

	// Another thread may have resolved the fault already.
	if _, flags, ok := as.ctx.Query(ctx, page); ok && flags.Access().SupersetOf(access) {
		return nil
	}

	switch {
	case r.Flags&Physical != 0:
		return as.mapPage(ctx, r, page, arch.PhysAddr(r.fileOffset(page)), r.Access)
	case r.anonymous():
		return as.faultAmap(ctx, r, page, access, nil)
	default:
		return as.faultFile(ctx, r, page, access)
	}
}

// mapPage replaces the mapping of page. The MMU context must be locked.
func (as *AddressSpace) mapPage(ctx context.Context, r *Region, page arch.Addr, pa arch.PhysAddr, access arch.AccessType) error {
	as.unmapPage(ctx, r, page)
	return as.ctx.Map(ctx, page, pa, mmu.FlagsFor(access))
}

// faultAmap maps the amap page for page, allocating it if the slot is
// empty and copying it if a private page is written while shared. fill
// initializes a newly allocated page in an empty slot; it is left zeroed
// if fill is nil.
func (as *AddressSpace) faultAmap(ctx context.Context, r *Region, page arch.Addr, access arch.AccessType, fill func(*phys.Page) error) error {
	a := r.amap
	slot := r.slot(page)
	for {
		a.mu.Lock()
		p := a.pages[slot]
		cow := p != nil && r.Flags&Private != 0 && p.Count() > 1
		if p != nil && (!cow || !access.Write) {
			a.mu.Unlock()
			mapped := r.Access
			if cow {
				mapped = readOnly(mapped)
			}
			return as.mapPage(ctx, r, page, p.Addr, mapped)
		}
		a.mu.Unlock()

		// Allocation may block, so it happens without the amap lock.
		np, err := as.mem.AllocPage(ctx, phys.Zero)
		if err != nil {
			return err
		}
		switch {
		case p != nil:
			as.mem.Copy(np.Addr, p.Addr)
		case fill != nil:
			if err := fill(np); err != nil {
				as.mem.FreePage(np)
				return err
			}
		}
		as.unmapPage(ctx, r, page)

		a.mu.Lock()
		if a.pages[slot] != p {
			// Raced with a fault through another address space.
			a.mu.Unlock()
			as.mem.FreePage(np)
			continue
		}
		np.IncRef()
		a.pages[slot] = np
		if p != nil {
			releasePage(as.mem, p)
		}
		a.mu.Unlock()
		return as.ctx.Map(ctx, page, np.Addr, mmu.FlagsFor(r.Access))
	}
}

// faultFile resolves a fault in a file region. Shared regions map the page
// cache directly. Private regions map it read-only and copy a page into
// the region's amap when it is first written.
func (as *AddressSpace) faultFile(ctx context.Context, r *Region, page arch.Addr, access arch.AccessType) error {
	off := r.fileOffset(page)
	if r.Flags&Private != 0 {
		if r.amap != nil && r.amap.get(r.slot(page)) != nil {
			return as.faultAmap(ctx, r, page, access, nil)
		}
		if access.Write {
			if r.amap == nil {
				r.amap = newAmap(r.Size() >> arch.PageShift)
				r.amapOffset = 0
			}
			return as.faultAmap(ctx, r, page, access, func(np *phys.Page) error {
				pa, err := r.cache.Get(ctx, off)
				if err != nil {
					return err
				}
				as.mem.Copy(np.Addr, pa)
				r.cache.Release(ctx, off, false)
				return nil
			})
		}
	}

	pa, err := r.cache.Get(ctx, off)
	if err != nil {
		return err
	}
	mapped := r.Access
	if r.Flags&Private != 0 {
		mapped = readOnly(mapped)
	}
	if err := as.mapPage(ctx, r, page, pa, mapped); err != nil {
		r.cache.Release(ctx, off, false)
		return err
	}
	return nil
}
