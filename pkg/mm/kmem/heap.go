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

package kmem

import (
	"context"

	"kiwi.dev/kiwi/pkg/arch"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/mm/mmu"
	"kiwi.dev/kiwi/pkg/mm/phys"
	"kiwi.dev/kiwi/pkg/status"
	"kiwi.dev/kiwi/pkg/sync"
)

// vaCacheMax is the largest allocation served from the VA arena's quantum
// caches.
const vaCacheMax = 8 * arch.PageSize

func pageRoundUp(n uint64) uint64 {
	r, _ := arch.PageRoundUp(n)
	return r
}

// Heap is the kernel heap.
type Heap struct {
	mem *phys.Memory
	mmu *mmu.MMU

	// raw covers the kernel heap window. va draws from raw and caches
	// small ranges. anon draws from va and backs its spans with pages.
	raw  *Arena
	va   *Arena
	anon *Arena

	kmalloc []*Cache

	// mu protects caches.
	mu     sync.Mutex
	caches []*Cache
}

// New creates the kernel heap over the kernel heap window of m and
// registers its reclaimer with mem.
func New(mem *phys.Memory, m *mmu.MMU) *Heap {
	h := &Heap{mem: mem, mmu: m}
	h.raw = NewArena("kmem_raw", arch.KernelHeapBase, arch.KernelHeapSize, arch.PageSize, nil, nil, nil, 0)
	h.va = NewArena("kmem_va", 0, 0, arch.PageSize, h.raw, nil, nil, vaCacheMax)
	h.anon = NewArena("kmem_anon", 0, 0, arch.PageSize, nil, h.importAnon, h.releaseAnon, 0)
	h.initKmalloc()
	mem.RegisterReclaimer(h.reclaim)
	return h
}

// Memory returns the physical memory backing the heap.
func (h *Heap) Memory() *phys.Memory {
	return h.mem
}

// MMU returns the MMU the heap maps through.
func (h *Heap) MMU() *mmu.MMU {
	return h.mmu
}

func (h *Heap) importAnon(ctx context.Context, size uint64, flags Flags) (arch.Addr, error) {
	addr, err := h.va.Alloc(ctx, size, flags)
	if err != nil {
		return 0, err
	}
	count := size >> arch.PageShift
	pages := make([]*phys.Page, 0, count)
	for i := uint64(0); i < count; i++ {
		p, err := h.mem.AllocPage(ctx, flags.phys()|phys.Zero)
		if err != nil {
			for _, p := range pages {
				h.mem.FreePage(p)
			}
			h.va.Free(ctx, addr, size)
			return 0, err
		}
		pages = append(pages, p)
	}

	k := h.mmu.Kernel()
	k.Lock(ctx)
	for i, p := range pages {
		virt := addr + arch.Addr(uint64(i)<<arch.PageShift)
		if err := k.Map(ctx, virt, p.Addr, mmu.Read|mmu.Write); err != nil {
			for j := 0; j < i; j++ {
				k.Unmap(ctx, addr+arch.Addr(uint64(j)<<arch.PageShift), true)
			}
			k.Unlock(ctx)
			for _, p := range pages {
				h.mem.FreePage(p)
			}
			h.va.Free(ctx, addr, size)
			return 0, err
		}
		p.Object = h
	}
	k.Unlock(ctx)
	return addr, nil
}

func (h *Heap) releaseAnon(ctx context.Context, addr arch.Addr, size uint64) {
	pages := h.unmap(ctx, addr, size, true)
	for _, p := range pages {
		h.mem.FreePage(p)
	}
	h.va.Free(ctx, addr, size)
}

// unmap removes the kernel mappings of [addr, addr+size) and returns the
// pages that were mapped.
func (h *Heap) unmap(ctx context.Context, addr arch.Addr, size uint64, shared bool) []*phys.Page {
	k := h.mmu.Kernel()
	var pages []*phys.Page
	k.Lock(ctx)
	for off := uint64(0); off < size; off += arch.PageSize {
		p, ok := k.Unmap(ctx, addr+arch.Addr(off), shared)
		if !ok {
			log.Warningf("kmem: unmapping [%v, +%#x): %v is not mapped", addr, size, addr+arch.Addr(off))
			continue
		}
		if p != nil {
			pages = append(pages, p)
		}
	}
	k.Unlock(ctx)
	return pages
}

// Alloc allocates size bytes of page-granular anonymous memory.
func (h *Heap) Alloc(ctx context.Context, size uint64, flags Flags) (arch.Addr, error) {
	addr, err := h.anon.Alloc(ctx, size, flags)
	if err != nil {
		return 0, err
	}
	if flags&Zero != 0 {
		h.zero(addr, pageRoundUp(size))
	}
	return addr, nil
}

// Free releases memory obtained from Alloc.
func (h *Heap) Free(ctx context.Context, addr arch.Addr, size uint64) {
	h.anon.Free(ctx, addr, size)
}

func (h *Heap) zero(addr arch.Addr, size uint64) {
	for off := uint64(0); off < size; off += arch.PageSize {
		pa, err := h.mmu.Kernel().Translate(nil, addr+arch.Addr(off), arch.Write)
		if err != nil {
			log.Fatalf("kmem: zeroing unmapped heap page %v: %v", addr+arch.Addr(off), err)
		}
		h.mem.Zero(pa, arch.PageSize)
	}
}

// MapRange maps the physical range [base, base+size) into the kernel heap
// window. If flags carry no cache mode, the memory type of the range is
// used.
func (h *Heap) MapRange(ctx context.Context, base arch.PhysAddr, size uint64, mmuFlags mmu.Flags, flags Flags) (arch.Addr, error) {
	if size == 0 {
		return 0, status.InvalidArg
	}
	off := uint64(base) & arch.PageMask
	start := base - arch.PhysAddr(off)
	length := pageRoundUp(off + size)
	if mmuFlags&mmu.CacheMask == mmu.CacheNormal {
		mmuFlags |= mmu.CacheFlags(h.mem.MemoryType(start))
	}
	addr, err := h.va.Alloc(ctx, length, flags)
	if err != nil {
		return 0, err
	}
	k := h.mmu.Kernel()
	k.Lock(ctx)
	for done := uint64(0); done < length; done += arch.PageSize {
		if err := k.Map(ctx, addr+arch.Addr(done), start+arch.PhysAddr(done), mmuFlags); err != nil {
			for undo := uint64(0); undo < done; undo += arch.PageSize {
				k.Unmap(ctx, addr+arch.Addr(undo), true)
			}
			k.Unlock(ctx)
			h.va.Free(ctx, addr, length)
			if flags&MustSucceed != 0 {
				log.Fatalf("kmem: mapping [%v, +%#x): %v", base, size, err)
			}
			return 0, err
		}
	}
	k.Unlock(ctx)
	return addr + arch.Addr(off), nil
}

// UnmapRange removes a mapping created by MapRange. If shared is false the
// mapping was only used on the calling CPU.
func (h *Heap) UnmapRange(ctx context.Context, addr arch.Addr, size uint64, shared bool) {
	off := uint64(addr) & arch.PageMask
	start := addr - arch.Addr(off)
	length := pageRoundUp(off + size)
	h.unmap(ctx, start, length, shared)
	h.va.Free(ctx, start, length)
}

// Bytes returns the host view of [addr, addr+size) of the heap. The range
// must be backed by physically contiguous pages.
func (h *Heap) Bytes(addr arch.Addr, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	k := h.mmu.Kernel()
	base, err := k.Translate(nil, addr, arch.Read)
	if err != nil {
		return nil, err
	}
	first := addr.RoundDown()
	end := addr + arch.Addr(size)
	for page := first + arch.PageSize; page < end; page += arch.PageSize {
		pa, err := k.Translate(nil, page, arch.Read)
		if err != nil {
			return nil, err
		}
		if pa != base-arch.PhysAddr(addr.PageOffset())+arch.PhysAddr(page-first) {
			return nil, status.InvalidArg
		}
	}
	return h.mem.Map(base, size), nil
}

// Reclaim releases cached memory: empty slabs, and spans held by arena
// quantum caches. It returns the number of pages released.
func (h *Heap) Reclaim(ctx context.Context) uint64 {
	var n uint64
	h.mu.Lock()
	caches := append([]*Cache(nil), h.caches...)
	h.mu.Unlock()
	for _, c := range caches {
		n += c.Reclaim(ctx)
	}
	n += h.anon.Drain(ctx) >> arch.PageShift
	h.va.Drain(ctx)
	return n
}

// reclaim is the physical memory reclaimer. Level 0 only releases slabs.
func (h *Heap) reclaim(level int) uint64 {
	ctx := context.Background()
	if level == 0 {
		var n uint64
		h.mu.Lock()
		caches := append([]*Cache(nil), h.caches...)
		h.mu.Unlock()
		for _, c := range caches {
			n += c.Reclaim(ctx)
		}
		return n
	}
	return h.Reclaim(ctx)
}

// Stats describes the heap.
type Stats struct {
	Raw    ArenaStats
	VA     ArenaStats
	Anon   ArenaStats
	Caches []CacheStats
}

// Stats returns the heap statistics.
func (h *Heap) Stats() Stats {
	s := Stats{
		Raw:  h.raw.Stats(),
		VA:   h.va.Stats(),
		Anon: h.anon.Stats(),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.caches {
		s.Caches = append(s.Caches, c.Stats())
	}
	return s
}
