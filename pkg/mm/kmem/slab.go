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
	"fmt"

	"kiwi.dev/kiwi/pkg/arch"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/mm/mmu"
	"kiwi.dev/kiwi/pkg/mm/phys"
	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/status"
	"kiwi.dev/kiwi/pkg/sync"
)

// CacheFlags modify a slab cache.
type CacheFlags uint32

const (
	// NoMagazines disables the per-CPU object caches.
	NoMagazines CacheFlags = 1 << iota
)

const (
	// magazineSize is the capacity of a per-CPU magazine.
	magazineSize = 16

	// minObjectsPerSlab is the number of objects a slab is sized to hold
	// at least.
	minObjectsPerSlab = 8
)

// slab is a run of physically contiguous pages carved into objects.
type slab struct {
	base arch.Addr
	phys arch.PhysAddr

	// free holds the indexes of free objects.
	free  []uint32
	inUse []bool
	used  int
}

type magazine struct {
	mu   sync.Mutex
	objs []arch.Addr
}

// CacheStats describes a slab cache.
type CacheStats struct {
	Name       string
	ObjectSize uint64
	Slabs      int
	Objects    int
	InUse      int
}

// Cache allocates fixed size objects from slabs.
type Cache struct {
	heap      *Heap
	name      string
	objSize   uint64
	stride    uint64
	slabPages uint64
	perSlab   uint32
	ctor      func(arch.Addr)
	dtor      func(arch.Addr)
	flags     CacheFlags
	mags      []magazine

	// mu protects the fields below.
	mu     sync.Mutex
	slabs  []*slab
	byPage map[arch.Addr]*slab
	inUse  int
}

// NewCache creates a slab cache of objSize byte objects aligned to align.
// ctor is called on each object when its slab is created and dtor when the
// slab is destroyed.
func (h *Heap) NewCache(name string, objSize, align uint64, ctor, dtor func(arch.Addr), flags CacheFlags) (*Cache, error) {
	if align == 0 {
		align = 8
	}
	if objSize == 0 || align&(align-1) != 0 || align > arch.PageSize {
		return nil, status.InvalidArg
	}
	stride := (objSize + align - 1) &^ (align - 1)
	pages := pageRoundUp(stride*minObjectsPerSlab) >> arch.PageShift
	c := &Cache{
		heap:      h,
		name:      name,
		objSize:   objSize,
		stride:    stride,
		slabPages: pages,
		perSlab:   uint32(pages << arch.PageShift / stride),
		ctor:      ctor,
		dtor:      dtor,
		flags:     flags,
		byPage:    make(map[arch.Addr]*slab),
	}
	if flags&NoMagazines == 0 {
		c.mags = make([]magazine, h.mmu.CPUs())
	}
	h.mu.Lock()
	h.caches = append(h.caches, c)
	h.mu.Unlock()
	return c, nil
}

// Destroy removes the cache from the heap. Every object must have been
// freed.
func (c *Cache) Destroy(ctx context.Context) {
	c.Reclaim(ctx)
	c.mu.Lock()
	inUse := c.inUse
	c.mu.Unlock()
	if inUse != 0 {
		log.Fatalf("kmem: destroying cache %q with %d objects in use", c.name, inUse)
	}
	h := c.heap
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, other := range h.caches {
		if other == c {
			h.caches = append(h.caches[:i], h.caches[i+1:]...)
			break
		}
	}
}

// Name returns the cache name.
func (c *Cache) Name() string {
	return c.name
}

// ObjectSize returns the size of the objects of the cache.
func (c *Cache) ObjectSize() uint64 {
	return c.objSize
}

func (c *Cache) magazine(ctx context.Context) *magazine {
	if c.mags == nil {
		return nil
	}
	t := sched.ThreadFromContext(ctx)
	if t == nil || t.IsHost() || t.CPU() == nil || t.CPU().ID >= len(c.mags) {
		return nil
	}
	return &c.mags[t.CPU().ID]
}

// Alloc allocates an object.
func (c *Cache) Alloc(ctx context.Context) (arch.Addr, error) {
	return c.AllocFlags(ctx, 0)
}

// AllocFlags allocates an object with the given flags.
func (c *Cache) AllocFlags(ctx context.Context, flags Flags) (arch.Addr, error) {
	addr, err := c.alloc(ctx, flags)
	if err != nil {
		if flags&MustSucceed != 0 {
			log.Fatalf("kmem: cache %q unable to allocate: %v", c.name, err)
		}
		return 0, err
	}
	if flags&Zero != 0 {
		c.heap.zeroObject(addr, c.objSize)
	}
	return addr, nil
}

func (c *Cache) alloc(ctx context.Context, flags Flags) (arch.Addr, error) {
	if m := c.magazine(ctx); m != nil {
		m.mu.Lock()
		if n := len(m.objs); n > 0 {
			addr := m.objs[n-1]
			m.objs = m.objs[:n-1]
			m.mu.Unlock()
			return addr, nil
		}
		m.mu.Unlock()
	}
	for {
		c.mu.Lock()
		if addr, ok := c.takeLocked(); ok {
			c.mu.Unlock()
			return addr, nil
		}
		c.mu.Unlock()
		s, err := c.grow(ctx, flags)
		if err != nil {
			return 0, err
		}
		c.mu.Lock()
		c.slabs = append(c.slabs, s)
		for i := uint64(0); i < c.slabPages; i++ {
			c.byPage[s.base+arch.Addr(i<<arch.PageShift)] = s
		}
		c.mu.Unlock()
	}
}

func (c *Cache) takeLocked() (arch.Addr, bool) {
	for _, s := range c.slabs {
		if n := len(s.free); n > 0 {
			i := s.free[n-1]
			s.free = s.free[:n-1]
			s.inUse[i] = true
			s.used++
			c.inUse++
			return s.base + arch.Addr(uint64(i)*c.stride), true
		}
	}
	return 0, false
}

// grow creates a slab. Slabs take their pages from the page allocator and
// their addresses from the raw arena directly, since the anonymous arena's
// bookkeeping may itself live in slabs.
func (c *Cache) grow(ctx context.Context, flags Flags) (*slab, error) {
	h := c.heap
	pa, err := h.mem.Alloc(ctx, c.slabPages, phys.Constraints{}, flags.phys()&^phys.MustSucceed)
	if err != nil {
		return nil, err
	}
	size := c.slabPages << arch.PageShift
	va, err := h.raw.Alloc(ctx, size, flags&^MustSucceed)
	if err != nil {
		h.mem.Free(pa, c.slabPages)
		return nil, err
	}
	k := h.mmu.Kernel()
	k.Lock(ctx)
	for off := uint64(0); off < size; off += arch.PageSize {
		if err := k.Map(ctx, va+arch.Addr(off), pa+arch.PhysAddr(off), mmu.Read|mmu.Write); err != nil {
			for undo := uint64(0); undo < off; undo += arch.PageSize {
				k.Unmap(ctx, va+arch.Addr(undo), true)
			}
			k.Unlock(ctx)
			h.raw.Free(ctx, va, size)
			h.mem.Free(pa, c.slabPages)
			return nil, err
		}
		h.mem.Lookup(pa + arch.PhysAddr(off)).Object = c
	}
	k.Unlock(ctx)

	s := &slab{
		base:  va,
		phys:  pa,
		free:  make([]uint32, 0, c.perSlab),
		inUse: make([]bool, c.perSlab),
	}
	for i := c.perSlab; i > 0; i-- {
		s.free = append(s.free, i-1)
	}
	if c.ctor != nil {
		for i := uint32(0); i < c.perSlab; i++ {
			c.ctor(va + arch.Addr(uint64(i)*c.stride))
		}
	}
	log.Debugf("kmem: cache %q grew a %d page slab at %v", c.name, c.slabPages, va)
	return s, nil
}

// slabOfLocked returns the slab holding addr and the index of the object.
func (c *Cache) slabOfLocked(addr arch.Addr) (*slab, uint32, bool) {
	s, ok := c.byPage[addr.RoundDown()]
	if !ok || uint64(addr-s.base)%c.stride != 0 {
		return nil, 0, false
	}
	return s, uint32(uint64(addr-s.base) / c.stride), true
}

// Free releases an object.
func (c *Cache) Free(ctx context.Context, addr arch.Addr) {
	c.mu.Lock()
	s, i, ok := c.slabOfLocked(addr)
	if !ok {
		c.mu.Unlock()
		log.Fatalf("kmem: cache %q: freeing invalid object %v", c.name, addr)
	}
	if !s.inUse[i] {
		c.mu.Unlock()
		log.Fatalf("kmem: cache %q: double free of %v", c.name, addr)
	}
	c.mu.Unlock()

	if m := c.magazine(ctx); m != nil {
		m.mu.Lock()
		for _, cached := range m.objs {
			if cached == addr {
				m.mu.Unlock()
				log.Fatalf("kmem: cache %q: double free of %v", c.name, addr)
			}
		}
		if len(m.objs) < magazineSize {
			m.objs = append(m.objs, addr)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
	}
	c.mu.Lock()
	c.putLocked(s, i)
	c.mu.Unlock()
}

func (c *Cache) putLocked(s *slab, i uint32) {
	s.inUse[i] = false
	s.free = append(s.free, i)
	s.used--
	c.inUse--
}

// Reclaim empties the magazines and returns empty slabs to the page
// allocator. It returns the number of pages released.
func (c *Cache) Reclaim(ctx context.Context) uint64 {
	var cached []arch.Addr
	for i := range c.mags {
		m := &c.mags[i]
		m.mu.Lock()
		cached = append(cached, m.objs...)
		m.objs = m.objs[:0]
		m.mu.Unlock()
	}

	c.mu.Lock()
	for _, addr := range cached {
		if s, i, ok := c.slabOfLocked(addr); ok {
			c.putLocked(s, i)
		}
	}
	var empty []*slab
	kept := c.slabs[:0]
	for _, s := range c.slabs {
		if s.used == 0 {
			empty = append(empty, s)
			for i := uint64(0); i < c.slabPages; i++ {
				delete(c.byPage, s.base+arch.Addr(i<<arch.PageShift))
			}
		} else {
			kept = append(kept, s)
		}
	}
	c.slabs = kept
	c.mu.Unlock()

	h := c.heap
	size := c.slabPages << arch.PageShift
	for _, s := range empty {
		if c.dtor != nil {
			for i := uint32(0); i < c.perSlab; i++ {
				c.dtor(s.base + arch.Addr(uint64(i)*c.stride))
			}
		}
		h.unmap(ctx, s.base, size, true)
		h.raw.Free(ctx, s.base, size)
		h.mem.Free(s.phys, c.slabPages)
	}
	return uint64(len(empty)) * c.slabPages
}

// Stats returns the cache statistics.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Name:       c.name,
		ObjectSize: c.objSize,
		Slabs:      len(c.slabs),
		Objects:    len(c.slabs) * int(c.perSlab),
		InUse:      c.inUse,
	}
}

// String implements fmt.Stringer.String.
func (c *Cache) String() string {
	return fmt.Sprintf("cache %q (%d bytes)", c.name, c.objSize)
}

func (h *Heap) zeroObject(addr arch.Addr, size uint64) {
	b, err := h.Bytes(addr, size)
	if err != nil {
		log.Fatalf("kmem: zeroing %v: %v", addr, err)
	}
	clear(b)
}
