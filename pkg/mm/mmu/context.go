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
	"context"

	"kiwi.dev/kiwi/pkg/arch"
	"kiwi.dev/kiwi/pkg/ksync"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/mm/phys"
	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/status"
)

// maxPending is the number of queued invalidations above which a flush
// drops every translation of the context instead.
const maxPending = 32

// invalidation is a queued TLB invalidation.
type invalidation struct {
	addr arch.Addr

	// remote is true if the invalidation must reach every CPU the context
	// is loaded on, not just the local one.
	remote bool
}

// Context is the page table state of one address space.
type Context struct {
	mmu    *MMU
	kernel bool
	root   arch.PhysAddr

	mu ksync.Mutex

	// The fields below are protected by mu.
	tables    int
	mapped    int
	pending   []invalidation
	flushAll  bool
	remoteAll bool
	destroyed bool

	// loaded is the set of CPUs the context is loaded on. Protected by
	// MMU.mu.
	loaded uint64
}

// IsKernel returns true for the kernel context.
func (c *Context) IsKernel() bool {
	return c.kernel
}

// Root returns the physical address of the top level table.
func (c *Context) Root() arch.PhysAddr {
	return c.root
}

// Lock locks the context. Calls nest.
func (c *Context) Lock(ctx context.Context) {
	c.mu.Lock(ctx)
	sched.PreemptDisable(ctx)
}

// LockNested locks c while another context is held, such as the target of
// a fork.
func (c *Context) LockNested(ctx context.Context, subclass int) {
	c.mu.LockNested(ctx, subclass)
	sched.PreemptDisable(ctx)
}

// Unlock unlocks the context. The outermost unlock flushes queued TLB
// invalidations before returning.
func (c *Context) Unlock(ctx context.Context) {
	if c.mu.Recursion() == 1 {
		c.flushLocked(ctx)
	}
	c.mu.Unlock(ctx)
	sched.PreemptEnable(ctx)
}

// PendingFlushes returns the number of queued invalidations. A pending
// flush of the whole context counts as one more.
func (c *Context) PendingFlushes() int {
	n := len(c.pending)
	if c.flushAll {
		n++
	}
	return n
}

// Mapped returns the number of pages mapped.
func (c *Context) Mapped() int {
	return c.mapped
}

// Tables returns the number of page table pages in use.
func (c *Context) Tables() int {
	return c.tables
}

func (c *Context) checkAddr(virt arch.Addr) error {
	if !virt.IsPageAligned() {
		return status.InvalidArg
	}
	if c.kernel {
		if !virt.IsKernel() || inPhysMap(virt) {
			return status.InvalidArg
		}
	} else if virt < arch.UserBase || virt >= arch.UserEnd {
		return status.InvalidArg
	}
	return nil
}

func inPhysMap(virt arch.Addr) bool {
	return virt >= arch.PhysMapBase && virt < arch.PhysMapBase+arch.PhysMapSize
}

// walk returns the address of the last level entry for virt along with the
// tables visited, top level first. If alloc is false and a table is missing,
// ok is false.
func (c *Context) walk(ctx context.Context, virt arch.Addr, alloc bool) (e arch.PhysAddr, path [arch.PageTableLevels]arch.PhysAddr, ok bool, err error) {
	mem := c.mmu.mem
	table := c.root
	for level := arch.PageTableLevels - 1; level > 0; level-- {
		path[arch.PageTableLevels-1-level] = table
		addr := table + arch.PhysAddr(8*pteIndex(virt, level))
		p := loadPTE(mem, addr)
		if !p.Valid() {
			if !alloc {
				return 0, path, false, nil
			}
			// Reclaimers map and unmap through contexts, so table
			// allocation must not recurse into them.
			page, err := mem.AllocPage(ctx, phys.Zero|phys.NonBlock)
			if err != nil {
				return 0, path, false, err
			}
			page.Object = c
			c.tables++
			p = PTE(page.Addr) | tableFlags
			storePTE(mem, addr, p)
		}
		table = p.Address()
	}
	path[arch.PageTableLevels-1] = table
	return table + arch.PhysAddr(8*pteIndex(virt, 0)), path, true, nil
}

// Map maps the page at virt to addr. The context must be locked.
func (c *Context) Map(ctx context.Context, virt arch.Addr, addr arch.PhysAddr, flags Flags) error {
	c.mu.AssertHeld(ctx)
	if err := c.checkAddr(virt); err != nil {
		return err
	}
	if !addr.IsPageAligned() {
		return status.InvalidArg
	}
	e, _, _, err := c.walk(ctx, virt, true)
	if err != nil {
		return err
	}
	if loadPTE(c.mmu.mem, e).Valid() {
		return status.AlreadyExists
	}
	if c.kernel {
		flags &^= User
	} else {
		flags |= User
	}
	// No TLB caches a non-present entry, so nothing needs invalidating.
	storePTE(c.mmu.mem, e, makePTE(addr, flags|Read))
	c.mapped++
	return nil
}

// Remap changes the access of every mapped page in [virt, virt+size). The
// context must be locked.
func (c *Context) Remap(ctx context.Context, virt arch.Addr, size uint64, access arch.AccessType) error {
	c.mu.AssertHeld(ctx)
	if err := c.checkAddr(virt); err != nil {
		return err
	}
	end, ok := virt.AddLength(size)
	if !ok || size == 0 || !end.IsPageAligned() || !access.Any() {
		return status.InvalidArg
	}
	for addr := virt; addr < end; addr += arch.PageSize {
		e, _, ok, _ := c.walk(ctx, addr, false)
		if !ok {
			continue
		}
		p := loadPTE(c.mmu.mem, e)
		if !p.Valid() {
			continue
		}
		flags := p.Flags()&^(Read|Write|Execute) | FlagsFor(access)
		storePTE(c.mmu.mem, e, makePTE(p.Address(), flags))
		c.queueLocked(addr, true)
	}
	return nil
}

// Unmap removes the mapping at virt, returning the page that was mapped if
// there was a mapping. The page is not freed. If shared is false the
// context is known to be in use only on the calling CPU, and only the local
// TLB is invalidated. The context must be locked.
func (c *Context) Unmap(ctx context.Context, virt arch.Addr, shared bool) (*phys.Page, bool) {
	c.mu.AssertHeld(ctx)
	if c.checkAddr(virt) != nil {
		return nil, false
	}
	mem := c.mmu.mem
	e, path, ok, _ := c.walk(ctx, virt, false)
	if !ok {
		return nil, false
	}
	p := loadPTE(mem, e)
	if !p.Valid() {
		return nil, false
	}
	storePTE(mem, e, 0)
	c.mapped--
	c.queueLocked(virt, shared)

	// Release tables left empty, bottom up.
	for i := len(path) - 1; i > 0; i-- {
		if !tableEmpty(mem, path[i]) {
			break
		}
		level := arch.PageTableLevels - i
		storePTE(mem, path[i-1]+arch.PhysAddr(8*pteIndex(virt, level)), 0)
		mem.FreePage(mem.Lookup(path[i]))
		c.tables--
	}
	return mem.Lookup(p.Address()), true
}

// Query returns the mapping at virt. Kernel addresses queried through a
// user context are looked up in the kernel context.
func (c *Context) Query(ctx context.Context, virt arch.Addr) (arch.PhysAddr, Flags, bool) {
	if virt.IsKernel() && !c.kernel {
		return c.mmu.kernel.Query(ctx, virt)
	}
	if c.kernel && inPhysMap(virt) {
		return arch.PhysAddr(virt - arch.PhysMapBase), Read | Write, true
	}
	c.Lock(ctx)
	defer c.Unlock(ctx)
	p, ok := c.lookup(virt.RoundDown())
	if !ok {
		return 0, 0, false
	}
	return p.Address() + arch.PhysAddr(virt.PageOffset()), p.Flags(), true
}

// lookup reads the last level entry for virt without locking. Entries are
// read atomically, so the result is a snapshot.
func (c *Context) lookup(virt arch.Addr) (PTE, bool) {
	mem := c.mmu.mem
	table := c.root
	for level := arch.PageTableLevels - 1; level >= 0; level-- {
		p := loadPTE(mem, table+arch.PhysAddr(8*pteIndex(virt, level)))
		if !p.Valid() {
			return 0, false
		}
		if level == 0 {
			return p, true
		}
		table = p.Address()
	}
	return 0, false
}

func (c *Context) queueLocked(addr arch.Addr, remote bool) {
	if c.flushAll {
		c.remoteAll = c.remoteAll || remote
		return
	}
	if len(c.pending) >= maxPending {
		c.flushAll = true
		c.remoteAll = remote
		for _, inv := range c.pending {
			c.remoteAll = c.remoteAll || inv.remote
		}
		c.pending = c.pending[:0]
		return
	}
	c.pending = append(c.pending, invalidation{addr: addr, remote: remote})
}

// localCPU returns the CPU the calling thread runs on, if any.
func localCPU(ctx context.Context) *sched.CPU {
	if t := sched.ThreadFromContext(ctx); t != nil && !t.IsHost() {
		return t.CPU()
	}
	return nil
}

// flushLocked performs the queued invalidations.
func (c *Context) flushLocked(ctx context.Context) {
	if len(c.pending) == 0 && !c.flushAll {
		return
	}
	pending, all, remoteAll := c.pending, c.flushAll, c.remoteAll
	remote := remoteAll
	for _, inv := range pending {
		remote = remote || inv.remote
	}
	flush := func(cs *cpuState, remoteOnly bool) {
		if all && (!remoteOnly || remoteAll) {
			cs.tlb.flushContext(c)
			return
		}
		for _, inv := range pending {
			if !remoteOnly || inv.remote {
				cs.tlb.flushPage(c, inv.addr)
			}
		}
	}

	m := c.mmu
	local := localCPU(ctx)
	if cs := m.state(local); cs != nil {
		flush(cs, false)
	}
	if remote {
		m.mu.Lock()
		loaded := c.loaded
		m.mu.Unlock()
		for _, cs := range m.cpus {
			cs := cs
			if cs.cpu == local || loaded&(1<<cs.cpu.ID) == 0 {
				continue
			}
			m.shootdowns.Add(1)
			cs.cpu.Call(func(*sched.CPU) { flush(cs, true) })
		}
	}
	c.pending = c.pending[:0]
	c.flushAll = false
	c.remoteAll = false
}

// Translate performs an access to virt from cpu, returning the physical
// address accessed. Translations are served from the TLB of cpu when
// possible, so a stale entry yields a stale address. A user context is
// loaded on cpu if it is not already. cpu may be nil for an access that
// bypasses every TLB.
func (c *Context) Translate(cpu *sched.CPU, virt arch.Addr, access arch.AccessType) (arch.PhysAddr, error) {
	if virt.IsKernel() && !c.kernel {
		return c.mmu.kernel.Translate(cpu, virt, access)
	}
	if c.kernel && inPhysMap(virt) {
		if access.Execute {
			return 0, c.fault(virt, access, true)
		}
		return arch.PhysAddr(virt - arch.PhysMapBase), nil
	}
	m := c.mmu
	cs := m.state(cpu)
	if cs != nil && !c.kernel && m.Loaded(cpu) != c {
		m.Switch(cpu, c, nil)
	}

	page := virt.RoundDown()
	var (
		ent tlbEntry
		hit bool
	)
	if cs != nil {
		cs.tlb.mu.Lock()
		defer cs.tlb.mu.Unlock()
		ent, hit = cs.tlb.lookupLocked(c, page)
	}
	if !hit {
		p, ok := c.lookup(page)
		if !ok {
			return 0, c.fault(virt, access, false)
		}
		ent = tlbEntry{addr: p.Address(), flags: p.Flags()}
		if cs != nil {
			cs.tlb.fillLocked(c, page, ent)
		}
	}
	if !ent.flags.Access().SupersetOf(access) {
		return 0, c.fault(virt, access, true)
	}
	if access.Write {
		if pg := m.mem.Lookup(ent.addr); pg != nil {
			pg.SetDirty()
		}
	}
	return ent.addr + arch.PhysAddr(virt.PageOffset()), nil
}

func (c *Context) fault(virt arch.Addr, access arch.AccessType, present bool) error {
	c.mmu.faults.Add(1)
	return &Fault{Addr: virt, Access: access, Present: present}
}

// Destroy releases the page tables of a user context. Every mapping must
// have been removed and the context must not be loaded on any CPU.
func (c *Context) Destroy(ctx context.Context) {
	if c.kernel {
		log.Fatalf("mmu: destroying the kernel context")
	}
	c.mmu.mu.Lock()
	loaded := c.loaded
	c.mmu.mu.Unlock()
	if loaded != 0 {
		log.Fatalf("mmu: destroying context loaded on CPUs %#x", loaded)
	}

	c.Lock(ctx)
	defer c.Unlock(ctx)
	if c.destroyed {
		return
	}
	if c.mapped != 0 {
		log.Warningf("mmu: destroying context with %d pages mapped", c.mapped)
	}
	c.freeTable(c.root, arch.PageTableLevels-1)
	c.destroyed = true
	c.tables = 0
	c.mapped = 0
	for _, cs := range c.mmu.cpus {
		cs.tlb.flushContext(c)
	}
}

func (c *Context) freeTable(table arch.PhysAddr, level int) {
	mem := c.mmu.mem
	if level > 0 {
		for i := uint64(0); i < arch.PTEsPerTable; i++ {
			if p := loadPTE(mem, table+arch.PhysAddr(8*i)); p.Valid() {
				c.freeTable(p.Address(), level-1)
			}
		}
	}
	mem.FreePage(mem.Lookup(table))
}
