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

// Package phys implements the physical page allocator.
//
// Physical memory is a single host mapping. Every page frame has a
// descriptor, and frames of the same state are grouped into contiguous
// ranges kept in address order. Adjacent ranges of the same state are always
// merged, so the range set is a canonical description of memory.
package phys

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/btree"
	"golang.org/x/sys/unix"
	"kiwi.dev/kiwi/pkg/arch"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/status"
	"kiwi.dev/kiwi/pkg/sync"
)

// State is the state of a page frame.
type State uint8

// Page states.
const (
	// Free frames are available for allocation.
	Free State = iota

	// Allocated frames are owned by an allocation.
	Allocated

	// Reclaimable frames are in use during boot and become free once the
	// init thread has finished.
	Reclaimable

	// Reserved frames are never allocated.
	Reserved

	// Internal frames hold allocator and kernel image data.
	Internal

	numStates
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Allocated:
		return "allocated"
	case Reclaimable:
		return "reclaimable"
	case Reserved:
		return "reserved"
	case Internal:
		return "internal"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Flags modify allocation behaviour.
type Flags uint32

const (
	// Zero zeroes the allocated range.
	Zero Flags = 1 << iota

	// MustSucceed makes allocation failure fatal.
	MustSucceed

	// NonBlock fails immediately instead of reclaiming memory.
	NonBlock

	// Wait retries after reclaim until memory is available or the context
	// is done.
	Wait
)

// retryInterval is the delay between allocation attempts with Wait.
const retryInterval = 10 * time.Millisecond

// madviseThreshold is the smallest freed range handed back to the host.
const madviseThreshold = 16

// Constraints restrict the placement of an allocation. The zero value
// places no restriction beyond page alignment.
type Constraints struct {
	// Align is the required alignment in bytes. Zero means page alignment.
	Align uint64

	// Phase is the offset from Align at which the range must start.
	Phase uint64

	// Boundary, if non-zero, is an address multiple that the range must not
	// cross.
	Boundary uint64

	// Min is the lowest acceptable base address.
	Min arch.PhysAddr

	// Max, if non-zero, is one past the highest acceptable end address.
	Max arch.PhysAddr
}

// Range is a contiguous run of frames in one state.
type Range struct {
	Base  arch.PhysAddr
	End   arch.PhysAddr
	State State
}

// Size returns the size of r in bytes.
func (r Range) Size() uint64 {
	return uint64(r.End - r.Base)
}

// String implements fmt.Stringer.String.
func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x) %s", uint64(r.Base), uint64(r.End), r.State)
}

func rangeLess(a, b *Range) bool {
	return a.Base < b.Base
}

// Stats counts pages per state.
type Stats struct {
	Total       uint64
	Free        uint64
	Allocated   uint64
	Reclaimable uint64
	Reserved    uint64
	Internal    uint64
}

// Reclaimer releases cached memory back to the allocator. level grows with
// every failed attempt; the return value is the number of pages released.
type Reclaimer func(level int) uint64

// Memory is the physical memory of the machine.
type Memory struct {
	// data is the host mapping backing all of physical memory. It is
	// immutable after NewMemory.
	data  []byte
	size  uint64
	pages []Page

	// mu protects the fields below and the State of every page.
	mu         sync.Mutex
	ranges     *btree.BTreeG[*Range]
	reclaimers []Reclaimer
}

// NewMemory maps size bytes of host memory and returns it as physical memory
// covering [0, size). All frames start free.
func NewMemory(size uint64) (*Memory, error) {
	if size == 0 || size%arch.PageSize != 0 {
		return nil, status.InvalidArg
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes of physical memory: %w", size, err)
	}
	m := &Memory{
		data:   data,
		size:   size,
		pages:  make([]Page, size/arch.PageSize),
		ranges: btree.NewG(8, rangeLess),
	}
	for i := range m.pages {
		m.pages[i].Addr = arch.PhysAddr(uint64(i) << arch.PageShift)
	}
	m.ranges.ReplaceOrInsert(&Range{Base: 0, End: arch.PhysAddr(size), State: Free})
	log.Debugf("phys: %d pages of physical memory at host %p", len(m.pages), &data[0])
	return m, nil
}

// Close releases the host mapping. Memory must not be used afterwards.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// Size returns the size of physical memory in bytes.
func (m *Memory) Size() uint64 {
	return m.size
}

// End returns one past the highest physical address.
func (m *Memory) End() arch.PhysAddr {
	return arch.PhysAddr(m.size)
}

// Lookup returns the descriptor of the frame containing addr, or nil if addr
// is not backed by memory.
func (m *Memory) Lookup(addr arch.PhysAddr) *Page {
	idx := uint64(addr) >> arch.PageShift
	if idx >= uint64(len(m.pages)) {
		return nil
	}
	return &m.pages[idx]
}

// RegisterReclaimer adds a function called when allocation fails.
func (m *Memory) RegisterReclaimer(r Reclaimer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reclaimers = append(m.reclaimers, r)
}

// AddRange sets the state of every frame in [base, end). It is used to seed
// memory from the boot memory map.
func (m *Memory) AddRange(base, end arch.PhysAddr, state State) error {
	if err := m.checkRange(base, end); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(base, end, state)
	log.Debugf("phys: range [%#x, %#x) is %s", uint64(base), uint64(end), state)
	return nil
}

func (m *Memory) checkRange(base, end arch.PhysAddr) error {
	if !base.IsPageAligned() || !end.IsPageAligned() || base >= end || uint64(end) > m.size {
		return status.InvalidArg
	}
	return nil
}

// containing returns the range containing addr. Precondition: m.mu is held.
func (m *Memory) containing(addr arch.PhysAddr) *Range {
	var found *Range
	m.ranges.DescendLessOrEqual(&Range{Base: addr}, func(r *Range) bool {
		found = r
		return false
	})
	if found == nil || addr >= found.End {
		return nil
	}
	return found
}

// setStateLocked carves [base, end) out of the range set with the given
// state, merging with same-state neighbours. Precondition: m.mu is held.
func (m *Memory) setStateLocked(base, end arch.PhysAddr, state State) {
	var overlapping []*Range
	m.ranges.AscendGreaterOrEqual(m.containing(base), func(r *Range) bool {
		if r.Base >= end {
			return false
		}
		overlapping = append(overlapping, r)
		return true
	})
	for _, r := range overlapping {
		m.ranges.Delete(r)
		if r.Base < base {
			m.ranges.ReplaceOrInsert(&Range{Base: r.Base, End: base, State: r.State})
		}
		if r.End > end {
			m.ranges.ReplaceOrInsert(&Range{Base: end, End: r.End, State: r.State})
		}
	}

	nr := &Range{Base: base, End: end, State: state}
	if base > 0 {
		if prev := m.containing(base - 1); prev != nil && prev.State == state {
			m.ranges.Delete(prev)
			nr.Base = prev.Base
		}
	}
	if next := m.containing(end); next != nil && next.State == state {
		m.ranges.Delete(next)
		nr.End = next.End
	}
	m.ranges.ReplaceOrInsert(nr)

	for i := uint64(base) >> arch.PageShift; i < uint64(end)>>arch.PageShift; i++ {
		m.pages[i].State = state
	}
}

// Ranges returns a snapshot of the range set in address order.
func (m *Memory) Ranges() []Range {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := make([]Range, 0, m.ranges.Len())
	m.ranges.Ascend(func(r *Range) bool {
		rs = append(rs, *r)
		return true
	})
	return rs
}

// Stats returns page counts per state.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Total: uint64(len(m.pages))}
	m.ranges.Ascend(func(r *Range) bool {
		n := r.Size() >> arch.PageShift
		switch r.State {
		case Free:
			s.Free += n
		case Allocated:
			s.Allocated += n
		case Reclaimable:
			s.Reclaimable += n
		case Reserved:
			s.Reserved += n
		case Internal:
			s.Internal += n
		}
		return true
	})
	return s
}

func isPowerOf2(x uint64) bool {
	return x != 0 && x&(x-1) == 0
}

func alignUp(x, align uint64) (uint64, bool) {
	r := (x + align - 1) &^ (align - 1)
	return r, r >= x
}

// fit returns the lowest address in [lo, hi) where size bytes can be placed
// under c. Align is already normalized.
func fit(lo, hi, size uint64, c Constraints) (uint64, bool) {
	addr := lo
	for {
		// Apply alignment and phase.
		var ok bool
		if addr < c.Phase {
			addr = c.Phase
		}
		addr, ok = alignUp(addr-c.Phase, c.Align)
		if !ok {
			return 0, false
		}
		addr += c.Phase
		end := addr + size
		if end < addr || end > hi {
			return 0, false
		}
		if c.Boundary == 0 || addr/c.Boundary == (end-1)/c.Boundary {
			return addr, true
		}
		// Crosses a boundary; retry from the boundary.
		addr, ok = alignUp(addr, c.Boundary)
		if !ok {
			return 0, false
		}
	}
}

// tryAlloc searches free ranges in address order. Precondition: m.mu is held.
func (m *Memory) tryAllocLocked(size uint64, c Constraints) (arch.PhysAddr, bool) {
	lo := uint64(c.Min)
	hi := m.size
	if c.Max != 0 && uint64(c.Max) < hi {
		hi = uint64(c.Max)
	}
	var (
		addr  uint64
		found bool
	)
	m.ranges.Ascend(func(r *Range) bool {
		if uint64(r.Base) >= hi {
			return false
		}
		if r.State != Free || uint64(r.End) <= lo {
			return true
		}
		start := max(uint64(r.Base), lo)
		end := min(uint64(r.End), hi)
		addr, found = fit(start, end, size, c)
		return !found
	})
	if !found {
		return 0, false
	}
	m.setStateLocked(arch.PhysAddr(addr), arch.PhysAddr(addr+size), Allocated)
	return arch.PhysAddr(addr), true
}

// reclaim runs every reclaimer at the given level and returns the number of
// pages released.
func (m *Memory) reclaim(level int) uint64 {
	m.mu.Lock()
	rs := append([]Reclaimer(nil), m.reclaimers...)
	m.mu.Unlock()
	var n uint64
	for _, r := range rs {
		n += r(level)
	}
	if n > 0 {
		log.Debugf("phys: reclaimed %d pages at level %d", n, level)
	}
	return n
}

func (m *Memory) tryAlloc(size uint64, c Constraints) (arch.PhysAddr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tryAllocLocked(size, c)
}

// Alloc allocates count contiguous frames satisfying c.
func (m *Memory) Alloc(ctx context.Context, count uint64, c Constraints, flags Flags) (arch.PhysAddr, error) {
	if count == 0 || count > uint64(len(m.pages)) {
		return 0, status.InvalidArg
	}
	if c.Align == 0 {
		c.Align = arch.PageSize
	}
	if !isPowerOf2(c.Align) || c.Align%arch.PageSize != 0 || c.Phase%arch.PageSize != 0 || c.Phase >= c.Align {
		return 0, status.InvalidArg
	}
	size := count << arch.PageShift
	if c.Boundary != 0 && (!isPowerOf2(c.Boundary) || c.Boundary < size) {
		return 0, status.InvalidArg
	}
	if c.Max != 0 && c.Min >= c.Max {
		return 0, status.InvalidArg
	}

	addr, ok := m.tryAlloc(size, c)
	for level := 0; !ok && flags&NonBlock == 0 && level < 3; level++ {
		if m.reclaim(level) == 0 {
			continue
		}
		addr, ok = m.tryAlloc(size, c)
	}
	if !ok && flags&Wait != 0 {
		b := backoff.WithContext(backoff.NewConstantBackOff(retryInterval), ctx)
		err := backoff.Retry(func() error {
			m.reclaim(0)
			if addr, ok = m.tryAlloc(size, c); ok {
				return nil
			}
			return status.NoMemory
		}, b)
		if err != nil && ctx.Err() != nil {
			return 0, status.Interrupted
		}
	}
	if !ok {
		if flags&MustSucceed != 0 {
			log.Fatalf("phys: unable to allocate %d pages (constraints %+v)", count, c)
		}
		return 0, status.NoMemory
	}
	if flags&Zero != 0 {
		m.Zero(addr, size)
	}
	return addr, nil
}

// Free releases count frames starting at base. Freeing a frame that is not
// allocated is fatal.
func (m *Memory) Free(base arch.PhysAddr, count uint64) {
	end := base + arch.PhysAddr(count<<arch.PageShift)
	if count == 0 || m.checkRange(base, end) != nil {
		log.Fatalf("phys: invalid free of %d pages at %#x", count, uint64(base))
	}
	m.mu.Lock()
	for i := uint64(base) >> arch.PageShift; i < uint64(end)>>arch.PageShift; i++ {
		if st := m.pages[i].State; st != Allocated {
			m.mu.Unlock()
			log.Fatalf("phys: freeing %s page %#x", st, i<<arch.PageShift)
		}
	}
	m.setStateLocked(base, end, Free)
	m.mu.Unlock()

	if count >= madviseThreshold {
		if err := unix.Madvise(m.data[base:end], unix.MADV_DONTNEED); err != nil {
			log.Warningf("phys: madvise of [%#x, %#x) failed: %v", uint64(base), uint64(end), err)
		}
	}
}

// AllocPage allocates a single frame.
func (m *Memory) AllocPage(ctx context.Context, flags Flags) (*Page, error) {
	addr, err := m.Alloc(ctx, 1, Constraints{}, flags)
	if err != nil {
		return nil, err
	}
	return m.Lookup(addr), nil
}

// FreePage releases a frame obtained from AllocPage.
func (m *Memory) FreePage(p *Page) {
	m.Free(p.Addr, 1)
}

// MarkReclaimable tags [base, end) as in use until boot completes.
func (m *Memory) MarkReclaimable(base, end arch.PhysAddr) error {
	if err := m.checkRange(base, end); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(base, end, Reclaimable)
	return nil
}

// ReclaimBoot frees every range tagged reclaimable and returns the number of
// pages released.
func (m *Memory) ReclaimBoot() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		reclaimable []Range
		n           uint64
	)
	m.ranges.Ascend(func(r *Range) bool {
		if r.State == Reclaimable {
			reclaimable = append(reclaimable, *r)
		}
		return true
	})
	for _, r := range reclaimable {
		m.setStateLocked(r.Base, r.End, Free)
		n += r.Size() >> arch.PageShift
	}
	log.Infof("phys: reclaimed %d boot pages", n)
	return n
}

// Map returns the physical-map view of [addr, addr+size).
func (m *Memory) Map(addr arch.PhysAddr, size uint64) []byte {
	if uint64(addr)+size > m.size || uint64(addr)+size < uint64(addr) {
		log.Fatalf("phys: mapping [%#x, +%#x) outside of memory", uint64(addr), size)
	}
	return m.data[addr : uint64(addr)+size : uint64(addr)+size]
}

// Zero clears [addr, addr+size).
func (m *Memory) Zero(addr arch.PhysAddr, size uint64) {
	clear(m.Map(addr, size))
}

// Copy copies the frame at src to the frame at dst.
func (m *Memory) Copy(dst, src arch.PhysAddr) {
	copy(m.Map(dst, arch.PageSize), m.Map(src, arch.PageSize))
}

// SetMemoryType sets the caching behaviour of [base, base+size).
func (m *Memory) SetMemoryType(base arch.PhysAddr, size uint64, mt arch.MemoryType) error {
	if !mt.Valid() {
		return status.InvalidArg
	}
	end := base + arch.PhysAddr(size)
	if err := m.checkRange(base, end); err != nil {
		return err
	}
	for i := uint64(base) >> arch.PageShift; i < uint64(end)>>arch.PageShift; i++ {
		m.pages[i].memType.Store(uint32(mt))
	}
	return nil
}

// MemoryType returns the caching behaviour of the frame containing addr.
// Addresses outside of memory are device memory and uncached.
func (m *Memory) MemoryType(addr arch.PhysAddr) arch.MemoryType {
	p := m.Lookup(addr)
	if p == nil {
		return arch.MemoryTypeUncached
	}
	return arch.MemoryType(p.memType.Load())
}
