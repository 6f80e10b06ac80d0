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

// Package kmem implements the kernel heap: resource arenas over the kernel
// virtual address window, anonymous memory backed by physical pages, and
// slab caches for small objects.
package kmem

import (
	"context"

	"github.com/google/btree"
	"kiwi.dev/kiwi/pkg/arch"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/mm/phys"
	"kiwi.dev/kiwi/pkg/status"
	"kiwi.dev/kiwi/pkg/sync"
)

// Flags modify allocations.
type Flags uint32

const (
	// MustSucceed makes allocation failure fatal.
	MustSucceed Flags = 1 << iota

	// NonBlock fails rather than reclaiming memory.
	NonBlock

	// Zero zeroes the allocation.
	Zero
)

func (f Flags) phys() phys.Flags {
	var pf phys.Flags
	if f&MustSucceed != 0 {
		pf |= phys.MustSucceed
	}
	if f&NonBlock != 0 {
		pf |= phys.NonBlock
	}
	return pf
}

// ImportFunc obtains a span of size bytes for an arena.
type ImportFunc func(ctx context.Context, size uint64, flags Flags) (arch.Addr, error)

// ReleaseFunc returns a span obtained from an ImportFunc.
type ReleaseFunc func(ctx context.Context, addr arch.Addr, size uint64)

// qcacheDepth is the number of ranges kept by each quantum cache.
const qcacheDepth = 16

// segment is a range of an arena. In the span index, imported marks spans
// obtained from the arena's source.
type segment struct {
	base     arch.Addr
	size     uint64
	imported bool
}

func (s segment) end() arch.Addr {
	return s.base + arch.Addr(s.size)
}

func lessByBase(a, b segment) bool {
	return a.base < b.base
}

func lessBySize(a, b segment) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	return a.base < b.base
}

// ArenaStats describes the state of an arena.
type ArenaStats struct {
	// Size is the total size of the spans of the arena.
	Size uint64

	// InUse is the size allocated, including ranges held by quantum
	// caches.
	InUse uint64

	// Cached is the size held by quantum caches.
	Cached uint64

	// Imported is the size of the spans obtained from the source.
	Imported uint64
}

// Arena is a resource allocator over address ranges. Free ranges are kept
// in two indexes: by base for coalescing and by size for best-fit
// allocation. When an arena runs dry it imports a span from its source,
// and a span that becomes entirely free again is released back.
type Arena struct {
	name      string
	quantum   uint64
	qcacheMax uint64
	importFn  ImportFunc
	releaseFn ReleaseFunc

	// mu protects the fields below.
	mu     sync.Mutex
	bySize *btree.BTreeG[segment]
	byBase *btree.BTreeG[segment]
	spans  *btree.BTreeG[segment]
	allocs map[arch.Addr]uint64
	qcache [][]arch.Addr
	stats  ArenaStats
}

// NewArena creates an arena with quantum sized units. If size is non-zero
// [base, base+size) is added as the initial span. Imports come from source
// if it is set, or from importFn. Allocations of at most qcacheMax bytes
// are served from per-size caches.
func NewArena(name string, base arch.Addr, size, quantum uint64, source *Arena, importFn ImportFunc, releaseFn ReleaseFunc, qcacheMax uint64) *Arena {
	if quantum == 0 || quantum&(quantum-1) != 0 {
		log.Fatalf("kmem: arena %q has invalid quantum %#x", name, quantum)
	}
	if source != nil && importFn == nil {
		importFn, releaseFn = source.Alloc, source.Free
	}
	a := &Arena{
		name:      name,
		quantum:   quantum,
		qcacheMax: qcacheMax &^ (quantum - 1),
		importFn:  importFn,
		releaseFn: releaseFn,
		bySize:    btree.NewG(8, lessBySize),
		byBase:    btree.NewG(8, lessByBase),
		spans:     btree.NewG(8, lessByBase),
		allocs:    make(map[arch.Addr]uint64),
	}
	a.qcache = make([][]arch.Addr, a.qcacheMax/quantum)
	if size != 0 {
		if err := a.Add(base, size); err != nil {
			log.Fatalf("kmem: arena %q: adding [%v, +%#x): %v", name, base, size, err)
		}
	}
	return a
}

// Name returns the arena name.
func (a *Arena) Name() string {
	return a.name
}

// Quantum returns the allocation unit.
func (a *Arena) Quantum() uint64 {
	return a.quantum
}

func (a *Arena) roundUp(size uint64) (uint64, bool) {
	r := (size + a.quantum - 1) &^ (a.quantum - 1)
	return r, r >= size
}

// Add adds [base, base+size) to the arena.
func (a *Arena) Add(base arch.Addr, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addLocked(base, size, false)
}

func (a *Arena) addLocked(base arch.Addr, size uint64, imported bool) error {
	if size == 0 || uint64(base)%a.quantum != 0 || size%a.quantum != 0 {
		return status.InvalidArg
	}
	s := segment{base: base, size: size, imported: imported}
	if s.end() < base {
		return status.InvalidArg
	}
	if prev, ok := a.spanOfLocked(s.end() - 1); ok && prev.end() > base {
		return status.AlreadyExists
	}
	a.spans.ReplaceOrInsert(s)
	a.stats.Size += size
	if imported {
		a.stats.Imported += size
	}
	free := segment{base: base, size: size}
	a.byBase.ReplaceOrInsert(free)
	a.bySize.ReplaceOrInsert(free)
	return nil
}

// spanOfLocked returns the span with the greatest base <= addr.
func (a *Arena) spanOfLocked(addr arch.Addr) (segment, bool) {
	var span segment
	found := false
	a.spans.DescendLessOrEqual(segment{base: addr}, func(s segment) bool {
		span, found = s, true
		return false
	})
	return span, found
}

// insertFreeLocked adds s to the free indexes, coalescing it with adjacent
// free segments of the same span. If the result is a whole imported span,
// the span is removed and returned for release.
func (a *Arena) insertFreeLocked(s segment) (segment, bool) {
	span, _ := a.spanOfLocked(s.base)
	a.byBase.DescendLessOrEqual(segment{base: s.base}, func(prev segment) bool {
		if prev.end() == s.base && prev.base >= span.base {
			a.removeFreeLocked(prev)
			s = segment{base: prev.base, size: prev.size + s.size}
		}
		return false
	})
	if next, ok := a.byBase.Get(segment{base: s.end()}); ok && next.end() <= span.end() {
		a.removeFreeLocked(next)
		s.size += next.size
	}
	if span.imported && s.base == span.base && s.size == span.size && a.releaseFn != nil {
		a.spans.Delete(span)
		a.stats.Size -= span.size
		a.stats.Imported -= span.size
		return span, true
	}
	a.byBase.ReplaceOrInsert(s)
	a.bySize.ReplaceOrInsert(s)
	return segment{}, false
}

func (a *Arena) removeFreeLocked(s segment) {
	a.byBase.Delete(s)
	a.bySize.Delete(s)
}

// allocLocked carves size bytes out of the smallest free segment that
// holds them.
func (a *Arena) allocLocked(size uint64) (arch.Addr, bool) {
	var (
		best  segment
		found bool
	)
	a.bySize.AscendGreaterOrEqual(segment{size: size}, func(s segment) bool {
		best, found = s, true
		return false
	})
	if !found {
		return 0, false
	}
	a.removeFreeLocked(best)
	if best.size > size {
		rest := segment{base: best.base + arch.Addr(size), size: best.size - size}
		a.byBase.ReplaceOrInsert(rest)
		a.bySize.ReplaceOrInsert(rest)
	}
	a.allocs[best.base] = size
	a.stats.InUse += size
	return best.base, true
}

// Alloc allocates size bytes, rounded up to the quantum.
func (a *Arena) Alloc(ctx context.Context, size uint64, flags Flags) (arch.Addr, error) {
	size, ok := a.roundUp(size)
	if size == 0 || !ok {
		return 0, status.InvalidArg
	}
	if size <= a.qcacheMax {
		i := size/a.quantum - 1
		a.mu.Lock()
		if n := len(a.qcache[i]); n > 0 {
			addr := a.qcache[i][n-1]
			a.qcache[i] = a.qcache[i][:n-1]
			a.stats.Cached -= size
			a.mu.Unlock()
			return addr, nil
		}
		a.mu.Unlock()
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		a.mu.Lock()
		addr, ok := a.allocLocked(size)
		a.mu.Unlock()
		if ok {
			return addr, nil
		}
		if a.importFn == nil {
			break
		}
		var span arch.Addr
		if span, err = a.importFn(ctx, size, flags&^MustSucceed); err != nil {
			break
		}
		a.mu.Lock()
		err = a.addLocked(span, size, true)
		a.mu.Unlock()
		if err != nil {
			log.Warningf("kmem: arena %q imported overlapping span [%v, +%#x)", a.name, span, size)
			break
		}
	}
	if flags&MustSucceed != 0 {
		log.Fatalf("kmem: arena %q unable to allocate %#x bytes: %v", a.name, size, err)
	}
	if err != nil && !status.Is(err, status.NoMemory) {
		return 0, err
	}
	return 0, status.NoMemory
}

// Free releases an allocation. size must match the size allocated.
func (a *Arena) Free(ctx context.Context, addr arch.Addr, size uint64) {
	size, _ = a.roundUp(size)
	a.mu.Lock()
	if got, ok := a.allocs[addr]; !ok || got != size {
		a.mu.Unlock()
		log.Fatalf("kmem: arena %q: freeing [%v, +%#x) which is not allocated (size %#x)", a.name, addr, size, got)
	}
	if size <= a.qcacheMax {
		i := size/a.quantum - 1
		if len(a.qcache[i]) < qcacheDepth {
			a.qcache[i] = append(a.qcache[i], addr)
			a.stats.Cached += size
			a.mu.Unlock()
			return
		}
	}
	delete(a.allocs, addr)
	a.stats.InUse -= size
	span, release := a.insertFreeLocked(segment{base: addr, size: size})
	a.mu.Unlock()
	if release {
		a.releaseFn(ctx, span.base, span.size)
	}
}

// Drain returns the ranges held by quantum caches to the arena, releasing
// spans that become free. It returns the number of bytes released to the
// source.
func (a *Arena) Drain(ctx context.Context) uint64 {
	a.mu.Lock()
	var spans []segment
	for i := range a.qcache {
		size := uint64(i+1) * a.quantum
		for _, addr := range a.qcache[i] {
			delete(a.allocs, addr)
			a.stats.InUse -= size
			a.stats.Cached -= size
			if span, release := a.insertFreeLocked(segment{base: addr, size: size}); release {
				spans = append(spans, span)
			}
		}
		a.qcache[i] = a.qcache[i][:0]
	}
	a.mu.Unlock()
	var n uint64
	for _, span := range spans {
		a.releaseFn(ctx, span.base, span.size)
		n += span.size
	}
	return n
}

// Stats returns the arena statistics.
func (a *Arena) Stats() ArenaStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Contains returns true if addr is allocated from the arena.
func (a *Arena) Contains(addr arch.Addr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.allocs[addr]
	return ok
}
