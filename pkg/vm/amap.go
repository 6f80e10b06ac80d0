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
	"kiwi.dev/kiwi/pkg/mm/phys"
	"kiwi.dev/kiwi/pkg/sync"
)

// amap holds the anonymous pages of one or more regions. Slot i holds the
// page for the i'th page of the amap, or nil if it has not been touched.
//
// A page's reference count is the number of amaps holding it. A private
// page shared by more than one amap after a fork is copied on write.
type amap struct {
	mu sync.Mutex

	// refs is the number of regions using the amap. An amap with a single
	// reference is exclusive to its region. Protected by mu.
	refs int

	// pages is protected by mu.
	pages []*phys.Page
}

func newAmap(npages uint64) *amap {
	return &amap{refs: 1, pages: make([]*phys.Page, npages)}
}

// incRef adds a region reference.
func (a *amap) incRef() {
	a.mu.Lock()
	a.refs++
	a.mu.Unlock()
}

// decRef drops a region reference, releasing every page when it was the
// last.
func (a *amap) decRef(mem *phys.Memory) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refs--
	if a.refs > 0 {
		return
	}
	for i, p := range a.pages {
		if p != nil {
			releasePage(mem, p)
			a.pages[i] = nil
		}
	}
}

// get returns the page in slot i, or nil.
func (a *amap) get(i uint64) *phys.Page {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= uint64(len(a.pages)) {
		return nil
	}
	return a.pages[i]
}

// exclusive returns true if a is used by a single region.
func (a *amap) exclusive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refs == 1
}

// releaseRange drops the pages in slots [start, end) of an exclusive amap.
func (a *amap) releaseRange(mem *phys.Memory, start, end uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refs != 1 {
		return
	}
	for i := start; i < end; i++ {
		if p := a.pages[i]; p != nil {
			releasePage(mem, p)
			a.pages[i] = nil
		}
	}
}

// split moves slots [n, len) of an exclusive amap into a new amap.
func (a *amap) split(n uint64) *amap {
	a.mu.Lock()
	defer a.mu.Unlock()
	tail := &amap{refs: 1, pages: append([]*phys.Page(nil), a.pages[n:]...)}
	clear(a.pages[n:])
	a.pages = a.pages[:n:n]
	return tail
}

// clone returns an exclusive copy of slots [start, end) sharing the pages.
func (a *amap) clone(start, end uint64) *amap {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := newAmap(end - start)
	for i := start; i < end; i++ {
		if p := a.pages[i]; p != nil {
			p.IncRef()
			c.pages[i-start] = p
		}
	}
	return c
}

// resident returns the number of pages present.
func (a *amap) resident() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, p := range a.pages {
		if p != nil {
			n++
		}
	}
	return n
}

// releasePage drops an amap reference to p, freeing it with the last.
func releasePage(mem *phys.Memory, p *phys.Page) {
	if p.DecRef() == 0 {
		mem.FreePage(p)
	}
}
