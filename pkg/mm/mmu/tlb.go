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
	"kiwi.dev/kiwi/pkg/arch"
	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/sync"
)

type tlbKey struct {
	ctx  *Context
	page arch.Addr
}

type tlbEntry struct {
	addr  arch.PhysAddr
	flags Flags
}

// tlb is a per-CPU translation cache. Only present translations are cached.
type tlb struct {
	mu      sync.Mutex
	entries map[tlbKey]tlbEntry
}

func newTLB() tlb {
	return tlb{entries: make(map[tlbKey]tlbEntry)}
}

func (t *tlb) lookupLocked(c *Context, page arch.Addr) (tlbEntry, bool) {
	e, ok := t.entries[tlbKey{c, page}]
	return e, ok
}

func (t *tlb) fillLocked(c *Context, page arch.Addr, e tlbEntry) {
	t.entries[tlbKey{c, page}] = e
}

func (t *tlb) flushPage(c *Context, page arch.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, tlbKey{c, page})
}

func (t *tlb) flushContext(c *Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.entries {
		if k.ctx == c {
			delete(t.entries, k)
		}
	}
}

func (t *tlb) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Cached returns true if the TLB of cpu holds a translation of virt
// through c.
func (m *MMU) Cached(cpu *sched.CPU, c *Context, virt arch.Addr) bool {
	cs := m.state(cpu)
	if cs == nil {
		return false
	}
	cs.tlb.mu.Lock()
	defer cs.tlb.mu.Unlock()
	_, ok := cs.tlb.lookupLocked(c, virt.RoundDown())
	return ok
}

// TLBEntries returns the number of translations cached by cpu.
func (m *MMU) TLBEntries(cpu *sched.CPU) int {
	if cs := m.state(cpu); cs != nil {
		return cs.tlb.len()
	}
	return 0
}
