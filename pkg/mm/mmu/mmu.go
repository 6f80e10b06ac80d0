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

// Package mmu implements MMU contexts: the page tables of one address space
// and the deferred TLB invalidations made through them.
//
// Page tables are four-level radix trees stored in physical page frames.
// Each CPU caches translations in a TLB that is consulted by Translate,
// the simulated CPU access path. Mapping changes made under a context lock
// are queued and the queue is flushed, locally and on every CPU the context
// is loaded on, by the outermost unlock.
package mmu

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"kiwi.dev/kiwi/pkg/arch"
	"kiwi.dev/kiwi/pkg/ksync"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/mm/phys"
	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/status"
	"kiwi.dev/kiwi/pkg/sync"
)

// Flags describe a mapping.
type Flags uint32

// Mapping flags.
const (
	Read Flags = 1 << iota
	Write
	Execute
	User

	cacheShift = 8
)

// Cache modes, stored in the CacheMask bits of Flags.
const (
	CacheNormal       Flags = 0 << cacheShift
	CacheUncached     Flags = 1 << cacheShift
	CacheWriteCombine Flags = 2 << cacheShift
	CacheWriteThrough Flags = 3 << cacheShift

	CacheMask Flags = 3 << cacheShift
)

// FlagsFor returns mapping flags granting access.
func FlagsFor(access arch.AccessType) Flags {
	var f Flags
	if access.Read {
		f |= Read
	}
	if access.Write {
		f |= Write | Read
	}
	if access.Execute {
		f |= Execute | Read
	}
	return f
}

// CacheFlags returns the cache mode flags for a memory type.
func CacheFlags(mt arch.MemoryType) Flags {
	switch mt {
	case arch.MemoryTypeUncached:
		return CacheUncached
	case arch.MemoryTypeWriteCombine:
		return CacheWriteCombine
	case arch.MemoryTypeWriteThrough:
		return CacheWriteThrough
	default:
		return CacheNormal
	}
}

// Access returns the access types granted by f.
func (f Flags) Access() arch.AccessType {
	return arch.AccessType{
		Read:    f&Read != 0,
		Write:   f&Write != 0,
		Execute: f&Execute != 0,
	}
}

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	var b strings.Builder
	b.WriteString(f.Access().String())
	if f&User != 0 {
		b.WriteString("u")
	}
	switch f & CacheMask {
	case CacheUncached:
		b.WriteString(" UC")
	case CacheWriteCombine:
		b.WriteString(" WC")
	case CacheWriteThrough:
		b.WriteString(" WT")
	}
	return b.String()
}

// Fault is the error returned by Translate when an access would page fault.
type Fault struct {
	Addr   arch.Addr
	Access arch.AccessType

	// Present is true if a mapping exists but does not permit the access.
	Present bool
}

// Error implements error.Error.
func (f *Fault) Error() string {
	return fmt.Sprintf("page fault at %v (%s, present=%t)", f.Addr, f.Access, f.Present)
}

// Unwrap returns InvalidAddr so that status.FromError sees a fault as an
// invalid address.
func (f *Fault) Unwrap() error {
	return status.InvalidAddr
}

// cpuState is the per-CPU MMU state.
type cpuState struct {
	cpu *sched.CPU
	tlb tlb

	// user is the user context loaded on the CPU. Protected by MMU.mu.
	user *Context
}

// MMU is the memory management unit shared by every CPU.
type MMU struct {
	mem    *phys.Memory
	cpus   []*cpuState
	kernel *Context

	// mu protects cpuState.user and Context.loaded.
	mu sync.Mutex

	shootdowns atomic.Uint64
	faults     atomic.Uint64
}

// New creates the MMU and the kernel context, which is loaded on every CPU.
func New(ctx context.Context, mem *phys.Memory, cpus []*sched.CPU) (*MMU, error) {
	m := &MMU{mem: mem}
	for _, c := range cpus {
		m.cpus = append(m.cpus, &cpuState{cpu: c, tlb: newTLB()})
	}
	k, err := m.newContext(ctx, true)
	if err != nil {
		return nil, err
	}
	m.kernel = k
	for _, cs := range m.cpus {
		k.loaded |= 1 << cs.cpu.ID
	}
	log.Debugf("mmu: kernel context at %#x", uint64(k.root))
	return m, nil
}

// Kernel returns the kernel context.
func (m *MMU) Kernel() *Context {
	return m.kernel
}

// CPUs returns the number of CPUs.
func (m *MMU) CPUs() int {
	return len(m.cpus)
}

// Memory returns the physical memory the page tables live in.
func (m *MMU) Memory() *phys.Memory {
	return m.mem
}

// Faults returns the number of page faults raised by Translate.
func (m *MMU) Faults() uint64 {
	return m.faults.Load()
}

// Shootdowns returns the number of remote TLB invalidations sent.
func (m *MMU) Shootdowns() uint64 {
	return m.shootdowns.Load()
}

func (m *MMU) state(cpu *sched.CPU) *cpuState {
	if cpu == nil || cpu.ID >= len(m.cpus) {
		return nil
	}
	return m.cpus[cpu.ID]
}

// NewContext creates a user context.
func (m *MMU) NewContext(ctx context.Context) (*Context, error) {
	return m.newContext(ctx, false)
}

func (m *MMU) newContext(ctx context.Context, kernel bool) (*Context, error) {
	root, err := m.mem.AllocPage(ctx, phys.Zero)
	if err != nil {
		return nil, err
	}
	c := &Context{
		mmu:    m,
		kernel: kernel,
		root:   root.Addr,
		tables: 1,
	}
	c.mu.Init("mmu_context", ksync.Recursive)
	return c, nil
}

// Switch loads next on cpu in place of prev. Kernel addresses always
// translate through the kernel context, so only user contexts are
// switched. Without address space identifiers, the translations of prev
// cached on cpu are dropped.
func (m *MMU) Switch(cpu *sched.CPU, next, prev *Context) {
	cs := m.state(cpu)
	if cs == nil {
		return
	}
	m.mu.Lock()
	if prev == nil {
		prev = cs.user
	}
	if prev == next {
		m.mu.Unlock()
		return
	}
	if prev != nil {
		prev.loaded &^= 1 << cpu.ID
	}
	if next != nil {
		next.loaded |= 1 << cpu.ID
	}
	cs.user = next
	m.mu.Unlock()
	if prev != nil {
		cs.tlb.flushContext(prev)
	}
}

// Loaded returns the user context loaded on cpu.
func (m *MMU) Loaded(cpu *sched.CPU) *Context {
	cs := m.state(cpu)
	if cs == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return cs.user
}
