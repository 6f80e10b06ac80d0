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

// Package sched implements CPUs, kernel threads, run queues and wait queues.
//
// Kernel threads run on goroutines, but a thread only executes while it owns
// its CPU. Ownership is handed from thread to thread explicitly: a thread that
// sleeps, yields or exits passes its CPU to the next ready thread, and an idle
// CPU is given directly to the next thread made ready on it. Preemption only
// happens at explicit preemption points.
package sched

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kiwi.dev/kiwi/pkg/arch"
	"kiwi.dev/kiwi/pkg/bitmap"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/status"
	"kiwi.dev/kiwi/pkg/sync"
)

// StackAllocator provides kernel stacks for threads.
type StackAllocator interface {
	AllocStack(ctx context.Context) (arch.Addr, error)
	FreeStack(addr arch.Addr)
}

// Config configures a Scheduler.
type Config struct {
	// CPUs is the number of CPUs.
	CPUs int

	// MaxThreads bounds the number of live kernel threads.
	MaxThreads uint32

	// Quantum is the timer tick period. Zero disables the tick.
	Quantum time.Duration

	// Stacks allocates kernel stacks. It may be nil.
	Stacks StackAllocator
}

// Stats are scheduler counters.
type Stats struct {
	Threads         int
	Ready           int
	ContextSwitches uint64
	IPIs            uint64
}

// Scheduler owns the CPUs and every kernel thread.
type Scheduler struct {
	// CPUs is immutable after New.
	CPUs []*CPU

	cfg Config
	ids *bitmap.IDAllocator

	// mu protects the fields below.
	mu      sync.Mutex
	threads map[uint32]*Thread
	base    context.Context
	stop    chan struct{}
	done    chan struct{}
}

// New creates a scheduler with cfg.CPUs idle CPUs.
func New(cfg Config) (*Scheduler, error) {
	if cfg.CPUs <= 0 {
		return nil, status.InvalidArg
	}
	if cfg.MaxThreads == 0 {
		cfg.MaxThreads = 4096
	}
	s := &Scheduler{
		cfg:     cfg,
		ids:     bitmap.NewIDAllocator(cfg.MaxThreads),
		threads: make(map[uint32]*Thread),
		base:    context.Background(),
	}
	// ID 0 names host threads.
	s.ids.Reserve(0)
	for i := 0; i < cfg.CPUs; i++ {
		s.CPUs = append(s.CPUs, &CPU{ID: i, sched: s})
	}
	return s, nil
}

// SetStackAllocator sets the allocator of kernel stacks for threads created
// from now on. The heap is brought up after the CPUs exist.
func (s *Scheduler) SetStackAllocator(sa StackAllocator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Stacks = sa
}

func (s *Scheduler) stacks() StackAllocator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Stacks
}

// BaseContext returns the context kernel thread contexts derive from.
func (s *Scheduler) BaseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

// Start starts the timer tick.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil || s.cfg.Quantum <= 0 {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.tick(s.cfg.Quantum, s.stop, s.done)
	log.Infof("sched: started with %d CPUs, quantum %v", len(s.CPUs), s.cfg.Quantum)
}

// Stop stops the timer tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// tick asks CPUs with waiting threads to preempt at every quantum.
func (s *Scheduler) tick(quantum time.Duration, stop, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(quantum)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.Tick()
		}
	}
}

// Tick performs one timer tick on every CPU.
func (s *Scheduler) Tick() {
	for _, c := range s.CPUs {
		c.mu.Lock()
		if c.nready > 0 {
			c.shouldPreempt.Store(true)
		}
		c.mu.Unlock()
	}
}

// NewThread creates a kernel thread in the Created state. fn runs when the
// thread is first scheduled; the thread exits when fn returns.
func (s *Scheduler) NewThread(owner any, name string, priority int, fn func(ctx context.Context)) (*Thread, error) {
	if priority < PriorityMin || priority > PriorityMax {
		return nil, status.InvalidArg
	}
	id, ok := s.ids.Alloc()
	if !ok {
		return nil, status.ThreadLimit
	}
	t := &Thread{
		ID:       id,
		Name:     name,
		Owner:    owner,
		sched:    s,
		priority: priority,
		fn:       fn,
		run:      make(chan struct{}, 1),
	}
	if stacks := s.stacks(); stacks != nil {
		stack, err := stacks.AllocStack(s.BaseContext())
		if err != nil {
			s.ids.Free(id)
			return nil, err
		}
		t.Stack = stack
	}
	s.mu.Lock()
	s.threads[id] = t
	s.mu.Unlock()
	log.Debugf("sched: created thread %v", t)
	return t, nil
}

// Spawn creates and runs a kernel thread.
func (s *Scheduler) Spawn(owner any, name string, priority int, fn func(ctx context.Context)) (*Thread, error) {
	t, err := s.NewThread(owner, name, priority, fn)
	if err != nil {
		return nil, err
	}
	t.Run()
	return t, nil
}

// Lookup returns the live thread with the given ID.
func (s *Scheduler) Lookup(id uint32) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threads[id]
}

func (s *Scheduler) reap(t *Thread) {
	s.mu.Lock()
	if s.threads[t.ID] != t {
		s.mu.Unlock()
		return
	}
	delete(s.threads, t.ID)
	s.mu.Unlock()
	if stacks := s.stacks(); t.Stack != 0 && stacks != nil {
		stacks.FreeStack(t.Stack)
		t.Stack = 0
	}
	s.ids.Free(t.ID)
	log.Debugf("sched: reaped thread %v", t)
}

func (s *Scheduler) leastLoaded() *CPU {
	best, load := s.CPUs[0], -1
	for _, c := range s.CPUs {
		if l := c.Load(); load < 0 || l < load {
			best, load = c, l
		}
	}
	return best
}

// Stats returns scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{Threads: len(s.threads)}
	s.mu.Unlock()
	for _, c := range s.CPUs {
		c.mu.Lock()
		st.Ready += c.nready
		c.mu.Unlock()
		st.ContextSwitches += c.Switches()
		st.IPIs += c.IPIs()
	}
	return st
}

// CheckInvariants verifies that every live thread is in exactly one of:
// created, on a run queue, on a wait queue, running, dead. It is meant to be
// called while the system is quiescent.
func (s *Scheduler) CheckInvariants() error {
	s.mu.Lock()
	threads := make([]*Thread, 0, len(s.threads))
	for _, t := range s.threads {
		threads = append(threads, t)
	}
	s.mu.Unlock()

	var bad []string
	for _, t := range threads {
		n := 0
		st := t.State()
		if st == Created || st == Dead {
			n++
		}
		if c := t.cpu; c != nil {
			c.mu.Lock()
			if c.curr == t {
				n++
			}
			for p := range c.runq {
				if t.list == &c.runq[p] {
					n++
				}
			}
			c.mu.Unlock()
		}
		t.sleepMu.Lock()
		if t.waitq != nil {
			n++
		}
		t.sleepMu.Unlock()
		if n != 1 {
			bad = append(bad, fmt.Sprintf("thread %v (%v) is in %d scheduling places", t, st, n))
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("%s", strings.Join(bad, "; "))
	}
	return nil
}
