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

package sched

import (
	"context"
	"runtime"
	"sync/atomic"

	"kiwi.dev/kiwi/pkg/sync"
)

// CPU is a simulated processor. It runs at most one kernel thread at a time
// and keeps a priority-ordered queue of ready threads pinned to it.
type CPU struct {
	// ID is the CPU number. Immutable.
	ID int

	sched *Scheduler

	// mu protects the fields below.
	mu     sync.SpinLock
	runq   [numPriorities]threadList
	nready int
	curr   *Thread

	shouldPreempt atomic.Bool
	inInterrupt   atomic.Int32

	switches atomic.Uint64
	ipis     atomic.Uint64

	// ipiMu serializes cross calls to this CPU.
	ipiMu sync.Mutex
}

// Current returns the thread running on c, or nil if c is idle.
func (c *CPU) Current() *Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curr
}

// Load returns the number of threads running or ready on c.
func (c *CPU) Load() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.nready
	if c.curr != nil {
		n++
	}
	return n
}

// SetShouldPreempt requests that the running thread yield at its next
// preemption point.
func (c *CPU) SetShouldPreempt() {
	c.shouldPreempt.Store(true)
}

// ShouldPreempt returns true if a preemption has been requested on c.
func (c *CPU) ShouldPreempt() bool {
	return c.shouldPreempt.Load()
}

// EnterInterrupt marks c as handling an interrupt.
func (c *CPU) EnterInterrupt() {
	c.inInterrupt.Add(1)
}

// ExitInterrupt clears the mark set by EnterInterrupt.
func (c *CPU) ExitInterrupt() {
	c.inInterrupt.Add(-1)
}

// InInterrupt returns true if c is handling an interrupt.
func (c *CPU) InInterrupt() bool {
	return c.inInterrupt.Load() > 0
}

// Call runs fn on behalf of c, as an inter-processor interrupt would. It
// returns once fn has completed.
func (c *CPU) Call(fn func(c *CPU)) {
	c.ipiMu.Lock()
	defer c.ipiMu.Unlock()
	c.ipis.Add(1)
	c.EnterInterrupt()
	defer c.ExitInterrupt()
	fn(c)
}

// Switches returns the number of context switches performed on c.
func (c *CPU) Switches() uint64 {
	return c.switches.Load()
}

// IPIs returns the number of cross calls received by c.
func (c *CPU) IPIs() uint64 {
	return c.ipis.Load()
}

// popLocked removes the highest priority ready thread. Precondition: c.mu is
// held.
func (c *CPU) popLocked() *Thread {
	if c.nready == 0 {
		return nil
	}
	for p := PriorityMax; p >= PriorityMin; p-- {
		if t := c.runq[p].popFront(); t != nil {
			c.nready--
			return t
		}
	}
	return nil
}

// peekLocked returns the highest priority ready thread. Precondition: c.mu
// is held.
func (c *CPU) peekLocked() *Thread {
	for p := PriorityMax; p >= PriorityMin && c.nready > 0; p-- {
		if t := c.runq[p].front(); t != nil {
			return t
		}
	}
	return nil
}

// enqueue makes t ready on c, dispatching it directly if c is idle.
func (c *CPU) enqueue(t *Thread) {
	c.mu.Lock()
	if c.curr == nil {
		c.curr = t
		t.setState(Running)
		c.switches.Add(1)
		c.mu.Unlock()
		t.run <- struct{}{}
		return
	}
	t.setState(Ready)
	c.runq[t.priority].pushBack(t)
	c.nready++
	if t.priority > c.curr.priority {
		c.shouldPreempt.Store(true)
	}
	c.mu.Unlock()
}

// switchOut is called by the running thread t when it gives up c. The state
// of t has already been updated by the caller.
func (c *CPU) switchOut(t *Thread) {
	c.mu.Lock()
	if c.curr != t {
		c.mu.Unlock()
		panic("sched: switching out " + t.String() + " which does not own its CPU")
	}
	next := c.popLocked()
	c.curr = next
	c.shouldPreempt.Store(false)
	if next != nil {
		next.setState(Running)
		c.switches.Add(1)
	}
	c.mu.Unlock()
	if next != nil {
		next.run <- struct{}{}
	}
}

// Yield gives up the CPU to a ready thread of equal or higher priority, if
// there is one.
func Yield(ctx context.Context) {
	t := ThreadFromContext(ctx)
	if t == nil || t.host {
		runtime.Gosched()
		return
	}
	c := t.cpu
	c.mu.Lock()
	next := c.peekLocked()
	c.shouldPreempt.Store(false)
	if next == nil || next.priority < t.priority {
		c.mu.Unlock()
		return
	}
	c.popLocked()
	t.setState(Ready)
	c.runq[t.priority].pushBack(t)
	c.nready++
	c.curr = next
	next.setState(Running)
	c.switches.Add(1)
	c.mu.Unlock()

	next.run <- struct{}{}
	<-t.run
}

// PreemptDisable disables preemption of the current thread. Calls nest.
func PreemptDisable(ctx context.Context) {
	if t := ThreadFromContext(ctx); t != nil {
		t.preemptCount.Add(1)
	}
}

// PreemptEnable reverses one PreemptDisable. When preemption becomes enabled
// a pending preemption is taken.
func PreemptEnable(ctx context.Context) {
	t := ThreadFromContext(ctx)
	if t == nil {
		return
	}
	n := t.preemptCount.Add(-1)
	if n < 0 {
		panic("sched: unbalanced PreemptEnable on " + t.String())
	}
	if n == 0 {
		PreemptionPoint(ctx)
	}
}

// PreemptDisabled returns true if preemption is disabled for the current
// thread.
func PreemptDisabled(ctx context.Context) bool {
	t := ThreadFromContext(ctx)
	return t != nil && t.preemptCount.Load() > 0
}

// ShouldPreempt returns true if the current thread has been asked to yield.
func ShouldPreempt(ctx context.Context) bool {
	t := ThreadFromContext(ctx)
	return t != nil && !t.host && t.cpu.ShouldPreempt()
}

// PreemptionPoint yields if a preemption is pending and preemption is
// enabled.
func PreemptionPoint(ctx context.Context) {
	t := ThreadFromContext(ctx)
	if t == nil || t.host || t.preemptCount.Load() > 0 {
		return
	}
	if t.cpu.ShouldPreempt() {
		Yield(ctx)
	}
}
