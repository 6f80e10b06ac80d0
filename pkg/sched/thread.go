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
	"fmt"
	"runtime"
	"sync/atomic"

	"kiwi.dev/kiwi/pkg/arch"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/status"
	"kiwi.dev/kiwi/pkg/sync"
)

// State is the scheduling state of a thread.
type State uint32

// Thread states.
const (
	Created State = iota
	Ready
	Running
	Sleeping
	Dead
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Thread priorities. Higher values run first.
const (
	PriorityMin    = 0
	PriorityUser   = 8
	PriorityKernel = 16
	PriorityIRQ    = 24
	PriorityMax    = 31

	numPriorities = PriorityMax + 1
)

// Thread is a kernel thread. Kernel threads execute on a goroutine that only
// runs while the thread owns its CPU. Host threads stand in for goroutines
// outside of the scheduler; they never own a CPU and block their goroutine
// directly.
type Thread struct {
	// ID is the system-wide thread ID. Host threads have ID 0.
	ID uint32

	// Name is a descriptive name.
	Name string

	// Owner is the process owning the thread. It is opaque to the
	// scheduler.
	Owner any

	// Private is available to the owner of the thread.
	Private any

	// Stack is the kernel stack allocated for the thread.
	Stack arch.Addr

	sched    *Scheduler
	host     bool
	priority int
	fn       func(ctx context.Context)
	state    atomic.Uint32

	// cpu is the CPU the thread is pinned to. Set once by Run.
	cpu *CPU

	// run receives one token each time the thread is given its CPU (or,
	// for host threads, each time it is woken).
	run chan struct{}

	// list, prev and next link the thread into a run queue or a wait
	// queue, protected by the lock of that queue.
	list       *threadList
	prev, next *Thread

	// WaitTag is scratch space for the owner of the wait queue the thread
	// sleeps on, protected by that queue's lock.
	WaitTag int

	// sleepMu protects the sleep fields below.
	sleepMu       sync.Mutex
	waitq         *WaitQueue
	sleepSeq      uint64
	interruptible bool
	wakeErr       error

	preemptCount atomic.Int32
	userAccess   atomic.Int32

	// exitQ is woken when the thread dies. exited is protected by exitQ.
	exitQ  WaitQueue
	exited bool
}

// NewHostThread returns a thread representing a host goroutine.
func NewHostThread(name string) *Thread {
	t := &Thread{
		Name:     name,
		host:     true,
		priority: PriorityKernel,
		run:      make(chan struct{}, 1),
	}
	t.state.Store(uint32(Running))
	return t
}

// String implements fmt.Stringer.String.
func (t *Thread) String() string {
	if t.host {
		return fmt.Sprintf("host(%s)", t.Name)
	}
	return fmt.Sprintf("%d(%s)", t.ID, t.Name)
}

// State returns the scheduling state of t.
func (t *Thread) State() State {
	return State(t.state.Load())
}

func (t *Thread) setState(s State) {
	t.state.Store(uint32(s))
}

// IsHost returns true if t is a host thread.
func (t *Thread) IsHost() bool {
	return t.host
}

// CPU returns the CPU t is pinned to, or nil for host threads and threads
// that have not been run.
func (t *Thread) CPU() *CPU {
	return t.cpu
}

// Run makes a created thread runnable. It is placed on the least loaded
// CPU.
func (t *Thread) Run() {
	if t.host || t.State() != Created {
		log.Fatalf("sched: Run of thread %v in state %v", t, t.State())
	}
	c := t.sched.leastLoaded()
	t.cpu = c
	go t.main()
	c.enqueue(t)
	log.Debugf("sched: thread %v runs on CPU %d", t, c.ID)
}

func (t *Thread) main() {
	<-t.run
	defer t.finish()
	t.fn(WithThread(t.sched.BaseContext(), t))
}

// finish marks t dead, wakes joiners and hands the CPU on.
func (t *Thread) finish() {
	t.exitQ.Lock()
	t.exited = true
	t.setState(Dead)
	t.exitQ.WakeAllLocked()
	t.exitQ.Unlock()
	if n := t.preemptCount.Load(); n != 0 {
		log.Warningf("sched: thread %v exited with preemption disabled (%d)", t, n)
	}
	t.cpu.switchOut(t)
}

// Exit terminates the calling kernel thread. Deferred calls run first.
func Exit(ctx context.Context) {
	t := ThreadFromContext(ctx)
	if t == nil || t.host {
		log.Fatalf("sched: Exit called outside of a kernel thread")
	}
	runtime.Goexit()
}

// Join waits for t to exit.
func (t *Thread) Join(ctx context.Context) error {
	t.exitQ.Lock()
	if t.exited {
		t.exitQ.Unlock()
		return nil
	}
	return t.exitQ.SleepLocked(ctx, -1, Interruptible)
}

// Release reaps a dead thread: its ID returns to the allocator and its
// kernel stack is freed.
func (t *Thread) Release() {
	if t.State() != Dead {
		log.Fatalf("sched: releasing live thread %v", t)
	}
	t.sched.reap(t)
}

// Discard reaps a thread that was created but never run.
func (t *Thread) Discard() {
	if t.State() != Created {
		log.Fatalf("sched: discarding thread %v in state %v", t, t.State())
	}
	t.setState(Dead)
	t.sched.reap(t)
}

// Interrupt wakes t if it is in an interruptible sleep; the sleep returns
// Interrupted. It returns true if t was woken.
func (t *Thread) Interrupt() bool {
	t.sleepMu.Lock()
	q, seq, ok := t.waitq, t.sleepSeq, t.interruptible
	t.sleepMu.Unlock()
	if q == nil || !ok {
		return false
	}
	return q.cancel(t, seq, status.Interrupted)
}

// BeginUserAccess marks the start of a safe user memory access. A fault taken
// while the mark is set aborts the access with InvalidAddr instead of being
// fatal.
func (t *Thread) BeginUserAccess() {
	t.userAccess.Add(1)
}

// EndUserAccess clears the mark set by BeginUserAccess.
func (t *Thread) EndUserAccess() {
	if t.userAccess.Add(-1) < 0 {
		log.Fatalf("sched: unbalanced EndUserAccess on %v", t)
	}
}

// InUserAccess returns true if t is inside a safe user memory access.
func (t *Thread) InUserAccess() bool {
	return t.userAccess.Load() > 0
}

// block gives up the CPU until the thread is woken.
func (t *Thread) block() {
	if !t.host {
		if n := t.preemptCount.Load(); n != 0 {
			log.Debugf("sched: thread %v sleeping with preemption disabled (%d)", t, n)
		}
		t.cpu.switchOut(t)
	}
	<-t.run
}

// ready makes a woken thread runnable.
func (t *Thread) ready() {
	if t.host {
		t.setState(Running)
		t.run <- struct{}{}
		return
	}
	t.cpu.enqueue(t)
}
