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

// Package ksync provides the sleeping synchronization primitives of the
// kernel: mutexes, readers-writer locks, semaphores and condition variables.
//
// Every primitive is built on a sched.WaitQueue whose lock also protects the
// primitive's state. A blocking call that returns an error (timeout or
// interruption) has removed the caller from the queue and leaves no state
// behind.
//
// Blocking calls identify the caller by the thread carried in ctx. Host
// goroutines must use a context with a persistent host thread (see
// schedtest.Context) to hold a lock across calls.
package ksync

import (
	"context"

	"kiwi.dev/kiwi/pkg/ktime"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/sync"
	"kiwi.dev/kiwi/pkg/sync/locking"
)

var (
	classesMu sync.Mutex
	classes   = make(map[string]*locking.MutexClass)
)

// classFor returns the lock-order class shared by every lock with the given
// name.
func classFor(name string) *locking.MutexClass {
	if !locking.Enabled || name == "" {
		return nil
	}
	classesMu.Lock()
	defer classesMu.Unlock()
	c, ok := classes[name]
	if !ok {
		c = locking.NewMutexClass(name)
		classes[name] = c
	}
	return c
}

// MutexFlags modify mutex behaviour.
type MutexFlags uint32

const (
	// Recursive allows the holder to lock the mutex again. It is released
	// when every Lock has been matched by an Unlock.
	Recursive MutexFlags = 1 << iota
)

// Mutex is a sleeping mutual exclusion lock. On unlock, ownership passes
// directly to the first waiter.
//
// The zero value is an unlocked, non-recursive mutex.
type Mutex struct {
	name     string
	flags    MutexFlags
	class    *locking.MutexClass
	subclass int

	q         sched.WaitQueue
	holder    *sched.Thread
	recursion int
}

// NewMutex returns a new mutex.
func NewMutex(name string, flags MutexFlags) *Mutex {
	m := &Mutex{}
	m.Init(name, flags)
	return m
}

// Init initializes an embedded mutex. Mutexes sharing a name share a
// lock-order class.
func (m *Mutex) Init(name string, flags MutexFlags) {
	m.name = name
	m.flags = flags
	m.class = classFor(name)
}

// Name returns the name of the mutex.
func (m *Mutex) Name() string {
	return m.name
}

// Lock acquires m, waiting as long as necessary.
func (m *Mutex) Lock(ctx context.Context) {
	if err := m.LockTimeout(ctx, ktime.Infinite, 0); err != nil {
		log.Fatalf("ksync: uninterruptible lock of %q failed: %v", m.name, err)
	}
}

// LockNested acquires m as the given lock-order subclass, for code that
// holds two locks of the same class.
func (m *Mutex) LockNested(ctx context.Context, subclass int) {
	m.Lock(ctx)
	if m.recursion == 1 && subclass != 0 {
		locking.DelLock(m.holder, m.class, 0)
		m.subclass = subclass
		locking.AddLock(m.holder, m.class, subclass)
	}
}

// TryLock acquires m if it can do so without waiting.
func (m *Mutex) TryLock(ctx context.Context) bool {
	return m.LockTimeout(ctx, ktime.Poll, 0) == nil
}

// LockTimeout acquires m. It fails with WouldBlock if timeout is zero and m
// is held, with TimedOut if the timeout expires, and with Interrupted if
// flags include sched.Interruptible and the wait is interrupted.
func (m *Mutex) LockTimeout(ctx context.Context, timeout int64, flags sched.SleepFlags) error {
	t := sched.Current(ctx)
	m.q.Lock()
	switch m.holder {
	case nil:
		m.holder = t
		m.recursion = 1
		m.q.Unlock()
	case t:
		if m.flags&Recursive == 0 {
			m.q.Unlock()
			log.Fatalf("ksync: nested locking of mutex %q by %v", m.name, t)
		}
		m.recursion++
		m.q.Unlock()
		return nil
	default:
		if err := m.q.SleepLocked(ctx, timeout, flags); err != nil {
			return err
		}
		// Ownership was handed over by Unlock.
	}
	locking.AddLock(t, m.class, 0)
	return nil
}

// Unlock releases one level of m. Unlocking a mutex that is not held, or is
// held by another thread, is fatal.
func (m *Mutex) Unlock(ctx context.Context) {
	t := sched.ThreadFromContext(ctx)
	m.q.Lock()
	if m.holder == nil || (t != nil && m.holder != t) {
		holder := m.holder
		m.q.Unlock()
		log.Fatalf("ksync: unlock of mutex %q held by %v from %v", m.name, holder, t)
	}
	m.recursion--
	if m.recursion > 0 {
		m.q.Unlock()
		return
	}
	locking.DelLock(m.holder, m.class, m.subclass)
	m.subclass = 0
	if w := m.q.Peek(); w != nil {
		m.holder = w
		m.recursion = 1
		m.q.WakeThreadLocked(w, nil)
	} else {
		m.holder = nil
	}
	m.q.Unlock()
}

// Held returns true if m is locked.
func (m *Mutex) Held() bool {
	m.q.Lock()
	defer m.q.Unlock()
	return m.holder != nil
}

// HeldBy returns true if m is locked by the thread carried by ctx.
func (m *Mutex) HeldBy(ctx context.Context) bool {
	t := sched.ThreadFromContext(ctx)
	m.q.Lock()
	defer m.q.Unlock()
	return t != nil && m.holder == t
}

// Recursion returns the number of times the holder has locked m.
func (m *Mutex) Recursion() int {
	m.q.Lock()
	defer m.q.Unlock()
	return m.recursion
}

// Holder returns the thread holding m, or nil.
func (m *Mutex) Holder() *sched.Thread {
	m.q.Lock()
	defer m.q.Unlock()
	return m.holder
}

// AssertHeld is fatal if m is not held by the thread carried by ctx.
func (m *Mutex) AssertHeld(ctx context.Context) {
	if !m.HeldBy(ctx) && !(sched.ThreadFromContext(ctx) == nil && m.Held()) {
		log.Fatalf("ksync: mutex %q is not held", m.name)
	}
}

// Waiters returns the number of threads waiting for m.
func (m *Mutex) Waiters() int {
	m.q.Lock()
	defer m.q.Unlock()
	return m.q.Len()
}
