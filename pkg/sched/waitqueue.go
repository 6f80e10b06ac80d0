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
	"time"

	"kiwi.dev/kiwi/pkg/status"
	"kiwi.dev/kiwi/pkg/sync"
)

// SleepFlags modify the behaviour of a sleep.
type SleepFlags uint32

const (
	// Interruptible allows the sleep to be ended by Thread.Interrupt or by
	// cancellation of the sleeper's context.
	Interruptible SleepFlags = 1 << iota
)

// WaitQueue is a list of sleeping threads.
//
// The queue lock doubles as the state lock of the primitive that owns the
// queue: callers check their condition with the lock held and then call
// SleepLocked, which queues the thread and drops the lock atomically with
// respect to wakers.
//
// A thread that returns from a sleep for any reason is no longer on the
// queue.
type WaitQueue struct {
	mu   sync.SpinLock
	list threadList
}

// Lock locks q.
func (q *WaitQueue) Lock() {
	q.mu.Lock()
}

// Unlock unlocks q.
func (q *WaitQueue) Unlock() {
	q.mu.Unlock()
}

// Len returns the number of sleepers. Precondition: q is locked.
func (q *WaitQueue) Len() int {
	return q.list.len
}

// Empty returns true if nothing sleeps on q. Precondition: q is locked.
func (q *WaitQueue) Empty() bool {
	return q.list.empty()
}

// Peek returns the first sleeper, or nil. Precondition: q is locked.
func (q *WaitQueue) Peek() *Thread {
	return q.list.front()
}

// Sleep waits on q until woken. See SleepLocked.
func (q *WaitQueue) Sleep(ctx context.Context, timeout int64, flags SleepFlags) error {
	q.Lock()
	return q.SleepLocked(ctx, timeout, flags)
}

// SleepLocked queues the current thread on q, unlocks q and waits until the
// thread is woken, the timeout expires (TimedOut) or an interruptible sleep
// is interrupted (Interrupted). A zero timeout returns WouldBlock without
// sleeping; a negative one never expires. The error passed by the waker is
// returned.
//
// Precondition: q is locked. It is unlocked on return.
func (q *WaitQueue) SleepLocked(ctx context.Context, timeout int64, flags SleepFlags) error {
	if timeout == 0 {
		q.mu.Unlock()
		return status.WouldBlock
	}
	interruptible := flags&Interruptible != 0
	if interruptible && ctx.Err() != nil {
		q.mu.Unlock()
		return status.Interrupted
	}

	t := Current(ctx)
	t.sleepMu.Lock()
	t.sleepSeq++
	seq := t.sleepSeq
	t.waitq = q
	t.interruptible = interruptible
	t.wakeErr = nil
	t.setState(Sleeping)
	t.sleepMu.Unlock()
	q.list.pushBack(t)
	q.mu.Unlock()

	if timeout > 0 {
		timer := time.AfterFunc(time.Duration(timeout), func() {
			q.cancel(t, seq, status.TimedOut)
		})
		defer timer.Stop()
	}
	if interruptible {
		stop := context.AfterFunc(ctx, func() {
			q.cancel(t, seq, status.Interrupted)
		})
		defer stop()
	}

	t.block()

	t.sleepMu.Lock()
	defer t.sleepMu.Unlock()
	return t.wakeErr
}

// cancel wakes t with err if it is still in the sleep numbered seq on q.
func (q *WaitQueue) cancel(t *Thread, seq uint64, err error) bool {
	q.mu.Lock()
	t.sleepMu.Lock()
	if t.waitq != q || t.sleepSeq != seq {
		t.sleepMu.Unlock()
		q.mu.Unlock()
		return false
	}
	t.waitq = nil
	t.wakeErr = err
	t.sleepMu.Unlock()
	q.list.remove(t)
	q.mu.Unlock()
	t.ready()
	return true
}

// WakeThreadLocked removes t from q and wakes it; its sleep returns err.
// Precondition: q is locked and t sleeps on q.
func (q *WaitQueue) WakeThreadLocked(t *Thread, err error) {
	t.sleepMu.Lock()
	t.waitq = nil
	t.wakeErr = err
	t.sleepMu.Unlock()
	q.list.remove(t)
	t.ready()
}

// WakeLocked wakes the first sleeper. Precondition: q is locked.
func (q *WaitQueue) WakeLocked() bool {
	t := q.list.front()
	if t == nil {
		return false
	}
	q.WakeThreadLocked(t, nil)
	return true
}

// WakeAllLocked wakes every sleeper. Precondition: q is locked.
func (q *WaitQueue) WakeAllLocked() int {
	n := 0
	for q.WakeLocked() {
		n++
	}
	return n
}

// Wake wakes the first sleeper and returns true if there was one.
func (q *WaitQueue) Wake() bool {
	q.Lock()
	defer q.Unlock()
	return q.WakeLocked()
}

// WakeAll wakes every sleeper and returns how many there were.
func (q *WaitQueue) WakeAll() int {
	q.Lock()
	defer q.Unlock()
	return q.WakeAllLocked()
}
