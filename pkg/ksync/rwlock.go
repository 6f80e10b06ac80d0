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

package ksync

import (
	"context"

	"kiwi.dev/kiwi/pkg/ktime"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/sync/locking"
)

// Wait tags of RWLock waiters.
const (
	waitReader = iota + 1
	waitWriter
)

// RWLock is a readers-writer lock. A reader that arrives while a writer waits
// queues behind the writer, so writers are not starved. On release,
// ownership is transferred to the next writer in the queue or to every
// reader up to the next writer.
//
// The zero value is an unlocked lock.
type RWLock struct {
	name  string
	class *locking.MutexClass

	q       sched.WaitQueue
	readers int
	writer  *sched.Thread
}

// NewRWLock returns a new readers-writer lock.
func NewRWLock(name string) *RWLock {
	l := &RWLock{}
	l.Init(name)
	return l
}

// Init initializes an embedded lock.
func (l *RWLock) Init(name string) {
	l.name = name
	l.class = classFor(name)
}

// RLock acquires l for reading.
func (l *RWLock) RLock(ctx context.Context) {
	if err := l.RLockTimeout(ctx, ktime.Infinite, 0); err != nil {
		log.Fatalf("ksync: uninterruptible read lock of %q failed: %v", l.name, err)
	}
}

// WLock acquires l for writing.
func (l *RWLock) WLock(ctx context.Context) {
	if err := l.WLockTimeout(ctx, ktime.Infinite, 0); err != nil {
		log.Fatalf("ksync: uninterruptible write lock of %q failed: %v", l.name, err)
	}
}

// RLockTimeout acquires l for reading. Errors are as for
// Mutex.LockTimeout.
func (l *RWLock) RLockTimeout(ctx context.Context, timeout int64, flags sched.SleepFlags) error {
	t := sched.Current(ctx)
	l.q.Lock()
	if l.writer == nil && l.q.Empty() {
		l.readers++
		l.q.Unlock()
	} else {
		t.WaitTag = waitReader
		if err := l.q.SleepLocked(ctx, timeout, flags); err != nil {
			return err
		}
	}
	locking.AddLock(t, l.class, 0)
	return nil
}

// WLockTimeout acquires l for writing. Errors are as for
// Mutex.LockTimeout.
func (l *RWLock) WLockTimeout(ctx context.Context, timeout int64, flags sched.SleepFlags) error {
	t := sched.Current(ctx)
	l.q.Lock()
	if l.writer == nil && l.readers == 0 {
		l.writer = t
		l.q.Unlock()
	} else {
		t.WaitTag = waitWriter
		if err := l.q.SleepLocked(ctx, timeout, flags); err != nil {
			// Readers may have queued behind this writer while the lock
			// was held for reading; let them in.
			l.q.Lock()
			if l.writer == nil {
				l.transferLocked()
			}
			l.q.Unlock()
			return err
		}
	}
	locking.AddLock(t, l.class, 0)
	return nil
}

// transferLocked hands l to the next writer, or to every reader up to the
// next writer. Precondition: l.q is locked and no writer holds l.
func (l *RWLock) transferLocked() {
	for w := l.q.Peek(); w != nil; w = l.q.Peek() {
		if w.WaitTag == waitWriter {
			if l.readers == 0 {
				l.writer = w
				l.q.WakeThreadLocked(w, nil)
			}
			return
		}
		l.readers++
		l.q.WakeThreadLocked(w, nil)
	}
}

// Unlock releases l, held for either reading or writing. Unlocking a lock
// that is not held is fatal.
func (l *RWLock) Unlock(ctx context.Context) {
	t := sched.ThreadFromContext(ctx)
	l.q.Lock()
	switch {
	case l.writer != nil:
		if t != nil && l.writer != t {
			writer := l.writer
			l.q.Unlock()
			log.Fatalf("ksync: unlock of rwlock %q held for writing by %v from %v", l.name, writer, t)
		}
		locking.DelLock(l.writer, l.class, 0)
		l.writer = nil
	case l.readers > 0:
		if t != nil {
			locking.DelLock(t, l.class, 0)
		}
		l.readers--
	default:
		l.q.Unlock()
		log.Fatalf("ksync: unlock of unheld rwlock %q", l.name)
	}
	if l.readers == 0 {
		l.transferLocked()
	}
	l.q.Unlock()
}

// Readers returns the number of readers holding l.
func (l *RWLock) Readers() int {
	l.q.Lock()
	defer l.q.Unlock()
	return l.readers
}

// Writer returns the thread holding l for writing, or nil.
func (l *RWLock) Writer() *sched.Thread {
	l.q.Lock()
	defer l.q.Unlock()
	return l.writer
}

// Waiters returns the number of threads waiting for l.
func (l *RWLock) Waiters() int {
	l.q.Lock()
	defer l.q.Unlock()
	return l.q.Len()
}
