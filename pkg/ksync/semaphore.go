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
	"math"

	"kiwi.dev/kiwi/pkg/ktime"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/status"
)

// Semaphore is a counting semaphore.
type Semaphore struct {
	name string

	q     sched.WaitQueue
	count uint32

	// notify is called, without the semaphore lock, when the count
	// becomes non-zero.
	notify func()
}

// NewSemaphore returns a semaphore with the given initial count.
func NewSemaphore(name string, count uint32) *Semaphore {
	return &Semaphore{name: name, count: count}
}

// SetNotifier sets a function called whenever the count becomes non-zero.
func (s *Semaphore) SetNotifier(fn func()) {
	s.q.Lock()
	defer s.q.Unlock()
	s.notify = fn
}

// Down decrements the count, waiting for it to become non-zero.
func (s *Semaphore) Down(ctx context.Context) {
	if err := s.DownTimeout(ctx, ktime.Infinite, 0); err != nil {
		log.Fatalf("ksync: uninterruptible down of %q failed: %v", s.name, err)
	}
}

// DownTimeout decrements the count. Errors are as for Mutex.LockTimeout.
func (s *Semaphore) DownTimeout(ctx context.Context, timeout int64, flags sched.SleepFlags) error {
	s.q.Lock()
	if s.count > 0 {
		s.count--
		s.q.Unlock()
		return nil
	}
	// Up hands the unit directly to the woken waiter.
	return s.q.SleepLocked(ctx, timeout, flags)
}

// Up wakes up to n waiters and adds the remainder to the count. It fails
// with Overflow, changing nothing, if the count would wrap.
func (s *Semaphore) Up(n uint32) error {
	s.q.Lock()
	woken := uint32(min(uint64(n), uint64(s.q.Len())))
	rem := n - woken
	if rem > math.MaxUint32-s.count {
		s.q.Unlock()
		return status.Overflow
	}
	for i := uint32(0); i < woken; i++ {
		s.q.WakeLocked()
	}
	wasZero := s.count == 0
	s.count += rem
	notify := s.notify
	s.q.Unlock()
	if wasZero && rem > 0 && notify != nil {
		notify()
	}
	return nil
}

// Count returns the current count.
func (s *Semaphore) Count() uint32 {
	s.q.Lock()
	defer s.q.Unlock()
	return s.count
}

// Waiters returns the number of threads waiting on s.
func (s *Semaphore) Waiters() int {
	s.q.Lock()
	defer s.q.Unlock()
	return s.q.Len()
}
