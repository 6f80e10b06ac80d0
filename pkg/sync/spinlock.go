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

// Package sync provides the kernel spinlock along with aliases of the
// standard library synchronization primitives.
package sync

import (
	"sync"
	"sync/atomic"
)

// SpinLock protects short critical sections that never sleep: run queues,
// wait queues and connection queues.
//
// Kernel threads only lose their CPU at explicit scheduling points, so a
// holder can never be preempted inside the critical section and the lock
// degrades to a host mutex.
type SpinLock struct {
	mu     sync.Mutex
	locked atomic.Bool
}

// Lock acquires l.
func (l *SpinLock) Lock() {
	l.mu.Lock()
	l.locked.Store(true)
}

// TryLock attempts to acquire l without waiting.
func (l *SpinLock) TryLock() bool {
	if !l.mu.TryLock() {
		return false
	}
	l.locked.Store(true)
	return true
}

// Unlock releases l.
func (l *SpinLock) Unlock() {
	if !l.locked.Swap(false) {
		panic("sync: unlock of unlocked SpinLock")
	}
	l.mu.Unlock()
}

// Held returns true if l is currently locked by anyone.
func (l *SpinLock) Held() bool {
	return l.locked.Load()
}
