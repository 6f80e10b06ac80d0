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
)

// CondVar is a condition variable used with a Mutex.
type CondVar struct {
	name string
	q    sched.WaitQueue
}

// NewCondVar returns a new condition variable.
func NewCondVar(name string) *CondVar {
	return &CondVar{name: name}
}

// Wait releases m, waits for a signal and reacquires m.
func (c *CondVar) Wait(ctx context.Context, m *Mutex) error {
	return c.WaitTimeout(ctx, m, ktime.Infinite, 0)
}

// WaitTimeout releases m, waits for a signal and reacquires m. m is
// reacquired even when the wait fails. Errors are as for
// Mutex.LockTimeout.
func (c *CondVar) WaitTimeout(ctx context.Context, m *Mutex, timeout int64, flags sched.SleepFlags) error {
	if r := m.Recursion(); r != 1 {
		log.Fatalf("ksync: waiting on %q with mutex %q locked %d times", c.name, m.Name(), r)
	}
	c.q.Lock()
	m.Unlock(ctx)
	err := c.q.SleepLocked(ctx, timeout, flags)
	m.Lock(ctx)
	return err
}

// WaitCond waits until cond returns true. cond is evaluated with m held.
func (c *CondVar) WaitCond(ctx context.Context, m *Mutex, cond func() bool) error {
	return c.WaitCondTimeout(ctx, m, cond, ktime.Infinite, 0)
}

// WaitCondTimeout waits until cond returns true or the wait fails.
func (c *CondVar) WaitCondTimeout(ctx context.Context, m *Mutex, cond func() bool, timeout int64, flags sched.SleepFlags) error {
	for !cond() {
		if err := c.WaitTimeout(ctx, m, timeout, flags); err != nil {
			if cond() {
				return nil
			}
			return err
		}
	}
	return nil
}

// Signal wakes one waiter.
func (c *CondVar) Signal() bool {
	return c.q.Wake()
}

// Broadcast wakes every waiter.
func (c *CondVar) Broadcast() int {
	return c.q.WakeAll()
}
