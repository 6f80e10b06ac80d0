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

package kernel

import (
	"context"

	"kiwi.dev/kiwi/pkg/ksync"
	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/status"
)

// SemaphoreEventUp is signalled when the count of a semaphore becomes
// non-zero.
const SemaphoreEventUp uint32 = 0

// semaphore is a user semaphore object.
type semaphore struct {
	sem *ksync.Semaphore
	upN object.Notifier
}

func newSemaphore(name string, count uint32) *semaphore {
	s := &semaphore{sem: ksync.NewSemaphore(name, count)}
	s.sem.SetNotifier(func() { s.upN.Run(0, false) })
	return s
}

type semaphoreType struct{}

// SemaphoreType is the object type of semaphore handles.
var SemaphoreType object.Type = semaphoreType{}

func (semaphoreType) ID() object.TypeID       { return object.TypeSemaphore }
func (semaphoreType) Flags() object.TypeFlags { return object.Transferrable }
func (semaphoreType) Close(*object.Handle)    {}

func (semaphoreType) Wait(h *object.Handle, e *object.Event) error {
	s := h.Private.(*semaphore)
	if e.ID != SemaphoreEventUp {
		return status.InvalidEvent
	}
	s.upN.RegisterEvent(e)
	if e.Flags&object.EdgeTriggered == 0 && s.sem.Count() > 0 {
		s.upN.UnregisterEvent(e)
		e.Signal(0)
	}
	return nil
}

func (semaphoreType) Unwait(h *object.Handle, e *object.Event) {
	h.Private.(*semaphore).upN.UnregisterEvent(e)
}

func (s *Syscalls) semaphore(id object.ID) (*semaphore, *object.Handle, error) {
	h, err := s.proc.Handles.Lookup(id, object.TypeSemaphore)
	if err != nil {
		return nil, nil, err
	}
	return h.Private.(*semaphore), h, nil
}

// SemaphoreCreate creates a semaphore with the given initial count.
func (s *Syscalls) SemaphoreCreate(ctx context.Context, name string, count uint32) (object.ID, error) {
	s.enter(ctx, groupSemaphore)
	if name == "" {
		name = "user_semaphore"
	}
	return s.attach(object.NewHandle(SemaphoreType, newSemaphore(name, count)), 0)
}

// SemaphoreDown decrements the count of a semaphore, waiting for up to
// timeout for it to become non-zero. The wait can be interrupted.
func (s *Syscalls) SemaphoreDown(ctx context.Context, id object.ID, timeout int64) error {
	s.enter(ctx, groupSemaphore)
	defer s.checkKilled(ctx)
	sem, h, err := s.semaphore(id)
	if err != nil {
		return err
	}
	defer h.Release()
	return sem.sem.DownTimeout(ctx, timeout, sched.Interruptible)
}

// SemaphoreUp adds n to the count of a semaphore, waking waiters first.
func (s *Syscalls) SemaphoreUp(ctx context.Context, id object.ID, n uint32) error {
	s.enter(ctx, groupSemaphore)
	sem, h, err := s.semaphore(id)
	if err != nil {
		return err
	}
	defer h.Release()
	return sem.sem.Up(n)
}

// SemaphoreCount returns the count of a semaphore.
func (s *Syscalls) SemaphoreCount(ctx context.Context, id object.ID) (uint32, error) {
	s.enter(ctx, groupSemaphore)
	sem, h, err := s.semaphore(id)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	return sem.sem.Count(), nil
}
