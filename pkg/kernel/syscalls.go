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

	"kiwi.dev/kiwi/pkg/ktime"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/security"
	"kiwi.dev/kiwi/pkg/status"
)

// Syscalls is the system call interface of one user thread. Its methods
// act on behalf of that thread and must only be called from it.
//
// Handles are resolved through the calling process's handle table on
// every call. A thread that has been killed exits at the next system call
// boundary instead of returning.
type Syscalls struct {
	k      *Kernel
	proc   *Process
	thread *Thread
}

func newSyscalls(t *Thread) *Syscalls {
	return &Syscalls{k: t.k, proc: t.proc, thread: t}
}

// System call groups, used as the values of the syscall metric field.
const (
	groupHandle    = "handle"
	groupTime      = "time"
	groupToken     = "token"
	groupIPC       = "ipc"
	groupSemaphore = "semaphore"
	groupFile      = "file"
	groupDevice    = "device"
	groupVM        = "vm"
	groupProcess   = "process"
	groupThread    = "thread"
	groupModule    = "module"
	groupSocket    = "socket"
)

var syscallGroups = []string{
	groupHandle,
	groupTime,
	groupToken,
	groupIPC,
	groupSemaphore,
	groupFile,
	groupDevice,
	groupVM,
	groupProcess,
	groupThread,
	groupModule,
	groupSocket,
}

// Kernel returns the kernel.
func (s *Syscalls) Kernel() *Kernel {
	return s.k
}

// Process returns the calling process.
func (s *Syscalls) Process() *Process {
	return s.proc
}

// Thread returns the calling thread.
func (s *Syscalls) Thread() *Thread {
	return s.thread
}

// enter starts a system call.
func (s *Syscalls) enter(ctx context.Context, group string) {
	s.k.syscalls.Increment(group)
	s.checkKilled(ctx)
}

// checkKilled ends the calling thread if it has been killed. Blocking
// system calls defer it so that a kill that interrupted them takes effect
// on return.
func (s *Syscalls) checkKilled(ctx context.Context) {
	if s.thread.killed.Load() {
		sched.Exit(ctx)
	}
}

// attach places h in the calling process's table and drops the caller's
// reference to h.
func (s *Syscalls) attach(h *object.Handle, flags object.HandleFlags) (object.ID, error) {
	defer h.Release()
	return s.proc.Handles.Attach(h, flags)
}

// Close closes a handle.
func (s *Syscalls) Close(ctx context.Context, id object.ID) error {
	s.enter(ctx, groupHandle)
	return s.proc.Handles.Detach(id)
}

// Duplicate duplicates handle id to dest, or to the lowest free ID if dest
// is object.InvalidID. If force is set an existing handle at dest is
// closed first.
func (s *Syscalls) Duplicate(ctx context.Context, id, dest object.ID, force bool) (object.ID, error) {
	s.enter(ctx, groupHandle)
	return s.proc.Handles.Duplicate(id, dest, force)
}

// Flags returns the flags of a handle table entry.
func (s *Syscalls) Flags(ctx context.Context, id object.ID) (object.HandleFlags, error) {
	s.enter(ctx, groupHandle)
	return s.proc.Handles.Flags(id)
}

// SetFlags sets the flags of a handle table entry.
func (s *Syscalls) SetFlags(ctx context.Context, id object.ID, flags object.HandleFlags) error {
	s.enter(ctx, groupHandle)
	return s.proc.Handles.SetFlags(id, flags)
}

// Type returns the type of the object a handle refers to.
func (s *Syscalls) Type(ctx context.Context, id object.ID) (object.TypeID, error) {
	s.enter(ctx, groupHandle)
	h, err := s.proc.Handles.Lookup(id, object.TypeAny)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	return h.Type.ID(), nil
}

// Wait waits for events on objects. See object.Wait.
func (s *Syscalls) Wait(ctx context.Context, events []object.WaitEvent, flags object.WaitFlags, timeout int64) error {
	s.enter(ctx, groupHandle)
	defer s.checkKilled(ctx)
	return object.Wait(ctx, s.proc.Handles, events, flags, timeout)
}

// SetCallback registers fn to be called each time an edge-triggered event
// occurs. See object.Table.SetCallback.
func (s *Syscalls) SetCallback(ctx context.Context, ev object.WaitEvent, fn func(object.WaitEvent)) error {
	s.enter(ctx, groupHandle)
	return s.proc.Handles.SetCallback(ev, fn)
}

// TimeSource selects a clock.
type TimeSource int

// Time sources.
const (
	// TimeBoot is the time since boot.
	TimeBoot TimeSource = iota

	// TimeReal is the real time, in nanoseconds since the UNIX epoch.
	TimeReal
)

// Sleep sleeps for timeout nanoseconds. A zero timeout yields the CPU.
// The sleep can be interrupted.
func (s *Syscalls) Sleep(ctx context.Context, timeout int64) error {
	s.enter(ctx, groupTime)
	defer s.checkKilled(ctx)
	if timeout < 0 {
		return status.InvalidArg
	}
	if timeout == 0 {
		sched.Yield(ctx)
		return nil
	}
	var q sched.WaitQueue
	if err := q.Sleep(ctx, timeout, sched.Interruptible); err != status.TimedOut {
		return err
	}
	return nil
}

// CurrentTime returns the current time of a clock.
func (s *Syscalls) CurrentTime(ctx context.Context, source TimeSource) (ktime.Time, error) {
	s.enter(ctx, groupTime)
	switch source {
	case TimeBoot:
		return s.k.Clock.BootTime(), nil
	case TimeReal:
		return s.k.Clock.RealTime(), nil
	default:
		return ktime.Time{}, status.InvalidArg
	}
}

// SetTime sets the current time of a clock. Only the real time clock can
// be set, which requires PrivSetTime.
func (s *Syscalls) SetTime(ctx context.Context, source TimeSource, t ktime.Time) error {
	s.enter(ctx, groupTime)
	if source != TimeReal {
		return status.InvalidArg
	}
	if !s.proc.Token().Has(security.PrivSetTime) {
		return status.PermDenied
	}
	s.k.Clock.SetRealTime(t)
	log.Infof("kernel: real time set to %v by %v", t, s.proc)
	return nil
}

// TokenCreate creates a token holding sc. The calling process's token
// limits the privileges and identity sc may hold; see security.NewToken.
func (s *Syscalls) TokenCreate(ctx context.Context, sc security.Context) (object.ID, error) {
	s.enter(ctx, groupToken)
	t, err := security.NewToken(s.proc.Token(), sc)
	if err != nil {
		return object.InvalidID, err
	}
	defer t.Release()
	return security.Publish(s.proc.Handles, t)
}

// TokenQuery returns the security context of a token. With
// object.InvalidID it returns that of the calling process.
func (s *Syscalls) TokenQuery(ctx context.Context, id object.ID) (security.Context, error) {
	s.enter(ctx, groupToken)
	if id == object.InvalidID {
		return s.proc.Token().Context(), nil
	}
	t, err := security.Lookup(s.proc.Handles, id)
	if err != nil {
		return security.Context{}, err
	}
	defer t.Release()
	return t.Context(), nil
}
