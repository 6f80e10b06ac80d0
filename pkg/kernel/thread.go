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
	"fmt"
	"sync/atomic"

	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/status"
	"kiwi.dev/kiwi/pkg/sync"
)

// ThreadID identifies a user thread.
type ThreadID int32

// ThreadEventDeath is signalled, with the exit status as data, when a
// thread exits.
const ThreadEventDeath uint32 = 0

// ThreadFunc is the entry point of a user thread. Its return value is the
// thread's exit status.
type ThreadFunc func(ctx context.Context, sys *Syscalls) int

// Thread is a thread of a user process. It runs on a kernel thread whose
// Owner is the process and whose Private is the Thread.
type Thread struct {
	// ID, proc and k are immutable.
	ID   ThreadID
	proc *Process
	k    *Kernel

	killed atomic.Bool

	// mu protects the fields below.
	mu     sync.Mutex
	cancel context.CancelFunc
	name   string
	dead   bool
	status int
	// refs counts handles to the thread, references held by the kernel
	// and one while the thread runs.
	refs int

	deathN object.Notifier
}

// String implements fmt.Stringer.String.
func (t *Thread) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("%d(%s)", t.ID, t.name)
}

// Process returns the process t belongs to.
func (t *Thread) Process() *Process {
	return t.proc
}

// Status returns the exit status of t. It fails with StillRunning until t
// has exited.
func (t *Thread) Status() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dead {
		return 0, status.StillRunning
	}
	return t.status, nil
}

// IncRef takes a reference to t.
func (t *Thread) IncRef() {
	t.mu.Lock()
	t.refs++
	t.mu.Unlock()
}

// DecRef drops a reference to t.
func (t *Thread) DecRef() {
	t.mu.Lock()
	if t.refs <= 0 {
		t.mu.Unlock()
		log.Fatalf("kernel: thread %d released too many times", t.ID)
	}
	t.refs--
	last := t.refs == 0
	t.mu.Unlock()
	if !last {
		return
	}
	k := t.k
	k.mu.Lock()
	delete(k.threads, t.ID)
	k.mu.Unlock()
	k.tids.Free(uint32(t.ID))
}

func (t *Thread) setStatus(status int) {
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
}

// kill asks t to exit. An interruptible sleep of t is interrupted; every
// thread exits at its next system call boundary.
func (t *Thread) kill() {
	if t.killed.Swap(true) {
		return
	}
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// run runs fn on t. fn gets a context that is cancelled when t is killed.
func (t *Thread) run(ctx context.Context, fn ThreadFunc) {
	defer t.exit(ctx)
	uctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	if t.killed.Load() {
		return
	}
	t.setStatus(fn(uctx, newSyscalls(t)))
}

// exit runs on t as it terminates, whether fn returned or the thread
// called sched.Exit.
func (t *Thread) exit(ctx context.Context) {
	t.mu.Lock()
	t.dead = true
	exit := t.status
	t.mu.Unlock()
	log.Debugf("kernel: thread %v exited with status %d", t, exit)
	t.deathN.Run(uint64(int64(exit)), true)
	t.proc.detach(ctx, t)
	t.DecRef()
}

// CreateThread starts a thread running fn in p. The returned thread
// carries a reference for the caller.
func (k *Kernel) CreateThread(ctx context.Context, p *Process, name string, fn ThreadFunc) (*Thread, error) {
	if err := k.running(); err != nil {
		return nil, err
	}
	if p == k.kernelProc || name == "" || fn == nil {
		return nil, status.InvalidArg
	}
	bit, ok := k.tids.Alloc()
	if !ok {
		return nil, status.ThreadLimit
	}
	t := &Thread{
		ID:   ThreadID(bit),
		proc: p,
		k:    k,
		name: name,
		refs: 2,
	}
	if err := p.attach(t); err != nil {
		k.tids.Free(bit)
		return nil, err
	}
	kt, err := k.Sched.NewThread(p, name, sched.PriorityUser, func(ctx context.Context) {
		t.run(ctx, fn)
	})
	if err != nil {
		t.dead = true
		p.detach(ctx, t)
		k.tids.Free(bit)
		return nil, err
	}
	kt.Private = t

	k.mu.Lock()
	k.threads[t.ID] = t
	k.mu.Unlock()

	kt.Run()
	k.reap(kt)
	log.Debugf("kernel: created thread %v in %v", t, p)
	return t, nil
}

// LookupThread returns the live thread with the given ID, with a
// reference.
func (k *Kernel) LookupThread(id ThreadID) (*Thread, error) {
	k.mu.Lock()
	t, ok := k.threads[id]
	k.mu.Unlock()
	if !ok {
		return nil, status.NotFound
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead || t.refs == 0 {
		return nil, status.NotFound
	}
	t.refs++
	return t, nil
}

type threadType struct{}

// ThreadType is the object type of thread handles.
var ThreadType object.Type = threadType{}

func (threadType) ID() object.TypeID       { return object.TypeThread }
func (threadType) Flags() object.TypeFlags { return object.Transferrable }

func (threadType) Close(h *object.Handle) {
	h.Private.(*Thread).DecRef()
}

func (threadType) Name(h *object.Handle) string {
	return h.Private.(*Thread).String()
}

func (threadType) Wait(h *object.Handle, e *object.Event) error {
	t := h.Private.(*Thread)
	if e.ID != ThreadEventDeath {
		return status.InvalidEvent
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead && e.Flags&object.EdgeTriggered == 0 {
		e.Signal(uint64(int64(t.status)))
		return nil
	}
	t.deathN.RegisterEvent(e)
	return nil
}

func (threadType) Unwait(h *object.Handle, e *object.Event) {
	h.Private.(*Thread).deathN.UnregisterEvent(e)
}

// newThreadHandle returns a handle to t, taking a reference for it.
func newThreadHandle(t *Thread) *object.Handle {
	t.IncRef()
	return object.NewHandle(ThreadType, t)
}
