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

	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/security"
	"kiwi.dev/kiwi/pkg/status"
	"kiwi.dev/kiwi/pkg/sync"
	"kiwi.dev/kiwi/pkg/vm"
)

// ProcessID identifies a process.
type ProcessID int32

// ProcessEventDeath is signalled, with the exit status as data, when the
// last thread of a process exits.
const ProcessEventDeath uint32 = 0

type processState int

const (
	processCreated processState = iota
	processRunning
	processDead
)

// Process is a user process: an address space, a handle table, a security
// token and the threads running in them.
//
// A process dies when its last thread exits, which destroys its address
// space and closes its handle table. The Process itself lives on, holding
// its exit status, until the last reference to it is dropped.
type Process struct {
	// ID and Handles are immutable.
	ID      ProcessID
	Handles *object.Table

	k *Kernel

	// mu protects the fields below.
	mu      sync.Mutex
	name    string
	token   *security.Token
	as      *vm.AddressSpace
	pgid    ProcessID
	sid     ProcessID
	state   processState
	threads map[*Thread]struct{}
	status  int
	// refs counts handles to the process, its threads and references
	// held by the kernel.
	refs int

	deathN object.Notifier

	// deathQ is woken when the process dies. exited is protected by it.
	deathQ sched.WaitQueue
	exited bool
}

// newProcess returns a process with no references.
func newProcess(k *Kernel, id ProcessID, name string, token *security.Token, as *vm.AddressSpace) *Process {
	p := &Process{
		ID:      id,
		k:       k,
		name:    name,
		token:   token,
		as:      as,
		pgid:    id,
		sid:     id,
		threads: make(map[*Thread]struct{}),
	}
	p.Handles = object.NewTable(p)
	return p
}

// String implements fmt.Stringer.String.
func (p *Process) String() string {
	return fmt.Sprintf("%d(%s)", p.ID, p.Name())
}

// RefType implements refs.CheckedObject.RefType.
func (p *Process) RefType() string {
	return "process"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (p *Process) LeakMessage() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("%d(%s) holds %d references", p.ID, p.name, p.refs)
}

// Name returns the process name.
func (p *Process) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// Token implements ipc.TokenOwner.Token.
func (p *Process) Token() *security.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// AddressSpace returns the address space of p, or nil once p is dead or
// for the kernel process.
func (p *Process) AddressSpace() *vm.AddressSpace {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.as
}

// Group returns the process group and session IDs of p.
func (p *Process) Group() (pgid, sid ProcessID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pgid, p.sid
}

// Threads returns the number of live threads in p.
func (p *Process) Threads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}

// Status returns the exit status of p. It fails with StillRunning until p
// has died.
func (p *Process) Status() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != processDead {
		return 0, status.StillRunning
	}
	return p.status, nil
}

// Wait waits for p to die and returns its exit status.
func (p *Process) Wait(ctx context.Context, timeout int64) (int, error) {
	p.deathQ.Lock()
	if !p.exited {
		if err := p.deathQ.SleepLocked(ctx, timeout, sched.Interruptible); err != nil {
			return 0, err
		}
	} else {
		p.deathQ.Unlock()
	}
	return p.Status()
}

// IncRef takes a reference to p.
func (p *Process) IncRef() {
	p.mu.Lock()
	p.refs++
	p.mu.Unlock()
}

// DecRef drops a reference to p. The last reference removes p from the
// kernel.
func (p *Process) DecRef() {
	p.mu.Lock()
	if p.refs <= 0 {
		p.mu.Unlock()
		log.Fatalf("kernel: process %d released too many times", p.ID)
	}
	p.refs--
	if p.refs > 0 || p == p.k.kernelProc {
		p.mu.Unlock()
		return
	}
	live := p.state != processDead
	p.mu.Unlock()
	if live {
		// The process never ran a thread.
		p.cleanup(p.k.Sched.BaseContext())
	}
	p.destroy()
}

func (p *Process) destroy() {
	k := p.k
	k.mu.Lock()
	delete(k.processes, p.ID)
	k.mu.Unlock()
	k.pids.Free(uint32(p.ID))
	k.leaks.Unregister(p)

	p.mu.Lock()
	token := p.token
	p.token = nil
	p.mu.Unlock()
	token.Release()
	log.Debugf("kernel: destroyed process %d", p.ID)
}

// cleanup releases the resources of a process that is no longer running.
func (p *Process) cleanup(ctx context.Context) {
	p.mu.Lock()
	as := p.as
	p.as = nil
	p.state = processDead
	p.mu.Unlock()
	if as != nil {
		p.k.unloadContext(as.Context())
		as.Destroy(ctx)
	}
	p.Handles.Close()
}

// attach adds t to p.
func (p *Process) attach(t *Thread) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == processDead {
		return status.InvalidArg
	}
	p.state = processRunning
	p.threads[t] = struct{}{}
	p.refs++
	return nil
}

// detach removes t from p. The last thread to leave kills the process.
func (p *Process) detach(ctx context.Context, t *Thread) {
	p.mu.Lock()
	delete(p.threads, t)
	last := len(p.threads) == 0
	exit := p.status
	p.mu.Unlock()

	if last {
		p.cleanup(ctx)
		log.Debugf("kernel: process %v exited with status %d", p, exit)
		p.deathN.Run(uint64(int64(exit)), true)
		p.deathQ.Lock()
		p.exited = true
		p.deathQ.WakeAllLocked()
		p.deathQ.Unlock()
	}
	p.DecRef()
}

// kill sets the exit status of p and kills every thread but except, which
// may be nil.
func (p *Process) kill(status int, except *Thread) {
	p.mu.Lock()
	p.status = status
	threads := make([]*Thread, 0, len(p.threads))
	for t := range p.threads {
		threads = append(threads, t)
	}
	p.mu.Unlock()
	for _, t := range threads {
		if t != except {
			t.kill()
		}
	}
}

// CreateProcess creates a process with no threads as a child of parent.
// handleMap selects the handles copied from parent as for
// object.Table.Inherit. A nil token inherits the parent's. The returned
// process carries a reference for the caller.
func (k *Kernel) CreateProcess(ctx context.Context, parent *Process, name string, handleMap []object.Mapping, token *security.Token) (*Process, error) {
	if err := k.running(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, status.InvalidArg
	}
	bit, ok := k.pids.Alloc()
	if !ok {
		return nil, status.ProcessLimit
	}
	id := ProcessID(bit)
	as, err := vm.New(ctx, k.MMU)
	if err != nil {
		k.pids.Free(bit)
		return nil, err
	}
	if token == nil {
		token = parent.Token().Inherit()
	} else {
		token.Retain()
	}
	p := newProcess(k, id, name, token, as)
	p.refs = 1
	k.leaks.Register(p)
	p.pgid, p.sid = parent.Group()
	if parent == k.kernelProc {
		p.pgid, p.sid = id, id
	}

	k.mu.Lock()
	k.processes[id] = p
	k.mu.Unlock()

	if err := p.Handles.Inherit(parent.Handles, handleMap); err != nil {
		p.DecRef()
		return nil, err
	}
	log.Debugf("kernel: created process %v, parent %v", p, parent)
	return p, nil
}

// LookupProcess returns the live process with the given ID, with a
// reference. The kernel process cannot be looked up.
func (k *Kernel) LookupProcess(id ProcessID) (*Process, error) {
	k.mu.Lock()
	p, ok := k.processes[id]
	k.mu.Unlock()
	if !ok || p == k.kernelProc {
		return nil, status.NotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == processDead || p.refs == 0 {
		return nil, status.NotFound
	}
	p.refs++
	return p, nil
}

// Processes returns the number of processes, including the kernel
// process.
func (k *Kernel) Processes() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.processes)
}

type processType struct{}

// ProcessType is the object type of process handles.
var ProcessType object.Type = processType{}

func (processType) ID() object.TypeID       { return object.TypeProcess }
func (processType) Flags() object.TypeFlags { return object.Transferrable }

func (processType) Close(h *object.Handle) {
	h.Private.(*Process).DecRef()
}

func (processType) Name(h *object.Handle) string {
	return h.Private.(*Process).String()
}

func (processType) Wait(h *object.Handle, e *object.Event) error {
	p := h.Private.(*Process)
	if e.ID != ProcessEventDeath {
		return status.InvalidEvent
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == processDead && e.Flags&object.EdgeTriggered == 0 {
		e.Signal(uint64(int64(p.status)))
		return nil
	}
	p.deathN.RegisterEvent(e)
	return nil
}

func (processType) Unwait(h *object.Handle, e *object.Event) {
	h.Private.(*Process).deathN.UnregisterEvent(e)
}

// newProcessHandle returns a handle to p, taking a reference for it.
func newProcessHandle(p *Process) *object.Handle {
	p.IncRef()
	return object.NewHandle(ProcessType, p)
}
