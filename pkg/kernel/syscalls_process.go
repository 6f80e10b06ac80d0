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

	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/security"
	"kiwi.dev/kiwi/pkg/status"
	"kiwi.dev/kiwi/pkg/vm"
)

// ExecArgs describe the program a process runs, as passed by a process.
type ExecArgs struct {
	// Program is the name of the registered program to run.
	Program string
	Args    []string

	// Name is the process name. It defaults to Program.
	Name string

	// Handles selects the handles passed to the program, as for
	// object.Table.Inherit.
	Handles []object.Mapping

	// Token is a handle to the security token to run with, or
	// object.InvalidID to keep the caller's.
	Token object.ID
}

func (s *Syscalls) token(id object.ID) (*security.Token, error) {
	if id == object.InvalidID {
		return nil, nil
	}
	return security.Lookup(s.proc.Handles, id)
}

// mayControl returns nil if the calling process may control p.
func (s *Syscalls) mayControl(p *Process) error {
	own := s.proc.Token()
	if own.Has(security.PrivProcessAdmin) {
		return nil
	}
	t := p.Token()
	if t == nil || !own.Context().SameIdentity(t.Context()) {
		return status.PermDenied
	}
	return nil
}

// ProcessCreate starts a child process and returns a handle to it.
func (s *Syscalls) ProcessCreate(ctx context.Context, args ExecArgs) (object.ID, error) {
	s.enter(ctx, groupProcess)
	token, err := s.token(args.Token)
	if err != nil {
		return object.InvalidID, err
	}
	if token != nil {
		defer token.Release()
	}
	p, err := s.k.Spawn(ctx, s.proc, CreateProcessArgs{
		Program: args.Program,
		Args:    args.Args,
		Name:    args.Name,
		Handles: args.Handles,
		Token:   token,
	})
	if err != nil {
		return object.InvalidID, err
	}
	defer p.DecRef()
	return s.attach(newProcessHandle(p), 0)
}

// ProcessExec replaces the program of the calling process, which must
// have no other thread. It does not return on success.
func (s *Syscalls) ProcessExec(ctx context.Context, args ExecArgs) error {
	s.enter(ctx, groupProcess)
	prog, err := s.k.program(args.Program)
	if err != nil {
		return err
	}
	p := s.proc
	if p.Threads() != 1 {
		return status.InUse
	}
	token, err := s.token(args.Token)
	if err != nil {
		return err
	}
	as, err := vm.New(ctx, s.k.MMU)
	if err != nil {
		if token != nil {
			token.Release()
		}
		return err
	}
	if err := p.Handles.Exec(args.Handles); err != nil {
		as.Destroy(ctx)
		if token != nil {
			token.Release()
		}
		return err
	}

	name := args.Name
	if name == "" {
		name = args.Program
	}
	p.mu.Lock()
	old := p.as
	p.as = as
	p.name = name
	oldToken := p.token
	if token != nil {
		p.token = token
	} else {
		oldToken = nil
	}
	p.mu.Unlock()
	s.k.unloadContext(old.Context())
	old.Destroy(ctx)
	if oldToken != nil {
		oldToken.Release()
	}
	log.Debugf("kernel: process %v executing %q", p, args.Program)

	s.ProcessExit(ctx, prog(ctx, s, append([]string(nil), args.Args...)))
	panic("unreachable")
}

// ProcessExit ends the calling process with the given status. Every
// thread of the process is killed. It does not return.
func (s *Syscalls) ProcessExit(ctx context.Context, exit int) {
	s.enter(ctx, groupProcess)
	s.proc.kill(exit, s.thread)
	s.thread.setStatus(exit)
	sched.Exit(ctx)
}

// ProcessID returns the ID of the calling process.
func (s *Syscalls) ProcessID(ctx context.Context) ProcessID {
	s.enter(ctx, groupProcess)
	return s.proc.ID
}

// ProcessOpen returns a handle to a live process. Processes running under
// a different identity need PrivProcessAdmin.
func (s *Syscalls) ProcessOpen(ctx context.Context, id ProcessID) (object.ID, error) {
	s.enter(ctx, groupProcess)
	p, err := s.k.LookupProcess(id)
	if err != nil {
		return object.InvalidID, err
	}
	defer p.DecRef()
	if err := s.mayControl(p); err != nil {
		return object.InvalidID, err
	}
	return s.attach(newProcessHandle(p), 0)
}

func (s *Syscalls) processHandle(id object.ID) (*Process, *object.Handle, error) {
	h, err := s.proc.Handles.Lookup(id, object.TypeProcess)
	if err != nil {
		return nil, nil, err
	}
	return h.Private.(*Process), h, nil
}

// ProcessStatus returns the exit status of a process. It fails with
// StillRunning until the process has died.
func (s *Syscalls) ProcessStatus(ctx context.Context, id object.ID) (int, error) {
	s.enter(ctx, groupProcess)
	p, h, err := s.processHandle(id)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	return p.Status()
}

// ProcessKill kills a process with the given status.
func (s *Syscalls) ProcessKill(ctx context.Context, id object.ID, exit int) error {
	s.enter(ctx, groupProcess)
	p, h, err := s.processHandle(id)
	if err != nil {
		return err
	}
	defer h.Release()
	if err := s.mayControl(p); err != nil {
		return err
	}
	if p == s.proc {
		s.ProcessExit(ctx, exit)
	}
	p.kill(exit, nil)
	return nil
}

// ThreadCreate starts a thread in the calling process and returns a
// handle to it.
func (s *Syscalls) ThreadCreate(ctx context.Context, name string, fn ThreadFunc) (object.ID, error) {
	s.enter(ctx, groupThread)
	t, err := s.k.CreateThread(ctx, s.proc, name, fn)
	if err != nil {
		return object.InvalidID, err
	}
	defer t.DecRef()
	return s.attach(newThreadHandle(t), 0)
}

// ThreadExit ends the calling thread with the given status. The process
// exits with it if it was the last thread. It does not return.
func (s *Syscalls) ThreadExit(ctx context.Context, exit int) {
	s.enter(ctx, groupThread)
	s.thread.setStatus(exit)
	if s.proc.Threads() == 1 {
		s.proc.mu.Lock()
		s.proc.status = exit
		s.proc.mu.Unlock()
	}
	sched.Exit(ctx)
}

// ThreadID returns the ID of the calling thread.
func (s *Syscalls) ThreadID(ctx context.Context) ThreadID {
	s.enter(ctx, groupThread)
	return s.thread.ID
}

// ThreadOpen returns a handle to a live thread of the calling process, or
// of a process it may control.
func (s *Syscalls) ThreadOpen(ctx context.Context, id ThreadID) (object.ID, error) {
	s.enter(ctx, groupThread)
	t, err := s.k.LookupThread(id)
	if err != nil {
		return object.InvalidID, err
	}
	defer t.DecRef()
	if t.proc != s.proc {
		if err := s.mayControl(t.proc); err != nil {
			return object.InvalidID, err
		}
	}
	return s.attach(newThreadHandle(t), 0)
}

// ThreadStatus returns the exit status of a thread. It fails with
// StillRunning until the thread has exited.
func (s *Syscalls) ThreadStatus(ctx context.Context, id object.ID) (int, error) {
	s.enter(ctx, groupThread)
	h, err := s.proc.Handles.Lookup(id, object.TypeThread)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	return h.Private.(*Thread).Status()
}

// ModuleLoad loads a registered kernel module and its dependencies. It
// needs PrivModule.
func (s *Syscalls) ModuleLoad(ctx context.Context, name string) error {
	s.enter(ctx, groupModule)
	if !s.proc.Token().Has(security.PrivModule) {
		return status.PermDenied
	}
	return s.k.LoadModule(ctx, name)
}

// ModuleUnload unloads a kernel module. It needs PrivModule.
func (s *Syscalls) ModuleUnload(ctx context.Context, name string) error {
	s.enter(ctx, groupModule)
	if !s.proc.Token().Has(security.PrivModule) {
		return status.PermDenied
	}
	return s.k.UnloadModule(ctx, name)
}

// ModuleInfo returns the loaded kernel modules.
func (s *Syscalls) ModuleInfo(ctx context.Context) []ModuleInfo {
	s.enter(ctx, groupModule)
	return s.k.Modules()
}
