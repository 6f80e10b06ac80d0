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
	"sort"

	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/security"
	"kiwi.dev/kiwi/pkg/status"
)

// Program is a user program. It runs on the main thread of a process and
// its return value is the exit status of the process.
type Program func(ctx context.Context, sys *Syscalls, args []string) int

// RegisterProgram makes prog available to processes under name.
func (k *Kernel) RegisterProgram(name string, prog Program) error {
	if name == "" || prog == nil {
		return status.InvalidArg
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.programs[name]; ok {
		return status.AlreadyExists
	}
	k.programs[name] = prog
	return nil
}

// Programs returns the names of the registered programs, sorted.
func (k *Kernel) Programs() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	names := make([]string, 0, len(k.programs))
	for name := range k.programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (k *Kernel) program(name string) (Program, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	prog, ok := k.programs[name]
	if !ok {
		return nil, status.NotFound
	}
	return prog, nil
}

// CreateProcessArgs describe a process to start.
type CreateProcessArgs struct {
	// Program is the name of the registered program to run.
	Program string

	// Args are the program arguments. By convention Args[0] is the
	// program name.
	Args []string

	// Name is the process name. It defaults to Program.
	Name string

	// Handles selects the handles the process inherits, as for
	// object.Table.Inherit.
	Handles []object.Mapping

	// Token is the security token of the process. If nil the token is
	// inherited from the parent.
	Token *security.Token
}

// Spawn creates a process running a registered program. The returned
// process carries a reference for the caller.
func (k *Kernel) Spawn(ctx context.Context, parent *Process, args CreateProcessArgs) (*Process, error) {
	prog, err := k.program(args.Program)
	if err != nil {
		return nil, err
	}
	name := args.Name
	if name == "" {
		name = args.Program
	}
	p, err := k.CreateProcess(ctx, parent, name, args.Handles, args.Token)
	if err != nil {
		return nil, err
	}
	t, err := k.CreateThread(ctx, p, "main", mainThread(prog, append([]string(nil), args.Args...)))
	if err != nil {
		p.DecRef()
		return nil, err
	}
	t.DecRef()
	return p, nil
}

// mainThread returns the entry point of a thread running prog. The
// process exits when prog returns.
func mainThread(prog Program, args []string) ThreadFunc {
	return func(ctx context.Context, sys *Syscalls) int {
		sys.ProcessExit(ctx, prog(ctx, sys, args))
		panic("unreachable")
	}
}
