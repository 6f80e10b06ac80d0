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

// Package kerneltest provides helpers for tests that need a booted kernel.
package kerneltest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"kiwi.dev/kiwi/pkg/arch"
	"kiwi.dev/kiwi/pkg/boot"
	"kiwi.dev/kiwi/pkg/config"
	"kiwi.dev/kiwi/pkg/kernel"
	"kiwi.dev/kiwi/pkg/sched"
)

// Timeout bounds every wait done by the helpers.
const Timeout = 10 * time.Second

// Memory is the physical memory size of test kernels.
const Memory = 16 << 20

// Tags returns a boot tag stream for a machine with mem bytes of memory,
// followed by extra.
func Tags(tb testing.TB, mem uint64, extra ...boot.Tag) []byte {
	tb.Helper()
	tags := []boot.Tag{
		boot.Core{
			KernelPhys: 0x100000,
			KernelSize: 0x80000,
			StackBase:  0xffffff8000000000,
			StackPhys:  0x200000,
			StackSize:  4 * arch.PageSize,
		},
		boot.Memory{Start: 0, Size: 0x100000, Kind: boot.MemoryReserved},
		boot.Memory{Start: 0x100000, Size: mem - 0x100000, Kind: boot.MemoryFree},
	}
	b, err := boot.NewBuilder(append(tags, extra...)...)
	if err != nil {
		tb.Fatalf("boot.NewBuilder failed: %v", err)
	}
	return b.Bytes()
}

// Context returns a context for the calling test.
func Context(tb testing.TB) context.Context {
	return sched.WithThread(context.Background(), sched.NewHostThread(tb.Name()))
}

// Config returns the configuration of test kernels.
func Config() *config.Config {
	cfg := config.Default()
	cfg.CPUs = 2
	cfg.Memory = Memory
	cfg.Quantum = time.Millisecond
	return cfg
}

// New creates a kernel that has not been booted. progs are registered
// with it; a missing init program is replaced by one that exits at once.
func New(tb testing.TB, cfg *config.Config, tags []byte, progs map[string]kernel.Program) *kernel.Kernel {
	tb.Helper()
	k, err := kernel.New(cfg, tags)
	if err != nil {
		tb.Fatalf("kernel.New failed: %v", err)
	}
	if _, ok := progs[cfg.Init]; !ok {
		mustRegister(tb, k, cfg.Init, func(context.Context, *kernel.Syscalls, []string) int { return 0 })
	}
	for name, prog := range progs {
		mustRegister(tb, k, name, prog)
	}
	return k
}

// Boot boots a kernel with the test configuration. It is shut down when
// the test ends.
func Boot(tb testing.TB, progs map[string]kernel.Program) *kernel.Kernel {
	tb.Helper()
	cfg := Config()
	k := New(tb, cfg, Tags(tb, uint64(cfg.Memory)), progs)
	if err := k.Boot(Context(tb)); err != nil {
		tb.Fatalf("Boot failed: %v", err)
	}
	tb.Cleanup(func() { Shutdown(tb, k) })
	return k
}

// Shutdown shuts k down and releases its memory.
func Shutdown(tb testing.TB, k *kernel.Kernel) {
	tb.Helper()
	ctx, cancel := context.WithTimeout(Context(tb), Timeout)
	defer cancel()
	if err := k.Shutdown(ctx); err != nil {
		tb.Errorf("Shutdown failed: %v", err)
	}
	if err := k.Close(); err != nil {
		tb.Errorf("Close failed: %v", err)
	}
}

func mustRegister(tb testing.TB, k *kernel.Kernel, name string, prog kernel.Program) {
	tb.Helper()
	if err := k.RegisterProgram(name, prog); err != nil {
		tb.Fatalf("RegisterProgram(%q) failed: %v", name, err)
	}
}

var programs atomic.Int64

// Start starts prog in a new child of the kernel process. The process is
// released when the test ends.
func Start(tb testing.TB, k *kernel.Kernel, prog kernel.Program, args ...string) *kernel.Process {
	tb.Helper()
	name := fmt.Sprintf("test%d", programs.Add(1))
	mustRegister(tb, k, name, prog)
	p, err := k.Spawn(Context(tb), k.KernelProcess(), kernel.CreateProcessArgs{
		Program: name,
		Args:    append([]string{name}, args...),
	})
	if err != nil {
		tb.Fatalf("Spawn failed: %v", err)
	}
	tb.Cleanup(p.DecRef)
	return p
}

// Wait waits for p to exit and returns its exit status.
func Wait(tb testing.TB, p *kernel.Process) int {
	tb.Helper()
	status, err := p.Wait(Context(tb), int64(Timeout))
	if err != nil {
		tb.Fatalf("waiting for %v: %v", p, err)
	}
	return status
}

// Run runs prog in a new process and returns its exit status.
func Run(tb testing.TB, k *kernel.Kernel, prog kernel.Program, args ...string) int {
	tb.Helper()
	return Wait(tb, Start(tb, k, prog, args...))
}
