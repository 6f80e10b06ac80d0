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

// Package kernel brings up the kiwi kernel and implements the system call
// interface used by user processes.
//
// A Kernel owns every subsystem singleton. New parses the boot tag stream
// and Boot brings the subsystems up in dependency order: physical memory,
// then the MMU and kernel heap, then the scheduler. The remaining
// initialization runs on the init thread, which ends by starting the first
// user process.
//
// User programs are Go functions registered with RegisterProgram. They run
// on kernel threads owned by a Process and reach the kernel only through
// the Syscalls value passed to them.
package kernel

import (
	"context"
	"fmt"
	"sync/atomic"

	"kiwi.dev/kiwi/pkg/arch"
	"kiwi.dev/kiwi/pkg/bitmap"
	"kiwi.dev/kiwi/pkg/boot"
	"kiwi.dev/kiwi/pkg/config"
	"kiwi.dev/kiwi/pkg/device"
	"kiwi.dev/kiwi/pkg/irq"
	"kiwi.dev/kiwi/pkg/ksync"
	"kiwi.dev/kiwi/pkg/ktime"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/metric"
	"kiwi.dev/kiwi/pkg/mm/kmem"
	"kiwi.dev/kiwi/pkg/mm/mmu"
	"kiwi.dev/kiwi/pkg/mm/phys"
	"kiwi.dev/kiwi/pkg/refs"
	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/security"
	"kiwi.dev/kiwi/pkg/status"
	"kiwi.dev/kiwi/pkg/sync"
)

// MaxProcesses bounds the number of processes, including the kernel
// process.
const MaxProcesses = 1 << 15

// Kernel is the kiwi kernel.
type Kernel struct {
	// cfg and tags are immutable after New.
	cfg  *config.Config
	tags []boot.Tag

	// Clock and Metrics are created by New. The other subsystems are
	// brought up by Boot and are immutable afterwards.
	Clock   *ktime.Clock
	Metrics *metric.Registry
	Memory  *phys.Memory
	Sched   *sched.Scheduler
	MMU     *mmu.MMU
	Heap    *kmem.Heap
	IRQ     *irq.Domain
	Devices *device.Manager

	// kernelProc owns the kernel threads.
	kernelProc *Process

	pids *bitmap.IDAllocator
	tids *bitmap.IDAllocator

	// mu protects the fields below.
	mu        sync.Mutex
	state     bootState
	processes map[ProcessID]*Process
	threads   map[ThreadID]*Thread
	programs  map[string]Program
	initcalls [numInitLevels][]initcall
	images    map[string]*Module
	initProc  *Process
	initErr   error
	closed    bool

	// moduleMu serializes module loading and unloading.
	moduleMu ksync.Mutex

	// cpusOnline is a bitmap of the CPUs brought up by the init thread.
	cpusOnline atomic.Uint64

	// reapers counts the goroutines waiting to reap dead threads.
	reapers sync.WaitGroup

	syscalls *metric.Uint64Metric

	// leaks tracks user processes when leak checking is enabled.
	leaks *refs.LeakChecker
}

type bootState int

const (
	stateCreated bootState = iota
	stateBooting
	stateRunning
	stateShutdown
)

// New creates a kernel from cfg and the boot tag stream in tags. Boot
// options in the stream override cfg.
func New(cfg *config.Config, tags []byte) (*Kernel, error) {
	parsed, err := boot.Parse(tags)
	if err != nil {
		return nil, fmt.Errorf("parsing boot tags: %w", err)
	}
	if _, ok := boot.First[boot.Core](parsed); !ok {
		return nil, fmt.Errorf("boot tags have no core tag: %w", status.InvalidArg)
	}
	cfg = cfg.Clone()
	if err := cfg.ApplyBootOptions(boot.NewOptions(parsed)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	k := &Kernel{
		cfg:       cfg,
		tags:      parsed,
		Clock:     ktime.NewClock(),
		Metrics:   metric.NewRegistry(),
		pids:      bitmap.NewIDAllocator(MaxProcesses),
		tids:      bitmap.NewIDAllocator(uint32(cfg.MaxThreads) + 1),
		processes: make(map[ProcessID]*Process),
		threads:   make(map[ThreadID]*Thread),
		programs:  make(map[string]Program),
		images:    make(map[string]*Module),
	}
	k.moduleMu.Init("module_lock", 0)
	if cfg.LeakCheck {
		k.leaks = refs.NewLeakChecker()
	}
	// ID 0 is the kernel process; thread ID 0 is never used.
	k.pids.Reserve(0)
	k.tids.Reserve(0)
	k.kernelProc = newProcess(k, 0, "kernel", security.System(), nil)
	k.processes[0] = k.kernelProc
	k.registerBuiltinInitcalls()
	if err := k.registerMetrics(); err != nil {
		return nil, err
	}
	return k, nil
}

// Config returns the configuration the kernel runs with.
func (k *Kernel) Config() *config.Config {
	return k.cfg
}

// Tags returns the parsed boot tags.
func (k *Kernel) Tags() []boot.Tag {
	return k.tags
}

// KernelProcess returns the process owning kernel threads.
func (k *Kernel) KernelProcess() *Process {
	return k.kernelProc
}

// Boot brings the kernel up and starts the first user process. It returns
// once the init thread has finished.
func (k *Kernel) Boot(ctx context.Context) error {
	k.mu.Lock()
	if k.state != stateCreated {
		k.mu.Unlock()
		return status.AlreadyExists
	}
	k.state = stateBooting
	k.mu.Unlock()

	log.Infof("kernel: booting with %d CPUs and %v of memory", k.cfg.CPUs, k.cfg.Memory)
	if err := k.initMemory(); err != nil {
		return err
	}

	s, err := sched.New(sched.Config{
		CPUs:       k.cfg.CPUs,
		MaxThreads: uint32(k.cfg.MaxThreads),
		Quantum:    k.cfg.Quantum,
	})
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	k.Sched = s
	if k.MMU, err = mmu.New(ctx, k.Memory, s.CPUs); err != nil {
		return fmt.Errorf("creating MMU: %w", err)
	}
	k.Heap = kmem.New(k.Memory, k.MMU)
	s.SetStackAllocator(k.Heap)
	irq.SetScheduler(s)
	s.Start()

	t, err := s.Spawn(k.kernelProc, "init", sched.PriorityKernel, k.initThread)
	if err != nil {
		return fmt.Errorf("starting init thread: %w", err)
	}
	if err := t.Join(ctx); err != nil {
		return fmt.Errorf("waiting for init thread: %w", err)
	}
	t.Release()

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.initErr != nil {
		return k.initErr
	}
	k.state = stateRunning
	return nil
}

// initMemory creates physical memory and seeds it from the boot memory
// map.
func (k *Kernel) initMemory() error {
	mem, err := phys.NewMemory(uint64(k.cfg.Memory))
	if err != nil {
		return fmt.Errorf("creating physical memory: %w", err)
	}
	k.Memory = mem

	core, _ := boot.First[boot.Core](k.tags)
	if core.KernelSize != 0 {
		base, end := pageRange(core.KernelPhys, core.KernelSize)
		if err := mem.AddRange(base, end, phys.Internal); err != nil {
			return fmt.Errorf("reserving kernel image: %w", err)
		}
	}
	// The boot stack and module images are only needed until boot
	// completes.
	if core.StackSize != 0 {
		base, end := pageRange(core.StackPhys, core.StackSize)
		if err := mem.MarkReclaimable(base, end); err != nil {
			return fmt.Errorf("marking boot stack: %w", err)
		}
	}
	for _, m := range boot.All[boot.Module](k.tags) {
		if m.Size == 0 {
			continue
		}
		base, end := pageRange(m.Addr, m.Size)
		if err := mem.MarkReclaimable(base, end); err != nil {
			return fmt.Errorf("marking module %q: %w", m.Name, err)
		}
	}
	for _, r := range boot.All[boot.Memory](k.tags) {
		var err error
		switch r.Kind {
		case boot.MemoryFree:
			continue
		case boot.MemoryReclaimable:
			err = mem.MarkReclaimable(r.Start, r.End())
		default:
			err = mem.AddRange(r.Start, r.End(), phys.State(r.Kind))
		}
		if err != nil {
			return fmt.Errorf("adding memory range %#x+%#x (%v): %w", uint64(r.Start), r.Size, r.Kind, err)
		}
	}
	st := mem.Stats()
	log.Infof("kernel: %d pages of memory, %d free, %d reclaimable", st.Total, st.Free, st.Reclaimable)
	return nil
}

// pageRange returns the page-aligned range covering [base, base+size).
func pageRange(base arch.PhysAddr, size uint64) (arch.PhysAddr, arch.PhysAddr) {
	start := base &^ arch.PhysAddr(arch.PageMask)
	end := (base + arch.PhysAddr(size) + arch.PhysAddr(arch.PageMask)) &^ arch.PhysAddr(arch.PageMask)
	return start, end
}

// Shutdown kills every process and stops the kernel. It waits for dead
// threads to be reaped until ctx is done.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	if k.state == stateShutdown {
		k.mu.Unlock()
		return nil
	}
	booted := k.state != stateCreated
	k.state = stateShutdown
	procs := make([]*Process, 0, len(k.processes))
	for _, p := range k.processes {
		if p != k.kernelProc {
			procs = append(procs, p)
		}
	}
	k.mu.Unlock()
	if !booted || k.Sched == nil {
		return nil
	}

	for _, p := range procs {
		p.kill(-1, nil)
	}
	done := make(chan struct{})
	go func() {
		k.reapers.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for threads to exit: %w", ctx.Err())
	}
	k.Sched.Stop()
	log.Infof("kernel: shut down")
	return err
}

// Close releases physical memory. The kernel must have been shut down.
// With leak checking enabled it fails if user processes other than init
// are still referenced.
func (k *Kernel) Close() error {
	k.mu.Lock()
	closed := k.closed
	k.closed = true
	init := k.initProc
	k.mu.Unlock()
	if closed {
		return nil
	}
	var err error
	if k.Memory != nil {
		err = k.Memory.Close()
	}
	if k.leaks == nil {
		return err
	}
	if init != nil {
		k.leaks.Unregister(init)
	}
	if n := k.leaks.Report(); n > 0 && err == nil {
		err = fmt.Errorf("leak check found %d live processes", n)
	}
	return err
}

// running returns an error unless the kernel is booting or running.
func (k *Kernel) running() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	switch k.state {
	case stateBooting, stateRunning:
		return nil
	default:
		return status.InvalidArg
	}
}

// reap releases t once it has died.
func (k *Kernel) reap(t *sched.Thread) {
	k.reapers.Add(1)
	go func() {
		defer k.reapers.Done()
		ctx := sched.WithThread(context.Background(), sched.NewHostThread("reaper"))
		if err := t.Join(ctx); err != nil {
			log.Warningf("kernel: waiting for thread %v: %v", t, err)
			return
		}
		t.Release()
	}()
}

// unloadContext removes c from every CPU it is loaded on. c must not be in
// use by a running thread.
func (k *Kernel) unloadContext(c *mmu.Context) {
	for _, cpu := range k.Sched.CPUs {
		if k.MMU.Loaded(cpu) != c {
			continue
		}
		cpu.Call(func(cpu *sched.CPU) {
			if k.MMU.Loaded(cpu) == c {
				k.MMU.Switch(cpu, nil, c)
			}
		})
	}
}
