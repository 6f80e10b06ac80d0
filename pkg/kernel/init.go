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

	"golang.org/x/sync/errgroup"
	"kiwi.dev/kiwi/pkg/boot"
	"kiwi.dev/kiwi/pkg/device"
	"kiwi.dev/kiwi/pkg/ipc"
	"kiwi.dev/kiwi/pkg/irq"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/status"
)

// InitLevel orders initcalls. Every initcall of a level runs before any of
// the next level.
type InitLevel int

// Initcall levels.
const (
	InitEarly InitLevel = iota
	InitIRQ
	InitEarlyDevice
	InitDevice
	InitNormal
	InitLate

	numInitLevels
)

var initLevelNames = [numInitLevels]string{
	InitEarly:       "early",
	InitIRQ:         "irq",
	InitEarlyDevice: "early_device",
	InitDevice:      "device",
	InitNormal:      "normal",
	InitLate:        "late",
}

// String implements fmt.Stringer.String.
func (l InitLevel) String() string {
	if l >= 0 && l < numInitLevels {
		return initLevelNames[l]
	}
	return fmt.Sprintf("InitLevel(%d)", int(l))
}

// InitFunc is an initialization function run on the init thread.
type InitFunc func(ctx context.Context, k *Kernel) error

type initcall struct {
	name string
	fn   InitFunc
}

// IRQCount is the number of lines of the root interrupt domain.
const IRQCount = 256

// RegisterInitcall adds fn to the initcalls run at level. Initcalls of one
// level run in registration order. They can only be registered before
// Boot.
func (k *Kernel) RegisterInitcall(level InitLevel, name string, fn InitFunc) error {
	if level < 0 || level >= numInitLevels || fn == nil {
		return status.InvalidArg
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state != stateCreated {
		return status.InUse
	}
	k.initcalls[level] = append(k.initcalls[level], initcall{name: name, fn: fn})
	return nil
}

func (k *Kernel) registerBuiltinInitcalls() {
	for _, ic := range []struct {
		level InitLevel
		name  string
		fn    InitFunc
	}{
		{InitEarly, "ipc", initIPC},
		{InitIRQ, "irq", initIRQ},
		{InitIRQ, "smp", initSMP},
		{InitEarlyDevice, "device", initDeviceManager},
		{InitDevice, "virtual_devices", initVirtualDevices},
	} {
		if err := k.RegisterInitcall(ic.level, ic.name, ic.fn); err != nil {
			log.Fatalf("kernel: registering initcall %s: %v", ic.name, err)
		}
	}
}

// initThread runs on the init thread and brings up everything the
// scheduler is needed for.
func (k *Kernel) initThread(ctx context.Context) {
	err := k.runInit(ctx)
	if err != nil {
		log.Warningf("kernel: init failed: %v", err)
	}
	k.mu.Lock()
	k.initErr = err
	k.mu.Unlock()
}

func (k *Kernel) runInit(ctx context.Context) error {
	for level := InitEarly; level < numInitLevels; level++ {
		k.mu.Lock()
		calls := k.initcalls[level]
		k.mu.Unlock()
		for _, ic := range calls {
			log.Debugf("kernel: running %v initcall %s", level, ic.name)
			if err := ic.fn(ctx, k); err != nil {
				return fmt.Errorf("initcall %s: %w", ic.name, err)
			}
		}
	}

	if err := k.loadBootModules(ctx); err != nil {
		return err
	}

	k.Memory.ReclaimBoot()
	if err := k.Metrics.Initialize(); err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	p, err := k.Spawn(ctx, k.kernelProc, CreateProcessArgs{
		Program: k.cfg.Init,
		Args:    []string{k.cfg.Init},
	})
	if err != nil {
		return fmt.Errorf("starting %q: %w", k.cfg.Init, err)
	}
	k.mu.Lock()
	k.initProc = p
	k.mu.Unlock()
	log.Infof("kernel: boot complete, started %v", p)
	return nil
}

// InitProcess returns the first user process, or nil before it has been
// started.
func (k *Kernel) InitProcess() *Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.initProc
}

// loadBootModules loads the modules named by the boot module tags.
func (k *Kernel) loadBootModules(ctx context.Context) error {
	for _, m := range boot.All[boot.Module](k.tags) {
		err := k.LoadModule(ctx, m.Name)
		if err == status.AlreadyExists {
			// Loaded earlier as a dependency.
			continue
		}
		if err != nil {
			return fmt.Errorf("loading boot module %q: %w", m.Name, err)
		}
	}
	return nil
}

func initIPC(ctx context.Context, k *Kernel) error {
	ipc.SetClock(k.Clock)
	return nil
}

type rootController struct{}

func (rootController) Name() string { return "root" }

func initIRQ(ctx context.Context, k *Kernel) error {
	k.IRQ = irq.NewDomain(IRQCount, rootController{}, nil)
	irq.SetRootDomain(k.IRQ)
	return nil
}

// initSMP brings up every CPU with a cross call and waits for all of them,
// the way a boot CPU spins on the acknowledgements of its startup IPIs.
func initSMP(ctx context.Context, k *Kernel) error {
	var g errgroup.Group
	for _, c := range k.Sched.CPUs {
		c := c
		g.Go(func() error {
			var err error
			c.Call(func(c *sched.CPU) {
				err = k.cpuOnline(c)
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Infof("kernel: %d CPUs online", len(k.Sched.CPUs))
	return nil
}

// cpuOnline marks c online. It runs on c.
func (k *Kernel) cpuOnline(c *sched.CPU) error {
	bit := uint64(1) << c.ID
	for {
		old := k.cpusOnline.Load()
		if old&bit != 0 {
			return fmt.Errorf("CPU %d brought up twice: %w", c.ID, status.AlreadyExists)
		}
		if k.cpusOnline.CompareAndSwap(old, old|bit) {
			break
		}
	}
	if loaded := k.MMU.Loaded(c); loaded != nil {
		return fmt.Errorf("CPU %d has a user context loaded at bring-up: %w", c.ID, status.InvalidArg)
	}
	log.Debugf("kernel: CPU %d online", c.ID)
	return nil
}

// CPUsOnline returns the number of CPUs brought up.
func (k *Kernel) CPUsOnline() int {
	n := 0
	for v := k.cpusOnline.Load(); v != 0; v &= v - 1 {
		n++
	}
	return n
}

func initDeviceManager(ctx context.Context, k *Kernel) error {
	m, err := device.NewManager(ctx, k.Heap, k.Clock)
	if err != nil {
		return err
	}
	k.Devices = m
	return nil
}
