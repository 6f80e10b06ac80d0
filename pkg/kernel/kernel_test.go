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

package kernel_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"kiwi.dev/kiwi/pkg/boot"
	"kiwi.dev/kiwi/pkg/kernel"
	"kiwi.dev/kiwi/pkg/kernel/kerneltest"
	"kiwi.dev/kiwi/pkg/metric"
	"kiwi.dev/kiwi/pkg/status"
)

func TestNewRequiresCoreTag(t *testing.T) {
	b, err := boot.NewBuilder(boot.Memory{Start: 0, Size: kerneltest.Memory})
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}
	if _, err := kernel.New(kerneltest.Config(), b.Bytes()); !errors.Is(err, status.InvalidArg) {
		t.Errorf("New without a core tag = %v, want %v", err, status.InvalidArg)
	}
}

func TestBootOptionsOverrideConfig(t *testing.T) {
	tags := kerneltest.Tags(t, kerneltest.Memory, boot.Option{Name: "cpus", Kind: boot.OptionInteger, Int: 3})
	k := kerneltest.New(t, kerneltest.Config(), tags, nil)
	if got := k.Config().CPUs; got != 3 {
		t.Errorf("CPUs = %d, want 3", got)
	}
}

func TestBoot(t *testing.T) {
	k := kerneltest.Boot(t, nil)

	if got, want := k.CPUsOnline(), kerneltest.Config().CPUs; got != want {
		t.Errorf("CPUsOnline = %d, want %d", got, want)
	}
	init := k.InitProcess()
	if init == nil {
		t.Fatalf("no init process")
	}
	if got := kerneltest.Wait(t, init); got != 0 {
		t.Errorf("init exited with %d, want 0", got)
	}

	stats := k.Memory.Stats()
	if stats.Reclaimable != 0 {
		t.Errorf("%d pages still reclaimable after boot", stats.Reclaimable)
	}
	if stats.Internal == 0 {
		t.Errorf("kernel image not accounted as internal: %+v", stats)
	}
	if stats.Reserved == 0 {
		t.Errorf("reserved range not accounted: %+v", stats)
	}

	if err := k.Boot(kerneltest.Context(t)); err != status.AlreadyExists {
		t.Errorf("second Boot = %v, want %v", err, status.AlreadyExists)
	}
	if err := k.RegisterInitcall(kernel.InitLate, "late", func(context.Context, *kernel.Kernel) error { return nil }); err != status.InUse {
		t.Errorf("RegisterInitcall after boot = %v, want %v", err, status.InUse)
	}
}

func TestInitcallOrder(t *testing.T) {
	cfg := kerneltest.Config()
	k := kerneltest.New(t, cfg, kerneltest.Tags(t, uint64(cfg.Memory)), nil)

	var order []string
	record := func(name string) kernel.InitFunc {
		return func(ctx context.Context, k *kernel.Kernel) error {
			order = append(order, name)
			return nil
		}
	}
	for _, ic := range []struct {
		level kernel.InitLevel
		name  string
	}{
		{kernel.InitLate, "late"},
		{kernel.InitNormal, "normal1"},
		{kernel.InitEarly, "early"},
		{kernel.InitNormal, "normal2"},
		{kernel.InitDevice, "device"},
	} {
		if err := k.RegisterInitcall(ic.level, ic.name, record(ic.name)); err != nil {
			t.Fatalf("RegisterInitcall(%v, %q) failed: %v", ic.level, ic.name, err)
		}
	}
	if err := k.RegisterInitcall(kernel.InitLevel(42), "bad", record("bad")); err != status.InvalidArg {
		t.Errorf("RegisterInitcall with a bad level = %v, want %v", err, status.InvalidArg)
	}
	if err := k.Boot(kerneltest.Context(t)); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	t.Cleanup(func() { kerneltest.Shutdown(t, k) })

	want := []string{"early", "device", "normal1", "normal2", "late"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("initcall order mismatch (-want +got):\n%s", diff)
	}
}

func TestInitcallFailure(t *testing.T) {
	cfg := kerneltest.Config()
	k := kerneltest.New(t, cfg, kerneltest.Tags(t, uint64(cfg.Memory)), nil)
	errBroken := errors.New("broken driver")
	if err := k.RegisterInitcall(kernel.InitDevice, "broken", func(context.Context, *kernel.Kernel) error {
		return errBroken
	}); err != nil {
		t.Fatalf("RegisterInitcall failed: %v", err)
	}
	t.Cleanup(func() { kerneltest.Shutdown(t, k) })
	if err := k.Boot(kerneltest.Context(t)); !errors.Is(err, errBroken) {
		t.Errorf("Boot = %v, want %v", err, errBroken)
	}
	if k.InitProcess() != nil {
		t.Errorf("init process started after a failed initcall")
	}
}

func TestMissingInitProgram(t *testing.T) {
	cfg := kerneltest.Config()
	cfg.Init = "missing"
	k, err := kernel.New(cfg, kerneltest.Tags(t, uint64(cfg.Memory)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { kerneltest.Shutdown(t, k) })
	if err := k.Boot(kerneltest.Context(t)); !errors.Is(err, status.NotFound) {
		t.Errorf("Boot = %v, want %v", err, status.NotFound)
	}
}

func TestVirtualDevices(t *testing.T) {
	k := kerneltest.Boot(t, nil)
	ctx := kerneltest.Context(t)
	for _, path := range []string{"/virtual/null", "/virtual/zero"} {
		d, err := k.Devices.Lookup(ctx, path)
		if err != nil {
			t.Errorf("Lookup(%q) failed: %v", path, err)
			continue
		}
		if got := d.Path(); got != path {
			t.Errorf("Path = %q, want %q", got, path)
		}
		d.Release()
	}
}

func TestMetrics(t *testing.T) {
	k := kerneltest.Boot(t, nil)
	kerneltest.Wait(t, k.InitProcess())

	var buf bytes.Buffer
	if err := k.Metrics.WritePrometheus(&buf, metric.DefaultPrefix); err != nil {
		t.Fatalf("WritePrometheus failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		`kiwi_memory_pages{state="free"}`,
		"kiwi_sched_threads",
		"kiwi_sched_context_switches",
		"kiwi_kernel_cpus_online 2",
		"kiwi_kernel_processes",
		"kiwi_irq_count",
		"kiwi_mmu_faults",
		"kiwi_ipc_messages",
		`kiwi_kernel_syscalls{group="process"}`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output lacks %q:\n%s", want, out)
		}
	}
}

func TestLeakCheck(t *testing.T) {
	for _, tc := range []struct {
		name    string
		release bool
		wantErr bool
	}{
		{name: "released", release: true},
		{name: "leaked", wantErr: true},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := kerneltest.Config()
			cfg.LeakCheck = true
			k := kerneltest.New(t, cfg, kerneltest.Tags(t, uint64(cfg.Memory)), map[string]kernel.Program{
				"child": func(context.Context, *kernel.Syscalls, []string) int { return 0 },
			})
			ctx := kerneltest.Context(t)
			if err := k.Boot(ctx); err != nil {
				t.Fatalf("Boot failed: %v", err)
			}
			p, err := k.Spawn(ctx, k.KernelProcess(), kernel.CreateProcessArgs{Program: "child", Args: []string{"child"}})
			if err != nil {
				t.Fatalf("Spawn failed: %v", err)
			}
			kerneltest.Wait(t, p)
			if tc.release {
				p.DecRef()
			}
			if err := k.Shutdown(ctx); err != nil {
				t.Fatalf("Shutdown failed: %v", err)
			}
			err = k.Close()
			if gotErr := err != nil; gotErr != tc.wantErr {
				t.Errorf("Close = %v, want error %t", err, tc.wantErr)
			}
			if err := k.Close(); err != nil {
				t.Errorf("second Close = %v, want nil", err)
			}
		})
	}
}
