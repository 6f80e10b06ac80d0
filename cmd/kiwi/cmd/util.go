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

// Package cmd holds the implementations of the kiwi subcommands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"kiwi.dev/kiwi/pkg/arch"
	"kiwi.dev/kiwi/pkg/boot"
	"kiwi.dev/kiwi/pkg/config"
	"kiwi.dev/kiwi/pkg/kernel"
	"kiwi.dev/kiwi/pkg/kernel/builtin"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/sched"
)

// Output is where commands print their results.
var Output io.Writer = os.Stdout

// Fatalf logs the error and exits with status 128.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf("FATAL ERROR: "+format, args...)
	os.Exit(128)
}

// Machine layout of the host-simulated board. The first megabyte is
// firmware; the kernel image and its boot stack follow.
const (
	firmwareSize = 0x100000
	kernelPhys   = 0x100000
	kernelSize   = 0x200000
	stackPhys    = kernelPhys + kernelSize
	stackSize    = 4 * arch.PageSize
	stackBase    = 0xffffff8000000000
)

// MachineTags returns the boot tag stream describing a machine configured
// by conf. conf is also encoded as boot options.
func MachineTags(conf *config.Config) ([]byte, error) {
	mem := uint64(conf.Memory)
	if mem <= firmwareSize {
		return nil, fmt.Errorf("memory size %v too small", conf.Memory)
	}
	tags := []boot.Tag{
		boot.Core{
			KernelPhys: kernelPhys,
			KernelSize: kernelSize,
			StackBase:  stackBase,
			StackPhys:  stackPhys,
			StackSize:  stackSize,
		},
		boot.Memory{Start: 0, Size: firmwareSize, Kind: boot.MemoryReserved},
		boot.Memory{Start: firmwareSize, Size: mem - firmwareSize, Kind: boot.MemoryFree},
	}
	tags = append(tags, conf.BootOptions()...)
	b, err := boot.NewBuilder(tags...)
	if err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// hostContext returns a context that can block in the kernel.
func hostContext(ctx context.Context, name string) context.Context {
	return sched.WithThread(ctx, sched.NewHostThread(name))
}

// bootKernel creates and boots a kernel running the built-in programs.
func bootKernel(ctx context.Context, conf *config.Config) (*kernel.Kernel, error) {
	tags, err := MachineTags(conf)
	if err != nil {
		return nil, fmt.Errorf("building boot tags: %w", err)
	}
	k, err := kernel.New(conf, tags)
	if err != nil {
		return nil, err
	}
	if err := builtin.Register(k); err != nil {
		return nil, err
	}
	if err := k.Boot(ctx); err != nil {
		shutdown(ctx, k, time.Second)
		return nil, fmt.Errorf("booting: %w", err)
	}
	return k, nil
}

// waitInit waits for the init process to exit and returns its status.
func waitInit(ctx context.Context, k *kernel.Kernel, timeout time.Duration) (int, error) {
	init := k.InitProcess()
	if init == nil {
		return 0, fmt.Errorf("no init process")
	}
	return init.Wait(ctx, int64(timeout))
}

// shutdown stops k, giving its threads up to timeout to die.
func shutdown(ctx context.Context, k *kernel.Kernel, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := k.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return k.Close()
}
