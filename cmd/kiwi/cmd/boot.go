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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/subcommands"
	"kiwi.dev/kiwi/pkg/config"
	"kiwi.dev/kiwi/pkg/device"
	"kiwi.dev/kiwi/pkg/kernel"
	"kiwi.dev/kiwi/pkg/log"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	timeout time.Duration
	quiet   bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot a kernel and run init until it exits"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boots a kernel with the global configuration, runs the init
program and prints a summary once it exits. The exit status is zero if init
exited with status zero.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&b.timeout, "timeout", time.Minute, "time to wait for init to exit.")
	f.BoolVar(&b.quiet, "quiet", false, "do not print a summary.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	ctx = hostContext(ctx, "boot")
	k, err := bootKernel(ctx, conf)
	if err != nil {
		Fatalf("%v", err)
	}
	start := time.Now()
	code, werr := waitInit(ctx, k, b.timeout)
	elapsed := time.Since(start)
	if !b.quiet {
		printSummary(ctx, Output, k, code, werr, elapsed)
	}
	if err := shutdown(ctx, k, b.timeout); err != nil {
		Fatalf("%v", err)
	}
	if werr != nil {
		log.Warningf("init did not exit: %v", werr)
		return subcommands.ExitFailure
	}
	if code != 0 {
		log.Warningf("init exited with status %d", code)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func printSummary(ctx context.Context, w io.Writer, k *kernel.Kernel, code int, werr error, elapsed time.Duration) {
	if werr != nil {
		fmt.Fprintf(w, "init:        still running after %v (%v)\n", elapsed.Round(time.Millisecond), werr)
	} else {
		fmt.Fprintf(w, "init:        exited with status %d after %v\n", code, elapsed.Round(time.Millisecond))
	}
	fmt.Fprintf(w, "cpus:        %d online\n", k.CPUsOnline())
	fmt.Fprintf(w, "processes:   %d\n", k.Processes())
	st := k.Sched.Stats()
	fmt.Fprintf(w, "scheduler:   %d threads, %d context switches, %d IPIs\n", st.Threads, st.ContextSwitches, st.IPIs)
	mem := k.Memory.Stats()
	fmt.Fprintf(w, "memory:      %d pages, %d free, %d allocated, %d reserved, %d internal\n",
		mem.Total, mem.Free, mem.Allocated, mem.Reserved, mem.Internal)
	var paths []string
	device.Iterate(ctx, k.Devices.Root, func(d *device.Device) device.IterateAction {
		if d != k.Devices.Root {
			paths = append(paths, d.Path())
		}
		return device.IterateDescend
	})
	fmt.Fprintf(w, "devices:     %s\n", strings.Join(paths, " "))
}
