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

	"github.com/google/subcommands"
	"kiwi.dev/kiwi/pkg/config"
	"kiwi.dev/kiwi/pkg/kernel"
	"kiwi.dev/kiwi/pkg/kernel/builtin"
)

// Programs implements subcommands.Command for the "programs" command.
type Programs struct{}

// Name implements subcommands.Command.Name.
func (*Programs) Name() string {
	return "programs"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Programs) Synopsis() string {
	return "list the programs built into the kernel"
}

// Usage implements subcommands.Command.Usage.
func (*Programs) Usage() string {
	return "programs - lists the programs that can be started by name.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Programs) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Programs) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	tags, err := MachineTags(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	k, err := kernel.New(conf, tags)
	if err != nil {
		Fatalf("%v", err)
	}
	if err := builtin.Register(k); err != nil {
		Fatalf("%v", err)
	}
	for _, name := range k.Programs() {
		marker := ""
		if name == conf.Init {
			marker = " (init)"
		}
		fmt.Fprintf(Output, "%s%s\n", name, marker)
	}
	return subcommands.ExitSuccess
}
