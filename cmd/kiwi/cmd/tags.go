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
	"os"

	"github.com/google/subcommands"
	"kiwi.dev/kiwi/pkg/boot"
	"kiwi.dev/kiwi/pkg/config"
)

// Tags implements subcommands.Command for the "tags" command.
type Tags struct {
	raw bool
}

// Name implements subcommands.Command.Name.
func (*Tags) Name() string {
	return "tags"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Tags) Synopsis() string {
	return "print the boot tags a kernel would boot with"
}

// Usage implements subcommands.Command.Usage.
func (*Tags) Usage() string {
	return `tags [-raw] [<file>] - prints the boot tag stream built from the global
configuration, or decodes the stream in <file>.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Tags) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&t.raw, "raw", false, "write the encoded tag stream instead of decoding it.")
}

// Execute implements subcommands.Command.Execute.
func (t *Tags) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	var (
		buf []byte
		err error
	)
	switch f.NArg() {
	case 0:
		buf, err = MachineTags(args[0].(*config.Config))
	case 1:
		buf, err = os.ReadFile(f.Arg(0))
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err != nil {
		Fatalf("%v", err)
	}
	if t.raw {
		if _, err := Output.Write(buf); err != nil {
			Fatalf("writing tags: %v", err)
		}
		return subcommands.ExitSuccess
	}
	tags, err := boot.Parse(buf)
	if err != nil {
		Fatalf("decoding tags: %v", err)
	}
	for _, tag := range tags {
		fmt.Fprintf(Output, "%-8v %s\n", tag.Type(), describeTag(tag))
	}
	return subcommands.ExitSuccess
}

func describeTag(tag boot.Tag) string {
	switch tag := tag.(type) {
	case boot.Core:
		return fmt.Sprintf("kernel %#x+%#x stack %#x (phys %#x+%#x)",
			uint64(tag.KernelPhys), tag.KernelSize, uint64(tag.StackBase), uint64(tag.StackPhys), tag.StackSize)
	case boot.Memory:
		return fmt.Sprintf("%#x-%#x %v", uint64(tag.Start), uint64(tag.End()), tag.Kind)
	case boot.Module:
		return fmt.Sprintf("%s at %#x+%#x", tag.Name, uint64(tag.Addr), tag.Size)
	case boot.Option:
		return fmt.Sprintf("%s=%v", tag.Name, tag.Value())
	}
	return fmt.Sprintf("%+v", tag)
}
