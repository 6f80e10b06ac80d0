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
	"bytes"
	"context"
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/subcommands"
	"kiwi.dev/kiwi/pkg/boot"
	"kiwi.dev/kiwi/pkg/config"
)

func testConfig() *config.Config {
	conf := config.Default()
	conf.CPUs = 2
	conf.Memory = 16 << 20
	conf.Quantum = time.Millisecond
	return conf
}

// run executes c with args and returns its exit status and output.
func run(t *testing.T, c subcommands.Command, conf *config.Config, args ...string) (subcommands.ExitStatus, string) {
	t.Helper()
	f := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	c.SetFlags(f)
	if err := f.Parse(args); err != nil {
		t.Fatalf("parsing %v: %v", args, err)
	}
	var out bytes.Buffer
	old := Output
	Output = &out
	defer func() { Output = old }()
	return c.Execute(context.Background(), f, conf), out.String()
}

func TestMachineTags(t *testing.T) {
	conf := testConfig()
	buf, err := MachineTags(conf)
	if err != nil {
		t.Fatalf("MachineTags failed: %v", err)
	}
	tags, err := boot.Parse(buf)
	if err != nil {
		t.Fatalf("boot.Parse failed: %v", err)
	}
	if _, ok := boot.First[boot.Core](tags); !ok {
		t.Errorf("no core tag in %v", tags)
	}
	var total uint64
	for _, m := range boot.All[boot.Memory](tags) {
		total += m.Size
	}
	if total != uint64(conf.Memory) {
		t.Errorf("memory tags cover %d bytes, want %d", total, uint64(conf.Memory))
	}

	got := config.Default()
	if err := got.ApplyBootOptions(boot.NewOptions(tags)); err != nil {
		t.Fatalf("ApplyBootOptions failed: %v", err)
	}
	if diff := cmp.Diff(conf, got); diff != "" {
		t.Errorf("configuration from boot options mismatch (-want +got):\n%s", diff)
	}
}

func TestTags(t *testing.T) {
	code, out := run(t, new(Tags), testConfig())
	if code != subcommands.ExitSuccess {
		t.Fatalf("tags exited with %v", code)
	}
	for _, want := range []string{"core", "memory", "option   cpus=2", "free"} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q:\n%s", want, out)
		}
	}

	code, raw := run(t, new(Tags), testConfig(), "-raw")
	if code != subcommands.ExitSuccess {
		t.Fatalf("tags -raw exited with %v", code)
	}
	want, err := MachineTags(testConfig())
	if err != nil {
		t.Fatalf("MachineTags failed: %v", err)
	}
	if raw != string(want) {
		t.Errorf("tags -raw wrote %d bytes, want %d", len(raw), len(want))
	}
}

func TestPrograms(t *testing.T) {
	code, out := run(t, new(Programs), testConfig())
	if code != subcommands.ExitSuccess {
		t.Fatalf("programs exited with %v", code)
	}
	if diff := cmp.Diff("init (init)\npingpong\n", out); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestBoot(t *testing.T) {
	code, out := run(t, new(Boot), testConfig(), "-timeout=30s")
	if code != subcommands.ExitSuccess {
		t.Fatalf("boot exited with %v:\n%s", code, out)
	}
	for _, want := range []string{"exited with status 0", "cpus:        2 online", "/virtual/zero"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary does not contain %q:\n%s", want, out)
		}
	}

	code, out = run(t, new(Boot), testConfig(), "-quiet")
	if code != subcommands.ExitSuccess || out != "" {
		t.Errorf("boot -quiet = %v, %q; want success and no output", code, out)
	}
}

func TestBootUsage(t *testing.T) {
	if code, _ := run(t, new(Boot), testConfig(), "extra"); code != subcommands.ExitUsageError {
		t.Errorf("boot with an argument exited with %v, want %v", code, subcommands.ExitUsageError)
	}
}

func TestMetricExport(t *testing.T) {
	code, out := run(t, new(MetricExport), testConfig(), "-exporter-prefix=test")
	if code != subcommands.ExitSuccess {
		t.Fatalf("metric-export exited with %v", code)
	}
	for _, want := range []string{
		"# TYPE test_sched_context_switches counter",
		"test_kernel_cpus_online 2",
		`test_memory_pages{state="free"}`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q:\n%s", want, out)
		}
	}
}
