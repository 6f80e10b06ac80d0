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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"kiwi.dev/kiwi/pkg/boot"
	"kiwi.dev/kiwi/pkg/log"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	return fs
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kiwi.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlagSet())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Errorf("NewFromFlags without flags mismatch (-want +got):\n%s", diff)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestFromFlags(t *testing.T) {
	fs := newFlagSet()
	for name, value := range map[string]string{
		"cpus":       "4",
		"memory":     "128M",
		"quantum":    "5ms",
		"log-level":  "debug",
		"log-format": "json",
	} {
		if err := fs.Set(name, value); err != nil {
			t.Fatalf("Flag set %s: %v", name, err)
		}
	}
	c, err := NewFromFlags(fs)
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	want.CPUs = 4
	want.Memory = 128 << 20
	want.Quantum = 5 * time.Millisecond
	want.LogLevel = "debug"
	want.LogFormat = LogFormatJSON
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("NewFromFlags mismatch (-want +got):\n%s", diff)
	}
	if got := c.Level(); got != log.Debug {
		t.Errorf("Level() = %v, want %v", got, log.Debug)
	}

	flags := c.ToFlags()
	fm := map[string]string{}
	for _, f := range flags {
		k, v, _ := strings.Cut(f, "=")
		fm[k] = v
	}
	wantFlags := map[string]string{
		"--cpus":       "4",
		"--memory":     "128M",
		"--quantum":    "5ms",
		"--log-level":  "debug",
		"--log-format": "json",
	}
	if diff := cmp.Diff(wantFlags, fm); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
cpus = 2
memory = "32M"
quantum = "20ms"
init = "shell"
`)
	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	want := Default()
	want.CPUs = 2
	want.Memory = 32 << 20
	want.Quantum = 20 * time.Millisecond
	want.Init = "shell"
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("LoadFile mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFlagsOverrideFile(t *testing.T) {
	path := writeFile(t, "cpus = 2\ninit = \"shell\"\n")
	fs := newFlagSet()
	if err := fs.Parse([]string{"--cpus=8"}); err != nil {
		t.Fatal(err)
	}
	c, err := Load(fs, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.CPUs != 8 {
		t.Errorf("CPUs = %d, want 8 from the flag", c.CPUs)
	}
	if c.Init != "shell" {
		t.Errorf("Init = %q, want shell from the file", c.Init)
	}
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
	}{
		{name: "syntax", content: "cpus = "},
		{name: "unknown key", content: "gpus = 1"},
		{name: "bad size", content: `memory = "lots"`},
		{name: "invalid value", content: "cpus = 1000"},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadFile(writeFile(t, tc.content)); err == nil {
				t.Errorf("LoadFile succeeded, want error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "no cpus", mutate: func(c *Config) { c.CPUs = 0 }},
		{name: "too many cpus", mutate: func(c *Config) { c.CPUs = MaxCPUs + 1 }},
		{name: "small memory", mutate: func(c *Config) { c.Memory = 1 << 20 }},
		{name: "unaligned memory", mutate: func(c *Config) { c.Memory = 64<<20 + 1 }},
		{name: "negative quantum", mutate: func(c *Config) { c.Quantum = -1 }},
		{name: "no threads", mutate: func(c *Config) { c.MaxThreads = 0 }},
		{name: "no queue", mutate: func(c *Config) { c.QueueMax = 0 }},
		{name: "log level", mutate: func(c *Config) { c.LogLevel = "loud" }},
		{name: "log format", mutate: func(c *Config) { c.LogFormat = "xml" }},
		{name: "no init", mutate: func(c *Config) { c.Init = "" }},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(c)
			if err := c.Validate(); err == nil {
				t.Errorf("Validate succeeded, want error")
			}
		})
	}
}

func TestOverride(t *testing.T) {
	c := Default()
	if err := c.Override("memory", "1G"); err != nil {
		t.Fatalf("Override: %v", err)
	}
	if c.Memory != 1<<30 {
		t.Errorf("Memory = %v, want 1G", c.Memory)
	}
	if err := c.Override("cpus", "0"); err == nil {
		t.Errorf("Override(cpus, 0) succeeded, want error")
	}
	if err := c.Override("nope", "1"); err == nil {
		t.Errorf("Override(nope) succeeded, want error")
	}
}

func TestClone(t *testing.T) {
	c := Default()
	clone := c.Clone()
	if diff := cmp.Diff(c, clone); diff != "" {
		t.Errorf("Clone mismatch (-want +got):\n%s", diff)
	}
	clone.CPUs = 3
	if c.CPUs == 3 {
		t.Errorf("Clone shares storage with the original")
	}
}

func TestBootOptions(t *testing.T) {
	src := Default()
	src.CPUs = 2
	src.Memory = 16 << 20
	src.Lockdep = false
	src.Init = "shell"

	b, err := boot.NewBuilder(src.BootOptions()...)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	tags, err := boot.Parse(b.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c := Default()
	if err := c.ApplyBootOptions(boot.NewOptions(tags)); err != nil {
		t.Fatalf("ApplyBootOptions: %v", err)
	}
	if diff := cmp.Diff(src, c); diff != "" {
		t.Errorf("ApplyBootOptions mismatch (-want +got):\n%s", diff)
	}

	bad := boot.Options{"cpus": {Name: "cpus", Kind: boot.OptionString, Str: "two"}}
	if err := Default().ApplyBootOptions(bad); err == nil {
		t.Errorf("ApplyBootOptions with a mistyped option succeeded")
	}
}

func TestSize(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Size
		str  string
	}{
		{in: "4096", want: 4096, str: "4K"},
		{in: "64M", want: 64 << 20, str: "64M"},
		{in: "2g", want: 2 << 30, str: "2G"},
		{in: "0x1000", want: 0x1000, str: "4K"},
		{in: "100", want: 100, str: "100"},
	} {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseSize(tc.in)
			if err != nil {
				t.Fatalf("ParseSize(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("ParseSize(%q) = %d, want %d", tc.in, got, tc.want)
			}
			if s := got.String(); s != tc.str {
				t.Errorf("String() = %q, want %q", s, tc.str)
			}
		})
	}
	for _, in := range []string{"", "M", "-1", "99999999999999999999G"} {
		if _, err := ParseSize(in); err == nil {
			t.Errorf("ParseSize(%q) succeeded, want error", in)
		}
	}
}
