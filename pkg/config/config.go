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

// Package config holds the boot configuration of the kernel.
//
// A Config is populated from command line flags, optionally layered over a
// TOML file, and finally adjusted by the options in the boot tag stream.
// Each configurable field carries a `flag` tag naming its command line flag
// and a `toml` tag naming its file key; boot options use the TOML key.
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/mohae/deepcopy"
	"kiwi.dev/kiwi/pkg/arch"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/sync/locking"
)

// Limits on configurable values.
const (
	MaxCPUs   = 64
	MinMemory = 4 << 20
)

// LogFormat selects the log emitter.
type LogFormat string

// Log formats. Auto picks text on a terminal and JSON otherwise.
const (
	LogFormatAuto LogFormat = "auto"
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Set implements flag.Value.Set.
func (f *LogFormat) Set(v string) error {
	switch LogFormat(v) {
	case LogFormatAuto, LogFormatText, LogFormatJSON:
		*f = LogFormat(v)
		return nil
	}
	return fmt.Errorf("invalid log format %q", v)
}

// Get implements flag.Getter.Get.
func (f *LogFormat) Get() any {
	return *f
}

// String implements flag.Value.String.
func (f *LogFormat) String() string {
	return string(*f)
}

// Config holds the boot parameters of a kernel.
type Config struct {
	// CPUs is the number of CPUs to bring up.
	CPUs int `flag:"cpus" toml:"cpus"`

	// Memory is the size of physical memory.
	Memory Size `flag:"memory" toml:"memory"`

	// Quantum is the scheduler tick period. Zero disables preemption.
	Quantum time.Duration `flag:"quantum" toml:"quantum"`

	// MaxThreads bounds the number of live kernel threads.
	MaxThreads uint `flag:"max-threads" toml:"max_threads"`

	// QueueMax is the default number of messages a connection endpoint
	// queues before senders block.
	QueueMax int `flag:"ipc-queue-max" toml:"ipc_queue_max"`

	// LogLevel is one of "warning", "info" or "debug".
	LogLevel string `flag:"log-level" toml:"log_level"`

	// LogFormat selects the log emitter.
	LogFormat LogFormat `flag:"log-format" toml:"log_format"`

	// Lockdep requests lock-order validation. It requires a build with the
	// lockdep tag.
	Lockdep bool `flag:"lockdep" toml:"lockdep"`

	// LeakCheck reports the processes still referenced when the kernel
	// is closed.
	LeakCheck bool `flag:"leak-check" toml:"leak_check"`

	// Init is the name of the first user process.
	Init string `flag:"init" toml:"init"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		CPUs:       1,
		Memory:     64 << 20,
		Quantum:    10 * time.Millisecond,
		MaxThreads: 4096,
		QueueMax:   256,
		LogLevel:   "info",
		LogFormat:  LogFormatAuto,
		Init:       "init",
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.CPUs < 1 || c.CPUs > MaxCPUs {
		return fmt.Errorf("cpus must be between 1 and %d, got %d", MaxCPUs, c.CPUs)
	}
	if c.Memory < MinMemory {
		return fmt.Errorf("memory must be at least %v, got %v", Size(MinMemory), c.Memory)
	}
	if uint64(c.Memory)&arch.PageMask != 0 {
		return fmt.Errorf("memory must be a multiple of the page size, got %v", c.Memory)
	}
	if c.Quantum < 0 {
		return fmt.Errorf("quantum must not be negative, got %v", c.Quantum)
	}
	if c.MaxThreads == 0 || c.MaxThreads > 1<<20 {
		return fmt.Errorf("max-threads must be between 1 and %d, got %d", 1<<20, c.MaxThreads)
	}
	if c.QueueMax < 1 {
		return fmt.Errorf("ipc-queue-max must be positive, got %d", c.QueueMax)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if err := new(LogFormat).Set(string(c.LogFormat)); err != nil {
		return err
	}
	if c.Lockdep && !locking.Enabled {
		return fmt.Errorf("lockdep requested but the kernel was built without the lockdep tag")
	}
	if c.Init == "" {
		return fmt.Errorf("init must not be empty")
	}
	return nil
}

// Level returns the configured log level. The configuration must be valid.
func (c *Config) Level() log.Level {
	l, err := parseLevel(c.LogLevel)
	if err != nil {
		panic(err)
	}
	return l
}

func parseLevel(s string) (log.Level, error) {
	var l log.Level
	if err := l.UnmarshalJSON([]byte(strconv.Quote(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}
