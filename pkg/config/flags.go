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
	"fmt"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"kiwi.dev/kiwi/pkg/boot"
	"kiwi.dev/kiwi/pkg/log"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	def := Default()

	// Machine.
	flagSet.Int("cpus", def.CPUs, "number of CPUs to bring up.")
	flagSet.Var(sizePtr(def.Memory), "memory", "size of physical memory, e.g. 64M or 1G.")

	// Scheduling and IPC.
	flagSet.Duration("quantum", def.Quantum, "scheduler tick period; 0 disables preemption.")
	flagSet.Uint("max-threads", def.MaxThreads, "maximum number of live kernel threads.")
	flagSet.Int("ipc-queue-max", def.QueueMax, "number of messages a connection queues before senders block.")

	// Debugging.
	flagSet.String("log-level", def.LogLevel, "log level: warning, info (default) or debug.")
	flagSet.Var(logFormatPtr(def.LogFormat), "log-format", "log format: auto (default), text or json.")
	flagSet.Bool("lockdep", def.Lockdep, "enable lock-order validation; requires a lockdep build.")
	flagSet.Bool("leak-check", def.LeakCheck, "report processes still referenced when the kernel is closed.")

	flagSet.String("init", def.Init, "name of the first user process.")
}

func sizePtr(v Size) *Size {
	return &v
}

func logFormatPtr(v LogFormat) *LogFormat {
	return &v
}

// NewFromFlags creates a new Config with values coming from command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	forEachField(conf, func(name, _ string, field reflect.Value) {
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		field.Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
	})
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Load creates a Config from the defaults, the TOML file at path if path is
// not empty, and then any flag explicitly set on flagSet.
func Load(flagSet *flag.FlagSet, path string) (*Config, error) {
	conf := Default()
	if path != "" {
		if err := conf.decodeFile(path); err != nil {
			return nil, err
		}
	}
	var err error
	flagSet.Visit(func(fl *flag.Flag) {
		if err != nil || !hasFlag(fl.Name) {
			return
		}
		err = conf.set(fl.Name, fl.Value.(flag.Getter).Get())
	})
	if err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// LoadFile creates a Config from the defaults and the TOML file at path.
func LoadFile(path string) (*Config, error) {
	conf := Default()
	if err := conf.decodeFile(path); err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) decodeFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("error parsing config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys in config file %q: %v", path, undecoded)
	}
	return nil
}

// Override parses value as the named flag would and stores it.
func (c *Config) Override(name, value string) error {
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)
	fl := flagSet.Lookup(name)
	if fl == nil {
		return fmt.Errorf("flag %q not found. Cannot set it to %q", name, value)
	}
	if err := fl.Value.Set(value); err != nil {
		return fmt.Errorf("error setting flag %s=%q: %w", name, value, err)
	}
	if err := c.set(name, fl.Value.(flag.Getter).Get()); err != nil {
		return err
	}
	return c.Validate()
}

// ToFlags returns the flags that reproduce c, omitting default values.
func (c *Config) ToFlags() []string {
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	var rv []string
	forEachField(c, func(name, _ string, field reflect.Value) {
		fl := flagSet.Lookup(name)
		val := fmt.Sprint(field.Interface())
		if val == fl.DefValue {
			return
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", name, val))
	})
	return rv
}

// ApplyBootOptions overrides the fields named by boot options. Option names
// are the TOML keys. Durations and sizes are integer options holding
// nanoseconds and bytes.
func (c *Config) ApplyBootOptions(opts boot.Options) error {
	var err error
	forEachField(c, func(_, key string, field reflect.Value) {
		o, ok := opts[key]
		if !ok || err != nil {
			return
		}
		want := optionKind(field)
		if o.Kind != want {
			err = fmt.Errorf("boot option %q has type %d, want %d", key, o.Kind, want)
			return
		}
		switch field.Kind() {
		case reflect.Bool:
			field.SetBool(o.Bool)
		case reflect.String:
			field.SetString(o.Str)
		case reflect.Int, reflect.Int64:
			field.SetInt(int64(o.Int))
		case reflect.Uint, reflect.Uint64:
			field.SetUint(o.Int)
		}
		log.Infof("config: boot option %s=%v", key, o.Value())
	})
	if err != nil {
		return err
	}
	return c.Validate()
}

func optionKind(field reflect.Value) boot.OptionType {
	switch field.Kind() {
	case reflect.Bool:
		return boot.OptionBool
	case reflect.String:
		return boot.OptionString
	default:
		return boot.OptionInteger
	}
}

// BootOptions returns c as boot options, one per field.
func (c *Config) BootOptions() []boot.Tag {
	var tags []boot.Tag
	forEachField(c, func(_, key string, field reflect.Value) {
		o := boot.Option{Name: key, Kind: optionKind(field)}
		switch field.Kind() {
		case reflect.Bool:
			o.Bool = field.Bool()
		case reflect.String:
			o.Str = field.String()
		case reflect.Int, reflect.Int64:
			o.Int = uint64(field.Int())
		case reflect.Uint, reflect.Uint64:
			o.Int = field.Uint()
		}
		tags = append(tags, o)
	})
	return tags
}

func (c *Config) set(name string, v any) error {
	found := false
	forEachField(c, func(fname, _ string, field reflect.Value) {
		if fname == name {
			field.Set(reflect.ValueOf(v))
			found = true
		}
	})
	if !found {
		return fmt.Errorf("flag %q not found", name)
	}
	return nil
}

func hasFlag(name string) bool {
	st := reflect.TypeOf(Config{})
	for i := 0; i < st.NumField(); i++ {
		if n, ok := st.Field(i).Tag.Lookup("flag"); ok && n == name {
			return true
		}
	}
	return false
}

// forEachField calls fn for every field of c with a flag tag.
func forEachField(c *Config, fn func(name, key string, field reflect.Value)) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		key, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		fn(name, key, obj.Field(i))
	}
}

// String returns the configuration as TOML.
func (c *Config) String() string {
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(c); err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return sb.String()
}
