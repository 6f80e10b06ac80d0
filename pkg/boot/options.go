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

package boot

import (
	"kiwi.dev/kiwi/pkg/log"
)

// Options indexes the option tags of a stream by name. Later tags override
// earlier ones of the same name.
type Options map[string]Option

// NewOptions collects the option tags in tags.
func NewOptions(tags []Tag) Options {
	opts := make(Options)
	for _, o := range All[Option](tags) {
		opts[o.Name] = o
	}
	return opts
}

func (opts Options) lookup(name string, kind OptionType) (Option, bool) {
	o, ok := opts[name]
	if !ok {
		return Option{}, false
	}
	if o.Kind != kind {
		log.Warningf("boot: option %q has type %d, want %d", name, o.Kind, kind)
		return Option{}, false
	}
	return o, true
}

// Bool returns the value of a boolean option, or def if it is unset or of
// another type.
func (opts Options) Bool(name string, def bool) bool {
	if o, ok := opts.lookup(name, OptionBool); ok {
		return o.Bool
	}
	return def
}

// Int returns the value of an integer option, or def.
func (opts Options) Int(name string, def uint64) uint64 {
	if o, ok := opts.lookup(name, OptionInteger); ok {
		return o.Int
	}
	return def
}

// String returns the value of a string option, or def.
func (opts Options) String(name string, def string) string {
	if o, ok := opts.lookup(name, OptionString); ok {
		return o.Str
	}
	return def
}

// MemoryRanges returns the memory ranges of the given kinds, or all ranges
// if no kinds are given.
func MemoryRanges(tags []Tag, kinds ...MemoryType) []Memory {
	var ranges []Memory
	for _, m := range All[Memory](tags) {
		if len(kinds) == 0 {
			ranges = append(ranges, m)
			continue
		}
		for _, k := range kinds {
			if m.Kind == k {
				ranges = append(ranges, m)
				break
			}
		}
	}
	return ranges
}
