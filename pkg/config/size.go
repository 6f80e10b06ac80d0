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
	"fmt"
	"strconv"
	"strings"
)

// Size is a byte count. It parses from an integer with an optional K, M or
// G suffix.
type Size uint64

// ParseSize parses a size such as "64M".
func ParseSize(s string) (Size, error) {
	str := strings.TrimSpace(s)
	shift := 0
	if n := len(str); n > 0 {
		switch str[n-1] {
		case 'K', 'k':
			shift = 10
		case 'M', 'm':
			shift = 20
		case 'G', 'g':
			shift = 30
		}
		if shift != 0 {
			str = str[:n-1]
		}
	}
	v, err := strconv.ParseUint(str, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if v > (1<<64-1)>>shift {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return Size(v << shift), nil
}

// String implements fmt.Stringer.String.
func (s Size) String() string {
	switch {
	case s != 0 && s&(1<<30-1) == 0:
		return fmt.Sprintf("%dG", uint64(s)>>30)
	case s != 0 && s&(1<<20-1) == 0:
		return fmt.Sprintf("%dM", uint64(s)>>20)
	case s != 0 && s&(1<<10-1) == 0:
		return fmt.Sprintf("%dK", uint64(s)>>10)
	}
	return strconv.FormatUint(uint64(s), 10)
}

// Set implements flag.Value.Set.
func (s *Size) Set(v string) error {
	n, err := ParseSize(v)
	if err != nil {
		return err
	}
	*s = n
	return nil
}

// Get implements flag.Getter.Get.
func (s *Size) Get() any {
	return *s
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (s *Size) UnmarshalText(b []byte) error {
	return s.Set(string(b))
}

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
