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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileOpts builds a log file path from a pattern.
type FileOpts interface {
	Build(pattern string) string
}

// Substitutions expands %TIMESTAMP% and %COMMAND% in log file patterns.
type Substitutions struct {
	// Command replaces %COMMAND%.
	Command string

	// Time is formatted into %TIMESTAMP%. The zero value means now.
	Time time.Time
}

// Build implements FileOpts.Build.
func (s Substitutions) Build(pattern string) string {
	when := s.Time
	if when.IsZero() {
		when = time.Now()
	}
	return strings.NewReplacer(
		"%TIMESTAMP%", when.Format("20060102-150405.000000"),
		"%COMMAND%", s.Command,
	).Replace(pattern)
}

// OpenFile opens the log file named by expanding pattern with opts,
// creating its directory. An empty pattern returns a nil file.
func OpenFile(pattern string, flags int, opts FileOpts) (*os.File, error) {
	if pattern == "" {
		return nil, nil
	}
	path := opts.Build(pattern)
	if err := os.MkdirAll(filepath.Dir(path), 0775); err != nil {
		return nil, fmt.Errorf("creating log directory for %q: %w", path, err)
	}
	f, err := os.OpenFile(path, flags, 0664)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}
