// Copyright 2018 The gVisor Authors.
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
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %v, expected: %v", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %v, expected: %v", i, l, expected[i])
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("hidden %d\n", 1)
	l.Infof("shown %d\n", 2)
	l.Warningf("shown %d\n", 3)
	if got, want := len(tw.lines), 2; got != want {
		t.Fatalf("got %d lines, want %d: %v", got, want, tw.lines)
	}
	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	base := &BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}
	rl := RateLimitedLogger(base, time.Hour)
	for i := 0; i < 10; i++ {
		rl.Warningf("storm %d\n", i)
	}
	if got, want := len(tw.lines), 1; got != want {
		t.Errorf("rate limited logger emitted %d lines, want %d", got, want)
	}

	// Let the next message through and check that the drops are counted.
	rl.(*rateLimitedLogger).limit.SetLimit(rate.Inf)
	rl.Warningf("storm %d\n", 10)
	if got, want := tw.lines[len(tw.lines)-1], "storm 10 (9 similar messages suppressed)\n"; got != want {
		t.Errorf("got line %q, want %q", got, want)
	}
}

func TestTextEmitter(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: TextEmitter{&Writer{Next: tw}}}
	l.Infof("hello %s", "kernel")
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(tw.lines))
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "I") {
		t.Errorf("line %q does not start with level I", line)
	}
	if !strings.Contains(line, "log_test.go:") {
		t.Errorf("line %q does not name the calling file", line)
	}
	if !strings.HasSuffix(line, "hello kernel\n") {
		t.Errorf("line %q does not end with the message", line)
	}
}

func TestSubstitutions(t *testing.T) {
	s := Substitutions{Command: "boot", Time: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	if got, want := s.Build("/tmp/kiwi.%COMMAND%.%TIMESTAMP%.log"), "/tmp/kiwi.boot.20240102-030405.000000.log"; got != want {
		t.Errorf("Build() = %q, want %q", got, want)
	}
}
