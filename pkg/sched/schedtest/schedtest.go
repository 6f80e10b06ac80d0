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

// Package schedtest provides scheduler test helpers.
package schedtest

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"kiwi.dev/kiwi/pkg/sched"
)

// Context returns a context carrying a host thread for the calling test.
// Unlike a bare context, the thread identity is stable across calls, so the
// context can hold recursive locks.
func Context(tb testing.TB) context.Context {
	return sched.WithThread(context.Background(), sched.NewHostThread(tb.Name()))
}

// Boot returns a started scheduler with the given number of CPUs. It is
// stopped when the test ends.
func Boot(tb testing.TB, cpus int) *sched.Scheduler {
	tb.Helper()
	s, err := sched.New(sched.Config{CPUs: cpus, Quantum: time.Millisecond})
	if err != nil {
		tb.Fatalf("sched.New failed: %v", err)
	}
	s.Start()
	tb.Cleanup(s.Stop)
	return s
}

// Spawn runs fn on a new kernel thread.
func Spawn(tb testing.TB, s *sched.Scheduler, name string, fn func(ctx context.Context)) *sched.Thread {
	tb.Helper()
	t, err := s.Spawn(nil, name, sched.PriorityKernel, fn)
	if err != nil {
		tb.Fatalf("Spawn(%q) failed: %v", name, err)
	}
	return t
}

// Join waits up to timeout for t to exit and reaps it.
func Join(tb testing.TB, t *sched.Thread, timeout time.Duration) {
	tb.Helper()
	ctx, cancel := context.WithTimeout(Context(tb), timeout)
	defer cancel()
	if err := t.Join(ctx); err != nil {
		tb.Fatalf("thread %v did not exit: %v", t, err)
	}
	t.Release()
}

// Poll calls cb until it returns nil or timeout expires.
func Poll(cb func() error, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(5*time.Millisecond), ctx)
	return backoff.Retry(cb, b)
}
