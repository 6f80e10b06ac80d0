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

package sched_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/sched/schedtest"
	"kiwi.dev/kiwi/pkg/status"
)

const joinTimeout = 10 * time.Second

func sleepers(q *sched.WaitQueue) int {
	q.Lock()
	defer q.Unlock()
	return q.Len()
}

func waitForSleepers(t *testing.T, q *sched.WaitQueue, n int) {
	t.Helper()
	err := schedtest.Poll(func() error {
		if got := sleepers(q); got != n {
			return fmt.Errorf("%d sleepers, want %d", got, n)
		}
		return nil
	}, joinTimeout)
	if err != nil {
		t.Fatalf("waiting for sleepers: %v", err)
	}
}

func TestSpawnJoin(t *testing.T) {
	s := schedtest.Boot(t, 2)
	var count atomic.Int32
	var threads []*sched.Thread
	for i := 0; i < 10; i++ {
		threads = append(threads, schedtest.Spawn(t, s, fmt.Sprintf("worker-%d", i), func(ctx context.Context) {
			if sched.ThreadFromContext(ctx) == nil {
				t.Errorf("kernel thread context carries no thread")
			}
			count.Add(1)
		}))
	}
	for _, th := range threads {
		if err := th.Join(schedtest.Context(t)); err != nil {
			t.Fatalf("Join failed: %v", err)
		}
	}
	if got := count.Load(); got != 10 {
		t.Errorf("%d threads ran, want 10", got)
	}
	if err := s.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants: %v", err)
	}
	for _, th := range threads {
		if got := th.State(); got != sched.Dead {
			t.Errorf("thread %v is %v, want dead", th, got)
		}
		th.Release()
	}
	if got := s.Stats().Threads; got != 0 {
		t.Errorf("%d threads left after release, want 0", got)
	}
}

func TestOneThreadPerCPU(t *testing.T) {
	s := schedtest.Boot(t, 1)
	var running, overlap atomic.Int32
	var threads []*sched.Thread
	for i := 0; i < 5; i++ {
		threads = append(threads, schedtest.Spawn(t, s, "yielder", func(ctx context.Context) {
			for j := 0; j < 20; j++ {
				if running.Add(1) > 1 {
					overlap.Add(1)
				}
				running.Add(-1)
				sched.Yield(ctx)
			}
		}))
	}
	for _, th := range threads {
		schedtest.Join(t, th, joinTimeout)
	}
	if got := overlap.Load(); got != 0 {
		t.Errorf("threads overlapped on one CPU %d times", got)
	}
}

func TestWake(t *testing.T) {
	s := schedtest.Boot(t, 2)
	var q sched.WaitQueue
	var err atomic.Value
	th := schedtest.Spawn(t, s, "sleeper", func(ctx context.Context) {
		err.Store(fmt.Sprint(q.Sleep(ctx, -1, 0)))
	})
	waitForSleepers(t, &q, 1)
	if got := th.State(); got != sched.Sleeping {
		t.Errorf("sleeping thread is %v", got)
	}
	if cerr := s.CheckInvariants(); cerr != nil {
		t.Errorf("CheckInvariants: %v", cerr)
	}
	if !q.Wake() {
		t.Fatalf("Wake() found no sleeper")
	}
	schedtest.Join(t, th, joinTimeout)
	if got := err.Load(); got != "<nil>" {
		t.Errorf("Sleep() = %v, want nil", got)
	}
	if q.Wake() {
		t.Errorf("Wake() on empty queue returned true")
	}
}

func TestSleepTimeout(t *testing.T) {
	ctx := schedtest.Context(t)
	var q sched.WaitQueue
	for _, tc := range []struct {
		name    string
		timeout int64
		want    error
	}{
		{name: "poll", timeout: 0, want: status.WouldBlock},
		{name: "expires", timeout: int64(10 * time.Millisecond), want: status.TimedOut},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if err := q.Sleep(ctx, tc.timeout, sched.Interruptible); err != tc.want {
				t.Errorf("Sleep() = %v, want %v", err, tc.want)
			}
			if n := sleepers(&q); n != 0 {
				t.Errorf("%d sleepers left on queue", n)
			}
		})
	}
}

func TestInterrupt(t *testing.T) {
	s := schedtest.Boot(t, 1)
	var q sched.WaitQueue
	result := make(chan error, 1)
	th := schedtest.Spawn(t, s, "sleeper", func(ctx context.Context) {
		result <- q.Sleep(ctx, -1, sched.Interruptible)
	})
	waitForSleepers(t, &q, 1)
	if !th.Interrupt() {
		t.Fatalf("Interrupt() did not wake the thread")
	}
	if err := <-result; err != status.Interrupted {
		t.Errorf("Sleep() = %v, want %v", err, status.Interrupted)
	}
	schedtest.Join(t, th, joinTimeout)
	if n := sleepers(&q); n != 0 {
		t.Errorf("%d sleepers left on queue", n)
	}
}

func TestUninterruptibleSleepIgnoresInterrupt(t *testing.T) {
	ctx, cancel := context.WithCancel(schedtest.Context(t))
	cancel()
	var q sched.WaitQueue
	if err := q.Sleep(ctx, int64(10*time.Millisecond), 0); err != status.TimedOut {
		t.Errorf("Sleep() = %v, want %v", err, status.TimedOut)
	}
	if err := q.Sleep(ctx, -1, sched.Interruptible); err != status.Interrupted {
		t.Errorf("Sleep() with cancelled context = %v, want %v", err, status.Interrupted)
	}
}

func TestContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(schedtest.Context(t))
	var q sched.WaitQueue
	time.AfterFunc(10*time.Millisecond, cancel)
	if err := q.Sleep(ctx, -1, sched.Interruptible); err != status.Interrupted {
		t.Errorf("Sleep() = %v, want %v", err, status.Interrupted)
	}
	if n := sleepers(&q); n != 0 {
		t.Errorf("%d sleepers left on queue", n)
	}
}

func TestPriorityOrder(t *testing.T) {
	s := schedtest.Boot(t, 1)
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) func(context.Context) {
		return func(context.Context) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	var spawned []*sched.Thread
	parent := schedtest.Spawn(t, s, "parent", func(ctx context.Context) {
		// The CPU is busy until this thread exits, so both children queue.
		for _, c := range []struct {
			name string
			prio int
		}{
			{"low", sched.PriorityUser},
			{"high", sched.PriorityIRQ},
		} {
			th, err := s.Spawn(nil, c.name, c.prio, record(c.name))
			if err != nil {
				t.Errorf("Spawn failed: %v", err)
				return
			}
			spawned = append(spawned, th)
		}
	})
	schedtest.Join(t, parent, joinTimeout)
	for _, th := range spawned {
		schedtest.Join(t, th, joinTimeout)
	}
	if diff := cmp.Diff([]string{"high", "low"}, order); diff != "" {
		t.Errorf("run order (-want +got):\n%s", diff)
	}
}

func TestPreemptionPoint(t *testing.T) {
	s := schedtest.Boot(t, 1)
	var stop atomic.Bool
	spinner := schedtest.Spawn(t, s, "spinner", func(ctx context.Context) {
		for !stop.Load() {
			sched.PreemptionPoint(ctx)
		}
	})
	// The spinner owns the only CPU; this thread can only run once the
	// timer tick makes the spinner yield.
	stopper := schedtest.Spawn(t, s, "stopper", func(ctx context.Context) {
		stop.Store(true)
	})
	schedtest.Join(t, stopper, joinTimeout)
	schedtest.Join(t, spinner, joinTimeout)
}

func TestPreemptDisable(t *testing.T) {
	s := schedtest.Boot(t, 1)
	var disabled, enabled atomic.Bool
	var afterEnable atomic.Bool
	th := schedtest.Spawn(t, s, "critical", func(ctx context.Context) {
		sched.PreemptDisable(ctx)
		disabled.Store(sched.PreemptDisabled(ctx))
		s.CPUs[0].SetShouldPreempt()
		// A pending preemption is not taken while disabled.
		sched.PreemptionPoint(ctx)
		enabled.Store(!sched.PreemptDisabled(ctx))
		sched.PreemptEnable(ctx)
		afterEnable.Store(sched.ShouldPreempt(ctx))
	})
	schedtest.Join(t, th, joinTimeout)
	if !disabled.Load() || enabled.Load() {
		t.Errorf("PreemptDisabled() gave wrong answers")
	}
	if afterEnable.Load() {
		t.Errorf("pending preemption survived PreemptEnable")
	}
}

func TestThreadLimit(t *testing.T) {
	s, err := sched.New(sched.Config{CPUs: 1, MaxThreads: 3})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := s.NewThread(nil, "t", sched.PriorityKernel, func(context.Context) {}); err != nil {
			t.Fatalf("NewThread %d failed: %v", i, err)
		}
	}
	if _, err := s.NewThread(nil, "t", sched.PriorityKernel, func(context.Context) {}); err != status.ThreadLimit {
		t.Errorf("NewThread() beyond the limit = %v, want %v", err, status.ThreadLimit)
	}
}

func TestUserAccess(t *testing.T) {
	th := sched.NewHostThread("user")
	if th.InUserAccess() {
		t.Fatalf("fresh thread is in user access")
	}
	th.BeginUserAccess()
	if !th.InUserAccess() {
		t.Errorf("InUserAccess() = false inside an access")
	}
	th.EndUserAccess()
	if th.InUserAccess() {
		t.Errorf("InUserAccess() = true after the access")
	}
}
