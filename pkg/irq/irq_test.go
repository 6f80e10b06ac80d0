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

package irq

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"kiwi.dev/kiwi/pkg/sched/schedtest"
	"kiwi.dev/kiwi/pkg/status"
	"kiwi.dev/kiwi/pkg/sync"
)

type testController struct {
	mu       sync.Mutex
	modes    map[uint32]Mode
	enabled  map[uint32]bool
	pre      int
	post     int
	dropNext bool
}

func newTestController() *testController {
	return &testController{modes: make(map[uint32]Mode), enabled: make(map[uint32]bool)}
}

func (c *testController) Name() string { return "test" }

func (c *testController) Mode(num uint32) Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modes[num]
}

func (c *testController) Enable(num uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled[num] = true
}

func (c *testController) Disable(num uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled[num] = false
}

func (c *testController) isEnabled(num uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled[num]
}

func (c *testController) PreHandle(num uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pre++
	if c.dropNext {
		c.dropNext = false
		return false
	}
	return true
}

func (c *testController) PostHandle(num uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.post++
}

type translator struct {
	target *Domain
	offset uint32
}

func (t *translator) Name() string { return "translator" }

func (t *translator) Translate(num uint32) (*Domain, uint32, bool) {
	return t.target, num + t.offset, true
}

// recorder returns an early function appending its name to calls.
func recorder(calls *[]string, name string, r Result) EarlyFunc {
	return func(num uint32, data any) Result {
		*calls = append(*calls, name)
		return r
	}
}

func TestRegisterInvalid(t *testing.T) {
	ctx := schedtest.Context(t)
	d := NewDomain(8, newTestController(), nil)
	early := func(uint32, any) Result { return Handled }
	for _, test := range []struct {
		name     string
		num      uint32
		early    EarlyFunc
		threaded Func
		want     status.Status
	}{
		{name: "no functions", num: 1, want: status.InvalidArg},
		{name: "out of range", num: 8, early: early, want: status.InvalidArg},
		{name: "threaded without scheduler", num: 1, threaded: func(context.Context, uint32, any) {}, want: status.NotSupported},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			SetScheduler(nil)
			if _, err := Register(ctx, d, test.num, test.early, test.threaded, nil); !status.Is(err, test.want) {
				t.Errorf("Register got %v, want %v", err, test.want)
			}
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	ctx := schedtest.Context(t)
	c := newTestController()
	d := NewDomain(8, c, nil)
	early := func(uint32, any) Result { return Handled }

	h, err := Register(ctx, d, 3, early, nil, "a")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !c.isEnabled(3) {
		t.Errorf("line not enabled by the first handler")
	}
	if _, err := Register(ctx, d, 3, early, nil, "a"); !status.Is(err, status.AlreadyExists) {
		t.Errorf("duplicate Register got %v, want AlreadyExists", err)
	}
	h2, err := Register(ctx, d, 3, early, nil, "b")
	if err != nil {
		t.Fatalf("Register with other data failed: %v", err)
	}
	// Uncomparable data never matches.
	h3, err := Register(ctx, d, 3, early, nil, []int{1})
	if err != nil {
		t.Fatalf("Register with slice data failed: %v", err)
	}
	for _, h := range []*Handler{h, h2, h3} {
		if err := Unregister(ctx, h); err != nil {
			t.Errorf("Unregister(%v) failed: %v", h, err)
		}
	}
	if c.isEnabled(3) {
		t.Errorf("line still enabled after the last handler went")
	}
	if err := Unregister(ctx, h); !status.Is(err, status.NotFound) {
		t.Errorf("second Unregister got %v, want NotFound", err)
	}
}

func TestDispatch(t *testing.T) {
	for _, test := range []struct {
		name    string
		mode    Mode
		results []Result
		want    []string
	}{
		{
			name:    "level stops at the first claim",
			mode:    Level,
			results: []Result{Unhandled, Handled, Handled},
			want:    []string{"h0", "h1"},
		},
		{
			name:    "edge runs every handler",
			mode:    Edge,
			results: []Result{Unhandled, Handled, Handled},
			want:    []string{"h0", "h1", "h2"},
		},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			ctx := schedtest.Context(t)
			c := newTestController()
			c.modes[2] = test.mode
			d := NewDomain(4, c, nil)
			var calls []string
			for i, r := range test.results {
				if _, err := Register(ctx, d, 2, recorder(&calls, fmt.Sprintf("h%d", i), r), nil, i); err != nil {
					t.Fatalf("Register failed: %v", err)
				}
			}
			d.Handle(nil, 2)
			if diff := cmp.Diff(test.want, calls); diff != "" {
				t.Errorf("handler calls mismatch (-want +got):\n%s", diff)
			}
			if c.pre != 1 || c.post != 1 {
				t.Errorf("got %d pre and %d post hooks, want 1 each", c.pre, c.post)
			}
		})
	}
}

func TestUnclaimedLevelIsMasked(t *testing.T) {
	ctx := schedtest.Context(t)
	c := newTestController()
	d := NewDomain(4, c, nil)
	if _, err := Register(ctx, d, 1, func(uint32, any) Result { return Unhandled }, nil, nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	d.Handle(nil, 1)
	want := Stats{Count: 1, Unhandled: 1, Masked: true}
	if diff := cmp.Diff(want, d.Stats(1)); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
	if c.isEnabled(1) {
		t.Errorf("unclaimed level interrupt left enabled")
	}
}

func TestPreHandleDrops(t *testing.T) {
	ctx := schedtest.Context(t)
	c := newTestController()
	d := NewDomain(4, c, nil)
	var calls []string
	if _, err := Register(ctx, d, 1, recorder(&calls, "h", Handled), nil, nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	c.dropNext = true
	d.Handle(nil, 1)
	if len(calls) != 0 || c.post != 0 {
		t.Errorf("dropped interrupt ran %d handlers and %d post hooks", len(calls), c.post)
	}
}

func TestPreempt(t *testing.T) {
	s := schedtest.Boot(t, 1)
	ctx := schedtest.Context(t)
	d := NewDomain(1, newTestController(), nil)
	if _, err := Register(ctx, d, 0, func(uint32, any) Result { return Preempt }, nil, nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	cpu := s.CPUs[0]
	d.Handle(cpu, 0)
	if !cpu.ShouldPreempt() {
		t.Errorf("Preempt result did not set the preempt flag")
	}
	if cpu.InInterrupt() {
		t.Errorf("CPU still in interrupt after Handle")
	}
}

func TestTranslation(t *testing.T) {
	ctx := schedtest.Context(t)
	ctrl := NewDomain(32, newTestController(), nil)
	child := NewDomain(4, &translator{target: ctrl, offset: 10}, nil)
	h, err := Register(ctx, child, 3, func(uint32, any) Result { return Handled }, nil, nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if h.Domain() != ctrl || h.Num() != 13 {
		t.Errorf("handler registered on %v:%d, want %v:13", h.Domain(), h.Num(), ctrl)
	}
	if got := ctrl.Handlers(13); got != 1 {
		t.Errorf("controller has %d handlers on 13, want 1", got)
	}
	if _, err := Register(ctx, NewDomain(4, &translator{target: ctrl, offset: 40}, nil), 0, h.early, nil, nil); !status.Is(err, status.InvalidArg) {
		t.Errorf("Register translating out of range got %v, want InvalidArg", err)
	}
}

// TestThreadedUnregister checks that a threaded handler never runs after
// Unregister returns, while its interrupt keeps firing.
func TestThreadedUnregister(t *testing.T) {
	s := schedtest.Boot(t, 2)
	SetScheduler(s)
	defer SetScheduler(nil)
	ctx := schedtest.Context(t)
	c := newTestController()
	c.modes[5] = Edge
	d := NewDomain(8, c, nil)

	var runs atomic.Int64
	h, err := Register(ctx, d, 5,
		func(uint32, any) Result { return RunThread },
		func(ctx context.Context, num uint32, data any) { runs.Add(1) },
		nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	stop := make(chan struct{})
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			for {
				select {
				case <-stop:
					return nil
				default:
					d.Raise(5)
					time.Sleep(100 * time.Microsecond)
				}
			}
		})
	}
	if err := schedtest.Poll(func() error {
		if runs.Load() < 10 {
			return fmt.Errorf("%d runs", runs.Load())
		}
		return nil
	}, 10*time.Second); err != nil {
		t.Fatalf("threaded handler did not run: %v", err)
	}

	if err := Unregister(ctx, h); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	close(stop)
	g.Wait()
	if got := runs.Load(); got != after {
		t.Errorf("handler ran %d times after Unregister", got-after)
	}
	if got := h.ThreadRuns(); got != uint64(after) {
		t.Errorf("ThreadRuns got %d, want %d", got, after)
	}
}
