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

// Package irq dispatches hardware interrupts to registered handlers.
//
// Interrupt numbers live in domains. A domain whose ops implement Translator
// forwards registrations to another domain, so a device can name its
// interrupt in its own numbering and have it land on the controller that
// delivers it. Each number holds an ordered list of handlers. A handler has
// an early function, run on the interrupted CPU, and optionally a threaded
// function run by a dedicated worker thread.
package irq

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"kiwi.dev/kiwi/pkg/ksync"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/status"
	"kiwi.dev/kiwi/pkg/sync"
)

// Mode is the trigger mode of an interrupt line.
type Mode int

const (
	// Level interrupts are asserted until serviced.
	Level Mode = iota

	// Edge interrupts are pulses; pulses close together may merge.
	Edge
)

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	if m == Edge {
		return "edge"
	}
	return "level"
}

// Result is returned by an early handler.
type Result int

const (
	// Unhandled means the interrupt was not for this handler.
	Unhandled Result = iota

	// Handled means the interrupt was serviced.
	Handled

	// Preempt means the interrupt was serviced and the current thread
	// should be preempted. It is meant for timer devices.
	Preempt

	// RunThread means the threaded function should run.
	RunThread
)

// EarlyFunc runs in interrupt context. It must not block.
type EarlyFunc func(num uint32, data any) Result

// Func runs on the handler's worker thread.
type Func func(ctx context.Context, num uint32, data any)

// DomainOps are the operations of an interrupt controller. Controllers
// implement any of the optional interfaces below as they need.
type DomainOps interface {
	// Name names the controller in logs.
	Name() string
}

// Translator is implemented by domains that forward interrupts to another
// domain.
type Translator interface {
	Translate(num uint32) (*Domain, uint32, bool)
}

// PreHandler is implemented by controllers that acknowledge or filter an
// interrupt before handlers run. Returning false drops the interrupt.
type PreHandler interface {
	PreHandle(num uint32) bool
}

// PostHandler is implemented by controllers that complete an interrupt
// after handlers run.
type PostHandler interface {
	PostHandle(num uint32)
}

// ModeGetter reports the trigger mode of a line. Lines are level
// triggered if the controller does not implement it.
type ModeGetter interface {
	Mode(num uint32) Mode
}

// Enabler is implemented by controllers that can mask lines.
type Enabler interface {
	Enable(num uint32)
	Disable(num uint32)
}

// Stats are the counters of one interrupt line.
type Stats struct {
	Count     uint64
	Unhandled uint64
	Masked    bool
}

type line struct {
	// mu protects handlers. It is held while early handlers run, so that
	// removal of a handler waits for a running early handler.
	mu       sync.SpinLock
	handlers []*Handler

	count     atomic.Uint64
	unhandled atomic.Uint64
	masked    atomic.Bool
}

// Domain is a set of interrupt numbers handled by one controller.
type Domain struct {
	ops     DomainOps
	private any
	lines   []line
}

// NewDomain creates a domain of count interrupts.
func NewDomain(count uint32, ops DomainOps, private any) *Domain {
	return &Domain{
		ops:     ops,
		private: private,
		lines:   make([]line, count),
	}
}

// Count returns the number of interrupts in d.
func (d *Domain) Count() uint32 {
	return uint32(len(d.lines))
}

// Ops returns the controller operations of d.
func (d *Domain) Ops() DomainOps {
	return d.ops
}

// Private returns the controller data of d.
func (d *Domain) Private() any {
	return d.private
}

// String implements fmt.Stringer.String.
func (d *Domain) String() string {
	return d.ops.Name()
}

func (d *Domain) mode(num uint32) Mode {
	if mg, ok := d.ops.(ModeGetter); ok {
		return mg.Mode(num)
	}
	return Level
}

// Stats returns the counters of num.
func (d *Domain) Stats(num uint32) Stats {
	if num >= d.Count() {
		return Stats{}
	}
	l := &d.lines[num]
	return Stats{
		Count:     l.count.Load(),
		Unhandled: l.unhandled.Load(),
		Masked:    l.masked.Load(),
	}
}

// Handlers returns the number of handlers registered on num.
func (d *Domain) Handlers(num uint32) int {
	if num >= d.Count() {
		return 0
	}
	l := &d.lines[num]
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handlers)
}

var (
	schedMu   sync.Mutex
	scheduler *sched.Scheduler
	root      *Domain

	unhandledLog = log.BasicRateLimitedLogger(time.Second)
)

// SetScheduler sets the scheduler that runs handler worker threads.
func SetScheduler(s *sched.Scheduler) {
	schedMu.Lock()
	defer schedMu.Unlock()
	scheduler = s
}

func currentScheduler() *sched.Scheduler {
	schedMu.Lock()
	defer schedMu.Unlock()
	return scheduler
}

// SetRootDomain sets the domain hardware interrupts arrive on.
func SetRootDomain(d *Domain) {
	schedMu.Lock()
	defer schedMu.Unlock()
	root = d
}

// RootDomain returns the domain hardware interrupts arrive on.
func RootDomain() *Domain {
	schedMu.Lock()
	defer schedMu.Unlock()
	return root
}

// Handler is a registered interrupt handler.
type Handler struct {
	domain   *Domain
	num      uint32
	early    EarlyFunc
	threaded Func
	data     any

	sem     *ksync.Semaphore
	thread  *sched.Thread
	removed atomic.Bool
	runs    atomic.Uint64
}

// Domain returns the domain the handler is registered in, after
// translation.
func (h *Handler) Domain() *Domain {
	return h.domain
}

// Num returns the interrupt number, after translation.
func (h *Handler) Num() uint32 {
	return h.num
}

// ThreadRuns returns the number of times the threaded function has run.
func (h *Handler) ThreadRuns() uint64 {
	return h.runs.Load()
}

// String implements fmt.Stringer.String.
func (h *Handler) String() string {
	return fmt.Sprintf("%v:%d", h.domain, h.num)
}

func sameFunc(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.IsNil() || vb.IsNil() {
		return va.IsNil() == vb.IsNil()
	}
	return va.Pointer() == vb.Pointer()
}

func sameData(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

func (h *Handler) matches(early EarlyFunc, threaded Func, data any) bool {
	return sameFunc(h.early, early) && sameFunc(h.threaded, threaded) && sameData(h.data, data)
}

// Resolve follows translations from (d, num) to the controller domain
// that delivers the interrupt.
func Resolve(d *Domain, num uint32) (*Domain, uint32, error) {
	for depth := 0; ; depth++ {
		if d == nil || num >= d.Count() || depth > 16 {
			return nil, 0, status.InvalidArg
		}
		t, ok := d.ops.(Translator)
		if !ok {
			return d, num, nil
		}
		next, n, ok := t.Translate(num)
		if !ok {
			return nil, 0, status.InvalidArg
		}
		d, num = next, n
	}
}

// Register adds a handler for num in d. If threaded is set, a worker
// thread is started for it; an early function that is nil behaves as one
// that always returns RunThread.
func Register(ctx context.Context, d *Domain, num uint32, early EarlyFunc, threaded Func, data any) (*Handler, error) {
	if early == nil && threaded == nil {
		return nil, status.InvalidArg
	}
	d, num, err := Resolve(d, num)
	if err != nil {
		return nil, err
	}
	h := &Handler{
		domain:   d,
		num:      num,
		early:    early,
		threaded: threaded,
		data:     data,
	}
	if threaded != nil {
		s := currentScheduler()
		if s == nil {
			return nil, status.NotSupported
		}
		h.sem = ksync.NewSemaphore("irq_sem", 0)
		t, err := s.NewThread(h, fmt.Sprintf("irq-%d", num), sched.PriorityIRQ, h.work)
		if err != nil {
			return nil, err
		}
		h.thread = t
	}

	l := &d.lines[num]
	l.mu.Lock()
	for _, other := range l.handlers {
		if other.matches(early, threaded, data) {
			l.mu.Unlock()
			if h.thread != nil {
				h.thread.Discard()
			}
			return nil, status.AlreadyExists
		}
	}
	first := len(l.handlers) == 0
	l.handlers = append(l.handlers, h)
	if first {
		l.masked.Store(false)
		if en, ok := d.ops.(Enabler); ok {
			en.Enable(num)
		}
	}
	l.mu.Unlock()

	if h.thread != nil {
		h.thread.Run()
	}
	log.Debugf("irq: registered handler on %v", h)
	return h, nil
}

// Unregister removes h. When it returns, neither function of h is running
// or will run again.
func Unregister(ctx context.Context, h *Handler) error {
	d := h.domain
	l := &d.lines[h.num]
	l.mu.Lock()
	idx := -1
	for i, other := range l.handlers {
		if other == h {
			idx = i
			break
		}
	}
	if idx < 0 {
		l.mu.Unlock()
		return status.NotFound
	}
	l.handlers = append(l.handlers[:idx:idx], l.handlers[idx+1:]...)
	if len(l.handlers) == 0 {
		if en, ok := d.ops.(Enabler); ok {
			en.Disable(h.num)
		}
	}
	h.removed.Store(true)
	l.mu.Unlock()

	if h.thread != nil {
		h.sem.Up(1)
		if err := h.thread.Join(ctx); err != nil {
			return err
		}
		h.thread.Release()
	}
	log.Debugf("irq: unregistered handler on %v", h)
	return nil
}

func (h *Handler) work(ctx context.Context) {
	for {
		h.sem.Down(ctx)
		if h.removed.Load() {
			return
		}
		h.threaded(ctx, h.num, h.data)
		h.runs.Add(1)
	}
}

func (h *Handler) kick(cpu *sched.CPU) {
	if h.sem == nil {
		log.Warningf("irq: handler on %v asked to run without a thread", h)
		return
	}
	h.sem.Up(1)
	if cpu != nil {
		cpu.SetShouldPreempt()
	}
}

// Handle dispatches interrupt num of d on cpu. cpu may be nil for an
// interrupt delivered outside any CPU.
func (d *Domain) Handle(cpu *sched.CPU, num uint32) {
	if num >= d.Count() {
		log.Warningf("irq: spurious interrupt %d on %v", num, d)
		return
	}
	if cpu != nil {
		cpu.EnterInterrupt()
		defer cpu.ExitInterrupt()
	}
	if ph, ok := d.ops.(PreHandler); ok && !ph.PreHandle(num) {
		return
	}

	l := &d.lines[num]
	l.count.Add(1)
	mode := d.mode(num)
	claimed := false

	l.mu.Lock()
	for _, h := range l.handlers {
		if h.early == nil {
			continue
		}
		r := h.early(num, h.data)
		switch r {
		case Preempt:
			if cpu != nil {
				cpu.SetShouldPreempt()
			}
		case RunThread:
			h.kick(cpu)
		}
		if r != Unhandled {
			claimed = true
			// Edge pulses may have merged, so every handler runs.
			if mode == Level {
				break
			}
		}
	}
	if !claimed || mode == Edge {
		for _, h := range l.handlers {
			if h.early == nil {
				h.kick(cpu)
				claimed = true
			}
		}
	}
	l.mu.Unlock()

	if !claimed {
		l.unhandled.Add(1)
		if mode == Level {
			if en, ok := d.ops.(Enabler); ok {
				en.Disable(num)
				l.masked.Store(true)
			}
			unhandledLog.Warningf("irq: unhandled level interrupt %d on %v, masking", num, d)
		}
	}
	if ph, ok := d.ops.(PostHandler); ok {
		ph.PostHandle(num)
	}
}

// Raise delivers interrupt num of d on the CPU the scheduler assigns to
// it, as a device asserting the line would.
func (d *Domain) Raise(num uint32) {
	var cpu *sched.CPU
	if s := currentScheduler(); s != nil && len(s.CPUs) > 0 {
		cpu = s.CPUs[int(num)%len(s.CPUs)]
	}
	d.Handle(cpu, num)
}
