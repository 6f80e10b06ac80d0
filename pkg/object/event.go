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

package object

import (
	"context"
	"sync/atomic"

	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/status"
	"kiwi.dev/kiwi/pkg/sync"
)

// MaxWaitEvents is the largest number of events a single Wait accepts.
const MaxWaitEvents = 1024

// EventFlags qualify an event wait.
type EventFlags uint32

const (
	// EdgeTriggered waits for the event condition to become true rather
	// than for it to be true.
	EdgeTriggered EventFlags = 1 << iota

	// Oneshot removes a callback the first time it fires.
	Oneshot

	// Signalled is set on return on events that occurred.
	Signalled

	// Error is set on return on events that failed.
	Error

	resultFlags = Signalled | Error
)

// WaitFlags modify Wait.
type WaitFlags uint32

const (
	// WaitAll waits for every event rather than for any one.
	WaitAll WaitFlags = 1 << iota
)

// WaitEvent describes one event to Wait for.
type WaitEvent struct {
	// Handle is the handle ID of the object.
	Handle ID

	// Event is the type-specific event ID.
	Event uint32

	// Flags are the event flags. Signalled and Error are set on return.
	Flags EventFlags

	// Data is set on return to event-specific data if the event was
	// signalled.
	Data uint64

	// UData is passed through unmodified.
	UData uint64
}

// Event is the kernel side of a single event wait, passed to the object
// type's Wait and Unwait. Sources call Signal when the event occurs.
type Event struct {
	// Handle, ID and Flags are copied from the WaitEvent being waited for.
	Handle ID
	ID     uint32
	Flags  EventFlags

	// Data is the event data passed to Signal.
	Data uint64

	// UData is copied from the WaitEvent.
	UData uint64

	sink  eventSink
	err   error
	entry *NotifierEntry
}

// eventSink receives signals for an Event.
type eventSink interface {
	// signal records a signal of e. It must be safe to call from any
	// goroutine, including those running early IRQ handlers.
	signal(e *Event, data uint64, err error)
}

// Signal signals that the event has occurred.
func (e *Event) Signal(data uint64) {
	e.SignalStatus(data, nil)
}

// SignalStatus signals that the event has occurred or, if err is not nil,
// that it has failed. Errors are for conditions that could not be detected
// when the wait was set up.
func (e *Event) SignalStatus(data uint64, err error) {
	e.sink.signal(e, data, err)
}

// waiter is the sink for the events of one Wait call.
type waiter struct {
	// q's lock protects count and the result fields of every event
	// belonging to the waiter.
	q     sched.WaitQueue
	count int
}

func (w *waiter) signal(e *Event, data uint64, err error) {
	w.q.Lock()
	defer w.q.Unlock()
	first := e.Flags&(Signalled|Error) == 0
	e.Data = data
	if err == nil {
		e.Flags |= Signalled
	} else {
		e.Flags |= Error
		if e.err == nil {
			e.err = err
		}
	}
	// Each event counts once. Only the transition to zero wakes the
	// sleeper.
	if first && w.count > 0 {
		w.count--
		if w.count == 0 {
			w.q.WakeAllLocked()
		}
	}
}

// Wait waits for events on objects in table. With WaitAll it returns once
// every event has been signalled, otherwise once any has. The Signalled and
// Error flags and the data of each signalled event are written back to
// events.
//
// A timeout of 0 returns WouldBlock if nothing has happened yet; a negative
// timeout waits forever. Errors are InvalidArg for an empty or oversized
// event list, InvalidHandle for a bad handle, InvalidEvent for objects
// that cannot be waited on, TimedOut and Interrupted. An error signalled by
// a source is returned if the wait otherwise succeeded.
func Wait(ctx context.Context, table *Table, events []WaitEvent, flags WaitFlags, timeout int64) error {
	if len(events) == 0 || len(events) > MaxWaitEvents {
		return status.InvalidArg
	}

	w := &waiter{count: 1}
	if flags&WaitAll != 0 {
		w.count = len(events)
	}

	type setup struct {
		event      *Event
		handle     *Handle
		registered bool
	}
	waits := make([]setup, 0, len(events))

	var ret error
	for i := range events {
		e := &Event{
			Handle: events[i].Handle,
			ID:     events[i].Event,
			Flags:  events[i].Flags &^ resultFlags,
			UData:  events[i].UData,
			sink:   w,
		}
		waits = append(waits, setup{event: e})
		s := &waits[len(waits)-1]

		h, err := table.Lookup(e.Handle, TypeAny)
		if err != nil {
			e.Flags |= Error
			ret = err
			break
		}
		s.handle = h
		wt, ok := h.Type.(Waiter)
		if !ok {
			e.Flags |= Error
			ret = status.InvalidEvent
			break
		}
		if err := wt.Wait(h, e); err != nil {
			w.q.Lock()
			e.Flags |= Error
			w.q.Unlock()
			ret = err
			break
		}
		s.registered = true
	}

	if ret == nil {
		w.q.Lock()
		if w.count == 0 {
			w.q.Unlock()
		} else {
			ret = w.q.SleepLocked(ctx, timeout, sched.Interruptible)
		}
	}

	// Unwait before reading results so that nothing changes under us.
	for i := range waits {
		s := &waits[i]
		if s.registered {
			s.handle.Type.(Waiter).Unwait(s.handle, s.event)
		}
		if s.handle != nil {
			s.handle.Release()
		}
	}

	w.q.Lock()
	defer w.q.Unlock()
	for i := range waits {
		e := waits[i].event
		if ret == nil && e.err != nil {
			ret = e.err
		}
		events[i].Flags = (events[i].Flags &^ resultFlags) | (e.Flags & resultFlags)
		if e.Flags&Signalled != 0 {
			events[i].Data = e.Data
		}
	}
	return ret
}

// callback is an asynchronous event registration made with
// Table.SetCallback.
type callback struct {
	event  Event
	handle *Handle
	fn     func(WaitEvent)

	// run is held while fn is running.
	run sync.Mutex

	mu sync.Mutex
	// pending is set while a delivery is outstanding. At most one delivery
	// is in flight at a time.
	pending atomic.Bool
	removed bool
	table   *Table
}

func (c *callback) signal(e *Event, data uint64, err error) {
	if !c.pending.CompareAndSwap(false, true) {
		return
	}
	ev := WaitEvent{
		Handle: e.Handle,
		Event:  e.ID,
		Flags:  e.Flags &^ resultFlags,
		Data:   data,
		UData:  e.UData,
	}
	if err == nil {
		ev.Flags |= Signalled
	} else {
		ev.Flags |= Error
	}
	go c.deliver(ev)
}

func (c *callback) deliver(ev WaitEvent) {
	defer c.pending.Store(false)
	c.run.Lock()
	c.mu.Lock()
	removed, fn := c.removed, c.fn
	c.mu.Unlock()
	if !removed {
		fn(ev)
	}
	c.run.Unlock()
	if !removed && ev.Flags&Oneshot != 0 {
		c.table.removeCallback(ev.Handle, ev.Event)
	}
}

// remove unregisters c. It reports false if c was already removed. The
// caller must call Release once the table is unlocked.
func (c *callback) remove() bool {
	c.mu.Lock()
	already := c.removed
	c.removed = true
	c.mu.Unlock()
	if already {
		return false
	}
	c.handle.Type.(Waiter).Unwait(c.handle, &c.event)
	return true
}

// Release waits for a delivery that is running fn to finish and drops the
// handle reference held by c.
func (c *callback) Release() {
	c.run.Lock()
	c.run.Unlock()
	c.handle.Release()
}
