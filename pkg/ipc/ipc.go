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

// Package ipc implements ports and connections, the kernel's message
// passing primitives.
//
// A server owns a port and listens on it. A client opens a connection to
// the port, which queues the connection until the server's listen accepts
// it. Each side of a connection is an Endpoint. Messages sent on one
// endpoint are queued on the other, in order, until received. Requests get
// a serial from the sending endpoint; replies echo it and are routed back
// to the waiting requester.
//
// Lock order: port, then connection. Every connection is guarded by the
// lock of its wait queue, which covers both directions and every waiter.
package ipc

import (
	"context"
	"sync/atomic"
	"time"

	"kiwi.dev/kiwi/pkg/ktime"
	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/security"
	"kiwi.dev/kiwi/pkg/status"
)

var clock atomic.Pointer[ktime.Clock]

func init() {
	clock.Store(ktime.NewClock())
}

// SetClock sets the clock used to timestamp messages.
func SetClock(c *ktime.Clock) {
	clock.Store(c)
}

// TokenOwner is implemented by thread owners that have a security token.
// Messages sent from threads whose owner does not implement it carry the
// kernel's identity, UID and GID 0.
type TokenOwner interface {
	Token() *security.Token
}

// caller returns the owner of the calling thread.
func caller(ctx context.Context) any {
	return sched.Current(ctx).Owner
}

func senderContext(ctx context.Context) security.Context {
	if o, ok := caller(ctx).(TokenOwner); ok {
		if t := o.Token(); t != nil {
			return t.Context()
		}
	}
	return security.Context{}
}

// Counters are system-wide IPC statistics.
type Counters struct {
	Connections uint64
	Messages    uint64
	Hangups     uint64
	Cancelled   uint64
}

var counters struct {
	connections atomic.Uint64
	messages    atomic.Uint64
	hangups     atomic.Uint64
	cancelled   atomic.Uint64
}

// GlobalCounters returns a snapshot of the system-wide statistics.
func GlobalCounters() Counters {
	return Counters{
		Connections: counters.connections.Load(),
		Messages:    counters.messages.Load(),
		Hangups:     counters.hangups.Load(),
		Cancelled:   counters.cancelled.Load(),
	}
}

// waitLocked sleeps interruptibly on q until cond returns true, the
// timeout measured from start expires or the sleep fails. q must be locked;
// it is locked again on return. cond is rechecked after a failed sleep so
// that a wakeup racing with a timeout is not lost.
func waitLocked(ctx context.Context, q *sched.WaitQueue, start time.Time, timeout int64, cond func() bool) error {
	for !cond() {
		left := timeout
		if timeout > 0 {
			if left = ktime.Remaining(timeout, time.Since(start)); left == ktime.Poll {
				return status.TimedOut
			}
		}
		err := q.SleepLocked(ctx, left, sched.Interruptible)
		q.Lock()
		if err != nil {
			if cond() {
				return nil
			}
			return err
		}
	}
	return nil
}
