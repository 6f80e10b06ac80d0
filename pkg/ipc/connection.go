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

package ipc

import (
	"context"
	"fmt"
	"slices"
	"time"

	"kiwi.dev/kiwi/pkg/ktime"
	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/security"
	"kiwi.dev/kiwi/pkg/status"
)

// State is the state of a connection.
type State uint32

// Connection states.
const (
	// StateSetup is a connection waiting on a port to be accepted.
	StateSetup State = iota
	StateActive
	StateClosed
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case StateSetup:
		return "setup"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// ConnectionFlags are given when a connection is opened.
type ConnectionFlags uint32

const (
	// ConnectionSecurity allows security contexts to be delivered on the
	// connection. Without it, MessageSecurity is ignored.
	ConnectionSecurity ConnectionFlags = 1 << 0

	validConnectionFlags = ConnectionSecurity
)

// EndpointFlags configure an endpoint.
type EndpointFlags uint32

const (
	// EndpointDrop silently discards every message sent to the endpoint.
	EndpointDrop EndpointFlags = 1 << 0
)

// SendFlags modify a send.
type SendFlags uint32

const (
	// Force queues the message even if the receiving queue is full.
	Force SendFlags = 1 << 0
)

// Filter selects the message types a receive accepts. The zero value
// accepts everything.
type Filter uint32

// Filters.
const (
	FilterAll     Filter = 0
	FilterSignal  Filter = 1 << Signal
	FilterRequest Filter = 1 << Request
	FilterReply   Filter = 1 << Reply
)

func (f Filter) matches(t MessageType) bool {
	return f == FilterAll || f&(1<<t) != 0
}

// Endpoint events.
const (
	// EventMessage is signalled when a message is queued on the endpoint.
	EventMessage uint32 = 0

	// EventHangup is signalled when the other side closes.
	EventHangup uint32 = 1
)

// EndpointOps are implemented by kernel code that handles the messages
// sent to an endpoint directly instead of queueing them.
type EndpointOps interface {
	// Receive handles a message sent to ep. It is called without any
	// connection lock held. On success it takes ownership of msg.
	Receive(ctx context.Context, ep *Endpoint, msg *Message, flags SendFlags, timeout int64) error

	// Close is called once the other side has closed the connection.
	Close(ep *Endpoint)
}

const (
	server = 0
	client = 1
)

// Connection is a bidirectional channel between two endpoints. It lives
// until both endpoints are closed and unreferenced.
type Connection struct {
	// q is the connection lock. Every sleeper on the connection waits on
	// it, and every state change wakes all of them.
	q sched.WaitQueue

	// The fields below are protected by q.
	state State
	flags ConnectionFlags
	ends  [2]Endpoint
}

// request tracks a request sent by an endpoint. Protected by the
// connection lock.
type request struct {
	serial uint64

	// delivered is set once the receiver has dequeued the request.
	delivered bool

	// waiting is set when the requester blocks for the reply.
	waiting bool

	// done is set when a waiting request completes with reply or err.
	done  bool
	reply *Message
	err   error
}

// Stats describe the requests sent by one endpoint. Every serial assigned
// ends up replied, cancelled or hung up: Assigned equals Replied +
// Cancelled + Hungup + Outstanding, and every outstanding request is either
// still queued on the other side or delivered and awaiting a reply.
type Stats struct {
	Assigned  uint64
	Replied   uint64
	Cancelled uint64
	Hungup    uint64

	Outstanding int
	Queued      int
	Delivered   int

	// QueueLen is the number of messages queued on the endpoint.
	QueueLen int
}

// Check returns an error if the request accounting in s is inconsistent.
func (s Stats) Check() error {
	if s.Outstanding != s.Queued+s.Delivered {
		return fmt.Errorf("%d outstanding requests, %d queued + %d delivered", s.Outstanding, s.Queued, s.Delivered)
	}
	if resolved := s.Replied + s.Cancelled + s.Hungup + uint64(s.Outstanding); resolved != s.Assigned {
		return fmt.Errorf("%d serials assigned, %d accounted for", s.Assigned, resolved)
	}
	return nil
}

// Endpoint is one side of a connection.
type Endpoint struct {
	conn *Connection
	side int

	// Private is available to the endpoint's kernel owner.
	Private any

	// The fields below are protected by conn.q.
	flags      EndpointFlags
	ops        EndpointOps
	process    any
	closed     bool
	queue      []*Message
	queueMax   int
	nextSerial uint64
	requests   map[uint64]*request
	stats      Stats

	messageN object.Notifier
	hangupN  object.Notifier
}

func newConnection(flags ConnectionFlags) *Connection {
	c := &Connection{flags: flags}
	for i := range c.ends {
		e := &c.ends[i]
		e.conn = c
		e.side = i
		e.queueMax = DefaultQueueMax
		e.requests = make(map[uint64]*request)
	}
	counters.connections.Add(1)
	return c
}

// NewConnection creates an active connection with one side handled by
// kernel code. Messages sent to the kernel endpoint are passed to ops,
// which are also told when the user endpoint closes.
func NewConnection(flags ConnectionFlags, ops EndpointOps, private any) (kernel, user *Endpoint, err error) {
	if flags&^validConnectionFlags != 0 {
		return nil, nil, status.InvalidArg
	}
	c := newConnection(flags)
	c.state = StateActive
	kernel = &c.ends[server]
	kernel.ops = ops
	kernel.Private = private
	return kernel, &c.ends[client], nil
}

func (e *Endpoint) remote() *Endpoint {
	return &e.conn.ends[1-e.side]
}

// SetFlags replaces the endpoint's flags.
func (e *Endpoint) SetFlags(flags EndpointFlags) {
	e.conn.q.Lock()
	defer e.conn.q.Unlock()
	e.flags = flags
}

// SetQueueMax sets the number of messages the endpoint queues before
// senders block.
func (e *Endpoint) SetQueueMax(n int) error {
	if n <= 0 {
		return status.InvalidArg
	}
	e.conn.q.Lock()
	defer e.conn.q.Unlock()
	e.queueMax = n
	e.conn.q.WakeAllLocked()
	return nil
}

// Process returns the process that owns the endpoint, or nil for kernel
// endpoints.
func (e *Endpoint) Process() any {
	e.conn.q.Lock()
	defer e.conn.q.Unlock()
	return e.process
}

// OpenRemote returns the process at the other side of the connection. It
// fails with ConnHungup once the connection is closed and with NotFound if
// the other side belongs to the kernel.
func (e *Endpoint) OpenRemote() (any, error) {
	e.conn.q.Lock()
	defer e.conn.q.Unlock()
	if e.conn.state != StateActive {
		return nil, status.ConnHungup
	}
	p := e.remote().process
	if p == nil {
		return nil, status.NotFound
	}
	return p, nil
}

// Status returns the state of the connection.
func (e *Endpoint) Status() State {
	e.conn.q.Lock()
	defer e.conn.q.Unlock()
	return e.conn.state
}

// Stats returns the request statistics of e.
func (e *Endpoint) Stats() Stats {
	e.conn.q.Lock()
	defer e.conn.q.Unlock()
	s := e.stats
	s.Outstanding = len(e.requests)
	s.QueueLen = len(e.queue)
	for _, m := range e.remote().queue {
		if m.req != nil && e.requests[m.Serial] == m.req {
			s.Queued++
		}
	}
	for _, req := range e.requests {
		if req.delivered {
			s.Delivered++
		}
	}
	return s
}

// Signal sends msg as a signal. See Send.
func (e *Endpoint) Signal(ctx context.Context, msg *Message, flags SendFlags, timeout int64) error {
	msg.Type = Signal
	return e.send(ctx, msg, flags, timeout, nil)
}

// Send sends msg according to its type. Requests are given a serial and
// their replies are queued like any other message; replies are matched
// against the other side's requests as by Reply.
//
// If the other side's queue is full, Send waits for space for up to
// timeout unless flags include Force. It fails with ConnHungup if the
// connection is closed. On success the message, including its handle
// reference, belongs to the receiver; on failure it remains the caller's.
func (e *Endpoint) Send(ctx context.Context, msg *Message, flags SendFlags, timeout int64) error {
	return e.send(ctx, msg, flags, timeout, nil)
}

// Request sends msg as a request and waits for the reply. If the wait
// fails the request is cancelled: a later reply to it gets Cancelled.
// Outstanding requests fail with ConnHungup if the connection closes.
// The message's handle reference passes to the receiver, or is dropped if
// the request cannot be sent.
func (e *Endpoint) Request(ctx context.Context, msg *Message, flags SendFlags, timeout int64) (*Message, error) {
	msg.Type = Request
	req := &request{waiting: true}
	start := time.Now()
	if err := e.sendAt(ctx, msg, flags, start, timeout, req); err != nil {
		msg.Release()
		return nil, err
	}

	c := e.conn
	c.q.Lock()
	err := waitLocked(ctx, &c.q, start, timeout, func() bool { return req.done })
	var garbage []*Message
	if err != nil && e.requests[req.serial] == req {
		garbage = e.cancelLocked(req)
	}
	c.q.Unlock()
	releaseAll(garbage)
	if err != nil {
		return nil, err
	}
	if req.err != nil {
		return nil, req.err
	}
	return req.reply, nil
}

// Post sends msg as a request without waiting for the reply, which is
// delivered like any other message. It returns the serial of the request,
// for use with Cancel.
func (e *Endpoint) Post(ctx context.Context, msg *Message, flags SendFlags, timeout int64) (uint64, error) {
	msg.Type = Request
	req := &request{}
	if err := e.send(ctx, msg, flags, timeout, req); err != nil {
		return 0, err
	}
	return req.serial, nil
}

// Reply sends msg as the reply to the other side's request msg.Serial. It
// fails with Cancelled if there is no such request awaiting a reply,
// because it was cancelled, already replied to or never received.
func (e *Endpoint) Reply(ctx context.Context, msg *Message) error {
	msg.Type = Reply
	return e.send(ctx, msg, Force, ktime.Poll, nil)
}

// Cancel cancels the outstanding request serial sent by e. A request still
// queued on the other side is removed from the queue.
func (e *Endpoint) Cancel(serial uint64) error {
	c := e.conn
	c.q.Lock()
	req := e.requests[serial]
	if req == nil {
		c.q.Unlock()
		return status.NotFound
	}
	garbage := e.cancelLocked(req)
	if req.waiting {
		req.err = status.Cancelled
		req.done = true
		c.q.WakeAllLocked()
	}
	c.q.Unlock()
	releaseAll(garbage)
	return nil
}

func (e *Endpoint) send(ctx context.Context, msg *Message, flags SendFlags, timeout int64, req *request) error {
	return e.sendAt(ctx, msg, flags, time.Now(), timeout, req)
}

func (e *Endpoint) sendAt(ctx context.Context, msg *Message, flags SendFlags, start time.Time, timeout int64, req *request) error {
	if err := msg.validate(); err != nil {
		return err
	}
	c := e.conn
	r := e.remote()
	c.q.Lock()
	if c.state != StateActive || e.closed {
		c.q.Unlock()
		return status.ConnHungup
	}
	if msg.Type == Reply {
		return e.replyLocked(ctx, msg, flags, start, timeout)
	}
	if r.flags&EndpointDrop != 0 {
		c.q.Unlock()
		msg.Release()
		return nil
	}

	if r.ops != nil {
		req = e.stampLocked(ctx, msg, req)
		if req != nil {
			req.delivered = true
		}
		c.q.Unlock()
		err := r.ops.Receive(ctx, r, msg, flags, ktime.Remaining(timeout, time.Since(start)))
		if err != nil && req != nil {
			c.q.Lock()
			if e.requests[req.serial] == req {
				e.cancelLocked(req)
			}
			c.q.Unlock()
		}
		return err
	}

	err := waitLocked(ctx, &c.q, start, timeout, func() bool {
		return c.state != StateActive || flags&Force != 0 || len(r.queue) < r.queueMax
	})
	if err == nil && c.state != StateActive {
		err = status.ConnHungup
	}
	if err != nil {
		c.q.Unlock()
		return err
	}
	e.stampLocked(ctx, msg, req)
	r.queue = append(r.queue, msg)
	c.q.WakeAllLocked()
	c.q.Unlock()
	r.messageN.Run(uint64(msg.Type), false)
	return nil
}

// replyLocked delivers a reply. c.q is locked on entry and unlocked on
// return.
func (e *Endpoint) replyLocked(ctx context.Context, msg *Message, flags SendFlags, start time.Time, timeout int64) error {
	c := e.conn
	r := e.remote()
	req := r.requests[msg.Serial]
	if req == nil || !req.delivered {
		c.q.Unlock()
		return status.Cancelled
	}
	delete(r.requests, msg.Serial)
	r.stats.Replied++
	e.stampLocked(ctx, msg, nil)

	switch {
	case req.waiting:
		req.reply = msg
		req.done = true
		c.q.WakeAllLocked()
		c.q.Unlock()
	case r.ops != nil:
		c.q.Unlock()
		return r.ops.Receive(ctx, r, msg, flags, ktime.Remaining(timeout, time.Since(start)))
	case r.flags&EndpointDrop != 0:
		c.q.Unlock()
		msg.Release()
	default:
		// Replies are never held back by flow control.
		r.queue = append(r.queue, msg)
		c.q.WakeAllLocked()
		c.q.Unlock()
		r.messageN.Run(uint64(msg.Type), false)
	}
	return nil
}

// stampLocked fills in the sender-provided parts of msg. A request is given
// the next serial and recorded; req, if not nil, is the record to use. It
// returns the request record.
func (e *Endpoint) stampLocked(ctx context.Context, msg *Message, req *request) *request {
	msg.Timestamp = clock.Load().BootTime().Nanoseconds()
	if msg.Flags&MessageSecurity != 0 {
		if e.conn.flags&ConnectionSecurity != 0 {
			msg.Security = senderContext(ctx).Reveal()
		} else {
			msg.Flags &^= MessageSecurity
			msg.Security = security.Context{}
		}
	}
	counters.messages.Add(1)
	if msg.Type != Request {
		return nil
	}
	if req == nil {
		req = &request{}
	}
	e.nextSerial++
	req.serial = e.nextSerial
	msg.Serial = req.serial
	msg.req = req
	e.requests[req.serial] = req
	e.stats.Assigned++
	return req
}

// cancelLocked forgets the outstanding request req. It returns the
// messages removed from the other side's queue, to be released once the
// connection is unlocked.
func (e *Endpoint) cancelLocked(req *request) []*Message {
	delete(e.requests, req.serial)
	e.stats.Cancelled++
	counters.cancelled.Add(1)
	if req.delivered {
		return nil
	}
	r := e.remote()
	for i, m := range r.queue {
		if m.req == req {
			r.queue = slices.Delete(r.queue, i, i+1)
			e.conn.q.WakeAllLocked()
			return []*Message{m}
		}
	}
	return nil
}

// hangupLocked fails every outstanding request of e with ConnHungup.
func (e *Endpoint) hangupLocked() {
	for serial, req := range e.requests {
		delete(e.requests, serial)
		e.stats.Hungup++
		req.err = status.ConnHungup
		req.done = true
	}
}

// Receive dequeues the first message accepted by filter, waiting for up to
// timeout for one to arrive. Once the other side has closed, queued
// messages can still be received; after that Receive fails with
// ConnHungup. The caller owns the returned message and its handle.
func (e *Endpoint) Receive(ctx context.Context, filter Filter, timeout int64) (*Message, error) {
	c := e.conn
	c.q.Lock()
	if e.closed {
		c.q.Unlock()
		return nil, status.ConnHungup
	}
	idx := -1
	err := waitLocked(ctx, &c.q, time.Now(), timeout, func() bool {
		idx = slices.IndexFunc(e.queue, func(m *Message) bool { return filter.matches(m.Type) })
		return idx >= 0 || c.state != StateActive
	})
	if err == nil && idx < 0 {
		err = status.ConnHungup
	}
	if err != nil {
		c.q.Unlock()
		return nil, err
	}
	msg := e.queue[idx]
	e.queue = slices.Delete(e.queue, idx, idx+1)
	if msg.req != nil {
		if r := e.remote(); r.requests[msg.Serial] == msg.req {
			msg.req.delivered = true
		}
		msg.req = nil
	}
	c.q.WakeAllLocked()
	c.q.Unlock()
	return msg, nil
}

// Close closes e. The connection is hung up: the other side is notified,
// outstanding requests on both sides fail with ConnHungup and messages
// queued on e are discarded. Messages already queued on the other side
// remain receivable.
func (e *Endpoint) Close() {
	c := e.conn
	r := e.remote()
	c.q.Lock()
	if e.closed {
		c.q.Unlock()
		return
	}
	e.closed = true
	hangup := c.state == StateActive
	if c.state != StateClosed {
		c.state = StateClosed
		e.hangupLocked()
		r.hangupLocked()
	}
	garbage := e.queue
	e.queue = nil
	c.q.WakeAllLocked()
	c.q.Unlock()

	releaseAll(garbage)
	if hangup {
		counters.hangups.Add(1)
		r.hangupN.Run(0, false)
		if r.ops != nil {
			r.ops.Close(r)
		}
	}
}

// Closed returns true if e has been closed.
func (e *Endpoint) Closed() bool {
	e.conn.q.Lock()
	defer e.conn.q.Unlock()
	return e.closed
}

// String implements fmt.Stringer.String.
func (e *Endpoint) String() string {
	side := "server"
	if e.side == client {
		side = "client"
	}
	return fmt.Sprintf("connection %p %s", e.conn, side)
}

func releaseAll(msgs []*Message) {
	for _, m := range msgs {
		m.Release()
	}
}
