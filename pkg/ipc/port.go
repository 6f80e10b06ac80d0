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
	"time"

	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/status"
)

// PortEventConnection is signalled when a connection is waiting to be
// accepted on a port.
const PortEventConnection uint32 = 0

// Port is a named point that clients open connections to. Only the owner
// of a port can listen on it.
type Port struct {
	// q is the port lock. Listeners and openers sleep on it.
	q sched.WaitQueue

	// owner is the process owning the port, or nil once the port has been
	// disowned. ownerHandles counts the handles to the port in the owner's
	// table. Both are protected by q.
	owner        any
	ownerHandles int

	// pending is the list of connections waiting to be accepted,
	// protected by q.
	pending []*Connection

	connN object.Notifier
}

// NewPort returns a port owned by owner.
func NewPort(owner any) *Port {
	return &Port{owner: owner}
}

// Owner returns the owner of p, or nil if it has been disowned.
func (p *Port) Owner() any {
	p.q.Lock()
	defer p.q.Unlock()
	return p.owner
}

// Pending returns the number of connections waiting to be accepted.
func (p *Port) Pending() int {
	p.q.Lock()
	defer p.q.Unlock()
	return len(p.pending)
}

// Listen waits for up to timeout for a connection to be opened on p and
// accepts it, returning the server endpoint. Only the owner of p can
// listen (AccessDenied), and listening on a closed port fails immediately.
func (p *Port) Listen(ctx context.Context, timeout int64) (*Endpoint, error) {
	self := caller(ctx)
	p.q.Lock()
	defer p.q.Unlock()
	if p.owner == nil || p.owner != self {
		return nil, status.AccessDenied
	}
	err := waitLocked(ctx, &p.q, time.Now(), timeout, func() bool {
		return len(p.pending) > 0 || p.owner != self
	})
	if err != nil {
		return nil, err
	}
	if p.owner != self {
		return nil, status.AccessDenied
	}

	c := p.pending[0]
	p.pending = p.pending[1:]
	c.q.Lock()
	c.state = StateActive
	c.ends[server].process = self
	c.q.Unlock()

	// Wake the opener.
	p.q.WakeAllLocked()
	return &c.ends[server], nil
}

// Open opens a connection to port and waits for up to timeout for the
// owner to accept it, returning the client endpoint. It fails with
// ConnHungup if the port has no owner or is closed while waiting.
func Open(ctx context.Context, port *Port, timeout int64, flags ConnectionFlags) (*Endpoint, error) {
	if flags&^validConnectionFlags != 0 {
		return nil, status.InvalidArg
	}
	start := time.Now()
	port.q.Lock()
	defer port.q.Unlock()
	if port.owner == nil {
		return nil, status.ConnHungup
	}

	c := newConnection(flags)
	c.ends[client].process = caller(ctx)
	port.pending = append(port.pending, c)
	port.q.WakeAllLocked()
	port.connN.Run(0, false)

	state := func() State {
		c.q.Lock()
		defer c.q.Unlock()
		return c.state
	}
	err := waitLocked(ctx, &port.q, start, timeout, func() bool { return state() != StateSetup })
	if err != nil {
		// Still queued: withdraw the connection.
		port.removeLocked(c)
		c.q.Lock()
		c.state = StateClosed
		c.q.Unlock()
		return nil, err
	}
	if state() != StateActive {
		return nil, status.ConnHungup
	}
	return &c.ends[client], nil
}

func (p *Port) removeLocked(c *Connection) {
	for i, pc := range p.pending {
		if pc == c {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return
		}
	}
}

// Close disowns p. Waiting listens fail with AccessDenied, connections
// waiting to be accepted are rejected with ConnHungup, and later opens
// fail.
func (p *Port) Close() {
	p.q.Lock()
	defer p.q.Unlock()
	p.owner = nil
	for _, c := range p.pending {
		c.q.Lock()
		c.state = StateClosed
		c.q.Unlock()
	}
	p.pending = nil
	p.q.WakeAllLocked()
}

// attach and detach track the owner's handles to p. The port is disowned
// when the owner closes its last handle.
func (p *Port) attach(owner any) {
	p.q.Lock()
	defer p.q.Unlock()
	if owner != nil && owner == p.owner {
		p.ownerHandles++
	}
}

func (p *Port) detach(owner any) {
	p.q.Lock()
	disown := false
	if owner != nil && owner == p.owner {
		p.ownerHandles--
		disown = p.ownerHandles == 0
	}
	p.q.Unlock()
	if disown {
		p.Close()
	}
}
