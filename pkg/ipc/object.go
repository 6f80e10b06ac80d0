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
	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/status"
)

type portType struct{}

// PortType is the object type of port handles.
var PortType object.Type = portType{}

func (portType) ID() object.TypeID       { return object.TypePort }
func (portType) Flags() object.TypeFlags { return object.Transferrable }

func (portType) Close(h *object.Handle) {
	h.Private.(*Port).Close()
}

func (portType) Attach(h *object.Handle, owner any) { h.Private.(*Port).attach(owner) }
func (portType) Detach(h *object.Handle, owner any) { h.Private.(*Port).detach(owner) }

func (portType) Wait(h *object.Handle, e *object.Event) error {
	p := h.Private.(*Port)
	if e.ID != PortEventConnection {
		return status.InvalidEvent
	}
	p.q.Lock()
	defer p.q.Unlock()
	if len(p.pending) > 0 && e.Flags&object.EdgeTriggered == 0 {
		e.Signal(0)
		return nil
	}
	p.connN.RegisterEvent(e)
	return nil
}

func (portType) Unwait(h *object.Handle, e *object.Event) {
	h.Private.(*Port).connN.UnregisterEvent(e)
}

type connectionType struct{}

// ConnectionType is the object type of connection endpoint handles.
var ConnectionType object.Type = connectionType{}

func (connectionType) ID() object.TypeID       { return object.TypeConnection }
func (connectionType) Flags() object.TypeFlags { return object.Transferrable }

func (connectionType) Close(h *object.Handle) {
	h.Private.(*Endpoint).Close()
}

func (connectionType) Name(h *object.Handle) string {
	return h.Private.(*Endpoint).String()
}

func (connectionType) Wait(h *object.Handle, e *object.Event) error {
	ep := h.Private.(*Endpoint)
	c := ep.conn
	c.q.Lock()
	defer c.q.Unlock()
	level := e.Flags&object.EdgeTriggered == 0
	switch e.ID {
	case EventMessage:
		if ep.ops != nil {
			return status.InvalidEvent
		}
		if level && len(ep.queue) > 0 {
			e.Signal(0)
			return nil
		}
		ep.messageN.RegisterEvent(e)
	case EventHangup:
		if level && c.state == StateClosed {
			e.Signal(0)
			return nil
		}
		ep.hangupN.RegisterEvent(e)
	default:
		return status.InvalidEvent
	}
	return nil
}

func (connectionType) Unwait(h *object.Handle, e *object.Event) {
	ep := h.Private.(*Endpoint)
	switch e.ID {
	case EventMessage:
		ep.messageN.UnregisterEvent(e)
	case EventHangup:
		ep.hangupN.UnregisterEvent(e)
	}
}

// NewPortHandle returns a handle to p.
func NewPortHandle(p *Port) *object.Handle {
	return object.NewHandle(PortType, p)
}

// NewEndpointHandle returns a handle to e. Closing the last reference to
// the handle closes e.
func NewEndpointHandle(e *Endpoint) *object.Handle {
	return object.NewHandle(ConnectionType, e)
}
