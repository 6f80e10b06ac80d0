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

package kernel

import (
	"context"

	"kiwi.dev/kiwi/pkg/file"
	"kiwi.dev/kiwi/pkg/ipc"
	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/security"
	"kiwi.dev/kiwi/pkg/status"
	"kiwi.dev/kiwi/pkg/userfile"
)

// Message is an IPC message as seen by a process. Its handle is an ID in
// the process's handle table rather than a handle reference.
type Message struct {
	Type      ipc.MessageType
	ID        uint32
	Args      [ipc.ArgsCount]uint64
	Timestamp int64
	Serial    uint64
	Flags     ipc.MessageFlags
	Security  security.Context

	// Handle is the attached handle, valid when Flags includes
	// ipc.MessageHandle. A sent handle stays open in the sender's table.
	Handle object.ID

	Data []byte
}

// toKernel converts m for sending. The returned message holds a reference
// to the attached handle.
func (s *Syscalls) toKernel(m *Message) (*ipc.Message, error) {
	if m == nil {
		return nil, status.InvalidArg
	}
	km := &ipc.Message{
		ID:     m.ID,
		Args:   m.Args,
		Serial: m.Serial,
		Flags:  m.Flags &^ ipc.MessageHandle,
		Data:   append([]byte(nil), m.Data...),
	}
	if m.Flags&ipc.MessageHandle != 0 {
		h, err := s.proc.Handles.Lookup(m.Handle, object.TypeAny)
		if err != nil {
			return nil, err
		}
		km.Handle = h
	}
	return km, nil
}

// fromKernel converts a received message, attaching its handle to the
// calling process's table.
func (s *Syscalls) fromKernel(km *ipc.Message) (*Message, error) {
	m := &Message{
		Type:      km.Type,
		ID:        km.ID,
		Args:      km.Args,
		Timestamp: km.Timestamp,
		Serial:    km.Serial,
		Flags:     km.Flags,
		Security:  km.Security,
		Handle:    object.InvalidID,
		Data:      km.Data,
	}
	if km.Handle != nil {
		id, err := s.proc.Handles.Attach(km.Handle, 0)
		km.Release()
		if err != nil {
			return nil, err
		}
		m.Handle = id
	}
	return m, nil
}

func (s *Syscalls) port(id object.ID) (*ipc.Port, *object.Handle, error) {
	h, err := s.proc.Handles.Lookup(id, object.TypePort)
	if err != nil {
		return nil, nil, err
	}
	return h.Private.(*ipc.Port), h, nil
}

func (s *Syscalls) endpoint(id object.ID) (*ipc.Endpoint, *object.Handle, error) {
	h, err := s.proc.Handles.Lookup(id, object.TypeConnection)
	if err != nil {
		return nil, nil, err
	}
	return h.Private.(*ipc.Endpoint), h, nil
}

func (s *Syscalls) attachEndpoint(ep *ipc.Endpoint) (object.ID, error) {
	if err := ep.SetQueueMax(s.k.cfg.QueueMax); err != nil {
		ep.Close()
		return object.InvalidID, err
	}
	return s.attach(ipc.NewEndpointHandle(ep), 0)
}

// PortCreate creates a port owned by the calling process.
func (s *Syscalls) PortCreate(ctx context.Context) (object.ID, error) {
	s.enter(ctx, groupIPC)
	return s.attach(ipc.NewPortHandle(ipc.NewPort(s.proc)), 0)
}

// PortListen waits for up to timeout for a connection on a port owned by
// the calling process and returns a handle to the server side.
func (s *Syscalls) PortListen(ctx context.Context, id object.ID, timeout int64) (object.ID, error) {
	s.enter(ctx, groupIPC)
	defer s.checkKilled(ctx)
	port, h, err := s.port(id)
	if err != nil {
		return object.InvalidID, err
	}
	defer h.Release()
	ep, err := port.Listen(ctx, timeout)
	if err != nil {
		return object.InvalidID, err
	}
	return s.attachEndpoint(ep)
}

// ConnectionOpen connects to a port, waiting for up to timeout for the
// owner to accept, and returns a handle to the client side.
func (s *Syscalls) ConnectionOpen(ctx context.Context, id object.ID, timeout int64, flags ipc.ConnectionFlags) (object.ID, error) {
	s.enter(ctx, groupIPC)
	defer s.checkKilled(ctx)
	port, h, err := s.port(id)
	if err != nil {
		return object.InvalidID, err
	}
	defer h.Release()
	ep, err := ipc.Open(ctx, port, timeout, flags)
	if err != nil {
		return object.InvalidID, err
	}
	return s.attachEndpoint(ep)
}

// ConnectionSignal sends m as a signal on a connection.
func (s *Syscalls) ConnectionSignal(ctx context.Context, id object.ID, m *Message, timeout int64) error {
	s.enter(ctx, groupIPC)
	defer s.checkKilled(ctx)
	ep, h, err := s.endpoint(id)
	if err != nil {
		return err
	}
	defer h.Release()
	km, err := s.toKernel(m)
	if err != nil {
		return err
	}
	if err := ep.Signal(ctx, km, 0, timeout); err != nil {
		km.Release()
		return err
	}
	return nil
}

// ConnectionRequest sends m as a request and waits for the reply.
func (s *Syscalls) ConnectionRequest(ctx context.Context, id object.ID, m *Message, timeout int64) (*Message, error) {
	s.enter(ctx, groupIPC)
	defer s.checkKilled(ctx)
	ep, h, err := s.endpoint(id)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	km, err := s.toKernel(m)
	if err != nil {
		return nil, err
	}
	reply, err := ep.Request(ctx, km, 0, timeout)
	if err != nil {
		return nil, err
	}
	return s.fromKernel(reply)
}

// ConnectionReply replies to the request m.Serial received on a
// connection.
func (s *Syscalls) ConnectionReply(ctx context.Context, id object.ID, m *Message) error {
	s.enter(ctx, groupIPC)
	ep, h, err := s.endpoint(id)
	if err != nil {
		return err
	}
	defer h.Release()
	km, err := s.toKernel(m)
	if err != nil {
		return err
	}
	if err := ep.Reply(ctx, km); err != nil {
		km.Release()
		return err
	}
	return nil
}

// ConnectionReceive receives the first message accepted by filter.
func (s *Syscalls) ConnectionReceive(ctx context.Context, id object.ID, filter ipc.Filter, timeout int64) (*Message, error) {
	s.enter(ctx, groupIPC)
	defer s.checkKilled(ctx)
	ep, h, err := s.endpoint(id)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	km, err := ep.Receive(ctx, filter, timeout)
	if err != nil {
		return nil, err
	}
	return s.fromKernel(km)
}

// ConnectionStatus returns the state of a connection.
func (s *Syscalls) ConnectionStatus(ctx context.Context, id object.ID) (ipc.State, error) {
	s.enter(ctx, groupIPC)
	ep, h, err := s.endpoint(id)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	return ep.Status(), nil
}

// ConnectionOpenRemote returns a handle to the process at the other side
// of a connection.
func (s *Syscalls) ConnectionOpenRemote(ctx context.Context, id object.ID) (object.ID, error) {
	s.enter(ctx, groupIPC)
	ep, h, err := s.endpoint(id)
	if err != nil {
		return object.InvalidID, err
	}
	defer h.Release()
	remote, err := ep.OpenRemote()
	if err != nil {
		return object.InvalidID, err
	}
	p, ok := remote.(*Process)
	if !ok {
		return object.InvalidID, status.NotFound
	}
	return s.attach(newProcessHandle(p), 0)
}

// UserFileCreate creates a file implemented by the calling process. It
// returns a handle to the file and a handle to the connection on which
// the file's operations arrive.
func (s *Syscalls) UserFileCreate(ctx context.Context, typ file.Type, access file.Access, flags file.Flags) (object.ID, object.ID, error) {
	s.enter(ctx, groupFile)
	fh, ep, err := userfile.Create(typ, access, flags)
	if err != nil {
		return object.InvalidID, object.InvalidID, err
	}
	fid, err := s.attach(fh, 0)
	if err != nil {
		ep.Close()
		return object.InvalidID, object.InvalidID, err
	}
	cid, err := s.attach(ipc.NewEndpointHandle(ep), 0)
	if err != nil {
		s.proc.Handles.Detach(fid)
		return object.InvalidID, object.InvalidID, err
	}
	return fid, cid, nil
}
