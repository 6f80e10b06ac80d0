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

	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/status"
)

type socketType struct{}

// SocketType is the object type of sockets. No protocol family is
// implemented, so no socket can be created.
var SocketType object.Type = socketType{}

func (socketType) ID() object.TypeID       { return object.TypeSocket }
func (socketType) Flags() object.TypeFlags { return object.Transferrable }
func (socketType) Close(*object.Handle)    {}

// SocketCreate creates a socket.
func (s *Syscalls) SocketCreate(ctx context.Context, family, typ, protocol int) (object.ID, error) {
	s.enter(ctx, groupSocket)
	return object.InvalidID, status.NotSupported
}

// SocketConnect connects a socket to an address.
func (s *Syscalls) SocketConnect(ctx context.Context, id object.ID, addr []byte) error {
	s.enter(ctx, groupSocket)
	return status.NotSupported
}

// SocketBind binds a socket to an address.
func (s *Syscalls) SocketBind(ctx context.Context, id object.ID, addr []byte) error {
	s.enter(ctx, groupSocket)
	return status.NotSupported
}

// SocketListen marks a socket as accepting connections.
func (s *Syscalls) SocketListen(ctx context.Context, id object.ID, backlog int) error {
	s.enter(ctx, groupSocket)
	return status.NotSupported
}

// SocketAccept accepts a connection on a listening socket.
func (s *Syscalls) SocketAccept(ctx context.Context, id object.ID) (object.ID, error) {
	s.enter(ctx, groupSocket)
	return object.InvalidID, status.NotSupported
}
