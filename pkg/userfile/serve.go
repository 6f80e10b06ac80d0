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

package userfile

import (
	"context"

	"kiwi.dev/kiwi/pkg/file"
	"kiwi.dev/kiwi/pkg/ipc"
	"kiwi.dev/kiwi/pkg/ktime"
	"kiwi.dev/kiwi/pkg/status"
)

// Handler implements the operations of a user file on the process side.
// Returned errors that are not a status.Status are reported as
// DeviceError.
type Handler interface {
	Read(ctx context.Context, offset uint64, size int, flags file.Flags) ([]byte, error)
	Write(ctx context.Context, offset uint64, data []byte, flags file.Flags) (int, error)
	Info(ctx context.Context) file.Info
	Request(ctx context.Context, req uint32, in []byte, flags file.Flags) ([]byte, error)
}

// EventHandler is implemented by handlers whose files have events. Wait is
// called with start set when the kernel begins waiting for event and with
// start clear when it stops. The handler reports events with SignalEvent.
type EventHandler interface {
	Wait(ctx context.Context, event uint32, start bool)
}

// Serve handles operations arriving on ep until the connection is closed,
// in which case it returns nil, or receiving fails. Replies to cancelled
// operations are dropped.
func Serve(ctx context.Context, ep *ipc.Endpoint, h Handler) error {
	for {
		msg, err := ep.Receive(ctx, ipc.FilterAll, ktime.Infinite)
		if err == status.ConnHungup {
			return nil
		}
		if err != nil {
			return err
		}
		if msg.Type != ipc.Request {
			if eh, ok := h.(EventHandler); ok && (msg.ID == OpWait || msg.ID == OpUnwait) {
				eh.Wait(ctx, uint32(msg.Args[ArgEvent]), msg.ID == OpWait)
			}
			msg.Release()
			continue
		}
		reply := Handle(ctx, msg, h)
		msg.Release()
		if err := ep.Reply(ctx, reply); err != nil && err != status.Cancelled {
			if err == status.ConnHungup {
				return nil
			}
			return err
		}
	}
}

// Handle performs the operation in msg and returns the reply to send.
func Handle(ctx context.Context, msg *ipc.Message, h Handler) *ipc.Message {
	reply := NewReply(msg)
	flags := file.Flags(msg.Args[ArgFlags])
	switch msg.ID {
	case OpRead:
		size := int(min(msg.Args[ArgReadSize], ipc.DataMax))
		data, err := h.Read(ctx, msg.Args[ArgReadOffset], size, flags)
		if len(data) > size {
			data = data[:size]
		}
		reply.Data = data
		reply.Args[ArgReadStatus] = uint64(status.FromError(err))
	case OpWrite:
		n, err := h.Write(ctx, msg.Args[ArgWriteOffset], msg.Data, flags)
		reply.Args[ArgWriteSize] = uint64(n)
		reply.Args[ArgWriteStatus] = uint64(status.FromError(err))
	case OpInfo:
		info := h.Info(ctx)
		reply.Data = info.Marshal(nil)
	case OpRequest:
		out, err := h.Request(ctx, uint32(msg.Args[ArgRequestNum]), msg.Data, flags)
		reply.Data = out
		reply.Args[ArgRequestStatus] = uint64(status.FromError(err))
	}
	return reply
}

// NewReply returns a reply to operation msg with no results filled in.
func NewReply(msg *ipc.Message) *ipc.Message {
	reply := &ipc.Message{ID: msg.ID, Serial: msg.Serial}
	reply.Args[ArgSerial] = msg.Args[ArgSerial]
	return reply
}

// SignalEvent tells the kernel that event has occurred on the file served
// on ep.
func SignalEvent(ctx context.Context, ep *ipc.Endpoint, event uint32, data uint64) error {
	msg := &ipc.Message{ID: OpWait}
	msg.Args[ArgEvent] = uint64(event)
	msg.Args[ArgEventData] = data
	return ep.Signal(ctx, msg, 0, ktime.Infinite)
}
