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

// Package userfile implements files whose operations are carried out by a
// user process. Each operation is sent as a request message over a
// connection between the kernel and the creating process, and completes
// when the process replies.
package userfile

import (
	"context"
	"sync/atomic"
	"time"

	"kiwi.dev/kiwi/pkg/file"
	"kiwi.dev/kiwi/pkg/ipc"
	"kiwi.dev/kiwi/pkg/ksync"
	"kiwi.dev/kiwi/pkg/ktime"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/status"
)

// Operation IDs, sent as the message ID.
const (
	OpRead    uint32 = 0
	OpWrite   uint32 = 1
	OpInfo    uint32 = 2
	OpRequest uint32 = 3
	OpWait    uint32 = 4
	OpUnwait  uint32 = 5
)

// Message argument slots.
const (
	ArgSerial = 0
	ArgFlags  = 1

	ArgReadOffset = 2
	ArgReadSize   = 3
	ArgReadStatus = 1

	ArgWriteOffset = 2
	ArgWriteStatus = 1
	ArgWriteSize   = 2

	ArgRequestNum    = 2
	ArgRequestStatus = 1

	// ArgEvent is the event number of OpWait and OpUnwait messages, in
	// both directions. ArgEventData carries the event data when the
	// process signals an event.
	ArgEvent     = 2
	ArgEventData = 3
)

var invalidReplies = log.BasicRateLimitedLogger(time.Second)

// op is an outstanding operation.
type op struct {
	id     uint32
	serial uint64
	done   bool
	reply  *ipc.Message
}

// userFile is a file implemented by a user process.
type userFile struct {
	file.BaseOps
	file file.File

	// kern is the kernel side of the connection. Messages sent to it are
	// handled by Receive.
	kern *ipc.Endpoint

	// handles counts the open handles to the file.
	handles atomic.Int32

	// mu serializes operations and protects the fields below. cond is
	// signalled when an operation completes or the file terminates.
	mu         ksync.Mutex
	cond       *ksync.CondVar
	dead       bool
	ops        map[uint64]*op
	nextSerial uint64

	events [file.EventWritable + 1]object.Notifier
}

// Create creates a user file of type typ. It returns an object handle to
// the file with the given access rights and flags, and the user side of
// the connection on which operations on the file arrive.
func Create(typ file.Type, access file.Access, flags file.Flags) (*object.Handle, *ipc.Endpoint, error) {
	if typ > file.TypeSocket {
		return nil, nil, status.InvalidArg
	}
	f := &userFile{
		cond: ksync.NewCondVar("user_file"),
		ops:  make(map[uint64]*op),
	}
	f.mu.Init("user_file_lock", 0)
	f.file = file.File{Ops: f, Type: typ}

	kern, user, err := ipc.NewConnection(0, endpointOps{f}, f)
	if err != nil {
		return nil, nil, err
	}
	f.kern = kern
	h, err := file.Open(&f.file, access, flags)
	if err != nil {
		kern.Close()
		user.Close()
		return nil, nil, err
	}
	log.Debugf("userfile: created %v file %p", typ, f)
	return h, user, nil
}

// hostContext returns a context for callbacks that run without one.
func hostContext() context.Context {
	return sched.WithThread(context.Background(), sched.NewHostThread("user_file"))
}

// terminate closes the connection and fails outstanding and future
// operations. f.mu must be held.
func (f *userFile) terminate() {
	if f.dead {
		return
	}
	f.dead = true
	f.kern.Close()
	f.cond.Broadcast()
}

// invalidReply terminates f after a malformed reply to o. f.mu must be
// held.
func (f *userFile) invalidReply(o *op) error {
	invalidReplies.Warningf("userfile: invalid reply received for operation %d, terminating", o.id)
	f.terminate()
	return status.DeviceError
}

// call sends msg as operation msg.ID and waits for the reply. f.mu must be
// held. If the wait is interrupted the operation is cancelled, and a
// later reply to it fails with Cancelled.
func (f *userFile) call(ctx context.Context, msg *ipc.Message) (*ipc.Message, error) {
	if f.dead {
		return nil, status.DeviceError
	}
	o := &op{id: msg.ID, serial: f.nextSerial}
	f.nextSerial++
	msg.Args[ArgSerial] = o.serial

	serial, err := f.kern.Post(ctx, msg, 0, ktime.Infinite)
	if err != nil {
		if err == status.ConnHungup {
			f.terminate()
			return nil, status.DeviceError
		}
		return nil, err
	}
	f.ops[serial] = o

	err = f.cond.WaitCondTimeout(ctx, &f.mu, func() bool {
		return o.done || f.dead
	}, ktime.Infinite, sched.Interruptible)
	delete(f.ops, serial)
	switch {
	case err != nil:
		if !f.dead {
			f.kern.Cancel(serial)
		}
		return nil, err
	case !o.done:
		return nil, status.DeviceError
	case o.reply.ID != o.id || o.reply.Args[ArgSerial] != o.serial:
		return nil, f.invalidReply(o)
	}
	return o.reply, nil
}

// replyStatus extracts the status code from slot arg of reply.
func (f *userFile) replyStatus(o *op, reply *ipc.Message, arg int) error {
	v := reply.Args[arg]
	if v > 0xffffffff || !status.Status(v).Valid() {
		return f.invalidReply(o)
	}
	return status.Status(v).Err()
}

// endpointOps handles the messages the process sends on the file's
// connection.
type endpointOps struct {
	f *userFile
}

// Receive implements ipc.EndpointOps.Receive.
func (eo endpointOps) Receive(ctx context.Context, _ *ipc.Endpoint, msg *ipc.Message, _ ipc.SendFlags, _ int64) error {
	f := eo.f
	switch msg.Type {
	case ipc.Signal:
		if msg.ID != OpWait || msg.Args[ArgEvent] >= uint64(len(f.events)) {
			return status.InvalidRequest
		}
		msg.Release()
		f.events[msg.Args[ArgEvent]].Run(msg.Args[ArgEventData], false)
		return nil
	case ipc.Reply:
		f.mu.Lock(ctx)
		defer f.mu.Unlock(ctx)
		o := f.ops[msg.Serial]
		if o == nil || o.done {
			return status.Cancelled
		}
		msg.Release()
		o.reply = msg
		o.done = true
		f.cond.Broadcast()
		return nil
	default:
		return status.NotSupported
	}
}

// Close implements ipc.EndpointOps.Close. The process closed its side of
// the connection.
func (eo endpointOps) Close(*ipc.Endpoint) {
	eo.f.shutdown()
}

func (f *userFile) shutdown() {
	ctx := hostContext()
	f.mu.Lock(ctx)
	f.terminate()
	f.mu.Unlock(ctx)
}

func (f *userFile) Open(*file.Handle) error {
	f.handles.Add(1)
	return nil
}

func (f *userFile) Close(*file.Handle) {
	if f.handles.Add(-1) > 0 {
		return
	}
	f.shutdown()
	log.Debugf("userfile: destroyed file %p", f)
}

func (f *userFile) Name(*file.Handle) string {
	return "user file"
}

func (f *userFile) Read(ctx context.Context, h *file.Handle, buf []byte, offset int64) (int, error) {
	return f.io(ctx, h, buf, offset, false)
}

func (f *userFile) Write(ctx context.Context, h *file.Handle, buf []byte, offset int64) (int, error) {
	return f.io(ctx, h, buf, offset, true)
}

// io transfers buf in chunks of at most ipc.DataMax bytes, stopping at the
// first error or short transfer.
func (f *userFile) io(ctx context.Context, h *file.Handle, buf []byte, offset int64, write bool) (int, error) {
	f.mu.Lock(ctx)
	defer f.mu.Unlock(ctx)

	done := 0
	for done < len(buf) {
		size := min(len(buf)-done, ipc.DataMax)
		var pos uint64
		if offset >= 0 {
			pos = uint64(offset) + uint64(done)
		}
		msg := &ipc.Message{}
		msg.Args[ArgFlags] = uint64(h.Flags())
		if write {
			msg.ID = OpWrite
			msg.Args[ArgWriteOffset] = pos
			msg.Data = append([]byte(nil), buf[done:done+size]...)
		} else {
			msg.ID = OpRead
			msg.Args[ArgReadOffset] = pos
			msg.Args[ArgReadSize] = uint64(size)
		}

		reply, err := f.call(ctx, msg)
		if err != nil {
			return done, err
		}
		o := &op{id: msg.ID}
		var n int
		if write {
			if reply.Args[ArgWriteSize] > uint64(size) {
				return done, f.invalidReply(o)
			}
			n = int(reply.Args[ArgWriteSize])
			err = f.replyStatus(o, reply, ArgWriteStatus)
		} else {
			if len(reply.Data) > size {
				return done, f.invalidReply(o)
			}
			n = copy(buf[done:], reply.Data)
			err = f.replyStatus(o, reply, ArgReadStatus)
		}
		done += n
		if err != nil || n < size {
			return done, err
		}
	}
	return done, nil
}

func (f *userFile) Info(ctx context.Context, h *file.Handle) (file.Info, error) {
	f.mu.Lock(ctx)
	defer f.mu.Unlock(ctx)

	reply, err := f.call(ctx, &ipc.Message{ID: OpInfo})
	if err != nil {
		return file.Info{}, err
	}
	if len(reply.Data) != file.InfoSize {
		return file.Info{}, f.invalidReply(&op{id: OpInfo})
	}
	info, err := file.UnmarshalInfo(reply.Data)
	if err != nil {
		return file.Info{}, err
	}
	info.Mount = 0
	info.Type = f.file.Type
	return info, nil
}

func (f *userFile) Request(ctx context.Context, h *file.Handle, req uint32, in []byte) ([]byte, error) {
	if len(in) > ipc.DataMax {
		return nil, status.TooLarge
	}
	f.mu.Lock(ctx)
	defer f.mu.Unlock(ctx)

	msg := &ipc.Message{ID: OpRequest, Data: append([]byte(nil), in...)}
	msg.Args[ArgFlags] = uint64(h.Flags())
	msg.Args[ArgRequestNum] = uint64(req)
	reply, err := f.call(ctx, msg)
	if err != nil {
		return nil, err
	}
	if err := f.replyStatus(&op{id: OpRequest}, reply, ArgRequestStatus); err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// Wait asks the process to signal event e.ID. The process signals it by
// sending an OpWait signal naming the event.
func (f *userFile) Wait(h *file.Handle, e *object.Event) error {
	if e.ID != file.EventReadable && e.ID != file.EventWritable {
		return status.InvalidEvent
	}
	f.events[e.ID].RegisterEvent(e)
	if err := f.notify(h, OpWait, e.ID); err != nil {
		f.events[e.ID].UnregisterEvent(e)
		return err
	}
	return nil
}

func (f *userFile) Unwait(h *file.Handle, e *object.Event) {
	f.events[e.ID].UnregisterEvent(e)
	if f.events[e.ID].Empty() {
		f.notify(h, OpUnwait, e.ID)
	}
}

// notify sends an event message to the process.
func (f *userFile) notify(h *file.Handle, id, event uint32) error {
	msg := &ipc.Message{ID: id}
	msg.Args[ArgFlags] = uint64(h.Flags())
	msg.Args[ArgEvent] = uint64(event)
	if err := f.kern.Signal(context.Background(), msg, ipc.Force, ktime.Poll); err != nil {
		return status.DeviceError
	}
	return nil
}
