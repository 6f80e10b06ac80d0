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

// Package object implements kernel object handles and per-process handle
// tables.
//
// Every kernel object that userspace can refer to is reached through a
// Handle, which pairs the object's Type with a private pointer. Handles are
// reference counted; a handle table entry holds one reference, as does each
// in-flight lookup. Types opt into event waiting, naming, memory mapping and
// attach tracking by implementing the optional interfaces below.
package object

import (
	"context"
	"fmt"

	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/refs"
)

// TypeID identifies an object type.
type TypeID int32

// Object type IDs. These are part of the userspace ABI.
const (
	TypeProcess TypeID = iota
	TypeThread
	TypeToken
	TypeTimer
	TypeWatcher
	TypeArea
	TypeFile
	TypePort
	TypeConnection
	TypeSemaphore
	TypeProcessGroup
	TypeCondition
	TypeSocket

	numTypes

	// TypeAny matches every type in Table.Lookup.
	TypeAny TypeID = -1
)

var typeNames = [numTypes]string{
	TypeProcess:      "process",
	TypeThread:       "thread",
	TypeToken:        "token",
	TypeTimer:        "timer",
	TypeWatcher:      "watcher",
	TypeArea:         "area",
	TypeFile:         "file",
	TypePort:         "port",
	TypeConnection:   "connection",
	TypeSemaphore:    "semaphore",
	TypeProcessGroup: "process_group",
	TypeCondition:    "condition",
	TypeSocket:       "socket",
}

// String implements fmt.Stringer.String.
func (t TypeID) String() string {
	if t >= 0 && t < numTypes {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", int32(t))
}

// TypeFlags are properties of an object type.
type TypeFlags uint32

const (
	// Transferrable objects may be inherited by child processes and
	// passed over IPC.
	Transferrable TypeFlags = 1 << iota
)

// Type is implemented by every object type.
type Type interface {
	// ID returns the type's ID.
	ID() TypeID

	// Flags returns the type's properties.
	Flags() TypeFlags

	// Close is called when the last reference to a handle is released.
	Close(h *Handle)
}

// Waiter is implemented by types with waitable events.
type Waiter interface {
	// Wait starts waiting for e. It must check that the event is valid and
	// arrange for e.Signal to be called when it occurs. For a
	// level-triggered event that has already occurred, Wait signals e
	// immediately.
	Wait(h *Handle, e *Event) error

	// Unwait stops a wait set up by Wait. It may race with a signal of the
	// same event.
	Unwait(h *Handle, e *Event)
}

// Namer is implemented by types whose objects have a printable name.
type Namer interface {
	Name(h *Handle) string
}

// Mapper is implemented by types that can be mapped into an address space.
// The region argument is owned by the vm package.
type Mapper interface {
	Map(ctx context.Context, h *Handle, region any) error
}

// Attacher is implemented by types that track which processes refer to
// their objects. Attach is called when a handle is placed in a process's
// table and Detach when it is removed.
type Attacher interface {
	Attach(h *Handle, owner any)
	Detach(h *Handle, owner any)
}

// Handle is a reference to a kernel object.
type Handle struct {
	// Type is the type of the object.
	Type Type

	// Private is the type's per-handle data.
	Private any

	refs refs.Count
}

// NewHandle returns a handle with a single reference.
func NewHandle(typ Type, private any) *Handle {
	mustType(typ)
	h := &Handle{Type: typ, Private: private}
	h.refs.InitRefs()
	return h
}

// Retain takes a reference to h.
func (h *Handle) Retain() {
	h.refs.IncRef()
}

// Release drops a reference to h, closing the object when it was the last.
func (h *Handle) Release() {
	h.refs.DecRef(func() {
		h.Type.Close(h)
	})
}

// Refs returns the current reference count.
func (h *Handle) Refs() int64 {
	return h.refs.ReadRefs()
}

// Name returns a printable name for the handle's object.
func (h *Handle) Name() string {
	if n, ok := h.Type.(Namer); ok {
		return n.Name(h)
	}
	return h.Type.ID().String()
}

// String implements fmt.Stringer.String.
func (h *Handle) String() string {
	return fmt.Sprintf("%s:%s", h.Type.ID(), h.Name())
}

// Is returns true if h refers to an object of type id.
func (h *Handle) Is(id TypeID) bool {
	return id == TypeAny || h.Type.ID() == id
}

func mustType(typ Type) {
	if typ == nil {
		log.Fatalf("object: handle with nil type")
	}
}
