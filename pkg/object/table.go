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
	"fmt"
	"sort"

	"kiwi.dev/kiwi/pkg/bitmap"
	"kiwi.dev/kiwi/pkg/status"
	"kiwi.dev/kiwi/pkg/sync"
)

// MaxHandles is the size of a handle table.
const MaxHandles = 512

// ID is a handle table index.
type ID int32

// InvalidID is never a valid handle ID.
const InvalidID ID = -1

// HandleFlags are attributes of a handle table entry, as opposed to the
// handle it refers to.
type HandleFlags uint32

const (
	// Inheritable entries are copied into child processes.
	Inheritable HandleFlags = 1 << iota

	// CloseOnExec entries are dropped when the process executes a new
	// program.
	CloseOnExec

	validHandleFlags = Inheritable | CloseOnExec
)

// Mapping names a handle to copy from a parent table (Source) and the ID it
// gets in the new table (Dest).
type Mapping struct {
	Source ID
	Dest   ID
}

type entry struct {
	handle    *Handle
	flags     HandleFlags
	callbacks map[uint32]*callback
}

// Table maps handle IDs to handles for a process.
type Table struct {
	// owner is passed to Attacher hooks. Immutable.
	owner any

	// mu protects the fields below.
	mu      sync.RWMutex
	bits    bitmap.Bitmap
	entries map[ID]*entry
}

// NewTable returns an empty table for owner.
func NewTable(owner any) *Table {
	return &Table{
		owner:   owner,
		bits:    bitmap.New(MaxHandles),
		entries: make(map[ID]*entry),
	}
}

// Owner returns the table's owner.
func (t *Table) Owner() any {
	return t.owner
}

func validID(id ID) bool {
	return id >= 0 && id < MaxHandles
}

func checkFlags(h *Handle, flags HandleFlags) error {
	if flags&^validHandleFlags != 0 {
		return status.InvalidArg
	}
	if flags&Inheritable != 0 && h.Type.Flags()&Transferrable == 0 {
		return status.NotSupported
	}
	return nil
}

// insertLocked places h at id, taking a new reference. Precondition: t.mu is
// locked and id is free.
func (t *Table) insertLocked(id ID, h *Handle, flags HandleFlags, attach bool) {
	h.Retain()
	t.bits.Set(uint32(id))
	t.entries[id] = &entry{handle: h, flags: flags}
	if a, ok := h.Type.(Attacher); ok && attach {
		a.Attach(h, t.owner)
	}
}

// releaser is a reference dropped once the table is unlocked.
type releaser interface {
	Release()
}

// removeLocked removes the entry at id and returns the references it held:
// the entry's handle and its callbacks. Precondition: t.mu is locked and id
// is in use.
func (t *Table) removeLocked(id ID, detach bool) []releaser {
	e := t.entries[id]
	delete(t.entries, id)
	t.bits.Clear(uint32(id))

	release := e.removeCallbacks(nil)
	if a, ok := e.handle.Type.(Attacher); ok && detach {
		a.Detach(e.handle, t.owner)
	}
	return append(release, e.handle)
}

func (e *entry) removeCallbacks(release []releaser) []releaser {
	for ev, c := range e.callbacks {
		if c.remove() {
			release = append(release, c)
		}
		delete(e.callbacks, ev)
	}
	return release
}

func releaseAll(rs []releaser) {
	for _, r := range rs {
		r.Release()
	}
}

// Attach places h in the table at the lowest free ID, taking a reference to
// it. It returns NoHandles if the table is full.
func (t *Table) Attach(h *Handle, flags HandleFlags) (ID, error) {
	mustType(h.Type)
	if err := checkFlags(h, flags); err != nil {
		return InvalidID, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	bit, ok := t.bits.FirstZero(0)
	if !ok {
		return InvalidID, status.NoHandles
	}
	id := ID(bit)
	t.insertLocked(id, h, flags, true)
	return id, nil
}

// AttachAt places h in the table at id. It returns AlreadyExists if id is in
// use.
func (t *Table) AttachAt(h *Handle, id ID, flags HandleFlags) error {
	mustType(h.Type)
	if !validID(id) {
		return status.InvalidHandle
	}
	if err := checkFlags(h, flags); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		return status.AlreadyExists
	}
	t.insertLocked(id, h, flags, true)
	return nil
}

// Open creates a handle for an object and attaches it. The returned handle
// carries the creation reference, which the caller must release. On failure
// the new handle is released, closing the object.
func (t *Table) Open(typ Type, private any, flags HandleFlags) (ID, *Handle, error) {
	h := NewHandle(typ, private)
	id, err := t.Attach(h, flags)
	if err != nil {
		h.Release()
		return InvalidID, nil, err
	}
	return id, h, nil
}

// Lookup returns the handle at id with a reference the caller must release.
// If typ is not TypeAny the handle must be of that type.
func (t *Table) Lookup(id ID, typ TypeID) (*Handle, error) {
	if !validID(id) {
		return nil, status.InvalidHandle
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, status.InvalidHandle
	}
	if !e.handle.Is(typ) {
		return nil, status.IncorrectType
	}
	e.handle.Retain()
	return e.handle, nil
}

// Detach removes the entry at id, dropping its reference to the handle.
func (t *Table) Detach(id ID) error {
	if !validID(id) {
		return status.InvalidHandle
	}
	t.mu.Lock()
	if _, ok := t.entries[id]; !ok {
		t.mu.Unlock()
		return status.InvalidHandle
	}
	release := t.removeLocked(id, true)
	t.mu.Unlock()

	releaseAll(release)
	return nil
}

// Flags returns the flags of the entry at id.
func (t *Table) Flags(id ID) (HandleFlags, error) {
	if !validID(id) {
		return 0, status.InvalidHandle
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return 0, status.InvalidHandle
	}
	return e.flags, nil
}

// SetFlags replaces the flags of the entry at id. Inheritable may only be
// set on handles to Transferrable objects (NotSupported).
func (t *Table) SetFlags(id ID, flags HandleFlags) error {
	if !validID(id) {
		return status.InvalidHandle
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return status.InvalidHandle
	}
	if err := checkFlags(e.handle, flags); err != nil {
		return err
	}
	e.flags = flags
	return nil
}

// Duplicate makes dest refer to the same handle as id. If dest is InvalidID
// the lowest free ID is used. An existing entry at dest is closed if force
// is set, otherwise AlreadyExists is returned. The new entry has no flags.
func (t *Table) Duplicate(id, dest ID, force bool) (ID, error) {
	if !validID(id) {
		return InvalidID, status.InvalidHandle
	}
	if dest != InvalidID && !validID(dest) {
		return InvalidID, status.InvalidArg
	}

	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return InvalidID, status.InvalidHandle
	}
	if dest == id {
		t.mu.Unlock()
		return id, nil
	}

	var release []releaser
	if dest == InvalidID {
		bit, ok := t.bits.FirstZero(0)
		if !ok {
			t.mu.Unlock()
			return InvalidID, status.NoHandles
		}
		dest = ID(bit)
	} else if _, ok := t.entries[dest]; ok {
		if !force {
			t.mu.Unlock()
			return InvalidID, status.AlreadyExists
		}
		release = t.removeLocked(dest, true)
	}
	t.insertLocked(dest, e.handle, 0, true)
	t.mu.Unlock()

	releaseAll(release)
	return dest, nil
}

// inheritLocked copies the parent entry at src to dest in t. Preconditions:
// parent.mu is at least read locked and t.mu is locked.
func (t *Table) inheritLocked(dest ID, parent *Table, src ID, attach bool) error {
	if !validID(src) || !validID(dest) {
		return status.InvalidHandle
	}
	e, ok := parent.entries[src]
	if !ok {
		return status.InvalidHandle
	}
	if _, ok := t.entries[dest]; ok {
		return status.AlreadyExists
	}
	if e.handle.Type.Flags()&Transferrable == 0 {
		return status.NotSupported
	}
	t.insertLocked(dest, e.handle, e.flags, attach)
	return nil
}

// Inherit populates t, the table of a new process, from parent. A nil m
// copies every Inheritable entry to the same ID. A non-nil m, even empty,
// copies exactly the mapped entries; those need not be Inheritable but must
// refer to Transferrable objects. On error t may be partially populated and
// should be closed.
func (t *Table) Inherit(parent *Table, m []Mapping) error {
	parent.mu.RLock()
	defer parent.mu.RUnlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	if m == nil {
		for _, id := range parent.sortedIDsLocked() {
			if parent.entries[id].flags&Inheritable != 0 {
				t.inheritLocked(id, parent, id, true)
			}
		}
		return nil
	}
	for _, mp := range m {
		if err := t.inheritLocked(mp.Dest, parent, mp.Source, true); err != nil {
			return err
		}
	}
	return nil
}

// CloneInheritable copies every Transferrable entry of parent into t at the
// same ID, regardless of entry flags. It is used when a process is cloned.
func (t *Table) CloneInheritable(parent *Table) {
	parent.mu.RLock()
	defer parent.mu.RUnlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range parent.sortedIDsLocked() {
		// Non-transferrable entries are skipped.
		t.inheritLocked(id, parent, id, true)
	}
}

// Exec replaces the contents of t when its process executes a new program.
// With a nil m, Inheritable entries not marked CloseOnExec are kept; with a
// non-nil m the new table holds exactly the mapped entries. If building the
// new table fails t is unchanged.
//
// Every old entry is detached before any new entry is attached, so that
// types tracking their owning process observe the old program letting go of
// its handles.
func (t *Table) Exec(m []Mapping) error {
	nt := &Table{owner: t.owner, bits: bitmap.New(MaxHandles), entries: make(map[ID]*entry)}

	t.mu.Lock()
	if m == nil {
		for _, id := range t.sortedIDsLocked() {
			if e := t.entries[id]; e.flags&Inheritable != 0 && e.flags&CloseOnExec == 0 {
				nt.inheritLocked(id, t, id, false)
			}
		}
	} else {
		for _, mp := range m {
			if err := nt.inheritLocked(mp.Dest, t, mp.Source, false); err != nil {
				t.mu.Unlock()
				for _, e := range nt.entries {
					e.handle.Release()
				}
				return err
			}
		}
	}

	var release []releaser
	for _, id := range t.sortedIDsLocked() {
		release = append(release, t.removeLocked(id, true)...)
	}
	t.bits, t.entries = nt.bits, nt.entries
	for _, id := range t.sortedIDsLocked() {
		h := t.entries[id].handle
		if a, ok := h.Type.(Attacher); ok {
			a.Attach(h, t.owner)
		}
	}
	t.mu.Unlock()

	releaseAll(release)
	return nil
}

// Close detaches every entry. It is called when the owning process dies.
func (t *Table) Close() {
	t.mu.Lock()
	var release []releaser
	for _, id := range t.sortedIDsLocked() {
		release = append(release, t.removeLocked(id, true)...)
	}
	t.mu.Unlock()

	releaseAll(release)
}

// Len returns the number of entries in use.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// IDs returns the IDs in use in ascending order.
func (t *Table) IDs() []ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sortedIDsLocked()
}

func (t *Table) sortedIDsLocked() []ID {
	ids := make([]ID, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SetCallback registers fn to be called asynchronously each time the
// edge-triggered event ev.Event occurs on handle ev.Handle. A callback with
// the Oneshot flag is removed the first time it fires. There is one
// callback per handle ID and event; registering again replaces the
// function, and a nil fn removes it. Callbacks are removed when the entry
// is detached. Once a removal returns, fn is not running and will not be
// called again, so fn must not remove its own callback or detach its own
// handle; use Oneshot instead.
func (t *Table) SetCallback(ev WaitEvent, fn func(WaitEvent)) error {
	if ev.Flags&EdgeTriggered == 0 {
		return status.NotSupported
	}
	if !validID(ev.Handle) {
		return status.InvalidHandle
	}

	t.mu.Lock()
	e, ok := t.entries[ev.Handle]
	if !ok {
		t.mu.Unlock()
		return status.InvalidHandle
	}
	if c, ok := e.callbacks[ev.Event]; ok {
		if fn != nil {
			c.mu.Lock()
			c.fn = fn
			c.mu.Unlock()
			t.mu.Unlock()
			return nil
		}
		delete(e.callbacks, ev.Event)
		removed := c.remove()
		t.mu.Unlock()
		if removed {
			c.Release()
		}
		return nil
	}
	if fn == nil {
		t.mu.Unlock()
		return nil
	}

	wt, ok := e.handle.Type.(Waiter)
	if !ok {
		t.mu.Unlock()
		return status.InvalidEvent
	}
	c := &callback{
		handle: e.handle,
		fn:     fn,
		table:  t,
	}
	c.event = Event{
		Handle: ev.Handle,
		ID:     ev.Event,
		Flags:  ev.Flags &^ resultFlags,
		UData:  ev.UData,
		sink:   c,
	}
	e.handle.Retain()
	if err := wt.Wait(e.handle, &c.event); err != nil {
		t.mu.Unlock()
		e.handle.Release()
		return err
	}
	if e.callbacks == nil {
		e.callbacks = make(map[uint32]*callback)
	}
	e.callbacks[ev.Event] = c
	t.mu.Unlock()
	return nil
}

func (t *Table) removeCallback(id ID, event uint32) {
	t.mu.Lock()
	var removed *callback
	if e, ok := t.entries[id]; ok {
		if c, ok := e.callbacks[event]; ok && c.remove() {
			delete(e.callbacks, event)
			removed = c
		}
	}
	t.mu.Unlock()
	if removed != nil {
		removed.Release()
	}
}

// Callbacks returns the number of callbacks registered on id.
func (t *Table) Callbacks(id ID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[id]; ok {
		return len(e.callbacks)
	}
	return 0
}

// String implements fmt.Stringer.String.
func (t *Table) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return fmt.Sprintf("handle table of %v (%d entries)", t.owner, len(t.entries))
}
