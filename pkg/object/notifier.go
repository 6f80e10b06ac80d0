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
	"kiwi.dev/kiwi/pkg/ilist"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/sync"
)

// NotifierFunc is called when a notifier runs. arg is the value passed to
// Run and data the value given at registration.
type NotifierFunc func(arg uint64, data any)

// NotifierEntry is a registration on a Notifier.
type NotifierEntry struct {
	ilist.Entry

	fn   NotifierFunc
	data any

	// n is the notifier the entry is registered on, protected by its lock.
	n *Notifier
}

// Notifier is an ordered list of callbacks run when something happens to an
// object. Event sources keep one Notifier per event and register waiting
// Events on it.
//
// The zero value for Notifier is an empty notifier ready for use.
type Notifier struct {
	mu   sync.SpinLock
	list ilist.List
}

// Lock locks n, for use with RunUnlocked.
func (n *Notifier) Lock() {
	n.mu.Lock()
}

// Unlock unlocks n.
func (n *Notifier) Unlock() {
	n.mu.Unlock()
}

// Register adds fn to the end of the notifier.
func (n *Notifier) Register(fn NotifierFunc, data any) *NotifierEntry {
	e := &NotifierEntry{fn: fn, data: data}
	n.mu.Lock()
	n.registerLocked(e)
	n.mu.Unlock()
	return e
}

func (n *Notifier) registerLocked(e *NotifierEntry) {
	if e.n != nil {
		log.Fatalf("object: notifier entry registered twice")
	}
	e.n = n
	n.list.PushBack(e)
}

// Unregister removes e. It is a no-op if e has already been removed by a
// destroying Run.
func (n *Notifier) Unregister(e *NotifierEntry) {
	n.mu.Lock()
	n.unregisterLocked(e)
	n.mu.Unlock()
}

func (n *Notifier) unregisterLocked(e *NotifierEntry) {
	if e.n != n {
		return
	}
	n.list.Remove(e)
	e.n = nil
}

// Empty returns true if nothing is registered.
func (n *Notifier) Empty() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.list.Empty()
}

// Len returns the number of registrations.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.list.Len()
}

// Run calls every registered function in registration order. If destroy is
// true each entry is removed before its function is called. It returns true
// if anything was called.
func (n *Notifier) Run(arg uint64, destroy bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.RunUnlocked(arg, destroy)
}

// RunUnlocked is Run for callers that already hold the notifier lock.
// Functions may not register or unregister on n.
func (n *Notifier) RunUnlocked(arg uint64, destroy bool) bool {
	ran := false
	for it := n.list.Front(); it != nil; {
		e := it.(*NotifierEntry)
		it = it.Next()
		if destroy {
			n.unregisterLocked(e)
		}
		e.fn(arg, e.data)
		ran = true
	}
	return ran
}

// RegisterEvent arranges for e to be signalled, with the Run argument as
// its data, the next time n runs.
func (n *Notifier) RegisterEvent(e *Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e.entry == nil {
		e.entry = &NotifierEntry{fn: signalEvent, data: e}
	}
	n.registerLocked(e.entry)
}

// UnregisterEvent undoes RegisterEvent.
func (n *Notifier) UnregisterEvent(e *Event) {
	if e.entry == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unregisterLocked(e.entry)
}

func signalEvent(arg uint64, data any) {
	data.(*Event).Signal(arg)
}
