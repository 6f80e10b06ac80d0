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

// Package ilist provides an intrusive doubly linked list.
//
// Elements embed an Entry, so linking and unlinking never allocate. Each
// element knows the list it is on, which lets Remove reject elements that
// belong elsewhere. A List is not safe for concurrent use; callers provide
// the locking.
package ilist

// Element is an item that can be put on a List. It is implemented by
// embedding Entry.
type Element interface {
	Next() Element
	Prev() Element

	entry() *Entry
}

// Entry is the link embedded in list elements. Its zero value is an
// unlinked entry.
type Entry struct {
	next Element
	prev Element
	list *List
}

// Next returns the element after e, or nil.
func (e *Entry) Next() Element {
	return e.next
}

// Prev returns the element before e, or nil.
func (e *Entry) Prev() Element {
	return e.prev
}

// Linked returns true if e is on a list.
func (e *Entry) Linked() bool {
	return e.list != nil
}

func (e *Entry) entry() *Entry {
	return e
}

// List is an intrusive doubly linked list. The zero value is an empty list.
type List struct {
	head Element
	tail Element
	len  int
}

// Reset unlinks every element.
func (l *List) Reset() {
	for e := l.head; e != nil; {
		en := e.entry()
		e = en.next
		*en = Entry{}
	}
	*l = List{}
}

// Empty returns true if l has no elements.
func (l *List) Empty() bool {
	return l.head == nil
}

// Len returns the number of elements in l.
func (l *List) Len() int {
	return l.len
}

// Front returns the first element, or nil.
func (l *List) Front() Element {
	return l.head
}

// Back returns the last element, or nil.
func (l *List) Back() Element {
	return l.tail
}

// Contains returns true if e is on l.
func (l *List) Contains(e Element) bool {
	return e.entry().list == l
}

func (l *List) claim(e Element) *Entry {
	en := e.entry()
	if en.list != nil {
		panic("ilist: element is already on a list")
	}
	en.list = l
	l.len++
	return en
}

// PushFront inserts e at the front of l.
func (l *List) PushFront(e Element) {
	en := l.claim(e)
	en.next = l.head
	en.prev = nil
	if l.head != nil {
		l.head.entry().prev = e
	} else {
		l.tail = e
	}
	l.head = e
}

// PushBack inserts e at the back of l.
func (l *List) PushBack(e Element) {
	en := l.claim(e)
	en.next = nil
	en.prev = l.tail
	if l.tail != nil {
		l.tail.entry().next = e
	} else {
		l.head = e
	}
	l.tail = e
}

// InsertAfter inserts e after mark, which must be on l.
func (l *List) InsertAfter(mark, e Element) {
	if !l.Contains(mark) {
		panic("ilist: mark is not on the list")
	}
	en := l.claim(e)
	mn := mark.entry()
	en.prev = mark
	en.next = mn.next
	if mn.next != nil {
		mn.next.entry().prev = e
	} else {
		l.tail = e
	}
	mn.next = e
}

// Remove unlinks e from l. Removing an element that is not on l is fatal.
func (l *List) Remove(e Element) {
	en := e.entry()
	if en.list != l {
		panic("ilist: element is not on the list")
	}
	if en.prev != nil {
		en.prev.entry().next = en.next
	} else {
		l.head = en.next
	}
	if en.next != nil {
		en.next.entry().prev = en.prev
	} else {
		l.tail = en.prev
	}
	*en = Entry{}
	l.len--
}
