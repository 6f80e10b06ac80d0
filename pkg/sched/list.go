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

package sched

// threadList is an intrusive FIFO of threads. A thread is on at most one
// list at a time: a run queue or a wait queue. The list is protected by the
// lock of its owner.
type threadList struct {
	head *Thread
	tail *Thread
	len  int
}

func (l *threadList) empty() bool {
	return l.head == nil
}

func (l *threadList) front() *Thread {
	return l.head
}

func (l *threadList) pushBack(t *Thread) {
	if t.list != nil {
		panic("sched: thread " + t.Name + " is already queued")
	}
	t.list = l
	t.prev = l.tail
	t.next = nil
	if l.tail != nil {
		l.tail.next = t
	} else {
		l.head = t
	}
	l.tail = t
	l.len++
}

func (l *threadList) remove(t *Thread) {
	if t.list != l {
		panic("sched: thread " + t.Name + " is not on this queue")
	}
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		l.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else {
		l.tail = t.prev
	}
	t.list, t.prev, t.next = nil, nil, nil
	l.len--
}

func (l *threadList) popFront() *Thread {
	t := l.head
	if t != nil {
		l.remove(t)
	}
	return t
}
