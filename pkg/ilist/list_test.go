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

package ilist

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type item struct {
	Entry
	v int
}

func values(l *List) []int {
	var vs []int
	for e := l.Front(); e != nil; e = e.Next() {
		vs = append(vs, e.(*item).v)
	}
	return vs
}

func backwards(l *List) []int {
	var vs []int
	for e := l.Back(); e != nil; e = e.Prev() {
		vs = append(vs, e.(*item).v)
	}
	return vs
}

func TestList(t *testing.T) {
	var l List
	items := make([]*item, 5)
	for i := range items {
		items[i] = &item{v: i}
	}

	l.PushBack(items[1])
	l.PushBack(items[3])
	l.PushFront(items[0])
	l.InsertAfter(items[1], items[2])
	l.InsertAfter(items[3], items[4])

	if diff := cmp.Diff([]int{0, 1, 2, 3, 4}, values(&l)); diff != "" {
		t.Errorf("forward mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{4, 3, 2, 1, 0}, backwards(&l)); diff != "" {
		t.Errorf("backward mismatch (-want +got):\n%s", diff)
	}

	l.Remove(items[0])
	l.Remove(items[2])
	l.Remove(items[4])
	if diff := cmp.Diff([]int{1, 3}, values(&l)); diff != "" {
		t.Errorf("after Remove mismatch (-want +got):\n%s", diff)
	}
	if l.Len() != 2 || items[0].Linked() || !items[1].Linked() {
		t.Errorf("Len() = %d, linked(0) = %t, linked(1) = %t", l.Len(), items[0].Linked(), items[1].Linked())
	}

	l.Reset()
	if !l.Empty() || items[1].Linked() || items[3].Linked() {
		t.Errorf("Reset left elements linked")
	}
}

func TestMisuse(t *testing.T) {
	for _, test := range []struct {
		name string
		f    func(l, other *List, e *item)
	}{
		{"double insert", func(l, other *List, e *item) { l.PushBack(e); other.PushBack(e) }},
		{"remove foreign", func(l, other *List, e *item) { other.PushBack(e); l.Remove(e) }},
		{"remove unlinked", func(l, other *List, e *item) { l.Remove(e) }},
		{"insert after foreign", func(l, other *List, e *item) { other.PushBack(e); l.InsertAfter(e, &item{}) }},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("no panic")
				}
			}()
			var l, other List
			test.f(&l, &other, &item{})
		})
	}
}
