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

package refs

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type checked struct {
	name string
}

func (c *checked) RefType() string     { return "checked" }
func (c *checked) LeakMessage() string { return c.name }

func TestCount(t *testing.T) {
	var c Count
	c.InitRefs()
	c.IncRef()
	if got := c.ReadRefs(); got != 2 {
		t.Fatalf("ReadRefs() = %d, want 2", got)
	}
	destroyed := 0
	if c.DecRef(func() { destroyed++ }) {
		t.Errorf("DecRef() reported destruction with a reference outstanding")
	}
	if !c.DecRef(func() { destroyed++ }) {
		t.Errorf("DecRef() of the last reference did not report destruction")
	}
	if destroyed != 1 {
		t.Errorf("destructor ran %d times, want 1", destroyed)
	}
	if c.TryIncRef() {
		t.Errorf("TryIncRef() succeeded on a released count")
	}
}

func TestDecRefNegativePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("DecRef() on a zero count did not panic")
		}
	}()
	var c Count
	c.DecRef(nil)
}

func TestLeakChecker(t *testing.T) {
	c := NewLeakChecker()
	a, b := &checked{"a"}, &checked{"b"}
	c.Register(a)
	c.Register(b)
	c.Unregister(a)
	if diff := cmp.Diff([]string{"checked: b"}, c.Live()); diff != "" {
		t.Errorf("Live() mismatch (-want +got):\n%s", diff)
	}
	if n := c.Report(); n != 1 {
		t.Errorf("Report() = %d, want 1", n)
	}
	c.Unregister(b)
	if n := c.Report(); n != 0 {
		t.Errorf("Report() after Unregister = %d, want 0", n)
	}
}

func TestNilLeakChecker(t *testing.T) {
	var c *LeakChecker
	obj := &checked{"a"}
	c.Register(obj)
	c.Unregister(obj)
	if n := c.Report(); n != 0 {
		t.Errorf("Report() = %d, want 0", n)
	}
}

func TestLeakCheckerUnregisterUnknownPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Unregister() of an untracked object did not panic")
		}
	}()
	NewLeakChecker().Unregister(&checked{"a"})
}
