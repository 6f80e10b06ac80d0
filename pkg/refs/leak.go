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
	"fmt"
	"sort"
	"sync"

	"kiwi.dev/kiwi/pkg/log"
)

// CheckedObject is an object tracked by a LeakChecker.
type CheckedObject interface {
	// RefType names the kind of object.
	RefType() string

	// LeakMessage describes the object when it is found alive.
	LeakMessage() string
}

// LeakChecker records the objects that are alive so that those still
// around at teardown can be reported. A nil *LeakChecker tracks nothing.
type LeakChecker struct {
	mu   sync.Mutex
	live map[CheckedObject]struct{}
}

// NewLeakChecker returns an empty LeakChecker.
func NewLeakChecker() *LeakChecker {
	return &LeakChecker{live: make(map[CheckedObject]struct{})}
}

// Register starts tracking obj.
func (c *LeakChecker) Register(obj CheckedObject) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live[obj]; ok {
		panic(fmt.Sprintf("refs: %s %p registered twice", obj.RefType(), obj))
	}
	c.live[obj] = struct{}{}
}

// Unregister stops tracking obj, which must be registered.
func (c *LeakChecker) Unregister(obj CheckedObject) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live[obj]; !ok {
		panic(fmt.Sprintf("refs: %s %p is not registered", obj.RefType(), obj))
	}
	delete(c.live, obj)
}

// Live describes every tracked object, sorted.
func (c *LeakChecker) Live() []string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := make([]string, 0, len(c.live))
	for obj := range c.live {
		msgs = append(msgs, obj.RefType()+": "+obj.LeakMessage())
	}
	sort.Strings(msgs)
	return msgs
}

// Report logs a warning for every tracked object and returns their number.
func (c *LeakChecker) Report() int {
	msgs := c.Live()
	for _, msg := range msgs {
		log.Warningf("leak check: %s", msg)
	}
	return len(msgs)
}
