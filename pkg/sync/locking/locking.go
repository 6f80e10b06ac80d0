// Copyright 2022 The gVisor Authors.
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

// Package locking implements the lock-order validator used by kernel
// sleeping locks.
//
// All locks are divided into classes and the validator checks the following
// conditions:
//   - Locks of the same class are not taken more than once by one thread,
//     except with distinct subclasses.
//   - Locks are never taken in reverse order. Dependencies are tracked on
//     the class level.
//
// The validator is implemented in a very straightforward way. For each lock
// class, we maintain the set of all classes that have ever been held while
// the class was acquired. For each thread, we have the list of currently
// held locks. Acquisition checks that the ancestors of the currently held
// locks don't contain the target class.
//
// The validator is only compiled in with the lockdep build tag; otherwise
// AddLock and DelLock are no-ops.
package locking

// MutexClass identifies a family of locks that share ordering rules, for
// example every handle table lock.
type MutexClass struct {
	name string

	// ancestors is the set of classes held at some point while this class
	// was acquired. Protected by the validator mutex.
	ancestors map[*MutexClass]string
}

// NewMutexClass returns a new lock class.
func NewMutexClass(name string) *MutexClass {
	return &MutexClass{
		name:      name,
		ancestors: make(map[*MutexClass]string),
	}
}

// Name returns the class name.
func (c *MutexClass) Name() string {
	if c == nil {
		return "<nil>"
	}
	return c.name
}
