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

package bitmap

import (
	"sync"
)

// IDAllocator hands out the lowest free integer ID in a fixed range.
type IDAllocator struct {
	mu   sync.Mutex
	bits Bitmap
	next uint32
}

// NewIDAllocator returns an allocator for IDs in [0, max).
func NewIDAllocator(max uint32) *IDAllocator {
	return &IDAllocator{bits: New(max)}
}

// Alloc returns a free ID, or false if the range is exhausted. IDs are
// handed out round-robin starting after the last allocation so that a
// freed ID is not immediately reused.
func (a *IDAllocator) Alloc() (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.bits.FirstZero(a.next)
	if !ok {
		if id, ok = a.bits.FirstZero(0); !ok {
			return 0, false
		}
	}
	a.bits.Set(id)
	a.next = id + 1
	return id, true
}

// Reserve marks id as allocated. It returns false if it already was.
func (a *IDAllocator) Reserve(id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id >= a.bits.Size() || a.bits.Test(id) {
		return false
	}
	a.bits.Set(id)
	return true
}

// Free returns id to the allocator.
func (a *IDAllocator) Free(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bits.Clear(id)
}

// InUse returns the number of allocated IDs.
func (a *IDAllocator) InUse() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bits.Count()
}
