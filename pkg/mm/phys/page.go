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

package phys

import (
	"fmt"
	"sync/atomic"

	"kiwi.dev/kiwi/pkg/arch"
)

// Page describes one physical page frame.
type Page struct {
	// Addr is the physical address of the frame. It is immutable.
	Addr arch.PhysAddr

	// State is the allocator state of the frame. It is protected by the
	// Memory lock and is only meaningful as a snapshot to other readers.
	State State

	// Object and Offset identify the page cache that owns the frame, if
	// any. They are owned by whoever allocated the frame.
	Object any
	Offset uint64

	// count is the number of mappings referencing the frame.
	count atomic.Int32

	// dirty is set when a mapped frame has been written.
	dirty atomic.Bool

	memType atomic.Uint32
}

// Count returns the number of references to the frame.
func (p *Page) Count() int32 {
	return p.count.Load()
}

// IncRef adds a reference to the frame and returns the new count.
func (p *Page) IncRef() int32 {
	return p.count.Add(1)
}

// DecRef drops a reference to the frame and returns the new count.
func (p *Page) DecRef() int32 {
	n := p.count.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("phys: page %#x has negative reference count", uint64(p.Addr)))
	}
	return n
}

// SetDirty marks the frame as written.
func (p *Page) SetDirty() {
	p.dirty.Store(true)
}

// TestAndClearDirty reports whether the frame was written since the last
// call, and clears the flag.
func (p *Page) TestAndClearDirty() bool {
	return p.dirty.Swap(false)
}
