// Copyright 2020 The gVisor Authors.
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

// Package refs defines the reference count used by kernel objects: handles,
// connections, ports, processes and devices all embed a Count.
package refs

import (
	"fmt"
	"sync/atomic"
)

// Count is an atomic reference count. The zero value holds no references;
// call Init (or InitRefs) before handing the object out.
type Count struct {
	// refCount is composed of two fields:
	//
	//	[32-bit speculative references]:[32-bit real references]
	//
	// Speculative references are used for TryIncRef, to avoid a
	// CompareAndSwap loop.
	refCount atomic.Int64
}

// Init sets the count to n.
func (r *Count) Init(n int64) {
	r.refCount.Store(n)
}

// InitRefs sets the count to 1.
func (r *Count) InitRefs() {
	r.refCount.Store(1)
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *Count) ReadRefs() int64 {
	return int64(int32(r.refCount.Load()))
}

// IncRef takes a reference. The caller must already hold one.
func (r *Count) IncRef() {
	if v := r.refCount.Add(1); int32(v) <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p", r))
	}
}

// TryIncRef takes a reference if the object has not yet been released.
func (r *Count) TryIncRef() bool {
	const speculativeRef = 1 << 32
	if v := r.refCount.Add(speculativeRef); int32(v) == 0 {
		// This object has already been released.
		r.refCount.Add(-speculativeRef)
		return false
	}

	// Turn into a real reference.
	r.refCount.Add(-speculativeRef + 1)
	return true
}

// DecRef drops a reference and calls destroy when it was the last one. It
// returns true if the object was destroyed.
func (r *Count) DecRef(destroy func()) bool {
	v := r.refCount.Add(-1)
	switch {
	case int32(v) < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p", r))
	case int32(v) == 0:
		if destroy != nil {
			destroy()
		}
		return true
	}
	return false
}
