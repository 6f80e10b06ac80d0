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

package kmem

import (
	"context"
	"fmt"
	"math/bits"

	"kiwi.dev/kiwi/pkg/arch"
	"kiwi.dev/kiwi/pkg/log"
)

const (
	kmallocMinShift = 4
	kmallocMaxShift = arch.PageShift

	// StackSize is the size of a kernel thread stack.
	StackSize = 4 * arch.PageSize
)

func (h *Heap) initKmalloc() {
	for shift := kmallocMinShift; shift <= kmallocMaxShift; shift++ {
		size := uint64(1) << shift
		c, err := h.NewCache(fmt.Sprintf("kmalloc-%d", size), size, min(size, 64), nil, nil, 0)
		if err != nil {
			log.Fatalf("kmem: creating kmalloc cache of %d bytes: %v", size, err)
		}
		h.kmalloc = append(h.kmalloc, c)
	}
}

// kmallocCache returns the size class cache for size, or nil if size is
// served by Alloc.
func (h *Heap) kmallocCache(size uint64) *Cache {
	if size > 1<<kmallocMaxShift {
		return nil
	}
	shift := kmallocMinShift
	if size > 1<<kmallocMinShift {
		shift = bits.Len64(size - 1)
	}
	return h.kmalloc[shift-kmallocMinShift]
}

// Kmalloc allocates size bytes from the size class caches, or from the
// page-granular heap for large sizes.
func (h *Heap) Kmalloc(ctx context.Context, size uint64, flags Flags) (arch.Addr, error) {
	if size == 0 {
		return 0, nil
	}
	if c := h.kmallocCache(size); c != nil {
		return c.AllocFlags(ctx, flags)
	}
	return h.Alloc(ctx, size, flags)
}

// Kfree releases memory obtained from Kmalloc with the same size.
func (h *Heap) Kfree(ctx context.Context, addr arch.Addr, size uint64) {
	if addr == 0 {
		return
	}
	if c := h.kmallocCache(size); c != nil {
		c.Free(ctx, addr)
		return
	}
	h.Free(ctx, addr, size)
}

// AllocStack implements sched.StackAllocator.AllocStack.
func (h *Heap) AllocStack(ctx context.Context) (arch.Addr, error) {
	return h.Alloc(ctx, StackSize, 0)
}

// FreeStack implements sched.StackAllocator.FreeStack.
func (h *Heap) FreeStack(addr arch.Addr) {
	h.Free(context.Background(), addr, StackSize)
}
