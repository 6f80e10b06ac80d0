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

package vm

import (
	"context"
	"errors"

	"kiwi.dev/kiwi/pkg/arch"
	"kiwi.dev/kiwi/pkg/mm/mmu"
	"kiwi.dev/kiwi/pkg/sched"
	"kiwi.dev/kiwi/pkg/status"
)

// CopyIn copies len(dst) bytes from the address space at addr into dst. It
// returns the number of bytes copied and InvalidAddr if part of the range
// could not be accessed.
func (as *AddressSpace) CopyIn(ctx context.Context, addr arch.Addr, dst []byte) (int, error) {
	return as.copyUser(ctx, addr, len(dst), arch.Read, func(b []byte, done int) {
		copy(dst[done:], b)
	})
}

// CopyOut copies src into the address space at addr. It returns the number
// of bytes copied and InvalidAddr if part of the range could not be
// accessed.
func (as *AddressSpace) CopyOut(ctx context.Context, addr arch.Addr, src []byte) (int, error) {
	return as.copyUser(ctx, addr, len(src), arch.Write, func(b []byte, done int) {
		copy(b, src[done:])
	})
}

// Zero clears size bytes at addr.
func (as *AddressSpace) Zero(ctx context.Context, addr arch.Addr, size int) (int, error) {
	return as.copyUser(ctx, addr, size, arch.Write, func(b []byte, _ int) {
		clear(b)
	})
}

// copyUser calls fn with the physical-map view of each page in
// [addr, addr+n), faulting pages in as needed. The access is done with the
// user access mark set on the calling thread, so a fault that cannot be
// resolved ends it with InvalidAddr.
func (as *AddressSpace) copyUser(ctx context.Context, addr arch.Addr, n int, access arch.AccessType, fn func(b []byte, done int)) (int, error) {
	if n == 0 {
		return 0, nil
	}
	if n < 0 || !addr.IsUserRange(uint64(n)) {
		return 0, status.InvalidAddr
	}

	t := sched.Current(ctx)
	t.BeginUserAccess()
	defer t.EndUserAccess()
	var cpu *sched.CPU
	if !t.IsHost() {
		cpu = t.CPU()
	}

	done := 0
	for done < n {
		va := addr + arch.Addr(done)
		pa, err := as.translate(ctx, cpu, va, access)
		if err != nil {
			return done, status.InvalidAddr
		}
		chunk := min(n-done, int(arch.PageSize-va.PageOffset()))
		fn(as.mem.Map(pa, uint64(chunk)), done)
		done += chunk
	}
	return done, nil
}

// translate translates va, resolving a page fault once.
func (as *AddressSpace) translate(ctx context.Context, cpu *sched.CPU, va arch.Addr, access arch.AccessType) (arch.PhysAddr, error) {
	pa, err := as.ctx.Translate(cpu, va, access)
	if err == nil {
		return pa, nil
	}
	var fault *mmu.Fault
	if !errors.As(err, &fault) {
		return 0, err
	}
	if err := as.Fault(ctx, va, access); err != nil {
		return 0, err
	}
	return as.ctx.Translate(cpu, va, access)
}
