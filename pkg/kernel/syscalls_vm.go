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

package kernel

import (
	"context"

	"kiwi.dev/kiwi/pkg/arch"
	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/status"
	"kiwi.dev/kiwi/pkg/vm"
)

// MapArgs describe a mapping requested by a process.
type MapArgs struct {
	// Addr is the address of a vm.Fixed mapping, otherwise a hint.
	Addr   arch.Addr
	Size   uint64
	Access arch.AccessType

	// Flags must include exactly one of vm.Private and vm.Shared.
	// vm.Physical is reserved to the kernel.
	Flags vm.MapFlags

	// Handle is the object to map, or object.InvalidID for anonymous
	// memory.
	Handle object.ID
	Offset uint64
	Name   string
}

// VMMap creates a mapping in the calling process's address space and
// returns its address.
func (s *Syscalls) VMMap(ctx context.Context, args MapArgs) (arch.Addr, error) {
	s.enter(ctx, groupVM)
	if args.Flags&vm.Physical != 0 {
		return 0, status.PermDenied
	}
	ma := &vm.MapArgs{
		Addr:   args.Addr,
		Size:   args.Size,
		Access: args.Access,
		Flags:  args.Flags,
		Offset: args.Offset,
		Name:   args.Name,
	}
	if args.Handle != object.InvalidID {
		h, err := s.proc.Handles.Lookup(args.Handle, object.TypeAny)
		if err != nil {
			return 0, err
		}
		defer h.Release()
		m, ok := h.Type.(object.Mapper)
		if !ok {
			return 0, status.NotSupported
		}
		if err := m.Map(ctx, h, ma); err != nil {
			return 0, err
		}
	}
	return s.proc.AddressSpace().Map(ctx, *ma)
}

// VMUnmap removes the mappings in a range of the calling process's
// address space.
func (s *Syscalls) VMUnmap(ctx context.Context, addr arch.Addr, size uint64) error {
	s.enter(ctx, groupVM)
	return s.proc.AddressSpace().Unmap(ctx, addr, size)
}

// VMProtect changes the access rights of a range of the calling process's
// address space.
func (s *Syscalls) VMProtect(ctx context.Context, addr arch.Addr, size uint64, access arch.AccessType) error {
	s.enter(ctx, groupVM)
	return s.proc.AddressSpace().Protect(ctx, addr, size, access)
}

// VMRead copies len(buf) bytes from the calling process's memory at addr.
// Pages are faulted in as if the process had read them.
func (s *Syscalls) VMRead(ctx context.Context, addr arch.Addr, buf []byte) (int, error) {
	s.enter(ctx, groupVM)
	return s.proc.AddressSpace().CopyIn(ctx, addr, buf)
}

// VMWrite copies buf to the calling process's memory at addr.
func (s *Syscalls) VMWrite(ctx context.Context, addr arch.Addr, buf []byte) (int, error) {
	s.enter(ctx, groupVM)
	return s.proc.AddressSpace().CopyOut(ctx, addr, buf)
}

// VMRegions returns the mappings of the calling process.
func (s *Syscalls) VMRegions(ctx context.Context) []vm.Region {
	s.enter(ctx, groupVM)
	return s.proc.AddressSpace().Regions(ctx)
}
