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
	"kiwi.dev/kiwi/pkg/device"
	"kiwi.dev/kiwi/pkg/file"
	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/status"
)

// ioMax is the largest transfer done by one FileRead or FileWrite. Larger
// requests complete short.
const ioMax = 1 << 20

func (s *Syscalls) file(id object.ID) (*file.Handle, *object.Handle, error) {
	return file.Lookup(s.proc.Handles, id)
}

// FileRead reads up to size bytes from a file at offset, or at the
// current offset if offset is negative, into the calling process's memory
// at addr.
func (s *Syscalls) FileRead(ctx context.Context, id object.ID, addr arch.Addr, size int, offset int64) (int, error) {
	s.enter(ctx, groupFile)
	defer s.checkKilled(ctx)
	if size < 0 {
		return 0, status.InvalidArg
	}
	h, oh, err := s.file(id)
	if err != nil {
		return 0, err
	}
	defer oh.Release()
	buf := make([]byte, min(size, ioMax))
	n, err := h.Read(ctx, buf, offset)
	if n > 0 {
		if _, cerr := s.proc.AddressSpace().CopyOut(ctx, addr, buf[:n]); cerr != nil {
			return 0, cerr
		}
	}
	return n, err
}

// FileWrite writes up to size bytes from the calling process's memory at
// addr to a file at offset, or at the current offset if offset is
// negative.
func (s *Syscalls) FileWrite(ctx context.Context, id object.ID, addr arch.Addr, size int, offset int64) (int, error) {
	s.enter(ctx, groupFile)
	defer s.checkKilled(ctx)
	if size < 0 {
		return 0, status.InvalidArg
	}
	h, oh, err := s.file(id)
	if err != nil {
		return 0, err
	}
	defer oh.Release()
	buf := make([]byte, min(size, ioMax))
	if _, err := s.proc.AddressSpace().CopyIn(ctx, addr, buf); err != nil {
		return 0, err
	}
	return h.Write(ctx, buf, offset)
}

// FileReadDir reads the next entry of a directory.
func (s *Syscalls) FileReadDir(ctx context.Context, id object.ID) (file.DirEntry, error) {
	s.enter(ctx, groupFile)
	h, oh, err := s.file(id)
	if err != nil {
		return file.DirEntry{}, err
	}
	defer oh.Release()
	return h.ReadDir(ctx)
}

// FileRewindDir resets a directory handle to the first entry.
func (s *Syscalls) FileRewindDir(ctx context.Context, id object.ID) error {
	s.enter(ctx, groupFile)
	h, oh, err := s.file(id)
	if err != nil {
		return err
	}
	defer oh.Release()
	return h.RewindDir()
}

// FileSeek changes the offset of a file handle and returns the new
// offset.
func (s *Syscalls) FileSeek(ctx context.Context, id object.ID, action int, offset int64) (int64, error) {
	s.enter(ctx, groupFile)
	h, oh, err := s.file(id)
	if err != nil {
		return 0, err
	}
	defer oh.Release()
	return h.Seek(ctx, action, offset)
}

// FileResize changes the size of a file.
func (s *Syscalls) FileResize(ctx context.Context, id object.ID, size int64) error {
	s.enter(ctx, groupFile)
	h, oh, err := s.file(id)
	if err != nil {
		return err
	}
	defer oh.Release()
	return h.Resize(ctx, size)
}

// FileInfo returns information about a file.
func (s *Syscalls) FileInfo(ctx context.Context, id object.ID) (file.Info, error) {
	s.enter(ctx, groupFile)
	h, oh, err := s.file(id)
	if err != nil {
		return file.Info{}, err
	}
	defer oh.Release()
	return h.Info(ctx)
}

// FileSync flushes a file's modified data.
func (s *Syscalls) FileSync(ctx context.Context, id object.ID) error {
	s.enter(ctx, groupFile)
	h, oh, err := s.file(id)
	if err != nil {
		return err
	}
	defer oh.Release()
	return h.Sync(ctx)
}

// FileRequest performs a file-specific operation.
func (s *Syscalls) FileRequest(ctx context.Context, id object.ID, req uint32, in []byte) ([]byte, error) {
	s.enter(ctx, groupFile)
	defer s.checkKilled(ctx)
	h, oh, err := s.file(id)
	if err != nil {
		return nil, err
	}
	defer oh.Release()
	return h.Request(ctx, req, in)
}

// FileFlags returns the flags of a file handle.
func (s *Syscalls) FileFlags(ctx context.Context, id object.ID) (file.Flags, error) {
	s.enter(ctx, groupFile)
	h, oh, err := s.file(id)
	if err != nil {
		return 0, err
	}
	defer oh.Release()
	return h.Flags(), nil
}

// FileSetFlags sets the flags of a file handle.
func (s *Syscalls) FileSetFlags(ctx context.Context, id object.ID, flags file.Flags) error {
	s.enter(ctx, groupFile)
	h, oh, err := s.file(id)
	if err != nil {
		return err
	}
	defer oh.Release()
	return h.SetFlags(flags)
}

// DeviceOpen opens the device at path in the device tree.
func (s *Syscalls) DeviceOpen(ctx context.Context, path string, access file.Access, flags file.Flags) (object.ID, error) {
	s.enter(ctx, groupDevice)
	h, err := s.k.Devices.Open(ctx, path, access, flags)
	if err != nil {
		return object.InvalidID, err
	}
	return s.attach(h, 0)
}

// DeviceAttr reads an attribute of an open device into buf. See
// device.Device.Attr.
func (s *Syscalls) DeviceAttr(ctx context.Context, id object.ID, name string, typ device.AttrType, buf []byte) (int, error) {
	s.enter(ctx, groupDevice)
	h, oh, err := s.file(id)
	if err != nil {
		return 0, err
	}
	defer oh.Release()
	d := device.FromHandle(h)
	if d == nil {
		return 0, status.NotSupported
	}
	return d.Attr(name, typ, buf)
}
