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

// Package file defines the file interface shared by devices, user files
// and filesystems, and the file handles that processes do I/O through.
package file

import (
	"context"
	"fmt"

	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/status"
	"kiwi.dev/kiwi/pkg/sync"
)

// Type is the type of a file.
type Type uint32

// File types.
const (
	TypeRegular Type = iota
	TypeDir
	TypeSymlink
	TypeBlock
	TypeChar
	TypePipe
	TypeSocket
)

var typeNames = [...]string{
	TypeRegular: "regular",
	TypeDir:     "dir",
	TypeSymlink: "symlink",
	TypeBlock:   "block",
	TypeChar:    "char",
	TypePipe:    "pipe",
	TypeSocket:  "socket",
}

// String implements fmt.Stringer.String.
func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint32(t))
}

// Access is a set of access rights.
type Access uint32

// Access rights.
const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExecute

	validAccess = AccessRead | AccessWrite | AccessExecute
)

// Flags modify the behaviour of a handle.
type Flags uint32

// Handle flags.
const (
	NonBlock Flags = 1 << iota
	Append
	Direct

	validFlags = NonBlock | Append | Direct
)

// File events.
const (
	EventReadable uint32 = 1
	EventWritable uint32 = 2
)

// Seek actions.
const (
	SeekSet = 1
	SeekAdd = 2
	SeekEnd = 3
)

// DirEntry is a directory entry.
type DirEntry struct {
	ID    uint64
	Mount uint32
	Name  string
}

// Ops are the operations of a file. Embed BaseOps to get NotSupported for
// everything not implemented.
type Ops interface {
	// Open prepares a new handle to the file.
	Open(h *Handle) error

	// Close releases the per-handle state of h.
	Close(h *Handle)

	// Name returns a descriptive name for the file.
	Name(h *Handle) string

	// Wait and Unwait implement object.Waiter for the file.
	Wait(h *Handle, e *object.Event) error
	Unwait(h *Handle, e *object.Event)

	// Read and Write transfer data at offset and return the number of bytes
	// transferred, which may be non-zero on error.
	Read(ctx context.Context, h *Handle, buf []byte, offset int64) (int, error)
	Write(ctx context.Context, h *Handle, buf []byte, offset int64) (int, error)

	// Map maps the file into an address space region.
	Map(ctx context.Context, h *Handle, region any) error

	// ReadDir returns the next entry of a directory. It may use the handle
	// offset, which RewindDir resets to zero. The end of the directory is
	// NotFound.
	ReadDir(ctx context.Context, h *Handle) (DirEntry, error)

	Resize(ctx context.Context, h *Handle, size int64) error
	Info(ctx context.Context, h *Handle) (Info, error)
	Sync(ctx context.Context, h *Handle) error

	// Request performs a file-specific request.
	Request(ctx context.Context, h *Handle, req uint32, in []byte) ([]byte, error)
}

// BaseOps implements Ops with operations that are not supported.
type BaseOps struct{}

func (BaseOps) Open(*Handle) error                { return nil }
func (BaseOps) Close(*Handle)                     {}
func (BaseOps) Name(*Handle) string               { return "" }
func (BaseOps) Wait(*Handle, *object.Event) error { return status.InvalidEvent }
func (BaseOps) Unwait(*Handle, *object.Event)     {}
func (BaseOps) Map(context.Context, *Handle, any) error {
	return status.NotSupported
}

func (BaseOps) Read(context.Context, *Handle, []byte, int64) (int, error) {
	return 0, status.NotSupported
}

func (BaseOps) Write(context.Context, *Handle, []byte, int64) (int, error) {
	return 0, status.NotSupported
}

func (BaseOps) ReadDir(context.Context, *Handle) (DirEntry, error) {
	return DirEntry{}, status.NotSupported
}

func (BaseOps) Resize(context.Context, *Handle, int64) error { return status.NotSupported }
func (BaseOps) Sync(context.Context, *Handle) error          { return status.NotSupported }

func (BaseOps) Info(context.Context, *Handle) (Info, error) {
	return Info{}, status.NotSupported
}

func (BaseOps) Request(context.Context, *Handle, uint32, []byte) ([]byte, error) {
	return nil, status.InvalidRequest
}

// File is a file object.
type File struct {
	Ops  Ops
	Type Type
}

// Seekable returns true if I/O on f takes place at an offset.
func (f *File) Seekable() bool {
	return f.Type == TypeRegular || f.Type == TypeBlock
}

// Handle is an open file. Handles are shared by every table entry referring
// to the same object handle.
type Handle struct {
	File   *File
	Access Access

	// Private is per-handle state of the file implementation.
	Private any

	// mu protects flags and offset.
	mu     sync.Mutex
	flags  Flags
	offset int64
}

// NewHandle returns a handle to f. The file's Open operation is not called.
func NewHandle(f *File, access Access, flags Flags) *Handle {
	return &Handle{File: f, Access: access, flags: flags}
}

// Open creates an object handle to f after calling the file's Open
// operation.
func Open(f *File, access Access, flags Flags) (*object.Handle, error) {
	if access&^validAccess != 0 || flags&^validFlags != 0 {
		return nil, status.InvalidArg
	}
	h := NewHandle(f, access, flags)
	if err := f.Ops.Open(h); err != nil {
		return nil, err
	}
	return NewObject(h), nil
}

// String implements fmt.Stringer.String.
func (h *Handle) String() string {
	if name := h.File.Ops.Name(h); name != "" {
		return name
	}
	return fmt.Sprintf("%v file %p", h.File.Type, h.File)
}

// Flags returns the handle flags.
func (h *Handle) Flags() Flags {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flags
}

// SetFlags replaces the handle flags.
func (h *Handle) SetFlags(flags Flags) error {
	if flags&^validFlags != 0 {
		return status.InvalidArg
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flags = flags
	return nil
}

// Offset returns the handle offset.
func (h *Handle) Offset() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.offset
}

// SetOffset sets the handle offset.
func (h *Handle) SetOffset(offset int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offset = offset
}

// Read reads into buf from offset, or from the handle offset (advancing
// it) if offset is negative. Non-seekable files only accept a negative
// offset.
func (h *Handle) Read(ctx context.Context, buf []byte, offset int64) (int, error) {
	return h.io(ctx, false, buf, offset)
}

// Write writes buf at offset, or at the handle offset (advancing it) if
// offset is negative. With Append, a negative offset writes at the end of
// the file.
func (h *Handle) Write(ctx context.Context, buf []byte, offset int64) (int, error) {
	return h.io(ctx, true, buf, offset)
}

func (h *Handle) io(ctx context.Context, write bool, buf []byte, offset int64) (int, error) {
	want := AccessRead
	if write {
		want = AccessWrite
	}
	if h.Access&want == 0 {
		return 0, status.AccessDenied
	}
	if h.File.Type == TypeDir {
		return 0, status.NotSupported
	}
	if len(buf) == 0 {
		return 0, nil
	}

	updateOffset := false
	if h.File.Seekable() {
		if offset < 0 {
			if write && h.Flags()&Append != 0 {
				info, err := h.File.Ops.Info(ctx, h)
				if err != nil {
					return 0, err
				}
				h.SetOffset(info.Size)
			}
			offset = h.Offset()
			updateOffset = true
		}
	} else if offset >= 0 {
		return 0, status.NotSupported
	}

	var n int
	var err error
	if write {
		n, err = h.File.Ops.Write(ctx, h, buf, offset)
	} else {
		n, err = h.File.Ops.Read(ctx, h, buf, offset)
	}
	if n > 0 && updateOffset {
		h.mu.Lock()
		h.offset += int64(n)
		h.mu.Unlock()
	}
	return n, err
}

// ReadDir returns the next directory entry, NotFound at the end.
func (h *Handle) ReadDir(ctx context.Context) (DirEntry, error) {
	if h.Access&AccessRead == 0 {
		return DirEntry{}, status.AccessDenied
	}
	if h.File.Type != TypeDir {
		return DirEntry{}, status.NotDir
	}
	return h.File.Ops.ReadDir(ctx, h)
}

// RewindDir restarts directory reads.
func (h *Handle) RewindDir() error {
	if h.Access&AccessRead == 0 {
		return status.AccessDenied
	}
	if h.File.Type != TypeDir {
		return status.NotDir
	}
	h.SetOffset(0)
	return nil
}

// Seek moves the handle offset.
func (h *Handle) Seek(ctx context.Context, action int, offset int64) (int64, error) {
	if !h.File.Seekable() {
		return 0, status.NotSupported
	}
	var size int64
	switch action {
	case SeekSet, SeekAdd:
	case SeekEnd:
		info, err := h.File.Ops.Info(ctx, h)
		if err != nil {
			return 0, err
		}
		size = info.Size
	default:
		return 0, status.InvalidArg
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	result := offset
	switch action {
	case SeekAdd:
		result += h.offset
	case SeekEnd:
		result += size
	}
	if result < 0 {
		return 0, status.InvalidArg
	}
	h.offset = result
	return result, nil
}

// Resize changes the size of the file.
func (h *Handle) Resize(ctx context.Context, size int64) error {
	if h.Access&AccessWrite == 0 {
		return status.AccessDenied
	}
	if h.File.Type != TypeRegular {
		return status.NotRegular
	}
	if size < 0 {
		return status.InvalidArg
	}
	return h.File.Ops.Resize(ctx, h, size)
}

// Info returns information about the file.
func (h *Handle) Info(ctx context.Context) (Info, error) {
	return h.File.Ops.Info(ctx, h)
}

// Sync flushes changes to the file.
func (h *Handle) Sync(ctx context.Context) error {
	return h.File.Ops.Sync(ctx, h)
}

// Request performs a file-specific request.
func (h *Handle) Request(ctx context.Context, req uint32, in []byte) ([]byte, error) {
	return h.File.Ops.Request(ctx, h, req, in)
}
