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

package file

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/status"
)

// memFile is a file backed by a byte slice.
type memFile struct {
	BaseOps
	data   []byte
	closed int
}

func (m *memFile) Close(*Handle) { m.closed++ }

func (m *memFile) Name(*Handle) string { return "mem" }

func (m *memFile) Read(_ context.Context, _ *Handle, buf []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, nil
	}
	return copy(buf, m.data[off:]), nil
}

func (m *memFile) Write(_ context.Context, _ *Handle, buf []byte, off int64) (int, error) {
	if end := off + int64(len(buf)); end > int64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-int64(len(m.data)))...)
	}
	return copy(m.data[off:], buf), nil
}

func (m *memFile) Resize(_ context.Context, _ *Handle, size int64) error {
	data := make([]byte, size)
	copy(data, m.data)
	m.data = data
	return nil
}

func (m *memFile) Info(context.Context, *Handle) (Info, error) {
	return Info{Type: TypeRegular, Size: int64(len(m.data)), BlockSize: 1, Links: 1}, nil
}

// memDir lists a fixed set of names.
type memDir struct {
	BaseOps
	names []string
}

func (d *memDir) ReadDir(_ context.Context, h *Handle) (DirEntry, error) {
	off := h.Offset()
	if off >= int64(len(d.names)) {
		return DirEntry{}, status.NotFound
	}
	h.SetOffset(off + 1)
	return DirEntry{ID: uint64(off), Name: d.names[off]}, nil
}

// stream is a non-seekable character file.
type stream struct {
	BaseOps
	written bytes.Buffer
}

func (s *stream) Write(_ context.Context, _ *Handle, buf []byte, off int64) (int, error) {
	if off >= 0 {
		panic("offset passed to stream")
	}
	return s.written.Write(buf)
}

func TestReadWriteOffset(t *testing.T) {
	ctx := context.Background()
	m := &memFile{}
	h := NewHandle(&File{Ops: m, Type: TypeRegular}, AccessRead|AccessWrite, 0)

	if n, err := h.Write(ctx, []byte("hello"), -1); n != 5 || err != nil {
		t.Fatalf("Write = %d, %v, want 5, nil", n, err)
	}
	if n, err := h.Write(ctx, []byte("J"), 0); n != 1 || err != nil {
		t.Fatalf("Write at 0 = %d, %v", n, err)
	}
	if got := h.Offset(); got != 5 {
		t.Errorf("Offset() = %d, want 5 (explicit offsets do not move it)", got)
	}
	if _, err := h.Seek(ctx, SeekSet, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	buf := make([]byte, 16)
	n, err := h.Read(ctx, buf, -1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if diff := cmp.Diff("Jello", string(buf[:n])); diff != "" {
		t.Errorf("Read mismatch (-want +got):\n%s", diff)
	}
	if got := h.Offset(); got != 5 {
		t.Errorf("Offset() = %d, want 5", got)
	}
	if n, err := h.Read(ctx, nil, -1); n != 0 || err != nil {
		t.Errorf("zero-length Read = %d, %v, want 0, nil", n, err)
	}
}

func TestAppend(t *testing.T) {
	ctx := context.Background()
	m := &memFile{data: []byte("abc")}
	h := NewHandle(&File{Ops: m, Type: TypeRegular}, AccessWrite, Append)
	if _, err := h.Write(ctx, []byte("de"), -1); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got, want := string(m.data), "abcde"; got != want {
		t.Errorf("data = %q, want %q", got, want)
	}
}

func TestErrors(t *testing.T) {
	ctx := context.Background()
	reg := &File{Ops: &memFile{}, Type: TypeRegular}
	dir := &File{Ops: &memDir{}, Type: TypeDir}
	chr := &File{Ops: &stream{}, Type: TypeChar}
	buf := make([]byte, 4)

	for _, tc := range []struct {
		name string
		op   func() error
		want error
	}{
		{
			name: "read without access",
			op: func() error {
				_, err := NewHandle(reg, AccessWrite, 0).Read(ctx, buf, 0)
				return err
			},
			want: status.AccessDenied,
		},
		{
			name: "write without access",
			op: func() error {
				_, err := NewHandle(reg, AccessRead, 0).Write(ctx, buf, 0)
				return err
			},
			want: status.AccessDenied,
		},
		{
			name: "read directory",
			op: func() error {
				_, err := NewHandle(dir, AccessRead, 0).Read(ctx, buf, -1)
				return err
			},
			want: status.NotSupported,
		},
		{
			name: "offset on stream",
			op: func() error {
				_, err := NewHandle(chr, AccessWrite, 0).Write(ctx, buf, 0)
				return err
			},
			want: status.NotSupported,
		},
		{
			name: "unsupported read",
			op: func() error {
				_, err := NewHandle(chr, AccessRead, 0).Read(ctx, buf, -1)
				return err
			},
			want: status.NotSupported,
		},
		{
			name: "readdir on regular",
			op: func() error {
				_, err := NewHandle(reg, AccessRead, 0).ReadDir(ctx)
				return err
			},
			want: status.NotDir,
		},
		{
			name: "rewinddir on regular",
			op:   func() error { return NewHandle(reg, AccessRead, 0).RewindDir() },
			want: status.NotDir,
		},
		{
			name: "resize directory",
			op:   func() error { return NewHandle(dir, AccessWrite, 0).Resize(ctx, 0) },
			want: status.NotRegular,
		},
		{
			name: "resize negative",
			op:   func() error { return NewHandle(reg, AccessWrite, 0).Resize(ctx, -1) },
			want: status.InvalidArg,
		},
		{
			name: "seek stream",
			op: func() error {
				_, err := NewHandle(chr, AccessRead, 0).Seek(ctx, SeekSet, 0)
				return err
			},
			want: status.NotSupported,
		},
		{
			name: "seek before start",
			op: func() error {
				_, err := NewHandle(reg, AccessRead, 0).Seek(ctx, SeekAdd, -1)
				return err
			},
			want: status.InvalidArg,
		},
		{
			name: "bad seek action",
			op: func() error {
				_, err := NewHandle(reg, AccessRead, 0).Seek(ctx, 9, 0)
				return err
			},
			want: status.InvalidArg,
		},
		{
			name: "bad flags",
			op:   func() error { return NewHandle(reg, AccessRead, 0).SetFlags(1 << 10) },
			want: status.InvalidArg,
		},
		{
			name: "default request",
			op: func() error {
				_, err := NewHandle(reg, AccessRead, 0).Request(ctx, 1, nil)
				return err
			},
			want: status.InvalidRequest,
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.op(); err != tc.want {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestStreamWrite(t *testing.T) {
	s := &stream{}
	h := NewHandle(&File{Ops: s, Type: TypeChar}, AccessWrite, 0)
	if _, err := h.Write(context.Background(), []byte("x"), -1); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := h.Offset(); got != 0 {
		t.Errorf("Offset() = %d, want 0 for a stream", got)
	}
	if got := s.written.String(); got != "x" {
		t.Errorf("written = %q, want %q", got, "x")
	}
}

func TestReadDir(t *testing.T) {
	ctx := context.Background()
	h := NewHandle(&File{Ops: &memDir{names: []string{"a", "b"}}, Type: TypeDir}, AccessRead, 0)

	read := func() []string {
		var names []string
		for {
			e, err := h.ReadDir(ctx)
			if err == status.NotFound {
				return names
			}
			if err != nil {
				t.Fatalf("ReadDir: %v", err)
			}
			names = append(names, e.Name)
		}
	}
	want := []string{"a", "b"}
	if diff := cmp.Diff(want, read()); diff != "" {
		t.Errorf("first pass mismatch (-want +got):\n%s", diff)
	}
	if err := h.RewindDir(); err != nil {
		t.Fatalf("RewindDir: %v", err)
	}
	if diff := cmp.Diff(want, read()); diff != "" {
		t.Errorf("after rewind mismatch (-want +got):\n%s", diff)
	}
}

func TestSeekEnd(t *testing.T) {
	ctx := context.Background()
	h := NewHandle(&File{Ops: &memFile{data: make([]byte, 10)}, Type: TypeRegular}, AccessRead, 0)
	off, err := h.Seek(ctx, SeekEnd, -4)
	if err != nil || off != 6 {
		t.Fatalf("Seek(End, -4) = %d, %v, want 6, nil", off, err)
	}
	if off, _ = h.Seek(ctx, SeekAdd, 2); off != 8 {
		t.Errorf("Seek(Add, 2) = %d, want 8", off)
	}
}

func TestObject(t *testing.T) {
	m := &memFile{}
	f := &File{Ops: m, Type: TypeRegular}
	if _, err := Open(f, 1<<5, 0); err != status.InvalidArg {
		t.Errorf("Open with bad access = %v, want InvalidArg", err)
	}

	oh, err := Open(f, AccessRead, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	table := object.NewTable(nil)
	id, err := table.Attach(oh, 0)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	oh.Release()

	h, ref, err := Lookup(table, id)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if h.File != f {
		t.Errorf("Lookup returned a handle to another file")
	}
	if got := ref.Name(); got != "mem" {
		t.Errorf("Name() = %q, want %q", got, "mem")
	}
	if err := ObjectType.(object.Mapper).Map(context.Background(), ref, nil); err != status.NotSupported {
		t.Errorf("Map = %v, want NotSupported", err)
	}
	ref.Release()

	if err := table.Detach(id); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if m.closed != 1 {
		t.Errorf("Close called %d times, want 1", m.closed)
	}
}

func TestInfoEncoding(t *testing.T) {
	want := Info{
		ID:        7,
		Mount:     1,
		Type:      TypeChar,
		BlockSize: 512,
		Size:      4096,
		Links:     2,
		Created:   100,
		Accessed:  200,
		Modified:  300,
	}
	buf := want.Marshal(nil)
	if len(buf) != InfoSize {
		t.Fatalf("encoded %d bytes, want %d", len(buf), InfoSize)
	}
	got, err := UnmarshalInfo(buf)
	if err != nil {
		t.Fatalf("UnmarshalInfo: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Info mismatch (-want +got):\n%s", diff)
	}
	if _, err := UnmarshalInfo(buf[:InfoSize-1]); err != status.InvalidArg {
		t.Errorf("short UnmarshalInfo = %v, want InvalidArg", err)
	}
}
