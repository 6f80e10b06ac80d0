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

package device

import (
	"context"

	"kiwi.dev/kiwi/pkg/file"
	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/status"
	"kiwi.dev/kiwi/pkg/vm"
)

// deviceFile implements file.Ops for a device.
type deviceFile struct {
	d *Device
}

// Open implements file.Ops.Open.
func (f *deviceFile) Open(h *file.Handle) error {
	d := f.d
	if d.module != nil && !d.module.Retain() {
		return status.DeviceError
	}
	if d.ops != nil {
		if err := d.ops.Open(d, h); err != nil {
			if d.module != nil {
				d.module.Release()
			}
			return err
		}
	}
	d.count.Add(1)
	return nil
}

// Close implements file.Ops.Close.
func (f *deviceFile) Close(h *file.Handle) {
	d := f.d
	if d.ops != nil {
		d.ops.Close(d, h)
	}
	if d.module != nil {
		d.module.Release()
	}
	d.Release()
}

// Name implements file.Ops.Name.
func (f *deviceFile) Name(*file.Handle) string {
	return f.d.Path()
}

// Wait implements file.Ops.Wait.
func (f *deviceFile) Wait(h *file.Handle, e *object.Event) error {
	if f.d.ops == nil {
		return status.InvalidEvent
	}
	return f.d.ops.Wait(f.d, h, e)
}

// Unwait implements file.Ops.Unwait.
func (f *deviceFile) Unwait(h *file.Handle, e *object.Event) {
	if f.d.ops != nil {
		f.d.ops.Unwait(f.d, h, e)
	}
}

// Read implements file.Ops.Read.
func (f *deviceFile) Read(ctx context.Context, h *file.Handle, buf []byte, offset int64) (int, error) {
	if f.d.ops == nil {
		return 0, status.NotSupported
	}
	return f.d.ops.Read(ctx, f.d, h, buf, offset)
}

// Write implements file.Ops.Write.
func (f *deviceFile) Write(ctx context.Context, h *file.Handle, buf []byte, offset int64) (int, error) {
	if f.d.ops == nil {
		return 0, status.NotSupported
	}
	return f.d.ops.Write(ctx, f.d, h, buf, offset)
}

// Map implements file.Ops.Map. Devices cannot be mapped privately.
func (f *deviceFile) Map(ctx context.Context, h *file.Handle, region any) error {
	if f.d.ops == nil {
		return status.NotSupported
	}
	if args, ok := region.(*vm.MapArgs); ok && args.Flags&vm.Private != 0 {
		return status.NotSupported
	}
	return f.d.ops.Map(ctx, f.d, h, region)
}

// ReadDir implements file.Ops.ReadDir.
func (*deviceFile) ReadDir(context.Context, *file.Handle) (file.DirEntry, error) {
	return file.DirEntry{}, status.NotSupported
}

// Resize implements file.Ops.Resize.
func (*deviceFile) Resize(context.Context, *file.Handle, int64) error {
	return status.NotSupported
}

// Sync implements file.Ops.Sync.
func (*deviceFile) Sync(context.Context, *file.Handle) error {
	return status.NotSupported
}

// Info implements file.Ops.Info.
func (f *deviceFile) Info(ctx context.Context, h *file.Handle) (file.Info, error) {
	t := f.d.created.Nanoseconds()
	return file.Info{
		Type:     f.d.file.Type,
		Links:    1,
		Created:  t,
		Accessed: t,
		Modified: t,
	}, nil
}

// Request implements file.Ops.Request.
func (f *deviceFile) Request(ctx context.Context, h *file.Handle, req uint32, in []byte) ([]byte, error) {
	if f.d.ops == nil {
		return nil, status.InvalidRequest
	}
	return f.d.ops.Request(ctx, f.d, h, req, in)
}

// FromHandle returns the device a file handle refers to, or nil if it does
// not refer to a device.
func FromHandle(h *file.Handle) *Device {
	if f, ok := h.File.Ops.(*deviceFile); ok {
		return f.d
	}
	return nil
}

// Open returns a file handle to d, or to its destination if d is an alias.
func (d *Device) Open(ctx context.Context, access file.Access, flags file.Flags) (*object.Handle, error) {
	if d.dest != nil {
		d = d.dest
	}
	return file.Open(&d.file, access, flags)
}

// Open returns a file handle to the device at path.
func (m *Manager) Open(ctx context.Context, path string, access file.Access, flags file.Flags) (*object.Handle, error) {
	d, err := m.Lookup(ctx, path)
	if err != nil {
		return nil, err
	}
	defer d.Release()
	return d.Open(ctx, access, flags)
}
