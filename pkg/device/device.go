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

// Package device implements the device tree. Devices are named nodes under
// a common root, each exposing file operations, typed attributes and a
// list of resources released when the device is destroyed. Aliases are
// nodes that forward to another device.
package device

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/btree"
	"kiwi.dev/kiwi/pkg/file"
	"kiwi.dev/kiwi/pkg/irq"
	"kiwi.dev/kiwi/pkg/ksync"
	"kiwi.dev/kiwi/pkg/ktime"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/mm/kmem"
	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/status"
	"kiwi.dev/kiwi/pkg/sync"
)

const (
	// NameMax bounds device and attribute names, which must be shorter.
	NameMax = 32

	// AttrMax bounds string attribute values, which must be shorter.
	AttrMax = 256

	// PathMax bounds device paths.
	PathMax = 4096
)

// Module is the owner of a device. A device cannot be opened while its
// module is being unloaded.
type Module interface {
	// Name returns the module name.
	Name() string

	// Retain takes a reference on the module. It returns false if the
	// module is unloading.
	Retain() bool

	// Release drops a reference taken by Retain.
	Release()
}

// Ops are the operations of a device. Embed BaseOps to get defaults for
// everything not implemented.
type Ops interface {
	// Type returns the file type of the device, TypeChar or TypeBlock.
	Type() file.Type

	// Destroy releases driver state. It is called once the device is
	// unused and before its resources are released.
	Destroy(d *Device)

	// Open prepares a handle. It may set h.Private.
	Open(d *Device, h *file.Handle) error

	// Close releases a handle.
	Close(d *Device, h *file.Handle)

	Wait(d *Device, h *file.Handle, e *object.Event) error
	Unwait(d *Device, h *file.Handle, e *object.Event)

	Read(ctx context.Context, d *Device, h *file.Handle, buf []byte, offset int64) (int, error)
	Write(ctx context.Context, d *Device, h *file.Handle, buf []byte, offset int64) (int, error)

	// Map maps the device into the region described by a *vm.MapArgs.
	Map(ctx context.Context, d *Device, h *file.Handle, region any) error

	Request(ctx context.Context, d *Device, h *file.Handle, req uint32, in []byte) ([]byte, error)
}

// BaseOps implements Ops for a character device that supports nothing.
type BaseOps struct{}

func (BaseOps) Type() file.Type                                 { return file.TypeChar }
func (BaseOps) Destroy(*Device)                                 {}
func (BaseOps) Open(*Device, *file.Handle) error                { return nil }
func (BaseOps) Close(*Device, *file.Handle)                     {}
func (BaseOps) Wait(*Device, *file.Handle, *object.Event) error { return status.InvalidEvent }
func (BaseOps) Unwait(*Device, *file.Handle, *object.Event)     {}
func (BaseOps) Read(context.Context, *Device, *file.Handle, []byte, int64) (int, error) {
	return 0, status.NotSupported
}
func (BaseOps) Write(context.Context, *Device, *file.Handle, []byte, int64) (int, error) {
	return 0, status.NotSupported
}
func (BaseOps) Map(context.Context, *Device, *file.Handle, any) error {
	return status.NotSupported
}
func (BaseOps) Request(context.Context, *Device, *file.Handle, uint32, []byte) ([]byte, error) {
	return nil, status.InvalidRequest
}

// Device is a node in the device tree.
type Device struct {
	file file.File

	// Immutable after creation.
	name    string
	module  Module
	created ktime.Time
	mgr     *Manager
	parent  *Device
	dest    *Device
	ops     Ops
	data    any
	attrs   []Attribute

	// count is the number of children, open handles and lookups holding
	// the device.
	count atomic.Int32

	// mu protects children, aliases and destroyed.
	mu        ksync.Mutex
	children  *btree.BTreeG[*Device]
	aliases   []*Device
	destroyed bool

	// resMu protects resources and irqDomain.
	resMu     sync.Mutex
	resources []ReleaseFunc
	irqDomain *irq.Domain
}

func deviceLess(a, b *Device) bool {
	return a.name < b.name
}

func newDevice(m *Manager, name string) *Device {
	d := &Device{
		name:     name,
		mgr:      m,
		children: btree.NewG(4, deviceLess),
	}
	d.mu.Init("device_lock", 0)
	d.file.Ops = &deviceFile{d: d}
	d.file.Type = file.TypeChar
	return d
}

// Name returns the name of the device.
func (d *Device) Name() string {
	return d.name
}

// Dest returns the destination of an alias, nil for other devices.
func (d *Device) Dest() *Device {
	return d.dest
}

// Module returns the owning module, nil for built-in devices.
func (d *Device) Module() Module {
	return d.module
}

// Data returns the driver data given at creation.
func (d *Device) Data() any {
	return d.data
}

// Type returns the file type of the device.
func (d *Device) Type() file.Type {
	return d.file.Type
}

// Count returns the number of references to the device.
func (d *Device) Count() int32 {
	return d.count.Load()
}

// Release drops a reference returned by Lookup.
func (d *Device) Release() {
	if d.count.Add(-1) < 0 {
		log.Fatalf("device: negative reference count on %q", d.name)
	}
}

// String implements fmt.Stringer.String.
func (d *Device) String() string {
	return fmt.Sprintf("device %q", d.name)
}

// Manager owns the device tree.
type Manager struct {
	heap  *kmem.Heap
	clock *ktime.Clock

	// Standard directories.
	Root        *Device
	Bus         *Device
	BusPlatform *Device
	Class       *Device
	Virtual     *Device
}

// NewManager creates the device tree with its standard directories. heap
// backs PhysMap and may be nil if no device maps physical memory. clock
// may be nil, leaving creation times zero.
func NewManager(ctx context.Context, heap *kmem.Heap, clock *ktime.Clock) (*Manager, error) {
	m := &Manager{heap: heap, clock: clock}
	m.Root = newDevice(m, "<root>")
	m.Root.created = m.now()
	for _, dir := range []struct {
		dev    **Device
		name   string
		parent *Device
	}{
		{&m.Bus, "bus", m.Root},
		{&m.BusPlatform, "platform", nil},
		{&m.Class, "class", m.Root},
		{&m.Virtual, "virtual", m.Root},
	} {
		parent := dir.parent
		if parent == nil {
			parent = m.Bus
		}
		d, err := m.CreateDir(ctx, nil, dir.name, parent)
		if err != nil {
			return nil, fmt.Errorf("creating device directory %q: %w", dir.name, err)
		}
		*dir.dev = d
	}
	return m, nil
}

func (m *Manager) now() ktime.Time {
	if m.clock == nil {
		return ktime.Time{}
	}
	return m.clock.BootTime()
}

func checkName(name string) error {
	if name == "" || len(name) >= NameMax || strings.ContainsAny(name, "/\x00") {
		return status.InvalidArg
	}
	return nil
}

// insert links d under parent.
func (m *Manager) insert(ctx context.Context, d, parent *Device) error {
	if parent == nil || parent.dest != nil || parent.mgr != m {
		return status.InvalidArg
	}
	parent.mu.Lock(ctx)
	defer parent.mu.Unlock(ctx)
	if parent.destroyed {
		return status.NotFound
	}
	if _, ok := parent.children.Get(&Device{name: d.name}); ok {
		return status.AlreadyExists
	}
	d.parent = parent
	parent.count.Add(1)
	parent.children.ReplaceOrInsert(d)
	return nil
}

// Create creates a device named name under parent. ops may be nil for a
// directory.
func (m *Manager) Create(ctx context.Context, module Module, name string, parent *Device, ops Ops, data any, attrs []Attribute) (*Device, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	if ops != nil && ops.Type() != file.TypeChar && ops.Type() != file.TypeBlock {
		return nil, status.InvalidArg
	}
	for _, a := range attrs {
		a := a
		if err := a.check(); err != nil {
			return nil, err
		}
	}
	d := newDevice(m, name)
	d.module = module
	d.created = m.now()
	d.ops = ops
	d.data = data
	d.attrs = append([]Attribute(nil), attrs...)
	if ops != nil {
		d.file.Type = ops.Type()
	}
	if err := m.insert(ctx, d, parent); err != nil {
		return nil, err
	}
	log.Debugf("device: created %q in %q", name, parent.name)
	return d, nil
}

// CreateDir creates a directory device with no operations.
func (m *Manager) CreateDir(ctx context.Context, module Module, name string, parent *Device) (*Device, error) {
	return m.Create(ctx, module, name, parent, nil, nil, nil)
}

// Alias creates a device named name under parent that forwards to dest.
// An alias of an alias forwards to the final destination.
func (m *Manager) Alias(ctx context.Context, module Module, name string, parent, dest *Device) (*Device, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	if dest == nil || dest.mgr != m {
		return nil, status.InvalidArg
	}
	if dest.dest != nil {
		dest = dest.dest
	}
	d := newDevice(m, name)
	d.module = module
	d.created = dest.created
	d.dest = dest
	d.file.Type = dest.file.Type
	if err := m.insert(ctx, d, parent); err != nil {
		return nil, err
	}

	dest.mu.Lock(ctx)
	dest.aliases = append(dest.aliases, d)
	dest.mu.Unlock(ctx)
	log.Debugf("device: created alias %q in %q to %q", name, parent.name, dest.name)
	return d, nil
}

// Destroy removes an unused device from the tree, releases its resources
// in reverse order of registration and destroys its aliases. It returns
// InUse if the device has children, open handles or lookups outstanding,
// and NotFound if it has already been destroyed.
func (m *Manager) Destroy(ctx context.Context, d *Device) error {
	parent := d.parent
	if parent == nil || d.mgr != m {
		return status.InvalidArg
	}
	parent.mu.Lock(ctx)
	d.mu.LockNested(ctx, 1)
	if d.destroyed {
		d.mu.Unlock(ctx)
		parent.mu.Unlock(ctx)
		return status.NotFound
	}
	if d.count.Load() != 0 {
		d.mu.Unlock(ctx)
		parent.mu.Unlock(ctx)
		return status.InUse
	}
	d.destroyed = true
	parent.children.Delete(d)
	parent.count.Add(-1)
	aliases := d.aliases
	d.aliases = nil
	d.mu.Unlock(ctx)
	parent.mu.Unlock(ctx)

	if d.ops != nil {
		d.ops.Destroy(d)
	}
	d.releaseResources(ctx)

	if dest := d.dest; dest != nil {
		dest.mu.Lock(ctx)
		for i, a := range dest.aliases {
			if a == d {
				dest.aliases = append(dest.aliases[:i], dest.aliases[i+1:]...)
				break
			}
		}
		dest.mu.Unlock(ctx)
	}
	for _, a := range aliases {
		a.dest = nil
		if err := m.Destroy(ctx, a); err != nil && err != status.NotFound {
			log.Warningf("device: alias %q of destroyed device %q not destroyed: %v", a.name, d.name, err)
		}
	}
	log.Debugf("device: destroyed %q", d.name)
	return nil
}

// Lookup returns the device at path, resolving aliases, with a reference
// that must be dropped with Release.
func (m *Manager) Lookup(ctx context.Context, path string) (*Device, error) {
	if !strings.HasPrefix(path, "/") || len(path) >= PathMax {
		return nil, status.InvalidArg
	}
	d := m.Root
	d.count.Add(1)
	for _, name := range strings.Split(path, "/") {
		if name == "" {
			continue
		}
		d.mu.Lock(ctx)
		child, ok := d.children.Get(&Device{name: name})
		if ok {
			if child.dest != nil {
				child = child.dest
			}
			child.count.Add(1)
		}
		d.mu.Unlock(ctx)
		d.Release()
		if !ok {
			return nil, status.NotFound
		}
		d = child
	}
	return d, nil
}

// Path returns the absolute path of d.
func (d *Device) Path() string {
	var names []string
	for ; d.parent != nil; d = d.parent {
		names = append(names, d.name)
	}
	if len(names) == 0 {
		return "/"
	}
	var b strings.Builder
	for i := len(names) - 1; i >= 0; i-- {
		b.WriteString("/")
		b.WriteString(names[i])
	}
	return b.String()
}

// Children returns the children of d in name order.
func (d *Device) Children(ctx context.Context) []*Device {
	d.mu.Lock(ctx)
	defer d.mu.Unlock(ctx)
	cs := make([]*Device, 0, d.children.Len())
	d.children.Ascend(func(c *Device) bool {
		cs = append(cs, c)
		return true
	})
	return cs
}

// IterateAction tells Iterate how to continue.
type IterateAction int

const (
	// IterateEnd stops the iteration.
	IterateEnd IterateAction = iota

	// IterateDescend visits the children of the device.
	IterateDescend

	// IterateReturn skips the children of the device.
	IterateReturn
)

// Iterate calls fn on start and, depth first in name order, on the
// devices below it as directed by fn's return values.
func Iterate(ctx context.Context, start *Device, fn func(*Device) IterateAction) {
	iterate(ctx, start, fn)
}

func iterate(ctx context.Context, d *Device, fn func(*Device) IterateAction) bool {
	switch fn(d) {
	case IterateDescend:
		for _, c := range d.Children(ctx) {
			if !iterate(ctx, c, fn) {
				return false
			}
		}
		return true
	case IterateReturn:
		return true
	default:
		return false
	}
}
