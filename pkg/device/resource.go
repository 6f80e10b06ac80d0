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

	"kiwi.dev/kiwi/pkg/arch"
	"kiwi.dev/kiwi/pkg/irq"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/mm/mmu"
	"kiwi.dev/kiwi/pkg/status"
)

// ReleaseFunc releases a device resource.
type ReleaseFunc func(ctx context.Context)

// AddResource registers release to be called when d is destroyed.
// Resources are released in the reverse order of registration.
func (d *Device) AddResource(release ReleaseFunc) {
	d.resMu.Lock()
	d.resources = append(d.resources, release)
	d.resMu.Unlock()
}

func (d *Device) releaseResources(ctx context.Context) {
	d.resMu.Lock()
	rs := d.resources
	d.resources = nil
	d.resMu.Unlock()
	for i := len(rs) - 1; i >= 0; i-- {
		rs[i](ctx)
	}
}

// PhysMap maps [base, base+size) into the kernel for the lifetime of d.
func (d *Device) PhysMap(ctx context.Context, base arch.PhysAddr, size uint64, flags mmu.Flags) (arch.Addr, error) {
	heap := d.mgr.heap
	if heap == nil {
		return 0, status.NotSupported
	}
	addr, err := heap.MapRange(ctx, base, size, flags|mmu.Read, 0)
	if err != nil {
		return 0, err
	}
	d.AddResource(func(ctx context.Context) {
		heap.UnmapRange(ctx, addr, size, true)
	})
	return addr, nil
}

// SetIRQDomain sets the interrupt domain of d and, unless they set their
// own, its descendants.
func (d *Device) SetIRQDomain(dom *irq.Domain) {
	d.resMu.Lock()
	d.irqDomain = dom
	d.resMu.Unlock()
}

// IRQDomain returns the interrupt domain of the nearest device from d up
// that has one, falling back to the root domain.
func (d *Device) IRQDomain() *irq.Domain {
	for dev := d; dev != nil; dev = dev.parent {
		dev.resMu.Lock()
		dom := dev.irqDomain
		dev.resMu.Unlock()
		if dom != nil {
			return dom
		}
	}
	return irq.RootDomain()
}

// RegisterIRQ registers an interrupt handler on num in the domain of d. It
// is unregistered when d is destroyed.
func (d *Device) RegisterIRQ(ctx context.Context, num uint32, early irq.EarlyFunc, threaded irq.Func, data any) (*irq.Handler, error) {
	dom := d.IRQDomain()
	if dom == nil {
		return nil, status.NotSupported
	}
	h, err := irq.Register(ctx, dom, num, early, threaded, data)
	if err != nil {
		return nil, err
	}
	d.AddResource(func(ctx context.Context) {
		if err := irq.Unregister(ctx, h); err != nil {
			log.Warningf("device: unregistering %v of %q: %v", h, d.name, err)
		}
	})
	return h, nil
}
