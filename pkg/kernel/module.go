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
	"sort"

	"kiwi.dev/kiwi/pkg/device"
	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/status"
	"kiwi.dev/kiwi/pkg/sync"
)

// Module is a kernel module. Modules are registered with RegisterModule
// and loaded by name, either at boot from the module tags or later by a
// process holding the module privilege.
//
// Devices created with the owner returned by Device pin the module while
// they are open.
type Module struct {
	// Name is the module name.
	Name string

	// Deps are the names of the modules this module depends on. They
	// are loaded first.
	Deps []string

	// Init is called when the module is loaded.
	Init func(ctx context.Context, k *Kernel) error

	// Unload is called when the module is unloaded. A nil Unload makes
	// the module permanent.
	Unload func(ctx context.Context, k *Kernel) error

	// Symbols are the symbols the module exports once loaded.
	Symbols map[string]any

	// mu protects the fields below.
	mu        sync.Mutex
	loaded    bool
	unloading bool
	refs      int
}

// ModuleInfo describes a loaded module.
type ModuleInfo struct {
	Name  string
	Deps  []string
	Count int
}

type deviceOwner struct {
	*Module
}

// Name implements device.Module.Name.
func (o deviceOwner) Name() string {
	return o.Module.Name
}

// Device returns m as the owner of devices it creates.
func (m *Module) Device() device.Module {
	return deviceOwner{m}
}

// Retain implements device.Module.Retain.
func (m *Module) Retain() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded || m.unloading {
		return false
	}
	m.refs++
	return true
}

// Release implements device.Module.Release.
func (m *Module) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs == 0 {
		log.Fatalf("kernel: module %s released too many times", m.Name)
	}
	m.refs--
}

// Loaded returns true if m is loaded.
func (m *Module) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// Count returns the number of references to m.
func (m *Module) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

// RegisterModule makes m available to LoadModule.
func (k *Kernel) RegisterModule(m *Module) error {
	if m.Name == "" || m.Init == nil {
		return status.InvalidArg
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.images[m.Name]; ok {
		return status.AlreadyExists
	}
	k.images[m.Name] = m
	return nil
}

func (k *Kernel) module(name string) *Module {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.images[name]
}

// LoadModule loads the module called name and, before it, any of its
// dependencies that are not loaded yet. It fails with NotFound for an
// unknown module, AlreadyExists if the module is loaded, and
// MissingLibrary if a dependency does not exist.
func (k *Kernel) LoadModule(ctx context.Context, name string) error {
	k.moduleMu.Lock(ctx)
	defer k.moduleMu.Unlock(ctx)
	m := k.module(name)
	if m == nil {
		return status.NotFound
	}
	if m.Loaded() {
		return status.AlreadyExists
	}
	return k.loadLocked(ctx, m, nil)
}

// loadLocked loads m. loading holds the modules being loaded further up
// the dependency chain. Precondition: k.moduleMu is held.
func (k *Kernel) loadLocked(ctx context.Context, m *Module, loading []string) error {
	for _, n := range loading {
		if n == m.Name {
			log.Warningf("kernel: module %s depends on itself", m.Name)
			return status.MissingLibrary
		}
	}
	loading = append(loading, m.Name)

	var retained []*Module
	release := func() {
		for _, dep := range retained {
			dep.Release()
		}
	}
	for _, name := range m.Deps {
		dep := k.module(name)
		if dep == nil {
			log.Warningf("kernel: module %s depends on missing module %s", m.Name, name)
			release()
			return status.MissingLibrary
		}
		if !dep.Loaded() {
			if err := k.loadLocked(ctx, dep, loading); err != nil {
				release()
				return err
			}
		}
		if !dep.Retain() {
			release()
			return status.MissingLibrary
		}
		retained = append(retained, dep)
	}

	if err := m.Init(ctx, k); err != nil {
		log.Warningf("kernel: module %s failed to initialize: %v", m.Name, err)
		release()
		return err
	}
	m.mu.Lock()
	m.loaded = true
	m.unloading = false
	m.mu.Unlock()
	log.Infof("kernel: loaded module %s", m.Name)
	return nil
}

// UnloadModule unloads the module called name. It fails with NotFound if
// the module is not loaded, InUse while anything refers to it, and
// NotSupported for a permanent module.
func (k *Kernel) UnloadModule(ctx context.Context, name string) error {
	k.moduleMu.Lock(ctx)
	defer k.moduleMu.Unlock(ctx)
	m := k.module(name)
	if m == nil {
		return status.NotFound
	}
	m.mu.Lock()
	switch {
	case !m.loaded:
		m.mu.Unlock()
		return status.NotFound
	case m.Unload == nil:
		m.mu.Unlock()
		return status.NotSupported
	case m.refs != 0:
		m.mu.Unlock()
		return status.InUse
	}
	m.unloading = true
	m.mu.Unlock()

	if err := m.Unload(ctx, k); err != nil {
		m.mu.Lock()
		m.unloading = false
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	m.loaded = false
	m.unloading = false
	m.mu.Unlock()
	for _, name := range m.Deps {
		k.module(name).Release()
	}
	log.Infof("kernel: unloaded module %s", m.Name)
	return nil
}

// LookupSymbol returns the value of a symbol exported by a loaded module.
// It fails with MissingSymbol if no loaded module exports it.
func (k *Kernel) LookupSymbol(name string) (any, error) {
	k.mu.Lock()
	mods := make([]*Module, 0, len(k.images))
	for _, m := range k.images {
		mods = append(mods, m)
	}
	k.mu.Unlock()
	sort.Slice(mods, func(i, j int) bool { return mods[i].Name < mods[j].Name })
	for _, m := range mods {
		if !m.Loaded() {
			continue
		}
		if v, ok := m.Symbols[name]; ok {
			return v, nil
		}
	}
	return nil, status.MissingSymbol
}

// Modules describes the loaded modules, sorted by name.
func (k *Kernel) Modules() []ModuleInfo {
	k.mu.Lock()
	var infos []ModuleInfo
	for _, m := range k.images {
		m.mu.Lock()
		if m.loaded {
			infos = append(infos, ModuleInfo{Name: m.Name, Deps: append([]string(nil), m.Deps...), Count: m.refs})
		}
		m.mu.Unlock()
	}
	k.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
