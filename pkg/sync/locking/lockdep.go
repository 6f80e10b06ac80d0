// Copyright 2022 The gVisor Authors.
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

//go:build lockdep
// +build lockdep

package locking

import (
	"fmt"
	"strings"

	"kiwi.dev/kiwi/pkg/log"
	"kiwi.dev/kiwi/pkg/sync"
)

// Enabled is true if the lock-order validator is compiled in.
const Enabled = true

type heldLock struct {
	class    *MutexClass
	subclass int
}

var (
	// mu protects held and every class's ancestors.
	mu   sync.Mutex
	held = make(map[any][]heldLock)
)

func describe(locks []heldLock) string {
	var b strings.Builder
	for _, h := range locks {
		fmt.Fprintf(&b, "\t%s/%d\n", h.class.name, h.subclass)
	}
	return b.String()
}

// AddLock records that owner acquired a lock of the given class. It panics if
// the acquisition violates the order established by previous acquisitions.
func AddLock(owner any, class *MutexClass, subclass int) {
	if class == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()

	locks := held[owner]
	for _, h := range locks {
		if h.class == class && h.subclass == subclass {
			msg := fmt.Sprintf("lock %s/%d is already held\nheld locks:\n%s", class.name, subclass, describe(locks))
			log.Warningf("lockdep: %s", msg)
			panic(msg)
		}
		if h.class == class {
			continue
		}
		if stack, ok := h.class.ancestors[class]; ok {
			msg := fmt.Sprintf("circular locking detected: %s taken while holding %s\nknown order established at:\n%s\nheld locks:\n%s",
				class.name, h.class.name, stack, describe(locks))
			log.Warningf("lockdep: %s", msg)
			panic(msg)
		}
	}
	for _, h := range locks {
		if h.class == class {
			continue
		}
		if _, ok := class.ancestors[h.class]; !ok {
			class.ancestors[h.class] = string(log.Stacks(false))
		}
		for a, stack := range h.class.ancestors {
			if a == class {
				continue
			}
			if _, ok := class.ancestors[a]; !ok {
				class.ancestors[a] = stack
			}
		}
	}
	held[owner] = append(locks, heldLock{class, subclass})
}

// DelLock records that owner released a lock of the given class.
func DelLock(owner any, class *MutexClass, subclass int) {
	if class == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()

	locks := held[owner]
	for i := len(locks) - 1; i >= 0; i-- {
		if locks[i].class == class && locks[i].subclass == subclass {
			locks = append(locks[:i], locks[i+1:]...)
			if len(locks) == 0 {
				delete(held, owner)
			} else {
				held[owner] = locks
			}
			return
		}
	}
	panic(fmt.Sprintf("lock %s/%d is not held", class.name, subclass))
}

// HeldLocks returns the names of the lock classes held by owner.
func HeldLocks(owner any) []string {
	mu.Lock()
	defer mu.Unlock()
	var names []string
	for _, h := range held[owner] {
		names = append(names, h.class.name)
	}
	return names
}
