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
	"kiwi.dev/kiwi/pkg/ipc"
	"kiwi.dev/kiwi/pkg/metric"
	"kiwi.dev/kiwi/pkg/mm/phys"
)

var pageStates = []string{"free", "allocated", "reclaimable", "reserved", "internal"}

// up returns true once the subsystems created by Boot can be read.
func (k *Kernel) up() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state == stateRunning || k.state == stateShutdown
}

// gauge returns a metric value function reading fn once the kernel is up.
func (k *Kernel) gauge(fn func(fields ...string) uint64) func(...string) uint64 {
	return func(fields ...string) uint64 {
		if !k.up() {
			return 0
		}
		return fn(fields...)
	}
}

func pagesInState(s phys.Stats, state string) uint64 {
	switch state {
	case "free":
		return s.Free
	case "allocated":
		return s.Allocated
	case "reclaimable":
		return s.Reclaimable
	case "reserved":
		return s.Reserved
	case "internal":
		return s.Internal
	}
	return 0
}

func (k *Kernel) registerMetrics() error {
	r := k.Metrics
	custom := []struct {
		name       string
		cumulative bool
		desc       string
		value      func(...string) uint64
		fields     []metric.Field
	}{
		{
			name:  "/memory/pages",
			desc:  "Physical memory pages by state.",
			value: k.gauge(func(f ...string) uint64 { return pagesInState(k.Memory.Stats(), f[0]) }),
			fields: []metric.Field{
				metric.NewField("state", pageStates...),
			},
		},
		{
			name:  "/sched/threads",
			desc:  "Number of kernel threads.",
			value: k.gauge(func(...string) uint64 { return uint64(k.Sched.Stats().Threads) }),
		},
		{
			name:  "/sched/ready",
			desc:  "Number of threads waiting for a CPU.",
			value: k.gauge(func(...string) uint64 { return uint64(k.Sched.Stats().Ready) }),
		},
		{
			name:       "/sched/context_switches",
			cumulative: true,
			desc:       "Number of context switches.",
			value:      k.gauge(func(...string) uint64 { return k.Sched.Stats().ContextSwitches }),
		},
		{
			name:       "/sched/ipis",
			cumulative: true,
			desc:       "Number of inter-processor calls.",
			value:      k.gauge(func(...string) uint64 { return k.Sched.Stats().IPIs }),
		},
		{
			name:  "/kernel/cpus_online",
			desc:  "Number of CPUs brought up.",
			value: func(...string) uint64 { return uint64(k.CPUsOnline()) },
		},
		{
			name:  "/kernel/processes",
			desc:  "Number of processes, including the kernel process.",
			value: func(...string) uint64 { return uint64(k.Processes()) },
		},
		{
			name:       "/irq/count",
			cumulative: true,
			desc:       "Number of interrupts taken on the root domain.",
			value: k.gauge(func(...string) uint64 {
				var n uint64
				for i := uint32(0); i < k.IRQ.Count(); i++ {
					n += k.IRQ.Stats(i).Count
				}
				return n
			}),
		},
		{
			name:       "/mmu/faults",
			cumulative: true,
			desc:       "Number of translation faults.",
			value:      k.gauge(func(...string) uint64 { return k.MMU.Faults() }),
		},
		{
			name:       "/mmu/shootdowns",
			cumulative: true,
			desc:       "Number of TLB shootdowns.",
			value:      k.gauge(func(...string) uint64 { return k.MMU.Shootdowns() }),
		},
		{
			name:       "/ipc/connections",
			cumulative: true,
			desc:       "Number of IPC connections opened.",
			value:      func(...string) uint64 { return ipc.GlobalCounters().Connections },
		},
		{
			name:       "/ipc/messages",
			cumulative: true,
			desc:       "Number of IPC messages sent.",
			value:      func(...string) uint64 { return ipc.GlobalCounters().Messages },
		},
		{
			name:       "/ipc/hangups",
			cumulative: true,
			desc:       "Number of IPC connections hung up.",
			value:      func(...string) uint64 { return ipc.GlobalCounters().Hangups },
		},
		{
			name:       "/ipc/cancelled",
			cumulative: true,
			desc:       "Number of IPC requests cancelled.",
			value:      func(...string) uint64 { return ipc.GlobalCounters().Cancelled },
		},
	}
	for _, m := range custom {
		if err := r.RegisterCustomUint64Metric(m.name, m.cumulative, m.desc, m.value, m.fields...); err != nil {
			return err
		}
	}

	var err error
	k.syscalls, err = r.NewUint64Metric("/kernel/syscalls", "Number of system calls by group.", metric.NewField("group", syscallGroups...))
	return err
}
