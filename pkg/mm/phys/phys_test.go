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

package phys

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"kiwi.dev/kiwi/pkg/arch"
	"kiwi.dev/kiwi/pkg/status"
)

const (
	page     = arch.PageSize
	memPages = 64
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	m, err := NewMemory(memPages * page)
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return m
}

// checkRanges verifies that the range set partitions memory in address order
// with no two adjacent ranges in the same state.
func checkRanges(t *testing.T, m *Memory) {
	t.Helper()
	var next arch.PhysAddr
	rs := m.Ranges()
	for i, r := range rs {
		if r.Base != next {
			t.Errorf("range %v starts at %#x, want %#x", r, uint64(r.Base), uint64(next))
		}
		if r.End <= r.Base {
			t.Errorf("range %v is empty", r)
		}
		if i > 0 && rs[i-1].State == r.State {
			t.Errorf("adjacent ranges %v and %v were not merged", rs[i-1], r)
		}
		for a := r.Base; a < r.End; a += page {
			if got := m.Lookup(a).State; got != r.State {
				t.Errorf("page %#x is %s, want %s", uint64(a), got, r.State)
			}
		}
		next = r.End
	}
	if uint64(next) != m.Size() {
		t.Errorf("ranges end at %#x, want %#x", uint64(next), m.Size())
	}
}

func TestAlloc(t *testing.T) {
	for _, test := range []struct {
		name     string
		reserved []Range
		count    uint64
		c        Constraints
		want     arch.PhysAddr
		wantErr  error
	}{
		{
			name:  "Initial allocation succeeds",
			count: 1,
			want:  0,
		},
		{
			name:     "Reserved frames are skipped",
			reserved: []Range{{0, 2 * page, Reserved}},
			count:    1,
			want:     2 * page,
		},
		{
			name:     "Gaps between reserved frames are allocatable",
			reserved: []Range{{0, page, Reserved}, {2 * page, 3 * page, Reserved}},
			count:    1,
			want:     page,
		},
		{
			name:     "Inadequately-sized gaps are rejected",
			reserved: []Range{{0, page, Reserved}, {2 * page, 3 * page, Reserved}},
			count:    2,
			want:     3 * page,
		},
		{
			name:     "Alignment is honored",
			reserved: []Range{{0, page, Reserved}},
			count:    1,
			c:        Constraints{Align: 4 * page},
			want:     4 * page,
		},
		{
			name:     "Phase is honored",
			reserved: []Range{{0, 2 * page, Reserved}},
			count:    1,
			c:        Constraints{Align: 4 * page, Phase: page},
			want:     5 * page,
		},
		{
			name:     "Boundary is not crossed",
			reserved: []Range{{0, 3 * page, Reserved}},
			count:    2,
			c:        Constraints{Boundary: 4 * page},
			want:     4 * page,
		},
		{
			name:  "Minimum address is honored",
			count: 1,
			c:     Constraints{Min: 10 * page},
			want:  10 * page,
		},
		{
			name:     "Maximum address is honored",
			reserved: []Range{{0, 2 * page, Reserved}},
			count:    1,
			c:        Constraints{Max: 2 * page},
			wantErr:  status.NoMemory,
		},
		{
			name:    "Zero count is invalid",
			count:   0,
			wantErr: status.InvalidArg,
		},
		{
			name:    "Non power of two alignment is invalid",
			count:   1,
			c:       Constraints{Align: 3 * page},
			wantErr: status.InvalidArg,
		},
		{
			name:    "Boundary smaller than the allocation is invalid",
			count:   2,
			c:       Constraints{Boundary: page},
			wantErr: status.InvalidArg,
		},
		{
			name:    "Allocation larger than memory is invalid",
			count:   memPages + 1,
			wantErr: status.InvalidArg,
		},
		{
			name:     "Exhausted memory fails",
			reserved: []Range{{0, memPages * page, Reserved}},
			count:    1,
			wantErr:  status.NoMemory,
		},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			m := newTestMemory(t)
			for _, r := range test.reserved {
				if err := m.AddRange(r.Base, r.End, r.State); err != nil {
					t.Fatalf("AddRange(%v) failed: %v", r, err)
				}
			}
			got, err := m.Alloc(context.Background(), test.count, test.c, NonBlock)
			if err != test.wantErr {
				t.Fatalf("Alloc() error = %v, want %v", err, test.wantErr)
			}
			if err == nil && got != test.want {
				t.Errorf("Alloc() = %#x, want %#x", uint64(got), uint64(test.want))
			}
			checkRanges(t, m)
		})
	}
}

func TestAllocFreeRestoresRanges(t *testing.T) {
	m := newTestMemory(t)
	if err := m.AddRange(4*page, 6*page, Reserved); err != nil {
		t.Fatalf("AddRange failed: %v", err)
	}
	before := m.Ranges()

	var addrs []arch.PhysAddr
	for _, n := range []uint64{1, 3, 2} {
		a, err := m.Alloc(context.Background(), n, Constraints{}, 0)
		if err != nil {
			t.Fatalf("Alloc(%d) failed: %v", n, err)
		}
		addrs = append(addrs, a)
	}
	checkRanges(t, m)
	// Free out of order to exercise merging on both sides.
	m.Free(addrs[1], 3)
	m.Free(addrs[0], 1)
	m.Free(addrs[2], 2)

	if diff := cmp.Diff(before, m.Ranges()); diff != "" {
		t.Errorf("range set changed after alloc/free (-before +after):\n%s", diff)
	}
}

func TestDoubleFreeIsFatal(t *testing.T) {
	m := newTestMemory(t)
	a, err := m.Alloc(context.Background(), 1, Constraints{}, 0)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	m.Free(a, 1)
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("double free did not panic")
		}
	}()
	m.Free(a, 1)
}

func TestMustSucceedIsFatal(t *testing.T) {
	m := newTestMemory(t)
	if err := m.AddRange(0, memPages*page, Reserved); err != nil {
		t.Fatalf("AddRange failed: %v", err)
	}
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("failed MustSucceed allocation did not panic")
		}
	}()
	m.Alloc(context.Background(), 1, Constraints{}, MustSucceed)
}

func TestReclaimer(t *testing.T) {
	m := newTestMemory(t)
	held, err := m.Alloc(context.Background(), memPages, Constraints{}, 0)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	var levels []int
	m.RegisterReclaimer(func(level int) uint64 {
		levels = append(levels, level)
		if level < 1 {
			return 0
		}
		m.Free(held+arch.PhysAddr((memPages-1)*page), 1)
		return 1
	})

	if _, err := m.Alloc(context.Background(), 1, Constraints{}, NonBlock); err != status.NoMemory {
		t.Errorf("NonBlock Alloc() error = %v, want %v", err, status.NoMemory)
	}
	if len(levels) != 0 {
		t.Errorf("NonBlock allocation ran reclaimers at levels %v", levels)
	}
	got, err := m.Alloc(context.Background(), 1, Constraints{}, 0)
	if err != nil {
		t.Fatalf("Alloc after reclaim failed: %v", err)
	}
	if want := arch.PhysAddr((memPages - 1) * page); got != want {
		t.Errorf("Alloc() = %#x, want %#x", uint64(got), uint64(want))
	}
	if diff := cmp.Diff([]int{0, 1}, levels); diff != "" {
		t.Errorf("reclaim levels (-want +got):\n%s", diff)
	}
}

func TestWaitInterrupted(t *testing.T) {
	m := newTestMemory(t)
	if _, err := m.Alloc(context.Background(), memPages, Constraints{}, 0); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := m.Alloc(ctx, 1, Constraints{}, Wait); err != status.Interrupted {
		t.Errorf("Alloc(Wait) error = %v, want %v", err, status.Interrupted)
	}
}

func TestWaitSucceedsAfterFree(t *testing.T) {
	m := newTestMemory(t)
	held, err := m.Alloc(context.Background(), memPages, Constraints{}, 0)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	time.AfterFunc(30*time.Millisecond, func() { m.Free(held, 1) })
	got, err := m.Alloc(context.Background(), 1, Constraints{}, Wait)
	if err != nil {
		t.Fatalf("Alloc(Wait) failed: %v", err)
	}
	if got != held {
		t.Errorf("Alloc(Wait) = %#x, want %#x", uint64(got), uint64(held))
	}
}

func TestReclaimBoot(t *testing.T) {
	m := newTestMemory(t)
	a, b := arch.PhysAddr(8*page), arch.PhysAddr(16*page)
	if err := m.MarkReclaimable(a, b); err != nil {
		t.Fatalf("MarkReclaimable failed: %v", err)
	}
	if _, err := m.Alloc(context.Background(), 8, Constraints{Min: a, Max: b}, NonBlock); err != status.NoMemory {
		t.Fatalf("Alloc in reclaimable range error = %v, want %v", err, status.NoMemory)
	}
	if got := m.Stats().Reclaimable; got != 8 {
		t.Errorf("Stats().Reclaimable = %d, want 8", got)
	}

	if got := m.ReclaimBoot(); got != 8 {
		t.Errorf("ReclaimBoot() = %d, want 8", got)
	}
	checkRanges(t, m)
	if diff := cmp.Diff([]Range{{0, memPages * page, Free}}, m.Ranges()); diff != "" {
		t.Errorf("ranges after reclaim (-want +got):\n%s", diff)
	}
	got, err := m.Alloc(context.Background(), 8, Constraints{Min: a, Max: b}, 0)
	if err != nil || got != a {
		t.Errorf("Alloc in reclaimed range = (%#x, %v), want (%#x, nil)", uint64(got), err, uint64(a))
	}
}

func TestZeroAndCopy(t *testing.T) {
	m := newTestMemory(t)
	src, err := m.Alloc(context.Background(), 1, Constraints{}, 0)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	for i := range m.Map(src, page) {
		m.Map(src, page)[i] = byte(i)
	}
	dst, err := m.Alloc(context.Background(), 1, Constraints{}, Zero)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	m.Copy(dst, src)
	if diff := cmp.Diff(m.Map(src, page), m.Map(dst, page)); diff != "" {
		t.Errorf("copied frame differs (-src +dst):\n%s", diff)
	}
	m.Zero(dst, page)
	if diff := cmp.Diff(make([]byte, page), m.Map(dst, page)); diff != "" {
		t.Errorf("zeroed frame is not zero:\n%s", diff)
	}
}

func TestMemoryType(t *testing.T) {
	m := newTestMemory(t)
	if got := m.MemoryType(0); got != arch.MemoryTypeWriteBack {
		t.Errorf("default MemoryType() = %v, want WriteBack", got)
	}
	if err := m.SetMemoryType(4*page, 2*page, arch.MemoryTypeWriteCombine); err != nil {
		t.Fatalf("SetMemoryType failed: %v", err)
	}
	if got := m.MemoryType(5 * page); got != arch.MemoryTypeWriteCombine {
		t.Errorf("MemoryType() = %v, want WriteCombine", got)
	}
	if got := m.MemoryType(m.End()); got != arch.MemoryTypeUncached {
		t.Errorf("MemoryType() outside memory = %v, want Uncached", got)
	}
}
