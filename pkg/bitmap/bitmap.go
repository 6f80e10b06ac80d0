// Copyright 2021 The gVisor Authors.
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

// Package bitmap provides a fixed-size bitmap and an ID allocator built on
// it. Handle tables, thread and process IDs, and IRQ slots allocate from
// these.
package bitmap

import (
	"math/bits"
)

// Bitmap is a fixed-size set of bits.
//
// Bitmap is not synchronized; callers provide locking.
type Bitmap struct {
	// size is the number of usable bits.
	size uint32

	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// blocks holds the bits, 64 per word.
	blocks []uint64
}

// New creates a new empty Bitmap able to hold size bits.
func New(size uint32) Bitmap {
	return Bitmap{
		size:   size,
		blocks: make([]uint64, (size+63)/64),
	}
}

// Size returns the number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint32 {
	return b.numOnes
}

// Test returns whether bit i is set.
func (b *Bitmap) Test(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.blocks[i/64]&(uint64(1)<<(i%64)) != 0
}

// Set sets bit i.
//
// Precondition: i < b.Size().
func (b *Bitmap) Set(i uint32) {
	word, mask := i/64, uint64(1)<<(i%64)
	if b.blocks[word]&mask == 0 {
		b.blocks[word] |= mask
		b.numOnes++
	}
}

// Clear clears bit i.
//
// Precondition: i < b.Size().
func (b *Bitmap) Clear(i uint32) {
	word, mask := i/64, uint64(1)<<(i%64)
	if b.blocks[word]&mask != 0 {
		b.blocks[word] &^= mask
		b.numOnes--
	}
}

// FirstZero returns the first unset bit in [start, Size()), or false if
// there is none.
func (b *Bitmap) FirstZero(start uint32) (uint32, bool) {
	if start >= b.size {
		return 0, false
	}
	i, nbit := int(start/64), start%64
	w := b.blocks[i] | ((uint64(1) << nbit) - 1)
	for {
		if w != ^uint64(0) {
			bit := uint32(bits.TrailingZeros64(^w) + i*64)
			if bit >= b.size {
				return 0, false
			}
			return bit, true
		}
		i++
		if i == len(b.blocks) {
			return 0, false
		}
		w = b.blocks[i]
	}
}

// FirstOne returns the first set bit in [start, Size()), or false if there
// is none.
func (b *Bitmap) FirstOne(start uint32) (uint32, bool) {
	if start >= b.size {
		return 0, false
	}
	i, nbit := int(start/64), start%64
	w := b.blocks[i] & (^uint64(0) << nbit)
	for {
		if w != 0 {
			return uint32(bits.TrailingZeros64(w) + i*64), true
		}
		i++
		if i == len(b.blocks) {
			return 0, false
		}
		w = b.blocks[i]
	}
}

// Clone returns a copy of the bitmap.
func (b *Bitmap) Clone() Bitmap {
	c := Bitmap{size: b.size, numOnes: b.numOnes, blocks: make([]uint64, len(b.blocks))}
	copy(c.blocks, b.blocks)
	return c
}

// ToSlice returns the set bits in ascending order. For example, a bitmap of
// [0, 1, 0, 1] returns [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	s := make([]uint32, 0, b.numOnes)
	base := 0
	for _, w := range b.blocks {
		for w != 0 {
			// Extract the lowest set bit.
			j := w & -w
			s = append(s, uint32(base+bits.OnesCount64(j-1)))
			w ^= j
		}
		base += 64
	}
	return s
}
