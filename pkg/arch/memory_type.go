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

package arch

import "fmt"

// MemoryType is the caching behaviour of physical memory. Page table
// entries for a frame carry the type recorded for it.
type MemoryType uint8

// Memory types. The zero value is normal cached RAM.
const (
	MemoryTypeWriteBack MemoryType = iota
	MemoryTypeWriteCombine
	MemoryTypeWriteThrough
	MemoryTypeUncached

	// NumMemoryTypes bounds the valid types.
	NumMemoryTypes
)

var memoryTypeNames = [NumMemoryTypes]string{
	MemoryTypeWriteBack:    "WriteBack",
	MemoryTypeWriteCombine: "WriteCombine",
	MemoryTypeWriteThrough: "WriteThrough",
	MemoryTypeUncached:     "Uncached",
}

// Valid returns true if mt is a known type.
func (mt MemoryType) Valid() bool {
	return mt < NumMemoryTypes
}

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	if !mt.Valid() {
		return fmt.Sprintf("MemoryType(%d)", mt)
	}
	return memoryTypeNames[mt]
}
