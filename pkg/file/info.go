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
	"kiwi.dev/kiwi/pkg/binary"
)

// Info describes a file. Times are nanoseconds since the UNIX epoch.
type Info struct {
	ID        uint64
	Mount     uint32
	Type      Type
	BlockSize uint64
	Size      int64
	Links     uint64
	Created   int64
	Accessed  int64
	Modified  int64
}

// infoRecord is the encoding of Info.
type infoRecord struct {
	ID        uint64
	Mount     uint32
	Type      uint32
	BlockSize uint64
	Size      int64
	Links     uint64
	Created   int64
	Accessed  int64
	Modified  int64
}

// InfoSize is the size of an encoded Info.
var InfoSize = binary.Size(infoRecord{})

// Marshal appends the encoding of i to buf.
func (i *Info) Marshal(buf []byte) []byte {
	r := infoRecord{
		ID:        i.ID,
		Mount:     i.Mount,
		Type:      uint32(i.Type),
		BlockSize: i.BlockSize,
		Size:      i.Size,
		Links:     i.Links,
		Created:   i.Created,
		Accessed:  i.Accessed,
		Modified:  i.Modified,
	}
	return binary.Marshal(buf, &r)
}

// UnmarshalInfo decodes an Info from the start of buf. It fails with
// InvalidArg if buf is too short.
func UnmarshalInfo(buf []byte) (Info, error) {
	var r infoRecord
	if _, err := binary.Decode(buf, &r); err != nil {
		return Info{}, err
	}
	return Info{
		ID:        r.ID,
		Mount:     r.Mount,
		Type:      Type(r.Type),
		BlockSize: r.BlockSize,
		Size:      r.Size,
		Links:     r.Links,
		Created:   r.Created,
		Accessed:  r.Accessed,
		Modified:  r.Modified,
	}, nil
}
