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

package ipc

import (
	"fmt"

	"kiwi.dev/kiwi/pkg/binary"
	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/security"
	"kiwi.dev/kiwi/pkg/status"
)

// Limits.
const (
	// DataMax is the largest payload a message can carry.
	DataMax = 16384

	// ArgsCount is the number of inline argument words in a message.
	ArgsCount = 6

	// DefaultQueueMax is the default number of messages an endpoint can
	// queue before senders block.
	DefaultQueueMax = 256
)

// MessageType says how a message relates to a request.
type MessageType uint32

// Message types.
const (
	Signal MessageType = iota
	Request
	Reply
)

// String implements fmt.Stringer.String.
func (t MessageType) String() string {
	switch t {
	case Signal:
		return "signal"
	case Request:
		return "request"
	case Reply:
		return "reply"
	default:
		return fmt.Sprintf("MessageType(%d)", uint32(t))
	}
}

// MessageFlags describe the optional parts of a message.
type MessageFlags uint8

const (
	// MessageSecurity asks for the sender's security context to be
	// attached to the message.
	MessageSecurity MessageFlags = 1 << 0

	// MessageHandle is set when a handle is attached to the message.
	MessageHandle MessageFlags = 1 << 1

	validMessageFlags = MessageSecurity | MessageHandle
)

// Message is a message in flight on a connection.
type Message struct {
	Type MessageType

	// ID is a user-defined message ID.
	ID uint32

	Args [ArgsCount]uint64

	// Timestamp is the boot time at which the message was sent, in
	// nanoseconds.
	Timestamp int64

	// Serial identifies the request a message belongs to. It is assigned
	// to requests by the sending endpoint and echoed by replies.
	Serial uint64

	Flags MessageFlags

	// Security is the sender's security context, valid when Flags
	// includes MessageSecurity.
	Security security.Context

	// Handle is the attached handle. A message holds one reference to it,
	// which is passed to the receiver.
	Handle *object.Handle

	Data []byte

	// req is the sender's request record, for requests.
	req *request
}

// String implements fmt.Stringer.String.
func (m *Message) String() string {
	return fmt.Sprintf("%v{id=%d serial=%d size=%d flags=%#x}", m.Type, m.ID, m.Serial, len(m.Data), uint8(m.Flags))
}

// validate checks a message that is about to be sent and fixes up its
// handle flag.
func (m *Message) validate() error {
	if m.Type > Reply || m.Flags&^validMessageFlags != 0 {
		return status.InvalidArg
	}
	if len(m.Data) > DataMax {
		return status.TooLarge
	}
	if m.Handle != nil {
		if m.Handle.Type.Flags()&object.Transferrable == 0 {
			return status.NotSupported
		}
		m.Flags |= MessageHandle
	} else {
		m.Flags &^= MessageHandle
	}
	return nil
}

// Release drops the message's reference to its attached handle.
func (m *Message) Release() {
	if m.Handle != nil {
		m.Handle.Release()
		m.Handle = nil
	}
}

// header is the fixed part of the wire format.
type header struct {
	Type      uint32
	ID        uint32
	Size      uint64
	Timestamp uint64
	Serial    uint64
	Flags     uint8
	_         [7]uint8
	Args      [ArgsCount]uint64
}

// securityBlock follows the header when MessageSecurity is set.
type securityBlock struct {
	UID     uint32
	GID     uint32
	NGroups uint32
	Groups  [security.MaxGroups]uint32
}

// Sizes of the parts of the wire format.
var (
	HeaderSize   = binary.Size(header{})
	SecuritySize = binary.Size(securityBlock{})
	HandleSize   = 8
)

func (m *Message) header() header {
	return header{
		Type:      uint32(m.Type),
		ID:        m.ID,
		Size:      uint64(len(m.Data)),
		Timestamp: uint64(m.Timestamp),
		Serial:    m.Serial,
		Flags:     uint8(m.Flags),
		Args:      m.Args,
	}
}

// MarshalHeader appends the fixed header of m to buf.
func (m *Message) MarshalHeader(buf []byte) []byte {
	h := m.header()
	return binary.Marshal(buf, &h)
}

// Marshal appends the complete wire form of m to buf. handle is written to
// the handle slot when m carries a handle; it is the ID under which the
// handle is known to the reader.
func (m *Message) Marshal(buf []byte, handle object.ID) []byte {
	buf = m.MarshalHeader(buf)
	if m.Flags&MessageSecurity != 0 {
		sb := securityBlock{
			UID:     uint32(m.Security.UID),
			GID:     uint32(m.Security.GID),
			NGroups: uint32(len(m.Security.Groups)),
		}
		for i, g := range m.Security.Groups {
			sb.Groups[i] = uint32(g)
		}
		buf = binary.Marshal(buf, &sb)
	}
	if m.Flags&MessageHandle != 0 {
		buf = binary.AppendUint64(buf, uint64(int64(handle)))
	}
	return append(buf, m.Data...)
}

// Unmarshal parses the wire form of a message. The handle slot, if any, is
// returned as an ID for the caller to resolve; otherwise the returned ID is
// object.InvalidID. The buffer must hold exactly one message.
func Unmarshal(buf []byte) (*Message, object.ID, error) {
	var h header
	buf, err := binary.Decode(buf, &h)
	if err != nil {
		return nil, object.InvalidID, err
	}
	m := &Message{
		Type:      MessageType(h.Type),
		ID:        h.ID,
		Timestamp: int64(h.Timestamp),
		Serial:    h.Serial,
		Flags:     MessageFlags(h.Flags),
		Args:      h.Args,
	}
	if m.Type > Reply || m.Flags&^validMessageFlags != 0 {
		return nil, object.InvalidID, status.InvalidArg
	}
	if h.Size > DataMax {
		return nil, object.InvalidID, status.TooLarge
	}
	if m.Flags&MessageSecurity != 0 {
		var sb securityBlock
		if buf, err = binary.Decode(buf, &sb); err != nil {
			return nil, object.InvalidID, err
		}
		if sb.NGroups > security.MaxGroups {
			return nil, object.InvalidID, status.InvalidArg
		}
		m.Security = security.Context{UID: int32(sb.UID), GID: int32(sb.GID)}
		for _, g := range sb.Groups[:sb.NGroups] {
			m.Security.Groups = append(m.Security.Groups, int32(g))
		}
	}
	id := object.InvalidID
	if m.Flags&MessageHandle != 0 {
		if len(buf) < HandleSize {
			return nil, object.InvalidID, status.InvalidArg
		}
		id = object.ID(int64(binary.Order.Uint64(buf)))
		buf = buf[HandleSize:]
	}
	if uint64(len(buf)) != h.Size {
		return nil, object.InvalidID, status.InvalidArg
	}
	if h.Size > 0 {
		m.Data = append([]byte(nil), buf...)
	}
	return m, id, nil
}
