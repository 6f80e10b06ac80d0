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

package security

import (
	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/status"
)

// tokenType is the object type of token handles.
type tokenType struct{}

// TokenType is the token object type.
var TokenType object.Type = tokenType{}

func (tokenType) ID() object.TypeID            { return object.TypeToken }
func (tokenType) Flags() object.TypeFlags      { return object.Transferrable }
func (tokenType) Close(h *object.Handle)       { h.Private.(*Token).Release() }
func (tokenType) Name(h *object.Handle) string { return h.Private.(*Token).String() }

// Publish attaches a new handle to t in table. The handle takes its own
// reference to the token.
func Publish(table *object.Table, t *Token) (object.ID, error) {
	t.Retain()
	h := object.NewHandle(TokenType, t)
	defer h.Release()
	return table.Attach(h, 0)
}

// Lookup returns the token behind a token handle, with a reference.
func Lookup(table *object.Table, id object.ID) (*Token, error) {
	h, err := table.Lookup(id, object.TypeToken)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	t, ok := h.Private.(*Token)
	if !ok {
		return nil, status.IncorrectType
	}
	t.Retain()
	return t, nil
}
