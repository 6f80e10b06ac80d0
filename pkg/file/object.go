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
	"context"

	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/status"
)

type fileType struct{}

// ObjectType is the object type of file handles.
var ObjectType object.Type = fileType{}

func (fileType) ID() object.TypeID       { return object.TypeFile }
func (fileType) Flags() object.TypeFlags { return object.Transferrable }

func (fileType) Close(oh *object.Handle) {
	h := oh.Private.(*Handle)
	h.File.Ops.Close(h)
}

func (fileType) Name(oh *object.Handle) string {
	return oh.Private.(*Handle).String()
}

func (fileType) Wait(oh *object.Handle, e *object.Event) error {
	h := oh.Private.(*Handle)
	return h.File.Ops.Wait(h, e)
}

func (fileType) Unwait(oh *object.Handle, e *object.Event) {
	h := oh.Private.(*Handle)
	h.File.Ops.Unwait(h, e)
}

func (fileType) Map(ctx context.Context, oh *object.Handle, region any) error {
	h := oh.Private.(*Handle)
	return h.File.Ops.Map(ctx, h, region)
}

// NewObject wraps h in an object handle. Closing the last reference calls
// the file's Close operation.
func NewObject(h *Handle) *object.Handle {
	return object.NewHandle(ObjectType, h)
}

// FromObject returns the file handle behind oh.
func FromObject(oh *object.Handle) (*Handle, error) {
	h, ok := oh.Private.(*Handle)
	if !ok || oh.Type.ID() != object.TypeFile {
		return nil, status.IncorrectType
	}
	return h, nil
}

// Lookup returns the file handle for id in table, with a reference to its
// object handle that the caller must release.
func Lookup(table *object.Table, id object.ID) (*Handle, *object.Handle, error) {
	oh, err := table.Lookup(id, object.TypeFile)
	if err != nil {
		return nil, nil, err
	}
	h, err := FromObject(oh)
	if err != nil {
		oh.Release()
		return nil, nil, err
	}
	return h, oh, nil
}
