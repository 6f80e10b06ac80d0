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
	"testing"

	"github.com/google/go-cmp/cmp"
	"kiwi.dev/kiwi/pkg/object"
	"kiwi.dev/kiwi/pkg/status"
)

func userToken(t *testing.T, uid int32, privs PrivilegeSet) *Token {
	t.Helper()
	tok, err := NewToken(System(), Context{UID: uid, GID: uid, Groups: []int32{uid}, Privileges: privs})
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	return tok
}

func TestNewToken(t *testing.T) {
	user := userToken(t, 100, PrivilegeSet(0).With(PrivModule))

	for _, tc := range []struct {
		name    string
		creator *Token
		ctx     Context
		want    error
	}{
		{
			name:    "system may do anything",
			creator: System(),
			ctx:     Context{UID: 5, GID: 6, Groups: []int32{9, 7}, Privileges: AllPrivileges},
		},
		{
			name:    "same identity, fewer privileges",
			creator: user,
			ctx:     Context{UID: 100, GID: 100, Groups: []int32{100}},
		},
		{
			name:    "new privilege",
			creator: user,
			ctx:     Context{UID: 100, GID: 100, Groups: []int32{100}, Privileges: PrivilegeSet(0).With(PrivFatal)},
			want:    status.PermDenied,
		},
		{
			name:    "new identity",
			creator: user,
			ctx:     Context{UID: 0, GID: 100, Groups: []int32{100}},
			want:    status.PermDenied,
		},
		{
			name:    "negative uid",
			creator: System(),
			ctx:     Context{UID: -1},
			want:    status.InvalidArg,
		},
		{
			name:    "too many groups",
			creator: System(),
			ctx:     Context{Groups: make([]int32, MaxGroups+1)},
			want:    status.InvalidArg,
		},
		{
			name:    "inheritable not a subset",
			creator: System(),
			ctx:     Context{Inheritable: PrivilegeSet(0).With(PrivShutdown)},
			want:    status.InvalidArg,
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewToken(tc.creator, tc.ctx); err != tc.want {
				t.Errorf("NewToken got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestGroupsSorted(t *testing.T) {
	groups := []int32{9, 3, 5}
	tok, err := NewToken(System(), Context{Groups: groups})
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if diff := cmp.Diff([]int32{3, 5, 9}, tok.Context().Groups); diff != "" {
		t.Errorf("groups mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int32{9, 3, 5}, groups); diff != "" {
		t.Errorf("caller's slice modified (-want +got):\n%s", diff)
	}
}

func TestInherit(t *testing.T) {
	shared := userToken(t, 1, 0)
	if got := shared.Inherit(); got != shared || shared.Refs() != 2 {
		t.Errorf("token without inheritance restrictions was not shared")
	}

	privs := PrivilegeSet(0).With(PrivModule).With(PrivShutdown)
	restricted, err := NewToken(System(), Context{Privileges: privs, Inheritable: PrivilegeSet(0).With(PrivModule)})
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	child := restricted.Inherit()
	if child == restricted {
		t.Fatalf("restricted token was shared")
	}
	if child.Has(PrivShutdown) || !child.Has(PrivModule) {
		t.Errorf("child privileges = %v", child.Context().Privileges)
	}
}

func TestReveal(t *testing.T) {
	ctx := System().Context()
	ctx.Groups = []int32{4}
	want := Context{Groups: []int32{4}}
	if diff := cmp.Diff(want, ctx.Reveal()); diff != "" {
		t.Errorf("Reveal mismatch (-want +got):\n%s", diff)
	}
}

func TestTokenHandles(t *testing.T) {
	tbl := object.NewTable("p")
	tok := userToken(t, 7, 0)
	id, err := Publish(tbl, tok)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got, err := Lookup(tbl, id)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.UID() != 7 {
		t.Errorf("UID = %d, want 7", got.UID())
	}
	got.Release()
	if err := tbl.Detach(id); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if tok.Refs() != 1 {
		t.Errorf("Refs = %d, want 1", tok.Refs())
	}
}
