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

// Package security implements security tokens.
//
// A token holds an immutable security context: a user ID, a primary and
// supplementary group IDs and a set of privileges. Every process has a
// token, threads may override it, and IPC messages can carry a snapshot of
// the sender's context.
package security

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mohae/deepcopy"
	"kiwi.dev/kiwi/pkg/refs"
	"kiwi.dev/kiwi/pkg/status"
)

// MaxGroups is the maximum number of supplementary groups.
const MaxGroups = 16

// Privilege is a single privilege.
type Privilege uint32

// Privileges.
const (
	// PrivChangeIdentity allows creating tokens with a different identity.
	PrivChangeIdentity Privilege = iota
	// PrivChangeOwner allows changing the owner of filesystem objects.
	PrivChangeOwner
	// PrivProcessAdmin allows controlling processes of other users.
	PrivProcessAdmin
	// PrivModule allows loading kernel modules.
	PrivModule
	// PrivFSAdmin overrides filesystem access checks.
	PrivFSAdmin
	// PrivFSSetRoot allows changing the root directory.
	PrivFSSetRoot
	// PrivFSMount allows mounting filesystems.
	PrivFSMount
	// PrivShutdown allows shutting down the system.
	PrivShutdown
	// PrivFatal allows triggering a kernel fatal error.
	PrivFatal
	// PrivSetTime allows setting the real time clock.
	PrivSetTime

	// PrivMax is the highest defined privilege.
	PrivMax = PrivSetTime
)

var privNames = [...]string{
	PrivChangeIdentity: "change_identity",
	PrivChangeOwner:    "change_owner",
	PrivProcessAdmin:   "process_admin",
	PrivModule:         "module",
	PrivFSAdmin:        "fs_admin",
	PrivFSSetRoot:      "fs_setroot",
	PrivFSMount:        "fs_mount",
	PrivShutdown:       "shutdown",
	PrivFatal:          "fatal",
	PrivSetTime:        "set_time",
}

// String implements fmt.Stringer.String.
func (p Privilege) String() string {
	if p <= PrivMax {
		return privNames[p]
	}
	return fmt.Sprintf("priv(%d)", uint32(p))
}

// PrivilegeSet is a set of privileges.
type PrivilegeSet uint64

// AllPrivileges holds every defined privilege.
const AllPrivileges PrivilegeSet = 1<<(PrivMax+1) - 1

// Has returns true if p is in s.
func (s PrivilegeSet) Has(p Privilege) bool {
	return p <= PrivMax && s&(1<<p) != 0
}

// With returns s with p added.
func (s PrivilegeSet) With(p Privilege) PrivilegeSet {
	return s | 1<<p
}

// String implements fmt.Stringer.String.
func (s PrivilegeSet) String() string {
	var names []string
	for p := Privilege(0); p <= PrivMax; p++ {
		if s.Has(p) {
			names = append(names, p.String())
		}
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Context is a security context.
type Context struct {
	UID int32
	GID int32

	// Groups are the supplementary group IDs, sorted.
	Groups []int32

	// Privileges is the effective privilege set.
	Privileges PrivilegeSet

	// Inheritable is the set given to processes created with the token.
	// It is a subset of Privileges.
	Inheritable PrivilegeSet
}

// Copy returns a deep copy of c.
func (c Context) Copy() Context {
	return deepcopy.Copy(c).(Context)
}

// Reveal returns the part of c that may be shown to another process: the
// identity without any privileges.
func (c Context) Reveal() Context {
	r := c.Copy()
	r.Privileges = 0
	r.Inheritable = 0
	return r
}

// SameIdentity returns true if c and o have the same user and groups.
func (c Context) SameIdentity(o Context) bool {
	if c.UID != o.UID || c.GID != o.GID || len(c.Groups) != len(o.Groups) {
		return false
	}
	for i := range c.Groups {
		if c.Groups[i] != o.Groups[i] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.String.
func (c Context) String() string {
	return fmt.Sprintf("uid=%d gid=%d groups=%v privs=%v", c.UID, c.GID, c.Groups, c.Privileges)
}

// normalize validates c and sorts its groups.
func (c *Context) normalize() error {
	if c.UID < 0 || c.GID < 0 || len(c.Groups) > MaxGroups {
		return status.InvalidArg
	}
	for _, g := range c.Groups {
		if g < 0 {
			return status.InvalidArg
		}
	}
	sort.Slice(c.Groups, func(i, j int) bool { return c.Groups[i] < c.Groups[j] })
	c.Privileges &= AllPrivileges
	c.Inheritable &= AllPrivileges
	if c.Inheritable&^c.Privileges != 0 {
		return status.InvalidArg
	}
	return nil
}

// Token is a reference-counted, immutable security context.
type Token struct {
	refs refs.Count
	ctx  Context

	// copyOnInherit is set when the inheritable set differs from the
	// effective set, so that children get a token of their own.
	copyOnInherit bool
}

// System returns a new fully privileged token for the kernel and the first
// user process.
func System() *Token {
	t := &Token{ctx: Context{Privileges: AllPrivileges, Inheritable: AllPrivileges}}
	t.refs.InitRefs()
	return t
}

// NewToken creates a token holding ctx on behalf of creator. The context
// cannot hold privileges the creator lacks (PermDenied), and without
// PrivChangeIdentity its identity must match the creator's (PermDenied).
// Malformed contexts return InvalidArg.
func NewToken(creator *Token, ctx Context) (*Token, error) {
	ctx = ctx.Copy()
	if err := ctx.normalize(); err != nil {
		return nil, err
	}
	if ctx.Privileges&^creator.ctx.Privileges != 0 {
		return nil, status.PermDenied
	}
	if !creator.Has(PrivChangeIdentity) && !ctx.SameIdentity(creator.ctx) {
		return nil, status.PermDenied
	}
	t := &Token{ctx: ctx, copyOnInherit: ctx.Inheritable != ctx.Privileges}
	t.refs.InitRefs()
	return t, nil
}

// Context returns a copy of the token's context.
func (t *Token) Context() Context {
	return t.ctx.Copy()
}

// UID returns the token's user ID.
func (t *Token) UID() int32 {
	return t.ctx.UID
}

// Has returns true if the token holds p.
func (t *Token) Has(p Privilege) bool {
	return t.ctx.Privileges.Has(p)
}

// Retain takes a reference.
func (t *Token) Retain() {
	t.refs.IncRef()
}

// Release drops a reference.
func (t *Token) Release() {
	t.refs.DecRef(nil)
}

// Refs returns the reference count.
func (t *Token) Refs() int64 {
	return t.refs.ReadRefs()
}

// Inherit returns the token a process created with t should have, with a
// reference for the caller. The token is shared unless its inheritable set
// differs from its effective set, in which case the child gets a copy
// holding only the inheritable privileges.
func (t *Token) Inherit() *Token {
	if !t.copyOnInherit {
		t.Retain()
		return t
	}
	n := &Token{ctx: t.ctx.Copy()}
	n.ctx.Privileges = t.ctx.Inheritable
	n.refs.InitRefs()
	return n
}

// String implements fmt.Stringer.String.
func (t *Token) String() string {
	return t.ctx.String()
}
