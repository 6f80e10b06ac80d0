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

package sched

import (
	"context"
)

// contextID is this package's type for context.Context.Value keys.
type contextID int

const (
	// CtxThread is a Context.Value key for the current *Thread.
	CtxThread contextID = iota
)

// WithThread returns a context carrying t as the current thread.
func WithThread(ctx context.Context, t *Thread) context.Context {
	return context.WithValue(ctx, CtxThread, t)
}

// ThreadFromContext returns the thread carried by ctx, or nil.
func ThreadFromContext(ctx context.Context) *Thread {
	if v := ctx.Value(CtxThread); v != nil {
		return v.(*Thread)
	}
	return nil
}

// Current returns the thread carried by ctx. A context without a thread is a
// host goroutine, for which a fresh host thread is returned; such callers
// must not rely on thread identity across calls (recursive locking, lock
// ownership checks).
func Current(ctx context.Context) *Thread {
	if t := ThreadFromContext(ctx); t != nil {
		return t
	}
	return NewHostThread("host")
}
