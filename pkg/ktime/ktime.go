// Copyright 2018 The gVisor Authors.
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

// Package ktime provides kernel clocks and the timeout conventions used by
// every blocking kernel operation.
package ktime

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// Time is a kernel timestamp in nanoseconds. Boot times count from boot;
// real times count from the UNIX epoch.
type Time struct {
	ns int64
}

// MaxTime is the latest representable Time.
var MaxTime = Time{ns: math.MaxInt64}

// FromNanoseconds returns the Time ns nanoseconds after the clock's origin.
func FromNanoseconds(ns int64) Time {
	return Time{ns}
}

// Nanoseconds returns t as nanoseconds since the clock's origin.
func (t Time) Nanoseconds() int64 {
	return t.ns
}

// Add returns t+d, saturating instead of wrapping.
func (t Time) Add(d time.Duration) Time {
	switch {
	case d > 0 && t.ns > math.MaxInt64-int64(d):
		return MaxTime
	case d < 0 && t.ns < math.MinInt64-int64(d):
		return Time{ns: math.MinInt64}
	}
	return Time{t.ns + int64(d)}
}

// Sub returns t-u.
func (t Time) Sub(u Time) time.Duration {
	return time.Duration(t.ns - u.ns)
}

// String implements fmt.Stringer.String.
func (t Time) String() string {
	return fmt.Sprintf("%d.%09ds", t.ns/int64(time.Second), abs(t.ns%int64(time.Second)))
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Clock is the kernel's source of time. Boot time is monotonic and starts
// at zero when the clock is created; real time is boot time plus a settable
// offset.
type Clock struct {
	start  time.Time
	offset atomic.Int64
}

// NewClock returns a clock whose boot time starts now and whose real time
// follows the host.
func NewClock() *Clock {
	c := &Clock{start: time.Now()}
	c.offset.Store(c.start.UnixNano())
	return c
}

// BootTime returns the time elapsed since the clock was created.
func (c *Clock) BootTime() Time {
	return Time{int64(time.Since(c.start))}
}

// RealTime returns the current real time.
func (c *Clock) RealTime() Time {
	return Time{c.BootTime().ns + c.offset.Load()}
}

// SetRealTime sets the current real time.
func (c *Clock) SetRealTime(t Time) {
	c.offset.Store(t.ns - c.BootTime().ns)
}
