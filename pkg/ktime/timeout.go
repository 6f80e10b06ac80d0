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

package ktime

import (
	"time"
)

// Timeouts are expressed in nanoseconds relative to the start of the
// operation.
const (
	// Infinite waits until the operation completes or is interrupted.
	Infinite int64 = -1

	// Poll fails with WouldBlock instead of waiting.
	Poll int64 = 0
)

// Duration converts a finite timeout to a time.Duration.
func Duration(timeout int64) time.Duration {
	if timeout < 0 {
		return MaxDuration
	}
	return time.Duration(timeout)
}

// Remaining returns what is left of timeout after elapsed has passed. An
// infinite timeout stays infinite; an expired one becomes Poll.
func Remaining(timeout int64, elapsed time.Duration) int64 {
	if timeout < 0 {
		return Infinite
	}
	if left := timeout - elapsed.Nanoseconds(); left > 0 {
		return left
	}
	return Poll
}

// MaxDuration is the maximum duration representable by time.Duration.
const MaxDuration = time.Duration(1<<63 - 1)
