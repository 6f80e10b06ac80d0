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

// Package status holds the kernel's status codes.
//
// Kernel operations report failure with a Status, a dense integer that is
// also the value returned to userspace. Status implements error, so kernel
// code returns it through ordinary error returns and compares with ==.
// Success is never returned as an error: nil is used instead.
package status

import (
	"errors"
	"fmt"
)

// Status is a kernel status code.
type Status uint32

// Status codes. The values are part of the userspace ABI and must never
// change.
const (
	Success        Status = 0
	NotImplemented Status = 1
	NotSupported   Status = 2
	WouldBlock     Status = 3
	Interrupted    Status = 4
	TimedOut       Status = 5
	InvalidSyscall Status = 6
	InvalidArg     Status = 7
	InvalidHandle  Status = 8
	InvalidAddr    Status = 9
	InvalidRequest Status = 10
	InvalidEvent   Status = 11
	Overflow       Status = 12
	NoMemory       Status = 13
	NoHandles      Status = 14
	ProcessLimit   Status = 15
	ThreadLimit    Status = 16
	ReadOnly       Status = 17
	PermDenied     Status = 18
	AccessDenied   Status = 19
	NotDir         Status = 20
	NotRegular     Status = 21
	NotFound       Status = 24
	NotEmpty       Status = 25
	AlreadyExists  Status = 26
	TooSmall       Status = 27
	TooLarge       Status = 28
	TooLong        Status = 29
	InUse          Status = 35
	DeviceError    Status = 36
	StillRunning   Status = 37
	MissingLibrary Status = 40
	MissingSymbol  Status = 41
	TryAgain       Status = 42
	ConnHungup     Status = 45
	Cancelled      Status = 46
	IncorrectType  Status = 47

	// maxStatus is one past the largest defined status.
	maxStatus = 48
)

type info struct {
	name    string
	message string
}

var table = [maxStatus]info{
	Success:        {"Success", "success"},
	NotImplemented: {"NotImplemented", "operation not implemented"},
	NotSupported:   {"NotSupported", "operation not supported"},
	WouldBlock:     {"WouldBlock", "operation would block"},
	Interrupted:    {"Interrupted", "interrupted while blocking"},
	TimedOut:       {"TimedOut", "timed out while waiting"},
	InvalidSyscall: {"InvalidSyscall", "invalid system call number"},
	InvalidArg:     {"InvalidArg", "invalid argument"},
	InvalidHandle:  {"InvalidHandle", "invalid handle"},
	InvalidAddr:    {"InvalidAddr", "invalid memory location"},
	InvalidRequest: {"InvalidRequest", "invalid request"},
	InvalidEvent:   {"InvalidEvent", "invalid object event"},
	Overflow:       {"Overflow", "integer overflow"},
	NoMemory:       {"NoMemory", "out of memory"},
	NoHandles:      {"NoHandles", "no handles available"},
	ProcessLimit:   {"ProcessLimit", "process limit reached"},
	ThreadLimit:    {"ThreadLimit", "thread limit reached"},
	ReadOnly:       {"ReadOnly", "object cannot be modified"},
	PermDenied:     {"PermDenied", "operation not permitted"},
	AccessDenied:   {"AccessDenied", "requested access rights denied"},
	NotDir:         {"NotDir", "not a directory"},
	NotRegular:     {"NotRegular", "not a regular file"},
	NotFound:       {"NotFound", "not found"},
	NotEmpty:       {"NotEmpty", "directory not empty"},
	AlreadyExists:  {"AlreadyExists", "already exists"},
	TooSmall:       {"TooSmall", "buffer too small"},
	TooLarge:       {"TooLarge", "buffer too large"},
	TooLong:        {"TooLong", "string too long"},
	InUse:          {"InUse", "object in use"},
	DeviceError:    {"DeviceError", "device error"},
	StillRunning:   {"StillRunning", "still running"},
	MissingLibrary: {"MissingLibrary", "required library not found"},
	MissingSymbol:  {"MissingSymbol", "referenced symbol not found"},
	TryAgain:       {"TryAgain", "try again"},
	ConnHungup:     {"ConnHungup", "connection hung up"},
	Cancelled:      {"Cancelled", "operation cancelled"},
	IncorrectType:  {"IncorrectType", "incorrect object type"},
}

// Error implements error.Error.
func (s Status) Error() string {
	if s < maxStatus && table[s].message != "" {
		return table[s].message
	}
	return fmt.Sprintf("unknown status %d", uint32(s))
}

// String returns the constant name of s.
func (s Status) String() string {
	if s < maxStatus && table[s].name != "" {
		return table[s].name
	}
	return fmt.Sprintf("Status(%d)", uint32(s))
}

// Valid returns true if s is a defined status code.
func (s Status) Valid() bool {
	return s < maxStatus && table[s].name != ""
}

// Err returns s as an error, mapping Success to nil.
func (s Status) Err() error {
	if s == Success {
		return nil
	}
	return s
}

// FromError translates an error into a status code. nil is Success; errors
// that wrap a Status yield it; anything else is a DeviceError.
func FromError(err error) Status {
	if err == nil {
		return Success
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return DeviceError
}

// Is returns true if err carries the status s.
func Is(err error, s Status) bool {
	return FromError(err) == s
}
