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

package log

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type jsonLog struct {
	Time      time.Time `json:"time"`
	Level     Level     `json:"level"`
	Subsystem string    `json:"subsystem,omitempty"`
	Caller    string    `json:"caller"`
	Msg       string    `json:"msg"`
}

var levelNames = [...]string{Warning: "warning", Info: "info", Debug: "debug"}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	if int(l) >= len(levelNames) {
		return nil, fmt.Errorf("unknown level %v", l)
	}
	return json.Marshal(levelNames[l])
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It accepts
// level names and their numeric values.
func (l *Level) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		var n uint32
		if err := json.Unmarshal(b, &n); err != nil || int(n) >= len(levelNames) {
			return fmt.Errorf("unknown level %s", b)
		}
		*l = Level(n)
		return nil
	}
	for i, s := range levelNames {
		if s == name {
			*l = Level(i)
			return nil
		}
	}
	return fmt.Errorf("unknown level %q", name)
}

// splitSubsystem splits a "subsystem: message" line. Kernel messages are
// prefixed with the name of the subsystem or program that logs them.
func splitSubsystem(msg string) (string, string) {
	i := strings.Index(msg, ": ")
	if i <= 0 || i > 16 || strings.ContainsAny(msg[:i], " \t") {
		return "", msg
	}
	return msg[:i], msg[i+2:]
}

// JSONEmitter logs one JSON object per message. A leading "subsystem: "
// is moved to its own field.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	sub, msg := splitSubsystem(fmt.Sprintf(format, v...))
	b, err := json.Marshal(jsonLog{
		Time:      timestamp,
		Level:     level,
		Subsystem: sub,
		Caller:    caller(depth + 1),
		Msg:       msg,
	})
	if err != nil {
		panic(err)
	}
	e.Writer.Write(b)
}
