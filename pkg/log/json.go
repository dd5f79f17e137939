// Copyright 2026 The gVisor Authors.
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
	"io"
	"runtime"
	"strings"
	"time"
)

// jsonLog is one line of JSON output.
type jsonLog struct {
	Msg       string    `json:"msg"`
	Level     Level     `json:"level"`
	Time      time.Time `json:"time"`
	Subsystem string    `json:"subsystem,omitempty"`
}

var levelNames = [...]string{
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	if int(l) >= len(levelNames) {
		return nil, fmt.Errorf("unknown level %v", l)
	}
	return json.Marshal(levelNames[l])
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It accepts both
// the level name and its number.
func (l *Level) UnmarshalJSON(b []byte) error {
	for i, n := range levelNames {
		if s := string(b); s == fmt.Sprintf("%d", i) || s == `"`+n+`"` {
			*l = Level(i)
			return nil
		}
	}
	return fmt.Errorf("unknown level %q", b)
}

// splitSubsystem splits the "vmm: " style prefix off a log line. It returns
// an empty subsystem if the line has none.
func splitSubsystem(line string) (string, string) {
	name, rest, ok := strings.Cut(line, ": ")
	if !ok || name == "" {
		return "", line
	}
	for _, r := range name {
		if r < 'a' || r > 'z' {
			return "", line
		}
	}
	return name, rest
}

// JSONEmitter logs messages in json format. A lowercase "name: " prefix on
// the message is moved into the subsystem field.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	subsystem, logLine := splitSubsystem(fmt.Sprintf(format, v...))
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, byte('/')); slash >= 0 {
			file = file[slash+1:]
		}
		logLine = fmt.Sprintf("%s:%d] %s", file, line, logLine)
	}
	b, err := json.Marshal(jsonLog{
		Msg:       logLine,
		Level:     level,
		Time:      timestamp,
		Subsystem: subsystem,
	})
	if err != nil {
		panic(err)
	}
	e.Writer.Write(b)
}

// NewEmitter returns an emitter for the given format, one of "text" or
// "json", writing to w.
func NewEmitter(format string, w io.Writer) (Emitter, error) {
	switch format {
	case "text":
		return GoogleEmitter{&Writer{Next: w}}, nil
	case "json":
		return JSONEmitter{&Writer{Next: w}}, nil
	}
	return nil, fmt.Errorf("invalid log format %q, must be 'text' or 'json'", format)
}
