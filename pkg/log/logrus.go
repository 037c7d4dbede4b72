// Copyright 2025 The gVisor Authors.
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
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter emits log statements through a logrus.Logger. Level filtering
// happens in BasicLogger, so the underlying logger accepts everything.
type LogrusEmitter struct {
	logger *logrus.Logger
}

// NewLogrusEmitter returns an emitter writing text (or JSON when json is set)
// lines to w.
func NewLogrusEmitter(w io.Writer, json bool) *LogrusEmitter {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.DebugLevel)
	if json {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "01-02 15:04:05.000000"})
	}
	return &LogrusEmitter{logger: l}
}

func toLogrus(level Level) logrus.Level {
	switch level {
	case Warning:
		return logrus.WarnLevel
	case Debug:
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}

// Emit implements Emitter.Emit.
func (e *LogrusEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	entry := e.logger.WithTime(timestamp)
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
			file = file[slash+1:]
		}
		entry = entry.WithField("caller", fmt.Sprintf("%s:%d", file, line))
	}
	entry.Logf(toLogrus(level), format, v...)
}
