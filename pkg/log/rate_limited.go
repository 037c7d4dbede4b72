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
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger forwards at most one message per interval. Messages
// dropped in between are counted and the count is appended to the next
// message that gets through.
type rateLimitedLogger struct {
	logger     Logger
	limit      *rate.Limiter
	suppressed atomic.Uint64
}

func (rl *rateLimitedLogger) emit(level Level, format string, v []any) {
	if !rl.logger.IsLogging(level) {
		return
	}
	if !rl.limit.Allow() {
		rl.suppressed.Add(1)
		return
	}
	if n := rl.suppressed.Swap(0); n > 0 {
		format += " (%d similar messages suppressed)"
		v = append(v[:len(v):len(v)], n)
	}
	switch level {
	case Debug:
		rl.logger.Debugf(format, v...)
	case Info:
		rl.logger.Infof(format, v...)
	default:
		rl.logger.Warningf(format, v...)
	}
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	rl.emit(Debug, format, v)
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	rl.emit(Info, format, v)
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	rl.emit(Warning, format, v)
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger is RateLimitedLogger on the global logger. The
// resolver and NTP client use it for per-packet complaints.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that passes at most one message per
// interval through to logger.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
