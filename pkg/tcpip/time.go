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

package tcpip

import (
	"fmt"
	"time"
)

// A Clock provides the current time.
//
// Timers are not provided by the clock; they are kept in a TimerQueue and
// fired from the stack's periodic tick, so the clock only needs to be read.
type Clock interface {
	// Now returns the current local time.
	Now() time.Time

	// NowMonotonic returns the current monotonic clock reading.
	NowMonotonic() MonotonicTime
}

// MonotonicTime is a monotonic clock reading.
type MonotonicTime struct {
	nanoseconds int64
}

// String implements Stringer.
func (mt MonotonicTime) String() string {
	return fmt.Sprintf("%dns", mt.nanoseconds)
}

// MonotonicFromNanos returns the time nanos after the clock origin.
func MonotonicFromNanos(nanos int64) MonotonicTime {
	return MonotonicTime{nanoseconds: nanos}
}

// Nanoseconds returns the reading in nanoseconds since the clock origin.
func (mt MonotonicTime) Nanoseconds() int64 {
	return mt.nanoseconds
}

// Before reports whether the time instant mt is before u.
func (mt MonotonicTime) Before(u MonotonicTime) bool {
	return mt.nanoseconds < u.nanoseconds
}

// After reports whether the time instant mt is after u.
func (mt MonotonicTime) After(u MonotonicTime) bool {
	return mt.nanoseconds > u.nanoseconds
}

// Equal reports whether mt and u represent the same time instant.
func (mt MonotonicTime) Equal(u MonotonicTime) bool {
	return mt.nanoseconds == u.nanoseconds
}

// Add returns the monotonic time mt+d.
func (mt MonotonicTime) Add(d time.Duration) MonotonicTime {
	return MonotonicTime{
		nanoseconds: time.Unix(0, mt.nanoseconds).Add(d).Sub(time.Unix(0, 0)).Nanoseconds(),
	}
}

// Sub returns the duration mt-u. If the result exceeds the maximum (or minimum)
// value that can be stored in a Duration, the maximum (or minimum) duration
// will be returned. To compute t-d for a duration d, use t.Add(-d).
func (mt MonotonicTime) Sub(u MonotonicTime) time.Duration {
	return time.Unix(0, mt.nanoseconds).Sub(time.Unix(0, u.nanoseconds))
}

// stdClock implements Clock with the time package.
type stdClock struct {
	// base is the reference point for the monotonic readings. time.Since
	// uses the runtime's monotonic clock.
	base time.Time
}

// NewStdClock returns an instance of a clock that uses the time package.
func NewStdClock() Clock {
	return &stdClock{base: time.Now()}
}

// Now implements Clock.Now.
func (*stdClock) Now() time.Time {
	return time.Now()
}

// NowMonotonic implements Clock.NowMonotonic.
func (s *stdClock) NowMonotonic() MonotonicTime {
	return MonotonicTime{nanoseconds: int64(time.Since(s.base))}
}
