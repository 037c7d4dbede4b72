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

// Package faketime provides a fake clock that implements tcpip.Clock interface.
package faketime

import (
	"sync"
	"time"

	"osbyte.dev/netstack/pkg/tcpip"
)

// NullClock implements a clock that never advances.
type NullClock struct{}

var _ tcpip.Clock = (*NullClock)(nil)

// Now implements tcpip.Clock.Now.
func (*NullClock) Now() time.Time {
	return time.Time{}
}

// NowMonotonic implements tcpip.Clock.NowMonotonic.
func (*NullClock) NowMonotonic() tcpip.MonotonicTime {
	return tcpip.MonotonicTime{}
}

// ManualClock implements tcpip.Clock and only advances manually with Advance
// method.
type ManualClock struct {
	mu sync.RWMutex

	// origin is the wall time at monotonic zero.
	origin time.Time

	// elapsed is the time since origin.
	elapsed time.Duration
}

// NewManualClock creates a new ManualClock instance.
func NewManualClock() *ManualClock {
	return &ManualClock{
		// Arbitrary but stable so tests print readable timestamps.
		origin: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

var _ tcpip.Clock = (*ManualClock)(nil)

// Now implements tcpip.Clock.Now.
func (mc *ManualClock) Now() time.Time {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.origin.Add(mc.elapsed)
}

// NowMonotonic implements tcpip.Clock.NowMonotonic.
func (mc *ManualClock) NowMonotonic() tcpip.MonotonicTime {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return tcpip.MonotonicFromNanos(int64(mc.elapsed))
}

// Elapsed returns how far the clock has been advanced.
func (mc *ManualClock) Elapsed() time.Duration {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.elapsed
}

// Advance moves the clock forward by d. It does not fire timers; callers
// expire their tcpip.TimerQueue afterwards.
func (mc *ManualClock) Advance(d time.Duration) {
	if d < 0 {
		panic("cannot advance a clock backwards")
	}
	mc.mu.Lock()
	mc.elapsed += d
	mc.mu.Unlock()
}
