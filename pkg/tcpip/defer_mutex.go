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

import "sync"

// DeferMutex is a mutex with a queue of work to run after the critical
// section ends. Work queued with Defer runs, in order, once the lock is
// released and outside of it. If another holder is already draining the
// queue, new work is appended to that drain instead of starting a second
// one, so deferred work never nests.
//
// The zero value is an unlocked mutex with nothing deferred.
type DeferMutex struct {
	mu       sync.Mutex
	deferred []func()
	draining bool
}

var _ sync.Locker = (*DeferMutex)(nil)

// Lock locks m.
func (m *DeferMutex) Lock() {
	m.mu.Lock()
}

// Defer queues f to run after the current holder unlocks. m must be held.
func (m *DeferMutex) Defer(f func()) {
	m.deferred = append(m.deferred, f)
}

// Unlock unlocks m and runs deferred work.
func (m *DeferMutex) Unlock() {
	for len(m.deferred) != 0 && !m.draining {
		fns := m.deferred
		m.deferred = nil
		m.draining = true
		m.mu.Unlock()
		for _, f := range fns {
			f()
		}
		m.mu.Lock()
		m.draining = false
	}
	m.mu.Unlock()
}
