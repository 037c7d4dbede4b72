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

package tcp

import (
	"time"

	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/stack"
)

// timer is a TCP timer backed by a stack job. Its callback runs from
// Stack.Tick with the stack lock held, like every other endpoint method.
//
// TCP retransmit timers get disabled when acks are received and reenabled
// when new pending segments are sent; both are cheap heap operations on the
// stack's timer queue.
type timer struct {
	job *tcpip.Job
}

// init initializes the timer. Once it expires, f is called.
func (t *timer) init(s *stack.Stack, f func()) {
	t.job = s.NewJob(f)
}

// cleanup frees all resources associated with the timer.
func (t *timer) cleanup() {
	if t.job != nil {
		t.job.Cancel()
	}
}

// disable disables the timer.
func (t *timer) disable() {
	if t.job != nil {
		t.job.Cancel()
	}
}

// enabled returns true if the timer is currently enabled, false otherwise.
func (t *timer) enabled() bool {
	return t.job != nil && t.job.Scheduled()
}

// enable enables the timer, replacing any earlier expiration.
func (t *timer) enable(d time.Duration) {
	t.job.Schedule(d)
}
