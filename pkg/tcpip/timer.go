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
	"container/heap"
	"sync"
	"time"
)

// TimerQueue holds scheduled jobs ordered by deadline. Nothing fires on its
// own: the owner calls Expire from a single periodic tick and every job whose
// deadline has passed runs from that call.
type TimerQueue struct {
	clock Clock

	mu   sync.Mutex
	jobs jobHeap
	// seq orders jobs sharing a deadline by when they were scheduled.
	seq uint64
}

// NewTimerQueue returns an empty queue reading deadlines from clock.
func NewTimerQueue(clock Clock) *TimerQueue {
	return &TimerQueue{clock: clock}
}

// Clock returns the clock used by the queue.
func (q *TimerQueue) Clock() Clock {
	return q.clock
}

// Len returns the number of scheduled jobs.
func (q *TimerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// NextDeadline returns the earliest scheduled deadline.
func (q *TimerQueue) NextDeadline() (MonotonicTime, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return MonotonicTime{}, false
	}
	return q.jobs[0].deadline, true
}

type dueJob struct {
	job *Job
	gen uint64
}

// Expire runs every job whose deadline is not after the current time and
// returns how many ran. Each job runs with its locker held. Jobs scheduled
// while Expire is running wait for the next call, so a job that reschedules
// itself with a zero delay cannot spin.
func (q *TimerQueue) Expire() int {
	now := q.clock.NowMonotonic()

	q.mu.Lock()
	var due []dueJob
	for len(q.jobs) > 0 && !q.jobs[0].deadline.After(now) {
		j := heap.Pop(&q.jobs).(*Job)
		due = append(due, dueJob{job: j, gen: j.gen})
	}
	q.mu.Unlock()

	ran := 0
	for _, d := range due {
		j := d.job
		j.locker.Lock()
		q.mu.Lock()
		// The owner may have cancelled or rescheduled the job after it was
		// popped; either bumps the generation.
		stale := j.gen != d.gen
		q.mu.Unlock()
		if !stale {
			j.fn()
			ran++
		}
		j.locker.Unlock()
	}
	return ran
}

// Job is a cancellable, reschedulable unit of deferred work.
//
// All methods must be called with the job's locker held; the same locker is
// held while the job's function runs.
type Job struct {
	q      *TimerQueue
	locker sync.Locker
	fn     func()

	// The fields below are protected by q.mu.
	deadline MonotonicTime
	seq      uint64
	index    int
	gen      uint64
}

// NewJob returns a new, unscheduled job.
func NewJob(q *TimerQueue, l sync.Locker, f func()) *Job {
	return &Job{q: q, locker: l, fn: f, index: -1}
}

// Schedule arranges for the job to run d from now, replacing any earlier
// schedule.
func (j *Job) Schedule(d time.Duration) {
	if d < 0 {
		d = 0
	}
	q := j.q
	q.mu.Lock()
	defer q.mu.Unlock()
	j.gen++
	j.deadline = q.clock.NowMonotonic().Add(d)
	q.seq++
	j.seq = q.seq
	if j.index >= 0 {
		heap.Fix(&q.jobs, j.index)
		return
	}
	heap.Push(&q.jobs, j)
}

// Cancel prevents the job from running. It is a no-op if the job is not
// scheduled.
func (j *Job) Cancel() {
	q := j.q
	q.mu.Lock()
	defer q.mu.Unlock()
	j.gen++
	if j.index >= 0 {
		heap.Remove(&q.jobs, j.index)
	}
}

// Scheduled reports whether the job is waiting to run.
func (j *Job) Scheduled() bool {
	j.q.mu.Lock()
	defer j.q.mu.Unlock()
	return j.index >= 0
}

// Remaining returns the time until the job runs, or zero if it is not
// scheduled.
func (j *Job) Remaining() time.Duration {
	q := j.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if j.index < 0 {
		return 0
	}
	return j.deadline.Sub(q.clock.NowMonotonic())
}

// jobHeap is a min-heap of jobs ordered by deadline, then scheduling order.
type jobHeap []*Job

var _ heap.Interface = (*jobHeap)(nil)

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if !h[i].deadline.Equal(h[j].deadline) {
		return h[i].deadline.Before(h[j].deadline)
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	j := x.(*Job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}
