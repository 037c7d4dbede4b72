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

// Package buffer provides the fixed capacity byte ring that backs TCP send
// and receive queues.
package buffer

// Ring is a fixed capacity FIFO of bytes. Writes beyond the free space are
// truncated and reported through the returned count; the ring never grows.
type Ring struct {
	buf  []byte
	head int
	size int
}

// NewRing returns an empty ring holding at most capacity bytes.
func NewRing(capacity int) *Ring {
	return &Ring{buf: make([]byte, capacity)}
}

// Len returns the number of buffered bytes.
func (r *Ring) Len() int {
	return r.size
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Free returns the number of bytes that can be written.
func (r *Ring) Free() int {
	return len(r.buf) - r.size
}

// Write appends as much of p as fits and returns the number of bytes stored.
func (r *Ring) Write(p []byte) int {
	n := 0
	for n < len(p) && r.size < len(r.buf) {
		tail := (r.head + r.size) % len(r.buf)
		end := len(r.buf)
		if tail < r.head {
			end = r.head
		}
		c := copy(r.buf[tail:end], p[n:])
		n += c
		r.size += c
	}
	return n
}

// Peek copies up to len(p) bytes starting off bytes into the ring without
// consuming them.
func (r *Ring) Peek(p []byte, off int) int {
	if off >= r.size {
		return 0
	}
	avail := r.size - off
	if len(p) > avail {
		p = p[:avail]
	}
	start := (r.head + off) % len(r.buf)
	n := copy(p, r.buf[start:])
	if n < len(p) {
		n += copy(p[n:], r.buf)
	}
	return n
}

// Read consumes up to len(p) bytes into p.
func (r *Ring) Read(p []byte) int {
	n := r.Peek(p, 0)
	r.Discard(n)
	return n
}

// Discard drops the first n buffered bytes.
func (r *Ring) Discard(n int) {
	if n > r.size {
		n = r.size
	}
	if n == 0 {
		return
	}
	r.head = (r.head + n) % len(r.buf)
	r.size -= n
	if r.size == 0 {
		r.head = 0
	}
}
