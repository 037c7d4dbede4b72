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

// Package fragmentation implements reassembly of fragmented IPv4 datagrams.
package fragmentation

import (
	"container/list"
	"errors"
	"net/netip"
	"sync"
	"time"

	"osbyte.dev/netstack/pkg/log"
	"osbyte.dev/netstack/pkg/tcpip"
)

const (
	// HighFragThreshold is the threshold at which we start trimming old
	// fragmented packets. Linux uses a default value of 4 MB. See
	// net.ipv4.ipfrag_high_thresh for more information.
	HighFragThreshold = 4 << 20 // 4MB

	// LowFragThreshold is the threshold we reach to when we start dropping
	// older fragmented packets. It's important that we keep enough room for
	// newer packets to be re-assembled. Hence, this needs to be lower than
	// HighFragThreshold enough. Linux uses a default value of 3 MB. See
	// net.ipv4.ipfrag_low_thresh for more information.
	LowFragThreshold = 3 << 20 // 3MB

	// DefaultReassembleTimeout is the maximum time a fragment set may wait
	// for its missing pieces, as per RFC 791.
	DefaultReassembleTimeout = 30 * time.Second

	// DefaultMaxReassemblers bounds the number of datagrams being reassembled
	// at once.
	DefaultMaxReassemblers = 64
)

var (
	// ErrInvalidArgs indicates to the caller that an invalid argument was
	// provided.
	ErrInvalidArgs = errors.New("invalid args")

	// ErrFragmentConflict indicates that, during reassembly, a fragment
	// contradicts the datagram's already known end.
	ErrFragmentConflict = errors.New("conflicting fragments")
)

// FragmentID is the identifier for a fragment.
type FragmentID struct {
	// Source is the source address of the fragment.
	Source netip.Addr

	// Destination is the destination address of the fragment.
	Destination netip.Addr

	// ID is the identification value of the fragment.
	ID uint32

	// Protocol is the protocol number of the fragment.
	Protocol uint8
}

// TimeoutHandler is consulted if a packet reassembly has timed out.
type TimeoutHandler interface {
	// OnReassemblyTimeout will be called with the first fragment (header and
	// data) when reassembly of a datagram times out, or nil if the fragment
	// at offset zero was never received.
	OnReassemblyTimeout(id FragmentID, first []byte)
}

// Options configures a Fragmentation.
type Options struct {
	// HighLimit and LowLimit are the memory watermarks, in bytes of stored
	// fragment data. Crossing HighLimit evicts the oldest reassemblies until
	// usage falls to LowLimit.
	HighLimit int
	LowLimit  int

	// MaxReassemblers bounds the number of concurrent reassemblies.
	MaxReassemblers int

	// Timeout is how long a reassembly may stay incomplete.
	Timeout time.Duration
}

func (o *Options) setDefaults() {
	if o.HighLimit <= 0 {
		o.HighLimit = HighFragThreshold
	}
	if o.LowLimit <= 0 || o.LowLimit > o.HighLimit {
		o.LowLimit = o.HighLimit * 3 / 4
	}
	if o.MaxReassemblers <= 0 {
		o.MaxReassemblers = DefaultMaxReassemblers
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultReassembleTimeout
	}
}

// Fragmentation is the main structure that other modules of the stack should
// use to implement IP Fragmentation.
//
// It is not safe for concurrent use: every method must be called with the
// locker passed to NewFragmentation held, which is also the lock its
// timeout jobs run under.
type Fragmentation struct {
	opts         Options
	reassemblers map[FragmentID]*reassembler
	// rList holds reassemblers from oldest to newest.
	rList   list.List
	size    int
	queue   *tcpip.TimerQueue
	locker  sync.Locker
	handler TimeoutHandler
}

// NewFragmentation creates a new Fragmentation.
//
// Reassembly timeouts are scheduled on q and run with locker held; handler
// may be nil.
func NewFragmentation(opts Options, q *tcpip.TimerQueue, locker sync.Locker, handler TimeoutHandler) *Fragmentation {
	opts.setDefaults()
	return &Fragmentation{
		opts:         opts,
		reassemblers: make(map[FragmentID]*reassembler),
		queue:        q,
		locker:       locker,
		handler:      handler,
	}
}

// MemoryUsed returns the number of fragment payload bytes held.
func (f *Fragmentation) MemoryUsed() int {
	return f.size
}

// InFlight returns the number of datagrams being reassembled.
func (f *Fragmentation) InFlight() int {
	return len(f.reassemblers)
}

// Process processes an incoming fragment belonging to an ID and returns the
// reassembled payload when all the fragments have been seen.
//
// first and last are the byte offsets of the fragment's data within the
// datagram payload, inclusive. hdr is the fragment's network header; it is
// kept for the fragment at offset zero so a timeout can quote it.
func (f *Fragmentation) Process(id FragmentID, first, last uint16, more bool, hdr, data []byte) ([]byte, bool, error) {
	if first > last || int(last-first)+1 != len(data) {
		return nil, false, ErrInvalidArgs
	}
	if more && len(data)%8 != 0 {
		// Every fragment but the last must carry a multiple of 8 bytes, as per
		// RFC 791 section 3.2.
		return nil, false, ErrInvalidArgs
	}

	r, ok := f.reassemblers[id]
	if !ok {
		if len(f.reassemblers) >= f.opts.MaxReassemblers {
			f.release(f.rList.Front().Value.(*reassembler))
		}
		r = newReassembler(id)
		r.timeoutJob = tcpip.NewJob(f.queue, f.locker, func() {
			f.timeout(r)
		})
		r.timeoutJob.Schedule(f.opts.Timeout)
		r.elem = f.rList.PushBack(r)
		f.reassemblers[id] = r
	}

	res, done, consumed, err := r.process(first, last, more, hdr, data)
	if err != nil {
		// Mark the whole reassembly as corrupt.
		f.release(r)
		return nil, false, err
	}
	f.size += consumed
	if done {
		f.release(r)
		return res, true, nil
	}

	// Evict reassemblers if we are consuming more memory than highLimit until
	// we reach lowLimit.
	if f.size > f.opts.HighLimit {
		for f.size > f.opts.LowLimit {
			oldest := f.rList.Front()
			if oldest == nil {
				break
			}
			log.Debugf("fragmentation: evicting %+v, %d bytes in use", oldest.Value.(*reassembler).id, f.size)
			f.release(oldest.Value.(*reassembler))
		}
	}
	return nil, false, nil
}

func (f *Fragmentation) release(r *reassembler) {
	if r.done {
		return
	}
	r.done = true
	r.timeoutJob.Cancel()
	delete(f.reassemblers, r.id)
	f.rList.Remove(r.elem)
	f.size -= r.size
	if f.size < 0 {
		log.Warningf("fragmentation: memory counter underflow: %d", f.size)
		f.size = 0
	}
}

func (f *Fragmentation) timeout(r *reassembler) {
	if r.done {
		return
	}
	first := r.firstFragment
	f.release(r)
	if f.handler != nil {
		f.handler.OnReassemblyTimeout(r.id, first)
	}
}

// Release drops every reassembly in progress.
func (f *Fragmentation) Release() {
	for e := f.rList.Front(); e != nil; e = f.rList.Front() {
		f.release(e.Value.(*reassembler))
	}
}
