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

package fragmentation

import (
	"container/heap"
	"container/list"
	"fmt"
	"math"

	"osbyte.dev/netstack/pkg/tcpip"
)

type hole struct {
	first   uint16
	last    uint16
	deleted bool
}

type reassembler struct {
	id      FragmentID
	size    int
	holes   []hole
	deleted int
	heap    fragHeap
	done    bool

	// finalLast is the last byte of the datagram, known once the fragment
	// without the more-fragments flag arrives.
	finalLast  uint16
	finalKnown bool
	// maxLast is the largest byte offset seen so far.
	maxLast uint16

	// firstFragment is the header and data of the fragment at offset zero.
	firstFragment []byte

	timeoutJob *tcpip.Job
	elem       *list.Element
}

func newReassembler(id FragmentID) *reassembler {
	r := &reassembler{
		id:    id,
		holes: make([]hole, 0, 16),
		heap:  make(fragHeap, 0, 8),
	}
	r.holes = append(r.holes, hole{
		first:   0,
		last:    math.MaxUint16,
		deleted: false})
	return r
}

// updateHoles updates the list of holes for an incoming fragment and
// returns true iff the fragment filled at least part of an existing hole.
func (r *reassembler) updateHoles(first, last uint16, more bool) bool {
	used := false
	for i := range r.holes {
		if r.holes[i].deleted || first > r.holes[i].last || last < r.holes[i].first {
			continue
		}
		used = true
		r.deleted++
		r.holes[i].deleted = true
		if first > r.holes[i].first {
			r.holes = append(r.holes, hole{r.holes[i].first, first - 1, false})
		}
		if last < r.holes[i].last && more {
			r.holes = append(r.holes, hole{last + 1, r.holes[i].last, false})
		}
	}
	return used
}

// process adds a fragment. It returns the reassembled payload once no holes
// remain, and the number of bytes newly stored.
func (r *reassembler) process(first, last uint16, more bool, hdr, data []byte) ([]byte, bool, int, error) {
	if r.done {
		return nil, false, 0, nil
	}
	if r.finalKnown {
		if last > r.finalLast || (!more && last != r.finalLast) {
			return nil, false, 0, ErrFragmentConflict
		}
	} else if !more {
		if last < r.maxLast {
			return nil, false, 0, ErrFragmentConflict
		}
		r.finalLast = last
		r.finalKnown = true
	}
	if last > r.maxLast {
		r.maxLast = last
	}

	consumed := 0
	if r.updateHoles(first, last, more) {
		// We store the incoming packet only if it filled some holes.
		heap.Push(&r.heap, fragment{offset: first, data: append([]byte(nil), data...)})
		consumed = len(data)
		r.size += consumed
		if first == 0 && r.firstFragment == nil {
			r.firstFragment = make([]byte, 0, len(hdr)+len(data))
			r.firstFragment = append(r.firstFragment, hdr...)
			r.firstFragment = append(r.firstFragment, data...)
		}
	}
	// Check if all the holes have been deleted and we are ready to reassemble.
	if r.deleted < len(r.holes) {
		return nil, false, consumed, nil
	}
	res, err := r.heap.reassemble()
	if err != nil {
		panic(fmt.Sprintf("reassemble failed with: %v. There is probably a bug in the code handling the holes.", err))
	}
	return res, true, consumed, nil
}
