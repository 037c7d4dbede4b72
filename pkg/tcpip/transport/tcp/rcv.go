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
	"container/heap"

	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/seqnum"
)

// receiver holds the state necessary to receive TCP segments and turn them
// into a stream of bytes.
type receiver struct {
	ep *endpoint

	rcvNxt seqnum.Value

	// rcvAcc is one beyond the last acceptable sequence number. That is,
	// the "largest" sequence value that the receiver has announced to the
	// its peer that it's willing to accept. This may be different than
	// rcvNxt + rcvWnd if the receive window is reduced; in that case we
	// have to reduce the window as we receive more data instead of
	// shrinking it.
	rcvAcc seqnum.Value

	rcvWndScale uint8

	// closed is set once the peer's FIN is consumed.
	closed bool

	pendingRcvdSegments segmentHeap
	pendingBufUsed      seqnum.Size
	pendingBufSize      seqnum.Size
}

func newReceiver(ep *endpoint, irs seqnum.Value, rcvWnd seqnum.Size, rcvWndScale uint8) *receiver {
	return &receiver{
		ep:             ep,
		rcvNxt:         irs + 1,
		rcvAcc:         irs.Add(rcvWnd + 1),
		rcvWndScale:    rcvWndScale,
		pendingBufSize: seqnum.Size(ep.rcvBuf.Cap()),
	}
}

// acceptable checks if the segment sequence number range is acceptable
// according to the table on page 26 of RFC 793.
func (r *receiver) acceptable(segSeq seqnum.Value, segLen seqnum.Size) bool {
	rcvWnd := r.rcvNxt.Size(r.rcvAcc)
	if rcvWnd == 0 {
		return segLen == 0 && segSeq == r.rcvNxt
	}

	return segSeq.InWindow(r.rcvNxt, rcvWnd) ||
		seqnum.Overlap(r.rcvNxt, rcvWnd, segSeq, segLen)
}

// getSendParams returns the parameters needed by the sender when building
// segments to send.
func (r *receiver) getSendParams() (rcvNxt seqnum.Value, rcvWnd seqnum.Size) {
	// Calculate the window size based on the available buffer space.
	avail := r.ep.rcvBuf.Free()
	if limit := 0xffff << r.rcvWndScale; avail > limit {
		avail = limit
	}
	acc := r.rcvNxt.Add(seqnum.Size(avail))
	if r.rcvAcc.LessThan(acc) {
		r.rcvAcc = acc
	}
	return r.rcvNxt, r.rcvNxt.Size(r.rcvAcc) >> r.rcvWndScale
}

// windowUpdate is called after the owner reads data. If the window we last
// announced is too small to be useful and reading opened enough room, an
// ACK is sent right away so the peer can resume sending.
func (r *receiver) windowUpdate() {
	threshold := min(r.ep.snd.maxPayloadSize, r.ep.rcvBuf.Cap()/2)
	if int(r.rcvNxt.Size(r.rcvAcc)) >= threshold {
		return
	}
	if r.ep.rcvBuf.Free() < threshold {
		return
	}
	r.ep.snd.sendAck()
}

// consumeSegment delivers the part of s at and beyond rcvNxt to the receive
// buffer. It returns false if s starts beyond rcvNxt, which means a segment
// is missing.
func (r *receiver) consumeSegment(s *segment) bool {
	if r.rcvNxt.LessThan(s.sequenceNumber) {
		return false
	}
	if s.sequenceNumber.Add(seqnum.Size(len(s.data))).LessThan(r.rcvNxt) {
		// Everything was consumed before, FIN included.
		return true
	}

	// Trim segment to eliminate already acknowledged data.
	s.trimFront(s.sequenceNumber.Size(r.rcvNxt))
	if len(s.data) > 0 {
		n := r.ep.rcvBuf.Write(s.data)
		r.rcvNxt.UpdateForward(seqnum.Size(n))
		if n > 0 {
			r.ep.readyToRead()
		}
		if n < len(s.data) {
			// The peer overran the window. The rest, FIN included, will
			// be retransmitted.
			r.bumpAcc()
			return true
		}
	}

	if s.flagIsSet(header.TCPFlagFin) {
		r.rcvNxt++

		// Tell any readers that no more data will come.
		r.closed = true
		r.ep.readyToRead()
		r.ep.handleFin()

		// Nothing beyond the FIN will ever be consumed.
		r.pendingRcvdSegments = nil
		r.pendingBufUsed = 0
	}
	r.bumpAcc()
	return true
}

// bumpAcc keeps rcvAcc at or beyond rcvNxt when a sender overruns the
// window, so the window computed from them never wraps.
func (r *receiver) bumpAcc() {
	if r.rcvAcc.LessThan(r.rcvNxt) {
		r.rcvAcc = r.rcvNxt
	}
}

// handleRcvdSegment handles TCP segments directed at the connection managed by
// r as they arrive.
func (r *receiver) handleRcvdSegment(s *segment) {
	// We don't care about receive processing anymore if the receive side
	// is closed.
	if r.closed {
		return
	}

	if r.rcvNxt.LessThan(s.sequenceNumber) {
		// Keep out of order segments if there's room, and send a
		// duplicate ACK for the sender's fast retransmit.
		if r.pendingBufUsed < r.pendingBufSize {
			r.pendingBufUsed += s.logicalLen()
			heap.Push(&r.pendingRcvdSegments, s.clone())
		}
		r.ep.snd.sendAck()
		return
	}

	r.consumeSegment(s)

	// By consuming the current segment, we may have filled a gap in the
	// sequence number domain that allows pending segments to be consumed
	// now. So try to do it.
	for !r.closed && len(r.pendingRcvdSegments) > 0 {
		s := r.pendingRcvdSegments[0]
		if r.rcvNxt.LessThan(s.sequenceNumber) {
			break
		}
		heap.Pop(&r.pendingRcvdSegments)
		r.pendingBufUsed -= s.logicalLen()
		r.consumeSegment(s)
	}

	r.ep.snd.sendAck()
}
