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

package tcp

import (
	"math"
	"time"

	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/seqnum"
	"osbyte.dev/netstack/pkg/waiter"
)

const (
	// InitialCwnd is the initial congestion window, in packets.
	InitialCwnd = 10

	// nDupAckThreshold is the number of duplicate ACKs required
	// before fast-retransmit is entered.
	nDupAckThreshold = 3
)

// sentSegment is an entry of the retransmission queue. The payload is not
// kept; it's read back from the send buffer when (re)transmitted.
type sentSegment struct {
	seq seqnum.Value

	// len is the length in sequence number space, SYN and FIN included.
	len   seqnum.Size
	flags header.TCPFlags

	xmitTime  tcpip.MonotonicTime
	xmitCount int
	lost      bool
}

func (sg *sentSegment) dataLen() int {
	n := int(sg.len)
	if sg.flags.Contains(header.TCPFlagSyn) {
		n--
	}
	if sg.flags.Contains(header.TCPFlagFin) {
		n--
	}
	return n
}

// rtt holds the smoothed round-trip time estimate of RFC 6298.
type rtt struct {
	srtt       time.Duration
	rttvar     time.Duration
	srttInited bool
}

// fastRecovery holds information related to fast recovery from a packet loss.
type fastRecovery struct {
	// active whether the endpoint is in fast recovery.
	active bool

	// last is the final sequence number covered by the recovery. Once it
	// is acknowledged, recovery ends.
	last seqnum.Value
}

// sender holds the state necessary to send TCP segments.
type sender struct {
	ep *endpoint

	iss    seqnum.Value
	sndUna seqnum.Value
	sndNxt seqnum.Value

	// sndWnd is the send window size, already scaled.
	sndWnd      seqnum.Size
	sndWndScale uint8
	sndWl1      seqnum.Value
	sndWl2      seqnum.Value

	// bufStart is the sequence number of the first byte in the send
	// buffer.
	bufStart seqnum.Value

	// finQueued is set once the owner shuts down writing; the FIN follows
	// the last byte of the send buffer. finSent is set when it goes out.
	finQueued bool
	finSent   bool

	// maxPayloadSize is the size of the largest segment we send.
	maxPayloadSize int

	// writeList holds the unacknowledged segments in sequence order.
	writeList []*sentSegment

	// sndCwnd is the congestion window, in packets.
	sndCwnd int

	// sndSsthresh is the threshold between slow start and congestion
	// avoidance.
	sndSsthresh int

	// sndCAAckCount is the number of packets acknowledged during
	// congestion avoidance. When enough packets have been ack'd (typically
	// cwnd packets), the congestion window is incremented by one.
	sndCAAckCount int

	dupAckCount int
	fr          fastRecovery
	cc          congestionControl

	rtt     rtt
	rto     time.Duration
	retries int

	resendTimer timer
}

func newSender(ep *endpoint, iss seqnum.Value) *sender {
	s := &sender{
		ep:             ep,
		iss:            iss,
		sndUna:         iss,
		sndNxt:         iss,
		bufStart:       iss + 1,
		maxPayloadSize: header.TCPDefaultMSS,
		sndCwnd:        InitialCwnd,
		sndSsthresh:    math.MaxInt,
		rto:            ep.protocol.opts.InitialRTO,
	}
	s.cc = newRenoCC(s)
	s.resendTimer.init(ep.stack, s.retransmitTimerExpired)
	return s
}

// inFlight returns the number of packets believed to be in the network.
func (s *sender) inFlight() int {
	n := 0
	for _, seg := range s.writeList {
		if !seg.lost {
			n++
		}
	}
	return n
}

// unsent returns the number of buffered bytes that were never sent.
func (s *sender) unsent() int {
	if s.sndNxt.LessThan(s.bufStart) {
		return 0
	}
	sent := int(s.bufStart.Size(s.sndNxt))
	if s.finSent {
		sent--
	}
	return s.ep.sndBuf.Len() - sent
}

// sendSyn queues and sends the SYN, or the SYN-ACK of a passive open.
func (s *sender) sendSyn() {
	seg := &sentSegment{seq: s.iss, len: 1, flags: header.TCPFlagSyn}
	s.writeList = append(s.writeList, seg)
	s.sndNxt = s.iss + 1
	s.transmit(seg)
	s.resendTimer.enable(s.rto)
}

// retransmitSyn resends the SYN right away.
func (s *sender) retransmitSyn() {
	if len(s.writeList) == 0 {
		return
	}
	s.retransmit(s.writeList[0])
	s.resendTimer.enable(s.rto)
}

// sendAck sends an ACK segment.
func (s *sender) sendAck() {
	s.ep.sendRaw(nil, header.TCPFlagAck, s.sndNxt, nil)
}

// transmit puts seg on the wire.
func (s *sender) transmit(seg *sentSegment) {
	seg.xmitTime = s.ep.stack.Clock().NowMonotonic()
	seg.xmitCount++
	seg.lost = false

	flags := seg.flags
	if s.ep.state != StateSynSent {
		flags |= header.TCPFlagAck
	}
	var data []byte
	if n := seg.dataLen(); n > 0 {
		data = make([]byte, n)
		s.ep.sndBuf.Peek(data, int(s.bufStart.Size(seg.seq)))
	}
	var opts []byte
	if seg.flags.Contains(header.TCPFlagSyn) {
		opts = makeSynOptions(s.ep.amss, s.ep.synWndScale)
	}
	// Failures are recovered by retransmission.
	s.ep.sendRaw(data, flags, seg.seq, opts)
}

func (s *sender) retransmit(seg *sentSegment) {
	s.ep.stack.Stats().TCP.Retransmits.Increment()
	s.transmit(seg)
}

// nextSegment carves the next new segment out of the send buffer, or
// returns nil if nothing can be sent.
func (s *sender) nextSegment() *sentSegment {
	switch s.ep.state {
	case StateEstablished, StateCloseWait, StateFinWait1, StateLastAck:
	default:
		return nil
	}
	if s.finSent {
		return nil
	}

	unsent := s.unsent()
	room := 0
	if wndEnd := s.sndUna.Add(s.sndWnd); s.sndNxt.LessThan(wndEnd) {
		room = int(s.sndNxt.Size(wndEnd))
	}
	n := min(unsent, s.maxPayloadSize, room)

	// A FIN alone ignores the window.
	fin := s.finQueued && n == unsent
	if n == 0 && !fin {
		return nil
	}
	var flags header.TCPFlags
	if n > 0 && n == unsent {
		flags |= header.TCPFlagPsh
	}
	l := seqnum.Size(n)
	if fin {
		flags |= header.TCPFlagFin
		l++
	}
	return &sentSegment{seq: s.sndNxt, len: l, flags: flags}
}

// sendData sends lost segments and new data as far as the congestion and
// send windows allow.
func (s *sender) sendData() {
	for _, seg := range s.writeList {
		if s.inFlight() >= s.sndCwnd {
			break
		}
		if seg.lost {
			s.retransmit(seg)
		}
	}

	for s.inFlight() < s.sndCwnd {
		seg := s.nextSegment()
		if seg == nil {
			break
		}
		s.writeList = append(s.writeList, seg)
		s.sndNxt = seg.seq.Add(seg.len)
		if seg.flags.Contains(header.TCPFlagFin) {
			s.finSent = true
		}
		s.transmit(seg)
	}

	// With nothing outstanding the timer only runs to probe a zero window.
	if len(s.writeList) > 0 || (s.sndWnd == 0 && s.unsent() > 0) {
		if !s.resendTimer.enabled() {
			s.resendTimer.enable(s.rto)
		}
	}
}

// handleRcvdSegment processes the acknowledgment and window of a segment in
// a synchronized state, as per RFC 793 page 72. It returns false if the
// segment acknowledges something not yet sent, in which case it must be
// dropped.
func (s *sender) handleRcvdSegment(seg *segment) bool {
	ack := seg.ackNumber
	if s.sndNxt.LessThan(ack) {
		s.sendAck()
		return false
	}

	wasZero := s.sndWnd == 0
	windowChanged := false
	if s.sndWl1.LessThan(seg.sequenceNumber) || (s.sndWl1 == seg.sequenceNumber && s.sndWl2.LessThanEq(ack)) {
		wnd := seg.window << s.sndWndScale
		windowChanged = wnd != s.sndWnd
		s.sndWnd = wnd
		s.sndWl1 = seg.sequenceNumber
		s.sndWl2 = ack
	}

	switch {
	case ack == s.sndUna:
		if len(seg.data) == 0 && !seg.flagIsSet(header.TCPFlagSyn|header.TCPFlagFin) && !windowChanged && s.sndWnd != 0 && len(s.writeList) > 0 {
			s.handleDupAck()
		}
		if s.sndWnd == 0 {
			// The peer answers our probes.
			s.retries = 0
		}
	case s.sndUna.LessThan(ack):
		s.ackUpTo(ack)
	}

	if wasZero && s.sndWnd != 0 {
		// Probes sent into the closed window were dropped.
		for _, sg := range s.writeList {
			sg.lost = true
		}
	}

	s.sendData()
	return true
}

// handleDupAck counts a duplicate ACK and enters fast retransmit on the
// third one, as per RFC 6582.
func (s *sender) handleDupAck() {
	if s.fr.active {
		// Each duplicate ACK means a segment left the network.
		s.sndCwnd++
		return
	}
	s.dupAckCount++
	if s.dupAckCount < nDupAckThreshold {
		return
	}
	s.ep.stack.Stats().TCP.FastRetransmit.Increment()
	s.cc.HandleNDupAcks()
	s.fr.active = true
	s.fr.last = s.sndNxt - 1
	s.sndCwnd = s.sndSsthresh + nDupAckThreshold
	s.retransmit(s.writeList[0])
}

// ackUpTo releases the segments and send buffer space acknowledged by ack.
func (s *sender) ackUpTo(ack seqnum.Value) {
	now := s.ep.stack.Clock().NowMonotonic()
	var (
		sample  time.Duration
		sampled bool
		acked   int
	)
	for len(s.writeList) > 0 {
		seg := s.writeList[0]
		if ack.LessThan(seg.seq.Add(seg.len)) {
			if seg.seq.LessThan(ack) && !seg.flags.Contains(header.TCPFlagSyn) {
				n := seg.seq.Size(ack)
				seg.seq = ack
				seg.len -= n
			}
			break
		}
		// Karn's algorithm: retransmitted segments give no RTT sample.
		if seg.xmitCount == 1 {
			sample = now.Sub(seg.xmitTime)
			sampled = true
		}
		s.writeList[0] = nil
		s.writeList = s.writeList[1:]
		acked++
	}

	if s.bufStart.LessThan(ack) {
		n := int(s.bufStart.Size(ack))
		if l := s.ep.sndBuf.Len(); n > l {
			n = l
		}
		s.ep.sndBuf.Discard(n)
		s.bufStart.UpdateForward(seqnum.Size(n))
	}

	s.sndUna = ack
	if sampled {
		s.updateRTO(sample)
	}
	s.retries = 0
	s.dupAckCount = 0

	if s.fr.active {
		if s.fr.last.LessThan(ack) {
			s.sndCwnd = s.sndSsthresh
			s.fr.active = false
			s.cc.PostRecovery()
		} else if len(s.writeList) > 0 {
			// A partial ACK means the next hole is lost too.
			s.retransmit(s.writeList[0])
		}
	} else {
		s.cc.Update(acked)
	}

	if len(s.writeList) == 0 {
		s.resendTimer.disable()
	} else {
		s.resendTimer.enable(s.rto)
	}
	if s.ep.route != nil {
		s.ep.route.ConfirmReachable()
	}
	s.ep.notify(waiter.EventOut)
}

// updateRTO updates the retransmit timeout when a new round-trip time is
// available. This is done in accordance with section 2 of RFC 6298.
func (s *sender) updateRTO(rtt time.Duration) {
	if !s.rtt.srttInited {
		s.rtt.srtt = rtt
		s.rtt.rttvar = rtt / 2
		s.rtt.srttInited = true
	} else {
		diff := s.rtt.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		s.rtt.rttvar = (3*s.rtt.rttvar + diff) / 4
		s.rtt.srtt = (7*s.rtt.srtt + rtt) / 8
	}

	s.rto = s.rtt.srtt + max(time.Millisecond, 4*s.rtt.rttvar)
	opts := &s.ep.protocol.opts
	if s.rto < opts.MinRTO {
		s.rto = opts.MinRTO
	}
	if s.rto > opts.MaxRTO {
		s.rto = opts.MaxRTO
	}
}

// retransmitTimerExpired is called when the retransmit timer expires. It
// backs off and resends the oldest unacknowledged segment, or gives up on
// the connection once the retry limit is reached.
func (s *sender) retransmitTimerExpired() {
	if len(s.writeList) == 0 {
		if s.sndWnd == 0 && s.unsent() > 0 {
			s.sendZeroWindowProbe()
		}
		return
	}

	s.ep.stack.Stats().TCP.Timeouts.Increment()
	opts := &s.ep.protocol.opts
	limit := opts.MaxRetries
	if s.writeList[0].flags.Contains(header.TCPFlagSyn) {
		limit = opts.SynRetries
	}
	s.retries++
	if s.retries > limit {
		s.ep.timedOut()
		return
	}

	s.rto *= 2
	if s.rto > opts.MaxRTO {
		s.rto = opts.MaxRTO
	}
	s.cc.HandleRTOExpired()
	s.dupAckCount = 0
	s.fr.active = false
	for _, seg := range s.writeList {
		seg.lost = true
	}
	s.retransmit(s.writeList[0])
	s.resendTimer.enable(s.rto)
}

// sendZeroWindowProbe sends one byte beyond the peer's closed window so its
// answer carries the current window.
func (s *sender) sendZeroWindowProbe() {
	seg := &sentSegment{seq: s.sndNxt, len: 1}
	s.writeList = append(s.writeList, seg)
	s.sndNxt++
	s.transmit(seg)
	s.resendTimer.enable(s.rto)
}

// timedOut terminates a connection whose peer stopped answering.
func (e *endpoint) timedOut() {
	if e.state.connecting() {
		e.stack.Stats().TCP.FailedConnectionAttempts.Increment()
	}
	e.hardError = tcpip.ErrTimeout
	e.cleanupLocked()
}
