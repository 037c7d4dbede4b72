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
	"osbyte.dev/netstack/pkg/log"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/ports"
	"osbyte.dev/netstack/pkg/tcpip/seqnum"
	"osbyte.dev/netstack/pkg/tcpip/stack"
	"osbyte.dev/netstack/pkg/waiter"
)

// maxSynOptionsSize is the room needed for the MSS and window scale options,
// padded.
const maxSynOptionsSize = 12

// Connect connects the endpoint to its peer. It sends a SYN and returns
// tcpip.ErrConnectStarted; waiters are notified with EventOut once the
// handshake completes, or with EventErr if it fails.
func (e *endpoint) Connect(addr tcpip.FullAddress) *tcpip.Error {
	switch e.state {
	case StateInitial, StateBound:
	case StateSynSent, StateSynRecv:
		return tcpip.ErrAlreadyConnecting
	case StateListen:
		return tcpip.ErrInvalidEndpointState
	case StateClose:
		if err := e.takeError(); err != nil {
			return err
		}
		return tcpip.ErrInvalidEndpointState
	default:
		return tcpip.ErrAlreadyConnected
	}

	if !addr.Addr.IsValid() || addr.Port == 0 {
		// We don't support connecting to port zero.
		return tcpip.ErrInvalidEndpointState
	}
	if err := e.checkFamily(addr.Addr); err != nil {
		return err
	}
	if addr.Addr.IsMulticast() || addr.Addr == header.IPv4Broadcast {
		return tcpip.ErrNetworkUnreachable
	}

	nicID := addr.NIC
	if bound := e.boundNIC(); bound != 0 {
		if nicID != 0 && nicID != bound {
			return tcpip.ErrNoRoute
		}
		nicID = bound
	}
	r, err := e.stack.FindRouteLocked(nicID, e.id.LocalAddress, addr.Addr, e.netProto)
	if err != nil {
		return err
	}
	if r.IsOutboundBroadcast() {
		return tcpip.ErrNetworkUnreachable
	}

	id := stack.TransportEndpointID{
		LocalAddress:  r.LocalAddress,
		LocalPort:     e.id.LocalPort,
		RemoteAddress: r.RemoteAddress,
		RemotePort:    addr.Port,
	}
	var res ports.Reservation
	reserved := false
	if id.LocalPort == 0 {
		// An ephemeral port only has to be unique for the destination.
		res = e.reservation(id.LocalAddress, 0, tcpip.FullAddress{Addr: id.RemoteAddress, Port: id.RemotePort})
		port, err := e.stack.Ports().ReservePort(res, nil)
		if err != nil {
			return err.(*tcpip.Error)
		}
		res.Port = port
		id.LocalPort = port
		reserved = true
	}
	if err := e.stack.RegisterTransportEndpoint(e.netProtos(), ProtocolNumber, id, e, false, e.bindToDevice); err != nil {
		if reserved {
			e.stack.Ports().ReleasePort(res)
		}
		return err
	}
	if reserved {
		e.portRes = res
		e.isPortReserved = true
	}
	e.isRegistered = true
	e.id = id
	e.route = r
	e.initBuffers()
	e.amss = uint16(maxPayloadFor(r))
	e.synWndScale = FindWndScale(seqnum.Size(e.rcvBufSize))
	e.snd = newSender(e, e.generateISS())
	e.setState(StateSynSent)
	e.stack.Stats().TCP.ActiveConnectionOpenings.Increment()
	log.Debugf("tcp: connecting %s:%d -> %s:%d", id.LocalAddress, id.LocalPort, id.RemoteAddress, id.RemotePort)

	e.snd.sendSyn()
	return tcpip.ErrConnectStarted
}

// generateISS returns a new initial send sequence number.
func (e *endpoint) generateISS() seqnum.Value {
	return seqnum.Value(e.stack.Rand().Uint32())
}

// synWindow returns the window advertised in SYN segments, which is never
// scaled.
func (e *endpoint) synWindow() seqnum.Size {
	wnd := e.rcvBuf.Free()
	if wnd > 0xffff {
		wnd = 0xffff
	}
	return seqnum.Size(wnd)
}

// negotiate sets up the receiver and the sender parameters from the peer's
// SYN, as per RFC 7323 section 2.2: window scaling is used only if both
// sides sent the option.
func (e *endpoint) negotiate(s *segment) {
	opts := s.parsedOptions
	sndWndScale, rcvWndScale := 0, 0
	if opts.WS >= 0 && e.synWndScale >= 0 {
		sndWndScale = opts.WS
		rcvWndScale = e.synWndScale
	}

	mss := int(opts.MSS)
	if limit := maxPayloadFor(e.route); mss > limit {
		mss = limit
	}

	e.rcv = newReceiver(e, s.sequenceNumber, e.synWindow(), uint8(rcvWndScale))
	e.snd.maxPayloadSize = mss
	e.snd.sndWndScale = uint8(sndWndScale)
	e.snd.sndWnd = s.window
	e.snd.sndWl1 = s.sequenceNumber
	e.snd.sndWl2 = s.ackNumber
}

// handleSynSent processes a segment received in SYN-SENT, as per RFC 793
// page 66.
func (e *endpoint) handleSynSent(s *segment) {
	// An ACK must acknowledge our SYN and nothing else.
	if s.flagIsSet(header.TCPFlagAck) && s.ackNumber != e.snd.sndNxt {
		if !s.flagIsSet(header.TCPFlagRst) {
			replyWithReset(e.stack, s)
		}
		return
	}

	if s.flagIsSet(header.TCPFlagRst) {
		// A reset without an ACK can't be validated.
		if s.flagIsSet(header.TCPFlagAck) {
			stats := e.stack.Stats()
			stats.TCP.ResetsReceived.Increment()
			stats.TCP.FailedConnectionAttempts.Increment()
			e.hardError = tcpip.ErrConnectionRefused
			e.cleanupLocked()
		}
		return
	}

	if !s.flagIsSet(header.TCPFlagSyn) {
		return
	}

	e.negotiate(s)
	if !s.flagIsSet(header.TCPFlagAck) {
		// Simultaneous open: our SYN is repeated as a SYN-ACK.
		e.setState(StateSynRecv)
		e.snd.retransmitSyn()
		return
	}

	e.setState(StateEstablished)
	e.snd.ackUpTo(s.ackNumber)
	e.snd.sendAck()
	e.notify(waiter.EventOut)
	log.Debugf("tcp: established %s:%d -> %s:%d", e.id.LocalAddress, e.id.LocalPort, e.id.RemoteAddress, e.id.RemotePort)
}

// handleSegment processes a segment received in a synchronized state, or
// the ACK completing a handshake in SYN-RCVD, as per RFC 793 pages 69-76.
func (e *endpoint) handleSegment(s *segment) {
	if e.state == StateSynSent {
		e.handleSynSent(s)
		return
	}

	if e.state == StateTimeWait && s.flagIsSet(header.TCPFlagFin) && !s.flagIsSet(header.TCPFlagRst) {
		// The peer retransmitted its FIN, so our last ACK was lost.
		e.snd.sendAck()
		e.timeWaitTimer.enable(e.protocol.opts.TimeWaitTimeout)
		return
	}

	segLen := seqnum.Size(len(s.data))
	if !e.rcv.acceptable(s.sequenceNumber, segLen) {
		e.stack.Stats().TCP.OutOfWindowSegments.Increment()
		if !s.flagIsSet(header.TCPFlagRst) {
			e.snd.sendAck()
		}
		return
	}

	if s.flagIsSet(header.TCPFlagRst) {
		// RFC 5961 section 3.2: a reset is only accepted at exactly the
		// next expected sequence number. Others in the window get a
		// challenge ACK.
		if s.sequenceNumber == e.rcv.rcvNxt {
			e.handleReset()
		} else {
			e.snd.sendAck()
		}
		return
	}

	if s.flagIsSet(header.TCPFlagSyn) {
		// RFC 5961 section 4.2: challenge ACK.
		e.snd.sendAck()
		return
	}

	if !s.flagIsSet(header.TCPFlagAck) {
		return
	}

	passiveOpen := false
	if e.state == StateSynRecv {
		if !s.ackNumber.InRange(e.snd.sndUna+1, e.snd.sndNxt+1) {
			replyWithReset(e.stack, s)
			return
		}
		e.setState(StateEstablished)
		passiveOpen = true
	}

	if !e.snd.handleRcvdSegment(s) {
		return
	}
	if passiveOpen {
		e.completePassiveOpen()
		if e.state == StateClose {
			return
		}
	}

	// Our FIN is the last sequence number we send; once it's acknowledged
	// the closing states advance.
	if e.snd.finSent && e.snd.sndUna == e.snd.sndNxt {
		switch e.state {
		case StateFinWait1:
			e.setState(StateFinWait2)
			if e.closed {
				e.timeWaitTimer.enable(e.protocol.opts.LingerTimeout)
			}
		case StateClosing:
			e.enterTimeWait()
		case StateLastAck:
			e.cleanupLocked()
			return
		}
	}

	if segLen == 0 && !s.flagIsSet(header.TCPFlagFin) {
		return
	}
	switch e.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
	default:
		return
	}
	if e.closed && segLen > 0 {
		// Nobody will read the data.
		e.resetConnection(tcpip.ErrConnectionAborted)
		return
	}
	e.rcv.handleRcvdSegment(s)
}

// handleFin advances the state when the peer's FIN is consumed.
func (e *endpoint) handleFin() {
	switch e.state {
	case StateEstablished:
		e.setState(StateCloseWait)
	case StateFinWait1:
		// Simultaneous close, expecting a final ACK.
		e.setState(StateClosing)
	case StateFinWait2:
		e.enterTimeWait()
	}
}

// enterTimeWait moves the endpoint to TIME_WAIT, where it absorbs late
// segments of the connection until the timeout.
func (e *endpoint) enterTimeWait() {
	e.setState(StateTimeWait)
	e.snd.resendTimer.disable()
	e.timeWaitTimer.enable(e.protocol.opts.TimeWaitTimeout)
}

// handleReset terminates the connection after an acceptable reset.
func (e *endpoint) handleReset() {
	stats := e.stack.Stats()
	stats.TCP.ResetsReceived.Increment()
	switch e.state {
	case StateSynRecv:
		stats.TCP.FailedConnectionAttempts.Increment()
		e.hardError = tcpip.ErrConnectionRefused
	case StateEstablished, StateCloseWait:
		stats.TCP.EstablishedResets.Increment()
		e.hardError = tcpip.ErrConnectionReset
	default:
		// FIN_WAIT_1, FIN_WAIT_2, CLOSING, LAST_ACK and TIME_WAIT. The
		// handle may still be open after a half close.
		e.hardError = tcpip.ErrConnectionReset
	}
	e.cleanupLocked()
}

// resetConnection sends a reset to the peer and terminates the connection
// with err.
func (e *endpoint) resetConnection(err *tcpip.Error) {
	e.sendReset()
	if e.state == StateEstablished || e.state == StateCloseWait {
		e.stack.Stats().TCP.EstablishedResets.Increment()
	}
	e.hardError = err
	e.cleanupLocked()
}

// sendReset sends a reset at the next sequence number.
func (e *endpoint) sendReset() {
	if e.snd == nil || e.rcv == nil {
		return
	}
	e.sendRaw(nil, header.TCPFlagRst|header.TCPFlagAck, e.snd.sndNxt, nil)
}

// sendRaw sends a segment of the connection with the current receive
// parameters.
func (e *endpoint) sendRaw(data []byte, flags header.TCPFlags, seq seqnum.Value, opts []byte) *tcpip.Error {
	var (
		rcvNxt seqnum.Value
		rcvWnd seqnum.Size
	)
	switch {
	case flags.Contains(header.TCPFlagSyn):
		rcvWnd = e.synWindow()
		if e.rcv != nil {
			rcvNxt = e.rcv.rcvNxt
		}
	case e.rcv != nil:
		rcvNxt, rcvWnd = e.rcv.getSendParams()
	}
	return sendTCP(e.route, tcpFields{
		id:     e.id,
		ttl:    e.ttl,
		flags:  flags,
		seq:    seq,
		ack:    rcvNxt,
		rcvWnd: rcvWnd,
		opts:   opts,
	}, data)
}

// tcpFields is a struct to carry different parameters required by the
// send*TCP variant functions below.
type tcpFields struct {
	id     stack.TransportEndpointID
	ttl    uint8
	flags  header.TCPFlags
	seq    seqnum.Value
	ack    seqnum.Value
	rcvWnd seqnum.Size
	opts   []byte
}

// sendTCP sends a TCP segment with the provided options via the provided
// network endpoint and under the provided identity.
func sendTCP(r *stack.Route, tf tcpFields, data []byte) *tcpip.Error {
	optLen := len(tf.opts)
	if tf.rcvWnd > 0xffff {
		tf.rcvWnd = 0xffff
	}

	b := make([]byte, header.TCPMinimumSize+optLen+len(data))
	tcp := header.TCP(b)
	tcp.Encode(&header.TCPFields{
		SrcPort:    tf.id.LocalPort,
		DstPort:    tf.id.RemotePort,
		SeqNum:     uint32(tf.seq),
		AckNum:     uint32(tf.ack),
		DataOffset: uint8(header.TCPMinimumSize + optLen),
		Flags:      tf.flags,
		WindowSize: uint16(tf.rcvWnd),
	})
	copy(b[header.TCPMinimumSize:], tf.opts)
	copy(b[header.TCPMinimumSize+optLen:], data)

	xsum := r.PseudoHeaderChecksum(ProtocolNumber, uint16(len(b)))
	tcp.SetChecksum(^header.Checksum(b, xsum))

	if err := r.WritePacket(stack.NetworkHeaderParams{Protocol: ProtocolNumber, TTL: tf.ttl}, b); err != nil {
		return err
	}
	stats := r.Stats()
	stats.TCP.SegmentsSent.Increment()
	if tf.flags.Contains(header.TCPFlagRst) {
		stats.TCP.ResetsSent.Increment()
	}
	return nil
}

// makeSynOptions returns the options of a SYN segment: the MSS, and the
// window scale unless wndScale is negative.
func makeSynOptions(mss uint16, wndScale int) []byte {
	options := make([]byte, maxSynOptionsSize)
	offset := header.EncodeMSSOption(uint32(mss), options)
	if wndScale >= 0 {
		offset += header.EncodeNOP(options[offset:])
		offset += header.EncodeWSOption(wndScale, options[offset:])
	}
	offset += header.AddTCPOptionPadding(options, offset)
	return options[:offset]
}
