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
	"osbyte.dev/netstack/pkg/tcpip/seqnum"
	"osbyte.dev/netstack/pkg/tcpip/stack"
	"osbyte.dev/netstack/pkg/waiter"
)

// Listen puts the endpoint in "listen" mode, which allows it to accept new
// connections. An unbound endpoint is bound to an ephemeral port first.
func (e *endpoint) Listen(backlog int) *tcpip.Error {
	if backlog < 1 {
		backlog = 1
	}
	if limit := e.protocol.opts.MaxBacklog; backlog > limit {
		backlog = limit
	}

	switch e.state {
	case StateListen:
		// Adjusting the backlog of a listener is allowed.
		e.backlog = backlog
		return nil
	case StateInitial:
		if err := e.Bind(tcpip.FullAddress{}); err != nil {
			return err
		}
	case StateBound:
	default:
		return tcpip.ErrInvalidEndpointState
	}

	if err := e.stack.RegisterTransportEndpoint(e.netProtos(), ProtocolNumber, e.id, e, false, e.bindToDevice); err != nil {
		return err
	}
	e.isRegistered = true
	e.backlog = backlog
	e.synRcvd = make(map[*endpoint]struct{})
	e.setState(StateListen)
	return nil
}

// Accept returns a new endpoint if a peer has established a connection
// to an endpoint previously set to listen mode.
func (e *endpoint) Accept() (stack.Endpoint, *waiter.Queue, *tcpip.Error) {
	if e.state != StateListen {
		return nil, nil, tcpip.ErrInvalidEndpointState
	}
	if len(e.acceptQueue) == 0 {
		return nil, nil, tcpip.ErrWouldBlock
	}
	n := e.acceptQueue[0]
	e.acceptQueue[0] = nil
	e.acceptQueue = e.acceptQueue[1:]
	return n, n.waiterQueue, nil
}

// handleListenSegment is called when a listening endpoint receives a segment
// and needs to handle it.
func (e *endpoint) handleListenSegment(s *segment) {
	switch {
	case s.flagIsSet(header.TCPFlagRst):
		return
	case s.flagIsSet(header.TCPFlagAck):
		// RFC 793 page 65: an ACK to a listener is answered with a reset.
		replyWithReset(e.stack, s)
		return
	case !s.flagIsSet(header.TCPFlagSyn):
		return
	}

	if len(e.synRcvd)+len(e.acceptQueue) >= e.backlog {
		e.stack.Stats().TCP.ListenOverflowSynDrop.Increment()
		return
	}
	if err := e.createConnectingEndpoint(s); err != nil {
		log.Debugf("tcp: dropping SYN from %s:%d: %v", s.id.RemoteAddress, s.id.RemotePort, err)
	}
}

// createConnectingEndpoint creates a new endpoint in SYN-RCVD state for the
// peer's SYN and replies with a SYN-ACK. The new endpoint shares the
// listener's port.
func (e *endpoint) createConnectingEndpoint(s *segment) *tcpip.Error {
	r, err := e.stack.FindRouteLocked(s.nicID, s.id.LocalAddress, s.id.RemoteAddress, s.netProto)
	if err != nil {
		return err
	}

	n := newEndpoint(e.protocol, e.netProto, &waiter.Queue{})
	n.id = s.id
	n.route = r
	n.ttl = e.ttl
	n.bindToDevice = e.bindToDevice
	n.boundNICID = e.boundNICID
	n.rcvBufSize = e.rcvBufSize
	n.sndBufSize = e.sndBufSize

	if err := e.stack.RegisterTransportEndpoint(n.netProtos(), ProtocolNumber, n.id, n, false, n.bindToDevice); err != nil {
		return err
	}
	n.isRegistered = true
	n.listenEP = e

	n.initBuffers()
	n.amss = uint16(maxPayloadFor(r))
	if s.parsedOptions.WS >= 0 {
		n.synWndScale = FindWndScale(seqnum.Size(n.rcvBufSize))
	}
	n.snd = newSender(n, n.generateISS())
	n.negotiate(s)
	n.setState(StateSynRecv)
	e.synRcvd[n] = struct{}{}

	n.snd.sendSyn()
	return nil
}

// completePassiveOpen hands an endpoint that reached ESTABLISHED from
// SYN-RCVD to its listener's accept queue.
func (e *endpoint) completePassiveOpen() {
	l := e.listenEP
	if l == nil {
		// Simultaneous open.
		e.notify(waiter.EventOut)
		return
	}
	delete(l.synRcvd, e)
	e.listenEP = nil
	if l.state != StateListen {
		e.resetConnection(tcpip.ErrConnectionAborted)
		return
	}
	l.acceptQueue = append(l.acceptQueue, e)
	e.stack.Stats().TCP.PassiveConnectionOpenings.Increment()
	l.notify(waiter.EventIn)
}

// closeListener resets every connection the listener has not handed out
// yet and releases the listener.
func (e *endpoint) closeListener() {
	for n := range e.synRcvd {
		n.resetConnection(tcpip.ErrConnectionAborted)
	}
	for _, n := range e.acceptQueue {
		if n.state != StateClose {
			n.resetConnection(tcpip.ErrConnectionAborted)
		}
	}
	e.acceptQueue = nil
	e.synRcvd = nil
	e.cleanupLocked()
}

var _ stack.TransportEndpoint = (*endpoint)(nil)
