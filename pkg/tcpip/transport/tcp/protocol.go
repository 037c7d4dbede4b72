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

// Package tcp contains the implementation of the TCP transport protocol. To use
// it in the networking stack, pass tcp.NewProtocol (or the factory returned by
// NewProtocolWithOptions) as one of the transport protocols when calling
// stack.New(). Then sockets can be created by passing tcp.ProtocolNumber as
// the transport protocol number when calling Stack.Open().
package tcp

import (
	"time"

	"osbyte.dev/netstack/pkg/log"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/seqnum"
	"osbyte.dev/netstack/pkg/tcpip/stack"
	"osbyte.dev/netstack/pkg/waiter"
)

const (
	// ProtocolNumber is the tcp protocol number.
	ProtocolNumber = header.TCPProtocolNumber

	// MinBufferSize is the smallest size of a receive or send buffer.
	MinBufferSize = 4 << 10 // 4096 bytes.

	// DefaultSendBufferSize is the default size of the send buffer for
	// an endpoint.
	DefaultSendBufferSize = 256 << 10

	// DefaultReceiveBufferSize is the default size of the receive buffer
	// for an endpoint.
	DefaultReceiveBufferSize = 256 << 10

	// MaxBufferSize is the largest size a receive/send buffer can grow to.
	MaxBufferSize = 4 << 20 // 4MB

	// DefaultTCPTimeWaitTimeout is the amount of time that sockets linger
	// in TIME_WAIT state before being marked closed.
	DefaultTCPTimeWaitTimeout = 60 * time.Second

	// DefaultTCPLingerTimeout is the amount of time that closed sockets
	// linger in FIN_WAIT_2 state before being marked closed.
	DefaultTCPLingerTimeout = 60 * time.Second

	// DefaultInitialRTO is the retransmission timeout before any round
	// trip time was measured, as per RFC 6298 section 2.1.
	DefaultInitialRTO = time.Second

	// DefaultMinRTO is the lower bound of the retransmission timeout.
	DefaultMinRTO = 200 * time.Millisecond

	// DefaultMaxRTO is the upper bound of the retransmission timeout.
	DefaultMaxRTO = 60 * time.Second

	// DefaultMaxRetries is the number of retransmissions of a segment
	// after which the connection is aborted.
	DefaultMaxRetries = 15

	// DefaultSynRetries is the default value for the number of SYN retransmits
	// before a connect is aborted.
	DefaultSynRetries = 6

	// DefaultMaxBacklog bounds the backlog passed to Listen.
	DefaultMaxBacklog = 1024
)

// Options configures the TCP protocol of a stack.
type Options struct {
	// SendBufferSize and ReceiveBufferSize are the default socket buffer
	// sizes.
	SendBufferSize    int
	ReceiveBufferSize int

	// InitialRTO, MinRTO and MaxRTO bound the retransmission timeout.
	InitialRTO time.Duration
	MinRTO     time.Duration
	MaxRTO     time.Duration

	// MaxRetries is the number of retransmissions of data tolerated before
	// the connection times out; SynRetries is the same for SYNs.
	MaxRetries int
	SynRetries int

	// TimeWaitTimeout is how long a connection stays in TIME_WAIT.
	TimeWaitTimeout time.Duration

	// LingerTimeout is how long a closed connection waits in FIN_WAIT_2
	// for the peer's FIN.
	LingerTimeout time.Duration

	// MaxBacklog caps the backlog of listening endpoints.
	MaxBacklog int
}

// DefaultOptions returns the default protocol options.
func DefaultOptions() Options {
	return Options{
		SendBufferSize:    DefaultSendBufferSize,
		ReceiveBufferSize: DefaultReceiveBufferSize,
		InitialRTO:        DefaultInitialRTO,
		MinRTO:            DefaultMinRTO,
		MaxRTO:            DefaultMaxRTO,
		MaxRetries:        DefaultMaxRetries,
		SynRetries:        DefaultSynRetries,
		TimeWaitTimeout:   DefaultTCPTimeWaitTimeout,
		LingerTimeout:     DefaultTCPLingerTimeout,
		MaxBacklog:        DefaultMaxBacklog,
	}
}

// fillIn replaces unset fields with their defaults.
func (o *Options) fillIn() {
	d := DefaultOptions()
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = d.SendBufferSize
	}
	if o.ReceiveBufferSize <= 0 {
		o.ReceiveBufferSize = d.ReceiveBufferSize
	}
	o.SendBufferSize = clampBufferSize(o.SendBufferSize)
	o.ReceiveBufferSize = clampBufferSize(o.ReceiveBufferSize)
	if o.InitialRTO <= 0 {
		o.InitialRTO = d.InitialRTO
	}
	if o.MinRTO <= 0 {
		o.MinRTO = d.MinRTO
	}
	if o.MaxRTO < o.MinRTO {
		o.MaxRTO = d.MaxRTO
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.SynRetries <= 0 {
		o.SynRetries = d.SynRetries
	}
	if o.TimeWaitTimeout <= 0 {
		o.TimeWaitTimeout = d.TimeWaitTimeout
	}
	if o.LingerTimeout <= 0 {
		o.LingerTimeout = d.LingerTimeout
	}
	if o.MaxBacklog <= 0 {
		o.MaxBacklog = d.MaxBacklog
	}
}

func clampBufferSize(n int) int {
	if n < MinBufferSize {
		return MinBufferSize
	}
	if n > MaxBufferSize {
		return MaxBufferSize
	}
	return n
}

type protocol struct {
	stack *stack.Stack
	opts  Options
}

// Number returns the tcp protocol number.
func (*protocol) Number() tcpip.TransportProtocolNumber {
	return ProtocolNumber
}

// NewEndpoint creates a new tcp endpoint.
func (p *protocol) NewEndpoint(netProto tcpip.NetworkProtocolNumber, waiterQueue *waiter.Queue) (stack.Endpoint, *tcpip.Error) {
	switch netProto {
	case header.IPv4ProtocolNumber, header.IPv6ProtocolNumber:
	default:
		return nil, tcpip.ErrUnknownProtocol
	}
	return newEndpoint(p, netProto, waiterQueue), nil
}

// Parse implements stack.TransportProtocol.Parse. It checks the header
// length and the checksum.
func (p *protocol) Parse(pkt *stack.PacketBuffer) (srcPort, dstPort uint16, ok bool) {
	stats := p.stack.Stats()
	h := header.TCP(pkt.Data)
	if !h.IsValid() {
		stats.TCP.InvalidSegmentsReceived.Increment()
		return 0, 0, false
	}
	payload := h.Payload()
	if !h.IsChecksumValid(pkt.Source, pkt.Destination, header.Checksum(payload, 0), uint16(len(payload))) {
		stats.TCP.ChecksumErrors.Increment()
		stats.TCP.InvalidSegmentsReceived.Increment()
		return 0, 0, false
	}
	stats.TCP.ValidSegmentsReceived.Increment()
	return h.SourcePort(), h.DestinationPort(), true
}

// HandleUnknownDestinationPacket handles packets targeted at this protocol but
// that don't match any existing endpoint. It answers with a reset.
func (p *protocol) HandleUnknownDestinationPacket(id stack.TransportEndpointID, pkt *stack.PacketBuffer) stack.UnknownDestinationPacketDisposition {
	s := newSegment(id, pkt)
	if !s.flagIsSet(header.TCPFlagRst) {
		replyWithReset(p.stack, s)
	}
	return stack.UnknownDestinationPacketHandled
}

// replyWithReset replies to the given segment with a reset segment.
func replyWithReset(st *stack.Stack, s *segment) {
	r, err := st.FindRouteLocked(s.nicID, s.id.LocalAddress, s.id.RemoteAddress, s.netProto)
	if err != nil {
		log.Debugf("tcp: no route to reset %s: %s", s.id.RemoteAddress, err)
		return
	}

	// Get the seqnum from the packet if the ack flag is set.
	seq := seqnum.Value(0)
	ack := seqnum.Value(0)
	flags := header.TCPFlagRst
	// As per RFC 793 page 35 (Reset Generation)
	//   1.  If the connection does not exist (CLOSED) then a reset is sent
	//   in response to any incoming segment except another reset.  In
	//   particular, SYNs addressed to a non-existent connection are rejected
	//   by this means.

	//   If the incoming segment has an ACK field, the reset takes its
	//   sequence number from the ACK field of the segment, otherwise the
	//   reset has sequence number zero and the ACK field is set to the sum
	//   of the sequence number and segment length of the incoming segment.
	//   The connection remains in the CLOSED state.
	if s.flagIsSet(header.TCPFlagAck) {
		seq = s.ackNumber
	} else {
		flags |= header.TCPFlagAck
		ack = s.sequenceNumber.Add(s.logicalLen())
	}
	sendTCP(r, tcpFields{
		id:    s.id,
		flags: flags,
		seq:   seq,
		ack:   ack,
	}, nil)
}

// NewProtocol returns a TCP transport protocol with the default options.
func NewProtocol(s *stack.Stack) stack.TransportProtocol {
	return NewProtocolWithOptions(DefaultOptions())(s)
}

// NewProtocolWithOptions returns a factory for a TCP transport protocol
// configured with opts.
func NewProtocolWithOptions(opts Options) stack.TransportProtocolFactory {
	opts.fillIn()
	return func(s *stack.Stack) stack.TransportProtocol {
		return &protocol{stack: s, opts: opts}
	}
}
