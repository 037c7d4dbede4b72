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

// Package udp contains the implementation of the UDP transport protocol. To use
// it in the networking stack, pass udp.NewProtocol as one of the transport
// protocols when calling stack.New. Sockets are then opened with
// udp.ProtocolNumber as the transport protocol number in Stack.Open.
package udp

import (
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/stack"
	"osbyte.dev/netstack/pkg/waiter"
)

const (
	// ProtocolNumber is the udp protocol number.
	ProtocolNumber = header.UDPProtocolNumber
)

type protocol struct {
	stack *stack.Stack
}

// Number returns the udp protocol number.
func (*protocol) Number() tcpip.TransportProtocolNumber {
	return ProtocolNumber
}

// NewEndpoint creates a new udp endpoint.
func (p *protocol) NewEndpoint(netProto tcpip.NetworkProtocolNumber, waiterQueue *waiter.Queue) (stack.Endpoint, *tcpip.Error) {
	if netProto != header.IPv4ProtocolNumber && netProto != header.IPv6ProtocolNumber {
		return nil, tcpip.ErrUnknownProtocol
	}
	return newEndpoint(p.stack, netProto, waiterQueue), nil
}

// Parse implements stack.TransportProtocol.Parse. It trims pkt.Data to the
// length in the UDP header and verifies the checksum, which is optional over
// IPv4 and mandatory over IPv6.
func (p *protocol) Parse(pkt *stack.PacketBuffer) (srcPort, dstPort uint16, ok bool) {
	stats := p.stack.Stats()
	if len(pkt.Data) < header.UDPMinimumSize {
		stats.UDP.MalformedPacketsReceived.Increment()
		return 0, 0, false
	}
	h := header.UDP(pkt.Data)
	length := int(h.Length())
	if length < header.UDPMinimumSize || length > len(pkt.Data) {
		stats.UDP.MalformedPacketsReceived.Increment()
		return 0, 0, false
	}
	pkt.Data = pkt.Data[:length]
	h = header.UDP(pkt.Data)

	if h.Checksum() == 0 {
		if pkt.NetworkProtocolNumber == header.IPv6ProtocolNumber {
			// RFC 8200 section 8.1: a zero checksum is invalid over IPv6.
			stats.UDP.ChecksumErrors.Increment()
			return 0, 0, false
		}
	} else if !h.IsChecksumValid(pkt.Source, pkt.Destination, header.Checksum(h.Payload(), 0)) {
		stats.UDP.ChecksumErrors.Increment()
		return 0, 0, false
	}
	return h.SourcePort(), h.DestinationPort(), true
}

// HandleUnknownDestinationPacket handles packets targeted at this protocol but
// that don't match any existing endpoint. The stack answers unicast ones with
// a port unreachable error, as per RFC 1122 section 3.2.2.1.
func (p *protocol) HandleUnknownDestinationPacket(stack.TransportEndpointID, *stack.PacketBuffer) stack.UnknownDestinationPacketDisposition {
	p.stack.Stats().UDP.UnknownPortErrors.Increment()
	return stack.UnknownDestinationPacketUnhandled
}

// NewProtocol returns a UDP transport protocol.
func NewProtocol(s *stack.Stack) stack.TransportProtocol {
	return &protocol{stack: s}
}
