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

package stack

import (
	"net/netip"

	"osbyte.dev/netstack/pkg/tcpip"
)

// A PacketBuffer is an inbound network packet after the network layer has
// parsed it.
//
// The slices alias the frame handed to the stack by the link endpoint, which
// owns the memory only until DeliverFrame returns. Endpoints that keep data
// past HandlePacket must copy it.
type PacketBuffer struct {
	// NICID is the interface the packet arrived on.
	NICID tcpip.NICID

	// NetworkProtocolNumber is IPv4 or IPv6.
	NetworkProtocolNumber tcpip.NetworkProtocolNumber

	// TransportProtocolNumber is the upper layer protocol.
	TransportProtocolNumber tcpip.TransportProtocolNumber

	// NetworkHeader holds the IP header, with options or extension
	// headers. For a reassembled datagram it is the first fragment's
	// header.
	NetworkHeader []byte

	// Data holds the transport header followed by the payload.
	Data []byte

	// Source and Destination are the network addresses of the packet.
	Source      netip.Addr
	Destination netip.Addr

	// TTL is the IPv4 TTL or IPv6 hop limit the packet arrived with.
	TTL uint8

	// LinkSource is the Ethernet source of the frame. It is empty for
	// looped back packets.
	LinkSource tcpip.LinkAddress

	// Broadcast is set when Destination is the limited broadcast address or
	// a subnet directed broadcast address of the receiving NIC.
	Broadcast bool

	// Loopback is set for packets sent by this host to itself.
	Loopback bool
}

// Multicast reports whether the packet was sent to a multicast group.
func (pkt *PacketBuffer) Multicast() bool {
	return pkt.Destination.IsMulticast()
}

// Clone returns a deep copy of pkt.
func (pkt *PacketBuffer) Clone() *PacketBuffer {
	c := *pkt
	c.NetworkHeader = append([]byte(nil), pkt.NetworkHeader...)
	c.Data = append([]byte(nil), pkt.Data...)
	return &c
}
