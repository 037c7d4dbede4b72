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

package stack

import (
	"net/netip"

	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/header"
)

// NetworkHeaderParams are the header parameters given as input by the
// transport endpoint to the network.
type NetworkHeaderParams struct {
	// Protocol refers to the transport protocol number.
	Protocol tcpip.TransportProtocolNumber

	// TTL refers to Time To Live field of the IP-header. Zero means the
	// stack default.
	TTL uint8

	// TOS refers to TypeOfService or TrafficClass field of the IP-header.
	TOS uint8

	// DontFragment makes an oversized IPv4 packet fail with
	// ErrMessageTooLong instead of being fragmented.
	DontFragment bool

	// routerAlert adds a Router Alert option (IGMP) or a Hop by Hop Router
	// Alert header (MLD).
	routerAlert bool
}

// Route represents a route through the networking stack to a given destination.
//
// A Route is a snapshot: it stays usable while the stack lock is held and
// must be found again after the lock was released, since the NIC may have
// gone away in between.
type Route struct {
	// NetProto is the network-layer protocol.
	NetProto tcpip.NetworkProtocolNumber

	// LocalAddress is the local address where the route starts. It may be
	// unspecified for broadcast and multicast destinations.
	LocalAddress netip.Addr

	// RemoteAddress is the final destination of the route.
	RemoteAddress netip.Addr

	// NextHop is the next node in the path to the destination. It equals
	// RemoteAddress for directly connected destinations.
	NextHop netip.Addr

	// Loop is set when the destination is an address of this host; packets
	// are delivered locally instead of being sent out.
	Loop bool

	nic *nic
}

// NICID returns the id of the NIC from which this route originates.
func (r *Route) NICID() tcpip.NICID {
	return r.nic.id
}

// MTU returns the largest transport packet the route carries without
// fragmentation.
func (r *Route) MTU() uint32 {
	mtu := r.nic.mtu()
	if r.Loop {
		mtu = loopbackMTU
	}
	if r.NetProto == header.IPv4ProtocolNumber {
		return mtu - header.IPv4MinimumSize
	}
	return mtu - header.IPv6MinimumSize
}

// Stats returns the stack's counters.
func (r *Route) Stats() *tcpip.Stats {
	return r.nic.stack.stats
}

// PseudoHeaderChecksum forwards the call to the network endpoint's
// implementation.
func (r *Route) PseudoHeaderChecksum(protocol tcpip.TransportProtocolNumber, totalLen uint16) uint16 {
	return header.PseudoHeaderChecksum(protocol, r.LocalAddress, r.RemoteAddress, totalLen)
}

// IsOutboundBroadcast returns true if the route is for an outbound broadcast
// packet.
func (r *Route) IsOutboundBroadcast() bool {
	return r.RemoteAddress == header.IPv4Broadcast || r.nic.isSubnetBroadcastLocked(r.RemoteAddress)
}

// ConfirmReachable informs the network layer that the neighbor used for the
// route is reachable, for example because a TCP segment from it was
// acknowledged.
func (r *Route) ConfirmReachable() {
	if r.Loop || r.nic.loopback {
		return
	}
	if c, ok := r.nic.neigh[r.NetProto]; ok {
		c.handleUpperLevelConfirmation(r.NextHop)
	}
}

// WritePacket writes a transport packet, header included, to the route's
// destination.
func (r *Route) WritePacket(params NetworkHeaderParams, payload []byte) *tcpip.Error {
	n := r.nic
	if n.removed || !n.enabled {
		return tcpip.ErrNetworkUnreachable
	}
	if params.TTL == 0 {
		params.TTL = n.stack.defaultTTL
		if r.RemoteAddress.IsMulticast() {
			params.TTL = 1
		}
	}
	if r.NetProto == header.IPv4ProtocolNumber {
		return n.writeIPv4Locked(r.LocalAddress, r.RemoteAddress, r.NextHop, r.Loop, params, payload)
	}
	return n.writeIPv6Locked(r.LocalAddress, r.RemoteAddress, r.NextHop, r.Loop, params, payload)
}

// sendIPPacketLocked hands a complete IP packet to the link, resolving the
// next hop's link address when it is needed.
func (n *nic) sendIPPacketLocked(proto tcpip.NetworkProtocolNumber, src, dst, nextHop netip.Addr, loop bool, pkt []byte) *tcpip.Error {
	s := n.stack
	s.stats.IP.PacketsSent.Increment()
	if loop || n.loopback {
		s.deliverLoopbackLocked(n, proto, pkt)
		return nil
	}

	switch {
	case dst.IsMulticast():
		return n.writeFrameLocked(header.EthernetAddressForMulticast(dst), proto, pkt)
	case dst == header.IPv4Broadcast || n.isSubnetBroadcastLocked(dst):
		return n.writeFrameLocked(header.EthernetBroadcastAddress, proto, pkt)
	}
	if !nextHop.IsValid() {
		nextHop = dst
	}
	return n.neigh[proto].send(nextHop, src, pkt)
}
