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
	"osbyte.dev/netstack/pkg/waiter"
)

// TransportEndpointID is the identifier of a transport layer protocol endpoint.
type TransportEndpointID struct {
	// LocalPort is the local port associated with the endpoint.
	LocalPort uint16

	// LocalAddress is the local [network layer] address associated with
	// the endpoint. The zero value matches any local address.
	LocalAddress netip.Addr

	// RemotePort is the remote port associated with the endpoint.
	RemotePort uint16

	// RemoteAddress it the remote [network layer] address associated with
	// the endpoint.
	RemoteAddress netip.Addr
}

// TransportEndpoint is the interface that needs to be implemented by transport
// protocol (e.g., tcp, udp) endpoints that can handle packets.
//
// Both methods are called with the stack lock held.
type TransportEndpoint interface {
	// HandlePacket is called by the stack when new packets arrive to
	// this transport endpoint. pkt.Data starts at the transport header.
	HandlePacket(id TransportEndpointID, pkt *PacketBuffer)

	// HandleError is called when the stack learns that packets sent by
	// this endpoint cannot reach their destination: an ICMP error arrived,
	// or link address resolution failed.
	HandleError(err *tcpip.Error, id TransportEndpointID)
}

// UnknownDestinationPacketDisposition enumerates the possible outcomes of
// handing a packet with no matching endpoint to its transport protocol.
type UnknownDestinationPacketDisposition int

const (
	// UnknownDestinationPacketMalformed denotes that the packet was
	// malformed and no further processing should be attempted.
	UnknownDestinationPacketMalformed UnknownDestinationPacketDisposition = iota

	// UnknownDestinationPacketUnhandled tells the caller that the packet was
	// well formed but that the protocol did not handle it. The stack answers
	// with an ICMP port unreachable where allowed.
	UnknownDestinationPacketUnhandled

	// UnknownDestinationPacketHandled tells the caller that it should do
	// no further processing.
	UnknownDestinationPacketHandled
)

// TransportProtocol is the interface that needs to be implemented by transport
// protocols (e.g., tcp, udp) that want to be part of the networking stack.
type TransportProtocol interface {
	// Number returns the transport protocol number.
	Number() tcpip.TransportProtocolNumber

	// NewEndpoint creates a new endpoint of the transport protocol. It is
	// called with the stack lock held.
	NewEndpoint(netProto tcpip.NetworkProtocolNumber, waitQueue *waiter.Queue) (Endpoint, *tcpip.Error)

	// Parse validates the transport header of an inbound packet, including
	// its checksum, and returns its ports. Protocols count their own
	// malformed packets.
	Parse(pkt *PacketBuffer) (srcPort, dstPort uint16, ok bool)

	// HandleUnknownDestinationPacket handles packets targeted at this
	// protocol that don't match any existing endpoint. For example,
	// it is targeted at a port that has no listeners.
	HandleUnknownDestinationPacket(id TransportEndpointID, pkt *PacketBuffer) UnknownDestinationPacketDisposition
}

// TransportProtocolFactory instantiates a transport protocol for a stack.
type TransportProtocolFactory func(*Stack) TransportProtocol

// Endpoint is the interface implemented by transport protocol endpoints that
// back a socket handle.
//
// Every method is called with the stack lock held and must not block. Calls
// that cannot complete return tcpip.ErrWouldBlock (or ErrConnectStarted) and
// the endpoint notifies its waiter.Queue, through Stack.Notify, once
// progress is possible.
type Endpoint interface {
	// Close puts the endpoint in a closed state and frees all resources
	// associated with it. A TCP endpoint may linger in the background to
	// finish an orderly close.
	Close()

	// Abort resets the endpoint, as if a reset had been received, and
	// records err as its last error.
	Abort(err *tcpip.Error)

	// Read reads data from the endpoint into dst and returns the number of
	// bytes read and the sender's address. Datagram endpoints read one
	// datagram per call, truncating it to len(dst).
	Read(dst []byte) (int, tcpip.FullAddress, *tcpip.Error)

	// Write writes data to the endpoint's peer, or to *to when it is
	// non-nil. It returns the number of bytes accepted.
	Write(p []byte, to *tcpip.FullAddress) (int, *tcpip.Error)

	// Connect connects the endpoint to its peer. Connection oriented
	// endpoints return ErrConnectStarted and signal EventOut on completion.
	Connect(address tcpip.FullAddress) *tcpip.Error

	// Shutdown closes the read and/or write end of the endpoint connection.
	Shutdown(flags tcpip.ShutdownFlags) *tcpip.Error

	// Listen puts the endpoint in "listen" mode, which allows it to accept
	// new connections.
	Listen(backlog int) *tcpip.Error

	// Accept returns a new endpoint if a peer has established a connection
	// to an endpoint previously set to listen mode.
	Accept() (Endpoint, *waiter.Queue, *tcpip.Error)

	// Bind binds the endpoint to a specific local address and port.
	// Specifying a NIC is optional.
	Bind(address tcpip.FullAddress) *tcpip.Error

	// GetLocalAddress returns the address to which the endpoint is bound.
	GetLocalAddress() (tcpip.FullAddress, *tcpip.Error)

	// GetRemoteAddress returns the address to which the endpoint is
	// connected.
	GetRemoteAddress() (tcpip.FullAddress, *tcpip.Error)

	// Readiness returns the current readiness of the endpoint. For example,
	// if waiter.EventIn is set, the endpoint is immediately readable.
	Readiness(mask waiter.EventMask) waiter.EventMask

	// SetSockOpt sets a socket option.
	SetSockOpt(opt tcpip.SettableSocketOption) *tcpip.Error

	// LastError returns and clears the pending error of the endpoint.
	LastError() *tcpip.Error

	// State returns a protocol specific state number.
	State() uint32

	// RouteNIC returns the NIC the endpoint currently sends through, or 0.
	RouteNIC() tcpip.NICID
}

// NetworkDispatcher contains the methods used by the network stack to deliver
// inbound frames to the appropriate network endpoint after it has been
// handled by the link layer.
type NetworkDispatcher interface {
	// DeliverFrame is called by a link layer when a frame arrives. The
	// frame starts at the Ethernet header. It takes the stack lock, so it
	// must not be called from within a stack callback.
	DeliverFrame(frame []byte)
}

// LinkEndpoint is the interface implemented by data link layer protocols
// (e.g., ethernet, loopback, raw) and used by network layer protocols to send
// packets out through the implementer's data link endpoint.
type LinkEndpoint interface {
	// MTU is the maximum transmission unit for this endpoint. This is
	// usually dictated by the backing physical network; when such a
	// physical network doesn't exist, the limit is generally 64k, which
	// includes the maximum size of an IP packet.
	MTU() uint32

	// LinkAddress returns the link address (typically a MAC) of the
	// endpoint.
	LinkAddress() tcpip.LinkAddress

	// WriteFrame writes a complete Ethernet frame. It is called with the
	// stack lock held and must not block.
	WriteFrame(frame []byte) *tcpip.Error

	// Attach attaches the data link layer endpoint to the network-layer
	// dispatcher of the stack. A nil dispatcher detaches it.
	Attach(dispatcher NetworkDispatcher)
}

// MulticastFilterer is implemented by link endpoints that can program a
// hardware multicast filter. The stack calls it with the full list of group
// addresses whenever a group is joined or left.
type MulticastFilterer interface {
	SetMulticastFilter(addrs []tcpip.LinkAddress)
}
