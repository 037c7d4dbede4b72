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

package stack_test

import (
	"bytes"
	"net/netip"
	"testing"

	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/stack"
)

var (
	localV6 = netip.MustParsePrefix("2001:db8::2/64")
	peerV6  = netip.MustParseAddr("2001:db8::1")
)

func newIPv6Context(t *testing.T) *testContext {
	t.Helper()
	c := newTestContext(t, stack.Options{})
	c.addAddress(localV6)
	c.addStaticNeighbor(peerV6, peerLinkAddr)
	c.ep.Drain()
	return c
}

func TestIPv6EchoReply(t *testing.T) {
	c := newIPv6Context(t)
	req := header.ICMPv6(make([]byte, header.ICMPv6EchoMinimumSize+16))
	req.SetType(header.ICMPv6EchoRequest)
	req.SetIdent(3)
	req.SetSequence(9)
	copy(req[header.ICMPv6EchoMinimumSize:], "0123456789abcdef")
	c.inject(header.IPv6ProtocolNumber, icmpv6Packet(peerV6, localV6.Addr(), 64, req))

	eth, ip, reply, ok := c.nextICMPv6(header.ICMPv6EchoReply)
	if !ok {
		t.Fatalf("no echo reply sent")
	}
	if eth.DestinationAddress() != peerLinkAddr {
		t.Errorf("got link destination %s, want %s", eth.DestinationAddress(), peerLinkAddr)
	}
	if ip.SourceAddress() != localV6.Addr() || ip.DestinationAddress() != peerV6 {
		t.Errorf("got %s -> %s, want %s -> %s", ip.SourceAddress(), ip.DestinationAddress(), localV6.Addr(), peerV6)
	}
	if reply.Ident() != 3 || reply.Sequence() != 9 {
		t.Errorf("got {ident %d seq %d}, want {ident 3 seq 9}", reply.Ident(), reply.Sequence())
	}
	if got := header.ICMPv6Checksum(reply, ip.SourceAddress(), ip.DestinationAddress()); got != reply.Checksum() {
		t.Errorf("got checksum %#x, want %#x", reply.Checksum(), got)
	}
	if !bytes.Equal(reply[header.ICMPv6EchoMinimumSize:], req[header.ICMPv6EchoMinimumSize:]) {
		t.Errorf("echo reply data differs from the request")
	}
}

func TestIPv6FragmentHeaderRejected(t *testing.T) {
	c := newIPv6Context(t)
	// A Fragment header followed by an 8 byte UDP header.
	payload := make([]byte, 16)
	payload[0] = uint8(header.UDPProtocolNumber)
	pkt := ipv6Packet(peerV6, localV6.Addr(), uint8(header.IPv6FragmentExtHdrIdentifier), 64, payload)
	c.inject(header.IPv6ProtocolNumber, pkt)

	_, ip, msg, ok := c.nextICMPv6(header.ICMPv6ParamProblem)
	if !ok {
		t.Fatalf("no parameter problem sent")
	}
	if ip.DestinationAddress() != peerV6 {
		t.Errorf("got destination %s, want %s", ip.DestinationAddress(), peerV6)
	}
	if msg.Code() != header.ICMPv6UnknownHeader {
		t.Errorf("got code %d, want %d", msg.Code(), header.ICMPv6UnknownHeader)
	}
	// The pointer names the Next Header field of the IPv6 header.
	if got := msg.TypeSpecific(); got != header.IPv6NextHeaderOffset {
		t.Errorf("got pointer %d, want %d", got, header.IPv6NextHeaderOffset)
	}
	if !bytes.Equal(msg[header.ICMPv6ErrorHeaderSize:], pkt) {
		t.Errorf("quoted packet differs from the offending packet")
	}
	stats := c.s.Stats()
	if got := stats.IP.UnsupportedExtensionHeaders.Value(); got != 1 {
		t.Errorf("got UnsupportedExtensionHeaders = %d, want 1", got)
	}
	if got := stats.ICMP.ParamProblemSent.Value(); got != 1 {
		t.Errorf("got ParamProblemSent = %d, want 1", got)
	}
}

func TestIPv6UnknownHeaderToMulticastIgnored(t *testing.T) {
	c := newIPv6Context(t)
	payload := make([]byte, 16)
	c.injectTo(header.EthernetAddressForMulticast(header.IPv6AllNodesMulticastAddress), header.IPv6ProtocolNumber,
		ipv6Packet(peerV6, header.IPv6AllNodesMulticastAddress, uint8(header.IPv6FragmentExtHdrIdentifier), 64, payload))

	if got := c.s.Stats().IP.UnsupportedExtensionHeaders.Value(); got != 1 {
		t.Errorf("got UnsupportedExtensionHeaders = %d, want 1", got)
	}
	if _, _, _, ok := c.nextICMPv6(header.ICMPv6ParamProblem); ok {
		t.Errorf("got a parameter problem for a multicast packet, want none")
	}
}
