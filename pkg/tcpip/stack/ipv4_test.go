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
	"time"

	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/stack"
	"osbyte.dev/netstack/pkg/tcpip/transport/udp"
)

var subnetBroadcast = netip.MustParseAddr("10.0.0.255")

// newIPv4Context returns a context holding localV4 that knows the peer's
// link address.
func newIPv4Context(t *testing.T) *testContext {
	t.Helper()
	c := newTestContext(t, stack.Options{TransportProtocols: []stack.TransportProtocolFactory{udp.NewProtocol}})
	c.addAddress(localV4)
	c.addStaticNeighbor(peerV4, peerLinkAddr)
	c.ep.Drain()
	return c
}

func echoRequest(dataLen int) []byte {
	msg := make([]byte, header.ICMPv4MinimumSize+dataLen)
	h := header.ICMPv4(msg)
	h.SetType(header.ICMPv4Echo)
	h.SetIdent(7)
	h.SetSequence(1)
	for i := range h.Payload() {
		h.Payload()[i] = byte(i)
	}
	h.CalculateChecksum()
	return msg
}

func udpDatagram(dstPort uint16, data []byte) []byte {
	b := make([]byte, header.UDPMinimumSize+len(data))
	header.UDP(b).Encode(&header.UDPFields{
		SrcPort: 5000,
		DstPort: dstPort,
		Length:  uint16(len(b)),
	})
	copy(b[header.UDPMinimumSize:], data)
	return b
}

func TestEchoReply(t *testing.T) {
	c := newIPv4Context(t)
	req := echoRequest(32)
	c.inject(header.IPv4ProtocolNumber, ipv4Packet(header.IPv4Fields{
		Protocol: uint8(header.ICMPv4ProtocolNumber),
		SrcAddr:  peerV4,
		DstAddr:  localV4.Addr(),
	}, req))

	eth, ip, ok := c.nextIPv4(header.ICMPv4ProtocolNumber)
	if !ok {
		t.Fatalf("no echo reply sent")
	}
	if eth.DestinationAddress() != peerLinkAddr {
		t.Errorf("got link destination %s, want %s", eth.DestinationAddress(), peerLinkAddr)
	}
	if ip.SourceAddress() != localV4.Addr() || ip.DestinationAddress() != peerV4 {
		t.Errorf("got %s -> %s, want %s -> %s", ip.SourceAddress(), ip.DestinationAddress(), localV4.Addr(), peerV4)
	}
	reply := header.ICMPv4(ip.Payload())
	if reply.Type() != header.ICMPv4EchoReply || reply.Ident() != 7 || reply.Sequence() != 1 {
		t.Errorf("got {type %d ident %d seq %d}, want {type %d ident 7 seq 1}", reply.Type(), reply.Ident(), reply.Sequence(), header.ICMPv4EchoReply)
	}
	if !reply.IsChecksumValid() {
		t.Errorf("echo reply has a bad checksum")
	}
	if !bytes.Equal(reply.Payload(), header.ICMPv4(req).Payload()) {
		t.Errorf("echo reply data differs from the request")
	}
	if got := c.s.Stats().ICMP.EchoRepliesSent.Value(); got != 1 {
		t.Errorf("got EchoRepliesSent = %d, want 1", got)
	}
}

func TestEchoToBroadcastIgnored(t *testing.T) {
	for _, dst := range []netip.Addr{subnetBroadcast, header.IPv4Broadcast} {
		t.Run(dst.String(), func(t *testing.T) {
			c := newIPv4Context(t)
			c.injectTo(header.EthernetBroadcastAddress, header.IPv4ProtocolNumber, ipv4Packet(header.IPv4Fields{
				Protocol: uint8(header.ICMPv4ProtocolNumber),
				SrcAddr:  peerV4,
				DstAddr:  dst,
			}, echoRequest(8)))

			if got := c.s.Stats().ICMP.EchoRequestsReceived.Value(); got != 1 {
				t.Errorf("got EchoRequestsReceived = %d, want 1", got)
			}
			if _, ip, ok := c.nextIPv4(header.ICMPv4ProtocolNumber); ok {
				t.Errorf("got reply %s -> %s to a broadcast echo, want none", ip.SourceAddress(), ip.DestinationAddress())
			}
		})
	}
}

func TestFragmentedEcho(t *testing.T) {
	c := newIPv4Context(t)
	req := echoRequest(2000)
	const firstLen = 1480
	fields := header.IPv4Fields{
		ID:       99,
		Protocol: uint8(header.ICMPv4ProtocolNumber),
		SrcAddr:  peerV4,
		DstAddr:  localV4.Addr(),
	}
	tail := fields
	tail.FragmentOffset = firstLen
	head := fields
	head.Flags = header.IPv4FlagMoreFragments

	// Out of order arrival.
	c.inject(header.IPv4ProtocolNumber, ipv4Packet(tail, req[firstLen:]))
	if _, _, ok := c.nextIPv4(header.ICMPv4ProtocolNumber); ok {
		t.Fatalf("reply sent before reassembly completed")
	}
	c.inject(header.IPv4ProtocolNumber, ipv4Packet(head, req[:firstLen]))

	var (
		data    []byte
		lengths []int
		more    []bool
	)
	for {
		_, ip, ok := c.nextIPv4(header.ICMPv4ProtocolNumber)
		if !ok {
			break
		}
		if int(ip.FragmentOffset()) != len(data) {
			t.Fatalf("got fragment offset %d, want %d", ip.FragmentOffset(), len(data))
		}
		data = append(data, ip.Payload()...)
		lengths = append(lengths, len(ip.Payload()))
		more = append(more, ip.More())
	}
	if want := []int{1480, 528}; !intsEqual(lengths, want) {
		t.Fatalf("got fragment sizes %v, want %v", lengths, want)
	}
	if !more[0] || more[1] {
		t.Errorf("got more fragments flags %v, want [true false]", more)
	}
	reply := header.ICMPv4(data)
	if reply.Type() != header.ICMPv4EchoReply || !reply.IsChecksumValid() {
		t.Errorf("got reassembled reply type %d (checksum valid %t), want a valid echo reply", reply.Type(), reply.IsChecksumValid())
	}
	if !bytes.Equal(reply.Payload(), header.ICMPv4(req).Payload()) {
		t.Errorf("echo reply data differs from the request")
	}
	if got := c.s.Stats().IP.FragmentsCreated.Value(); got != 2 {
		t.Errorf("got FragmentsCreated = %d, want 2", got)
	}
}

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestReassemblyTimeout(t *testing.T) {
	c := newIPv4Context(t)
	req := echoRequest(2000)
	c.inject(header.IPv4ProtocolNumber, ipv4Packet(header.IPv4Fields{
		ID:       5,
		Flags:    header.IPv4FlagMoreFragments,
		Protocol: uint8(header.ICMPv4ProtocolNumber),
		SrcAddr:  peerV4,
		DstAddr:  localV4.Addr(),
	}, req[:1480]))

	c.advance(29 * time.Second)
	if _, _, ok := c.nextIPv4(header.ICMPv4ProtocolNumber); ok {
		t.Fatalf("got an ICMP message before the reassembly timeout")
	}
	c.advance(time.Second)

	_, ip, ok := c.nextIPv4(header.ICMPv4ProtocolNumber)
	if !ok {
		t.Fatalf("no time exceeded message sent")
	}
	if ip.DestinationAddress() != peerV4 {
		t.Errorf("got destination %s, want %s", ip.DestinationAddress(), peerV4)
	}
	msg := header.ICMPv4(ip.Payload())
	if msg.Type() != header.ICMPv4TimeExceeded || msg.Code() != header.ICMPv4ReassemblyTimeout {
		t.Errorf("got ICMP {type %d code %d}, want {type %d code %d}", msg.Type(), msg.Code(), header.ICMPv4TimeExceeded, header.ICMPv4ReassemblyTimeout)
	}
	quoted := header.IPv4(msg.Payload())
	if quoted.ID() != 5 || quoted.SourceAddress() != peerV4 {
		t.Errorf("got quoted datagram {id %d src %s}, want {id 5 src %s}", quoted.ID(), quoted.SourceAddress(), peerV4)
	}
	if got := c.s.Stats().IP.ReassemblyTimeouts.Value(); got != 1 {
		t.Errorf("got ReassemblyTimeouts = %d, want 1", got)
	}
	if got := c.s.Stats().ICMP.TimeExceededSent.Value(); got != 1 {
		t.Errorf("got TimeExceededSent = %d, want 1", got)
	}
}

func TestUDPPortUnreachable(t *testing.T) {
	c := newIPv4Context(t)
	c.inject(header.IPv4ProtocolNumber, ipv4Packet(header.IPv4Fields{
		Protocol: uint8(header.UDPProtocolNumber),
		SrcAddr:  peerV4,
		DstAddr:  localV4.Addr(),
	}, udpDatagram(4242, []byte("check"))))

	_, ip, ok := c.nextIPv4(header.ICMPv4ProtocolNumber)
	if !ok {
		t.Fatalf("no port unreachable sent")
	}
	msg := header.ICMPv4(ip.Payload())
	if msg.Type() != header.ICMPv4DstUnreachable || msg.Code() != header.ICMPv4PortUnreachable {
		t.Errorf("got ICMP {type %d code %d}, want {type %d code %d}", msg.Type(), msg.Code(), header.ICMPv4DstUnreachable, header.ICMPv4PortUnreachable)
	}
	quoted := header.IPv4(msg.Payload())
	if got := header.UDP(quoted.Payload()).DestinationPort(); got != 4242 {
		t.Errorf("got quoted destination port %d, want 4242", got)
	}
	if got := c.s.Stats().ICMP.DstUnreachableSent.Value(); got != 1 {
		t.Errorf("got DstUnreachableSent = %d, want 1", got)
	}
}

func TestNoPortUnreachableForBroadcast(t *testing.T) {
	c := newIPv4Context(t)
	c.injectTo(header.EthernetBroadcastAddress, header.IPv4ProtocolNumber, ipv4Packet(header.IPv4Fields{
		Protocol: uint8(header.UDPProtocolNumber),
		SrcAddr:  peerV4,
		DstAddr:  subnetBroadcast,
	}, udpDatagram(4242, nil)))

	if got := c.s.Stats().IP.PacketsDelivered.Value(); got != 1 {
		t.Errorf("got PacketsDelivered = %d, want 1", got)
	}
	if _, _, ok := c.nextIPv4(header.ICMPv4ProtocolNumber); ok {
		t.Errorf("got an ICMP error for a broadcast datagram, want none")
	}
}

func TestOversizedReassemblyDropped(t *testing.T) {
	for _, test := range []struct {
		name      string
		offset    uint16
		malformed uint64
	}{
		// 20 header bytes plus 65520 payload bytes overflow the total length.
		{name: "past the total length", offset: 65512, malformed: 1},
		{name: "at the total length", offset: 65504, malformed: 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			c := newIPv4Context(t)
			c.inject(header.IPv4ProtocolNumber, ipv4Packet(header.IPv4Fields{
				ID:             7,
				FragmentOffset: test.offset,
				Protocol:       uint8(header.ICMPv4ProtocolNumber),
				SrcAddr:        peerV4,
				DstAddr:        localV4.Addr(),
			}, make([]byte, 8)))

			if got := c.s.Stats().IP.MalformedFragmentsReceived.Value(); got != test.malformed {
				t.Errorf("got MalformedFragmentsReceived = %d, want %d", got, test.malformed)
			}
		})
	}
}
