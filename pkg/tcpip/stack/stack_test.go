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
	"math/rand"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/faketime"
	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/link/channel"
	"osbyte.dev/netstack/pkg/tcpip/stack"
	"osbyte.dev/netstack/pkg/tcpip/testutil"
	"osbyte.dev/netstack/pkg/tcpip/transport/udp"
	"osbyte.dev/netstack/pkg/waiter"
)

const nicID = 1

var (
	linkAddr     = testutil.MustParseLink("02:00:00:00:00:02")
	peerLinkAddr = testutil.MustParseLink("02:00:00:00:00:01")

	localV4 = netip.MustParsePrefix("10.0.0.2/24")
	peerV4  = netip.MustParseAddr("10.0.0.1")

	cmpOpts = []cmp.Option{
		cmpopts.EquateComparable(netip.Addr{}, netip.Prefix{}),
		cmpopts.EquateEmpty(),
		cmp.Comparer(func(a, b *tcpip.Error) bool { return a == b }),
	}
)

// testContext is a stack with one Ethernet NIC backed by a channel endpoint
// and driven by a manual clock. Events published by the stack are recorded.
type testContext struct {
	t      *testing.T
	clock  *faketime.ManualClock
	s      *stack.Stack
	ep     *channel.Endpoint
	events []stack.Event
}

func newTestContext(t *testing.T, opts stack.Options) *testContext {
	t.Helper()
	c := &testContext{
		t:     t,
		clock: faketime.NewManualClock(),
		ep:    channel.New(256, 1500, linkAddr),
	}
	opts.Clock = c.clock
	if opts.RandSource == nil {
		opts.RandSource = rand.NewSource(1)
	}
	c.s = stack.New(opts)
	c.s.Subscribe(func(ev stack.Event) {
		c.events = append(c.events, ev)
	})
	if err := c.s.CreateNIC(nicID, "eth0", c.ep); err != nil {
		t.Fatalf("CreateNIC(%d): %s", nicID, err)
	}
	return c
}

func (c *testContext) addAddress(prefix netip.Prefix) {
	c.t.Helper()
	if err := c.s.AddAddress(nicID, prefix); err != nil {
		c.t.Fatalf("AddAddress(%d, %s): %s", nicID, prefix, err)
	}
}

func (c *testContext) addStaticNeighbor(addr netip.Addr, link tcpip.LinkAddress) {
	c.t.Helper()
	if err := c.s.AddStaticNeighbor(nicID, addr, link); err != nil {
		c.t.Fatalf("AddStaticNeighbor(%d, %s, %s): %s", nicID, addr, link, err)
	}
}

func (c *testContext) addresses() []stack.AddressInfo {
	c.t.Helper()
	addrs, err := c.s.Addresses(nicID)
	if err != nil {
		c.t.Fatalf("Addresses(%d): %s", nicID, err)
	}
	return addrs
}

// advance moves the clock forward by d, running every timer on the way.
func (c *testContext) advance(d time.Duration) {
	end := c.clock.NowMonotonic().Add(d)
	for {
		next, ok := c.s.NextDeadline()
		if !ok || next.After(end) {
			c.clock.Advance(end.Sub(c.clock.NowMonotonic()))
			c.s.Tick()
			return
		}
		if wait := next.Sub(c.clock.NowMonotonic()); wait > 0 {
			c.clock.Advance(wait)
		}
		c.s.Tick()
	}
}

// inject delivers an IP packet from the peer, addressed to our link address.
func (c *testContext) inject(proto tcpip.NetworkProtocolNumber, pkt []byte) {
	c.ep.InjectPacket(peerLinkAddr, proto, pkt)
}

// injectTo delivers an IP packet from the peer to the given link address.
func (c *testContext) injectTo(dst tcpip.LinkAddress, proto tcpip.NetworkProtocolNumber, pkt []byte) {
	frame := make([]byte, header.EthernetMinimumSize+len(pkt))
	header.Ethernet(frame).Encode(&header.EthernetFields{
		SrcAddr: peerLinkAddr,
		DstAddr: dst,
		Type:    proto,
	})
	copy(frame[header.EthernetMinimumSize:], pkt)
	c.ep.InjectInbound(frame)
}

// nextIPv4 returns the next transmitted IPv4 packet carrying proto, dropping
// the frames queued before it.
func (c *testContext) nextIPv4(proto tcpip.TransportProtocolNumber) (header.Ethernet, header.IPv4, bool) {
	for {
		p, ok := c.ep.Read()
		if !ok {
			return nil, nil, false
		}
		if p.Proto != header.IPv4ProtocolNumber {
			continue
		}
		eth := header.Ethernet(p.Frame)
		ip := header.IPv4(eth.Payload())
		if ip.TransportProtocol() == proto {
			return eth, ip, true
		}
	}
}

// nextICMPv6 returns the next transmitted ICMPv6 message of type typ.
func (c *testContext) nextICMPv6(typ header.ICMPv6Type) (header.Ethernet, header.IPv6, header.ICMPv6, bool) {
	for {
		p, ok := c.ep.Read()
		if !ok {
			return nil, nil, nil, false
		}
		if p.Proto != header.IPv6ProtocolNumber {
			continue
		}
		eth := header.Ethernet(p.Frame)
		ip := header.IPv6(eth.Payload())
		if tcpip.TransportProtocolNumber(ip.NextHeader()) != header.ICMPv6ProtocolNumber {
			continue
		}
		msg := header.ICMPv6(ip.Payload())
		if msg.Type() == typ {
			return eth, ip, msg, true
		}
	}
}

func ipv4Packet(f header.IPv4Fields, payload []byte) []byte {
	pkt := make([]byte, header.IPv4MinimumSize+len(payload))
	f.TotalLength = uint16(len(pkt))
	if f.TTL == 0 {
		f.TTL = 64
	}
	h := header.IPv4(pkt)
	h.Encode(&f)
	h.SetChecksum(^h.CalculateChecksum())
	copy(pkt[header.IPv4MinimumSize:], payload)
	return pkt
}

func ipv6Packet(src, dst netip.Addr, next uint8, hopLimit uint8, payload []byte) []byte {
	pkt := make([]byte, header.IPv6MinimumSize+len(payload))
	header.IPv6(pkt).Encode(&header.IPv6Fields{
		PayloadLength: uint16(len(payload)),
		NextHeader:    next,
		HopLimit:      hopLimit,
		SrcAddr:       src,
		DstAddr:       dst,
	})
	copy(pkt[header.IPv6MinimumSize:], payload)
	return pkt
}

func icmpv6Packet(src, dst netip.Addr, hopLimit uint8, msg header.ICMPv6) []byte {
	msg.SetChecksum(header.ICMPv6Checksum(msg, src, dst))
	return ipv6Packet(src, dst, uint8(header.ICMPv6ProtocolNumber), hopLimit, msg)
}

func TestCreateNIC(t *testing.T) {
	c := newTestContext(t, stack.Options{})

	if err := c.s.CreateNIC(nicID, "eth1", channel.New(1, 1500, peerLinkAddr)); err != tcpip.ErrDuplicateNICID {
		t.Errorf("got CreateNIC(duplicate) = %v, want %s", err, tcpip.ErrDuplicateNICID)
	}
	if err := c.s.CreateNIC(0, "eth1", channel.New(1, 1500, peerLinkAddr)); err != tcpip.ErrUnknownNICID {
		t.Errorf("got CreateNIC(0) = %v, want %s", err, tcpip.ErrUnknownNICID)
	}
	if err := c.s.CreateNIC(2, "eth1", nil); err != tcpip.ErrInvalidOptionValue {
		t.Errorf("got CreateNIC(nil endpoint) = %v, want %s", err, tcpip.ErrInvalidOptionValue)
	}

	want := map[tcpip.NICID]stack.NICInfo{
		nicID: {
			Name:        "eth0",
			LinkAddress: linkAddr,
			MTU:         1500,
			Enabled:     true,
			Addresses:   []stack.AddressInfo{},
			Groups:      []netip.Addr{header.IPv4AllSystems, header.IPv6AllNodesMulticastAddress},
		},
	}
	if diff := cmp.Diff(want, c.s.NICInfo(), cmpOpts...); diff != "" {
		t.Errorf("NICInfo() mismatch (-want +got):\n%s", diff)
	}
	if !c.s.CheckNIC(nicID) {
		t.Errorf("CheckNIC(%d) = false, want true", nicID)
	}
	wantFilter := []tcpip.LinkAddress{
		header.EthernetAddressForMulticast(header.IPv4AllSystems),
		header.EthernetAddressForMulticast(header.IPv6AllNodesMulticastAddress),
	}
	if diff := cmp.Diff(wantFilter, c.ep.MulticastFilter(), cmpopts.SortSlices(func(a, b tcpip.LinkAddress) bool { return a < b })); diff != "" {
		t.Errorf("multicast filter mismatch (-want +got):\n%s", diff)
	}
}

func TestLoopbackNIC(t *testing.T) {
	s := stack.New(stack.Options{Clock: faketime.NewManualClock()})
	const loID = 7
	if err := s.CreateLoopbackNIC(loID, "lo"); err != nil {
		t.Fatalf("CreateLoopbackNIC: %s", err)
	}
	if err := s.CreateLoopbackNIC(loID+1, "lo1"); err != tcpip.ErrDuplicateNICID {
		t.Errorf("got second CreateLoopbackNIC = %v, want %s", err, tcpip.ErrDuplicateNICID)
	}

	addrs, err := s.Addresses(loID)
	if err != nil {
		t.Fatalf("Addresses(%d): %s", loID, err)
	}
	wantAddrs := []stack.AddressInfo{
		{Prefix: netip.MustParsePrefix("127.0.0.1/8"), Kind: stack.AddressPermanent},
		{Prefix: netip.MustParsePrefix("::1/128"), Kind: stack.AddressPermanent},
	}
	if diff := cmp.Diff(wantAddrs, addrs, cmpOpts...); diff != "" {
		t.Errorf("Addresses mismatch (-want +got):\n%s", diff)
	}
	wantRoutes := []tcpip.Route{{Destination: netip.MustParsePrefix("127.0.0.0/8"), NIC: loID}}
	if diff := cmp.Diff(wantRoutes, s.Routes(), cmpOpts...); diff != "" {
		t.Errorf("Routes mismatch (-want +got):\n%s", diff)
	}
	if got, ok := s.MainAddress(loID, header.IPv4ProtocolNumber); !ok || got != header.IPv4Loopback {
		t.Errorf("got MainAddress(IPv4) = (%s, %t), want (%s, true)", got, ok, header.IPv4Loopback)
	}
	info := s.NICInfo()[loID]
	if !info.Loopback || info.LinkAddress != "" {
		t.Errorf("got NICInfo = %+v, want a loopback NIC without link address", info)
	}

	// All of 127.0.0.0/8 is local.
	r, ferr := s.FindRoute(0, netip.Addr{}, netip.MustParseAddr("127.0.0.1"), 0)
	if ferr != nil {
		t.Fatalf("FindRoute(127.0.0.1): %s", ferr)
	}
	if !r.Loop || r.NICID() != loID {
		t.Errorf("got route %+v, want a loop route on nic %d", r, loID)
	}
}

func TestAddressesAndConnectedRoutes(t *testing.T) {
	c := newTestContext(t, stack.Options{})
	first := netip.MustParsePrefix("192.168.1.10/24")
	second := netip.MustParsePrefix("192.168.1.11/24")
	host := netip.MustParsePrefix("192.168.7.1/32")
	c.addAddress(first)
	c.addAddress(second)
	c.addAddress(host)

	for _, test := range []struct {
		name   string
		id     tcpip.NICID
		prefix netip.Prefix
		want   *tcpip.Error
	}{
		{name: "duplicate", id: nicID, prefix: first, want: tcpip.ErrDuplicateAddress},
		{name: "multicast", id: nicID, prefix: netip.MustParsePrefix("224.0.0.9/32"), want: tcpip.ErrBadAddress},
		{name: "unspecified", id: nicID, prefix: netip.MustParsePrefix("0.0.0.0/0"), want: tcpip.ErrBadAddress},
		{name: "unknown nic", id: 9, prefix: netip.MustParsePrefix("10.9.9.9/8"), want: tcpip.ErrUnknownNICID},
	} {
		if err := c.s.AddAddress(test.id, test.prefix); err != test.want {
			t.Errorf("%s: got AddAddress(%d, %s) = %v, want %s", test.name, test.id, test.prefix, err, test.want)
		}
	}

	connected := tcpip.Route{Destination: netip.MustParsePrefix("192.168.1.0/24"), NIC: nicID}
	if diff := cmp.Diff([]tcpip.Route{connected}, c.s.Routes(), cmpOpts...); diff != "" {
		t.Errorf("Routes mismatch (-want +got):\n%s", diff)
	}
	if got := c.s.CheckLocalAddress(0, second.Addr()); got != nicID {
		t.Errorf("got CheckLocalAddress(%s) = %d, want %d", second.Addr(), got, nicID)
	}

	// The subnet route stays while one address still needs it.
	if err := c.s.RemoveAddress(nicID, first.Addr()); err != nil {
		t.Fatalf("RemoveAddress(%s): %s", first.Addr(), err)
	}
	if diff := cmp.Diff([]tcpip.Route{connected}, c.s.Routes(), cmpOpts...); diff != "" {
		t.Errorf("Routes after the first removal mismatch (-want +got):\n%s", diff)
	}
	if err := c.s.RemoveAddress(nicID, second.Addr()); err != nil {
		t.Fatalf("RemoveAddress(%s): %s", second.Addr(), err)
	}
	if got := c.s.Routes(); len(got) != 0 {
		t.Errorf("got Routes = %v, want none", got)
	}
	if err := c.s.RemoveAddress(nicID, second.Addr()); err != tcpip.ErrBadLocalAddress {
		t.Errorf("got RemoveAddress(removed) = %v, want %s", err, tcpip.ErrBadLocalAddress)
	}
	if got := c.s.CheckLocalAddress(0, second.Addr()); got != 0 {
		t.Errorf("got CheckLocalAddress(%s) = %d, want 0", second.Addr(), got)
	}

	want := []stack.AddressInfo{{Prefix: host, Kind: stack.AddressPermanent}}
	if diff := cmp.Diff(want, c.addresses(), cmpOpts...); diff != "" {
		t.Errorf("Addresses mismatch (-want +got):\n%s", diff)
	}
}

func TestAddressEvents(t *testing.T) {
	c := newTestContext(t, stack.Options{})
	c.addAddress(localV4)
	if err := c.s.RemoveAddress(nicID, localV4.Addr()); err != nil {
		t.Fatalf("RemoveAddress: %s", err)
	}
	want := []stack.AddressEvent{
		{NIC: nicID, Prefix: localV4, Kind: stack.AddressPermanent, Type: stack.AddressAdded},
		{NIC: nicID, Prefix: localV4, Kind: stack.AddressPermanent, Type: stack.AddressRemoved},
	}
	if diff := cmp.Diff(want, addressEvents(c.events), cmpOpts...); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	var late []stack.Event
	cancel := c.s.Subscribe(func(ev stack.Event) { late = append(late, ev) })
	cancel()
	c.addAddress(localV4)
	if len(late) != 0 {
		t.Errorf("cancelled subscriber got %d events, want 0", len(late))
	}
}

func TestAddressLifetimes(t *testing.T) {
	c := newTestContext(t, stack.Options{})
	if err := c.s.AddAddressWithProperties(nicID, localV4, stack.AddressProperties{
		Kind:              stack.AddressDHCP,
		PreferredLifetime: 10 * time.Second,
		ValidLifetime:     20 * time.Second,
	}); err != nil {
		t.Fatalf("AddAddressWithProperties: %s", err)
	}
	c.events = nil

	c.advance(10 * time.Second)
	want := []stack.AddressInfo{{Prefix: localV4, Kind: stack.AddressDHCP, Deprecated: true}}
	if diff := cmp.Diff(want, c.addresses(), cmpOpts...); diff != "" {
		t.Errorf("Addresses after the preferred lifetime mismatch (-want +got):\n%s", diff)
	}

	// A renewal restores the address.
	if err := c.s.SetAddressLifetimes(nicID, localV4.Addr(), 10*time.Second, 20*time.Second); err != nil {
		t.Fatalf("SetAddressLifetimes: %s", err)
	}
	want[0].Deprecated = false
	if diff := cmp.Diff(want, c.addresses(), cmpOpts...); diff != "" {
		t.Errorf("Addresses after renewal mismatch (-want +got):\n%s", diff)
	}

	c.advance(20 * time.Second)
	if got := c.addresses(); len(got) != 0 {
		t.Errorf("got Addresses = %v after the valid lifetime, want none", got)
	}
	wantEvents := []stack.Event{
		stack.AddressEvent{NIC: nicID, Prefix: localV4, Kind: stack.AddressDHCP, Type: stack.AddressDeprecated},
		stack.AddressEvent{NIC: nicID, Prefix: localV4, Kind: stack.AddressDHCP, Type: stack.AddressDeprecated},
		stack.AddressEvent{NIC: nicID, Prefix: localV4, Kind: stack.AddressDHCP, Type: stack.AddressRemoved},
	}
	if diff := cmp.Diff(wantEvents, c.events, cmpOpts...); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if err := c.s.SetAddressLifetimes(nicID, localV4.Addr(), time.Second, time.Second); err != tcpip.ErrBadLocalAddress {
		t.Errorf("got SetAddressLifetimes(expired) = %v, want %s", err, tcpip.ErrBadLocalAddress)
	}
}

func TestRouteAPI(t *testing.T) {
	c := newTestContext(t, stack.Options{})
	c.addAddress(localV4)

	for _, test := range []struct {
		name  string
		route tcpip.Route
		want  *tcpip.Error
	}{
		{name: "no destination", route: tcpip.Route{NIC: nicID}, want: tcpip.ErrBadAddress},
		{
			name:  "family mismatch",
			route: tcpip.Route{Destination: netip.MustParsePrefix("0.0.0.0/0"), Gateway: netip.MustParseAddr("fe80::1"), NIC: nicID},
			want:  tcpip.ErrAddressFamilyMismatch,
		},
		{
			name:  "unknown nic",
			route: tcpip.Route{Destination: netip.MustParsePrefix("0.0.0.0/0"), NIC: 5},
			want:  tcpip.ErrUnknownNICID,
		},
	} {
		if err := c.s.AddRoute(test.route); err != test.want {
			t.Errorf("%s: got AddRoute(%s) = %v, want %s", test.name, test.route, err, test.want)
		}
	}

	def := tcpip.Route{Destination: netip.MustParsePrefix("0.0.0.0/0"), Gateway: netip.MustParseAddr("10.0.0.254"), NIC: nicID}
	if err := c.s.AddRoute(def); err != nil {
		t.Fatalf("AddRoute(%s): %s", def, err)
	}
	if r, ok := c.s.Lookup(netip.MustParseAddr("192.0.2.1")); !ok || r != def {
		t.Errorf("got Lookup(192.0.2.1) = (%s, %t), want (%s, true)", r, ok, def)
	}
	if r, ok := c.s.Lookup(netip.MustParseAddr("10.0.0.77")); !ok || r.Gateway.IsValid() {
		t.Errorf("got Lookup(10.0.0.77) = (%s, %t), want the connected route", r, ok)
	}

	if n := c.s.RemoveRoutes(func(r tcpip.Route) bool { return r.Gateway.IsValid() }); n != 1 {
		t.Errorf("got RemoveRoutes = %d, want 1", n)
	}
	if r, ok := c.s.Lookup(netip.MustParseAddr("192.0.2.1")); ok {
		t.Errorf("got Lookup(192.0.2.1) = %s after removing the default route, want none", r)
	}
}

func TestFindRoute(t *testing.T) {
	c := newTestContext(t, stack.Options{})
	c.addAddress(localV4)
	gw := netip.MustParseAddr("10.0.0.254")
	if err := c.s.AddRoute(tcpip.Route{Destination: netip.MustParsePrefix("0.0.0.0/0"), Gateway: gw, NIC: nicID}); err != nil {
		t.Fatalf("AddRoute: %s", err)
	}

	for _, test := range []struct {
		name        string
		local       netip.Addr
		remote      netip.Addr
		netProto    tcpip.NetworkProtocolNumber
		wantErr     *tcpip.Error
		wantLocal   netip.Addr
		wantNextHop netip.Addr
		wantLoop    bool
	}{
		{
			name:        "on link",
			remote:      peerV4,
			wantLocal:   localV4.Addr(),
			wantNextHop: peerV4,
		},
		{
			name:        "through gateway",
			remote:      netip.MustParseAddr("198.51.100.7"),
			wantLocal:   localV4.Addr(),
			wantNextHop: gw,
		},
		{
			name:        "own address",
			remote:      localV4.Addr(),
			wantLocal:   localV4.Addr(),
			wantNextHop: localV4.Addr(),
			wantLoop:    true,
		},
		{
			name:    "no IPv6 route",
			remote:  netip.MustParseAddr("2001:db8::1"),
			wantErr: tcpip.ErrNoRoute,
		},
		{
			name:    "foreign local address",
			local:   netip.MustParseAddr("10.0.0.99"),
			remote:  peerV4,
			wantErr: tcpip.ErrBadLocalAddress,
		},
		{
			name:    "no destination",
			wantErr: tcpip.ErrDestinationRequired,
		},
		{
			name:     "protocol mismatch",
			remote:   peerV4,
			netProto: header.IPv6ProtocolNumber,
			wantErr:  tcpip.ErrAddressFamilyMismatch,
		},
		{
			name:    "unspecified local to unicast",
			local:   header.IPv4Any,
			remote:  peerV4,
			wantErr: tcpip.ErrBadLocalAddress,
		},
		{
			name:        "unspecified local to broadcast",
			local:       header.IPv4Any,
			remote:      header.IPv4Broadcast,
			wantLocal:   header.IPv4Any,
			wantNextHop: header.IPv4Broadcast,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			r, err := c.s.FindRoute(0, test.local, test.remote, test.netProto)
			if err != test.wantErr {
				t.Fatalf("got FindRoute = %v, want %v", err, test.wantErr)
			}
			if err != nil {
				return
			}
			if r.LocalAddress != test.wantLocal || r.NextHop != test.wantNextHop || r.Loop != test.wantLoop {
				t.Errorf("got route {local %s next hop %s loop %t}, want {local %s next hop %s loop %t}", r.LocalAddress, r.NextHop, r.Loop, test.wantLocal, test.wantNextHop, test.wantLoop)
			}
			if r.NICID() != nicID {
				t.Errorf("got NICID() = %d, want %d", r.NICID(), nicID)
			}
		})
	}
}

func TestDisableAndRemoveNIC(t *testing.T) {
	c := newTestContext(t, stack.Options{TransportProtocols: []stack.TransportProtocolFactory{udp.NewProtocol}})
	c.addAddress(localV4)
	if err := c.s.AddRoute(tcpip.Route{Destination: netip.MustParsePrefix("0.0.0.0/0"), Gateway: peerV4, NIC: nicID}); err != nil {
		t.Fatalf("AddRoute: %s", err)
	}
	c.addStaticNeighbor(peerV4, peerLinkAddr)

	var wq waiter.Queue
	h, err := c.s.Open(udp.ProtocolNumber, header.IPv4ProtocolNumber, &wq)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	if err := c.s.Connect(h, tcpip.FullAddress{Addr: peerV4, Port: 53}); err != nil {
		t.Fatalf("Connect: %s", err)
	}

	c.events = nil
	if err := c.s.DisableNIC(nicID); err != nil {
		t.Fatalf("DisableNIC: %s", err)
	}
	if diff := cmp.Diff([]stack.Event{stack.NICEvent{NIC: nicID, Type: stack.NICDown}}, c.events, cmpOpts...); diff != "" {
		t.Errorf("events after DisableNIC mismatch (-want +got):\n%s", diff)
	}
	if c.s.CheckNIC(nicID) {
		t.Errorf("CheckNIC(%d) = true after DisableNIC", nicID)
	}
	if got := c.s.Routes(); len(got) != 0 {
		t.Errorf("got Routes = %v on a disabled NIC, want none", got)
	}
	if got, err := c.s.Neighbors(nicID, header.IPv4ProtocolNumber); err != nil || len(got) != 0 {
		t.Errorf("got Neighbors = (%v, %v), want none", got, err)
	}
	if _, err := c.s.FindRoute(0, netip.Addr{}, peerV4, 0); err != tcpip.ErrNoRoute {
		t.Errorf("got FindRoute on a disabled NIC = %v, want %s", err, tcpip.ErrNoRoute)
	}
	if _, err := c.s.Recv(h, make([]byte, 16)); err != tcpip.ErrNetworkUnreachable {
		t.Errorf("got Recv on an aborted socket = %v, want %s", err, tcpip.ErrNetworkUnreachable)
	}

	// The connected route comes back with the NIC; configured routes do
	// not.
	c.events = nil
	if err := c.s.EnableNIC(nicID); err != nil {
		t.Fatalf("EnableNIC: %s", err)
	}
	if len(c.events) == 0 || c.events[0] != stack.Event(stack.NICEvent{NIC: nicID, Type: stack.NICUp}) {
		t.Errorf("got events %v after EnableNIC, want %v first", c.events, stack.NICEvent{NIC: nicID, Type: stack.NICUp})
	}
	want := []tcpip.Route{{Destination: localV4.Masked(), NIC: nicID}}
	if diff := cmp.Diff(want, c.s.Routes(), cmpOpts...); diff != "" {
		t.Errorf("Routes after EnableNIC mismatch (-want +got):\n%s", diff)
	}

	c.events = nil
	if err := c.s.RemoveNIC(nicID); err != nil {
		t.Fatalf("RemoveNIC: %s", err)
	}
	if err := c.s.RemoveNIC(nicID); err != tcpip.ErrUnknownNICID {
		t.Errorf("got second RemoveNIC = %v, want %s", err, tcpip.ErrUnknownNICID)
	}
	if _, err := c.s.Addresses(nicID); err != tcpip.ErrUnknownNICID {
		t.Errorf("got Addresses on a removed NIC = %v, want %s", err, tcpip.ErrUnknownNICID)
	}
	if c.ep.IsAttached() {
		t.Errorf("link endpoint still attached after RemoveNIC")
	}
	wantEvents := []stack.Event{
		stack.NICEvent{NIC: nicID, Type: stack.NICDown},
		stack.AddressEvent{NIC: nicID, Prefix: localV4, Kind: stack.AddressPermanent, Type: stack.AddressRemoved},
		stack.NICEvent{NIC: nicID, Type: stack.NICRemoved},
	}
	if diff := cmp.Diff(wantEvents, c.events, cmpOpts...); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestSocketHandles(t *testing.T) {
	s := stack.New(stack.Options{
		TransportProtocols: []stack.TransportProtocolFactory{udp.NewProtocol},
		Clock:              faketime.NewManualClock(),
		MaxSockets:         2,
	})
	var wq waiter.Queue
	if _, err := s.Open(tcpip.TransportProtocolNumber(99), header.IPv4ProtocolNumber, &wq); err != tcpip.ErrUnknownProtocol {
		t.Errorf("got Open(unknown transport) = %v, want %s", err, tcpip.ErrUnknownProtocol)
	}

	first, err := s.Open(udp.ProtocolNumber, header.IPv4ProtocolNumber, &wq)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	if _, err := s.Open(udp.ProtocolNumber, header.IPv4ProtocolNumber, &wq); err != nil {
		t.Fatalf("Open: %s", err)
	}
	if _, err := s.Open(udp.ProtocolNumber, header.IPv4ProtocolNumber, &wq); err != tcpip.ErrNoBufferSpace {
		t.Fatalf("got Open on a full table = %v, want %s", err, tcpip.ErrNoBufferSpace)
	}

	if err := s.Close(first); err != nil {
		t.Fatalf("Close: %s", err)
	}
	reused, err := s.Open(udp.ProtocolNumber, header.IPv4ProtocolNumber, &wq)
	if err != nil {
		t.Fatalf("Open after Close: %s", err)
	}
	if reused == first {
		t.Errorf("reused slot got the stale handle %s", first)
	}

	// The stale handle must not reach the new socket.
	if err := s.Bind(first, tcpip.FullAddress{Port: 1000}); err != tcpip.ErrInvalidHandle {
		t.Errorf("got Bind(stale) = %v, want %s", err, tcpip.ErrInvalidHandle)
	}
	if err := s.Close(first); err != tcpip.ErrInvalidHandle {
		t.Errorf("got Close(stale) = %v, want %s", err, tcpip.ErrInvalidHandle)
	}
	if err := s.Close(0); err != tcpip.ErrInvalidHandle {
		t.Errorf("got Close(0) = %v, want %s", err, tcpip.ErrInvalidHandle)
	}
	if _, err := s.State(reused); err != nil {
		t.Errorf("State(reused): %s", err)
	}
}
