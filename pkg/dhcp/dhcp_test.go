// Copyright 2018 Google Inc.
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

package dhcp

import (
	"encoding/binary"
	"math/rand"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/faketime"
	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/link/channel"
	"osbyte.dev/netstack/pkg/tcpip/stack"
	"osbyte.dev/netstack/pkg/tcpip/testutil"
	"osbyte.dev/netstack/pkg/tcpip/transport/udp"
)

const nicID = 1

var (
	clientLink = testutil.MustParseLink("02:00:00:00:00:02")
	serverLink = testutil.MustParseLink("02:00:00:00:00:01")

	serverAddr = netip.MustParseAddr("192.168.3.1")
	clientAddr = netip.MustParseAddr("192.168.3.2")
	routerAddr = netip.MustParseAddr("192.168.3.240")
	dnsAddr    = netip.MustParseAddr("192.168.3.53")

	cmpOpts = []cmp.Option{
		cmpopts.EquateComparable(netip.Addr{}, netip.Prefix{}),
		cmpopts.EquateEmpty(),
	}
)

type testContext struct {
	t     *testing.T
	clock *faketime.ManualClock
	s     *stack.Stack
	ep    *channel.Endpoint

	leases []Lease
	dns    [][]netip.Addr
}

func newTestContext(t *testing.T) *testContext {
	t.Helper()
	clock := faketime.NewManualClock()
	c := &testContext{
		t:     t,
		clock: clock,
		s: stack.New(stack.Options{
			TransportProtocols: []stack.TransportProtocolFactory{udp.NewProtocol},
			Clock:              clock,
			RandSource:         rand.NewSource(1),
		}),
		ep: channel.New(256, 1500, clientLink),
	}
	if err := c.s.CreateNIC(nicID, "eth0", c.ep); err != nil {
		t.Fatalf("CreateNIC: %s", err)
	}
	if err := c.s.AddStaticNeighbor(nicID, serverAddr, serverLink); err != nil {
		t.Fatalf("AddStaticNeighbor: %s", err)
	}
	c.ep.Drain()
	return c
}

func (c *testContext) config() Config {
	return Config{
		OnLease: func(l Lease) { c.leases = append(c.leases, l) },
		OnDNS:   func(s []netip.Addr) { c.dns = append(c.dns, s) },
	}
}

func (c *testContext) newClient() *Client {
	c.t.Helper()
	cl, err := NewClient(c.s, nicID, c.config())
	if err != nil {
		c.t.Fatalf("NewClient: %v", err)
	}
	if err := cl.Start(); err != nil {
		c.t.Fatalf("Start: %v", err)
	}
	return cl
}

// advance moves the clock forward by d, running every timer on the way at
// its deadline.
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

type sent struct {
	msg *dhcpv4.DHCPv4
	pkt testutil.UDPPacket
	raw []byte
}

// sentMessages returns the DHCPv4 messages the client transmitted since the
// last call, skipping other traffic.
func (c *testContext) sentMessages() []sent {
	c.t.Helper()
	var out []sent
	for {
		p, ok := c.ep.Read()
		if !ok {
			return out
		}
		u, ok := testutil.ParseUDPFrame(p.Frame)
		if !ok || u.Dst.Port() != ServerPort {
			continue
		}
		msg, err := dhcpv4.FromBytes(u.Payload)
		if err != nil {
			c.t.Fatalf("dhcpv4.FromBytes: %v", err)
		}
		out = append(out, sent{msg: msg, pkt: u, raw: p.Frame})
	}
}

func (c *testContext) nextMessage(want dhcpv4.MessageType) sent {
	c.t.Helper()
	msgs := c.sentMessages()
	if len(msgs) != 1 {
		c.t.Fatalf("got %d DHCP messages, want one %s", len(msgs), want)
	}
	if got := msgs[0].msg.MessageType(); got != want {
		c.t.Fatalf("got %s, want %s", got, want)
	}
	return msgs[0]
}

func serverModifiers(typ dhcpv4.MessageType) []dhcpv4.Modifier {
	return []dhcpv4.Modifier{
		dhcpv4.WithMessageType(typ),
		dhcpv4.WithYourIP(clientAddr.AsSlice()),
		dhcpv4.WithServerIP(serverAddr.AsSlice()),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(serverAddr.AsSlice())),
		dhcpv4.WithNetmask(net.CIDRMask(24, 32)),
		dhcpv4.WithRouter(routerAddr.AsSlice()),
		dhcpv4.WithDNS(dnsAddr.AsSlice()),
		dhcpv4.WithLeaseTime(3600),
	}
}

// reply answers req as the server at serverAddr, to dst.
func (c *testContext) reply(req *dhcpv4.DHCPv4, dst netip.Addr, mods ...dhcpv4.Modifier) {
	c.t.Helper()
	resp, err := dhcpv4.NewReplyFromRequest(req, mods...)
	if err != nil {
		c.t.Fatalf("NewReplyFromRequest: %v", err)
	}
	dstLink := clientLink
	if dst == header.IPv4Broadcast {
		dstLink = header.EthernetBroadcastAddress
	}
	c.ep.InjectInbound(testutil.UDPPacket{
		SrcLink: serverLink,
		DstLink: dstLink,
		Src:     netip.AddrPortFrom(serverAddr, ServerPort),
		Dst:     netip.AddrPortFrom(dst, ClientPort),
		Payload: resp.ToBytes(),
	}.Frame())
	c.s.Tick()
}

// acquire runs a DISCOVER, OFFER, REQUEST, ACK exchange.
func (c *testContext) acquire(cl *Client, ackMods ...dhcpv4.Modifier) {
	c.t.Helper()
	disc := c.nextMessage(dhcpv4.MessageTypeDiscover)
	c.reply(disc.msg, header.IPv4Broadcast, serverModifiers(dhcpv4.MessageTypeOffer)...)
	req := c.nextMessage(dhcpv4.MessageTypeRequest)
	c.reply(req.msg, header.IPv4Broadcast, append(serverModifiers(dhcpv4.MessageTypeAck), ackMods...)...)
	if got := cl.State(); got != StateBound {
		c.t.Fatalf("got state %s, want %s", got, StateBound)
	}
}

func (c *testContext) hasAddress(p netip.Prefix) bool {
	addrs, err := c.s.Addresses(nicID)
	if err != nil {
		c.t.Fatalf("Addresses: %s", err)
	}
	for _, a := range addrs {
		if a.Prefix == p {
			return a.Kind == stack.AddressDHCP
		}
	}
	return false
}

func (c *testContext) ipv4Routes() []tcpip.Route {
	var out []tcpip.Route
	for _, r := range c.s.Routes() {
		if r.Destination.Addr().Is4() {
			out = append(out, r)
		}
	}
	return out
}

func TestAcquireLease(t *testing.T) {
	c := newTestContext(t)
	cl := c.newClient()

	disc := c.nextMessage(dhcpv4.MessageTypeDiscover)
	if got, want := disc.pkt.Src, netip.AddrPortFrom(header.IPv4Any, ClientPort); got != want {
		t.Errorf("discover source = %s, want %s", got, want)
	}
	if got, want := disc.pkt.Dst, netip.AddrPortFrom(header.IPv4Broadcast, ServerPort); got != want {
		t.Errorf("discover destination = %s, want %s", got, want)
	}
	if got, want := disc.pkt.DstLink, header.EthernetBroadcastAddress; got != want {
		t.Errorf("discover link destination = %s, want %s", got, want)
	}
	// Decode the same frame with gopacket's own DHCP parser.
	pkt := gopacket.NewPacket(disc.raw, layers.LayerTypeEthernet, gopacket.Default)
	d, ok := pkt.Layer(layers.LayerTypeDHCPv4).(*layers.DHCPv4)
	if !ok {
		t.Fatalf("gopacket found no DHCPv4 layer in %x", disc.raw)
	}
	if d.Operation != layers.DHCPOpRequest {
		t.Errorf("got operation %s, want %s", d.Operation, layers.DHCPOpRequest)
	}
	if got, want := d.Xid, binary.BigEndian.Uint32(disc.msg.TransactionID[:]); got != want {
		t.Errorf("got xid %#x, want %#x", got, want)
	}
	if !disc.msg.IsBroadcast() {
		t.Errorf("discover does not ask for broadcast replies")
	}
	if got := tcpip.LinkAddress(disc.msg.ClientHWAddr); got != clientLink {
		t.Errorf("got chaddr %s, want %s", got, clientLink)
	}

	c.reply(disc.msg, header.IPv4Broadcast, serverModifiers(dhcpv4.MessageTypeOffer)...)
	if got := cl.State(); got != StateRequesting {
		t.Fatalf("got state %s, want %s", got, StateRequesting)
	}
	req := c.nextMessage(dhcpv4.MessageTypeRequest)
	if req.msg.TransactionID != disc.msg.TransactionID {
		t.Errorf("request xid %x differs from discover xid %x", req.msg.TransactionID, disc.msg.TransactionID)
	}
	if got := req.msg.RequestedIPAddress(); !got.Equal(clientAddr.AsSlice()) {
		t.Errorf("requested address = %s, want %s", got, clientAddr)
	}
	if got := req.msg.ServerIdentifier(); !got.Equal(serverAddr.AsSlice()) {
		t.Errorf("server identifier = %s, want %s", got, serverAddr)
	}

	c.reply(req.msg, header.IPv4Broadcast, serverModifiers(dhcpv4.MessageTypeAck)...)
	if got := cl.State(); got != StateBound {
		t.Fatalf("got state %s, want %s", got, StateBound)
	}
	defaultRoute := tcpip.Route{
		Destination: netip.MustParsePrefix("0.0.0.0/0"),
		Gateway:     routerAddr,
		NIC:         nicID,
		Metric:      DefaultRouteMetric,
	}
	want := Lease{
		Address:     netip.MustParsePrefix("192.168.3.2/24"),
		Server:      serverAddr,
		Routers:     []netip.Addr{routerAddr},
		Routes:      []tcpip.Route{defaultRoute},
		DNS:         []netip.Addr{dnsAddr},
		Length:      time.Hour,
		RenewAfter:  30 * time.Minute,
		RebindAfter: 52*time.Minute + 30*time.Second,
		Acquired:    c.clock.Now(),
	}
	if diff := cmp.Diff(want, cl.Lease(), cmpOpts...); diff != "" {
		t.Errorf("Lease() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Lease{want}, c.leases, cmpOpts...); diff != "" {
		t.Errorf("OnLease calls mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]netip.Addr{{dnsAddr}}, c.dns, cmpOpts...); diff != "" {
		t.Errorf("OnDNS calls mismatch (-want +got):\n%s", diff)
	}
	if !c.hasAddress(want.Address) {
		t.Errorf("stack lacks DHCP address %s", want.Address)
	}
	wantRoutes := []tcpip.Route{
		defaultRoute,
		{Destination: netip.MustParsePrefix("192.168.3.0/24"), NIC: nicID},
	}
	sortRoutes := cmpopts.SortSlices(func(a, b tcpip.Route) bool { return a.Destination.Bits() < b.Destination.Bits() })
	if diff := cmp.Diff(wantRoutes, c.ipv4Routes(), append(cmpOpts, sortRoutes)...); diff != "" {
		t.Errorf("Routes() mismatch (-want +got):\n%s", diff)
	}
}

func TestDiscoverBackoff(t *testing.T) {
	c := newTestContext(t)
	c.newClient()
	first := c.nextMessage(dhcpv4.MessageTypeDiscover)

	elapsed := time.Duration(0)
	for _, wait := range []time.Duration{4, 8, 16, 32, 64, 64} {
		wait *= time.Second
		c.advance(wait - time.Millisecond)
		if msgs := c.sentMessages(); len(msgs) != 0 {
			t.Fatalf("got %d messages %s after the previous discover, want none", len(msgs), wait-time.Millisecond)
		}
		c.advance(time.Millisecond)
		elapsed += wait
		disc := c.nextMessage(dhcpv4.MessageTypeDiscover)
		if disc.msg.TransactionID != first.msg.TransactionID {
			t.Errorf("retransmission changed the xid")
		}
		if got, want := time.Duration(disc.msg.NumSeconds)*time.Second, elapsed; got != want {
			t.Errorf("secs = %s, want %s", got, want)
		}
	}
}

func TestRequestRetransmitsThenRestarts(t *testing.T) {
	c := newTestContext(t)
	cl := c.newClient()
	disc := c.nextMessage(dhcpv4.MessageTypeDiscover)
	c.reply(disc.msg, header.IPv4Broadcast, serverModifiers(dhcpv4.MessageTypeOffer)...)
	c.nextMessage(dhcpv4.MessageTypeRequest)

	// Three more REQUESTs at 4s, 8s and 16s intervals, then the client
	// gives up on the offer.
	for _, wait := range []time.Duration{4, 8, 16} {
		c.advance(wait * time.Second)
		c.nextMessage(dhcpv4.MessageTypeRequest)
	}
	c.advance(32 * time.Second)
	again := c.nextMessage(dhcpv4.MessageTypeDiscover)
	if again.msg.TransactionID == disc.msg.TransactionID {
		t.Errorf("restarted discovery reused xid %x", disc.msg.TransactionID)
	}
	if got := cl.State(); got != StateSelecting {
		t.Errorf("got state %s, want %s", got, StateSelecting)
	}
}

func TestNak(t *testing.T) {
	c := newTestContext(t)
	cl := c.newClient()
	disc := c.nextMessage(dhcpv4.MessageTypeDiscover)
	c.reply(disc.msg, header.IPv4Broadcast, serverModifiers(dhcpv4.MessageTypeOffer)...)
	req := c.nextMessage(dhcpv4.MessageTypeRequest)
	c.reply(req.msg, header.IPv4Broadcast, dhcpv4.WithMessageType(dhcpv4.MessageTypeNak))

	if got := cl.State(); got != StateSelecting {
		t.Errorf("got state %s, want %s", got, StateSelecting)
	}
	again := c.nextMessage(dhcpv4.MessageTypeDiscover)
	if again.msg.TransactionID == disc.msg.TransactionID {
		t.Errorf("discovery after NAK reused xid %x", disc.msg.TransactionID)
	}
	if len(c.leases) != 0 {
		t.Errorf("got OnLease calls %v, want none", c.leases)
	}
}

func TestIgnoresForeignReplies(t *testing.T) {
	c := newTestContext(t)
	cl := c.newClient()
	disc := c.nextMessage(dhcpv4.MessageTypeDiscover)

	other := *disc.msg
	other.TransactionID[0]++
	c.reply(&other, header.IPv4Broadcast, serverModifiers(dhcpv4.MessageTypeOffer)...)
	if got := cl.State(); got != StateSelecting {
		t.Errorf("offer for another xid moved the client to %s", got)
	}

	// An ACK while selecting is out of sequence.
	c.reply(disc.msg, header.IPv4Broadcast, serverModifiers(dhcpv4.MessageTypeAck)...)
	if got := cl.State(); got != StateSelecting {
		t.Errorf("unsolicited ACK moved the client to %s", got)
	}
	if msgs := c.sentMessages(); len(msgs) != 0 {
		t.Errorf("client answered foreign replies with %d messages", len(msgs))
	}
}

func TestRenewAndRebind(t *testing.T) {
	c := newTestContext(t)
	cl := c.newClient()
	c.acquire(cl)

	c.advance(30*time.Minute - time.Second)
	if msgs := c.sentMessages(); len(msgs) != 0 {
		t.Fatalf("got %d messages before T1", len(msgs))
	}
	c.advance(time.Second)
	if got := cl.State(); got != StateRenewing {
		t.Fatalf("got state %s at T1, want %s", got, StateRenewing)
	}
	renew := c.nextMessage(dhcpv4.MessageTypeRequest)
	if got, want := renew.pkt.Src, netip.AddrPortFrom(clientAddr, ClientPort); got != want {
		t.Errorf("renew source = %s, want %s", got, want)
	}
	if got, want := renew.pkt.Dst, netip.AddrPortFrom(serverAddr, ServerPort); got != want {
		t.Errorf("renew destination = %s, want %s", got, want)
	}
	if got := renew.msg.ClientIPAddr; !got.Equal(clientAddr.AsSlice()) {
		t.Errorf("renew ciaddr = %s, want %s", got, clientAddr)
	}
	if got := renew.msg.RequestedIPAddress(); got != nil {
		t.Errorf("renew carries a requested address %s", got)
	}

	// Retransmissions halve the time left until T2, but wait at least a
	// minute: 2475s, 2812.5s, 2981.25s, 3065.625s and 3125.625s.
	c.advance(22*time.Minute + 30*time.Second - time.Millisecond)
	var renews int
	for _, m := range c.sentMessages() {
		if m.pkt.Dst.Addr() != serverAddr {
			t.Errorf("renew retransmission sent to %s", m.pkt.Dst.Addr())
		}
		renews++
	}
	if renews != 5 {
		t.Errorf("got %d renew retransmissions, want 5", renews)
	}

	c.advance(time.Millisecond)
	if got := cl.State(); got != StateRebinding {
		t.Fatalf("got state %s at T2, want %s", got, StateRebinding)
	}
	rebind := c.nextMessage(dhcpv4.MessageTypeRequest)
	if got, want := rebind.pkt.Dst, netip.AddrPortFrom(header.IPv4Broadcast, ServerPort); got != want {
		t.Errorf("rebind destination = %s, want %s", got, want)
	}
	if got := rebind.pkt.Src.Addr(); got != clientAddr {
		t.Errorf("rebind source = %s, want %s", got, clientAddr)
	}

	c.reply(rebind.msg, clientAddr, serverModifiers(dhcpv4.MessageTypeAck)...)
	if got := cl.State(); got != StateBound {
		t.Fatalf("got state %s after rebinding, want %s", got, StateBound)
	}
	if got, want := cl.Lease().Acquired, c.clock.Now(); !got.Equal(want) {
		t.Errorf("lease acquired at %s, want %s", got, want)
	}
	if !c.hasAddress(netip.MustParsePrefix("192.168.3.2/24")) {
		t.Errorf("renewal lost the address")
	}
	if got := len(c.leases); got != 2 {
		t.Errorf("got %d OnLease calls, want 2", got)
	}
}

func TestLeaseExpiry(t *testing.T) {
	c := newTestContext(t)
	cl := c.newClient()
	c.acquire(cl)
	leased := cl.Lease().Address

	c.advance(time.Hour - time.Second)
	if !c.hasAddress(leased) {
		t.Fatalf("address %s removed before the lease expired", leased)
	}
	c.sentMessages()
	c.advance(time.Second)
	if c.hasAddress(leased) {
		t.Errorf("address %s still assigned after the lease expired", leased)
	}
	for _, r := range c.ipv4Routes() {
		t.Errorf("route %s left behind", r)
	}
	if got := cl.State(); got != StateSelecting {
		t.Errorf("got state %s, want %s", got, StateSelecting)
	}
	c.nextMessage(dhcpv4.MessageTypeDiscover)
	if n := len(c.leases); n != 2 || !c.leases[1].IsZero() {
		t.Errorf("OnLease calls = %v, want the lease then a zero Lease", c.leases)
	}
}

func TestClasslessStaticRoutes(t *testing.T) {
	c := newTestContext(t)
	cl := c.newClient()
	_, dst, _ := net.ParseCIDR("10.0.0.0/8")
	_, all, _ := net.ParseCIDR("0.0.0.0/0")
	c.acquire(cl, dhcpv4.WithOption(dhcpv4.OptClasslessStaticRoute(
		&dhcpv4.Route{Dest: dst, Router: net.IPv4(192, 168, 3, 254)},
		&dhcpv4.Route{Dest: all, Router: serverAddr.AsSlice()},
	)))

	want := []tcpip.Route{
		{Destination: netip.MustParsePrefix("10.0.0.0/8"), Gateway: netip.MustParseAddr("192.168.3.254"), NIC: nicID, Metric: DefaultRouteMetric},
		{Destination: netip.MustParsePrefix("0.0.0.0/0"), Gateway: serverAddr, NIC: nicID, Metric: DefaultRouteMetric},
	}
	if diff := cmp.Diff(want, cl.Lease().Routes, cmpOpts...); diff != "" {
		t.Errorf("lease routes mismatch (-want +got):\n%s", diff)
	}
	r, ok := c.s.Lookup(netip.MustParseAddr("10.1.2.3"))
	if !ok || r != want[0] {
		t.Errorf("Lookup(10.1.2.3) = %s, %t; want %s", r, ok, want[0])
	}
	r, ok = c.s.Lookup(netip.MustParseAddr("1.1.1.1"))
	if !ok || r.Gateway != serverAddr {
		t.Errorf("Lookup(1.1.1.1) = %s, %t; want the route via %s, not the Router option", r, ok, serverAddr)
	}
}

func TestRelease(t *testing.T) {
	c := newTestContext(t)
	cl := c.newClient()
	c.acquire(cl)

	if err := cl.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	rel := c.nextMessage(dhcpv4.MessageTypeRelease)
	if got, want := rel.pkt.Dst, netip.AddrPortFrom(serverAddr, ServerPort); got != want {
		t.Errorf("release destination = %s, want %s", got, want)
	}
	if got := rel.msg.ClientIPAddr; !got.Equal(clientAddr.AsSlice()) {
		t.Errorf("release ciaddr = %s, want %s", got, clientAddr)
	}
	if got := cl.State(); got != StateStopped {
		t.Errorf("got state %s, want %s", got, StateStopped)
	}
	if c.hasAddress(netip.MustParsePrefix("192.168.3.2/24")) {
		t.Errorf("address still assigned after release")
	}

	// Stopped clients send nothing and can start again.
	c.advance(time.Hour)
	if msgs := c.sentMessages(); len(msgs) != 0 {
		t.Errorf("stopped client sent %d messages", len(msgs))
	}
	if err := cl.Start(); err != nil {
		t.Fatalf("Start after Release: %v", err)
	}
	c.nextMessage(dhcpv4.MessageTypeDiscover)
}

// pendingJobs reports which of the client's timers are armed.
func (cl *Client) pendingJobs() []string {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	var out []string
	for _, j := range []struct {
		name string
		job  *tcpip.Job
	}{
		{"retransmit", cl.retransmit},
		{"renew", cl.renew},
		{"rebind", cl.rebind},
		{"expire", cl.expire},
	} {
		if j.job.Scheduled() {
			out = append(out, j.name)
		}
	}
	return out
}

func TestNICDownResetsLease(t *testing.T) {
	c := newTestContext(t)
	cl := c.newClient()
	c.acquire(cl)
	leased := cl.Lease().Address

	if err := c.s.DisableNIC(nicID); err != nil {
		t.Fatalf("DisableNIC: %s", err)
	}
	if got := cl.State(); got != StateInit {
		t.Errorf("got state %s on a down NIC, want %s", got, StateInit)
	}
	if got := cl.pendingJobs(); len(got) != 0 {
		t.Errorf("got timers %v armed on a down NIC, want none", got)
	}
	if !cl.Lease().IsZero() {
		t.Errorf("got lease %+v on a down NIC, want none", cl.Lease())
	}
	if c.hasAddress(leased) {
		t.Errorf("address %s still assigned on a down NIC", leased)
	}
	if n := len(c.leases); n != 2 || !c.leases[1].IsZero() {
		t.Errorf("OnLease calls = %v, want the lease then a zero Lease", c.leases)
	}

	// Nothing is sent while the NIC is down, even past the old T1.
	c.sentMessages()
	c.advance(time.Hour)
	if msgs := c.sentMessages(); len(msgs) != 0 {
		t.Errorf("client sent %d messages on a down NIC", len(msgs))
	}

	if err := c.s.EnableNIC(nicID); err != nil {
		t.Fatalf("EnableNIC: %s", err)
	}
	if got := cl.State(); got != StateSelecting {
		t.Errorf("got state %s after EnableNIC, want %s", got, StateSelecting)
	}
	c.acquire(cl)
	if !c.hasAddress(leased) {
		t.Errorf("address %s not reacquired after EnableNIC", leased)
	}
	want := []tcpip.Route{{
		Destination: netip.MustParsePrefix("0.0.0.0/0"),
		Gateway:     routerAddr,
		NIC:         nicID,
		Metric:      DefaultRouteMetric,
	}}
	if diff := cmp.Diff(want, cl.Lease().Routes, cmpOpts...); diff != "" {
		t.Errorf("lease routes after EnableNIC mismatch (-want +got):\n%s", diff)
	}
	if _, ok := c.s.Lookup(netip.MustParseAddr("1.1.1.1")); !ok {
		t.Errorf("no default route after reacquiring the lease")
	}
}

func TestNICRemovedStopsClient(t *testing.T) {
	c := newTestContext(t)
	cl := c.newClient()
	c.acquire(cl)

	if err := c.s.RemoveNIC(nicID); err != nil {
		t.Fatalf("RemoveNIC: %s", err)
	}
	if got := cl.State(); got != StateStopped {
		t.Errorf("got state %s, want %s", got, StateStopped)
	}
	if got := cl.pendingJobs(); len(got) != 0 {
		t.Errorf("got timers %v armed after RemoveNIC, want none", got)
	}
	c.advance(2 * time.Hour)
	if got := cl.State(); got != StateStopped {
		t.Errorf("got state %s two hours after RemoveNIC, want %s", got, StateStopped)
	}
}

func TestStartTwice(t *testing.T) {
	c := newTestContext(t)
	cl := c.newClient()
	if err := cl.Start(); err == nil {
		t.Errorf("second Start succeeded")
	}
}

func TestLeaseTimes(t *testing.T) {
	for _, tc := range []struct {
		name           string
		length, t1, t2 time.Duration
		wantT1, wantT2 time.Duration
	}{
		{name: "defaults", length: time.Hour, wantT1: 30 * time.Minute, wantT2: 52*time.Minute + 30*time.Second},
		{name: "server values", length: time.Hour, t1: 10 * time.Minute, t2: 20 * time.Minute, wantT1: 10 * time.Minute, wantT2: 20 * time.Minute},
		{name: "T2 past lease", length: time.Hour, t1: 10 * time.Minute, t2: 2 * time.Hour, wantT1: 10 * time.Minute, wantT2: 52*time.Minute + 30*time.Second},
		{name: "T1 past T2", length: time.Hour, t1: 50 * time.Minute, t2: 40 * time.Minute, wantT1: 30 * time.Minute, wantT2: 40 * time.Minute},
		{name: "T1 past short T2", length: time.Hour, t1: 50 * time.Minute, t2: 20 * time.Minute, wantT1: 10 * time.Minute, wantT2: 20 * time.Minute},
		{name: "infinite", length: 0, t1: time.Minute, t2: time.Hour},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t1, t2 := leaseTimes(tc.length, tc.t1, tc.t2)
			if t1 != tc.wantT1 || t2 != tc.wantT2 {
				t.Errorf("leaseTimes(%s, %s, %s) = %s, %s; want %s, %s", tc.length, tc.t1, tc.t2, t1, t2, tc.wantT1, tc.wantT2)
			}
		})
	}
}

func TestRetransmitWait(t *testing.T) {
	for _, tc := range []struct {
		left   time.Duration
		want   time.Duration
		wantOK bool
	}{
		{left: 1350 * time.Second, want: 675 * time.Second, wantOK: true},
		{left: 100 * time.Second, want: time.Minute, wantOK: true},
		{left: time.Minute, want: time.Minute, wantOK: false},
		{left: 10 * time.Second, want: time.Minute, wantOK: false},
	} {
		got, ok := retransmitWait(tc.left)
		if got != tc.want || ok != tc.wantOK {
			t.Errorf("retransmitWait(%s) = %s, %t; want %s, %t", tc.left, got, ok, tc.want, tc.wantOK)
		}
	}
}
