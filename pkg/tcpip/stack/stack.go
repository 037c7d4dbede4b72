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

// Package stack provides the glue between networking protocols and the
// consumers of the networking stack.
//
// A Stack owns its interfaces, routes, neighbor caches, protocol state and
// sockets. All of it is protected by one lock: every exported method takes
// it, and work the stack does on its own (timers, inbound frames) runs under
// it as well. Timers only fire from Tick, so a stack driven by a manual
// clock is fully deterministic.
package stack

import (
	"math/rand"
	"net/netip"
	"time"

	"golang.org/x/time/rate"
	"osbyte.dev/netstack/pkg/log"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/network/fragmentation"
	"osbyte.dev/netstack/pkg/tcpip/ports"
	"osbyte.dev/netstack/pkg/waiter"
)

const (
	// DefaultTTL is the default TTL (and IPv6 hop limit) of outgoing
	// unicast packets.
	DefaultTTL = 64

	// DefaultMaxSockets is the default size of the socket handle arena.
	DefaultMaxSockets = 1024

	// DefaultICMPLimit is the default number of ICMP errors sent per
	// second.
	DefaultICMPLimit rate.Limit = 1000

	// DefaultICMPBurst is the default burst of ICMP errors.
	DefaultICMPBurst = 50
)

// Options contains optional Stack configuration.
type Options struct {
	// TransportProtocols lists the transport protocols to enable.
	TransportProtocols []TransportProtocolFactory

	// Clock is an optional clock source used for timers and timestamps.
	//
	// If no Clock is specified, the clock source will be time.Now.
	Clock tcpip.Clock

	// Stats are optional statistic counters.
	Stats tcpip.Stats

	// RandSource is an optional source of random numbers. If omitted the
	// stack seeds one from the current time.
	RandSource rand.Source

	// NUDConfigs is the default NUD configurations used by interfaces.
	NUDConfigs NUDConfigurations

	// NDPConfigs is the default NDP configurations used by interfaces.
	NDPConfigs NDPConfigurations

	// Reassembly configures IPv4 reassembly.
	Reassembly fragmentation.Options

	// DefaultTTL is the TTL of outgoing unicast packets. Zero means
	// DefaultTTL.
	DefaultTTL uint8

	// MaxSockets bounds the number of open socket handles. Zero means
	// DefaultMaxSockets.
	MaxSockets int

	// ICMPLimit and ICMPBurst configure the ICMP error rate limiter. Zero
	// means the defaults.
	ICMPLimit rate.Limit
	ICMPBurst int

	// UnsolicitedReports is the number of IGMP/MLD reports sent when a group
	// is joined. Zero means two.
	UnsolicitedReports uint8

	// UnsolicitedReportInterval is the maximum delay between unsolicited
	// reports. Zero means ten seconds.
	UnsolicitedReportInterval time.Duration
}

// Stack is a networking stack, with all supported protocols, NICs, and route
// table.
type Stack struct {
	mu tcpip.DeferMutex

	clock  tcpip.Clock
	timers *tcpip.TimerQueue
	stats  *tcpip.Stats
	rng    *rand.Rand

	transports map[tcpip.TransportProtocolNumber]TransportProtocol
	demux      *transportDemuxer
	ports      *ports.PortManager

	nics   map[tcpip.NICID]*nic
	routes *routeTable

	nudConfigs  NUDConfigurations
	ndpConfigs  NDPConfigurations
	gmpReports  uint8
	gmpInterval time.Duration
	defaultTTL  uint8

	frag4  *fragmentation.Fragmentation
	ipv4ID uint16

	icmpLimiter *rate.Limiter

	sockets socketTable

	observers    map[int]func(Event)
	nextObserver int
}

// New allocates a new networking stack with only the requested networking and
// transport protocols configured with default options.
func New(opts Options) *Stack {
	clock := opts.Clock
	if clock == nil {
		clock = tcpip.NewStdClock()
	}
	randSrc := opts.RandSource
	if randSrc == nil {
		randSrc = rand.NewSource(time.Now().UnixNano())
	}
	if opts.DefaultTTL == 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.MaxSockets <= 0 {
		opts.MaxSockets = DefaultMaxSockets
	}
	if opts.ICMPLimit <= 0 {
		opts.ICMPLimit = DefaultICMPLimit
	}
	if opts.ICMPBurst <= 0 {
		opts.ICMPBurst = DefaultICMPBurst
	}
	opts.NUDConfigs.resetInvalidFields()
	opts.NDPConfigs.validate()

	stats := opts.Stats.FillIn()
	s := &Stack{
		clock:       clock,
		timers:      tcpip.NewTimerQueue(clock),
		stats:       &stats,
		rng:         rand.New(randSrc),
		transports:  make(map[tcpip.TransportProtocolNumber]TransportProtocol),
		nics:        make(map[tcpip.NICID]*nic),
		routes:      newRouteTable(),
		nudConfigs:  opts.NUDConfigs,
		ndpConfigs:  opts.NDPConfigs,
		gmpReports:  opts.UnsolicitedReports,
		gmpInterval: defaultGMPInterval(opts.UnsolicitedReportInterval),
		defaultTTL:  opts.DefaultTTL,
		icmpLimiter: rate.NewLimiter(opts.ICMPLimit, opts.ICMPBurst),
		observers:   make(map[int]func(Event)),
	}
	s.ports = ports.NewPortManager(s.rng)
	s.ipv4ID = uint16(s.rng.Uint32())
	s.frag4 = fragmentation.NewFragmentation(opts.Reassembly, s.timers, &s.mu, reassemblyTimeoutHandler{s})
	s.sockets.init(opts.MaxSockets)

	for _, f := range opts.TransportProtocols {
		p := f(s)
		s.transports[p.Number()] = p
	}
	s.demux = newTransportDemuxer(s.transports)
	return s
}

// Clock returns the Stack's clock.
func (s *Stack) Clock() tcpip.Clock {
	return s.clock
}

// Stats returns the stack's counters. They are updated atomically and may be
// read without the stack lock.
func (s *Stack) Stats() *tcpip.Stats {
	return s.stats
}

// Rand returns the stack's random number generator. It must only be used with
// the stack lock held, for example from a transport protocol.
func (s *Stack) Rand() *rand.Rand {
	return s.rng
}

// RandomUint32 returns a number drawn from the stack's generator. Unlike Rand
// it locks the stack, so clients above the transport layer may call it.
func (s *Stack) RandomUint32() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Uint32()
}

// Tick runs every timer that is due and returns how many ran. It is the
// stack's only source of time driven work; callers invoke it periodically,
// or after advancing a manual clock.
func (s *Stack) Tick() int {
	return s.timers.Expire()
}

// NextDeadline returns the earliest pending timer, if any.
func (s *Stack) NextDeadline() (tcpip.MonotonicTime, bool) {
	return s.timers.NextDeadline()
}

// Timers returns the queue Tick expires. Clients outside the stack schedule
// jobs on it under their own lock.
func (s *Stack) Timers() *tcpip.TimerQueue {
	return s.timers
}

// NewJob returns a job that runs f with the stack lock held when it fires.
// It is meant for transport protocols, whose endpoints live under the stack
// lock.
func (s *Stack) NewJob(f func()) *tcpip.Job {
	return s.newJob(f)
}

func (s *Stack) newJob(f func()) *tcpip.Job {
	return tcpip.NewJob(s.timers, &s.mu, f)
}

// Notify schedules a readiness notification on wq. It runs once the stack
// lock is released, so waiters may call back into the stack. Must be called
// with the stack lock held.
func (s *Stack) Notify(wq *waiter.Queue, mask waiter.EventMask) {
	if wq == nil || mask == 0 {
		return
	}
	s.mu.Defer(func() { wq.Notify(mask) })
}

// CreateNIC creates a NIC with the provided id and link endpoint and enables
// it.
func (s *Stack) CreateNIC(id tcpip.NICID, name string, ep LinkEndpoint) *tcpip.Error {
	if ep == nil {
		return tcpip.ErrInvalidOptionValue
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createNICLocked(id, name, ep)
}

// CreateLoopbackNIC creates the loopback NIC, carrying 127.0.0.1/8 and
// ::1/128.
func (s *Stack) CreateLoopbackNIC(id tcpip.NICID, name string) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nics {
		if n.loopback {
			return tcpip.ErrDuplicateNICID
		}
	}
	if err := s.createNICLocked(id, name, nil); err != nil {
		return err
	}
	n := s.nics[id]
	for _, p := range []netip.Prefix{
		netip.PrefixFrom(header.IPv4Loopback, 8),
		netip.PrefixFrom(netip.IPv6Loopback(), 128),
	} {
		if _, err := n.addAddressLocked(p, AddressProperties{}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stack) createNICLocked(id tcpip.NICID, name string, ep LinkEndpoint) *tcpip.Error {
	if id <= 0 {
		return tcpip.ErrUnknownNICID
	}
	if _, ok := s.nics[id]; ok {
		return tcpip.ErrDuplicateNICID
	}
	n := newNIC(s, id, name, ep)
	s.nics[id] = n
	log.Infof("nic %d (%s): created, link address %s", id, name, n.linkAddress())
	return n.enableLocked()
}

// EnableNIC enables the given NIC so that the link-layer endpoint can start
// delivering packets to it.
func (s *Stack) EnableNIC(id tcpip.NICID) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nics[id]
	if !ok {
		return tcpip.ErrUnknownNICID
	}
	return n.enableLocked()
}

// DisableNIC disables the given NIC.
func (s *Stack) DisableNIC(id tcpip.NICID) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nics[id]
	if !ok {
		return tcpip.ErrUnknownNICID
	}
	n.disableLocked()
	return nil
}

// CheckNIC checks if a NIC is usable.
func (s *Stack) CheckNIC(id tcpip.NICID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CheckNICLocked(id)
}

// CheckNICLocked is CheckNIC with the stack lock held.
func (s *Stack) CheckNICLocked(id tcpip.NICID) bool {
	n, ok := s.nics[id]
	return ok && n.enabled
}

// RemoveNIC removes NIC and all related routes from the network stack.
func (s *Stack) RemoveNIC(id tcpip.NICID) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nics[id]
	if !ok {
		return tcpip.ErrUnknownNICID
	}
	n.removeLocked()
	delete(s.nics, id)
	log.Infof("nic %d (%s): removed", id, n.name)
	return nil
}

// NICInfo returns a map of NICIDs to their associated information.
func (s *Stack) NICInfo() map[tcpip.NICID]NICInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	nics := make(map[tcpip.NICID]NICInfo, len(s.nics))
	for id, n := range s.nics {
		nics[id] = n.infoLocked()
	}
	return nics
}

// AddAddress adds a permanent address to the specified NIC.
func (s *Stack) AddAddress(id tcpip.NICID, prefix netip.Prefix) *tcpip.Error {
	return s.AddAddressWithProperties(id, prefix, AddressProperties{})
}

// AddAddressWithProperties adds an address with the given kind and lifetimes
// to the specified NIC.
func (s *Stack) AddAddressWithProperties(id tcpip.NICID, prefix netip.Prefix, props AddressProperties) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nics[id]
	if !ok {
		return tcpip.ErrUnknownNICID
	}
	_, err := n.addAddressLocked(prefix, props)
	return err
}

// SetAddressLifetimes updates the lifetimes of an assigned address, as
// needed when a DHCP lease is renewed.
func (s *Stack) SetAddressLifetimes(id tcpip.NICID, addr netip.Addr, preferred, valid time.Duration) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nics[id]
	if !ok {
		return tcpip.ErrUnknownNICID
	}
	a := n.findAddressLocked(addr)
	if a == nil {
		return tcpip.ErrBadLocalAddress
	}
	a.setLifetimesLocked(lifetimeOrInfinite(preferred), lifetimeOrInfinite(valid))
	return nil
}

// RemoveAddress removes an existing network address from the specified NIC.
func (s *Stack) RemoveAddress(id tcpip.NICID, addr netip.Addr) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nics[id]
	if !ok {
		return tcpip.ErrUnknownNICID
	}
	return n.removeAddressLocked(addr)
}

// Addresses returns the addresses of a NIC, tentative ones included.
func (s *Stack) Addresses(id tcpip.NICID) ([]AddressInfo, *tcpip.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nics[id]
	if !ok {
		return nil, tcpip.ErrUnknownNICID
	}
	return n.addressesLocked(), nil
}

// AllAddresses returns a map of NICIDs to their addresses.
func (s *Stack) AllAddresses() map[tcpip.NICID][]AddressInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	nics := make(map[tcpip.NICID][]AddressInfo, len(s.nics))
	for id, n := range s.nics {
		nics[id] = n.addressesLocked()
	}
	return nics
}

// MainAddress returns the source address the NIC would use for a peer of the
// given family.
func (s *Stack) MainAddress(id tcpip.NICID, proto tcpip.NetworkProtocolNumber) (netip.Addr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nics[id]
	if !ok {
		return netip.Addr{}, false
	}
	remote := netip.IPv6Unspecified()
	if proto == header.IPv4ProtocolNumber {
		remote = header.IPv4Any
	}
	return n.primaryAddressLocked(remote)
}

// CheckLocalAddress determines if the given local address exists, and if it
// does, returns the id of the NIC it's bound to. Returns 0 if the address
// does not exist.
func (s *Stack) CheckLocalAddress(id tcpip.NICID, addr netip.Addr) tcpip.NICID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CheckLocalAddressLocked(id, addr)
}

// CheckLocalAddressLocked is CheckLocalAddress with the stack lock held.
func (s *Stack) CheckLocalAddressLocked(id tcpip.NICID, addr netip.Addr) tcpip.NICID {
	if n := s.nicForAddressLocked(id, addr); n != nil {
		return n.id
	}
	return 0
}

// nicForAddressLocked returns the enabled NIC holding addr as an assigned
// address, restricted to id when it is non-zero.
func (s *Stack) nicForAddressLocked(id tcpip.NICID, addr netip.Addr) *nic {
	if id != 0 {
		if n, ok := s.nics[id]; ok && n.enabled && n.hasAssignedAddressLocked(addr) {
			return n
		}
		return nil
	}
	var best *nic
	for _, n := range s.nics {
		if n.enabled && n.hasAssignedAddressLocked(addr) && (best == nil || n.id < best.id) {
			best = n
		}
	}
	return best
}

// AddRoute appends a route to the route table.
func (s *Stack) AddRoute(route tcpip.Route) *tcpip.Error {
	if !route.Destination.IsValid() {
		return tcpip.ErrBadAddress
	}
	if route.Gateway.IsValid() && route.Gateway.Is4() != route.Destination.Addr().Is4() {
		return tcpip.ErrAddressFamilyMismatch
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nics[route.NIC]; !ok {
		return tcpip.ErrUnknownNICID
	}
	s.routes.add(route)
	return nil
}

// RemoveRoutes removes matching routes from the route table and returns how
// many were removed.
func (s *Stack) RemoveRoutes(match func(tcpip.Route) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.routes.remove(match))
}

// Routes returns the route table sorted by destination prefix.
func (s *Stack) Routes() []tcpip.Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routes.all()
}

// Lookup returns the route the stack would use for addr: the longest
// matching prefix through an enabled NIC, ties going to the lowest metric
// and then the lowest NIC id.
func (s *Stack) Lookup(addr netip.Addr) (tcpip.Route, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routes.lookup(addr, func(r tcpip.Route) bool {
		n, ok := s.nics[r.NIC]
		return ok && n.enabled
	})
}

// FindRoute creates a route to the given destination address, leaving
// through the given NIC and local address (if provided).
func (s *Stack) FindRoute(id tcpip.NICID, localAddr, remoteAddr netip.Addr, netProto tcpip.NetworkProtocolNumber) (*Route, *tcpip.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FindRouteLocked(id, localAddr, remoteAddr, netProto)
}

// FindRouteLocked is FindRoute with the stack lock held.
//
// A zero localAddr lets the stack pick the source address. An unspecified
// localAddr is only accepted towards broadcast and multicast destinations,
// for protocols like DHCP that run before an address is assigned.
func (s *Stack) FindRouteLocked(id tcpip.NICID, localAddr, remoteAddr netip.Addr, netProto tcpip.NetworkProtocolNumber) (*Route, *tcpip.Error) {
	if !remoteAddr.IsValid() {
		return nil, tcpip.ErrDestinationRequired
	}
	remoteAddr = remoteAddr.WithZone("")
	if want := protocolOf(remoteAddr); netProto == 0 {
		netProto = want
	} else if netProto != want {
		return nil, tcpip.ErrAddressFamilyMismatch
	}
	if localAddr.IsValid() && localAddr.Is4() != remoteAddr.Is4() {
		return nil, tcpip.ErrAddressFamilyMismatch
	}
	if id != 0 {
		if _, ok := s.nics[id]; !ok {
			return nil, tcpip.ErrUnknownNICID
		}
	}

	// Destinations owned by this host loop back through the owning NIC.
	if n := s.nicForAddressLocked(id, remoteAddr); n != nil {
		if !localAddr.IsValid() || localAddr.IsUnspecified() {
			localAddr = remoteAddr
		} else if s.nicForAddressLocked(0, localAddr) == nil {
			return nil, tcpip.ErrBadLocalAddress
		}
		return &Route{
			NetProto:      netProto,
			LocalAddress:  localAddr,
			RemoteAddress: remoteAddr,
			NextHop:       remoteAddr,
			Loop:          true,
			nic:           n,
		}, nil
	}

	multi := remoteAddr.IsMulticast() || remoteAddr == header.IPv4Broadcast
	unspecifiedLocal := localAddr.IsValid() && localAddr.IsUnspecified()
	if unspecifiedLocal && !multi {
		return nil, tcpip.ErrBadLocalAddress
	}
	if id == 0 && localAddr.IsValid() && !unspecifiedLocal {
		n := s.nicForAddressLocked(0, localAddr)
		if n == nil {
			return nil, tcpip.ErrBadLocalAddress
		}
		id = n.id
	}

	var n *nic
	nextHop := remoteAddr
	if id != 0 && (multi || remoteAddr.IsLinkLocalUnicast()) {
		// Link scoped destinations only need the NIC to be named.
		n = s.nics[id]
		if !n.enabled {
			return nil, tcpip.ErrNetworkUnreachable
		}
	} else {
		r, ok := s.routes.lookup(remoteAddr, func(r tcpip.Route) bool {
			rn, ok := s.nics[r.NIC]
			if !ok || !rn.enabled || (id != 0 && r.NIC != id) {
				return false
			}
			return !localAddr.IsValid() || unspecifiedLocal || rn.hasAssignedAddressLocked(localAddr)
		})
		if !ok {
			return nil, tcpip.ErrNoRoute
		}
		n = s.nics[r.NIC]
		if r.Gateway.IsValid() && !multi {
			nextHop = r.Gateway
		}
	}

	if localAddr.IsValid() && !unspecifiedLocal && !n.hasAssignedAddressLocked(localAddr) {
		return nil, tcpip.ErrBadLocalAddress
	}
	if !localAddr.IsValid() {
		addr, ok := n.primaryAddressLocked(remoteAddr)
		if !ok {
			return nil, tcpip.ErrBadLocalAddress
		}
		localAddr = addr
	}
	return &Route{
		NetProto:      netProto,
		LocalAddress:  localAddr,
		RemoteAddress: remoteAddr,
		NextHop:       nextHop,
		nic:           n,
	}, nil
}

// protocolOf returns the network protocol of addr's family.
func protocolOf(addr netip.Addr) tcpip.NetworkProtocolNumber {
	if addr.Is4() || addr.Is4In6() {
		return header.IPv4ProtocolNumber
	}
	return header.IPv6ProtocolNumber
}

// JoinGroup joins the given multicast group on the given NIC.
func (s *Stack) JoinGroup(id tcpip.NICID, addr netip.Addr) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.JoinGroupLocked(id, addr)
}

// JoinGroupLocked is JoinGroup with the stack lock held.
func (s *Stack) JoinGroupLocked(id tcpip.NICID, addr netip.Addr) *tcpip.Error {
	if !addr.IsMulticast() {
		return tcpip.ErrBadAddress
	}
	n, ok := s.nics[id]
	if !ok {
		return tcpip.ErrUnknownNICID
	}
	n.joinGroupLocked(addr)
	return nil
}

// LeaveGroup leaves the given multicast group on the given NIC.
func (s *Stack) LeaveGroup(id tcpip.NICID, addr netip.Addr) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LeaveGroupLocked(id, addr)
}

// LeaveGroupLocked is LeaveGroup with the stack lock held.
func (s *Stack) LeaveGroupLocked(id tcpip.NICID, addr netip.Addr) *tcpip.Error {
	n, ok := s.nics[id]
	if !ok {
		return tcpip.ErrUnknownNICID
	}
	if !n.leaveGroupLocked(addr) {
		return tcpip.ErrBadLocalAddress
	}
	return nil
}

// IsInGroup returns true if the NIC with ID nicID has joined the multicast
// group multicastAddr.
func (s *Stack) IsInGroup(id tcpip.NICID, addr netip.Addr) (bool, *tcpip.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nics[id]
	if !ok {
		return false, tcpip.ErrUnknownNICID
	}
	return n.isInGroupLocked(addr), nil
}

func (s *Stack) neighborCache(id tcpip.NICID, proto tcpip.NetworkProtocolNumber) (*neighborCache, *tcpip.Error) {
	n, ok := s.nics[id]
	if !ok {
		return nil, tcpip.ErrUnknownNICID
	}
	c, ok := n.neigh[proto]
	if !ok {
		return nil, tcpip.ErrUnknownProtocol
	}
	return c, nil
}

// Neighbors returns all IP to MAC address associations.
func (s *Stack) Neighbors(id tcpip.NICID, proto tcpip.NetworkProtocolNumber) ([]NeighborEntry, *tcpip.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.neighborCache(id, proto)
	if err != nil {
		return nil, err
	}
	return c.entries(), nil
}

// AddStaticNeighbor statically associates an IP address to a MAC address.
func (s *Stack) AddStaticNeighbor(id tcpip.NICID, addr netip.Addr, linkAddr tcpip.LinkAddress) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.neighborCache(id, protocolOf(addr))
	if err != nil {
		return err
	}
	c.addStaticEntry(addr, linkAddr)
	return nil
}

// RemoveNeighbor removes an IP to MAC address association previously created
// either automically or by AddStaticNeighbor. Returns ErrBadAddress if there
// is no association with the provided address.
func (s *Stack) RemoveNeighbor(id tcpip.NICID, addr netip.Addr) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.neighborCache(id, protocolOf(addr))
	if err != nil {
		return err
	}
	if !c.removeEntry(addr) {
		return tcpip.ErrBadAddress
	}
	return nil
}

// ClearNeighbors removes all IP to MAC address associations.
func (s *Stack) ClearNeighbors(id tcpip.NICID, proto tcpip.NetworkProtocolNumber) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.neighborCache(id, proto)
	if err != nil {
		return err
	}
	c.clear()
	return nil
}

// TransportProtocolInstance returns the protocol instance in the stack for the
// specified transport protocol. This method is public for protocol
// implementers and tests to use.
func (s *Stack) TransportProtocolInstance(num tcpip.TransportProtocolNumber) TransportProtocol {
	return s.transports[num]
}

// RegisterTransportEndpoint registers the given endpoint with the stack
// transport dispatcher. Received packets that match the provided id will be
// delivered to the given endpoint; specifying a nic is optional, but
// nic-specific IDs have precedence over global ones.
func (s *Stack) RegisterTransportEndpoint(netProtos []tcpip.NetworkProtocolNumber, protocol tcpip.TransportProtocolNumber, id TransportEndpointID, ep TransportEndpoint, reuse bool, bindToDevice tcpip.NICID) *tcpip.Error {
	return s.demux.registerEndpoint(netProtos, protocol, id, ep, reuse, bindToDevice)
}

// UnregisterTransportEndpoint removes the endpoint with the given id from the
// stack transport dispatcher.
func (s *Stack) UnregisterTransportEndpoint(netProtos []tcpip.NetworkProtocolNumber, protocol tcpip.TransportProtocolNumber, id TransportEndpointID, ep TransportEndpoint, bindToDevice tcpip.NICID) {
	s.demux.unregisterEndpoint(netProtos, protocol, id, ep, bindToDevice)
}

// Ports returns the stack's port manager. It must only be used with the
// stack lock held.
func (s *Stack) Ports() *ports.PortManager {
	return s.ports
}

// DefaultTTL returns the TTL of outgoing unicast packets.
func (s *Stack) DefaultTTL() uint8 {
	return s.defaultTTL
}

// Subscribe registers fn to receive stack events. fn runs outside the stack
// lock and may call back into the stack. The returned function cancels the
// subscription.
func (s *Stack) Subscribe(fn func(Event)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// emitLocked delivers ev to the current observers once the stack lock is
// released.
func (s *Stack) emitLocked(ev Event) {
	if len(s.observers) == 0 {
		return
	}
	fns := make([]func(Event), 0, len(s.observers))
	for id := 0; id < s.nextObserver; id++ {
		if fn, ok := s.observers[id]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Defer(func() {
		for _, fn := range fns {
			fn(ev)
		}
	})
}

// allowICMPLocked reports whether the rate limiter admits one more ICMP
// error message.
func (s *Stack) allowICMPLocked() bool {
	if s.icmpLimiter.AllowN(s.clock.Now(), 1) {
		return true
	}
	s.stats.ICMP.RateLimited.Increment()
	return false
}

// deliverLoopbackLocked hands an IP packet sent by this host back to the
// receive path of n. Delivery happens after the stack lock is released, so a
// transport sending to itself never re-enters its own handler.
func (s *Stack) deliverLoopbackLocked(n *nic, proto tcpip.NetworkProtocolNumber, pkt []byte) {
	cp := append([]byte(nil), pkt...)
	s.mu.Defer(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if n.removed || !n.enabled {
			return
		}
		switch proto {
		case header.IPv4ProtocolNumber:
			n.handleIPv4Locked(cp, "", true)
		case header.IPv6ProtocolNumber:
			n.handleIPv6Locked(cp, "", true)
		}
	})
}

// deliverTransportLocked hands a packet for one of this host's addresses to
// its transport protocol. It returns false when no endpoint took a unicast
// packet and the protocol left it unhandled, in which case the caller
// answers with a port unreachable error.
func (s *Stack) deliverTransportLocked(pkt *PacketBuffer) bool {
	proto, ok := s.transports[pkt.TransportProtocolNumber]
	if !ok {
		return true
	}
	srcPort, dstPort, ok := proto.Parse(pkt)
	if !ok {
		return true
	}
	id := TransportEndpointID{
		LocalPort:     dstPort,
		LocalAddress:  pkt.Destination,
		RemotePort:    srcPort,
		RemoteAddress: pkt.Source,
	}
	if s.demux.deliverPacket(pkt, id) {
		return true
	}
	if pkt.Broadcast || pkt.Multicast() {
		return true
	}
	return proto.HandleUnknownDestinationPacket(id, pkt) != UnknownDestinationPacketUnhandled
}

// deliverLocalErrorLocked reports err to the transport endpoint that sent
// pkt, an IP packet built by this host.
func (s *Stack) deliverLocalErrorLocked(n *nic, proto tcpip.NetworkProtocolNumber, pkt []byte, err *tcpip.Error) {
	var (
		src, dst netip.Addr
		trans    tcpip.TransportProtocolNumber
		payload  []byte
	)
	switch proto {
	case header.IPv4ProtocolNumber:
		h := header.IPv4(pkt)
		if !h.IsValid(len(pkt)) || h.FragmentOffset() != 0 {
			return
		}
		src, dst = h.SourceAddress(), h.DestinationAddress()
		trans, payload = h.TransportProtocol(), h.Payload()
	case header.IPv6ProtocolNumber:
		if len(pkt) < header.IPv6MinimumSize {
			return
		}
		h := header.IPv6(pkt)
		res := header.ParseIPv6ExtensionHeaders(pkt)
		if res.Verdict != header.IPv6ExtHdrAccept {
			return
		}
		src, dst = h.SourceAddress(), h.DestinationAddress()
		trans, payload = res.Protocol, pkt[res.Offset:]
	default:
		return
	}
	s.deliverTransportErrorLocked(n, proto, trans, src, dst, payload, err)
}

// deliverTransportErrorLocked reports err to the endpoint that sent a
// transport packet from src to dst. payload starts at the transport header,
// of which only the ports are needed.
func (s *Stack) deliverTransportErrorLocked(n *nic, proto tcpip.NetworkProtocolNumber, trans tcpip.TransportProtocolNumber, src, dst netip.Addr, payload []byte, err *tcpip.Error) {
	if len(payload) < 4 {
		return
	}
	id := TransportEndpointID{
		LocalPort:     uint16(payload[0])<<8 | uint16(payload[1]),
		LocalAddress:  src,
		RemotePort:    uint16(payload[2])<<8 | uint16(payload[3]),
		RemoteAddress: dst,
	}
	s.demux.deliverError(proto, trans, n.id, err, id)
}

// reassemblyTimeoutHandler sends ICMP Time Exceeded for datagrams whose
// reassembly timed out, as per RFC 792.
type reassemblyTimeoutHandler struct {
	s *Stack
}

// OnReassemblyTimeout implements fragmentation.TimeoutHandler. It runs with
// the stack lock held.
func (h reassemblyTimeoutHandler) OnReassemblyTimeout(id fragmentation.FragmentID, first []byte) {
	s := h.s
	s.stats.IP.ReassemblyTimeouts.Increment()
	if first == nil {
		return
	}
	s.sendICMPv4ErrorLocked(header.ICMPv4TimeExceeded, header.ICMPv4ReassemblyTimeout, 0, first)
}
