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
	"sort"

	"osbyte.dev/netstack/pkg/log"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/header"
)

// loopbackMTU is the MTU of the loopback NIC.
const loopbackMTU = 65536

// NICInfo captures the name and addresses assigned to a NIC.
type NICInfo struct {
	Name        string
	LinkAddress tcpip.LinkAddress
	MTU         uint32
	Enabled     bool
	Loopback    bool
	Addresses   []AddressInfo
	Groups      []netip.Addr
}

// nic represents a "network interface card" to which the networking stack is
// attached. Every field is protected by the stack lock.
type nic struct {
	stack    *Stack
	id       tcpip.NICID
	name     string
	linkEP   LinkEndpoint
	loopback bool
	enabled  bool
	removed  bool

	addrs []*addressState

	// neigh holds the neighbor caches for IPv4 (ARP) and IPv6 (NDP).
	neigh map[tcpip.NetworkProtocolNumber]*neighborCache
	nud   *nudState

	ndp  *ndpState
	igmp igmpState
	mld  mldState

	// mcastFilter is the set of multicast link addresses accepted by the
	// receive filter.
	mcastFilter map[tcpip.LinkAddress]struct{}
}

// newNIC returns a new NIC. A nil link endpoint makes a loopback NIC.
func newNIC(s *Stack, id tcpip.NICID, name string, ep LinkEndpoint) *nic {
	n := &nic{
		stack:       s,
		id:          id,
		name:        name,
		linkEP:      ep,
		loopback:    ep == nil,
		neigh:       make(map[tcpip.NetworkProtocolNumber]*neighborCache),
		mcastFilter: make(map[tcpip.LinkAddress]struct{}),
	}
	n.nud = newNUDState(s.nudConfigs, s.rng)
	n.ndp = newNDPState(n, s.ndpConfigs)
	n.neigh[header.IPv4ProtocolNumber] = newNeighborCache(n, header.IPv4ProtocolNumber, n.nud, arpResolver{n})
	n.neigh[header.IPv6ProtocolNumber] = newNeighborCache(n, header.IPv6ProtocolNumber, n.nud, ndpResolver{n})
	n.igmp.init(n)
	n.mld.init(n)
	if ep != nil {
		ep.Attach(n)
	}
	return n
}

// linkAddress returns the MAC address of the NIC, or the empty address for
// loopback.
func (n *nic) linkAddress() tcpip.LinkAddress {
	if n.linkEP == nil {
		return ""
	}
	return n.linkEP.LinkAddress()
}

// mtu returns the largest IP packet the NIC can send.
func (n *nic) mtu() uint32 {
	if n.linkEP == nil {
		return loopbackMTU
	}
	return n.linkEP.MTU()
}

func (n *nic) infoLocked() NICInfo {
	return NICInfo{
		Name:        n.name,
		LinkAddress: n.linkAddress(),
		MTU:         n.mtu(),
		Enabled:     n.enabled,
		Loopback:    n.loopback,
		Addresses:   n.addressesLocked(),
		Groups:      n.groupsLocked(),
	}
}

// enableLocked brings the NIC up.
//
// It joins the all-systems and all-nodes groups, installs the connected
// routes of existing addresses, and on Ethernet NICs generates the IPv6
// link-local address, starts Duplicate Address Detection for IPv6 addresses
// and starts soliciting routers.
func (n *nic) enableLocked() *tcpip.Error {
	if n.enabled {
		return nil
	}
	n.enabled = true
	log.Infof("nic %d (%s): up", n.id, n.name)
	n.stack.emitLocked(NICEvent{NIC: n.id, Type: NICUp})

	for _, a := range n.addrs {
		n.addConnectedRouteLocked(a)
	}

	// Join the all-nodes group before starting DAD, as responses to DAD
	// probes are sent there, as per RFC 4861 section 7.2.4.
	n.joinGroupLocked(header.IPv4AllSystems)
	n.joinGroupLocked(header.IPv6AllNodesMulticastAddress)
	n.igmp.gmp.InitializeGroupsLocked()
	n.mld.gmp.InitializeGroupsLocked()

	if n.loopback {
		return nil
	}

	// Addresses may have acquired a duplicate while the NIC was down.
	if n.ndp.configs.DupAddrDetectTransmits > 0 {
		for _, a := range n.addrs {
			if a.addr().Is6() {
				a.tentative = true
				n.ndp.startDADLocked(a)
			}
		}
	}

	// Every interface needs an IPv6 link-local address, as per RFC 4291
	// section 2.1.
	if n.ndp.configs.AutoGenLinkLocal {
		addr := header.LinkLocalAddr(n.linkAddress())
		if _, err := n.addAddressLocked(netip.PrefixFrom(addr, header.SLAACPrefixLength), AddressProperties{Kind: AddressLinkLocal}); err != nil && err != tcpip.ErrDuplicateAddress {
			return err
		}
	}

	n.ndp.startSolicitingRoutersLocked()
	return nil
}

// disableLocked brings the NIC down, undoing the work done by enableLocked.
//
// Routes through the NIC, neighbor entries and state learned from routers are
// dropped, and sockets sending through the NIC are aborted.
func (n *nic) disableLocked() {
	if !n.enabled {
		return
	}

	n.ndp.stopSolicitingRoutersLocked()
	n.ndp.cleanupStateLocked()
	for _, a := range append([]*addressState(nil), n.addrs...) {
		if a.kind == AddressLinkLocal {
			n.removeAddressStateLocked(a)
			continue
		}
		if a.dadJob != nil {
			a.dadJob.Cancel()
		}
	}

	// Leave messages must go out while the NIC is still up.
	n.igmp.gmp.MakeAllNonMemberLocked()
	n.mld.gmp.MakeAllNonMemberLocked()
	n.leaveGroupLocked(header.IPv4AllSystems)
	n.leaveGroupLocked(header.IPv6AllNodesMulticastAddress)

	for _, c := range n.neigh {
		c.clear()
	}
	n.stack.routes.remove(func(r tcpip.Route) bool { return r.NIC == n.id })

	n.enabled = false
	log.Infof("nic %d (%s): down", n.id, n.name)
	n.stack.abortSocketsLocked(n.id, tcpip.ErrNetworkUnreachable)
	n.stack.emitLocked(NICEvent{NIC: n.id, Type: NICDown})
}

// removeLocked disables the NIC, drops every address and group and detaches
// it from its link endpoint.
func (n *nic) removeLocked() {
	n.disableLocked()
	for len(n.addrs) > 0 {
		n.removeAddressStateLocked(n.addrs[0])
	}
	n.igmp.gmp.MakeAllNonMemberLocked()
	n.mld.gmp.MakeAllNonMemberLocked()
	n.removed = true
	if n.linkEP != nil {
		n.linkEP.Attach(nil)
	}
	n.stack.emitLocked(NICEvent{NIC: n.id, Type: NICRemoved})
}

// DeliverFrame implements NetworkDispatcher.DeliverFrame.
func (n *nic) DeliverFrame(frame []byte) {
	s := n.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	n.deliverFrameLocked(frame)
}

func (n *nic) deliverFrameLocked(frame []byte) {
	stats := n.stack.stats
	if n.removed || !n.enabled {
		return
	}
	stats.Link.FramesReceived.Increment()
	if len(frame) < header.EthernetMinimumSize {
		stats.Link.MalformedFrames.Increment()
		return
	}
	eth := header.Ethernet(frame)
	if dst := eth.DestinationAddress(); !n.acceptsLinkAddressLocked(dst) {
		stats.Link.FilteredFrames.Increment()
		return
	}
	src := eth.SourceAddress()

	switch eth.Type() {
	case header.ARPProtocolNumber:
		n.handleARPLocked(eth.Payload())
	case header.IPv4ProtocolNumber:
		n.handleIPv4Locked(eth.Payload(), src, false)
	case header.IPv6ProtocolNumber:
		n.handleIPv6Locked(eth.Payload(), src, false)
	default:
		stats.Link.FilteredFrames.Increment()
	}
}

// acceptsLinkAddressLocked is the receive filter: our own address, broadcast
// and the multicast addresses of joined groups.
func (n *nic) acceptsLinkAddressLocked(dst tcpip.LinkAddress) bool {
	if dst == n.linkAddress() || dst == header.EthernetBroadcastAddress {
		return true
	}
	if header.IsMulticastEthernetAddress(dst) {
		_, ok := n.mcastFilter[dst]
		return ok
	}
	return false
}

// writeFrameLocked frames an IP or ARP packet and hands it to the driver.
func (n *nic) writeFrameLocked(dst tcpip.LinkAddress, proto tcpip.NetworkProtocolNumber, payload []byte) *tcpip.Error {
	if n.linkEP == nil || n.removed {
		return tcpip.ErrNetworkUnreachable
	}
	stats := n.stack.stats
	frame := make([]byte, header.EthernetMinimumSize+len(payload))
	header.Ethernet(frame).Encode(&header.EthernetFields{
		SrcAddr: n.linkEP.LinkAddress(),
		DstAddr: dst,
		Type:    proto,
	})
	copy(frame[header.EthernetMinimumSize:], payload)
	if err := n.linkEP.WriteFrame(frame); err != nil {
		stats.Link.WriteErrors.Increment()
		return err
	}
	stats.Link.FramesSent.Increment()
	return nil
}

// joinGroupLocked joins the multicast group addr, counting joins.
func (n *nic) joinGroupLocked(addr netip.Addr) {
	if addr.Is4() {
		n.igmp.gmp.JoinGroupLocked(addr)
	} else {
		n.mld.gmp.JoinGroupLocked(addr)
	}
	n.updateMulticastFilterLocked()
}

// leaveGroupLocked drops one join of addr. It returns false if the group was
// not joined.
func (n *nic) leaveGroupLocked(addr netip.Addr) bool {
	var left bool
	if addr.Is4() {
		left = n.igmp.gmp.LeaveGroupLocked(addr)
	} else {
		left = n.mld.gmp.LeaveGroupLocked(addr)
	}
	if left {
		n.updateMulticastFilterLocked()
	}
	return left
}

func (n *nic) isInGroupLocked(addr netip.Addr) bool {
	if addr.Is4() {
		return n.igmp.gmp.IsLocallyJoinedRLocked(addr)
	}
	return n.mld.gmp.IsLocallyJoinedRLocked(addr)
}

// groupsLocked returns the joined groups, sorted.
func (n *nic) groupsLocked() []netip.Addr {
	groups := append(n.igmp.gmp.GroupsLocked(), n.mld.gmp.GroupsLocked()...)
	sort.Slice(groups, func(i, j int) bool { return groups[i].Less(groups[j]) })
	return groups
}

// updateMulticastFilterLocked recomputes the receive filter from the joined
// groups and programs the driver's filter when it has one.
func (n *nic) updateMulticastFilterLocked() {
	filter := make(map[tcpip.LinkAddress]struct{})
	for _, g := range n.groupsLocked() {
		filter[header.EthernetAddressForMulticast(g)] = struct{}{}
	}
	n.mcastFilter = filter

	f, ok := n.linkEP.(MulticastFilterer)
	if !ok {
		return
	}
	addrs := make([]tcpip.LinkAddress, 0, len(filter))
	for a := range filter {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	f.SetMulticastFilter(addrs)
}
