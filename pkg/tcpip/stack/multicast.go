// Copyright 2020 The gVisor Authors.
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
	"time"

	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/network/ip"
)

// igmpState is the per-NIC IGMPv2 state.
//
// It implements ip.MulticastGroupProtocol.
type igmpState struct {
	nic *nic
	gmp ip.GenericMulticastProtocolState
}

var _ ip.MulticastGroupProtocol = (*igmpState)(nil)

func (igmp *igmpState) init(n *nic) {
	igmp.nic = n
	s := n.stack
	igmp.gmp.Init(&s.mu, ip.GenericMulticastProtocolOptions{
		Rand:                      s.rng,
		TimerQueue:                s.timers,
		Protocol:                  igmp,
		MaxUnsolicitedReportDelay: s.gmpInterval,
		UnsolicitedReports:        s.gmpReports,
	})
}

// Enabled implements ip.MulticastGroupProtocol.
func (igmp *igmpState) Enabled() bool {
	// No need to perform IGMP on loopback interfaces since they don't have
	// neighbouring nodes.
	return igmp.nic.enabled && !igmp.nic.loopback
}

// SendReport implements ip.MulticastGroupProtocol.
func (igmp *igmpState) SendReport(groupAddress netip.Addr) (bool, error) {
	if err := igmp.writePacketLocked(groupAddress, groupAddress, header.IGMPv2MembershipReport); err != nil {
		return false, err
	}
	return true, nil
}

// SendLeave implements ip.MulticastGroupProtocol.
func (igmp *igmpState) SendLeave(groupAddress netip.Addr) error {
	if err := igmp.writePacketLocked(header.IPv4AllRoutersGroup, groupAddress, header.IGMPLeaveGroup); err != nil {
		return err
	}
	return nil
}

// ShouldPerformProtocol implements ip.MulticastGroupProtocol.
func (igmp *igmpState) ShouldPerformProtocol(groupAddress netip.Addr) bool {
	// As per RFC 2236 section 6 page 10,
	//
	//   The all-systems group (address 224.0.0.1) is handled as a special
	//   case. The host starts in Idle Member state for that group on every
	//   interface, never transitions to another state, and never sends a
	//   report for that group.
	return groupAddress != header.IPv4AllSystems
}

// writePacketLocked sends an IGMP message with TTL 1 and a Router Alert
// option, as per RFC 2236 section 2. Hosts without an address yet use the
// unspecified source.
func (igmp *igmpState) writePacketLocked(dst, group netip.Addr, typ header.IGMPType) *tcpip.Error {
	n := igmp.nic
	src, ok := n.primaryAddressLocked(dst)
	if !ok {
		src = header.IPv4Any
	}
	msg := header.IGMP(make([]byte, header.IGMPMinimumSize))
	msg.Encode(&header.IGMPFields{Type: typ, GroupAddress: group})

	r := &Route{
		NetProto:      header.IPv4ProtocolNumber,
		LocalAddress:  src,
		RemoteAddress: dst,
		NextHop:       dst,
		nic:           n,
	}
	if err := r.WritePacket(NetworkHeaderParams{Protocol: header.IGMPProtocolNumber, TTL: header.IGMPTTL, routerAlert: true}, msg); err != nil {
		return err
	}
	if typ == header.IGMPLeaveGroup {
		n.stack.stats.Multicast.LeavesSent.Increment()
	} else {
		n.stack.stats.Multicast.ReportsSent.Increment()
	}
	return nil
}

// handleLocked handles an IGMP message received on the NIC.
func (igmp *igmpState) handleLocked(msg []byte, src, dst netip.Addr, ttl uint8, routerAlert bool) {
	stats := igmp.nic.stack.stats.Multicast
	h := header.IGMP(msg)
	if len(h) < header.IGMPMinimumSize || header.IGMPCalculateChecksum(h) != h.Checksum() {
		stats.InvalidReceived.Increment()
		return
	}
	// As per RFC 2236 section 2,
	//
	//   All IGMP messages described in this document are sent with IP TTL 1, and
	//   contain the IP Router Alert option [RFC 2113] in their IP header.
	if !routerAlert || ttl != header.IGMPTTL {
		stats.InvalidReceived.Increment()
		return
	}

	switch h.Type() {
	case header.IGMPMembershipQuery:
		stats.QueriesReceived.Increment()
		delay := h.MaxRespTime()
		if delay == 0 {
			// Queries from IGMPv1 routers carry no response time.
			delay = header.IGMPv1RouterMRT
		}
		igmp.gmp.HandleQueryLocked(h.GroupAddress(), delay)
	case header.IGMPv1MembershipReport, header.IGMPv2MembershipReport:
		stats.ReportsReceived.Increment()
		if !igmp.isSourceValidLocked(src) {
			stats.InvalidReceived.Increment()
			return
		}
		igmp.gmp.HandleReportLocked(h.GroupAddress())
	default:
		// As per RFC 2236 Section 6, Page 7: "IGMP messages other than Query or
		// Report, are ignored in all states"
	}
}

// isSourceValidLocked reports whether src belongs to one of the NIC's
// subnets, as per RFC 2236 section 10. Reports from an unspecified source
// are accepted, as they come from hosts still configuring.
func (igmp *igmpState) isSourceValidLocked(src netip.Addr) bool {
	if src.IsUnspecified() {
		return true
	}
	for _, a := range igmp.nic.addrs {
		if a.prefix.Addr().Is4() && a.prefix.Contains(src) {
			return true
		}
	}
	return false
}

// mldState is the per-NIC MLDv1 state.
//
// It implements ip.MulticastGroupProtocol.
type mldState struct {
	nic *nic
	gmp ip.GenericMulticastProtocolState
}

var _ ip.MulticastGroupProtocol = (*mldState)(nil)

func (mld *mldState) init(n *nic) {
	mld.nic = n
	s := n.stack
	mld.gmp.Init(&s.mu, ip.GenericMulticastProtocolOptions{
		Rand:                      s.rng,
		TimerQueue:                s.timers,
		Protocol:                  mld,
		MaxUnsolicitedReportDelay: s.gmpInterval,
		UnsolicitedReports:        s.gmpReports,
	})
}

// Enabled implements ip.MulticastGroupProtocol.
func (mld *mldState) Enabled() bool {
	return mld.nic.enabled && !mld.nic.loopback
}

// SendReport implements ip.MulticastGroupProtocol.
//
// The report is queued until the NIC has a link-local address, as per RFC
// 3590 section 4.
func (mld *mldState) SendReport(groupAddress netip.Addr) (bool, error) {
	src, ok := mld.linkLocalSourceLocked()
	if !ok {
		return false, nil
	}
	if err := mld.writePacketLocked(src, groupAddress, groupAddress, header.ICMPv6MulticastListenerReport); err != nil {
		return false, err
	}
	return true, nil
}

// SendLeave implements ip.MulticastGroupProtocol.
func (mld *mldState) SendLeave(groupAddress netip.Addr) error {
	src, ok := mld.linkLocalSourceLocked()
	if !ok {
		src = header.IPv6Any
	}
	if err := mld.writePacketLocked(src, header.IPv6AllRoutersLinkLocalMulticastAddress, groupAddress, header.ICMPv6MulticastListenerDone); err != nil {
		return err
	}
	return nil
}

// ShouldPerformProtocol implements ip.MulticastGroupProtocol.
func (mld *mldState) ShouldPerformProtocol(groupAddress netip.Addr) bool {
	// As per RFC 2710 section 5 page 10,
	//
	//   The link-scope all-nodes address (FF02::1) is handled as a special
	//   case. The node starts in Idle Listener state for that address on
	//   every interface, never transitions to another state, and never sends
	//   a Report or Done for that address.
	//
	//   MLD messages are never sent for multicast addresses whose scope is 0
	//   (reserved) or 1 (node-local).
	return groupAddress != header.IPv6AllNodesMulticastAddress && ipv6Scope(groupAddress) > 1
}

// linkLocalSourceLocked returns an assigned link-local address of the NIC.
func (mld *mldState) linkLocalSourceLocked() (netip.Addr, bool) {
	for _, a := range mld.nic.addrs {
		if a.assigned() && a.addr().Is6() && a.addr().IsLinkLocalUnicast() {
			return a.addr(), true
		}
	}
	return netip.Addr{}, false
}

// writePacketLocked sends an MLD message with hop limit 1 and a Router Alert
// option, as per RFC 2710 section 3.
func (mld *mldState) writePacketLocked(src, dst, group netip.Addr, typ header.ICMPv6Type) *tcpip.Error {
	n := mld.nic
	msg := header.ICMPv6(make([]byte, header.ICMPv6MulticastListenerMinimumSize))
	msg.SetType(typ)
	header.MLD(msg.MessageBody()).SetMulticastAddress(group)
	msg.SetChecksum(header.ICMPv6Checksum(msg, src, dst))

	r := &Route{
		NetProto:      header.IPv6ProtocolNumber,
		LocalAddress:  src,
		RemoteAddress: dst,
		NextHop:       dst,
		nic:           n,
	}
	if err := r.WritePacket(NetworkHeaderParams{Protocol: header.ICMPv6ProtocolNumber, TTL: header.MLDHopLimit, routerAlert: true}, msg); err != nil {
		return err
	}
	if typ == header.ICMPv6MulticastListenerDone {
		n.stack.stats.Multicast.LeavesSent.Increment()
	} else {
		n.stack.stats.Multicast.ReportsSent.Increment()
	}
	return nil
}

// handleLocked handles an MLD message received on the NIC. msg is the body
// after the ICMPv6 header.
func (mld *mldState) handleLocked(typ header.ICMPv6Type, msg header.MLD, src netip.Addr, hopLimit uint8, routerAlert bool) {
	stats := mld.nic.stack.stats.Multicast
	// As per RFC 2710 section 5,
	//
	//   ... discard the message if the IPv6 Source Address is not a link-local
	//   address, or the Hop Limit is not 1, or there is no Router Alert.
	if !src.IsLinkLocalUnicast() || hopLimit != header.MLDHopLimit || !routerAlert {
		stats.InvalidReceived.Increment()
		return
	}

	switch typ {
	case header.ICMPv6MulticastListenerQuery:
		stats.QueriesReceived.Increment()
		mld.gmp.HandleQueryLocked(msg.MulticastAddress(), msg.MaximumResponseDelay())
	case header.ICMPv6MulticastListenerReport:
		stats.ReportsReceived.Increment()
		mld.gmp.HandleReportLocked(msg.MulticastAddress())
	}
}

// defaultGMPInterval returns d, or the default unsolicited report interval
// when d is zero.
func defaultGMPInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return ip.DefaultUnsolicitedReportInterval
	}
	return d
}
