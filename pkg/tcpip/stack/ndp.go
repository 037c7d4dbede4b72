// Copyright 2019 The gVisor Authors.
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

	"osbyte.dev/netstack/pkg/log"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/header"
)

const (
	// defaultDupAddrDetectTransmits is the default number of NDP Neighbor
	// Solicitation messages to send when doing Duplicate Address Detection
	// for a tentative address.
	//
	// Default = 1 (from RFC 4862 section 5.1)
	defaultDupAddrDetectTransmits = 1

	// defaultMaxRtrSolicitations is the default number of Router
	// Solicitation messages to send when a NIC becomes enabled.
	//
	// Default = 3 (from RFC 4861 section 10).
	defaultMaxRtrSolicitations = 3

	// defaultRtrSolicitationInterval is the default amount of time between
	// sending Router Solicitation messages.
	//
	// Default = 4s (from 4861 section 10).
	defaultRtrSolicitationInterval = 4 * time.Second

	// defaultMaxRtrSolicitationDelay is the default maximum amount of time
	// to wait before sending the first Router Solicitation message.
	//
	// Default = 1s (from 4861 section 10).
	defaultMaxRtrSolicitationDelay = time.Second

	// minimumRtrSolicitationInterval is the minimum amount of time to wait
	// between sending Router Solicitation messages. This limit is imposed
	// to make sure that Router Solicitation messages are not sent all at
	// once, defeating the purpose of sending the initial few messages.
	minimumRtrSolicitationInterval = 500 * time.Millisecond

	// minPrefixValidLifetimeForUpdate is the minimum Valid Lifetime to
	// update the valid lifetime of a generated address by SLAAC.
	//
	// Min = 2hrs (from RFC 4862 section 5.5.3.e).
	minPrefixValidLifetimeForUpdate = 2 * time.Hour
)

const (
	// DefaultRouterMetric is the metric of default routes learned from
	// Router Advertisements.
	DefaultRouterMetric = 1024

	// OnLinkPrefixMetric is the metric of on-link routes learned from
	// Prefix Information options.
	OnLinkPrefixMetric = 256
)

// NDPConfigurations is the NDP configurations for the netstack.
type NDPConfigurations struct {
	// The number of Neighbor Solicitation messages to send when doing
	// Duplicate Address Detection for a tentative address.
	//
	// Note, a value of zero effectively disables DAD.
	DupAddrDetectTransmits uint8

	// The amount of time to wait between sending Neighbor solicitation
	// messages.
	//
	// Must be greater than or equal to 1ms.
	RetransmitTimer time.Duration

	// The number of Router Solicitation messages to send when the NIC
	// becomes enabled.
	MaxRtrSolicitations uint8

	// The amount of time between transmitting Router Solicitation messages.
	//
	// Must be greater than or equal to 0.5s.
	RtrSolicitationInterval time.Duration

	// The maximum amount of time before transmitting the first Router
	// Solicitation message.
	//
	// Must be greater than or equal to 0s.
	MaxRtrSolicitationDelay time.Duration

	// HandleRAs determines whether or not Router Advertisements will be
	// processed.
	HandleRAs bool

	// DiscoverDefaultRouters determines whether or not default routers will
	// be discovered from Router Advertisements. This configuration is
	// ignored if HandleRAs is false.
	DiscoverDefaultRouters bool

	// DiscoverOnLinkPrefixes determines whether or not on-link prefixes will
	// be discovered from Router Advertisements' Prefix Information option.
	// This configuration is ignored if HandleRAs is false.
	DiscoverOnLinkPrefixes bool

	// AutoGenGlobalAddresses determines whether or not global IPv6 addresses
	// will be generated for a NIC in response to receiving a new Prefix
	// Information option with its Autonomous Address AutoConfiguration flag
	// set, as a host, as per RFC 4862 (SLAAC).
	AutoGenGlobalAddresses bool

	// AutoGenLinkLocal determines whether a link-local address is generated
	// from the NIC's MAC address when an Ethernet NIC is enabled.
	AutoGenLinkLocal bool
}

// DefaultNDPConfigurations returns an NDPConfigurations populated with
// default values.
func DefaultNDPConfigurations() NDPConfigurations {
	return NDPConfigurations{
		DupAddrDetectTransmits:  defaultDupAddrDetectTransmits,
		RetransmitTimer:         defaultRetransmitTimer,
		MaxRtrSolicitations:     defaultMaxRtrSolicitations,
		RtrSolicitationInterval: defaultRtrSolicitationInterval,
		MaxRtrSolicitationDelay: defaultMaxRtrSolicitationDelay,
		HandleRAs:               true,
		DiscoverDefaultRouters:  true,
		DiscoverOnLinkPrefixes:  true,
		AutoGenGlobalAddresses:  true,
		AutoGenLinkLocal:        true,
	}
}

// validate modifies an NDPConfigurations with valid values. If invalid values
// are present in c, the corresponding default values will be used instead.
func (c *NDPConfigurations) validate() {
	if c.RetransmitTimer < minimumRetransmitTimer {
		c.RetransmitTimer = defaultRetransmitTimer
	}
	if c.RtrSolicitationInterval < minimumRtrSolicitationInterval {
		c.RtrSolicitationInterval = defaultRtrSolicitationInterval
	}
	if c.MaxRtrSolicitationDelay < 0 {
		c.MaxRtrSolicitationDelay = defaultMaxRtrSolicitationDelay
	}
}

// ndpState is the per-interface NDP state.
type ndpState struct {
	// The NIC this ndpState is for.
	nic *nic

	// configs is the per-interface NDP configurations.
	configs NDPConfigurations

	// defaultRouters holds the invalidation job of each discovered default
	// router.
	defaultRouters map[netip.Addr]*tcpip.Job

	// onLinkPrefixes holds the invalidation job of each discovered on-link
	// prefix. Prefixes with an infinite lifetime have a job that is never
	// scheduled.
	onLinkPrefixes map[netip.Prefix]*tcpip.Job

	// slaacPrefixes holds the address generated for each autonomous prefix.
	slaacPrefixes map[netip.Prefix]*addressState

	rtrSolicitJob       *tcpip.Job
	rtrSolicitRemaining uint8
}

func newNDPState(n *nic, c NDPConfigurations) *ndpState {
	ndp := &ndpState{
		nic:            n,
		configs:        c,
		defaultRouters: make(map[netip.Addr]*tcpip.Job),
		onLinkPrefixes: make(map[netip.Prefix]*tcpip.Job),
		slaacPrefixes:  make(map[netip.Prefix]*addressState),
	}
	ndp.rtrSolicitJob = n.stack.newJob(ndp.solicitRouterLocked)
	return ndp
}

// startDADLocked performs Duplicate Address Detection for the tentative
// address a, as per RFC 4862 section 5.4. The first probe is sent right
// away; the address is assigned RetransmitTimer after the last one unless a
// duplicate was seen.
func (ndp *ndpState) startDADLocked(a *addressState) {
	a.dadRemaining = ndp.configs.DupAddrDetectTransmits
	if a.dadJob == nil {
		a.dadJob = ndp.nic.stack.newJob(func() {
			ndp.doDADLocked(a)
		})
	}
	a.dadJob.Cancel()
	ndp.doDADLocked(a)
}

func (ndp *ndpState) doDADLocked(a *addressState) {
	if a.removed || !a.tentative || !ndp.nic.enabled {
		return
	}
	if a.dadRemaining == 0 {
		a.completeLocked()
		return
	}
	addr := a.addr()
	// As per RFC 4862 section 5.4.2, probes come from the unspecified
	// address and go to the target's solicited-node group.
	snmc := header.SolicitedNodeAddr(addr)
	if err := ndp.sendNeighborSolicitLocked(addr, header.IPv6Any, snmc, header.EthernetAddressForMulticast(snmc)); err != nil {
		log.Debugf("nic %d: DAD probe for %s: %s", ndp.nic.id, addr, err)
	}
	a.dadRemaining--
	a.dadJob.Schedule(ndp.configs.RetransmitTimer)
}

// dadFailedLocked removes a tentative address another node is using.
func (ndp *ndpState) dadFailedLocked(a *addressState) {
	n := ndp.nic
	n.stack.stats.NDP.DuplicateAddressesDetected.Increment()
	log.Warningf("nic %d: duplicate address %s detected", n.id, a.prefix)
	n.stack.emitLocked(AddressEvent{
		NIC:    n.id,
		Prefix: a.prefix,
		Kind:   a.kind,
		Type:   AddressDADFailed,
		Err:    tcpip.ErrDuplicateAddress,
	})
	n.removeAddressStateLocked(a)
}

// ndpResolver resolves IPv6 addresses to link addresses with Neighbor
// Solicitations, as per RFC 4861 section 7.2.
type ndpResolver struct {
	nic *nic
}

// linkAddressRequest implements linkAddressResolver.
func (r ndpResolver) linkAddressRequest(addr, localAddr netip.Addr, remoteLinkAddr tcpip.LinkAddress) *tcpip.Error {
	n := r.nic
	if !localAddr.IsValid() || !n.hasAssignedAddressLocked(localAddr) {
		var ok bool
		if localAddr, ok = n.primaryAddressLocked(addr); !ok {
			return tcpip.ErrBadLocalAddress
		}
	}
	dst := addr
	if len(remoteLinkAddr) == 0 {
		dst = header.SolicitedNodeAddr(addr)
		remoteLinkAddr = header.EthernetAddressForMulticast(dst)
	}
	return n.ndp.sendNeighborSolicitLocked(addr, localAddr, dst, remoteLinkAddr)
}

// sendNeighborSolicitLocked sends a Neighbor Solicitation for target. A
// Source Link Layer Address option is included unless src is unspecified.
func (ndp *ndpState) sendNeighborSolicitLocked(target, src, dst netip.Addr, linkDst tcpip.LinkAddress) *tcpip.Error {
	n := ndp.nic
	msg := make([]byte, header.ICMPv6NeighborSolicitMinimumSize)
	h := header.ICMPv6(msg)
	h.SetType(header.ICMPv6NeighborSolicit)
	header.NDPNeighborSolicit(h.MessageBody()).SetTargetAddress(target)
	if !src.IsUnspecified() {
		msg = header.AppendNDPLinkLayerAddressOption(msg, header.NDPSourceLinkLayerAddressOptionType, n.linkAddress())
	}
	if err := n.sendNDPLocked(src, dst, linkDst, msg); err != nil {
		return err
	}
	n.stack.stats.NDP.NeighborSolicitsSent.Increment()
	return nil
}

// sendNeighborAdvertLocked advertises our link address for target.
func (ndp *ndpState) sendNeighborAdvertLocked(target, dst netip.Addr, linkDst tcpip.LinkAddress, solicited bool) *tcpip.Error {
	n := ndp.nic
	msg := make([]byte, header.ICMPv6NeighborAdvertMinimumSize)
	h := header.ICMPv6(msg)
	h.SetType(header.ICMPv6NeighborAdvert)
	na := header.NDPNeighborAdvert(h.MessageBody())
	na.SetTargetAddress(target)
	na.SetSolicitedFlag(solicited)
	na.SetOverrideFlag(true)
	msg = header.AppendNDPLinkLayerAddressOption(msg, header.NDPTargetLinkLayerAddressOptionType, n.linkAddress())
	if err := n.sendNDPLocked(target, dst, linkDst, msg); err != nil {
		return err
	}
	n.stack.stats.NDP.NeighborAdvertsSent.Increment()
	return nil
}

// sendNDPLocked sends an NDP message with hop limit 255. NDP messages skip
// the route table: they are addressed to a neighbor or a link-local group.
// An empty linkDst makes the neighbor cache resolve dst.
func (n *nic) sendNDPLocked(src, dst netip.Addr, linkDst tcpip.LinkAddress, msg []byte) *tcpip.Error {
	h := header.ICMPv6(msg)
	h.SetChecksum(header.ICMPv6Checksum(h, src, dst))
	pkt := make([]byte, header.IPv6MinimumSize+len(msg))
	header.IPv6(pkt).Encode(&header.IPv6Fields{
		PayloadLength: uint16(len(msg)),
		NextHeader:    uint8(header.ICMPv6ProtocolNumber),
		HopLimit:      header.NDPHopLimit,
		SrcAddr:       src,
		DstAddr:       dst,
	})
	copy(pkt[header.IPv6MinimumSize:], msg)
	if len(linkDst) == 0 {
		return n.sendIPPacketLocked(header.IPv6ProtocolNumber, src, dst, dst, false, pkt)
	}
	n.stack.stats.IP.PacketsSent.Increment()
	return n.writeFrameLocked(linkDst, header.IPv6ProtocolNumber, pkt)
}

// handleNeighborSolicitLocked handles a Neighbor Solicitation, as per RFC
// 4861 section 7.2.3 and RFC 4862 section 5.4.3.
func (ndp *ndpState) handleNeighborSolicitLocked(src, dst netip.Addr, h header.ICMPv6, linkSrc tcpip.LinkAddress) {
	n := ndp.nic
	stats := n.stack.stats.NDP
	stats.NeighborSolicitsReceived.Increment()
	if len(h) < header.ICMPv6NeighborSolicitMinimumSize {
		stats.InvalidNDPMessagesReceived.Increment()
		return
	}
	ns := header.NDPNeighborSolicit(h.MessageBody())
	target := ns.TargetAddress()
	opts := ns.Options()
	if target.IsMulticast() || !opts.Validate() {
		stats.InvalidNDPMessagesReceived.Increment()
		return
	}
	sourceLinkAddr, hasSourceLinkAddr := opts.LinkLayerAddress(header.NDPSourceLinkLayerAddressOptionType)

	// As per RFC 4861 section 7.1.1, a solicitation from the unspecified
	// address is a DAD probe: it must go to a solicited-node group and carry
	// no Source Link Layer Address option.
	isDAD := src.IsUnspecified()
	if isDAD && (!header.IsSolicitedNodeAddr(dst) || hasSourceLinkAddr) {
		stats.InvalidNDPMessagesReceived.Increment()
		return
	}

	a := n.findAddressLocked(target)
	if a == nil {
		return
	}
	if a.tentative {
		// Another node probing the same tentative address means both of us
		// picked it. Solicitations from a specified source for a tentative
		// address are silently ignored.
		if isDAD {
			ndp.dadFailedLocked(a)
		}
		return
	}

	if isDAD {
		// Defend the address. The reply goes to all-nodes as the prober has
		// no address yet.
		_ = ndp.sendNeighborAdvertLocked(target, header.IPv6AllNodesMulticastAddress, header.EthernetAddressForMulticast(header.IPv6AllNodesMulticastAddress), false)
		return
	}

	if hasSourceLinkAddr {
		n.neigh[header.IPv6ProtocolNumber].handleProbe(src, sourceLinkAddr, true)
	} else if !dst.IsMulticast() {
		// A unicast solicitation may omit the option; the frame's source
		// reaches the solicitor.
		sourceLinkAddr = linkSrc
	}
	_ = ndp.sendNeighborAdvertLocked(target, src, sourceLinkAddr, true)
}

// handleNeighborAdvertLocked handles a Neighbor Advertisement, as per RFC
// 4861 section 7.2.5 and RFC 4862 section 5.4.4.
func (ndp *ndpState) handleNeighborAdvertLocked(src, dst netip.Addr, h header.ICMPv6) {
	n := ndp.nic
	stats := n.stack.stats.NDP
	stats.NeighborAdvertsReceived.Increment()
	if len(h) < header.ICMPv6NeighborAdvertMinimumSize {
		stats.InvalidNDPMessagesReceived.Increment()
		return
	}
	na := header.NDPNeighborAdvert(h.MessageBody())
	target := na.TargetAddress()
	opts := na.Options()
	// As per RFC 4861 section 7.1.2, advertisements to a multicast group
	// must not be solicited.
	if target.IsMulticast() || !opts.Validate() || (dst.IsMulticast() && na.SolicitedFlag()) {
		stats.InvalidNDPMessagesReceived.Increment()
		return
	}

	if a := n.findAddressLocked(target); a != nil {
		if a.tentative {
			ndp.dadFailedLocked(a)
		} else {
			log.Warningf("nic %d: %s advertised our address %s", n.id, src, target)
		}
		return
	}

	targetLinkAddr, _ := opts.LinkLayerAddress(header.NDPTargetLinkLayerAddressOptionType)
	n.neigh[header.IPv6ProtocolNumber].handleConfirmation(target, targetLinkAddr, ReachabilityConfirmationFlags{
		Solicited: na.SolicitedFlag(),
		Override:  na.OverrideFlag(),
		IsRouter:  na.RouterFlag(),
	})
	if !na.RouterFlag() {
		// The neighbor stopped being a router, as per RFC 4861 section
		// 7.2.5.
		ndp.invalidateDefaultRouterLocked(target)
	}
}

// startSolicitingRoutersLocked starts soliciting routers, as per RFC 4861
// section 6.3.7, after a random delay of up to MaxRtrSolicitationDelay.
func (ndp *ndpState) startSolicitingRoutersLocked() {
	if !ndp.configs.HandleRAs || ndp.configs.MaxRtrSolicitations == 0 || ndp.nic.loopback {
		return
	}
	ndp.rtrSolicitRemaining = ndp.configs.MaxRtrSolicitations
	var delay time.Duration
	if d := ndp.configs.MaxRtrSolicitationDelay; d > 0 {
		delay = time.Duration(ndp.nic.stack.rng.Int63n(int64(d)))
	}
	ndp.rtrSolicitJob.Cancel()
	ndp.rtrSolicitJob.Schedule(delay)
}

// stopSolicitingRoutersLocked stops soliciting routers.
func (ndp *ndpState) stopSolicitingRoutersLocked() {
	ndp.rtrSolicitJob.Cancel()
	ndp.rtrSolicitRemaining = 0
}

func (ndp *ndpState) solicitRouterLocked() {
	n := ndp.nic
	if ndp.rtrSolicitRemaining == 0 || !n.enabled {
		return
	}
	// As per RFC 4861 section 4.1, the source is an assigned address or
	// the unspecified address, in which case the Source Link Layer Address
	// option must be left out.
	src, ok := n.mld.linkLocalSourceLocked()
	msg := make([]byte, header.ICMPv6RouterSolicitMinimumSize)
	header.ICMPv6(msg).SetType(header.ICMPv6RouterSolicit)
	if ok {
		msg = header.AppendNDPLinkLayerAddressOption(msg, header.NDPSourceLinkLayerAddressOptionType, n.linkAddress())
	} else {
		src = header.IPv6Any
	}
	dst := header.IPv6AllRoutersLinkLocalMulticastAddress
	if err := n.sendNDPLocked(src, dst, header.EthernetAddressForMulticast(dst), msg); err != nil {
		log.Debugf("nic %d: router solicitation: %s", n.id, err)
	} else {
		n.stack.stats.NDP.RouterSolicitsSent.Increment()
	}
	ndp.rtrSolicitRemaining--
	if ndp.rtrSolicitRemaining > 0 {
		ndp.rtrSolicitJob.Schedule(ndp.configs.RtrSolicitationInterval)
	}
}

// handleRouterAdvertLocked handles a Router Advertisement from src, as per
// RFC 4861 section 6.3.4.
func (ndp *ndpState) handleRouterAdvertLocked(src netip.Addr, h header.ICMPv6) {
	n := ndp.nic
	stats := n.stack.stats.NDP
	stats.RouterAdvertsReceived.Increment()
	if !ndp.configs.HandleRAs {
		return
	}
	if len(h) < header.ICMPv6RouterAdvertMinimumSize || !src.IsLinkLocalUnicast() {
		stats.InvalidNDPMessagesReceived.Increment()
		return
	}
	ra := header.NDPRouterAdvert(h.MessageBody())
	opts := ra.Options()
	if !opts.Validate() {
		stats.InvalidNDPMessagesReceived.Increment()
		return
	}

	ndp.stopSolicitingRoutersLocked()
	n.stack.emitLocked(RouterAdvertEvent{
		NIC:     n.id,
		Router:  src,
		Managed: ra.ManagedAddrConfFlag(),
		Other:   ra.OtherConfFlag(),
	})

	if sourceLinkAddr, ok := opts.LinkLayerAddress(header.NDPSourceLinkLayerAddressOptionType); ok {
		n.neigh[header.IPv6ProtocolNumber].handleProbe(src, sourceLinkAddr, true)
	}

	nud := n.nud.config
	if rt := ra.ReachableTime(); rt != 0 {
		nud.BaseReachableTime = rt
	}
	if rt := ra.RetransTimer(); rt != 0 {
		nud.RetransmitTimer = rt
	}
	if nud != n.nud.config {
		n.nud.setConfig(nud)
	}

	if ndp.configs.DiscoverDefaultRouters {
		if lt := ra.RouterLifetime(); lt == 0 {
			ndp.invalidateDefaultRouterLocked(src)
		} else {
			ndp.rememberDefaultRouterLocked(src, lt)
		}
	}

	opts.Walk(func(typ header.NDPOptionIdentifier, body []byte) {
		if typ == header.NDPPrefixInformationType && len(body) >= header.NDPPrefixInformationLength {
			ndp.handlePrefixInformationLocked(header.NDPPrefixInformation(body))
		}
	})
}

// rememberDefaultRouterLocked installs or refreshes the default route
// through router.
func (ndp *ndpState) rememberDefaultRouterLocked(router netip.Addr, lifetime time.Duration) {
	n := ndp.nic
	job, ok := ndp.defaultRouters[router]
	if !ok {
		log.Infof("nic %d: discovered default router %s", n.id, router)
		n.stack.routes.add(ndp.defaultRoute(router))
		job = n.stack.newJob(func() {
			ndp.invalidateDefaultRouterLocked(router)
		})
		ndp.defaultRouters[router] = job
	}
	job.Cancel()
	job.Schedule(lifetime)
}

// invalidateDefaultRouterLocked removes router and its default route.
func (ndp *ndpState) invalidateDefaultRouterLocked(router netip.Addr) {
	job, ok := ndp.defaultRouters[router]
	if !ok {
		return
	}
	job.Cancel()
	delete(ndp.defaultRouters, router)
	route := ndp.defaultRoute(router)
	ndp.nic.stack.routes.remove(func(r tcpip.Route) bool { return r == route })
	log.Infof("nic %d: default router %s invalidated", ndp.nic.id, router)
}

func (ndp *ndpState) defaultRoute(router netip.Addr) tcpip.Route {
	return tcpip.Route{
		Destination: netip.PrefixFrom(header.IPv6Any, 0),
		Gateway:     router,
		NIC:         ndp.nic.id,
		Metric:      DefaultRouterMetric,
	}
}

func (ndp *ndpState) onLinkRoute(prefix netip.Prefix) tcpip.Route {
	return tcpip.Route{
		Destination: prefix,
		NIC:         ndp.nic.id,
		Metric:      OnLinkPrefixMetric,
	}
}

// handlePrefixInformationLocked handles a Prefix Information option, as per
// RFC 4861 section 6.3.4 and RFC 4862 section 5.5.3.
func (ndp *ndpState) handlePrefixInformationLocked(pi header.NDPPrefixInformation) {
	prefix, ok := pi.Prefix()
	if !ok || prefix.Addr().IsLinkLocalUnicast() || prefix.Addr().IsMulticast() {
		return
	}
	valid, preferred := pi.ValidLifetime(), pi.PreferredLifetime()

	if pi.OnLinkFlag() && ndp.configs.DiscoverOnLinkPrefixes {
		if valid == 0 {
			ndp.invalidateOnLinkPrefixLocked(prefix)
		} else {
			ndp.rememberOnLinkPrefixLocked(prefix, valid)
		}
	}

	if pi.AutonomousAddressConfigurationFlag() && ndp.configs.AutoGenGlobalAddresses && preferred <= valid {
		ndp.handleAutonomousPrefixLocked(prefix, valid, preferred)
	}
}

func (ndp *ndpState) rememberOnLinkPrefixLocked(prefix netip.Prefix, lifetime time.Duration) {
	n := ndp.nic
	job, ok := ndp.onLinkPrefixes[prefix]
	if !ok {
		log.Infof("nic %d: discovered on-link prefix %s", n.id, prefix)
		n.stack.routes.add(ndp.onLinkRoute(prefix))
		job = n.stack.newJob(func() {
			ndp.invalidateOnLinkPrefixLocked(prefix)
		})
		ndp.onLinkPrefixes[prefix] = job
	}
	job.Cancel()
	if lifetime < header.NDPInfiniteLifetime {
		job.Schedule(lifetime)
	}
}

func (ndp *ndpState) invalidateOnLinkPrefixLocked(prefix netip.Prefix) {
	job, ok := ndp.onLinkPrefixes[prefix]
	if !ok {
		return
	}
	job.Cancel()
	delete(ndp.onLinkPrefixes, prefix)
	route := ndp.onLinkRoute(prefix)
	ndp.nic.stack.routes.remove(func(r tcpip.Route) bool { return r == route })
}

// handleAutonomousPrefixLocked generates an address for prefix or updates
// the lifetimes of the one already generated.
func (ndp *ndpState) handleAutonomousPrefixLocked(prefix netip.Prefix, valid, preferred time.Duration) {
	n := ndp.nic
	// As per RFC 4862 section 5.5.3.d, only prefixes that, with the
	// interface identifier, make up 128 bits are used.
	if prefix.Bits() != header.SLAACPrefixLength {
		return
	}

	if a, ok := ndp.slaacPrefixes[prefix]; ok {
		// As per RFC 4862 section 5.5.3.e, the valid lifetime of an address
		// may only be cut below two hours by a lifetime larger than what is
		// left, so an unauthenticated advertisement cannot expire it.
		remaining := a.remainingValidLifetime()
		switch {
		case valid > minPrefixValidLifetimeForUpdate || valid > remaining:
		case remaining <= minPrefixValidLifetimeForUpdate:
			valid = remaining
		default:
			valid = minPrefixValidLifetimeForUpdate
		}
		a.setLifetimesLocked(preferred, valid)
		return
	}
	if valid == 0 {
		return
	}

	addr := header.AddressFromPrefixAndIID(prefix, header.EthernetAddressToModifiedEUI64(n.linkAddress()))
	a, err := n.addAddressLocked(netip.PrefixFrom(addr, header.SLAACPrefixLength), AddressProperties{Kind: AddressSLAAC})
	if err != nil {
		log.Debugf("nic %d: SLAAC address %s: %s", n.id, addr, err)
		return
	}
	// A zero preferred lifetime deprecates the address at once.
	a.setLifetimesLocked(preferred, valid)
	ndp.slaacPrefixes[prefix] = a
	n.stack.stats.NDP.SLAACAddressesGenerated.Increment()
	log.Infof("nic %d: generated SLAAC address %s", n.id, addr)
}

// forgetSLAACAddressLocked drops the SLAAC state of a removed address.
func (ndp *ndpState) forgetSLAACAddressLocked(a *addressState) {
	prefix := a.prefix.Masked()
	if ndp.slaacPrefixes[prefix] == a {
		delete(ndp.slaacPrefixes, prefix)
	}
}

// cleanupStateLocked drops everything learned from routers: default routes,
// on-link routes and SLAAC addresses.
func (ndp *ndpState) cleanupStateLocked() {
	for router := range ndp.defaultRouters {
		ndp.invalidateDefaultRouterLocked(router)
	}
	for prefix := range ndp.onLinkPrefixes {
		ndp.invalidateOnLinkPrefixLocked(prefix)
	}
	for _, a := range ndp.slaacPrefixes {
		ndp.nic.removeAddressStateLocked(a)
	}
}
