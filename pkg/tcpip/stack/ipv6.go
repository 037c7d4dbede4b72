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

// handleIPv6Locked is called when a new IPv6 packet arrives on n.
func (n *nic) handleIPv6Locked(pkt []byte, linkSrc tcpip.LinkAddress, loop bool) {
	s := n.stack
	stats := s.stats
	stats.IP.PacketsReceived.Increment()

	h := header.IPv6(pkt)
	if !h.IsValid(len(pkt)) {
		stats.IP.MalformedPacketsReceived.Increment()
		return
	}
	pkt = pkt[:header.IPv6MinimumSize+int(h.PayloadLength())]
	h = header.IPv6(pkt)

	src, dst := h.SourceAddress(), h.DestinationAddress()
	if src.IsMulticast() {
		stats.IP.MalformedPacketsReceived.Increment()
		return
	}
	if !n.acceptsIPv6Locked(dst) {
		stats.IP.InvalidDestinationAddressesReceived.Increment()
		return
	}

	res := header.ParseIPv6ExtensionHeaders(h)
	switch res.Verdict {
	case header.IPv6ExtHdrDiscard:
		stats.IP.MalformedPacketsReceived.Increment()
		return
	case header.IPv6ExtHdrParameterProblem:
		stats.IP.UnsupportedExtensionHeaders.Increment()
		// Code 2 errors are the only ones sent in reply to multicast, as per
		// RFC 4443 section 2.4 (e.3).
		n.sendICMPv6ErrorLocked(header.ICMPv6ParamProblem, res.Code, res.Pointer, pkt, res.Code == header.ICMPv6UnknownOption)
		return
	}

	payload := pkt[res.Offset:]
	switch res.Protocol {
	case header.ICMPv6ProtocolNumber:
		stats.IP.PacketsDelivered.Increment()
		n.handleICMPv6Locked(pkt, payload, linkSrc, res.RouterAlert)
		return
	case tcpip.TransportProtocolNumber(header.IPv6NoNextHeaderIdentifier):
		stats.IP.PacketsDelivered.Increment()
		return
	}
	if _, ok := s.transports[res.Protocol]; !ok {
		stats.IP.UnknownProtocolReceived.Increment()
		return
	}
	stats.IP.PacketsDelivered.Increment()
	tpkt := &PacketBuffer{
		NICID:                   n.id,
		NetworkProtocolNumber:   header.IPv6ProtocolNumber,
		TransportProtocolNumber: res.Protocol,
		NetworkHeader:           pkt[:res.Offset],
		Data:                    payload,
		Source:                  src,
		Destination:             dst,
		TTL:                     h.HopLimit(),
		LinkSource:              linkSrc,
		Loopback:                loop,
	}
	if !s.deliverTransportLocked(tpkt) {
		n.sendICMPv6ErrorLocked(header.ICMPv6DstUnreachable, header.ICMPv6PortUnreachable, 0, pkt, false)
	}
}

// acceptsIPv6Locked reports whether n takes packets sent to dst. Tentative
// addresses are not accepted; NDP messages for them arrive through the
// solicited-node and all-nodes groups.
func (n *nic) acceptsIPv6Locked(dst netip.Addr) bool {
	switch {
	case dst.IsMulticast():
		return n.isInGroupLocked(dst)
	case n.loopback && dst == header.IPv6Loopback:
		return true
	}
	return n.hasAssignedAddressLocked(dst)
}

// handleICMPv6Locked handles an ICMPv6 message. pkt is the whole packet and
// msg the ICMPv6 message.
func (n *nic) handleICMPv6Locked(pkt, msg []byte, linkSrc tcpip.LinkAddress, routerAlert bool) {
	s := n.stack
	stats := s.stats
	ip := header.IPv6(pkt)
	src, dst := ip.SourceAddress(), ip.DestinationAddress()
	if len(msg) < header.ICMPv6HeaderSize {
		stats.ICMP.Invalid.Increment()
		return
	}
	h := header.ICMPv6(msg)
	if header.ICMPv6Checksum(h, src, dst) != h.Checksum() {
		stats.ICMP.Invalid.Increment()
		return
	}

	switch typ := h.Type(); typ {
	case header.ICMPv6EchoRequest:
		stats.ICMP.EchoRequestsReceived.Increment()
		if len(msg) < header.ICMPv6EchoMinimumSize {
			stats.ICMP.Invalid.Increment()
			return
		}
		if dst.IsMulticast() {
			return
		}
		r, err := s.FindRouteLocked(n.id, dst, src, header.IPv6ProtocolNumber)
		if err != nil {
			return
		}
		reply := header.ICMPv6(append([]byte(nil), msg...))
		reply.SetType(header.ICMPv6EchoReply)
		reply.SetCode(header.ICMPv6UnusedCode)
		reply.SetChecksum(header.ICMPv6Checksum(reply, r.LocalAddress, r.RemoteAddress))
		tc, _ := ip.TOS()
		if err := r.WritePacket(NetworkHeaderParams{Protocol: header.ICMPv6ProtocolNumber, TOS: tc}, reply); err != nil {
			stats.IP.OutgoingPacketErrors.Increment()
			return
		}
		stats.ICMP.EchoRepliesSent.Increment()

	case header.ICMPv6DstUnreachable:
		stats.ICMP.DstUnreachableReceived.Increment()
		var err *tcpip.Error
		switch h.Code() {
		case header.ICMPv6PortUnreachable:
			err = tcpip.ErrConnectionRefused
		case header.ICMPv6AddressUnreachable:
			err = tcpip.ErrHostUnreachable
		case header.ICMPv6NetworkUnreachable:
			err = tcpip.ErrNetworkUnreachable
		default:
			return
		}
		if len(msg) < header.ICMPv6ErrorHeaderSize+header.IPv6MinimumSize {
			stats.ICMP.Invalid.Increment()
			return
		}
		inner := header.IPv6(msg[header.ICMPv6ErrorHeaderSize:])
		// Only packets without extension headers are matched to an endpoint;
		// we never send any with a transport payload.
		switch p := tcpip.TransportProtocolNumber(inner.NextHeader()); p {
		case header.TCPProtocolNumber, header.UDPProtocolNumber:
			s.deliverTransportErrorLocked(n, header.IPv6ProtocolNumber, p, inner.SourceAddress(), inner.DestinationAddress(), inner[header.IPv6MinimumSize:], err)
		}

	case header.ICMPv6NeighborSolicit, header.ICMPv6NeighborAdvert, header.ICMPv6RouterSolicit, header.ICMPv6RouterAdvert:
		// RFC 4861 section 6.1 and 7.1: NDP messages must come from a
		// neighbor and carry code 0.
		if ip.HopLimit() != header.NDPHopLimit || h.Code() != 0 {
			stats.NDP.InvalidNDPMessagesReceived.Increment()
			return
		}
		switch typ {
		case header.ICMPv6NeighborSolicit:
			n.ndp.handleNeighborSolicitLocked(src, dst, h, linkSrc)
		case header.ICMPv6NeighborAdvert:
			n.ndp.handleNeighborAdvertLocked(src, dst, h)
		case header.ICMPv6RouterAdvert:
			n.ndp.handleRouterAdvertLocked(src, h)
		}
		// Hosts ignore Router Solicitations.

	case header.ICMPv6MulticastListenerQuery, header.ICMPv6MulticastListenerReport, header.ICMPv6MulticastListenerDone:
		if len(msg) < header.ICMPv6MulticastListenerMinimumSize {
			stats.Multicast.InvalidReceived.Increment()
			return
		}
		n.mld.handleLocked(typ, header.MLD(h.MessageBody()), src, ip.HopLimit(), routerAlert)
	}
}

// sendICMPv6ErrorLocked answers the packet orig, received on n, with an
// ICMPv6 error. As per RFC 4443 section 2.4 (e), no error is sent about an
// ICMPv6 error, to a source that is not a single host, or about a packet to
// a multicast destination unless allowMulticastDst is set.
func (n *nic) sendICMPv6ErrorLocked(typ header.ICMPv6Type, code header.ICMPv6Code, pointer uint32, orig []byte, allowMulticastDst bool) {
	s := n.stack
	h := header.IPv6(orig)
	src, dst := h.SourceAddress(), h.DestinationAddress()
	if src.IsUnspecified() || src.IsMulticast() {
		return
	}
	if dst.IsMulticast() && !allowMulticastDst {
		return
	}
	if h.NextHeader() == uint8(header.ICMPv6ProtocolNumber) && len(orig) > header.IPv6MinimumSize {
		if header.ICMPv6Type(orig[header.IPv6MinimumSize]).IsErrorType() {
			return
		}
	}
	if !s.allowICMPLocked() {
		return
	}

	var local netip.Addr
	if n.hasAssignedAddressLocked(dst) || (n.loopback && dst.IsLoopback()) {
		local = dst
	}
	r, err := s.FindRouteLocked(n.id, local, src, header.IPv6ProtocolNumber)
	if err != nil {
		// The source may be routed through another NIC.
		if r, err = s.FindRouteLocked(0, local, src, header.IPv6ProtocolNumber); err != nil {
			return
		}
	}

	// The error must fit the minimum MTU, as per RFC 4443 section 2.4 (c).
	if limit := header.IPv6MinimumMTU - header.IPv6MinimumSize - header.ICMPv6ErrorHeaderSize; len(orig) > limit {
		orig = orig[:limit]
	}
	msg := header.ICMPv6(make([]byte, header.ICMPv6ErrorHeaderSize+len(orig)))
	msg.SetType(typ)
	msg.SetCode(code)
	if typ == header.ICMPv6ParamProblem {
		msg.SetTypeSpecific(pointer)
	}
	copy(msg[header.ICMPv6ErrorHeaderSize:], orig)
	msg.SetChecksum(header.ICMPv6Checksum(msg, r.LocalAddress, r.RemoteAddress))
	if err := r.WritePacket(NetworkHeaderParams{Protocol: header.ICMPv6ProtocolNumber}, msg); err != nil {
		s.stats.IP.OutgoingPacketErrors.Increment()
		return
	}
	switch typ {
	case header.ICMPv6DstUnreachable:
		s.stats.ICMP.DstUnreachableSent.Increment()
	case header.ICMPv6ParamProblem:
		s.stats.ICMP.ParamProblemSent.Increment()
	}
}

// writeIPv6Locked builds the IPv6 packet for payload and sends it. IPv6
// packets are never fragmented by this host.
func (n *nic) writeIPv6Locked(src, dst, nextHop netip.Addr, loop bool, params NetworkHeaderParams, payload []byte) *tcpip.Error {
	var ext []byte
	nextHdr := uint8(params.Protocol)
	if params.routerAlert {
		ext = make([]byte, header.IPv6RouterAlertHopByHopSize)
		header.EncodeIPv6RouterAlertHopByHop(ext, nextHdr)
		nextHdr = uint8(header.IPv6HopByHopOptionsExtHdrIdentifier)
	}
	plen := len(ext) + len(payload)
	if plen > header.IPv6MaximumPayloadSize {
		return tcpip.ErrMessageTooLong
	}
	mtu := int(n.mtu())
	if loop {
		mtu = loopbackMTU
	}
	if header.IPv6MinimumSize+plen > mtu {
		return tcpip.ErrMessageTooLong
	}

	pkt := make([]byte, header.IPv6MinimumSize+plen)
	header.IPv6(pkt).Encode(&header.IPv6Fields{
		TrafficClass:  params.TOS,
		PayloadLength: uint16(plen),
		NextHeader:    nextHdr,
		HopLimit:      params.TTL,
		SrcAddr:       src,
		DstAddr:       dst,
	})
	copy(pkt[header.IPv6MinimumSize:], ext)
	copy(pkt[header.IPv6MinimumSize+len(ext):], payload)
	if err := n.sendIPPacketLocked(header.IPv6ProtocolNumber, src, dst, nextHop, loop, pkt); err != nil {
		n.stack.stats.IP.OutgoingPacketErrors.Increment()
		return err
	}
	return nil
}
