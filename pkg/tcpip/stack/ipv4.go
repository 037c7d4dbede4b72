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
	"osbyte.dev/netstack/pkg/tcpip/network/fragmentation"
)

// handleIPv4Locked is called when a new IPv4 packet arrives on n. linkSrc is
// the Ethernet source; loop is set for packets this host sent to itself.
func (n *nic) handleIPv4Locked(pkt []byte, linkSrc tcpip.LinkAddress, loop bool) {
	s := n.stack
	stats := s.stats
	stats.IP.PacketsReceived.Increment()

	h := header.IPv4(pkt)
	if !h.IsValid(len(pkt)) || !h.IsChecksumValid() {
		stats.IP.MalformedPacketsReceived.Increment()
		return
	}
	// Drop any Ethernet padding.
	pkt = pkt[:h.TotalLength()]
	h = header.IPv4(pkt)
	hlen := int(h.HeaderLength())

	src, dst := h.SourceAddress(), h.DestinationAddress()
	if src.IsMulticast() || src == header.IPv4Broadcast {
		stats.IP.MalformedPacketsReceived.Increment()
		return
	}
	broadcast := dst == header.IPv4Broadcast || n.isSubnetBroadcastLocked(dst)
	if !n.acceptsIPv4Locked(dst, broadcast) {
		stats.IP.InvalidDestinationAddressesReceived.Increment()
		return
	}

	opts := h.Options()
	if off, ok := header.ValidateIPv4Options(opts); !ok {
		stats.IP.MalformedPacketsReceived.Increment()
		s.sendICMPv4ErrorLocked(header.ICMPv4ParamProblem, 0, uint8(header.IPv4MinimumSize+off), pkt)
		return
	}

	payload := h.Payload()
	if h.More() || h.FragmentOffset() != 0 {
		if len(payload) == 0 {
			stats.IP.MalformedFragmentsReceived.Increment()
			return
		}
		first := h.FragmentOffset()
		last := int(first) + len(payload) - 1
		// The reassembled datagram, header included, must fit the total
		// length field.
		if hlen+last+1 > header.IPv4MaximumTotalLength {
			stats.IP.MalformedFragmentsReceived.Increment()
			return
		}
		id := fragmentation.FragmentID{
			Source:      src,
			Destination: dst,
			ID:          uint32(h.ID()),
			Protocol:    h.Protocol(),
		}
		data, ready, err := s.frag4.Process(id, first, uint16(last), h.More(), pkt[:hlen], payload)
		if err != nil {
			stats.IP.MalformedFragmentsReceived.Increment()
			return
		}
		if !ready {
			return
		}
		// From here on the datagram looks unfragmented: the first
		// fragment's header followed by the whole payload.
		whole := make([]byte, hlen+len(data))
		copy(whole, pkt[:hlen])
		copy(whole[hlen:], data)
		wh := header.IPv4(whole)
		wh.SetTotalLength(uint16(len(whole)))
		wh.SetFlagsFragmentOffset(0, 0)
		pkt, h, payload = whole, wh, whole[hlen:]
	}

	p := h.TransportProtocol()
	switch p {
	case header.ICMPv4ProtocolNumber:
		stats.IP.PacketsDelivered.Increment()
		n.handleICMPv4Locked(pkt, payload, broadcast)
		return
	case header.IGMPProtocolNumber:
		stats.IP.PacketsDelivered.Increment()
		n.igmp.handleLocked(payload, src, dst, h.TTL(), hasIPv4RouterAlert(opts))
		return
	}

	if _, ok := s.transports[p]; !ok {
		// Unknown protocols are dropped without a Protocol Unreachable.
		stats.IP.UnknownProtocolReceived.Increment()
		return
	}
	stats.IP.PacketsDelivered.Increment()
	tpkt := &PacketBuffer{
		NICID:                   n.id,
		NetworkProtocolNumber:   header.IPv4ProtocolNumber,
		TransportProtocolNumber: p,
		NetworkHeader:           pkt[:hlen],
		Data:                    payload,
		Source:                  src,
		Destination:             dst,
		TTL:                     h.TTL(),
		LinkSource:              linkSrc,
		Broadcast:               broadcast,
		Loopback:                loop,
	}
	if !s.deliverTransportLocked(tpkt) {
		s.sendICMPv4ErrorLocked(header.ICMPv4DstUnreachable, header.ICMPv4PortUnreachable, 0, pkt)
	}
}

// acceptsIPv4Locked reports whether n takes packets sent to dst. The
// loopback NIC owns all of 127.0.0.0/8.
func (n *nic) acceptsIPv4Locked(dst netip.Addr, broadcast bool) bool {
	switch {
	case broadcast:
		return true
	case dst.IsMulticast():
		return n.isInGroupLocked(dst)
	case n.loopback && dst.IsLoopback():
		return true
	}
	return n.hasAssignedAddressLocked(dst)
}

// hasIPv4RouterAlert reports whether validated options carry a Router Alert.
func hasIPv4RouterAlert(opts []byte) bool {
	for i := 0; i < len(opts); {
		switch opts[i] {
		case header.IPv4OptionListEndType:
			return false
		case header.IPv4OptionNOPType:
			i++
			continue
		case header.IPv4OptionRouterAlertType:
			return true
		}
		i += int(opts[i+1])
	}
	return false
}

// handleICMPv4Locked handles an ICMP message. pkt is the whole datagram and
// payload the ICMP message.
func (n *nic) handleICMPv4Locked(pkt, payload []byte, broadcast bool) {
	s := n.stack
	stats := s.stats
	if len(payload) < header.ICMPv4MinimumSize {
		stats.ICMP.Invalid.Increment()
		return
	}
	h := header.ICMPv4(payload)
	if !h.IsChecksumValid() {
		stats.ICMP.Invalid.Increment()
		return
	}
	ip := header.IPv4(pkt)

	switch h.Type() {
	case header.ICMPv4Echo:
		stats.ICMP.EchoRequestsReceived.Increment()
		dst := ip.DestinationAddress()
		if broadcast || dst.IsMulticast() {
			// Echo requests to broadcast or multicast addresses are
			// ignored, as Linux does by default.
			return
		}
		r, err := s.FindRouteLocked(0, dst, ip.SourceAddress(), header.IPv4ProtocolNumber)
		if err != nil {
			return
		}
		reply := append([]byte(nil), payload...)
		rh := header.ICMPv4(reply)
		rh.SetType(header.ICMPv4EchoReply)
		rh.SetCode(0)
		rh.CalculateChecksum()
		if err := r.WritePacket(NetworkHeaderParams{Protocol: header.ICMPv4ProtocolNumber, TOS: ip.TOS()}, reply); err != nil {
			stats.IP.OutgoingPacketErrors.Increment()
			return
		}
		stats.ICMP.EchoRepliesSent.Increment()

	case header.ICMPv4DstUnreachable:
		stats.ICMP.DstUnreachableReceived.Increment()
		var err *tcpip.Error
		switch h.Code() {
		case header.ICMPv4PortUnreachable:
			err = tcpip.ErrConnectionRefused
		case header.ICMPv4HostUnreachable:
			err = tcpip.ErrHostUnreachable
		case header.ICMPv4NetUnreachable:
			err = tcpip.ErrNetworkUnreachable
		case header.ICMPv4FragmentationNeeded:
			err = tcpip.ErrMessageTooLong
		default:
			return
		}
		// The message quotes the header and at least the first 8 bytes of
		// the datagram we sent.
		inner := header.IPv4(h.Payload())
		if len(inner) < header.IPv4MinimumSize || header.IPVersion(inner) != header.IPv4Version {
			stats.ICMP.Invalid.Increment()
			return
		}
		ihl := int(inner.HeaderLength())
		if ihl < header.IPv4MinimumSize || len(inner) < ihl+header.ICMPv4MinimumErrorPayloadSize {
			stats.ICMP.Invalid.Increment()
			return
		}
		if inner.FragmentOffset() != 0 {
			return
		}
		s.deliverTransportErrorLocked(n, header.IPv4ProtocolNumber, inner.TransportProtocol(), inner.SourceAddress(), inner.DestinationAddress(), inner[ihl:], err)
	}
}

// sendICMPv4ErrorLocked answers the datagram orig with an ICMP error,
// following RFC 1122 section 3.2.2: no errors about ICMP errors, datagrams
// to broadcast or multicast addresses, fragments other than the first, or
// datagrams whose source does not name a single host.
func (s *Stack) sendICMPv4ErrorLocked(typ header.ICMPv4Type, code header.ICMPv4Code, pointer uint8, orig []byte) {
	h := header.IPv4(orig)
	src, dst := h.SourceAddress(), h.DestinationAddress()
	if src.IsUnspecified() || src.IsMulticast() || src == header.IPv4Broadcast {
		return
	}
	if dst.IsMulticast() || dst == header.IPv4Broadcast || h.FragmentOffset() != 0 {
		return
	}
	for _, n := range s.nics {
		if n.isSubnetBroadcastLocked(dst) {
			return
		}
	}
	if h.TransportProtocol() == header.ICMPv4ProtocolNumber {
		inner := orig[h.HeaderLength():]
		if len(inner) == 0 || header.ICMPv4Type(inner[0]).IsErrorType() {
			return
		}
	}
	if !s.allowICMPLocked() {
		return
	}

	local := dst
	if s.nicForAddressLocked(0, dst) == nil {
		local = netip.Addr{}
	}
	r, err := s.FindRouteLocked(0, local, src, header.IPv4ProtocolNumber)
	if err != nil {
		return
	}

	// Quote as much of the datagram as fits in a 576 byte reply, as per
	// RFC 1812 section 4.3.2.3.
	if limit := header.IPv4MinimumProcessableDatagramSize - header.IPv4MinimumSize - header.ICMPv4MinimumSize; len(orig) > limit {
		orig = orig[:limit]
	}
	msg := make([]byte, header.ICMPv4MinimumSize+len(orig))
	icmp := header.ICMPv4(msg)
	icmp.SetType(typ)
	icmp.SetCode(code)
	if typ == header.ICMPv4ParamProblem {
		icmp.SetPointer(pointer)
	}
	copy(msg[header.ICMPv4MinimumSize:], orig)
	icmp.CalculateChecksum()
	if err := r.WritePacket(NetworkHeaderParams{Protocol: header.ICMPv4ProtocolNumber}, msg); err != nil {
		s.stats.IP.OutgoingPacketErrors.Increment()
		return
	}
	switch typ {
	case header.ICMPv4DstUnreachable:
		s.stats.ICMP.DstUnreachableSent.Increment()
	case header.ICMPv4TimeExceeded:
		s.stats.ICMP.TimeExceededSent.Increment()
	case header.ICMPv4ParamProblem:
		s.stats.ICMP.ParamProblemSent.Increment()
	}
}

// writeIPv4Locked builds the IPv4 datagram for payload and sends it,
// fragmenting it to the NIC's MTU unless params.DontFragment is set.
func (n *nic) writeIPv4Locked(src, dst, nextHop netip.Addr, loop bool, params NetworkHeaderParams, payload []byte) *tcpip.Error {
	s := n.stack
	var opts []byte
	if params.routerAlert {
		opts = header.IPv4RouterAlertOption
	}
	hlen := header.IPv4MinimumSize + len(opts)
	if hlen+len(payload) > header.IPv4MaximumTotalLength {
		return tcpip.ErrMessageTooLong
	}
	mtu := int(n.mtu())
	if loop {
		mtu = loopbackMTU
	}

	var flags uint8
	if params.DontFragment {
		flags = header.IPv4FlagDontFragment
	}
	id := s.ipv4ID
	s.ipv4ID++

	fields := header.IPv4Fields{
		TOS:      params.TOS,
		ID:       id,
		Flags:    flags,
		TTL:      params.TTL,
		Protocol: uint8(params.Protocol),
		SrcAddr:  src,
		DstAddr:  dst,
		Options:  opts,
	}
	if hlen+len(payload) <= mtu {
		fields.TotalLength = uint16(hlen + len(payload))
		return n.sendIPv4Locked(&fields, payload, nextHop, loop)
	}
	if params.DontFragment {
		return tcpip.ErrMessageTooLong
	}

	// Only options with the copied bit go in fragments after the first, as
	// per RFC 791 section 3.1.
	copied := header.IPv4CopiedOptions(opts)
	for off := 0; off < len(payload); {
		if off > 0 {
			fields.Options = copied
		}
		fhlen := header.IPv4MinimumSize + len(fields.Options)
		size := (mtu - fhlen) &^ 7
		if size <= 0 {
			return tcpip.ErrMessageTooLong
		}
		more := true
		if off+size >= len(payload) {
			size = len(payload) - off
			more = false
		}
		fields.Flags = flags
		if more {
			fields.Flags |= header.IPv4FlagMoreFragments
		}
		fields.FragmentOffset = uint16(off)
		fields.TotalLength = uint16(fhlen + size)
		if err := n.sendIPv4Locked(&fields, payload[off:off+size], nextHop, loop); err != nil {
			return err
		}
		s.stats.IP.FragmentsCreated.Increment()
		off += size
	}
	return nil
}

func (n *nic) sendIPv4Locked(fields *header.IPv4Fields, payload []byte, nextHop netip.Addr, loop bool) *tcpip.Error {
	hlen := header.IPv4MinimumSize + len(fields.Options)
	pkt := make([]byte, hlen+len(payload))
	h := header.IPv4(pkt)
	h.Encode(fields)
	h.SetChecksum(^h.CalculateChecksum())
	copy(pkt[hlen:], payload)
	if err := n.sendIPPacketLocked(header.IPv4ProtocolNumber, fields.SrcAddr, fields.DstAddr, nextHop, loop, pkt); err != nil {
		n.stack.stats.IP.OutgoingPacketErrors.Increment()
		return err
	}
	return nil
}
