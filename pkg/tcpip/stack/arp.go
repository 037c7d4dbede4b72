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

// arpResolver resolves IPv4 addresses to link addresses with ARP, as per
// RFC 826.
type arpResolver struct {
	nic *nic
}

// linkAddressRequest implements linkAddressResolver. Requests are broadcast
// unless remoteLinkAddr names the neighbor being probed.
func (r arpResolver) linkAddressRequest(addr, localAddr netip.Addr, remoteLinkAddr tcpip.LinkAddress) *tcpip.Error {
	n := r.nic
	if !localAddr.IsValid() || !n.hasAssignedAddressLocked(localAddr) {
		var ok bool
		if localAddr, ok = n.primaryAddressLocked(addr); !ok {
			return tcpip.ErrBadLocalAddress
		}
	}
	if len(remoteLinkAddr) == 0 {
		remoteLinkAddr = header.EthernetBroadcastAddress
	}
	return n.sendARPLocked(header.ARPRequest, remoteLinkAddr, localAddr, "", addr)
}

// sendARPLocked writes an ARP packet for IPv4 over Ethernet.
func (n *nic) sendARPLocked(op header.ARPOp, dst tcpip.LinkAddress, senderIP netip.Addr, targetMAC tcpip.LinkAddress, targetIP netip.Addr) *tcpip.Error {
	pkt := header.ARP(make([]byte, header.ARPSize))
	pkt.SetIPv4OverEthernet()
	pkt.SetOp(op)
	copy(pkt.HardwareAddressSender(), n.linkAddress())
	sip := senderIP.As4()
	copy(pkt.ProtocolAddressSender(), sip[:])
	copy(pkt.HardwareAddressTarget(), targetMAC)
	tip := targetIP.As4()
	copy(pkt.ProtocolAddressTarget(), tip[:])

	stats := n.stack.stats
	if err := n.writeFrameLocked(dst, header.ARPProtocolNumber, pkt); err != nil {
		return err
	}
	if op == header.ARPRequest {
		stats.ARP.RequestsSent.Increment()
	} else {
		stats.ARP.RepliesSent.Increment()
	}
	return nil
}

// handleARPLocked processes an inbound ARP packet.
//
// Requests for one of our addresses are answered and teach us the sender.
// Any other packet, gratuitous announcements included, only refreshes an
// existing neighbor entry.
func (n *nic) handleARPLocked(v []byte) {
	stats := n.stack.stats
	stats.ARP.PacketsReceived.Increment()
	h := header.ARP(v)
	if !h.IsValid() {
		stats.ARP.MalformedPacketsReceived.Increment()
		return
	}

	sender := h.SenderIP()
	senderMAC := tcpip.LinkAddress(h.HardwareAddressSender())
	if !sender.IsUnspecified() && (sender.IsMulticast() || sender == header.IPv4Broadcast || senderMAC == n.linkAddress()) {
		stats.ARP.MalformedPacketsReceived.Increment()
		return
	}
	cache := n.neigh[header.IPv4ProtocolNumber]
	target := h.TargetIP()

	switch h.Op() {
	case header.ARPRequest:
		if !n.hasAssignedAddressLocked(target) {
			if !sender.IsUnspecified() {
				cache.handleProbe(sender, senderMAC, false /* create */)
			}
			return
		}
		if sender.IsUnspecified() {
			// An ARP probe, as per RFC 5227 section 2.1.1. Answer it but
			// learn nothing.
			_ = n.sendARPLocked(header.ARPReply, senderMAC, target, senderMAC, sender)
			return
		}
		cache.handleProbe(sender, senderMAC, true /* create */)
		_ = n.sendARPLocked(header.ARPReply, senderMAC, target, senderMAC, sender)

	case header.ARPReply:
		if sender.IsUnspecified() {
			return
		}
		// ARP has no flags; a reply always overrides what we know, as per
		// RFC 826.
		cache.handleConfirmation(sender, senderMAC, ReachabilityConfirmationFlags{
			Solicited: target.IsValid() && n.hasAssignedAddressLocked(target),
			Override:  true,
		})
	}
}
