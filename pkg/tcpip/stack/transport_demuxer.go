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

type protocolIDs struct {
	network   tcpip.NetworkProtocolNumber
	transport tcpip.TransportProtocolNumber
}

// transportEndpoints manages all endpoints of a given protocol.
type transportEndpoints struct {
	endpoints map[TransportEndpointID]*endpointsByNIC
}

type endpointsByNIC struct {
	endpoints map[tcpip.NICID]*multiPortEndpoint
}

// handlePacket is called by the stack when new packets arrive to this
// transport endpoint.
func (epsByNIC *endpointsByNIC) handlePacket(id TransportEndpointID, pkt *PacketBuffer) bool {
	mpep, ok := epsByNIC.endpoints[pkt.NICID]
	if !ok {
		if mpep, ok = epsByNIC.endpoints[0]; !ok {
			return false
		}
	}

	// If this is a broadcast or multicast datagram, deliver the datagram to
	// all endpoints bound to the right device.
	if pkt.Broadcast || pkt.Multicast() {
		mpep.handlePacketAll(id, pkt)
		return true
	}

	mpep.selectEndpoint().HandlePacket(id, pkt)
	return true
}

func (epsByNIC *endpointsByNIC) handleError(err *tcpip.Error, nicID tcpip.NICID, id TransportEndpointID) {
	mpep, ok := epsByNIC.endpoints[nicID]
	if !ok {
		if mpep, ok = epsByNIC.endpoints[0]; !ok {
			return
		}
	}
	mpep.selectEndpoint().HandleError(err, id)
}

// registerEndpoint fails if an endpoint is already registered for
// bindToDevice and either side does not allow reuse.
func (epsByNIC *endpointsByNIC) registerEndpoint(t TransportEndpoint, reuse bool, bindToDevice tcpip.NICID) *tcpip.Error {
	if multiPortEp, ok := epsByNIC.endpoints[bindToDevice]; ok {
		// There was already a bind.
		return multiPortEp.singleRegisterEndpoint(t, reuse)
	}

	// This is a new binding.
	multiPortEp := &multiPortEndpoint{
		endpointsMap: make(map[TransportEndpoint]int),
		reuse:        reuse,
	}
	epsByNIC.endpoints[bindToDevice] = multiPortEp
	return multiPortEp.singleRegisterEndpoint(t, reuse)
}

// unregisterEndpoint returns true if endpointsByNIC has to be unregistered.
func (epsByNIC *endpointsByNIC) unregisterEndpoint(bindToDevice tcpip.NICID, t TransportEndpoint) bool {
	multiPortEp, ok := epsByNIC.endpoints[bindToDevice]
	if !ok {
		return false
	}
	if multiPortEp.unregisterEndpoint(t) {
		delete(epsByNIC.endpoints, bindToDevice)
	}
	return len(epsByNIC.endpoints) == 0
}

// unregisterEndpoint unregisters the endpoint with the given id such that it
// won't receive any more packets.
func (eps *transportEndpoints) unregisterEndpoint(id TransportEndpointID, ep TransportEndpoint, bindToDevice tcpip.NICID) {
	epsByNIC, ok := eps.endpoints[id]
	if !ok {
		return
	}
	if !epsByNIC.unregisterEndpoint(bindToDevice, ep) {
		return
	}
	delete(eps.endpoints, id)
}

// transportDemuxer demultiplexes packets targeted at a transport endpoint
// (i.e., after they've been parsed by the network layer). It does two levels
// of demultiplexing: first based on the network and transport protocols, then
// based on endpoints IDs. It should only be instantiated via
// newTransportDemuxer.
//
// The demuxer is protected by the stack lock.
type transportDemuxer struct {
	// protocol is immutable.
	protocol map[protocolIDs]*transportEndpoints
}

func newTransportDemuxer(transports map[tcpip.TransportProtocolNumber]TransportProtocol) *transportDemuxer {
	d := &transportDemuxer{protocol: make(map[protocolIDs]*transportEndpoints)}

	// Add each network and transport pair to the demuxer.
	for _, netProto := range []tcpip.NetworkProtocolNumber{header.IPv4ProtocolNumber, header.IPv6ProtocolNumber} {
		for proto := range transports {
			d.protocol[protocolIDs{netProto, proto}] = &transportEndpoints{
				endpoints: make(map[TransportEndpointID]*endpointsByNIC),
			}
		}
	}

	return d
}

// registerEndpoint registers the given endpoint with the dispatcher such that
// packets that match the endpoint ID are delivered to it.
func (d *transportDemuxer) registerEndpoint(netProtos []tcpip.NetworkProtocolNumber, protocol tcpip.TransportProtocolNumber, id TransportEndpointID, ep TransportEndpoint, reuse bool, bindToDevice tcpip.NICID) *tcpip.Error {
	for i, n := range netProtos {
		if err := d.singleRegisterEndpoint(n, protocol, id, ep, reuse, bindToDevice); err != nil {
			d.unregisterEndpoint(netProtos[:i], protocol, id, ep, bindToDevice)
			return err
		}
	}

	return nil
}

// multiPortEndpoint is a container for TransportEndpoints which are bound to
// the same pair of address and port. endpointsArr always has at least one
// element.
type multiPortEndpoint struct {
	endpointsArr []TransportEndpoint
	endpointsMap map[TransportEndpoint]int
	// reuse indicates if more than one endpoint is allowed.
	reuse bool
}

// selectEndpoint returns the endpoint that receives unicast traffic: the most
// recently bound one.
func (ep *multiPortEndpoint) selectEndpoint() TransportEndpoint {
	return ep.endpointsArr[len(ep.endpointsArr)-1]
}

func (ep *multiPortEndpoint) handlePacketAll(id TransportEndpointID, pkt *PacketBuffer) {
	for _, endpoint := range ep.endpointsArr {
		endpoint.HandlePacket(id, pkt)
	}
}

// singleRegisterEndpoint tries to add an endpoint to the multiPortEndpoint
// list. The list might be empty already.
func (ep *multiPortEndpoint) singleRegisterEndpoint(t TransportEndpoint, reuse bool) *tcpip.Error {
	if len(ep.endpointsArr) > 0 {
		// If it was previously bound, we need to check if we can bind again.
		if !ep.reuse || !reuse {
			return tcpip.ErrPortInUse
		}
	}

	// A new endpoint is added into endpointsArr and its index there is saved in
	// endpointsMap. This will allow us to remove endpoint from the array fast.
	ep.endpointsMap[t] = len(ep.endpointsArr)
	ep.endpointsArr = append(ep.endpointsArr, t)
	return nil
}

// unregisterEndpoint returns true if multiPortEndpoint has to be unregistered.
func (ep *multiPortEndpoint) unregisterEndpoint(t TransportEndpoint) bool {
	idx, ok := ep.endpointsMap[t]
	if !ok {
		return false
	}
	delete(ep.endpointsMap, t)
	ep.endpointsArr = append(ep.endpointsArr[:idx], ep.endpointsArr[idx+1:]...)
	for i := idx; i < len(ep.endpointsArr); i++ {
		ep.endpointsMap[ep.endpointsArr[i]] = i
	}
	return len(ep.endpointsArr) == 0
}

func (d *transportDemuxer) singleRegisterEndpoint(netProto tcpip.NetworkProtocolNumber, protocol tcpip.TransportProtocolNumber, id TransportEndpointID, ep TransportEndpoint, reuse bool, bindToDevice tcpip.NICID) *tcpip.Error {
	if id.RemotePort != 0 {
		// Connected endpoints own their 4-tuple.
		reuse = false
	}

	eps, ok := d.protocol[protocolIDs{netProto, protocol}]
	if !ok {
		return tcpip.ErrUnknownProtocol
	}

	if epsByNIC, ok := eps.endpoints[id]; ok {
		// There was already a binding.
		return epsByNIC.registerEndpoint(ep, reuse, bindToDevice)
	}

	// This is a new binding.
	epsByNIC := &endpointsByNIC{
		endpoints: make(map[tcpip.NICID]*multiPortEndpoint),
	}
	eps.endpoints[id] = epsByNIC

	return epsByNIC.registerEndpoint(ep, reuse, bindToDevice)
}

// unregisterEndpoint unregisters the endpoint with the given id such that it
// won't receive any more packets.
func (d *transportDemuxer) unregisterEndpoint(netProtos []tcpip.NetworkProtocolNumber, protocol tcpip.TransportProtocolNumber, id TransportEndpointID, ep TransportEndpoint, bindToDevice tcpip.NICID) {
	for _, n := range netProtos {
		if eps, ok := d.protocol[protocolIDs{n, protocol}]; ok {
			eps.unregisterEndpoint(id, ep, bindToDevice)
		}
	}
}

// deliverPacket attempts to find one or more matching transport endpoints, and
// then, if matches are found, delivers the packet to them. Returns true if it
// found one or more endpoints, false otherwise.
func (d *transportDemuxer) deliverPacket(pkt *PacketBuffer, id TransportEndpointID) bool {
	eps, ok := d.protocol[protocolIDs{pkt.NetworkProtocolNumber, pkt.TransportProtocolNumber}]
	if !ok {
		return false
	}

	// If the packet is a broadcast or multicast, then find all matching
	// transport endpoints. Otherwise, try to find a single matching
	// transport endpoint.
	var destEps []*endpointsByNIC
	if pkt.TransportProtocolNumber == header.UDPProtocolNumber && (pkt.Broadcast || pkt.Multicast()) {
		for epID, endpoint := range eps.endpoints {
			if epID.LocalPort != id.LocalPort {
				continue
			}
			if epID.LocalAddress.IsValid() && epID.LocalAddress != id.LocalAddress {
				continue
			}
			if epID.RemotePort != 0 && (epID.RemotePort != id.RemotePort || epID.RemoteAddress != id.RemoteAddress) {
				continue
			}
			destEps = append(destEps, endpoint)
		}
	} else if ep := d.findEndpoint(eps, id); ep != nil {
		destEps = append(destEps, ep)
	}

	delivered := false
	for _, ep := range destEps {
		if ep.handlePacket(id, pkt) {
			delivered = true
		}
	}
	return delivered
}

// deliverError attempts to deliver an error for a packet this host sent. id
// is seen from the sender's side. Returns true if it found an endpoint.
func (d *transportDemuxer) deliverError(netProto tcpip.NetworkProtocolNumber, trans tcpip.TransportProtocolNumber, nicID tcpip.NICID, err *tcpip.Error, id TransportEndpointID) bool {
	eps, ok := d.protocol[protocolIDs{netProto, trans}]
	if !ok {
		return false
	}

	ep := d.findEndpoint(eps, id)
	if ep == nil {
		return false
	}
	ep.handleError(err, nicID, id)
	return true
}

func (d *transportDemuxer) findEndpoint(eps *transportEndpoints, id TransportEndpointID) *endpointsByNIC {
	// Try to find a match with the id as provided.
	if ep, ok := eps.endpoints[id]; ok {
		return ep
	}

	// Try to find a match with the id minus the local address.
	nid := id

	nid.LocalAddress = netip.Addr{}
	if ep, ok := eps.endpoints[nid]; ok {
		return ep
	}

	// Try to find a match with the id minus the remote part.
	nid.LocalAddress = id.LocalAddress
	nid.RemoteAddress = netip.Addr{}
	nid.RemotePort = 0
	if ep, ok := eps.endpoints[nid]; ok {
		return ep
	}

	// Try to find a match with only the local port.
	nid.LocalAddress = netip.Addr{}
	if ep, ok := eps.endpoints[nid]; ok {
		return ep
	}

	return nil
}
