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

package udp

import (
	"net/netip"

	"osbyte.dev/netstack/pkg/log"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/ports"
	"osbyte.dev/netstack/pkg/tcpip/stack"
	"osbyte.dev/netstack/pkg/waiter"
)

const (
	// DefaultReceiveBufferSize is the default bound on queued datagram
	// bytes.
	DefaultReceiveBufferSize = 32 * 1024

	// DefaultSendBufferSize is the default largest datagram accepted by
	// Write.
	DefaultSendBufferSize = header.UDPMaximumPacketSize - header.UDPMinimumSize
)

type udpPacket struct {
	senderAddress tcpip.FullAddress
	data          []byte
}

// EndpointState represents the state of a UDP endpoint.
type EndpointState uint32

// Endpoint states. Note that are represented in a netstack-specific manner and
// may not be meaningful externally.
const (
	StateInitial EndpointState = iota
	StateBound
	StateConnected
	StateClosed
)

// String implements fmt.Stringer.String.
func (s EndpointState) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateBound:
		return "BOUND"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// endpoint represents a UDP endpoint. It implements stack.Endpoint and
// stack.TransportEndpoint. All of its fields are protected by the stack
// lock, which is held for every call into it.
type endpoint struct {
	// The following fields are initialized at creation time and do not
	// change throughout the lifetime of the endpoint.
	stack       *stack.Stack
	netProto    tcpip.NetworkProtocolNumber
	waiterQueue *waiter.Queue

	// Receive queue, bounded by rcvBufSizeMax bytes.
	rcvReady      bool
	rcvList       []udpPacket
	rcvBufSizeMax int
	rcvBufSize    int
	rcvClosed     bool

	state         EndpointState
	id            stack.TransportEndpointID
	route         *stack.Route
	sndBufSize    int
	ttl           uint8
	reuse         bool
	broadcast     bool
	bindToDevice  tcpip.NICID
	shutdownFlags tcpip.ShutdownFlags

	// bindNICID is the NIC named or implied by Bind. registerNICID is the
	// NIC the endpoint is registered on, which Connect may narrow.
	bindNICID     tcpip.NICID
	registerNICID tcpip.NICID

	// reserved is set if the endpoint holds the port reservation for
	// id.LocalPort. Endpoints sharing a port with ReuseAddressOption
	// piggyback on the first binder's reservation.
	reserved bool

	// multicastMemberships that need to be removed when the endpoint is
	// closed.
	multicastMemberships []tcpip.MembershipOption

	// lastError is the pending error reported by ICMP or an abort.
	lastError *tcpip.Error
}

func newEndpoint(s *stack.Stack, netProto tcpip.NetworkProtocolNumber, waiterQueue *waiter.Queue) *endpoint {
	return &endpoint{
		stack:         s,
		netProto:      netProto,
		waiterQueue:   waiterQueue,
		rcvBufSizeMax: DefaultReceiveBufferSize,
		sndBufSize:    DefaultSendBufferSize,
		state:         StateInitial,
	}
}

// netProtos returns the network protocols the endpoint registers with.
func (e *endpoint) netProtos() []tcpip.NetworkProtocolNumber {
	return []tcpip.NetworkProtocolNumber{e.netProto}
}

// Close puts the endpoint in a closed state and frees all resources
// associated with it.
func (e *endpoint) Close() {
	if e.state == StateClosed {
		return
	}
	e.shutdownFlags = tcpip.ShutdownRead | tcpip.ShutdownWrite

	switch e.state {
	case StateBound, StateConnected:
		e.unregisterLocked()
	}

	for _, mem := range e.multicastMemberships {
		e.stack.LeaveGroupLocked(mem.NIC, mem.MulticastAddr)
	}
	e.multicastMemberships = nil

	// Close the receive list and drain it.
	e.rcvClosed = true
	e.rcvBufSize = 0
	e.rcvList = nil
	e.route = nil

	e.state = StateClosed
	e.stack.Notify(e.waiterQueue, waiter.EventHUp|waiter.EventErr|waiter.EventIn|waiter.EventOut)
}

// unregisterLocked removes the endpoint from the demuxer and gives back its
// port.
func (e *endpoint) unregisterLocked() {
	e.stack.UnregisterTransportEndpoint(e.netProtos(), ProtocolNumber, e.id, e, e.bindToDevice)
	if e.reserved {
		e.stack.Ports().ReleasePort(e.reservation(e.id.LocalAddress, e.id.LocalPort))
		e.reserved = false
	}
}

func (e *endpoint) reservation(addr netip.Addr, port uint16) ports.Reservation {
	return ports.Reservation{
		Networks:     e.netProtos(),
		Transport:    ProtocolNumber,
		Addr:         addr,
		Port:         port,
		BindToDevice: e.bindToDevice,
	}
}

// Abort implements stack.Endpoint.Abort. A UDP endpoint has no connection
// to reset; err is kept for the next call.
func (e *endpoint) Abort(err *tcpip.Error) {
	if e.state == StateClosed {
		return
	}
	e.lastError = err
	e.stack.Notify(e.waiterQueue, waiter.EventErr|waiter.EventIn|waiter.EventOut)
}

// takeError returns and clears the pending error.
func (e *endpoint) takeError() *tcpip.Error {
	err := e.lastError
	e.lastError = nil
	return err
}

// Read reads one datagram from the endpoint, truncated to len(dst). This
// method does not block if there is no data pending.
func (e *endpoint) Read(dst []byte) (int, tcpip.FullAddress, *tcpip.Error) {
	if err := e.takeError(); err != nil {
		return 0, tcpip.FullAddress{}, err
	}
	if len(e.rcvList) == 0 {
		if e.rcvClosed {
			return 0, tcpip.FullAddress{}, tcpip.ErrClosedForReceive
		}
		return 0, tcpip.FullAddress{}, tcpip.ErrWouldBlock
	}

	p := e.rcvList[0]
	e.rcvList[0] = udpPacket{}
	e.rcvList = e.rcvList[1:]
	e.rcvBufSize -= len(p.data)
	return copy(dst, p.data), p.senderAddress, nil
}

// Write writes one datagram to the endpoint's peer, or to *to. This method
// does not block if the data cannot be written.
func (e *endpoint) Write(p []byte, to *tcpip.FullAddress) (int, *tcpip.Error) {
	// If we've shutdown with SHUT_WR we are in an invalid state for sending.
	if e.shutdownFlags&tcpip.ShutdownWrite != 0 {
		return 0, tcpip.ErrClosedForSend
	}
	if e.state == StateClosed {
		return 0, tcpip.ErrInvalidEndpointState
	}
	if err := e.takeError(); err != nil {
		return 0, err
	}
	if len(p) > e.sndBufSize || len(p) > header.UDPMaximumPacketSize-header.UDPMinimumSize {
		return 0, tcpip.ErrMessageTooLong
	}

	route := e.route
	var dstPort uint16
	if to == nil {
		if e.state != StateConnected {
			return 0, tcpip.ErrDestinationRequired
		}
		dstPort = e.id.RemotePort
	} else {
		if to.Port == 0 {
			return 0, tcpip.ErrInvalidEndpointState
		}
		if err := e.checkFamily(to.Addr); err != nil {
			return 0, err
		}
		// Reject destination address if it goes through a different
		// NIC than the endpoint was bound to.
		nicID := to.NIC
		if bound := e.boundNIC(); bound != 0 {
			if nicID != 0 && nicID != bound {
				return 0, tcpip.ErrNoRoute
			}
			nicID = bound
		}
		if to.Addr == header.IPv4Broadcast && !e.broadcast {
			return 0, tcpip.ErrBroadcastDisabled
		}
		if e.state == StateInitial {
			if err := e.bindLocked(tcpip.FullAddress{}); err != nil {
				return 0, err
			}
		}
		r, err := e.connectRoute(nicID, to.Addr)
		if err != nil {
			return 0, err
		}
		if r.IsOutboundBroadcast() && !e.broadcast {
			return 0, tcpip.ErrBroadcastDisabled
		}
		route = r
		dstPort = to.Port
	}

	if err := sendUDP(route, p, e.id.LocalPort, dstPort, e.ttl); err != nil {
		return 0, err
	}
	return len(p), nil
}

// boundNIC returns the NIC the endpoint is restricted to, if any.
func (e *endpoint) boundNIC() tcpip.NICID {
	if e.bindToDevice != 0 {
		return e.bindToDevice
	}
	return e.bindNICID
}

// connectRoute finds a route to addr. Towards broadcast and multicast
// destinations an endpoint without a usable source address sends from the
// unspecified address, which DHCP relies on.
func (e *endpoint) connectRoute(nicID tcpip.NICID, addr netip.Addr) (*stack.Route, *tcpip.Error) {
	localAddr := e.id.LocalAddress
	if isBroadcastOrMulticast(localAddr) {
		// A packet can only originate from a unicast address (i.e., an interface).
		localAddr = netip.Addr{}
	}
	r, err := e.stack.FindRouteLocked(nicID, localAddr, addr, e.netProto)
	if err == tcpip.ErrBadLocalAddress && !localAddr.IsValid() && isBroadcastOrMulticast(addr) {
		r, err = e.stack.FindRouteLocked(nicID, unspecified(e.netProto), addr, e.netProto)
	}
	return r, err
}

func unspecified(netProto tcpip.NetworkProtocolNumber) netip.Addr {
	if netProto == header.IPv4ProtocolNumber {
		return header.IPv4Any
	}
	return header.IPv6Any
}

// checkFamily verifies that addr belongs to the endpoint's network protocol.
func (e *endpoint) checkFamily(addr netip.Addr) *tcpip.Error {
	if !addr.IsValid() {
		return nil
	}
	if addr.Is4() != (e.netProto == header.IPv4ProtocolNumber) {
		return tcpip.ErrAddressFamilyMismatch
	}
	return nil
}

// SetSockOpt implements stack.Endpoint.SetSockOpt.
func (e *endpoint) SetSockOpt(opt tcpip.SettableSocketOption) *tcpip.Error {
	switch v := opt.(type) {
	case *tcpip.TTLOption:
		e.ttl = uint8(*v)

	case *tcpip.BroadcastOption:
		e.broadcast = bool(*v)

	case *tcpip.ReuseAddressOption:
		if e.state != StateInitial {
			return tcpip.ErrInvalidEndpointState
		}
		e.reuse = bool(*v)

	case *tcpip.BindToDeviceOption:
		// The port reservation depends on the device.
		if e.state != StateInitial {
			return tcpip.ErrInvalidEndpointState
		}
		id := tcpip.NICID(*v)
		if id != 0 && !e.stack.CheckNICLocked(id) {
			return tcpip.ErrUnknownNICID
		}
		e.bindToDevice = id

	case *tcpip.ReceiveBufferSizeOption:
		if *v <= 0 {
			return tcpip.ErrInvalidOptionValue
		}
		e.rcvBufSizeMax = int(*v)

	case *tcpip.SendBufferSizeOption:
		if *v <= 0 {
			return tcpip.ErrInvalidOptionValue
		}
		e.sndBufSize = int(*v)

	case *tcpip.AddMembershipOption:
		mem, err := e.membership(tcpip.MembershipOption(*v))
		if err != nil {
			return err
		}
		for _, m := range e.multicastMemberships {
			if m == mem {
				return tcpip.ErrPortInUse
			}
		}
		if err := e.stack.JoinGroupLocked(mem.NIC, mem.MulticastAddr); err != nil {
			return err
		}
		e.multicastMemberships = append(e.multicastMemberships, mem)

	case *tcpip.RemoveMembershipOption:
		mem, err := e.membership(tcpip.MembershipOption(*v))
		if err != nil {
			return err
		}
		idx := -1
		for i, m := range e.multicastMemberships {
			if m == mem {
				idx = i
				break
			}
		}
		if idx == -1 {
			return tcpip.ErrBadLocalAddress
		}
		if err := e.stack.LeaveGroupLocked(mem.NIC, mem.MulticastAddr); err != nil {
			return err
		}
		last := len(e.multicastMemberships) - 1
		e.multicastMemberships[idx] = e.multicastMemberships[last]
		e.multicastMemberships = e.multicastMemberships[:last]

	default:
		return tcpip.ErrNotSupported
	}
	return nil
}

// membership validates a membership option and fills in the NIC a route to
// the group leaves through when none is given.
func (e *endpoint) membership(m tcpip.MembershipOption) (tcpip.MembershipOption, *tcpip.Error) {
	if !m.MulticastAddr.IsMulticast() {
		return m, tcpip.ErrInvalidOptionValue
	}
	if err := e.checkFamily(m.MulticastAddr); err != nil {
		return m, err
	}
	if m.NIC == 0 {
		r, err := e.stack.FindRouteLocked(0, netip.Addr{}, m.MulticastAddr, e.netProto)
		if err != nil {
			return m, tcpip.ErrUnknownNICID
		}
		m.NIC = r.NICID()
	}
	if !e.stack.CheckNICLocked(m.NIC) {
		return m, tcpip.ErrUnknownNICID
	}
	return m, nil
}

// sendUDP sends a UDP segment via the provided route.
func sendUDP(r *stack.Route, data []byte, localPort, remotePort uint16, ttl uint8) *tcpip.Error {
	length := header.UDPMinimumSize + len(data)
	b := make([]byte, length)
	udp := header.UDP(b)
	udp.Encode(&header.UDPFields{
		SrcPort: localPort,
		DstPort: remotePort,
		Length:  uint16(length),
	})
	copy(udp.Payload(), data)
	udp.SetChecksumForPacket(r.LocalAddress, r.RemoteAddress)

	if err := r.WritePacket(stack.NetworkHeaderParams{Protocol: ProtocolNumber, TTL: ttl}, b); err != nil {
		return err
	}

	// Track count of packets sent.
	r.Stats().UDP.PacketsSent.Increment()
	return nil
}

// Connect connects the endpoint to its peer. Specifying a NIC is optional.
func (e *endpoint) Connect(addr tcpip.FullAddress) *tcpip.Error {
	if addr.Port == 0 || !addr.Addr.IsValid() {
		// We don't support connecting to port zero.
		return tcpip.ErrInvalidEndpointState
	}
	if err := e.checkFamily(addr.Addr); err != nil {
		return err
	}

	nicID := addr.NIC
	switch e.state {
	case StateInitial:
	case StateBound, StateConnected:
		if bound := e.boundNIC(); bound != 0 {
			if nicID != 0 && nicID != bound {
				return tcpip.ErrInvalidEndpointState
			}
			nicID = bound
		}
	default:
		return tcpip.ErrInvalidEndpointState
	}

	r, err := e.connectRoute(nicID, addr.Addr)
	if err != nil {
		return err
	}

	id := stack.TransportEndpointID{
		LocalAddress:  e.id.LocalAddress,
		LocalPort:     e.id.LocalPort,
		RemotePort:    addr.Port,
		RemoteAddress: r.RemoteAddress,
	}
	if e.state == StateInitial {
		id.LocalAddress = r.LocalAddress
		if id.LocalAddress.IsUnspecified() {
			id.LocalAddress = netip.Addr{}
		}
	}

	reserved := e.reserved
	if id.LocalPort == 0 {
		port, err := e.stack.Ports().ReservePort(e.reservation(id.LocalAddress, 0), nil)
		if err != nil {
			return err.(*tcpip.Error)
		}
		id.LocalPort = port
		reserved = true
	}
	if err := e.stack.RegisterTransportEndpoint(e.netProtos(), ProtocolNumber, id, e, false, e.bindToDevice); err != nil {
		if reserved && !e.reserved {
			e.stack.Ports().ReleasePort(e.reservation(id.LocalAddress, id.LocalPort))
		}
		return err
	}

	// Remove the old registration.
	if e.state != StateInitial {
		e.stack.UnregisterTransportEndpoint(e.netProtos(), ProtocolNumber, e.id, e, e.bindToDevice)
	}
	e.id = id
	e.reserved = reserved
	e.route = r
	e.registerNICID = r.NICID()
	e.state = StateConnected
	e.rcvReady = true
	log.Debugf("udp: connected %s:%d -> %s:%d", id.LocalAddress, id.LocalPort, id.RemoteAddress, id.RemotePort)
	return nil
}

// Shutdown closes the read and/or write end of the endpoint connection
// to its peer.
func (e *endpoint) Shutdown(flags tcpip.ShutdownFlags) *tcpip.Error {
	// A socket in the bound state can still receive multicast messages,
	// so we need to notify waiters on shutdown.
	if e.state != StateBound && e.state != StateConnected {
		return tcpip.ErrNotConnected
	}

	e.shutdownFlags |= flags
	if flags&tcpip.ShutdownRead != 0 && !e.rcvClosed {
		e.rcvClosed = true
		e.stack.Notify(e.waiterQueue, waiter.EventIn)
	}
	return nil
}

// Listen is not supported by UDP, it just fails.
func (*endpoint) Listen(int) *tcpip.Error {
	return tcpip.ErrNotSupported
}

// Accept is not supported by UDP, it just fails.
func (*endpoint) Accept() (stack.Endpoint, *waiter.Queue, *tcpip.Error) {
	return nil, nil, tcpip.ErrNotSupported
}

func (e *endpoint) bindLocked(addr tcpip.FullAddress) *tcpip.Error {
	// Don't allow binding once endpoint is not in the initial state
	// anymore.
	if e.state != StateInitial {
		return tcpip.ErrInvalidEndpointState
	}
	if err := e.checkFamily(addr.Addr); err != nil {
		return err
	}
	if addr.Addr.IsValid() && addr.Addr.IsUnspecified() {
		addr.Addr = netip.Addr{}
	}

	nicID := addr.NIC
	if addr.Addr.IsValid() && !isBroadcastOrMulticast(addr.Addr) {
		// A local unicast address was specified, verify that it's valid.
		nicID = e.stack.CheckLocalAddressLocked(addr.NIC, addr.Addr)
		if nicID == 0 {
			return tcpip.ErrBadLocalAddress
		}
	}

	id := stack.TransportEndpointID{
		LocalPort:    addr.Port,
		LocalAddress: addr.Addr,
	}
	port, err := e.stack.Ports().ReservePort(e.reservation(id.LocalAddress, id.LocalPort), nil)
	reserved := err == nil
	switch {
	case reserved:
		id.LocalPort = port
	case err == tcpip.ErrPortInUse && e.reuse && addr.Port != 0:
		// The demuxer decides whether the binder allows sharing.
	default:
		return err.(*tcpip.Error)
	}
	if err := e.stack.RegisterTransportEndpoint(e.netProtos(), ProtocolNumber, id, e, e.reuse, e.bindToDevice); err != nil {
		if reserved {
			e.stack.Ports().ReleasePort(e.reservation(id.LocalAddress, id.LocalPort))
		}
		return err
	}

	e.id = id
	e.reserved = reserved
	e.registerNICID = nicID
	e.state = StateBound
	e.rcvReady = true
	return nil
}

// Bind binds the endpoint to a specific local address and port.
// Specifying a NIC is optional.
func (e *endpoint) Bind(addr tcpip.FullAddress) *tcpip.Error {
	if err := e.bindLocked(addr); err != nil {
		return err
	}

	// Save the effective NICID generated by bindLocked.
	e.bindNICID = e.registerNICID
	return nil
}

// GetLocalAddress returns the address to which the endpoint is bound.
func (e *endpoint) GetLocalAddress() (tcpip.FullAddress, *tcpip.Error) {
	return tcpip.FullAddress{
		NIC:  e.registerNICID,
		Addr: e.id.LocalAddress,
		Port: e.id.LocalPort,
	}, nil
}

// GetRemoteAddress returns the address to which the endpoint is connected.
func (e *endpoint) GetRemoteAddress() (tcpip.FullAddress, *tcpip.Error) {
	if e.state != StateConnected {
		return tcpip.FullAddress{}, tcpip.ErrNotConnected
	}
	return tcpip.FullAddress{
		NIC:  e.registerNICID,
		Addr: e.id.RemoteAddress,
		Port: e.id.RemotePort,
	}, nil
}

// Readiness returns the current readiness of the endpoint. For example, if
// waiter.EventIn is set, the endpoint is immediately readable.
func (e *endpoint) Readiness(mask waiter.EventMask) waiter.EventMask {
	// The endpoint is always writable.
	result := waiter.EventOut & mask

	// Determine if the endpoint is readable if requested.
	if mask&waiter.EventIn != 0 && (len(e.rcvList) != 0 || e.rcvClosed) {
		result |= waiter.EventIn
	}
	if e.lastError != nil {
		result |= waiter.EventErr
	}
	return result
}

// HandlePacket is called by the stack when new packets arrive to this transport
// endpoint. The header was validated by Parse.
func (e *endpoint) HandlePacket(id stack.TransportEndpointID, pkt *stack.PacketBuffer) {
	stats := e.stack.Stats()
	hdr := header.UDP(pkt.Data)
	payload := hdr.Payload()
	stats.UDP.PacketsReceived.Increment()

	// Drop the packet if our buffer is currently full.
	if !e.rcvReady || e.rcvClosed || e.rcvBufSize+len(payload) > e.rcvBufSizeMax {
		stats.UDP.ReceiveBufferErrors.Increment()
		return
	}

	wasEmpty := len(e.rcvList) == 0

	// Push new packet into receive list and increment the buffer size.
	e.rcvList = append(e.rcvList, udpPacket{
		senderAddress: tcpip.FullAddress{
			NIC:  pkt.NICID,
			Addr: id.RemoteAddress,
			Port: hdr.SourcePort(),
		},
		data: append([]byte(nil), payload...),
	})
	e.rcvBufSize += len(payload)

	// Notify any waiters that there's data to be read now.
	if wasEmpty {
		e.stack.Notify(e.waiterQueue, waiter.EventIn)
	}
}

// HandleError implements stack.TransportEndpoint.HandleError. Only connected
// endpoints learn about ICMP errors, as on Linux.
func (e *endpoint) HandleError(err *tcpip.Error, id stack.TransportEndpointID) {
	if e.state != StateConnected {
		return
	}
	e.lastError = err
	e.stack.Notify(e.waiterQueue, waiter.EventErr)
}

// LastError implements stack.Endpoint.LastError.
func (e *endpoint) LastError() *tcpip.Error {
	return e.takeError()
}

// State implements stack.Endpoint.State.
func (e *endpoint) State() uint32 {
	return uint32(e.state)
}

// RouteNIC implements stack.Endpoint.RouteNIC.
func (e *endpoint) RouteNIC() tcpip.NICID {
	if e.route != nil {
		return e.route.NICID()
	}
	return e.boundNIC()
}

func isBroadcastOrMulticast(a netip.Addr) bool {
	return a == header.IPv4Broadcast || a.IsMulticast()
}
