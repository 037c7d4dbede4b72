// Copyright 2018 Google LLC
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

package tcp

import (
	"net/netip"

	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/buffer"
	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/ports"
	"osbyte.dev/netstack/pkg/tcpip/seqnum"
	"osbyte.dev/netstack/pkg/tcpip/stack"
	"osbyte.dev/netstack/pkg/waiter"
)

// EndpointState represents the state of a TCP endpoint.
type EndpointState uint32

// Endpoint states. Note that are represented in a netstack-specific manner and
// may not be meaningful externally. StateInitial and StateBound are both
// CLOSED in RFC 793 terms; StateClose is the terminal CLOSED state.
const (
	StateInitial EndpointState = iota
	StateBound
	StateListen
	StateSynSent
	StateSynRecv
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
	StateClose
)

// connected returns true when s is one of the states representing an
// endpoint connected to a peer.
func (s EndpointState) connected() bool {
	switch s {
	case StateEstablished, StateFinWait1, StateFinWait2, StateTimeWait, StateCloseWait, StateLastAck, StateClosing:
		return true
	default:
		return false
	}
}

// connecting returns true when s is one of the states representing a
// connection in progress.
func (s EndpointState) connecting() bool {
	return s == StateSynSent || s == StateSynRecv
}

// String implements fmt.Stringer.String.
func (s EndpointState) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateBound:
		return "BOUND"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN-SENT"
	case StateSynRecv:
		return "SYN-RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN-WAIT1"
	case StateFinWait2:
		return "FIN-WAIT2"
	case StateCloseWait:
		return "CLOSE-WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST-ACK"
	case StateTimeWait:
		return "TIME-WAIT"
	case StateClose:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// endpoint represents a TCP endpoint. This struct serves as the interface
// between users of the endpoint and the protocol implementation; it is legal
// to have concurrent goroutines make calls into the endpoint through the
// stack, which serializes them on its lock. Every method, including the
// segment handlers and timer callbacks, runs with the stack lock held.
type endpoint struct {
	// The following fields are initialized at creation time and do not
	// change throughout the lifetime of the endpoint.
	stack       *stack.Stack
	protocol    *protocol
	netProto    tcpip.NetworkProtocolNumber
	waiterQueue *waiter.Queue

	state EndpointState
	id    stack.TransportEndpointID
	route *stack.Route
	ttl   uint8

	// boundNICID is the NIC implied by Bind. bindToDevice restricts the
	// endpoint to a NIC.
	boundNICID   tcpip.NICID
	bindToDevice tcpip.NICID

	// portRes is the port reservation held by the endpoint when
	// isPortReserved is set. Accepted endpoints share their listener's.
	portRes        ports.Reservation
	isPortReserved bool
	isRegistered   bool

	// closed is set once the owner called Close. The endpoint may linger
	// afterwards to finish an orderly close.
	closed bool

	// hardError is the error that terminated the connection. It is
	// reported once. lastError is a soft error, for example from ICMP.
	hardError *tcpip.Error
	lastError *tcpip.Error

	shutdownFlags tcpip.ShutdownFlags

	// Buffer sizes, and the buffers themselves once a connection is set
	// up. sndBuf holds data not yet acknowledged by the peer.
	rcvBufSize int
	sndBufSize int
	rcvBuf     *buffer.Ring
	sndBuf     *buffer.Ring

	snd *sender
	rcv *receiver

	// amss is the MSS advertised to the peer. synWndScale is the window
	// scale sent in our SYN, -1 when the option is omitted.
	amss        uint16
	synWndScale int

	// The following fields are used by listening endpoints.
	backlog     int
	acceptQueue []*endpoint
	synRcvd     map[*endpoint]struct{}

	// listenEP is the listener of an endpoint in SYN-RCVD created by a
	// passive open.
	listenEP *endpoint

	// timeWaitTimer runs the TIME_WAIT timeout and the FIN_WAIT_2 linger
	// timeout of closed endpoints.
	timeWaitTimer timer
}

func newEndpoint(p *protocol, netProto tcpip.NetworkProtocolNumber, waiterQueue *waiter.Queue) *endpoint {
	e := &endpoint{
		stack:       p.stack,
		protocol:    p,
		netProto:    netProto,
		waiterQueue: waiterQueue,
		state:       StateInitial,
		rcvBufSize:  p.opts.ReceiveBufferSize,
		sndBufSize:  p.opts.SendBufferSize,
		synWndScale: -1,
	}
	e.timeWaitTimer.init(p.stack, e.timeWaitTimerExpired)
	return e
}

func (e *endpoint) netProtos() []tcpip.NetworkProtocolNumber {
	return []tcpip.NetworkProtocolNumber{e.netProto}
}

// notify schedules a readiness notification for the endpoint's waiters.
func (e *endpoint) notify(mask waiter.EventMask) {
	e.stack.Notify(e.waiterQueue, mask)
}

// setState moves the endpoint to state, keeping the count of established
// connections.
func (e *endpoint) setState(state EndpointState) {
	stats := e.stack.Stats()
	wasEstablished := e.state == StateEstablished || e.state == StateCloseWait
	isEstablished := state == StateEstablished || state == StateCloseWait
	switch {
	case isEstablished && !wasEstablished:
		stats.TCP.CurrentEstablished.Increment()
	case wasEstablished && !isEstablished:
		stats.TCP.CurrentEstablished.Decrement()
	}
	e.state = state
}

// Close puts the endpoint in a closed state and frees all resources
// associated with it. A connected endpoint sends a FIN and lingers until the
// close handshake completes.
func (e *endpoint) Close() {
	if e.closed {
		return
	}
	e.closed = true
	e.shutdownFlags = tcpip.ShutdownRead | tcpip.ShutdownWrite

	switch e.state {
	case StateListen:
		e.closeListener()
	case StateSynRecv:
		e.resetConnection(tcpip.ErrConnectionAborted)
	case StateEstablished, StateCloseWait:
		e.shutdownWriteLocked()
	case StateFinWait2:
		e.timeWaitTimer.enable(e.protocol.opts.LingerTimeout)
	case StateFinWait1, StateClosing, StateLastAck, StateTimeWait:
		// These states finish in the background.
	default:
		e.cleanupLocked()
	}
}

// Abort implements stack.Endpoint.Abort. The peer of a synchronized
// connection is sent a reset.
func (e *endpoint) Abort(err *tcpip.Error) {
	switch {
	case e.state == StateClose:
		return
	case e.state == StateListen:
		e.closeListener()
	case e.state.connected() || e.state == StateSynRecv:
		e.sendReset()
	}
	e.hardError = err
	e.cleanupLocked()
}

// cleanupLocked frees all resources associated with the endpoint and moves
// it to StateClose. It is idempotent.
func (e *endpoint) cleanupLocked() {
	if e.snd != nil {
		e.snd.resendTimer.cleanup()
	}
	e.timeWaitTimer.cleanup()

	if e.isRegistered {
		e.stack.UnregisterTransportEndpoint(e.netProtos(), ProtocolNumber, e.id, e, e.bindToDevice)
		e.isRegistered = false
	}
	if e.isPortReserved {
		e.stack.Ports().ReleasePort(e.portRes)
		e.isPortReserved = false
	}
	if l := e.listenEP; l != nil {
		delete(l.synRcvd, e)
		e.listenEP = nil
	}
	if e.state == StateClose {
		return
	}
	e.setState(StateClose)
	e.notify(waiter.EventHUp | waiter.EventErr | waiter.EventIn | waiter.EventOut)
}

// timeWaitTimerExpired ends TIME_WAIT, or gives up on a closed endpoint
// waiting in FIN_WAIT_2 for the peer's FIN.
func (e *endpoint) timeWaitTimerExpired() {
	switch e.state {
	case StateTimeWait, StateFinWait2:
		e.cleanupLocked()
	}
}

// takeError returns and clears the pending error, hard errors first.
func (e *endpoint) takeError() *tcpip.Error {
	if err := e.hardError; err != nil {
		e.hardError = nil
		return err
	}
	err := e.lastError
	e.lastError = nil
	return err
}

// rcvClosed reports whether no more data will become readable.
func (e *endpoint) rcvClosed() bool {
	return e.shutdownFlags&tcpip.ShutdownRead != 0 || e.state == StateClose || (e.rcv != nil && e.rcv.closed)
}

// Read reads data from the endpoint. Data received before a reset is still
// delivered; the reset is reported after it.
func (e *endpoint) Read(dst []byte) (int, tcpip.FullAddress, *tcpip.Error) {
	switch e.state {
	case StateInitial, StateBound, StateListen:
		return 0, tcpip.FullAddress{}, tcpip.ErrNotConnected
	case StateSynSent, StateSynRecv:
		return 0, tcpip.FullAddress{}, tcpip.ErrWouldBlock
	}

	if e.rcvBuf != nil && e.rcvBuf.Len() > 0 {
		n := e.rcvBuf.Read(dst)
		if e.rcv != nil && !e.rcv.closed && e.state.connected() {
			e.rcv.windowUpdate()
		}
		return n, tcpip.FullAddress{}, nil
	}
	if err := e.takeError(); err != nil {
		return 0, tcpip.FullAddress{}, err
	}
	if e.rcvClosed() {
		return 0, tcpip.FullAddress{}, tcpip.ErrClosedForReceive
	}
	return 0, tcpip.FullAddress{}, tcpip.ErrWouldBlock
}

// Write writes data to the endpoint's peer. It accepts as much of p as fits
// in the send buffer; to is ignored, as on Linux.
func (e *endpoint) Write(p []byte, to *tcpip.FullAddress) (int, *tcpip.Error) {
	if err := e.takeError(); err != nil {
		return 0, err
	}
	switch e.state {
	case StateInitial, StateBound, StateListen:
		return 0, tcpip.ErrNotConnected
	case StateSynSent, StateSynRecv:
		return 0, tcpip.ErrWouldBlock
	case StateEstablished, StateCloseWait:
	default:
		return 0, tcpip.ErrClosedForSend
	}
	if e.shutdownFlags&tcpip.ShutdownWrite != 0 {
		return 0, tcpip.ErrClosedForSend
	}
	if len(p) == 0 {
		return 0, nil
	}

	n := e.sndBuf.Write(p)
	if n == 0 {
		return 0, tcpip.ErrWouldBlock
	}
	e.snd.sendData()
	return n, nil
}

// Shutdown closes the read and/or write end of the endpoint connection to its
// peer.
func (e *endpoint) Shutdown(flags tcpip.ShutdownFlags) *tcpip.Error {
	if !e.state.connected() {
		return tcpip.ErrNotConnected
	}
	if flags&tcpip.ShutdownRead != 0 && e.shutdownFlags&tcpip.ShutdownRead == 0 {
		e.shutdownFlags |= tcpip.ShutdownRead
		e.notify(waiter.EventIn)
	}
	if flags&tcpip.ShutdownWrite != 0 {
		e.shutdownWriteLocked()
	}
	return nil
}

// shutdownWriteLocked queues a FIN after the buffered data.
func (e *endpoint) shutdownWriteLocked() {
	e.shutdownFlags |= tcpip.ShutdownWrite
	if e.snd == nil || e.snd.finQueued {
		return
	}
	switch e.state {
	case StateEstablished:
		e.setState(StateFinWait1)
	case StateCloseWait:
		e.setState(StateLastAck)
	default:
		return
	}
	e.snd.finQueued = true
	e.snd.sendData()
}

// Bind binds the endpoint to a specific local address and port.
// Specifying a NIC is optional.
func (e *endpoint) Bind(addr tcpip.FullAddress) *tcpip.Error {
	if e.state != StateInitial {
		return tcpip.ErrAlreadyBound
	}
	if err := e.checkFamily(addr.Addr); err != nil {
		return err
	}
	if addr.Addr.IsValid() && addr.Addr.IsUnspecified() {
		addr.Addr = netip.Addr{}
	}

	nicID := addr.NIC
	if addr.Addr.IsValid() {
		if addr.Addr.IsMulticast() || addr.Addr == header.IPv4Broadcast {
			return tcpip.ErrBadLocalAddress
		}
		nicID = e.stack.CheckLocalAddressLocked(addr.NIC, addr.Addr)
		if nicID == 0 {
			return tcpip.ErrBadLocalAddress
		}
	}

	res := e.reservation(addr.Addr, addr.Port, tcpip.FullAddress{})
	port, err := e.stack.Ports().ReservePort(res, nil)
	if err != nil {
		return err.(*tcpip.Error)
	}
	res.Port = port
	e.portRes = res
	e.isPortReserved = true
	e.id = stack.TransportEndpointID{
		LocalAddress: addr.Addr,
		LocalPort:    port,
	}
	e.boundNICID = nicID
	e.setState(StateBound)
	return nil
}

func (e *endpoint) reservation(addr netip.Addr, port uint16, dest tcpip.FullAddress) ports.Reservation {
	return ports.Reservation{
		Networks:     e.netProtos(),
		Transport:    ProtocolNumber,
		Addr:         addr,
		Port:         port,
		BindToDevice: e.bindToDevice,
		Dest:         dest,
	}
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

// boundNIC returns the NIC the endpoint is restricted to, if any.
func (e *endpoint) boundNIC() tcpip.NICID {
	if e.bindToDevice != 0 {
		return e.bindToDevice
	}
	return e.boundNICID
}

// GetLocalAddress returns the address to which the endpoint is bound.
func (e *endpoint) GetLocalAddress() (tcpip.FullAddress, *tcpip.Error) {
	return tcpip.FullAddress{
		NIC:  e.RouteNIC(),
		Addr: e.id.LocalAddress,
		Port: e.id.LocalPort,
	}, nil
}

// GetRemoteAddress returns the address to which the endpoint is connected.
func (e *endpoint) GetRemoteAddress() (tcpip.FullAddress, *tcpip.Error) {
	if !e.state.connected() && !e.state.connecting() {
		return tcpip.FullAddress{}, tcpip.ErrNotConnected
	}
	return tcpip.FullAddress{
		NIC:  e.RouteNIC(),
		Addr: e.id.RemoteAddress,
		Port: e.id.RemotePort,
	}, nil
}

// Readiness returns the current readiness of the endpoint. For example, if
// waiter.EventIn is set, the endpoint is immediately readable.
func (e *endpoint) Readiness(mask waiter.EventMask) waiter.EventMask {
	result := waiter.EventMask(0)

	switch {
	case e.state == StateInitial, e.state == StateBound, e.state.connecting():
		// Ready for nothing.

	case e.state == StateClose:
		// Ready for anything.
		result = waiter.EventIn | waiter.EventOut | waiter.EventHUp

	case e.state == StateListen:
		// Check if there's anything in the accepted channel.
		if len(e.acceptQueue) > 0 {
			result |= waiter.EventIn
		}

	default:
		if (e.state == StateEstablished || e.state == StateCloseWait) && e.shutdownFlags&tcpip.ShutdownWrite == 0 && e.sndBuf.Free() > 0 {
			result |= waiter.EventOut
		}
		if e.rcvBuf.Len() > 0 || e.rcvClosed() {
			result |= waiter.EventIn
		}
	}

	result &= mask
	if e.hardError != nil || e.lastError != nil {
		result |= waiter.EventErr
	}
	return result
}

// SetSockOpt sets a socket option.
func (e *endpoint) SetSockOpt(opt tcpip.SettableSocketOption) *tcpip.Error {
	switch v := opt.(type) {
	case *tcpip.TTLOption:
		e.ttl = uint8(*v)

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
		// Buffers are allocated when the connection is set up.
		if e.rcvBuf != nil {
			return tcpip.ErrInvalidEndpointState
		}
		e.rcvBufSize = clampBufferSize(int(*v))

	case *tcpip.SendBufferSizeOption:
		if e.sndBuf != nil {
			return tcpip.ErrInvalidEndpointState
		}
		e.sndBufSize = clampBufferSize(int(*v))

	default:
		return tcpip.ErrNotSupported
	}
	return nil
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

// initBuffers allocates the socket buffers of a new connection.
func (e *endpoint) initBuffers() {
	e.rcvBuf = buffer.NewRing(e.rcvBufSize)
	e.sndBuf = buffer.NewRing(e.sndBufSize)
}

// readyToRead notifies readers that data or the end of the stream is
// available.
func (e *endpoint) readyToRead() {
	e.notify(waiter.EventIn)
}

// HandlePacket is called by the stack when new packets arrive to this
// transport endpoint. TCP never accepts broadcast or multicast segments.
func (e *endpoint) HandlePacket(id stack.TransportEndpointID, pkt *stack.PacketBuffer) {
	if pkt.Broadcast || pkt.Multicast() {
		return
	}
	s := newSegment(id, pkt)
	switch e.state {
	case StateListen:
		e.handleListenSegment(s)
	case StateInitial, StateBound, StateClose:
		if !s.flagIsSet(header.TCPFlagRst) {
			replyWithReset(e.stack, s)
		}
	default:
		e.handleSegment(s)
	}
}

// HandleError implements stack.TransportEndpoint.HandleError. Errors abort a
// connection attempt and are otherwise kept as soft errors.
func (e *endpoint) HandleError(err *tcpip.Error, id stack.TransportEndpointID) {
	switch e.state {
	case StateSynSent:
		e.stack.Stats().TCP.FailedConnectionAttempts.Increment()
		e.hardError = err
		e.cleanupLocked()
	case StateInitial, StateBound, StateListen, StateClose:
	default:
		if err == tcpip.ErrMessageTooLong {
			return
		}
		e.lastError = err
		e.notify(waiter.EventErr)
	}
}

// maxPayloadFor returns the largest segment payload a route carries.
func maxPayloadFor(r *stack.Route) int {
	mss := int(r.MTU()) - header.TCPMinimumSize
	if limit := header.IPv4MaximumTotalLength - header.IPv4MinimumSize - header.TCPMinimumSize; mss > limit {
		mss = limit
	}
	return mss
}

// FindWndScale determines the window scale to use for the given maximum
// window size.
func FindWndScale(wnd seqnum.Size) int {
	if wnd < 0x10000 {
		return 0
	}

	limit := seqnum.Size(0xffff)
	s := 0
	for wnd > limit && s < header.MaxWndScale {
		s++
		limit <<= 1
	}

	return s
}
