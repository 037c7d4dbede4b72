// Copyright 2025 The gVisor Authors.
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
	"fmt"

	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/waiter"
)

// Handle names an open socket. It combines a slot of the socket table with
// the slot's generation, so a handle kept after Close never reaches the
// socket that reuses the slot.
type Handle uint32

// maxSocketSlots is the number of slots a Handle can address.
const maxSocketSlots = 1 << 16

func makeHandle(gen uint16, slot int) Handle {
	return Handle(uint32(gen)<<16 | uint32(slot))
}

func (h Handle) slot() int {
	return int(h & 0xffff)
}

func (h Handle) generation() uint16 {
	return uint16(h >> 16)
}

// String implements fmt.Stringer.
func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.slot(), h.generation())
}

type socketSlot struct {
	// gen is bumped every time the slot is freed. It is never zero, so the
	// zero Handle is always invalid.
	gen uint16
	ep  Endpoint
	wq  *waiter.Queue
}

// socketTable is the fixed size arena of open sockets.
type socketTable struct {
	slots []socketSlot
	// free holds the unused slots, lowest last.
	free []int
}

func (t *socketTable) init(size int) {
	if size > maxSocketSlots {
		size = maxSocketSlots
	}
	t.slots = make([]socketSlot, size)
	t.free = make([]int, 0, size)
	for i := size - 1; i >= 0; i-- {
		t.slots[i].gen = 1
		t.free = append(t.free, i)
	}
}

func (t *socketTable) alloc(ep Endpoint, wq *waiter.Queue) (Handle, bool) {
	if len(t.free) == 0 {
		return 0, false
	}
	i := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	t.slots[i].ep = ep
	t.slots[i].wq = wq
	return makeHandle(t.slots[i].gen, i), true
}

func (t *socketTable) get(h Handle) (*socketSlot, bool) {
	i := h.slot()
	if i >= len(t.slots) {
		return nil, false
	}
	sl := &t.slots[i]
	if sl.ep == nil || sl.gen != h.generation() {
		return nil, false
	}
	return sl, true
}

func (t *socketTable) release(h Handle) {
	sl, ok := t.get(h)
	if !ok {
		return
	}
	sl.ep = nil
	sl.wq = nil
	if sl.gen++; sl.gen == 0 {
		sl.gen = 1
	}
	t.free = append(t.free, h.slot())
}

// endpointLocked returns the endpoint behind h.
func (s *Stack) endpointLocked(h Handle) (Endpoint, *tcpip.Error) {
	sl, ok := s.sockets.get(h)
	if !ok {
		return nil, tcpip.ErrInvalidHandle
	}
	return sl.ep, nil
}

// Open creates a socket of the given transport and network protocols.
// Readiness changes are signalled on wq.
func (s *Stack) Open(transport tcpip.TransportProtocolNumber, network tcpip.NetworkProtocolNumber, wq *waiter.Queue) (Handle, *tcpip.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.transports[transport]
	if !ok {
		return 0, tcpip.ErrUnknownProtocol
	}
	if len(s.sockets.free) == 0 {
		return 0, tcpip.ErrNoBufferSpace
	}
	ep, err := p.NewEndpoint(network, wq)
	if err != nil {
		return 0, err
	}
	h, _ := s.sockets.alloc(ep, wq)
	return h, nil
}

// Close closes the socket. The handle is invalid afterwards.
func (s *Stack) Close(h Handle) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, err := s.endpointLocked(h)
	if err != nil {
		return err
	}
	ep.Close()
	s.sockets.release(h)
	return nil
}

// Bind binds the socket to a local address and port. A zero port picks an
// ephemeral one.
func (s *Stack) Bind(h Handle, addr tcpip.FullAddress) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, err := s.endpointLocked(h)
	if err != nil {
		return err
	}
	return ep.Bind(addr)
}

// Connect connects the socket to addr. TCP sockets return
// ErrConnectStarted and become writable once connected.
func (s *Stack) Connect(h Handle, addr tcpip.FullAddress) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, err := s.endpointLocked(h)
	if err != nil {
		return err
	}
	return ep.Connect(addr)
}

// Listen makes the socket accept connections, queueing at most backlog
// completed ones.
func (s *Stack) Listen(h Handle, backlog int) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, err := s.endpointLocked(h)
	if err != nil {
		return err
	}
	return ep.Listen(backlog)
}

// Accept returns a handle for the next established connection of a
// listening socket, along with the queue its readiness is signalled on.
func (s *Stack) Accept(h Handle) (Handle, *waiter.Queue, *tcpip.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, err := s.endpointLocked(h)
	if err != nil {
		return 0, nil, err
	}
	if len(s.sockets.free) == 0 {
		return 0, nil, tcpip.ErrNoBufferSpace
	}
	nep, wq, err := ep.Accept()
	if err != nil {
		return 0, nil, err
	}
	nh, _ := s.sockets.alloc(nep, wq)
	return nh, wq, nil
}

// Send writes p to the socket's peer.
func (s *Stack) Send(h Handle, p []byte) (int, *tcpip.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, err := s.endpointLocked(h)
	if err != nil {
		return 0, err
	}
	return ep.Write(p, nil)
}

// SendTo writes p to the given destination.
func (s *Stack) SendTo(h Handle, p []byte, to tcpip.FullAddress) (int, *tcpip.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, err := s.endpointLocked(h)
	if err != nil {
		return 0, err
	}
	return ep.Write(p, &to)
}

// Recv reads from the socket into p.
func (s *Stack) Recv(h Handle, p []byte) (int, *tcpip.Error) {
	n, _, err := s.RecvFrom(h, p)
	return n, err
}

// RecvFrom reads from the socket into p and returns the sender's address.
func (s *Stack) RecvFrom(h Handle, p []byte) (int, tcpip.FullAddress, *tcpip.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, err := s.endpointLocked(h)
	if err != nil {
		return 0, tcpip.FullAddress{}, err
	}
	return ep.Read(p)
}

// Shutdown closes the read and/or write side of the socket.
func (s *Stack) Shutdown(h Handle, flags tcpip.ShutdownFlags) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, err := s.endpointLocked(h)
	if err != nil {
		return err
	}
	return ep.Shutdown(flags)
}

// Readiness returns the events in mask the socket is ready for.
func (s *Stack) Readiness(h Handle, mask waiter.EventMask) waiter.EventMask {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, err := s.endpointLocked(h)
	if err != nil {
		// A stale handle is always ready, so pollers find out through the
		// error of their next call.
		return mask
	}
	return ep.Readiness(mask)
}

// LocalAddress returns the address the socket is bound to.
func (s *Stack) LocalAddress(h Handle) (tcpip.FullAddress, *tcpip.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, err := s.endpointLocked(h)
	if err != nil {
		return tcpip.FullAddress{}, err
	}
	return ep.GetLocalAddress()
}

// RemoteAddress returns the address of the socket's peer.
func (s *Stack) RemoteAddress(h Handle) (tcpip.FullAddress, *tcpip.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, err := s.endpointLocked(h)
	if err != nil {
		return tcpip.FullAddress{}, err
	}
	return ep.GetRemoteAddress()
}

// State returns the protocol specific state of the socket.
func (s *Stack) State(h Handle) (uint32, *tcpip.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, err := s.endpointLocked(h)
	if err != nil {
		return 0, err
	}
	return ep.State(), nil
}

// LastError returns and clears the pending error of the socket.
func (s *Stack) LastError(h Handle) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, err := s.endpointLocked(h)
	if err != nil {
		return err
	}
	return ep.LastError()
}

// SetSockOpt sets a socket option.
func (s *Stack) SetSockOpt(h Handle, opt tcpip.SettableSocketOption) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, err := s.endpointLocked(h)
	if err != nil {
		return err
	}
	return ep.SetSockOpt(opt)
}

// JoinGroupOnSocket joins a multicast group on behalf of a datagram socket.
// The membership is dropped when the socket is closed.
func (s *Stack) JoinGroupOnSocket(h Handle, nic tcpip.NICID, group tcpip.FullAddress) *tcpip.Error {
	return s.SetSockOpt(h, &tcpip.AddMembershipOption{NIC: nic, MulticastAddr: group.Addr})
}

// BindToNIC restricts the socket to one NIC, as DHCP clients need before
// they have an address.
func (s *Stack) BindToNIC(h Handle, nic tcpip.NICID) *tcpip.Error {
	opt := tcpip.BindToDeviceOption(nic)
	return s.SetSockOpt(h, &opt)
}

// abortSocketsLocked aborts the open sockets that send through the NIC.
func (s *Stack) abortSocketsLocked(id tcpip.NICID, err *tcpip.Error) {
	for i := range s.sockets.slots {
		sl := &s.sockets.slots[i]
		if sl.ep != nil && sl.ep.RouteNIC() == id {
			sl.ep.Abort(err)
		}
	}
}
