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

// Package ports provides PortManager that manages allocating, reserving and releasing ports.
package ports

import (
	"math/rand"
	"net/netip"

	"osbyte.dev/netstack/pkg/tcpip"
)

const (
	// FirstEphemeral is the first ephemeral port.
	FirstEphemeral = 32768

	// LastEphemeral is the last ephemeral port.
	LastEphemeral = 60999

	// numEphemeralPorts it the number of available ephemeral ports to
	// Netstack.
	numEphemeralPorts = LastEphemeral - FirstEphemeral + 1
)

type portDescriptor struct {
	network   tcpip.NetworkProtocolNumber
	transport tcpip.TransportProtocolNumber
	port      uint16
}

type destination struct {
	addr netip.Addr
	port uint16
}

func makeDestination(a tcpip.FullAddress) destination {
	return destination{
		a.Addr,
		a.Port,
	}
}

func (d destination) unspecified() bool {
	return d == destination{}
}

// portNode is never empty. When it has no elements, it is removed from the
// map that references it. It counts reservations per destination; the zero
// destination is an unconnected reservation.
type portNode map[destination]int

// conflicts returns true if a reservation for dst cannot share the node.
// Connected reservations only collide with the same destination or with an
// unconnected one.
func (p portNode) conflicts(dst destination) bool {
	for d := range p {
		if d == dst || d.unspecified() || dst.unspecified() {
			return true
		}
	}
	return false
}

// deviceNode is never empty. When it has no elements, it is removed from the
// map that references it.
type deviceNode map[tcpip.NICID]portNode

// isAvailable checks whether binding is possible by device. If not binding to a
// device, check against all nodes. If binding to a specific device, check
// against the unspecified device and the provided device.
func (d deviceNode) isAvailable(bindToDevice tcpip.NICID, dst destination) bool {
	if bindToDevice == 0 {
		for _, p := range d {
			if p.conflicts(dst) {
				return false
			}
		}
		return true
	}

	if p, ok := d[0]; ok && p.conflicts(dst) {
		return false
	}
	if p, ok := d[bindToDevice]; ok && p.conflicts(dst) {
		return false
	}
	return true
}

// bindAddresses is a set of IP addresses. The zero netip.Addr is the "any"
// address.
type bindAddresses map[netip.Addr]deviceNode

// isAvailable checks whether an IP address is available to bind to. If the
// address is the "any" address, check all other addresses. Otherwise, just
// check against the "any" address and the provided address.
func (b bindAddresses) isAvailable(addr netip.Addr, bindToDevice tcpip.NICID, dst destination) bool {
	if !addr.IsValid() {
		// If binding to the "any" address then check that there are no conflicts
		// with all addresses.
		for _, d := range b {
			if !d.isAvailable(bindToDevice, dst) {
				return false
			}
		}
		return true
	}

	// Check that there is no conflict with the "any" address.
	if d, ok := b[netip.Addr{}]; ok {
		if !d.isAvailable(bindToDevice, dst) {
			return false
		}
	}

	// Check that this is no conflict with the provided address.
	if d, ok := b[addr]; ok {
		if !d.isAvailable(bindToDevice, dst) {
			return false
		}
	}

	return true
}

// Reservation describes a port reservation.
type Reservation struct {
	// Networks is the list of network protocols to which the reservation
	// applies.
	Networks []tcpip.NetworkProtocolNumber

	// Transport is the transport protocol to which the reservation applies.
	Transport tcpip.TransportProtocolNumber

	// Addr is the address of the local endpoint. The zero value is the "any"
	// address.
	Addr netip.Addr

	// Port is the local port number.
	Port uint16

	// BindToDevice is the NIC to which the reservation applies, zero for all.
	BindToDevice tcpip.NICID

	// Dest is the destination address of a connected endpoint.
	Dest tcpip.FullAddress
}

func (rs Reservation) dst() destination {
	return makeDestination(rs.Dest)
}

// PortManager manages allocating, reserving and releasing ports.
//
// It is not safe for concurrent use; the stack serializes access.
type PortManager struct {
	allocatedPorts map[portDescriptor]bindAddresses
	rand           *rand.Rand
}

// NewPortManager creates new PortManager drawing ephemeral ports from rng.
func NewPortManager(rng *rand.Rand) *PortManager {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &PortManager{
		allocatedPorts: make(map[portDescriptor]bindAddresses),
		rand:           rng,
	}
}

// PickEphemeralPort randomly chooses a starting point and iterates over all
// possible ephemeral ports, allowing the caller to decide whether a given port
// is suitable for its needs, and stopping when a port is found or an error
// occurs.
func (s *PortManager) PickEphemeralPort(testPort func(p uint16) (bool, error)) (port uint16, err error) {
	offset := uint32(s.rand.Int31n(numEphemeralPorts))
	return s.pickEphemeralPort(offset, numEphemeralPorts, testPort)
}

// pickEphemeralPort starts at the offset specified from the FirstEphemeral port
// and iterates over the number of ports specified by count and allows the
// caller to decide whether a given port is suitable for its needs, and stopping
// when a port is found or an error occurs.
func (s *PortManager) pickEphemeralPort(offset, count uint32, testPort func(p uint16) (bool, error)) (port uint16, err error) {
	for i := uint32(0); i < count; i++ {
		port = uint16(FirstEphemeral + (offset+i)%count)
		ok, err := testPort(port)
		if err != nil {
			return 0, err
		}

		if ok {
			return port, nil
		}
	}

	return 0, tcpip.ErrNoPortAvailable
}

// IsPortAvailable tests if the given port is available on all given protocols.
func (s *PortManager) IsPortAvailable(res Reservation) bool {
	return s.isPortAvailable(res.Networks, res.Transport, res.Addr, res.Port, res.BindToDevice, res.dst())
}

func (s *PortManager) isPortAvailable(networks []tcpip.NetworkProtocolNumber, transport tcpip.TransportProtocolNumber, addr netip.Addr, port uint16, bindToDevice tcpip.NICID, dst destination) bool {
	for _, network := range networks {
		desc := portDescriptor{network, transport, port}
		if addrs, ok := s.allocatedPorts[desc]; ok {
			if !addrs.isAvailable(addr, bindToDevice, dst) {
				return false
			}
		}
	}
	return true
}

// ReservePort marks a port/IP combination as reserved so that it cannot be
// reserved by another endpoint. If res.Port is zero, ReservePort will search
// for an unreserved ephemeral port and reserve it, returning its value in the
// "port" return value.
//
// An optional testPort closure can be passed in which if provided will be used
// to test if the picked port can be used. The function should return true if
// the port is safe to use, false otherwise.
func (s *PortManager) ReservePort(res Reservation, testPort func(port uint16) bool) (reservedPort uint16, err error) {
	dst := res.dst()

	// If a port is specified, just try to reserve it for all network
	// protocols.
	if res.Port != 0 {
		if !s.reserveSpecificPort(res.Networks, res.Transport, res.Addr, res.Port, res.BindToDevice, dst) {
			return 0, tcpip.ErrPortInUse
		}
		if testPort != nil && !testPort(res.Port) {
			s.releasePort(res.Networks, res.Transport, res.Addr, res.Port, res.BindToDevice, dst)
			return 0, tcpip.ErrPortInUse
		}
		return res.Port, nil
	}

	// A port wasn't specified, so try to find one.
	return s.PickEphemeralPort(func(p uint16) (bool, error) {
		if !s.reserveSpecificPort(res.Networks, res.Transport, res.Addr, p, res.BindToDevice, dst) {
			return false, nil
		}
		if testPort != nil && !testPort(p) {
			s.releasePort(res.Networks, res.Transport, res.Addr, p, res.BindToDevice, dst)
			return false, nil
		}
		return true, nil
	})
}

// reserveSpecificPort tries to reserve the given port on all given protocols.
func (s *PortManager) reserveSpecificPort(networks []tcpip.NetworkProtocolNumber, transport tcpip.TransportProtocolNumber, addr netip.Addr, port uint16, bindToDevice tcpip.NICID, dst destination) bool {
	if !s.isPortAvailable(networks, transport, addr, port, bindToDevice, dst) {
		return false
	}

	// Reserve port on all network protocols.
	for _, network := range networks {
		desc := portDescriptor{network, transport, port}
		m, ok := s.allocatedPorts[desc]
		if !ok {
			m = make(bindAddresses)
			s.allocatedPorts[desc] = m
		}
		d, ok := m[addr]
		if !ok {
			d = make(deviceNode)
			m[addr] = d
		}
		p := d[bindToDevice]
		if p == nil {
			p = make(portNode)
			d[bindToDevice] = p
		}
		p[dst]++
	}

	return true
}

// ReleasePort releases the reservation on a port/IP combination so that it can
// be reserved by other endpoints.
func (s *PortManager) ReleasePort(res Reservation) {
	s.releasePort(res.Networks, res.Transport, res.Addr, res.Port, res.BindToDevice, res.dst())
}

func (s *PortManager) releasePort(networks []tcpip.NetworkProtocolNumber, transport tcpip.TransportProtocolNumber, addr netip.Addr, port uint16, bindToDevice tcpip.NICID, dst destination) {
	for _, network := range networks {
		desc := portDescriptor{network, transport, port}
		m, ok := s.allocatedPorts[desc]
		if !ok {
			continue
		}
		d, ok := m[addr]
		if !ok {
			continue
		}
		p, ok := d[bindToDevice]
		if !ok {
			continue
		}
		n, ok := p[dst]
		if !ok {
			continue
		}
		if n > 1 {
			p[dst] = n - 1
			continue
		}
		delete(p, dst)
		if len(p) > 0 {
			continue
		}
		delete(d, bindToDevice)
		if len(d) > 0 {
			continue
		}
		delete(m, addr)
		if len(m) > 0 {
			continue
		}
		delete(s.allocatedPorts, desc)
	}
}
