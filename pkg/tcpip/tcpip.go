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

// Package tcpip provides the interfaces and related types that users of the
// tcpip stack will use in order to create endpoints used to send and receive
// data over the network stack.
//
// The starting point is the creation and configuration of a stack. A stack can
// be created by calling the New() function of the tcpip/stack/stack package;
// configuring a stack involves creating NICs (via calls to Stack.CreateNIC()),
// adding network addresses (via calls to Stack.AddAddress()), and
// adding routes (via calls to Stack.AddRoute()).
//
// Once a stack is configured, sockets can be opened by calling Stack.Open().
// Socket handles are used to send/receive data, connect to peers, listen for
// connections, accept connections, etc., depending on the transport protocol
// selected. No socket call ever blocks; ErrWouldBlock is returned instead and
// the socket's waiter.Queue is notified when the condition changes.
package tcpip

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// NICID is a number that uniquely identifies a NIC.
type NICID int32

// LinkAddress is a byte slice cast as a string that represents a link address.
// It is typically a 6-byte MAC address.
type LinkAddress string

// String implements the fmt.Stringer interface.
func (a LinkAddress) String() string {
	switch len(a) {
	case 6:
		return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
	default:
		return fmt.Sprintf("%x", []byte(a))
	}
}

// HardwareAddr returns a as a net.HardwareAddr.
func (a LinkAddress) HardwareAddr() net.HardwareAddr {
	return net.HardwareAddr(a)
}

// ParseMACAddress parses an IEEE 802 address.
//
// It must be in the format aa:bb:cc:dd:ee:ff or aa-bb-cc-dd-ee-ff.
func ParseMACAddress(s string) (LinkAddress, error) {
	parts := strings.FieldsFunc(s, func(c rune) bool {
		return c == ':' || c == '-'
	})
	if len(parts) != 6 {
		return "", fmt.Errorf("inconsistent parts: %s", s)
	}
	addr := make([]byte, 0, len(parts))
	for _, part := range parts {
		var u uint8
		if _, err := fmt.Sscanf(part, "%x", &u); err != nil || len(part) != 2 {
			return "", fmt.Errorf("invalid hex digits: %s", s)
		}
		addr = append(addr, u)
	}
	return LinkAddress(addr), nil
}

// NetworkProtocolNumber is the EtherType of a network protocol.
type NetworkProtocolNumber uint16

// TransportProtocolNumber is the IP protocol number of a transport protocol.
type TransportProtocolNumber uint8

// FullAddress represents a full transport node address, as required by the
// Connect() and Bind() methods.
type FullAddress struct {
	// NIC is the ID of the NIC this address refers to.
	//
	// This may not be used by all endpoint types.
	NIC NICID

	// Addr is the network address. The zero value means unspecified.
	Addr netip.Addr

	// Port is the transport port.
	//
	// This may not be used by all endpoint types.
	Port uint16
}

// AddrPort returns the address and port as a netip.AddrPort.
func (a FullAddress) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(a.Addr, a.Port)
}

func (a FullAddress) String() string {
	if a.NIC != 0 {
		return fmt.Sprintf("%s%%%d", a.AddrPort(), a.NIC)
	}
	return a.AddrPort().String()
}

// ShutdownFlags represents flags that can be passed to the Shutdown() method
// of the Endpoint interface.
type ShutdownFlags int

// Values of the flags that can be passed to the Shutdown() method. They can
// be OR'ed together.
const (
	ShutdownRead ShutdownFlags = 1 << iota
	ShutdownWrite
)

// IsUnspecified reports whether a is the zero address or an all-zeros
// address of either family.
func IsUnspecified(a netip.Addr) bool {
	return !a.IsValid() || a.IsUnspecified()
}

// LimitedBroadcast is the IPv4 limited broadcast address.
var LimitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// Route is a row in the routing table. It specifies through which NIC (and
// gateway) sets of packets should be routed. A row is considered viable if the
// masked target address matches the destination address in the row.
type Route struct {
	// Destination must contain the target address for this row to be viable.
	Destination netip.Prefix

	// Gateway is the gateway to be used if this row is viable. The zero value
	// means the destination is directly connected.
	Gateway netip.Addr

	// NIC is the id of the nic to be used if this row is viable.
	NIC NICID

	// Metric orders routes of equal prefix length; lower wins.
	Metric uint32
}

// String implements the fmt.Stringer interface.
func (r Route) String() string {
	var out strings.Builder
	out.WriteString(r.Destination.String())
	if r.Gateway.IsValid() {
		fmt.Fprintf(&out, " via %s", r.Gateway)
	}
	fmt.Fprintf(&out, " nic %d metric %d", r.NIC, r.Metric)
	return out.String()
}

// Equal returns true if the given Route is equal to this Route.
func (r Route) Equal(to Route) bool {
	return r == to
}
