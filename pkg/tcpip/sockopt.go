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

package tcpip

import "net/netip"

// SettableSocketOption is a marker interface for socket options that may be
// configured.
type SettableSocketOption interface {
	isSettableSocketOption()
}

// BindToDeviceOption restricts an endpoint to a NIC. Zero removes the
// restriction.
type BindToDeviceOption NICID

func (*BindToDeviceOption) isSettableSocketOption() {}

// BroadcastOption allows a datagram endpoint to send to broadcast
// addresses.
type BroadcastOption bool

func (*BroadcastOption) isSettableSocketOption() {}

// ReuseAddressOption allows several datagram endpoints to bind the same
// address and port.
type ReuseAddressOption bool

func (*ReuseAddressOption) isSettableSocketOption() {}

// ReceiveBufferSizeOption sets the receive buffer size in bytes.
type ReceiveBufferSizeOption int

func (*ReceiveBufferSizeOption) isSettableSocketOption() {}

// SendBufferSizeOption sets the send buffer size in bytes.
type SendBufferSizeOption int

func (*SendBufferSizeOption) isSettableSocketOption() {}

// TTLOption sets the TTL (or hop limit) of outgoing unicast packets. Zero
// restores the default.
type TTLOption uint8

func (*TTLOption) isSettableSocketOption() {}

// MembershipOption is used to identify a multicast membership on a NIC.
type MembershipOption struct {
	NIC           NICID
	MulticastAddr netip.Addr
}

// AddMembershipOption joins a multicast group.
type AddMembershipOption MembershipOption

func (*AddMembershipOption) isSettableSocketOption() {}

// RemoveMembershipOption leaves a multicast group.
type RemoveMembershipOption MembershipOption

func (*RemoveMembershipOption) isSettableSocketOption() {}
