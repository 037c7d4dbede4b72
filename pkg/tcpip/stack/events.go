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
	"net/netip"

	"osbyte.dev/netstack/pkg/tcpip"
)

// Event is a change of stack state reported to subscribers.
type Event interface {
	isEvent()
}

// AddressEventType is the kind of an AddressEvent.
type AddressEventType int

const (
	// AddressAdded is sent when an address becomes usable, after Duplicate
	// Address Detection for IPv6.
	AddressAdded AddressEventType = iota

	// AddressRemoved is sent when a usable address is removed or expires.
	AddressRemoved

	// AddressDeprecated is sent when an address's preferred lifetime ends.
	AddressDeprecated

	// AddressDADFailed is sent when Duplicate Address Detection finds
	// another node using a tentative address. The address is removed.
	AddressDADFailed
)

func (t AddressEventType) String() string {
	switch t {
	case AddressAdded:
		return "added"
	case AddressRemoved:
		return "removed"
	case AddressDeprecated:
		return "deprecated"
	case AddressDADFailed:
		return "dad-failed"
	default:
		return fmt.Sprintf("AddressEventType(%d)", t)
	}
}

// AddressEvent reports a change to a NIC's addresses.
type AddressEvent struct {
	NIC    tcpip.NICID
	Prefix netip.Prefix
	Kind   AddressKind
	Type   AddressEventType

	// Err is tcpip.ErrDuplicateAddress for AddressDADFailed.
	Err *tcpip.Error
}

func (AddressEvent) isEvent() {}

// RouterAdvertEvent reports a Router Advertisement accepted by a NIC. The
// Managed and Other flags tell whether DHCPv6 should run.
type RouterAdvertEvent struct {
	NIC     tcpip.NICID
	Router  netip.Addr
	Managed bool
	Other   bool
}

func (RouterAdvertEvent) isEvent() {}

// NICEventType is the kind of a NICEvent.
type NICEventType int

const (
	// NICUp is sent when a NIC is created or enabled.
	NICUp NICEventType = iota

	// NICDown is sent when a NIC is disabled. Its routes, neighbor entries
	// and sockets have already been torn down.
	NICDown

	// NICRemoved is sent after NICDown when a NIC is removed.
	NICRemoved
)

func (t NICEventType) String() string {
	switch t {
	case NICUp:
		return "up"
	case NICDown:
		return "down"
	case NICRemoved:
		return "removed"
	default:
		return fmt.Sprintf("NICEventType(%d)", t)
	}
}

// NICEvent reports a NIC going up, down or away. Address configuration
// clients use it to drop and reacquire their leases.
type NICEvent struct {
	NIC  tcpip.NICID
	Type NICEventType
}

func (NICEvent) isEvent() {}
