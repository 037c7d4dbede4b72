// Copyright 2020 The gVisor Authors.
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
	"sort"
	"time"

	"osbyte.dev/netstack/pkg/log"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/header"
)

// infiniteLifetime is a preferred or valid lifetime that never expires.
const infiniteLifetime = header.NDPInfiniteLifetime

// AddressKind is the way an address was configured.
type AddressKind int

const (
	// AddressPermanent is an address added by the user.
	AddressPermanent AddressKind = iota

	// AddressDHCP is an address leased from a DHCP or DHCPv6 server.
	AddressDHCP

	// AddressSLAAC is an address generated from a prefix advertised by a
	// router.
	AddressSLAAC

	// AddressLinkLocal is the IPv6 link-local address generated when an
	// Ethernet NIC is enabled.
	AddressLinkLocal
)

func (k AddressKind) String() string {
	switch k {
	case AddressPermanent:
		return "permanent"
	case AddressDHCP:
		return "dhcp"
	case AddressSLAAC:
		return "slaac"
	case AddressLinkLocal:
		return "link-local"
	default:
		return fmt.Sprintf("AddressKind(%d)", k)
	}
}

// AddressProperties holds the properties of an address being added.
type AddressProperties struct {
	Kind AddressKind

	// PreferredLifetime is how long the address is preferred for new
	// connections. Zero means forever.
	PreferredLifetime time.Duration

	// ValidLifetime is how long the address stays assigned. Zero means
	// forever.
	ValidLifetime time.Duration
}

// AddressInfo describes an address assigned to a NIC.
type AddressInfo struct {
	Prefix netip.Prefix
	Kind   AddressKind

	// Tentative is set while Duplicate Address Detection runs. Tentative
	// addresses are neither used as a source nor accepted as a destination.
	Tentative bool

	// Deprecated is set once the preferred lifetime has passed.
	Deprecated bool
}

// addressState is an address assigned to a NIC.
type addressState struct {
	nic    *nic
	prefix netip.Prefix
	kind   AddressKind

	tentative  bool
	deprecated bool
	// announced is set once observers were told about the address.
	announced bool
	removed   bool

	// dadRemaining is the number of Neighbor Solicitations still to be sent
	// for Duplicate Address Detection.
	dadRemaining uint8
	dadJob       *tcpip.Job

	deprecateJob  *tcpip.Job
	invalidateJob *tcpip.Job
	// validUntil is the time the address expires. It is meaningless while
	// validForever is set.
	validUntil   tcpip.MonotonicTime
	validForever bool
}

func (a *addressState) addr() netip.Addr {
	return a.prefix.Addr()
}

func (a *addressState) info() AddressInfo {
	return AddressInfo{
		Prefix:     a.prefix,
		Kind:       a.kind,
		Tentative:  a.tentative,
		Deprecated: a.deprecated,
	}
}

// assigned reports whether the address may be used by the stack.
func (a *addressState) assigned() bool {
	return !a.tentative && !a.removed
}

// remainingValidLifetime returns how long the address stays assigned.
func (a *addressState) remainingValidLifetime() time.Duration {
	if a.validForever {
		return infiniteLifetime
	}
	return a.validUntil.Sub(a.nic.stack.clock.NowMonotonic())
}

// setLifetimesLocked (re)arms the deprecation and invalidation jobs. A
// preferred lifetime of zero deprecates the address now; infiniteLifetime
// never expires.
func (a *addressState) setLifetimesLocked(preferred, valid time.Duration) {
	s := a.nic.stack
	if a.deprecateJob == nil {
		a.deprecateJob = s.newJob(func() {
			if !a.removed {
				a.deprecateLocked()
			}
		})
		a.invalidateJob = s.newJob(func() {
			if a.removed {
				return
			}
			log.Infof("nic %d: address %s expired", a.nic.id, a.prefix)
			a.nic.removeAddressStateLocked(a)
		})
	}

	if valid < preferred {
		preferred = valid
	}

	a.deprecateJob.Cancel()
	switch {
	case preferred >= infiniteLifetime:
		a.deprecated = false
	case preferred <= 0:
		a.deprecateLocked()
	default:
		a.deprecated = false
		a.deprecateJob.Schedule(preferred)
	}

	a.invalidateJob.Cancel()
	if valid >= infiniteLifetime {
		a.validForever = true
		return
	}
	a.validForever = false
	a.validUntil = s.clock.NowMonotonic().Add(valid)
	a.invalidateJob.Schedule(valid)
}

func (a *addressState) deprecateLocked() {
	if a.deprecated {
		return
	}
	a.deprecated = true
	log.Infof("nic %d: address %s deprecated", a.nic.id, a.prefix)
	if a.announced {
		a.nic.stack.emitLocked(AddressEvent{NIC: a.nic.id, Prefix: a.prefix, Kind: a.kind, Type: AddressDeprecated})
	}
}

// cancelJobsLocked stops every job of the address.
func (a *addressState) cancelJobsLocked() {
	for _, j := range []*tcpip.Job{a.dadJob, a.deprecateJob, a.invalidateJob} {
		if j != nil {
			j.Cancel()
		}
	}
}

// completeLocked makes a tentative address usable.
func (a *addressState) completeLocked() {
	a.tentative = false
	if a.announced {
		return
	}
	a.announced = true
	log.Infof("nic %d: address %s (%s) assigned", a.nic.id, a.prefix, a.kind)
	a.nic.stack.emitLocked(AddressEvent{NIC: a.nic.id, Prefix: a.prefix, Kind: a.kind, Type: AddressAdded})
	if a.addr().Is6() && a.addr().IsLinkLocalUnicast() {
		// MLD reports wait for a link-local source.
		a.nic.mld.gmp.SendQueuedReportsLocked()
	}
}

// lifetimeOrInfinite maps the zero lifetime of AddressProperties to
// infiniteLifetime.
func lifetimeOrInfinite(d time.Duration) time.Duration {
	if d <= 0 {
		return infiniteLifetime
	}
	return d
}

// addAddressLocked assigns prefix to the NIC.
//
// IPv6 addresses on enabled Ethernet NICs start tentative and run Duplicate
// Address Detection; everything else is usable immediately.
func (n *nic) addAddressLocked(prefix netip.Prefix, props AddressProperties) (*addressState, *tcpip.Error) {
	if !prefix.IsValid() || prefix.Addr().IsMulticast() || prefix.Addr().IsUnspecified() || prefix.Addr().Zone() != "" {
		return nil, tcpip.ErrBadAddress
	}
	if n.findAddressLocked(prefix.Addr()) != nil {
		return nil, tcpip.ErrDuplicateAddress
	}

	a := &addressState{
		nic:    n,
		prefix: prefix,
		kind:   props.Kind,
	}
	n.addrs = append(n.addrs, a)
	a.setLifetimesLocked(lifetimeOrInfinite(props.PreferredLifetime), lifetimeOrInfinite(props.ValidLifetime))

	if prefix.Addr().Is6() {
		n.joinGroupLocked(header.SolicitedNodeAddr(prefix.Addr()))
	}
	if n.enabled {
		n.addConnectedRouteLocked(a)
	}

	if prefix.Addr().Is6() && n.enabled && !n.loopback && n.ndp.configs.DupAddrDetectTransmits > 0 {
		a.tentative = true
		n.ndp.startDADLocked(a)
		return a, nil
	}
	a.completeLocked()
	return a, nil
}

// addConnectedRouteLocked installs the on-link route of a's prefix.
//
// SLAAC addresses get their on-link route from the Prefix Information
// option, and host prefixes need none.
func (n *nic) addConnectedRouteLocked(a *addressState) {
	if a.kind == AddressSLAAC || a.prefix.IsSingleIP() {
		return
	}
	n.stack.routes.add(tcpip.Route{Destination: a.prefix.Masked(), NIC: n.id})
}

// removeConnectedRouteLocked removes the on-link route of a's prefix unless
// another address of the NIC still needs it.
func (n *nic) removeConnectedRouteLocked(a *addressState) {
	if a.kind == AddressSLAAC || a.prefix.IsSingleIP() {
		return
	}
	subnet := a.prefix.Masked()
	for _, other := range n.addrs {
		if other != a && other.kind != AddressSLAAC && other.prefix.Masked() == subnet {
			return
		}
	}
	connected := tcpip.Route{Destination: subnet, NIC: n.id}
	n.stack.routes.remove(func(r tcpip.Route) bool { return r == connected })
}

// removeAddressLocked removes addr from the NIC.
func (n *nic) removeAddressLocked(addr netip.Addr) *tcpip.Error {
	a := n.findAddressLocked(addr)
	if a == nil {
		return tcpip.ErrBadLocalAddress
	}
	n.removeAddressStateLocked(a)
	return nil
}

func (n *nic) removeAddressStateLocked(a *addressState) {
	if a.removed {
		return
	}
	a.cancelJobsLocked()
	n.removeConnectedRouteLocked(a)
	a.removed = true
	for i, other := range n.addrs {
		if other == a {
			n.addrs = append(n.addrs[:i], n.addrs[i+1:]...)
			break
		}
	}
	if a.addr().Is6() {
		n.leaveGroupLocked(header.SolicitedNodeAddr(a.addr()))
		if a.kind == AddressSLAAC {
			n.ndp.forgetSLAACAddressLocked(a)
		}
	}
	if a.announced {
		log.Infof("nic %d: address %s removed", n.id, a.prefix)
		n.stack.emitLocked(AddressEvent{NIC: n.id, Prefix: a.prefix, Kind: a.kind, Type: AddressRemoved})
	}
}

// findAddressLocked returns the address state for addr, tentative or not.
func (n *nic) findAddressLocked(addr netip.Addr) *addressState {
	for _, a := range n.addrs {
		if a.addr() == addr {
			return a
		}
	}
	return nil
}

// hasAssignedAddressLocked reports whether addr is a usable address of n.
func (n *nic) hasAssignedAddressLocked(addr netip.Addr) bool {
	a := n.findAddressLocked(addr)
	return a != nil && a.assigned()
}

// isSubnetBroadcastLocked reports whether addr is the directed broadcast
// address of one of n's IPv4 subnets.
func (n *nic) isSubnetBroadcastLocked(addr netip.Addr) bool {
	for _, a := range n.addrs {
		if a.addr().Is4() && a.prefix.Bits() < 31 && header.IPv4SubnetBroadcast(a.prefix) == addr {
			return true
		}
	}
	return false
}

// addressesLocked returns the addresses of n in the order they were added.
func (n *nic) addressesLocked() []AddressInfo {
	out := make([]AddressInfo, 0, len(n.addrs))
	for _, a := range n.addrs {
		out = append(out, a.info())
	}
	return out
}

// ipv6Scope returns the RFC 4291 scope of an IPv6 address.
func ipv6Scope(addr netip.Addr) uint8 {
	switch {
	case addr.IsMulticast():
		return addr.As16()[1] & 0xf
	case addr.IsLinkLocalUnicast(), addr.IsLoopback():
		return 0x2
	default:
		return 0xe
	}
}

// primaryAddressLocked selects the source address for packets to remote.
//
// For IPv4 it is the first assigned IPv4 address, preferring one whose subnet
// holds remote. For IPv6 candidates are sorted by RFC 6724 section 5 rules 1
// to 3: same address, appropriate scope, then not deprecated.
func (n *nic) primaryAddressLocked(remote netip.Addr) (netip.Addr, bool) {
	var cs []*addressState
	for _, a := range n.addrs {
		if a.assigned() && a.addr().Is4() == remote.Is4() {
			cs = append(cs, a)
		}
	}
	if len(cs) == 0 {
		return netip.Addr{}, false
	}

	if remote.Is4() {
		for _, a := range cs {
			if a.prefix.Contains(remote) {
				return a.addr(), true
			}
		}
		return cs[0].addr(), true
	}

	remoteScope := ipv6Scope(remote)
	sort.SliceStable(cs, func(i, j int) bool {
		sa, sb := cs[i], cs[j]

		// Prefer same address as per RFC 6724 section 5 rule 1.
		if sa.addr() == remote {
			return true
		}
		if sb.addr() == remote {
			return false
		}

		// Prefer appropriate scope as per RFC 6724 section 5 rule 2.
		if sas, sbs := ipv6Scope(sa.addr()), ipv6Scope(sb.addr()); sas < sbs {
			return sas >= remoteScope
		} else if sbs < sas {
			return sbs < remoteScope
		}

		// Avoid deprecated addresses as per RFC 6724 section 5 rule 3.
		return !sa.deprecated && sb.deprecated
	})
	return cs[0].addr(), true
}
