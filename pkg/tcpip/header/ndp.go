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

package header

import (
	"encoding/binary"
	"math"
	"net/netip"
	"time"

	"osbyte.dev/netstack/pkg/tcpip"
)

// The NDP message bodies below start after the 4-byte ICMPv6 header; use
// ICMPv6.MessageBody to obtain them.

const (
	// NDPNSMinimumSize is the minimum size of a valid NDP Neighbor
	// Solicitation message body, as per RFC 4861 section 4.3.
	NDPNSMinimumSize = 20

	// ndpNSTargetAddessOffset is the start of the Target Address field within
	// an NDPNeighborSolicit.
	ndpNSTargetAddessOffset = 4

	// ndpNSOptionsOffset is the start of the NDP options in an
	// NDPNeighborSolicit.
	ndpNSOptionsOffset = ndpNSTargetAddessOffset + IPv6AddressSize

	// NDPNAMinimumSize is the minimum size of a valid NDP Neighbor
	// Advertisement message body, as per RFC 4861 section 4.4.
	NDPNAMinimumSize = 20

	// ndpNATargetAddressOffset is the start of the Target Address field
	// within an NDPNeighborAdvert.
	ndpNATargetAddressOffset = 4

	// ndpNAOptionsOffset is the start of the NDP options in an
	// NDPNeighborAdvert.
	ndpNAOptionsOffset = ndpNATargetAddressOffset + IPv6AddressSize

	// ndpNAFlagsOffset is the offset of the flags within an
	// NDPNeighborAdvert.
	ndpNAFlagsOffset = 0

	// ndpNARouterFlagMask is the mask of the Router Flag field in
	// the flags byte within in an NDPNeighborAdvert.
	ndpNARouterFlagMask = (1 << 7)

	// ndpNASolicitedFlagMask is the mask of the Solicited Flag field in
	// the flags byte within in an NDPNeighborAdvert.
	ndpNASolicitedFlagMask = (1 << 6)

	// ndpNAOverrideFlagMask is the mask of the Override Flag field in
	// the flags byte within in an NDPNeighborAdvert.
	ndpNAOverrideFlagMask = (1 << 5)

	// NDPRSMinimumSize is the minimum size of a valid NDP Router Solicitation
	// message body, as per RFC 4861 section 4.1.
	NDPRSMinimumSize = 4

	// ndpRSOptionsOffset is the start of the NDP options in an
	// NDPRouterSolicit.
	ndpRSOptionsOffset = 4

	// NDPRAMinimumSize is the minimum size of a valid NDP Router
	// Advertisement message body, as per RFC 4861 section 4.2.
	NDPRAMinimumSize = 12

	// ndpRACurrHopLimitOffset is the byte of the Curr Hop Limit field within
	// an NDPRouterAdvert.
	ndpRACurrHopLimitOffset = 0

	// ndpRAFlagsOffset is the byte with the NDP RA bit-fields/flags.
	ndpRAFlagsOffset = 1

	// ndpRAManagedAddrConfFlagMask is the mask of the Managed Address
	// Configuration flag within the bit-field/flags byte of an
	// NDPRouterAdvert.
	ndpRAManagedAddrConfFlagMask = (1 << 7)

	// ndpRAOtherConfFlagMask is the mask of the Other Configuration flag
	// within the bit-field/flags byte of an NDPRouterAdvert.
	ndpRAOtherConfFlagMask = (1 << 6)

	// ndpRARouterLifetimeOffset is the start of the 2-byte Router Lifetime
	// field within an NDPRouterAdvert.
	ndpRARouterLifetimeOffset = 2

	// ndpRAReachableTimeOffset is the start of the 4-byte Reachable Time
	// field within an NDPRouterAdvert.
	ndpRAReachableTimeOffset = 4

	// ndpRARetransTimerOffset is the start of the 4-byte Retrans Timer field
	// within an NDPRouterAdvert.
	ndpRARetransTimerOffset = 8

	// ndpRAOptionsOffset is the start of the NDP options in an
	// NDPRouterAdvert.
	ndpRAOptionsOffset = 12
)

// NDPNeighborSolicit is an NDP Neighbor Solicitation message. It will only
// contain the body of an ICMPv6 packet.
//
// See RFC 4861 section 4.3 for more details.
type NDPNeighborSolicit []byte

// TargetAddress returns the value within the Target Address field.
func (b NDPNeighborSolicit) TargetAddress() netip.Addr {
	return netip.AddrFrom16([16]byte(b[ndpNSTargetAddessOffset:][:IPv6AddressSize]))
}

// SetTargetAddress sets the value within the Target Address field.
func (b NDPNeighborSolicit) SetTargetAddress(addr netip.Addr) {
	a := addr.As16()
	copy(b[ndpNSTargetAddessOffset:][:IPv6AddressSize], a[:])
}

// Options returns an NDPOptions of the options body.
func (b NDPNeighborSolicit) Options() NDPOptions {
	return NDPOptions(b[ndpNSOptionsOffset:])
}

// NDPNeighborAdvert is an NDP Neighbor Advertisement message. It will only
// contain the body of an ICMPv6 packet.
//
// See RFC 4861 section 4.4 for more details.
type NDPNeighborAdvert []byte

// TargetAddress returns the value within the Target Address field.
func (b NDPNeighborAdvert) TargetAddress() netip.Addr {
	return netip.AddrFrom16([16]byte(b[ndpNATargetAddressOffset:][:IPv6AddressSize]))
}

// SetTargetAddress sets the value within the Target Address field.
func (b NDPNeighborAdvert) SetTargetAddress(addr netip.Addr) {
	a := addr.As16()
	copy(b[ndpNATargetAddressOffset:][:IPv6AddressSize], a[:])
}

// RouterFlag returns the value of the Router Flag field.
func (b NDPNeighborAdvert) RouterFlag() bool {
	return b[ndpNAFlagsOffset]&ndpNARouterFlagMask != 0
}

// SetRouterFlag sets the value in the Router Flag field.
func (b NDPNeighborAdvert) SetRouterFlag(f bool) {
	b.setFlag(ndpNARouterFlagMask, f)
}

// SolicitedFlag returns the value of the Solicited Flag field.
func (b NDPNeighborAdvert) SolicitedFlag() bool {
	return b[ndpNAFlagsOffset]&ndpNASolicitedFlagMask != 0
}

// SetSolicitedFlag sets the value in the Solicited Flag field.
func (b NDPNeighborAdvert) SetSolicitedFlag(f bool) {
	b.setFlag(ndpNASolicitedFlagMask, f)
}

// OverrideFlag returns the value of the Override Flag field.
func (b NDPNeighborAdvert) OverrideFlag() bool {
	return b[ndpNAFlagsOffset]&ndpNAOverrideFlagMask != 0
}

// SetOverrideFlag sets the value in the Override Flag field.
func (b NDPNeighborAdvert) SetOverrideFlag(f bool) {
	b.setFlag(ndpNAOverrideFlagMask, f)
}

func (b NDPNeighborAdvert) setFlag(mask byte, f bool) {
	if f {
		b[ndpNAFlagsOffset] |= mask
	} else {
		b[ndpNAFlagsOffset] &^= mask
	}
}

// Options returns an NDPOptions of the options body.
func (b NDPNeighborAdvert) Options() NDPOptions {
	return NDPOptions(b[ndpNAOptionsOffset:])
}

// NDPRouterSolicit is an NDP Router Solicitation message. It will only contain
// the body of an ICMPv6 packet.
//
// See RFC 4861 section 4.1 for more details.
type NDPRouterSolicit []byte

// Options returns an NDPOptions of the options body.
func (b NDPRouterSolicit) Options() NDPOptions {
	return NDPOptions(b[ndpRSOptionsOffset:])
}

// NDPRouterAdvert is an NDP Router Advertisement message. It will only contain
// the body of an ICMPv6 packet.
//
// See RFC 4861 section 4.2 for more details.
type NDPRouterAdvert []byte

// CurrHopLimit returns the value of the Curr Hop Limit field.
func (b NDPRouterAdvert) CurrHopLimit() uint8 {
	return b[ndpRACurrHopLimitOffset]
}

// ManagedAddrConfFlag returns the value of the Managed Address Configuration
// flag.
func (b NDPRouterAdvert) ManagedAddrConfFlag() bool {
	return b[ndpRAFlagsOffset]&ndpRAManagedAddrConfFlagMask != 0
}

// OtherConfFlag returns the value of the Other Configuration flag.
func (b NDPRouterAdvert) OtherConfFlag() bool {
	return b[ndpRAFlagsOffset]&ndpRAOtherConfFlagMask != 0
}

// RouterLifetime returns the lifetime associated with the default router. A
// value of 0 means the source of the Router Advertisement is not a default
// router and SHOULD NOT appear on the default router list. Note, a value of 0
// only means that the router should not be used as a default router, it does
// not apply to other information contained in the Router Advertisement.
func (b NDPRouterAdvert) RouterLifetime() time.Duration {
	// The field is the time in seconds, as per RFC 4861 section 4.2.
	return time.Second * time.Duration(binary.BigEndian.Uint16(b[ndpRARouterLifetimeOffset:]))
}

// ReachableTime returns the time that a node assumes a neighbor is reachable
// after having received a reachability confirmation. A value of 0 means
// that it is unspecified by the source of the Router Advertisement message.
func (b NDPRouterAdvert) ReachableTime() time.Duration {
	// The field is the time in milliseconds, as per RFC 4861 section 4.2.
	return time.Millisecond * time.Duration(binary.BigEndian.Uint32(b[ndpRAReachableTimeOffset:]))
}

// RetransTimer returns the time between retransmitted Neighbor Solicitation
// messages. A value of 0 means that it is unspecified by the source of the
// Router Advertisement message.
func (b NDPRouterAdvert) RetransTimer() time.Duration {
	// The field is the time in milliseconds, as per RFC 4861 section 4.2.
	return time.Millisecond * time.Duration(binary.BigEndian.Uint32(b[ndpRARetransTimerOffset:]))
}

// Options returns an NDPOptions of the options body.
func (b NDPRouterAdvert) Options() NDPOptions {
	return NDPOptions(b[ndpRAOptionsOffset:])
}

// NDPRouterAdvertFields contains the fields of a Router Advertisement to be
// encoded.
type NDPRouterAdvertFields struct {
	CurrHopLimit   uint8
	Managed        bool
	Other          bool
	RouterLifetime time.Duration
	ReachableTime  time.Duration
	RetransTimer   time.Duration
}

// Encode writes the fixed fields of a Router Advertisement into b.
func (b NDPRouterAdvert) Encode(f *NDPRouterAdvertFields) {
	b[ndpRACurrHopLimitOffset] = f.CurrHopLimit
	var flags byte
	if f.Managed {
		flags |= ndpRAManagedAddrConfFlagMask
	}
	if f.Other {
		flags |= ndpRAOtherConfFlagMask
	}
	b[ndpRAFlagsOffset] = flags
	binary.BigEndian.PutUint16(b[ndpRARouterLifetimeOffset:], uint16(f.RouterLifetime/time.Second))
	binary.BigEndian.PutUint32(b[ndpRAReachableTimeOffset:], uint32(f.ReachableTime/time.Millisecond))
	binary.BigEndian.PutUint32(b[ndpRARetransTimerOffset:], uint32(f.RetransTimer/time.Millisecond))
}

// NDPOptionIdentifier is the identifier of an NDP option, as per RFC 4861
// section 4.6.
type NDPOptionIdentifier uint8

const (
	// NDPSourceLinkLayerAddressOptionType is the type of the Source Link Layer
	// Address option, as per RFC 4861 section 4.6.1.
	NDPSourceLinkLayerAddressOptionType NDPOptionIdentifier = 1

	// NDPTargetLinkLayerAddressOptionType is the type of the Target Link Layer
	// Address option, as per RFC 4861 section 4.6.1.
	NDPTargetLinkLayerAddressOptionType NDPOptionIdentifier = 2

	// NDPPrefixInformationType is the type of the Prefix Information
	// option, as per RFC 4861 section 4.6.2.
	NDPPrefixInformationType NDPOptionIdentifier = 3

	// NDPMTUOptionType is the type of the MTU option, as per RFC 4861 section
	// 4.6.4.
	NDPMTUOptionType NDPOptionIdentifier = 5
)

const (
	// ndpOptionHeaderSize is the size of the Type and Length fields of an NDP
	// option.
	ndpOptionHeaderSize = 2

	// lengthByteUnits is the multiplier factor for the Length field of an
	// NDP option. That is, the length field for NDP options is in units of
	// 8 octets, as per RFC 4861 section 4.6.
	lengthByteUnits = 8

	// NDPPrefixInformationLength is the expected length, in bytes, of the
	// body of an NDP Prefix Information option, as per RFC 4861 section
	// 4.6.2 which specifies that the Length field is 4. Given this, the
	// expected length, in bytes, is 30 because 4 * lengthByteUnits (8) - 2
	// (Type & Length) = 30.
	NDPPrefixInformationLength = 30

	ndpPrefixInformationPrefixLengthOffset      = 0
	ndpPrefixInformationFlagsOffset             = 1
	ndpPrefixInformationOnLinkFlagMask          = 1 << 7
	ndpPrefixInformationAutoAddrConfFlagMask    = 1 << 6
	ndpPrefixInformationValidLifetimeOffset     = 2
	ndpPrefixInformationPreferredLifetimeOffset = 6
	ndpPrefixInformationPrefixOffset            = 14
)

// NDPInfiniteLifetime is a value that represents infinity for the Valid and
// Preferred Lifetime fields in a NDP Prefix Information option. Its value is
// (2^32 - 1)s = 4294967295s.
const NDPInfiniteLifetime = time.Second * math.MaxUint32

// NDPOptions is a buffer of NDP options as defined by RFC 4861 section 4.6.
type NDPOptions []byte

// Walk calls fn with the type and body of each option in order. It returns
// false without calling fn again if an option is malformed; per RFC 4861
// section 4.6, a zero length option means the whole packet must be dropped.
func (b NDPOptions) Walk(fn func(NDPOptionIdentifier, []byte)) bool {
	for len(b) > 0 {
		if len(b) < ndpOptionHeaderSize {
			return false
		}
		l := int(b[1]) * lengthByteUnits
		if l == 0 || l > len(b) {
			return false
		}
		fn(NDPOptionIdentifier(b[0]), b[ndpOptionHeaderSize:l])
		b = b[l:]
	}
	return true
}

// Validate reports whether the options are well formed.
func (b NDPOptions) Validate() bool {
	return b.Walk(func(NDPOptionIdentifier, []byte) {})
}

// LinkLayerAddress returns the address carried by the first Source (or
// Target) Link Layer Address option of type typ.
func (b NDPOptions) LinkLayerAddress(typ NDPOptionIdentifier) (tcpip.LinkAddress, bool) {
	var (
		addr  tcpip.LinkAddress
		found bool
	)
	b.Walk(func(t NDPOptionIdentifier, body []byte) {
		if t == typ && !found && len(body) >= EthernetAddressSize {
			addr = tcpip.LinkAddress(body[:EthernetAddressSize])
			found = true
		}
	})
	return addr, found
}

// AppendNDPLinkLayerAddressOption appends a Source or Target Link Layer
// Address option for an Ethernet address to b.
func AppendNDPLinkLayerAddressOption(b []byte, typ NDPOptionIdentifier, addr tcpip.LinkAddress) []byte {
	// 2 bytes of header plus a 6 byte address fill exactly one unit.
	b = append(b, byte(typ), 1)
	return append(b, addr...)
}

// NDPPrefixInformation is the NDP Prefix Information option body as defined
// by RFC 4861 section 4.6.2.
type NDPPrefixInformation []byte

// PrefixLength returns the value in the number of leading bits in the Prefix
// that are valid.
func (o NDPPrefixInformation) PrefixLength() uint8 {
	return o[ndpPrefixInformationPrefixLengthOffset]
}

// OnLinkFlag returns true of the prefix is considered on-link. On-link means
// that a forwarding node is not needed to send packets to other nodes on the
// same prefix.
func (o NDPPrefixInformation) OnLinkFlag() bool {
	return o[ndpPrefixInformationFlagsOffset]&ndpPrefixInformationOnLinkFlagMask != 0
}

// AutonomousAddressConfigurationFlag returns true if the prefix can be used for
// Stateless Address Auto-Configuration (as specified in RFC 4862).
func (o NDPPrefixInformation) AutonomousAddressConfigurationFlag() bool {
	return o[ndpPrefixInformationFlagsOffset]&ndpPrefixInformationAutoAddrConfFlagMask != 0
}

// ValidLifetime returns the length of time that the prefix is valid for the
// purpose of on-link determination. This value is relative to the send time
// of the packet that the Prefix Information option was present in.
//
// Note, a value of 0 implies the prefix should not be considered as on-link,
// and a value of infinity/forever is represented by NDPInfiniteLifetime.
func (o NDPPrefixInformation) ValidLifetime() time.Duration {
	// The field is the time in seconds, as per RFC 4861 section 4.6.2.
	return time.Second * time.Duration(binary.BigEndian.Uint32(o[ndpPrefixInformationValidLifetimeOffset:]))
}

// PreferredLifetime returns the length of time that an address generated from
// the prefix via Stateless Address Auto-Configuration remains preferred. This
// value is relative to the send time of the packet that the Prefix Information
// option was present in.
//
// Note, a value of 0 implies that addresses generated from the prefix should
// no longer remain preferred, and a value of infinity is represented by
// NDPInfiniteLifetime.
//
// Also note that the value of this field MUST NOT exceed the Valid Lifetime
// field to avoid preferring addresses that are no longer valid, for the
// purpose of Stateless Address Auto-Configuration.
func (o NDPPrefixInformation) PreferredLifetime() time.Duration {
	// The field is the time in seconds, as per RFC 4861 section 4.6.2.
	return time.Second * time.Duration(binary.BigEndian.Uint32(o[ndpPrefixInformationPreferredLifetimeOffset:]))
}

// Prefix returns the advertised prefix, masked to its length.
func (o NDPPrefixInformation) Prefix() (netip.Prefix, bool) {
	addr := netip.AddrFrom16([16]byte(o[ndpPrefixInformationPrefixOffset:][:IPv6AddressSize]))
	p, err := addr.Prefix(int(o.PrefixLength()))
	return p, err == nil
}

// NDPPrefixInformationFields holds a Prefix Information option to encode.
type NDPPrefixInformationFields struct {
	Prefix            netip.Prefix
	OnLink            bool
	Autonomous        bool
	ValidLifetime     time.Duration
	PreferredLifetime time.Duration
}

// AppendNDPPrefixInformationOption appends a Prefix Information option to b.
func AppendNDPPrefixInformationOption(b []byte, f NDPPrefixInformationFields) []byte {
	var o [ndpOptionHeaderSize + NDPPrefixInformationLength]byte
	o[0] = byte(NDPPrefixInformationType)
	o[1] = byte(len(o) / lengthByteUnits)
	body := o[ndpOptionHeaderSize:]
	body[ndpPrefixInformationPrefixLengthOffset] = uint8(f.Prefix.Bits())
	if f.OnLink {
		body[ndpPrefixInformationFlagsOffset] |= ndpPrefixInformationOnLinkFlagMask
	}
	if f.Autonomous {
		body[ndpPrefixInformationFlagsOffset] |= ndpPrefixInformationAutoAddrConfFlagMask
	}
	binary.BigEndian.PutUint32(body[ndpPrefixInformationValidLifetimeOffset:], uint32(f.ValidLifetime/time.Second))
	binary.BigEndian.PutUint32(body[ndpPrefixInformationPreferredLifetimeOffset:], uint32(f.PreferredLifetime/time.Second))
	a := f.Prefix.Masked().Addr().As16()
	copy(body[ndpPrefixInformationPrefixOffset:], a[:])
	return append(b, o[:]...)
}
