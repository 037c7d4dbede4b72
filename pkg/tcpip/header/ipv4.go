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
	"net/netip"

	"osbyte.dev/netstack/pkg/tcpip"
)

const (
	versIHL  = 0
	tos      = 1
	totalLen = 2
	id       = 4
	flagsFO  = 6
	ttl      = 8
	protocol = 9
	checksum = 10
	srcAddr  = 12
	dstAddr  = 16
	options  = 20
)

// IPv4Fields contains the fields of an IPv4 packet. It is used to describe the
// fields of a packet that needs to be encoded.
type IPv4Fields struct {
	// TOS is the "type of service" field of an IPv4 packet.
	TOS uint8

	// TotalLength is the "total length" field of an IPv4 packet.
	TotalLength uint16

	// ID is the "identification" field of an IPv4 packet.
	ID uint16

	// Flags is the "flags" field of an IPv4 packet.
	Flags uint8

	// FragmentOffset is the "fragment offset" field of an IPv4 packet.
	FragmentOffset uint16

	// TTL is the "time to live" field of an IPv4 packet.
	TTL uint8

	// Protocol is the "protocol" field of an IPv4 packet.
	Protocol uint8

	// Checksum is the "checksum" field of an IPv4 packet.
	Checksum uint16

	// SrcAddr is the "source ip address" of an IPv4 packet.
	SrcAddr netip.Addr

	// DstAddr is the "destination ip address" of an IPv4 packet.
	DstAddr netip.Addr

	// Options must be a multiple of 4 bytes long.
	Options []byte
}

// IPv4 represents an ipv4 header stored in a byte array.
// Most of the methods of IPv4 access to the underlying slice without
// checking the boundaries and could panic because of 'index out of range'.
// Always call IsValid() to validate an instance of IPv4 before using other
// methods.
type IPv4 []byte

const (
	// IPv4MinimumSize is the minimum size of a valid IPv4 packet;
	// i.e. a packet header with no options.
	IPv4MinimumSize = 20

	// IPv4MaximumHeaderSize is the maximum size of an IPv4 header. Given
	// that there are only 4 bits (max 0xF (15)) to represent the header length
	// in 32-bit (4 byte) units, the header cannot exceed 15*4 = 60 bytes.
	IPv4MaximumHeaderSize = 60

	// IPv4MaximumPayloadSize is the maximum size of a valid IPv4 payload.
	//
	// Linux limits this to 65,515 octets (the max IP datagram size - the IPv4
	// header size). But RFC 791 section 3.2 discusses the design of the IPv4
	// fragment "allows 2**13 = 8192 fragments of 8 octets each for a total of
	// 65,536 octets. Note that this is consistent with the datagram total
	// length field (of course, the header is counted in the total length and
	// not in the fragments)."
	IPv4MaximumPayloadSize = 65536

	// IPv4MaximumTotalLength is the largest value of the total length field.
	IPv4MaximumTotalLength = 0xffff

	// IPv4AddressSize is the size, in bytes, of an IPv4 address.
	IPv4AddressSize = 4

	// IPv4ProtocolNumber is IPv4's network protocol number.
	IPv4ProtocolNumber tcpip.NetworkProtocolNumber = 0x0800

	// IPv4Version is the version of the IPv4 protocol.
	IPv4Version = 4

	// IPv4MinimumProcessableDatagramSize is the minimum size of an IP
	// packet that every IPv4 capable host must be able to
	// process/reassemble.
	IPv4MinimumProcessableDatagramSize = 576

	// IPv4FragmentHeaderUnit is the unit of the fragment offset field.
	IPv4FragmentHeaderUnit = 8
)

// Flags that may be set in an IPv4 packet.
const (
	IPv4FlagMoreFragments = 1 << iota
	IPv4FlagDontFragment
)

// IPv4 addresses with special meaning.
var (
	// IPv4Broadcast is the broadcast address of the IPv4 protocol.
	IPv4Broadcast = netip.AddrFrom4([4]byte{0xff, 0xff, 0xff, 0xff})

	// IPv4Any is the non-routable IPv4 "any" meta address.
	IPv4Any = netip.AddrFrom4([4]byte{})

	// IPv4AllSystems is the all systems IPv4 multicast address as per
	// IANA's IPv4 Multicast Address Space Registry. See
	// https://www.iana.org/assignments/multicast-addresses/multicast-addresses.xhtml.
	IPv4AllSystems = netip.AddrFrom4([4]byte{224, 0, 0, 1})

	// IPv4AllRoutersGroup is a multicast address for all routers.
	IPv4AllRoutersGroup = netip.AddrFrom4([4]byte{224, 0, 0, 2})

	// IPv4Loopback is the loopback address.
	IPv4Loopback = netip.AddrFrom4([4]byte{127, 0, 0, 1})
)

// IPVersion returns the version of IP used in the given packet. It returns -1
// if the packet is not large enough to contain the version field.
func IPVersion(b []byte) int {
	// Length must be at least offset+length of version field.
	if len(b) < versIHL+1 {
		return -1
	}
	return int(b[versIHL] >> 4)
}

// HeaderLength returns the value of the "header length" field of the IPv4
// header. The length returned is in bytes.
func (b IPv4) HeaderLength() uint8 {
	return (b[versIHL] & 0xf) * 4
}

// ID returns the value of the identifier field of the IPv4 header.
func (b IPv4) ID() uint16 {
	return binary.BigEndian.Uint16(b[id:])
}

// Protocol returns the value of the protocol field of the IPv4 header.
func (b IPv4) Protocol() uint8 {
	return b[protocol]
}

// TransportProtocol returns the protocol field as a transport protocol number.
func (b IPv4) TransportProtocol() tcpip.TransportProtocolNumber {
	return tcpip.TransportProtocolNumber(b[protocol])
}

// Flags returns the "flags" field of the IPv4 header.
func (b IPv4) Flags() uint8 {
	return uint8(binary.BigEndian.Uint16(b[flagsFO:]) >> 13)
}

// More returns whether the more fragments flag is set.
func (b IPv4) More() bool {
	return b.Flags()&IPv4FlagMoreFragments != 0
}

// TTL returns the "TTL" field of the IPv4 header.
func (b IPv4) TTL() uint8 {
	return b[ttl]
}

// FragmentOffset returns the "fragment offset" field of the IPv4 header, in
// bytes.
func (b IPv4) FragmentOffset() uint16 {
	return binary.BigEndian.Uint16(b[flagsFO:]) << 3
}

// TotalLength returns the "total length" field of the IPv4 header.
func (b IPv4) TotalLength() uint16 {
	return binary.BigEndian.Uint16(b[totalLen:])
}

// Checksum returns the checksum field of the IPv4 header.
func (b IPv4) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[checksum:])
}

// SourceAddress returns the "source address" field of the IPv4 header.
func (b IPv4) SourceAddress() netip.Addr {
	return netip.AddrFrom4([4]byte(b[srcAddr : srcAddr+IPv4AddressSize]))
}

// DestinationAddress returns the "destination address" field of the IPv4
// header.
func (b IPv4) DestinationAddress() netip.Addr {
	return netip.AddrFrom4([4]byte(b[dstAddr : dstAddr+IPv4AddressSize]))
}

// Options returns the options field of the IPv4 header.
func (b IPv4) Options() []byte {
	return b[options:b.HeaderLength()]
}

// TOS returns the "type of service" field of the IPv4 header.
func (b IPv4) TOS() uint8 {
	return b[tos]
}

// Payload implements Network.Payload.
func (b IPv4) Payload() []byte {
	return b[b.HeaderLength():][:b.PayloadLength()]
}

// PayloadLength returns the length of the payload portion of the IPv4 packet.
func (b IPv4) PayloadLength() uint16 {
	return b.TotalLength() - uint16(b.HeaderLength())
}

// SetTotalLength sets the "total length" field of the IPv4 header.
func (b IPv4) SetTotalLength(totalLength uint16) {
	binary.BigEndian.PutUint16(b[totalLen:], totalLength)
}

// SetChecksum sets the checksum field of the IPv4 header.
func (b IPv4) SetChecksum(v uint16) {
	binary.BigEndian.PutUint16(b[checksum:], v)
}

// SetFlagsFragmentOffset sets the "flags" and "fragment offset" fields of the
// IPv4 header.
func (b IPv4) SetFlagsFragmentOffset(flags uint8, offset uint16) {
	v := (uint16(flags) << 13) | (offset >> 3)
	binary.BigEndian.PutUint16(b[flagsFO:], v)
}

// SetID sets the identification field.
func (b IPv4) SetID(v uint16) {
	binary.BigEndian.PutUint16(b[id:], v)
}

// CalculateChecksum calculates the checksum of the IPv4 header.
func (b IPv4) CalculateChecksum() uint16 {
	return Checksum(b[:b.HeaderLength()], 0)
}

// Encode encodes all the fields of the IPv4 header.
func (b IPv4) Encode(i *IPv4Fields) {
	hdrLen := IPv4MinimumSize + len(i.Options)
	b[versIHL] = (IPv4Version << 4) | uint8(hdrLen/4)
	b[tos] = i.TOS
	b.SetTotalLength(i.TotalLength)
	binary.BigEndian.PutUint16(b[id:], i.ID)
	b.SetFlagsFragmentOffset(i.Flags, i.FragmentOffset)
	b[ttl] = i.TTL
	b[protocol] = i.Protocol
	b.SetChecksum(i.Checksum)
	s, d := i.SrcAddr.As4(), i.DstAddr.As4()
	copy(b[srcAddr:srcAddr+IPv4AddressSize], s[:])
	copy(b[dstAddr:dstAddr+IPv4AddressSize], d[:])
	copy(b[options:hdrLen], i.Options)
}

// IsValid performs basic validation on the packet.
func (b IPv4) IsValid(pktSize int) bool {
	if len(b) < IPv4MinimumSize {
		return false
	}

	hlen := int(b.HeaderLength())
	tlen := int(b.TotalLength())
	if hlen < IPv4MinimumSize || hlen > tlen || tlen > pktSize || tlen > len(b) {
		return false
	}

	if IPVersion(b) != IPv4Version {
		return false
	}

	return true
}

// IsChecksumValid returns true iff the IPv4 header's checksum is valid.
func (b IPv4) IsChecksumValid() bool {
	return b.CalculateChecksum() == 0xffff
}

// IPv4 option types, RFC 791 section 3.1.
const (
	IPv4OptionListEndType     = 0
	IPv4OptionNOPType         = 1
	IPv4OptionRouterAlertType = 148

	// ipv4OptionCopiedMask is the bit saying an option is repeated in every
	// fragment.
	ipv4OptionCopiedMask = 0x80
)

// IPv4RouterAlertOption is the Router Alert option (RFC 2113) padded to a
// 4 byte boundary.
var IPv4RouterAlertOption = []byte{IPv4OptionRouterAlertType, 4, 0, 0}

// ValidateIPv4Options checks that every option in opts has a sane length. It
// returns the offset of the first bad byte, relative to opts, when it fails.
func ValidateIPv4Options(opts []byte) (int, bool) {
	for i := 0; i < len(opts); {
		switch opts[i] {
		case IPv4OptionListEndType:
			return 0, true
		case IPv4OptionNOPType:
			i++
			continue
		}
		if i+1 >= len(opts) {
			return i, false
		}
		l := int(opts[i+1])
		if l < 2 || i+l > len(opts) {
			return i + 1, false
		}
		i += l
	}
	return 0, true
}

// IPv4CopiedOptions returns the options that must be carried in every fragment
// of a datagram, padded to a 4 byte boundary. opts must have been validated.
func IPv4CopiedOptions(opts []byte) []byte {
	var out []byte
	for i := 0; i < len(opts); {
		t := opts[i]
		if t == IPv4OptionListEndType {
			break
		}
		if t == IPv4OptionNOPType {
			i++
			continue
		}
		l := int(opts[i+1])
		if t&ipv4OptionCopiedMask != 0 {
			out = append(out, opts[i:i+l]...)
		}
		i += l
	}
	for len(out)%4 != 0 {
		out = append(out, IPv4OptionListEndType)
	}
	return out
}

// IsV4MulticastAddress determines if the provided address is an IPv4
// multicast address (range 224.0.0.0 to 239.255.255.255). The four most
// significant bits will be 1110 = 0xe0.
func IsV4MulticastAddress(addr netip.Addr) bool {
	return addr.Is4() && addr.IsMulticast()
}

// IsV4LoopbackAddress determines if the provided address is an IPv4 loopback
// address (belongs to 127.0.0.0/8 subnet).
func IsV4LoopbackAddress(addr netip.Addr) bool {
	return addr.Is4() && addr.IsLoopback()
}

// IPv4SubnetBroadcast returns the directed broadcast address of p.
func IPv4SubnetBroadcast(p netip.Prefix) netip.Addr {
	a := p.Masked().Addr().As4()
	host := uint32(0xffffffff) >> p.Bits()
	if p.Bits() == 32 {
		host = 0
	}
	v := binary.BigEndian.Uint32(a[:]) | host
	binary.BigEndian.PutUint32(a[:], v)
	return netip.AddrFrom4(a)
}
