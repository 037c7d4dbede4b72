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

	"osbyte.dev/netstack/pkg/tcpip"
)

// IPv6ExtensionHeaderIdentifier is an IPv6 extension header identifier.
type IPv6ExtensionHeaderIdentifier uint8

const (
	// IPv6HopByHopOptionsExtHdrIdentifier is the header identifier of a Hop by
	// Hop Options extension header, as per RFC 8200 section 4.3.
	IPv6HopByHopOptionsExtHdrIdentifier IPv6ExtensionHeaderIdentifier = 0

	// IPv6RoutingExtHdrIdentifier is the header identifier of a Routing
	// extension header, as per RFC 8200 section 4.4.
	IPv6RoutingExtHdrIdentifier IPv6ExtensionHeaderIdentifier = 43

	// IPv6FragmentExtHdrIdentifier is the header identifier of a Fragment
	// extension header, as per RFC 8200 section 4.5.
	IPv6FragmentExtHdrIdentifier IPv6ExtensionHeaderIdentifier = 44

	// IPv6DestinationOptionsExtHdrIdentifier is the header identifier of a
	// Destination Options extension header, as per RFC 8200 section 4.6.
	IPv6DestinationOptionsExtHdrIdentifier IPv6ExtensionHeaderIdentifier = 60

	// IPv6NoNextHeaderIdentifier is the header identifier used to signify the
	// end of an IPv6 payload, as per RFC 8200 section 4.7.
	IPv6NoNextHeaderIdentifier IPv6ExtensionHeaderIdentifier = 59
)

const (
	// ipv6ExtHdrLenBytesPerUnit is the unit size of an extension header's
	// length field, as per RFC 8200 section 4.3.
	ipv6ExtHdrLenBytesPerUnit = 8

	// ipv6ExtHdrMinimumSize is the size of the fixed part of the Hop by Hop,
	// Routing and Destination Options headers.
	ipv6ExtHdrMinimumSize = 8

	// ipv6RoutingSegmentsLeftOffset is the offset of the Segments Left field
	// from the start of a Routing extension header.
	ipv6RoutingSegmentsLeftOffset = 3

	// ipv6RoutingTypeOffset is the offset of the Routing Type field from the
	// start of a Routing extension header.
	ipv6RoutingTypeOffset = 2
)

// IPv6ExtHdrOptionIdentifier is an IPv6 extension header option identifier.
type IPv6ExtHdrOptionIdentifier uint8

const (
	// ipv6Pad1ExtHdrOptionIdentifier is the identifier for a padding option
	// that provides 1 byte padding, as outlined in RFC 8200 section 4.2.
	ipv6Pad1ExtHdrOptionIdentifier IPv6ExtHdrOptionIdentifier = 0

	// ipv6PadNExtHdrOptionIdentifier is the identifier for a padding option
	// that provides variable length byte padding, as outlined in RFC 8200
	// section 4.2.
	ipv6PadNExtHdrOptionIdentifier IPv6ExtHdrOptionIdentifier = 1

	// ipv6RouterAlertHopByHopOptionIdentifier is the identifier for the Router
	// Alert Hop by Hop option as defined in RFC 2711 section 2.1.
	ipv6RouterAlertHopByHopOptionIdentifier IPv6ExtHdrOptionIdentifier = 5

	// ipv6UnknownExtHdrOptionActionMask is the mask of the action to take
	// when a node encounters an unrecognized option.
	ipv6UnknownExtHdrOptionActionMask = 192

	// ipv6UnknownExtHdrOptionActionShift is the least significant bits to
	// discard from the action value for an unrecognized option identifier.
	ipv6UnknownExtHdrOptionActionShift = 6

	// ipv6RouterAlertPayloadLength is the length of the Router Alert option
	// data.
	ipv6RouterAlertPayloadLength = 2
)

// IPv6OptionUnknownAction is the action that must be taken if the processing
// IPv6 node does not recognize the option, as outlined in RFC 8200 section
// 4.2.
type IPv6OptionUnknownAction int

const (
	// IPv6OptionUnknownActionSkip indicates that the unrecognized option must
	// be skipped and the node should continue processing the header.
	IPv6OptionUnknownActionSkip IPv6OptionUnknownAction = 0

	// IPv6OptionUnknownActionDiscard indicates that the packet must be
	// silently discarded.
	IPv6OptionUnknownActionDiscard IPv6OptionUnknownAction = 1

	// IPv6OptionUnknownActionDiscardSendICMP indicates that the packet must be
	// discarded and the node must send an ICMP Parameter Problem, Code 2,
	// message to the packet's source, regardless of whether or not the
	// packet's Destination was a multicast address.
	IPv6OptionUnknownActionDiscardSendICMP IPv6OptionUnknownAction = 2

	// IPv6OptionUnknownActionDiscardSendICMPNoMulticastDest indicates that the
	// packet must be discarded and the node must send an ICMP Parameter
	// Problem, Code 2, message to the packet's source only if the packet's
	// Destination was not a multicast address.
	IPv6OptionUnknownActionDiscardSendICMPNoMulticastDest IPv6OptionUnknownAction = 3
)

// IPv6ExtHdrVerdict is the outcome of walking an IPv6 header chain.
type IPv6ExtHdrVerdict int

const (
	// IPv6ExtHdrAccept means the chain ended at a supported upper layer
	// protocol.
	IPv6ExtHdrAccept IPv6ExtHdrVerdict = iota

	// IPv6ExtHdrDiscard means the packet must be dropped without a response.
	IPv6ExtHdrDiscard

	// IPv6ExtHdrParameterProblem means the packet must be dropped and an
	// ICMPv6 Parameter Problem sent to its source.
	IPv6ExtHdrParameterProblem
)

// IPv6ExtHdrResult describes the outcome of ParseIPv6ExtensionHeaders.
type IPv6ExtHdrResult struct {
	Verdict IPv6ExtHdrVerdict

	// Protocol and Offset locate the upper layer header when Verdict is
	// IPv6ExtHdrAccept. Offset is measured from the start of the IPv6
	// header. Protocol 59 (No Next Header) has an empty upper layer.
	Protocol tcpip.TransportProtocolNumber
	Offset   int

	// RouterAlert is set if the Hop by Hop header carried a Router Alert.
	RouterAlert bool

	// Code and Pointer fill the Parameter Problem message when Verdict is
	// IPv6ExtHdrParameterProblem. Pointer is measured from the start of the
	// IPv6 header.
	Code    ICMPv6Code
	Pointer uint32
}

// isSupportedUpperLayer reports whether the stack hands id to a transport or
// control protocol.
func isSupportedUpperLayer(id uint8) bool {
	switch tcpip.TransportProtocolNumber(id) {
	case TCPProtocolNumber, UDPProtocolNumber, ICMPv6ProtocolNumber:
		return true
	}
	return IPv6ExtensionHeaderIdentifier(id) == IPv6NoNextHeaderIdentifier
}

// ParseIPv6ExtensionHeaders walks the header chain of a valid IPv6 packet.
//
// Only a subset of RFC 8200 is processed: a leading Hop by Hop Options header,
// Destination Options headers, and Routing headers with no segments left. Any
// other header, including Fragment, and any unknown upper layer protocol
// produce a Parameter Problem with code 1 pointing at the Next Header field
// that named it. Truncated headers are discarded silently.
func ParseIPv6ExtensionHeaders(pkt IPv6) IPv6ExtHdrResult {
	dstMulticast := IsV6MulticastAddress(pkt.DestinationAddress())
	end := IPv6MinimumSize + int(pkt.PayloadLength())
	nextHdr := pkt.NextHeader()
	nextHdrPtr := IPv6NextHeaderOffset
	off := IPv6MinimumSize
	var res IPv6ExtHdrResult

	for first := true; ; first = false {
		switch IPv6ExtensionHeaderIdentifier(nextHdr) {
		case IPv6HopByHopOptionsExtHdrIdentifier, IPv6DestinationOptionsExtHdrIdentifier:
			isHBH := IPv6ExtensionHeaderIdentifier(nextHdr) == IPv6HopByHopOptionsExtHdrIdentifier
			if isHBH && !first {
				// RFC 8200 section 4.1: Hop by Hop must immediately follow the
				// IPv6 header.
				return paramProblem(ICMPv6UnknownHeader, nextHdrPtr)
			}
			hdr, ok := extHdr(pkt[:end], off)
			if !ok {
				return IPv6ExtHdrResult{Verdict: IPv6ExtHdrDiscard}
			}
			ra, v := processIPv6Options(hdr, off, dstMulticast)
			if v.Verdict != IPv6ExtHdrAccept {
				return v
			}
			if isHBH {
				res.RouterAlert = ra
			}
			nextHdrPtr = off
			nextHdr = hdr[0]
			off += len(hdr)

		case IPv6RoutingExtHdrIdentifier:
			hdr, ok := extHdr(pkt[:end], off)
			if !ok {
				return IPv6ExtHdrResult{Verdict: IPv6ExtHdrDiscard}
			}
			if hdr[ipv6RoutingSegmentsLeftOffset] != 0 {
				// No routing types are supported, so a header that still has
				// segments to visit cannot be processed.
				return paramProblem(ICMPv6ErroneousHeader, off+ipv6RoutingTypeOffset)
			}
			nextHdrPtr = off
			nextHdr = hdr[0]
			off += len(hdr)

		default:
			if !isSupportedUpperLayer(nextHdr) {
				return paramProblem(ICMPv6UnknownHeader, nextHdrPtr)
			}
			res.Verdict = IPv6ExtHdrAccept
			res.Protocol = tcpip.TransportProtocolNumber(nextHdr)
			res.Offset = off
			return res
		}
	}
}

func paramProblem(code ICMPv6Code, ptr int) IPv6ExtHdrResult {
	return IPv6ExtHdrResult{
		Verdict: IPv6ExtHdrParameterProblem,
		Code:    code,
		Pointer: uint32(ptr),
	}
}

// extHdr returns the extension header starting at off, or false if it is
// truncated.
func extHdr(b []byte, off int) ([]byte, bool) {
	if len(b)-off < ipv6ExtHdrMinimumSize {
		return nil, false
	}
	l := (int(b[off+1]) + 1) * ipv6ExtHdrLenBytesPerUnit
	if len(b)-off < l {
		return nil, false
	}
	return b[off:][:l], true
}

// processIPv6Options validates the options of a Hop by Hop or Destination
// Options header located at hdrOff.
func processIPv6Options(hdr []byte, hdrOff int, dstMulticast bool) (bool, IPv6ExtHdrResult) {
	routerAlert := false
	opts := hdr[2:]
	for i := 0; i < len(opts); {
		id := IPv6ExtHdrOptionIdentifier(opts[i])
		if id == ipv6Pad1ExtHdrOptionIdentifier {
			i++
			continue
		}
		if i+2 > len(opts) {
			return false, IPv6ExtHdrResult{Verdict: IPv6ExtHdrDiscard}
		}
		l := int(opts[i+1])
		if i+2+l > len(opts) {
			return false, IPv6ExtHdrResult{Verdict: IPv6ExtHdrDiscard}
		}
		switch id {
		case ipv6PadNExtHdrOptionIdentifier:
		case ipv6RouterAlertHopByHopOptionIdentifier:
			if l != ipv6RouterAlertPayloadLength {
				return false, paramProblem(ICMPv6ErroneousHeader, hdrOff+2+i+1)
			}
			routerAlert = true
		default:
			switch IPv6OptionUnknownAction((opts[i] & ipv6UnknownExtHdrOptionActionMask) >> ipv6UnknownExtHdrOptionActionShift) {
			case IPv6OptionUnknownActionSkip:
			case IPv6OptionUnknownActionDiscard:
				return false, IPv6ExtHdrResult{Verdict: IPv6ExtHdrDiscard}
			case IPv6OptionUnknownActionDiscardSendICMPNoMulticastDest:
				if dstMulticast {
					return false, IPv6ExtHdrResult{Verdict: IPv6ExtHdrDiscard}
				}
				fallthrough
			case IPv6OptionUnknownActionDiscardSendICMP:
				return false, paramProblem(ICMPv6UnknownOption, hdrOff+2+i)
			}
		}
		i += 2 + l
	}
	return routerAlert, IPv6ExtHdrResult{Verdict: IPv6ExtHdrAccept}
}

// IPv6RouterAlertHopByHopSize is the size of the Hop by Hop header built by
// EncodeIPv6RouterAlertHopByHop.
const IPv6RouterAlertHopByHopSize = ipv6ExtHdrMinimumSize

// EncodeIPv6RouterAlertHopByHop writes a Hop by Hop Options header holding a
// single MLD Router Alert (RFC 2711) followed by PadN into b.
func EncodeIPv6RouterAlertHopByHop(b []byte, nextHdr uint8) {
	b[0] = nextHdr
	b[1] = 0
	b[2] = byte(ipv6RouterAlertHopByHopOptionIdentifier)
	b[3] = ipv6RouterAlertPayloadLength
	// Value 0: datagram contains a Multicast Listener Discovery message.
	binary.BigEndian.PutUint16(b[4:], 0)
	b[6] = byte(ipv6PadNExtHdrOptionIdentifier)
	b[7] = 0
}
