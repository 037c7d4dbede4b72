// Copyright 2018 The gVisor Authors.
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
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/seqnum"
	"osbyte.dev/netstack/pkg/tcpip/stack"
)

// segment represents a received TCP segment. It holds the payload and parsed
// TCP segment information.
type segment struct {
	id       stack.TransportEndpointID
	nicID    tcpip.NICID
	netProto tcpip.NetworkProtocolNumber

	data           []byte
	sequenceNumber seqnum.Value
	ackNumber      seqnum.Value
	flags          header.TCPFlags
	window         seqnum.Size

	// parsedOptions stores the parsed values from the options in the segment.
	parsedOptions header.TCPSynOptions
}

// newSegment parses the TCP header of pkt, which the protocol has already
// validated. The payload aliases pkt.Data.
func newSegment(id stack.TransportEndpointID, pkt *stack.PacketBuffer) *segment {
	h := header.TCP(pkt.Data)
	s := &segment{
		id:             id,
		nicID:          pkt.NICID,
		netProto:       pkt.NetworkProtocolNumber,
		data:           h.Payload(),
		sequenceNumber: h.SequenceNumber(),
		ackNumber:      h.AckNumber(),
		flags:          h.Flags(),
		window:         seqnum.Size(h.WindowSize()),
	}
	if s.flagIsSet(header.TCPFlagSyn) {
		s.parsedOptions = h.ParsedOptions()
	}
	return s
}

// clone returns a copy of s that owns its payload.
func (s *segment) clone() *segment {
	t := *s
	t.data = append([]byte(nil), s.data...)
	return &t
}

func (s *segment) flagIsSet(flag header.TCPFlags) bool {
	return s.flags.Intersects(flag)
}

// logicalLen is the segment length in the sequence number space. It's defined
// as the data length plus one for each of the SYN and FIN bits set.
func (s *segment) logicalLen() seqnum.Size {
	l := seqnum.Size(len(s.data))
	if s.flagIsSet(header.TCPFlagSyn) {
		l++
	}
	if s.flagIsSet(header.TCPFlagFin) {
		l++
	}
	return l
}

// trimFront drops the first n bytes of the payload and advances the
// sequence number accordingly.
func (s *segment) trimFront(n seqnum.Size) {
	s.data = s.data[n:]
	s.sequenceNumber.UpdateForward(n)
}
