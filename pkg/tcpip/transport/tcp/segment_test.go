// Copyright 2021 The gVisor Authors.
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
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/seqnum"
	"osbyte.dev/netstack/pkg/tcpip/stack"
)

func makePacket(flags header.TCPFlags, seq uint32, opts, payload []byte) *stack.PacketBuffer {
	b := make([]byte, header.TCPMinimumSize+len(opts)+len(payload))
	header.TCP(b).Encode(&header.TCPFields{
		SrcPort:    1234,
		DstPort:    80,
		SeqNum:     seq,
		AckNum:     77,
		DataOffset: uint8(header.TCPMinimumSize + len(opts)),
		Flags:      flags,
		WindowSize: 1000,
	})
	copy(b[header.TCPMinimumSize:], opts)
	copy(b[header.TCPMinimumSize+len(opts):], payload)
	return &stack.PacketBuffer{
		NICID:                 1,
		NetworkProtocolNumber: header.IPv4ProtocolNumber,
		Data:                  b,
		Source:                netip.MustParseAddr("10.0.0.2"),
		Destination:           netip.MustParseAddr("10.0.0.1"),
	}
}

func TestNewSegment(t *testing.T) {
	s := newSegment(stack.TransportEndpointID{LocalPort: 80, RemotePort: 1234}, makePacket(header.TCPFlagAck|header.TCPFlagFin, 1000, nil, []byte("hello")))
	if s.sequenceNumber != 1000 || s.ackNumber != 77 || s.window != 1000 {
		t.Errorf("got seq=%d ack=%d wnd=%d, want 1000, 77, 1000", s.sequenceNumber, s.ackNumber, s.window)
	}
	if got, want := s.logicalLen(), seqnum.Size(6); got != want {
		t.Errorf("got logicalLen() = %d, want %d", got, want)
	}
	// Options are only parsed from SYNs.
	if want := (header.TCPSynOptions{}); s.parsedOptions != want {
		t.Errorf("got parsedOptions = %+v, want zero", s.parsedOptions)
	}

	c := s.clone()
	c.trimFront(2)
	if diff := cmp.Diff([]byte("llo"), c.data); diff != "" {
		t.Errorf("trimmed payload mismatch (-want +got):\n%s", diff)
	}
	if c.sequenceNumber != 1002 {
		t.Errorf("got trimmed sequence number %d, want 1002", c.sequenceNumber)
	}
	if diff := cmp.Diff([]byte("hello"), s.data); diff != "" {
		t.Errorf("original payload changed by the clone (-want +got):\n%s", diff)
	}
}

func TestSynOptionsRoundTrip(t *testing.T) {
	for _, tt := range []struct {
		name string
		mss  uint16
		ws   int
	}{
		{name: "MSS only", mss: 1460, ws: -1},
		{name: "MSS and window scale", mss: 65495, ws: 7},
	} {
		t.Run(tt.name, func(t *testing.T) {
			opts := makeSynOptions(tt.mss, tt.ws)
			if len(opts)%4 != 0 {
				t.Fatalf("got %d bytes of options, want a multiple of 4", len(opts))
			}
			s := newSegment(stack.TransportEndpointID{}, makePacket(header.TCPFlagSyn, 5, opts, nil))
			want := header.TCPSynOptions{MSS: tt.mss, WS: tt.ws}
			if diff := cmp.Diff(want, s.parsedOptions); diff != "" {
				t.Errorf("parsed options mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSegmentHeapOrder(t *testing.T) {
	var h segmentHeap
	for _, seq := range []seqnum.Value{30, 0xfffffff0, 10, 20} {
		h.Push(&segment{sequenceNumber: seq})
	}
	var got []seqnum.Value
	for h.Len() > 0 {
		// Pop the minimum the way container/heap would after Init.
		lo := 0
		for i := 1; i < h.Len(); i++ {
			if h.Less(i, lo) {
				lo = i
			}
		}
		h.Swap(lo, h.Len()-1)
		got = append(got, h.Pop().(*segment).sequenceNumber)
	}
	if diff := cmp.Diff([]seqnum.Value{0xfffffff0, 10, 20, 30}, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}
