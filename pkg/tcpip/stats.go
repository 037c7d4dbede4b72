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

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
)

// A StatCounter keeps track of a statistic.
type StatCounter struct {
	count atomic.Uint64
}

// Increment adds one to the counter.
func (s *StatCounter) Increment() {
	s.IncrementBy(1)
}

// Decrement minuses one to the counter.
func (s *StatCounter) Decrement() {
	s.IncrementBy(^uint64(0))
}

// Value returns the current value of the counter.
func (s *StatCounter) Value() uint64 {
	return s.count.Load()
}

// IncrementBy increments the counter by v.
func (s *StatCounter) IncrementBy(v uint64) {
	s.count.Add(v)
}

func (s *StatCounter) String() string {
	return strconv.FormatUint(s.Value(), 10)
}

// LinkStats collects link-layer stats.
type LinkStats struct {
	// FramesReceived is the number of frames handed to the stack by drivers.
	FramesReceived *StatCounter

	// FramesSent is the number of frames accepted by drivers.
	FramesSent *StatCounter

	// MalformedFrames is the number of frames too short or of unknown type.
	MalformedFrames *StatCounter

	// FilteredFrames is the number of frames dropped by the destination
	// address filter.
	FilteredFrames *StatCounter

	// WriteErrors is the number of frames the driver refused.
	WriteErrors *StatCounter
}

// ARPStats collects ARP-specific stats.
type ARPStats struct {
	// PacketsReceived is the number of ARP packets received.
	PacketsReceived *StatCounter

	// MalformedPacketsReceived is the number of ARP packets that failed
	// validation.
	MalformedPacketsReceived *StatCounter

	// RequestsSent is the number of ARP requests sent.
	RequestsSent *StatCounter

	// RepliesSent is the number of ARP replies sent.
	RepliesSent *StatCounter
}

// NeighborStats collects neighbor cache stats.
type NeighborStats struct {
	// UnreachableEntryLookups is the number of resolutions that failed.
	UnreachableEntryLookups *StatCounter

	// PendingPacketsDropped counts packets dropped from a full pending queue.
	PendingPacketsDropped *StatCounter

	// Evictions counts entries removed to respect the cache bound.
	Evictions *StatCounter
}

// IPStats collects IP-specific stats (both v4 and v6).
type IPStats struct {
	// PacketsReceived is the total number of IP packets received from the
	// link layer.
	PacketsReceived *StatCounter

	// PacketsDelivered is the number of packets handed to a transport or
	// control protocol.
	PacketsDelivered *StatCounter

	// PacketsSent is the number of IP packets handed to the link layer.
	PacketsSent *StatCounter

	// MalformedPacketsReceived counts header validation failures.
	MalformedPacketsReceived *StatCounter

	// InvalidDestinationAddressesReceived counts packets not addressed to
	// this host.
	InvalidDestinationAddressesReceived *StatCounter

	// UnknownProtocolReceived counts packets for unknown upper protocols.
	UnknownProtocolReceived *StatCounter

	// MalformedFragmentsReceived counts fragments that failed validation.
	MalformedFragmentsReceived *StatCounter

	// ReassemblyTimeouts counts reassemblies abandoned after the timeout.
	ReassemblyTimeouts *StatCounter

	// OutgoingPacketErrors counts packets that could not be sent.
	OutgoingPacketErrors *StatCounter

	// FragmentsCreated counts fragments produced on transmit.
	FragmentsCreated *StatCounter

	// UnsupportedExtensionHeaders counts IPv6 packets rejected for their
	// extension header chain.
	UnsupportedExtensionHeaders *StatCounter
}

// ICMPStats collects ICMP-specific stats (both v4 and v6).
type ICMPStats struct {
	// EchoRequestsReceived counts echo requests.
	EchoRequestsReceived *StatCounter

	// EchoRepliesSent counts echo replies.
	EchoRepliesSent *StatCounter

	// DstUnreachableSent counts destination unreachable errors sent.
	DstUnreachableSent *StatCounter

	// DstUnreachableReceived counts destination unreachable errors received.
	DstUnreachableReceived *StatCounter

	// TimeExceededSent counts time exceeded errors sent.
	TimeExceededSent *StatCounter

	// ParamProblemSent counts parameter problem errors sent.
	ParamProblemSent *StatCounter

	// RateLimited counts errors suppressed by the rate limiter.
	RateLimited *StatCounter

	// Invalid counts ICMP messages that failed validation.
	Invalid *StatCounter
}

// NDPStats collects neighbor discovery stats.
type NDPStats struct {
	NeighborSolicitsSent       *StatCounter
	NeighborSolicitsReceived   *StatCounter
	NeighborAdvertsSent        *StatCounter
	NeighborAdvertsReceived    *StatCounter
	RouterSolicitsSent         *StatCounter
	RouterAdvertsReceived      *StatCounter
	DuplicateAddressesDetected *StatCounter
	SLAACAddressesGenerated    *StatCounter
	InvalidNDPMessagesReceived *StatCounter
}

// MulticastStats collects IGMP and MLD stats.
type MulticastStats struct {
	ReportsSent     *StatCounter
	LeavesSent      *StatCounter
	QueriesReceived *StatCounter
	ReportsReceived *StatCounter
	InvalidReceived *StatCounter
}

// UDPStats collects UDP-specific stats.
type UDPStats struct {
	// PacketsReceived is the number of UDP datagrams received.
	PacketsReceived *StatCounter

	// UnknownPortErrors is the number of incoming UDP datagrams dropped
	// because they did not have a known destination port.
	UnknownPortErrors *StatCounter

	// ReceiveBufferErrors is the number of incoming UDP datagrams dropped
	// due to the receive buffer being in an invalid state.
	ReceiveBufferErrors *StatCounter

	// MalformedPacketsReceived is the number of incoming UDP datagrams
	// dropped due to the UDP header being in a malformed state.
	MalformedPacketsReceived *StatCounter

	// PacketsSent is the number of UDP datagrams sent.
	PacketsSent *StatCounter

	// ChecksumErrors is the number of datagrams dropped due to bad checksums.
	ChecksumErrors *StatCounter
}

// TCPStats collects TCP-specific stats.
type TCPStats struct {
	// ActiveConnectionOpenings is the number of connections opened
	// successfully via Connect.
	ActiveConnectionOpenings *StatCounter

	// PassiveConnectionOpenings is the number of connections opened
	// successfully via Listen.
	PassiveConnectionOpenings *StatCounter

	// CurrentEstablished is the number of TCP connections for which the
	// current state is ESTABLISHED.
	CurrentEstablished *StatCounter

	// EstablishedResets is the number of times TCP connections have made
	// a direct transition to the CLOSED state from either the
	// ESTABLISHED state or the CLOSE-WAIT state.
	EstablishedResets *StatCounter

	// ListenOverflowSynDrop is the number of times the listen queue
	// overflowed and a SYN was dropped.
	ListenOverflowSynDrop *StatCounter

	// FailedConnectionAttempts is the number of calls to Connect or Listen
	// (active and passive openings, respectively) that end in an error.
	FailedConnectionAttempts *StatCounter

	// ValidSegmentsReceived is the number of TCP segments received that
	// the transport layer successfully parsed.
	ValidSegmentsReceived *StatCounter

	// InvalidSegmentsReceived is the number of TCP segments received that
	// the transport layer could not parse.
	InvalidSegmentsReceived *StatCounter

	// SegmentsSent is the number of TCP segments sent.
	SegmentsSent *StatCounter

	// ResetsSent is the number of TCP resets sent.
	ResetsSent *StatCounter

	// ResetsReceived is the number of TCP resets received.
	ResetsReceived *StatCounter

	// Retransmits is the number of TCP segments retransmitted.
	Retransmits *StatCounter

	// FastRetransmit is the number of segments retransmitted after three
	// duplicate acknowledgments.
	FastRetransmit *StatCounter

	// Timeouts is the number of times the RTO expired.
	Timeouts *StatCounter

	// ChecksumErrors is the number of segments dropped due to bad checksums.
	ChecksumErrors *StatCounter

	// OutOfWindowSegments counts segments outside the receive window.
	OutOfWindowSegments *StatCounter
}

// Stats holds statistics about the networking stack.
//
// All fields are optional.
type Stats struct {
	Link      LinkStats
	ARP       ARPStats
	Neighbor  NeighborStats
	IP        IPStats
	ICMP      ICMPStats
	NDP       NDPStats
	Multicast MulticastStats
	UDP       UDPStats
	TCP       TCPStats
}

func fillIn(v reflect.Value) {
	for i := 0; i < v.NumField(); i++ {
		v := v.Field(i)
		if s, ok := v.Addr().Interface().(**StatCounter); ok {
			if *s == nil {
				*s = new(StatCounter)
			}
		} else {
			fillIn(v)
		}
	}
}

// FillIn returns a copy of s with nil fields initialized to new StatCounters.
func (s Stats) FillIn() Stats {
	fillIn(reflect.ValueOf(&s).Elem())
	return s
}

// Walk calls fn for every counter in s with a dotted, lower-case path name
// such as "tcp.segments_sent".
func (s *Stats) Walk(fn func(name string, c *StatCounter)) {
	walk(reflect.ValueOf(s).Elem(), "", fn)
}

func walk(v reflect.Value, prefix string, fn func(string, *StatCounter)) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		name := snake(t.Field(i).Name)
		if prefix != "" {
			name = prefix + "." + name
		}
		f := v.Field(i)
		if c, ok := f.Interface().(*StatCounter); ok {
			if c != nil {
				fn(name, c)
			}
			continue
		}
		walk(f, name, fn)
	}
}

// snake converts a Go identifier such as "ARPStats" or "PacketsSent" to
// snake case.
func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		upper := r >= 'A' && r <= 'Z'
		if upper && i > 0 {
			prevLower := s[i-1] >= 'a' && s[i-1] <= 'z'
			nextLower := i+1 < len(s) && s[i+1] >= 'a' && s[i+1] <= 'z'
			if prevLower || nextLower {
				b.WriteByte('_')
			}
		}
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
