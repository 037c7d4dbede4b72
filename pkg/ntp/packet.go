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

// Package ntp implements an SNTP client (RFC 4330) over the stack's UDP
// sockets.
package ntp

import (
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"osbyte.dev/netstack/pkg/tcpip"
)

const (
	// Port is the NTP server port.
	Port = 123

	// PacketLen is the length of an NTP packet without extensions or MAC.
	PacketLen = 48

	// Version is the protocol version sent by the client.
	Version = 4
)

// Leap is the leap indicator.
type Leap uint8

// Leap indicators.
const (
	LeapNone Leap = iota
	LeapAddSecond
	LeapDeleteSecond
	LeapUnsynchronized
)

// Mode is the association mode.
type Mode uint8

// Modes.
const (
	ModeReserved Mode = iota
	ModeSymmetricActive
	ModeSymmetricPassive
	ModeClient
	ModeServer
	ModeBroadcast
	ModeControl
	ModePrivate
)

// MaxStratum is the highest stratum of a synchronized server. Stratum 0
// marks a Kiss-o'-Death reply.
const MaxStratum = 15

// unixToNTP is the number of seconds from the NTP prime epoch, 1900-01-01,
// to the Unix epoch.
const unixToNTP = 2208988800

// eraLen is the number of seconds an NTP timestamp wraps after.
const eraLen = 1 << 32

// Timestamp is a 64 bit NTP timestamp: seconds since the start of the era in
// the high 32 bits and a binary fraction of a second in the low 32 bits.
type Timestamp uint64

// TimestampOf returns t as an NTP timestamp.
func TimestampOf(t time.Time) Timestamp {
	secs := uint64(t.Unix() + unixToNTP)
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return Timestamp(secs<<32 | frac)
}

// Time returns the time of ts in the era closest to pivot, so timestamps
// within 68 years of pivot convert correctly across era boundaries.
func (ts Timestamp) Time(pivot time.Time) time.Time {
	secs := int64(ts >> 32)
	nanos := (uint64(ts&0xffffffff)*uint64(time.Second) + 1<<31) >> 32

	p := pivot.Unix() + unixToNTP
	secs += p &^ (eraLen - 1)
	switch {
	case secs-p > eraLen/2:
		secs -= eraLen
	case p-secs > eraLen/2:
		secs += eraLen
	}
	return time.Unix(secs-unixToNTP, int64(nanos)).UTC()
}

// ShortTime is a 32 bit NTP short format duration: 16 bits of seconds and 16
// bits of fraction.
type ShortTime uint32

// Duration returns st as a time.Duration.
func (st ShortTime) Duration() time.Duration {
	return time.Duration((uint64(st) * uint64(time.Second)) >> 16)
}

// ShortTimeOf returns d in NTP short format, saturating at its maximum.
func ShortTimeOf(d time.Duration) ShortTime {
	if d <= 0 {
		return 0
	}
	if d >= 1<<16*time.Second {
		return 0xffffffff
	}
	return ShortTime((uint64(d) << 16) / uint64(time.Second))
}

// Packet is an NTP packet header.
type Packet struct {
	Leap      Leap
	Version   uint8
	Mode      Mode
	Stratum   uint8
	Poll      int8
	Precision int8

	RootDelay      ShortTime
	RootDispersion ShortTime

	// ReferenceID is the reference clock identifier for stratum 1, the
	// server's upstream for higher strata and the kiss code for stratum 0.
	ReferenceID [4]byte

	Reference Timestamp
	Origin    Timestamp
	Receive   Timestamp
	Transmit  Timestamp
}

// layer returns p as a gopacket NTP layer.
func (p *Packet) layer() *layers.NTP {
	id := p.ReferenceID
	return &layers.NTP{
		LeapIndicator:      layers.NTPLeapIndicator(p.Leap),
		Version:            layers.NTPVersion(p.Version),
		Mode:               layers.NTPMode(p.Mode),
		Stratum:            layers.NTPStratum(p.Stratum),
		Poll:               layers.NTPLog2Seconds(p.Poll),
		Precision:          layers.NTPLog2Seconds(p.Precision),
		RootDelay:          layers.NTPFixed16Seconds(p.RootDelay),
		RootDispersion:     layers.NTPFixed16Seconds(p.RootDispersion),
		ReferenceID:        layers.NTPReferenceID(uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3])),
		ReferenceTimestamp: layers.NTPTimestamp(p.Reference),
		OriginTimestamp:    layers.NTPTimestamp(p.Origin),
		ReceiveTimestamp:   layers.NTPTimestamp(p.Receive),
		TransmitTimestamp:  layers.NTPTimestamp(p.Transmit),
	}
}

// Marshal returns p encoded.
func (p *Packet) Marshal() []byte {
	buf := gopacket.NewSerializeBuffer()
	if err := p.layer().SerializeTo(buf, gopacket.SerializeOptions{}); err != nil {
		// A fixed size header into a growable buffer can't fail.
		panic(fmt.Sprintf("ntp: serializing packet: %v", err))
	}
	return buf.Bytes()
}

// Decode parses b into p. Extension fields and a MAC after the header are
// ignored.
func (p *Packet) Decode(b []byte) error {
	var n layers.NTP
	if err := n.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("ntp: %d byte packet: %w", len(b), tcpip.ErrMalformedHeader)
	}
	id := uint32(n.ReferenceID)
	*p = Packet{
		Leap:           Leap(n.LeapIndicator),
		Version:        uint8(n.Version),
		Mode:           Mode(n.Mode),
		Stratum:        uint8(n.Stratum),
		Poll:           int8(n.Poll),
		Precision:      int8(n.Precision),
		RootDelay:      ShortTime(n.RootDelay),
		RootDispersion: ShortTime(n.RootDispersion),
		ReferenceID:    [4]byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)},
		Reference:      Timestamp(n.ReferenceTimestamp),
		Origin:         Timestamp(n.OriginTimestamp),
		Receive:        Timestamp(n.ReceiveTimestamp),
		Transmit:       Timestamp(n.TransmitTimestamp),
	}
	return nil
}

// KissCode returns the ASCII kiss code of a Kiss-o'-Death packet.
func (p *Packet) KissCode() (string, bool) {
	if p.Stratum != 0 {
		return "", false
	}
	return string(p.ReferenceID[:]), true
}
