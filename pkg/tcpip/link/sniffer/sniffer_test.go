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

package sniffer

import (
	"bytes"
	"io"
	"net"
	"net/netip"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/link/channel"
	"osbyte.dev/netstack/pkg/tcpip/testutil"
)

var (
	linkA = testutil.MustParseLink("02:00:00:00:00:01")
	linkB = testutil.MustParseLink("02:00:00:00:00:02")
)

type recorder struct {
	frames [][]byte
}

func (r *recorder) DeliverFrame(frame []byte) {
	r.frames = append(r.frames, append([]byte(nil), frame...))
}

func udpFrame(payload string) []byte {
	return testutil.UDPPacket{
		SrcLink: linkA,
		DstLink: linkB,
		Src:     netip.MustParseAddrPort("192.168.3.2:68"),
		Dst:     netip.MustParseAddrPort("192.168.3.1:67"),
		Payload: []byte(payload),
	}.Frame()
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return buf.Bytes()
}

func ipv4(id uint16, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		TTL:      64,
		Id:       id,
		Protocol: proto,
		SrcIP:    net.IPv4(10, 0, 0, 1).To4(),
		DstIP:    net.IPv4(10, 0, 0, 2).To4(),
	}
}

func ethernet(typ layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr(linkA),
		DstMAC:       net.HardwareAddr(linkB),
		EthernetType: typ,
	}
}

func TestForwarding(t *testing.T) {
	ch := channel.New(4, 1500, linkA)
	ep := New(ch)
	if got, want := ep.MTU(), uint32(1500); got != want {
		t.Errorf("got MTU() = %d, want %d", got, want)
	}
	if got := ep.LinkAddress(); got != linkA {
		t.Errorf("got LinkAddress() = %s, want %s", got, linkA)
	}

	var rec recorder
	ep.Attach(&rec)
	if !ch.IsAttached() {
		t.Fatal("lower endpoint not attached")
	}
	in := udpFrame("in")
	ch.InjectInbound(in)
	if diff := cmp.Diff([][]byte{in}, rec.frames); diff != "" {
		t.Errorf("delivered frames mismatch (-want +got):\n%s", diff)
	}

	out := udpFrame("out")
	if err := ep.WriteFrame(out); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	pi, ok := ch.Read()
	if !ok {
		t.Fatal("no frame written to the lower endpoint")
	}
	if diff := cmp.Diff(out, pi.Frame); diff != "" {
		t.Errorf("written frame mismatch (-want +got):\n%s", diff)
	}

	filter := []tcpip.LinkAddress{testutil.MustParseLink("33:33:00:01:00:02")}
	ep.(*endpoint).SetMulticastFilter(filter)
	if diff := cmp.Diff(filter, ch.MulticastFilter()); diff != "" {
		t.Errorf("multicast filter mismatch (-want +got):\n%s", diff)
	}

	ep.Attach(nil)
	if ch.IsAttached() {
		t.Error("lower endpoint still attached after Attach(nil)")
	}
	ch.InjectInbound(in)
	if got := len(rec.frames); got != 1 {
		t.Errorf("got %d delivered frames after detach, want 1", got)
	}
}

func TestPCAP(t *testing.T) {
	ch := channel.New(4, 1500, linkA)
	var buf bytes.Buffer
	ep, err := NewWithWriter(ch, &buf, 65536)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	var rec recorder
	ep.Attach(&rec)

	in, out := udpFrame("request"), udpFrame("reply")
	ch.InjectInbound(in)
	if err := ep.WriteFrame(out); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	r, err := pcapgo.NewReader(&buf)
	if err != nil {
		t.Fatalf("pcapgo.NewReader: %v", err)
	}
	if got, want := r.LinkType(), layers.LinkTypeEthernet; got != want {
		t.Errorf("got LinkType() = %s, want %s", got, want)
	}
	for i, want := range [][]byte{in, out} {
		data, ci, err := r.ReadPacketData()
		if err != nil {
			t.Fatalf("ReadPacketData #%d: %v", i, err)
		}
		if diff := cmp.Diff(want, data); diff != "" {
			t.Errorf("record #%d mismatch (-want +got):\n%s", i, diff)
		}
		if ci.Length != len(want) {
			t.Errorf("record #%d: got Length = %d, want %d", i, ci.Length, len(want))
		}
	}
	if _, _, err := r.ReadPacketData(); err != io.EOF {
		t.Errorf("got ReadPacketData() = %v after last record, want EOF", err)
	}
}

func TestPCAPSnapLen(t *testing.T) {
	const snapLen = 20
	ch := channel.New(4, 1500, linkA)
	var buf bytes.Buffer
	ep, err := NewWithWriter(ch, &buf, snapLen)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	frame := udpFrame("a payload longer than the snap length")
	if err := ep.WriteFrame(frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	r, err := pcapgo.NewReader(&buf)
	if err != nil {
		t.Fatalf("pcapgo.NewReader: %v", err)
	}
	data, ci, err := r.ReadPacketData()
	if err != nil {
		t.Fatalf("ReadPacketData: %v", err)
	}
	if diff := cmp.Diff(frame[:snapLen], data); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
	if ci.CaptureLength != snapLen || ci.Length != len(frame) {
		t.Errorf("got CaptureLength, Length = %d, %d, want %d, %d", ci.CaptureLength, ci.Length, snapLen, len(frame))
	}
}

func TestPCAPDisabled(t *testing.T) {
	ch := channel.New(4, 1500, linkA)
	var buf bytes.Buffer
	ep, err := NewWithWriter(ch, &buf, 65536)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	header := buf.Len()

	LogPacketsToPCAP = 0
	defer func() { LogPacketsToPCAP = 1 }()
	if err := ep.WriteFrame(udpFrame("x")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if got := buf.Len(); got != header {
		t.Errorf("got %d bytes of pcap output, want the %d byte file header only", got, header)
	}
	if got := ch.Drain(); got != 1 {
		t.Errorf("got %d frames written, want 1", got)
	}
}

func TestSummary(t *testing.T) {
	tcp := &layers.TCP{
		SrcPort: 1234,
		DstPort: 80,
		Seq:     100,
		Ack:     200,
		PSH:     true,
		ACK:     true,
		Window:  1024,
	}
	tcpIP := ipv4(7, layers.IPProtocolTCP)
	if err := tcp.SetNetworkLayerForChecksum(tcpIP); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}
	fragIP := ipv4(9, layers.IPProtocolUDP)
	fragIP.Flags = layers.IPv4MoreFragments

	tests := []struct {
		name   string
		frame  []byte
		want   string
		prefix bool
	}{
		{
			name:   "udp",
			frame:  udpFrame("hello"),
			want:   "udp 192.168.3.2:68 -> 192.168.3.1:67 len:5 id:0000 xsum:0x",
			prefix: true,
		},
		{
			name: "udp6",
			frame: testutil.UDPPacket{
				SrcLink: linkA,
				DstLink: linkB,
				Src:     netip.MustParseAddrPort("[fe80::1]:546"),
				Dst:     netip.MustParseAddrPort("[ff02::1:2]:547"),
				Payload: []byte{1, 2},
			}.Frame(),
			want:   "udp [fe80::1]:546 -> [ff02::1:2]:547 len:2 id:0000 xsum:0x",
			prefix: true,
		},
		{
			name:  "tcp",
			frame: serialize(t, ethernet(layers.EthernetTypeIPv4), tcpIP, tcp, gopacket.Payload("abc")),
			want:  "tcp 10.0.0.1:1234 -> 10.0.0.2:80 len:3 id:0007 flags:...PA. seqnum:100 ack:200 win:1024",
		},
		{
			name: "icmp",
			frame: serialize(t, ethernet(layers.EthernetTypeIPv4), ipv4(1, layers.IPProtocolICMPv4), &layers.ICMPv4{
				TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
				Id:       1,
				Seq:      1,
			}),
			want: "icmp 10.0.0.1 -> 10.0.0.2 EchoRequest len:8 id:0001",
		},
		{
			name:  "fragment",
			frame: serialize(t, ethernet(layers.EthernetTypeIPv4), fragIP, gopacket.Payload("12345678")),
			want:  "fragment 10.0.0.1 -> 10.0.0.2 len:8 id:0009",
		},
		{
			name: "arp",
			frame: serialize(t, ethernet(layers.EthernetTypeARP), &layers.ARP{
				AddrType:          layers.LinkTypeEthernet,
				Protocol:          layers.EthernetTypeIPv4,
				HwAddressSize:     6,
				ProtAddressSize:   4,
				Operation:         layers.ARPRequest,
				SourceHwAddress:   []byte(linkA),
				SourceProtAddress: []byte{10, 0, 0, 1},
				DstHwAddress:      make([]byte, 6),
				DstProtAddress:    []byte{10, 0, 0, 2},
			}),
			want: "arp request 10.0.0.1 (02:00:00:00:00:01) -> 10.0.0.2 (00:00:00:00:00:00)",
		},
		{
			name:  "runt",
			frame: []byte{1, 2, 3},
			want:  "malformed frame len:3",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Summary(tc.frame)
			if tc.prefix {
				if !strings.HasPrefix(got, tc.want) {
					t.Errorf("got Summary() = %q, want prefix %q", got, tc.want)
				}
				return
			}
			if got != tc.want {
				t.Errorf("got Summary() = %q, want %q", got, tc.want)
			}
		})
	}
}
