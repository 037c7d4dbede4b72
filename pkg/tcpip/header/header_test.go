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

package header_test

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/header"
)

var (
	srcV4 = netip.MustParseAddr("192.168.1.10")
	dstV4 = netip.MustParseAddr("192.168.1.20")
	srcV6 = netip.MustParseAddr("fe80::200:ff:fe00:1")
	dstV6 = netip.MustParseAddr("2001:db8::2")
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("gopacket.SerializeLayers: %s", err)
	}
	return buf.Bytes()
}

func TestIPv4MatchesGopacket(t *testing.T) {
	payload := []byte("hello, world")
	ip := &layers.IPv4{
		Version:  4,
		TOS:      0x10,
		Id:       0xbeef,
		Flags:    layers.IPv4DontFragment,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(srcV4.AsSlice()),
		DstIP:    net.IP(dstV4.AsSlice()),
	}
	want := serialize(t, ip, gopacket.Payload(payload))

	got := make([]byte, header.IPv4MinimumSize+len(payload))
	h := header.IPv4(got)
	h.Encode(&header.IPv4Fields{
		TOS:         0x10,
		TotalLength: uint16(len(got)),
		ID:          0xbeef,
		Flags:       header.IPv4FlagDontFragment,
		TTL:         64,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     srcV4,
		DstAddr:     dstV4,
	})
	h.SetChecksum(^h.CalculateChecksum())
	copy(got[header.IPv4MinimumSize:], payload)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("encoded IPv4 mismatch (-gopacket +ours):\n%s", diff)
	}

	parsed := header.IPv4(want)
	if !parsed.IsValid(len(want)) {
		t.Fatalf("IsValid(%d) = false", len(want))
	}
	if !parsed.IsChecksumValid() {
		t.Errorf("IsChecksumValid() = false")
	}
	if got, want := parsed.Flags(), uint8(header.IPv4FlagDontFragment); got != want {
		t.Errorf("Flags() = %d, want %d", got, want)
	}
	if got := parsed.TransportProtocol(); got != header.UDPProtocolNumber {
		t.Errorf("TransportProtocol() = %d, want %d", got, header.UDPProtocolNumber)
	}
	if got := parsed.SourceAddress(); got != srcV4 {
		t.Errorf("SourceAddress() = %s, want %s", got, srcV4)
	}
	if diff := cmp.Diff(payload, parsed.Payload()); diff != "" {
		t.Errorf("Payload() mismatch (-want +got):\n%s", diff)
	}
}

func TestIPv4IsValid(t *testing.T) {
	pkt := make([]byte, header.IPv4MinimumSize+8)
	h := header.IPv4(pkt)
	h.Encode(&header.IPv4Fields{TotalLength: uint16(len(pkt)), TTL: 1, SrcAddr: srcV4, DstAddr: dstV4})

	tests := []struct {
		name   string
		mutate func(header.IPv4)
		size   int
		want   bool
	}{
		{name: "valid", mutate: func(header.IPv4) {}, size: len(pkt), want: true},
		{name: "truncated", mutate: func(header.IPv4) {}, size: len(pkt) - 1, want: false},
		{name: "short header length", mutate: func(b header.IPv4) { b[0] = 0x44 }, size: len(pkt), want: false},
		{name: "wrong version", mutate: func(b header.IPv4) { b[0] = 0x65 }, size: len(pkt), want: false},
		{name: "total length below header", mutate: func(b header.IPv4) { b.SetTotalLength(10) }, size: len(pkt), want: false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			b := append(header.IPv4(nil), pkt...)
			test.mutate(b)
			if got := b.IsValid(test.size); got != test.want {
				t.Errorf("IsValid(%d) = %t, want %t", test.size, got, test.want)
			}
		})
	}
}

func TestIPv4Options(t *testing.T) {
	recordRoute := []byte{7, 7, 4, 0, 0, 0, 0}
	opts := append(append([]byte{}, header.IPv4RouterAlertOption...), recordRoute...)
	opts = append(opts, header.IPv4OptionListEndType)

	if off, ok := header.ValidateIPv4Options(opts); !ok {
		t.Fatalf("ValidateIPv4Options(%x) failed at %d", opts, off)
	}
	if diff := cmp.Diff(header.IPv4RouterAlertOption, header.IPv4CopiedOptions(opts)); diff != "" {
		t.Errorf("IPv4CopiedOptions mismatch (-want +got):\n%s", diff)
	}

	bad := []byte{header.IPv4OptionNOPType, 7, 9, 4}
	if off, ok := header.ValidateIPv4Options(bad); ok || off != 2 {
		t.Errorf("ValidateIPv4Options(%x) = (%d, %t), want (2, false)", bad, off, ok)
	}
}

func TestIPv4SubnetBroadcast(t *testing.T) {
	for _, test := range []struct {
		prefix string
		want   string
	}{
		{"10.1.0.0/16", "10.1.255.255"},
		{"192.168.1.77/24", "192.168.1.255"},
		{"10.0.0.1/32", "10.0.0.1"},
		{"0.0.0.0/0", "255.255.255.255"},
	} {
		if got := header.IPv4SubnetBroadcast(netip.MustParsePrefix(test.prefix)); got != netip.MustParseAddr(test.want) {
			t.Errorf("IPv4SubnetBroadcast(%s) = %s, want %s", test.prefix, got, test.want)
		}
	}
}

func TestEthernetAndARPMatchGopacket(t *testing.T) {
	src := tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01")
	eth := &layers.Ethernet{
		SrcMAC:       src.HardwareAddr(),
		DstMAC:       header.EthernetBroadcastAddress.HardwareAddr(),
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte(src),
		SourceProtAddress: srcV4.AsSlice(),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    dstV4.AsSlice(),
	}
	want := serialize(t, eth, arp)

	got := make([]byte, header.EthernetMinimumSize+header.ARPSize)
	header.Ethernet(got).Encode(&header.EthernetFields{
		SrcAddr: src,
		DstAddr: header.EthernetBroadcastAddress,
		Type:    header.ARPProtocolNumber,
	})
	a := header.ARP(got[header.EthernetMinimumSize:])
	a.SetIPv4OverEthernet()
	a.SetOp(header.ARPRequest)
	copy(a.HardwareAddressSender(), src)
	copy(a.ProtocolAddressSender(), srcV4.AsSlice())
	copy(a.ProtocolAddressTarget(), dstV4.AsSlice())

	// gopacket pads short frames to the Ethernet minimum.
	if len(want) < len(got) {
		t.Fatalf("gopacket frame is %d bytes, want at least %d", len(want), len(got))
	}
	if diff := cmp.Diff(want[:len(got)], got); diff != "" {
		t.Fatalf("encoded ARP frame mismatch (-gopacket +ours):\n%s", diff)
	}
	parsed := header.ARP(header.Ethernet(want).Payload())
	if !parsed.IsValid() {
		t.Fatalf("IsValid() = false")
	}
	if parsed.Op() != header.ARPRequest || parsed.SenderIP() != srcV4 || parsed.TargetIP() != dstV4 {
		t.Errorf("got op=%d sender=%s target=%s", parsed.Op(), parsed.SenderIP(), parsed.TargetIP())
	}
}

func TestMulticastEthernetAddresses(t *testing.T) {
	for _, test := range []struct {
		addr string
		want tcpip.LinkAddress
	}{
		{"224.0.0.251", "\x01\x00\x5e\x00\x00\xfb"},
		{"239.129.2.3", "\x01\x00\x5e\x01\x02\x03"},
		{"ff02::1", "\x33\x33\x00\x00\x00\x01"},
		{"ff02::1:ff00:1234", "\x33\x33\xff\x00\x12\x34"},
	} {
		got := header.EthernetAddressForMulticast(netip.MustParseAddr(test.addr))
		if got != test.want {
			t.Errorf("EthernetAddressForMulticast(%s) = %s, want %s", test.addr, got, test.want)
		}
		if !header.IsMulticastEthernetAddress(got) {
			t.Errorf("IsMulticastEthernetAddress(%s) = false", got)
		}
	}
}

func TestUDPChecksumMatchesGopacket(t *testing.T) {
	payload := []byte("odd length payload!")
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(srcV4.AsSlice()),
		DstIP:    net.IP(dstV4.AsSlice()),
	}
	udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %s", err)
	}
	pkt := serialize(t, ip, udp, gopacket.Payload(payload))
	u := header.UDP(header.IPv4(pkt).Payload())

	if u.SourcePort() != 5353 || u.DestinationPort() != 53 || int(u.Length()) != header.UDPMinimumSize+len(payload) {
		t.Fatalf("got ports %d->%d length %d", u.SourcePort(), u.DestinationPort(), u.Length())
	}
	if !u.IsChecksumValid(srcV4, dstV4, header.Checksum(u.Payload(), 0)) {
		t.Errorf("IsChecksumValid() = false for gopacket datagram")
	}

	ours := append(header.UDP(nil), u...)
	ours.SetChecksumForPacket(srcV4, dstV4)
	if got, want := ours.Checksum(), u.Checksum(); got != want {
		t.Errorf("SetChecksumForPacket checksum = %#04x, want %#04x", got, want)
	}
}

func TestTCPMatchesGopacket(t *testing.T) {
	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolTCP,
		HopLimit:   64,
		SrcIP:      net.IP(srcV6.AsSlice()),
		DstIP:      net.IP(dstV6.AsSlice()),
	}
	tcp := &layers.TCP{
		SrcPort: 40000,
		DstPort: 80,
		Seq:     1000,
		SYN:     true,
		Window:  65535,
		Options: []layers.TCPOption{
			{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xa0}},
			{OptionType: layers.TCPOptionKindNop, OptionLength: 1},
			{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{7}},
		},
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %s", err)
	}
	pkt := serialize(t, ip, tcp)
	v6 := header.IPv6(pkt)
	if !v6.IsValid(len(pkt)) {
		t.Fatalf("IPv6 IsValid = false")
	}
	h := header.TCP(v6.Payload())
	if !h.IsValid() {
		t.Fatalf("TCP IsValid = false")
	}
	if !h.IsChecksumValid(srcV6, dstV6, 0, 0) {
		t.Errorf("IsChecksumValid() = false for gopacket segment")
	}
	if got, want := h.Flags(), header.TCPFlagSyn; got != want {
		t.Errorf("Flags() = %s, want %s", got, want)
	}
	if got, want := h.SequenceNumber(), uint32(1000); uint32(got) != want {
		t.Errorf("SequenceNumber() = %d, want %d", got, want)
	}
	if diff := cmp.Diff(header.TCPSynOptions{MSS: 1440, WS: 7}, h.ParsedOptions()); diff != "" {
		t.Errorf("ParsedOptions mismatch (-want +got):\n%s", diff)
	}

	// Encode the same segment ourselves and compare bytes.
	opts := make([]byte, 8)
	n := header.EncodeMSSOption(1440, opts)
	n += header.EncodeNOP(opts[n:])
	n += header.EncodeWSOption(7, opts[n:])
	ours := make(header.TCP, header.TCPMinimumSize+n)
	ours.Encode(&header.TCPFields{
		SrcPort:    40000,
		DstPort:    80,
		SeqNum:     1000,
		DataOffset: uint8(len(ours)),
		Flags:      header.TCPFlagSyn,
		WindowSize: 65535,
	})
	copy(ours[header.TCPMinimumSize:], opts[:n])
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, srcV6, dstV6, uint16(len(ours)))
	ours.SetChecksum(^ours.CalculateChecksum(xsum))
	if diff := cmp.Diff([]byte(h), []byte(ours)); diff != "" {
		t.Errorf("encoded TCP mismatch (-gopacket +ours):\n%s", diff)
	}
}

func TestParseSynOptions(t *testing.T) {
	tests := []struct {
		name string
		opts []byte
		want header.TCPSynOptions
	}{
		{name: "none", opts: nil, want: header.TCPSynOptions{MSS: header.TCPDefaultMSS, WS: -1}},
		{name: "mss", opts: []byte{2, 4, 0x05, 0xb4}, want: header.TCPSynOptions{MSS: 1460, WS: -1}},
		{name: "ws clamped", opts: []byte{1, 3, 3, 20}, want: header.TCPSynOptions{MSS: header.TCPDefaultMSS, WS: header.MaxWndScale}},
		{name: "zero mss ignored", opts: []byte{2, 4, 0, 0}, want: header.TCPSynOptions{MSS: header.TCPDefaultMSS, WS: -1}},
		{name: "bad length stops parsing", opts: []byte{2, 3, 0x05, 0xb4}, want: header.TCPSynOptions{MSS: header.TCPDefaultMSS, WS: -1}},
		{name: "unknown skipped", opts: []byte{8, 10, 0, 0, 0, 0, 0, 0, 0, 0, 3, 3, 2}, want: header.TCPSynOptions{MSS: header.TCPDefaultMSS, WS: 2}},
		{name: "eol ends list", opts: []byte{0, 3, 3, 2}, want: header.TCPSynOptions{MSS: header.TCPDefaultMSS, WS: -1}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if diff := cmp.Diff(test.want, header.ParseSynOptions(test.opts, false)); diff != "" {
				t.Errorf("ParseSynOptions(%x) mismatch (-want +got):\n%s", test.opts, diff)
			}
		})
	}
}

func TestTCPFlagsString(t *testing.T) {
	if got, want := (header.TCPFlagSyn | header.TCPFlagAck).String(), "S  A"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestICMPv4MatchesGopacket(t *testing.T) {
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       0x1234,
		Seq:      7,
	}
	pkt := serialize(t, icmp, gopacket.Payload([]byte("ping")))
	h := header.ICMPv4(pkt)
	if !h.IsChecksumValid() {
		t.Errorf("IsChecksumValid() = false")
	}
	if h.Type() != header.ICMPv4Echo || h.Ident() != 0x1234 || h.Sequence() != 7 {
		t.Errorf("got type=%d ident=%#x seq=%d", h.Type(), h.Ident(), h.Sequence())
	}

	reply := append(header.ICMPv4(nil), h...)
	reply.SetType(header.ICMPv4EchoReply)
	reply.CalculateChecksum()
	decoded := gopacket.NewPacket(reply, layers.LayerTypeICMPv4, gopacket.Default)
	l, ok := decoded.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	if !ok {
		t.Fatalf("gopacket could not decode reply: %v", decoded.ErrorLayer())
	}
	if got := l.TypeCode.Type(); got != layers.ICMPv4TypeEchoReply {
		t.Errorf("gopacket type = %d, want echo reply", got)
	}
	if !header.ICMPv4(reply).IsChecksumValid() {
		t.Errorf("reply checksum invalid")
	}
}

func TestICMPv6ChecksumMatchesGopacket(t *testing.T) {
	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   64,
		SrcIP:      net.IP(srcV6.AsSlice()),
		DstIP:      net.IP(dstV6.AsSlice()),
	}
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0)}
	if err := icmp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %s", err)
	}
	echo := &layers.ICMPv6Echo{Identifier: 9, SeqNumber: 3}
	pkt := serialize(t, ip, icmp, echo, gopacket.Payload([]byte("abc")))

	h := header.ICMPv6(header.IPv6(pkt).Payload())
	if got, want := header.ICMPv6Checksum(h, srcV6, dstV6), h.Checksum(); got != want {
		t.Errorf("ICMPv6Checksum() = %#04x, want %#04x", got, want)
	}
	if h.Type() != header.ICMPv6EchoRequest || h.Ident() != 9 || h.Sequence() != 3 {
		t.Errorf("got type=%d ident=%d seq=%d", h.Type(), h.Ident(), h.Sequence())
	}
	if header.ICMPv6EchoRequest.IsErrorType() || !header.ICMPv6ParamProblem.IsErrorType() {
		t.Errorf("IsErrorType classification is wrong")
	}
}

func TestIPv6Addresses(t *testing.T) {
	mac := tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01")
	if got, want := header.LinkLocalAddr(mac), netip.MustParseAddr("fe80::ff:fe00:1"); got != want {
		t.Errorf("LinkLocalAddr(%s) = %s, want %s", mac, got, want)
	}
	addr := netip.MustParseAddr("2001:db8::1234:5678")
	snm := header.SolicitedNodeAddr(addr)
	if want := netip.MustParseAddr("ff02::1:ff34:5678"); snm != want {
		t.Errorf("SolicitedNodeAddr(%s) = %s, want %s", addr, snm, want)
	}
	if !header.IsSolicitedNodeAddr(snm) {
		t.Errorf("IsSolicitedNodeAddr(%s) = false", snm)
	}
	if header.IsSolicitedNodeAddr(header.IPv6AllNodesMulticastAddress) {
		t.Errorf("IsSolicitedNodeAddr(%s) = true", header.IPv6AllNodesMulticastAddress)
	}
	iid := header.EthernetAddressToModifiedEUI64(mac)
	got := header.AddressFromPrefixAndIID(netip.MustParsePrefix("2001:db8:1:2::/64"), iid)
	if want := netip.MustParseAddr("2001:db8:1:2:0:ff:fe00:1"); got != want {
		t.Errorf("AddressFromPrefixAndIID = %s, want %s", got, want)
	}
}

func TestIGMPChecksum(t *testing.T) {
	b := make(header.IGMP, header.IGMPMinimumSize)
	group := netip.MustParseAddr("239.1.2.3")
	b.Encode(&header.IGMPFields{Type: header.IGMPMembershipQuery, MaxRespTime: 100, GroupAddress: group})
	if header.Checksum(b, 0) != 0xffff {
		t.Errorf("IGMP checksum does not verify")
	}
	if got, want := b.MaxRespTime().Seconds(), 10.0; got != want {
		t.Errorf("MaxRespTime() = %fs, want %fs", got, want)
	}
	if b.GroupAddress() != group {
		t.Errorf("GroupAddress() = %s, want %s", b.GroupAddress(), group)
	}

	decoded := gopacket.NewPacket(b, layers.LayerTypeIGMP, gopacket.Default)
	l, ok := decoded.Layer(layers.LayerTypeIGMP).(*layers.IGMPv1or2)
	if !ok {
		t.Fatalf("gopacket could not decode IGMP: %v", decoded.ErrorLayer())
	}
	if !l.GroupAddress.Equal(net.IP(group.AsSlice())) {
		t.Errorf("gopacket group = %s, want %s", l.GroupAddress, group)
	}
}

func TestMLD(t *testing.T) {
	m := make(header.MLD, header.MLDMinimumSize)
	group := netip.MustParseAddr("ff02::1:3")
	m.SetMaximumResponseDelay(2500)
	m.SetMulticastAddress(group)
	if got := m.MaximumResponseDelay().Milliseconds(); got != 2500 {
		t.Errorf("MaximumResponseDelay() = %dms, want 2500ms", got)
	}
	if m.MulticastAddress() != group {
		t.Errorf("MulticastAddress() = %s, want %s", m.MulticastAddress(), group)
	}
}
