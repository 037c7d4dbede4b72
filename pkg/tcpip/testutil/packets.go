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

package testutil

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"osbyte.dev/netstack/pkg/tcpip"
)

// UDPPacket is a UDP datagram carried in an Ethernet frame. Tests of the
// protocols above UDP build and check frames with it, using gopacket so the
// stack's own encoders are not trusted twice.
type UDPPacket struct {
	SrcLink tcpip.LinkAddress
	DstLink tcpip.LinkAddress
	Src     netip.AddrPort
	Dst     netip.AddrPort

	// HopLimit is the TTL or hop limit. Zero means 64.
	HopLimit uint8

	Payload []byte
}

// Frame serializes p, computing lengths and checksums.
func (p UDPPacket) Frame() []byte {
	hops := p.HopLimit
	if hops == 0 {
		hops = 64
	}
	eth := &layers.Ethernet{
		SrcMAC: net.HardwareAddr(p.SrcLink),
		DstMAC: net.HardwareAddr(p.DstLink),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(p.Src.Port()),
		DstPort: layers.UDPPort(p.Dst.Port()),
	}
	var nl gopacket.SerializableLayer
	if p.Src.Addr().Is4() {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{
			Version:  4,
			TTL:      hops,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    p.Src.Addr().AsSlice(),
			DstIP:    p.Dst.Addr().AsSlice(),
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			panic(fmt.Sprintf("SetNetworkLayerForChecksum: %v", err))
		}
		nl = ip
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   hops,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      p.Src.Addr().AsSlice(),
			DstIP:      p.Dst.Addr().AsSlice(),
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			panic(fmt.Sprintf("SetNetworkLayerForChecksum: %v", err))
		}
		nl = ip
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, nl, udp, gopacket.Payload(p.Payload)); err != nil {
		panic(fmt.Sprintf("serializing packet: %v", err))
	}
	return buf.Bytes()
}

// ParseUDPFrame decodes an Ethernet frame carrying a UDP datagram over IPv4
// or IPv6. It returns false for any other frame.
func ParseUDPFrame(frame []byte) (UDPPacket, bool) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return UDPPacket{}, false
	}
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return UDPPacket{}, false
	}
	var (
		src, dst net.IP
		hops     uint8
	)
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		src, dst, hops = ip.SrcIP, ip.DstIP, ip.TTL
	case *layers.IPv6:
		src, dst, hops = ip.SrcIP, ip.DstIP, ip.HopLimit
	default:
		return UDPPacket{}, false
	}
	srcAddr, ok := netip.AddrFromSlice(src)
	if !ok {
		return UDPPacket{}, false
	}
	dstAddr, ok := netip.AddrFromSlice(dst)
	if !ok {
		return UDPPacket{}, false
	}
	return UDPPacket{
		SrcLink:  tcpip.LinkAddress(eth.SrcMAC),
		DstLink:  tcpip.LinkAddress(eth.DstMAC),
		Src:      netip.AddrPortFrom(srcAddr.Unmap(), uint16(udp.SrcPort)),
		Dst:      netip.AddrPortFrom(dstAddr.Unmap(), uint16(udp.DstPort)),
		HopLimit: hops,
		Payload:  append([]byte(nil), udp.Payload...),
	}, true
}
