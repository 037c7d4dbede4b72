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


// Package sniffer provides the implementation of data-link layer endpoints that
// wrap another endpoint and logs inbound and outbound frames.
//
// Sniffer endpoints can be used in the networking stack by calling New(lower)
// to wrap the endpoint being sniffed and then passing the result to
// Stack.CreateNIC().
package sniffer

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go4.org/netipx"
	"osbyte.dev/netstack/pkg/log"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/stack"
)

// LogPackets is a flag used to enable or disable packet logging via the log
// package. Valid values are 0 or 1.
//
// LogPackets must be accessed atomically.
var LogPackets uint32 = 1

// LogPacketsToPCAP is a flag used to enable or disable logging packets to a
// pcap writer. Valid values are 0 or 1. A writer must have been specified when the
// sniffer was created for this flag to have effect.
//
// LogPacketsToPCAP must be accessed atomically.
var LogPacketsToPCAP uint32 = 1

type endpoint struct {
	lower stack.LinkEndpoint
	pcap  *pcapWriter

	dispatcher atomic.Pointer[stack.NetworkDispatcher]
}

var _ stack.LinkEndpoint = (*endpoint)(nil)
var _ stack.NetworkDispatcher = (*endpoint)(nil)
var _ stack.MulticastFilterer = (*endpoint)(nil)

// New creates a new sniffer link-layer endpoint. It wraps around another
// endpoint and logs frames as they traverse the endpoint.
func New(lower stack.LinkEndpoint) stack.LinkEndpoint {
	return &endpoint{lower: lower}
}

// NewWithWriter creates a new sniffer link-layer endpoint. It wraps around
// another endpoint and logs frames as they traverse the endpoint.
//
// Frames are logged to writer in the pcap format. A sniffer created with this
// function will not emit frames using the standard log package.
//
// snapLen is the maximum amount of a frame to be saved. Frames with a length
// less than or equal to snapLen will be saved in their entirety. Longer
// frames will be truncated to snapLen.
func NewWithWriter(lower stack.LinkEndpoint, writer io.Writer, snapLen uint32) (stack.LinkEndpoint, error) {
	w, err := newPCAPWriter(writer, snapLen)
	if err != nil {
		return nil, err
	}
	return &endpoint{lower: lower, pcap: w}, nil
}

// MTU implements stack.LinkEndpoint.MTU.
func (e *endpoint) MTU() uint32 {
	return e.lower.MTU()
}

// LinkAddress implements stack.LinkEndpoint.LinkAddress.
func (e *endpoint) LinkAddress() tcpip.LinkAddress {
	return e.lower.LinkAddress()
}

// Attach implements stack.LinkEndpoint.Attach. The sniffer interposes itself
// between the lower endpoint and dispatcher.
func (e *endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	if dispatcher == nil {
		e.dispatcher.Store(nil)
		e.lower.Attach(nil)
		return
	}
	e.dispatcher.Store(&dispatcher)
	e.lower.Attach(e)
}

// WriteFrame implements stack.LinkEndpoint.WriteFrame. It is called by the
// stack to transmit a frame; it just logs the frame and forwards it to the
// lower endpoint.
func (e *endpoint) WriteFrame(frame []byte) *tcpip.Error {
	e.dumpFrame("send", frame)
	return e.lower.WriteFrame(frame)
}

// DeliverFrame implements stack.NetworkDispatcher.DeliverFrame. It is called
// by the lower endpoint when a frame arrives, and logs the frame before
// forwarding it to the actual dispatcher.
func (e *endpoint) DeliverFrame(frame []byte) {
	e.dumpFrame("recv", frame)
	if d := e.dispatcher.Load(); d != nil {
		(*d).DeliverFrame(frame)
	}
}

// SetMulticastFilter implements stack.MulticastFilterer. It is a no-op when
// the lower endpoint does not filter.
func (e *endpoint) SetMulticastFilter(addrs []tcpip.LinkAddress) {
	if f, ok := e.lower.(stack.MulticastFilterer); ok {
		f.SetMulticastFilter(addrs)
	}
}

func (e *endpoint) dumpFrame(prefix string, frame []byte) {
	if e.pcap == nil {
		if atomic.LoadUint32(&LogPackets) == 1 {
			log.Infof("%s %s", prefix, Summary(frame))
		}
		return
	}
	if atomic.LoadUint32(&LogPacketsToPCAP) == 1 {
		if err := e.pcap.write(frame); err != nil {
			log.Warningf("sniffer: writing pcap record: %v", err)
		}
	}
}

// Summary returns a one line description of an Ethernet frame.
func Summary(frame []byte) string {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	if arp, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP); ok {
		op := "unknown"
		switch arp.Operation {
		case layers.ARPRequest:
			op = "request"
		case layers.ARPReply:
			op = "reply"
		}
		return fmt.Sprintf("arp %s %s (%s) -> %s (%s)", op,
			net.IP(arp.SourceProtAddress), net.HardwareAddr(arp.SourceHwAddress),
			net.IP(arp.DstProtAddress), net.HardwareAddr(arp.DstHwAddress))
	}

	var (
		src, dst netip.Addr
		size     int
		id       uint16
		fragment bool
	)
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		src, _ = netipx.FromStdIP(ip.SrcIP)
		dst, _ = netipx.FromStdIP(ip.DstIP)
		size = int(ip.Length) - int(ip.IHL)*4
		id = ip.Id
		fragment = ip.FragOffset != 0 || ip.Flags&layers.IPv4MoreFragments != 0
	case *layers.IPv6:
		src, _ = netipx.FromStdIP(ip.SrcIP)
		dst, _ = netipx.FromStdIP(ip.DstIP)
		size = int(ip.Length)
	default:
		if eth, ok := pkt.LinkLayer().(*layers.Ethernet); ok {
			return fmt.Sprintf("%s %s -> %s len:%d", eth.EthernetType, eth.SrcMAC, eth.DstMAC, len(frame))
		}
		return fmt.Sprintf("malformed frame len:%d", len(frame))
	}
	if fragment {
		return fmt.Sprintf("fragment %s -> %s len:%d id:%04x", src, dst, size, id)
	}

	if icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
		return fmt.Sprintf("icmp %s -> %s %s len:%d id:%04x", src, dst, icmp.TypeCode, size, id)
	}
	if icmp, ok := pkt.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6); ok {
		return fmt.Sprintf("icmpv6 %s -> %s %s len:%d", src, dst, icmp.TypeCode, size)
	}

	switch t := pkt.TransportLayer().(type) {
	case *layers.UDP:
		return fmt.Sprintf("udp %s -> %s len:%d id:%04x xsum:0x%04x",
			netip.AddrPortFrom(src, uint16(t.SrcPort)), netip.AddrPortFrom(dst, uint16(t.DstPort)),
			len(t.Payload), id, t.Checksum)
	case *layers.TCP:
		return fmt.Sprintf("tcp %s -> %s len:%d id:%04x flags:%s seqnum:%d ack:%d win:%d",
			netip.AddrPortFrom(src, uint16(t.SrcPort)), netip.AddrPortFrom(dst, uint16(t.DstPort)),
			len(t.Payload), id, tcpFlags(t), t.Seq, t.Ack, t.Window)
	}
	if el := pkt.ErrorLayer(); el != nil {
		return fmt.Sprintf("invalid %s -> %s len:%d: %v", src, dst, size, el.Error())
	}
	return fmt.Sprintf("unknown transport %s -> %s len:%d", src, dst, size)
}

// tcpFlags formats the flags of t the way tcpdump's verbose output lists
// them, one column per flag.
func tcpFlags(t *layers.TCP) string {
	var b strings.Builder
	for _, f := range []struct {
		set bool
		c   byte
	}{
		{t.FIN, 'F'},
		{t.SYN, 'S'},
		{t.RST, 'R'},
		{t.PSH, 'P'},
		{t.ACK, 'A'},
		{t.URG, 'U'},
	} {
		if f.set {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('.')
		}
	}
	return b.String()
}
