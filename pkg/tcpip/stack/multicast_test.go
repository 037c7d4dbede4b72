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

package stack_test

import (
	"net/netip"
	"testing"
	"time"

	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/stack"
	"osbyte.dev/netstack/pkg/tcpip/testutil"
)

func TestIGMPJoinLeave(t *testing.T) {
	c := newTestContext(t, stack.Options{})
	c.addAddress(localV4)
	c.ep.Drain()
	group := netip.MustParseAddr("239.1.2.3")
	groupLink := testutil.MustParseLink("01:00:5e:01:02:03")

	if err := c.s.JoinGroup(nicID, localV4.Addr()); err != tcpip.ErrBadAddress {
		t.Errorf("got JoinGroup(unicast) = %v, want %s", err, tcpip.ErrBadAddress)
	}
	if err := c.s.JoinGroup(nicID, group); err != nil {
		t.Fatalf("JoinGroup(%s): %s", group, err)
	}

	eth, ip, ok := c.nextIPv4(header.IGMPProtocolNumber)
	if !ok {
		t.Fatalf("no report sent on join")
	}
	if eth.DestinationAddress() != groupLink {
		t.Errorf("got link destination %s, want %s", eth.DestinationAddress(), groupLink)
	}
	if ip.SourceAddress() != localV4.Addr() || ip.DestinationAddress() != group || ip.TTL() != 1 {
		t.Errorf("got {%s -> %s ttl %d}, want {%s -> %s ttl 1}", ip.SourceAddress(), ip.DestinationAddress(), ip.TTL(), localV4.Addr(), group)
	}
	report := header.IGMP(ip.Payload())
	if report.Type() != header.IGMPv2MembershipReport || report.GroupAddress() != group {
		t.Errorf("got IGMP {type %d group %s}, want {type %d group %s}", report.Type(), report.GroupAddress(), header.IGMPv2MembershipReport, group)
	}

	if in, err := c.s.IsInGroup(nicID, group); err != nil || !in {
		t.Errorf("got IsInGroup = (%t, %v), want (true, nil)", in, err)
	}
	var found bool
	for _, a := range c.ep.MulticastFilter() {
		found = found || a == groupLink
	}
	if !found {
		t.Errorf("multicast filter %v lacks %s", c.ep.MulticastFilter(), groupLink)
	}

	// The unsolicited report is repeated once.
	c.advance(10 * time.Second)
	if got := c.s.Stats().Multicast.ReportsSent.Value(); got != 2 {
		t.Errorf("got ReportsSent = %d, want 2", got)
	}
	c.advance(time.Minute)
	if got := c.s.Stats().Multicast.ReportsSent.Value(); got != 2 {
		t.Errorf("got ReportsSent = %d after a minute, want 2", got)
	}
	c.ep.Drain()

	if err := c.s.LeaveGroup(nicID, group); err != nil {
		t.Fatalf("LeaveGroup(%s): %s", group, err)
	}
	_, ip, ok = c.nextIPv4(header.IGMPProtocolNumber)
	if !ok {
		t.Fatalf("no leave sent")
	}
	if ip.DestinationAddress() != header.IPv4AllRoutersGroup {
		t.Errorf("got leave destination %s, want %s", ip.DestinationAddress(), header.IPv4AllRoutersGroup)
	}
	if got := header.IGMP(ip.Payload()).Type(); got != header.IGMPLeaveGroup {
		t.Errorf("got IGMP type %d, want %d", got, header.IGMPLeaveGroup)
	}
	if got := c.s.Stats().Multicast.LeavesSent.Value(); got != 1 {
		t.Errorf("got LeavesSent = %d, want 1", got)
	}
	if err := c.s.LeaveGroup(nicID, group); err != tcpip.ErrBadLocalAddress {
		t.Errorf("got second LeaveGroup = %v, want %s", err, tcpip.ErrBadLocalAddress)
	}
	for _, a := range c.ep.MulticastFilter() {
		if a == groupLink {
			t.Errorf("multicast filter still holds %s after leaving", groupLink)
		}
	}
}

func TestGroupJoinsAreCounted(t *testing.T) {
	c := newTestContext(t, stack.Options{})
	c.addAddress(localV4)
	group := netip.MustParseAddr("239.9.9.9")
	for i := 0; i < 2; i++ {
		if err := c.s.JoinGroup(nicID, group); err != nil {
			t.Fatalf("JoinGroup #%d: %s", i, err)
		}
	}
	if got := c.s.Stats().Multicast.ReportsSent.Value(); got != 1 {
		t.Errorf("got ReportsSent = %d after two joins, want 1", got)
	}
	if err := c.s.LeaveGroup(nicID, group); err != nil {
		t.Fatalf("LeaveGroup: %s", err)
	}
	if in, _ := c.s.IsInGroup(nicID, group); !in {
		t.Errorf("left the group while a join remains")
	}
	if got := c.s.Stats().Multicast.LeavesSent.Value(); got != 0 {
		t.Errorf("got LeavesSent = %d, want 0", got)
	}
}

func TestAllSystemsGroupNeverReported(t *testing.T) {
	c := newTestContext(t, stack.Options{})
	c.addAddress(localV4)
	c.advance(time.Minute)
	if got := c.s.Stats().Multicast.ReportsSent.Value(); got != 0 {
		t.Errorf("got ReportsSent = %d, want 0", got)
	}
}
