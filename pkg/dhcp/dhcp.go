// Copyright 2018 Google LLC
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

// Package dhcp implements DHCPv4 and DHCPv6 clients that configure a NIC of
// a stack.Stack.
//
// Clients are driven entirely by the stack: replies are handled when their
// socket becomes readable and timeouts fire from Stack.Tick. Every exchange
// is therefore deterministic under a manual clock.
package dhcp

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff"
	"go4.org/netipx"
	"osbyte.dev/netstack/pkg/tcpip"
)

// State is the state of a client's lease.
type State int

// Client states, as named by RFC 2131 section 4.4. DHCPv6 clients use the
// same states: Selecting while soliciting and Requesting while waiting for
// the Reply to a Request.
const (
	StateStopped State = iota
	StateInit
	StateSelecting
	StateRequesting
	StateBound
	StateRenewing
	StateRebinding
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateInit:
		return "init"
	case StateSelecting:
		return "selecting"
	case StateRequesting:
		return "requesting"
	case StateBound:
		return "bound"
	case StateRenewing:
		return "renewing"
	case StateRebinding:
		return "rebinding"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DefaultRouteMetric is the metric of routes learned from DHCPv4.
const DefaultRouteMetric = 100

// Config configures a client.
type Config struct {
	// Hostname is sent in the Host Name option when not empty. DHCPv4
	// only.
	Hostname string

	// RouteMetric is the metric of the default and classless static
	// routes installed from a lease. Zero means DefaultRouteMetric.
	RouteMetric uint32

	// InitialRetransmit and MaxRetransmit bound the exponential backoff
	// of DHCPv4 DISCOVER and REQUEST retransmissions. Zero means 4s and
	// 64s.
	InitialRetransmit time.Duration
	MaxRetransmit     time.Duration

	// MaxRequests is how many REQUESTs are sent for one offer before the
	// client starts over. Zero means 4 for DHCPv4 and 10 for DHCPv6.
	MaxRequests int

	// OnLease, if set, is called whenever a lease is acquired, renewed or
	// lost. A lost lease is reported as the zero Lease.
	OnLease func(Lease)

	// OnDNS, if set, is called with the DNS servers of every new lease.
	OnDNS func([]netip.Addr)

	// StartOnRouterAdvert makes a DHCPv6 client wait for a Router
	// Advertisement with the Managed flag before soliciting. DHCPv6 only.
	StartOnRouterAdvert bool
}

func (c *Config) setDefaults(v6 bool) {
	if c.RouteMetric == 0 {
		c.RouteMetric = DefaultRouteMetric
	}
	if c.InitialRetransmit <= 0 {
		c.InitialRetransmit = 4 * time.Second
	}
	if c.MaxRetransmit < c.InitialRetransmit {
		c.MaxRetransmit = 64 * time.Second
	}
	if c.MaxRequests <= 0 {
		if v6 {
			c.MaxRequests = 10
		} else {
			c.MaxRequests = 4
		}
	}
}

// Lease is the configuration acquired from a server.
type Lease struct {
	// Address is the leased address with its subnet. DHCPv6 leases are
	// always /128.
	Address netip.Prefix

	// Server is the address the server replied from.
	Server netip.Addr

	// Routers holds the Router option. DHCPv4 only.
	Routers []netip.Addr

	// Routes are the routes installed for the lease, the subnet route
	// excepted.
	Routes []tcpip.Route

	DNS []netip.Addr

	// Length is the lease time, or the valid lifetime for DHCPv6. Zero
	// means infinite.
	Length time.Duration

	// RenewAfter and RebindAfter are T1 and T2.
	RenewAfter  time.Duration
	RebindAfter time.Duration

	// Acquired is when the lease was granted.
	Acquired time.Time
}

// IsZero reports whether l holds no lease.
func (l Lease) IsZero() bool {
	return !l.Address.IsValid()
}

// leaseTimes validates the T1 and T2 a server sent against the lease length,
// falling back to the RFC 2131 defaults of 0.5 and 0.875 of the lease.
func leaseTimes(length, t1, t2 time.Duration) (time.Duration, time.Duration) {
	if length == 0 {
		return 0, 0
	}
	if t2 <= 0 || t2 >= length {
		t2 = length * 7 / 8
	}
	if t1 <= 0 || t1 >= t2 {
		t1 = length / 2
		if t1 >= t2 {
			t1 = t2 / 2
		}
	}
	return t1, t2
}

// retransmitWait is the RFC 2131 wait before retransmitting in RENEWING and
// REBINDING: half the time left until deadline, but at least a minute. It
// returns false if no retransmission fits before the deadline.
func retransmitWait(left time.Duration) (time.Duration, bool) {
	const minWait = 60 * time.Second
	d := left / 2
	if d < minWait {
		d = minWait
	}
	return d, d < left
}

// clockAdapter lets backoff read the stack's clock.
type clockAdapter struct {
	c tcpip.Clock
}

func (a clockAdapter) Now() time.Time {
	return a.c.Now()
}

// newBackOff returns a non randomized exponential backoff doubling from
// initial to max. It never gives up; callers count attempts themselves.
func newBackOff(clock tcpip.Clock, initial, max time.Duration) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval: initial,
		Multiplier:      2,
		MaxInterval:     max,
		Clock:           clockAdapter{clock},
	}
	b.Reset()
	return b
}

// addrFromIP converts a 4 or 16 byte net.IP, unmapping IPv4.
func addrFromIP(ip net.IP) (netip.Addr, bool) {
	if ip == nil {
		return netip.Addr{}, false
	}
	return netipx.FromStdIP(ip)
}

func addrsFromIPs(ips []net.IP) []netip.Addr {
	var out []netip.Addr
	for _, ip := range ips {
		if a, ok := addrFromIP(ip); ok {
			out = append(out, a)
		}
	}
	return out
}
