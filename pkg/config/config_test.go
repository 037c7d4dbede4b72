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

package config

import (
	"bytes"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"osbyte.dev/netstack/pkg/log"
	"osbyte.dev/netstack/pkg/tcpip"
)

const sample = `
[log]
level = "debug"
format = "json"
pcap = "/tmp/netstack.pcap"

[stack]
default_ttl = 32
icmp_rate_limit = 10.0

[neighbor]
base_reachable_time = "45s"
cache_size = 16

[tcp]
min_rto = "100ms"
max_rto = "30s"
syn_retries = 3

[dns]
servers = ["192.0.2.53", "[2001:db8::53]:5353"]
initial_timeout = "500ms"
max_timeout = "4s"

[ntp]
server = "192.0.2.123"
poll_interval = "16s"

[[interface]]
name = "eth0"
id = 1
mac = "02:00:00:00:00:01"
mtu = 1500
addresses = ["192.0.2.2/24", "2001:db8::2/64"]
dhcpv6 = true
dhcpv6_on_managed_ra = true
hostname = "host-a"

  [[interface.route]]
  destination = "0.0.0.0/0"
  gateway = "192.0.2.1"
  metric = 10
`

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestParse(t *testing.T) {
	c, err := Parse(sample)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got, want := c.LogLevel(), log.Debug; got != want {
		t.Errorf("got LogLevel() = %s, want %s", got, want)
	}
	if got, want := c.Log.SnapLen, uint32(65536); got != want {
		t.Errorf("got Log.SnapLen = %d, want default %d", got, want)
	}

	opts := c.StackOptions()
	if got, want := opts.DefaultTTL, uint8(32); got != want {
		t.Errorf("got DefaultTTL = %d, want %d", got, want)
	}
	if got, want := opts.NUDConfigs.BaseReachableTime, 45*time.Second; got != want {
		t.Errorf("got BaseReachableTime = %s, want %s", got, want)
	}
	if got, want := opts.NUDConfigs.CacheSize, 16; got != want {
		t.Errorf("got CacheSize = %d, want %d", got, want)
	}
	if got, want := len(opts.TransportProtocols), 2; got != want {
		t.Errorf("got %d transport protocols, want %d", got, want)
	}

	tcpOpts := c.TCPOptions()
	if tcpOpts.MinRTO != 100*time.Millisecond || tcpOpts.MaxRTO != 30*time.Second || tcpOpts.SynRetries != 3 {
		t.Errorf("got TCPOptions() = %+v, want MinRTO 100ms, MaxRTO 30s, SynRetries 3", tcpOpts)
	}

	dnsOpts, err := c.DNSOptions()
	if err != nil {
		t.Fatalf("DNSOptions: %v", err)
	}
	wantServers := []netip.AddrPort{
		netip.MustParseAddrPort("192.0.2.53:53"),
		netip.MustParseAddrPort("[2001:db8::53]:5353"),
	}
	if diff := cmp.Diff(wantServers, dnsOpts.Servers, cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b })); diff != "" {
		t.Errorf("DNS servers mismatch (-want +got):\n%s", diff)
	}
	if got, want := dnsOpts.InitialTimeout, 500*time.Millisecond; got != want {
		t.Errorf("got InitialTimeout = %s, want %s", got, want)
	}
	if got, want := dnsOpts.Attempts, 4; got != want {
		t.Errorf("got Attempts = %d, want default %d", got, want)
	}

	ntpOpts, ok, err := c.NTPOptions()
	if err != nil || !ok {
		t.Fatalf("got NTPOptions() = _, %t, %v, want enabled", ok, err)
	}
	if got, want := ntpOpts.Server, netip.MustParseAddrPort("192.0.2.123:123"); got != want {
		t.Errorf("got NTP server %s, want %s", got, want)
	}
	if got, want := ntpOpts.PollInterval, 16*time.Second; got != want {
		t.Errorf("got PollInterval = %s, want %s", got, want)
	}

	if got := len(c.Interfaces); got != 1 {
		t.Fatalf("got %d interfaces, want 1", got)
	}
	iface := c.Interfaces[0]
	link, err := iface.LinkAddress()
	if err != nil {
		t.Fatalf("LinkAddress: %v", err)
	}
	if want := tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01"); link != want {
		t.Errorf("got LinkAddress() = %s, want %s", link, want)
	}
	prefixes, err := iface.Prefixes()
	if err != nil {
		t.Fatalf("Prefixes: %v", err)
	}
	wantPrefixes := []netip.Prefix{
		netip.MustParsePrefix("192.0.2.2/24"),
		netip.MustParsePrefix("2001:db8::2/64"),
	}
	if diff := cmp.Diff(wantPrefixes, prefixes, cmp.Comparer(func(a, b netip.Prefix) bool { return a == b })); diff != "" {
		t.Errorf("prefixes mismatch (-want +got):\n%s", diff)
	}
	routes, err := iface.StaticRoutes()
	if err != nil {
		t.Fatalf("StaticRoutes: %v", err)
	}
	wantRoutes := []tcpip.Route{{
		Destination: netip.MustParsePrefix("0.0.0.0/0"),
		Gateway:     netip.MustParseAddr("192.0.2.1"),
		NIC:         1,
		Metric:      10,
	}}
	if diff := cmp.Diff(wantRoutes, routes, cmp.Comparer(func(a, b netip.Prefix) bool { return a == b }), cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
		t.Errorf("routes mismatch (-want +got):\n%s", diff)
	}
	if !iface.DHCPv6 || iface.DHCPv4 {
		t.Errorf("got DHCPv4, DHCPv6 = %t, %t, want false, true", iface.DHCPv4, iface.DHCPv6)
	}
	if got, want := iface.DHCPConfig().Hostname, "host-a"; got != want {
		t.Errorf("got DHCP hostname %q, want %q", got, want)
	}
	if !iface.DHCPConfig().StartOnRouterAdvert {
		t.Errorf("DHCP config does not wait for a managed router advertisement")
	}
}

func TestParseUnknownKey(t *testing.T) {
	_, err := Parse("[dns]\nserver = \"192.0.2.53\"\n")
	if err == nil || !strings.Contains(err.Error(), "dns.server") {
		t.Fatalf("got Parse() error = %v, want unknown key dns.server", err)
	}
}

func TestParseBadDuration(t *testing.T) {
	if _, err := Parse("[tcp]\nmin_rto = \"soon\"\n"); err == nil {
		t.Fatal("got Parse() = nil error for a malformed duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{
			name:   "level",
			modify: func(c *Config) { c.Log.Level = "verbose" },
			want:   "log.level",
		},
		{
			name:   "format",
			modify: func(c *Config) { c.Log.Format = "xml" },
			want:   "log.format",
		},
		{
			name:   "ttl",
			modify: func(c *Config) { c.Stack.DefaultTTL = 0 },
			want:   "stack.default_ttl",
		},
		{
			name: "rto",
			modify: func(c *Config) {
				c.TCP.MinRTO = Duration(time.Minute)
				c.TCP.MaxRTO = Duration(time.Second)
			},
			want: "min_rto",
		},
		{
			name:   "dns server",
			modify: func(c *Config) { c.DNS.Servers = []string{"resolver.example"} },
			want:   "dns.servers",
		},
		{
			name:   "ntp server",
			modify: func(c *Config) { c.NTP.Server = "pool" },
			want:   "ntp.server",
		},
		{
			name: "duplicate id",
			modify: func(c *Config) {
				c.Interfaces = []Interface{{Name: "a", ID: 1}, {Name: "b", ID: 1}}
			},
			want: "interface[1].id",
		},
		{
			name: "duplicate name",
			modify: func(c *Config) {
				c.Interfaces = []Interface{{Name: "a", ID: 1}, {Name: "a", ID: 2}}
			},
			want: "interface[1].name",
		},
		{
			name: "mac",
			modify: func(c *Config) {
				c.Interfaces = []Interface{{Name: "a", ID: 1, MAC: "02:00"}}
			},
			want: "interface[0].mac",
		},
		{
			name: "address",
			modify: func(c *Config) {
				c.Interfaces = []Interface{{Name: "a", ID: 1, Addresses: []string{"192.0.2.2"}}}
			},
			want: "interface[0].addresses",
		},
		{
			name: "gateway family",
			modify: func(c *Config) {
				c.Interfaces = []Interface{{Name: "a", ID: 1, Routes: []Route{{Destination: "::/0", Gateway: "192.0.2.1"}}}}
			},
			want: "interface[0].route",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.modify(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("got Validate() = %v, want an error mentioning %q", err, tc.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netstack.toml")
	if err := os.WriteFile(path, []byte(sample), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, want := c.Interfaces[0].Name, "eth0"; got != want {
		t.Errorf("got interface name %q, want %q", got, want)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("got Load() = nil error for a missing file")
	}
}

func TestWriteRoundTrip(t *testing.T) {
	c, err := Parse(sample)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var buf bytes.Buffer
	if err := c.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Parse(buf.String())
	if err != nil {
		t.Fatalf("Parse(Write()): %v\n%s", err, buf.String())
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestNTPDisabled(t *testing.T) {
	_, ok, err := Default().NTPOptions()
	if ok || err != nil {
		t.Errorf("got NTPOptions() = _, %t, %v, want disabled", ok, err)
	}
}
