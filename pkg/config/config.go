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

// Package config loads the TOML configuration of a netstack deployment and
// maps it onto the options of each component.
//
// A configuration looks like:
//
//	[log]
//	level = "debug"
//	format = "json"
//
//	[dns]
//	servers = ["192.0.2.53"]
//	initial_timeout = "1s"
//
//	[[interface]]
//	name = "eth0"
//	id = 1
//	mac = "02:00:00:00:00:01"
//	addresses = ["192.0.2.2/24"]
//	dhcpv4 = false
package config

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/time/rate"
	"osbyte.dev/netstack/pkg/dhcp"
	"osbyte.dev/netstack/pkg/dns"
	"osbyte.dev/netstack/pkg/httpd"
	"osbyte.dev/netstack/pkg/log"
	"osbyte.dev/netstack/pkg/ntp"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/network/fragmentation"
	"osbyte.dev/netstack/pkg/tcpip/stack"
	"osbyte.dev/netstack/pkg/tcpip/transport/tcp"
	"osbyte.dev/netstack/pkg/tcpip/transport/udp"
)

// HTTPPort is the port the HTTP server listens on. It is not configurable.
const HTTPPort = httpd.Port

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the whole configuration document.
type Config struct {
	Log        Log         `toml:"log"`
	Stack      Stack       `toml:"stack"`
	Neighbor   Neighbor    `toml:"neighbor"`
	TCP        TCP         `toml:"tcp"`
	DNS        DNS         `toml:"dns"`
	NTP        NTP         `toml:"ntp"`
	HTTP       HTTP        `toml:"http"`
	Interfaces []Interface `toml:"interface"`
}

// Log configures logging and packet capture.
type Log struct {
	// Level is one of "warning", "info" or "debug".
	Level string `toml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format"`

	// File is the log file, rotated by size. Empty means stderr.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`

	// Packets logs a summary of every frame sent and received.
	Packets bool `toml:"packets"`

	// PCAP, if set, is a file that frames are captured to instead.
	PCAP    string `toml:"pcap"`
	SnapLen uint32 `toml:"snap_len"`
}

// Stack configures the IP layer.
type Stack struct {
	DefaultTTL uint8 `toml:"default_ttl"`
	MaxSockets int   `toml:"max_sockets"`

	// ICMPRateLimit is the number of ICMP errors sent per second.
	ICMPRateLimit float64 `toml:"icmp_rate_limit"`
	ICMPBurst     int     `toml:"icmp_burst"`

	ReassemblyTimeout   Duration `toml:"reassembly_timeout"`
	ReassemblyHighLimit int      `toml:"reassembly_high_limit"`

	DADTransmits            uint8    `toml:"dad_transmits"`
	RouterSolicitations     uint8    `toml:"router_solicitations"`
	RouterSolicitInterval   Duration `toml:"router_solicit_interval"`
	HandleRAs               bool     `toml:"handle_ras"`
	AutoGenGlobalAddresses  bool     `toml:"slaac"`
	AutoGenLinkLocal        bool     `toml:"link_local"`
	UnsolicitedReports      uint8    `toml:"unsolicited_reports"`
	UnsolicitedReportPeriod Duration `toml:"unsolicited_report_interval"`
}

// Neighbor configures ARP and NDP neighbor unreachability detection.
type Neighbor struct {
	BaseReachableTime   Duration `toml:"base_reachable_time"`
	RetransmitTimer     Duration `toml:"retransmit_timer"`
	DelayFirstProbeTime Duration `toml:"delay_first_probe_time"`
	StaleTimeout        Duration `toml:"stale_timeout"`
	MaxMulticastProbes  uint32   `toml:"max_multicast_probes"`
	MaxUnicastProbes    uint32   `toml:"max_unicast_probes"`
	CacheSize           int      `toml:"cache_size"`
	PendingQueueSize    int      `toml:"pending_queue_size"`
}

// TCP configures the TCP protocol.
type TCP struct {
	SendBufferSize    int      `toml:"send_buffer_size"`
	ReceiveBufferSize int      `toml:"receive_buffer_size"`
	InitialRTO        Duration `toml:"initial_rto"`
	MinRTO            Duration `toml:"min_rto"`
	MaxRTO            Duration `toml:"max_rto"`
	MaxRetries        int      `toml:"max_retries"`
	SynRetries        int      `toml:"syn_retries"`
	TimeWaitTimeout   Duration `toml:"time_wait_timeout"`
	LingerTimeout     Duration `toml:"linger_timeout"`
	MaxBacklog        int      `toml:"max_backlog"`
}

// DNS configures the resolver. Servers given here are used until DHCP
// supplies others.
type DNS struct {
	Servers        []string `toml:"servers"`
	MaxEntries     int      `toml:"max_entries"`
	MaxPending     int      `toml:"max_pending"`
	Attempts       int      `toml:"attempts"`
	InitialTimeout Duration `toml:"initial_timeout"`
	MaxTimeout     Duration `toml:"max_timeout"`
	MaxTTL         Duration `toml:"max_ttl"`
	MaxNegativeTTL Duration `toml:"max_negative_ttl"`
}

// NTP configures the time client. It is disabled when Server is empty.
type NTP struct {
	Server        string   `toml:"server"`
	PollInterval  Duration `toml:"poll_interval"`
	Timeout       Duration `toml:"timeout"`
	Samples       int      `toml:"samples"`
	StepThreshold Duration `toml:"step_threshold"`
}

// HTTP configures the HTTP server and the metrics endpoint.
type HTTP struct {
	Enabled bool `toml:"enabled"`

	// MetricsAddr is a host address, such as "localhost:9100", Prometheus
	// metrics are served on. Empty disables metrics.
	MetricsAddr string `toml:"metrics_addr"`
}

// Interface is one NIC.
type Interface struct {
	Name string `toml:"name"`
	ID   uint32 `toml:"id"`
	MAC  string `toml:"mac"`
	MTU  uint32 `toml:"mtu"`

	// Addresses are static addresses with their prefix length.
	Addresses []string `toml:"addresses"`

	Routes []Route `toml:"route"`

	DHCPv4 bool `toml:"dhcpv4"`
	DHCPv6 bool `toml:"dhcpv6"`

	// DHCPv6OnManagedRA holds DHCPv6 back until a router advertises
	// managed configuration.
	DHCPv6OnManagedRA bool   `toml:"dhcpv6_on_managed_ra"`
	Hostname          string `toml:"hostname"`
}

// Route is a static route through an interface.
type Route struct {
	Destination string `toml:"destination"`
	Gateway     string `toml:"gateway"`
	Metric      uint32 `toml:"metric"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() *Config {
	nud := stack.DefaultNUDConfigurations()
	ndp := stack.DefaultNDPConfigurations()
	tcpOpts := tcp.DefaultOptions()
	return &Config{
		Log: Log{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			SnapLen:    65536,
		},
		Stack: Stack{
			DefaultTTL:              stack.DefaultTTL,
			MaxSockets:              stack.DefaultMaxSockets,
			ICMPRateLimit:           float64(stack.DefaultICMPLimit),
			ICMPBurst:               stack.DefaultICMPBurst,
			ReassemblyTimeout:       Duration(fragmentation.DefaultReassembleTimeout),
			ReassemblyHighLimit:     fragmentation.HighFragThreshold,
			DADTransmits:            ndp.DupAddrDetectTransmits,
			RouterSolicitations:     ndp.MaxRtrSolicitations,
			RouterSolicitInterval:   Duration(ndp.RtrSolicitationInterval),
			HandleRAs:               ndp.HandleRAs,
			AutoGenGlobalAddresses:  ndp.AutoGenGlobalAddresses,
			AutoGenLinkLocal:        ndp.AutoGenLinkLocal,
			UnsolicitedReports:      2,
			UnsolicitedReportPeriod: Duration(10 * time.Second),
		},
		Neighbor: Neighbor{
			BaseReachableTime:   Duration(nud.BaseReachableTime),
			RetransmitTimer:     Duration(nud.RetransmitTimer),
			DelayFirstProbeTime: Duration(nud.DelayFirstProbeTime),
			StaleTimeout:        Duration(nud.StaleTimeout),
			MaxMulticastProbes:  nud.MaxMulticastProbes,
			MaxUnicastProbes:    nud.MaxUnicastProbes,
			CacheSize:           nud.CacheSize,
			PendingQueueSize:    nud.PendingQueueSize,
		},
		TCP: TCP{
			SendBufferSize:    tcpOpts.SendBufferSize,
			ReceiveBufferSize: tcpOpts.ReceiveBufferSize,
			InitialRTO:        Duration(tcpOpts.InitialRTO),
			MinRTO:            Duration(tcpOpts.MinRTO),
			MaxRTO:            Duration(tcpOpts.MaxRTO),
			MaxRetries:        tcpOpts.MaxRetries,
			SynRetries:        tcpOpts.SynRetries,
			TimeWaitTimeout:   Duration(tcpOpts.TimeWaitTimeout),
			LingerTimeout:     Duration(tcpOpts.LingerTimeout),
			MaxBacklog:        tcpOpts.MaxBacklog,
		},
		DNS: DNS{
			MaxEntries:     512,
			MaxPending:     64,
			Attempts:       4,
			InitialTimeout: Duration(time.Second),
			MaxTimeout:     Duration(8 * time.Second),
			MaxTTL:         Duration(24 * time.Hour),
			MaxNegativeTTL: Duration(5 * time.Minute),
		},
		NTP: NTP{
			PollInterval:  Duration(64 * time.Second),
			Timeout:       Duration(5 * time.Second),
			Samples:       8,
			StepThreshold: Duration(128 * time.Millisecond),
		},
		HTTP: HTTP{
			Enabled: true,
		},
	}
}

// Load reads the file at path over Default. Keys the configuration does not
// know are an error, as is a configuration that fails Validate.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, fmt.Errorf("decoding %q: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %q: %w", path, err)
	}
	return c, nil
}

// Parse is Load for a document held in memory.
func Parse(doc string) (*Config, error) {
	c := Default()
	md, err := toml.Decode(doc, c)
	if err != nil {
		return nil, err
	}
	if err := checkUndecoded(md); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func checkUndecoded(md toml.MetaData) error {
	keys := md.Undecoded()
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, k.String())
	}
	return fmt.Errorf("unknown keys: %s", strings.Join(names, ", "))
}

// Write encodes c as TOML.
func (c *Config) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Validate reports every impossible value in c.
func (c *Config) Validate() error {
	var errs []error
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format))
	}
	if c.Log.PCAP != "" && c.Log.SnapLen == 0 {
		errs = append(errs, errors.New("log.snap_len: must be positive when log.pcap is set"))
	}
	if c.Stack.DefaultTTL == 0 {
		errs = append(errs, errors.New("stack.default_ttl: must be positive"))
	}
	if c.Stack.ICMPRateLimit < 0 {
		errs = append(errs, errors.New("stack.icmp_rate_limit: must not be negative"))
	}
	if c.TCP.MinRTO > c.TCP.MaxRTO {
		errs = append(errs, fmt.Errorf("tcp: min_rto %s exceeds max_rto %s", time.Duration(c.TCP.MinRTO), time.Duration(c.TCP.MaxRTO)))
	}
	if c.DNS.InitialTimeout > c.DNS.MaxTimeout {
		errs = append(errs, fmt.Errorf("dns: initial_timeout %s exceeds max_timeout %s", time.Duration(c.DNS.InitialTimeout), time.Duration(c.DNS.MaxTimeout)))
	}
	if _, err := c.dnsServers(); err != nil {
		errs = append(errs, fmt.Errorf("dns.servers: %w", err))
	}
	if c.NTP.Server != "" {
		if _, err := parseAddrPort(c.NTP.Server, ntp.Port); err != nil {
			errs = append(errs, fmt.Errorf("ntp.server: %w", err))
		}
	}

	ids := make(map[uint32]bool)
	names := make(map[string]bool)
	for i, iface := range c.Interfaces {
		prefix := fmt.Sprintf("interface[%d]", i)
		if iface.ID == 0 {
			errs = append(errs, fmt.Errorf("%s.id: must be positive", prefix))
		} else if ids[iface.ID] {
			errs = append(errs, fmt.Errorf("%s.id: duplicate id %d", prefix, iface.ID))
		}
		ids[iface.ID] = true
		if iface.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name: must not be empty", prefix))
		} else if names[iface.Name] {
			errs = append(errs, fmt.Errorf("%s.name: duplicate name %q", prefix, iface.Name))
		}
		names[iface.Name] = true
		if _, err := iface.LinkAddress(); err != nil {
			errs = append(errs, fmt.Errorf("%s.mac: %w", prefix, err))
		}
		if _, err := iface.Prefixes(); err != nil {
			errs = append(errs, fmt.Errorf("%s.addresses: %w", prefix, err))
		}
		if _, err := iface.StaticRoutes(); err != nil {
			errs = append(errs, fmt.Errorf("%s.route: %w", prefix, err))
		}
	}
	return errors.Join(errs...)
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() log.Level {
	l, _ := log.ParseLevel(c.Log.Level)
	return l
}

// LogFile returns the options of the log file.
func (c *Config) LogFile() log.FileOpts {
	return log.FileOpts{
		Path:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// StackOptions returns the stack options described by c, with UDP and TCP
// enabled. The caller sets Clock and RandSource.
func (c *Config) StackOptions() stack.Options {
	ndp := stack.DefaultNDPConfigurations()
	ndp.DupAddrDetectTransmits = c.Stack.DADTransmits
	ndp.MaxRtrSolicitations = c.Stack.RouterSolicitations
	ndp.RtrSolicitationInterval = time.Duration(c.Stack.RouterSolicitInterval)
	ndp.HandleRAs = c.Stack.HandleRAs
	ndp.DiscoverDefaultRouters = c.Stack.HandleRAs
	ndp.DiscoverOnLinkPrefixes = c.Stack.HandleRAs
	ndp.AutoGenGlobalAddresses = c.Stack.AutoGenGlobalAddresses
	ndp.AutoGenLinkLocal = c.Stack.AutoGenLinkLocal

	return stack.Options{
		TransportProtocols: []stack.TransportProtocolFactory{
			udp.NewProtocol,
			tcp.NewProtocolWithOptions(c.TCPOptions()),
		},
		NUDConfigs: stack.NUDConfigurations{
			BaseReachableTime:   time.Duration(c.Neighbor.BaseReachableTime),
			MinRandomFactor:     stack.DefaultNUDConfigurations().MinRandomFactor,
			MaxRandomFactor:     stack.DefaultNUDConfigurations().MaxRandomFactor,
			RetransmitTimer:     time.Duration(c.Neighbor.RetransmitTimer),
			DelayFirstProbeTime: time.Duration(c.Neighbor.DelayFirstProbeTime),
			StaleTimeout:        time.Duration(c.Neighbor.StaleTimeout),
			MaxMulticastProbes:  c.Neighbor.MaxMulticastProbes,
			MaxUnicastProbes:    c.Neighbor.MaxUnicastProbes,
			CacheSize:           c.Neighbor.CacheSize,
			PendingQueueSize:    c.Neighbor.PendingQueueSize,
		},
		NDPConfigs: ndp,
		Reassembly: fragmentation.Options{
			HighLimit: c.Stack.ReassemblyHighLimit,
			Timeout:   time.Duration(c.Stack.ReassemblyTimeout),
		},
		DefaultTTL:                c.Stack.DefaultTTL,
		MaxSockets:                c.Stack.MaxSockets,
		ICMPLimit:                 rate.Limit(c.Stack.ICMPRateLimit),
		ICMPBurst:                 c.Stack.ICMPBurst,
		UnsolicitedReports:        c.Stack.UnsolicitedReports,
		UnsolicitedReportInterval: time.Duration(c.Stack.UnsolicitedReportPeriod),
	}
}

// TCPOptions returns the TCP protocol options described by c.
func (c *Config) TCPOptions() tcp.Options {
	return tcp.Options{
		SendBufferSize:    c.TCP.SendBufferSize,
		ReceiveBufferSize: c.TCP.ReceiveBufferSize,
		InitialRTO:        time.Duration(c.TCP.InitialRTO),
		MinRTO:            time.Duration(c.TCP.MinRTO),
		MaxRTO:            time.Duration(c.TCP.MaxRTO),
		MaxRetries:        c.TCP.MaxRetries,
		SynRetries:        c.TCP.SynRetries,
		TimeWaitTimeout:   time.Duration(c.TCP.TimeWaitTimeout),
		LingerTimeout:     time.Duration(c.TCP.LingerTimeout),
		MaxBacklog:        c.TCP.MaxBacklog,
	}
}

func (c *Config) dnsServers() ([]netip.AddrPort, error) {
	var out []netip.AddrPort
	for _, s := range c.DNS.Servers {
		ap, err := parseAddrPort(s, dns.Port)
		if err != nil {
			return nil, err
		}
		out = append(out, ap)
	}
	return out, nil
}

// DNSOptions returns the resolver options described by c.
func (c *Config) DNSOptions() (dns.Options, error) {
	servers, err := c.dnsServers()
	if err != nil {
		return dns.Options{}, err
	}
	return dns.Options{
		Servers:        servers,
		MaxEntries:     c.DNS.MaxEntries,
		MaxPending:     c.DNS.MaxPending,
		Attempts:       c.DNS.Attempts,
		InitialTimeout: time.Duration(c.DNS.InitialTimeout),
		MaxTimeout:     time.Duration(c.DNS.MaxTimeout),
		MaxTTL:         time.Duration(c.DNS.MaxTTL),
		MaxNegativeTTL: time.Duration(c.DNS.MaxNegativeTTL),
	}, nil
}

// NTPOptions returns the NTP client options described by c. ok is false if
// NTP is disabled.
func (c *Config) NTPOptions() (opts ntp.Options, ok bool, err error) {
	if c.NTP.Server == "" {
		return ntp.Options{}, false, nil
	}
	server, err := parseAddrPort(c.NTP.Server, ntp.Port)
	if err != nil {
		return ntp.Options{}, false, err
	}
	return ntp.Options{
		Server:        server,
		PollInterval:  time.Duration(c.NTP.PollInterval),
		Timeout:       time.Duration(c.NTP.Timeout),
		Samples:       c.NTP.Samples,
		StepThreshold: time.Duration(c.NTP.StepThreshold),
	}, true, nil
}

// NICID returns the id of the interface.
func (i *Interface) NICID() tcpip.NICID {
	return tcpip.NICID(i.ID)
}

// LinkAddress parses the MAC of the interface. An empty MAC is the zero
// address.
func (i *Interface) LinkAddress() (tcpip.LinkAddress, error) {
	if i.MAC == "" {
		return "", nil
	}
	return tcpip.ParseMACAddress(i.MAC)
}

// Prefixes parses the static addresses of the interface.
func (i *Interface) Prefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, s := range i.Addresses {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// StaticRoutes parses the routes of the interface.
func (i *Interface) StaticRoutes() ([]tcpip.Route, error) {
	var out []tcpip.Route
	for _, r := range i.Routes {
		dst, err := netip.ParsePrefix(r.Destination)
		if err != nil {
			return nil, err
		}
		route := tcpip.Route{
			Destination: dst.Masked(),
			NIC:         i.NICID(),
			Metric:      r.Metric,
		}
		if r.Gateway != "" {
			gw, err := netip.ParseAddr(r.Gateway)
			if err != nil {
				return nil, err
			}
			if gw.Is4() != dst.Addr().Is4() {
				return nil, fmt.Errorf("gateway %s is not in the family of %s", gw, dst)
			}
			route.Gateway = gw
		}
		out = append(out, route)
	}
	return out, nil
}

// DHCPConfig returns the DHCP client configuration of the interface.
func (i *Interface) DHCPConfig() dhcp.Config {
	return dhcp.Config{
		Hostname:            i.Hostname,
		StartOnRouterAdvert: i.DHCPv6OnManagedRA,
	}
}

// parseAddrPort accepts "addr", "addr:port" and "[v6addr]:port".
func parseAddrPort(s string, port uint16) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%q is not an address or address:port", s)
	}
	return netip.AddrPortFrom(a, port), nil
}
