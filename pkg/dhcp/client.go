// Copyright 2016 The Netstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dhcp

import (
	"bytes"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"go4.org/netipx"
	"osbyte.dev/netstack/pkg/log"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/adapters/udpsock"
	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/stack"
)

// DHCPv4 ports.
const (
	ServerPort = 67
	ClientPort = 68
)

var requestedOptions = []dhcpv4.OptionCode{
	dhcpv4.OptionSubnetMask,
	dhcpv4.OptionRouter,
	dhcpv4.OptionDomainNameServer,
	dhcpv4.OptionIPAddressLeaseTime,
	dhcpv4.OptionRenewTimeValue,
	dhcpv4.OptionRebindingTimeValue,
	dhcpv4.OptionClasslessStaticRoute,
}

// Client is a DHCPv4 client for one NIC.
type Client struct {
	stack    *stack.Stack
	nicid    tcpip.NICID
	linkAddr tcpip.LinkAddress
	cfg      Config
	rng      *rand.Rand

	// mu protects the fields below. Jobs and receive handling run with it
	// held; callbacks are deferred until it is released.
	mu       tcpip.DeferMutex
	state    State
	conn     *udpsock.Socket
	xid      dhcpv4.TransactionID
	started  time.Time
	offer    *dhcpv4.DHCPv4
	ack      *dhcpv4.DHCPv4
	lease    Lease
	requests int
	bo       *backoff.ExponentialBackOff
	unsub    func()

	retransmit *tcpip.Job
	renew      *tcpip.Job
	rebind     *tcpip.Job
	expire     *tcpip.Job
}

// NewClient creates a DHCPv4 client for the NIC. It does nothing until
// Start is called.
func NewClient(s *stack.Stack, nicid tcpip.NICID, cfg Config) (*Client, error) {
	info, ok := s.NICInfo()[nicid]
	if !ok {
		return nil, fmt.Errorf("dhcp: %w", tcpip.ErrUnknownNICID)
	}
	if len(info.LinkAddress) != 6 {
		return nil, fmt.Errorf("dhcp: NIC %d has no Ethernet address", nicid)
	}
	cfg.setDefaults(false)
	c := &Client{
		stack:    s,
		nicid:    nicid,
		linkAddr: info.LinkAddress,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(int64(s.RandomUint32()))),
	}
	q := s.Timers()
	c.retransmit = tcpip.NewJob(q, &c.mu, c.handleRetransmit)
	c.renew = tcpip.NewJob(q, &c.mu, c.handleRenew)
	c.rebind = tcpip.NewJob(q, &c.mu, c.handleRebind)
	c.expire = tcpip.NewJob(q, &c.mu, c.handleExpire)
	return c, nil
}

// Start opens the client's socket and begins discovery. The client follows
// the NIC: its lease is dropped when the NIC goes down and discovery starts
// over when it comes back up.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStopped {
		return fmt.Errorf("dhcp: client on NIC %d already started", c.nicid)
	}
	if err := c.openLocked(); err != nil {
		return err
	}
	c.unsub = c.stack.Subscribe(c.handleEvent)
	c.discoverLocked()
	return nil
}

func (c *Client) openLocked() error {
	conn, err := udpsock.Open(c.stack, &c.mu, udpsock.Options{
		Network:   header.IPv4ProtocolNumber,
		NIC:       c.nicid,
		Port:      ClientPort,
		Broadcast: true,
	}, c.handlePacket)
	if err != nil {
		return fmt.Errorf("dhcp: %w", err)
	}
	c.conn = conn
	c.state = StateInit
	return nil
}

// Stop cancels all timers, closes the socket and removes the configuration
// installed from the lease. The lease is not released to the server.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Client) stopLocked() {
	if c.state == StateStopped {
		return
	}
	c.resetLocked()
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	c.state = StateStopped
}

// resetLocked cancels all timers, uninstalls the lease and closes the
// socket, leaving the client in INIT.
func (c *Client) resetLocked() {
	for _, j := range []*tcpip.Job{c.retransmit, c.renew, c.rebind, c.expire} {
		j.Cancel()
	}
	c.uninstallLocked()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.offer = nil
	c.state = StateInit
}

// handleEvent resets the client when its NIC goes down and restarts
// discovery when it comes back.
func (c *Client) handleEvent(ev stack.Event) {
	e, ok := ev.(stack.NICEvent)
	if !ok || e.NIC != c.nicid {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopped {
		return
	}
	switch e.Type {
	case stack.NICDown:
		if c.conn == nil {
			return
		}
		log.Infof("dhcp: nic %d: link down in state %s", c.nicid, c.state)
		c.resetLocked()
	case stack.NICRemoved:
		log.Infof("dhcp: nic %d: removed, stopping", c.nicid)
		c.stopLocked()
	case stack.NICUp:
		if c.conn != nil {
			return
		}
		if err := c.openLocked(); err != nil {
			log.Warningf("dhcp: nic %d: reopen after link up: %v", c.nicid, err)
			return
		}
		c.discoverLocked()
	}
}

// Release sends a DHCPRELEASE for the current lease, if any, and stops the
// client.
func (c *Client) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopped {
		return nil
	}
	var sendErr error
	if c.ack != nil && !c.lease.IsZero() {
		msg, err := dhcpv4.NewReleaseFromACK(c.ack, dhcpv4.WithTransactionID(c.newXID()))
		if err != nil {
			sendErr = fmt.Errorf("dhcp: build release: %w", err)
		} else if err := c.conn.SendTo(msg.ToBytes(), tcpip.FullAddress{Addr: c.lease.Server, Port: ServerPort}); err != nil {
			sendErr = fmt.Errorf("dhcp: send release: %w", err)
		} else {
			log.Infof("dhcp: nic %d: released %s", c.nicid, c.lease.Address)
		}
	}
	c.stopLocked()
	return sendErr
}

// State returns the client's state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Lease returns the current lease. It is the zero Lease unless the client is
// bound, renewing or rebinding.
func (c *Client) Lease() Lease {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lease
}

func (c *Client) newXID() dhcpv4.TransactionID {
	var xid dhcpv4.TransactionID
	c.rng.Read(xid[:])
	return xid
}

func (c *Client) now() time.Time {
	return c.stack.Clock().Now()
}

// discoverLocked starts a new exchange from INIT.
func (c *Client) discoverLocked() {
	c.xid = c.newXID()
	c.started = c.now()
	c.offer = nil
	c.state = StateSelecting
	c.bo = newBackOff(c.stack.Clock(), c.cfg.InitialRetransmit, c.cfg.MaxRetransmit)
	log.Debugf("dhcp: nic %d: discovering, xid %x", c.nicid, c.xid[:])
	c.sendDiscoverLocked()
	c.retransmit.Schedule(c.bo.NextBackOff())
}

func (c *Client) modifiers() []dhcpv4.Modifier {
	mods := []dhcpv4.Modifier{
		dhcpv4.WithTransactionID(c.xid),
		dhcpv4.WithHwAddr(net.HardwareAddr(c.linkAddr)),
		dhcpv4.WithRequestedOptions(requestedOptions...),
	}
	if c.cfg.Hostname != "" {
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptHostName(c.cfg.Hostname)))
	}
	return mods
}

func (c *Client) secs() uint16 {
	d := c.now().Sub(c.started) / time.Second
	if d > 0xffff {
		d = 0xffff
	}
	return uint16(d)
}

func (c *Client) sendDiscoverLocked() {
	msg, err := dhcpv4.NewDiscovery(net.HardwareAddr(c.linkAddr), append(c.modifiers(), dhcpv4.WithBroadcast(true))...)
	if err != nil {
		log.Warningf("dhcp: nic %d: build discover: %v", c.nicid, err)
		return
	}
	msg.NumSeconds = c.secs()
	c.sendLocked(msg, header.IPv4Broadcast)
}

// sendRequestLocked sends the REQUEST of the current state: selecting an
// offer, or extending a lease in RENEWING (unicast to the server) and
// REBINDING (broadcast).
func (c *Client) sendRequestLocked() {
	var (
		msg *dhcpv4.DHCPv4
		err error
		dst = header.IPv4Broadcast
	)
	switch c.state {
	case StateRequesting:
		msg, err = dhcpv4.NewRequestFromOffer(c.offer, append(c.modifiers(), dhcpv4.WithBroadcast(true))...)
	case StateRenewing, StateRebinding:
		mods := append(c.modifiers(),
			dhcpv4.WithMessageType(dhcpv4.MessageTypeRequest),
			dhcpv4.WithClientIP(net.IP(c.lease.Address.Addr().AsSlice())),
		)
		msg, err = dhcpv4.New(mods...)
		if c.state == StateRenewing {
			dst = c.lease.Server
		}
	default:
		return
	}
	if err != nil {
		log.Warningf("dhcp: nic %d: build request: %v", c.nicid, err)
		return
	}
	msg.NumSeconds = c.secs()
	c.sendLocked(msg, dst)
}

func (c *Client) sendLocked(msg *dhcpv4.DHCPv4, dst netip.Addr) {
	err := c.conn.SendTo(msg.ToBytes(), tcpip.FullAddress{Addr: dst, Port: ServerPort})
	if err != nil {
		log.Debugf("dhcp: nic %d: send %s to %s: %s", c.nicid, msg.MessageType(), dst, err)
	}
}

func (c *Client) handleRetransmit() {
	switch c.state {
	case StateSelecting:
		c.sendDiscoverLocked()
		c.retransmit.Schedule(c.bo.NextBackOff())
	case StateRequesting:
		if c.requests >= c.cfg.MaxRequests {
			log.Infof("dhcp: nic %d: no ACK after %d requests, restarting", c.nicid, c.requests)
			c.discoverLocked()
			return
		}
		c.requests++
		c.sendRequestLocked()
		c.retransmit.Schedule(c.bo.NextBackOff())
	case StateRenewing:
		c.sendRequestLocked()
		c.scheduleExtendLocked(c.rebind.Remaining())
	case StateRebinding:
		c.sendRequestLocked()
		c.scheduleExtendLocked(c.expire.Remaining())
	}
}

// scheduleExtendLocked arms the RENEWING or REBINDING retransmission given
// the time left until the state's deadline.
func (c *Client) scheduleExtendLocked(left time.Duration) {
	if d, ok := retransmitWait(left); ok {
		c.retransmit.Schedule(d)
	}
}

func (c *Client) handlePacket(b []byte, from tcpip.FullAddress) {
	msg, err := dhcpv4.FromBytes(b)
	if err != nil {
		log.Debugf("dhcp: nic %d: malformed message from %s: %v", c.nicid, from, err)
		return
	}
	if msg.OpCode != dhcpv4.OpcodeBootReply || msg.TransactionID != c.xid || !bytes.Equal(msg.ClientHWAddr, []byte(c.linkAddr)) {
		return
	}
	switch typ := msg.MessageType(); {
	case typ == dhcpv4.MessageTypeOffer && c.state == StateSelecting:
		if _, ok := addrFromIP(msg.YourIPAddr); !ok {
			return
		}
		log.Debugf("dhcp: nic %d: offer of %s from %s", c.nicid, msg.YourIPAddr, from.Addr)
		c.offer = msg
		c.state = StateRequesting
		c.requests = 1
		c.bo.Reset()
		c.sendRequestLocked()
		c.retransmit.Schedule(c.bo.NextBackOff())

	case typ == dhcpv4.MessageTypeAck && (c.state == StateRequesting || c.state == StateRenewing || c.state == StateRebinding):
		c.bindLocked(msg, from.Addr)

	case typ == dhcpv4.MessageTypeNak && (c.state == StateRequesting || c.state == StateRenewing || c.state == StateRebinding):
		log.Infof("dhcp: nic %d: NAK from %s: %s", c.nicid, from.Addr, msg.Message())
		c.renew.Cancel()
		c.rebind.Cancel()
		c.expire.Cancel()
		c.uninstallLocked()
		c.state = StateInit
		c.discoverLocked()
	}
}

// leaseFromAck extracts the lease an ACK grants.
func (c *Client) leaseFromAck(ack *dhcpv4.DHCPv4, from netip.Addr) (Lease, error) {
	addr, ok := addrFromIP(ack.YourIPAddr)
	if !ok || !addr.Is4() || addr.IsUnspecified() {
		return Lease{}, fmt.Errorf("bad yiaddr %s", ack.YourIPAddr)
	}
	mask := ack.SubnetMask()
	if mask == nil {
		mask = ack.YourIPAddr.DefaultMask()
	}
	ones, bits := mask.Size()
	if bits != 32 {
		return Lease{}, fmt.Errorf("bad subnet mask %s", mask)
	}
	l := Lease{
		Address:  netip.PrefixFrom(addr, ones),
		Server:   from,
		Routers:  addrsFromIPs(ack.Router()),
		DNS:      addrsFromIPs(ack.DNS()),
		Length:   ack.IPAddressLeaseTime(0),
		Acquired: c.now(),
	}
	if sid, ok := addrFromIP(ack.ServerIdentifier()); ok && sid.Is4() {
		l.Server = sid
	}
	l.RenewAfter, l.RebindAfter = leaseTimes(l.Length, ack.IPAddressRenewalTime(0), ack.IPAddressRebindingTime(0))

	// RFC 3442: with classless static routes the Router option is
	// ignored.
	if routes := ack.ClasslessStaticRoute(); len(routes) != 0 {
		for _, r := range routes {
			dst, ok := netipx.FromStdIPNet(r.Dest)
			if !ok {
				continue
			}
			route := tcpip.Route{Destination: dst.Masked(), NIC: c.nicid, Metric: c.cfg.RouteMetric}
			if gw, ok := addrFromIP(r.Router); ok && !gw.IsUnspecified() {
				route.Gateway = gw
			}
			l.Routes = append(l.Routes, route)
		}
	} else if len(l.Routers) != 0 {
		l.Routes = append(l.Routes, tcpip.Route{
			Destination: netip.PrefixFrom(header.IPv4Any, 0),
			Gateway:     l.Routers[0],
			NIC:         c.nicid,
			Metric:      c.cfg.RouteMetric,
		})
	}
	return l, nil
}

func (c *Client) bindLocked(ack *dhcpv4.DHCPv4, from netip.Addr) {
	l, err := c.leaseFromAck(ack, from)
	if err != nil {
		log.Warningf("dhcp: nic %d: unusable ACK from %s: %v", c.nicid, from, err)
		return
	}
	c.retransmit.Cancel()

	renewed := !c.lease.IsZero() && c.lease.Address == l.Address
	if !renewed {
		c.uninstallLocked()
		if err := c.stack.AddAddressWithProperties(c.nicid, l.Address, stack.AddressProperties{Kind: stack.AddressDHCP}); err != nil && err != tcpip.ErrDuplicateAddress {
			log.Warningf("dhcp: nic %d: add address %s: %s", c.nicid, l.Address, err)
			c.discoverLocked()
			return
		}
		log.Infof("dhcp: nic %d: acquired %s from %s for %s", c.nicid, l.Address, l.Server, l.Length)
	} else {
		c.removeRoutesLocked(c.lease.Routes)
		log.Debugf("dhcp: nic %d: renewed %s for %s", c.nicid, l.Address, l.Length)
	}
	for _, r := range l.Routes {
		if err := c.stack.AddRoute(r); err != nil {
			log.Warningf("dhcp: nic %d: add route %s: %s", c.nicid, r, err)
		}
	}

	c.ack = ack
	c.lease = l
	c.state = StateBound
	if l.Length == 0 {
		c.renew.Cancel()
		c.rebind.Cancel()
		c.expire.Cancel()
	} else {
		c.renew.Schedule(l.RenewAfter)
		c.rebind.Schedule(l.RebindAfter)
		c.expire.Schedule(l.Length)
	}

	if fn := c.cfg.OnLease; fn != nil {
		c.mu.Defer(func() { fn(l) })
	}
	if fn := c.cfg.OnDNS; fn != nil && len(l.DNS) != 0 {
		dns := append([]netip.Addr(nil), l.DNS...)
		c.mu.Defer(func() { fn(dns) })
	}
}

func (c *Client) removeRoutesLocked(routes []tcpip.Route) {
	if len(routes) == 0 {
		return
	}
	c.stack.RemoveRoutes(func(r tcpip.Route) bool {
		for _, o := range routes {
			if r == o {
				return true
			}
		}
		return false
	})
}

// uninstallLocked removes the lease's address and routes from the stack.
func (c *Client) uninstallLocked() {
	if c.lease.IsZero() {
		return
	}
	c.removeRoutesLocked(c.lease.Routes)
	if err := c.stack.RemoveAddress(c.nicid, c.lease.Address.Addr()); err != nil {
		log.Debugf("dhcp: nic %d: remove %s: %s", c.nicid, c.lease.Address, err)
	}
	log.Infof("dhcp: nic %d: lost %s", c.nicid, c.lease.Address)
	c.lease = Lease{}
	c.ack = nil
	if fn := c.cfg.OnLease; fn != nil {
		c.mu.Defer(func() { fn(Lease{}) })
	}
}

func (c *Client) handleRenew() {
	if c.state != StateBound {
		return
	}
	c.state = StateRenewing
	c.xid = c.newXID()
	c.started = c.now()
	log.Debugf("dhcp: nic %d: renewing %s with %s", c.nicid, c.lease.Address, c.lease.Server)
	c.sendRequestLocked()
	c.scheduleExtendLocked(c.rebind.Remaining())
}

func (c *Client) handleRebind() {
	if c.state != StateBound && c.state != StateRenewing {
		return
	}
	c.state = StateRebinding
	c.xid = c.newXID()
	log.Debugf("dhcp: nic %d: rebinding %s", c.nicid, c.lease.Address)
	c.retransmit.Cancel()
	c.sendRequestLocked()
	c.scheduleExtendLocked(c.expire.Remaining())
}

func (c *Client) handleExpire() {
	log.Infof("dhcp: nic %d: lease on %s expired", c.nicid, c.lease.Address)
	c.retransmit.Cancel()
	c.renew.Cancel()
	c.rebind.Cancel()
	c.uninstallLocked()
	c.state = StateInit
	c.discoverLocked()
}
