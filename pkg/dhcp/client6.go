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

package dhcp

import (
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
	"osbyte.dev/netstack/pkg/log"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/adapters/udpsock"
	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/stack"
)

// DHCPv6 ports.
const (
	ServerPort6 = 547
	ClientPort6 = 546
)

// AllServersAndRelays is the group clients send every message to.
var AllServersAndRelays = netip.MustParseAddr("ff02::1:2")

// RFC 8415 section 7.6 transmission parameters. SOL_MAX_RT is the RFC 3315
// value.
const (
	solTimeout = 1 * time.Second
	solMaxRT   = 120 * time.Second
	reqTimeout = 1 * time.Second
	reqMaxRT   = 30 * time.Second
	renTimeout = 10 * time.Second
	renMaxRT   = 600 * time.Second
	rebTimeout = 10 * time.Second
	rebMaxRT   = 600 * time.Second
)

// infiniteLifetime is the 0xffffffff lifetime, as decoded by dhcpv6.
const infiniteLifetime = time.Duration(0xffffffff) * time.Second

// Client6 is a stateful DHCPv6 client leasing one non-temporary address for
// a NIC.
type Client6 struct {
	stack *stack.Stack
	nicid tcpip.NICID
	cfg   Config
	rng   *rand.Rand
	duid  dhcpv6.DUID
	iaid  [4]byte

	mu        tcpip.DeferMutex
	state     State
	conn      *udpsock.Socket
	xid       dhcpv6.TransactionID
	started   time.Time
	serverID  dhcpv6.DUID
	advertise *dhcpv6.Message
	lease     Lease
	sent      int
	bo        *backoff.ExponentialBackOff
	unsub     func()

	retransmit *tcpip.Job
	renew      *tcpip.Job
	rebind     *tcpip.Job
	expire     *tcpip.Job
}

// NewClient6 creates a DHCPv6 client for the NIC. The client identifies
// itself with a DUID-LL built from the NIC's link address, and uses the last
// four bytes of that address as the IAID.
func NewClient6(s *stack.Stack, nicid tcpip.NICID, cfg Config) (*Client6, error) {
	info, ok := s.NICInfo()[nicid]
	if !ok {
		return nil, fmt.Errorf("dhcp: %w", tcpip.ErrUnknownNICID)
	}
	if len(info.LinkAddress) != 6 {
		return nil, fmt.Errorf("dhcp: NIC %d has no Ethernet address", nicid)
	}
	cfg.setDefaults(true)
	c := &Client6{
		stack: s,
		nicid: nicid,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(int64(s.RandomUint32()))),
		duid: &dhcpv6.DUIDLL{
			HWType:        iana.HWTypeEthernet,
			LinkLayerAddr: net.HardwareAddr(info.LinkAddress),
		},
	}
	copy(c.iaid[:], info.LinkAddress[2:])
	q := s.Timers()
	c.retransmit = tcpip.NewJob(q, &c.mu, c.handleRetransmit)
	c.renew = tcpip.NewJob(q, &c.mu, c.handleRenew)
	c.rebind = tcpip.NewJob(q, &c.mu, c.handleRebind)
	c.expire = tcpip.NewJob(q, &c.mu, c.handleExpire)
	return c, nil
}

// DUID returns the client's identifier.
func (c *Client6) DUID() dhcpv6.DUID {
	return c.duid
}

// Start opens the client's socket and begins soliciting, or, with
// Config.StartOnRouterAdvert, waits for a Router Advertisement with the
// Managed flag. The lease is dropped when the NIC goes down and the client
// starts over when it comes back up.
func (c *Client6) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStopped {
		return fmt.Errorf("dhcp: DHCPv6 client on NIC %d already started", c.nicid)
	}
	if err := c.openLocked(); err != nil {
		return err
	}
	c.unsub = c.stack.Subscribe(c.handleEvent)
	c.beginLocked()
	return nil
}

func (c *Client6) openLocked() error {
	conn, err := udpsock.Open(c.stack, &c.mu, udpsock.Options{
		Network: header.IPv6ProtocolNumber,
		NIC:     c.nicid,
		Port:    ClientPort6,
	}, c.handlePacket)
	if err != nil {
		return fmt.Errorf("dhcp: %w", err)
	}
	c.conn = conn
	c.state = StateInit
	return nil
}

// beginLocked solicits from INIT unless the client waits for routers.
func (c *Client6) beginLocked() {
	if c.cfg.StartOnRouterAdvert {
		log.Debugf("dhcp: nic %d: waiting for a managed router advertisement", c.nicid)
		return
	}
	c.solicitLocked()
}

// Stop cancels all timers, closes the socket and removes the leased
// address. The lease is not released.
func (c *Client6) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Client6) stopLocked() {
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

// resetLocked cancels all timers, removes the leased address and closes the
// socket, leaving the client in INIT.
func (c *Client6) resetLocked() {
	for _, j := range []*tcpip.Job{c.retransmit, c.renew, c.rebind, c.expire} {
		j.Cancel()
	}
	c.uninstallLocked()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.advertise = nil
	c.serverID = nil
	c.state = StateInit
}

// handleEvent follows the NIC's state and, for clients waiting on routers,
// starts soliciting on the first managed Router Advertisement.
func (c *Client6) handleEvent(ev stack.Event) {
	switch e := ev.(type) {
	case stack.NICEvent:
		if e.NIC != c.nicid {
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
			c.beginLocked()
		}
	case stack.RouterAdvertEvent:
		if e.NIC != c.nicid || !e.Managed || !c.cfg.StartOnRouterAdvert {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state != StateInit || c.conn == nil {
			return
		}
		log.Infof("dhcp: nic %d: router %s advertises managed configuration", c.nicid, e.Router)
		c.solicitLocked()
	}
}

// Release sends a single Release for the leased address, if any, and stops
// the client.
func (c *Client6) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopped {
		return nil
	}
	var sendErr error
	if !c.lease.IsZero() && c.serverID != nil {
		c.newExchangeLocked()
		msg := c.messageLocked(dhcpv6.MessageTypeRelease, true)
		if err := c.sendLocked(msg); err != nil {
			sendErr = fmt.Errorf("dhcp: send release: %w", err)
		} else {
			log.Infof("dhcp: nic %d: released %s", c.nicid, c.lease.Address)
		}
	}
	c.stopLocked()
	return sendErr
}

// State returns the client's state.
func (c *Client6) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Lease returns the current lease, or the zero Lease.
func (c *Client6) Lease() Lease {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lease
}

func (c *Client6) now() time.Time {
	return c.stack.Clock().Now()
}

// newExchangeLocked starts a new transaction.
func (c *Client6) newExchangeLocked() {
	c.rng.Read(c.xid[:])
	c.started = c.now()
	c.sent = 0
}

func (c *Client6) solicitLocked() {
	c.newExchangeLocked()
	c.advertise = nil
	c.serverID = nil
	c.state = StateSelecting
	c.bo = newBackOff(c.stack.Clock(), solTimeout, solMaxRT)
	log.Debugf("dhcp: nic %d: soliciting, xid %x", c.nicid, c.xid[:])
	c.transmitLocked()
}

// messageLocked builds a message of the current transaction. withServer adds
// the Server Identifier. The IA_NA names the leased or advertised address, if
// any.
func (c *Client6) messageLocked(typ dhcpv6.MessageType, withServer bool) *dhcpv6.Message {
	msg := &dhcpv6.Message{
		MessageType:   typ,
		TransactionID: c.xid,
	}
	msg.AddOption(dhcpv6.OptClientID(c.duid))
	if withServer {
		msg.AddOption(dhcpv6.OptServerID(c.serverID))
	}
	elapsed := c.now().Sub(c.started)
	if max := 0xffff * 10 * time.Millisecond; elapsed > max {
		elapsed = max
	}
	msg.AddOption(dhcpv6.OptElapsedTime(elapsed))

	ia := &dhcpv6.OptIANA{IaId: c.iaid}
	var addr netip.Addr
	switch {
	case !c.lease.IsZero():
		addr = c.lease.Address.Addr()
	case c.advertise != nil:
		if a := c.advertise.Options.OneIANA().Options.OneAddress(); a != nil {
			addr, _ = addrFromIP(a.IPv6Addr)
		}
	}
	if addr.IsValid() {
		ia.Options.Add(&dhcpv6.OptIAAddress{IPv6Addr: net.IP(addr.AsSlice())})
	}
	msg.AddOption(ia)
	if typ != dhcpv6.MessageTypeRelease {
		msg.AddOption(dhcpv6.OptRequestedOption(dhcpv6.OptionDNSRecursiveNameServer))
	}
	return msg
}

func (c *Client6) sendLocked(msg *dhcpv6.Message) *tcpip.Error {
	err := c.conn.SendTo(msg.ToBytes(), tcpip.FullAddress{Addr: AllServersAndRelays, Port: ServerPort6})
	if err != nil {
		log.Debugf("dhcp: nic %d: send %s: %s", c.nicid, msg.MessageType, err)
	}
	return err
}

// transmitLocked sends the message of the current state and arms its
// retransmission.
func (c *Client6) transmitLocked() {
	var msg *dhcpv6.Message
	switch c.state {
	case StateSelecting:
		msg = c.messageLocked(dhcpv6.MessageTypeSolicit, false)
	case StateRequesting:
		msg = c.messageLocked(dhcpv6.MessageTypeRequest, true)
	case StateRenewing:
		msg = c.messageLocked(dhcpv6.MessageTypeRenew, true)
	case StateRebinding:
		msg = c.messageLocked(dhcpv6.MessageTypeRebind, false)
	default:
		return
	}
	c.sent++
	c.sendLocked(msg)
	c.retransmit.Schedule(c.bo.NextBackOff())
}

func (c *Client6) handleRetransmit() {
	if c.state == StateRequesting && c.sent >= c.cfg.MaxRequests {
		log.Infof("dhcp: nic %d: no reply after %d requests, soliciting again", c.nicid, c.sent)
		c.solicitLocked()
		return
	}
	c.transmitLocked()
}

func (c *Client6) handlePacket(b []byte, from tcpip.FullAddress) {
	msg, err := dhcpv6.MessageFromBytes(b)
	if err != nil {
		log.Debugf("dhcp: nic %d: malformed DHCPv6 message from %s: %v", c.nicid, from, err)
		return
	}
	if msg.TransactionID != c.xid {
		return
	}
	if cid := msg.Options.ClientID(); cid == nil || !cid.Equal(c.duid) {
		return
	}
	sid := msg.Options.ServerID()
	if sid == nil {
		return
	}
	switch {
	case msg.MessageType == dhcpv6.MessageTypeAdvertise && c.state == StateSelecting:
		if st := msg.Options.Status(); st != nil && st.StatusCode != iana.StatusSuccess {
			log.Debugf("dhcp: nic %d: advertise from %s: %s", c.nicid, from.Addr, st)
			return
		}
		ia := msg.Options.OneIANA()
		if ia == nil || ia.Options.OneAddress() == nil {
			return
		}
		log.Debugf("dhcp: nic %d: advertise of %s from %s", c.nicid, ia.Options.OneAddress().IPv6Addr, from.Addr)
		c.advertise = msg
		c.serverID = sid
		c.state = StateRequesting
		c.newExchangeLocked()
		c.bo = newBackOff(c.stack.Clock(), reqTimeout, reqMaxRT)
		c.transmitLocked()

	case msg.MessageType == dhcpv6.MessageTypeReply && (c.state == StateRequesting || c.state == StateRenewing || c.state == StateRebinding):
		c.handleReplyLocked(msg, sid, from.Addr)
	}
}

func (c *Client6) handleReplyLocked(msg *dhcpv6.Message, sid dhcpv6.DUID, from netip.Addr) {
	if st := msg.Options.Status(); st != nil && st.StatusCode != iana.StatusSuccess {
		log.Infof("dhcp: nic %d: reply from %s: %s", c.nicid, from, st)
		if c.state == StateRequesting {
			c.solicitLocked()
		}
		return
	}
	ia := msg.Options.OneIANA()
	if ia == nil {
		return
	}
	if st := ia.Options.Status(); st != nil && st.StatusCode != iana.StatusSuccess {
		log.Infof("dhcp: nic %d: IA_NA from %s: %s", c.nicid, from, st)
		c.restartLocked()
		return
	}
	a := ia.Options.OneAddress()
	if a == nil {
		return
	}
	addr, ok := addrFromIP(a.IPv6Addr)
	if !ok || !addr.Is6() || addr.IsUnspecified() {
		return
	}
	if a.ValidLifetime == 0 {
		log.Infof("dhcp: nic %d: server withdrew %s", c.nicid, addr)
		c.restartLocked()
		return
	}
	preferred, valid := a.PreferredLifetime, a.ValidLifetime
	if preferred > valid {
		preferred = valid
	}
	l := Lease{
		Address:  netip.PrefixFrom(addr, 128),
		Server:   from,
		DNS:      addrsFromIPs(msg.Options.DNS()),
		Acquired: c.now(),
	}
	if valid != infiniteLifetime {
		l.Length = valid
		l.RenewAfter, l.RebindAfter = leaseTimes6(preferred, valid, ia.T1, ia.T2)
	} else {
		valid = 0
		if preferred == infiniteLifetime {
			preferred = 0
		}
	}
	c.bindLocked(l, sid, preferred, valid)
}

// leaseTimes6 picks T1 and T2 for an IA_NA. Zero or inconsistent values from
// the server are replaced with 0.5 and 0.8 of the preferred lifetime.
func leaseTimes6(preferred, valid, t1, t2 time.Duration) (time.Duration, time.Duration) {
	if t1 == 0 || t2 == 0 || t1 > t2 || t2 >= valid {
		if preferred == 0 {
			preferred = valid
		}
		t1 = preferred / 2
		t2 = preferred * 4 / 5
	}
	return t1, t2
}

func (c *Client6) bindLocked(l Lease, sid dhcpv6.DUID, preferred, valid time.Duration) {
	c.retransmit.Cancel()
	if !c.lease.IsZero() && c.lease.Address == l.Address {
		if err := c.stack.SetAddressLifetimes(c.nicid, l.Address.Addr(), preferred, valid); err != nil {
			log.Warningf("dhcp: nic %d: update lifetimes of %s: %s", c.nicid, l.Address, err)
		}
		log.Debugf("dhcp: nic %d: extended %s for %s", c.nicid, l.Address, l.Length)
	} else {
		c.uninstallLocked()
		props := stack.AddressProperties{
			Kind:              stack.AddressDHCP,
			PreferredLifetime: preferred,
			ValidLifetime:     valid,
		}
		if err := c.stack.AddAddressWithProperties(c.nicid, l.Address, props); err != nil && err != tcpip.ErrDuplicateAddress {
			log.Warningf("dhcp: nic %d: add address %s: %s", c.nicid, l.Address, err)
			c.solicitLocked()
			return
		}
		log.Infof("dhcp: nic %d: acquired %s from %s for %s", c.nicid, l.Address, l.Server, l.Length)
	}

	c.serverID = sid
	c.advertise = nil
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

// uninstallLocked removes the leased address.
func (c *Client6) uninstallLocked() {
	if c.lease.IsZero() {
		return
	}
	if err := c.stack.RemoveAddress(c.nicid, c.lease.Address.Addr()); err != nil {
		log.Debugf("dhcp: nic %d: remove %s: %s", c.nicid, c.lease.Address, err)
	}
	log.Infof("dhcp: nic %d: lost %s", c.nicid, c.lease.Address)
	c.lease = Lease{}
	if fn := c.cfg.OnLease; fn != nil {
		c.mu.Defer(func() { fn(Lease{}) })
	}
}

// restartLocked drops any lease and solicits again.
func (c *Client6) restartLocked() {
	c.retransmit.Cancel()
	c.renew.Cancel()
	c.rebind.Cancel()
	c.expire.Cancel()
	c.uninstallLocked()
	c.state = StateInit
	c.solicitLocked()
}

func (c *Client6) handleRenew() {
	if c.state != StateBound {
		return
	}
	log.Debugf("dhcp: nic %d: renewing %s", c.nicid, c.lease.Address)
	c.state = StateRenewing
	c.newExchangeLocked()
	c.bo = newBackOff(c.stack.Clock(), renTimeout, renMaxRT)
	c.transmitLocked()
}

func (c *Client6) handleRebind() {
	if c.state != StateBound && c.state != StateRenewing {
		return
	}
	log.Debugf("dhcp: nic %d: rebinding %s", c.nicid, c.lease.Address)
	c.state = StateRebinding
	c.newExchangeLocked()
	c.bo = newBackOff(c.stack.Clock(), rebTimeout, rebMaxRT)
	c.transmitLocked()
}

func (c *Client6) handleExpire() {
	log.Infof("dhcp: nic %d: lease on %s expired", c.nicid, c.lease.Address)
	c.restartLocked()
}
