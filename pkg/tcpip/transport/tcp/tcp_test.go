// Copyright 2016 The Netstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tcp_test

import (
	"bytes"
	"math/rand"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/faketime"
	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/link/channel"
	"osbyte.dev/netstack/pkg/tcpip/stack"
	"osbyte.dev/netstack/pkg/tcpip/testutil"
	"osbyte.dev/netstack/pkg/tcpip/transport/tcp"
	"osbyte.dev/netstack/pkg/waiter"
)

const (
	loopbackNICID = 1
	testPort      = 8080

	// maxStalls bounds the number of loop iterations a transfer may go
	// without moving a byte before the test gives up.
	maxStalls = 200
)

var (
	localV4 = netip.MustParseAddr("127.0.0.1")
	localV6 = netip.IPv6Loopback()
)

type testContext struct {
	t     *testing.T
	clock *faketime.ManualClock
	s     *stack.Stack
}

func newTestContext(t *testing.T, opts tcp.Options) *testContext {
	t.Helper()
	clock := faketime.NewManualClock()
	s := stack.New(stack.Options{
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocolWithOptions(opts)},
		Clock:              clock,
	})
	if err := s.CreateLoopbackNIC(loopbackNICID, "lo"); err != nil {
		t.Fatalf("CreateLoopbackNIC(%d, lo): %s", loopbackNICID, err)
	}
	return &testContext{t: t, clock: clock, s: s}
}

func (c *testContext) open(netProto tcpip.NetworkProtocolNumber) (stack.Handle, *waiter.Queue) {
	c.t.Helper()
	var wq waiter.Queue
	h, err := c.s.Open(tcp.ProtocolNumber, netProto, &wq)
	if err != nil {
		c.t.Fatalf("Open(tcp, %d): %s", netProto, err)
	}
	return h, &wq
}

func (c *testContext) listen(netProto tcpip.NetworkProtocolNumber, addr netip.Addr, backlog int) stack.Handle {
	c.t.Helper()
	h, _ := c.open(netProto)
	if err := c.s.Bind(h, tcpip.FullAddress{Addr: addr, Port: testPort}); err != nil {
		c.t.Fatalf("Bind(%s): %s", addr, err)
	}
	if err := c.s.Listen(h, backlog); err != nil {
		c.t.Fatalf("Listen(%d): %s", backlog, err)
	}
	return h
}

func (c *testContext) connect(h stack.Handle, addr netip.Addr) {
	c.t.Helper()
	if err := c.s.Connect(h, tcpip.FullAddress{Addr: addr, Port: testPort}); err != tcpip.ErrConnectStarted {
		c.t.Fatalf("got Connect(%s) = %v, want %s", addr, err, tcpip.ErrConnectStarted)
	}
}

func (c *testContext) accept(listener stack.Handle) stack.Handle {
	c.t.Helper()
	h, _, err := c.s.Accept(listener)
	if err != nil {
		c.t.Fatalf("Accept: %s", err)
	}
	return h
}

func (c *testContext) state(h stack.Handle) tcp.EndpointState {
	c.t.Helper()
	st, err := c.s.State(h)
	if err != nil {
		c.t.Fatalf("State(%s): %s", h, err)
	}
	return tcp.EndpointState(st)
}

// connectedPair returns both ends of an established loopback connection.
func (c *testContext) connectedPair(netProto tcpip.NetworkProtocolNumber, addr netip.Addr) (client, server stack.Handle) {
	c.t.Helper()
	listener := c.listen(netProto, addr, 10)
	client, _ = c.open(netProto)
	c.connect(client, addr)
	return client, c.accept(listener)
}

// advance moves the clock forward by d, running every timer that falls due
// on the way.
func (c *testContext) advance(d time.Duration) {
	end := c.clock.NowMonotonic().Add(d)
	for {
		next, ok := c.s.NextDeadline()
		if !ok || next.After(end) {
			c.clock.Advance(end.Sub(c.clock.NowMonotonic()))
			c.s.Tick()
			return
		}
		if wait := next.Sub(c.clock.NowMonotonic()); wait > 0 {
			c.clock.Advance(wait)
		}
		c.s.Tick()
	}
}

func makePayload(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func TestLoopbackConnect(t *testing.T) {
	for _, test := range []struct {
		name     string
		netProto tcpip.NetworkProtocolNumber
		addr     netip.Addr
	}{
		{name: "IPv4", netProto: header.IPv4ProtocolNumber, addr: localV4},
		{name: "IPv6", netProto: header.IPv6ProtocolNumber, addr: localV6},
	} {
		t.Run(test.name, func(t *testing.T) {
			c := newTestContext(t, tcp.DefaultOptions())
			listener := c.listen(test.netProto, test.addr, 10)
			client, clientWQ := c.open(test.netProto)

			we, ch := waiter.NewChannelEntry(waiter.EventOut)
			clientWQ.EventRegister(&we)
			defer clientWQ.EventUnregister(&we)

			c.connect(client, test.addr)

			// Loopback handshakes finish before Connect returns.
			select {
			case <-ch:
			default:
				t.Fatalf("client was not notified of the connection")
			}
			if got, want := c.state(client), tcp.StateEstablished; got != want {
				t.Fatalf("got client state = %s, want %s", got, want)
			}
			if got := c.s.Readiness(listener, waiter.EventIn); got != waiter.EventIn {
				t.Errorf("got listener Readiness = %#x, want EventIn", got)
			}
			if got, want := c.s.Stats().TCP.ActiveConnectionOpenings.Value(), uint64(1); got != want {
				t.Errorf("got ActiveConnectionOpenings = %d, want %d", got, want)
			}

			server := c.accept(listener)
			if got, want := c.state(server), tcp.StateEstablished; got != want {
				t.Fatalf("got server state = %s, want %s", got, want)
			}
			if _, _, err := c.s.Accept(listener); err != tcpip.ErrWouldBlock {
				t.Errorf("got second Accept = %v, want %s", err, tcpip.ErrWouldBlock)
			}
			if got, want := c.s.Stats().TCP.CurrentEstablished.Value(), uint64(2); got != want {
				t.Errorf("got CurrentEstablished = %d, want %d", got, want)
			}

			clientAddr, err := c.s.LocalAddress(client)
			if err != nil {
				t.Fatalf("LocalAddress(client): %s", err)
			}
			peer, err := c.s.RemoteAddress(server)
			if err != nil {
				t.Fatalf("RemoteAddress(server): %s", err)
			}
			if got, want := peer.AddrPort(), clientAddr.AddrPort(); got != want {
				t.Errorf("got server peer = %s, want %s", got, want)
			}

			buf := make([]byte, 64)
			for _, dir := range []struct {
				from, to stack.Handle
				msg      string
			}{
				{from: client, to: server, msg: "ping"},
				{from: server, to: client, msg: "pong"},
			} {
				if _, err := c.s.Recv(dir.to, buf); err != tcpip.ErrWouldBlock {
					t.Fatalf("got Recv before Send = %v, want %s", err, tcpip.ErrWouldBlock)
				}
				if _, err := c.s.Send(dir.from, []byte(dir.msg)); err != nil {
					t.Fatalf("Send(%q): %s", dir.msg, err)
				}
				n, err := c.s.Recv(dir.to, buf)
				if err != nil {
					t.Fatalf("Recv: %s", err)
				}
				if got := string(buf[:n]); got != dir.msg {
					t.Errorf("got Recv = %q, want %q", got, dir.msg)
				}
			}
		})
	}
}

func TestConnectRefused(t *testing.T) {
	c := newTestContext(t, tcp.DefaultOptions())
	client, clientWQ := c.open(header.IPv4ProtocolNumber)

	we, ch := waiter.NewChannelEntry(waiter.EventErr)
	clientWQ.EventRegister(&we)
	defer clientWQ.EventUnregister(&we)

	c.connect(client, localV4)

	select {
	case <-ch:
	default:
		t.Fatalf("client was not notified of the failure")
	}
	if err := c.s.LastError(client); err != tcpip.ErrConnectionRefused {
		t.Errorf("got LastError = %v, want %s", err, tcpip.ErrConnectionRefused)
	}
	if got, want := c.state(client), tcp.StateClose; got != want {
		t.Errorf("got state = %s, want %s", got, want)
	}
	if got := c.s.Stats().TCP.ResetsSent.Value(); got != 1 {
		t.Errorf("got ResetsSent = %d, want 1", got)
	}
}

func TestEndpointErrors(t *testing.T) {
	c := newTestContext(t, tcp.DefaultOptions())
	h, _ := c.open(header.IPv4ProtocolNumber)

	buf := make([]byte, 8)
	if _, err := c.s.Send(h, []byte("x")); err != tcpip.ErrNotConnected {
		t.Errorf("got Send(unconnected) = %v, want %s", err, tcpip.ErrNotConnected)
	}
	if _, err := c.s.Recv(h, buf); err != tcpip.ErrNotConnected {
		t.Errorf("got Recv(unconnected) = %v, want %s", err, tcpip.ErrNotConnected)
	}
	if err := c.s.Connect(h, tcpip.FullAddress{Addr: localV6, Port: testPort}); err != tcpip.ErrAddressFamilyMismatch {
		t.Errorf("got Connect(IPv6 on IPv4) = %v, want %s", err, tcpip.ErrAddressFamilyMismatch)
	}
	if err := c.s.Bind(h, tcpip.FullAddress{Addr: localV4, Port: testPort}); err != nil {
		t.Fatalf("Bind: %s", err)
	}
	if err := c.s.Bind(h, tcpip.FullAddress{Addr: localV4, Port: testPort}); err != tcpip.ErrAlreadyBound {
		t.Errorf("got second Bind = %v, want %s", err, tcpip.ErrAlreadyBound)
	}

	other, _ := c.open(header.IPv4ProtocolNumber)
	if err := c.s.Bind(other, tcpip.FullAddress{Addr: localV4, Port: testPort}); err != tcpip.ErrPortInUse {
		t.Errorf("got Bind(used port) = %v, want %s", err, tcpip.ErrPortInUse)
	}

	if err := c.s.Listen(h, 1); err != nil {
		t.Fatalf("Listen: %s", err)
	}
	if err := c.s.Connect(h, tcpip.FullAddress{Addr: localV4, Port: testPort}); err != tcpip.ErrInvalidEndpointState {
		t.Errorf("got Connect(listener) = %v, want %s", err, tcpip.ErrInvalidEndpointState)
	}

	client, _ := c.open(header.IPv4ProtocolNumber)
	c.connect(client, localV4)
	if err := c.s.Connect(client, tcpip.FullAddress{Addr: localV4, Port: testPort}); err != tcpip.ErrAlreadyConnected {
		t.Errorf("got second Connect = %v, want %s", err, tcpip.ErrAlreadyConnected)
	}
	if err := c.s.Listen(client, 1); err != tcpip.ErrInvalidEndpointState {
		t.Errorf("got Listen(connected) = %v, want %s", err, tcpip.ErrInvalidEndpointState)
	}

	if err := c.s.Close(other); err != nil {
		t.Fatalf("Close: %s", err)
	}
	if _, err := c.s.Send(other, []byte("x")); err != tcpip.ErrInvalidHandle {
		t.Errorf("got Send(closed handle) = %v, want %s", err, tcpip.ErrInvalidHandle)
	}
}

func TestResetAfterPeerClosed(t *testing.T) {
	c := newTestContext(t, tcp.DefaultOptions())
	client, server := c.connectedPair(header.IPv4ProtocolNumber, localV4)

	if err := c.s.Close(server); err != nil {
		t.Fatalf("Close(server): %s", err)
	}
	if got, want := c.state(client), tcp.StateCloseWait; got != want {
		t.Fatalf("got client state = %s, want %s", got, want)
	}

	buf := make([]byte, 8)
	if _, err := c.s.Recv(client, buf); err != tcpip.ErrClosedForReceive {
		t.Errorf("got Recv after FIN = %v, want %s", err, tcpip.ErrClosedForReceive)
	}

	// The server is gone, so data sent to it is answered with a reset.
	if _, err := c.s.Send(client, []byte("late")); err != nil {
		t.Fatalf("Send: %s", err)
	}
	if _, err := c.s.Send(client, []byte("later")); err != tcpip.ErrConnectionReset {
		t.Errorf("got Send after reset = %v, want %s", err, tcpip.ErrConnectionReset)
	}
	if got, want := c.state(client), tcp.StateClose; got != want {
		t.Errorf("got client state = %s, want %s", got, want)
	}

	stats := c.s.Stats().TCP
	if got := stats.ResetsSent.Value(); got != 1 {
		t.Errorf("got ResetsSent = %d, want 1", got)
	}
	if got := stats.ResetsReceived.Value(); got != 1 {
		t.Errorf("got ResetsReceived = %d, want 1", got)
	}
	if got := stats.EstablishedResets.Value(); got != 1 {
		t.Errorf("got EstablishedResets = %d, want 1", got)
	}
	if got := stats.CurrentEstablished.Value(); got != 0 {
		t.Errorf("got CurrentEstablished = %d, want 0", got)
	}
}

func TestOrderlyCloseTimeWait(t *testing.T) {
	c := newTestContext(t, tcp.DefaultOptions())
	client, server := c.connectedPair(header.IPv4ProtocolNumber, localV4)

	if err := c.s.Shutdown(client, tcpip.ShutdownWrite); err != nil {
		t.Fatalf("Shutdown(client, write): %s", err)
	}
	if got, want := c.state(client), tcp.StateFinWait2; got != want {
		t.Fatalf("got client state = %s, want %s", got, want)
	}
	if got, want := c.state(server), tcp.StateCloseWait; got != want {
		t.Fatalf("got server state = %s, want %s", got, want)
	}
	if _, err := c.s.Send(client, []byte("x")); err != tcpip.ErrClosedForSend {
		t.Errorf("got Send after shutdown = %v, want %s", err, tcpip.ErrClosedForSend)
	}

	// The half-closed server can still send.
	if _, err := c.s.Send(server, []byte("bye")); err != nil {
		t.Fatalf("Send(server): %s", err)
	}
	buf := make([]byte, 8)
	if n, err := c.s.Recv(client, buf); err != nil || string(buf[:n]) != "bye" {
		t.Fatalf("got Recv = (%q, %v), want (%q, nil)", buf[:n], err, "bye")
	}

	if err := c.s.Close(server); err != nil {
		t.Fatalf("Close(server): %s", err)
	}
	if got, want := c.state(client), tcp.StateTimeWait; got != want {
		t.Fatalf("got client state = %s, want %s", got, want)
	}
	if _, err := c.s.Recv(client, buf); err != tcpip.ErrClosedForReceive {
		t.Errorf("got Recv after FIN = %v, want %s", err, tcpip.ErrClosedForReceive)
	}

	c.advance(tcp.DefaultTCPTimeWaitTimeout - time.Second)
	if got, want := c.state(client), tcp.StateTimeWait; got != want {
		t.Fatalf("got client state before timeout = %s, want %s", got, want)
	}
	c.advance(2 * time.Second)
	if got, want := c.state(client), tcp.StateClose; got != want {
		t.Errorf("got client state after timeout = %s, want %s", got, want)
	}
}

func TestListenBacklogOverflow(t *testing.T) {
	c := newTestContext(t, tcp.DefaultOptions())
	listener := c.listen(header.IPv4ProtocolNumber, localV4, 1)

	first, _ := c.open(header.IPv4ProtocolNumber)
	c.connect(first, localV4)
	if got, want := c.state(first), tcp.StateEstablished; got != want {
		t.Fatalf("got first state = %s, want %s", got, want)
	}

	second, _ := c.open(header.IPv4ProtocolNumber)
	c.connect(second, localV4)
	if got, want := c.state(second), tcp.StateSynSent; got != want {
		t.Fatalf("got second state = %s, want %s", got, want)
	}
	if got := c.s.Stats().TCP.ListenOverflowSynDrop.Value(); got != 1 {
		t.Errorf("got ListenOverflowSynDrop = %d, want 1", got)
	}

	c.accept(listener)

	// The retransmitted SYN finds room in the queue.
	c.advance(tcp.DefaultInitialRTO)
	if got, want := c.state(second), tcp.StateEstablished; got != want {
		t.Fatalf("got second state after retransmit = %s, want %s", got, want)
	}
	c.accept(listener)
	if got := c.s.Stats().TCP.ListenOverflowSynDrop.Value(); got != 1 {
		t.Errorf("got ListenOverflowSynDrop = %d, want 1", got)
	}
}

// transfer sends payload from src to dst and returns what dst read. pump,
// if set, runs after every send; idle runs whenever a pass moves no data.
func transfer(t *testing.T, s, sd *stack.Stack, src, dst stack.Handle, payload []byte, pump, idle func()) []byte {
	t.Helper()
	var (
		sent   int
		got    []byte
		stalls int
		buf    = make([]byte, 64<<10)
	)
	for len(got) < len(payload) {
		progress := false
		if sent < len(payload) {
			n, err := s.Send(src, payload[sent:])
			switch err {
			case nil:
				sent += n
				progress = n > 0
			case tcpip.ErrWouldBlock:
			default:
				t.Fatalf("Send after %d bytes: %s", sent, err)
			}
		}
		if pump != nil {
			pump()
		}
		for {
			n, err := sd.Recv(dst, buf)
			if err == tcpip.ErrWouldBlock {
				break
			}
			if err != nil {
				t.Fatalf("Recv after %d bytes: %s", len(got), err)
			}
			got = append(got, buf[:n]...)
			progress = true
		}
		if progress {
			stalls = 0
			continue
		}
		if stalls++; stalls > maxStalls {
			t.Fatalf("transfer stalled after %d of %d bytes (sent %d)", len(got), len(payload), sent)
		}
		idle()
	}
	return got
}

func TestLoopbackLargeTransfer(t *testing.T) {
	c := newTestContext(t, tcp.DefaultOptions())
	client, server := c.connectedPair(header.IPv4ProtocolNumber, localV4)

	payload := makePayload(1<<20, 1)
	got := transfer(t, c.s, c.s, client, server, payload, nil, func() { c.advance(100 * time.Millisecond) })
	if !bytes.Equal(got, payload) {
		t.Fatalf("received data differs from sent data")
	}
}

func TestZeroWindowProbe(t *testing.T) {
	c := newTestContext(t, tcp.DefaultOptions())
	listener, _ := c.open(header.IPv4ProtocolNumber)
	rcvBuf := tcpip.ReceiveBufferSizeOption(tcp.MinBufferSize)
	if err := c.s.SetSockOpt(listener, &rcvBuf); err != nil {
		t.Fatalf("SetSockOpt(%T): %s", rcvBuf, err)
	}
	if err := c.s.Bind(listener, tcpip.FullAddress{Addr: localV4, Port: testPort}); err != nil {
		t.Fatalf("Bind: %s", err)
	}
	if err := c.s.Listen(listener, 1); err != nil {
		t.Fatalf("Listen: %s", err)
	}
	client, _ := c.open(header.IPv4ProtocolNumber)
	c.connect(client, localV4)
	server := c.accept(listener)

	payload := makePayload(4*tcp.MinBufferSize, 2)
	if n, err := c.s.Send(client, payload); err != nil || n != len(payload) {
		t.Fatalf("got Send = (%d, %v), want (%d, nil)", n, err, len(payload))
	}

	// The server's buffer is full and its window closed; the client probes.
	c.advance(time.Second)
	if got := c.s.Stats().TCP.OutOfWindowSegments.Value(); got == 0 {
		t.Errorf("got OutOfWindowSegments = 0, want probes dropped by the closed window")
	}
	if got, want := c.state(client), tcp.StateEstablished; got != want {
		t.Fatalf("got client state = %s, want %s", got, want)
	}

	var (
		got    []byte
		buf    = make([]byte, 1024)
		stalls int
	)
	for len(got) < len(payload) {
		n, err := c.s.Recv(server, buf)
		switch err {
		case nil:
			got = append(got, buf[:n]...)
			stalls = 0
			continue
		case tcpip.ErrWouldBlock:
		default:
			t.Fatalf("Recv after %d bytes: %s", len(got), err)
		}
		if stalls++; stalls > maxStalls {
			t.Fatalf("stalled after %d of %d bytes", len(got), len(payload))
		}
		c.advance(100 * time.Millisecond)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("received data differs from sent data")
	}
}

func newPair(t *testing.T, opts tcp.Options) *testutil.Pair {
	t.Helper()
	p, err := testutil.NewPair(testutil.PairOptions{
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocolWithOptions(opts)},
		Seed:               7,
	})
	if err != nil {
		t.Fatalf("NewPair: %s", err)
	}
	return p
}

// connectPair connects a socket on p.A to a listener on p.B and returns both
// ends.
func connectPair(t *testing.T, p *testutil.Pair) (client, server stack.Handle) {
	t.Helper()
	var lwq, cwq waiter.Queue
	listener, err := p.B.Open(tcp.ProtocolNumber, header.IPv4ProtocolNumber, &lwq)
	if err != nil {
		t.Fatalf("Open(listener): %s", err)
	}
	if err := p.B.Bind(listener, tcpip.FullAddress{Port: testPort}); err != nil {
		t.Fatalf("Bind: %s", err)
	}
	if err := p.B.Listen(listener, 10); err != nil {
		t.Fatalf("Listen: %s", err)
	}
	client, err = p.A.Open(tcp.ProtocolNumber, header.IPv4ProtocolNumber, &cwq)
	if err != nil {
		t.Fatalf("Open(client): %s", err)
	}
	if err := p.A.Connect(client, tcpip.FullAddress{Addr: testutil.Prefix2.Addr(), Port: testPort}); err != tcpip.ErrConnectStarted {
		t.Fatalf("got Connect = %v, want %s", err, tcpip.ErrConnectStarted)
	}
	p.Wire.Pump()
	st, err := p.A.State(client)
	if err != nil || tcp.EndpointState(st) != tcp.StateEstablished {
		t.Fatalf("got client State = (%s, %v), want %s", tcp.EndpointState(st), err, tcp.StateEstablished)
	}
	server, _, err = p.B.Accept(listener)
	if err != nil {
		t.Fatalf("Accept: %s", err)
	}
	return client, server
}

func TestRetransmitTimeout(t *testing.T) {
	opts := tcp.DefaultOptions()
	opts.MaxRetries = 3
	p := newPair(t, opts)
	client, _ := connectPair(t, p)

	p.Wire.SetImpairment(testutil.Impairment{Loss: 1})
	if _, err := p.A.Send(client, []byte("into the void")); err != nil {
		t.Fatalf("Send: %s", err)
	}
	p.Wire.Pump()

	p.Advance(10 * time.Second)
	if err := p.A.LastError(client); err != tcpip.ErrTimeout {
		t.Errorf("got LastError = %v, want %s", err, tcpip.ErrTimeout)
	}
	st, err := p.A.State(client)
	if err != nil {
		t.Fatalf("State: %s", err)
	}
	if got, want := tcp.EndpointState(st), tcp.StateClose; got != want {
		t.Errorf("got state = %s, want %s", got, want)
	}
	stats := p.A.Stats().TCP
	if got, want := stats.Timeouts.Value(), uint64(opts.MaxRetries+1); got != want {
		t.Errorf("got Timeouts = %d, want %d", got, want)
	}
	if got, want := stats.Retransmits.Value(), uint64(opts.MaxRetries); got != want {
		t.Errorf("got Retransmits = %d, want %d", got, want)
	}
}

func TestTransferOverImpairedWire(t *testing.T) {
	p := newPair(t, tcp.DefaultOptions())
	client, server := connectPair(t, p)

	p.Wire.SetImpairment(testutil.Impairment{
		Loss:      0.05,
		Duplicate: 0.05,
		Reorder:   0.1,
	})
	payload := makePayload(200<<10, 3)
	got := transfer(t, p.A, p.B, client, server, payload, p.Wire.Pump, func() {
		p.Advance(100 * time.Millisecond)
	})
	if !bytes.Equal(got, payload) {
		t.Fatalf("received data differs from sent data")
	}
	if p.Wire.Dropped == 0 {
		t.Errorf("wire dropped nothing; the impairment was not applied")
	}
	if got := p.A.Stats().TCP.Retransmits.Value(); got == 0 {
		t.Errorf("got Retransmits = 0, want losses repaired by retransmission")
	}
}

// lastTCP reads every frame queued on ep and returns the last TCP segment
// with its frame.
func lastTCP(t *testing.T, ep *channel.Endpoint) ([]byte, *layers.TCP) {
	t.Helper()
	var (
		frame []byte
		seg   *layers.TCP
	)
	for {
		p, ok := ep.Read()
		if !ok {
			break
		}
		pkt := gopacket.NewPacket(p.Frame, layers.LayerTypeEthernet, gopacket.Default)
		if l, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
			frame, seg = p.Frame, l
		}
	}
	if seg == nil {
		t.Fatalf("no TCP segment queued")
	}
	return frame, seg
}

// resetFrom builds a reset from B answering seg, which A sent. Its sequence
// number is the one A expects next.
func resetFrom(seg *layers.TCP) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr(testutil.LinkAddr2),
		DstMAC:       net.HardwareAddr(testutil.LinkAddr1),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    testutil.Prefix2.Addr().AsSlice(),
		DstIP:    testutil.Prefix1.Addr().AsSlice(),
	}
	rst := &layers.TCP{
		SrcPort: seg.DstPort,
		DstPort: seg.SrcPort,
		Seq:     seg.Ack,
		RST:     true,
	}
	if err := rst.SetNetworkLayerForChecksum(ip); err != nil {
		panic(err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, rst); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func TestResetWhileClosing(t *testing.T) {
	for _, test := range []struct {
		name string
		// closeDown half closes both ends and leaves A's last segment
		// queued on LinkA.
		closeDown func(t *testing.T, p *testutil.Pair, client, server stack.Handle)
		want      tcp.EndpointState
	}{
		{
			name: "last ack",
			closeDown: func(t *testing.T, p *testutil.Pair, client, server stack.Handle) {
				if err := p.B.Shutdown(server, tcpip.ShutdownWrite); err != nil {
					t.Fatalf("Shutdown(server, write): %s", err)
				}
				p.Wire.Pump()
				if err := p.A.Shutdown(client, tcpip.ShutdownWrite); err != nil {
					t.Fatalf("Shutdown(client, write): %s", err)
				}
			},
			want: tcp.StateLastAck,
		},
		{
			name: "time wait",
			closeDown: func(t *testing.T, p *testutil.Pair, client, server stack.Handle) {
				if err := p.A.Shutdown(client, tcpip.ShutdownWrite); err != nil {
					t.Fatalf("Shutdown(client, write): %s", err)
				}
				p.Wire.Pump()
				if err := p.B.Shutdown(server, tcpip.ShutdownWrite); err != nil {
					t.Fatalf("Shutdown(server, write): %s", err)
				}
				fin, _ := lastTCP(t, p.LinkB)
				p.LinkA.InjectInbound(fin)
				p.A.Tick()
			},
			want: tcp.StateTimeWait,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			p := newPair(t, tcp.DefaultOptions())
			client, server := connectPair(t, p)

			test.closeDown(t, p, client, server)
			st, err := p.A.State(client)
			if err != nil {
				t.Fatalf("State: %s", err)
			}
			if got := tcp.EndpointState(st); got != test.want {
				t.Fatalf("got client state = %s, want %s", got, test.want)
			}

			_, seg := lastTCP(t, p.LinkA)
			p.LinkA.InjectInbound(resetFrom(seg))
			p.A.Tick()

			if st, err := p.A.State(client); err != nil || tcp.EndpointState(st) != tcp.StateClose {
				t.Errorf("got client state = (%s, %v) after a reset, want %s", tcp.EndpointState(st), err, tcp.StateClose)
			}
			if _, err := p.A.Recv(client, make([]byte, 8)); err != tcpip.ErrConnectionReset {
				t.Errorf("got Recv after a reset = %v, want %s", err, tcpip.ErrConnectionReset)
			}
			if got := p.A.Stats().TCP.ResetsReceived.Value(); got != 1 {
				t.Errorf("got ResetsReceived = %d, want 1", got)
			}
		})
	}
}

// carry moves every frame queued on from to to, skipping those drop
// selects. It returns the TCP segments that were moved.
func carry(from, to *channel.Endpoint, drop func(*layers.TCP) bool) []*layers.TCP {
	var moved []*layers.TCP
	for {
		p, ok := from.Read()
		if !ok {
			return moved
		}
		pkt := gopacket.NewPacket(p.Frame, layers.LayerTypeEthernet, gopacket.Default)
		seg, _ := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if seg != nil && drop != nil && drop(seg) {
			continue
		}
		if seg != nil {
			moved = append(moved, seg)
		}
		to.InjectInbound(p.Frame)
	}
}

func TestFastRetransmit(t *testing.T) {
	const nDupAcks = 3
	p := newPair(t, tcp.DefaultOptions())
	client, server := connectPair(t, p)

	payload := makePayload(6000, 5)
	if n, err := p.A.Send(client, payload); err != nil || n != len(payload) {
		t.Fatalf("got Send = (%d, %v), want (%d, nil)", n, err, len(payload))
	}

	// The first data segment is lost; the rest reach B out of order.
	var lost *layers.TCP
	sent := carry(p.LinkA, p.LinkB, func(seg *layers.TCP) bool {
		if lost == nil && len(seg.Payload) > 0 {
			lost = seg
			return true
		}
		return false
	})
	if lost == nil || len(sent) < nDupAcks {
		t.Fatalf("got %d segments after the lost one, want at least %d", len(sent), nDupAcks)
	}
	p.B.Tick()

	acks := carry(p.LinkB, p.LinkA, nil)
	if len(acks) < nDupAcks {
		t.Fatalf("got %d ACKs from B, want at least %d duplicates", len(acks), nDupAcks)
	}
	for _, ack := range acks {
		if ack.Ack != lost.Seq {
			t.Errorf("got ACK %d, want a duplicate ACK of %d", ack.Ack, lost.Seq)
		}
	}
	p.A.Tick()

	// No time has passed, so only the duplicate ACKs could have caused the
	// retransmission.
	stats := p.A.Stats().TCP
	if got := stats.FastRetransmit.Value(); got != 1 {
		t.Errorf("got FastRetransmit = %d, want 1", got)
	}
	if got := stats.Timeouts.Value(); got != 0 {
		t.Errorf("got Timeouts = %d, want 0", got)
	}
	var resent []*layers.TCP
	carry(p.LinkA, p.LinkB, func(seg *layers.TCP) bool {
		if len(seg.Payload) > 0 {
			resent = append(resent, seg)
		}
		return false
	})
	if len(resent) == 0 || resent[0].Seq != lost.Seq || !bytes.Equal(resent[0].Payload, lost.Payload) {
		t.Fatalf("got retransmissions %d, want the lost segment at %d first", len(resent), lost.Seq)
	}

	p.Wire.Pump()
	got := make([]byte, len(payload))
	n, err := p.B.Recv(server, got)
	if err != nil {
		t.Fatalf("Recv: %s", err)
	}
	if !bytes.Equal(got[:n], payload) {
		t.Errorf("got %d bytes differing from the %d sent", n, len(payload))
	}
}
