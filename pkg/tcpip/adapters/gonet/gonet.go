// Copyright 2016 The Netstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gonet provides a Go net package compatible wrapper for a tcpip stack.
//
// Blocking calls wait for readiness on the socket's waiter.Queue. They only
// make progress while another goroutine feeds frames to the stack and drives
// Stack.Tick.
package gonet

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/stack"
	"osbyte.dev/netstack/pkg/tcpip/transport/tcp"
	"osbyte.dev/netstack/pkg/tcpip/transport/udp"
	"osbyte.dev/netstack/pkg/waiter"
)

// DefaultBacklog is the accept queue length of listeners.
const DefaultBacklog = 64

// timeoutError is how the net package reports timeouts.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

func (e *timeoutError) Is(target error) bool {
	return target == os.ErrDeadlineExceeded
}

// A Listener is a wrapper around a listening TCP socket that implements
// net.Listener.
type Listener struct {
	stack *stack.Stack
	h     stack.Handle
	wq    *waiter.Queue

	closeOnce sync.Once
	cancel    chan struct{}
}

// ListenTCP creates a TCP socket bound to addr and listening on it.
func ListenTCP(s *stack.Stack, addr tcpip.FullAddress, network tcpip.NetworkProtocolNumber) (*Listener, error) {
	wq := &waiter.Queue{}
	h, err := s.Open(tcp.ProtocolNumber, network, wq)
	if err != nil {
		return nil, &net.OpError{Op: "listen", Net: "tcp", Addr: fullToTCPAddr(addr), Err: err}
	}
	if err := s.Bind(h, addr); err != nil {
		s.Close(h)
		return nil, &net.OpError{Op: "bind", Net: "tcp", Addr: fullToTCPAddr(addr), Err: err}
	}
	if err := s.Listen(h, DefaultBacklog); err != nil {
		s.Close(h)
		return nil, &net.OpError{Op: "listen", Net: "tcp", Addr: fullToTCPAddr(addr), Err: err}
	}
	return &Listener{
		stack:  s,
		h:      h,
		wq:     wq,
		cancel: make(chan struct{}),
	}, nil
}

// Close implements net.Listener.Close. Pending Accept calls return
// net.ErrClosed.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.cancel)
		l.stack.Close(l.h)
	})
	return nil
}

// Addr implements net.Listener.Addr.
func (l *Listener) Addr() net.Addr {
	a, err := l.stack.LocalAddress(l.h)
	if err != nil {
		return nil
	}
	return fullToTCPAddr(a)
}

// Accept implements net.Listener.Accept.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case <-l.cancel:
		return nil, l.acceptError(net.ErrClosed)
	default:
	}
	h, wq, err := l.stack.Accept(l.h)
	if err == tcpip.ErrWouldBlock {
		waitEntry, notifyCh := waiter.NewChannelEntry(waiter.EventIn)
		l.wq.EventRegister(&waitEntry)
		defer l.wq.EventUnregister(&waitEntry)
		for {
			h, wq, err = l.stack.Accept(l.h)
			if err != tcpip.ErrWouldBlock {
				break
			}
			select {
			case <-l.cancel:
				return nil, l.acceptError(net.ErrClosed)
			case <-notifyCh:
			}
		}
	}
	if err != nil {
		return nil, l.acceptError(err)
	}
	return newConn(l.stack, h, wq), nil
}

func (l *Listener) acceptError(err error) error {
	return &net.OpError{Op: "accept", Net: "tcp", Addr: l.Addr(), Err: err}
}

type deadlineTimer struct {
	// mu protects the fields below.
	mu sync.Mutex

	readTimer     *time.Timer
	readCancelCh  chan struct{}
	writeTimer    *time.Timer
	writeCancelCh chan struct{}
}

func (d *deadlineTimer) init() {
	d.readCancelCh = make(chan struct{})
	d.writeCancelCh = make(chan struct{})
}

func (d *deadlineTimer) readCancel() <-chan struct{} {
	d.mu.Lock()
	c := d.readCancelCh
	d.mu.Unlock()
	return c
}

func (d *deadlineTimer) writeCancel() <-chan struct{} {
	d.mu.Lock()
	c := d.writeCancelCh
	d.mu.Unlock()
	return c
}

// setDeadline contains the shared logic for setting a deadline.
//
// cancelCh and timer must be pointers to deadlineTimer.readCancelCh and
// deadlineTimer.readTimer or deadlineTimer.writeCancelCh and
// deadlineTimer.writeTimer.
//
// setDeadline must only be called while holding d.mu.
func (d *deadlineTimer) setDeadline(cancelCh *chan struct{}, timer **time.Timer, t time.Time) {
	if *timer != nil && !(*timer).Stop() {
		*cancelCh = make(chan struct{})
	}

	// Create a new channel if we already closed it due to setting an already
	// expired time. We won't race with the timer because we already handled
	// that above.
	select {
	case <-*cancelCh:
		*cancelCh = make(chan struct{})
	default:
	}

	// "A zero value for t means I/O operations will not time out."
	// - net.Conn.SetDeadline
	if t.IsZero() {
		return
	}

	timeout := time.Until(t)
	if timeout <= 0 {
		close(*cancelCh)
		return
	}

	// Timer.Stop returns whether or not the AfterFunc has started, but
	// does not indicate whether or not it has completed. Make a copy of
	// the cancel channel to prevent this code from racing with the next
	// call of setDeadline replacing *cancelCh.
	ch := *cancelCh
	*timer = time.AfterFunc(timeout, func() {
		close(ch)
	})
}

// SetReadDeadline implements net.Conn.SetReadDeadline and
// net.PacketConn.SetReadDeadline.
func (d *deadlineTimer) SetReadDeadline(t time.Time) error {
	d.mu.Lock()
	d.setDeadline(&d.readCancelCh, &d.readTimer, t)
	d.mu.Unlock()
	return nil
}

// SetWriteDeadline implements net.Conn.SetWriteDeadline and
// net.PacketConn.SetWriteDeadline.
func (d *deadlineTimer) SetWriteDeadline(t time.Time) error {
	d.mu.Lock()
	d.setDeadline(&d.writeCancelCh, &d.writeTimer, t)
	d.mu.Unlock()
	return nil
}

// SetDeadline implements net.Conn.SetDeadline and net.PacketConn.SetDeadline.
func (d *deadlineTimer) SetDeadline(t time.Time) error {
	d.mu.Lock()
	d.setDeadline(&d.readCancelCh, &d.readTimer, t)
	d.setDeadline(&d.writeCancelCh, &d.writeTimer, t)
	d.mu.Unlock()
	return nil
}

// socket is the state shared by Conn and UDPConn.
type socket struct {
	deadlineTimer

	stack *stack.Stack
	h     stack.Handle
	wq    *waiter.Queue

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *socket) init(s *stack.Stack, h stack.Handle, wq *waiter.Queue) {
	c.stack = s
	c.h = h
	c.wq = wq
	c.closed = make(chan struct{})
	c.deadlineTimer.init()
}

// wait calls op until it stops returning ErrWouldBlock, waiting for mask
// between calls. It returns errClosed if the socket is closed meanwhile and
// a timeoutError once deadline passes.
func (c *socket) wait(mask waiter.EventMask, deadline <-chan struct{}, op func() *tcpip.Error) error {
	select {
	case <-deadline:
		return &timeoutError{}
	default:
	}
	err := op()
	if err != tcpip.ErrWouldBlock {
		return tcpipErr(err)
	}
	waitEntry, notifyCh := waiter.NewChannelEntry(mask | waiter.EventErr | waiter.EventHUp)
	c.wq.EventRegister(&waitEntry)
	defer c.wq.EventUnregister(&waitEntry)
	for {
		// Readiness may have changed before the entry was registered.
		if err := op(); err != tcpip.ErrWouldBlock {
			return tcpipErr(err)
		}
		select {
		case <-c.closed:
			return net.ErrClosed
		case <-deadline:
			return &timeoutError{}
		case <-notifyCh:
		}
	}
}

func (c *socket) close() error {
	err := net.ErrClosed
	c.closeOnce.Do(func() {
		close(c.closed)
		err = tcpipErr(c.stack.Close(c.h))
	})
	return err
}

// tcpipErr returns err as an error, keeping nil untyped.
func tcpipErr(err *tcpip.Error) error {
	if err == nil {
		return nil
	}
	return err
}

// A Conn is a wrapper around a TCP socket that implements the net.Conn
// interface.
type Conn struct {
	socket

	// readMu serializes reads.
	//
	// Lock ordering:
	// If both readMu and deadlineTimer.mu are to be used in a single
	// request, readMu must be acquired before deadlineTimer.mu.
	readMu sync.Mutex

	// writeMu serializes writes so concurrent writers do not interleave.
	writeMu sync.Mutex
}

func newConn(s *stack.Stack, h stack.Handle, wq *waiter.Queue) *Conn {
	c := &Conn{}
	c.init(s, h, wq)
	return c
}

// DialTCP creates a new TCP Conn connected to the specified address.
func DialTCP(s *stack.Stack, addr tcpip.FullAddress, network tcpip.NetworkProtocolNumber) (*Conn, error) {
	return DialContextTCP(context.Background(), s, addr, network)
}

// DialContextTCP creates a new TCP Conn connected to the specified address,
// giving up when ctx is done.
func DialContextTCP(ctx context.Context, s *stack.Stack, addr tcpip.FullAddress, network tcpip.NetworkProtocolNumber) (*Conn, error) {
	wq := &waiter.Queue{}
	h, err := s.Open(tcp.ProtocolNumber, network, wq)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Addr: fullToTCPAddr(addr), Err: err}
	}

	// Register before connecting so the completion is not missed.
	waitEntry, notifyCh := waiter.NewChannelEntry(waiter.EventOut | waiter.EventErr | waiter.EventHUp)
	wq.EventRegister(&waitEntry)
	defer wq.EventUnregister(&waitEntry)

	fail := func(err error) (*Conn, error) {
		s.Close(h)
		return nil, &net.OpError{Op: "dial", Net: "tcp", Addr: fullToTCPAddr(addr), Err: err}
	}
	err = s.Connect(h, addr)
	if err != nil && err != tcpip.ErrConnectStarted {
		return fail(err)
	}
	for err == tcpip.ErrConnectStarted {
		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		case <-notifyCh:
		}
		if lerr := s.LastError(h); lerr != nil {
			return fail(lerr)
		}
		st, serr := s.State(h)
		if serr != nil {
			return fail(serr)
		}
		switch tcp.EndpointState(st) {
		case tcp.StateSynSent, tcp.StateSynRecv:
			// Still connecting.
		case tcp.StateClose:
			return fail(tcpip.ErrConnectionRefused)
		default:
			err = nil
		}
	}
	return newConn(s, h, wq), nil
}

// Read implements net.Conn.Read.
func (c *Conn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(b) == 0 {
		return 0, nil
	}
	var n int
	err := c.wait(waiter.EventIn, c.readCancel(), func() *tcpip.Error {
		var err *tcpip.Error
		n, err = c.stack.Recv(c.h, b)
		return err
	})
	if err == tcpip.ErrClosedForReceive {
		return 0, io.EOF
	}
	if err != nil {
		return 0, c.newOpError("read", err)
	}
	return n, nil
}

// Write implements net.Conn.Write.
func (c *Conn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := c.writeCancel()
	nbytes := 0
	for nbytes < len(b) {
		var n int
		err := c.wait(waiter.EventOut, deadline, func() *tcpip.Error {
			var err *tcpip.Error
			n, err = c.stack.Send(c.h, b[nbytes:])
			return err
		})
		nbytes += n
		if err != nil {
			return nbytes, c.newOpError("write", err)
		}
	}
	return nbytes, nil
}

// CloseRead shuts down the reading side of the connection.
func (c *Conn) CloseRead() error {
	if err := c.stack.Shutdown(c.h, tcpip.ShutdownRead); err != nil {
		return c.newOpError("close", err)
	}
	return nil
}

// CloseWrite shuts down the writing side of the connection, sending a FIN.
func (c *Conn) CloseWrite() error {
	if err := c.stack.Shutdown(c.h, tcpip.ShutdownWrite); err != nil {
		return c.newOpError("close", err)
	}
	return nil
}

// Close implements net.Conn.Close.
func (c *Conn) Close() error {
	return c.close()
}

// LocalAddr implements net.Conn.LocalAddr.
func (c *Conn) LocalAddr() net.Addr {
	a, err := c.stack.LocalAddress(c.h)
	if err != nil {
		return nil
	}
	return fullToTCPAddr(a)
}

// RemoteAddr implements net.Conn.RemoteAddr.
func (c *Conn) RemoteAddr() net.Addr {
	a, err := c.stack.RemoteAddress(c.h)
	if err != nil {
		return nil
	}
	return fullToTCPAddr(a)
}

func (c *Conn) newOpError(op string, err error) *net.OpError {
	return &net.OpError{
		Op:     op,
		Net:    "tcp",
		Source: c.LocalAddr(),
		Addr:   c.RemoteAddr(),
		Err:    err,
	}
}

func fullToTCPAddr(addr tcpip.FullAddress) *net.TCPAddr {
	return net.TCPAddrFromAddrPort(netip.AddrPortFrom(addr.Addr, addr.Port))
}

func fullToUDPAddr(addr tcpip.FullAddress) *net.UDPAddr {
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr.Addr, addr.Port))
}

// A UDPConn is a wrapper around a UDP socket that implements net.Conn and
// net.PacketConn.
type UDPConn struct {
	socket
}

var (
	_ net.Conn       = (*UDPConn)(nil)
	_ net.PacketConn = (*UDPConn)(nil)
	_ net.Conn       = (*Conn)(nil)
	_ net.Listener   = (*Listener)(nil)
)

// DialUDP creates a UDP socket. If laddr is not nil it is bound to it,
// otherwise to an ephemeral port. If raddr is not nil the socket is connected
// to it.
func DialUDP(s *stack.Stack, laddr, raddr *tcpip.FullAddress, network tcpip.NetworkProtocolNumber) (*UDPConn, error) {
	wq := &waiter.Queue{}
	h, err := s.Open(udp.ProtocolNumber, network, wq)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: "udp", Err: err}
	}
	var local tcpip.FullAddress
	if laddr != nil {
		local = *laddr
	}
	if err := s.Bind(h, local); err != nil {
		s.Close(h)
		return nil, &net.OpError{Op: "bind", Net: "udp", Addr: fullToUDPAddr(local), Err: err}
	}
	if raddr != nil {
		if err := s.Connect(h, *raddr); err != nil {
			s.Close(h)
			return nil, &net.OpError{Op: "connect", Net: "udp", Addr: fullToUDPAddr(*raddr), Err: err}
		}
	}
	c := &UDPConn{}
	c.init(s, h, wq)
	return c, nil
}

func (c *UDPConn) newOpError(op string, remote net.Addr, err error) *net.OpError {
	return &net.OpError{
		Op:     op,
		Net:    "udp",
		Source: c.LocalAddr(),
		Addr:   remote,
		Err:    err,
	}
}

// Read implements net.Conn.Read.
func (c *UDPConn) Read(b []byte) (int, error) {
	n, _, err := c.ReadFrom(b)
	return n, err
}

// ReadFrom implements net.PacketConn.ReadFrom. Datagrams longer than b are
// truncated.
func (c *UDPConn) ReadFrom(b []byte) (int, net.Addr, error) {
	var (
		n    int
		from tcpip.FullAddress
	)
	err := c.wait(waiter.EventIn, c.readCancel(), func() *tcpip.Error {
		var err *tcpip.Error
		n, from, err = c.stack.RecvFrom(c.h, b)
		return err
	})
	if err != nil {
		return 0, nil, c.newOpError("read", nil, err)
	}
	return n, fullToUDPAddr(from), nil
}

// Write implements net.Conn.Write on a connected socket.
func (c *UDPConn) Write(b []byte) (int, error) {
	return c.write(b, nil, c.RemoteAddr())
}

// WriteTo implements net.PacketConn.WriteTo.
func (c *UDPConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, c.newOpError("write", addr, errors.New("not a UDP address"))
	}
	ap := ua.AddrPort()
	to := tcpip.FullAddress{Addr: ap.Addr().Unmap(), Port: ap.Port()}
	return c.write(b, &to, addr)
}

func (c *UDPConn) write(b []byte, to *tcpip.FullAddress, remote net.Addr) (int, error) {
	var n int
	err := c.wait(waiter.EventOut, c.writeCancel(), func() *tcpip.Error {
		var err *tcpip.Error
		if to == nil {
			n, err = c.stack.Send(c.h, b)
		} else {
			n, err = c.stack.SendTo(c.h, b, *to)
		}
		return err
	})
	if err != nil {
		return n, c.newOpError("write", remote, err)
	}
	return n, nil
}

// Close implements net.Conn.Close.
func (c *UDPConn) Close() error {
	return c.close()
}

// LocalAddr implements net.Conn.LocalAddr.
func (c *UDPConn) LocalAddr() net.Addr {
	a, err := c.stack.LocalAddress(c.h)
	if err != nil {
		return nil
	}
	return fullToUDPAddr(a)
}

// RemoteAddr implements net.Conn.RemoteAddr.
func (c *UDPConn) RemoteAddr() net.Addr {
	a, err := c.stack.RemoteAddress(c.h)
	if err != nil {
		return nil
	}
	return fullToUDPAddr(a)
}
