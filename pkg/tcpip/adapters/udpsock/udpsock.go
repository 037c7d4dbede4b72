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

// Package udpsock provides UDP sockets for protocol clients that run on the
// stack's timer queue, such as DHCP, DNS and NTP.
//
// Datagrams are not handled from the notification that announces them, which
// runs as the stack lock is released. Instead readability schedules a job
// that drains the socket from Stack.Tick, holding the client's own lock.
package udpsock

import (
	"fmt"
	"sync"

	"osbyte.dev/netstack/pkg/log"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/stack"
	"osbyte.dev/netstack/pkg/tcpip/transport/udp"
	"osbyte.dev/netstack/pkg/waiter"
)

// Options configures a Socket.
type Options struct {
	// Network is the socket's address family.
	Network tcpip.NetworkProtocolNumber

	// NIC restricts the socket to one interface. Zero means any.
	NIC tcpip.NICID

	// Port is the local port. Zero picks an ephemeral one.
	Port uint16

	// Broadcast enables sending to the limited broadcast address.
	Broadcast bool
}

// Handler is called with each datagram received. b is only valid for the
// duration of the call.
type Handler func(b []byte, from tcpip.FullAddress)

// Socket is a bound UDP socket.
type Socket struct {
	s     *stack.Stack
	h     stack.Handle
	wq    waiter.Queue
	entry waiter.Entry
	rx    *tcpip.Job
	buf   []byte
}

// Open creates and binds a socket. handle runs with l held, from the job
// queue of s.
func Open(s *stack.Stack, l sync.Locker, opts Options, handle Handler) (*Socket, error) {
	c := &Socket{
		s:   s,
		buf: make([]byte, 65536),
	}
	h, err := s.Open(udp.ProtocolNumber, opts.Network, &c.wq)
	if err != nil {
		return nil, fmt.Errorf("open socket: %w", err)
	}
	c.h = h
	if opts.Broadcast {
		broadcast := tcpip.BroadcastOption(true)
		if err := s.SetSockOpt(h, &broadcast); err != nil {
			s.Close(h)
			return nil, fmt.Errorf("enable broadcast: %w", err)
		}
	}
	if opts.NIC != 0 {
		if err := s.BindToNIC(h, opts.NIC); err != nil {
			s.Close(h)
			return nil, fmt.Errorf("bind to NIC %d: %w", opts.NIC, err)
		}
	}
	if err := s.Bind(h, tcpip.FullAddress{Port: opts.Port}); err != nil {
		s.Close(h)
		return nil, fmt.Errorf("bind port %d: %w", opts.Port, err)
	}
	c.rx = tcpip.NewJob(s.Timers(), l, func() {
		for {
			n, from, err := s.RecvFrom(c.h, c.buf)
			if err != nil {
				if err != tcpip.ErrWouldBlock {
					log.Debugf("udpsock: receive on port %d: %s", opts.Port, err)
				}
				return
			}
			handle(c.buf[:n], from)
		}
	})
	c.entry = waiter.NewFunctionEntry(waiter.EventIn, func(waiter.EventMask) {
		c.rx.Schedule(0)
	})
	c.wq.EventRegister(&c.entry)
	return c, nil
}

// SendTo sends b to the given address.
func (c *Socket) SendTo(b []byte, to tcpip.FullAddress) *tcpip.Error {
	_, err := c.s.SendTo(c.h, b, to)
	return err
}

// LocalAddress returns the bound address.
func (c *Socket) LocalAddress() (tcpip.FullAddress, *tcpip.Error) {
	return c.s.LocalAddress(c.h)
}

// Close releases the socket. The locker passed to Open must be held.
func (c *Socket) Close() {
	c.wq.EventUnregister(&c.entry)
	c.rx.Cancel()
	c.s.Close(c.h)
}
