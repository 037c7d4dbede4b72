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

// Package httpd serves and fetches HTTP over a stack.Stack.
package httpd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"osbyte.dev/netstack/pkg/dns"
	"osbyte.dev/netstack/pkg/log"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/adapters/gonet"
	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/stack"
)

// Port is the port the server listens on.
const Port = 80

// Server is an HTTP server listening on Port of a stack.
type Server struct {
	stack *stack.Stack
	srv   *http.Server

	mu        sync.Mutex
	listeners []*gonet.Listener
}

// NewServer returns a server for handler. It does not listen yet.
func NewServer(s *stack.Stack, handler http.Handler) *Server {
	return &Server{
		stack: s,
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 30 * time.Second,
		},
	}
}

// ListenAndServe listens on Port of every IPv4 address, and of every IPv6
// address when v6 is set, then serves until Shutdown. It returns
// http.ErrServerClosed after a Shutdown.
func (s *Server) ListenAndServe(v6 bool) error {
	protos := []tcpip.NetworkProtocolNumber{header.IPv4ProtocolNumber}
	if v6 {
		protos = append(protos, header.IPv6ProtocolNumber)
	}
	var g errgroup.Group
	for _, proto := range protos {
		l, err := gonet.ListenTCP(s.stack, tcpip.FullAddress{Port: Port}, proto)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("httpd: %w", err)
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, l)
		s.mu.Unlock()
		log.Infof("httpd: listening on %s", l.Addr())
		g.Go(func() error { return s.srv.Serve(l) })
	}
	return g.Wait()
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		l.Close()
	}
	s.listeners = nil
}

// Shutdown stops accepting connections and waits for active requests, as
// http.Server.Shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Serve serves handler on Port of the stack's IPv4 addresses until ctx is
// done.
func Serve(ctx context.Context, s *stack.Stack, handler http.Handler) error {
	srv := NewServer(s, handler)
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(false) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Dialer opens TCP connections through a stack, resolving host names with
// a DNS resolver.
type Dialer struct {
	Stack *stack.Stack

	// Resolver resolves host names. Without one only address literals can
	// be dialed.
	Resolver *dns.Resolver
}

// DialContext has the signature of net.Dialer.DialContext. Every address
// the host resolves to is tried in turn.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, &net.OpError{Op: "dial", Net: network, Err: net.UnknownNetworkError(network)}
	}
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("httpd: bad port in %q", address)
	}

	var addrs []netip.Addr
	if a, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{a.Unmap()}
	} else if d.Resolver == nil {
		return nil, &net.DNSError{Err: "no resolver", Name: host, IsNotFound: true}
	} else if addrs, err = d.Resolver.LookupIP(ctx, host); err != nil {
		return nil, &net.DNSError{Err: err.Error(), Name: host, IsNotFound: errors.Is(err, tcpip.ErrNameNotFound)}
	}

	var errs []error
	for _, a := range addrs {
		proto := header.IPv4ProtocolNumber
		if a.Is6() {
			proto = header.IPv6ProtocolNumber
		}
		if (network == "tcp4" && a.Is6()) || (network == "tcp6" && a.Is4()) {
			continue
		}
		c, err := gonet.DialContextTCP(ctx, d.Stack, tcpip.FullAddress{Addr: a, Port: uint16(port)}, proto)
		if err == nil {
			return c, nil
		}
		log.Debugf("httpd: dial %s: %v", a, err)
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, &net.OpError{Op: "dial", Net: network, Err: fmt.Errorf("no %s address for %s", network, host)}
	}
	return nil, errors.Join(errs...)
}

// NewClient returns an HTTP client whose connections go through s and whose
// host names are resolved with r, which may be nil.
func NewClient(s *stack.Stack, r *dns.Resolver) *http.Client {
	d := &Dialer{Stack: s, Resolver: r}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           d.DialContext,
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
		Timeout: time.Minute,
	}
}
