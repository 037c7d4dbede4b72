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

package httpd

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/netip"
	"testing"
	"time"

	"golang.org/x/net/dns/dnsmessage"
	"osbyte.dev/netstack/pkg/dns"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/adapters/gonet"
	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/stack"
	"osbyte.dev/netstack/pkg/tcpip/transport/tcp"
	"osbyte.dev/netstack/pkg/tcpip/transport/udp"
)

var localV4 = netip.MustParseAddr("127.0.0.1")

func newLoopbackStack(t *testing.T) *stack.Stack {
	t.Helper()
	s := stack.New(stack.Options{
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
		RandSource:         rand.NewSource(1),
	})
	if err := s.CreateLoopbackNIC(1, "lo"); err != nil {
		t.Fatalf("CreateLoopbackNIC: %s", err)
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()
	t.Cleanup(func() {
		close(done)
		<-stopped
	})
	return s
}

// serveHello serves a fixed page on port 80 until the test ends.
func serveHello(t *testing.T, s *stack.Stack) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello from "+r.Host)
	})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Serve(ctx, s, mux) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
}

func get(t *testing.T, c *http.Client, url string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	// The server may still be starting.
	var resp *http.Response
	for {
		resp, err = c.Do(req)
		if err == nil || ctx.Err() != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: %s", url, resp.Status)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return string(b)
}

func TestServeAndFetchLiteral(t *testing.T) {
	s := newLoopbackStack(t)
	serveHello(t, s)
	c := NewClient(s, nil)
	defer c.CloseIdleConnections()
	if got, want := get(t, c, "http://127.0.0.1/hello"), "hello from 127.0.0.1"; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

// serveDNS answers A questions for name with 127.0.0.1 from 127.0.0.1:53.
func serveDNS(t *testing.T, s *stack.Stack, name string) {
	t.Helper()
	conn, err := gonet.DialUDP(s, &tcpip.FullAddress{Addr: localV4, Port: dns.Port}, nil, header.IPv4ProtocolNumber)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	done := make(chan struct{})
	t.Cleanup(func() {
		conn.Close()
		<-done
	})
	go func() {
		defer close(done)
		buf := make([]byte, 512)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			var q dnsmessage.Message
			if err := q.Unpack(buf[:n]); err != nil || len(q.Questions) != 1 {
				continue
			}
			resp := dnsmessage.Message{
				Header:    dnsmessage.Header{ID: q.ID, Response: true, RecursionAvailable: true},
				Questions: q.Questions,
			}
			switch {
			case q.Questions[0].Name.String() != name:
				resp.RCode = dnsmessage.RCodeNameError
			case q.Questions[0].Type == dnsmessage.TypeA:
				resp.Answers = []dnsmessage.Resource{{
					Header: dnsmessage.ResourceHeader{Name: q.Questions[0].Name, Class: dnsmessage.ClassINET, TTL: 60},
					Body:   &dnsmessage.AResource{A: localV4.As4()},
				}}
			}
			b, err := resp.Pack()
			if err != nil {
				continue
			}
			conn.WriteTo(b, from)
		}
	}()
}

func TestFetchByName(t *testing.T) {
	s := newLoopbackStack(t)
	serveHello(t, s)
	serveDNS(t, s, "web.example.")

	r := dns.NewResolver(s, dns.Options{
		Servers:        []netip.AddrPort{netip.AddrPortFrom(localV4, 0)},
		InitialTimeout: 100 * time.Millisecond,
	})
	defer r.Close()
	c := NewClient(s, r)
	defer c.CloseIdleConnections()

	if got, want := get(t, c, "http://web.example/hello"), "hello from web.example"; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}

	d := &Dialer{Stack: s, Resolver: r}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := d.DialContext(ctx, "tcp", "missing.example:80")
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
		t.Fatalf("DialContext(missing) = %v, want a not found DNSError", err)
	}
}

func TestDialerRejectsNonTCP(t *testing.T) {
	d := &Dialer{}
	if _, err := d.DialContext(context.Background(), "udp", "127.0.0.1:53"); err == nil {
		t.Errorf("DialContext(udp) succeeded")
	}
}
