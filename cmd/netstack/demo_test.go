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

package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"golang.org/x/net/dns/dnsmessage"
	"osbyte.dev/netstack/pkg/config"
	"osbyte.dev/netstack/pkg/tcpip/testutil"
)

func query(t *testing.T, name string, typ dnsmessage.Type) []byte {
	t.Helper()
	m := dnsmessage.Message{
		Header: dnsmessage.Header{ID: 7, RecursionDesired: true},
		Questions: []dnsmessage.Question{{
			Name:  dnsmessage.MustNewName(name),
			Type:  typ,
			Class: dnsmessage.ClassINET,
		}},
	}
	b, err := m.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return b
}

func TestAnswer(t *testing.T) {
	zone := map[string]netip.Addr{webName: netip.MustParseAddr("10.0.0.2")}
	tests := []struct {
		name    string
		q       string
		typ     dnsmessage.Type
		rcode   dnsmessage.RCode
		answers int
	}{
		{name: "a", q: "web.netstack.", typ: dnsmessage.TypeA, answers: 1},
		{name: "case insensitive", q: "WEB.Netstack.", typ: dnsmessage.TypeA, answers: 1},
		{name: "nodata", q: "web.netstack.", typ: dnsmessage.TypeAAAA},
		{name: "nxdomain", q: "other.netstack.", typ: dnsmessage.TypeA, rcode: dnsmessage.RCodeNameError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, ok := answer(query(t, tc.q, tc.typ), zone)
			if !ok {
				t.Fatal("got no answer")
			}
			var m dnsmessage.Message
			if err := m.Unpack(b); err != nil {
				t.Fatalf("Unpack: %v", err)
			}
			if !m.Response || !m.Authoritative || m.ID != 7 {
				t.Errorf("got header %+v, want an authoritative response with ID 7", m.Header)
			}
			if m.RCode != tc.rcode {
				t.Errorf("got RCode %s, want %s", m.RCode, tc.rcode)
			}
			if got := len(m.Answers); got != tc.answers {
				t.Fatalf("got %d answers, want %d", got, tc.answers)
			}
			if tc.answers == 1 {
				a, ok := m.Answers[0].Body.(*dnsmessage.AResource)
				if !ok || netip.AddrFrom4(a.A) != zone[webName] {
					t.Errorf("got answer %v, want A %s", m.Answers[0].Body, zone[webName])
				}
			}
		})
	}

	if _, ok := answer([]byte{1, 2, 3}, zone); ok {
		t.Error("got an answer to a malformed query")
	}
}

func TestWebHandler(t *testing.T) {
	srv := httptest.NewServer(webHandler(webName))
	defer srv.Close()

	for _, tc := range []struct {
		path   string
		status int
		body   string
	}{
		{"/", http.StatusOK, "hello from web.netstack.\n"},
		{"/data?size=30", http.StatusOK, "abcdefghijklmnopqrstuvwxyzabcd"},
		{"/data?size=-1", http.StatusBadRequest, ""},
		{"/data", http.StatusBadRequest, ""},
	} {
		resp, err := srv.Client().Get(srv.URL + tc.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tc.path, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("GET %s: reading body: %v", tc.path, err)
		}
		if resp.StatusCode != tc.status {
			t.Errorf("GET %s: got status %d, want %d", tc.path, resp.StatusCode, tc.status)
		}
		if tc.status == http.StatusOK && string(body) != tc.body {
			t.Errorf("GET %s: got body %q, want %q", tc.path, body, tc.body)
		}
	}
}

func TestRunDemo(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	path := filepath.Join(t.TempDir(), "a.pcap")
	res, err := runDemo(ctx, config.Default(), demoOptions{
		Seed:     1,
		Requests: 2,
		Size:     8192,
		PCAP:     path,
	})
	if err != nil {
		t.Fatalf("runDemo: %v", err)
	}
	if res.Requests != 2 || res.Bytes != 2*8192 {
		t.Errorf("got %d requests of %d bytes, want 2 of %d", res.Requests, res.Bytes, 2*8192)
	}
	if res.Dropped != 0 || res.Duplicated != 0 || res.Reordered != 0 {
		t.Errorf("got impairments on a perfect wire: %+v", res)
	}
	if res.DNSQueries == 0 {
		t.Error("got no DNS queries, want web.netstack to be resolved")
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	if err != nil {
		t.Fatalf("pcapgo.NewReader: %v", err)
	}
	if got, want := r.LinkType(), layers.LinkTypeEthernet; got != want {
		t.Errorf("got LinkType() = %s, want %s", got, want)
	}
	frames := 0
	for {
		if _, _, err := r.ReadPacketData(); err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("ReadPacketData: %v", err)
			}
			break
		}
		frames++
	}
	if frames == 0 {
		t.Error("got an empty capture")
	}
}

func TestRunDemoImpaired(t *testing.T) {
	if testing.Short() {
		t.Skip("retransmissions take seconds of real time")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	res, err := runDemo(ctx, config.Default(), demoOptions{
		Impairment: testutil.Impairment{Loss: 0.02, Duplicate: 0.02, Reorder: 0.02},
		Seed:       3,
		Requests:   1,
		Size:       32 << 10,
	})
	if err != nil {
		t.Fatalf("runDemo: %v", err)
	}
	if res.Bytes != 32<<10 {
		t.Errorf("got %d bytes, want %d", res.Bytes, 32<<10)
	}
}

func TestRunDemoCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := runDemo(ctx, config.Default(), demoOptions{Seed: 1, Requests: 1}); err == nil {
		t.Error("got runDemo() = nil error with a canceled context")
	}
}
