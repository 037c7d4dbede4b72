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

package dns

import (
	"testing"
	"time"

	"golang.org/x/net/dns/dnsmessage"
	"osbyte.dev/netstack/pkg/tcpip"
)

func TestCacheEvictsSoonestExpiry(t *testing.T) {
	var now tcpip.MonotonicTime
	c := newCache(2)
	a := key{name: "a.", typ: dnsmessage.TypeA}
	b := key{name: "b.", typ: dnsmessage.TypeA}
	d := key{name: "d.", typ: dnsmessage.TypeA}
	c.put(&entry{key: a, expires: now.Add(time.Minute)}, now)
	c.put(&entry{key: b, expires: now.Add(time.Second)}, now)
	c.put(&entry{key: d, expires: now.Add(time.Hour)}, now)

	if got := c.len(); got != 2 {
		t.Fatalf("len = %d, want 2", got)
	}
	if _, ok := c.get(b, now); ok {
		t.Errorf("entry closest to expiry survived eviction")
	}
	for _, k := range []key{a, d} {
		if _, ok := c.get(k, now); !ok {
			t.Errorf("%s evicted", k.name)
		}
	}
}

func TestCacheReplaceAndExpire(t *testing.T) {
	var now tcpip.MonotonicTime
	c := newCache(8)
	k := key{name: "a.", typ: dnsmessage.TypeA}
	c.put(&entry{key: k, expires: now.Add(time.Second)}, now)
	c.put(&entry{key: k, expires: now.Add(time.Minute)}, now)
	if got := c.len(); got != 1 {
		t.Fatalf("len = %d, want 1", got)
	}
	if got := c.byExpiry.Len(); got != 1 {
		t.Fatalf("index holds %d entries, want 1", got)
	}

	later := now.Add(time.Minute)
	if _, ok := c.get(k, later); ok {
		t.Errorf("entry served at its expiry")
	}
	if got := c.byExpiry.Len(); got != 0 {
		t.Errorf("index holds %d entries after expiry, want 0", got)
	}
}

func TestCanonicalName(t *testing.T) {
	for in, want := range map[string]string{
		"Example.COM":  "example.com.",
		"example.com.": "example.com.",
	} {
		if got := canonicalName(in); got != want {
			t.Errorf("canonicalName(%q) = %q, want %q", in, got, want)
		}
	}
}
