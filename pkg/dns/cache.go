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
	"net/netip"
	"strings"
	"time"

	"github.com/google/btree"
	"golang.org/x/net/dns/dnsmessage"
	"osbyte.dev/netstack/pkg/tcpip"
)

// Record is a resource record from an answer.
type Record struct {
	// Name is the owner name, lower case and fully qualified.
	Name string
	Type dnsmessage.Type

	// TTL is the time the record may still be cached for.
	TTL time.Duration

	// Addr is set for A and AAAA records.
	Addr netip.Addr

	// Target is set for CNAME, PTR, NS and MX records.
	Target string

	// Pref is the MX preference.
	Pref uint16

	// Text holds the strings of a TXT record.
	Text []string
}

// key identifies a question. name is canonical.
type key struct {
	name string
	typ  dnsmessage.Type
}

// canonicalName lower cases name and makes it fully qualified.
func canonicalName(name string) string {
	name = strings.ToLower(name)
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	return name
}

// entry is a cached answer. A negative entry has no records and, for
// NXDOMAIN, err set.
type entry struct {
	key     key
	records []Record
	err     error
	expires tcpip.MonotonicTime
	seq     uint64
}

func entryLess(a, b *entry) bool {
	if !a.expires.Equal(b.expires) {
		return a.expires.Before(b.expires)
	}
	return a.seq < b.seq
}

// cache is a bounded answer cache. When full, the entry closest to expiry is
// evicted.
type cache struct {
	max      int
	entries  map[key]*entry
	byExpiry *btree.BTreeG[*entry]
	seq      uint64
}

func newCache(max int) *cache {
	return &cache{
		max:      max,
		entries:  make(map[key]*entry),
		byExpiry: btree.NewG[*entry](8, entryLess),
	}
}

func (c *cache) len() int {
	return len(c.entries)
}

func (c *cache) remove(e *entry) {
	delete(c.entries, e.key)
	c.byExpiry.Delete(e)
}

// get returns the live entry for k. Expired entries are removed.
func (c *cache) get(k key, now tcpip.MonotonicTime) (*entry, bool) {
	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	if !now.Before(e.expires) {
		c.remove(e)
		return nil, false
	}
	return e, true
}

// put stores e, replacing any entry for the same question.
func (c *cache) put(e *entry, now tcpip.MonotonicTime) {
	if old, ok := c.entries[e.key]; ok {
		c.remove(old)
	}
	if c.max <= 0 {
		return
	}
	c.expire(now)
	for len(c.entries) >= c.max {
		oldest, ok := c.byExpiry.Min()
		if !ok {
			break
		}
		c.remove(oldest)
	}
	c.seq++
	e.seq = c.seq
	c.entries[e.key] = e
	c.byExpiry.ReplaceOrInsert(e)
}

// expire drops every entry that expired by now.
func (c *cache) expire(now tcpip.MonotonicTime) {
	for {
		e, ok := c.byExpiry.Min()
		if !ok || now.Before(e.expires) {
			return
		}
		c.remove(e)
	}
}

func (c *cache) flush() {
	c.entries = make(map[key]*entry)
	c.byExpiry.Clear(false)
}

// answer returns copies of e's records with their TTLs counted down to now.
func (e *entry) answer(now tcpip.MonotonicTime) []Record {
	if len(e.records) == 0 {
		return nil
	}
	left := e.expires.Sub(now).Truncate(time.Second)
	out := make([]Record, len(e.records))
	for i, r := range e.records {
		if r.TTL > left {
			r.TTL = left
		}
		out[i] = r
	}
	return out
}
