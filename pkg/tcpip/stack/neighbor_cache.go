// Copyright 2020 The gVisor Authors.
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

package stack

import (
	"net/netip"
	"sort"

	"github.com/golang/groupcache/lru"

	"osbyte.dev/netstack/pkg/tcpip"
)

// linkAddressResolver sends link address requests: ARP requests for IPv4 and
// Neighbor Solicitations for IPv6.
type linkAddressResolver interface {
	// linkAddressRequest sends a request for the link address of addr. An
	// empty remoteLinkAddr means the request is broadcast (or sent to the
	// solicited-node group); otherwise it is unicast to that address.
	linkAddressRequest(addr, localAddr netip.Addr, remoteLinkAddr tcpip.LinkAddress) *tcpip.Error
}

// neighborCache maps IP addresses to link addresses. It uses the Least
// Recently Used (LRU) eviction strategy to implement a bounded cache for
// dynmically acquired entries. It contains the state machine and configuration
// for running Neighbor Unreachability Detection (NUD).
//
// There are two types of entries in the neighbor cache:
//  1. Dynamic entries are discovered automatically by neighbor discovery
//     protocols (e.g. ARP, NDP). These protocols will attempt to reconfirm
//     reachability with the device once the entry's state becomes Stale.
//  2. Static entries are explicitly added by a user and have no expiration.
//     Their state is always Static. The amount of static entries stored in the
//     cache is unbounded.
//
// All methods are called with the stack lock held.
type neighborCache struct {
	nic     *nic
	proto   tcpip.NetworkProtocolNumber
	state   *nudState
	linkRes linkAddressResolver

	static  map[netip.Addr]*neighborEntry
	dynamic map[netip.Addr]*neighborEntry
	// lru orders the dynamic entries by last use.
	lru *lru.Cache
	// removing is set while an entry is removed on purpose, so that the
	// eviction hook does not count it.
	removing bool
}

func newNeighborCache(n *nic, proto tcpip.NetworkProtocolNumber, state *nudState, linkRes linkAddressResolver) *neighborCache {
	c := &neighborCache{
		nic:     n,
		proto:   proto,
		state:   state,
		linkRes: linkRes,
		static:  make(map[netip.Addr]*neighborEntry),
		dynamic: make(map[netip.Addr]*neighborEntry),
		lru:     lru.New(state.config.CacheSize),
	}
	c.lru.OnEvicted = c.onEvicted
	return c
}

// onEvicted runs when an entry leaves the LRU, either because the cache is
// over capacity or because it was removed.
func (c *neighborCache) onEvicted(key lru.Key, value any) {
	e := value.(*neighborEntry)
	delete(c.dynamic, key.(netip.Addr))
	e.removed = true
	if e.job != nil {
		e.job.Cancel()
	}
	if c.removing {
		return
	}
	c.nic.stack.stats.Neighbor.Evictions.Increment()
	if n := len(e.pending); n > 0 {
		c.nic.stack.stats.Neighbor.PendingPacketsDropped.IncrementBy(uint64(n))
		e.pending = nil
	}
}

// getOrCreateEntry retrieves a cache entry associated with addr. The
// returned entry is always refreshed in the cache (its place is bumped in
// LRU).
//
// If no matching entry exists and the cache is full, the least recently used
// dynamic entry is evicted.
func (c *neighborCache) getOrCreateEntry(addr netip.Addr) *neighborEntry {
	if e, ok := c.entry(addr); ok {
		return e
	}

	// The entry that needs to be created must be dynamic since all static
	// entries are directly added to the cache via addStaticEntry.
	e := newNeighborEntry(c, addr)
	c.dynamic[addr] = e
	c.lru.Add(addr, e)
	return e
}

// entry returns the entry for addr, bumping dynamic entries in the LRU.
func (c *neighborCache) entry(addr netip.Addr) (*neighborEntry, bool) {
	if e, ok := c.static[addr]; ok {
		return e, true
	}
	if _, ok := c.dynamic[addr]; !ok {
		return nil, false
	}
	v, _ := c.lru.Get(addr)
	return v.(*neighborEntry), true
}

// send transmits the IP packet pkt to the neighbor addr, resolving its link
// address first if needed. While resolution is in progress the packet is
// queued; concurrent sends to the same neighbor share one resolution.
func (c *neighborCache) send(addr, localAddr netip.Addr, pkt []byte) *tcpip.Error {
	e := c.getOrCreateEntry(addr)
	switch e.neigh.State {
	case Unknown, Incomplete:
		// Queue first so that a resolution failing synchronously reports the
		// packet too.
		e.enqueueLocked(pkt)
		e.handlePacketQueuedLocked(localAddr)
		return nil

	case Stale:
		e.handlePacketQueuedLocked(localAddr)
		return c.nic.writeFrameLocked(e.neigh.LinkAddr, c.proto, pkt)

	default:
		return c.nic.writeFrameLocked(e.neigh.LinkAddr, c.proto, pkt)
	}
}

// entries returns all entries in the neighbor cache ordered by address.
func (c *neighborCache) entries() []NeighborEntry {
	entries := make([]NeighborEntry, 0, len(c.static)+len(c.dynamic))
	for _, e := range c.static {
		entries = append(entries, e.neigh)
	}
	for _, e := range c.dynamic {
		entries = append(entries, e.neigh)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Addr.Less(entries[j].Addr)
	})
	return entries
}

// addStaticEntry adds a static entry to the neighbor cache, mapping an IP
// address to a link address. If a dynamic entry exists in the neighbor cache
// with the same address, it will be replaced with this static entry and any
// packets waiting on it are sent.
func (c *neighborCache) addStaticEntry(addr netip.Addr, linkAddr tcpip.LinkAddress) {
	if e, ok := c.static[addr]; ok {
		e.neigh.LinkAddr = linkAddr
		return
	}

	e := newStaticNeighborEntry(c, addr, linkAddr)
	if old, ok := c.dynamic[addr]; ok {
		e.pending = old.pending
		old.pending = nil
		c.removeEntryLocked(old)
	}
	c.static[addr] = e
	e.flushPendingLocked()
}

// removeEntryLocked removes the specified entry from the neighbor cache. Its
// pending packets are left for the caller.
func (c *neighborCache) removeEntryLocked(e *neighborEntry) {
	if e.neigh.State == Static {
		delete(c.static, e.neigh.Addr)
		e.removed = true
		return
	}
	c.removing = true
	c.lru.Remove(e.neigh.Addr)
	c.removing = false
}

// removeEntry removes a dynamic or static entry by address from the neighbor
// cache. Returns true if the entry was found and deleted.
func (c *neighborCache) removeEntry(addr netip.Addr) bool {
	e, ok := c.static[addr]
	if !ok {
		if e, ok = c.dynamic[addr]; !ok {
			return false
		}
	}
	c.removeEntryLocked(e)
	e.failPendingLocked()
	return true
}

// clear removes all dynamic and static entries from the neighbor cache.
// Queued packets are dropped.
func (c *neighborCache) clear() {
	for _, e := range c.dynamic {
		if n := len(e.pending); n > 0 {
			c.nic.stack.stats.Neighbor.PendingPacketsDropped.IncrementBy(uint64(n))
			e.pending = nil
		}
	}
	c.removing = true
	c.lru.Clear()
	c.removing = false
	for _, e := range c.static {
		e.removed = true
	}
	c.static = make(map[netip.Addr]*neighborEntry)
	c.dynamic = make(map[netip.Addr]*neighborEntry)
}

// handleProbe follows the logic defined in RFC 4861 section 7.2.3. Validation
// of the probe is expected to be handled by the caller. When create is false
// only an existing entry is updated.
func (c *neighborCache) handleProbe(remoteAddr netip.Addr, remoteLinkAddr tcpip.LinkAddress, create bool) {
	var e *neighborEntry
	if create {
		e = c.getOrCreateEntry(remoteAddr)
	} else {
		var ok bool
		if e, ok = c.entry(remoteAddr); !ok {
			return
		}
	}
	e.handleProbeLocked(remoteLinkAddr)
}

// handleConfirmation follows the logic defined in RFC 4861 section 7.2.5.
func (c *neighborCache) handleConfirmation(addr netip.Addr, linkAddr tcpip.LinkAddress, flags ReachabilityConfirmationFlags) {
	// The confirmation SHOULD be silently discarded if the recipient did not
	// initiate any communication with the target. This is indicated if there is
	// no matching entry for the remote address.
	if e, ok := c.entry(addr); ok {
		e.handleConfirmationLocked(linkAddr, flags)
	}
}

// handleUpperLevelConfirmation follows the logic defined in RFC 4861
// section 7.3.1.
func (c *neighborCache) handleUpperLevelConfirmation(addr netip.Addr) {
	if e, ok := c.entry(addr); ok {
		e.handleUpperLevelConfirmationLocked()
	}
}
