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

package stack

import (
	"net/netip"
	"sort"

	"github.com/gaissmai/bart"

	"osbyte.dev/netstack/pkg/tcpip"
)

// routeTable is the longest prefix match table for both address families.
//
// Each prefix maps to the routes installed for it, ordered by metric and then
// NIC id, so the first usable entry of the longest matching prefix wins.
type routeTable struct {
	table bart.Table[[]tcpip.Route]
	// prefixes holds every prefix in the table, for enumeration.
	prefixes map[netip.Prefix]struct{}
}

func newRouteTable() *routeTable {
	return &routeTable{prefixes: make(map[netip.Prefix]struct{})}
}

func routeLess(a, b tcpip.Route) bool {
	if a.Metric != b.Metric {
		return a.Metric < b.Metric
	}
	return a.NIC < b.NIC
}

// add installs r. It returns false if an identical route exists.
func (t *routeTable) add(r tcpip.Route) bool {
	r.Destination = r.Destination.Masked()
	rs, _ := t.table.Get(r.Destination)
	for _, old := range rs {
		if old == r {
			return false
		}
	}
	rs = append(append([]tcpip.Route(nil), rs...), r)
	sort.SliceStable(rs, func(i, j int) bool { return routeLess(rs[i], rs[j]) })
	t.table.Insert(r.Destination, rs)
	t.prefixes[r.Destination] = struct{}{}
	return true
}

// remove deletes every route for which match returns true and returns them.
func (t *routeTable) remove(match func(tcpip.Route) bool) []tcpip.Route {
	var removed []tcpip.Route
	for p := range t.prefixes {
		rs, _ := t.table.Get(p)
		kept := rs[:0:0]
		for _, r := range rs {
			if match(r) {
				removed = append(removed, r)
				continue
			}
			kept = append(kept, r)
		}
		switch {
		case len(kept) == len(rs):
		case len(kept) == 0:
			t.table.Delete(p)
			delete(t.prefixes, p)
		default:
			t.table.Insert(p, kept)
		}
	}
	return removed
}

// all returns the routes ordered by family, prefix and then preference.
func (t *routeTable) all() []tcpip.Route {
	var out []tcpip.Route
	for p := range t.prefixes {
		rs, _ := t.table.Get(p)
		out = append(out, rs...)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Destination, out[j].Destination
		if a.Addr() != b.Addr() {
			return a.Addr().Less(b.Addr())
		}
		if a.Bits() != b.Bits() {
			return a.Bits() < b.Bits()
		}
		return routeLess(out[i], out[j])
	})
	return out
}

// lookup returns the preferred route to addr among those accepted by usable.
// When no route of the longest matching prefix is usable, shorter prefixes
// are tried in turn.
func (t *routeTable) lookup(addr netip.Addr, usable func(tcpip.Route) bool) (tcpip.Route, bool) {
	rs, ok := t.table.Lookup(addr)
	if !ok {
		return tcpip.Route{}, false
	}
	bits := rs[0].Destination.Bits()
	for {
		for _, r := range rs {
			if usable == nil || usable(r) {
				return r, true
			}
		}
		for {
			bits--
			if bits < 0 {
				return tcpip.Route{}, false
			}
			p, err := addr.Prefix(bits)
			if err != nil {
				return tcpip.Route{}, false
			}
			if rs, ok = t.table.Get(p); ok {
				break
			}
		}
	}
}
