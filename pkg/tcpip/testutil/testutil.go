// Copyright 2021 The gVisor Authors.
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

// Package testutil provides helper functions for netstack unit tests: two
// stacks joined by an in-memory wire that can lose, duplicate and reorder
// frames, driven by a manual clock.
package testutil

import (
	"fmt"
	"math/rand"
	"net/netip"
	"time"

	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/faketime"
	"osbyte.dev/netstack/pkg/tcpip/link/channel"
	"osbyte.dev/netstack/pkg/tcpip/stack"
)

// NICID is the id of the Ethernet NIC of both stacks of a Pair.
const NICID = 1

var (
	// LinkAddr1 and LinkAddr2 are the MAC addresses of the A and B ends.
	LinkAddr1 = MustParseLink("02:00:00:00:00:01")
	LinkAddr2 = MustParseLink("02:00:00:00:00:02")

	// Prefix1 and Prefix2 are the addresses of the A and B ends.
	Prefix1 = netip.MustParsePrefix("10.0.0.1/24")
	Prefix2 = netip.MustParsePrefix("10.0.0.2/24")
)

// MustParseLink parses a Link string into a tcpip.LinkAddress, panicking on
// error.
//
// The string must be in the format aa:bb:cc:dd:ee:ff or aa-bb-cc-dd-ee-ff.
func MustParseLink(addr string) tcpip.LinkAddress {
	parsed, err := tcpip.ParseMACAddress(addr)
	if err != nil {
		panic(fmt.Sprintf("tcpip.ParseMACAddress(%s): %s", addr, err))
	}
	return parsed
}

// Impairment describes how a Wire mistreats frames. Each field is the
// probability of the event per frame.
type Impairment struct {
	Loss      float64
	Duplicate float64
	Reorder   float64
}

type heldFrame struct {
	to    *channel.Endpoint
	frame []byte
}

// Wire carries frames between two channel endpoints.
type Wire struct {
	A, B *channel.Endpoint

	imp  Impairment
	rng  *rand.Rand
	held []heldFrame

	// Counters of what the wire did.
	Delivered  int
	Dropped    int
	Duplicated int
	Reordered  int
}

// NewWire returns a wire between a and b. The impairments are drawn from a
// source seeded with seed, so runs are reproducible.
func NewWire(a, b *channel.Endpoint, imp Impairment, seed int64) *Wire {
	return &Wire{
		A:   a,
		B:   b,
		imp: imp,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// SetImpairment changes the impairments applied to frames carried from
// now on.
func (w *Wire) SetImpairment(imp Impairment) {
	w.imp = imp
}

func (w *Wire) roll(p float64) bool {
	return p > 0 && w.rng.Float64() < p
}

func (w *Wire) deliver(to *channel.Endpoint, frame []byte) {
	w.Delivered++
	to.InjectInbound(frame)
}

// carry moves one frame to its destination, applying the impairments. A
// frame held back for reordering is released right after the next frame
// to the same end.
func (w *Wire) carry(to *channel.Endpoint, frame []byte) {
	if w.roll(w.imp.Loss) {
		w.Dropped++
		return
	}
	if w.roll(w.imp.Reorder) {
		w.Reordered++
		w.held = append(w.held, heldFrame{to: to, frame: frame})
		return
	}
	dup := w.roll(w.imp.Duplicate)
	w.deliver(to, frame)
	if dup {
		w.Duplicated++
		w.deliver(to, append([]byte(nil), frame...))
	}

	held := w.held[:0]
	var release []heldFrame
	for _, h := range w.held {
		if h.to == to {
			release = append(release, h)
		} else {
			held = append(held, h)
		}
	}
	w.held = held
	for _, h := range release {
		w.deliver(h.to, h.frame)
	}
}

// Pump moves frames between the ends until both transmit queues are empty,
// releasing held frames once nothing else is in flight. It must not be
// called with either stack's lock held.
func (w *Wire) Pump() {
	for {
		moved := false
		if p, ok := w.A.Read(); ok {
			w.carry(w.B, p.Frame)
			moved = true
		}
		if p, ok := w.B.Read(); ok {
			w.carry(w.A, p.Frame)
			moved = true
		}
		if moved {
			continue
		}
		if len(w.held) == 0 {
			return
		}
		h := w.held[0]
		w.held = w.held[1:]
		w.deliver(h.to, h.frame)
	}
}

// PairOptions configures NewPair.
type PairOptions struct {
	// TransportProtocols are enabled on both stacks.
	TransportProtocols []stack.TransportProtocolFactory

	// MTU of both links. Zero means 1500.
	MTU uint32

	// Impairment applies to frames in both directions.
	Impairment Impairment

	// Seed seeds the wire and the stacks' random sources.
	Seed int64
}

// Pair is two stacks on one Ethernet segment sharing a manual clock. A
// holds Prefix1 and B holds Prefix2, both on NIC NICID.
type Pair struct {
	Clock        *faketime.ManualClock
	A, B         *stack.Stack
	LinkA, LinkB *channel.Endpoint
	Wire         *Wire
}

// NewPair builds a Pair.
func NewPair(opts PairOptions) (*Pair, error) {
	mtu := opts.MTU
	if mtu == 0 {
		mtu = 1500
	}
	clock := faketime.NewManualClock()
	p := &Pair{
		Clock: clock,
		LinkA: channel.New(1024, mtu, LinkAddr1),
		LinkB: channel.New(1024, mtu, LinkAddr2),
	}
	p.A = stack.New(stack.Options{
		TransportProtocols: opts.TransportProtocols,
		Clock:              clock,
		RandSource:         rand.NewSource(opts.Seed),
	})
	p.B = stack.New(stack.Options{
		TransportProtocols: opts.TransportProtocols,
		Clock:              clock,
		RandSource:         rand.NewSource(opts.Seed + 1),
	})
	for _, end := range []struct {
		s      *stack.Stack
		ep     *channel.Endpoint
		prefix netip.Prefix
	}{
		{s: p.A, ep: p.LinkA, prefix: Prefix1},
		{s: p.B, ep: p.LinkB, prefix: Prefix2},
	} {
		if err := end.s.CreateNIC(NICID, "eth0", end.ep); err != nil {
			return nil, fmt.Errorf("CreateNIC(%d): %w", NICID, err)
		}
		if err := end.s.AddAddress(NICID, end.prefix); err != nil {
			return nil, fmt.Errorf("AddAddress(%d, %s): %w", NICID, end.prefix, err)
		}
	}
	p.Wire = NewWire(p.LinkA, p.LinkB, opts.Impairment, opts.Seed)
	p.Wire.Pump()
	return p, nil
}

// Tick runs the due timers of both stacks and pumps the wire.
func (p *Pair) Tick() {
	p.A.Tick()
	p.B.Tick()
	p.Wire.Pump()
}

// Advance moves the clock forward by d, stopping at every timer deadline on
// the way to run it and carry the frames it produced.
func (p *Pair) Advance(d time.Duration) {
	end := p.Clock.NowMonotonic().Add(d)
	for {
		next, ok := p.nextDeadline()
		if !ok || next.After(end) {
			p.Clock.Advance(end.Sub(p.Clock.NowMonotonic()))
			p.Tick()
			return
		}
		if wait := next.Sub(p.Clock.NowMonotonic()); wait > 0 {
			p.Clock.Advance(wait)
		}
		p.Tick()
	}
}

func (p *Pair) nextDeadline() (tcpip.MonotonicTime, bool) {
	a, okA := p.A.NextDeadline()
	b, okB := p.B.NextDeadline()
	switch {
	case !okA:
		return b, okB
	case !okB || a.Before(b):
		return a, true
	default:
		return b, true
	}
}
