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
	"fmt"
	"net/netip"
	"time"

	"osbyte.dev/netstack/pkg/log"
	"osbyte.dev/netstack/pkg/tcpip"
)

// NeighborEntry describes a neighboring device in the local network.
type NeighborEntry struct {
	Addr      netip.Addr
	LocalAddr netip.Addr
	LinkAddr  tcpip.LinkAddress
	State     NeighborState
	UpdatedAt time.Time
}

// NeighborState defines the state of a NeighborEntry within the Neighbor
// Unreachability Detection state machine, as per RFC 4861 section 7.3.2.
type NeighborState uint8

const (
	// Unknown means reachability has not been verified yet. This is the initial
	// state of entries that have been created automatically by the Neighbor
	// Unreachability Detection state machine.
	Unknown NeighborState = iota
	// Incomplete means that there is an outstanding request to resolve the
	// address.
	Incomplete
	// Reachable means the path to the neighbor is functioning properly for both
	// receive and transmit paths.
	Reachable
	// Stale means reachability to the neighbor is unknown, but packets are still
	// able to be transmitted to the possibly stale link address.
	Stale
	// Delay means reachability to the neighbor is unknown and pending
	// confirmation from an upper-level protocol like TCP, but packets are still
	// able to be transmitted to the possibly stale link address.
	Delay
	// Probe means a reachability confirmation is actively being sought by
	// periodically retransmitting reachability probes until a reachability
	// confirmation is received, or until the max amount of probes has been sent.
	Probe
	// Static describes entries that have been explicitly added by the user. They
	// do not expire and are not deleted until explicitly removed.
	Static
	// Failed means traffic should not be sent to this neighbor since attempts of
	// reachability have returned inconclusive. Failed entries are removed
	// from the cache as soon as they enter this state.
	Failed
)

func (s NeighborState) String() string {
	switch s {
	case Unknown:
		return "Unknown"
	case Incomplete:
		return "Incomplete"
	case Reachable:
		return "Reachable"
	case Stale:
		return "Stale"
	case Delay:
		return "Delay"
	case Probe:
		return "Probe"
	case Static:
		return "Static"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("NeighborState(%d)", s)
	}
}

// ReachabilityConfirmationFlags describes the flags used within a reachability
// confirmation (e.g. ARP reply or Neighbor Advertisement for ARP or NDP,
// respectively).
type ReachabilityConfirmationFlags struct {
	// Solicited indicates that the advertisement was sent in response to a
	// reachability probe.
	Solicited bool

	// Override indicates that the reachability confirmation should override an
	// existing neighbor cache entry and update the cached link-layer address.
	// When Override is not set the confirmation will not update a cached
	// link-layer address, but will update an existing neighbor cache entry for
	// which no link-layer address is known.
	Override bool

	// IsRouter indicates that the sender is a router.
	IsRouter bool
}

// neighborEntry implements a neighbor entry's individual node behavior, as per
// RFC 4861 section 7.3.3. Neighbor Unreachability Detection operates in
// parallel with the sending of packets to a neighbor; every method runs with
// the stack lock held.
type neighborEntry struct {
	cache *neighborCache

	neigh NeighborEntry

	// pending holds IP packets waiting for the link address, oldest first.
	pending [][]byte

	// removed is set once the entry has left the cache. Jobs that were
	// already popped by the timer queue check it before acting.
	removed bool

	isRouter bool
	job      *tcpip.Job
}

// newNeighborEntry creates a neighbor cache entry starting at the default
// state, Unknown. Transition out of Unknown by calling either
// `handlePacketQueuedLocked` or `handleProbeLocked` on the newly created
// neighborEntry.
func newNeighborEntry(cache *neighborCache, remoteAddr netip.Addr) *neighborEntry {
	return &neighborEntry{
		cache: cache,
		neigh: NeighborEntry{
			Addr:  remoteAddr,
			State: Unknown,
		},
	}
}

// newStaticNeighborEntry creates a neighbor cache entry starting at the Static
// state. The entry can only transition out of Static by being removed.
func newStaticNeighborEntry(cache *neighborCache, addr netip.Addr, linkAddr tcpip.LinkAddress) *neighborEntry {
	return &neighborEntry{
		cache: cache,
		neigh: NeighborEntry{
			Addr:      addr,
			LinkAddr:  linkAddr,
			State:     Static,
			UpdatedAt: cache.nic.stack.clock.Now(),
		},
	}
}

// enqueueLocked queues an IP packet until the link address is known. The
// oldest packet is dropped when the queue is full.
func (e *neighborEntry) enqueueLocked(pkt []byte) {
	if len(e.pending) >= e.cache.state.config.PendingQueueSize {
		e.pending = e.pending[1:]
		e.cache.nic.stack.stats.Neighbor.PendingPacketsDropped.Increment()
	}
	e.pending = append(e.pending, pkt)
}

// flushPendingLocked sends every queued packet to the resolved link address.
func (e *neighborEntry) flushPendingLocked() {
	pending := e.pending
	e.pending = nil
	for _, pkt := range pending {
		e.cache.nic.writeFrameLocked(e.neigh.LinkAddr, e.cache.proto, pkt)
	}
}

// failPendingLocked reports the queued packets as undeliverable to the
// transport endpoints that sent them.
func (e *neighborEntry) failPendingLocked() {
	pending := e.pending
	e.pending = nil
	s := e.cache.nic.stack
	for _, pkt := range pending {
		s.stats.IP.OutgoingPacketErrors.Increment()
		s.deliverLocalErrorLocked(e.cache.nic, e.cache.proto, pkt, tcpip.ErrHostUnreachable)
	}
}

// setStateLocked transitions the entry to the specified state immediately.
//
// Follows the logic defined in RFC 4861 section 7.3.3.
func (e *neighborEntry) setStateLocked(next NeighborState) {
	// Cancel the previously scheduled action, if there is one. Entries in
	// Unknown or Static state do not have scheduled actions.
	if timer := e.job; timer != nil {
		timer.Cancel()
	}

	prev := e.neigh.State
	e.neigh.State = next
	e.neigh.UpdatedAt = e.cache.nic.stack.clock.Now()
	config := e.cache.state.config
	s := e.cache.nic.stack

	if prev != next {
		log.Debugf("neighbor %s on nic %d: %s -> %s", e.neigh.Addr, e.cache.nic.id, prev, next)
	}

	switch next {
	case Incomplete:
		var retryCounter uint32
		var sendMulticastProbe func()

		sendMulticastProbe = func() {
			if e.removed {
				return
			}
			if retryCounter == config.MaxMulticastProbes {
				// "If no Neighbor Advertisement is received after
				// MAX_MULTICAST_SOLICIT solicitations, address resolution has failed.
				// The sender MUST return ICMP destination unreachable indications with
				// code 3 (Address Unreachable) for each packet queued awaiting address
				// resolution." - RFC 4861 section 7.2.2
				//
				// The packets were generated on this node, so the transport
				// endpoints are told directly instead.
				e.setStateLocked(Failed)
				return
			}

			if err := e.cache.linkRes.linkAddressRequest(e.neigh.Addr, e.neigh.LocalAddr, ""); err != nil {
				e.setStateLocked(Failed)
				return
			}

			retryCounter++
			e.job = s.newJob(sendMulticastProbe)
			e.job.Schedule(config.RetransmitTimer)
		}

		sendMulticastProbe()

	case Reachable:
		e.job = s.newJob(func() {
			if !e.removed {
				e.setStateLocked(Stale)
			}
		})
		e.job.Schedule(e.cache.state.reachableTime)

	case Delay:
		e.job = s.newJob(func() {
			if !e.removed {
				e.setStateLocked(Probe)
			}
		})
		e.job.Schedule(config.DelayFirstProbeTime)

	case Stale:
		e.job = s.newJob(func() {
			if !e.removed {
				e.setStateLocked(Probe)
			}
		})
		e.job.Schedule(config.StaleTimeout)

	case Probe:
		// An idle STALE entry gets one unicast request before it is evicted.
		maxProbes := config.MaxUnicastProbes
		if prev == Stale {
			maxProbes = 1
		}
		var retryCounter uint32
		var sendUnicastProbe func()

		sendUnicastProbe = func() {
			if e.removed {
				return
			}
			if retryCounter == maxProbes {
				e.setStateLocked(Failed)
				return
			}

			if err := e.cache.linkRes.linkAddressRequest(e.neigh.Addr, e.neigh.LocalAddr, e.neigh.LinkAddr); err != nil {
				e.setStateLocked(Failed)
				return
			}

			retryCounter++
			e.job = s.newJob(sendUnicastProbe)
			e.job.Schedule(config.RetransmitTimer)
		}

		sendUnicastProbe()

	case Failed:
		s.stats.Neighbor.UnreachableEntryLookups.Increment()
		e.cache.removeEntryLocked(e)
		e.failPendingLocked()

	case Unknown, Static:
		// Do nothing

	default:
		panic(fmt.Sprintf("Invalid state transition from %q to %q", prev, next))
	}
}

// handlePacketQueuedLocked advances the state machine according to a packet
// being queued for outgoing transmission.
//
// Follows the logic defined in RFC 4861 section 7.3.3.
func (e *neighborEntry) handlePacketQueuedLocked(localAddr netip.Addr) {
	switch e.neigh.State {
	case Unknown:
		e.neigh.LocalAddr = localAddr
		e.setStateLocked(Incomplete)

	case Stale:
		e.neigh.LocalAddr = localAddr
		e.setStateLocked(Delay)

	case Incomplete, Reachable, Delay, Probe, Static, Failed:
		// Do nothing

	default:
		panic(fmt.Sprintf("Invalid cache entry state: %s", e.neigh.State))
	}
}

// handleProbeLocked processes an incoming neighbor probe (e.g. ARP request or
// Neighbor Solicitation for ARP or NDP, respectively).
//
// Follows the logic defined in RFC 4861 section 7.2.3.
func (e *neighborEntry) handleProbeLocked(remoteLinkAddr tcpip.LinkAddress) {
	// Probes MUST be silently discarded if the target address is tentative, does
	// not exist, or not bound to the NIC as per RFC 4861 section 7.2.3. These
	// checks are done by the caller.

	switch e.neigh.State {
	case Unknown, Incomplete:
		e.neigh.LinkAddr = remoteLinkAddr
		e.setStateLocked(Stale)
		e.flushPendingLocked()

	case Reachable, Delay, Probe:
		if e.neigh.LinkAddr != remoteLinkAddr {
			e.neigh.LinkAddr = remoteLinkAddr
			e.setStateLocked(Stale)
		}

	case Stale:
		if e.neigh.LinkAddr != remoteLinkAddr {
			e.neigh.LinkAddr = remoteLinkAddr
		}

	case Static, Failed:
		// Do nothing

	default:
		panic(fmt.Sprintf("Invalid cache entry state: %s", e.neigh.State))
	}
}

// handleConfirmationLocked processes an incoming neighbor confirmation
// (e.g. ARP reply or Neighbor Advertisement for ARP or NDP, respectively).
//
// Follows the state machine defined by RFC 4861 section 7.2.5.
func (e *neighborEntry) handleConfirmationLocked(linkAddr tcpip.LinkAddress, flags ReachabilityConfirmationFlags) {
	switch e.neigh.State {
	case Incomplete:
		if len(linkAddr) == 0 {
			// "If the link layer has addresses and no Target Link-Layer Address
			// option is included, the receiving node SHOULD silently discard the
			// received advertisement." - RFC 4861 section 7.2.5
			break
		}

		e.neigh.LinkAddr = linkAddr
		if flags.Solicited {
			e.setStateLocked(Reachable)
		} else {
			e.setStateLocked(Stale)
		}
		e.isRouter = flags.IsRouter
		e.flushPendingLocked()

		// "Note that the Override flag is ignored if the entry is in the
		// INCOMPLETE state." - RFC 4861 section 7.2.5

	case Reachable, Stale, Delay, Probe:
		isLinkAddrDifferent := len(linkAddr) != 0 && e.neigh.LinkAddr != linkAddr

		if isLinkAddrDifferent {
			if !flags.Override {
				if e.neigh.State == Reachable {
					e.setStateLocked(Stale)
				}
				break
			}

			e.neigh.LinkAddr = linkAddr

			if !flags.Solicited {
				if e.neigh.State != Stale {
					e.setStateLocked(Stale)
				}
				break
			}
		}

		if flags.Solicited && (flags.Override || !isLinkAddrDifferent) {
			// Set state to Reachable again to refresh timers.
			e.setStateLocked(Reachable)
		}

		if e.isRouter && !flags.IsRouter && e.neigh.Addr.Is6() {
			// "In those cases where the IsRouter flag changes from TRUE to FALSE as
			// a result of this update, the node MUST remove that router from the
			// Default Router List and update the Destination Cache entries for all
			// destinations using that neighbor as a router as specified in Section
			// 7.3.3.  This is needed to detect when a node that is used as a router
			// stops forwarding packets due to being configured as a host."
			//  - RFC 4861 section 7.2.5
			e.cache.nic.ndp.invalidateDefaultRouterLocked(e.neigh.Addr)
		}
		e.isRouter = flags.IsRouter

	case Unknown, Failed, Static:
		// Do nothing

	default:
		panic(fmt.Sprintf("Invalid cache entry state: %s", e.neigh.State))
	}
}

// handleUpperLevelConfirmationLocked processes an incoming upper-level protocol
// (e.g. TCP acknowledgements) reachability confirmation.
func (e *neighborEntry) handleUpperLevelConfirmationLocked() {
	switch e.neigh.State {
	case Reachable, Stale, Delay, Probe:
		// Set state to Reachable again to refresh timers.
		e.setStateLocked(Reachable)

	case Unknown, Incomplete, Failed, Static:
		// Do nothing

	default:
		panic(fmt.Sprintf("Invalid cache entry state: %s", e.neigh.State))
	}
}
