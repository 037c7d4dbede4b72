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

package ntp

import (
	"fmt"
	"math/rand"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff"
	"osbyte.dev/netstack/pkg/log"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/adapters/udpsock"
	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/stack"
)

var rejectLog = log.BasicRateLimitedLogger(time.Minute)

// ClockAdjuster applies corrections to the clock being disciplined. Offsets
// are positive when the local clock is behind the server.
type ClockAdjuster interface {
	// Step sets the clock forward by offset at once.
	Step(offset time.Duration)

	// Slew corrects the clock by offset gradually.
	Slew(offset time.Duration)
}

// Options configures a Client.
type Options struct {
	// Server is the server polled. A zero port means Port.
	Server netip.AddrPort

	// PollInterval is the time between successful polls. Zero means 64s.
	PollInterval time.Duration

	// Timeout is the wait for a reply. Unanswered polls are retried with a
	// backoff doubling from Timeout up to PollInterval. Zero means 5s.
	Timeout time.Duration

	// Samples is the number of recent samples the filter picks from. Zero
	// means 8.
	Samples int

	// StepThreshold is the offset beyond which the clock is stepped
	// rather than slewed. Zero means 128ms.
	StepThreshold time.Duration

	// Adjuster, if set, receives the corrections.
	Adjuster ClockAdjuster

	// OnSample, if set, is called with every accepted sample.
	OnSample func(Sample)
}

func (o *Options) setDefaults() {
	if o.Server.Port() == 0 {
		o.Server = netip.AddrPortFrom(o.Server.Addr(), Port)
	}
	o.Server = netip.AddrPortFrom(o.Server.Addr().Unmap(), o.Server.Port())
	if o.PollInterval <= 0 {
		o.PollInterval = 64 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Samples <= 0 {
		o.Samples = 8
	}
	if o.StepThreshold <= 0 {
		o.StepThreshold = 128 * time.Millisecond
	}
}

// Sample is one measurement against the server.
type Sample struct {
	// Offset is the server's clock minus the local clock.
	Offset time.Duration

	// Delay is the round trip time spent on the network.
	Delay time.Duration

	Stratum uint8

	// At is the local time the reply arrived.
	At time.Time
}

// Stats are client counters.
type Stats struct {
	Polls    tcpip.StatCounter
	Replies  tcpip.StatCounter
	Rejected tcpip.StatCounter
	Timeouts tcpip.StatCounter
	Steps    tcpip.StatCounter
	Slews    tcpip.StatCounter
}

// Walk calls fn for each counter.
func (s *Stats) Walk(fn func(name string, c *tcpip.StatCounter)) {
	fn("polls", &s.Polls)
	fn("replies", &s.Replies)
	fn("rejected", &s.Rejected)
	fn("timeouts", &s.Timeouts)
	fn("steps", &s.Steps)
	fn("slews", &s.Slews)
}

// Client polls one server and disciplines a clock with the results.
type Client struct {
	stack *stack.Stack
	opts  Options
	stats Stats

	mu      tcpip.DeferMutex
	rng     *rand.Rand
	conn    *udpsock.Socket
	running bool

	// sent is the transmit timestamp of the outstanding request, zero when
	// none is. sentAt is the local time it was sent.
	sent   Timestamp
	sentAt time.Time

	samples []Sample
	applied time.Time
	bo      *backoff.ExponentialBackOff

	poll    *tcpip.Job
	timeout *tcpip.Job
}

// NewClient returns a stopped client.
func NewClient(s *stack.Stack, opts Options) (*Client, error) {
	opts.setDefaults()
	if !opts.Server.Addr().IsValid() {
		return nil, fmt.Errorf("ntp: no server")
	}
	c := &Client{
		stack: s,
		opts:  opts,
		rng:   rand.New(rand.NewSource(int64(s.RandomUint32()))),
	}
	c.bo = &backoff.ExponentialBackOff{
		InitialInterval: opts.Timeout,
		Multiplier:      2,
		MaxInterval:     opts.PollInterval,
		Clock:           clockAdapter{s.Clock()},
	}
	c.bo.Reset()
	c.poll = tcpip.NewJob(s.Timers(), &c.mu, c.handlePoll)
	c.timeout = tcpip.NewJob(s.Timers(), &c.mu, c.handleTimeout)
	return c, nil
}

// Start opens the client's socket and polls right away.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	proto := header.IPv4ProtocolNumber
	if c.opts.Server.Addr().Is6() {
		proto = header.IPv6ProtocolNumber
	}
	conn, err := udpsock.Open(c.stack, &c.mu, udpsock.Options{Network: proto}, c.handlePacket)
	if err != nil {
		return fmt.Errorf("ntp: %w", err)
	}
	c.conn = conn
	c.running = true
	c.bo.Reset()
	c.poll.Schedule(0)
	log.Infof("ntp: polling %s every %s", c.opts.Server, c.opts.PollInterval)
	return nil
}

// Stop cancels polling and closes the socket. Samples are kept.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	c.poll.Cancel()
	c.timeout.Cancel()
	c.sent = 0
	c.conn.Close()
	c.conn = nil
}

// Stats returns the client's counters.
func (c *Client) Stats() *Stats {
	return &c.stats
}

// Samples returns the samples the filter holds, oldest first.
func (c *Client) Samples() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sample(nil), c.samples...)
}

// Best returns the sample with the lowest delay.
func (c *Client) Best() (Sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bestLocked()
}

func (c *Client) bestLocked() (Sample, bool) {
	if len(c.samples) == 0 {
		return Sample{}, false
	}
	best := c.samples[0]
	for _, s := range c.samples[1:] {
		if s.Delay < best.Delay {
			best = s
		}
	}
	return best, true
}

func (c *Client) handlePoll() {
	if !c.running {
		return
	}
	now := c.stack.Clock().Now()
	// The low bits of the fraction are below the clock's precision; fill
	// them randomly so replies are hard to forge.
	ts := TimestampOf(now) ^ Timestamp(c.rng.Uint32()&0xff)
	if ts == 0 {
		ts = 1
	}
	p := Packet{
		Version:  Version,
		Mode:     ModeClient,
		Transmit: ts,
	}
	c.stats.Polls.Increment()
	c.sent = ts
	c.sentAt = now
	c.timeout.Schedule(c.opts.Timeout)
	log.Debugf("ntp: poll %s", c.opts.Server)
	if err := c.conn.SendTo(p.Marshal(), tcpip.FullAddress{Addr: c.opts.Server.Addr(), Port: c.opts.Server.Port()}); err != nil {
		log.Debugf("ntp: send to %s: %s", c.opts.Server, err)
	}
}

func (c *Client) handleTimeout() {
	if !c.running || c.sent == 0 {
		return
	}
	c.sent = 0
	c.stats.Timeouts.Increment()
	next := c.bo.NextBackOff()
	log.Debugf("ntp: %s did not answer, retrying in %s", c.opts.Server, next)
	c.poll.Schedule(next)
}

func (c *Client) handlePacket(b []byte, from tcpip.FullAddress) {
	if !c.running || c.sent == 0 {
		return
	}
	if src := netip.AddrPortFrom(from.Addr.Unmap(), from.Port); src != c.opts.Server {
		return
	}
	arrived := c.stack.Clock().Now()

	var p Packet
	if err := p.Decode(b); err != nil {
		c.reject("%v", err)
		return
	}
	if p.Origin != c.sent {
		// A stale or forged reply; keep waiting for ours.
		c.reject("origin %#x does not match %#x", uint64(p.Origin), uint64(c.sent))
		return
	}
	if code, ok := p.KissCode(); ok {
		c.reject("kiss of death %q", code)
		c.finishPollLocked(false)
		return
	}
	switch {
	case p.Mode != ModeServer:
		c.reject("mode %d", p.Mode)
	case p.Stratum > MaxStratum:
		c.reject("stratum %d", p.Stratum)
	case p.Leap == LeapUnsynchronized:
		c.reject("server unsynchronized")
	case p.Transmit == 0:
		c.reject("zero transmit timestamp")
	default:
		c.stats.Replies.Increment()
		c.addSampleLocked(sampleOf(c.sentAt, p.Receive.Time(arrived), p.Transmit.Time(arrived), arrived, p.Stratum))
		c.finishPollLocked(true)
		return
	}
	c.finishPollLocked(false)
}

func (c *Client) reject(format string, v ...any) {
	c.stats.Rejected.Increment()
	rejectLog.Warningf("ntp: rejected reply from %s: "+format, append([]any{c.opts.Server}, v...)...)
}

// finishPollLocked ends the outstanding request and schedules the next one.
func (c *Client) finishPollLocked(ok bool) {
	c.sent = 0
	c.timeout.Cancel()
	if ok {
		c.bo.Reset()
		c.poll.Schedule(c.opts.PollInterval)
		return
	}
	c.poll.Schedule(c.bo.NextBackOff())
}

// sampleOf computes offset and delay from the four timestamps of an
// exchange, as per RFC 4330 section 5.
func sampleOf(t1, t2, t3, t4 time.Time, stratum uint8) Sample {
	delay := t4.Sub(t1) - t3.Sub(t2)
	if delay < 0 {
		delay = 0
	}
	return Sample{
		Offset:  (t2.Sub(t1) + t3.Sub(t4)) / 2,
		Delay:   delay,
		Stratum: stratum,
		At:      t4,
	}
}

// addSampleLocked records s and applies the filter's pick, unless that
// sample was applied already.
func (c *Client) addSampleLocked(s Sample) {
	log.Debugf("ntp: %s offset %s delay %s stratum %d", c.opts.Server, s.Offset, s.Delay, s.Stratum)
	c.samples = append(c.samples, s)
	if over := len(c.samples) - c.opts.Samples; over > 0 {
		c.samples = append(c.samples[:0], c.samples[over:]...)
	}
	if cb := c.opts.OnSample; cb != nil {
		c.mu.Defer(func() { cb(s) })
	}

	best, _ := c.bestLocked()
	if !best.At.After(c.applied) {
		return
	}
	c.applied = best.At
	adj := c.opts.Adjuster
	offset := best.Offset
	if offset > c.opts.StepThreshold || offset < -c.opts.StepThreshold {
		log.Infof("ntp: stepping clock by %s", offset)
		c.stats.Steps.Increment()
		// Samples taken before a step measured the old clock.
		c.samples = c.samples[:0]
		if adj != nil {
			c.mu.Defer(func() { adj.Step(offset) })
		}
		return
	}
	c.stats.Slews.Increment()
	if adj != nil {
		c.mu.Defer(func() { adj.Slew(offset) })
	}
}

// clockAdapter lets backoff read the stack's clock.
type clockAdapter struct {
	c tcpip.Clock
}

func (a clockAdapter) Now() time.Time {
	return a.c.Now()
}
