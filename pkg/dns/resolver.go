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

// Package dns implements a stub resolver over the stack's UDP sockets.
//
// Answers are cached for their TTL, and NXDOMAIN answers for the SOA
// minimum. Identical questions asked while a query is outstanding wait for
// that query instead of sending their own.
package dns

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/net/dns/dnsmessage"
	"osbyte.dev/netstack/pkg/log"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/adapters/udpsock"
	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/stack"
)

// Port is the DNS server port.
const Port = 53

// maxCNAMEs bounds how many aliases are followed within one answer.
const maxCNAMEs = 8

// ErrNoServers is returned when a question cannot be answered from the
// cache and no server is configured.
var ErrNoServers = errors.New("dns: no servers configured")

var malformedLog = log.BasicRateLimitedLogger(time.Minute)

// Options configures a Resolver.
type Options struct {
	// Servers are queried in turn, one per attempt.
	Servers []netip.AddrPort

	// MaxEntries bounds the cache. Zero means 512.
	MaxEntries int

	// MaxPending bounds the number of outstanding queries. Zero means 64.
	MaxPending int

	// Attempts is the number of times a query is sent before it fails
	// with ErrTimeout. Zero means 4.
	Attempts int

	// InitialTimeout is the wait for the first reply, doubling per attempt
	// up to MaxTimeout. Zero means 1s and 8s.
	InitialTimeout time.Duration
	MaxTimeout     time.Duration

	// MaxTTL caps the time answers are cached. Zero means a day.
	MaxTTL time.Duration

	// MaxNegativeTTL caps the time NXDOMAIN and empty answers are cached.
	// Zero means five minutes.
	MaxNegativeTTL time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxEntries == 0 {
		o.MaxEntries = 512
	}
	if o.MaxPending <= 0 {
		o.MaxPending = 64
	}
	if o.Attempts <= 0 {
		o.Attempts = 4
	}
	if o.InitialTimeout <= 0 {
		o.InitialTimeout = time.Second
	}
	if o.MaxTimeout < o.InitialTimeout {
		o.MaxTimeout = 8 * time.Second
	}
	if o.MaxTTL <= 0 {
		o.MaxTTL = 24 * time.Hour
	}
	if o.MaxNegativeTTL <= 0 {
		o.MaxNegativeTTL = 5 * time.Minute
	}
}

// Result is the outcome of a question.
type Result struct {
	// Records holds the answer: the CNAME chain from the question's name,
	// if any, followed by the records of the asked type. It is empty when
	// the name exists but has no such records.
	Records []Record

	// Err is nil, tcpip.ErrNameNotFound, tcpip.ErrTimeout,
	// tcpip.ErrNoBufferSpace when too many queries are outstanding, or
	// tcpip.ErrAborted when the resolver is closed.
	Err error

	// Cached reports whether the result came from the cache.
	Cached bool
}

// Stats are resolver counters.
type Stats struct {
	Queries     tcpip.StatCounter
	Retransmits tcpip.StatCounter
	CacheHits   tcpip.StatCounter
	Coalesced   tcpip.StatCounter
	Timeouts    tcpip.StatCounter
	BadReplies  tcpip.StatCounter
}

// Walk calls fn for each counter.
func (s *Stats) Walk(fn func(name string, c *tcpip.StatCounter)) {
	fn("queries", &s.Queries)
	fn("retransmits", &s.Retransmits)
	fn("cache_hits", &s.CacheHits)
	fn("coalesced", &s.Coalesced)
	fn("timeouts", &s.Timeouts)
	fn("bad_replies", &s.BadReplies)
}

// query is an outstanding question.
type query struct {
	key     key
	name    dnsmessage.Name
	id      uint16
	attempt int
	asked   []netip.AddrPort
	bo      *backoff.ExponentialBackOff
	timeout *tcpip.Job
	waiters []func(Result)
}

// Resolver answers questions through the stack. It is safe for concurrent
// use; results are delivered from Stack.Tick.
type Resolver struct {
	stack *stack.Stack
	opts  Options
	stats Stats

	mu      tcpip.DeferMutex
	rng     *rand.Rand
	servers []netip.AddrPort
	cache   *cache
	pending map[key]*query
	byID    map[uint16]*query
	socks   map[tcpip.NetworkProtocolNumber]*udpsock.Socket
	closed  bool
}

// NewResolver returns a resolver using opts.
func NewResolver(s *stack.Stack, opts Options) *Resolver {
	opts.setDefaults()
	r := &Resolver{
		stack:   s,
		opts:    opts,
		rng:     rand.New(rand.NewSource(int64(s.RandomUint32()))),
		cache:   newCache(opts.MaxEntries),
		pending: make(map[key]*query),
		byID:    make(map[uint16]*query),
		socks:   make(map[tcpip.NetworkProtocolNumber]*udpsock.Socket),
	}
	r.servers = normalizeServers(opts.Servers)
	return r
}

func normalizeServers(servers []netip.AddrPort) []netip.AddrPort {
	var out []netip.AddrPort
	for _, s := range servers {
		if !s.Addr().IsValid() {
			continue
		}
		port := s.Port()
		if port == 0 {
			port = Port
		}
		out = append(out, netip.AddrPortFrom(s.Addr().Unmap(), port))
	}
	return out
}

// SetServers replaces the servers queried. Outstanding queries use the new
// list from their next attempt.
func (r *Resolver) SetServers(servers []netip.AddrPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers = normalizeServers(servers)
	log.Infof("dns: servers %v", r.servers)
}

// SetServerAddrs is SetServers for servers on the standard port, as handed
// out by DHCP.
func (r *Resolver) SetServerAddrs(addrs []netip.Addr) {
	servers := make([]netip.AddrPort, 0, len(addrs))
	for _, a := range addrs {
		servers = append(servers, netip.AddrPortFrom(a, Port))
	}
	r.SetServers(servers)
}

// Servers returns the configured servers.
func (r *Resolver) Servers() []netip.AddrPort {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]netip.AddrPort(nil), r.servers...)
}

// Stats returns the resolver's counters.
func (r *Resolver) Stats() *Stats {
	return &r.stats
}

// Flush empties the cache.
func (r *Resolver) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.flush()
}

// Close fails outstanding queries with ErrAborted and closes the
// resolver's sockets.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, q := range r.pending {
		r.finishLocked(q, Result{Err: tcpip.ErrAborted})
	}
	for proto, s := range r.socks {
		s.Close()
		delete(r.socks, proto)
	}
}

// Resolve asks for the records of type typ of name. cb is called exactly
// once with the result, without the resolver's lock held. The returned error
// reports a question that could not be asked at all.
func (r *Resolver) Resolve(name string, typ dnsmessage.Type, cb func(Result)) error {
	k := key{name: canonicalName(name), typ: typ}
	qname, err := dnsmessage.NewName(k.name)
	if err != nil || k.name == "." {
		return fmt.Errorf("dns: invalid name %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("dns: %w", tcpip.ErrAborted)
	}
	now := r.stack.Clock().NowMonotonic()
	if e, ok := r.cache.get(k, now); ok {
		r.stats.CacheHits.Increment()
		res := Result{Records: e.answer(now), Err: e.err, Cached: true}
		r.mu.Defer(func() { cb(res) })
		return nil
	}
	if q, ok := r.pending[k]; ok {
		r.stats.Coalesced.Increment()
		q.waiters = append(q.waiters, cb)
		return nil
	}
	if len(r.servers) == 0 {
		return ErrNoServers
	}
	if len(r.pending) >= r.opts.MaxPending {
		r.mu.Defer(func() { cb(Result{Err: tcpip.ErrNoBufferSpace}) })
		return nil
	}

	q := &query{
		key:     k,
		name:    qname,
		bo:      newBackOff(r.stack.Clock(), r.opts.InitialTimeout, r.opts.MaxTimeout),
		waiters: []func(Result){cb},
	}
	for {
		q.id = uint16(r.rng.Uint32())
		if _, ok := r.byID[q.id]; !ok {
			break
		}
	}
	q.timeout = tcpip.NewJob(r.stack.Timers(), &r.mu, func() { r.handleTimeout(q) })
	r.pending[k] = q
	r.byID[q.id] = q
	r.stats.Queries.Increment()
	r.sendLocked(q)
	return nil
}

// Lookup is the blocking form of Resolve. Results are delivered by
// Stack.Tick, so another goroutine must be driving the stack.
func (r *Resolver) Lookup(ctx context.Context, name string, typ dnsmessage.Type) ([]Record, error) {
	ch := make(chan Result, 1)
	if err := r.Resolve(name, typ, func(res Result) { ch <- res }); err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res.Records, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LookupIP returns the IPv4 and then the IPv6 addresses of host. A literal
// address is returned as is.
func (r *Resolver) LookupIP(ctx context.Context, host string) ([]netip.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{a}, nil
	}
	types := []dnsmessage.Type{dnsmessage.TypeA, dnsmessage.TypeAAAA}
	chs := make([]chan Result, len(types))
	for i, typ := range types {
		chs[i] = make(chan Result, 1)
		ch := chs[i]
		if err := r.Resolve(host, typ, func(res Result) { ch <- res }); err != nil {
			return nil, err
		}
	}
	var (
		addrs    []netip.Addr
		firstErr error
	)
	for _, ch := range chs {
		select {
		case res := <-ch:
			if res.Err != nil {
				if firstErr == nil {
					firstErr = res.Err
				}
				continue
			}
			for _, rec := range res.Records {
				if rec.Addr.IsValid() {
					addrs = append(addrs, rec.Addr)
				}
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(addrs) != 0 {
		return addrs, nil
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, tcpip.ErrNameNotFound
}

// socketLocked returns the socket for proto, opening it on first use.
func (r *Resolver) socketLocked(proto tcpip.NetworkProtocolNumber) (*udpsock.Socket, error) {
	if s, ok := r.socks[proto]; ok {
		return s, nil
	}
	s, err := udpsock.Open(r.stack, &r.mu, udpsock.Options{Network: proto}, r.handleReply)
	if err != nil {
		return nil, err
	}
	r.socks[proto] = s
	return s, nil
}

func (r *Resolver) sendLocked(q *query) {
	server := r.servers[q.attempt%len(r.servers)]
	q.asked = append(q.asked, server)
	q.timeout.Schedule(q.bo.NextBackOff())

	b := dnsmessage.NewBuilder(make([]byte, 0, 512), dnsmessage.Header{
		ID:               q.id,
		RecursionDesired: true,
	})
	b.EnableCompression()
	err := b.StartQuestions()
	if err == nil {
		err = b.Question(dnsmessage.Question{Name: q.name, Type: q.key.typ, Class: dnsmessage.ClassINET})
	}
	var msg []byte
	if err == nil {
		msg, err = b.Finish()
	}
	if err != nil {
		log.Warningf("dns: build query for %s: %v", q.key.name, err)
		return
	}

	proto := header.IPv4ProtocolNumber
	if server.Addr().Is6() {
		proto = header.IPv6ProtocolNumber
	}
	sock, err := r.socketLocked(proto)
	if err != nil {
		log.Warningf("dns: %v", err)
		return
	}
	log.Debugf("dns: query %#04x %s %s to %s, attempt %d", q.id, q.key.name, q.key.typ, server, q.attempt+1)
	if err := sock.SendTo(msg, tcpip.FullAddress{Addr: server.Addr(), Port: server.Port()}); err != nil {
		log.Debugf("dns: send to %s: %s", server, err)
	}
}

func (r *Resolver) handleTimeout(q *query) {
	if r.pending[q.key] != q {
		return
	}
	r.retryLocked(q)
}

// retryLocked sends q to the next server, or fails it once its attempts
// are spent.
func (r *Resolver) retryLocked(q *query) {
	q.attempt++
	if q.attempt >= r.opts.Attempts || len(r.servers) == 0 {
		log.Debugf("dns: %s %s timed out", q.key.name, q.key.typ)
		r.stats.Timeouts.Increment()
		r.finishLocked(q, Result{Err: tcpip.ErrTimeout})
		return
	}
	r.stats.Retransmits.Increment()
	r.sendLocked(q)
}

func (r *Resolver) finishLocked(q *query, res Result) {
	q.timeout.Cancel()
	delete(r.pending, q.key)
	delete(r.byID, q.id)
	for _, cb := range q.waiters {
		own := res
		own.Records = append([]Record(nil), res.Records...)
		r.mu.Defer(func() { cb(own) })
	}
	q.waiters = nil
}

func (r *Resolver) handleReply(b []byte, from tcpip.FullAddress) {
	var p dnsmessage.Parser
	h, err := p.Start(b)
	if err != nil || !h.Response {
		return
	}
	q, ok := r.byID[h.ID]
	if !ok {
		return
	}
	src := netip.AddrPortFrom(from.Addr.Unmap(), from.Port)
	asked := false
	for _, s := range q.asked {
		if s == src {
			asked = true
			break
		}
	}
	if !asked {
		r.stats.BadReplies.Increment()
		malformedLog.Warningf("dns: reply for %#04x from unexpected %s", h.ID, src)
		return
	}
	qs, err := p.AllQuestions()
	if err != nil || len(qs) != 1 || canonicalName(qs[0].Name.String()) != q.key.name || qs[0].Type != q.key.typ || qs[0].Class != dnsmessage.ClassINET {
		r.stats.BadReplies.Increment()
		malformedLog.Warningf("dns: reply from %s does not match question %s %s", src, q.key.name, q.key.typ)
		return
	}

	switch h.RCode {
	case dnsmessage.RCodeSuccess, dnsmessage.RCodeNameError:
	default:
		log.Debugf("dns: %s answered %s %s with %s", src, q.key.name, q.key.typ, h.RCode)
		r.retryLocked(q)
		return
	}

	records, err := parseAnswers(&p)
	if err != nil {
		r.stats.BadReplies.Increment()
		malformedLog.Warningf("dns: malformed answer from %s: %v", src, err)
		return
	}
	negTTL, hasSOA := parseNegativeTTL(&p)

	now := r.stack.Clock().NowMonotonic()
	if h.RCode == dnsmessage.RCodeNameError {
		if hasSOA {
			r.cache.put(&entry{key: q.key, err: tcpip.ErrNameNotFound, expires: now.Add(min(negTTL, r.opts.MaxNegativeTTL))}, now)
		}
		r.finishLocked(q, Result{Err: tcpip.ErrNameNotFound})
		return
	}

	answer := followChain(records, q.key)
	if len(answer) == 0 {
		if hasSOA {
			r.cache.put(&entry{key: q.key, expires: now.Add(min(negTTL, r.opts.MaxNegativeTTL))}, now)
		}
		r.finishLocked(q, Result{})
		return
	}
	ttl := r.opts.MaxTTL
	for _, rec := range answer {
		ttl = min(ttl, rec.TTL)
	}
	if ttl > 0 {
		r.cache.put(&entry{key: q.key, records: answer, expires: now.Add(ttl)}, now)
	}
	r.finishLocked(q, Result{Records: answer})
}

// parseAnswers decodes the answer section. Records of unsupported types are
// skipped.
func parseAnswers(p *dnsmessage.Parser) ([]Record, error) {
	var out []Record
	for {
		h, err := p.AnswerHeader()
		if err == dnsmessage.ErrSectionDone {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		rec := Record{
			Name: canonicalName(h.Name.String()),
			Type: h.Type,
			TTL:  time.Duration(h.TTL) * time.Second,
		}
		if h.Class != dnsmessage.ClassINET {
			if err := p.SkipAnswer(); err != nil {
				return nil, err
			}
			continue
		}
		switch h.Type {
		case dnsmessage.TypeA:
			a, err := p.AResource()
			if err != nil {
				return nil, err
			}
			rec.Addr = netip.AddrFrom4(a.A)
		case dnsmessage.TypeAAAA:
			a, err := p.AAAAResource()
			if err != nil {
				return nil, err
			}
			rec.Addr = netip.AddrFrom16(a.AAAA)
		case dnsmessage.TypeCNAME:
			c, err := p.CNAMEResource()
			if err != nil {
				return nil, err
			}
			rec.Target = canonicalName(c.CNAME.String())
		case dnsmessage.TypePTR:
			c, err := p.PTRResource()
			if err != nil {
				return nil, err
			}
			rec.Target = canonicalName(c.PTR.String())
		case dnsmessage.TypeNS:
			c, err := p.NSResource()
			if err != nil {
				return nil, err
			}
			rec.Target = canonicalName(c.NS.String())
		case dnsmessage.TypeMX:
			c, err := p.MXResource()
			if err != nil {
				return nil, err
			}
			rec.Target = canonicalName(c.MX.String())
			rec.Pref = c.Pref
		case dnsmessage.TypeTXT:
			c, err := p.TXTResource()
			if err != nil {
				return nil, err
			}
			rec.Text = c.TXT
		default:
			if err := p.SkipAnswer(); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, rec)
	}
}

// parseNegativeTTL returns the negative caching time of an answer, the
// smaller of the SOA's TTL and its minimum field, as per RFC 2308 section 5.
func parseNegativeTTL(p *dnsmessage.Parser) (time.Duration, bool) {
	for {
		h, err := p.AuthorityHeader()
		if err != nil {
			return 0, false
		}
		if h.Type != dnsmessage.TypeSOA {
			if err := p.SkipAuthority(); err != nil {
				return 0, false
			}
			continue
		}
		soa, err := p.SOAResource()
		if err != nil {
			return 0, false
		}
		return time.Duration(min(h.TTL, soa.MinTTL)) * time.Second, true
	}
}

// followChain returns the CNAME chain starting at k's name followed by the
// records of k's type owned by the end of the chain.
func followChain(records []Record, k key) []Record {
	var out []Record
	name := k.name
	if k.typ != dnsmessage.TypeCNAME {
		for i := 0; i < maxCNAMEs; i++ {
			found := false
			for _, rec := range records {
				if rec.Type == dnsmessage.TypeCNAME && rec.Name == name {
					out = append(out, rec)
					name = rec.Target
					found = true
					break
				}
			}
			if !found {
				break
			}
		}
	}
	n := len(out)
	for _, rec := range records {
		if rec.Type == k.typ && rec.Name == name {
			out = append(out, rec)
		}
	}
	if len(out) == n {
		return nil
	}
	return out
}

// clockAdapter lets backoff read the stack's clock.
type clockAdapter struct {
	c tcpip.Clock
}

func (a clockAdapter) Now() time.Time {
	return a.c.Now()
}

func newBackOff(clock tcpip.Clock, initial, max time.Duration) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval: initial,
		Multiplier:      2,
		MaxInterval:     max,
		Clock:           clockAdapter{clock},
	}
	b.Reset()
	return b
}
