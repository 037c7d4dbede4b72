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
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/dns/dnsmessage"
	"golang.org/x/sync/errgroup"
	"osbyte.dev/netstack/pkg/config"
	"osbyte.dev/netstack/pkg/dns"
	"osbyte.dev/netstack/pkg/httpd"
	"osbyte.dev/netstack/pkg/log"
	"osbyte.dev/netstack/pkg/metric"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/adapters/gonet"
	"osbyte.dev/netstack/pkg/tcpip/header"
	"osbyte.dev/netstack/pkg/tcpip/link/channel"
	"osbyte.dev/netstack/pkg/tcpip/link/sniffer"
	"osbyte.dev/netstack/pkg/tcpip/stack"
	"osbyte.dev/netstack/pkg/tcpip/testutil"
)

const (
	// webName is the name host B serves HTTP under.
	webName = "web.netstack."

	maxDataSize = 64 << 20

	linkMTU = 1500
)

// demo implements subcommands.Command for the "demo" command.
type demo struct {
	loss      float64
	duplicate float64
	reorder   float64
	seed      int64
	requests  int
	size      int
	pcap      string
	metrics   string
	hold      bool
}

// Name implements subcommands.Command.Name.
func (*demo) Name() string {
	return "demo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*demo) Synopsis() string {
	return "fetch a page over HTTP between two stacks joined by an impaired link"
}

// Usage implements subcommands.Command.Usage.
func (*demo) Usage() string {
	return `demo [flags] - builds hosts A (10.0.0.1) and B (10.0.0.2) on one Ethernet
segment. B answers DNS for web.netstack and serves HTTP on port 80; A resolves
the name and fetches from B.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *demo) SetFlags(f *flag.FlagSet) {
	f.Float64Var(&d.loss, "loss", 0, "probability that a frame is lost.")
	f.Float64Var(&d.duplicate, "duplicate", 0, "probability that a frame is delivered twice.")
	f.Float64Var(&d.reorder, "reorder", 0, "probability that a frame is held back behind the next one.")
	f.Int64Var(&d.seed, "seed", 1, "seed of the link impairments and the stacks' random sources.")
	f.IntVar(&d.requests, "requests", 3, "number of HTTP requests A makes.")
	f.IntVar(&d.size, "size", 64<<10, "size in bytes of each response body.")
	f.StringVar(&d.pcap, "pcap", "", "write the frames of host A to this pcap file. Overrides log.pcap.")
	f.StringVar(&d.metrics, "metrics", "", "serve Prometheus metrics on this host address, such as localhost:9100. Overrides http.metrics_addr.")
	f.BoolVar(&d.hold, "hold", false, "keep serving after the requests complete, until interrupted.")
}

// Execute implements subcommands.Command.Execute.
func (d *demo) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	opts := demoOptions{
		Impairment: testutil.Impairment{
			Loss:      d.loss,
			Duplicate: d.duplicate,
			Reorder:   d.reorder,
		},
		Seed:     d.seed,
		Requests: d.requests,
		Size:     d.size,
		PCAP:     d.pcap,
		Metrics:  d.metrics,
		Hold:     d.hold,
	}
	if opts.PCAP == "" {
		opts.PCAP = conf.Log.PCAP
	}
	if opts.Metrics == "" {
		opts.Metrics = conf.HTTP.MetricsAddr
	}
	if opts.Size < 0 || opts.Size > maxDataSize {
		fmt.Fprintf(os.Stderr, "-size must be within [0, %d]\n", maxDataSize)
		return subcommands.ExitUsageError
	}

	res, err := runDemo(ctx, conf, opts)
	if res != nil {
		res.print(os.Stdout)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "demo: %v\n", err)
		log.Warningf("demo: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type demoOptions struct {
	Impairment testutil.Impairment
	Seed       int64
	Requests   int
	Size       int
	PCAP       string
	Metrics    string
	Hold       bool
}

// network is hosts A and B joined by a wire. Host A's link is sniffed when
// packet logging or capture is on.
type network struct {
	a, b *stack.Stack
	wire *testutil.Wire
	pcap *os.File
}

func newNetwork(conf *config.Config, opts demoOptions) (*network, error) {
	n := &network{}
	linkA := channel.New(1024, linkMTU, testutil.LinkAddr1)
	linkB := channel.New(1024, linkMTU, testutil.LinkAddr2)

	var epA stack.LinkEndpoint = linkA
	switch {
	case opts.PCAP != "":
		f, err := os.Create(opts.PCAP)
		if err != nil {
			return nil, err
		}
		if epA, err = sniffer.NewWithWriter(linkA, f, conf.Log.SnapLen); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing pcap header: %w", err)
		}
		n.pcap = f
	case conf.Log.Packets:
		epA = sniffer.New(linkA)
	}

	newStack := func(seed int64) *stack.Stack {
		so := conf.StackOptions()
		so.Clock = tcpip.NewStdClock()
		so.RandSource = rand.NewSource(seed)
		return stack.New(so)
	}
	n.a, n.b = newStack(opts.Seed), newStack(opts.Seed+1)
	for _, end := range []struct {
		s      *stack.Stack
		ep     stack.LinkEndpoint
		prefix netip.Prefix
	}{
		{s: n.a, ep: epA, prefix: testutil.Prefix1},
		{s: n.b, ep: linkB, prefix: testutil.Prefix2},
	} {
		if err := end.s.CreateNIC(testutil.NICID, "eth0", end.ep); err != nil {
			n.close()
			return nil, fmt.Errorf("CreateNIC(%d): %w", testutil.NICID, err)
		}
		if err := end.s.AddAddress(testutil.NICID, end.prefix); err != nil {
			n.close()
			return nil, fmt.Errorf("AddAddress(%d, %s): %w", testutil.NICID, end.prefix, err)
		}
	}
	n.wire = testutil.NewWire(linkA, linkB, opts.Impairment, opts.Seed)
	return n, nil
}

// run runs the timers of both stacks and carries frames between them until
// ctx is done. It is the only goroutine touching the wire.
func (n *network) run(ctx context.Context) error {
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for {
		n.a.Tick()
		n.b.Tick()
		n.wire.Pump()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (n *network) close() {
	if n.pcap != nil {
		if err := n.pcap.Close(); err != nil {
			log.Warningf("demo: closing pcap file: %v", err)
		}
		n.pcap = nil
	}
}

type demoResult struct {
	Requests int
	Bytes    int
	Elapsed  time.Duration

	Delivered  int
	Dropped    int
	Duplicated int
	Reordered  int

	Retransmits uint64
	DNSQueries  uint64
}

func (r *demoResult) print(w io.Writer) {
	fmt.Fprintf(w, "requests:     %d (%d bytes in %s)\n", r.Requests, r.Bytes, r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "frames:       %d delivered, %d dropped, %d duplicated, %d reordered\n", r.Delivered, r.Dropped, r.Duplicated, r.Reordered)
	fmt.Fprintf(w, "retransmits:  %d\n", r.Retransmits)
	fmt.Fprintf(w, "dns queries:  %d\n", r.DNSQueries)
}

// runDemo serves web.netstack from host B and fetches it opts.Requests times
// from host A.
func runDemo(ctx context.Context, conf *config.Config, opts demoOptions) (*demoResult, error) {
	n, err := newNetwork(conf, opts)
	if err != nil {
		return nil, err
	}
	defer n.close()

	dnsOpts, err := conf.DNSOptions()
	if err != nil {
		return nil, err
	}
	if len(dnsOpts.Servers) == 0 {
		dnsOpts.Servers = []netip.AddrPort{netip.AddrPortFrom(testutil.Prefix2.Addr(), dns.Port)}
	}
	r := dns.NewResolver(n.a, dnsOpts)
	defer r.Close()
	client := httpd.NewClient(n.a, r)
	defer client.CloseIdleConnections()

	var reg *prometheus.Registry
	if opts.Metrics != "" {
		c := metric.NewCollector()
		c.AddStack(n.a, prometheus.Labels{"host": "a"})
		c.AddStack(n.b, prometheus.Labels{"host": "b"})
		c.Add("dns", prometheus.Labels{"host": "a"}, r.Stats())
		if reg, err = metric.NewRegistry(c); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.run(ctx) })
	g.Go(func() error {
		return serveZone(ctx, n.b, map[string]netip.Addr{webName: testutil.Prefix2.Addr()})
	})
	g.Go(func() error { return httpd.Serve(ctx, n.b, webHandler(webName)) })
	if reg != nil {
		g.Go(func() error { return serveMetrics(ctx, opts.Metrics, reg) })
	}

	res := &demoResult{}
	g.Go(func() error {
		start := time.Now()
		want := pattern(opts.Size)
		url := fmt.Sprintf("http://%s/data?size=%d", strings.TrimSuffix(webName, "."), opts.Size)
		for i := 0; i < opts.Requests; i++ {
			got, err := fetch(ctx, client, url, want)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			res.Requests++
			res.Bytes += got
			log.Infof("demo: request %d fetched %d bytes", i, got)
		}
		res.Elapsed = time.Since(start)
		if opts.Hold {
			log.Infof("demo: requests done, serving until interrupted")
			<-ctx.Done()
		}
		cancel()
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}

	res.Delivered = n.wire.Delivered
	res.Dropped = n.wire.Dropped
	res.Duplicated = n.wire.Duplicated
	res.Reordered = n.wire.Reordered
	res.Retransmits = n.a.Stats().TCP.Retransmits.Value() + n.b.Stats().TCP.Retransmits.Value()
	res.DNSQueries = r.Stats().Queries.Value()
	if res.Requests < opts.Requests {
		return res, fmt.Errorf("interrupted after %d of %d requests", res.Requests, opts.Requests)
	}
	return res, nil
}

// fetch GETs url until it succeeds or ctx is done, and checks the body.
// Early attempts fail while the server is still starting.
func fetch(ctx context.Context, c *http.Client, url string, want []byte) (int, error) {
	var n int
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.Do(req)
		if err != nil {
			log.Debugf("demo: GET %s: %v", url, err)
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("GET %s: %s", url, resp.Status))
		}
		if !bytes.Equal(body, want) {
			return backoff.Permanent(fmt.Errorf("GET %s: body of %d bytes does not match", url, len(body)))
		}
		n = len(body)
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = time.Minute
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return 0, err
	}
	return n, nil
}

// pattern returns n bytes of a repeating alphabet.
func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

func webHandler(name string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "hello from %s\n", name)
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		size, err := strconv.Atoi(r.URL.Query().Get("size"))
		if err != nil || size < 0 || size > maxDataSize {
			http.Error(w, "size must be a byte count", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(size))
		w.Write(pattern(size))
	})
	return mux
}

// serveZone answers A and AAAA questions for the names in zone on the DNS
// port of s until ctx is done.
func serveZone(ctx context.Context, s *stack.Stack, zone map[string]netip.Addr) error {
	conn, err := gonet.DialUDP(s, &tcpip.FullAddress{Port: dns.Port}, nil, header.IPv4ProtocolNumber)
	if err != nil {
		return fmt.Errorf("dns: %w", err)
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	buf := make([]byte, 512)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dns: %w", err)
		}
		resp, ok := answer(buf[:n], zone)
		if !ok {
			continue
		}
		if _, err := conn.WriteTo(resp, from); err != nil {
			log.Debugf("dns: replying to %s: %v", from, err)
		}
	}
}

// answer builds the authoritative reply to query. It returns false for
// anything that is not a well formed single question.
func answer(query []byte, zone map[string]netip.Addr) ([]byte, bool) {
	var q dnsmessage.Message
	if err := q.Unpack(query); err != nil || q.Response || len(q.Questions) != 1 {
		return nil, false
	}
	question := q.Questions[0]
	resp := dnsmessage.Message{
		Header: dnsmessage.Header{
			ID:               q.ID,
			Response:         true,
			Authoritative:    true,
			RecursionDesired: q.RecursionDesired,
		},
		Questions: q.Questions,
	}
	rh := dnsmessage.ResourceHeader{Name: question.Name, Class: dnsmessage.ClassINET, TTL: 60}
	addr, ok := zone[strings.ToLower(question.Name.String())]
	switch {
	case !ok:
		resp.RCode = dnsmessage.RCodeNameError
	case question.Type == dnsmessage.TypeA && addr.Is4():
		resp.Answers = []dnsmessage.Resource{{Header: rh, Body: &dnsmessage.AResource{A: addr.As4()}}}
	case question.Type == dnsmessage.TypeAAAA && addr.Is6():
		resp.Answers = []dnsmessage.Resource{{Header: rh, Body: &dnsmessage.AAAAResource{AAAA: addr.As16()}}}
	}
	b, err := resp.Pack()
	if err != nil {
		return nil, false
	}
	return b, true
}

// serveMetrics serves reg on addr of the host network until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metric.Handler(reg))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Infof("demo: serving metrics on http://%s/metrics", addr)
	select {
	case err := <-errc:
		return fmt.Errorf("metrics: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
