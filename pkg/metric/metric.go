// Copyright 2018 The gVisor Authors.
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


// Package metric exports the counters of a stack and of the protocol clients
// running on it to Prometheus.
//
// Counters are read at scrape time; nothing is copied or registered per
// counter, so a Source may grow new counters without re-registration.
package metric

import (
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"osbyte.dev/netstack/pkg/tcpip"
	"osbyte.dev/netstack/pkg/tcpip/stack"
)

// Namespace prefixes every exported metric name.
const Namespace = "netstack"

// Source enumerates a set of counters by dotted name, such as
// "tcp.segments_sent". tcpip.Stats, dns.Stats and ntp.Stats are Sources.
type Source interface {
	Walk(fn func(name string, c *tcpip.StatCounter))
}

type source struct {
	subsystem string
	labels    prometheus.Labels
	src       Source
}

type gauge struct {
	desc *prometheus.Desc
	fn   func() float64
}

// Collector is a prometheus.Collector over any number of Sources. It is
// unchecked: Sources and stacks may be added after registration.
type Collector struct {
	mu      sync.Mutex
	sources []source
	gauges  []gauge

	// descs caches descriptors by fully qualified name and label set.
	descs map[string]*prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{descs: make(map[string]*prometheus.Desc)}
}

// Add exports every counter of src as
// <Namespace>_<subsystem>_<name>_total, with constant labels.
func (c *Collector) Add(subsystem string, labels prometheus.Labels, src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, source{subsystem: subsystem, labels: labels, src: src})
}

// AddStack exports the counters of s along with gauges of its interfaces,
// addresses and routes. labels tell stacks apart when several are exported.
func (c *Collector) AddStack(s *stack.Stack, labels prometheus.Labels) {
	c.Add("", labels, s.Stats())
	c.addGauge("nics", "Number of interfaces.", labels, func() float64 {
		return float64(len(s.NICInfo()))
	})
	c.addGauge("addresses", "Number of assigned addresses over all interfaces.", labels, func() float64 {
		n := 0
		for _, addrs := range s.AllAddresses() {
			n += len(addrs)
		}
		return float64(n)
	})
	c.addGauge("routes", "Number of routes in the routing table.", labels, func() float64 {
		return float64(len(s.Routes()))
	})
}

func (c *Collector) addGauge(name, help string, labels prometheus.Labels, fn func() float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges = append(c.gauges, gauge{
		desc: prometheus.NewDesc(prometheus.BuildFQName(Namespace, "", name), help, nil, labels),
		fn:   fn,
	})
}

// Describe implements prometheus.Collector.Describe. It describes nothing,
// which makes c an unchecked collector.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.Collect.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sources {
		s.src.Walk(func(name string, sc *tcpip.StatCounter) {
			ch <- prometheus.MustNewConstMetric(c.descLocked(s, name), prometheus.CounterValue, float64(sc.Value()))
		})
	}
	for _, g := range c.gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, g.fn())
	}
}

func (c *Collector) descLocked(s source, name string) *prometheus.Desc {
	fq := MetricName(s.subsystem, name)
	key := fq + labelKey(s.labels)
	if d, ok := c.descs[key]; ok {
		return d
	}
	d := prometheus.NewDesc(fq, "Counter "+name+".", nil, s.labels)
	c.descs[key] = d
	return d
}

// MetricName returns the exported name of the counter name of subsystem.
func MetricName(subsystem, name string) string {
	return prometheus.BuildFQName(Namespace, subsystem, strings.ReplaceAll(name, ".", "_")) + "_total"
}

func labelKey(labels prometheus.Labels) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString("\x00" + k + "=" + labels[k])
	}
	return b.String()
}

// NewRegistry returns a registry holding cs and the Go runtime and process
// collectors.
func NewRegistry(cs ...prometheus.Collector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	all := append([]prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}, cs...)
	for _, col := range all {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
