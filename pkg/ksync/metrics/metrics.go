// Package metrics adapts pkg/monitoring's promauto gauge/counter style
// into KSync's internal observability surface: live and stale entry
// counts and index-table usage per EntryObject, in-flight request
// count per transport shard, and a total count of flow-slot
// evictions. Entry counts are not broken down by state, nor evictions
// by generation. This
// package never exposes an HTTP handler or a textual dump itself —
// the sandesh-style introspection surface stays out of scope per the
// engine's own Non-goals — it only registers into a *prometheus.Registry
// a caller supplies and owns.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EntryObjectSource is the subset of object.EntryObject a Collector
// scrapes at collection time.
type EntryObjectSource interface {
	Name() string
	Len() int
	IndexUsage() (used, capacity int)
	StaleCount() int
}

// TransportSource is the subset of transport.Transport a Collector
// scrapes at collection time.
type TransportSource interface {
	InFlightCount() int
}

// Collector implements prometheus.Collector by pulling live counts
// from the registered sources at scrape time, rather than mirroring
// them into a parallel set of gauges that could drift. Flow evictions
// are the one metric that is inherently an event, not a level, so
// they are tracked as a plain counter fed by RecordFlowEviction.
type Collector struct {
	objects    []EntryObjectSource
	transports []TransportSource

	entryCount      *prometheus.Desc
	staleCount      *prometheus.Desc
	indexUsed       *prometheus.Desc
	indexCapacity   *prometheus.Desc
	inFlightCount   *prometheus.Desc
	flowEvictions   prometheus.Counter
}

// NewCollector builds a Collector with no sources registered yet;
// call AddEntryObject/AddTransport before registering it with a
// prometheus.Registerer.
func NewCollector() *Collector {
	return &Collector{
		entryCount: prometheus.NewDesc(
			"ksync_entries", "Number of live entries in an EntryObject.",
			[]string{"object"}, nil,
		),
		staleCount: prometheus.NewDesc(
			"ksync_stale_entries", "Number of entries awaiting stale cleanup.",
			[]string{"object"}, nil,
		),
		indexUsed: prometheus.NewDesc(
			"ksync_index_used", "Number of allocated slots in an EntryObject's index table.",
			[]string{"object"}, nil,
		),
		indexCapacity: prometheus.NewDesc(
			"ksync_index_capacity", "Total slots in an EntryObject's index table.",
			[]string{"object"}, nil,
		),
		inFlightCount: prometheus.NewDesc(
			"ksync_transport_in_flight", "Outstanding request contexts awaiting a response.",
			[]string{"shard"}, nil,
		),
		flowEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ksync_flow_evictions_total",
			Help: "Flow-index slots reclaimed from a stale generation during Acquire.",
		}),
	}
}

// AddEntryObject registers an EntryObject to be scraped under its Name().
func (c *Collector) AddEntryObject(o EntryObjectSource) {
	c.objects = append(c.objects, o)
}

// AddTransport registers a transport shard to be scraped, identified
// by shard in the exported label.
func (c *Collector) AddTransport(shard string, t TransportSource) {
	c.transports = append(c.transports, namedTransport{shard: shard, TransportSource: t})
}

type namedTransport struct {
	shard string
	TransportSource
}

// RecordFlowEviction increments the eviction counter. Wired via
// WrapEvictionCallback so callers never touch the counter directly.
func (c *Collector) RecordFlowEviction() {
	c.flowEvictions.Inc()
}

// WrapEvictionCallback wraps a flow.Object onEvicted callback
// (func(loser *entry.Entry, evictedGenID uint8)) so every eviction it
// sees is also counted, preserving whatever the caller's own callback
// does with the losing entry. Generic over the loser type so this
// package does not need to import pkg/ksync/entry.
func WrapEvictionCallback[T any](c *Collector, next func(loser T, evictedGenID uint8)) func(loser T, evictedGenID uint8) {
	return func(loser T, evictedGenID uint8) {
		c.RecordFlowEviction()
		if next != nil {
			next(loser, evictedGenID)
		}
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entryCount
	ch <- c.staleCount
	ch <- c.indexUsed
	ch <- c.indexCapacity
	ch <- c.inFlightCount
	c.flowEvictions.Describe(ch)
}

// Collect implements prometheus.Collector, scraping every registered
// source fresh on each call rather than caching.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, o := range c.objects {
		ch <- prometheus.MustNewConstMetric(c.entryCount, prometheus.GaugeValue, float64(o.Len()), o.Name())
		ch <- prometheus.MustNewConstMetric(c.staleCount, prometheus.GaugeValue, float64(o.StaleCount()), o.Name())
		used, capacity := o.IndexUsage()
		if capacity > 0 {
			ch <- prometheus.MustNewConstMetric(c.indexUsed, prometheus.GaugeValue, float64(used), o.Name())
			ch <- prometheus.MustNewConstMetric(c.indexCapacity, prometheus.GaugeValue, float64(capacity), o.Name())
		}
	}
	for _, t := range c.transports {
		ch <- prometheus.MustNewConstMetric(c.inFlightCount, prometheus.GaugeValue, float64(t.InFlightCount()), t.shard)
	}
	c.flowEvictions.Collect(ch)
}
