package addrbook

import (
	"github.com/lightningnetwork/peerbook/peeraddr"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the size and state breakdown of an AddressBook as
// Prometheus metrics.
type Collector struct {
	book *AddressBook

	addrsDesc    *prometheus.Desc
	capacityDesc *prometheus.Desc
	evictedDesc  *prometheus.Desc
	droppedDesc  *prometheus.Desc
}

// NewCollector creates a collector for book.
func NewCollector(book *AddressBook) *Collector {
	return &Collector{
		book: book,
		addrsDesc: prometheus.NewDesc(
			"peerbook_addresses",
			"Number of known peer addresses by connection state.",
			[]string{"state"},
			nil,
		),
		capacityDesc: prometheus.NewDesc(
			"peerbook_capacity",
			"Maximum number of peer addresses kept in memory.",
			nil,
			nil,
		),
		evictedDesc: prometheus.NewDesc(
			"peerbook_evicted_total",
			"Addresses evicted to make room for new ones.",
			nil,
			nil,
		),
		droppedDesc: prometheus.NewDesc(
			"peerbook_dropped_total",
			"New addresses refused because the book was full.",
			nil,
			nil,
		),
	}
}

// Describe sends the descriptors of all metrics of the collector.
//
// NOTE: Part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.addrsDesc
	ch <- c.capacityDesc
	ch <- c.evictedDesc
	ch <- c.droppedDesc
}

// Collect is called by the Prometheus registry when collecting metrics.
//
// NOTE: Part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counts := c.book.StateCounts()
	for _, state := range []peeraddr.PeerAddrState{
		peeraddr.Responded, peeraddr.NeverAttempted,
		peeraddr.Failed, peeraddr.AttemptPending,
	} {
		ch <- prometheus.MustNewConstMetric(
			c.addrsDesc, prometheus.GaugeValue,
			float64(counts[state]), state.String(),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.capacityDesc, prometheus.GaugeValue,
		float64(c.book.Capacity()),
	)

	evicted, dropped := c.book.EvictionCounts()
	ch <- prometheus.MustNewConstMetric(
		c.evictedDesc, prometheus.CounterValue, float64(evicted),
	)
	ch <- prometheus.MustNewConstMetric(
		c.droppedDesc, prometheus.CounterValue, float64(dropped),
	)
}

// A compile-time check to ensure Collector implements prometheus.Collector.
var _ prometheus.Collector = (*Collector)(nil)
