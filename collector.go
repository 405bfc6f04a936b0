package qdma

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type statDesc struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(*Stats) float64
}

// StatsCollector exports Queue.Stats as Prometheus metrics. Every scrape
// takes one snapshot, so the exported values are mutually consistent.
type StatsCollector struct {
	queues []*Queue
	descs  []statDesc
}

// NewStatsCollector returns a collector over queues. Metric names are
// prefixed with namespace and carry a "queue" label.
func NewStatsCollector(namespace string, queues ...*Queue) *StatsCollector {
	labels := []string{"queue", "mode", "dir"}
	counter := func(name, help string, v func(*Stats) float64) statDesc {
		return statDesc{
			desc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", name), help, labels, nil),
			valueType: prometheus.CounterValue,
			value:     v,
		}
	}
	gauge := func(name, help string, v func(*Stats) float64) statDesc {
		d := counter(name, help, v)
		d.valueType = prometheus.GaugeValue
		return d
	}

	return &StatsCollector{
		queues: queues,
		descs: []statDesc{
			counter("requested_bytes_total", "Bytes requested by submitted requests.",
				func(s *Stats) float64 { return float64(s.TotalReqBytes) }),
			counter("requests_total", "Submitted requests.",
				func(s *Stats) float64 { return float64(s.TotalReqNum) }),
			counter("completed_bytes_total", "Bytes of completed requests.",
				func(s *Stats) float64 { return float64(s.TotalCompleteBytes) }),
			counter("completed_total", "Completed requests.",
				func(s *Stats) float64 { return float64(s.TotalCompleteNum) }),
			counter("hw_submitted_bytes_total", "Bytes handed to the descriptor ring.",
				func(s *Stats) float64 { return float64(s.HWSubmitBytes) }),
			counter("hw_completed_bytes_total", "Bytes confirmed by ring write-backs.",
				func(s *Stats) float64 { return float64(s.HWCompleteBytes) }),
			counter("canceled_total", "Canceled requests.",
				func(s *Stats) float64 { return float64(s.Canceled) }),
			counter("errors_total", "Requests completed with a transfer error.",
				func(s *Stats) float64 { return float64(s.Errors) }),
			counter("order_violations_total", "Write-backs dropped for arriving out of ring order.",
				func(s *Stats) float64 { return float64(s.OrderViolations) }),
			counter("resets_total", "Queue resets.",
				func(s *Stats) float64 { return float64(s.Resets) }),
			gauge("slots", "Work queue slots.",
				func(s *Stats) float64 { return float64(s.TotalSlots) }),
			gauge("free_slots", "Free work queue slots.",
				func(s *Stats) float64 { return float64(s.FreeSlots) }),
			gauge("pending_slots", "Slots waiting for write-back.",
				func(s *Stats) float64 { return float64(s.PendingSlots) }),
			gauge("unprocessed_slots", "Slots not fully posted to the ring.",
				func(s *Stats) float64 { return float64(s.UnprocSlots) }),
			gauge("ring_available", "Free descriptor ring entries.",
				func(s *Stats) float64 { return float64(s.RingAvail) }),
			gauge("cache_available", "Free completion cache entries (streaming C2H).",
				func(s *Stats) float64 { return float64(s.CacheAvail) }),
		},
	}
}

// Describe implements prometheus.Collector
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d.desc
	}
}

// Collect implements prometheus.Collector
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, q := range c.queues {
		st := q.Stats()
		id := strconv.Itoa(q.ID)
		for _, d := range c.descs {
			ch <- prometheus.MustNewConstMetric(d.desc, d.valueType, d.value(&st), id, q.cfg.Mode.String(), q.cfg.Dir.String())
		}
	}
}

var _ prometheus.Collector = (*StatsCollector)(nil)
