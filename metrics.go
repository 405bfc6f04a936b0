package qdma

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-qdma/internal/wq"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks transfer and operational statistics for a queue
type Metrics struct {
	// Request counters
	H2COps    atomic.Uint64 // Completed host-to-card requests
	C2HOps    atomic.Uint64 // Completed card-to-host requests
	CancelOps atomic.Uint64 // Canceled requests

	// Byte counters
	H2CBytes atomic.Uint64 // Bytes moved host-to-card
	C2HBytes atomic.Uint64 // Bytes moved card-to-host

	// Error counters
	H2CErrors atomic.Uint64 // Host-to-card requests that completed with an error
	C2HErrors atomic.Uint64 // Card-to-host requests that completed with an error

	// Queue statistics
	QueueDepthTotal atomic.Uint64 // Cumulative queue depth samples
	QueueDepthCount atomic.Uint64 // Number of queue depth measurements
	MaxQueueDepth   atomic.Uint32 // Maximum observed queue depth

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative request latency in nanoseconds
	OpCount        atomic.Uint64 // Total requests (for average latency calculation)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of requests with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Queue lifecycle
	StartTime atomic.Int64 // Queue start timestamp (UnixNano)
	StopTime  atomic.Int64 // Queue stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordH2C records a completed host-to-card request
func (m *Metrics) RecordH2C(bytes uint64, latencyNs uint64, success bool) {
	m.H2COps.Add(1)
	m.H2CBytes.Add(bytes)
	if !success {
		m.H2CErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordC2H records a completed card-to-host request
func (m *Metrics) RecordC2H(bytes uint64, latencyNs uint64, success bool) {
	m.C2HOps.Add(1)
	m.C2HBytes.Add(bytes)
	if !success {
		m.C2HErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordCancel records a canceled request
func (m *Metrics) RecordCancel() {
	m.CancelOps.Add(1)
}

// RecordQueueDepth records the number of slots in use
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// recordLatency records operation latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the queue as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived rates
type MetricsSnapshot struct {
	// Requests
	H2COps    uint64
	C2HOps    uint64
	CancelOps uint64

	// Bytes transferred
	H2CBytes uint64
	C2HBytes uint64

	// Error counts
	H2CErrors uint64
	C2HErrors uint64

	// Queue statistics
	AvgQueueDepth float64
	MaxQueueDepth uint32

	// Performance
	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64 // 50th percentile (median)
	LatencyP99Ns  uint64 // 99th percentile
	LatencyP999Ns uint64 // 99.9th percentile

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	H2CRate      float64 // Requests per second
	C2HRate      float64
	H2CBandwidth float64 // Bytes per second
	C2HBandwidth float64
	TotalOps     uint64
	TotalBytes   uint64
	ErrorRate    float64 // Percentage of failed requests
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		H2COps:        m.H2COps.Load(),
		C2HOps:        m.C2HOps.Load(),
		CancelOps:     m.CancelOps.Load(),
		H2CBytes:      m.H2CBytes.Load(),
		C2HBytes:      m.C2HBytes.Load(),
		H2CErrors:     m.H2CErrors.Load(),
		C2HErrors:     m.C2HErrors.Load(),
		MaxQueueDepth: m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.H2COps + snap.C2HOps
	snap.TotalBytes = snap.H2CBytes + snap.C2HBytes

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.H2CRate = float64(snap.H2COps) / uptimeSeconds
		snap.C2HRate = float64(snap.C2HOps) / uptimeSeconds
		snap.H2CBandwidth = float64(snap.H2CBytes) / uptimeSeconds
		snap.C2HBandwidth = float64(snap.C2HBytes) / uptimeSeconds
	}

	totalErrors := snap.H2CErrors + snap.C2HErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	// Find the bucket containing the target percentile
	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			// Linear interpolation within bucket
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			// Interpolate between prevBucket and bucket
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// If we get here, the latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.H2COps.Store(0)
	m.C2HOps.Store(0)
	m.CancelOps.Store(0)
	m.H2CBytes.Store(0)
	m.C2HBytes.Store(0)
	m.H2CErrors.Store(0)
	m.C2HErrors.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer receives per-request metrics from a queue. Calls are made with
// the queue lock held and must not block.
type Observer interface {
	// ObserveH2C is called for each completed host-to-card request
	ObserveH2C(bytes uint64, latencyNs uint64, success bool)

	// ObserveC2H is called for each completed card-to-host request
	ObserveC2H(bytes uint64, latencyNs uint64, success bool)

	// ObserveCancel is called for each canceled request
	ObserveCancel()

	// ObserveQueueDepth is called on submit with the number of slots in use
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveH2C(uint64, uint64, bool) {}
func (NoOpObserver) ObserveC2H(uint64, uint64, bool) {}
func (NoOpObserver) ObserveCancel()                  {}
func (NoOpObserver) ObserveQueueDepth(uint32)        {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveH2C(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordH2C(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveC2H(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordC2H(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveCancel() {
	o.metrics.RecordCancel()
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

// multiObserver fans out to several observers
type multiObserver []Observer

// MultiObserver returns an Observer that forwards every call to each of obs
func MultiObserver(obs ...Observer) Observer {
	return multiObserver(obs)
}

func (m multiObserver) ObserveH2C(bytes uint64, latencyNs uint64, success bool) {
	for _, o := range m {
		o.ObserveH2C(bytes, latencyNs, success)
	}
}

func (m multiObserver) ObserveC2H(bytes uint64, latencyNs uint64, success bool) {
	for _, o := range m {
		o.ObserveC2H(bytes, latencyNs, success)
	}
}

func (m multiObserver) ObserveCancel() {
	for _, o := range m {
		o.ObserveCancel()
	}
}

func (m multiObserver) ObserveQueueDepth(depth uint32) {
	for _, o := range m {
		o.ObserveQueueDepth(depth)
	}
}

// Compile-time interface checks
var (
	_ Observer    = (*MetricsObserver)(nil)
	_ wq.Observer = Observer(nil)
)
