package qdma

import (
	"fmt"
	"time"

	"github.com/rcrowley/go-metrics"
)

// RegistryObserver records queue metrics into a go-metrics registry under
// names of the form "qdma.<queue>.<dir>.<metric>".
type RegistryObserver struct {
	h2cRequests metrics.Counter
	h2cBytes    metrics.Counter
	h2cErrors   metrics.Counter
	h2cLatency  metrics.Timer

	c2hRequests metrics.Counter
	c2hBytes    metrics.Counter
	c2hErrors   metrics.Counter
	c2hLatency  metrics.Timer

	canceled metrics.Counter
	depth    metrics.Gauge
}

// NewRegistryObserver registers the queue metrics in r. A nil registry
// means metrics.DefaultRegistry.
func NewRegistryObserver(r metrics.Registry, queueID int) *RegistryObserver {
	if r == nil {
		r = metrics.DefaultRegistry
	}
	name := func(s string) string { return fmt.Sprintf("qdma.%d.%s", queueID, s) }

	return &RegistryObserver{
		h2cRequests: metrics.GetOrRegisterCounter(name("h2c.requests"), r),
		h2cBytes:    metrics.GetOrRegisterCounter(name("h2c.bytes"), r),
		h2cErrors:   metrics.GetOrRegisterCounter(name("h2c.errors"), r),
		h2cLatency:  metrics.GetOrRegisterTimer(name("h2c.latency"), r),

		c2hRequests: metrics.GetOrRegisterCounter(name("c2h.requests"), r),
		c2hBytes:    metrics.GetOrRegisterCounter(name("c2h.bytes"), r),
		c2hErrors:   metrics.GetOrRegisterCounter(name("c2h.errors"), r),
		c2hLatency:  metrics.GetOrRegisterTimer(name("c2h.latency"), r),

		canceled: metrics.GetOrRegisterCounter(name("canceled"), r),
		depth:    metrics.GetOrRegisterGauge(name("depth"), r),
	}
}

func (o *RegistryObserver) ObserveH2C(bytes uint64, latencyNs uint64, success bool) {
	o.h2cRequests.Inc(1)
	o.h2cBytes.Inc(int64(bytes))
	if !success {
		o.h2cErrors.Inc(1)
	}
	o.h2cLatency.Update(time.Duration(latencyNs))
}

func (o *RegistryObserver) ObserveC2H(bytes uint64, latencyNs uint64, success bool) {
	o.c2hRequests.Inc(1)
	o.c2hBytes.Inc(int64(bytes))
	if !success {
		o.c2hErrors.Inc(1)
	}
	o.c2hLatency.Update(time.Duration(latencyNs))
}

func (o *RegistryObserver) ObserveCancel() {
	o.canceled.Inc(1)
}

func (o *RegistryObserver) ObserveQueueDepth(depth uint32) {
	o.depth.Update(int64(depth))
}

var _ Observer = (*RegistryObserver)(nil)
