package qdma

import (
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
)

func TestRegistryObserver(t *testing.T) {
	r := metrics.NewRegistry()
	o := NewRegistryObserver(r, 2)

	o.ObserveH2C(4096, uint64(time.Millisecond), true)
	o.ObserveH2C(100, uint64(time.Millisecond), false)
	o.ObserveC2H(8192, uint64(2*time.Millisecond), true)
	o.ObserveCancel()
	o.ObserveQueueDepth(5)

	assert.Equal(t, int64(2), r.Get("qdma.2.h2c.requests").(metrics.Counter).Count())
	assert.Equal(t, int64(4196), r.Get("qdma.2.h2c.bytes").(metrics.Counter).Count())
	assert.Equal(t, int64(1), r.Get("qdma.2.h2c.errors").(metrics.Counter).Count())
	assert.Equal(t, int64(2), r.Get("qdma.2.h2c.latency").(metrics.Timer).Count())
	assert.Equal(t, int64(8192), r.Get("qdma.2.c2h.bytes").(metrics.Counter).Count())
	assert.Zero(t, r.Get("qdma.2.c2h.errors").(metrics.Counter).Count())
	assert.Equal(t, int64(1), r.Get("qdma.2.canceled").(metrics.Counter).Count())
	assert.Equal(t, int64(5), r.Get("qdma.2.depth").(metrics.Gauge).Value())
}

func TestRegistryObserverReusesMetrics(t *testing.T) {
	r := metrics.NewRegistry()
	NewRegistryObserver(r, 0).ObserveCancel()
	NewRegistryObserver(r, 0).ObserveCancel()

	assert.Equal(t, int64(2), r.Get("qdma.0.canceled").(metrics.Counter).Count())
}
