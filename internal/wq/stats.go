package wq

// counters are the cumulative engine statistics, guarded by Engine.mu
type counters struct {
	reqBytes        uint64
	reqNum          uint64
	complBytes      uint64
	complNum        uint64
	hwSubmitBytes   uint64
	hwCompleteBytes uint64
	canceled        uint64
	errors          uint64
	orderViolations uint64
	staleWritebacks uint64
	resets          uint64
}

// Stats is a consistent snapshot of a work queue and its rings
type Stats struct {
	TotalReqBytes      uint64 // Bytes requested by submitted requests
	TotalReqNum        uint64
	TotalCompleteBytes uint64 // Bytes of requests that completed (success or error)
	TotalCompleteNum   uint64
	HWSubmitBytes      uint64 // Bytes handed to the ring as descriptors
	HWCompleteBytes    uint64 // Bytes confirmed by write-backs
	Canceled           uint64
	Errors             uint64
	OrderViolations    uint64
	StaleWritebacks    uint64
	Resets             uint64

	TotalSlots   uint32
	FreeSlots    uint32
	PendingSlots uint32 // Posted, waiting for write-back
	UnprocSlots  uint32 // Claimed, not fully posted

	RingDepth uint32
	RingPidx  uint32
	RingCidx  uint32
	RingAvail int

	CachePidx  uint32 // Streaming C2H only
	CacheCidx  uint32
	CacheAvail int
}

// Stats returns a snapshot taken under the queue lock
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Stats{
		TotalReqBytes:      e.stats.reqBytes,
		TotalReqNum:        e.stats.reqNum,
		TotalCompleteBytes: e.stats.complBytes,
		TotalCompleteNum:   e.stats.complNum,
		HWSubmitBytes:      e.stats.hwSubmitBytes,
		HWCompleteBytes:    e.stats.hwCompleteBytes,
		Canceled:           e.stats.canceled,
		Errors:             e.stats.errors,
		OrderViolations:    e.stats.orderViolations,
		StaleWritebacks:    e.stats.staleWritebacks,
		Resets:             e.stats.resets,

		TotalSlots:   e.ring.Size(),
		FreeSlots:    e.ring.Size() - e.ring.Dist(e.pend, e.free),
		PendingSlots: e.unproc - e.pend,
		UnprocSlots:  e.free - e.unproc,

		RingDepth: e.cfg.Depth,
		RingPidx:  e.dev.Pidx(),
		RingCidx:  e.dev.Cidx(),
		RingAvail: e.dev.Available(),
	}
	if e.cache != nil {
		st.CachePidx = e.cache.Pidx()
		st.CacheCidx = e.cache.Cidx()
		st.CacheAvail = e.cache.Avail()
	}
	return st
}
