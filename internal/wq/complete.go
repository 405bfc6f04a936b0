package wq

import (
	"time"

	"github.com/ehrlich-b/go-qdma/internal/descq"
)

// HandleWriteback consumes ring write-backs. It is installed as the device
// write-back handler by New. Write-backs must arrive in ring order; one that
// does not belong to the oldest posted slot is counted as an ordering
// violation and dropped.
func (e *Engine) HandleWriteback(wbs []descq.Writeback) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	gen := e.dev.Generation()
	for _, wb := range wbs {
		if wb.Gen != gen {
			e.stats.staleWritebacks++
			continue
		}
		head, ok := e.fifo.Peek()
		if !ok || head != wb.Tag {
			e.stats.orderViolations++
			e.logger.Printf("queue %d: write-back for slot %d out of order (head %d, pending %v)", e.id, wb.Tag, head, ok)
			continue
		}
		e.retire(head, wb)
	}

	e.drainLocked()
}

// retire applies one descriptor write-back to its slot
func (e *Engine) retire(idx uint32, wb descq.Writeback) {
	s := &e.slots[idx]
	s.inflight--
	if e.cache != nil && s.cacheHeld > 0 {
		e.consumeCache(idx, s, &wb)
	}
	if !wb.Flushed {
		s.done += wb.Len
		e.stats.hwCompleteBytes += wb.Len
	}

	switch s.state {
	case StatePending:
		allPosted := s.cursor.Remaining() == 0 && s.inflight == 0
		if wb.Err != nil || (s.req.EOT && wb.EOT) || s.done >= s.req.Len || allPosted {
			s.state = StateDone
			status := StatusSuccess
			if wb.Err != nil {
				status = StatusError
				e.stats.errors++
				e.logger.Printf("queue %d slot %d: transfer error after %d bytes: %v", e.id, idx, s.done, wb.Err)
			}
			e.stats.complBytes += s.done
			e.stats.complNum++
			e.resolve(s, status, wb.Err)

			if s.inflight > 0 {
				// Finished early: the rest of the batch is flushed and
				// still writes back
				e.dev.Cancel(idx)
			}
		}
	case StateCanceledHW:
		if s.inflight == 0 {
			e.finishCanceled(s)
		}
	}

	e.popRetired()
}

// consumeCache retires the receive buffer behind a streaming C2H write-back.
// The buffer bounds the bytes the write-back may claim and the data it
// received is recorded against the request.
func (e *Engine) consumeCache(idx uint32, s *slot, wb *descq.Writeback) {
	ent := e.cache.Entry(s.cacheHead)
	if s.cacheHead != e.cache.Cidx() {
		e.logger.Printf("queue %d slot %d: receive buffer %d retired ahead of cache index %d", e.id, idx, s.cacheHead, e.cache.Cidx())
	}
	if wb.Len > ent.Len {
		e.logger.Printf("queue %d slot %d: write-back claims %d bytes of a %d byte buffer", e.id, idx, wb.Len, ent.Len)
		wb.Len = ent.Len
	}
	if !wb.Flushed && wb.Err == nil && wb.Len > 0 {
		s.received = append(s.received, Fragment{Offset: ent.Offset, Addr: ent.Addr, Len: wb.Len})
	}

	if err := e.cache.Release(1); err != nil {
		e.logger.Printf("queue %d slot %d: %v", e.id, idx, err)
	}
	s.cacheHead = ent.Next
	s.cacheHeld--
}

// finishCanceled resolves a slot whose cancellation the ring acknowledged
func (e *Engine) finishCanceled(s *slot) {
	s.state = StateCanceled
	e.resolve(s, StatusCanceled, nil)
}

// popRetired removes resolved slots with nothing in flight from the head of
// the pending FIFO
func (e *Engine) popRetired() {
	for {
		idx, ok := e.fifo.Peek()
		if !ok {
			return
		}
		s := &e.slots[idx]
		if s.inflight > 0 || (s.state != StateDone && s.state != StateCanceled) {
			return
		}
		e.fifo.Pop()
		s.queued = false
	}
}

// resolve delivers the completion event of s exactly once
func (e *Engine) resolve(s *slot, status Status, err error) {
	if s.fut == nil {
		return
	}
	if status == StatusCanceled {
		e.stats.canceled++
	}

	ev := Event{Bytes: s.done, Status: status, Err: err, Received: s.received}
	s.received = nil
	if len(s.priv) > 0 {
		ev.Priv = append([]byte(nil), s.priv...)
	}

	if status != StatusCanceled {
		latency := uint64(time.Since(s.submitted).Nanoseconds())
		if e.cfg.Dir == descq.DirH2C {
			e.observer.ObserveH2C(s.done, latency, status == StatusSuccess)
		} else {
			e.observer.ObserveC2H(s.done, latency, status == StatusSuccess)
		}
	}

	fut := s.fut
	s.fut = nil
	fut.resolve(ev)
}
