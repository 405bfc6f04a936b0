// Package qdma provides a work queue for scatter-gather DMA transfers over a
// QDMA descriptor ring
package qdma

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-qdma/internal/constants"
	"github.com/ehrlich-b/go-qdma/internal/descq"
	"github.com/ehrlich-b/go-qdma/internal/logging"
	"github.com/ehrlich-b/go-qdma/internal/wq"
)

// Queue is a work queue bound to one descriptor ring
type Queue struct {
	// ID is the queue index
	ID int

	engine *wq.Engine
	cfg    descq.Config

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool

	destroyOnce sync.Once
	destroyErr  error

	// Metrics and observability
	metrics  *Metrics
	observer Observer
	logger   *logging.Logger
}

// QueueParams contains parameters for creating a queue
type QueueParams struct {
	// Device is the descriptor ring to drive. When nil a simulated ring is
	// created over Host and Card.
	Device Device

	Function    int    // PCIe function owning the queue
	QueueID     int
	Depth       uint32 // Ring size, power of two (default: 512)
	Mode        Mode
	Dir         Dir
	BufSize     uint32 // Streaming C2H buffer size (default: page size)
	IRQ         bool   // Interrupt driven write-back
	PrivDataLen int    // Per-request private data capacity

	// Simulated ring only
	Host   Memory    // Host memory addressed by request segments
	Card   Memory    // Card memory addressed by memory-mapped endpoint addresses
	Sink   io.Writer // Streaming H2C payload sink
	Source io.Reader // Streaming C2H payload source
}

// DefaultParams returns default parameters for a simulated memory-mapped
// host-to-card queue
func DefaultParams(host, card Memory) QueueParams {
	return QueueParams{
		QueueID:     constants.DefaultQueueID,
		Depth:       constants.DefaultRingDepth,
		Mode:        ModeMM,
		Dir:         DirH2C,
		PrivDataLen: constants.DefaultPrivDataLen,
		Host:        host,
		Card:        card,
	}
}

// Options contains additional options for queue creation
type Options struct {
	// Context for cancellation (if nil, uses the context given to CreateQueue)
	Context context.Context

	// Logger for debug/info messages (if nil, uses the default logger)
	Logger Logger

	// Observer for metrics collection, called in addition to the queue's
	// built-in Metrics (if nil, only Metrics is updated)
	Observer Observer
}

// CreateQueue creates a work queue and starts its descriptor ring.
//
// The queue serves requests until DestroyQueue is called or the context is
// canceled.
//
// Example:
//
//	host := backend.NewMemory(64 << 20)
//	card := backend.NewMemory(64 << 20)
//	q, err := qdma.CreateQueue(context.Background(), qdma.DefaultParams(host, card), nil)
func CreateQueue(ctx context.Context, params QueueParams, options *Options) (*Queue, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if options == nil {
		options = &Options{}
	}

	if options.Context != nil {
		ctx = options.Context
	}

	logger := logging.Default().WithFunction(params.Function).WithQueue(params.QueueID)
	logger.ControlStart("CREATE_QUEUE")

	dev := params.Device
	if dev == nil {
		sim, err := newSimDevice(params)
		if err != nil {
			logger.ControlError("CREATE_QUEUE", err)
			return nil, queueError("CREATE_QUEUE", params.QueueID, err)
		}
		dev = sim
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = MultiObserver(observer, options.Observer)
	}

	var engineLogger wq.Logger = logger
	if options.Logger != nil {
		engineLogger = options.Logger
	}

	engine, err := wq.New(wq.Config{
		ID:          params.QueueID,
		Device:      dev,
		PrivDataLen: params.PrivDataLen,
		Logger:      engineLogger,
		Observer:    observer,
	})
	if err != nil {
		if params.Device == nil {
			dev.Close()
		}
		logger.ControlError("CREATE_QUEUE", err)
		return nil, queueError("CREATE_QUEUE", params.QueueID, err)
	}

	q := &Queue{
		ID:       params.QueueID,
		engine:   engine,
		cfg:      dev.Config(),
		metrics:  metrics,
		observer: observer,
		logger:   logger,
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.stop = context.AfterFunc(q.ctx, func() { q.destroy() })

	logger.ControlSuccess("CREATE_QUEUE")
	if options.Logger != nil {
		options.Logger.Printf("Queue created: %d (%s %s, depth %d)", q.ID, q.cfg.Mode, q.cfg.Dir, q.cfg.Depth)
	}

	return q, nil
}

// newSimDevice creates the simulated descriptor ring described by params
func newSimDevice(params QueueParams) (*descq.Sim, error) {
	cfg := descq.Config{
		QueueID: params.QueueID,
		Depth:   params.Depth,
		Mode:    params.Mode,
		Dir:     params.Dir,
		BufSize: params.BufSize,
		IRQ:     params.IRQ,
	}
	if cfg.Depth == 0 {
		cfg.Depth = constants.DefaultRingDepth
	}
	if cfg.IsSTC2H() && cfg.BufSize == 0 {
		cfg.BufSize = uint32(unix.Getpagesize())
	}

	return descq.NewSim(descq.SimConfig{
		Config: cfg,
		Host:   params.Host,
		Card:   params.Card,
		Sink:   params.Sink,
		Source: params.Source,
	})
}

// Post submits req and blocks until it completes or ctx is done.
//
// A transfer error is returned as an ErrCodeIOError error together with the
// bytes moved before it. When ctx is done first the request is canceled, the
// queue is reset, and the best-effort byte count is returned with the
// context error. Requests canceled from elsewhere return their byte count
// and a nil error.
func (q *Queue) Post(ctx context.Context, req Request) (int64, error) {
	start := time.Now()
	fut, tok, err := q.engine.Submit(req, nil)
	if err != nil {
		return 0, queueError("POST", q.ID, err)
	}
	dir := strings.ToLower(q.cfg.Dir.String())
	q.logger.IOStart(dir, int64(req.EPAddr), req.Len)

	ev, err := fut.Wait(ctx)
	if err != nil {
		return q.abandon(tok, fut, err)
	}
	n, err := q.result(tok, req, ev)
	if err == nil {
		q.logger.IOComplete(dir, int64(req.EPAddr), uint64(n), time.Since(start).Microseconds())
	}
	return n, err
}

// abandon releases a blocking caller whose wait was interrupted
func (q *Queue) abandon(tok Token, fut *Future, cause error) (int64, error) {
	q.engine.Cancel(tok)
	if ev, ok := fut.Event(); ok && ev.Status != StatusCanceled {
		// Completed while we were giving up
		return q.result(tok, Request{}, ev)
	}

	q.logger.ControlStart("RESET")
	if err := q.engine.Reset(); err != nil {
		q.logger.ControlError("RESET", err)
	} else {
		q.logger.ControlSuccess("RESET")
	}

	ev, _ := fut.Event()
	return int64(ev.Bytes), queueError("POST", q.ID, cause)
}

func (q *Queue) result(tok Token, req Request, ev Event) (int64, error) {
	if ev.Status != StatusError {
		return int64(ev.Bytes), nil
	}
	dir := strings.ToLower(q.cfg.Dir.String())
	q.logger.WithRequest(tok.Slot, dir).IOError(dir, int64(req.EPAddr), req.Len, ev.Err)
	return int64(ev.Bytes), &Error{
		Op:    "POST",
		Queue: q.ID,
		Code:  ErrCodeIOError,
		Msg:   ev.Err.Error(),
		Inner: ev.Err,
	}
}

// Submit submits req without blocking. The returned Future resolves exactly
// once; cb, when non-nil, is invoked with the event under the queue lock and
// must not call back into the queue.
func (q *Queue) Submit(req Request, cb Callback) (*Future, Token, error) {
	fut, tok, err := q.engine.Submit(req, cb)
	if err != nil {
		return nil, Token{}, queueError("SUBMIT", q.ID, err)
	}
	return fut, tok, nil
}

// PostAsync submits req and returns immediately. cb receives the completion
// event.
func (q *Queue) PostAsync(req Request, cb Callback) (Token, error) {
	_, tok, err := q.Submit(req, cb)
	return tok, err
}

// Cancel cancels the request identified by tok. It returns false when the
// request already completed or the token is stale.
func (q *Queue) Cancel(tok Token) bool {
	return q.engine.Cancel(tok)
}

// Reset cancels every outstanding request and restarts the descriptor ring
func (q *Queue) Reset() error {
	q.logger.ControlStart("RESET")
	if err := q.engine.Reset(); err != nil {
		q.logger.ControlError("RESET", err)
		return queueError("RESET", q.ID, err)
	}
	q.logger.ControlSuccess("RESET")
	return nil
}

// Stats returns a consistent snapshot of the queue counters and ring indices
func (q *Queue) Stats() Stats {
	return q.engine.Stats()
}

// UpdateProducer notifies the ring of producer index pidx. It is a recovery
// aid; normal operation publishes the producer index on every drain.
func (q *Queue) UpdateProducer(pidx uint32) {
	q.engine.UpdatePidx(pidx)
}

// Device returns the descriptor ring driven by the queue
func (q *Queue) Device() Device {
	return q.engine.Device()
}

// QueueState represents the current state of a queue
type QueueState string

const (
	// QueueStateRunning indicates the queue accepts requests
	QueueStateRunning QueueState = "running"
	// QueueStateStopped indicates the queue has been destroyed
	QueueStateStopped QueueState = "stopped"
)

// State returns the current state of the queue
func (q *Queue) State() QueueState {
	if q == nil || q.ctx == nil {
		return QueueStateStopped
	}

	select {
	case <-q.ctx.Done():
		return QueueStateStopped
	default:
		return QueueStateRunning
	}
}

// IsRunning returns true if the queue accepts requests
func (q *Queue) IsRunning() bool {
	return q.State() == QueueStateRunning
}

// QueueInfo contains descriptive information about a queue
type QueueInfo struct {
	ID      int        `json:"id"`
	State   QueueState `json:"state"`
	Mode    string     `json:"mode"`
	Dir     string     `json:"dir"`
	Depth   uint32     `json:"depth"`
	Slots   uint32     `json:"slots"`
	BufSize uint32     `json:"buf_size,omitempty"`
	Running bool       `json:"running"`
}

// Info returns descriptive information about the queue
func (q *Queue) Info() QueueInfo {
	if q == nil {
		return QueueInfo{}
	}

	state := q.State()
	info := QueueInfo{
		ID:      q.ID,
		State:   state,
		Mode:    q.cfg.Mode.String(),
		Dir:     q.cfg.Dir.String(),
		Depth:   q.cfg.Depth,
		Slots:   q.cfg.Depth * constants.SlotsPerDescriptor,
		Running: state == QueueStateRunning,
	}
	if q.cfg.IsSTC2H() {
		info.BufSize = q.cfg.BufSize
	}
	return info
}

// Metrics returns the metrics for the queue
func (q *Queue) Metrics() *Metrics {
	if q == nil {
		return nil
	}
	return q.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of queue metrics
func (q *Queue) MetricsSnapshot() MetricsSnapshot {
	if q == nil || q.metrics == nil {
		return MetricsSnapshot{}
	}
	return q.metrics.Snapshot()
}

// DestroyQueue cancels outstanding requests and releases the descriptor
// ring. It is safe to call more than once.
func DestroyQueue(q *Queue) error {
	if q == nil {
		return ErrInvalidParameters
	}
	if q.stop != nil {
		q.stop()
	}
	return q.destroy()
}

func (q *Queue) destroy() error {
	q.destroyOnce.Do(func() {
		q.logger.ControlStart("DESTROY_QUEUE")
		if q.cancel != nil {
			q.cancel()
		}
		if q.metrics != nil {
			q.metrics.Stop()
		}
		if err := q.engine.Close(); err != nil {
			q.logger.ControlError("DESTROY_QUEUE", err)
			q.destroyErr = queueError("DESTROY_QUEUE", q.ID, err)
			return
		}
		q.logger.ControlSuccess("DESTROY_QUEUE")
	})
	return q.destroyErr
}

// queueError wraps err with the operation and queue index
func queueError(op string, queue int, err error) *Error {
	e := WrapError(op, err)
	e.Queue = queue
	return e
}
