// Command qdma-sim drives a work queue over a simulated QDMA descriptor ring
// and reports throughput and queue statistics
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-qdma"
	"github.com/ehrlich-b/go-qdma/backend"
	"github.com/ehrlich-b/go-qdma/internal/logging"
)

func main() {
	configPath, parsed := bindFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := loadConfig(*configPath, flag.CommandLine, parsed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(2)
	}

	logConfig := logging.DefaultConfig()
	if cfg.Verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}
}

// countingWriter is the streaming H2C sink
type countingWriter struct {
	n atomic.Int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n.Add(int64(len(p)))
	return len(p), nil
}

func run(ctx context.Context, cfg Config, logger *logging.Logger) error {
	mode, _ := cfg.mode()
	dir, _ := cfg.dir()
	size, _ := parseSize(cfg.Size)

	// Each worker owns one request-sized window of host and card memory
	span := size * int64(cfg.Workers)
	host := backend.NewMemory(span)
	defer host.Close()

	params := qdma.DefaultParams(host, nil)
	params.Mode = mode
	params.Dir = dir
	params.Depth = cfg.Depth

	var card *backend.Memory
	sink := &countingWriter{}
	switch {
	case mode == qdma.ModeMM:
		card = backend.NewMemory(span)
		defer card.Close()
		params.Card = card
	case dir == qdma.DirH2C:
		params.Sink = sink
	default:
		params.Source = rand.Reader
	}

	q, err := qdma.CreateQueue(ctx, params, &qdma.Options{
		Observer: qdma.NewRegistryObserver(metrics.DefaultRegistry, params.QueueID),
	})
	if err != nil {
		return err
	}
	defer qdma.DestroyQueue(q)

	info := q.Info()
	logger.Info("queue created",
		"mode", info.Mode,
		"dir", info.Dir,
		"depth", info.Depth,
		"slots", info.Slots,
		"request_size", formatSize(size),
		"requests", cfg.Requests,
		"workers", cfg.Workers)

	if cfg.MetricsAddr != "" {
		serveMetrics(cfg.MetricsAddr, q, logger)
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workers; w++ {
		n := cfg.Requests / cfg.Workers
		if w < cfg.Requests%cfg.Workers {
			n++
		}
		w := w
		g.Go(func() error {
			return worker(gctx, q, cfg, w, n, uint64(size), host, card)
		})
	}
	err = g.Wait()
	elapsed := time.Since(start)

	st := q.Stats()
	fmt.Printf("Completed %d requests, %s in %s (%.1f MB/s)\n",
		st.TotalCompleteNum, formatSize(int64(st.TotalCompleteBytes)), elapsed.Round(time.Millisecond),
		float64(st.TotalCompleteBytes)/elapsed.Seconds()/(1<<20))
	fmt.Printf("Slots: %d total, %d free, %d pending, %d unprocessed\n",
		st.TotalSlots, st.FreeSlots, st.PendingSlots, st.UnprocSlots)
	fmt.Printf("Ring: depth %d, pidx %d, cidx %d, avail %d\n",
		st.RingDepth, st.RingPidx, st.RingCidx, st.RingAvail)
	if info.BufSize != 0 {
		fmt.Printf("Cache: pidx %d, cidx %d, avail %d\n", st.CachePidx, st.CacheCidx, st.CacheAvail)
	}
	if mode == qdma.ModeST && dir == qdma.DirH2C {
		fmt.Printf("Stream sink received %s\n", formatSize(sink.n.Load()))
	}
	fmt.Printf("Canceled %d, errors %d, ordering violations %d, resets %d\n",
		st.Canceled, st.Errors, st.OrderViolations, st.Resets)

	if cfg.Verbose {
		metrics.WriteOnce(metrics.DefaultRegistry, os.Stdout)
	}
	return err
}

// worker posts n requests through its own memory window and, for
// memory-mapped rings, verifies every transfer
func worker(ctx context.Context, q *qdma.Queue, cfg Config, id, n int, size uint64, host, card *backend.Memory) error {
	off := uint64(id) * size
	req := qdma.Request{
		Segments: segments(off, size, q.Info().Mode == "ST"),
		Len:      size,
		EPAddr:   off,
		EOT:      cfg.EOT,
	}

	for i := 0; i < n; i++ {
		seed := byte(id*31 + i)
		if card != nil {
			src := host
			if q.Info().Dir == "C2H" {
				src = card
			}
			if err := src.Fill(int64(off), int64(size), seed); err != nil {
				return err
			}
		}

		got, err := postRetry(ctx, q, req)
		if err != nil {
			return fmt.Errorf("worker %d request %d: %w", id, i, err)
		}
		if got != int64(size) && !cfg.EOT {
			return fmt.Errorf("worker %d request %d: %d of %d bytes", id, i, got, size)
		}

		if card != nil {
			if err := verify(host, card, int64(off), int64(size)); err != nil {
				return fmt.Errorf("worker %d request %d: %w", id, i, err)
			}
		}
	}
	return nil
}

// segments splits a window into page-sized segments for streaming rings
func segments(off, size uint64, paged bool) []qdma.Segment {
	if !paged {
		return []qdma.Segment{{Addr: off, Length: size}}
	}
	pg := uint64(unix.Getpagesize())
	var segs []qdma.Segment
	for done := uint64(0); done < size; done += pg {
		segs = append(segs, qdma.Segment{Addr: off + done, Length: min(pg, size-done)})
	}
	return segs
}

// postRetry posts req, backing off while the queue is full
func postRetry(ctx context.Context, q *qdma.Queue, req qdma.Request) (int64, error) {
	for {
		n, err := q.Post(ctx, req)
		if err == nil || !qdma.IsTemporary(err) {
			return n, err
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(100 * time.Microsecond):
		}
	}
}

func verify(host, card *backend.Memory, off, n int64) error {
	a := make([]byte, n)
	b := make([]byte, n)
	if _, err := host.ReadAt(a, off); err != nil {
		return err
	}
	if _, err := card.ReadAt(b, off); err != nil {
		return err
	}
	if !bytes.Equal(a, b) {
		return errors.New("host and card memory differ after transfer")
	}
	return nil
}

func serveMetrics(addr string, q *qdma.Queue, logger *logging.Logger) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(qdma.NewStatsCollector("qdma", q))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		logger.Info("prometheus metrics listening", "addr", addr, "path", "/metrics")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
}
