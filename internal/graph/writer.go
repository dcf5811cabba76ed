package graph

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	// maxConcurrentWrites bounds in-flight host transactions.
	maxConcurrentWrites = 8
	// attemptTimeout caps a single store attempt.
	attemptTimeout = 5 * time.Second
)

// retryBackoffs are the waits before each retry of a failed write.
var retryBackoffs = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 800 * time.Millisecond}

var (
	writeRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eidolon_graph_write_retries_total",
		Help: "Graph host write attempts that were retried.",
	})
	writeFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eidolon_graph_write_failures_total",
		Help: "Graph host writes abandoned after all retries.",
	})
)

func init() {
	prometheus.MustRegister(writeRetriesTotal, writeFailuresTotal)
}

// Writer pushes host observations into the store with bounded
// concurrency and per-host retries. A host abandoned after all retries
// is reported through the skip callback and does not affect other
// hosts.
type Writer struct {
	store    Store
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	onSkip   func(ip string, err error)
	logger   *zap.Logger
	backoffs []time.Duration
	timeout  time.Duration
}

// NewWriter creates a writer over the store. onSkip may be nil.
func NewWriter(store Store, logger *zap.Logger, onSkip func(ip string, err error)) *Writer {
	return &Writer{
		store:    store,
		sem:      semaphore.NewWeighted(maxConcurrentWrites),
		onSkip:   onSkip,
		logger:   logger,
		backoffs: retryBackoffs,
		timeout:  attemptTimeout,
	}
}

// Enqueue starts an asynchronous write of one host observation. It
// blocks only while all write slots are busy, then returns while the
// write proceeds in the background.
func (w *Writer) Enqueue(ctx context.Context, obs HostObservation) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.sem.Release(1)
		w.writeWithRetry(ctx, obs)
	}()
}

// Flush blocks until every enqueued write has finished.
func (w *Writer) Flush() {
	w.wg.Wait()
}

func (w *Writer) writeWithRetry(ctx context.Context, obs HostObservation) {
	var err error
	for attempt := 0; attempt <= len(w.backoffs); attempt++ {
		if attempt > 0 {
			writeRetriesTotal.Inc()
			select {
			case <-time.After(w.backoffs[attempt-1]):
			case <-ctx.Done():
				return
			}
		}

		// Each attempt runs on its own deadline. A scan cancel stops
		// retries and new enqueues but never aborts a transaction that
		// is already in flight.
		attemptCtx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err = w.store.UpsertHost(attemptCtx, obs)
		cancel()
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn("graph write failed",
			zap.String("ip", obs.IP),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	writeFailuresTotal.Inc()
	w.logger.Error("graph write abandoned", zap.String("ip", obs.IP), zap.Error(err))
	if w.onSkip != nil {
		w.onSkip(obs.IP, err)
	}
}
