// Package worker drives the end-to-end pipeline for one execution
// triple: pop a request, fetch and unpack its bundle, execute it in
// the sandbox, and deliver the result. A single worker processes one
// request at a time; horizontal scale comes from running more workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"anvil.build/anvil/internal/bundle"
	"anvil.build/anvil/internal/cache"
	"anvil.build/anvil/internal/message"
	"anvil.build/anvil/internal/notify"
	"anvil.build/anvil/internal/queue"
	"anvil.build/anvil/internal/sandbox"
	"anvil.build/anvil/internal/triple"
)

const (
	// defaultPollInterval is the steady-state wait between empty polls.
	defaultPollInterval = 500 * time.Millisecond

	// defaultStartupDelay is the initial wait before the first poll,
	// longer than the steady-state interval so a fleet of workers does
	// not stampede the broker on process start.
	defaultStartupDelay = 5 * time.Second
)

var (
	metricRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_worker_requests_total",
			Help: "Total number of processed requests, by terminal state.",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(metricRequests)
}

// Worker binds one triple to the queue, cache, sandbox, and notifier.
type Worker struct {
	Triple   triple.ExecutionTriple
	Queue    *queue.Client
	Fetcher  *bundle.Fetcher
	Engine   sandbox.Engine
	Notifier *notify.Notifier

	// WorkRoot is the directory request working directories are
	// created under.
	WorkRoot string

	// PollInterval and StartupDelay override the polling defaults when
	// positive.
	PollInterval time.Duration
	StartupDelay time.Duration
}

// Run polls the triple's partition until the context is cancelled. A
// failed request never halts the loop: per-request errors are caught
// at this boundary, logged, and converted into failure deliveries.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Queue.Open(ctx, w.Triple); err != nil {
		return fmt.Errorf("worker for %s failed to open its partition: %w", w.Triple, err)
	}

	slog.InfoContext(ctx, "worker started",
		"triple", w.Triple.String(),
		"work_root", w.WorkRoot,
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(w.startupDelay()):
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		processed, err := w.processOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.ErrorContext(ctx, "error processing execution request",
				"triple", w.Triple.String(),
				"error", err,
			)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.pollInterval()):
		}
	}
}

// processOne pops at most one message and drives it to a terminal
// state. It reports whether a message was processed.
func (w *Worker) processOne(ctx context.Context) (bool, error) {
	delivery, err := w.Queue.Pop(ctx, w.Triple)
	if err != nil {
		return false, err
	}
	if delivery == nil {
		return false, nil
	}

	msg := delivery.Message
	if msg.GUID == "" {
		// Nothing to correlate a result with; drop it.
		slog.WarnContext(ctx, "dropping execution request without guid", "hash", msg.Hash)
		delivery.Ack()
		return true, nil
	}

	w.handle(ctx, msg)

	// Redelivery, if any, comes only from the broker's own
	// at-least-once semantics; the handled message is done.
	delivery.Ack()
	return true, nil
}

// handle runs one request end-to-end and delivers its outcome. All
// failures are converted into failure deliveries here; panics from the
// fetch/unpack/execute/notify chain are caught so a poisoned request
// cannot take the worker down.
func (w *Worker) handle(ctx context.Context, msg message.RemoteExecutionMessage) {
	defer func() {
		if v := recover(); v != nil {
			metricRequests.WithLabelValues("panic").Inc()
			slog.ErrorContext(ctx, "panic while processing execution request",
				"guid", msg.GUID,
				"panic", v,
			)
		}
	}()

	workDir, err := os.MkdirTemp(w.WorkRoot, "exec-")
	if err != nil {
		w.deliverFailure(ctx, msg.GUID, fmt.Errorf("failed to create working directory: %w", err))
		return
	}
	// The working directory is exclusive to this request and dies with it.
	defer os.RemoveAll(workDir)

	meta, err := w.Fetcher.FetchAndUnpack(ctx, msg.Hash, workDir)
	if err != nil {
		switch {
		case errors.Is(err, cache.ErrNotFound):
			metricRequests.WithLabelValues("fetch_failed").Inc()
		case errors.Is(err, bundle.ErrBadMetadata):
			metricRequests.WithLabelValues("bad_bundle").Inc()
		default:
			metricRequests.WithLabelValues("fetch_failed").Inc()
		}
		w.deliverFailure(ctx, msg.GUID, err)
		return
	}

	result := w.Engine.Execute(ctx, meta, msg.Params)
	switch {
	case result.TimedOut:
		metricRequests.WithLabelValues("timed_out").Inc()
	case result.Code != 0:
		metricRequests.WithLabelValues("crashed").Inc()
	default:
		metricRequests.WithLabelValues("completed").Inc()
	}

	if err := w.Notifier.Send(ctx, msg.GUID, notify.Delivery{Result: &result}); err != nil {
		// Best-effort: the queue message is already settled.
		slog.ErrorContext(ctx, "failed to deliver execution result", "guid", msg.GUID, "error", err)
	}
	w.closeStream(ctx, msg.GUID)
}

// deliverFailure sends an explicit failure indicator so the requester
// is never left waiting indefinitely.
func (w *Worker) deliverFailure(ctx context.Context, guid string, cause error) {
	slog.ErrorContext(ctx, "execution request failed before running",
		"guid", guid,
		"error", cause,
	)
	if err := w.Notifier.Send(ctx, guid, notify.Delivery{Error: cause.Error()}); err != nil {
		slog.ErrorContext(ctx, "failed to deliver failure result", "guid", guid, "error", err)
	}
	w.closeStream(ctx, guid)
}

func (w *Worker) closeStream(ctx context.Context, guid string) {
	if err := w.Notifier.CloseStream(ctx, guid); err != nil {
		slog.ErrorContext(ctx, "failed to close result stream", "guid", guid, "error", err)
	}
}

func (w *Worker) pollInterval() time.Duration {
	if w.PollInterval > 0 {
		return w.PollInterval
	}
	return defaultPollInterval
}

func (w *Worker) startupDelay() time.Duration {
	if w.StartupDelay > 0 {
		return w.StartupDelay
	}
	return defaultStartupDelay
}
