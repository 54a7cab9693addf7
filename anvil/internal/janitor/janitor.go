// Package janitor sweeps the work root for directories left behind by
// crashed or killed workers. A request's directory normally dies with
// the request, so anything older than the retention threshold is
// orphaned and safe to remove.
package janitor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs a sweep every ten minutes.
const DefaultSchedule = "*/10 * * * *"

// DefaultMaxAge is how long a working directory may exist before a
// sweep considers it orphaned. It must comfortably exceed the longest
// execution timeout.
const DefaultMaxAge = 30 * time.Minute

var (
	metricSweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_janitor_sweeps_total",
			Help: "The total number of completed janitor sweeps.",
		},
	)
	metricRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_janitor_removed_dirs_total",
			Help: "The total number of orphaned working directories removed.",
		},
	)
	metricErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_janitor_errors_total",
			Help: "The total number of errors encountered while sweeping.",
		},
	)
)

func init() {
	prometheus.MustRegister(metricSweeps, metricRemoved, metricErrors)
}

// Janitor periodically removes orphaned working directories.
type Janitor struct {
	WorkRoot string

	// MaxAge overrides DefaultMaxAge when positive.
	MaxAge time.Duration
}

// Run sweeps on the given cron schedule until the context is cancelled.
func (j *Janitor) Run(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { j.Sweep(ctx) }); err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}

// Sweep removes every directory under WorkRoot older than the retention
// threshold. It reports the number of directories removed.
func (j *Janitor) Sweep(ctx context.Context) int {
	maxAge := j.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	cutoff := time.Now().Add(-maxAge)

	entries, err := os.ReadDir(j.WorkRoot)
	if err != nil {
		slog.ErrorContext(ctx, "janitor failed to read work root", "work_root", j.WorkRoot, "error", err)
		metricErrors.Inc()
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// The worker may have removed it mid-sweep.
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.WorkRoot, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.ErrorContext(ctx, "janitor failed to remove orphaned directory", "path", path, "error", err)
			metricErrors.Inc()
			continue
		}
		slog.InfoContext(ctx, "janitor removed orphaned working directory", "path", path, "age", time.Since(info.ModTime()).String())
		removed++
	}

	metricSweeps.Inc()
	metricRemoved.Add(float64(removed))
	return removed
}
