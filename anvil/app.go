package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"anvil.build/anvil/internal/bundle"
	"anvil.build/anvil/internal/janitor"
	"anvil.build/anvil/internal/notify"
	"anvil.build/anvil/internal/packager"
	"anvil.build/anvil/internal/sandbox"
	"anvil.build/anvil/internal/worker"
	"anvil.build/anvil/internal/www"
)

// Version of Anvil being run
const Version = "v0.0.1"

func newApp(ctx context.Context, options ...func(*Config)) (app *cli.App) {
	app = cli.NewApp()
	app.Name = "anvil"
	app.Description = "Remote execution service: dispatches sandboxed binary runs to execution hosts by triple"
	app.Version = Version
	app.Action = cli.ActionFunc(func(*cli.Context) error {
		return run(ctx, options...)
	})
	return
}

func run(ctx context.Context, options ...func(*Config)) error {
	configureLogging()

	// Initialize Config
	cfg := &Config{}
	for _, opt := range options {
		opt(cfg)
	}

	// Connect Infrastructure
	q, err := cfg.NewQueueClient()
	if err != nil {
		return fmt.Errorf("failed to create queue client: %w", err)
	}
	defer q.Shutdown(context.Background())

	c, err := cfg.NewCache(ctx)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}

	topic, sub, err := cfg.OpenResults(ctx)
	if err != nil {
		return fmt.Errorf("failed to open results channel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sub.Shutdown(shutdownCtx)
		topic.Shutdown(shutdownCtx)
	}()

	engine, err := cfg.NewEngine()
	if err != nil {
		return fmt.Errorf("failed to create sandbox engine: %w", err)
	}

	workRoot, err := cfg.WorkRoot()
	if err != nil {
		return err
	}

	// Open every partition before serving traffic so that no
	// submission can outrun subscription creation on brokers without
	// message retention.
	for _, t := range cfg.Triples() {
		if err := q.Open(ctx, t); err != nil {
			return fmt.Errorf("failed to open partition for %s: %w", t, err)
		}
	}

	notifier := notify.NewNotifier(topic)
	resultMux := notify.NewMux(sub)
	fetcher := bundle.NewFetcher(c, packager.New())

	// Setup HTTP Handler
	api := &www.Server{
		Queue:   q,
		Mux:     resultMux,
		Triples: cfg.Triples(),
	}
	router := http.NewServeMux()
	router.Handle("/api/", api.Handler())
	router.Handle("/status", newStatusHandler())

	group, groupCtx := errgroup.WithContext(ctx)

	// Result Fan-Out
	group.Go(func() error {
		return resultMux.Start(groupCtx)
	})

	// Workers
	for _, t := range cfg.Triples() {
		w := &worker.Worker{
			Triple:       t,
			Queue:        q,
			Fetcher:      fetcher,
			Engine:       engine,
			Notifier:     notifier,
			WorkRoot:     workRoot,
			PollInterval: EnvPollIntervalMs.Duration(),
			StartupDelay: EnvStartupDelayMs.Duration(),
		}
		group.Go(func() error {
			return w.Run(groupCtx)
		})
	}

	// Janitor
	j := &janitor.Janitor{WorkRoot: workRoot, MaxAge: EnvJanitorMaxAgeMs.Duration()}
	group.Go(func() error {
		return j.Run(groupCtx, EnvJanitorSchedule.String())
	})

	// Metrics
	if EnvEnableMetrics.IsSet() {
		group.Go(func() error {
			return serveMetrics(groupCtx, EnvHTTPMetricsListenAddr.String())
		})
	}

	// Listen & Serve HTTP Traffic
	addr := EnvHTTPListenAddr.String()
	srv := &http.Server{Addr: addr, Handler: router}
	group.Go(func() error {
		slog.InfoContext(groupCtx, "anvil started",
			"version", Version,
			"listen_addr", addr,
			"sandbox_backend", engineKind(engine),
			"work_root", workRoot,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("stopped http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// engineKind reports the configured backend for the startup log line.
func engineKind(e sandbox.Engine) string {
	switch e.(type) {
	case *sandbox.DockerEngine:
		return "docker"
	default:
		return "process"
	}
}
