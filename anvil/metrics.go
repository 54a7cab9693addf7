package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serveMetrics exposes the prometheus registry over HTTP until the
// context is cancelled. The endpoint is unauthenticated and must only
// be bound to trusted interfaces.
func serveMetrics(ctx context.Context, addr string) error {
	router := http.NewServeMux()
	router.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: router}
	errc := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "metrics server started", "metrics_addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
