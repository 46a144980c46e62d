package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/config"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/health"
	middleware "github.com/mohammed-shakir/fits-cutout-cache/internal/core/middleware"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/router"
)

type Options struct {
	Routes *router.Router
	// Metrics serves /metrics; nil uses the default prometheus registry.
	Metrics http.Handler
	Ready   []health.Check
}

func NewHandler(logger *slog.Logger, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	metrics := opts.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(opts.Ready...))
	r.Get("/metrics", metrics.ServeHTTP)
	if opts.Routes != nil {
		opts.Routes.Mount(r)
	}
	return r
}

// sets up http and serves until ctx is done
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewHandler(logger, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
