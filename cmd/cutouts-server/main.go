package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/config"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/observability"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/server"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/logger"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/metrics"
	ingest "github.com/mohammed-shakir/fits-cutout-cache/pkg/ingest/kafka"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	resolverFlag := flag.String("resolver", "", "image resolver: matcher, index or postgres")
	flag.Parse()

	cfg := config.FromEnv()
	if *resolverFlag != "" {
		cfg.Resolver = strings.ToLower(strings.TrimSpace(*resolverFlag))
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "fits-cutouts",
		Component: "server",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	p := metrics.Init(metrics.Config{
		Enabled: cfg.MetricsEnabled,
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			Branch:    os.Getenv("BUILD_BRANCH"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})
	observability.Init(p.Registerer(), cfg.MetricsEnabled)
	observability.ExposeBuildInfo(Version)

	appLog.Info("starting cutout service",
		"addr", cfg.Addr,
		"version", Version,
		"images", cfg.ImagesDir,
		"cutouts", cfg.CutoutsDir,
		"resolver", cfg.Resolver,
		"mode", cfg.CutoutsMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, ingest.FromEnv(), appLog, p.Registerer())
	if err != nil {
		appLog.Error("service setup failed", "err", err)
		return 1
	}
	defer a.close(appLog)

	if cfg.MetadataInitStart {
		go a.warm(ctx, appLog)
	}
	if err := a.ingest.Start(ctx); err != nil {
		appLog.Error("ingest runner failed to start", "err", err)
		return 1
	}
	defer a.ingest.Stop()

	err = server.Run(ctx, cfg, appLog, server.Options{
		Routes:  a.routes,
		Metrics: p.Handler(),
		Ready:   a.readiness(cfg.MetadataInitStart),
	})
	if err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
