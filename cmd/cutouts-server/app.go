package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/catalog"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/config"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/health"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/router"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/cutout"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/cutoutevents"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/imagemgr"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/matcher"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/metadata"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/wcs"
	ingest "github.com/mohammed-shakir/fits-cutout-cache/pkg/ingest/kafka"
)

// app holds the wired service and whatever must be closed on shutdown.
type app struct {
	routes     *router.Router
	maintainer catalog.Maintainer
	ingest     *ingest.Runner
	closers    []func() error
}

// readiness waits for the metadata cache only when it is warmed at startup.
func (a *app) readiness(warmOnStart bool) []health.Check {
	checks := []health.Check{{Name: "ingest", Reporter: a.ingest}}
	if warmOnStart {
		checks = append(checks, health.Check{Name: "metadata", Reporter: health.Ready(a.maintainer.Ready)})
	}
	return checks
}

func (a *app) close(log *slog.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn("shutdown close failed", "err", err)
		}
	}
}

func build(ctx context.Context, cfg config.Config, ingestCfg ingest.IngestConfig, log *slog.Logger, reg prometheus.Registerer) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close(log)
		return nil, err
	}

	store, err := metadataStore(ctx, cfg, a)
	if err != nil {
		return fail(err)
	}
	mdCache := metadata.NewCache(
		metadata.NewExtractor(cfg.ImagesDir, cfg.ImageExts, log),
		metadata.Options{Store: store, Logger: log, Workers: cfg.MetadataWorkers},
	)
	a.maintainer = catalog.Maintainer{Cache: mdCache}

	var (
		cat      catalog.Catalog
		resolver imagemgr.Resolver
	)
	switch cfg.Resolver {
	case "postgres":
		db, err := catalog.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, db.Close)
		pg, err := catalog.NewPostgres(db, cfg.DBSchema, cfg.DBImageTable)
		if err != nil {
			return fail(err)
		}
		cat = pg
	case "matcher", "index":
		idx, err := catalog.NewSkyIndex(cfg.SkyIndexRes)
		if err != nil {
			return fail(err)
		}
		a.maintainer.Index = idx
		cat = idx
		if cfg.Resolver == "matcher" {
			resolver = imagemgr.MatcherResolver{Matcher: matcher.New(cfg.ImagesDir, cfg.ImageExts, mdCache, log)}
		}
	default:
		return fail(fmt.Errorf("unknown RESOLVER %q (want matcher, index or postgres)", cfg.Resolver))
	}

	gen := cutout.NewWCSGenerator(wcs.Mode(cfg.CutoutsMode))
	gen.Fill = cfg.CutoutFill
	cutouts, err := cutout.NewCache(cfg.CutoutsDir, cutout.Options{
		Exts:       cfg.ImageExts,
		Generator:  gen,
		MaxEntries: cfg.CutoutMaxEntries,
		Coalesce:   cfg.CutoutDedupe,
		Logger:     log,
	})
	if err != nil {
		return fail(err)
	}

	var events imagemgr.EventSink
	if cfg.Events.Enabled {
		pub, err := cutoutevents.NewPublisher(splitList(cfg.Events.Brokers), cfg.Events.Topic, cfg.Events.QueueSize, log)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, pub.Close)
		events = pub
	}

	mgr, err := imagemgr.New(imagemgr.Options{
		ImagesDir: cfg.ImagesDir,
		Exts:      cfg.ImageExts,
		Resolver:  resolver,
		Catalog:   cat,
		Cutouts:   cutouts,
		Events:    events,
		Logger:    log,
	})
	if err != nil {
		return fail(err)
	}

	ingestCfg.Enabled = ingestCfg.Enabled || cfg.IngestEnabled
	a.ingest = ingest.New(ingestCfg, a.maintainer, ingest.Options{
		Logger:    log,
		Register:  reg,
		ImagesDir: cfg.ImagesDir,
	})
	a.routes = router.New(log, mgr, a.maintainer)
	return a, nil
}

func metadataStore(ctx context.Context, cfg config.Config, a *app) (metadata.Store, error) {
	switch cfg.MetadataBackend {
	case "memory", "":
		return metadata.NewMemoryStore(), nil
	case "redis":
		rc, err := redisstore.New(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("redis metadata store: %w", err)
		}
		a.closers = append(a.closers, rc.Close)
		return metadata.NewRedisStore(rc, cfg.RedisKeyPrefix, cfg.CacheOpTimeout), nil
	default:
		return nil, fmt.Errorf("unknown METADATA_BACKEND %q (want memory or redis)", cfg.MetadataBackend)
	}
}

// warm fills the metadata cache; on failure the service stays up but not ready.
func (a *app) warm(ctx context.Context, log *slog.Logger) {
	n, err := a.maintainer.Initialize(ctx)
	switch {
	case errors.Is(err, context.Canceled):
	case err != nil:
		log.Error("metadata initialization failed", "err", err)
	default:
		log.Info("metadata cache warmed", "images", n)
	}
}

func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
