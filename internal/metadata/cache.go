package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/observability"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/imagefiles"
)

// Cache is a read-through cache of image metadata over a Store. Concurrent
// callers may extract the same file twice; the last write wins and both writes
// hold the same content.
type Cache struct {
	ext     *Extractor
	store   Store
	log     *slog.Logger
	workers int
	ready   atomic.Bool
}

type Options struct {
	Store   Store
	Logger  *slog.Logger
	Workers int
}

func NewCache(ext *Extractor, opts Options) *Cache {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	return &Cache{ext: ext, store: opts.Store, log: opts.Logger, workers: opts.Workers}
}

func (c *Cache) Extractor() *Extractor { return c.ext }

// Ready reports whether Initialize has completed at least once.
func (c *Cache) Ready() bool { return c.ready.Load() }

func (c *Cache) Clear(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear metadata: %w", err)
	}
	observability.SetMetadataEntries(0)
	return nil
}

// Initialize clears the cache and extracts every image under the root. Files
// without metadata are skipped. It returns the number of entries stored.
func (c *Cache) Initialize(ctx context.Context) (int, error) {
	start := time.Now()
	if err := c.Clear(ctx); err != nil {
		return 0, err
	}
	paths, err := imagefiles.List(c.ext.Root(), c.ext.Exts())
	if err != nil {
		return 0, fmt.Errorf("list images: %w", err)
	}

	var stored atomic.Int64
	err = c.each(ctx, paths, func(ctx context.Context, path string) error {
		md, ok := c.ext.Extract(path)
		if !ok {
			return nil
		}
		if err := c.store.Put(ctx, md); err != nil {
			return fmt.Errorf("store %q: %w", path, err)
		}
		stored.Add(1)
		return nil
	})
	n := int(stored.Load())
	observability.SetMetadataEntries(n)
	if err != nil {
		return n, err
	}
	c.ready.Store(true)
	c.log.Info("metadata cache initialized",
		"root", c.ext.Root(), "files", len(paths), "entries", n, "took", time.Since(start))
	return n, nil
}

type RefreshStats struct {
	Scanned   int `json:"scanned"`
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
}

// Refresh adds files missing from the cache and re-extracts entries whose file
// was modified after extraction. Entries of deleted files are kept.
func (c *Cache) Refresh(ctx context.Context) (RefreshStats, error) {
	paths, err := imagefiles.List(c.ext.Root(), c.ext.Exts())
	if err != nil {
		return RefreshStats{}, fmt.Errorf("list images: %w", err)
	}

	var added, updated, unchanged, skipped atomic.Int64
	err = c.each(ctx, paths, func(ctx context.Context, path string) error {
		switch out, err := c.refreshOne(ctx, path); {
		case err != nil:
			return err
		case out == outcomeAdded:
			added.Add(1)
		case out == outcomeUpdated:
			updated.Add(1)
		case out == outcomeUnchanged:
			unchanged.Add(1)
		default:
			skipped.Add(1)
		}
		return nil
	})
	st := RefreshStats{
		Scanned:   len(paths),
		Added:     int(added.Load()),
		Updated:   int(updated.Load()),
		Unchanged: int(unchanged.Load()),
		Skipped:   int(skipped.Load()),
	}
	if err != nil {
		return st, err
	}
	c.log.Info("metadata cache refreshed", "root", c.ext.Root(),
		"scanned", st.Scanned, "added", st.Added, "updated", st.Updated, "skipped", st.Skipped)
	return st, nil
}

// RefreshPath applies refresh semantics to a single file and reports whether
// the stored entry changed.
func (c *Cache) RefreshPath(ctx context.Context, path string) (bool, error) {
	out, err := c.refreshOne(ctx, filepath.Clean(path))
	return out == outcomeAdded || out == outcomeUpdated, err
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeAdded
	outcomeUpdated
	outcomeUnchanged
)

func (c *Cache) refreshOne(ctx context.Context, path string) (outcome, error) {
	cur, found := c.lookup(ctx, path)
	if found {
		info, err := os.Stat(path)
		if err != nil || !cur.OlderThan(info.ModTime()) {
			return outcomeUnchanged, nil
		}
	}
	md, ok := c.ext.Extract(path)
	if !ok {
		return outcomeSkipped, nil
	}
	if err := c.store.Put(ctx, md); err != nil {
		return outcomeSkipped, fmt.Errorf("store %q: %w", path, err)
	}
	if found {
		return outcomeUpdated, nil
	}
	return outcomeAdded, nil
}

func (c *Cache) each(ctx context.Context, paths []string, fn func(context.Context, string) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, p := range paths {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error { return fn(gctx, p) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// lookup treats store errors as misses so a flaky shared store degrades to
// re-extraction.
func (c *Cache) lookup(ctx context.Context, path string) (*ImageMetadata, bool) {
	md, ok, err := c.store.Get(ctx, path)
	if err != nil {
		c.log.Warn("metadata store get failed", "path", path, "err", err)
		return nil, false
	}
	return md, ok
}

// Get returns the cached entry for path without extracting.
func (c *Cache) Get(ctx context.Context, path string) (*ImageMetadata, bool) {
	md, ok := c.lookup(ctx, filepath.Clean(path))
	observability.ObserveMetadataLookup("get", ok)
	return md, ok
}

// Fetch returns the cached entry for path, extracting and storing it on a miss.
func (c *Cache) Fetch(ctx context.Context, path string) (*ImageMetadata, bool) {
	path = filepath.Clean(path)
	if md, ok := c.lookup(ctx, path); ok {
		observability.ObserveMetadataLookup("fetch", true)
		return md, true
	}
	observability.ObserveMetadataLookup("fetch", false)
	md, ok := c.ext.Extract(path)
	if !ok {
		return nil, false
	}
	if err := c.store.Put(ctx, md); err != nil {
		c.log.Warn("metadata store put failed", "path", path, "err", err)
	}
	return md, true
}

// Put stores md under its path. It returns false when md has no path or the
// store rejects the write.
func (c *Cache) Put(ctx context.Context, md *ImageMetadata) bool {
	if md == nil || md.Path == "" {
		return false
	}
	if p := filepath.Clean(md.Path); p != md.Path {
		cp := *md
		cp.Path = p
		md = &cp
	}
	if err := c.store.Put(ctx, md); err != nil {
		c.log.Warn("metadata store put failed", "path", md.Path, "err", err)
		return false
	}
	return true
}

// Paths lists the cached file paths in no particular order.
func (c *Cache) Paths(ctx context.Context) ([]string, error) {
	return c.store.Paths(ctx)
}

func (c *Cache) Len(ctx context.Context) int {
	p, err := c.store.Paths(ctx)
	if err != nil {
		return 0
	}
	return len(p)
}

// All returns every cached entry.
func (c *Cache) All(ctx context.Context) ([]*ImageMetadata, error) {
	paths, err := c.store.Paths(ctx)
	if err != nil {
		return nil, err
	}
	if mg, ok := c.store.(multiGetter); ok {
		got, err := mg.GetMany(ctx, paths)
		if err == nil {
			out := make([]*ImageMetadata, 0, len(got))
			for _, p := range paths {
				if md, ok := got[p]; ok {
					out = append(out, md)
				}
			}
			return out, nil
		}
		c.log.Warn("metadata store batch get failed", "paths", len(paths), "err", err)
	}
	out := make([]*ImageMetadata, 0, len(paths))
	for _, p := range paths {
		if md, ok := c.lookup(ctx, p); ok {
			out = append(out, md)
		}
	}
	return out, nil
}
