package cutout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/apperr"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/model"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/observability"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/fitsimg"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/imagefiles"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/logger"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/wcs"
)

const MediaType = "image/fits"

const msgWriteFault = "Unexpected error while writing image cutout to cache file"

type Options struct {
	Exts      []string
	Generator Generator
	// Mode labels generation metrics; it defaults to the generator's mode.
	Mode string
	// MaxEntries bounds the number of cached files; 0 keeps every file.
	MaxEntries int
	// Coalesce makes concurrent misses for one name share a single generation.
	Coalesce bool
	Logger   *slog.Logger
}

// Cache stores generated cutouts as flat files in one directory. A file that
// exists under the derived name is served as is.
type Cache struct {
	dir   string
	exts  []string
	gen   Generator
	mode  string
	read  func(string) (*fitsimg.Image, error)
	log   *slog.Logger
	lru   *lru.Cache[string, struct{}]
	group *singleflight.Group
}

// Result is a cutout served from or written to the cache.
type Result struct {
	Name      string
	Path      string
	Data      []byte
	MediaType string
	Hit       bool
}

func NewCache(dir string, opts Options) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cutout cache directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cutout cache dir: %w", err)
	}
	c := &Cache{
		dir:  dir,
		exts: opts.Exts,
		gen:  opts.Generator,
		mode: opts.Mode,
		read: fitsimg.ReadFile,
		log:  opts.Logger,
	}
	if len(c.exts) == 0 {
		c.exts = imagefiles.DefaultExts
	}
	if c.gen == nil {
		c.gen = NewWCSGenerator(wcs.ModeTrim)
	}
	if c.mode == "" {
		c.mode = string(wcs.ModeTrim)
		if g, ok := c.gen.(WCSGenerator); ok {
			c.mode = string(g.Mode)
		}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if opts.Coalesce {
		c.group = &singleflight.Group{}
	}
	if opts.MaxEntries > 0 {
		l, err := lru.NewWithEvict[string, struct{}](opts.MaxEntries, func(name string, _ struct{}) {
			c.evict(name)
		})
		if err != nil {
			return nil, fmt.Errorf("cutout lru: %w", err)
		}
		c.lru = l
		if err := c.seed(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Cache) Dir() string { return c.dir }

// IsCached reports whether a cutout file named name exists in the cache.
func (c *Cache) IsCached(name string) bool {
	if !validName(name) || !imagefiles.IsImageFile(name, c.exts) {
		return false
	}
	return imagefiles.IsRegular(filepath.Join(c.dir, name))
}

// GetOrCreate returns the cutout of imagePath for req, generating and storing it
// when no file exists under its derived name yet.
func (c *Cache) GetOrCreate(ctx context.Context, imagePath string, req model.CutoutRequest, collection, filter string) (*Result, error) {
	if !req.HasSize() {
		return nil, apperr.Validation("A cutout size must be specified")
	}
	name := DeriveName(PartsFor(imagePath, req, collection, filter), c.exts)
	path := filepath.Join(c.dir, name)

	if c.IsCached(name) {
		data, err := os.ReadFile(path)
		if err == nil {
			c.touch(name)
			observability.IncCutoutResult("hit")
			ctx = logger.WithCacheOutcome(ctx, "hit")
			c.log.DebugContext(ctx, "cutout served from cache", "name", name)
			return &Result{Name: name, Path: path, Data: data, MediaType: MediaType, Hit: true}, nil
		}
		// evicted or removed between the check and the read
		c.log.DebugContext(ctx, "cached cutout vanished, regenerating", "name", name, "err", err)
	}

	ctx = logger.WithCacheOutcome(logger.WithImage(ctx, imagePath), "miss")
	create := func() (any, error) { return c.create(ctx, imagePath, req, path) }

	var (
		v   any
		err error
	)
	if c.group != nil {
		v, err, _ = c.group.Do(name, create)
	} else {
		v, err = create()
	}
	if err != nil {
		return nil, err
	}
	c.touch(name)
	observability.IncCutoutResult("miss")
	return &Result{Name: name, Path: path, Data: v.([]byte), MediaType: MediaType}, nil
}

func (c *Cache) create(ctx context.Context, imagePath string, req model.CutoutRequest, path string) ([]byte, error) {
	img, err := c.read(imagePath)
	if err != nil {
		observability.IncCutoutResult("error")
		msg := fmt.Sprintf("Unable to read image file '%s'", imagePath)
		if errors.Is(err, fs.ErrNotExist) {
			msg = fmt.Sprintf("Specified image file '%s' not found", imagePath)
		}
		return nil, apperr.With(apperr.NotFoundCause(err, msg), "image", imagePath)
	}

	start := time.Now()
	err = c.gen.Generate(img, req.Center, *req.Size)
	observability.ObserveCutoutGenerate(c.mode, time.Since(start).Seconds())
	if err != nil {
		var oe *OverlapError
		switch {
		case errors.As(err, &oe):
			observability.IncCutoutResult("overlap")
			return nil, apperr.ValidationCause(oe, oe.Error())
		case errors.Is(err, ErrTooLarge):
			observability.IncCutoutResult("error")
			return nil, apperr.ValidationCause(err, fmt.Sprintf("Cutout size %s is too large to pad around the image", req.Size))
		case errors.Is(err, ErrNoWCS):
			observability.IncCutoutResult("error")
			return nil, apperr.ValidationCause(err, "The image has no celestial coordinate system to cut from")
		default:
			observability.IncCutoutResult("error")
			c.log.ErrorContext(ctx, "cutout generation failed", "err", err)
			return nil, apperr.Fault(err, "Unexpected error while generating image cutout")
		}
	}

	data, err := c.write(img, path)
	if err != nil {
		observability.IncCutoutResult("error")
		c.log.ErrorContext(ctx, "cutout write failed", "path", path, "err", err)
		return nil, apperr.Fault(err, msgWriteFault)
	}
	c.log.InfoContext(ctx, "cutout created", "name", filepath.Base(path), "bytes", len(data))
	return data, nil
}

// write encodes img to a temporary file in the cache directory and renames it
// into place, so readers never see a partial cutout.
func (c *Cache) write(img *fitsimg.Image, path string) ([]byte, error) {
	tmp, err := os.CreateTemp(c.dir, ".cutout-*.tmp")
	if err != nil {
		return nil, err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	var buf bytes.Buffer
	if err := fitsimg.Encode(&buf, img); err != nil {
		_ = tmp.Close()
		return nil, err
	}
	data := buf.Bytes()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return nil, err
	}
	return data, nil
}

// Fetch returns a cached cutout by file name without generating anything.
func (c *Cache) Fetch(name string) (*Result, error) {
	if !validName(name) {
		return nil, apperr.Validationf("Invalid cutout filename '%s'", name)
	}
	if !c.IsCached(name) {
		return nil, apperr.NotFoundf("Specified cutout file '%s' not found", name)
	}
	path := filepath.Join(c.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.NotFoundf("Specified cutout file '%s' not found", name)
		}
		return nil, apperr.Fault(err, "Unable to read cutout file")
	}
	c.touch(name)
	return &Result{Name: name, Path: path, Data: data, MediaType: MediaType, Hit: true}, nil
}

// List returns the names of cached cutouts in lexical order.
func (c *Cache) List() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && imagefiles.IsImageFile(e.Name(), c.exts) {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// Len is the number of files tracked by the size bound, or on disk without one.
func (c *Cache) Len() int {
	if c.lru != nil {
		return c.lru.Len()
	}
	names, _ := c.List()
	return len(names)
}

func (c *Cache) touch(name string) {
	if c.lru != nil {
		c.lru.Add(name, struct{}{})
	}
}

func (c *Cache) evict(name string) {
	if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.log.Warn("cutout eviction failed", "name", name, "err", err)
		return
	}
	c.log.Debug("cutout evicted", "name", name)
}

// seed loads existing files oldest first so the newest survive the bound.
func (c *Cache) seed() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("scan cutout cache: %w", err)
	}
	type aged struct {
		name string
		mod  time.Time
	}
	var files []aged
	for _, e := range entries {
		if !e.Type().IsRegular() || !imagefiles.IsImageFile(e.Name(), c.exts) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, aged{e.Name(), info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	for _, f := range files {
		c.lru.Add(f.name, struct{}{})
	}
	return nil
}

func validName(name string) bool {
	return name != "" &&
		!strings.ContainsAny(name, `/\`) &&
		!imagefiles.PathHasDots(name) &&
		!strings.HasPrefix(name, ".")
}
