// Package imagemgr serves whole images, image metadata and cutouts: it resolves
// a request to a source image and consults the cutout cache.
package imagemgr

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/apperr"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/catalog"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/model"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/cutout"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/cutoutevents"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/imagefiles"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/logger"
)

const (
	msgNoPointMatch = "No matching image for coordinates was found"
	msgNoConeMatch  = "No matching image for coordinates (in cone) was found"
)

// EventSink receives an event per served cutout.
type EventSink interface {
	Publish(ev cutoutevents.Event)
}

type Options struct {
	ImagesDir string
	Exts      []string
	Resolver  Resolver
	Catalog   catalog.Catalog
	Cutouts   *cutout.Cache
	Events    EventSink
	Logger    *slog.Logger
}

type Manager struct {
	root     string
	exts     []string
	resolver Resolver
	catalog  catalog.Catalog
	cutouts  *cutout.Cache
	events   EventSink
	log      *slog.Logger
}

func New(opts Options) (*Manager, error) {
	if opts.Cutouts == nil || opts.Catalog == nil {
		return nil, errors.New("imagemgr: cutout cache and catalog are required")
	}
	if opts.Resolver == nil {
		opts.Resolver = CatalogResolver{Catalog: opts.Catalog}
	}
	if len(opts.Exts) == 0 {
		opts.Exts = imagefiles.DefaultExts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		root:     filepath.Clean(opts.ImagesDir),
		exts:     opts.Exts,
		resolver: opts.Resolver,
		catalog:  opts.Catalog,
		cutouts:  opts.Cutouts,
		events:   opts.Events,
		log:      opts.Logger,
	}, nil
}

// GetImageOrCutout resolves the source image of req and returns the whole image
// when req has no size, or the cutout of it otherwise. Without a size the image
// must contain the center; with one, the first image centered within the size
// (as a radius) is used.
func (m *Manager) GetImageOrCutout(ctx context.Context, req model.CutoutRequest, collection, filter string) (*cutout.Result, error) {
	f := catalog.Filter{Collection: collection, Filter: filter}
	if !req.HasSize() {
		path, ok, err := m.resolver.Point(ctx, req.Center, f)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, notFoundAt(msgNoPointMatch, req.Center)
		}
		return m.wholeImage(path)
	}

	path, ok, err := m.resolver.Cone(ctx, req.Center, req.Size.Degrees(), f)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFoundAt(msgNoConeMatch, req.Center)
	}
	res, err := m.cutouts.GetOrCreate(ctx, path, req, collection, filter)
	if err != nil {
		return nil, apperr.With(err, "image", path)
	}
	outcome := "miss"
	if res.Hit {
		outcome = "hit"
	}
	m.log.InfoContext(logger.WithCacheOutcome(ctx, outcome), "cutout served", "name", res.Name, "image", path)
	if m.events != nil {
		m.events.Publish(cutoutevents.Event{
			Name:       res.Name,
			Image:      path,
			RA:         req.Center.RA,
			Dec:        req.Center.Dec,
			Size:       req.Size.Value,
			Unit:       string(req.Size.Unit),
			Collection: collection,
			Filter:     filter,
			Hit:        res.Hit,
		})
	}
	return res, nil
}

func notFoundAt(msg string, c model.SkyCoord) error {
	return apperr.With(apperr.NotFound(msg), "coordinate", c.String())
}

// FetchImageByPath returns the image file at path, which may be relative to the
// images directory but must stay inside it.
func (m *Manager) FetchImageByPath(path string) (*cutout.Result, error) {
	full, err := m.imagePath(path)
	if err != nil {
		return nil, err
	}
	return m.wholeImage(full)
}

func (m *Manager) FetchImageByID(ctx context.Context, id int64) (*cutout.Result, error) {
	path, ok, err := m.catalog.ImagePathFromID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFoundf("Image with image ID '%d' not found in database", id)
	}
	return m.wholeImage(path)
}

// FetchImageByFilter returns the first image, by id, with the filter.
func (m *Manager) FetchImageByFilter(ctx context.Context, filter, collection string) (*cutout.Result, error) {
	recs, err := m.catalog.QueryImage(ctx, catalog.Filter{Collection: collection, Filter: filter})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		in := ""
		if collection != "" {
			in = fmt.Sprintf(" and collection '%s'", collection)
		}
		return nil, apperr.NotFoundf("Image with filter '%s'%s not found in database", filter, in)
	}
	return m.wholeImage(recs[0].FilePath)
}

func (m *Manager) ImageMetadata(ctx context.Context, id int64) (*catalog.Record, error) {
	rec, ok, err := m.catalog.ImageMetadata(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFoundf("Image metadata for image ID '%d' not found in database", id)
	}
	return rec, nil
}

func (m *Manager) ImageMetadataByCollection(ctx context.Context, collection string) ([]catalog.Record, error) {
	return m.catalog.QueryImage(ctx, catalog.Filter{Collection: collection})
}

func (m *Manager) ImageMetadataByFilter(ctx context.Context, filter, collection string) ([]catalog.Record, error) {
	return m.catalog.QueryImage(ctx, catalog.Filter{Collection: collection, Filter: filter})
}

func (m *Manager) ImageMetadataByPath(ctx context.Context, path, collection string) ([]catalog.Record, error) {
	return m.catalog.ImageMetadataByPath(ctx, path, collection)
}

func (m *Manager) ListCollections(ctx context.Context) ([]string, error) {
	return sorted(m.catalog.ListCollections(ctx))
}

func (m *Manager) ListFilters(ctx context.Context, collection string) ([]string, error) {
	return sorted(m.catalog.ListFilters(ctx, collection))
}

func (m *Manager) ListImagePaths(ctx context.Context, collection string) ([]string, error) {
	return sorted(m.catalog.ListImagePaths(ctx, collection))
}

func sorted(xs []string, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	sort.Strings(xs)
	return xs, nil
}

// QueryCone lists images centered within the request size of its center.
func (m *Manager) QueryCone(ctx context.Context, req model.CutoutRequest, collection, filter string) ([]catalog.Record, error) {
	if !req.HasSize() {
		return nil, apperr.Validation("A radius size (one of 'radius', 'sizeDeg', 'sizeArcMin', or 'sizeArcSec') must be specified.")
	}
	return m.catalog.QueryCone(ctx, req.Center, req.Size.Degrees(), catalog.Filter{Collection: collection, Filter: filter})
}

func (m *Manager) QueryImage(ctx context.Context, collection, filter string) ([]catalog.Record, error) {
	return m.catalog.QueryImage(ctx, catalog.Filter{Collection: collection, Filter: filter})
}

func (m *Manager) ListCutouts() ([]string, error) {
	names, err := m.cutouts.List()
	if err != nil {
		return nil, apperr.Fault(err, "Unable to list image cutouts")
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

func (m *Manager) FetchCutout(name string) (*cutout.Result, error) {
	return m.cutouts.Fetch(name)
}

func (m *Manager) imagePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" || imagefiles.PathHasDots(path) {
		return "", apperr.Validation("A valid image path must be specified, via the 'path' argument")
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(m.root, full)
	}
	full = filepath.Clean(full)
	if rel, err := filepath.Rel(m.root, full); err != nil || strings.HasPrefix(rel, "..") {
		return "", apperr.Validationf("Image path '%s' is outside the images directory", path)
	}
	return full, nil
}

func (m *Manager) wholeImage(path string) (*cutout.Result, error) {
	if !imagefiles.IsImageFile(filepath.Base(path), m.exts) || !imagefiles.IsRegular(path) {
		return nil, apperr.NotFoundf("Specified image file '%s' not found", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.NotFoundf("Specified image file '%s' not found", path)
		}
		return nil, apperr.Fault(err, "Unable to read image file")
	}
	return &cutout.Result{Name: filepath.Base(path), Path: path, Data: data, MediaType: cutout.MediaType}, nil
}
