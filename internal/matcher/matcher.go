// Package matcher finds the image whose footprint holds a sky position by
// scanning the images tree and consulting the metadata cache.
package matcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/apperr"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/model"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/imagefiles"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/metadata"
)

// Fetcher reads metadata through a cache, extracting on a miss.
type Fetcher interface {
	Fetch(ctx context.Context, path string) (*metadata.ImageMetadata, bool)
}

// Predicate filters candidates before the containment test.
type Predicate func(md *metadata.ImageMetadata) bool

// FilterEquals matches images whose FILTER header equals filter, ignoring case
// and surrounding blanks.
func FilterEquals(filter string) Predicate {
	want := strings.TrimSpace(filter)
	return func(md *metadata.ImageMetadata) bool {
		return strings.EqualFold(strings.TrimSpace(md.Filter), want)
	}
}

type Matcher struct {
	root string
	exts []string
	md   Fetcher
	log  *slog.Logger
}

func New(root string, exts []string, md Fetcher, log *slog.Logger) *Matcher {
	if len(exts) == 0 {
		exts = imagefiles.DefaultExts
	}
	if log == nil {
		log = slog.Default()
	}
	return &Matcher{root: root, exts: exts, md: md, log: log}
}

// Match returns the first image, in listing order, under the collection subtree
// whose footprint contains point and which satisfies pred. No match is not an
// error.
func (m *Matcher) Match(ctx context.Context, point model.SkyCoord, collection string, pred Predicate) (string, bool, error) {
	paths, err := m.candidates(collection)
	if err != nil || len(paths) == 0 {
		return "", false, err
	}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		md, ok := m.md.Fetch(ctx, p)
		if !ok {
			continue
		}
		if pred != nil && !pred(md) {
			continue
		}
		if md.Contains(point) {
			m.log.DebugContext(ctx, "position matched", "path", p, "collection", collection)
			return p, true, nil
		}
	}
	return "", false, nil
}

// MatchAll returns every matching image in listing order.
func (m *Matcher) MatchAll(ctx context.Context, point model.SkyCoord, collection string, pred Predicate) ([]string, error) {
	paths, err := m.candidates(collection)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		md, ok := m.md.Fetch(ctx, p)
		if !ok || (pred != nil && !pred(md)) {
			continue
		}
		if md.Contains(point) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Matcher) candidates(collection string) ([]string, error) {
	dir, err := imagefiles.Scope(m.root, collection)
	if err != nil {
		return nil, apperr.ValidationCause(err, "Invalid collection name '"+collection+"'")
	}
	paths, err := imagefiles.List(dir, m.exts)
	if errors.Is(err, fs.ErrNotExist) {
		// unknown collection
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Fault(err, "Unable to list image files")
	}
	return paths, nil
}
