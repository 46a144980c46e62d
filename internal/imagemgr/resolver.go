package imagemgr

import (
	"context"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/catalog"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/model"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/matcher"
)

// Resolver picks the source image for a position.
type Resolver interface {
	// Point returns the first image whose footprint contains point.
	Point(ctx context.Context, point model.SkyCoord, f catalog.Filter) (string, bool, error)
	// Cone returns the first image whose center lies within radius degrees of center.
	Cone(ctx context.Context, center model.SkyCoord, radius float64, f catalog.Filter) (string, bool, error)
}

// CatalogResolver takes the first record, by id, of a catalog query.
type CatalogResolver struct {
	Catalog catalog.Catalog
}

func (r CatalogResolver) Point(ctx context.Context, point model.SkyCoord, f catalog.Filter) (string, bool, error) {
	return first(r.Catalog.QueryCoordinates(ctx, point, f))
}

func (r CatalogResolver) Cone(ctx context.Context, center model.SkyCoord, radius float64, f catalog.Filter) (string, bool, error) {
	return first(r.Catalog.QueryCone(ctx, center, radius, f))
}

func first(recs []catalog.Record, err error) (string, bool, error) {
	if err != nil || len(recs) == 0 {
		return "", false, err
	}
	return recs[0].FilePath, true, nil
}

// MatcherResolver scans the images tree. A cone resolves to the first image
// containing its center.
type MatcherResolver struct {
	Matcher *matcher.Matcher
}

func (r MatcherResolver) Point(ctx context.Context, point model.SkyCoord, f catalog.Filter) (string, bool, error) {
	var pred matcher.Predicate
	if f.Filter != "" {
		pred = matcher.FilterEquals(f.Filter)
	}
	return r.Matcher.Match(ctx, point, f.Collection, pred)
}

func (r MatcherResolver) Cone(ctx context.Context, center model.SkyCoord, _ float64, f catalog.Filter) (string, bool, error) {
	return r.Point(ctx, center, f)
}
