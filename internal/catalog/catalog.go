// Package catalog answers positional and attribute queries over image
// records, from a Postgres image table or from an in-memory sky index.
package catalog

import (
	"context"
	"strings"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/model"
)

// Record is one row of the image metadata table.
type Record struct {
	ID         int64   `json:"id"`
	RA         float64 `json:"s_ra"`
	Dec        float64 `json:"s_dec"`
	FileName   string  `json:"file_name"`
	FilePath   string  `json:"file_path"`
	Collection string  `json:"obs_collection,omitempty"`
	Filter     string  `json:"filter,omitempty"`
}

// Filter restricts a query; empty fields do not restrict.
type Filter struct {
	Collection string
	Filter     string
}

// Catalog is implemented by Postgres and SkyIndex. Queries return records
// ordered by id; no result is an empty slice, not an error.
type Catalog interface {
	// QueryCone returns images whose center lies within radius degrees of center.
	QueryCone(ctx context.Context, center model.SkyCoord, radius float64, f Filter) ([]Record, error)
	// QueryCoordinates returns images whose footprint contains point.
	QueryCoordinates(ctx context.Context, point model.SkyCoord, f Filter) ([]Record, error)
	QueryImage(ctx context.Context, f Filter) ([]Record, error)
	ImageMetadata(ctx context.Context, id int64) (*Record, bool, error)
	ImagePathFromID(ctx context.Context, id int64) (string, bool, error)
	ImageMetadataByPath(ctx context.Context, path, collection string) ([]Record, error)
	ListCollections(ctx context.Context) ([]string, error)
	ListFilters(ctx context.Context, collection string) ([]string, error)
	ListImagePaths(ctx context.Context, collection string) ([]string, error)
}

// CleanID keeps the letters, digits and underscores of an identifier.
func CleanID(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return -1
	}, s)
}
