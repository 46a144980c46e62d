package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/apperr"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/model"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/observability"
)

const selectFields = "id, s_ra, s_dec, file_name, file_path, obs_collection, filter"

// Postgres queries an image table that carries q3c-indexed centers (s_ra,
// s_dec) and footprint corners (im_ra1..im_dec4).
type Postgres struct {
	db    *sql.DB
	table string
}

// Open connects with the lib/pq driver and checks the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping catalog db: %w", err)
	}
	return db, nil
}

// NewPostgres queries schema.table; both names are reduced to letters, digits
// and underscores before quoting.
func NewPostgres(db *sql.DB, schema, table string) (*Postgres, error) {
	s, t := CleanID(schema), CleanID(table)
	if s == "" || t == "" {
		return nil, apperr.Fault(nil, "Catalog schema and table names must not be empty")
	}
	return &Postgres{db: db, table: pq.QuoteIdentifier(s) + "." + pq.QuoteIdentifier(t)}, nil
}

// Table is the quoted schema.table name.
func (p *Postgres) Table() string { return p.table }

type query struct {
	sql   strings.Builder
	where []string
	args  []any
}

func (q *query) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *query) and(cond string) { q.where = append(q.where, cond) }

func (q *query) filter(f Filter) {
	if f.Collection != "" {
		q.and("obs_collection = " + q.arg(CleanID(f.Collection)))
	}
	if f.Filter != "" {
		q.and("filter = " + q.arg(CleanID(f.Filter)))
	}
}

func (q *query) String() string {
	if len(q.where) > 0 {
		q.sql.WriteString(" WHERE ")
		q.sql.WriteString(strings.Join(q.where, " AND "))
		q.where = nil
	}
	return q.sql.String()
}

func (p *Postgres) selectFrom() *query {
	q := &query{}
	q.sql.WriteString("SELECT " + selectFields + " FROM " + p.table)
	return q
}

func (p *Postgres) QueryCone(ctx context.Context, center model.SkyCoord, radius float64, f Filter) ([]Record, error) {
	c := center.ICRS()
	q := p.selectFrom()
	q.filter(f)
	q.and(fmt.Sprintf("q3c_radial_query(s_ra, s_dec, %s, %s, %s)", q.arg(c.RA), q.arg(c.Dec), q.arg(radius)))
	return p.records(ctx, "cone", q.String()+" ORDER BY id", q.args)
}

func (p *Postgres) QueryCoordinates(ctx context.Context, point model.SkyCoord, f Filter) ([]Record, error) {
	c := point.ICRS()
	q := p.selectFrom()
	q.filter(f)
	q.and(fmt.Sprintf("q3c_poly_query(%s, %s, ARRAY[im_ra1, im_dec1, im_ra2, im_dec2, im_ra3, im_dec3, im_ra4, im_dec4]) = TRUE",
		q.arg(c.RA), q.arg(c.Dec)))
	return p.records(ctx, "coordinates", q.String()+" ORDER BY id", q.args)
}

func (p *Postgres) QueryImage(ctx context.Context, f Filter) ([]Record, error) {
	q := p.selectFrom()
	q.filter(f)
	return p.records(ctx, "image", q.String()+" ORDER BY id", q.args)
}

func (p *Postgres) ImageMetadata(ctx context.Context, id int64) (*Record, bool, error) {
	q := p.selectFrom()
	q.and("id = " + q.arg(id))
	recs, err := p.records(ctx, "by_id", q.String(), q.args)
	if err != nil || len(recs) == 0 {
		return nil, false, err
	}
	return &recs[0], true, nil
}

func (p *Postgres) ImagePathFromID(ctx context.Context, id int64) (string, bool, error) {
	start := time.Now()
	var path string
	err := p.db.QueryRowContext(ctx, "SELECT file_path FROM "+p.table+" WHERE id = $1", id).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		observability.ObserveCatalogQuery("postgres", "path_by_id", nil, time.Since(start).Seconds())
		return "", false, nil
	}
	observability.ObserveCatalogQuery("postgres", "path_by_id", err, time.Since(start).Seconds())
	if err != nil {
		return "", false, apperr.Database(err, "catalog query failed")
	}
	return path, true, nil
}

func (p *Postgres) ImageMetadataByPath(ctx context.Context, path, collection string) ([]Record, error) {
	q := p.selectFrom()
	q.and("file_path = " + q.arg(path))
	q.filter(Filter{Collection: collection})
	return p.records(ctx, "by_path", q.String()+" ORDER BY id", q.args)
}

func (p *Postgres) ListCollections(ctx context.Context) ([]string, error) {
	return p.column(ctx, "collections",
		"SELECT DISTINCT obs_collection FROM "+p.table+" WHERE obs_collection IS NOT NULL")
}

func (p *Postgres) ListFilters(ctx context.Context, collection string) ([]string, error) {
	if collection == "" {
		return p.column(ctx, "filters", "SELECT DISTINCT filter FROM "+p.table+" WHERE filter IS NOT NULL")
	}
	return p.column(ctx, "filters",
		"SELECT DISTINCT filter FROM "+p.table+" WHERE obs_collection = $1 AND filter IS NOT NULL", CleanID(collection))
}

func (p *Postgres) ListImagePaths(ctx context.Context, collection string) ([]string, error) {
	if collection == "" {
		return p.column(ctx, "paths", "SELECT DISTINCT file_path FROM "+p.table)
	}
	return p.column(ctx, "paths",
		"SELECT DISTINCT file_path FROM "+p.table+" WHERE obs_collection = $1", CleanID(collection))
}

func (p *Postgres) records(ctx context.Context, name, stmt string, args []any) (out []Record, err error) {
	start := time.Now()
	defer func() { observability.ObserveCatalogQuery("postgres", name, err, time.Since(start).Seconds()) }()

	rows, err := p.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, apperr.Database(err, "catalog query failed")
	}
	defer func() { _ = rows.Close() }()

	out = []Record{}
	for rows.Next() {
		var (
			r            Record
			coll, filter sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.RA, &r.Dec, &r.FileName, &r.FilePath, &coll, &filter); err != nil {
			return nil, apperr.Database(err, "scan catalog row")
		}
		r.Collection, r.Filter = coll.String, filter.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Database(err, "catalog query failed")
	}
	return out, nil
}

func (p *Postgres) column(ctx context.Context, name, stmt string, args ...any) (out []string, err error) {
	start := time.Now()
	defer func() { observability.ObserveCatalogQuery("postgres", name, err, time.Since(start).Seconds()) }()

	rows, err := p.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, apperr.Database(err, "catalog query failed")
	}
	defer func() { _ = rows.Close() }()

	out = []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, apperr.Database(err, "scan catalog row")
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Database(err, "catalog query failed")
	}
	return out, nil
}
