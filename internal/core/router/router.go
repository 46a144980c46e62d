// Package router maps the image, cutout and admin HTTP routes onto the image
// service.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/apperr"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/catalog"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/model"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/observability"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/cutout"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/logger"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/metadata"
)

// CacheHeader tells clients whether a cutout came from the cache.
const CacheHeader = "X-Cutout-Cache"

// ImageService answers image, metadata and cutout queries.
type ImageService interface {
	GetImageOrCutout(ctx context.Context, req model.CutoutRequest, collection, filter string) (*cutout.Result, error)
	FetchImageByID(ctx context.Context, id int64) (*cutout.Result, error)
	FetchImageByPath(path string) (*cutout.Result, error)
	FetchImageByFilter(ctx context.Context, filter, collection string) (*cutout.Result, error)
	ImageMetadata(ctx context.Context, id int64) (*catalog.Record, error)
	ImageMetadataByCollection(ctx context.Context, collection string) ([]catalog.Record, error)
	ImageMetadataByFilter(ctx context.Context, filter, collection string) ([]catalog.Record, error)
	ImageMetadataByPath(ctx context.Context, path, collection string) ([]catalog.Record, error)
	ListCollections(ctx context.Context) ([]string, error)
	ListFilters(ctx context.Context, collection string) ([]string, error)
	ListImagePaths(ctx context.Context, collection string) ([]string, error)
	QueryCone(ctx context.Context, req model.CutoutRequest, collection, filter string) ([]catalog.Record, error)
	QueryImage(ctx context.Context, collection, filter string) ([]catalog.Record, error)
	ListCutouts() ([]string, error)
	FetchCutout(name string) (*cutout.Result, error)
}

// MetadataAdmin rebuilds or refreshes the image metadata behind the service.
type MetadataAdmin interface {
	Initialize(ctx context.Context) (int, error)
	Refresh(ctx context.Context) (metadata.RefreshStats, error)
}

type Router struct {
	svc   ImageService
	admin MetadataAdmin
	log   *slog.Logger
}

// New returns the route set; admin may be nil to leave the admin routes out.
func New(logger *slog.Logger, svc ImageService, admin MetadataAdmin) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{svc: svc, admin: admin, log: logger}
}

func (rt *Router) Mount(r chi.Router) {
	routes := []struct {
		path string
		fn   handlerFunc
	}{
		{"/img/fetch", rt.fetchImage},
		{"/img/fetch_by_filepath", rt.fetchImageByPath},
		{"/img/fetch_by_filter", rt.fetchImageByFilter},
		{"/img/metadata", rt.imageMetadata},
		{"/img/metadata_by_collection", rt.metadataByCollection},
		{"/img/metadata_by_filepath", rt.metadataByPath},
		{"/img/metadata_by_filter", rt.metadataByFilter},
		{"/img/list_collections", rt.listCollections},
		{"/img/list_image_paths", rt.listImagePaths},
		{"/img/list_filters", rt.listFilters},
		{"/img/query_cone", rt.queryCone},
		{"/img/query_image", rt.queryImage},
		{"/co/list", rt.listCutouts},
		{"/co/fetch_by_filepath", rt.fetchCutout},
		{"/co/cutout", rt.cutout},
		{"/co/cutout_by_filter", rt.cutoutByFilter},
		{"/echo", rt.echo},
	}
	for _, route := range routes {
		r.Get(route.path, rt.handle(route.path, route.fn))
	}
	if rt.admin != nil {
		r.Post("/admin/metadata/refresh", rt.handle("/admin/metadata/refresh", rt.refreshMetadata))
		r.Post("/admin/metadata/rebuild", rt.handle("/admin/metadata/rebuild", rt.rebuildMetadata))
	}
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// handle renders errors returned by fn and records request metrics per route.
func (rt *Router) handle(route string, fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		if err := fn(sw, r); err != nil {
			rt.writeError(sw, r, route, err)
		}
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, route string, err error) {
	status := apperr.HTTPStatus(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	rt.log.Log(r.Context(), level, "request failed",
		"route", route, "status", status, "err", err)
	writeJSON(w, status, apperr.Body(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeFITS(w http.ResponseWriter, res *cutout.Result) {
	h := w.Header()
	h.Set("Content-Type", res.MediaType)
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Name))
	h.Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

func (rt *Router) fetchImage(w http.ResponseWriter, r *http.Request) error {
	id, err := idArg(r.URL.Query())
	if err != nil {
		return err
	}
	res, err := rt.svc.FetchImageByID(r.Context(), id)
	if err != nil {
		return err
	}
	writeFITS(w, res)
	return nil
}

func (rt *Router) fetchImageByPath(w http.ResponseWriter, r *http.Request) error {
	path, err := pathArg(r.URL.Query())
	if err != nil {
		return err
	}
	res, err := rt.svc.FetchImageByPath(path)
	if err != nil {
		return err
	}
	writeFITS(w, res)
	return nil
}

func (rt *Router) fetchImageByFilter(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	filter, err := filterArg(q, true)
	if err != nil {
		return err
	}
	collection, _ := collectionArg(q, false)
	res, err := rt.svc.FetchImageByFilter(r.Context(), filter, collection)
	if err != nil {
		return err
	}
	writeFITS(w, res)
	return nil
}

func (rt *Router) imageMetadata(w http.ResponseWriter, r *http.Request) error {
	id, err := idArg(r.URL.Query())
	if err != nil {
		return err
	}
	rec, err := rt.svc.ImageMetadata(r.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, rec)
	return nil
}

func (rt *Router) metadataByCollection(w http.ResponseWriter, r *http.Request) error {
	collection, err := collectionArg(r.URL.Query(), true)
	if err != nil {
		return err
	}
	return records(w)(rt.svc.ImageMetadataByCollection(r.Context(), collection))
}

func (rt *Router) metadataByPath(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	path, err := pathArg(q)
	if err != nil {
		return err
	}
	collection, _ := collectionArg(q, false)
	return records(w)(rt.svc.ImageMetadataByPath(r.Context(), path, collection))
}

func (rt *Router) metadataByFilter(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	filter, err := filterArg(q, true)
	if err != nil {
		return err
	}
	collection, _ := collectionArg(q, false)
	return records(w)(rt.svc.ImageMetadataByFilter(r.Context(), filter, collection))
}

func (rt *Router) listCollections(w http.ResponseWriter, r *http.Request) error {
	return names(w)(rt.svc.ListCollections(r.Context()))
}

func (rt *Router) listImagePaths(w http.ResponseWriter, r *http.Request) error {
	collection, _ := collectionArg(r.URL.Query(), false)
	return names(w)(rt.svc.ListImagePaths(r.Context(), collection))
}

func (rt *Router) listFilters(w http.ResponseWriter, r *http.Request) error {
	collection, _ := collectionArg(r.URL.Query(), false)
	return names(w)(rt.svc.ListFilters(r.Context(), collection))
}

func (rt *Router) queryCone(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	req, err := ParseCutoutRequest(q, true)
	if err != nil {
		return err
	}
	collection, _ := collectionArg(q, false)
	filter, _ := filterArg(q, false)
	return records(w)(rt.svc.QueryCone(r.Context(), req, collection, filter))
}

func (rt *Router) queryImage(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	collection, _ := collectionArg(q, false)
	filter, _ := filterArg(q, false)
	return records(w)(rt.svc.QueryImage(r.Context(), collection, filter))
}

func (rt *Router) listCutouts(w http.ResponseWriter, _ *http.Request) error {
	return names(w)(rt.svc.ListCutouts())
}

func (rt *Router) fetchCutout(w http.ResponseWriter, r *http.Request) error {
	name, err := filenameArg(r.URL.Query())
	if err != nil {
		return err
	}
	res, err := rt.svc.FetchCutout(name)
	if err != nil {
		return err
	}
	writeFITS(w, res)
	return nil
}

func (rt *Router) cutout(w http.ResponseWriter, r *http.Request) error {
	return rt.serveCutout(w, r, false)
}

func (rt *Router) cutoutByFilter(w http.ResponseWriter, r *http.Request) error {
	return rt.serveCutout(w, r, true)
}

func (rt *Router) serveCutout(w http.ResponseWriter, r *http.Request, filterRequired bool) error {
	q := r.URL.Query()
	req, err := ParseCutoutRequest(q, false)
	if err != nil {
		return err
	}
	collection, _ := collectionArg(q, false)
	filter, err := filterArg(q, filterRequired)
	if err != nil {
		return err
	}
	if !filterRequired {
		filter = ""
	}
	res, err := rt.svc.GetImageOrCutout(r.Context(), req, collection, filter)
	if err != nil {
		return err
	}
	if req.HasSize() {
		outcome := "miss"
		if res.Hit {
			outcome = "hit"
		}
		w.Header().Set(CacheHeader, outcome)
		rt.log.DebugContext(logger.WithCacheOutcome(r.Context(), outcome), "cutout response", "name", res.Name)
	}
	writeFITS(w, res)
	return nil
}

// echo returns the first value of each query argument.
func (rt *Router) echo(w http.ResponseWriter, r *http.Request) error {
	out := map[string]string{}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

func (rt *Router) refreshMetadata(w http.ResponseWriter, r *http.Request) error {
	st, err := rt.admin.Refresh(r.Context())
	if err != nil {
		return apperr.Fault(err, "Unable to refresh image metadata")
	}
	writeJSON(w, http.StatusOK, st)
	return nil
}

func (rt *Router) rebuildMetadata(w http.ResponseWriter, r *http.Request) error {
	n, err := rt.admin.Initialize(r.Context())
	if err != nil {
		return apperr.Fault(err, "Unable to rebuild image metadata")
	}
	writeJSON(w, http.StatusOK, map[string]int{"images": n})
	return nil
}

func records(w http.ResponseWriter) func([]catalog.Record, error) error {
	return func(recs []catalog.Record, err error) error {
		if err != nil {
			return err
		}
		if recs == nil {
			recs = []catalog.Record{}
		}
		writeJSON(w, http.StatusOK, recs)
		return nil
	}
}

func names(w http.ResponseWriter) func([]string, error) error {
	return func(xs []string, err error) error {
		if err != nil {
			return err
		}
		if xs == nil {
			xs = []string{}
		}
		writeJSON(w, http.StatusOK, xs)
		return nil
	}
}
