package catalog

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/apperr"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/model"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/observability"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/metadata"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/wcs"
)

// DefaultSkyRes keeps cells near 0.1 deg across.
const DefaultSkyRes = 6

// beyond this many cells a footprint is checked on every query instead
const maxCoverCells = 4096

// beyond this ring count a cone query scans every entry
const maxConeRings = 64

// mean hexagon edge length per resolution, km on the 6371.0088 km sphere
var edgeKm = [...]float64{
	1281.256011, 483.0568391, 182.5129565, 68.97922179, 26.07175968,
	9.854090990, 3.724532667, 1.406475763, 0.531414010, 0.200786148,
	0.075863783, 0.028663897, 0.010830188, 0.004092010, 0.001546100, 0.000584169,
}

func edgeDeg(res int) float64 { return edgeKm[res] / 6371.0088 * 180 / math.Pi }

// Source lists the metadata entries to index.
type Source interface {
	All(ctx context.Context) ([]*metadata.ImageMetadata, error)
}

// SkyIndex is an in-memory catalog over image metadata. Images are bucketed
// into H3 cells of the sky, treating declination as latitude and right
// ascension as longitude; candidates from the buckets are then checked
// exactly against the WCS. Record ids are not assigned.
type SkyIndex struct {
	res int

	mu      sync.RWMutex
	entries []*metadata.ImageMetadata // by path
	cover   map[h3.Cell][]int
	centers map[h3.Cell][]int
	always  []int
}

func NewSkyIndex(res int) (*SkyIndex, error) {
	if res < 0 || res > 15 {
		return nil, fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	x := &SkyIndex{res: res}
	x.reindex(nil)
	return x, nil
}

// Rebuild replaces the index with the entries of src.
func (x *SkyIndex) Rebuild(ctx context.Context, src Source) (int, error) {
	all, err := src.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("load metadata: %w", err)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.reindex(all)
	return len(x.entries), nil
}

// Upsert adds md or replaces the entry with the same path.
func (x *SkyIndex) Upsert(md *metadata.ImageMetadata) {
	if md == nil || md.Path == "" {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	next := make([]*metadata.ImageMetadata, 0, len(x.entries)+1)
	for _, e := range x.entries {
		if e.Path != md.Path {
			next = append(next, e)
		}
	}
	x.reindex(append(next, md))
}

func (x *SkyIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// reindex must be called with mu held.
func (x *SkyIndex) reindex(all []*metadata.ImageMetadata) {
	entries := slices.Clone(all)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	x.entries = entries
	x.cover = make(map[h3.Cell][]int)
	x.centers = make(map[h3.Cell][]int)
	x.always = nil

	for i, md := range entries {
		if md.WCS == nil || md.Center == nil {
			continue
		}
		if c, err := cellOf(*md.Center, x.res); err == nil {
			x.centers[c] = append(x.centers[c], i)
		}
		cells, ok := x.footprintCells(md)
		if !ok {
			x.always = append(x.always, i)
			continue
		}
		for _, c := range cells {
			x.cover[c] = append(x.cover[c], i)
		}
	}
}

// footprintCells covers the image with the cells of its center, of points along
// its outer edge and of every cell whose center falls inside the footprint. Edge
// points are at most half a cell edge apart, so any cell holding part of the
// image is in the cover or next to a cover cell, which the one-ring lookup of
// QueryCoordinates reaches. Narrow images that hold no cell center are covered
// by their edges alone.
func (x *SkyIndex) footprintCells(md *metadata.ImageMetadata) ([]h3.Cell, bool) {
	seen := make(map[h3.Cell]struct{})
	add := func(c h3.Cell) { seen[c] = struct{}{} }

	if c, err := cellOf(*md.Center, x.res); err == nil {
		add(c)
	}
	fp := md.WCS.Footprint()
	loop := make(h3.GeoLoop, 0, len(fp))
	minLng, maxLng := math.Inf(1), math.Inf(-1)
	for _, corner := range fp {
		ll := toLatLng(corner)
		minLng, maxLng = math.Min(minLng, ll.Lng), math.Max(maxLng, ll.Lng)
		loop = append(loop, ll)
		if c, err := h3.LatLngToCell(ll, x.res); err == nil {
			add(c)
		}
	}
	// footprints across RA 180 or around a pole do not polyfill correctly
	if maxLng-minLng > 180 || md.Center.Dec > 89 || md.Center.Dec < -89 {
		return nil, false
	}
	edge, ok := edgeSamples(md.WCS, edgeDeg(x.res)/2)
	if !ok {
		return nil, false
	}
	for _, p := range edge {
		c, err := cellOf(p, x.res)
		if err != nil {
			return nil, false
		}
		add(c)
	}
	cells, err := h3.PolygonToCells(h3.GeoPolygon{GeoLoop: loop}, x.res)
	if err != nil || len(cells)+len(seen) > maxCoverCells {
		return nil, false
	}
	for _, c := range cells {
		add(c)
	}
	out := make([]h3.Cell, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	return out, true
}

// edgeSamples walks the outer pixel edges of w, [0.5, NAXIS+0.5] on each axis,
// with points no more than step degrees apart.
func edgeSamples(w *wcs.WCS, step float64) ([]model.SkyCoord, bool) {
	sx, sy := w.PixelScales()
	if sx <= 0 || sy <= 0 || step <= 0 {
		return nil, false
	}
	x1, y1 := float64(w.NAxis[0])+0.5, float64(w.NAxis[1])+0.5
	nx := int(math.Ceil((x1-0.5)*sx/step)) + 1
	ny := int(math.Ceil((y1-0.5)*sy/step)) + 1
	if 2*(nx+ny) > maxCoverCells {
		return nil, false
	}
	out := make([]model.SkyCoord, 0, 2*(nx+ny))
	for i := range nx {
		x := 0.5 + (x1-0.5)*float64(i)/float64(nx-1)
		out = append(out, w.PixelToWorld(x, 0.5), w.PixelToWorld(x, y1))
	}
	for j := range ny {
		y := 0.5 + (y1-0.5)*float64(j)/float64(ny-1)
		out = append(out, w.PixelToWorld(0.5, y), w.PixelToWorld(x1, y))
	}
	return out, true
}

func toLatLng(c model.SkyCoord) h3.LatLng {
	c = c.ICRS()
	lng := c.RA
	if lng > 180 {
		lng -= 360
	}
	return h3.LatLng{Lat: c.Dec, Lng: lng}
}

func cellOf(c model.SkyCoord, res int) (h3.Cell, error) {
	return h3.LatLngToCell(toLatLng(c), res)
}

func (x *SkyIndex) matches(md *metadata.ImageMetadata, f Filter) bool {
	if f.Collection != "" && md.Collection != f.Collection && !strings.HasPrefix(md.Collection, f.Collection+"/") {
		return false
	}
	return f.Filter == "" || strings.EqualFold(md.Filter, f.Filter)
}

func (x *SkyIndex) QueryCoordinates(ctx context.Context, point model.SkyCoord, f Filter) (out []Record, err error) {
	start := time.Now()
	defer func() { observability.ObserveCatalogQuery("index", "coordinates", err, time.Since(start).Seconds()) }()

	cell, err := cellOf(point, x.res)
	if err != nil {
		return nil, apperr.ValidationCause(err, "Coordinates cannot be indexed")
	}
	disk, err := h3.GridDisk(cell, 1)
	if err != nil {
		return nil, apperr.Fault(err, "sky index lookup failed")
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := x.candidates(disk, x.cover, x.always)
	out = []Record{}
	for _, i := range ids {
		md := x.entries[i]
		if x.matches(md, f) && md.Contains(point) {
			out = append(out, toRecord(md))
		}
	}
	return out, ctx.Err()
}

func (x *SkyIndex) QueryCone(ctx context.Context, center model.SkyCoord, radius float64, f Filter) (out []Record, err error) {
	start := time.Now()
	defer func() { observability.ObserveCatalogQuery("index", "cone", err, time.Since(start).Seconds()) }()

	if radius < 0 || math.IsNaN(radius) {
		return nil, apperr.Validationf("Invalid cone radius %v", radius)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	var ids []int
	rings := int(math.Ceil(radius/edgeDeg(x.res))) + 1
	cell, cerr := cellOf(center, x.res)
	if rings > maxConeRings || cerr != nil {
		ids = make([]int, len(x.entries))
		for i := range ids {
			ids[i] = i
		}
	} else {
		disk, err := h3.GridDisk(cell, rings)
		if err != nil {
			return nil, apperr.Fault(err, "sky index lookup failed")
		}
		ids = x.candidates(disk, x.centers, nil)
	}

	out = []Record{}
	for _, i := range ids {
		md := x.entries[i]
		if md.Center == nil || !x.matches(md, f) {
			continue
		}
		if md.Center.Separation(center) <= radius {
			out = append(out, toRecord(md))
		}
	}
	return out, ctx.Err()
}

// candidates must be called with mu held; ids come back in path order.
func (x *SkyIndex) candidates(cells []h3.Cell, buckets map[h3.Cell][]int, extra []int) []int {
	seen := make(map[int]struct{})
	for _, c := range cells {
		for _, i := range buckets[c] {
			seen[i] = struct{}{}
		}
	}
	for _, i := range extra {
		seen[i] = struct{}{}
	}
	ids := make([]int, 0, len(seen))
	for i := range seen {
		ids = append(ids, i)
	}
	sort.Ints(ids)
	return ids
}

func (x *SkyIndex) QueryImage(_ context.Context, f Filter) ([]Record, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := []Record{}
	for _, md := range x.entries {
		if x.matches(md, f) {
			out = append(out, toRecord(md))
		}
	}
	return out, nil
}

func (x *SkyIndex) ImageMetadata(context.Context, int64) (*Record, bool, error) {
	return nil, false, apperr.Unsupported("Image lookup by id requires the database catalog")
}

func (x *SkyIndex) ImagePathFromID(context.Context, int64) (string, bool, error) {
	return "", false, apperr.Unsupported("Image lookup by id requires the database catalog")
}

func (x *SkyIndex) ImageMetadataByPath(_ context.Context, path, collection string) ([]Record, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := []Record{}
	i := sort.Search(len(x.entries), func(i int) bool { return x.entries[i].Path >= path })
	if i < len(x.entries) && x.entries[i].Path == path && x.matches(x.entries[i], Filter{Collection: collection}) {
		out = append(out, toRecord(x.entries[i]))
	}
	return out, nil
}

func (x *SkyIndex) ListCollections(context.Context) ([]string, error) {
	return x.distinct(func(md *metadata.ImageMetadata) string { return md.Collection }, Filter{}), nil
}

func (x *SkyIndex) ListFilters(_ context.Context, collection string) ([]string, error) {
	return x.distinct(func(md *metadata.ImageMetadata) string { return md.Filter }, Filter{Collection: collection}), nil
}

func (x *SkyIndex) ListImagePaths(_ context.Context, collection string) ([]string, error) {
	return x.distinct(func(md *metadata.ImageMetadata) string { return md.Path }, Filter{Collection: collection}), nil
}

func (x *SkyIndex) distinct(field func(*metadata.ImageMetadata) string, f Filter) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	seen := make(map[string]struct{})
	out := []string{}
	for _, md := range x.entries {
		v := field(md)
		if v == "" || !x.matches(md, f) {
			continue
		}
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func toRecord(md *metadata.ImageMetadata) Record {
	r := Record{
		FileName:   filepath.Base(md.Path),
		FilePath:   md.Path,
		Collection: md.Collection,
		Filter:     md.Filter,
	}
	if md.Center != nil {
		r.RA, r.Dec = md.Center.RA, md.Center.Dec
	}
	return r
}
