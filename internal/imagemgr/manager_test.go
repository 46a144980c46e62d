package imagemgr

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/apperr"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/catalog"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/model"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/cutout"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/cutoutevents"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/fitsimg/fitstest"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/matcher"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/metadata"
)

type sink struct {
	mu     sync.Mutex
	events []cutoutevents.Event
}

func (s *sink) Publish(ev cutoutevents.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

type fixture struct {
	root string
	m13  string
	mgr  *Manager
	sink *sink
}

func newFixture(t *testing.T, useMatcher bool) fixture {
	t.Helper()
	root := t.TempDir()
	im := fitstest.M13()
	im.Filter = "F356W"
	m13 := fitstest.Write(t, filepath.Join(root, "JADES", "m13.fits"), im)
	other := fitstest.M13()
	other.RA, other.Dec = 53.16, -27.8
	fitstest.Write(t, filepath.Join(root, "goods_s.fits"), other)

	ctx := context.Background()
	md := metadata.NewCache(metadata.NewExtractor(root, nil, nil), metadata.Options{})
	if _, err := md.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	idx, _ := catalog.NewSkyIndex(catalog.DefaultSkyRes)
	if _, err := idx.Rebuild(ctx, md); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	cc, err := cutout.NewCache(filepath.Join(t.TempDir(), "cutouts"), cutout.Options{})
	if err != nil {
		t.Fatalf("cutout cache: %v", err)
	}

	var res Resolver = CatalogResolver{Catalog: idx}
	if useMatcher {
		res = MatcherResolver{Matcher: matcher.New(root, nil, md, nil)}
	}
	s := &sink{}
	mgr, err := New(Options{ImagesDir: root, Resolver: res, Catalog: idx, Cutouts: cc, Events: s})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fixture{root: root, m13: m13, mgr: mgr, sink: s}
}

func sized(c model.SkyCoord, v float64, u model.Unit) model.CutoutRequest {
	return model.CutoutRequest{Center: c, Size: &model.Angle{Value: v, Unit: u}}
}

func TestGetImageOrCutout_EndToEnd(t *testing.T) {
	for _, useMatcher := range []bool{false, true} {
		f := newFixture(t, useMatcher)
		ctx := context.Background()
		req := sized(fitstest.M13Center(), 12, model.UnitArcSec)

		first, err := f.mgr.GetImageOrCutout(ctx, req, "", "")
		if err != nil {
			t.Fatalf("matcher=%v: %v", useMatcher, err)
		}
		if first.Name != "_m13__250.4226_36.4602_12.0arcsec.fits" || first.Hit {
			t.Fatalf("first=%s hit=%v", first.Name, first.Hit)
		}
		second, err := f.mgr.GetImageOrCutout(ctx, req, "", "")
		if err != nil || !second.Hit || string(second.Data) != string(first.Data) {
			t.Fatalf("second hit=%v err=%v", second.Hit, err)
		}
		if len(f.sink.events) != 2 || f.sink.events[0].Image != f.m13 || !f.sink.events[1].Hit {
			t.Fatalf("events=%+v", f.sink.events)
		}
		names, _ := f.mgr.ListCutouts()
		if len(names) != 1 {
			t.Fatalf("cutouts=%v", names)
		}
	}
}

func TestGetImageOrCutout_WholeImageWithoutSize(t *testing.T) {
	f := newFixture(t, true)
	res, err := f.mgr.GetImageOrCutout(context.Background(), model.CutoutRequest{Center: fitstest.M13Center()}, "JADES", "")
	if err != nil {
		t.Fatalf("GetImageOrCutout: %v", err)
	}
	want, _ := os.ReadFile(f.m13)
	if res.Name != "m13.fits" || string(res.Data) != string(want) || res.MediaType != "image/fits" {
		t.Fatalf("res name=%s type=%s", res.Name, res.MediaType)
	}
	if len(f.sink.events) != 0 {
		t.Fatal("whole images publish no cutout events")
	}
}

func TestGetImageOrCutout_NotFoundAndOverlap(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	nowhere := model.SkyCoord{RA: 120, Dec: 10}

	_, err := f.mgr.GetImageOrCutout(ctx, model.CutoutRequest{Center: nowhere}, "", "")
	if !apperr.IsNotFound(err) || apperr.Body(err).Message != msgNoPointMatch {
		t.Fatalf("point err=%v", err)
	}
	_, err = f.mgr.GetImageOrCutout(ctx, sized(nowhere, 1, model.UnitArcMin), "", "")
	if !apperr.IsNotFound(err) || apperr.Body(err).Message != msgNoConeMatch {
		t.Fatalf("cone err=%v", err)
	}
	_, err = f.mgr.GetImageOrCutout(ctx, sized(fitstest.M13Center(), 1, model.UnitArcSec), "", "F444W")
	if !apperr.IsNotFound(err) {
		t.Fatalf("filter mismatch err=%v", err)
	}

	// the image center is within the cone but the box around this center misses the image
	edge := model.SkyCoord{RA: 250.4226, Dec: 36.4602 + 0.3}
	_, err = f.mgr.GetImageOrCutout(ctx, sized(edge, 0.5, model.UnitDeg), "", "")
	var oe *cutout.OverlapError
	if !apperr.IsValidation(err) || !errors.As(err, &oe) {
		t.Fatalf("overlap err=%v", err)
	}
}

func TestFetchAndListings(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	if res, err := f.mgr.FetchImageByPath("JADES/m13.fits"); err != nil || res.Path != f.m13 {
		t.Fatalf("relative path res=%+v err=%v", res, err)
	}
	if _, err := f.mgr.FetchImageByPath(f.m13); err != nil {
		t.Fatalf("absolute path: %v", err)
	}
	if _, err := f.mgr.FetchImageByPath("../secret.fits"); !apperr.IsValidation(err) {
		t.Fatalf("traversal err=%v", err)
	}
	if _, err := f.mgr.FetchImageByPath("JADES/none.fits"); !apperr.IsNotFound(err) {
		t.Fatalf("missing err=%v", err)
	}

	res, err := f.mgr.FetchImageByFilter(ctx, "F356W", "")
	if err != nil || res.Path != f.m13 {
		t.Fatalf("by filter res=%+v err=%v", res, err)
	}
	if _, err := f.mgr.FetchImageByFilter(ctx, "F090W", "JADES"); !apperr.IsNotFound(err) {
		t.Fatalf("unknown filter err=%v", err)
	}
	if _, err := f.mgr.FetchImageByID(ctx, 1); apperr.HTTPStatus(err) != 501 {
		t.Fatalf("id lookup on the index err=%v", err)
	}

	colls, _ := f.mgr.ListCollections(ctx)
	if len(colls) != 1 || colls[0] != "JADES" {
		t.Fatalf("collections=%v", colls)
	}
	paths, _ := f.mgr.ListImagePaths(ctx, "")
	if len(paths) != 2 || paths[0] > paths[1] {
		t.Fatalf("paths=%v", paths)
	}
	recs, err := f.mgr.QueryCone(ctx, sized(fitstest.M13Center(), 1, model.UnitArcMin), "", "")
	if err != nil || len(recs) != 1 {
		t.Fatalf("cone recs=%v err=%v", recs, err)
	}
	if _, err := f.mgr.QueryCone(ctx, model.CutoutRequest{Center: fitstest.M13Center()}, "", ""); !apperr.IsValidation(err) {
		t.Fatalf("cone without radius err=%v", err)
	}
}
