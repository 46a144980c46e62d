package cutout

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/apperr"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/model"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/fitsimg"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/fitsimg/fitstest"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/wcs"
)

type countingGen struct {
	calls atomic.Int32
	next  Generator
}

func (g *countingGen) Generate(img *fitsimg.Image, c model.SkyCoord, size model.Angle) error {
	g.calls.Add(1)
	return g.next.Generate(img, c, size)
}

func newTestCache(t *testing.T, opts Options) (*Cache, *countingGen, string) {
	t.Helper()
	gen := &countingGen{next: NewWCSGenerator(wcs.ModeTrim)}
	opts.Generator = gen
	c, err := NewCache(filepath.Join(t.TempDir(), "cutouts"), opts)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	src := fitstest.Write(t, filepath.Join(t.TempDir(), "m13.fits"), fitstest.M13())
	return c, gen, src
}

func m13Request(sizeArcsec float64) model.CutoutRequest {
	size := arcsec(sizeArcsec)
	return model.CutoutRequest{Center: fitstest.M13Center(), Size: &size}
}

func TestGetOrCreate_CreatesOnceThenServesFile(t *testing.T) {
	c, gen, src := newTestCache(t, Options{})
	ctx := context.Background()
	const name = "_m13__250.4226_36.4602_12.0arcsec.fits"

	if c.IsCached(name) {
		t.Fatal("cached before first request")
	}
	first, err := c.GetOrCreate(ctx, src, m13Request(12), "", "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if first.Name != name || first.Hit || first.MediaType != MediaType {
		t.Fatalf("first=%+v", first)
	}
	if !c.IsCached(name) {
		t.Fatal("file not written")
	}

	second, err := c.GetOrCreate(ctx, src, m13Request(12), "", "")
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if !second.Hit || !bytes.Equal(first.Data, second.Data) {
		t.Fatalf("second hit=%v equal=%v", second.Hit, bytes.Equal(first.Data, second.Data))
	}
	if n := gen.calls.Load(); n != 1 {
		t.Fatalf("generator calls=%d want 1", n)
	}

	img, err := fitsimg.ReadFile(first.Path)
	if err != nil {
		t.Fatalf("read cutout: %v", err)
	}
	if img.Width != 12 || img.Height != 12 {
		t.Fatalf("cutout %dx%d want 12x12", img.Width, img.Height)
	}
	if names, _ := c.List(); len(names) != 1 || names[0] != name {
		t.Fatalf("List=%v (temp file left behind?)", names)
	}
}

func TestGetOrCreate_HitSkipsSource(t *testing.T) {
	c, gen, src := newTestCache(t, Options{})
	ctx := context.Background()
	if _, err := c.GetOrCreate(ctx, src, m13Request(6), "", ""); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := os.Remove(src); err != nil {
		t.Fatal(err)
	}
	res, err := c.GetOrCreate(ctx, src, m13Request(6), "", "")
	if err != nil || !res.Hit {
		t.Fatalf("hit after source removal: res=%+v err=%v", res, err)
	}
	if gen.calls.Load() != 1 {
		t.Fatalf("generator calls=%d", gen.calls.Load())
	}
}

func TestGetOrCreate_Overlap(t *testing.T) {
	c, _, src := newTestCache(t, Options{})
	req := model.CutoutRequest{Center: model.SkyCoord{RA: 10, Dec: -40}, Size: &model.Angle{Value: 1, Unit: model.UnitArcMin}}

	_, err := c.GetOrCreate(context.Background(), src, req, "", "")
	if !apperr.IsValidation(err) {
		t.Fatalf("err=%v want validation", err)
	}
	var oe *OverlapError
	if !errors.As(err, &oe) {
		t.Fatalf("OverlapError not reachable from %v", err)
	}
	if names, _ := c.List(); len(names) != 0 {
		t.Fatalf("files written on overlap: %v", names)
	}
}

func TestGetOrCreate_Errors(t *testing.T) {
	c, _, src := newTestCache(t, Options{})
	ctx := context.Background()

	if _, err := c.GetOrCreate(ctx, src, model.CutoutRequest{Center: fitstest.M13Center()}, "", ""); !apperr.IsValidation(err) {
		t.Fatalf("no size: err=%v", err)
	}
	if _, err := c.GetOrCreate(ctx, filepath.Join(t.TempDir(), "none.fits"), m13Request(5), "", ""); !apperr.IsNotFound(err) {
		t.Fatalf("missing source: err=%v", err)
	}

	noWCS := fitstest.M13()
	noWCS.NoWCS = true
	plain := fitstest.Write(t, filepath.Join(t.TempDir(), "plain.fits"), noWCS)
	if _, err := c.GetOrCreate(ctx, plain, m13Request(5), "", ""); !apperr.IsValidation(err) {
		t.Fatalf("no WCS: err=%v", err)
	}
}

func TestGetOrCreate_WriteFailureIsFault(t *testing.T) {
	c, _, src := newTestCache(t, Options{})
	name := DeriveName(PartsFor(src, m13Request(4), "", ""), nil)
	// a directory in the way makes the final rename fail
	if err := os.Mkdir(filepath.Join(c.Dir(), name), 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := c.GetOrCreate(context.Background(), src, m13Request(4), "", "")
	if err == nil || apperr.IsValidation(err) || apperr.IsNotFound(err) {
		t.Fatalf("err=%v want server fault", err)
	}
	if apperr.HTTPStatus(err) != 500 {
		t.Fatalf("status=%d", apperr.HTTPStatus(err))
	}
	if body := apperr.Body(err); body.Message != msgWriteFault {
		t.Fatalf("message=%q", body.Message)
	}
}

func TestGetOrCreate_CollectionAndFilterInName(t *testing.T) {
	c, _, src := newTestCache(t, Options{})
	res, err := c.GetOrCreate(context.Background(), src, m13Request(3), "JADES", "F356W")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if want := "JADES_F356W__m13__250.4226_36.4602_3.0arcsec.fits"; res.Name != want {
		t.Fatalf("name=%q want %q", res.Name, want)
	}
}

func TestGetOrCreate_CoalescesConcurrentMisses(t *testing.T) {
	c, gen, src := newTestCache(t, Options{Coalesce: true})
	gate := make(chan struct{})
	gen.next = gatedGen{gate: gate, next: gen.next}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrCreate(context.Background(), src, m13Request(8), "", "")
			errs <- err
		}()
	}
	close(gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("GetOrCreate: %v", err)
		}
	}
	// late arrivals may find the file or join the flight; never more than one write per flight
	if n := gen.calls.Load(); n < 1 || n > 4 {
		t.Fatalf("generator calls=%d", n)
	}
}

type gatedGen struct {
	gate chan struct{}
	next Generator
}

func (g gatedGen) Generate(img *fitsimg.Image, c model.SkyCoord, size model.Angle) error {
	<-g.gate
	return g.next.Generate(img, c, size)
}

func TestCache_BoundEvictsOldestFile(t *testing.T) {
	c, _, src := newTestCache(t, Options{MaxEntries: 2})
	ctx := context.Background()
	var names []string
	for _, s := range []float64{2, 4, 6} {
		res, err := c.GetOrCreate(ctx, src, m13Request(s), "", "")
		if err != nil {
			t.Fatalf("GetOrCreate(%v): %v", s, err)
		}
		names = append(names, res.Name)
	}
	if c.IsCached(names[0]) {
		t.Fatalf("%s should have been evicted", names[0])
	}
	if !c.IsCached(names[1]) || !c.IsCached(names[2]) || c.Len() != 2 {
		t.Fatalf("len=%d", c.Len())
	}

	reopened, err := NewCache(c.Dir(), Options{MaxEntries: 1})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Len() != 1 {
		t.Fatalf("reopened len=%d want 1", reopened.Len())
	}
}

func TestFetch(t *testing.T) {
	c, _, src := newTestCache(t, Options{})
	res, err := c.GetOrCreate(context.Background(), src, m13Request(5), "", "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	got, err := c.Fetch(res.Name)
	if err != nil || !bytes.Equal(got.Data, res.Data) {
		t.Fatalf("Fetch err=%v", err)
	}
	for _, bad := range []string{"../etc/passwd", "a/b.fits", "..", ""} {
		if _, err := c.Fetch(bad); !apperr.IsValidation(err) {
			t.Fatalf("Fetch(%q) err=%v want validation", bad, err)
		}
	}
	if _, err := c.Fetch("_nothing__1.0_2.0_3.0deg.fits"); !apperr.IsNotFound(err) {
		t.Fatalf("missing err=%v", err)
	}
}

func TestGetOrCreate_OversizedPaddedCutoutIsValidation(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cutouts")
	c, err := NewCache(dir, Options{Generator: NewWCSGenerator(wcs.ModePartial)})
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	src := fitstest.Write(t, filepath.Join(t.TempDir(), "m13.fits"), fitstest.M13())
	size := model.Angle{Value: 1e7, Unit: model.UnitDeg}

	_, err = c.GetOrCreate(context.Background(), src, model.CutoutRequest{Center: fitstest.M13Center(), Size: &size}, "", "")
	if !apperr.IsValidation(err) || !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err=%v want validation wrapping ErrTooLarge", err)
	}
	if names, _ := c.List(); len(names) != 0 {
		t.Fatalf("files written: %v", names)
	}
}
