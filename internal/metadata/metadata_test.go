package metadata

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/fitsimg"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/fitsimg/fitstest"
)

func TestExtract_TruncatedDataUnit(t *testing.T) {
	root := t.TempDir()
	path := fitstest.Write(t, filepath.Join(root, "m13.fits"), fitstest.M13())
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	// 100x100 float64 pixels fill 80640 bytes of data blocks; keep 100
	if err := os.Truncate(path, info.Size()-80640+100); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	md, ok := NewExtractor(root, nil, nil).Extract(path)
	if !ok || md.WCS == nil {
		t.Fatalf("Extract ok=%v md=%+v", ok, md)
	}
	if !md.Contains(fitstest.M13Center()) {
		t.Fatal("footprint lost")
	}
}

func TestExtract_M13(t *testing.T) {
	root := t.TempDir()
	im := fitstest.M13()
	im.Filter = "F356W"
	path := fitstest.Write(t, filepath.Join(root, "JADES", "m13.fits"), im)

	md, ok := NewExtractor(root, nil, nil).Extract(path)
	if !ok {
		t.Fatal("Extract returned no metadata")
	}
	if md.Path != path || md.Collection != "JADES" || md.Filter != "F356W" {
		t.Fatalf("unexpected metadata %+v", md)
	}
	if md.WCS == nil || md.Center == nil || len(md.Corners) != 4 {
		t.Fatalf("missing geometry: %+v", md)
	}
	if md.Center.RA != 250.4226 || md.Center.Dec != 36.4602 {
		t.Fatalf("center=%v", md.Center)
	}
	info, _ := os.Stat(path)
	if !md.Timestamp.Equal(info.ModTime()) {
		t.Fatalf("timestamp=%v mtime=%v", md.Timestamp, info.ModTime())
	}
	if !md.Contains(*md.Center) || !md.Contains(md.Corners[2]) {
		t.Fatal("center or corner not contained")
	}
}

func TestExtract_NotApplicable(t *testing.T) {
	root := t.TempDir()
	e := NewExtractor(root, nil, nil)

	txt := filepath.Join(root, "notes.txt")
	_ = os.WriteFile(txt, []byte("x"), 0o644)
	dir := filepath.Join(root, "dir.fits")
	_ = os.Mkdir(dir, 0o755)
	bad := filepath.Join(root, "bad.fits")
	_ = os.WriteFile(bad, []byte("SIMPLE? no"), 0o644)

	for _, p := range []string{txt, dir, bad, filepath.Join(root, "missing.fits")} {
		if md, ok := e.Extract(p); ok {
			t.Fatalf("Extract(%s) = %+v, want none", p, md)
		}
	}
}

func TestExtract_HeaderPolicy(t *testing.T) {
	root := t.TempDir()
	path := fitstest.Write(t, filepath.Join(root, "a.fits"), fitstest.M13())
	e := NewExtractor(root, nil, nil)

	cases := map[string]*fitsimg.Header{
		"cube":       fitsimg.NewHeader(fitsimg.Card{Name: "SIMPLE", Value: true}, fitsimg.Card{Name: "NAXIS", Value: 3}),
		"not simple": fitsimg.NewHeader(fitsimg.Card{Name: "SIMPLE", Value: false}, fitsimg.Card{Name: "NAXIS", Value: 2}),
		"no simple":  fitsimg.NewHeader(fitsimg.Card{Name: "NAXIS", Value: 2}),
	}
	for name, h := range cases {
		e.read = func(string) (*fitsimg.Header, error) { return h, nil }
		if _, ok := e.Extract(path); ok {
			t.Fatalf("%s: expected no metadata", name)
		}
	}

	e.read = func(string) (*fitsimg.Header, error) { return nil, errors.New("truncated") }
	if _, ok := e.Extract(path); ok {
		t.Fatal("parse error should yield no metadata")
	}
}

func TestExtract_NoWCSNeverContains(t *testing.T) {
	root := t.TempDir()
	im := fitstest.M13()
	im.NoWCS = true
	path := fitstest.Write(t, filepath.Join(root, "plain.fits"), im)

	md, ok := NewExtractor(root, nil, nil).Extract(path)
	if !ok {
		t.Fatal("2-D image without WCS should still yield metadata")
	}
	if md.WCS != nil || md.Center != nil || md.Contains(fitstest.M13Center()) {
		t.Fatalf("unexpected geometry %+v", md)
	}
}

func newCache(t *testing.T, root string) *Cache {
	t.Helper()
	return NewCache(NewExtractor(root, nil, nil), Options{Workers: 4})
}

func TestInitialize_SkipsUnusableFiles(t *testing.T) {
	root := t.TempDir()
	fitstest.Write(t, filepath.Join(root, "m13.fits"), fitstest.M13())
	fitstest.Write(t, filepath.Join(root, "JADES", "deep", "m13b.fits"), fitstest.M13())
	_ = os.WriteFile(filepath.Join(root, "broken.fits"), []byte("garbage"), 0o644)
	_ = os.WriteFile(filepath.Join(root, "readme.md"), []byte("x"), 0o644)

	c := newCache(t, root)
	ctx := context.Background()
	if c.Ready() {
		t.Fatal("ready before Initialize")
	}
	n, err := c.Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if n != 2 || c.Len(ctx) != 2 || !c.Ready() {
		t.Fatalf("entries=%d len=%d ready=%v", n, c.Len(ctx), c.Ready())
	}
	md, ok := c.Get(ctx, filepath.Join(root, "JADES", "deep", "m13b.fits"))
	if !ok || md.Collection != "JADES/deep" {
		t.Fatalf("nested entry=%+v ok=%v", md, ok)
	}
}

func TestInitialize_MissingRoot(t *testing.T) {
	c := newCache(t, filepath.Join(t.TempDir(), "nope"))
	if _, err := c.Initialize(context.Background()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err=%v want ErrNotExist", err)
	}
}

func TestRefresh_IdempotentWithoutChanges(t *testing.T) {
	root := t.TempDir()
	fitstest.Write(t, filepath.Join(root, "a.fits"), fitstest.M13())
	fitstest.Write(t, filepath.Join(root, "b.fits"), fitstest.M13())
	c := newCache(t, root)
	ctx := context.Background()
	if _, err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	before, _ := c.Get(ctx, filepath.Join(root, "a.fits"))

	for range 2 {
		st, err := c.Refresh(ctx)
		if err != nil {
			t.Fatalf("Refresh: %v", err)
		}
		if st.Scanned != 2 || st.Unchanged != 2 || st.Added+st.Updated != 0 {
			t.Fatalf("stats=%+v", st)
		}
	}
	after, _ := c.Get(ctx, filepath.Join(root, "a.fits"))
	if before != after {
		t.Fatal("refresh replaced an unchanged entry")
	}
}

func TestRefresh_ReplacesStaleEntry(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "m13.fits")
	im := fitstest.M13()
	im.Filter = "F200W"
	fitstest.Write(t, path, im)
	t0 := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := os.Chtimes(path, t0, t0); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	c := newCache(t, root)
	ctx := context.Background()
	if _, err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	im.Filter = "F444W"
	fitstest.Write(t, path, im)
	t1 := t0.Add(time.Second)
	if err := os.Chtimes(path, t1, t1); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	st, err := c.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if st.Updated != 1 {
		t.Fatalf("stats=%+v want one update", st)
	}
	md, _ := c.Get(ctx, path)
	if md.Filter != "F444W" || !md.Timestamp.Equal(t1) {
		t.Fatalf("entry not replaced: filter=%q ts=%v", md.Filter, md.Timestamp)
	}
}

func TestRefresh_AddsNewAndKeepsDeleted(t *testing.T) {
	root := t.TempDir()
	gone := fitstest.Write(t, filepath.Join(root, "gone.fits"), fitstest.M13())
	c := newCache(t, root)
	ctx := context.Background()
	if _, err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	_ = os.Remove(gone)
	fitstest.Write(t, filepath.Join(root, "new.fits"), fitstest.M13())

	st, err := c.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if st.Added != 1 {
		t.Fatalf("stats=%+v", st)
	}
	if _, ok := c.Get(ctx, gone); !ok {
		t.Fatal("refresh dropped the entry of a deleted file")
	}
	if c.Len(ctx) != 2 {
		t.Fatalf("len=%d want 2", c.Len(ctx))
	}
}

func TestGetFetchPut(t *testing.T) {
	root := t.TempDir()
	path := fitstest.Write(t, filepath.Join(root, "m13.fits"), fitstest.M13())
	c := newCache(t, root)
	ctx := context.Background()

	if _, ok := c.Get(ctx, path); ok {
		t.Fatal("Get must not extract")
	}
	md, ok := c.Fetch(ctx, path)
	if !ok || md.WCS == nil {
		t.Fatalf("Fetch=%+v ok=%v", md, ok)
	}
	if got, ok := c.Get(ctx, path); !ok || got != md {
		t.Fatal("Fetch did not store the extracted entry")
	}
	if _, ok := c.Fetch(ctx, filepath.Join(root, "none.fits")); ok {
		t.Fatal("Fetch of a missing file returned metadata")
	}

	if c.Put(ctx, &ImageMetadata{}) || c.Put(ctx, nil) {
		t.Fatal("Put accepted metadata without a path")
	}
	if !c.Put(ctx, &ImageMetadata{Path: root + "/x/../manual.fits", Filter: "F090W"}) {
		t.Fatal("Put failed")
	}
	if got, ok := c.Get(ctx, filepath.Join(root, "manual.fits")); !ok || got.Filter != "F090W" {
		t.Fatalf("manual entry=%+v ok=%v", got, ok)
	}

	if err := c.Clear(ctx); err != nil || c.Len(ctx) != 0 {
		t.Fatalf("Clear err=%v len=%d", err, c.Len(ctx))
	}
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
}
