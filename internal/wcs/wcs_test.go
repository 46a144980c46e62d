package wcs

import (
	"errors"
	"math"
	"testing"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/model"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/fitsimg"
)

const arcsec = 1.0 / 3600

func m13Header() *fitsimg.Header {
	return fitsimg.NewHeader(
		fitsimg.Card{Name: "SIMPLE", Value: true},
		fitsimg.Card{Name: "NAXIS", Value: 2},
		fitsimg.Card{Name: "NAXIS1", Value: 100},
		fitsimg.Card{Name: "NAXIS2", Value: 100},
		fitsimg.Card{Name: "CTYPE1", Value: "RA---TAN"},
		fitsimg.Card{Name: "CTYPE2", Value: "DEC--TAN"},
		fitsimg.Card{Name: "CRPIX1", Value: 50.5},
		fitsimg.Card{Name: "CRPIX2", Value: 50.5},
		fitsimg.Card{Name: "CRVAL1", Value: 250.4226},
		fitsimg.Card{Name: "CRVAL2", Value: 36.4602},
		fitsimg.Card{Name: "CD1_1", Value: -arcsec},
		fitsimg.Card{Name: "CD2_2", Value: arcsec},
	)
}

func mustWCS(t *testing.T, h *fitsimg.Header) *WCS {
	t.Helper()
	w, err := FromHeader(h)
	if err != nil {
		t.Fatalf("FromHeader: %v", err)
	}
	return w
}

func near(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestReferencePixelMapsToReferenceValue(t *testing.T) {
	w := mustWCS(t, m13Header())
	c := w.PixelToWorld(50.5, 50.5)
	if !near(c.RA, 250.4226, 1e-12) || !near(c.Dec, 36.4602, 1e-12) {
		t.Fatalf("got %v", c)
	}
}

func TestPixelWorldRoundTrip(t *testing.T) {
	w := mustWCS(t, m13Header())
	for _, p := range [][2]float64{{1, 1}, {100, 1}, {37.25, 88.5}, {-20, 140}} {
		c := w.PixelToWorld(p[0], p[1])
		x, y, err := w.WorldToPixel(c)
		if err != nil {
			t.Fatalf("WorldToPixel: %v", err)
		}
		if !near(x, p[0], 1e-6) || !near(y, p[1], 1e-6) {
			t.Fatalf("round trip %v -> %v -> (%v,%v)", p, c, x, y)
		}
	}
}

func TestFootprintOrder(t *testing.T) {
	w := mustWCS(t, m13Header())
	fp := w.Footprint()
	bl, tl, tr, br := fp[0], fp[1], fp[2], fp[3]
	// RA grows to the left (CD1_1 < 0), Dec grows upward
	if !(tl.Dec > bl.Dec && tr.Dec > br.Dec) {
		t.Fatalf("top corners not north of bottom: %v", fp)
	}
	if !(bl.RA > br.RA && tl.RA > tr.RA) {
		t.Fatalf("left corners not east of right: %v", fp)
	}
}

func TestContains_CornersAreInside(t *testing.T) {
	w := mustWCS(t, m13Header())
	for i, c := range w.Footprint() {
		if !w.Contains(c) {
			t.Fatalf("corner %d %v not contained", i, c)
		}
	}
	// outer edge of the grid is inside, beyond it is not
	if !w.Contains(w.PixelToWorld(0.5, 50)) {
		t.Fatal("left edge should be contained")
	}
	if w.Contains(w.PixelToWorld(0.4, 50)) {
		t.Fatal("point beyond left edge should not be contained")
	}
	if w.Contains(w.PixelToWorld(50, 100.6)) {
		t.Fatal("point beyond top edge should not be contained")
	}
}

func TestContains_OppositeSkyIsOutside(t *testing.T) {
	w := mustWCS(t, m13Header())
	far := model.SkyCoord{RA: 70.4226, Dec: -36.4602}
	if w.Contains(far) {
		t.Fatal("antipode contained")
	}
	if _, _, err := w.WorldToPixel(far); !errors.Is(err, ErrNotProjectable) {
		t.Fatalf("err=%v want ErrNotProjectable", err)
	}
}

func TestContains_GalacticInput(t *testing.T) {
	w := mustWCS(t, m13Header())
	// same position as CRVAL expressed in galactic coordinates
	gal := model.SkyCoord{RA: 59.0079, Dec: 40.9123, Frame: model.FrameGalactic}
	if !w.Contains(gal) {
		t.Fatalf("galactic position %v (icrs %v) not contained", gal, gal.ICRS())
	}
}

func TestCROTA2MatchesCD(t *testing.T) {
	rot := 30.0
	r := rot * math.Pi / 180
	h := m13Header()
	h.Delete("CD1_1")
	h.Delete("CD2_2")
	h.Set("CDELT1", -arcsec, "")
	h.Set("CDELT2", arcsec, "")
	h.Set("CROTA2", rot, "")
	w := mustWCS(t, h)

	want := [2][2]float64{
		{-arcsec * math.Cos(r), -arcsec * math.Sin(r)},
		{-arcsec * math.Sin(r), arcsec * math.Cos(r)},
	}
	for i := range 2 {
		for j := range 2 {
			if !near(w.CD[i][j], want[i][j], 1e-15) {
				t.Fatalf("CD=%v want %v", w.CD, want)
			}
		}
	}
}

func TestFromHeader_Rejects(t *testing.T) {
	h := m13Header()
	h.Delete("CTYPE1")
	if _, err := FromHeader(h); !errors.Is(err, ErrNoWCS) {
		t.Fatalf("err=%v want ErrNoWCS", err)
	}
	h = m13Header()
	h.Set("CTYPE1", "RA---SIN", "")
	if _, err := FromHeader(h); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err=%v want ErrUnsupported", err)
	}
	h = m13Header()
	h.Set("CTYPE1", "RA---TAN-SIP", "")
	h.Set("CTYPE2", "DEC--TAN-SIP", "")
	if _, err := FromHeader(h); err != nil {
		t.Fatalf("TAN-SIP: %v", err)
	}
	h = m13Header()
	h.Set("CD2_2", 0.0, "")
	if _, err := FromHeader(h); !errors.Is(err, ErrSingular) {
		t.Fatalf("err=%v want ErrSingular", err)
	}
}

func TestSubAndApply(t *testing.T) {
	w := mustWCS(t, m13Header())
	sub := w.Sub(10, 20, 30, 40)
	if sub.CRPix != [2]float64{40.5, 30.5} || sub.NAxis != [2]int{30, 40} {
		t.Fatalf("sub=%+v", sub)
	}
	// a source pixel and its cutout counterpart see the same sky
	a := w.PixelToWorld(15, 25)
	b := sub.PixelToWorld(5, 5)
	if !near(a.RA, b.RA, 1e-12) || !near(a.Dec, b.Dec, 1e-12) {
		t.Fatalf("source %v cutout %v", a, b)
	}

	h := m13Header()
	sub.Apply(h)
	if v, _ := h.Float("CRPIX1"); v != 40.5 {
		t.Fatalf("CRPIX1=%v", v)
	}
	if n, _ := h.Int("NAXIS2"); n != 40 {
		t.Fatalf("NAXIS2=%v", n)
	}

	again := mustWCS(t, fitsimg.NewHeader(append(sub.Cards(),
		fitsimg.Card{Name: "NAXIS1", Value: 30}, fitsimg.Card{Name: "NAXIS2", Value: 40})...))
	if again.CRPix != sub.CRPix || again.CD != sub.CD {
		t.Fatalf("Cards round trip: %+v vs %+v", again, sub)
	}
}
