// Package wcs implements the celestial TAN (gnomonic) world coordinate system of
// FITS image headers: pixel to sky and back, footprints and containment.
package wcs

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/model"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/fitsimg"
)

var (
	ErrNoWCS          = errors.New("header has no celestial WCS")
	ErrUnsupported    = errors.New("unsupported WCS projection")
	ErrSingular       = errors.New("WCS linear transform is singular")
	ErrNotProjectable = errors.New("position is not on the projection plane")
)

// WCS holds a TAN projection. Pixel coordinates are FITS 1-based, pixel centers at
// integers; angles are degrees.
type WCS struct {
	CType [2]string     `json:"ctype"`
	CRPix [2]float64    `json:"crpix"`
	CRVal [2]float64    `json:"crval"`
	CD    [2][2]float64 `json:"cd"`
	NAxis [2]int        `json:"naxis"`
}

func FromHeader(h *fitsimg.Header) (*WCS, error) {
	c1, _ := h.Str("CTYPE1")
	c2, _ := h.Str("CTYPE2")
	if c1 == "" || c2 == "" {
		return nil, ErrNoWCS
	}
	if !isTAN(c1, "RA") || !isTAN(c2, "DEC") {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnsupported, c1, c2)
	}

	w := &WCS{CType: [2]string{c1, c2}}
	for i := range 2 {
		n := i + 1
		crval, ok := h.Float(fmt.Sprintf("CRVAL%d", n))
		if !ok {
			return nil, fmt.Errorf("%w: missing CRVAL%d", ErrNoWCS, n)
		}
		w.CRVal[i] = crval
		w.CRPix[i], _ = h.Float(fmt.Sprintf("CRPIX%d", n))
		w.NAxis[i], _ = h.Int(fmt.Sprintf("NAXIS%d", n))
	}

	switch {
	case hasAny(h, "CD1_1", "CD1_2", "CD2_1", "CD2_2"):
		w.CD[0][0], _ = h.Float("CD1_1")
		w.CD[0][1], _ = h.Float("CD1_2")
		w.CD[1][0], _ = h.Float("CD2_1")
		w.CD[1][1], _ = h.Float("CD2_2")
	default:
		cdelt := [2]float64{1, 1}
		for i := range 2 {
			if v, ok := h.Float(fmt.Sprintf("CDELT%d", i+1)); ok {
				cdelt[i] = v
			}
		}
		pc := [2][2]float64{{1, 0}, {0, 1}}
		if hasAny(h, "PC1_1", "PC1_2", "PC2_1", "PC2_2") {
			for i := range 2 {
				for j := range 2 {
					if v, ok := h.Float(fmt.Sprintf("PC%d_%d", i+1, j+1)); ok {
						pc[i][j] = v
					}
				}
			}
		} else if rot, ok := h.Float("CROTA2"); ok && rot != 0 {
			r := rot * math.Pi / 180
			pc = [2][2]float64{
				{math.Cos(r), -math.Sin(r) * cdelt[1] / cdelt[0]},
				{math.Sin(r) * cdelt[0] / cdelt[1], math.Cos(r)},
			}
		}
		for i := range 2 {
			for j := range 2 {
				w.CD[i][j] = cdelt[i] * pc[i][j]
			}
		}
	}
	if w.det() == 0 {
		return nil, ErrSingular
	}
	return w, nil
}

// isTAN accepts "RA---TAN", "DEC--TAN" and their -SIP variants; SIP terms are ignored.
func isTAN(ctype, axis string) bool {
	ctype = strings.ToUpper(strings.TrimSpace(ctype))
	ctype = strings.TrimSuffix(ctype, "-SIP")
	if len(ctype) != 8 || !strings.HasSuffix(ctype, "-TAN") {
		return false
	}
	return strings.TrimRight(ctype[:4], "-") == axis
}

func hasAny(h *fitsimg.Header, names ...string) bool {
	for _, n := range names {
		if h.Has(n) {
			return true
		}
	}
	return false
}

func (w *WCS) det() float64 { return w.CD[0][0]*w.CD[1][1] - w.CD[0][1]*w.CD[1][0] }

// Center is the reference point CRVAL.
func (w *WCS) Center() model.SkyCoord {
	return model.SkyCoord{RA: w.CRVal[0], Dec: w.CRVal[1], Frame: model.FrameICRS}
}

func (w *WCS) PixelToWorld(x, y float64) model.SkyCoord {
	dx, dy := x-w.CRPix[0], y-w.CRPix[1]
	xi := rad(w.CD[0][0]*dx + w.CD[0][1]*dy)
	eta := rad(w.CD[1][0]*dx + w.CD[1][1]*dy)
	a0, d0 := rad(w.CRVal[0]), rad(w.CRVal[1])

	rho := math.Hypot(xi, eta)
	if rho == 0 {
		return w.Center()
	}
	c := math.Atan(rho)
	sinc, cosc := math.Sin(c), math.Cos(c)
	dec := math.Asin(cosc*math.Sin(d0) + eta*sinc*math.Cos(d0)/rho)
	ra := a0 + math.Atan2(xi*sinc, rho*math.Cos(d0)*cosc-eta*math.Sin(d0)*sinc)
	return model.SkyCoord{RA: model.NormalizeRA(deg(ra)), Dec: deg(dec), Frame: model.FrameICRS}
}

// WorldToPixel projects c (any supported frame) to 1-based pixel coordinates.
func (w *WCS) WorldToPixel(c model.SkyCoord) (float64, float64, error) {
	c = c.ICRS()
	ra, dec := rad(c.RA), rad(c.Dec)
	a0, d0 := rad(w.CRVal[0]), rad(w.CRVal[1])

	cosc := math.Sin(d0)*math.Sin(dec) + math.Cos(d0)*math.Cos(dec)*math.Cos(ra-a0)
	if cosc <= 1e-12 {
		return 0, 0, ErrNotProjectable
	}
	xi := deg(math.Cos(dec) * math.Sin(ra-a0) / cosc)
	eta := deg((math.Cos(d0)*math.Sin(dec) - math.Sin(d0)*math.Cos(dec)*math.Cos(ra-a0)) / cosc)

	det := w.det()
	dx := (w.CD[1][1]*xi - w.CD[0][1]*eta) / det
	dy := (-w.CD[1][0]*xi + w.CD[0][0]*eta) / det
	return dx + w.CRPix[0], dy + w.CRPix[1], nil
}

// Footprint returns the sky positions of the corner pixel centers: bottom-left,
// top-left, top-right, bottom-right.
func (w *WCS) Footprint() [4]model.SkyCoord {
	n1, n2 := float64(w.NAxis[0]), float64(w.NAxis[1])
	return [4]model.SkyCoord{
		w.PixelToWorld(1, 1),
		w.PixelToWorld(1, n2),
		w.PixelToWorld(n1, n2),
		w.PixelToWorld(n1, 1),
	}
}

// Contains reports whether c falls on the pixel grid. The grid spans the outer
// edges of the edge pixels, [0.5, NAXIS+0.5] on each axis, both ends included,
// so every footprint corner is contained.
func (w *WCS) Contains(c model.SkyCoord) bool {
	if w.NAxis[0] <= 0 || w.NAxis[1] <= 0 {
		return false
	}
	x, y, err := w.WorldToPixel(c)
	if err != nil {
		return false
	}
	const eps = 1e-9
	return x >= 0.5-eps && x <= float64(w.NAxis[0])+0.5+eps &&
		y >= 0.5-eps && y <= float64(w.NAxis[1])+0.5+eps
}

// PixelScales returns the size of one pixel along each axis in degrees.
func (w *WCS) PixelScales() (float64, float64) {
	return math.Hypot(w.CD[0][0], w.CD[1][0]), math.Hypot(w.CD[0][1], w.CD[1][1])
}

// Sub returns the WCS of a width x height window whose first pixel is the 0-based
// source pixel (ox, oy).
func (w *WCS) Sub(ox, oy, width, height int) *WCS {
	out := *w
	out.CRPix[0] -= float64(ox)
	out.CRPix[1] -= float64(oy)
	out.NAxis = [2]int{width, height}
	return &out
}

// Cards is the header fragment describing w.
func (w *WCS) Cards() []fitsimg.Card {
	return []fitsimg.Card{
		{Name: "CTYPE1", Value: w.CType[0]},
		{Name: "CTYPE2", Value: w.CType[1]},
		{Name: "CRPIX1", Value: w.CRPix[0]},
		{Name: "CRPIX2", Value: w.CRPix[1]},
		{Name: "CRVAL1", Value: w.CRVal[0]},
		{Name: "CRVAL2", Value: w.CRVal[1]},
		{Name: "CD1_1", Value: w.CD[0][0]},
		{Name: "CD1_2", Value: w.CD[0][1]},
		{Name: "CD2_1", Value: w.CD[1][0]},
		{Name: "CD2_2", Value: w.CD[1][1]},
		{Name: "CUNIT1", Value: "deg"},
		{Name: "CUNIT2", Value: "deg"},
	}
}

// Apply rewrites the reference pixel and axis lengths of h to describe w. The
// linear transform cards of h are left as they are.
func (w *WCS) Apply(h *fitsimg.Header) {
	h.Set("CRPIX1", w.CRPix[0], "")
	h.Set("CRPIX2", w.CRPix[1], "")
	if h.Has("NAXIS1") {
		h.Set("NAXIS1", w.NAxis[0], "")
	}
	if h.Has("NAXIS2") {
		h.Set("NAXIS2", w.NAxis[1], "")
	}
}

func rad(d float64) float64 { return d * math.Pi / 180 }
func deg(r float64) float64 { return r * 180 / math.Pi }
