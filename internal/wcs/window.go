package wcs

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/model"
)

// Mode is the edge policy of a cutout window.
type Mode string

const (
	// ModeTrim shrinks the window to the part that lies on the image.
	ModeTrim Mode = "trim"
	// ModePartial keeps the requested shape and fills off-image pixels.
	ModePartial Mode = "partial"
	// ModeStrict fails unless the whole window lies on the image.
	ModeStrict Mode = "strict"
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "trim":
		return ModeTrim, nil
	case "partial", "pad":
		return ModePartial, nil
	case "strict":
		return ModeStrict, nil
	default:
		return "", fmt.Errorf("unknown cutout mode %q (want trim, partial or strict)", s)
	}
}

var (
	ErrNoOverlap      = errors.New("window does not overlap the image")
	ErrPartialOverlap = errors.New("window is not fully on the image")
	// ErrTooLarge rejects a partial window with too many pixels to allocate.
	ErrTooLarge = errors.New("window is too large to pad")
)

const (
	// maxSide bounds the pixel position of a usable center. Window sides are
	// clamped to 4*maxSide, which still covers any image that small.
	maxSide = 1 << 24
	// minPaddedPixels is the padded area always allowed, whatever the image size.
	minPaddedPixels = 1 << 22
)

// paddedLimit is the largest pixel count of a partial window on a width x height
// image: four times the image, and never less than minPaddedPixels.
func paddedLimit(width, height int) float64 {
	return math.Max(4*float64(width)*float64(height), minPaddedPixels)
}

// Window locates a cutout on the source grid in 0-based, half-open pixel ranges.
type Window struct {
	Mode Mode
	// requested box
	XMin, XMax, YMin, YMax int
	// part of the box on the image
	X0, X1, Y0, Y1 int
}

func (w Window) Width() int {
	if w.Mode == ModeTrim {
		return w.X1 - w.X0
	}
	return w.XMax - w.XMin
}

func (w Window) Height() int {
	if w.Mode == ModeTrim {
		return w.Y1 - w.Y0
	}
	return w.YMax - w.YMin
}

// Origin is the source pixel under the first output pixel. It can be negative in
// partial mode.
func (w Window) Origin() (int, int) {
	if w.Mode == ModeTrim {
		return w.X0, w.Y0
	}
	return w.XMin, w.YMin
}

// Window places a square box of side size centered on center.
func (w *WCS) Window(center model.SkyCoord, size model.Angle, mode Mode) (Window, error) {
	if size.Value <= 0 || math.IsNaN(size.Value) || math.IsInf(size.Value, 0) {
		return Window{}, fmt.Errorf("cutout size must be positive, got %v", size.Value)
	}
	px, py, err := w.WorldToPixel(center)
	if err != nil {
		return Window{}, ErrNoOverlap
	}
	if math.Abs(px) > maxSide || math.Abs(py) > maxSide {
		return Window{}, ErrNoOverlap
	}
	width, height := w.NAxis[0], w.NAxis[1]
	sx, sy := w.PixelScales()
	fx := math.Max(1, math.Round(size.Degrees()/sx))
	fy := math.Max(1, math.Round(size.Degrees()/sy))
	if mode == ModePartial && fx*fy > paddedLimit(width, height) {
		return Window{}, fmt.Errorf("%w: %.0fx%.0f pixels", ErrTooLarge, fx, fy)
	}
	nx, ny := int(math.Min(fx, 4*maxSide)), int(math.Min(fy, 4*maxSide))

	// 0-based pixel centers
	x0, y0 := lowEdge(px-1, nx), lowEdge(py-1, ny)
	win := Window{
		Mode: mode,
		XMin: x0,
		XMax: x0 + nx,
		YMin: y0,
		YMax: y0 + ny,
	}
	if win.XMax <= 0 || win.YMax <= 0 || win.XMin >= width || win.YMin >= height {
		return Window{}, ErrNoOverlap
	}
	if mode == ModeStrict && (win.XMin < 0 || win.YMin < 0 || win.XMax > width || win.YMax > height) {
		return Window{}, ErrPartialOverlap
	}
	win.X0, win.X1 = max(0, win.XMin), min(width, win.XMax)
	win.Y0, win.Y1 = max(0, win.YMin), min(height, win.YMax)
	return win, nil
}

// snapTol absorbs the round-off of a sky to pixel round trip.
const snapTol = 1e-6

// lowEdge is the first pixel of an n-pixel run centered on c. A box edge that
// falls on a pixel center takes that pixel as the first one, so an even run
// centered on a pixel extends one pixel further down than up.
func lowEdge(c float64, n int) int {
	lo := c - float64(n)/2
	if r := math.Round(lo); math.Abs(lo-r) < snapTol {
		return int(r)
	}
	return int(math.Ceil(lo))
}
