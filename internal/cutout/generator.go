package cutout

import (
	"errors"
	"fmt"
	"math"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/model"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/fitsimg"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/wcs"
)

// Generator replaces the pixels of img with a cutout centered on center and
// rewrites its header to describe the cutout. img must not be reused for
// another cutout afterwards.
type Generator interface {
	Generate(img *fitsimg.Image, center model.SkyCoord, size model.Angle) error
}

// OverlapError reports a requested box that is off the image, or only partly on
// it when the whole box is required.
type OverlapError struct {
	Center  model.SkyCoord
	Unit    model.Unit
	Partial bool
}

func (e *OverlapError) Error() string {
	what := "no overlap"
	if e.Partial {
		what = "only partial overlap"
	}
	return fmt.Sprintf("There is %s between the reference image and the given center coordinate: %s (size in %s)",
		what, e.Center, e.Unit)
}

var (
	ErrNoWCS = errors.New("image has no celestial WCS to place a cutout")
	// ErrTooLarge is a padded cutout with more pixels than the generator allocates.
	ErrTooLarge = errors.New("cutout too large to pad")
)

// WCSGenerator cuts a square box of the requested angular size using the
// image's TAN WCS.
type WCSGenerator struct {
	Mode wcs.Mode
	// Fill is written to padded pixels in partial mode. NaN becomes BLANK, or 0,
	// for integer images.
	Fill float64
}

func NewWCSGenerator(mode wcs.Mode) WCSGenerator {
	if mode == "" {
		mode = wcs.ModeTrim
	}
	return WCSGenerator{Mode: mode, Fill: math.NaN()}
}

func (g WCSGenerator) Generate(img *fitsimg.Image, center model.SkyCoord, size model.Angle) error {
	if err := img.Validate(); err != nil {
		return fmt.Errorf("source image: %w", err)
	}
	w, err := wcs.FromHeader(img.Header)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoWCS, err)
	}
	w.NAxis = [2]int{img.Width, img.Height}

	win, err := w.Window(center, size, g.Mode)
	switch {
	case errors.Is(err, wcs.ErrNoOverlap):
		return &OverlapError{Center: center, Unit: size.Unit}
	case errors.Is(err, wcs.ErrPartialOverlap):
		return &OverlapError{Center: center, Unit: size.Unit, Partial: true}
	case errors.Is(err, wcs.ErrTooLarge):
		return fmt.Errorf("%w: %s at %s", ErrTooLarge, size, center)
	case err != nil:
		return err
	}

	ox, oy := win.Origin()
	outW, outH := win.Width(), win.Height()
	es := img.ElemSize()
	out := make([]byte, outW*outH*es)

	if outW != win.X1-win.X0 || outH != win.Y1-win.Y0 {
		fill := img.FillBytes(g.Fill)
		for i := 0; i < len(out); i += es {
			copy(out[i:], fill)
		}
	}
	rowBytes := (win.X1 - win.X0) * es
	for y := win.Y0; y < win.Y1; y++ {
		src := (y*img.Width + win.X0) * es
		dst := ((y-oy)*outW + (win.X0 - ox)) * es
		copy(out[dst:dst+rowBytes], img.Data[src:src+rowBytes])
	}

	w.Sub(ox, oy, outW, outH).Apply(img.Header)
	img.Data, img.Width, img.Height = out, outW, outH
	return nil
}
