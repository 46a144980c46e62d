// Package fitstest writes small TAN-projected FITS images for tests.
package fitstest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/model"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/fitsimg"
)

// Image describes a square-pixel image centered on (RA, Dec).
type Image struct {
	RA, Dec       float64
	Width, Height int
	// Scale is the pixel size in degrees.
	Scale  float64
	Filter string
	NoWCS  bool
	Extra  []fitsimg.Card
}

// M13 is a 100x100 image with 1 arcsec pixels centered on the cluster.
func M13() Image {
	return Image{RA: 250.4226, Dec: 36.4602, Width: 100, Height: 100, Scale: 1.0 / 3600}
}

// M13Center is the reference position of M13().
func M13Center() model.SkyCoord {
	return model.SkyCoord{RA: 250.4226, Dec: 36.4602, Frame: model.FrameICRS}
}

func (im Image) Header() *fitsimg.Header {
	h := fitsimg.NewHeader(fitsimg.Card{Name: "OBJECT", Value: "test"})
	if !im.NoWCS {
		h.Set("CTYPE1", "RA---TAN", "")
		h.Set("CTYPE2", "DEC--TAN", "")
		h.Set("CRPIX1", float64(im.Width+1)/2, "")
		h.Set("CRPIX2", float64(im.Height+1)/2, "")
		h.Set("CRVAL1", im.RA, "")
		h.Set("CRVAL2", im.Dec, "")
		h.Set("CD1_1", -im.Scale, "")
		h.Set("CD1_2", 0.0, "")
		h.Set("CD2_1", 0.0, "")
		h.Set("CD2_2", im.Scale, "")
	}
	if im.Filter != "" {
		h.Set("FILTER", im.Filter, "")
	}
	for _, c := range im.Extra {
		h.Set(c.Name, c.Value, c.Comment)
	}
	return h
}

// Build returns the image with pixel value x + y*Width at 0-based (x, y).
func (im Image) Build() *fitsimg.Image {
	vals := make([]float64, im.Width*im.Height)
	for i := range vals {
		vals[i] = float64(i)
	}
	return fitsimg.NewFloat64Image(im.Header(), im.Width, im.Height, vals)
}

// Write creates the parent directories of path and writes im there.
func Write(tb testing.TB, path string, im Image) string {
	tb.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("mkdir: %v", err)
	}
	if err := fitsimg.WriteFile(path, im.Build()); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
	return path
}
