// Package metadata extracts per-image sky geometry from FITS headers and keeps
// it in a cache keyed by file path.
package metadata

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/model"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/observability"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/fitsimg"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/imagefiles"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/wcs"
)

// ImageMetadata describes one image file. Entries are replaced as a whole and
// must not be modified once stored.
type ImageMetadata struct {
	Path      string    `json:"filepath"`
	Timestamp time.Time `json:"timestamp"`
	// WCS is nil when the header has no usable celestial WCS; such an image
	// never matches a position.
	WCS     *wcs.WCS         `json:"wcs,omitempty"`
	Center  *model.SkyCoord  `json:"center,omitempty"`
	Corners []model.SkyCoord `json:"corners,omitempty"`
	// Collection is the directory under the images root, "" at the top level.
	Collection string `json:"collection"`
	// Filter is the FILTER header value, "" when absent.
	Filter string `json:"filter,omitempty"`
}

func (m *ImageMetadata) Contains(c model.SkyCoord) bool {
	return m != nil && m.WCS != nil && m.WCS.Contains(c)
}

// OlderThan reports whether the entry predates a file modified at mtime.
func (m *ImageMetadata) OlderThan(mtime time.Time) bool {
	return mtime.After(m.Timestamp)
}

// HeaderReader returns the primary header of a FITS file.
type HeaderReader func(path string) (*fitsimg.Header, error)

type Extractor struct {
	root string
	exts []string
	read HeaderReader
	log  *slog.Logger
}

func NewExtractor(root string, exts []string, log *slog.Logger) *Extractor {
	if len(exts) == 0 {
		exts = imagefiles.DefaultExts
	}
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{root: filepath.Clean(root), exts: exts, read: fitsimg.ReadHeader, log: log}
}

func (e *Extractor) Root() string   { return e.root }
func (e *Extractor) Exts() []string { return e.exts }

// Extract reads the header of path. It returns false, never an error, when path
// is not a regular image file, is not a simple 2-D image, or cannot be parsed.
func (e *Extractor) Extract(path string) (*ImageMetadata, bool) {
	if !imagefiles.IsImageFile(filepath.Base(path), e.exts) {
		return nil, false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, false
	}
	hdr, err := e.read(path)
	if err != nil {
		e.log.Debug("metadata extraction failed", "path", path, "err", err)
		observability.IncMetadataExtract("error")
		return nil, false
	}
	if simple, ok := hdr.Bool("SIMPLE"); !ok || !simple {
		observability.IncMetadataExtract("skipped")
		return nil, false
	}
	if n, ok := hdr.Int("NAXIS"); !ok || n != 2 {
		observability.IncMetadataExtract("skipped")
		return nil, false
	}

	md := &ImageMetadata{
		Path:       filepath.Clean(path),
		Timestamp:  info.ModTime(),
		Collection: imagefiles.CollectionOf(e.root, path),
	}
	if f, ok := hdr.Str("FILTER"); ok {
		md.Filter = f
	}
	if w, err := wcs.FromHeader(hdr); err == nil {
		c := w.Center()
		fp := w.Footprint()
		md.WCS, md.Center, md.Corners = w, &c, fp[:]
	} else {
		e.log.Debug("image has no usable WCS", "path", path, "err", err)
	}
	observability.IncMetadataExtract("ok")
	return md, true
}
