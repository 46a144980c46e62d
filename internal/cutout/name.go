// Package cutout derives cutout cache names, cuts sub-images out of FITS images
// and keeps the results in an on-disk cache.
package cutout

import (
	"math"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/model"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/imagefiles"
)

// NameParts are the request values a cutout name is built from. RA, Dec and Size
// are used exactly as given, so "12" and "12.0" name different files.
type NameParts struct {
	ImagePath  string
	RA, Dec    string
	Size       string
	Unit       model.Unit
	Collection string
	Filter     string
}

// PartsFor formats a parsed request the way its values print as floats.
func PartsFor(imagePath string, req model.CutoutRequest, collection, filter string) NameParts {
	p := NameParts{
		ImagePath:  imagePath,
		RA:         FormatFloat(req.Center.RA),
		Dec:        FormatFloat(req.Center.Dec),
		Collection: collection,
		Filter:     filter,
	}
	if req.Size != nil {
		p.Size = FormatFloat(req.Size.Value)
		p.Unit = req.Size.Unit
	}
	return p
}

// DeriveName returns
//
//	[collection_][filter_]_<base>__<ra>_<dec>_<size><unit>.fits
//
// where base is the image file name without its image suffix. Nil exts means
// imagefiles.DefaultExts.
func DeriveName(p NameParts, exts []string) string {
	if len(exts) == 0 {
		exts = imagefiles.DefaultExts
	}
	var b strings.Builder
	if p.Collection != "" {
		b.WriteString(safe(p.Collection))
		b.WriteByte('_')
	}
	if p.Filter != "" {
		b.WriteString(safe(p.Filter))
		b.WriteByte('_')
	}
	b.WriteByte('_')
	b.WriteString(imagefiles.BaseName(p.ImagePath, exts))
	b.WriteString("__")
	b.WriteString(p.RA)
	b.WriteByte('_')
	b.WriteString(p.Dec)
	b.WriteByte('_')
	b.WriteString(p.Size)
	b.WriteString(string(p.Unit))
	b.WriteString(".fits")
	return b.String()
}

// nested collections contain separators; names live in a flat directory
func safe(s string) string {
	return strings.NewReplacer("/", "-", `\`, "-").Replace(s)
}

// FormatFloat prints v the shortest way that reads back exactly, always with a
// decimal point or exponent: 12 -> "12.0", 1e-5 -> "1e-05", 250.4226 -> "250.4226".
func FormatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	if a := math.Abs(v); a != 0 && (a < 1e-4 || a >= 1e16) {
		return strconv.FormatFloat(v, 'e', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
