// Package fitsimg reads and writes the primary image HDU of FITS files.
package fitsimg

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/astrogo/fitsio"
	"github.com/klauspost/compress/gzip"
)

var ErrNotImage = errors.New("primary HDU is not a 2-D image")

// Image is a decoded primary HDU. Data holds the raw big-endian pixels in row-major
// order, NAXIS1 varying fastest.
type Image struct {
	Header *Header
	Bitpix int
	Width  int
	Height int
	Data   []byte
}

func (img *Image) ElemSize() int {
	n := img.Bitpix / 8
	if n < 0 {
		n = -n
	}
	return n
}

func (img *Image) Validate() error {
	switch img.Bitpix {
	case 8, 16, 32, 64, -32, -64:
	default:
		return fmt.Errorf("unsupported BITPIX %d", img.Bitpix)
	}
	if img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrNotImage, img.Width, img.Height)
	}
	if want := img.Width * img.Height * img.ElemSize(); len(img.Data) != want {
		return fmt.Errorf("pixel buffer has %d bytes, want %d", len(img.Data), want)
	}
	return nil
}

// At decodes the pixel at 0-based column x, row y.
func (img *Image) At(x, y int) float64 {
	sz := img.ElemSize()
	b := img.Data[(y*img.Width+x)*sz:]
	switch img.Bitpix {
	case 8:
		return float64(b[0])
	case 16:
		return float64(int16(binary.BigEndian.Uint16(b)))
	case 32:
		return float64(int32(binary.BigEndian.Uint32(b)))
	case 64:
		return float64(int64(binary.BigEndian.Uint64(b)))
	case -32:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
	default:
		return math.Float64frombits(binary.BigEndian.Uint64(b))
	}
}

// FillBytes encodes fill as one pixel. Integer images use BLANK, then 0, for NaN.
func (img *Image) FillBytes(fill float64) []byte {
	b := make([]byte, img.ElemSize())
	if img.Bitpix > 0 && math.IsNaN(fill) {
		fill = 0
		if img.Header != nil {
			if v, ok := img.Header.Float("BLANK"); ok {
				fill = v
			}
		}
	}
	switch img.Bitpix {
	case 8:
		b[0] = byte(fill)
	case 16:
		binary.BigEndian.PutUint16(b, uint16(int16(fill)))
	case 32:
		binary.BigEndian.PutUint32(b, uint32(int32(fill)))
	case 64:
		binary.BigEndian.PutUint64(b, uint64(int64(fill)))
	case -32:
		binary.BigEndian.PutUint32(b, math.Float32bits(float32(fill)))
	default:
		binary.BigEndian.PutUint64(b, math.Float64bits(fill))
	}
	return b
}

// NewFloat64Image builds a BITPIX -64 image from row-major values.
func NewFloat64Image(hdr *Header, width, height int, values []float64) *Image {
	if hdr == nil {
		hdr = NewHeader()
	}
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return &Image{Header: hdr, Bitpix: -64, Width: width, Height: height, Data: data}
}

// ReadFile decodes the primary HDU of path. A ".gz" suffix is decompressed.
func ReadFile(path string) (*Image, error) {
	r, closeFn, err := open(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	img, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", path, err)
	}
	return img, nil
}

// open returns a buffered reader over path, decompressing ".gz" files.
func open(path string) (io.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %q: %w", path, err)
	}
	var r io.Reader = bufio.NewReaderSize(f, 1<<16)
	if !strings.HasSuffix(strings.ToLower(path), ".gz") {
		return r, func() { _ = f.Close() }, nil
	}
	zr, err := gzip.NewReader(r)
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("gzip %q: %w", path, err)
	}
	return zr, func() {
		_ = zr.Close()
		_ = f.Close()
	}, nil
}

func Decode(r io.Reader) (*Image, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("fits open: %w", err)
	}
	defer func() { _ = f.Close() }()

	hdus := f.HDUs()
	if len(hdus) == 0 {
		return nil, errors.New("fits file has no HDU")
	}
	hdu := hdus[0]
	fh := hdu.Header()

	img := &Image{Header: fromFitsio(fh), Bitpix: fh.Bitpix()}
	axes := fh.Axes()
	if len(axes) == 2 {
		img.Width, img.Height = axes[0], axes[1]
	}
	// fitsio only opens conforming primary HDUs, which start with SIMPLE = T
	if !img.Header.Has("SIMPLE") {
		img.Header.Set("SIMPLE", true, "")
	}
	if !img.Header.Has("NAXIS") {
		img.Header.Set("NAXIS", len(axes), "")
		for i, n := range axes {
			img.Header.Set(fmt.Sprintf("NAXIS%d", i+1), n, "")
		}
	}
	if im, ok := hdu.(fitsio.Image); ok && len(axes) == 2 {
		raw := im.Raw()
		img.Data = make([]byte, len(raw))
		copy(img.Data, raw)
	}
	return img, nil
}

func fromFitsio(fh *fitsio.Header) *Header {
	h := NewHeader()
	for _, k := range fh.Keys() {
		c := fh.Get(k)
		if c == nil || c.Name == "" || c.Name == "END" {
			continue
		}
		h.cards = append(h.cards, Card{Name: c.Name, Value: c.Value, Comment: c.Comment})
	}
	return h
}

// Encode writes img as a single primary HDU.
func Encode(w io.Writer, img *Image) error {
	if err := img.Validate(); err != nil {
		return err
	}
	f, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("fits create: %w", err)
	}

	hdu := fitsio.NewImage(img.Bitpix, []int{img.Width, img.Height})
	defer func() { _ = hdu.Close() }()

	cards := make([]fitsio.Card, 0, img.Header.Len())
	for _, c := range img.Header.cards {
		if c.Name == "" || isStructural(c.Name) {
			continue
		}
		cards = append(cards, fitsio.Card{Name: c.Name, Value: c.Value, Comment: c.Comment})
	}
	if err := hdu.Header().Append(cards...); err != nil {
		return fmt.Errorf("fits header: %w", err)
	}

	pix, err := typedPixels(img.Bitpix, img.Data)
	if err != nil {
		return err
	}
	if err := hdu.Write(pix); err != nil {
		return fmt.Errorf("fits pixels: %w", err)
	}
	if err := f.Write(hdu); err != nil {
		return fmt.Errorf("fits write: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("fits close: %w", err)
	}
	return nil
}

func typedPixels(bitpix int, raw []byte) (any, error) {
	switch bitpix {
	case 8:
		out := make([]byte, len(raw))
		copy(out, raw)
		return out, nil
	case 16:
		out := make([]int16, len(raw)/2)
		for i := range out {
			out[i] = int16(binary.BigEndian.Uint16(raw[i*2:]))
		}
		return out, nil
	case 32:
		out := make([]int32, len(raw)/4)
		for i := range out {
			out[i] = int32(binary.BigEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case 64:
		out := make([]int64, len(raw)/8)
		for i := range out {
			out[i] = int64(binary.BigEndian.Uint64(raw[i*8:]))
		}
		return out, nil
	case -32:
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.BigEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case -64:
		out := make([]float64, len(raw)/8)
		for i := range out {
			out[i] = math.Float64frombits(binary.BigEndian.Uint64(raw[i*8:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
}

// WriteFile encodes img to path, truncating any previous content.
func WriteFile(path string, img *Image) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %q: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %q: %w", path, cerr)
		}
	}()
	bw := bufio.NewWriter(f)
	if err := Encode(bw, img); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush %q: %w", path, err)
	}
	return nil
}
