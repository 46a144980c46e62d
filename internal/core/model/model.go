// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"math"
	"strings"
)

// Frame is a celestial reference frame name.
type Frame string

const (
	FrameICRS     Frame = "icrs"
	FrameFK5      Frame = "fk5"
	FrameGalactic Frame = "galactic"
)

func ParseFrame(s string) (Frame, error) {
	switch f := Frame(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FrameICRS, nil
	case FrameICRS, FrameFK5, FrameGalactic:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported coordinate frame %q (want icrs, fk5 or galactic)", s)
	}
}

// SkyCoord is a sky position in degrees. For the galactic frame RA/Dec hold l/b.
type SkyCoord struct {
	RA    float64 `json:"ra"`
	Dec   float64 `json:"dec"`
	Frame Frame   `json:"frame,omitempty"`
}

func (c SkyCoord) String() string {
	return fmt.Sprintf("%g, %g (%s)", c.RA, c.Dec, c.frame())
}

func (c SkyCoord) frame() Frame {
	if c.Frame == "" {
		return FrameICRS
	}
	return c.Frame
}

// galactic north pole and node in ICRS, J2000
const (
	galPoleRA  = 192.85948
	galPoleDec = 27.12825
	galNodeL   = 122.93192
)

// ICRS returns the position in the ICRS frame. FK5 (J2000) is treated as ICRS.
func (c SkyCoord) ICRS() SkyCoord {
	if c.frame() != FrameGalactic {
		return SkyCoord{RA: c.RA, Dec: c.Dec, Frame: FrameICRS}
	}
	l, b := rad(c.RA), rad(c.Dec)
	dp, lnode := rad(galPoleDec), rad(galNodeL)

	sinDec := math.Sin(b)*math.Sin(dp) + math.Cos(b)*math.Cos(dp)*math.Cos(lnode-l)
	dec := math.Asin(clamp(sinDec))
	y := math.Cos(b) * math.Sin(lnode-l)
	x := math.Sin(b)*math.Cos(dp) - math.Cos(b)*math.Sin(dp)*math.Cos(lnode-l)
	ra := NormalizeRA(deg(math.Atan2(y, x)) + galPoleRA)
	return SkyCoord{RA: ra, Dec: deg(dec), Frame: FrameICRS}
}

// Separation is the great-circle distance to o in degrees.
func (c SkyCoord) Separation(o SkyCoord) float64 {
	a, b := c.ICRS(), o.ICRS()
	ra1, dec1, ra2, dec2 := rad(a.RA), rad(a.Dec), rad(b.RA), rad(b.Dec)
	sd := math.Sin((dec2 - dec1) / 2)
	sr := math.Sin((ra2 - ra1) / 2)
	h := sd*sd + math.Cos(dec1)*math.Cos(dec2)*sr*sr
	return deg(2 * math.Asin(math.Min(1, math.Sqrt(h))))
}

func NormalizeRA(ra float64) float64 {
	ra = math.Mod(ra, 360)
	if ra < 0 {
		ra += 360
	}
	return ra
}

func rad(d float64) float64 { return d * math.Pi / 180 }
func deg(r float64) float64 { return r * 180 / math.Pi }

func clamp(v float64) float64 { return math.Max(-1, math.Min(1, v)) }

// Unit is an angular unit for cutout sizes.
type Unit string

const (
	UnitArcSec Unit = "arcsec"
	UnitArcMin Unit = "arcmin"
	UnitDeg    Unit = "deg"
)

func (u Unit) Degrees(v float64) float64 {
	switch u {
	case UnitArcSec:
		return v / 3600
	case UnitArcMin:
		return v / 60
	default:
		return v
	}
}

// Angle is a magnitude with its unit, kept as supplied.
type Angle struct {
	Value float64 `json:"value"`
	Unit  Unit    `json:"unit"`
}

func (a Angle) Degrees() float64 { return a.Unit.Degrees(a.Value) }

func (a Angle) String() string { return fmt.Sprintf("%g %s", a.Value, a.Unit) }

// CutoutRequest is a validated cutout or image request. A nil Size asks for the whole image.
type CutoutRequest struct {
	Center SkyCoord
	Size   *Angle
}

func (r CutoutRequest) HasSize() bool { return r.Size != nil }
