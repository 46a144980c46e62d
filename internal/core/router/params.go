package router

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/apperr"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/model"
)

const (
	msgNoRA         = "Right ascension must be specified, via the 'ra' argument"
	msgNoDec        = "Declination must be specified, via the 'dec' argument"
	msgNoSize       = "A radius size (one of 'radius', 'sizeDeg', 'sizeArcMin', or 'sizeArcSec') must be specified."
	msgNoID         = "A record ID must be specified, via the 'id' argument"
	msgNoPath       = "A valid image path must be specified, via the 'path' argument"
	msgNoFilter     = "An image filter must be specified, via the 'filter' argument"
	msgNoCollection = "A collection name must be specified, via the 'collection' argument"
	msgNoFilename   = "An image cutout filename must be specified, via the 'filename' argument"
)

// ParseCutoutRequest reads the center and optional size of a cutout. Without a
// size the request asks for the whole image, unless sizeRequired is set.
func ParseCutoutRequest(q url.Values, sizeRequired bool) (model.CutoutRequest, error) {
	size, err := parseSize(q, sizeRequired)
	if err != nil {
		return model.CutoutRequest{}, err
	}
	center, err := parseCoordinates(q)
	if err != nil {
		return model.CutoutRequest{}, err
	}
	return model.CutoutRequest{Center: center, Size: size}, nil
}

func parseCoordinates(q url.Values) (model.SkyCoord, error) {
	ra, err := floatArg(q, "ra", msgNoRA)
	if err != nil {
		return model.SkyCoord{}, err
	}
	dec, err := floatArg(q, "dec", msgNoDec)
	if err != nil {
		return model.SkyCoord{}, err
	}
	frame, err := model.ParseFrame(q.Get("frame"))
	if err != nil {
		return model.SkyCoord{}, apperr.ValidationCause(err, err.Error())
	}
	if dec < -90 || dec > 90 {
		return model.SkyCoord{}, apperr.Validationf("Declination '%s' must be between -90 and 90 degrees", q.Get("dec"))
	}
	return model.SkyCoord{RA: ra, Dec: dec, Frame: frame}, nil
}

// parseSize prefers arc minutes, then degrees (or radius), then arc seconds.
func parseSize(q url.Values, required bool) (*model.Angle, error) {
	sizes := []struct {
		keys []string
		unit model.Unit
	}{
		{[]string{"sizeArcMin"}, model.UnitArcMin},
		{[]string{"sizeDeg", "radius"}, model.UnitDeg},
		{[]string{"sizeArcSec"}, model.UnitArcSec},
	}
	for _, s := range sizes {
		key, raw := firstPresent(q, s.keys...)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, apperr.Validationf("Cutout size '%s' given via the '%s' argument is not a number", raw, key)
		}
		if v <= 0 {
			return nil, apperr.Validationf("Cutout size given via the '%s' argument must be positive", key)
		}
		return &model.Angle{Value: v, Unit: s.unit}, nil
	}
	if required {
		return nil, apperr.Validation(msgNoSize)
	}
	return nil, nil
}

// firstPresent returns the first key that appears in q, even with an empty value.
func firstPresent(q url.Values, keys ...string) (string, string) {
	for _, k := range keys {
		if q.Has(k) {
			return k, q.Get(k)
		}
	}
	return "", ""
}

func floatArg(q url.Values, key, missing string) (float64, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return 0, apperr.Validation(missing)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, apperr.Validationf("Argument '%s' must be a number, got '%s'", key, raw)
	}
	return v, nil
}

// collectionArg reads collection, falling back to coll.
func collectionArg(q url.Values, required bool) (string, error) {
	_, v := firstPresent(q, "collection", "coll")
	return stringArg(v, required, msgNoCollection)
}

func filterArg(q url.Values, required bool) (string, error) {
	return stringArg(q.Get("filter"), required, msgNoFilter)
}

func pathArg(q url.Values) (string, error) {
	return stringArg(q.Get("path"), true, msgNoPath)
}

func filenameArg(q url.Values) (string, error) {
	return stringArg(q.Get("filename"), true, msgNoFilename)
}

func stringArg(v string, required bool, missing string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" && required {
		return "", apperr.Validation(missing)
	}
	return v, nil
}

// idArg accepts positive integers only.
func idArg(q url.Values) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(q.Get("id")), 10, 64)
	if err != nil || n <= 0 {
		return 0, apperr.Validation(msgNoID)
	}
	return n, nil
}
