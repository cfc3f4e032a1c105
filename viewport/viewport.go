// Package viewport reacts to map settle events: it re-queries the spatial
// index for what is visible, reconciles the markers and remembers where the
// user left the map.
package viewport

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"

	"github.com/paulmach/orb"
)

// ErrInvalidViewport is returned for query parameters that are not numbers or
// fall outside the map.
var ErrInvalidViewport = errors.New("invalid viewport")

const (
	paramLat  = "lat"
	paramLng  = "lng"
	paramZoom = "zm"
)

// Viewport is a map center and zoom level.
type Viewport struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Zoom float64 `json:"zoom"`
}

func (v Viewport) Center() orb.Point { return orb.Point{v.Lng, v.Lat} }

func (v Viewport) Valid() bool {
	for _, f := range []float64{v.Lat, v.Lng, v.Zoom} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return v.Lat >= -90 && v.Lat <= 90 && v.Lng >= -180 && v.Lng <= 180 && v.Zoom >= 0
}

// Query encodes the viewport as lat/lng with 4 decimals and zm with 2.
func (v Viewport) Query() url.Values {
	q := url.Values{}
	q.Set(paramLat, strconv.FormatFloat(v.Lat, 'f', 4, 64))
	q.Set(paramLng, strconv.FormatFloat(v.Lng, 'f', 4, 64))
	q.Set(paramZoom, strconv.FormatFloat(v.Zoom, 'f', 2, 64))
	return q
}

func (v Viewport) String() string { return v.Query().Encode() }

// ParseQuery reads a viewport from query parameters. ok is false when none of
// lat, lng and zm is present. Partial or malformed values are an error.
func ParseQuery(q url.Values) (v Viewport, ok bool, err error) {
	if !q.Has(paramLat) && !q.Has(paramLng) && !q.Has(paramZoom) {
		return Viewport{}, false, nil
	}
	if v.Lat, err = parseParam(q, paramLat); err != nil {
		return Viewport{}, false, err
	}
	if v.Lng, err = parseParam(q, paramLng); err != nil {
		return Viewport{}, false, err
	}
	if v.Zoom, err = parseParam(q, paramZoom); err != nil {
		return Viewport{}, false, err
	}
	if !v.Valid() {
		return Viewport{}, false, fmt.Errorf("%w: %s", ErrInvalidViewport, v)
	}
	return v, true, nil
}

// Parse reads a viewport from an encoded query string.
func Parse(raw string) (Viewport, bool, error) {
	q, err := url.ParseQuery(raw)
	if err != nil {
		return Viewport{}, false, fmt.Errorf("%w: %v", ErrInvalidViewport, err)
	}
	return ParseQuery(q)
}

func parseParam(q url.Values, name string) (float64, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, fmt.Errorf("%w: missing %s", ErrInvalidViewport, name)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidViewport, name, raw)
	}
	return f, nil
}
