// Package feature turns raw air quality readings into the point features the
// spatial index is built from.
package feature

import (
	"math"
	"time"

	"github.com/golang/geo/s2"
	"github.com/paulmach/orb"
)

// SourceKind tags where a raw reading came from.
type SourceKind string

const (
	// SourceReadings is the first-party measurements endpoint.
	SourceReadings SourceKind = "readings"
	// SourceWAQI is the third-party air quality index, queried per city.
	SourceWAQI SourceKind = "waqi"
)

// PointFeature is a single located reading.
type PointFeature struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Source       SourceKind            `json:"source"`
	Coordinates  orb.Point             `json:"coordinates"` // lon, lat
	Category     Category              `json:"category"`
	Measurements map[Pollutant]float64 `json:"measurements,omitempty"`
	ObservedAt   time.Time             `json:"observedAt"`
	Forecast     []ForecastPoint       `json:"forecast,omitempty"`
}

// ForecastPoint is one day of a provider forecast.
type ForecastPoint struct {
	Value float64 `json:"value"`
	Day   string  `json:"day"`
}

// Value returns the recorded measurement for p.
func (f PointFeature) Value(p Pollutant) (float64, bool) {
	v, ok := f.Measurements[p]
	return v, ok
}

// ValidCoordinates reports whether lon/lat are finite and inside the globe.
func ValidCoordinates(lon, lat float64) bool {
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
		return false
	}
	return s2.LatLngFromDegrees(lat, lon).IsValid()
}

// Valid reports whether the feature can be placed in the index.
func (f PointFeature) Valid() bool {
	return f.ID != "" && ValidCoordinates(f.Coordinates.Lon(), f.Coordinates.Lat())
}

// Dedupe drops later features that reuse an id already seen.
func Dedupe(features []PointFeature) []PointFeature {
	seen := make(map[string]struct{}, len(features))
	out := make([]PointFeature, 0, len(features))
	for _, f := range features {
		if _, dup := seen[f.ID]; dup {
			continue
		}
		seen[f.ID] = struct{}{}
		out = append(out, f)
	}
	return out
}
