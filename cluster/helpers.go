package cluster

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/paulmach/orb"

	"web/aqmap/feature"
)

// GenerateTestFeatures returns n random readings inside bounds. The same seed
// yields the same features.
func GenerateTestFeatures(n int, bounds orb.Bound, seed int64) []feature.PointFeature {
	r := rand.New(rand.NewSource(seed))
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	features := make([]feature.PointFeature, n)

	for i := 0; i < n; i++ {
		lon := bounds.Min.Lon() + r.Float64()*(bounds.Max.Lon()-bounds.Min.Lon())
		lat := bounds.Min.Lat() + r.Float64()*(bounds.Max.Lat()-bounds.Min.Lat())
		pm25 := r.Float64() * 180
		source := feature.SourceReadings
		if r.Intn(4) == 0 {
			source = feature.SourceWAQI
		}

		features[i] = feature.PointFeature{
			ID:          fmt.Sprintf("site-%d", i+1),
			Name:        fmt.Sprintf("Site %d", i+1),
			Source:      source,
			Coordinates: orb.Point{lon, lat},
			Category:    feature.Categorize(feature.PM25, pm25, true),
			Measurements: map[feature.Pollutant]float64{
				feature.PM25: pm25,
				feature.PM10: pm25 * (1.2 + r.Float64()),
				feature.NO2:  r.Float64() * 120,
			},
			ObservedAt: base.Add(-time.Duration(r.Intn(7*24)) * time.Hour),
		}
	}

	return features
}
