package summary

import (
	"fmt"
	"math"
	"time"

	"web/aqmap/cluster"
	"web/aqmap/feature"
)

// Expander resolves a cluster id to its members.
type Expander interface {
	GetLeaves(clusterID int) ([]feature.PointFeature, error)
}

type ViewportStats struct {
	TotalPoints     int                               `json:"totalPoints"`
	NumClusters     int                               `json:"numClusters"`
	NumSinglePoints int                               `json:"numSinglePoints"`
	Categories      map[feature.Category]float64      `json:"categories"`
	Metrics         map[feature.Pollutant]MetricStats `json:"metrics"`
	TimeRange       *TimeRange                        `json:"timeRange,omitempty"`
	Representative  Summary                           `json:"representative"`
}

type MetricStats struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Sum     float64 `json:"sum"`
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Viewport computes statistics over everything a query made visible.
// Clusters are expanded so the distribution counts features, not markers.
func Viewport(results []cluster.Result, ex Expander) (ViewportStats, error) {
	stats := ViewportStats{
		Categories: make(map[feature.Category]float64),
		Metrics:    make(map[feature.Pollutant]MetricStats),
	}

	var members []feature.PointFeature
	for _, r := range results {
		if r.Cluster != nil {
			stats.NumClusters++
			leaves, err := ex.GetLeaves(r.Cluster.ID)
			if err != nil {
				return stats, fmt.Errorf("expand cluster %d: %w", r.Cluster.ID, err)
			}
			members = append(members, leaves...)
			continue
		}
		if r.Point != nil {
			stats.NumSinglePoints++
			members = append(members, *r.Point)
		}
	}
	stats.TotalPoints = len(members)
	if len(members) == 0 {
		stats.Representative = Summarize(nil)
		return stats, nil
	}

	counts := make(map[feature.Category]int)
	var start, end time.Time
	for _, m := range members {
		counts[m.Category]++

		for p, v := range m.Measurements {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			ms, ok := stats.Metrics[p]
			if !ok {
				ms.Min, ms.Max = v, v
			}
			ms.Min = math.Min(ms.Min, v)
			ms.Max = math.Max(ms.Max, v)
			ms.Sum += v
			ms.Count++
			stats.Metrics[p] = ms
		}

		if m.ObservedAt.IsZero() {
			continue
		}
		if start.IsZero() || m.ObservedAt.Before(start) {
			start = m.ObservedAt
		}
		if end.IsZero() || m.ObservedAt.After(end) {
			end = m.ObservedAt
		}
	}

	for c, n := range counts {
		stats.Categories[c] = float64(n) / float64(len(members)) * 100
	}
	for p, ms := range stats.Metrics {
		ms.Average = ms.Sum / float64(ms.Count)
		stats.Metrics[p] = ms
	}
	if !start.IsZero() {
		stats.TimeRange = &TimeRange{Start: start, End: end}
	}
	stats.Representative = Summarize(members)
	return stats, nil
}
