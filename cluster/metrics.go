package cluster

import "web/aqmap/feature"

// MetricStat accumulates one pollutant over the members that recorded it.
type MetricStat struct {
	Sum   float64
	Count int
	Min   float64
	Max   float64
}

func (s MetricStat) merge(o MetricStat) MetricStat {
	if s.Count == 0 {
		return o
	}
	if o.Count == 0 {
		return s
	}
	s.Sum += o.Sum
	s.Count += o.Count
	if o.Min < s.Min {
		s.Min = o.Min
	}
	if o.Max > s.Max {
		s.Max = o.Max
	}
	return s
}

// Average is the mean over recording members, 0 when nothing was recorded.
func (s MetricStat) Average() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Rollup is the measurement aggregate carried by every index entry.
type Rollup map[feature.Pollutant]MetricStat

func rollupOf(f feature.PointFeature) Rollup {
	r := make(Rollup, len(f.Measurements))
	for p, v := range f.Measurements {
		r[p] = MetricStat{Sum: v, Count: 1, Min: v, Max: v}
	}
	return r
}

func (r Rollup) mergeInto(dst Rollup) {
	for p, s := range r {
		dst[p] = dst[p].merge(s)
	}
}

// Averages returns the per pollutant mean of the rollup.
func (r Rollup) Averages() map[feature.Pollutant]float64 {
	out := make(map[feature.Pollutant]float64, len(r))
	for p, s := range r {
		if s.Count > 0 {
			out[p] = s.Average()
		}
	}
	return out
}

// MetricsPool stores the rollups of one build. Entries reference it by index
// so an unclustered point carries the same rollup through every level.
type MetricsPool struct {
	Metrics []Rollup
}

func NewMetricsPool(capacity int) *MetricsPool {
	return &MetricsPool{Metrics: make([]Rollup, 0, capacity)}
}

// Add stores r and returns its index.
func (mp *MetricsPool) Add(r Rollup) uint32 {
	mp.Metrics = append(mp.Metrics, r)
	return uint32(len(mp.Metrics) - 1)
}

// Get retrieves a rollup by index
func (mp *MetricsPool) Get(idx uint32) Rollup {
	if mp == nil || int(idx) >= len(mp.Metrics) {
		return nil
	}
	return mp.Metrics[idx]
}

// GetPointMetrics returns the rollup for an index entry.
func (mp *MetricsPool) GetPointMetrics(point KDPoint) Rollup {
	return mp.Get(point.MetricIdx)
}
