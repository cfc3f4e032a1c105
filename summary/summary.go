// Package summary condenses cluster members and viewports into the few
// numbers the markers and side panels display.
package summary

import (
	"web/aqmap/feature"
)

// Exemplar is one member shown as an example of a representative category.
type Exemplar struct {
	FeatureID    string                        `json:"featureId"`
	Name         string                        `json:"name"`
	Category     feature.Category              `json:"category"`
	Measurements map[feature.Pollutant]float64 `json:"measurements,omitempty"`
}

// Value returns the exemplar's recorded value for p.
func (e Exemplar) Value(p feature.Pollutant) (float64, bool) {
	v, ok := e.Measurements[p]
	return v, ok
}

// Summary holds the two representative categories of a cluster.
type Summary struct {
	Categories  [2]feature.Category `json:"categories"`
	Exemplars   [2]Exemplar         `json:"exemplars"`
	MemberCount int                 `json:"memberCount"`
}

// Summarize counts member categories and keeps the two most frequent. Ties
// go to the category seen first in member order. With a single distinct
// category both slots hold it. Each exemplar is the first member of its
// category.
func Summarize(members []feature.PointFeature) Summary {
	s := Summary{
		Categories:  [2]feature.Category{feature.Unknown, feature.Unknown},
		MemberCount: len(members),
	}
	if len(members) == 0 {
		return s
	}

	type tally struct {
		count int
		first int
	}
	counts := make(map[feature.Category]*tally)
	var order []feature.Category
	for i, m := range members {
		c := m.Category
		if !c.Valid() {
			c = feature.Unknown
		}
		t, ok := counts[c]
		if !ok {
			t = &tally{first: i}
			counts[c] = t
			order = append(order, c)
		}
		t.count++
	}

	// order is already first-appearance order; a stable pass by count keeps it for ties
	top := [2]feature.Category{order[0], order[0]}
	for _, c := range order[1:] {
		switch {
		case counts[c].count > counts[top[0]].count:
			top[1] = top[0]
			top[0] = c
		case top[1] == top[0] || counts[c].count > counts[top[1]].count:
			top[1] = c
		}
	}

	s.Categories = top
	for slot, c := range top {
		m := members[counts[c].first]
		s.Exemplars[slot] = Exemplar{
			FeatureID:    m.ID,
			Name:         m.Name,
			Category:     c,
			Measurements: m.Measurements,
		}
	}
	return s
}
