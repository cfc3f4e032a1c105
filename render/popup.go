package render

import (
	"web/aqmap/feature"
)

// Popup is the hover card of a single feature.
type Popup struct {
	Title      string                  `json:"title"`
	Pollutant  string                  `json:"pollutant"`
	Value      string                  `json:"value"`
	Category   feature.Category        `json:"category"`
	Message    string                  `json:"message,omitempty"`
	ObservedAt string                  `json:"observedAt,omitempty"`
	Offset     int                     `json:"offset"`
	Forecast   []feature.ForecastPoint `json:"forecast,omitempty"`
}

var advice = map[feature.Category]string{
	feature.Good:               "Enjoy the day with confidence in the clean air around you.",
	feature.Moderate:           "Today is a great day for an outdoor activity.",
	feature.UnhealthySensitive: "Reduce the intensity of your outdoor activities.",
	feature.Unhealthy:          "Avoid activities that make you breathe more rapidly. Today is the perfect time to spend indoors reading.",
	feature.VeryUnhealthy:      "Reduce the intensity of your outdoor activities. Try to stay indoors until the air quality improves.",
	feature.Hazardous:          "If you have to spend a lot of time outside, disposable masks like the N95 are helpful.",
}

// Advice returns the health message shown for a category, empty for unknown.
func Advice(c feature.Category) string {
	return advice[c]
}

func popupFor(f feature.PointFeature, p feature.Pollutant, style Style) Popup {
	title := f.Name
	if title == "" {
		title = "Unknown Location"
	}
	v, ok := f.Value(p)
	popup := Popup{
		Title:     title,
		Pollutant: p.Label(),
		Value:     formatValue(v, ok),
		Category:  f.Category,
		Message:   Advice(f.Category),
		Offset:    style.PopupOffset(),
		Forecast:  f.Forecast,
	}
	if !f.ObservedAt.IsZero() {
		popup.ObservedAt = f.ObservedAt.Format("January 02, 2006")
	}
	return popup
}
