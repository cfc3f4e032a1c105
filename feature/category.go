package feature

import (
	"math"
	"strings"
)

// Category is the air quality band a reading falls into.
type Category string

const (
	Good               Category = "good"
	Moderate           Category = "moderate"
	UnhealthySensitive Category = "unhealthy-for-sensitive-groups"
	Unhealthy          Category = "unhealthy"
	VeryUnhealthy      Category = "very-unhealthy"
	Hazardous          Category = "hazardous"
	Unknown            Category = "unknown"
)

// Categories lists every category from cleanest to worst, with Unknown last.
var Categories = []Category{Good, Moderate, UnhealthySensitive, Unhealthy, VeryUnhealthy, Hazardous, Unknown}

// Valid reports whether c is one of the fixed categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Pollutant identifies which measurement drives a feature's category.
type Pollutant string

const (
	PM25 Pollutant = "pm2_5"
	PM10 Pollutant = "pm10"
	NO2  Pollutant = "no2"
)

// Pollutants lists the supported pollutants.
var Pollutants = []Pollutant{PM25, PM10, NO2}

// ParsePollutant accepts the common spellings of a pollutant key.
func ParsePollutant(s string) (Pollutant, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pm2_5", "pm25", "pm2.5":
		return PM25, true
	case "pm10":
		return PM10, true
	case "no2":
		return NO2, true
	}
	return "", false
}

// Label is the display name used in popups.
func (p Pollutant) Label() string {
	switch p {
	case PM25:
		return "PM2.5"
	case PM10:
		return "PM10"
	case NO2:
		return "NO2"
	}
	return string(p)
}

// waqiKey is the key the third-party index uses for the pollutant.
func (p Pollutant) waqiKey() string {
	if p == PM25 {
		return "pm25"
	}
	return string(p)
}

// Breakpoint is the inclusive lower bound of a category.
type Breakpoint struct {
	Limit    float64
	Category Category
}

// Breakpoints holds the published concentration tables (µg/m³), ascending.
// The last entry marks the top of the scale; anything at or above it is Unknown.
var Breakpoints = map[Pollutant][]Breakpoint{
	PM25: {
		{0.0, Good},
		{12.1, Moderate},
		{35.5, UnhealthySensitive},
		{55.5, Unhealthy},
		{150.5, VeryUnhealthy},
		{250.5, Hazardous},
		{500.5, Unknown},
	},
	PM10: {
		{0.0, Good},
		{54.1, Moderate},
		{154.1, UnhealthySensitive},
		{254.1, Unhealthy},
		{354.1, VeryUnhealthy},
		{424.1, Hazardous},
		{604.1, Unknown},
	},
	NO2: {
		{0.0, Good},
		{53.1, Moderate},
		{100.1, UnhealthySensitive},
		{360.1, Unhealthy},
		{649.1, VeryUnhealthy},
		{1249.1, Hazardous},
		{2049.1, Unknown},
	},
}

// Categorize maps a concentration to its category. ok=false means the value
// was not recorded.
func Categorize(p Pollutant, value float64, ok bool) Category {
	table, known := Breakpoints[p]
	if !known || !ok || math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return Unknown
	}
	for i := len(table) - 1; i >= 0; i-- {
		if value >= table[i].Limit {
			return table[i].Category
		}
	}
	return Unknown
}
