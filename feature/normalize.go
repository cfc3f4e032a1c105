package feature

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// Number is a lenient JSON number. Strings holding a number are accepted;
// null, non-numeric and non-finite values leave Valid false instead of
// failing the whole record.
type Number struct {
	Value float64
	Valid bool
}

func (n *Number) UnmarshalJSON(b []byte) error {
	*n = Number{}
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	n.Value, n.Valid = f, true
	return nil
}

// Timestamp holds the raw text of a time field sent either as a string or as
// an epoch number. Any other shape decodes to empty.
type Timestamp string

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	*t = ""
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	switch x := v.(type) {
	case string:
		*t = Timestamp(x)
	case float64:
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			*t = Timestamp(strconv.FormatFloat(x, 'f', -1, 64))
		}
	}
	return nil
}

// Reading is a record from the first-party measurements endpoint.
type Reading struct {
	SiteDetails *SiteDetails `json:"siteDetails"`
	PM25        *Measurement `json:"pm2_5"`
	PM10        *Measurement `json:"pm10"`
	NO2         *Measurement `json:"no2"`
	Time        Timestamp    `json:"time"`
}

// SiteDetails locates a first-party reading. Coordinates are lon/lat fields.
type SiteDetails struct {
	ID                   string `json:"_id"`
	Name                 string `json:"name"`
	ApproximateLongitude Number `json:"approximate_longitude"`
	ApproximateLatitude  Number `json:"approximate_latitude"`
}

// Measurement wraps a single first-party pollutant value.
type Measurement struct {
	Value Number `json:"value"`
}

func (r Reading) measurement(p Pollutant) *Measurement {
	switch p {
	case PM25:
		return r.PM25
	case PM10:
		return r.PM10
	case NO2:
		return r.NO2
	}
	return nil
}

// CityReading is the third-party index record for one city. Its geo pair is
// ordered lat, lon.
type CityReading struct {
	Idx  json.Number `json:"idx"`
	City struct {
		Name string   `json:"name"`
		Geo  []Number `json:"geo"`
	} `json:"city"`
	IAQI map[string]struct {
		V Number `json:"v"`
	} `json:"iaqi"`
	Time struct {
		ISO Timestamp `json:"iso"`
		S   Timestamp `json:"s"`
	} `json:"time"`
	Forecast struct {
		Daily map[string][]struct {
			Avg Number `json:"avg"`
			Day string `json:"day"`
		} `json:"daily"`
	} `json:"forecast"`
}

// Normalize decodes raw according to kind and converts it. ok=false means the
// record cannot be placed on the map and must be dropped.
func Normalize(raw json.RawMessage, kind SourceKind, p Pollutant) (PointFeature, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return PointFeature{}, false
	}
	switch kind {
	case SourceReadings:
		var r Reading
		if err := json.Unmarshal(raw, &r); err != nil {
			return PointFeature{}, false
		}
		return FromReading(r, p)
	case SourceWAQI:
		var c CityReading
		if err := json.Unmarshal(raw, &c); err != nil {
			return PointFeature{}, false
		}
		return FromCity(c, p)
	}
	return PointFeature{}, false
}

// FromReading converts a first-party record.
func FromReading(r Reading, p Pollutant) (PointFeature, bool) {
	site := r.SiteDetails
	if site == nil || site.ID == "" {
		return PointFeature{}, false
	}
	lon, lat := site.ApproximateLongitude, site.ApproximateLatitude
	if !lon.Valid || !lat.Valid || !ValidCoordinates(lon.Value, lat.Value) {
		return PointFeature{}, false
	}
	selected := r.measurement(p)
	if selected == nil {
		return PointFeature{}, false
	}

	measurements := make(map[Pollutant]float64, 3)
	for _, pol := range Pollutants {
		if m := r.measurement(pol); m != nil && m.Value.Valid {
			measurements[pol] = m.Value.Value
		}
	}

	return PointFeature{
		ID:           site.ID,
		Name:         site.Name,
		Source:       SourceReadings,
		Coordinates:  orb.Point{lon.Value, lat.Value},
		Category:     Categorize(p, selected.Value.Value, selected.Value.Valid),
		Measurements: measurements,
		ObservedAt:   parseTime(string(r.Time)),
	}, true
}

// FromCity converts a third-party index record.
func FromCity(c CityReading, p Pollutant) (PointFeature, bool) {
	if c.Idx == "" || c.City.Name == "" || len(c.City.Geo) < 2 {
		return PointFeature{}, false
	}
	lat, lon := c.City.Geo[0], c.City.Geo[1]
	if !lat.Valid || !lon.Valid || !ValidCoordinates(lon.Value, lat.Value) {
		return PointFeature{}, false
	}
	selected, ok := c.IAQI[p.waqiKey()]
	if !ok {
		return PointFeature{}, false
	}

	measurements := make(map[Pollutant]float64, 3)
	for _, pol := range Pollutants {
		if v, ok := c.IAQI[pol.waqiKey()]; ok && v.V.Valid {
			measurements[pol] = v.V.Value
		}
	}

	var forecast []ForecastPoint
	for _, day := range c.Forecast.Daily[p.waqiKey()] {
		if !day.Avg.Valid {
			continue
		}
		forecast = append(forecast, ForecastPoint{Value: day.Avg.Value, Day: day.Day})
	}

	observed := parseTime(string(c.Time.ISO))
	if observed.IsZero() {
		observed = parseTime(string(c.Time.S))
	}

	return PointFeature{
		ID:           "waqi-" + c.Idx.String(),
		Name:         c.City.Name,
		Source:       SourceWAQI,
		Coordinates:  orb.Point{lon.Value, lat.Value},
		Category:     Categorize(p, selected.V.Value, selected.V.Valid),
		Measurements: measurements,
		ObservedAt:   observed,
		Forecast:     forecast,
	}, true
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// parseTime accepts ISO 8601 strings and epoch seconds or milliseconds.
// Unparseable input yields the zero time; it is display-only.
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC()
		}
		return time.Unix(n, 0).UTC()
	}
	return time.Time{}
}
