package feature

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readingJSON(t *testing.T, lon, lat interface{}, pm25 interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"siteDetails": map[string]interface{}{
			"_id":                   "site-1",
			"name":                  "Makerere",
			"approximate_longitude": lon,
			"approximate_latitude":  lat,
		},
		"pm2_5": map[string]interface{}{"value": pm25},
		"pm10":  map[string]interface{}{"value": 40.5},
		"no2":   map[string]interface{}{"value": 12.0},
		"time":  "2024-05-01T10:00:00.000Z",
	})
	require.NoError(t, err)
	return raw
}

func TestCategorizeBreakpointBoundaries(t *testing.T) {
	cases := []struct {
		pollutant Pollutant
		value     float64
		want      Category
	}{
		{PM25, 0, Good},
		{PM25, 12.0, Good},
		{PM25, 12.1, Moderate},
		{PM25, 35.5, UnhealthySensitive},
		{PM25, 55.4, UnhealthySensitive},
		{PM25, 55.5, Unhealthy},
		{PM25, 150.5, VeryUnhealthy},
		{PM25, 250.5, Hazardous},
		{PM25, 500.5, Unknown},
		{PM10, 54.0, Good},
		{PM10, 54.1, Moderate},
		{PM10, 424.1, Hazardous},
		{NO2, 53.1, Moderate},
		{NO2, 100.1, UnhealthySensitive},
		{NO2, 2049.1, Unknown},
	}
	for _, tc := range cases {
		got := Categorize(tc.pollutant, tc.value, true)
		assert.Equalf(t, tc.want, got, "%s=%v", tc.pollutant, tc.value)
	}
}

func TestCategorizeMissingValues(t *testing.T) {
	assert.Equal(t, Unknown, Categorize(PM25, 0, false))
	assert.Equal(t, Unknown, Categorize(PM25, math.NaN(), true))
	assert.Equal(t, Unknown, Categorize(PM25, math.Inf(1), true))
	assert.Equal(t, Unknown, Categorize(PM25, -1, true))
	assert.Equal(t, Unknown, Categorize(Pollutant("o3"), 10, true))
}

func TestNormalizeReading(t *testing.T) {
	f, ok := Normalize(readingJSON(t, 32.5825, 0.3476, 20.0), SourceReadings, PM25)
	require.True(t, ok)

	assert.Equal(t, "site-1", f.ID)
	assert.Equal(t, "Makerere", f.Name)
	assert.Equal(t, SourceReadings, f.Source)
	assert.Equal(t, Moderate, f.Category)
	assert.Equal(t, 32.5825, f.Coordinates.Lon())
	assert.Equal(t, 0.3476, f.Coordinates.Lat())
	assert.Equal(t, 20.0, f.Measurements[PM25])
	assert.Equal(t, 40.5, f.Measurements[PM10])
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), f.ObservedAt)
	assert.Nil(t, f.Forecast)
}

func TestNormalizeReadingCategoryFollowsSelectedPollutant(t *testing.T) {
	f, ok := Normalize(readingJSON(t, 32.5, 0.3, 20.0), SourceReadings, PM10)
	require.True(t, ok)
	assert.Equal(t, Good, f.Category)
}

func TestNormalizeReadingNonNumericValueIsUnknown(t *testing.T) {
	f, ok := Normalize(readingJSON(t, 32.5, 0.3, "n/a"), SourceReadings, PM25)
	require.True(t, ok)
	assert.Equal(t, Unknown, f.Category)
	_, recorded := f.Value(PM25)
	assert.False(t, recorded)

	f, ok = Normalize(readingJSON(t, 32.5, 0.3, nil), SourceReadings, PM25)
	require.True(t, ok)
	assert.Equal(t, Unknown, f.Category)
}

func TestNormalizeReadingRejectsBadCoordinates(t *testing.T) {
	bad := []struct {
		name     string
		lon, lat interface{}
	}{
		{"missing lon", nil, 0.3},
		{"missing lat", 32.5, nil},
		{"text", "east", 0.3},
		{"lat out of range", 32.5, 91.0},
		{"lon out of range", 181.0, 0.3},
	}
	for _, tc := range bad {
		_, ok := Normalize(readingJSON(t, tc.lon, tc.lat, 10.0), SourceReadings, PM25)
		assert.Falsef(t, ok, tc.name)
	}
}

func TestNormalizeReadingRequiresSiteAndSelectedPollutant(t *testing.T) {
	_, ok := Normalize(json.RawMessage(`{"pm2_5":{"value":3}}`), SourceReadings, PM25)
	assert.False(t, ok)

	raw := json.RawMessage(`{"siteDetails":{"_id":"a","approximate_longitude":1,"approximate_latitude":2},"pm10":{"value":3}}`)
	_, ok = Normalize(raw, SourceReadings, PM25)
	assert.False(t, ok)

	f, ok := Normalize(raw, SourceReadings, PM10)
	require.True(t, ok)
	assert.Equal(t, Good, f.Category)
}

func TestNormalizeMalformedInput(t *testing.T) {
	for _, raw := range []string{"", "null", "[]", "{", `"text"`} {
		_, ok := Normalize(json.RawMessage(raw), SourceReadings, PM25)
		assert.Falsef(t, ok, "%q", raw)
		_, ok = Normalize(json.RawMessage(raw), SourceWAQI, PM25)
		assert.Falsef(t, ok, "%q", raw)
	}
	_, ok := Normalize(readingJSON(t, 1, 1, 1), SourceKind("other"), PM25)
	assert.False(t, ok)
}

const kampalaCity = `{
	"idx": 8675,
	"city": {"name": "Kampala US Embassy", "geo": [0.3001, 32.5918]},
	"iaqi": {"pm25": {"v": 151}, "pm10": {"v": 60}, "no2": {"v": "x"}},
	"time": {"iso": "2024-05-01T13:00:00+03:00"},
	"forecast": {"daily": {"pm25": [
		{"avg": 140, "day": "2024-05-01"},
		{"avg": 120, "day": "2024-05-02"}
	]}}
}`

// The third-party geo pair is lat, lon; the feature must hold lon, lat.
func TestNormalizeCityCoordinateOrder(t *testing.T) {
	f, ok := Normalize(json.RawMessage(kampalaCity), SourceWAQI, PM25)
	require.True(t, ok)

	assert.Equal(t, 32.5918, f.Coordinates.Lon())
	assert.Equal(t, 0.3001, f.Coordinates.Lat())
	assert.Equal(t, 32.5918, f.Coordinates[0])
}

func TestNormalizeCity(t *testing.T) {
	f, ok := Normalize(json.RawMessage(kampalaCity), SourceWAQI, PM25)
	require.True(t, ok)

	assert.Equal(t, "waqi-8675", f.ID)
	assert.Equal(t, "Kampala US Embassy", f.Name)
	assert.Equal(t, SourceWAQI, f.Source)
	assert.Equal(t, VeryUnhealthy, f.Category)
	assert.Equal(t, 60.0, f.Measurements[PM10])
	_, hasNO2 := f.Measurements[NO2]
	assert.False(t, hasNO2)
	assert.Equal(t, []ForecastPoint{{140, "2024-05-01"}, {120, "2024-05-02"}}, f.Forecast)
	assert.True(t, f.ObservedAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
}

func TestNormalizeCityRejects(t *testing.T) {
	noGeo := `{"idx": 1, "city": {"name": "x"}, "iaqi": {"pm25": {"v": 3}}}`
	_, ok := Normalize(json.RawMessage(noGeo), SourceWAQI, PM25)
	assert.False(t, ok)

	noPollutant := `{"idx": 1, "city": {"name": "x", "geo": [1, 2]}, "iaqi": {"pm10": {"v": 3}}}`
	_, ok = Normalize(json.RawMessage(noPollutant), SourceWAQI, PM25)
	assert.False(t, ok)

	noCity := `{"idx": 1, "iaqi": {"pm25": {"v": 3}}}`
	_, ok = Normalize(json.RawMessage(noCity), SourceWAQI, PM25)
	assert.False(t, ok)
}

func TestParsePollutant(t *testing.T) {
	for in, want := range map[string]Pollutant{"pm2_5": PM25, "PM25": PM25, "pm2.5": PM25, "pm10": PM10, " no2 ": NO2} {
		got, ok := ParsePollutant(in)
		require.Truef(t, ok, in)
		assert.Equal(t, want, got)
	}
	_, ok := ParsePollutant("o3")
	assert.False(t, ok)
}

func TestDedupeKeepsFirst(t *testing.T) {
	in := []PointFeature{{ID: "a", Name: "first"}, {ID: "b"}, {ID: "a", Name: "second"}}
	out := Dedupe(in)
	require.Len(t, out, 2)
	assert.Equal(t, "first", out[0].Name)
	assert.Equal(t, "b", out[1].ID)
}

func TestParseTimeEpoch(t *testing.T) {
	assert.Equal(t, time.Unix(1714557600, 0).UTC(), parseTime("1714557600"))
	assert.Equal(t, time.UnixMilli(1714557600123).UTC(), parseTime("1714557600123"))
	assert.True(t, parseTime("yesterday").IsZero())
}

func TestNormalizeReadingAcceptsEpochTime(t *testing.T) {
	const site = `{"siteDetails":{"_id":"a","approximate_longitude":32.58,"approximate_latitude":0.34},"pm2_5":{"value":20}`
	want := time.UnixMilli(1714557600000).UTC()

	for _, tm := range []string{`"1714557600000"`, `1714557600000`} {
		f, ok := Normalize(json.RawMessage(site+`,"time":`+tm+`}`), SourceReadings, PM25)
		require.Truef(t, ok, "time %s", tm)
		assert.Equal(t, want, f.ObservedAt)
		assert.Equal(t, Moderate, f.Category)
	}

	for _, tm := range []string{`true`, `{"at":1}`, `[1]`, `null`} {
		f, ok := Normalize(json.RawMessage(site+`,"time":`+tm+`}`), SourceReadings, PM25)
		require.Truef(t, ok, "time %s", tm)
		assert.True(t, f.ObservedAt.IsZero())
	}
}

func TestNormalizeCityAcceptsEpochTime(t *testing.T) {
	raw := json.RawMessage(`{"idx":8,"city":{"name":"Kampala","geo":[0.34,32.58]},"iaqi":{"pm25":{"v":20}},"time":{"s":1714557600}}`)
	f, ok := Normalize(raw, SourceWAQI, PM25)
	require.True(t, ok)
	assert.Equal(t, time.Unix(1714557600, 0).UTC(), f.ObservedAt)
}
