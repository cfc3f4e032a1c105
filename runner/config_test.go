package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"web/aqmap/config"
	"web/aqmap/feature"
	"web/aqmap/render"
	"web/aqmap/store"
)

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Map.Style = "node"
	cfg.Map.Pollutant = "pm10"
	cfg.Map.Radii = map[string]float64{"node": 75}
	cfg.Runner.IdleTimeout = "10m"

	locations := store.NewMemoryStore()
	opts, err := OptionsFromConfig(cfg, locations, nil)
	require.NoError(t, err)

	assert.Equal(t, 64, opts.MaxViews)
	assert.Equal(t, 10*time.Minute, opts.IdleTimeout)
	assert.Equal(t, render.StyleNode, opts.View.Render.Style)
	assert.Equal(t, feature.PM10, opts.View.Render.Pollutant)
	assert.Equal(t, 75.0, opts.View.Radii[render.StyleNode])
	assert.InDelta(t, 0.3476, opts.View.Initial.Lat, 1e-9)
	assert.Equal(t, config.DefaultCities, opts.View.Loader.Cities)
	assert.Same(t, locations, opts.View.Store)
	assert.NotNil(t, opts.View.Readings)
	assert.NotNil(t, opts.View.Cities)
}

func TestOptionsFromConfigRejectsUnknownNames(t *testing.T) {
	for name, mutate := range map[string]func(*config.Config){
		"pollutant": func(c *config.Config) { c.Map.Pollutant = "ozone" },
		"style":     func(c *config.Config) { c.Map.Style = "sparkle" },
		"radii":     func(c *config.Config) { c.Map.Radii = map[string]float64{"huge": 200} },
		"viewport":  func(c *config.Config) { c.Map.Lat = 120 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			_, err := OptionsFromConfig(cfg, nil, nil)
			assert.Error(t, err)
		})
	}
}
