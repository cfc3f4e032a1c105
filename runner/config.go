package runner

import (
	"fmt"

	"go.uber.org/zap"

	"web/aqmap/config"
	"web/aqmap/feature"
	"web/aqmap/mapview"
	"web/aqmap/render"
	"web/aqmap/source"
	"web/aqmap/store"
	"web/aqmap/viewport"
)

// OptionsFromConfig builds runner options whose views fetch from the
// configured upstreams and persist viewports in locations.
func OptionsFromConfig(cfg *config.Config, locations store.LocationStore, logger *zap.Logger) (Options, error) {
	renderCfg := render.DefaultConfig()
	if cfg.Map.Pollutant != "" {
		p, ok := feature.ParsePollutant(cfg.Map.Pollutant)
		if !ok {
			return Options{}, fmt.Errorf("map.pollutant: unknown pollutant %q", cfg.Map.Pollutant)
		}
		renderCfg.Pollutant = p
	}
	if cfg.Map.Style != "" {
		s, ok := render.ParseStyle(cfg.Map.Style)
		if !ok {
			return Options{}, fmt.Errorf("map.style: unknown style %q", cfg.Map.Style)
		}
		renderCfg.Style = s
	}
	if cfg.Map.SelectZoom > 0 {
		renderCfg.SelectZoom = cfg.Map.SelectZoom
	}
	if cfg.Map.ZoomStep > 0 {
		renderCfg.ZoomStep = cfg.Map.ZoomStep
	}

	radii := make(map[render.Style]float64, len(cfg.Map.Radii))
	for name, r := range cfg.Map.Radii {
		s, ok := render.ParseStyle(name)
		if !ok {
			return Options{}, fmt.Errorf("map.radii: unknown style %q", name)
		}
		radii[s] = r
	}

	initial := viewport.Viewport{Lat: cfg.Map.Lat, Lng: cfg.Map.Lng, Zoom: cfg.Map.Zoom}
	if !initial.Valid() {
		return Options{}, fmt.Errorf("map: %w: %s", viewport.ErrInvalidViewport, initial)
	}

	client := source.NewClient(source.ClientConfig{
		ReadingsURL:   cfg.Sources.ReadingsURL,
		ReadingsToken: cfg.Sources.ReadingsToken,
		WAQIURL:       cfg.Sources.WAQIURL,
		WAQIToken:     cfg.Sources.WAQIToken,
		Timeout:       cfg.SourceTimeout(),
	})

	return Options{
		MaxViews:        cfg.Runner.MaxViews,
		IdleTimeout:     cfg.IdleTimeout(),
		JanitorInterval: cfg.JanitorInterval(),
		SnapshotDir:     cfg.Runner.SnapshotDir,
		Logger:          logger,
		View: mapview.Options{
			Cluster:  cfg.Cluster,
			Radii:    radii,
			Render:   renderCfg,
			Width:    cfg.Map.Width,
			Height:   cfg.Map.Height,
			Initial:  initial,
			Readings: client,
			Cities:   client,
			Loader: source.LoaderOptions{
				Cities:      cfg.Sources.Cities,
				Concurrency: cfg.Sources.Concurrency,
			},
			Store:          locations,
			PersistTimeout: cfg.PersistTimeout(),
		},
	}, nil
}
