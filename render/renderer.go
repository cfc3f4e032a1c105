package render

import (
	"fmt"

	"go.uber.org/zap"

	"web/aqmap/cluster"
	"web/aqmap/feature"
	"web/aqmap/summary"
)

type Config struct {
	Style      Style
	Pollutant  feature.Pollutant
	SelectZoom float64 // zoom used when flying to a selected feature
	ZoomStep   float64 // zoom increment when a cluster is clicked
}

func DefaultConfig() Config {
	return Config{
		Style:      StyleEmoji,
		Pollutant:  feature.PM25,
		SelectZoom: 16,
		ZoomStep:   2,
	}
}

// Renderer reconciles the markers on a surface with index results. It is not
// safe for concurrent use; the owning view serializes calls.
type Renderer struct {
	surface  Surface
	leaves   summary.Expander
	cfg      Config
	logger   *zap.Logger
	selected string
	onSelect func(feature.PointFeature)
	rendered []string
}

func NewRenderer(surface Surface, leaves summary.Expander, cfg Config, logger *zap.Logger) *Renderer {
	def := DefaultConfig()
	if cfg.Style == "" {
		cfg.Style = def.Style
	}
	if cfg.Pollutant == "" {
		cfg.Pollutant = def.Pollutant
	}
	if cfg.SelectZoom <= 0 {
		cfg.SelectZoom = def.SelectZoom
	}
	if cfg.ZoomStep <= 0 {
		cfg.ZoomStep = def.ZoomStep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{surface: surface, leaves: leaves, cfg: cfg, logger: logger}
}

func (r *Renderer) Config() Config { return r.cfg }

func (r *Renderer) SetStyle(s Style) { r.cfg.Style = s }

func (r *Renderer) SetPollutant(p feature.Pollutant) { r.cfg.Pollutant = p }

// OnSelect registers the callback run when a point is selected.
func (r *Renderer) OnSelect(fn func(feature.PointFeature)) { r.onSelect = fn }

// Selected returns the id of the selected feature, empty if none.
func (r *Renderer) Selected() string { return r.selected }

// Deselect clears the selection without moving the map.
func (r *Renderer) Deselect() { r.selected = "" }

// Rendered returns the keys of the markers currently on the surface.
func (r *Renderer) Rendered() []string {
	out := make([]string, len(r.rendered))
	copy(out, r.rendered)
	return out
}

func (r *Renderer) available() bool {
	return r.surface != nil && r.surface.Ready()
}

// Reconcile replaces every marker on the surface with one marker per result.
// It does nothing while the surface is unavailable.
func (r *Renderer) Reconcile(results []cluster.Result, zoom float64) error {
	if !r.available() {
		r.logger.Debug("surface not ready, skipping reconcile")
		return nil
	}

	markers := make([]Marker, 0, len(results))
	handlers := make([]Handlers, 0, len(results))
	for _, res := range results {
		switch {
		case res.Cluster != nil:
			m, h, err := r.clusterMarker(*res.Cluster, zoom)
			if err != nil {
				return err
			}
			markers = append(markers, m)
			handlers = append(handlers, h)
		case res.Point != nil:
			m, h := r.pointMarker(*res.Point)
			markers = append(markers, m)
			handlers = append(handlers, h)
		}
	}

	r.Clear()
	for i, m := range markers {
		r.surface.AddMarker(m, handlers[i])
		r.rendered = append(r.rendered, m.Key)
	}
	return nil
}

// Clear removes every marker this renderer added.
func (r *Renderer) Clear() {
	if r.surface != nil {
		for _, key := range r.rendered {
			r.surface.RemoveMarker(key)
		}
	}
	r.rendered = r.rendered[:0]
}

func (r *Renderer) pointMarker(f feature.PointFeature) (Marker, Handlers) {
	key := PointKey(f.ID)
	popup := popupFor(f, r.cfg.Pollutant, r.cfg.Style)

	m := Marker{
		Key:       key,
		Kind:      KindPoint,
		Style:     r.cfg.Style,
		Position:  f.Coordinates,
		Category:  f.Category,
		Selected:  f.ID == r.selected,
		FeatureID: f.ID,
		Count:     1,
		Popup:     &popup,
	}
	switch r.cfg.Style {
	case StyleNumber:
		m.Label = formatValue(f.Value(r.cfg.Pollutant))
	case StyleEmoji:
		m.Label = string(f.Category)
	}

	surface := r.surface
	h := Handlers{
		HoverEnter: func() { surface.ShowPopup(key, popup) },
		HoverLeave: func() { surface.HidePopup(key) },
		Click:      func() { r.selectFeature(f) },
	}
	return m, h
}

func (r *Renderer) selectFeature(f feature.PointFeature) {
	if r.selected == f.ID {
		return
	}
	r.selected = f.ID
	if r.onSelect != nil {
		r.onSelect(f)
	}
	if r.available() {
		r.surface.FlyTo(f.Coordinates, r.cfg.SelectZoom)
	}
}

func (r *Renderer) clusterMarker(c cluster.Cluster, zoom float64) (Marker, Handlers, error) {
	members, err := r.leaves.GetLeaves(c.ID)
	if err != nil {
		return Marker{}, Handlers{}, fmt.Errorf("summarize cluster %d: %w", c.ID, err)
	}
	s := summary.Summarize(members)

	m := Marker{
		Key:        ClusterKey(c.ID),
		Kind:       KindCluster,
		Style:      r.cfg.Style,
		Position:   c.Coordinates,
		Category:   s.Categories[0],
		ClusterID:  c.ID,
		Count:      c.MemberCount,
		CountLabel: countLabel(c.MemberCount),
		Summary:    &s,
	}
	if r.cfg.Style == StyleNumber {
		first := formatValue(s.Exemplars[0].Value(r.cfg.Pollutant))
		second := formatValue(s.Exemplars[1].Value(r.cfg.Pollutant))
		m.Label = first + " " + second
	}

	center := c.Coordinates
	target := zoom + r.cfg.ZoomStep
	h := Handlers{
		Click: func() {
			if r.available() {
				r.surface.FlyTo(center, target)
			}
		},
	}
	return m, h, nil
}
