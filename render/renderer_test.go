package render

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"web/aqmap/cluster"
	"web/aqmap/feature"
)

type flight struct {
	center orb.Point
	zoom   float64
}

// fakeSurface records every call the renderer makes.
type fakeSurface struct {
	ready    bool
	zoom     float64
	markers  map[string]Marker
	handlers map[string]Handlers
	added    []string
	removed  []string
	popups   map[string]Popup
	flights  []flight
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{
		ready:    true,
		zoom:     8,
		markers:  map[string]Marker{},
		handlers: map[string]Handlers{},
		popups:   map[string]Popup{},
	}
}

func (s *fakeSurface) Ready() bool { return s.ready }

func (s *fakeSurface) AddMarker(m Marker, h Handlers) {
	s.markers[m.Key] = m
	s.handlers[m.Key] = h
	s.added = append(s.added, m.Key)
}

func (s *fakeSurface) RemoveMarker(key string) {
	delete(s.markers, key)
	delete(s.handlers, key)
	s.removed = append(s.removed, key)
}

func (s *fakeSurface) ShowPopup(key string, p Popup) { s.popups[key] = p }

func (s *fakeSurface) HidePopup(key string) { delete(s.popups, key) }

func (s *fakeSurface) FlyTo(center orb.Point, zoom float64) {
	s.flights = append(s.flights, flight{center, zoom})
}

func (s *fakeSurface) Bounds() orb.Bound { return orb.Bound{} }

func (s *fakeSurface) Zoom() float64 { return s.zoom }

func (s *fakeSurface) OnSettle(func()) (unsubscribe func()) { return func() {} }

type leafMap map[int][]feature.PointFeature

func (l leafMap) GetLeaves(id int) ([]feature.PointFeature, error) {
	leaves, ok := l[id]
	if !ok {
		return nil, cluster.ErrClusterNotFound
	}
	return leaves, nil
}

func reading(id string, c feature.Category, pm25 float64) feature.PointFeature {
	return feature.PointFeature{
		ID:           id,
		Name:         "Site " + id,
		Coordinates:  orb.Point{32.58, 0.34},
		Category:     c,
		Measurements: map[feature.Pollutant]float64{feature.PM25: pm25},
	}
}

func pointResult(f feature.PointFeature) cluster.Result { return cluster.Result{Point: &f} }

func TestReconcileIsNoopWhenSurfaceNotReady(t *testing.T) {
	s := newFakeSurface()
	s.ready = false
	r := NewRenderer(s, leafMap{}, Config{}, nil)

	require.NoError(t, r.Reconcile([]cluster.Result{pointResult(reading("a", feature.Good, 3))}, 10))
	assert.Empty(t, s.added)
	assert.Empty(t, r.Rendered())

	var nilSurface Surface
	r = NewRenderer(nilSurface, leafMap{}, Config{}, nil)
	assert.NotPanics(t, func() {
		_ = r.Reconcile([]cluster.Result{pointResult(reading("a", feature.Good, 3))}, 10)
		r.Clear()
	})
}

func TestReconcileTearsDownAndRebuilds(t *testing.T) {
	s := newFakeSurface()
	r := NewRenderer(s, leafMap{}, Config{}, nil)

	require.NoError(t, r.Reconcile([]cluster.Result{
		pointResult(reading("a", feature.Good, 3)),
		pointResult(reading("b", feature.Moderate, 20)),
	}, 10))
	assert.Equal(t, []string{"point:a", "point:b"}, r.Rendered())

	require.NoError(t, r.Reconcile([]cluster.Result{pointResult(reading("b", feature.Moderate, 20))}, 10))
	assert.Equal(t, []string{"point:a", "point:b"}, s.removed)
	assert.Equal(t, []string{"point:a", "point:b", "point:b"}, s.added)
	assert.Len(t, s.markers, 1)
	assert.Equal(t, []string{"point:b"}, r.Rendered())
}

func TestPointHoverTogglesPopup(t *testing.T) {
	s := newFakeSurface()
	r := NewRenderer(s, leafMap{}, Config{Style: StyleNode}, nil)
	require.NoError(t, r.Reconcile([]cluster.Result{pointResult(reading("a", feature.Moderate, 20))}, 10))

	s.handlers["point:a"].HoverEnter()
	p, ok := s.popups["point:a"]
	require.True(t, ok)
	assert.Equal(t, "Site a", p.Title)
	assert.Equal(t, "20.00", p.Value)
	assert.Equal(t, "PM2.5", p.Pollutant)
	assert.Equal(t, 35, p.Offset)
	assert.Equal(t, Advice(feature.Moderate), p.Message)

	s.handlers["point:a"].HoverLeave()
	assert.Empty(t, s.popups)
}

func TestPointClickSelectsAndFlies(t *testing.T) {
	s := newFakeSurface()
	r := NewRenderer(s, leafMap{}, Config{}, nil)
	var notified []string
	r.OnSelect(func(f feature.PointFeature) { notified = append(notified, f.ID) })

	a := reading("a", feature.Good, 3)
	a.Coordinates = orb.Point{32.6, 0.31}
	require.NoError(t, r.Reconcile([]cluster.Result{pointResult(a), pointResult(reading("b", feature.Good, 4))}, 10))

	s.handlers["point:a"].Click()
	assert.Equal(t, "a", r.Selected())
	require.Len(t, s.flights, 1)
	assert.Equal(t, flight{orb.Point{32.6, 0.31}, 16}, s.flights[0])

	// selecting the same feature again does nothing
	s.handlers["point:a"].Click()
	assert.Len(t, s.flights, 1)
	assert.Equal(t, []string{"a"}, notified)

	// selecting another one replaces the selection
	s.handlers["point:b"].Click()
	assert.Equal(t, "b", r.Selected())
	assert.Equal(t, []string{"a", "b"}, notified)

	require.NoError(t, r.Reconcile([]cluster.Result{pointResult(a), pointResult(reading("b", feature.Good, 4))}, 16))
	assert.False(t, s.markers["point:a"].Selected)
	assert.True(t, s.markers["point:b"].Selected)
}

func TestClusterMarkerSummaryAndClick(t *testing.T) {
	s := newFakeSurface()
	leaves := leafMap{96: {
		reading("a", feature.Unhealthy, 60),
		reading("b", feature.Moderate, 20),
		reading("c", feature.Unhealthy, 70),
		reading("d", feature.Good, 5),
	}}
	r := NewRenderer(s, leaves, Config{Style: StyleNumber}, nil)
	r.selected = "x"

	c := cluster.Cluster{ID: 96, Coordinates: orb.Point{32.5, 0.3}, MemberCount: 4}
	require.NoError(t, r.Reconcile([]cluster.Result{{Cluster: &c}}, 9))

	m := s.markers["cluster:96"]
	assert.Equal(t, KindCluster, m.Kind)
	assert.Equal(t, feature.Unhealthy, m.Category)
	assert.Equal(t, "2 + ", m.CountLabel)
	assert.Equal(t, "60.00 20.00", m.Label)
	require.NotNil(t, m.Summary)
	assert.Equal(t, [2]feature.Category{feature.Unhealthy, feature.Moderate}, m.Summary.Categories)

	s.handlers["cluster:96"].Click()
	require.Len(t, s.flights, 1)
	assert.Equal(t, flight{orb.Point{32.5, 0.3}, 11}, s.flights[0])
	assert.Equal(t, "x", r.Selected())
}

func TestReconcileFailsOnUnknownCluster(t *testing.T) {
	s := newFakeSurface()
	r := NewRenderer(s, leafMap{}, Config{}, nil)
	require.NoError(t, r.Reconcile([]cluster.Result{pointResult(reading("a", feature.Good, 3))}, 10))

	c := cluster.Cluster{ID: 5, MemberCount: 2}
	err := r.Reconcile([]cluster.Result{{Cluster: &c}}, 10)
	assert.ErrorIs(t, err, cluster.ErrClusterNotFound)
	// the previous markers stay up
	assert.Equal(t, []string{"point:a"}, r.Rendered())
}

func TestStyleLabels(t *testing.T) {
	f := reading("a", feature.Moderate, 20)
	f.Measurements = nil

	s := newFakeSurface()
	r := NewRenderer(s, leafMap{}, Config{Style: StyleNumber}, nil)
	require.NoError(t, r.Reconcile([]cluster.Result{pointResult(f)}, 10))
	assert.Equal(t, "N/A", s.markers["point:a"].Label)

	r.SetStyle(StyleEmoji)
	require.NoError(t, r.Reconcile([]cluster.Result{pointResult(f)}, 10))
	assert.Equal(t, "moderate", s.markers["point:a"].Label)

	r.SetStyle(StyleNode)
	require.NoError(t, r.Reconcile([]cluster.Result{pointResult(f)}, 10))
	assert.Empty(t, s.markers["point:a"].Label)
}

func TestStyleRadiiAndOffsets(t *testing.T) {
	assert.Equal(t, 40.0, StyleEmoji.Radius())
	assert.Equal(t, 60.0, StyleNode.Radius())
	assert.Equal(t, 80.0, StyleNumber.Radius())
	assert.Equal(t, 58, StyleEmoji.PopupOffset())
	assert.Equal(t, 35, StyleNode.PopupOffset())
	assert.Equal(t, 42, StyleNumber.PopupOffset())

	st, ok := ParseStyle(" Number ")
	require.True(t, ok)
	assert.Equal(t, StyleNumber, st)
	_, ok = ParseStyle("heatmap")
	assert.False(t, ok)

	assert.Equal(t, "", countLabel(2))
	assert.Equal(t, "1 + ", countLabel(3))
}
