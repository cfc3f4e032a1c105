// Package mapview wires one map: its spatial index, rendering surface,
// renderer, viewport controller and fetch loader. Views share nothing.
package mapview

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"web/aqmap/cluster"
	"web/aqmap/feature"
	"web/aqmap/render"
	"web/aqmap/source"
	"web/aqmap/store"
	"web/aqmap/summary"
	"web/aqmap/viewport"
)

var (
	ErrClosed = errors.New("view closed")
	// ErrSuperseded is returned by a waiting Fetch whose request was replaced
	// by a newer one before it completed.
	ErrSuperseded = errors.New("fetch superseded")
)

type Options struct {
	ID      string
	Cluster cluster.SuperclusterOptions
	// Radii overrides the clustering radius of a marker style.
	Radii  map[render.Style]float64
	Render render.Config
	Width  int
	Height int
	// Initial is the first viewport shown.
	Initial viewport.Viewport

	Readings source.ReadingsFetcher
	Cities   source.CityFetcher
	Loader   source.LoaderOptions

	// Store receives the viewport after every settle, under StoreKey.
	Store          store.LocationStore
	StoreKey       string
	PersistTimeout time.Duration

	Logger *zap.Logger
}

// State is a point-in-time description of a view.
type State struct {
	ID         string                `json:"id"`
	Viewport   viewport.Viewport     `json:"viewport"`
	Bounds     orb.Bound             `json:"bounds"`
	Controller string                `json:"controller"`
	Pollutant  feature.Pollutant     `json:"pollutant"`
	Style      render.Style          `json:"style"`
	Selected   *feature.PointFeature `json:"selected,omitempty"`
	Loading    source.Status         `json:"loading"`
	Features   int                   `json:"features"`
	Passes     int                   `json:"passes"`
	LoadedAt   time.Time             `json:"loadedAt"`
	Markers    []render.Marker       `json:"markers"`
}

type View struct {
	id     string
	opts   Options
	logger *zap.Logger

	index      indexRef
	canvas     *render.Canvas
	renderer   *render.Renderer
	controller *viewport.Controller
	loader     *source.Loader

	mu       sync.Mutex
	closed   bool
	batches  map[feature.SourceKind][]feature.PointFeature
	static   []feature.PointFeature
	selected *feature.PointFeature
	loadedAt time.Time

	fetches sync.WaitGroup
}

// New builds a view and subscribes it to its surface. The index starts empty;
// call Fetch or LoadFeatures to fill it.
func New(opts Options) *View {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StoreKey == "" {
		opts.StoreKey = opts.ID
	}
	def := render.DefaultConfig()
	if opts.Render.Style == "" {
		opts.Render.Style = def.Style
	}
	if opts.Render.Pollutant == "" {
		opts.Render.Pollutant = def.Pollutant
	}
	if !opts.Initial.Valid() {
		opts.Initial = viewport.Viewport{}
	}

	logger := opts.Logger.With(zap.String("view", opts.ID))
	v := &View{
		id:      opts.ID,
		opts:    opts,
		logger:  logger,
		batches: make(map[feature.SourceKind][]feature.PointFeature),
	}
	v.index.set(v.newIndex(opts.Render.Style))

	v.canvas = render.NewCanvas(opts.Width, opts.Height, opts.Initial.Center(), opts.Initial.Zoom)
	v.renderer = render.NewRenderer(v.canvas, &v.index, opts.Render, logger)
	// runs under v.mu: clicks only arrive through Click
	v.renderer.OnSelect(func(f feature.PointFeature) { v.selected = &f })
	v.controller = viewport.NewController(v.canvas, &v.index, v.renderer, viewport.Options{
		Key:            opts.StoreKey,
		Store:          opts.Store,
		PersistTimeout: opts.PersistTimeout,
		Logger:         logger,
	})
	loaderOpts := opts.Loader
	loaderOpts.Logger = logger
	v.loader = source.NewLoader(opts.Readings, opts.Cities, loaderOpts)

	v.controller.Start()
	return v
}

func (v *View) ID() string { return v.id }

func (v *View) radius(s render.Style) float64 {
	if r, ok := v.opts.Radii[s]; ok && r > 0 {
		return r
	}
	return s.Radius()
}

func (v *View) newIndex(s render.Style) *cluster.Supercluster {
	opts := v.opts.Cluster
	opts.Radius = v.radius(s)
	sc := cluster.NewSupercluster(opts)
	sc.Logger = v.logger
	return sc
}

// Fetch requests fresh data from both sources, superseding any request in
// flight. With wait set it blocks until every batch of this request was
// applied, ctx is done, or a newer request replaced it.
func (v *View) Fetch(ctx context.Context, wait bool) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	done := v.fetchLocked()
	v.mu.Unlock()

	if !wait {
		return nil
	}
	select {
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			v.mu.Lock()
			closed := v.closed
			v.mu.Unlock()
			if closed {
				return ErrClosed
			}
			return ErrSuperseded
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fetchLocked starts a new generation for the current pollutant. Callers hold
// v.mu, so no batch of the previous generation can land after it returns.
func (v *View) fetchLocked() <-chan error {
	p := v.renderer.Config().Pollutant
	runCtx, gen := v.loader.Begin(context.Background())
	v.fetches.Add(1)

	done := make(chan error, 1)
	go func() {
		defer v.fetches.Done()
		done <- v.loader.Run(runCtx, gen, p, v)
	}()
	return done
}

// Apply replaces the features of one source and re-renders. Batches from a
// superseded request are ignored.
func (v *View) Apply(gen uint64, kind feature.SourceKind, features []feature.PointFeature) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed || !v.loader.Current(gen) {
		return
	}
	v.batches[kind] = features
	v.reload()
}

// LoadFeatures sets a static feature set shown alongside fetched data.
func (v *View) LoadFeatures(features []feature.PointFeature) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	v.static = append([]feature.PointFeature(nil), features...)
	v.reload()
	return nil
}

func (v *View) combined() []feature.PointFeature {
	out := make([]feature.PointFeature, 0,
		len(v.static)+len(v.batches[feature.SourceReadings])+len(v.batches[feature.SourceWAQI]))
	out = append(out, v.static...)
	out = append(out, v.batches[feature.SourceReadings]...)
	out = append(out, v.batches[feature.SourceWAQI]...)
	return feature.Dedupe(out)
}

// reload rebuilds the index from every known feature and re-renders. Callers
// hold v.mu.
func (v *View) reload() {
	v.index.get().Load(v.combined())
	v.loadedAt = time.Now()
	if err := v.controller.Refresh(); err != nil {
		v.logger.Error("error updating clusters", zap.Error(err))
	}
}

// Move settles the map at center and zoom, as a user pan or zoom would.
func (v *View) Move(center orb.Point, zoom float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	v.controller.MoveStart()
	v.canvas.SetView(center, zoom)
	return nil
}

// Hover shows (enter) or hides the popup of the marker with key.
func (v *View) Hover(key string, enter bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	ev := render.EventHoverLeave
	if enter {
		ev = render.EventHoverEnter
	}
	return v.canvas.Dispatch(key, ev)
}

// Click clicks the marker with key: points get selected, clusters zoom in.
func (v *View) Click(key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	return v.canvas.Dispatch(key, render.EventClick)
}

// SetPollutant switches the pollutant that drives categories. The request in
// flight is superseded before known features are recategorized, and a fresh
// fetch replaces them.
func (v *View) SetPollutant(ctx context.Context, p feature.Pollutant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	if v.renderer.Config().Pollutant == p {
		v.mu.Unlock()
		return nil
	}
	v.renderer.SetPollutant(p)
	v.fetchLocked()
	recategorize(v.static, p)
	for _, fs := range v.batches {
		recategorize(fs, p)
	}
	v.reload()
	v.mu.Unlock()
	return nil
}

func recategorize(fs []feature.PointFeature, p feature.Pollutant) {
	for i := range fs {
		value, ok := fs[i].Value(p)
		fs[i].Category = feature.Categorize(p, value, ok)
	}
}

// SetStyle switches the marker style and rebuilds the index with the
// clustering radius of that style.
func (v *View) SetStyle(s render.Style) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	if v.renderer.Config().Style == s {
		return nil
	}
	v.renderer.SetStyle(s)
	v.index.set(v.newIndex(s))
	v.reload()
	return nil
}

// Leaves returns a page of the members of a cluster. limit <= 0 returns all.
func (v *View) Leaves(clusterID, limit, offset int) ([]feature.PointFeature, error) {
	return v.index.get().GetLeavesPage(clusterID, limit, offset)
}

// ExpansionZoom is the zoom at which a cluster splits.
func (v *View) ExpansionZoom(clusterID int) (int, error) {
	return v.index.get().GetClusterExpansionZoom(clusterID)
}

// Summary describes what is currently visible.
func (v *View) Summary() (summary.ViewportStats, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return summary.ViewportStats{}, ErrClosed
	}
	bounds := v.canvas.Bounds()
	zoom := int(math.Floor(v.canvas.Zoom()))

	// ids resolve against the build they came from; reloads wait on v.mu
	sc := v.index.get()
	return summary.Viewport(sc.GetClusters(bounds, zoom), sc)
}

func (v *View) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()

	center := v.canvas.Center()
	cfg := v.renderer.Config()
	s := State{
		ID:         v.id,
		Viewport:   viewport.Viewport{Lat: center.Lat(), Lng: center.Lon(), Zoom: v.canvas.Zoom()},
		Bounds:     v.canvas.Bounds(),
		Controller: v.controller.State().String(),
		Pollutant:  cfg.Pollutant,
		Style:      cfg.Style,
		Loading:    v.loader.Status(),
		Features:   v.index.get().Len(),
		Passes:     v.controller.Passes(),
		LoadedAt:   v.loadedAt,
		Markers:    v.canvas.Markers(),
	}
	if v.selected != nil {
		sel := *v.selected
		s.Selected = &sel
	}
	return s
}

// GeoJSON renders the markers on the surface.
func (v *View) GeoJSON() *geojson.FeatureCollection {
	return v.canvas.GeoJSON()
}

// Features returns every feature in the index.
func (v *View) Features() []feature.PointFeature {
	return v.index.get().Features()
}

// Index returns the current spatial index.
func (v *View) Index() *cluster.Supercluster {
	return v.index.get()
}

// Close cancels fetches, removes every marker, deregisters the settle
// listener and waits for background work. It is safe to call more than once.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.loader.Close()
	v.controller.Close()
	v.mu.Unlock()

	v.fetches.Wait()
	v.index.get().Reset()
	v.logger.Debug("view closed")
}
