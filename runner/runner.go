// Package runner keeps a bounded set of live map views and serves them in
// process or over gRPC.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"web/aqmap/cluster"
	"web/aqmap/feature"
	"web/aqmap/mapview"
	"web/aqmap/render"
	"web/aqmap/viewport"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrViewNotFound    = fmt.Errorf("view %w", ErrNotFound)
	ErrInvalidArgument = errors.New("invalid argument")
)

// Service is the set of operations on live views. Runner serves it in process
// and Client forwards it to a remote runner.
type Service interface {
	CreateView(ctx context.Context, req CreateViewRequest) (ViewInfo, error)
	GetView(ctx context.Context, req IDRequest) (ViewInfo, error)
	ListViews(ctx context.Context, req Empty) (ListViewsResponse, error)
	CloseView(ctx context.Context, req IDRequest) (Empty, error)
	MoveView(ctx context.Context, req MoveRequest) (ViewInfo, error)
	Interact(ctx context.Context, req InteractRequest) (ViewInfo, error)
	Configure(ctx context.Context, req ConfigureRequest) (ViewInfo, error)
	Refresh(ctx context.Context, req RefreshRequest) (ViewInfo, error)
	Leaves(ctx context.Context, req LeavesRequest) (LeavesResponse, error)
	Summary(ctx context.Context, req IDRequest) (SummaryResponse, error)
	GeoJSON(ctx context.Context, req GeoJSONRequest) (geojson.FeatureCollection, error)
	SaveSnapshot(ctx context.Context, req SnapshotRequest) (cluster.SnapshotInfo, error)
	ListSnapshots(ctx context.Context, req Empty) (ListSnapshotsResponse, error)
}

type Options struct {
	MaxViews        int
	IdleTimeout     time.Duration
	JanitorInterval time.Duration
	SnapshotDir     string
	// View is the template every new view starts from.
	View   mapview.Options
	Logger *zap.Logger
}

type entry struct {
	view       *mapview.View
	userKey    string
	createdAt  time.Time
	lastAccess time.Time
}

type Runner struct {
	opts   Options
	logger *zap.Logger

	mu     sync.RWMutex
	views  map[string]*entry
	closed bool

	stop    chan struct{}
	stopped chan struct{}
}

var _ Service = (*Runner)(nil)

func NewRunner(opts Options) *Runner {
	if opts.MaxViews <= 0 {
		opts.MaxViews = 64
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = 5 * time.Minute
	}
	if opts.SnapshotDir == "" {
		opts.SnapshotDir = "data/snapshots"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := &Runner{
		opts:    opts,
		logger:  opts.Logger,
		views:   make(map[string]*entry),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	go r.cleanupInactiveViews()

	return r
}

func (r *Runner) cleanupInactiveViews() {
	defer close(r.stopped)
	ticker := time.NewTicker(r.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.closeIdle(now)
		}
	}
}

// closeIdle closes the views not accessed for longer than the idle timeout.
func (r *Runner) closeIdle(now time.Time) int {
	r.mu.Lock()
	var idle []*entry
	for id, e := range r.views {
		if now.Sub(e.lastAccess) > r.opts.IdleTimeout {
			idle = append(idle, e)
			delete(r.views, id)
		}
	}
	r.mu.Unlock()

	for _, e := range idle {
		r.logger.Info("closing idle view", zap.String("view", e.view.ID()))
		e.view.Close()
	}
	return len(idle)
}

// Close stops the janitor and closes every view.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	views := r.views
	r.views = make(map[string]*entry)
	r.mu.Unlock()

	close(r.stop)
	<-r.stopped
	for _, e := range views {
		e.view.Close()
	}
}

// Len is the number of live views.
func (r *Runner) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.views)
}

func (r *Runner) lookup(id string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.views[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrViewNotFound, id)
	}
	e.lastAccess = time.Now()
	return e, nil
}

func info(id string, e *entry) ViewInfo {
	return ViewInfo{
		ID:         id,
		UserKey:    e.userKey,
		CreatedAt:  e.createdAt,
		LastAccess: e.lastAccess,
		State:      e.view.State(),
	}
}

func (r *Runner) CreateView(ctx context.Context, req CreateViewRequest) (ViewInfo, error) {
	opts := r.opts.View
	opts.ID = uuid.New().String()[:8]
	opts.StoreKey = req.UserKey
	opts.Logger = r.logger

	if req.Pollutant != "" {
		p, ok := feature.ParsePollutant(req.Pollutant)
		if !ok {
			return ViewInfo{}, fmt.Errorf("%w: unknown pollutant %q", ErrInvalidArgument, req.Pollutant)
		}
		opts.Render.Pollutant = p
	}
	if req.Style != "" {
		s, ok := render.ParseStyle(req.Style)
		if !ok {
			return ViewInfo{}, fmt.Errorf("%w: unknown style %q", ErrInvalidArgument, req.Style)
		}
		opts.Render.Style = s
	}
	if req.Width < 0 || req.Height < 0 || req.Generate < 0 {
		return ViewInfo{}, fmt.Errorf("%w: negative size", ErrInvalidArgument)
	}
	if req.Width > 0 {
		opts.Width = req.Width
	}
	if req.Height > 0 {
		opts.Height = req.Height
	}

	switch {
	case req.Viewport != nil:
		if !req.Viewport.Valid() {
			return ViewInfo{}, fmt.Errorf("%w: %v", ErrInvalidArgument, viewport.ErrInvalidViewport)
		}
		opts.Initial = *req.Viewport
	case req.UserKey != "" && opts.Store != nil:
		last, ok, err := viewport.Load(ctx, opts.Store, req.UserKey)
		if err != nil {
			r.logger.Warn("could not restore viewport", zap.String("user", req.UserKey), zap.Error(err))
		} else if ok {
			opts.Initial = last
		}
	}

	features, err := r.seed(req, opts)
	if err != nil {
		return ViewInfo{}, err
	}

	v := mapview.New(opts)
	if len(features) > 0 {
		if err := v.LoadFeatures(features); err != nil {
			v.Close()
			return ViewInfo{}, err
		}
	}
	if req.Fetch {
		if err := v.Fetch(ctx, false); err != nil {
			v.Close()
			return ViewInfo{}, err
		}
	}

	now := time.Now()
	e := &entry{view: v, userKey: req.UserKey, createdAt: now, lastAccess: now}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		v.Close()
		return ViewInfo{}, mapview.ErrClosed
	}
	evicted := r.evictLocked()
	r.views[opts.ID] = e
	r.mu.Unlock()

	if evicted != nil {
		r.logger.Info("evicting least recently used view", zap.String("view", evicted.view.ID()))
		evicted.view.Close()
	}
	r.logger.Info("view created",
		zap.String("view", opts.ID),
		zap.String("user", req.UserKey),
		zap.Int("features", len(features)))
	return info(opts.ID, e), nil
}

// seed collects the static features a new view starts with.
func (r *Runner) seed(req CreateViewRequest, opts mapview.Options) ([]feature.PointFeature, error) {
	var features []feature.PointFeature
	for _, f := range req.Features {
		if !f.Valid() {
			return nil, fmt.Errorf("%w: feature %q has no id or bad coordinates", ErrInvalidArgument, f.ID)
		}
		features = append(features, f)
	}

	if req.SnapshotID != "" {
		snap, err := cluster.FindSnapshot(r.opts.SnapshotDir, req.SnapshotID)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: snapshot %s", ErrNotFound, req.SnapshotID)
		}
		if err != nil {
			return nil, err
		}
		sc, err := cluster.LoadSnapshot(snap)
		if err != nil {
			return nil, fmt.Errorf("load snapshot %s: %w", req.SnapshotID, err)
		}
		features = append(features, sc.Features()...)
	}

	if req.Generate > 0 {
		c := opts.Initial.Center()
		bounds := orb.Bound{
			Min: orb.Point{c.Lon() - 5, c.Lat() - 5},
			Max: orb.Point{c.Lon() + 5, c.Lat() + 5},
		}
		features = append(features, cluster.GenerateTestFeatures(req.Generate, bounds, time.Now().UnixNano())...)
	}

	p := opts.Render.Pollutant
	if p == "" {
		p = render.DefaultConfig().Pollutant
	}
	for i := range features {
		value, ok := features[i].Value(p)
		features[i].Category = feature.Categorize(p, value, ok)
	}
	return features, nil
}

// evictLocked removes the least recently used view when the runner is full.
// The caller closes the returned view after releasing r.mu.
func (r *Runner) evictLocked() *entry {
	if len(r.views) < r.opts.MaxViews {
		return nil
	}
	var oldestID string
	var oldest *entry
	for id, e := range r.views {
		if oldest == nil || e.lastAccess.Before(oldest.lastAccess) {
			oldestID, oldest = id, e
		}
	}
	delete(r.views, oldestID)
	return oldest
}

func (r *Runner) GetView(ctx context.Context, req IDRequest) (ViewInfo, error) {
	e, err := r.lookup(req.ID)
	if err != nil {
		return ViewInfo{}, err
	}
	return info(req.ID, e), nil
}

func (r *Runner) ListViews(ctx context.Context, _ Empty) (ListViewsResponse, error) {
	r.mu.RLock()
	views := make([]ViewInfo, 0, len(r.views))
	for id, e := range r.views {
		views = append(views, info(id, e))
	}
	r.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return ListViewsResponse{Views: views}, nil
}

func (r *Runner) CloseView(ctx context.Context, req IDRequest) (Empty, error) {
	r.mu.Lock()
	e, ok := r.views[req.ID]
	delete(r.views, req.ID)
	r.mu.Unlock()
	if !ok {
		return Empty{}, fmt.Errorf("%w: %s", ErrViewNotFound, req.ID)
	}
	e.view.Close()
	return Empty{}, nil
}

func (r *Runner) MoveView(ctx context.Context, req MoveRequest) (ViewInfo, error) {
	if !req.Viewport.Valid() {
		return ViewInfo{}, fmt.Errorf("%w: %v", ErrInvalidArgument, viewport.ErrInvalidViewport)
	}
	e, err := r.lookup(req.ID)
	if err != nil {
		return ViewInfo{}, err
	}
	if err := e.view.Move(req.Viewport.Center(), req.Viewport.Zoom); err != nil {
		return ViewInfo{}, classify(err)
	}
	return info(req.ID, e), nil
}

func (r *Runner) Interact(ctx context.Context, req InteractRequest) (ViewInfo, error) {
	e, err := r.lookup(req.ID)
	if err != nil {
		return ViewInfo{}, err
	}
	switch req.Action {
	case ActionHover, ActionLeave:
		err = e.view.Hover(req.Key, req.Action == ActionHover)
	case ActionClick:
		err = e.view.Click(req.Key)
	default:
		return ViewInfo{}, fmt.Errorf("%w: unknown action %q", ErrInvalidArgument, req.Action)
	}
	if err != nil {
		return ViewInfo{}, classify(err)
	}
	return info(req.ID, e), nil
}

// Configure switches pollutant and style. Empty fields stay unchanged.
func (r *Runner) Configure(ctx context.Context, req ConfigureRequest) (ViewInfo, error) {
	var (
		p     feature.Pollutant
		style render.Style
		ok    bool
	)
	if req.Pollutant != "" {
		if p, ok = feature.ParsePollutant(req.Pollutant); !ok {
			return ViewInfo{}, fmt.Errorf("%w: unknown pollutant %q", ErrInvalidArgument, req.Pollutant)
		}
	}
	if req.Style != "" {
		if style, ok = render.ParseStyle(req.Style); !ok {
			return ViewInfo{}, fmt.Errorf("%w: unknown style %q", ErrInvalidArgument, req.Style)
		}
	}

	e, err := r.lookup(req.ID)
	if err != nil {
		return ViewInfo{}, err
	}
	if style != "" {
		if err := e.view.SetStyle(style); err != nil {
			return ViewInfo{}, classify(err)
		}
	}
	if p != "" {
		if err := e.view.SetPollutant(ctx, p); err != nil {
			return ViewInfo{}, classify(err)
		}
	}
	return info(req.ID, e), nil
}

func (r *Runner) Refresh(ctx context.Context, req RefreshRequest) (ViewInfo, error) {
	e, err := r.lookup(req.ID)
	if err != nil {
		return ViewInfo{}, err
	}
	if err := e.view.Fetch(ctx, req.Wait); err != nil {
		return ViewInfo{}, classify(err)
	}
	return info(req.ID, e), nil
}

func (r *Runner) Leaves(ctx context.Context, req LeavesRequest) (LeavesResponse, error) {
	if req.Limit < 0 || req.Offset < 0 {
		return LeavesResponse{}, fmt.Errorf("%w: negative limit or offset", ErrInvalidArgument)
	}
	e, err := r.lookup(req.ID)
	if err != nil {
		return LeavesResponse{}, err
	}
	leaves, err := e.view.Leaves(req.ClusterID, req.Limit, req.Offset)
	if err != nil {
		return LeavesResponse{}, classify(err)
	}
	zoom, err := e.view.ExpansionZoom(req.ClusterID)
	if err != nil {
		return LeavesResponse{}, classify(err)
	}
	return LeavesResponse{ClusterID: req.ClusterID, ExpansionZoom: zoom, Features: leaves}, nil
}

func (r *Runner) Summary(ctx context.Context, req IDRequest) (SummaryResponse, error) {
	e, err := r.lookup(req.ID)
	if err != nil {
		return SummaryResponse{}, err
	}
	stats, err := e.view.Summary()
	if err != nil {
		return SummaryResponse{}, classify(err)
	}
	return SummaryResponse{Stats: stats}, nil
}

func (r *Runner) GeoJSON(ctx context.Context, req GeoJSONRequest) (geojson.FeatureCollection, error) {
	e, err := r.lookup(req.ID)
	if err != nil {
		return geojson.FeatureCollection{}, err
	}
	if req.Bounds == nil {
		return *e.view.GeoJSON(), nil
	}
	if req.Zoom < 0 || req.Bounds.Min.Lat() > req.Bounds.Max.Lat() {
		return geojson.FeatureCollection{}, fmt.Errorf("%w: bad bounds or zoom", ErrInvalidArgument)
	}
	return *e.view.Index().ToGeoJSON(*req.Bounds, req.Zoom), nil
}

// SaveSnapshot writes the features of a view to the snapshot directory.
func (r *Runner) SaveSnapshot(ctx context.Context, req SnapshotRequest) (cluster.SnapshotInfo, error) {
	format := req.Format
	if format == "" {
		format = "zst"
	}
	if format != "zst" && format != "mmap" {
		return cluster.SnapshotInfo{}, fmt.Errorf("%w: unknown snapshot format %q", ErrInvalidArgument, req.Format)
	}
	e, err := r.lookup(req.ID)
	if err != nil {
		return cluster.SnapshotInfo{}, err
	}
	if err := os.MkdirAll(r.opts.SnapshotDir, 0o755); err != nil {
		return cluster.SnapshotInfo{}, fmt.Errorf("create snapshot dir: %w", err)
	}

	sc := e.view.Index()
	path := cluster.SnapshotFilename(r.opts.SnapshotDir, sc.Len(), format)
	start := time.Now()
	if format == "mmap" {
		err = sc.SaveMMap(path)
	} else {
		err = sc.SaveCompressed(path)
	}
	if err != nil {
		return cluster.SnapshotInfo{}, fmt.Errorf("save snapshot: %w", err)
	}
	snap, err := cluster.StatSnapshot(path)
	if err != nil {
		return cluster.SnapshotInfo{}, err
	}
	r.logger.Info("snapshot saved",
		zap.String("view", req.ID),
		zap.String("path", path),
		zap.Int64("bytes", snap.FileSize),
		zap.Duration("took", time.Since(start)))
	return snap, nil
}

func (r *Runner) ListSnapshots(ctx context.Context, _ Empty) (ListSnapshotsResponse, error) {
	snapshots, err := cluster.ListSnapshots(r.opts.SnapshotDir)
	if err != nil {
		return ListSnapshotsResponse{}, err
	}
	return ListSnapshotsResponse{Snapshots: snapshots}, nil
}
