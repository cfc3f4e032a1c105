package runner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"web/aqmap/cluster"
	"web/aqmap/feature"
	"web/aqmap/mapview"
	"web/aqmap/render"
	"web/aqmap/source"
	"web/aqmap/store"
	"web/aqmap/viewport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type noReadings struct{}

func (noReadings) FetchReadings(ctx context.Context) ([]json.RawMessage, error) { return nil, nil }

type noCities struct{}

func (noCities) FetchCity(ctx context.Context, city string) (json.RawMessage, error) {
	return json.RawMessage(`{"idx":1,"city":{"name":"Kampala","geo":[0.3,32.6]},"iaqi":{"pm25":{"v":10}}}`), nil
}

var kampala = viewport.Viewport{Lat: 0.34, Lng: 32.58, Zoom: 8}

func site(id string, lon, lat, pm25 float64) feature.PointFeature {
	return feature.PointFeature{
		ID:           id,
		Name:         "Site " + id,
		Source:       feature.SourceReadings,
		Coordinates:  orb.Point{lon, lat},
		Measurements: map[feature.Pollutant]float64{feature.PM25: pm25, feature.PM10: pm25 * 2},
		ObservedAt:   time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func sites() []feature.PointFeature {
	return []feature.PointFeature{
		site("a", 32.580, 0.340, 20),
		site("b", 32.581, 0.341, 40),
		site("c", 32.582, 0.342, 42),
		site("far", 33.5, 0.9, 300),
	}
}

func newTestRunner(t *testing.T, mutate ...func(*Options)) (*Runner, *store.MemoryStore) {
	t.Helper()
	locations := store.NewMemoryStore()
	opts := Options{
		MaxViews:        4,
		IdleTimeout:     time.Hour,
		JanitorInterval: time.Hour,
		SnapshotDir:     t.TempDir(),
		View: mapview.Options{
			Cluster:  cluster.DefaultOptions(),
			Initial:  kampala,
			Readings: noReadings{},
			Cities:   noCities{},
			Loader:   source.LoaderOptions{Cities: []string{"kampala"}},
			Store:    locations,
		},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	r := NewRunner(opts)
	t.Cleanup(r.Close)
	return r, locations
}

func markerByKind(t *testing.T, markers []render.Marker, kind render.Kind) render.Marker {
	t.Helper()
	for _, m := range markers {
		if m.Kind == kind {
			return m
		}
	}
	t.Fatalf("no %s marker in %v", kind, markers)
	return render.Marker{}
}

func TestCreateViewAndInteract(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()

	v := kampala
	created, err := r.CreateView(ctx, CreateViewRequest{Viewport: &v, Features: sites()})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, 4, created.State.Features)
	require.Len(t, created.State.Markers, 2)

	c := markerByKind(t, created.State.Markers, render.KindCluster)
	assert.Equal(t, 3, c.Count)

	clicked, err := r.Interact(ctx, InteractRequest{ID: created.ID, Key: c.Key, Action: ActionClick})
	require.NoError(t, err)
	assert.InDelta(t, 10, clicked.State.Viewport.Zoom, 1e-9)

	_, err = r.MoveView(ctx, MoveRequest{ID: created.ID, Viewport: kampala})
	require.NoError(t, err)
	selected, err := r.Interact(ctx, InteractRequest{ID: created.ID, Key: render.PointKey("far"), Action: ActionClick})
	require.NoError(t, err)
	require.NotNil(t, selected.State.Selected)
	assert.Equal(t, "far", selected.State.Selected.ID)
	assert.InDelta(t, 16, selected.State.Viewport.Zoom, 1e-9)

	_, err = r.Interact(ctx, InteractRequest{ID: created.ID, Key: "point:nope", Action: ActionHover})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrViewNotFound)

	_, err = r.Interact(ctx, InteractRequest{ID: created.ID, Key: c.Key, Action: "poke"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCreateViewRestoresViewport(t *testing.T) {
	r, locations := newTestRunner(t)
	ctx := context.Background()
	require.NoError(t, locations.Set(ctx, "user-1", "lat=1.0000&lng=30.0000&zm=9.00"))

	restored, err := r.CreateView(ctx, CreateViewRequest{UserKey: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "user-1", restored.UserKey)
	assert.InDelta(t, 1.0, restored.State.Viewport.Lat, 1e-6)
	assert.InDelta(t, 30.0, restored.State.Viewport.Lng, 1e-6)
	assert.InDelta(t, 9.0, restored.State.Viewport.Zoom, 1e-9)

	// unknown users start at the configured viewport
	fresh, err := r.CreateView(ctx, CreateViewRequest{UserKey: "user-2"})
	require.NoError(t, err)
	assert.InDelta(t, kampala.Zoom, fresh.State.Viewport.Zoom, 1e-9)

	// the viewport a user settles on is persisted under their key
	_, err = r.MoveView(ctx, MoveRequest{ID: fresh.ID, Viewport: viewport.Viewport{Lat: 2, Lng: 31, Zoom: 7}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		raw, ok, _ := locations.Get(ctx, "user-2")
		return ok && raw == "lat=2.0000&lng=31.0000&zm=7.00"
	}, time.Second, 5*time.Millisecond)
}

func TestCreateViewRejectsBadInput(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	bad := viewport.Viewport{Lat: 95, Lng: 0, Zoom: 3}

	for name, req := range map[string]CreateViewRequest{
		"pollutant": {Pollutant: "ozone"},
		"style":     {Style: "sparkle"},
		"viewport":  {Viewport: &bad},
		"feature":   {Features: []feature.PointFeature{site("", 0, 0, 1)}},
		"size":      {Width: -1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := r.CreateView(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
	assert.Equal(t, 0, r.Len())

	_, err := r.CreateView(ctx, CreateViewRequest{SnapshotID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	r, _ := newTestRunner(t, func(o *Options) { o.MaxViews = 2 })
	ctx := context.Background()

	first, err := r.CreateView(ctx, CreateViewRequest{})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := r.CreateView(ctx, CreateViewRequest{})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = r.GetView(ctx, IDRequest{ID: first.ID})
	require.NoError(t, err)

	third, err := r.CreateView(ctx, CreateViewRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	_, err = r.GetView(ctx, IDRequest{ID: second.ID})
	assert.ErrorIs(t, err, ErrViewNotFound)

	list, err := r.ListViews(ctx, Empty{})
	require.NoError(t, err)
	ids := []string{list.Views[0].ID, list.Views[1].ID}
	assert.ElementsMatch(t, []string{first.ID, third.ID}, ids)
}

func TestJanitorClosesIdleViews(t *testing.T) {
	r, _ := newTestRunner(t, func(o *Options) {
		o.IdleTimeout = 10 * time.Millisecond
		o.JanitorInterval = 5 * time.Millisecond
	})
	_, err := r.CreateView(context.Background(), CreateViewRequest{Features: sites()})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCloseIdleKeepsRecentViews(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	created, err := r.CreateView(ctx, CreateViewRequest{})
	require.NoError(t, err)

	assert.Equal(t, 0, r.closeIdle(time.Now()))
	assert.Equal(t, 1, r.closeIdle(time.Now().Add(2*time.Hour)))

	_, err = r.GetView(ctx, IDRequest{ID: created.ID})
	assert.ErrorIs(t, err, ErrViewNotFound)
}

func TestConfigure(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	v := kampala
	created, err := r.CreateView(ctx, CreateViewRequest{Viewport: &v, Features: sites()})
	require.NoError(t, err)
	assert.Equal(t, render.StyleEmoji, created.State.Style)

	updated, err := r.Configure(ctx, ConfigureRequest{ID: created.ID, Style: "number"})
	require.NoError(t, err)
	assert.Equal(t, render.StyleNumber, updated.State.Style)
	assert.Equal(t, feature.PM25, updated.State.Pollutant)

	updated, err = r.Configure(ctx, ConfigureRequest{ID: created.ID, Pollutant: "pm10"})
	require.NoError(t, err)
	assert.Equal(t, feature.PM10, updated.State.Pollutant)

	_, err = r.Configure(ctx, ConfigureRequest{ID: created.ID, Style: "sparkle"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = r.Configure(ctx, ConfigureRequest{ID: "nope", Style: "node"})
	assert.ErrorIs(t, err, ErrViewNotFound)

	refreshed, err := r.Refresh(ctx, RefreshRequest{ID: created.ID, Wait: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), refreshed.State.Loading.Generation)
	assert.False(t, refreshed.State.Loading.Readings)
	assert.False(t, refreshed.State.Loading.Others)
	assert.Equal(t, 5, refreshed.State.Features)
}

func TestLeavesAndSummary(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	v := kampala
	created, err := r.CreateView(ctx, CreateViewRequest{Viewport: &v, Features: sites()})
	require.NoError(t, err)
	c := markerByKind(t, created.State.Markers, render.KindCluster)

	leaves, err := r.Leaves(ctx, LeavesRequest{ID: created.ID, ClusterID: c.ClusterID})
	require.NoError(t, err)
	assert.Len(t, leaves.Features, 3)
	assert.Greater(t, leaves.ExpansionZoom, 8)

	page, err := r.Leaves(ctx, LeavesRequest{ID: created.ID, ClusterID: c.ClusterID, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page.Features, 1)

	_, err = r.Leaves(ctx, LeavesRequest{ID: created.ID, ClusterID: 123456})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Leaves(ctx, LeavesRequest{ID: created.ID, ClusterID: c.ClusterID, Limit: -1})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	sum, err := r.Summary(ctx, IDRequest{ID: created.ID})
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Stats.TotalPoints)
	assert.Equal(t, 1, sum.Stats.NumClusters)
	assert.Equal(t, 1, sum.Stats.NumSinglePoints)
}

func TestSnapshots(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	created, err := r.CreateView(ctx, CreateViewRequest{Features: sites()})
	require.NoError(t, err)

	zst, err := r.SaveSnapshot(ctx, SnapshotRequest{ID: created.ID})
	require.NoError(t, err)
	assert.Equal(t, "zst", zst.Format)
	assert.Equal(t, 4, zst.NumPoints)
	assert.Positive(t, zst.FileSize)

	mm, err := r.SaveSnapshot(ctx, SnapshotRequest{ID: created.ID, Format: "mmap"})
	require.NoError(t, err)
	assert.Equal(t, "mmap", mm.Format)

	_, err = r.SaveSnapshot(ctx, SnapshotRequest{ID: created.ID, Format: "gob"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	list, err := r.ListSnapshots(ctx, Empty{})
	require.NoError(t, err)
	assert.Len(t, list.Snapshots, 2)

	for _, id := range []string{zst.ID, mm.ID} {
		restored, err := r.CreateView(ctx, CreateViewRequest{SnapshotID: id})
		require.NoError(t, err)
		assert.Equal(t, 4, restored.State.Features, id)
	}
}

func TestGenerateUsesViewPollutant(t *testing.T) {
	r, _ := newTestRunner(t)
	created, err := r.CreateView(context.Background(), CreateViewRequest{Generate: 50, Pollutant: "no2"})
	require.NoError(t, err)
	assert.Equal(t, 50, created.State.Features)
}

func TestCloseView(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()
	created, err := r.CreateView(ctx, CreateViewRequest{Features: sites()})
	require.NoError(t, err)

	_, err = r.CloseView(ctx, IDRequest{ID: created.ID})
	require.NoError(t, err)
	_, err = r.CloseView(ctx, IDRequest{ID: created.ID})
	assert.ErrorIs(t, err, ErrViewNotFound)
	_, err = r.MoveView(ctx, MoveRequest{ID: created.ID, Viewport: kampala})
	assert.ErrorIs(t, err, ErrViewNotFound)

	r.Close()
	r.Close()
	_, err = r.CreateView(ctx, CreateViewRequest{})
	assert.ErrorIs(t, err, mapview.ErrClosed)
}
