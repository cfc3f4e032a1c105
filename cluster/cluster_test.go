package cluster

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/golang/geo/s2"
	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"web/aqmap/feature"
)

var world = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}

const earthRadiusMeters = 6371010.0

func site(id string, lon, lat float64, pm25 float64) feature.PointFeature {
	return feature.PointFeature{
		ID:           id,
		Name:         id,
		Source:       feature.SourceReadings,
		Coordinates:  orb.Point{lon, lat},
		Category:     feature.Categorize(feature.PM25, pm25, true),
		Measurements: map[feature.Pollutant]float64{feature.PM25: pm25},
	}
}

// kampalaBlock returns five sites all within 50 m of each other.
func kampalaBlock() []feature.PointFeature {
	const lon, lat, d = 32.5825, 0.3476, 0.00015
	return []feature.PointFeature{
		site("a", lon, lat, 10),
		site("b", lon+d, lat+d, 20),
		site("c", lon-d, lat+d, 30),
		site("d", lon+d, lat-d, 40),
		site("e", lon-d, lat-d, 50),
	}
}

func resultIDs(results []Result) []string {
	ids := make([]string, 0, len(results))
	for _, r := range results {
		if r.Point != nil {
			ids = append(ids, r.Point.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func featureIDs(features []feature.PointFeature) []string {
	ids := make([]string, len(features))
	for i, f := range features {
		ids[i] = f.ID
	}
	sort.Strings(ids)
	return ids
}

func TestKampalaBlockFixtureIsWithin50m(t *testing.T) {
	block := kampalaBlock()
	for i := range block {
		for j := i + 1; j < len(block); j++ {
			a := s2.LatLngFromDegrees(block[i].Coordinates.Lat(), block[i].Coordinates.Lon())
			b := s2.LatLngFromDegrees(block[j].Coordinates.Lat(), block[j].Coordinates.Lon())
			if meters := a.Distance(b).Radians() * earthRadiusMeters; meters >= 50 {
				t.Fatalf("Expected %s-%s under 50m, got %.1fm", block[i].ID, block[j].ID, meters)
			}
		}
	}
}

func TestNearbySitesClusterAtCityZoomAndSplitWhenZoomedIn(t *testing.T) {
	sc := NewSupercluster(SuperclusterOptions{Radius: 80})
	sc.Load(kampalaBlock())

	atCity := sc.GetClusters(world, 10)
	require.Len(t, atCity, 1)
	require.True(t, atCity[0].IsCluster())
	assert.Equal(t, 5, atCity[0].Cluster.MemberCount)

	atStreet := sc.GetClusters(world, 20)
	require.Len(t, atStreet, 5)
	for _, r := range atStreet {
		assert.False(t, r.IsCluster())
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, resultIDs(atStreet))
}

func TestClusterMetricsRollup(t *testing.T) {
	sc := NewSupercluster(SuperclusterOptions{Radius: 80})
	block := kampalaBlock()
	block[4].Measurements[feature.NO2] = 7
	sc.Load(block)

	results := sc.GetClusters(world, 0)
	require.Len(t, results, 1)
	c := results[0].Cluster
	require.NotNil(t, c)

	// (10+20+30+40+50)/5
	if got := c.Averages[feature.PM25]; math.Abs(got-30) > 1e-9 {
		t.Errorf("Expected pm2_5 average 30, got %f", got)
	}
	// only one member recorded no2
	if got := c.Averages[feature.NO2]; got != 7 {
		t.Errorf("Expected no2 average 7, got %f", got)
	}
}

func TestClusterCentroidIsWeightedMean(t *testing.T) {
	sc := NewSupercluster(SuperclusterOptions{Radius: 80})
	block := kampalaBlock()
	sc.Load(block)

	c := sc.GetClusters(world, 0)[0].Cluster
	require.NotNil(t, c)

	var sx, sy float64
	for _, f := range block {
		sx += LngX(f.Coordinates.Lon())
		sy += LatY(f.Coordinates.Lat())
	}
	want := orb.Point{XLng(sx / 5), YLat(sy / 5)}
	if math.Abs(want.Lon()-c.Coordinates.Lon()) > 1e-9 || math.Abs(want.Lat()-c.Coordinates.Lat()) > 1e-9 {
		t.Errorf("Expected centroid %v, got %v", want, c.Coordinates)
	}
}

func TestQueryIsIdempotent(t *testing.T) {
	sc := NewSupercluster(SuperclusterOptions{})
	sc.Load(GenerateTestFeatures(2000, orb.Bound{Min: orb.Point{29, -2}, Max: orb.Point{35, 4}}, 7))

	bounds := orb.Bound{Min: orb.Point{30, -1}, Max: orb.Point{34, 3}}
	for zoom := 0; zoom <= 18; zoom += 3 {
		first := sc.GetClusters(bounds, zoom)
		second := sc.GetClusters(bounds, zoom)
		if diff := cmp.Diff(first, second); diff != "" {
			t.Fatalf("zoom %d: repeated query differs (-first +second):\n%s", zoom, diff)
		}
	}
}

// Every feature appears exactly once across the results of a world query,
// either directly or as a leaf of exactly one cluster.
func TestExpandConservesMembers(t *testing.T) {
	features := GenerateTestFeatures(1500, orb.Bound{Min: orb.Point{29, -2}, Max: orb.Point{35, 4}}, 11)
	sc := NewSupercluster(SuperclusterOptions{})
	sc.Load(features)

	for _, zoom := range []int{0, 4, 8, 12, 16} {
		var seen []feature.PointFeature
		for _, r := range sc.GetClusters(world, zoom) {
			if r.Point != nil {
				seen = append(seen, *r.Point)
				continue
			}
			leaves, err := sc.GetLeaves(r.Cluster.ID)
			require.NoError(t, err)
			if len(leaves) != r.Cluster.MemberCount {
				t.Errorf("zoom %d cluster %d: Expected %d leaves, got %d", zoom, r.Cluster.ID, r.Cluster.MemberCount, len(leaves))
			}
			seen = append(seen, leaves...)
		}
		if diff := cmp.Diff(featureIDs(features), featureIDs(seen)); diff != "" {
			t.Errorf("zoom %d: member set mismatch (-want +got):\n%s", zoom, diff)
		}
	}
}

func TestLoadReplacesContents(t *testing.T) {
	sc := NewSupercluster(SuperclusterOptions{})
	sc.Load([]feature.PointFeature{site("old-1", 10, 10, 5), site("old-2", -40, 20, 5)})
	sc.Load([]feature.PointFeature{site("new-1", 32, 0, 5)})

	got := resultIDs(sc.GetClusters(world, 20))
	assert.Equal(t, []string{"new-1"}, got)
	assert.Equal(t, 1, sc.Len())
}

func TestLoadSkipsInvalidCoordinates(t *testing.T) {
	sc := NewSupercluster(SuperclusterOptions{})
	sc.Load([]feature.PointFeature{
		site("ok", 32, 0, 5),
		site("nan", math.NaN(), 0, 5),
		site("lat", 32, 95, 5),
		site("lon", 200, 0, 5),
	})
	assert.Equal(t, []string{"ok"}, resultIDs(sc.GetClusters(world, 20)))
}

func TestEmptyIndex(t *testing.T) {
	sc := NewSupercluster(SuperclusterOptions{})
	assert.Empty(t, sc.GetClusters(world, 5))

	sc.Load(nil)
	assert.Empty(t, sc.GetClusters(world, 5))
	_, err := sc.GetLeaves(100)
	assert.True(t, errors.Is(err, ErrClusterNotFound))
}

func TestAntimeridianBoundsAreSplit(t *testing.T) {
	sc := NewSupercluster(SuperclusterOptions{})
	sc.Load([]feature.PointFeature{
		site("east", 179.9, 0, 5),
		site("west", -179.9, 0, 5),
		site("far", 0, 0, 5),
	})

	crossing := orb.Bound{Min: orb.Point{170, -10}, Max: orb.Point{-170, 10}}
	assert.Equal(t, []string{"east", "west"}, resultIDs(sc.GetClusters(crossing, 20)))

	wrapped := orb.Bound{Min: orb.Point{-190, -10}, Max: orb.Point{-170, 10}}
	assert.Equal(t, []string{"east", "west"}, resultIDs(sc.GetClusters(wrapped, 20)))

	wide := orb.Bound{Min: orb.Point{-200, -10}, Max: orb.Point{200, 10}}
	assert.Equal(t, []string{"east", "far", "west"}, resultIDs(sc.GetClusters(wide, 20)))
}

func TestClusterExpansionZoom(t *testing.T) {
	sc := NewSupercluster(SuperclusterOptions{})
	// about 1 km apart on the equator
	sc.Load([]feature.PointFeature{site("a", 32.0, 0, 5), site("b", 32.009, 0, 5)})

	low := sc.GetClusters(world, 0)
	require.Len(t, low, 1)
	require.True(t, low[0].IsCluster())

	zoom, err := sc.GetClusterExpansionZoom(low[0].Cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, zoom)

	assert.Len(t, sc.GetClusters(world, zoom-1), 1)
	assert.Len(t, sc.GetClusters(world, zoom), 2)
}

func TestGetChildren(t *testing.T) {
	sc := NewSupercluster(SuperclusterOptions{})
	sc.Load([]feature.PointFeature{site("a", 32.0, 0, 5), site("b", 32.009, 0, 5)})

	c := sc.GetClusters(world, 11)[0].Cluster
	require.NotNil(t, c)
	children, err := sc.GetChildren(c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, resultIDs(children))
}

func TestGetLeavesPage(t *testing.T) {
	sc := NewSupercluster(SuperclusterOptions{Radius: 80})
	sc.Load(kampalaBlock())
	c := sc.GetClusters(world, 5)[0].Cluster
	require.NotNil(t, c)

	all, err := sc.GetLeaves(c.ID)
	require.NoError(t, err)
	require.Len(t, all, 5)

	page, err := sc.GetLeavesPage(c.ID, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[1].ID, page[0].ID)
	assert.Equal(t, all[2].ID, page[1].ID)

	tail, err := sc.GetLeavesPage(c.ID, 10, 4)
	require.NoError(t, err)
	assert.Len(t, tail, 1)
}

func TestUnknownClusterID(t *testing.T) {
	sc := NewSupercluster(SuperclusterOptions{Radius: 80})
	sc.Load(kampalaBlock())

	for _, id := range []int{-1, 0, 3, 999999} {
		_, err := sc.GetLeaves(id)
		if !errors.Is(err, ErrClusterNotFound) {
			t.Errorf("id %d: Expected ErrClusterNotFound, got %v", id, err)
		}
		_, err = sc.GetClusterExpansionZoom(id)
		if !errors.Is(err, ErrClusterNotFound) {
			t.Errorf("id %d: Expected ErrClusterNotFound, got %v", id, err)
		}
	}
}

func TestOptionsDefaultsAndCaps(t *testing.T) {
	sc := NewSupercluster(SuperclusterOptions{MaxZoom: 40, MinZoom: 50})
	if sc.Options.MaxZoom != 24 {
		t.Errorf("Expected MaxZoom capped at 24, got %d", sc.Options.MaxZoom)
	}
	if sc.Options.MinZoom != 24 {
		t.Errorf("Expected MinZoom clamped to MaxZoom, got %d", sc.Options.MinZoom)
	}

	def := NewSupercluster(SuperclusterOptions{}).Options
	assert.Equal(t, DefaultOptions(), def)
}

func TestKDTreeQueriesMatchBruteForce(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	points := make([]KDPoint, 3000)
	for i := range points {
		points[i] = KDPoint{X: r.Float64(), Y: r.Float64(), Index: i, NumPoints: 1}
	}
	tree := NewKDTree(append([]KDPoint(nil), points...), 16)

	indexOf := func(ids []int) []int {
		out := make([]int, len(ids))
		for i, id := range ids {
			out[i] = tree.Points[id].Index
		}
		sort.Ints(out)
		return out
	}

	var wantRange, wantWithin []int
	for _, p := range points {
		if p.X >= 0.2 && p.X <= 0.45 && p.Y >= 0.6 && p.Y <= 0.9 {
			wantRange = append(wantRange, p.Index)
		}
		if sqDist(p.X, p.Y, 0.5, 0.5) <= 0.1*0.1 {
			wantWithin = append(wantWithin, p.Index)
		}
	}
	sort.Ints(wantRange)
	sort.Ints(wantWithin)

	if diff := cmp.Diff(wantRange, indexOf(tree.Range(0.2, 0.6, 0.45, 0.9))); diff != "" {
		t.Errorf("Range mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantWithin, indexOf(tree.Within(0.5, 0.5, 0.1))); diff != "" {
		t.Errorf("Within mismatch (-want +got):\n%s", diff)
	}
}

func TestClusterBoundsCalculation(t *testing.T) {
	tree := NewKDTree([]KDPoint{
		{X: 0.1, Y: 0.5},
		{X: 0.9, Y: 0.3},
		{X: 0.5, Y: 0.7},
	}, 64)

	if tree.Bounds.MinX != 0.1 || tree.Bounds.MaxX != 0.9 {
		t.Errorf("Expected X bounds [0.1, 0.9], got [%f, %f]", tree.Bounds.MinX, tree.Bounds.MaxX)
	}
	if tree.Bounds.MinY != 0.3 || tree.Bounds.MaxY != 0.7 {
		t.Errorf("Expected Y bounds [0.3, 0.7], got [%f, %f]", tree.Bounds.MinY, tree.Bounds.MaxY)
	}
}

func TestProjectionRoundTrip(t *testing.T) {
	testCases := []struct {
		lng, lat float64
	}{
		{0, 0},
		{180, 85},
		{-180, -85},
		{45, 45},
		{32.5825, 0.3476},
	}

	for _, tc := range testCases {
		lng := XLng(LngX(tc.lng))
		lat := YLat(LatY(tc.lat))

		const epsilon = 1e-9
		if math.Abs(tc.lng-lng) > epsilon || math.Abs(tc.lat-lat) > epsilon {
			t.Errorf("Projection round trip failed for (%f,%f): got (%f,%f)", tc.lng, tc.lat, lng, lat)
		}
	}
}

func TestConcurrentLoadAndQuery(t *testing.T) {
	sc := NewSupercluster(SuperclusterOptions{})
	bounds := orb.Bound{Min: orb.Point{29, -2}, Max: orb.Point{35, 4}}
	sets := [][]feature.PointFeature{
		GenerateTestFeatures(300, bounds, 1),
		GenerateTestFeatures(500, bounds, 2),
	}
	sc.Load(sets[0])

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				sc.Load(sets[(n+j)%2])
			}
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				total := 0
				for _, r := range sc.GetClusters(world, 3) {
					if r.Cluster != nil {
						total += r.Cluster.MemberCount
					} else {
						total++
					}
				}
				if total != 300 && total != 500 {
					t.Errorf("Expected a complete build of 300 or 500, got %d", total)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	features := GenerateTestFeatures(400, orb.Bound{Min: orb.Point{29, -2}, Max: orb.Point{35, 4}}, 5)
	sc := NewSupercluster(SuperclusterOptions{Radius: 60, MaxZoom: 14})
	sc.Load(features)

	zstPath := SnapshotFilename(dir, sc.Len(), "zst")
	require.NoError(t, sc.SaveCompressed(zstPath))
	mmapPath := SnapshotFilename(dir, sc.Len(), "mmap")
	require.NoError(t, sc.SaveMMap(mmapPath))

	fromZst, err := LoadCompressedSupercluster(zstPath)
	require.NoError(t, err)
	fromMMap, err := LoadMMapSupercluster(mmapPath)
	require.NoError(t, err)

	for _, loaded := range []*Supercluster{fromZst, fromMMap} {
		assert.Equal(t, sc.Options, loaded.Options)
		if diff := cmp.Diff(sc.GetClusters(world, 6), loaded.GetClusters(world, 6)); diff != "" {
			t.Errorf("restored index differs (-want +got):\n%s", diff)
		}
	}

	snapshots, err := ListSnapshots(dir)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	for _, s := range snapshots {
		assert.Equal(t, 400, s.NumPoints)
		assert.Len(t, s.ID, 8)
		assert.Positive(t, s.FileSize)

		found, err := FindSnapshot(dir, s.ID)
		require.NoError(t, err)
		restored, err := LoadSnapshot(found)
		require.NoError(t, err)
		assert.Equal(t, 400, restored.Len())
	}
}

func TestSnapshotRejectsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	sc := NewSupercluster(SuperclusterOptions{})
	sc.Load(kampalaBlock())
	path := filepath.Join(dir, "snapshot.mmap")
	require.NoError(t, sc.SaveMMap(path))

	_, err := LoadCompressedSupercluster(path)
	assert.Error(t, err)

	missing, err := ListSnapshots(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestSnapshotWithInflatedCountFailsCleanly(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, snapshotVersion))
	header := headerFor(DefaultOptions(), 1)
	header.Count = math.MaxUint32
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, header))
	buf.WriteString(`{"id":"only"}` + "\n")

	_, err := readSnapshot(bytes.NewReader(buf.Bytes()))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "inflated.mmap")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	_, err = LoadMMapSupercluster(path)
	assert.Error(t, err)
}
