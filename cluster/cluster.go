// Package cluster is the hierarchical spatial index behind the map. One static
// k-d tree is built per zoom level, from MaxZoom+1 (raw features) down to
// MinZoom, by greedily merging entries that fall within the clustering radius
// of that zoom.
package cluster

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"web/aqmap/feature"
)

// ErrClusterNotFound is returned for ids that do not belong to the current build.
var ErrClusterNotFound = errors.New("cluster not found")

const maxZoomLimit = 24

type SuperclusterOptions struct {
	MinZoom   int     `json:"minZoom" yaml:"min_zoom"`
	MaxZoom   int     `json:"maxZoom" yaml:"max_zoom"`
	MinPoints int     `json:"minPoints" yaml:"min_points"`
	Radius    float64 `json:"radius" yaml:"radius"`
	Extent    int     `json:"extent" yaml:"extent"`
	NodeSize  int     `json:"nodeSize" yaml:"node_size"`
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() SuperclusterOptions {
	return SuperclusterOptions{
		MinZoom:   0,
		MaxZoom:   16,
		MinPoints: 2,
		Radius:    40,
		Extent:    512,
		NodeSize:  64,
	}
}

func (o SuperclusterOptions) normalize() SuperclusterOptions {
	def := DefaultOptions()
	if o.MinZoom < 0 {
		o.MinZoom = 0
	}
	if o.MaxZoom <= 0 {
		o.MaxZoom = def.MaxZoom
	}
	if o.MaxZoom > maxZoomLimit {
		o.MaxZoom = maxZoomLimit
	}
	if o.MinZoom > o.MaxZoom {
		o.MinZoom = o.MaxZoom
	}
	if o.MinPoints <= 0 {
		o.MinPoints = def.MinPoints
	}
	if o.Radius <= 0 {
		o.Radius = def.Radius
	}
	if o.Extent <= 0 {
		o.Extent = def.Extent
	}
	if o.NodeSize <= 0 {
		o.NodeSize = def.NodeSize
	}
	return o
}

// Cluster is an aggregate of nearby features at one zoom level.
type Cluster struct {
	ID          int                           `json:"id"`
	Coordinates orb.Point                     `json:"coordinates"`
	MemberCount int                           `json:"memberCount"`
	Averages    map[feature.Pollutant]float64 `json:"averages,omitempty"`
}

// Result is one entry of a viewport query: exactly one of Point and Cluster is set.
type Result struct {
	Point   *feature.PointFeature `json:"point,omitempty"`
	Cluster *Cluster              `json:"cluster,omitempty"`
}

func (r Result) IsCluster() bool { return r.Cluster != nil }

// Coordinates returns the position of the point or the cluster centroid.
func (r Result) Coordinates() orb.Point {
	if r.Cluster != nil {
		return r.Cluster.Coordinates
	}
	if r.Point != nil {
		return r.Point.Coordinates
	}
	return orb.Point{}
}

// levels is one complete build. It is never mutated after construction.
type levels struct {
	trees    []*KDTree // indexed by zoom, MinZoom..MaxZoom+1 populated
	features []feature.PointFeature
	pool     *MetricsPool
}

// Supercluster implements the clustering algorithm
type Supercluster struct {
	Options SuperclusterOptions
	Logger  *zap.Logger

	mu  sync.RWMutex
	idx *levels
}

// NewSupercluster creates a new clustering instance with the specified options.
// It validates and sets default values for the options if not provided.
func NewSupercluster(options SuperclusterOptions) *Supercluster {
	return &Supercluster{Options: options.normalize()}
}

func (sc *Supercluster) logger() *zap.Logger {
	if sc.Logger == nil {
		return zap.NewNop()
	}
	return sc.Logger
}

// Load replaces the index contents with features. Features with invalid
// coordinates are skipped. The new levels are built without holding the lock
// so concurrent queries keep seeing the previous build until the swap.
func (sc *Supercluster) Load(features []feature.PointFeature) {
	start := time.Now()
	idx := build(sc.Options, features)

	sc.mu.Lock()
	sc.idx = idx
	sc.mu.Unlock()

	sc.logger().Debug("index loaded",
		zap.Int("features", len(idx.features)),
		zap.Int("skipped", len(features)-len(idx.features)),
		zap.Duration("took", time.Since(start)))
}

func build(opts SuperclusterOptions, features []feature.PointFeature) *levels {
	valid := make([]feature.PointFeature, 0, len(features))
	for _, f := range features {
		if feature.ValidCoordinates(f.Coordinates.Lon(), f.Coordinates.Lat()) {
			valid = append(valid, f)
		}
	}

	pool := NewMetricsPool(2 * len(valid))
	points := make([]KDPoint, len(valid))
	for i, f := range valid {
		points[i] = KDPoint{
			X:         LngX(f.Coordinates.Lon()),
			Y:         LatY(f.Coordinates.Lat()),
			Zoom:      math.MaxInt,
			Index:     i,
			ParentID:  -1,
			NumPoints: 1,
			MetricIdx: pool.Add(rollupOf(f)),
		}
	}

	idx := &levels{
		trees:    make([]*KDTree, opts.MaxZoom+2),
		features: valid,
		pool:     pool,
	}

	tree := NewKDTree(points, opts.NodeSize)
	idx.trees[opts.MaxZoom+1] = tree
	for z := opts.MaxZoom; z >= opts.MinZoom; z-- {
		tree = NewKDTree(clusterLevel(opts, tree, z, len(valid), pool), opts.NodeSize)
		idx.trees[z] = tree
	}
	return idx
}

// clusterLevel merges the entries of tree (zoom+1) into the entries of zoom.
// It marks processed entries and parent ids on tree in place.
func clusterLevel(opts SuperclusterOptions, tree *KDTree, zoom, n int, pool *MetricsPool) []KDPoint {
	r := opts.Radius / (float64(opts.Extent) * math.Pow(2, float64(zoom)))
	next := make([]KDPoint, 0, len(tree.Points))

	for i := range tree.Points {
		p := &tree.Points[i]
		if p.Zoom <= zoom {
			continue
		}
		p.Zoom = zoom

		neighbors := tree.Within(p.X, p.Y, r)

		numPointsOrigin := p.NumPoints
		numPoints := numPointsOrigin
		for _, j := range neighbors {
			if tree.Points[j].Zoom > zoom {
				numPoints += tree.Points[j].NumPoints
			}
		}

		if numPoints > numPointsOrigin && numPoints >= opts.MinPoints {
			wx := p.X * float64(numPointsOrigin)
			wy := p.Y * float64(numPointsOrigin)
			id := (i << 5) + (zoom + 1) + n

			rollup := make(Rollup)
			pool.GetPointMetrics(*p).mergeInto(rollup)

			for _, j := range neighbors {
				b := &tree.Points[j]
				if b.Zoom <= zoom {
					continue
				}
				b.Zoom = zoom
				wx += b.X * float64(b.NumPoints)
				wy += b.Y * float64(b.NumPoints)
				b.ParentID = id
				pool.GetPointMetrics(*b).mergeInto(rollup)
			}

			p.ParentID = id
			next = append(next, KDPoint{
				X:         wx / float64(numPoints),
				Y:         wy / float64(numPoints),
				Zoom:      math.MaxInt,
				Index:     id,
				ParentID:  -1,
				NumPoints: numPoints,
				MetricIdx: pool.Add(rollup),
			})
			continue
		}

		next = append(next, *p)
		if numPoints > 1 {
			for _, j := range neighbors {
				b := &tree.Points[j]
				if b.Zoom <= zoom {
					continue
				}
				b.Zoom = zoom
				next = append(next, *b)
			}
		}
	}

	return next
}

func (sc *Supercluster) limitZoom(z int) int {
	if z > sc.Options.MaxZoom+1 {
		z = sc.Options.MaxZoom + 1
	}
	if z < sc.Options.MinZoom {
		z = sc.Options.MinZoom
	}
	return z
}

// GetClusters returns the clusters and single features visible in bounds at
// zoom. Longitudes wrap; bounds crossing the antimeridian are split and
// bounds spanning 360 degrees or more cover the world.
func (sc *Supercluster) GetClusters(bounds orb.Bound, zoom int) []Result {
	sc.mu.RLock()
	idx := sc.idx
	sc.mu.RUnlock()
	if idx == nil {
		return nil
	}
	return idx.clusters(sc.Options, bounds, sc.limitZoom(zoom))
}

func (idx *levels) clusters(opts SuperclusterOptions, bounds orb.Bound, zoom int) []Result {
	minLng := wrapLng(bounds.Min.Lon())
	minLat := clampLat(bounds.Min.Lat())
	maxLng := wrapLng(bounds.Max.Lon())
	if bounds.Max.Lon() == 180 {
		maxLng = 180
	}
	maxLat := clampLat(bounds.Max.Lat())

	if bounds.Max.Lon()-bounds.Min.Lon() >= 360 {
		minLng, maxLng = -180, 180
	} else if minLng > maxLng {
		eastern := idx.clusters(opts, orb.Bound{Min: orb.Point{minLng, minLat}, Max: orb.Point{180, maxLat}}, zoom)
		western := idx.clusters(opts, orb.Bound{Min: orb.Point{-180, minLat}, Max: orb.Point{maxLng, maxLat}}, zoom)
		return append(eastern, western...)
	}

	tree := idx.trees[zoom]
	ids := tree.Range(LngX(minLng), LatY(maxLat), LngX(maxLng), LatY(minLat))
	results := make([]Result, 0, len(ids))
	for _, i := range ids {
		results = append(results, idx.result(tree.Points[i]))
	}
	return results
}

func (idx *levels) result(p KDPoint) Result {
	if p.IsCluster() {
		return Result{Cluster: &Cluster{
			ID:          p.Index,
			Coordinates: orb.Point{XLng(p.X), YLat(p.Y)},
			MemberCount: p.NumPoints,
			Averages:    idx.pool.GetPointMetrics(p).Averages(),
		}}
	}
	f := idx.features[p.Index]
	return Result{Point: &f}
}

// children returns the entries one zoom level above the cluster that it absorbed.
func (idx *levels) children(opts SuperclusterOptions, clusterID int) ([]KDPoint, error) {
	n := len(idx.features)
	if clusterID < n {
		return nil, fmt.Errorf("%w: %d", ErrClusterNotFound, clusterID)
	}
	originID := (clusterID - n) >> 5
	originZoom := (clusterID - n) % 32
	if originZoom <= opts.MinZoom || originZoom >= len(idx.trees) || idx.trees[originZoom] == nil {
		return nil, fmt.Errorf("%w: %d", ErrClusterNotFound, clusterID)
	}
	tree := idx.trees[originZoom]
	if originID >= len(tree.Points) {
		return nil, fmt.Errorf("%w: %d", ErrClusterNotFound, clusterID)
	}

	origin := tree.Points[originID]
	r := opts.Radius / (float64(opts.Extent) * math.Pow(2, float64(originZoom-1)))
	var children []KDPoint
	for _, j := range tree.Within(origin.X, origin.Y, r) {
		if tree.Points[j].ParentID == clusterID {
			children = append(children, tree.Points[j])
		}
	}
	if len(children) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrClusterNotFound, clusterID)
	}
	return children, nil
}

func (sc *Supercluster) current() (*levels, error) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	if sc.idx == nil {
		return nil, ErrClusterNotFound
	}
	return sc.idx, nil
}

// GetChildren returns the direct children of a cluster.
func (sc *Supercluster) GetChildren(clusterID int) ([]Result, error) {
	idx, err := sc.current()
	if err != nil {
		return nil, err
	}
	children, err := idx.children(sc.Options, clusterID)
	if err != nil {
		return nil, err
	}
	results := make([]Result, len(children))
	for i, c := range children {
		results[i] = idx.result(c)
	}
	return results, nil
}

// GetLeaves returns every feature of a cluster.
func (sc *Supercluster) GetLeaves(clusterID int) ([]feature.PointFeature, error) {
	return sc.GetLeavesPage(clusterID, 0, 0)
}

// GetLeavesPage returns up to limit features of a cluster after skipping
// offset of them. A limit of zero or less means no limit.
func (sc *Supercluster) GetLeavesPage(clusterID, limit, offset int) ([]feature.PointFeature, error) {
	idx, err := sc.current()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = math.MaxInt
	}
	leaves := make([]feature.PointFeature, 0)
	if _, err := idx.appendLeaves(&leaves, sc.Options, clusterID, limit, offset, 0); err != nil {
		return nil, err
	}
	return leaves, nil
}

func (idx *levels) appendLeaves(result *[]feature.PointFeature, opts SuperclusterOptions, clusterID, limit, offset, skipped int) (int, error) {
	children, err := idx.children(opts, clusterID)
	if err != nil {
		return skipped, err
	}

	for _, c := range children {
		if c.IsCluster() {
			if skipped+c.NumPoints <= offset {
				skipped += c.NumPoints
			} else {
				skipped, err = idx.appendLeaves(result, opts, c.Index, limit, offset, skipped)
				if err != nil {
					return skipped, err
				}
			}
		} else if skipped < offset {
			skipped++
		} else {
			*result = append(*result, idx.features[c.Index])
		}
		if len(*result) == limit {
			break
		}
	}
	return skipped, nil
}

// GetClusterExpansionZoom returns the zoom at which the cluster splits into
// more than one entry.
func (sc *Supercluster) GetClusterExpansionZoom(clusterID int) (int, error) {
	idx, err := sc.current()
	if err != nil {
		return 0, err
	}
	if clusterID < len(idx.features) {
		return 0, fmt.Errorf("%w: %d", ErrClusterNotFound, clusterID)
	}

	expansionZoom := (clusterID-len(idx.features))%32 - 1
	for expansionZoom <= sc.Options.MaxZoom {
		children, err := idx.children(sc.Options, clusterID)
		if err != nil {
			return 0, err
		}
		expansionZoom++
		if len(children) != 1 || !children[0].IsCluster() {
			break
		}
		clusterID = children[0].Index
	}
	return expansionZoom, nil
}

// Len returns the number of indexed features.
func (sc *Supercluster) Len() int {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	if sc.idx == nil {
		return 0
	}
	return len(sc.idx.features)
}

// Features returns a copy of the indexed features in load order.
func (sc *Supercluster) Features() []feature.PointFeature {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	if sc.idx == nil {
		return nil
	}
	out := make([]feature.PointFeature, len(sc.idx.features))
	copy(out, sc.idx.features)
	return out
}

// Reset drops the current build.
func (sc *Supercluster) Reset() {
	sc.mu.Lock()
	sc.idx = nil
	sc.mu.Unlock()
}

// ToGeoJSON converts clusters to GeoJSON format
func (sc *Supercluster) ToGeoJSON(bounds orb.Bound, zoom int) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, r := range sc.GetClusters(bounds, zoom) {
		f := geojson.NewFeature(r.Coordinates())
		if c := r.Cluster; c != nil {
			f.Properties["cluster"] = true
			f.Properties["cluster_id"] = c.ID
			f.Properties["point_count"] = c.MemberCount
			if len(c.Averages) > 0 {
				f.Properties["averages"] = c.Averages
			}
		} else {
			f.ID = r.Point.ID
			f.Properties["cluster"] = false
			f.Properties["id"] = r.Point.ID
			f.Properties["name"] = r.Point.Name
			f.Properties["category"] = r.Point.Category
			f.Properties["source"] = r.Point.Source
			if len(r.Point.Measurements) > 0 {
				f.Properties["measurements"] = r.Point.Measurements
			}
		}
		fc.Append(f)
	}
	return fc
}

// LngX projects a longitude into [0, 1].
func LngX(lng float64) float64 {
	return lng/360 + 0.5
}

// LatY projects a latitude into [0, 1] on the spherical mercator.
func LatY(lat float64) float64 {
	sin := math.Sin(lat * math.Pi / 180)
	y := 0.5 - 0.25*math.Log((1+sin)/(1-sin))/math.Pi
	if y < 0 {
		return 0
	}
	if y > 1 {
		return 1
	}
	return y
}

// XLng is the inverse of LngX.
func XLng(x float64) float64 {
	return (x - 0.5) * 360
}

// YLat is the inverse of LatY.
func YLat(y float64) float64 {
	y2 := (180 - y*360) * math.Pi / 180
	return 360*math.Atan(math.Exp(y2))/math.Pi - 90
}

func wrapLng(lng float64) float64 {
	return math.Mod(math.Mod(lng+180, 360)+360, 360) - 180
}

func clampLat(lat float64) float64 {
	return math.Max(-90, math.Min(90, lat))
}
