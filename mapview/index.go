package mapview

import (
	"sync/atomic"

	"github.com/paulmach/orb"

	"web/aqmap/cluster"
	"web/aqmap/feature"
)

// indexRef lets the renderer and controller follow the view's index when a
// style change swaps it for one built with a different radius.
type indexRef struct {
	p atomic.Pointer[cluster.Supercluster]
}

func (r *indexRef) get() *cluster.Supercluster { return r.p.Load() }

func (r *indexRef) set(sc *cluster.Supercluster) { r.p.Store(sc) }

func (r *indexRef) GetClusters(bounds orb.Bound, zoom int) []cluster.Result {
	return r.get().GetClusters(bounds, zoom)
}

func (r *indexRef) GetLeaves(id int) ([]feature.PointFeature, error) {
	return r.get().GetLeaves(id)
}
