package cluster

import (
	"math"
	"sort"
)

// KDNode is one node of the static tree. Leaves hold a run of points; inner
// nodes split their run at the median on Axis.
type KDNode struct {
	Start int32 // first index into Points, inclusive
	End   int32 // last index into Points, inclusive
	Left  int32 // index into Nodes, -1 for leaves
	Right int32 // index into Nodes, -1 for leaves
	Axis  uint8 // 0 = X, 1 = Y
}

// KDTree is a static two dimensional tree built once per zoom level.
type KDTree struct {
	Nodes    []KDNode  // All nodes in a single slice
	Points   []KDPoint // All points in a single slice, reordered by the build
	NodeSize int
	Bounds   KDBounds
}

// KDPoint is an entry of one zoom level: either an input feature or a
// cluster formed at that level. X and Y are in projected [0, 1] space.
type KDPoint struct {
	X, Y      float64
	Zoom      int    // last zoom this entry was processed at
	Index     int    // feature index for points, cluster id for clusters
	ParentID  int    // id of the cluster that absorbed it at the next lower zoom, -1 if none
	NumPoints int    // 1 for input features
	MetricIdx uint32 // index into the build's MetricsPool
}

// IsCluster reports whether the entry aggregates more than one feature.
func (p KDPoint) IsCluster() bool { return p.NumPoints > 1 }

type KDBounds struct {
	MinX, MinY, MaxX, MaxY float64
}

func emptyBounds() KDBounds {
	return KDBounds{
		MinX: math.Inf(1),
		MinY: math.Inf(1),
		MaxX: math.Inf(-1),
		MaxY: math.Inf(-1),
	}
}

// Extend expands bounds to include another point
func (b *KDBounds) Extend(x, y float64) {
	b.MinX = math.Min(b.MinX, x)
	b.MinY = math.Min(b.MinY, y)
	b.MaxX = math.Max(b.MaxX, x)
	b.MaxY = math.Max(b.MaxY, y)
}

// NewKDTree builds a tree over points. The slice is taken over and reordered.
func NewKDTree(points []KDPoint, nodeSize int) *KDTree {
	if nodeSize <= 0 {
		nodeSize = 64
	}
	tree := &KDTree{
		Nodes:    make([]KDNode, 0, 2*len(points)/nodeSize+1),
		Points:   points,
		NodeSize: nodeSize,
		Bounds:   emptyBounds(),
	}

	for _, p := range points {
		tree.Bounds.Extend(p.X, p.Y)
	}

	if len(points) > 0 {
		tree.buildNodes(0, len(points)-1, 0)
	}

	return tree
}

func (t *KDTree) buildNodes(start, end, depth int) int32 {
	if start > end {
		return -1
	}

	nodeIdx := int32(len(t.Nodes))
	t.Nodes = append(t.Nodes, KDNode{Start: int32(start), End: int32(end), Left: -1, Right: -1})

	if end-start < t.NodeSize {
		return nodeIdx
	}

	axis := depth % 2
	median := (start + end) / 2
	sortPointsRange(t.Points[start:end+1], axis)

	left := t.buildNodes(start, median-1, depth+1)
	right := t.buildNodes(median+1, end, depth+1)

	// append may have moved the backing array
	node := &t.Nodes[nodeIdx]
	node.Axis = uint8(axis)
	node.Left = left
	node.Right = right
	return nodeIdx
}

func sortPointsRange(points []KDPoint, axis int) {
	if axis == 0 {
		sort.Slice(points, func(i, j int) bool {
			return points[i].X < points[j].X
		})
	} else {
		sort.Slice(points, func(i, j int) bool {
			return points[i].Y < points[j].Y
		})
	}
}

// split reports whether the node was divided at its median. Leaves are
// scanned linearly.
func (n KDNode) split() bool { return n.Left >= 0 || n.Right >= 0 }

// Range returns the indices of all points inside the axis aligned box.
func (t *KDTree) Range(minX, minY, maxX, maxY float64) []int {
	var result []int
	if len(t.Nodes) == 0 {
		return result
	}
	t.rangeNode(0, minX, minY, maxX, maxY, &result)
	return result
}

func (t *KDTree) rangeNode(nodeIdx int32, minX, minY, maxX, maxY float64, result *[]int) {
	node := t.Nodes[nodeIdx]
	if !node.split() {
		for i := node.Start; i <= node.End; i++ {
			p := t.Points[i]
			if p.X >= minX && p.X <= maxX && p.Y >= minY && p.Y <= maxY {
				*result = append(*result, int(i))
			}
		}
		return
	}

	median := (node.Start + node.End) / 2
	m := t.Points[median]
	if m.X >= minX && m.X <= maxX && m.Y >= minY && m.Y <= maxY {
		*result = append(*result, int(median))
	}

	lo, hi := minX, maxX
	v := m.X
	if node.Axis == 1 {
		lo, hi, v = minY, maxY, m.Y
	}
	if node.Left >= 0 && lo <= v {
		t.rangeNode(node.Left, minX, minY, maxX, maxY, result)
	}
	if node.Right >= 0 && hi >= v {
		t.rangeNode(node.Right, minX, minY, maxX, maxY, result)
	}
}

// Within returns the indices of all points at most r away from (x, y).
func (t *KDTree) Within(x, y, r float64) []int {
	var result []int
	if len(t.Nodes) == 0 {
		return result
	}
	t.withinNode(0, x, y, r, r*r, &result)
	return result
}

func (t *KDTree) withinNode(nodeIdx int32, x, y, r, r2 float64, result *[]int) {
	node := t.Nodes[nodeIdx]
	if !node.split() {
		for i := node.Start; i <= node.End; i++ {
			p := t.Points[i]
			if sqDist(p.X, p.Y, x, y) <= r2 {
				*result = append(*result, int(i))
			}
		}
		return
	}

	median := (node.Start + node.End) / 2
	m := t.Points[median]
	if sqDist(m.X, m.Y, x, y) <= r2 {
		*result = append(*result, int(median))
	}

	q, v := x, m.X
	if node.Axis == 1 {
		q, v = y, m.Y
	}
	if node.Left >= 0 && q-r <= v {
		t.withinNode(node.Left, x, y, r, r2, result)
	}
	if node.Right >= 0 && q+r >= v {
		t.withinNode(node.Right, x, y, r, r2, result)
	}
}

func sqDist(ax, ay, bx, by float64) float64 {
	dx := ax - bx
	dy := ay - by
	return dx*dx + dy*dy
}
