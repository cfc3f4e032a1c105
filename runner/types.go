package runner

import (
	"time"

	"github.com/paulmach/orb"

	"web/aqmap/cluster"
	"web/aqmap/feature"
	"web/aqmap/mapview"
	"web/aqmap/summary"
	"web/aqmap/viewport"
)

// Marker interactions accepted by Interact.
const (
	ActionHover = "hover"
	ActionLeave = "leave"
	ActionClick = "click"
)

type CreateViewRequest struct {
	// UserKey identifies whose last viewport to restore and persist.
	UserKey string `json:"userKey,omitempty"`
	// Viewport overrides the restored or default viewport.
	Viewport  *viewport.Viewport `json:"viewport,omitempty"`
	Pollutant string             `json:"pollutant,omitempty"`
	Style     string             `json:"style,omitempty"`
	Width     int                `json:"width,omitempty"`
	Height    int                `json:"height,omitempty"`
	// Fetch starts loading both upstream sources right away.
	Fetch bool `json:"fetch,omitempty"`
	// SnapshotID seeds the view with the features of a saved snapshot.
	SnapshotID string `json:"snapshotId,omitempty"`
	// Generate seeds the view with that many synthetic features.
	Generate int                    `json:"generate,omitempty"`
	Features []feature.PointFeature `json:"features,omitempty"`
}

type ViewInfo struct {
	ID         string        `json:"id"`
	UserKey    string        `json:"userKey,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	LastAccess time.Time     `json:"lastAccess"`
	State      mapview.State `json:"state"`
}

type IDRequest struct {
	ID string `json:"id"`
}

type MoveRequest struct {
	ID       string            `json:"id"`
	Viewport viewport.Viewport `json:"viewport"`
}

type InteractRequest struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Action string `json:"action"`
}

type ConfigureRequest struct {
	ID        string `json:"id"`
	Pollutant string `json:"pollutant,omitempty"`
	Style     string `json:"style,omitempty"`
}

type RefreshRequest struct {
	ID   string `json:"id"`
	Wait bool   `json:"wait,omitempty"`
}

type LeavesRequest struct {
	ID        string `json:"id"`
	ClusterID int    `json:"clusterId"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

type LeavesResponse struct {
	ClusterID     int                    `json:"clusterId"`
	ExpansionZoom int                    `json:"expansionZoom"`
	Features      []feature.PointFeature `json:"features"`
}

// GeoJSONRequest asks for the rendered markers of a view, or for the raw
// index clusters inside Bounds at Zoom when Bounds is set.
type GeoJSONRequest struct {
	ID     string     `json:"id"`
	Bounds *orb.Bound `json:"bounds,omitempty"`
	Zoom   int        `json:"zoom,omitempty"`
}

type SummaryResponse struct {
	Stats summary.ViewportStats `json:"stats"`
}

type SnapshotRequest struct {
	ID string `json:"id"`
	// Format is zst (default) or mmap.
	Format string `json:"format,omitempty"`
}

type ListViewsResponse struct {
	Views []ViewInfo `json:"views"`
}

type ListSnapshotsResponse struct {
	Snapshots []cluster.SnapshotInfo `json:"snapshots"`
}

type Empty struct{}
