// Package render turns index query results into marker intents and keeps a
// rendering surface in sync with them.
package render

import (
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"web/aqmap/feature"
	"web/aqmap/summary"
)

type Kind string

const (
	KindPoint   Kind = "point"
	KindCluster Kind = "cluster"
)

// Style is the marker look. Each style has its own clustering radius since
// larger markers overlap sooner.
type Style string

const (
	StyleEmoji  Style = "emoji"
	StyleNode   Style = "node"
	StyleNumber Style = "number"
)

var Styles = []Style{StyleEmoji, StyleNode, StyleNumber}

func ParseStyle(s string) (Style, bool) {
	switch Style(strings.ToLower(strings.TrimSpace(s))) {
	case StyleEmoji:
		return StyleEmoji, true
	case StyleNode:
		return StyleNode, true
	case StyleNumber:
		return StyleNumber, true
	}
	return "", false
}

// Radius is the clustering radius in pixels for the style.
func (s Style) Radius() float64 {
	switch s {
	case StyleEmoji:
		return 40
	case StyleNode:
		return 60
	}
	return 80
}

// PopupOffset is the pixel distance between marker anchor and popup.
func (s Style) PopupOffset() int {
	switch s {
	case StyleNode:
		return 35
	case StyleNumber:
		return 42
	}
	return 58
}

// Marker is the visual intent for one query result.
type Marker struct {
	Key        string           `json:"key"`
	Kind       Kind             `json:"kind"`
	Style      Style            `json:"style"`
	Position   orb.Point        `json:"position"`
	Category   feature.Category `json:"category"`
	Label      string           `json:"label,omitempty"`
	Selected   bool             `json:"selected,omitempty"`
	FeatureID  string           `json:"featureId,omitempty"`
	ClusterID  int              `json:"clusterId,omitempty"`
	Count      int              `json:"count"`
	CountLabel string           `json:"countLabel,omitempty"`
	Summary    *summary.Summary `json:"summary,omitempty"`
	Popup      *Popup           `json:"-"`
}

// Handlers are the interactions attached to a marker. Nil handlers are ignored.
type Handlers struct {
	HoverEnter func()
	HoverLeave func()
	Click      func()
}

func PointKey(id string) string { return "point:" + id }

func ClusterKey(id int) string { return "cluster:" + strconv.Itoa(id) }

// countLabel shows how many members are hidden behind the two shown categories.
func countLabel(count int) string {
	if count > 2 {
		return strconv.Itoa(count-2) + " + "
	}
	return ""
}

func formatValue(v float64, ok bool) string {
	if !ok {
		return "N/A"
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
