package render

import (
	"errors"
	"math"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"web/aqmap/cluster"
)

const (
	tileSize = 512
	minZoom  = 0
	maxZoom  = 22
)

// ErrMarkerNotFound is returned when an event targets a key that is not drawn.
var ErrMarkerNotFound = errors.New("marker not found")

// Event is a user interaction with a marker.
type Event string

const (
	EventHoverEnter Event = "hover"
	EventHoverLeave Event = "leave"
	EventClick      Event = "click"
)

type placed struct {
	marker   Marker
	handlers Handlers
}

// Canvas is an in-memory web mercator surface of Width x Height pixels. It
// stands in for a browser map: the service drives it with viewport changes
// and marker events, and renders its contents as GeoJSON.
type Canvas struct {
	Width, Height int

	mu        sync.Mutex
	ready     bool
	center    orb.Point
	zoom      float64
	markers   map[string]*placed
	order     []string
	popups    map[string]Popup
	listeners map[int]func()
	nextID    int
}

func NewCanvas(width, height int, center orb.Point, zoom float64) *Canvas {
	if width <= 0 {
		width = 1024
	}
	if height <= 0 {
		height = 768
	}
	return &Canvas{
		Width:     width,
		Height:    height,
		ready:     true,
		center:    center,
		zoom:      clampZoom(zoom),
		markers:   make(map[string]*placed),
		popups:    make(map[string]Popup),
		listeners: make(map[int]func()),
	}
}

func clampZoom(z float64) float64 {
	if math.IsNaN(z) {
		return minZoom
	}
	return math.Max(minZoom, math.Min(maxZoom, z))
}

// SetReady toggles whether the canvas accepts markers.
func (c *Canvas) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

func (c *Canvas) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *Canvas) AddMarker(m Marker, h Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.markers[m.Key]; !exists {
		c.order = append(c.order, m.Key)
	}
	c.markers[m.Key] = &placed{marker: m, handlers: h}
}

func (c *Canvas) RemoveMarker(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.markers[key]; !exists {
		return
	}
	delete(c.markers, key)
	delete(c.popups, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Canvas) ShowPopup(key string, p Popup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.markers[key]; exists {
		c.popups[key] = p
	}
}

func (c *Canvas) HidePopup(key string) {
	c.mu.Lock()
	delete(c.popups, key)
	c.mu.Unlock()
}

// FlyTo jumps to the target and fires settle.
func (c *Canvas) FlyTo(center orb.Point, zoom float64) {
	c.SetView(center, zoom)
}

// SetView moves the viewport as a user pan or zoom would, then fires settle.
func (c *Canvas) SetView(center orb.Point, zoom float64) {
	c.mu.Lock()
	c.center = orb.Point{wrapLon(center.Lon()), math.Max(-85.0511, math.Min(85.0511, center.Lat()))}
	c.zoom = clampZoom(zoom)
	c.mu.Unlock()
	c.settle()
}

func (c *Canvas) settle() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.listeners))
	for id := 0; id < c.nextID; id++ {
		if fn, ok := c.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (c *Canvas) Center() orb.Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.center
}

func (c *Canvas) Zoom() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.zoom
}

// Bounds returns the visible box. Longitudes are left unwrapped when the
// view is wider than the world.
func (c *Canvas) Bounds() orb.Bound {
	c.mu.Lock()
	defer c.mu.Unlock()

	worldSize := tileSize * math.Pow(2, c.zoom)
	cx := cluster.LngX(c.center.Lon()) * worldSize
	cy := cluster.LatY(c.center.Lat()) * worldSize
	halfW := float64(c.Width) / 2
	halfH := float64(c.Height) / 2

	minY := math.Max(0, (cy-halfH)/worldSize)
	maxY := math.Min(1, (cy+halfH)/worldSize)
	return orb.Bound{
		Min: orb.Point{cluster.XLng((cx - halfW) / worldSize), cluster.YLat(maxY)},
		Max: orb.Point{cluster.XLng((cx + halfW) / worldSize), cluster.YLat(minY)},
	}
}

func (c *Canvas) OnSettle(fn func()) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Listeners returns the number of registered settle listeners.
func (c *Canvas) Listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// Dispatch delivers a user event to the marker with key.
func (c *Canvas) Dispatch(key string, ev Event) error {
	c.mu.Lock()
	p, ok := c.markers[key]
	var fn func()
	if ok {
		switch ev {
		case EventHoverEnter:
			fn = p.handlers.HoverEnter
		case EventHoverLeave:
			fn = p.handlers.HoverLeave
		case EventClick:
			fn = p.handlers.Click
		}
	}
	c.mu.Unlock()

	if !ok {
		return ErrMarkerNotFound
	}
	if fn != nil {
		fn()
	}
	return nil
}

// Markers returns the drawn markers in the order they were added.
func (c *Canvas) Markers() []Marker {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Marker, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.markers[key].marker)
	}
	return out
}

// Popup returns the open popup of a marker.
func (c *Canvas) Popup(key string) (Popup, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.popups[key]
	return p, ok
}

// GeoJSON renders the drawn markers, with any open popup attached.
func (c *Canvas) GeoJSON() *geojson.FeatureCollection {
	c.mu.Lock()
	defer c.mu.Unlock()

	fc := geojson.NewFeatureCollection()
	for _, key := range c.order {
		m := c.markers[key].marker
		f := geojson.NewFeature(m.Position)
		f.ID = m.Key
		f.Properties["key"] = m.Key
		f.Properties["kind"] = m.Kind
		f.Properties["style"] = m.Style
		f.Properties["category"] = m.Category
		f.Properties["count"] = m.Count
		if m.Label != "" {
			f.Properties["label"] = m.Label
		}
		if m.Kind == KindCluster {
			f.Properties["cluster_id"] = m.ClusterID
			f.Properties["countLabel"] = m.CountLabel
			if m.Summary != nil {
				f.Properties["categories"] = m.Summary.Categories
				f.Properties["exemplars"] = m.Summary.Exemplars
			}
		} else {
			f.Properties["featureId"] = m.FeatureID
			f.Properties["selected"] = m.Selected
		}
		if p, open := c.popups[key]; open {
			f.Properties["popup"] = p
		}
		fc.Append(f)
	}
	return fc
}

func wrapLon(lon float64) float64 {
	if lon >= -180 && lon <= 180 {
		return lon
	}
	return math.Mod(math.Mod(lon+180, 360)+360, 360) - 180
}
