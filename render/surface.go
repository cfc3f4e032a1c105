package render

import "github.com/paulmach/orb"

// Surface is the map the markers are drawn on. Implementations must not hold
// their own locks while calling settle listeners or marker handlers.
type Surface interface {
	// Ready reports whether the surface can take markers yet.
	Ready() bool
	AddMarker(m Marker, h Handlers)
	RemoveMarker(key string)
	ShowPopup(key string, p Popup)
	HidePopup(key string)
	// FlyTo moves the viewport. The surface fires settle once the move ends.
	FlyTo(center orb.Point, zoom float64)
	Bounds() orb.Bound
	Zoom() float64
	// OnSettle registers fn for settle events and returns its unsubscribe func.
	OnSettle(fn func()) (unsubscribe func())
}
