package viewport

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"web/aqmap/cluster"
	"web/aqmap/render"
	"web/aqmap/store"
)

const defaultPersistTimeout = 2 * time.Second

type State int

const (
	Idle State = iota
	Moving
)

func (s State) String() string {
	if s == Moving {
		return "moving"
	}
	return "idle"
}

// Index is the read side of the spatial index.
type Index interface {
	GetClusters(bounds orb.Bound, zoom int) []cluster.Result
}

type Options struct {
	// Key names the viewport in Store.
	Key            string
	Store          store.LocationStore
	PersistTimeout time.Duration
	Logger         *zap.Logger
}

// Controller runs one query and one reconcile per settle event.
type Controller struct {
	surface  render.Surface
	index    Index
	renderer *render.Renderer
	opts     Options
	logger   *zap.Logger

	mu          sync.Mutex
	state       State
	unsubscribe func()
	closed      bool
	last        Viewport
	passes      int

	persisting sync.WaitGroup
}

func NewController(surface render.Surface, index Index, renderer *render.Renderer, opts Options) *Controller {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		surface:  surface,
		index:    index,
		renderer: renderer,
		opts:     opts,
		logger:   logger.With(zap.String("viewport", opts.Key)),
	}
}

// Start subscribes to the surface's settle events. Calling it twice is a no-op.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.unsubscribe != nil || c.surface == nil {
		return
	}
	c.unsubscribe = c.surface.OnSettle(func() {
		if err := c.Settle(); err != nil {
			c.logger.Error("settle pass failed", zap.Error(err))
		}
	})
}

// MoveStart marks the map as moving. Nothing is rendered until it settles.
func (c *Controller) MoveStart() {
	c.mu.Lock()
	if !c.closed {
		c.state = Moving
	}
	c.mu.Unlock()
}

// Settle returns the controller to Idle, renders the visible set and persists
// the viewport in the background.
func (c *Controller) Settle() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.state = Idle
	if err := c.pass(); err != nil {
		return err
	}
	c.persist(c.last)
	return nil
}

// Refresh re-renders the current viewport, typically after the index was
// reloaded. It does not persist.
func (c *Controller) Refresh() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.pass()
}

func (c *Controller) pass() error {
	if c.surface == nil || !c.surface.Ready() {
		return nil
	}
	zoom := c.surface.Zoom()
	bounds := c.surface.Bounds()
	results := c.index.GetClusters(bounds, int(math.Floor(zoom)))
	if err := c.renderer.Reconcile(results, zoom); err != nil {
		return err
	}
	center := bounds.Center()
	if cs, ok := c.surface.(interface{ Center() orb.Point }); ok {
		center = cs.Center()
	}
	c.last = Viewport{Lat: center.Lat(), Lng: center.Lon(), Zoom: zoom}
	c.passes++
	c.logger.Debug("viewport rendered",
		zap.Int("results", len(results)),
		zap.Float64("zoom", zoom))
	return nil
}

func (c *Controller) persist(v Viewport) {
	if c.opts.Store == nil {
		return
	}
	c.persisting.Add(1)
	go func() {
		defer c.persisting.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.PersistTimeout)
		defer cancel()
		if err := c.opts.Store.Set(ctx, c.opts.Key, v.String()); err != nil {
			c.logger.Warn("failed to persist viewport", zap.Error(err))
		}
	}()
}

// Restore reads the last persisted viewport for the controller's key.
func (c *Controller) Restore(ctx context.Context) (Viewport, bool, error) {
	if c.opts.Store == nil {
		return Viewport{}, false, nil
	}
	return Load(ctx, c.opts.Store, c.opts.Key)
}

// Load reads a persisted viewport from s.
func Load(ctx context.Context, s store.LocationStore, key string) (Viewport, bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return Viewport{}, false, err
	}
	return Parse(raw)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Last returns the viewport of the latest render pass.
func (c *Controller) Last() Viewport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Passes counts completed render passes.
func (c *Controller) Passes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.passes
}

// Close unsubscribes from the surface, removes every marker and waits for
// pending persistence writes.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.renderer.Clear()
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.persisting.Wait()
}
