package source

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"web/aqmap/feature"
)

const defaultConcurrency = 8

// Sink receives normalized batches. A batch replaces everything previously
// applied for its source kind. Sinks must re-check Loader.Current under their
// own lock before applying, since a newer request may begin at any time.
type Sink interface {
	Apply(gen uint64, kind feature.SourceKind, features []feature.PointFeature)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(gen uint64, kind feature.SourceKind, features []feature.PointFeature)

func (f SinkFunc) Apply(gen uint64, kind feature.SourceKind, features []feature.PointFeature) {
	f(gen, kind, features)
}

// Status holds the loading indicators of the current request.
type Status struct {
	Generation uint64 `json:"generation"`
	Readings   bool   `json:"readings"`
	Others     bool   `json:"others"`
}

type LoaderOptions struct {
	Cities []string
	// Concurrency caps parallel city requests.
	Concurrency int
	Logger      *zap.Logger
}

// Loader issues fetches and tracks which one is current. Beginning a new
// request cancels the previous one; batches of superseded requests are
// dropped.
type Loader struct {
	readings ReadingsFetcher
	cities   CityFetcher
	opts     LoaderOptions
	logger   *zap.Logger

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	status Status
	closed bool
}

func NewLoader(readings ReadingsFetcher, cities CityFetcher, opts LoaderOptions) *Loader {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{readings: readings, cities: cities, opts: opts, logger: logger}
}

// Begin cancels the in-flight request, if any, and starts a new generation.
// The returned context is cancelled when the generation is superseded or the
// loader is closed.
func (l *Loader) Begin(parent context.Context) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(parent)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
	if l.closed {
		cancel()
		return ctx, l.gen
	}
	l.gen++
	l.cancel = cancel
	l.status = Status{Generation: l.gen}
	return ctx, l.gen
}

// Current reports whether gen is the latest generation of an open loader.
func (l *Loader) Current(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed && gen == l.gen
}

func (l *Loader) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Fetch begins a new generation and runs it to completion.
func (l *Loader) Fetch(ctx context.Context, p feature.Pollutant, sink Sink) error {
	ctx, gen := l.Begin(ctx)
	return l.Run(ctx, gen, p, sink)
}

// Run fetches both sources concurrently and applies each batch as soon as its
// source completes. Source failures are logged and never fail the run; the
// returned error is only the context's, when the run was cancelled.
func (l *Loader) Run(ctx context.Context, gen uint64, p feature.Pollutant, sink Sink) error {
	if !l.Current(gen) {
		return context.Canceled
	}
	l.setStatus(gen, func(s *Status) {
		s.Readings = l.readings != nil
		s.Others = l.cities != nil && len(l.opts.Cities) > 0
	})

	var wg sync.WaitGroup
	if l.readings != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fs := l.fetchReadings(ctx, p)
			l.deliver(gen, feature.SourceReadings, fs, sink)
			l.setStatus(gen, func(s *Status) { s.Readings = false })
		}()
	}
	if l.cities != nil && len(l.opts.Cities) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fs := l.fetchCities(ctx, p)
			l.deliver(gen, feature.SourceWAQI, fs, sink)
			l.setStatus(gen, func(s *Status) { s.Others = false })
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close cancels the in-flight request. Later batches are never applied.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.status.Readings, l.status.Others = false, false
}

func (l *Loader) fetchReadings(ctx context.Context, p feature.Pollutant) []feature.PointFeature {
	raws, err := l.readings.FetchReadings(ctx)
	if err != nil {
		if !aborted(ctx, err) {
			l.logger.Error("error fetching map readings", zap.Error(err))
		}
		return nil
	}
	return normalizeAll(raws, feature.SourceReadings, p)
}

func (l *Loader) fetchCities(ctx context.Context, p feature.Pollutant) []feature.PointFeature {
	raws := make([]json.RawMessage, len(l.opts.Cities))

	var g errgroup.Group
	g.SetLimit(l.opts.Concurrency)
	for i, city := range l.opts.Cities {
		i, city := i, city
		g.Go(func() error {
			raw, err := l.cities.FetchCity(ctx, city)
			if err != nil {
				if !aborted(ctx, err) {
					l.logger.Warn("failed to fetch city data", zap.String("city", city), zap.Error(err))
				}
				return nil
			}
			raws[i] = raw
			return nil
		})
	}
	_ = g.Wait()
	return normalizeAll(raws, feature.SourceWAQI, p)
}

func (l *Loader) deliver(gen uint64, kind feature.SourceKind, fs []feature.PointFeature, sink Sink) {
	if !l.Current(gen) {
		l.logger.Debug("dropping superseded batch", zap.Uint64("generation", gen), zap.String("source", string(kind)))
		return
	}
	if sink != nil {
		sink.Apply(gen, kind, fs)
	}
}

func (l *Loader) setStatus(gen uint64, fn func(*Status)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen == l.gen && !l.closed {
		fn(&l.status)
	}
}

func normalizeAll(raws []json.RawMessage, kind feature.SourceKind, p feature.Pollutant) []feature.PointFeature {
	out := make([]feature.PointFeature, 0, len(raws))
	for _, raw := range raws {
		if f, ok := feature.Normalize(raw, kind, p); ok {
			out = append(out, f)
		}
	}
	return feature.Dedupe(out)
}

func aborted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}
