// Package store persists small per-key values such as the last viewport a
// user looked at.
package store

import (
	"context"
	"net/url"
	"sync"
)

// LocationStore is a key/value store for encoded locations.
type LocationStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
}

// MemoryStore keeps values in a map.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return nil
}

// QueryStore behaves like a page address bar: each key owns a query string,
// and Set merges the parameters of value into it, replacing those it names and
// keeping the others.
type QueryStore struct {
	mu     sync.RWMutex
	values map[string]url.Values
}

func NewQueryStore() *QueryStore {
	return &QueryStore{values: make(map[string]url.Values)}
}

func (s *QueryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.values[key]
	if !ok {
		return "", false, nil
	}
	return q.Encode(), true, nil
}

func (s *QueryStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	update, err := url.ParseQuery(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.values[key]
	if !ok {
		q = url.Values{}
		s.values[key] = q
	}
	for name, vals := range update {
		q[name] = append([]string(nil), vals...)
	}
	return nil
}

// Query returns a copy of the parameters stored under key.
func (s *QueryStore) Query(key string) url.Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := url.Values{}
	for name, vals := range s.values[key] {
		out[name] = append([]string(nil), vals...)
	}
	return out
}
