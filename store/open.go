package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// Open returns the store named by driver. The close function releases it and
// is never nil.
func Open(driver, path string) (LocationStore, func() error, error) {
	noop := func() error { return nil }
	switch driver {
	case "memory":
		return NewMemoryStore(), noop, nil
	case "query":
		return NewQueryStore(), noop, nil
	case "sqlite", "":
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		s, err := OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", driver)
}
