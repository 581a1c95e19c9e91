// Package store persists users and wallets as JSON files.
//
// Writes are coalesced through an explicit dirty flag: mutations mark the
// store dirty, and a flush happens on a schedule (maintenance service) and on
// shutdown, not as a side effect of every mutation.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

type jsonFile[T any] struct {
	path string

	mu      sync.RWMutex
	data    T
	changed bool
}

func openJSONFile[T any](path string, empty func() T) (*jsonFile[T], error) {
	f := &jsonFile[T]{path: path, data: empty()}

	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(b, &f.data); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

func (f *jsonFile[T]) view(fn func(T)) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn(f.data)
}

func (f *jsonFile[T]) mutate(fn func(T)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.data)
	f.changed = true
}

func (f *jsonFile[T]) dirty() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.changed
}

// flush writes the current state atomically (tmp + rename) if dirty.
func (f *jsonFile[T]) flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.changed {
		return nil
	}

	b, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return err
	}
	f.changed = false
	return nil
}
