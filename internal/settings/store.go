// Package settings persists the tunable tab limit and notifies subscribers
// when it changes.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

const (
	// Namespace is the storage area every change notification is tagged with.
	Namespace = "local"
	// KeyMaxTabs holds the per-window tab limit.
	KeyMaxTabs = "maxTabsPerWindow"
	// DefaultMaxTabs applies when KeyMaxTabs has never been written.
	DefaultMaxTabs = 10
)

// ErrInvalidLimit is returned when a limit below 1 is written.
var ErrInvalidLimit = errors.New("settings: limit must be at least 1")

// Change describes a single key update. OldValue is zero when the key was
// previously absent.
type Change struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	OldValue  int    `json:"old_value"`
	NewValue  int    `json:"new_value"`
}

type subscriber struct {
	id int64
	fn func(Change)
}

// Store is a JSON-file backed key/value store of integer settings.
type Store struct {
	path string

	// writeMu orders persist and publish so subscribers see changes in
	// the order they were stored.
	writeMu sync.Mutex

	mu     sync.RWMutex
	values map[string]int

	subMu  sync.RWMutex
	subs   []subscriber
	nextID atomic.Int64
}

// Open loads the store at path. A missing file yields an empty store; the
// file is created on the first write.
func Open(path string) (*Store, error) {
	s := &Store{path: path, values: make(map[string]int)}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("settings file absent, using defaults", "path", path)
			return s, nil
		}
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("settings: decode %s: %w", path, err)
	}
	return s, nil
}

// Get returns the value stored under key and whether it was present.
func (s *Store) Get(key string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// MaxTabs returns the configured tab limit, or DefaultMaxTabs when unset.
func (s *Store) MaxTabs() (int, error) {
	v, ok := s.Get(KeyMaxTabs)
	if !ok {
		return DefaultMaxTabs, nil
	}
	if v < 1 {
		return DefaultMaxTabs, fmt.Errorf("settings: stored %s=%d: %w", KeyMaxTabs, v, ErrInvalidLimit)
	}
	return v, nil
}

// SetMaxTabs validates and persists a new tab limit.
func (s *Store) SetMaxTabs(n int) error {
	if n < 1 {
		return ErrInvalidLimit
	}
	return s.Set(KeyMaxTabs, n)
}

// Set writes key and notifies subscribers when the value changed.
// Subscribers must not call Set.
func (s *Store) Set(key string, value int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	old, existed := s.values[key]
	if existed && old == value {
		s.mu.Unlock()
		return nil
	}
	s.values[key] = value
	if err := s.persistLocked(); err != nil {
		if existed {
			s.values[key] = old
		} else {
			delete(s.values, key)
		}
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.publish(Change{Namespace: Namespace, Key: key, OldValue: old, NewValue: value})
	return nil
}

// Subscribe registers fn for change notifications. Callbacks run on the
// writer's goroutine in registration order. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(Change)) func() {
	id := s.nextID.Add(1)
	s.subMu.Lock()
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) publish(change Change) {
	s.subMu.RLock()
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	s.subMu.RUnlock()

	slog.Info("settings changed", "key", change.Key, "old", change.OldValue, "new", change.NewValue)
	for _, sub := range subs {
		sub.fn(change)
	}
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("settings: mkdir %s: %w", dir, err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("settings: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("settings: replace: %w", err)
	}
	return nil
}
