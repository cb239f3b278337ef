package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 100 * time.Millisecond

// defaults are reported as the new value when a key disappears from the file.
var defaults = map[string]int{KeyMaxTabs: DefaultMaxTabs}

// Reload re-reads the settings file and publishes a change for every key
// another writer added, changed or removed. A file that does not decode
// leaves the current values in place.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	values := make(map[string]int)
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("settings: read %s: %w", s.path, err)
	case len(data) > 0:
		if err := json.Unmarshal(data, &values); err != nil {
			return fmt.Errorf("settings: decode %s: %w", s.path, err)
		}
	}

	s.mu.Lock()
	changes := diffValues(s.values, values)
	s.values = values
	s.mu.Unlock()

	for _, c := range changes {
		s.publish(c)
	}
	return nil
}

func diffValues(old, cur map[string]int) []Change {
	var out []Change
	for key, v := range cur {
		if prev, ok := old[key]; !ok || prev != v {
			out = append(out, Change{Namespace: Namespace, Key: key, OldValue: prev, NewValue: v})
		}
	}
	for key, prev := range old {
		if _, ok := cur[key]; !ok {
			out = append(out, Change{Namespace: Namespace, Key: key, OldValue: prev, NewValue: defaults[key]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Watch follows edits made to the settings file by other writers and feeds
// them through Reload. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings: watcher: %w", err)
	}
	defer watcher.Close()

	// The directory is watched because writes replace the file by rename.
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("settings: mkdir %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("settings: watch %s: %w", dir, err)
	}
	name := filepath.Clean(s.path)
	slog.Info("settings watching file", "path", name)

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || ev.Op == fsnotify.Chmod {
				continue
			}
			reload = time.After(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("settings watcher error", "path", name, "error", err)
		case <-reload:
			reload = nil
			if err := s.Reload(); err != nil {
				slog.Warn("settings reload failed, keeping current values", "path", name, "error", err)
			}
		}
	}
}
