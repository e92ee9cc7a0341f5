// Package flags provides the remote-controllable gate over the advanced
// queue path: a global kill switch and the offline-sync-v2 toggle.
package flags

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/irontracks/itsync/internal/outbox/store"
)

// CacheKey is the KV key holding the last successfully loaded flags.
const CacheKey = "flags.cached"

// Flags are the feature switches that gate the advanced queue path.
type Flags struct {
	KillSwitch    bool `toml:"kill_switch" json:"kill_switch" mapstructure:"kill_switch"`
	OfflineSyncV2 bool `toml:"offline_sync_v2" json:"offline_sync_v2" mapstructure:"offline_sync_v2"`
}

// Enabled reports whether the full summary is reported. Flushing does not
// depend on it.
func (f Flags) Enabled() bool {
	return !f.KillSwitch && f.OfflineSyncV2
}

// Source yields the current flags.
type Source interface {
	Current() Flags
}

// Static is a Source with fixed values.
type Static Flags

// Current implements Source.
func (s Static) Current() Flags { return Flags(s) }

// FileSource reads flags from a TOML file.
//
// Resolution order on each Load: the file, then the last good value cached in
// the store, then the fallback given to NewFileSource.
type FileSource struct {
	path     string
	cache    store.Store
	fallback Flags
	logger   *log.Logger

	mu       sync.RWMutex
	current  Flags
	onChange []func(Flags)
}

// NewFileSource creates a FileSource. cache may be nil.
func NewFileSource(path string, cache store.Store, fallback Flags, logger *log.Logger) *FileSource {
	if logger == nil {
		logger = log.New(os.Stderr, "[flags] ", log.LstdFlags)
	}
	return &FileSource{
		path:     path,
		cache:    cache,
		fallback: fallback,
		logger:   logger,
		current:  fallback,
	}
}

// ReadFile decodes a flags file.
func ReadFile(path string) (Flags, error) {
	var f Flags
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return Flags{}, fmt.Errorf("failed to decode flags file %s: %w", path, err)
	}
	return f, nil
}

// OnChange registers fn to run after every Load that changes the flags.
func (s *FileSource) OnChange(fn func(Flags)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Current implements Source.
func (s *FileSource) Current() Flags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Load re-resolves the flags and returns the new value.
func (s *FileSource) Load(ctx context.Context) Flags {
	next, err := s.resolve(ctx)
	if err != nil {
		s.logger.Printf("Warning: %v", err)
	}

	s.mu.Lock()
	changed := next != s.current
	s.current = next
	callbacks := slices.Clone(s.onChange)
	s.mu.Unlock()

	if changed {
		s.logger.Printf("Flags changed: kill_switch=%t offline_sync_v2=%t", next.KillSwitch, next.OfflineSyncV2)
		for _, fn := range callbacks {
			fn(next)
		}
	}
	return next
}

func (s *FileSource) resolve(ctx context.Context) (Flags, error) {
	f, err := ReadFile(s.path)
	if err == nil {
		if s.cache != nil {
			s.cache.Set(ctx, CacheKey, f)
		}
		return f, nil
	}

	if errors.Is(err, os.ErrNotExist) {
		err = fmt.Errorf("flags file %s not found", s.path)
	}
	if cached, ok := s.cached(ctx); ok {
		return cached, fmt.Errorf("%v, using cached flags", err)
	}
	return s.fallback, fmt.Errorf("%v, using defaults", err)
}

func (s *FileSource) cached(ctx context.Context) (Flags, bool) {
	if s.cache == nil {
		return Flags{}, false
	}
	raw, ok := s.cache.Get(ctx, CacheKey)
	if !ok {
		return Flags{}, false
	}
	var f Flags
	if err := json.Unmarshal(raw, &f); err != nil {
		return Flags{}, false
	}
	return f, true
}

// Watch reloads the flags whenever the file changes, until ctx is cancelled.
// The parent directory is watched so editors that replace the file are seen.
func (s *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.Load(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Printf("Watcher error: %v", err)
		}
	}
}
