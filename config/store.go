package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the event bursts editors emit when saving.
const reloadDebounce = 100 * time.Millisecond

// Store holds the active configuration snapshot. Readers take the snapshot
// with Current and must treat it as immutable; Reload installs a fresh
// snapshot atomically, so in-flight requests finish under the parameters
// they started with.
type Store struct {
	path string
	cur  atomic.Pointer[Config]

	mu       sync.Mutex
	onReload []func(*Config)
}

// NewStore loads the file at path and keeps it as the active snapshot.
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.cur.Store(cfg)
	return s, nil
}

// Path returns the watched file location.
func (s *Store) Path() string { return s.path }

// Current returns the active snapshot.
func (s *Store) Current() *Config { return s.cur.Load() }

// OnReload registers a callback invoked with each newly installed snapshot.
// Callbacks run on the reloading goroutine, in registration order.
func (s *Store) OnReload(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReload = append(s.onReload, fn)
}

// Reload re-reads and validates the file, then swaps the snapshot. On any
// error the previous snapshot stays active.
func (s *Store) Reload() (*Config, error) {
	cfg, err := Load(s.path)
	if err != nil {
		return nil, err
	}
	s.cur.Store(cfg)
	s.mu.Lock()
	callbacks := make([]func(*Config), len(s.onReload))
	copy(callbacks, s.onReload)
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

// Watch reloads the snapshot whenever the file changes on disk. The watch is
// on the parent directory so editors that replace the file via rename are
// seen. Returns when ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	base := filepath.Base(s.path)

	timer := time.NewTimer(reloadDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if armed && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(reloadDebounce)
			armed = true
		case <-timer.C:
			armed = false
			if _, err := s.Reload(); err != nil {
				log.Warn("Config reload failed, keeping previous snapshot", "path", s.path, "err", err)
				continue
			}
			log.Info("Configuration reloaded", "path", s.path)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("Config watcher error", "err", werr)
		}
	}
}
