package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// Manager provides thread-safe access to live configuration, hot-reloaded
// from disk whenever the watched file changes.
type Manager struct {
	mu      sync.RWMutex
	cfg     *Config
	path    string
	watcher *fsnotify.Watcher
	log     logr.Logger
	stop    chan struct{}
}

// NewManager constructs a Manager serving initial and, if path is non-empty,
// starts an fsnotify watch on it so future writes hot-reload without a
// restart.
func NewManager(path string, initial *Config, log logr.Logger) (*Manager, error) {
	m := &Manager{cfg: initial, path: path, log: log, stop: make(chan struct{})}

	if path == "" {
		return m, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to start config watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}
	m.watcher = watcher

	go m.watch()
	return m, nil
}

// Get returns the current config. Callers must not mutate the returned
// value; it is shared across goroutines under the manager's lock.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload reads the config file again and swaps it in atomically.
func (m *Manager) Reload() error {
	if m.path == "" {
		return fmt.Errorf("config manager has no path to reload from")
	}
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

// Close stops the fsnotify watch, if one was started.
func (m *Manager) Close() error {
	close(m.stop)
	if m.watcher == nil {
		return nil
	}
	return m.watcher.Close()
}

func (m *Manager) watch() {
	for {
		select {
		case <-m.stop:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := m.Reload(); err != nil {
				m.log.Error(err, "config hot-reload failed, keeping previous configuration")
			} else {
				m.log.Info("config reloaded", "path", m.path)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Error(err, "config watcher error")
		}
	}
}
