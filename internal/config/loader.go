package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads the daemon's YAML config file and can optionally watch it
// for changes, handing the reloaded Config to an observer callback. The
// config itself isn't merged section-by-section on reload -- the whole
// document is re-parsed and swapped atomically, mirroring how template.Store
// treats its directory.
type Loader struct {
	path   string
	logger *slog.Logger

	mu        sync.RWMutex
	current   *Config
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewLoader creates a Loader that has not yet loaded anything; call Load.
func NewLoader() *Loader {
	return &Loader{logger: slog.Default().With("component", "config.Loader")}
}

// Load reads and parses the YAML file at path, starting from DefaultConfig
// so an omitted section keeps its default. A missing file is not an error:
// the loader falls back to defaults, matching the daemon's zero-config
// startup story.
func (l *Loader) Load(path string) error {
	l.path = path
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			l.mu.Lock()
			l.current = cfg
			l.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return nil
}

// Current returns the most recently loaded config.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch starts watching the config file for changes, invoking onReload
// with the freshly parsed config after each one. Parse failures are logged
// and the previous config remains in effect.
func (l *Loader) Watch(onReload func(*Config)) error {
	if l.path == "" {
		return fmt.Errorf("cannot watch before Load has been called")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch config file %s: %w", l.path, err)
	}

	l.watcher = w
	l.watchDone = make(chan struct{})
	go func() {
		defer close(l.watchDone)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if err := l.Load(l.path); err != nil {
					l.logger.Error("config reload failed, keeping previous config in effect", "error", err)
					continue
				}
				l.logger.Info("config reloaded", "path", l.path)
				if onReload != nil {
					onReload(l.Current())
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Error("fsnotify error watching config", "error", err)
			}
		}
	}()
	return nil
}

// StopWatch stops the config file watcher, if running.
func (l *Loader) StopWatch() {
	if l.watcher != nil {
		_ = l.watcher.Close()
		<-l.watchDone
		l.watcher = nil
	}
}
