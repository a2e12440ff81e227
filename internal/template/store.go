package template

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Store holds the set of named templates loaded from a directory and
// optionally keeps them current via a background filesystem watcher.
type Store struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	templates map[string]*Template

	watchMu   sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewStore creates a Store rooted at dir. Call LoadAll to populate it.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:       dir,
		logger:    logger.With("component", "template.Store"),
		templates: make(map[string]*Template),
	}
}

// LoadAll reads every *.yaml/*.yml file in the store's directory. A file that
// fails to parse is logged and skipped; any template it previously provided
// remains in effect.
func (s *Store) LoadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("template directory does not exist, starting empty", "dir", s.dir)
			return nil
		}
		return fmt.Errorf("failed to read template directory: %w", err)
	}

	loaded := make(map[string]*Template)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("failed to read template file", "path", path, "error", err)
			continue
		}
		result := Validate(string(data))
		if !result.Valid {
			s.logger.Warn("template failed validation, keeping previous version in effect",
				"path", path, "errors", result.Errors)
			continue
		}
		for _, w := range result.Warnings {
			s.logger.Warn("template validation warning", "path", path, "warning", w)
		}
		loaded[result.Parsed.Name] = result.Parsed
	}

	s.mu.Lock()
	for name, t := range loaded {
		s.templates[name] = t
	}
	s.mu.Unlock()

	s.logger.Info("templates loaded", "count", len(loaded), "dir", s.dir)
	return nil
}

// List returns a snapshot of all known templates.
func (s *Store) List() []*Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	return out
}

// Get returns the named template, if any.
func (s *Store) Get(name string) (*Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[name]
	return t, ok
}

// Watch starts a background fsnotify watcher on the store's directory.
// Directories, not individual files, are watched so that editor
// rename-and-replace saves (vim, nano) are caught; on any change the whole
// directory is reloaded and onReload is invoked with the changed file's base
// name without its extension, which need not equal the template's name field.
func (s *Store) Watch(onReload func(name string)) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if s.watcher != nil {
		s.stopWatchLocked()
	}

	absDir, err := filepath.Abs(s.dir)
	if err != nil {
		return fmt.Errorf("failed to resolve template directory: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return fmt.Errorf("failed to create template directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := w.Add(absDir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch directory %s: %w", absDir, err)
	}

	s.watcher = w
	s.watchDone = make(chan struct{})
	go s.watchLoop(onReload)

	s.logger.Info("watching template directory for changes", "dir", absDir)
	return nil
}

func (s *Store) watchLoop(onReload func(string)) {
	defer close(s.watchDone)

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				s.logger.Info("template file changed, reloading", "path", event.Name)
				if err := s.LoadAll(); err != nil {
					s.logger.Error("template reload failed", "error", err)
				}
				if onReload != nil {
					onReload(strings.TrimSuffix(filepath.Base(event.Name), filepath.Ext(event.Name)))
				}
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the directory watcher, if running.
func (s *Store) StopWatch() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.stopWatchLocked()
}

func (s *Store) stopWatchLocked() {
	if s.watcher != nil {
		_ = s.watcher.Close()
		if s.watchDone != nil {
			<-s.watchDone
		}
		s.watcher = nil
		s.watchDone = nil
	}
}
