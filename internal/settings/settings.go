// Package settings owns the user-facing settings file: a small JSON document
// under the app config dir, with atomic saves and change notification when
// something else edits it on disk.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const fileName = "settings.json"

// Reloads are debounced because editors fire several events per save.
const debounceInterval = 200 * time.Millisecond

type Settings struct {
	AlwaysAllowTools bool   `json:"always_allow_tools"`
	Theme            string `json:"theme"`
	APIKey           string `json:"api_key,omitempty"`
}

func Default() Settings {
	return Settings{Theme: "dark"}
}

// Service loads, saves and watches the settings file.
type Service struct {
	path string
	log  *slog.Logger

	mu       sync.RWMutex
	current  Settings
	onChange []func(Settings)

	watcher *fsnotify.Watcher
	cancel  chan struct{}
	once    sync.Once
}

// NewService reads the settings file under dir, falling back to defaults when
// it does not exist yet.
func NewService(dir string, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	s := &Service{
		path:    filepath.Join(dir, fileName),
		log:     log,
		current: Default(),
		cancel:  make(chan struct{}),
	}
	if err := s.reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return s, nil
}

func (s *Service) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// AlwaysAllowTools reads the live flag; suitable as a policy callback.
func (s *Service) AlwaysAllowTools() bool {
	return s.Get().AlwaysAllowTools
}

// Update applies fn to the current settings and saves the result atomically
// (write to a temp file, then rename).
func (s *Service) Update(fn func(*Settings)) error {
	s.mu.Lock()
	next := s.current
	fn(&next)
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("marshal settings: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("save settings: %w", err)
	}
	s.current = next
	listeners := append([]func(Settings){}, s.onChange...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	return nil
}

// OnChange registers a callback invoked after every settings change, whether
// from Update or an external edit picked up by Watch.
func (s *Service) OnChange(fn func(Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Watch starts picking up external edits to the settings file.
func (s *Service) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher
	go s.watchLoop()
	return nil
}

func (s *Service) watchLoop() {
	var timer *time.Timer
	for {
		select {
		case <-s.cancel:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Name != s.path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, func() {
				if err := s.reloadAndNotify(); err != nil {
					s.log.Warn("reloading settings failed", "err", err)
				}
			})
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("settings watcher error", "err", err)
		}
	}
}

func (s *Service) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	loaded := Default()
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parse settings: %w", err)
	}
	s.mu.Lock()
	s.current = loaded
	s.mu.Unlock()
	return nil
}

func (s *Service) reloadAndNotify() error {
	if err := s.reload(); err != nil {
		return err
	}
	s.mu.RLock()
	current := s.current
	listeners := append([]func(Settings){}, s.onChange...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(current)
	}
	return nil
}

func (s *Service) Close() {
	s.once.Do(func() {
		close(s.cancel)
		if s.watcher != nil {
			s.watcher.Close()
		}
	})
}
