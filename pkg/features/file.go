package features

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// fileFormat is the layout of an entitlements file:
//
//	default: [CDP_CLOUD_STORAGE_VALIDATION]
//	accounts:
//	  acc-1: [CDP_FREEIPA_HA, CDP_RUNTIME_UPGRADE]
type fileFormat struct {
	Default  []string            `yaml:"default"`
	Accounts map[string][]string `yaml:"accounts"`
}

// FileSource reads entitlements from a YAML file and can reload it on change.
type FileSource struct {
	path   string
	logger zerolog.Logger

	mu      sync.RWMutex
	entries Static
}

// NewFileSource loads the entitlements file at path.
func NewFileSource(path string, logger zerolog.Logger) (*FileSource, error) {
	s := &FileSource{
		path:   path,
		logger: logger.With().Str("component", "features").Logger(),
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads the file again. The previous entitlements stay in place when
// the file cannot be parsed.
func (s *FileSource) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read entitlements file %s: %w", s.path, err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse entitlements file %s: %w", s.path, err)
	}

	entries := make(Static, len(f.Accounts)+1)
	for account, keys := range f.Accounts {
		entries[account] = keys
	}
	entries["*"] = f.Default

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()

	s.logger.Debug().Str("path", s.path).Int("accounts", len(f.Accounts)).Msg("Entitlements loaded")
	return nil
}

// Entitlements implements Source.
func (s *FileSource) Entitlements(ctx context.Context, actorID, accountID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries.Entitlements(ctx, actorID, accountID)
}

// Watch reloads the file when it changes until ctx is done. onReload runs
// after every successful reload. The parent directory is watched so that
// editors replacing the file are noticed.
func (s *FileSource) Watch(ctx context.Context, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.path, err)
	}

	go s.processEvents(ctx, watcher, onReload)
	return nil
}

func (s *FileSource) processEvents(ctx context.Context, watcher *fsnotify.Watcher, onReload func()) {
	defer func() { _ = watcher.Close() }()

	var reloadTimer *time.Timer
	reloadDelay := 100 * time.Millisecond
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := s.Load(); err != nil {
					s.logger.Error().Err(err).Msg("Failed to reload entitlements")
					return
				}
				if onReload != nil {
					onReload()
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
