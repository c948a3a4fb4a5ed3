package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ManifestWatcher loads module manifests from a directory and keeps the
// registry in sync with filesystem changes: new manifest files register
// modules, modified ones trigger hot reloads.
type ManifestWatcher struct {
	registry *Registry
	logger   Logger
	dir      string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timers  map[string]*time.Timer
}

// NewManifestWatcher creates a watcher over dir for the given registry.
func NewManifestWatcher(registry *Registry, logger Logger, dir string) *ManifestWatcher {
	return &ManifestWatcher{
		registry: registry,
		logger:   logger,
		dir:      dir,
		timers:   make(map[string]*time.Timer),
	}
}

// LoadAll parses every manifest file in the directory and registers each
// with the registry. Files that fail to parse or register are logged and
// skipped so one bad manifest cannot block the rest; their errors are
// joined in the return value.
func (w *ManifestWatcher) LoadAll(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read manifest directory: %w", err)
	}

	var failures []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		format, ok := FormatForPath(path)
		if !ok {
			continue
		}
		manifest, err := w.loadFile(path, format)
		if err != nil {
			w.logger.Warn("Skipping manifest", "path", path, "error", err)
			failures = append(failures, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		if err := w.registry.Register(manifest); err != nil {
			// Missing dependencies may be satisfied by manifests parsed
			// later in the scan; the registry holds the module Discovered.
			if errors.Is(err, ErrMissingDependency) {
				w.logger.Debug("Manifest registered with unresolved dependencies", "module", manifest.Name)
				continue
			}
			w.logger.Warn("Failed to register manifest", "path", path, "error", err)
			failures = append(failures, fmt.Errorf("%s: %w", entry.Name(), err))
		}
	}
	return errors.Join(failures...)
}

func (w *ManifestWatcher) loadFile(path string, format ManifestFormat) (*ModuleManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(raw, format)
}

// Watch begins observing the manifest directory until ctx is cancelled.
// Write and create events are debounced per file before being applied.
func (w *ManifestWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	go w.processEvents(ctx)

	w.logger.Info("Watching manifest directory", "dir", w.dir)
	return nil
}

func (w *ManifestWatcher) processEvents(ctx context.Context) {
	const debounce = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if _, ok := FormatForPath(event.Name); !ok {
				continue
			}
			w.mu.Lock()
			if timer := w.timers[event.Name]; timer != nil {
				timer.Stop()
			}
			path := event.Name
			w.timers[path] = time.AfterFunc(debounce, func() {
				w.applyChange(ctx, path)
			})
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Manifest watcher error", "error", err)
		}
	}
}

// applyChange registers a manifest the registry has not seen, or hot
// reloads the module when the manifest names one already loaded.
func (w *ManifestWatcher) applyChange(ctx context.Context, path string) {
	format, _ := FormatForPath(path)
	manifest, err := w.loadFile(path, format)
	if err != nil {
		w.logger.Error("Ignoring changed manifest", "path", path, "error", err)
		return
	}

	if _, err := w.registry.Module(manifest.Name); errors.Is(err, ErrModuleNotFound) {
		if err := w.registry.Register(manifest); err != nil {
			w.logger.Error("Failed to register manifest", "module", manifest.Name, "error", err)
			return
		}
		w.logger.Info("Registered module from manifest change", "module", manifest.Name)
		return
	}

	if err := w.registry.HotReload(ctx, manifest.Name, manifest); err != nil {
		w.logger.Error("Hot reload failed", "module", manifest.Name, "error", err)
		return
	}
	w.logger.Info("Hot reloaded module from manifest change", "module", manifest.Name, "version", manifest.Version)
}

// Close stops the filesystem watcher and cancels pending debounce timers.
func (w *ManifestWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, timer := range w.timers {
		timer.Stop()
	}
	w.timers = make(map[string]*time.Timer)
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.watcher = nil
	return err
}
