// Package watch re-runs lock-sync when a starter's package files change
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starterkit/starterkit/pkg/logger"
	"github.com/starterkit/starterkit/pkg/types"
)

// DefaultSettling is the quiet period after the last change before a
// starter is reported
const DefaultSettling = 500 * time.Millisecond

// watchedFiles are the files whose changes matter inside a starter
var watchedFiles = map[string]bool{
	types.ManifestFileName: true,
	types.LockFileName:     true,
}

// Watcher reports starters whose package.json or package-lock.json changed
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   logger.Logger
	settling time.Duration

	mu            sync.Mutex
	dirs          map[string]string
	pendingEvents map[string]time.Time
}

// New creates a watcher. settling <= 0 uses DefaultSettling.
func New(log logger.Logger, settling time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if log == nil {
		log = logger.Discard()
	}
	if settling <= 0 {
		settling = DefaultSettling
	}

	return &Watcher{
		watcher:       fw,
		logger:        log,
		settling:      settling,
		dirs:          make(map[string]string),
		pendingEvents: make(map[string]time.Time),
	}, nil
}

// Add starts watching a starter directory. Only its top level is watched;
// npm rewrites package files in place.
func (w *Watcher) Add(starter types.Starter) error {
	dir := filepath.Clean(starter.Dir)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", starter.Name, err)
	}

	w.mu.Lock()
	w.dirs[dir] = starter.Name
	w.mu.Unlock()

	w.logger.Debug(fmt.Sprintf("Watching %s", dir), logger.WithField("starter", starter.Name))
	return nil
}

// Run dispatches settled changes to onChange until ctx is cancelled.
// onChange is never called concurrently for the same starter.
func (w *Watcher) Run(ctx context.Context, onChange func(starter string)) error {
	var locks sync.Map

	dispatch := func(starter string) {
		mu, _ := locks.LoadOrStore(starter, &sync.Mutex{})
		mu.(*sync.Mutex).Lock()
		defer mu.(*sync.Mutex).Unlock()
		onChange(starter)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !watchedFiles[filepath.Base(event.Name)] || event.Op == fsnotify.Chmod {
				continue
			}

			w.mu.Lock()
			starter, known := w.dirs[filepath.Dir(event.Name)]
			w.mu.Unlock()
			if !known {
				continue
			}

			w.logger.Debug(fmt.Sprintf("%s %s", event.Op, filepath.Base(event.Name)),
				logger.WithField("starter", starter))
			w.handleEventWithSettling(ctx, starter, dispatch)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error(fmt.Sprintf("Watcher error: %v", err))
		}
	}
}

// handleEventWithSettling fires dispatch once no event for the starter has
// arrived for the settling period
func (w *Watcher) handleEventWithSettling(ctx context.Context, starter string, dispatch func(string)) {
	w.mu.Lock()
	w.pendingEvents[starter] = time.Now()
	w.mu.Unlock()

	time.AfterFunc(w.settling, func() {
		w.mu.Lock()
		last, exists := w.pendingEvents[starter]
		if !exists || time.Since(last) < w.settling {
			w.mu.Unlock()
			return
		}
		delete(w.pendingEvents, starter)
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		dispatch(starter)
	})
}

// List returns the watched directories
func (w *Watcher) List() []string {
	return w.watcher.WatchList()
}

// Close stops watching
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
