package directory

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/obot-platform/leadqueue/server/internal/store"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads a snapshot file into the directory tables whenever it
// changes. Rotations are never touched; resync stays request-driven.
type Watcher struct {
	store    *store.Store
	path     string
	cache    *Cached
	log      *zap.Logger
	debounce time.Duration

	// OnReload is called after every reload attempt. Used by tests.
	OnReload func(err error)

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewWatcher creates a watcher for path. cache may be nil.
func NewWatcher(s *store.Store, path string, cache *Cached, log *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are seen.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		store:    s,
		path:     filepath.Clean(path),
		cache:    cache,
		log:      log.Named("directory"),
		debounce: DefaultDebounce,
		watcher:  fw,
	}, nil
}

// Start begins watching in the background.
func (w *Watcher) Start(parentCtx context.Context) {
	ctx, cancel := context.WithCancel(parentCtx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop stops watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("directory watcher error", zap.Error(err))
		case <-fire:
			fire = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	err := LoadFile(ctx, w.store, w.path)
	if err != nil {
		w.log.Error("failed to reload directory", zap.String("path", w.path), zap.Error(err))
	} else {
		if w.cache != nil {
			w.cache.Purge()
		}
		w.log.Info("directory reloaded", zap.String("path", w.path))
	}
	if w.OnReload != nil {
		w.OnReload(err)
	}
}
