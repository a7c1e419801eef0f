package engine

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"drift/internal/errors"
)

// settleDelay batches bursts of filesystem events into one sync run.
const settleDelay = 500 * time.Millisecond

// Watch keeps the remote in step with the tree: it syncs once, then
// re-syncs whenever the filesystem settles after a change. It returns
// when ctx is cancelled. The single-writer assumption is unchanged; a
// Conflict during a watch run is retried on the next event burst after
// logging, any other error stops the watch.
func (e *Engine) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := e.addWatches(watcher); err != nil {
		return err
	}

	if _, err := e.Sync(ctx); err != nil && !errors.IsType(err, errors.ErrorTypeConflict) {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if e.ignored(event.Name) {
				continue
			}
			// New directories need their own watches before anything
			// inside them can be seen.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(settleDelay)
				timerC = timer.C
			} else {
				timer.Reset(settleDelay)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn("watcher error", zap.Error(err))

		case <-timerC:
			timer = nil
			timerC = nil
			if _, err := e.Sync(ctx); err != nil {
				if errors.IsType(err, errors.ErrorTypeConflict) {
					e.logger.Warn("sync lost a publish race, will retry on next change", zap.Error(err))
					continue
				}
				return err
			}
			// Directories may have appeared while syncing.
			if err := e.addWatches(watcher); err != nil {
				e.logger.Warn("refreshing watches", zap.Error(err))
			}
		}
	}
}

func (e *Engine) addWatches(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(e.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if e.ignored(path) {
			return fs.SkipDir
		}
		return watcher.Add(path)
	})
}

func (e *Engine) ignored(path string) bool {
	rel, err := filepath.Rel(e.root, path)
	if err != nil {
		return true
	}
	return rel == ".drift" || strings.HasPrefix(rel, ".drift"+string(filepath.Separator))
}
